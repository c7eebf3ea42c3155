package bootstrap

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"argus/core"

	"gopkg.in/yaml.v3"
)

// seedDuration parses YAML durations written as Go duration strings
type seedDuration time.Duration

func (d *seedDuration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("bad duration %q: %w", value.Value, err)
	}
	*d = seedDuration(parsed)
	return nil
}

type seedHealthCheck struct {
	Name           string            `yaml:"name"`
	Type           string            `yaml:"type"`
	Target         string            `yaml:"target"`
	Interval       seedDuration      `yaml:"interval"`
	Timeout        seedDuration      `yaml:"timeout"`
	Method         string            `yaml:"method,omitempty"`
	Headers        map[string]string `yaml:"headers,omitempty"`
	ExpectedStatus int               `yaml:"expected_status,omitempty"`
	Driver         string            `yaml:"driver,omitempty"`
	Enabled        bool              `yaml:"enabled"`
	AlertThreshold int               `yaml:"alert_threshold"`
	AlertSeverity  string            `yaml:"alert_severity"`
}

type seedBehavior struct {
	Metrics     []string     `yaml:"metrics"`
	Expression  string       `yaml:"expression,omitempty"`
	Aggregation string       `yaml:"aggregation,omitempty"`
	Window      seedDuration `yaml:"window"`
	Operator    string       `yaml:"operator"`
	Threshold   float64      `yaml:"threshold"`
}

type seedPattern struct {
	Family      string `yaml:"family"`
	EventType   string `yaml:"event_type,omitempty"`
	Severity    string `yaml:"severity,omitempty"`
	Subject     string `yaml:"subject,omitempty"`
	Address     string `yaml:"address,omitempty"`
	MinRequests int    `yaml:"min_requests,omitempty"`
	MaxRequests int    `yaml:"max_requests,omitempty"`
}

type seedSignature struct {
	Patterns  []seedPattern `yaml:"patterns"`
	Threshold int           `yaml:"threshold"`
}

type seedAnomaly struct {
	Metrics     []string `yaml:"metrics,omitempty"`
	MinSeverity string   `yaml:"min_severity,omitempty"`
}

type seedCondition struct {
	Kind      string `yaml:"kind"`
	EventType string `yaml:"event_type,omitempty"`
	Severity  string `yaml:"severity,omitempty"`
	Subject   string `yaml:"subject,omitempty"`
	Metric    string `yaml:"metric,omitempty"`
	MinCount  int    `yaml:"min_count,omitempty"`
}

type seedCorrelation struct {
	Conditions []seedCondition `yaml:"conditions"`
	Required   int             `yaml:"required"`
}

type seedBreachRule struct {
	Name         string           `yaml:"name"`
	Description  string           `yaml:"description,omitempty"`
	Type         string           `yaml:"type"`
	Severity     string           `yaml:"severity"`
	Enabled      bool             `yaml:"enabled"`
	EvalInterval seedDuration     `yaml:"eval_interval,omitempty"`
	Behavior     *seedBehavior    `yaml:"behavior,omitempty"`
	Signature    *seedSignature   `yaml:"signature,omitempty"`
	Anomaly      *seedAnomaly     `yaml:"anomaly,omitempty"`
	Correlation  *seedCorrelation `yaml:"correlation,omitempty"`
}

type seedFile struct {
	HealthChecks []seedHealthCheck `yaml:"health_checks"`
	BreachRules  []seedBreachRule  `yaml:"breach_rules"`
}

// loadSeeds reads YAML files from the seed directory and creates the
// health checks and breach rules they define. Seeding only runs against
// an empty table so deliberate deletions survive restarts.
func (a *App) loadSeeds(ctx context.Context) error {
	entries, err := os.ReadDir(a.Config.DataPaths.SeedDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read seed directory: %w", err)
	}

	existingChecks, err := a.Health.ListChecks(ctx)
	if err != nil {
		return err
	}
	existingRules, err := a.Breaches.ListRules(ctx, 1, 0)
	if err != nil {
		return err
	}
	seedChecks := len(existingChecks) == 0
	seedRules := len(existingRules) == 0
	if !seedChecks && !seedRules {
		a.Sugar.Debug("Seed tables already populated, skipping")
		return nil
	}

	var checks, rules int
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || (!strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml")) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(a.Config.DataPaths.SeedDir, name))
		if err != nil {
			a.Sugar.Errorf("Failed to read seed file %s: %v", name, err)
			continue
		}
		var file seedFile
		if err := yaml.Unmarshal(data, &file); err != nil {
			a.Sugar.Errorf("Failed to parse seed file %s: %v", name, err)
			continue
		}

		if seedChecks {
			for i := range file.HealthChecks {
				def := file.HealthChecks[i].toDefinition()
				if err := a.Health.CreateCheck(ctx, def); err != nil {
					a.Sugar.Errorf("Seed health check %q in %s rejected: %v", def.Name, name, err)
					continue
				}
				checks++
			}
		}
		if seedRules {
			for i := range file.BreachRules {
				rule := file.BreachRules[i].toRule()
				if err := a.Breaches.CreateRule(ctx, rule); err != nil {
					a.Sugar.Errorf("Seed breach rule %q in %s rejected: %v", rule.Name, name, err)
					continue
				}
				rules++
			}
		}
	}
	if checks > 0 || rules > 0 {
		a.Sugar.Infow("Seed definitions loaded", "health_checks", checks, "breach_rules", rules)
	}
	return nil
}

func (s *seedHealthCheck) toDefinition() *core.HealthCheckDefinition {
	return &core.HealthCheckDefinition{
		Name:           s.Name,
		Type:           core.ProbeType(s.Type),
		Target:         s.Target,
		Interval:       time.Duration(s.Interval),
		Timeout:        time.Duration(s.Timeout),
		Method:         s.Method,
		Headers:        s.Headers,
		ExpectedStatus: s.ExpectedStatus,
		Driver:         s.Driver,
		Enabled:        s.Enabled,
		AlertThreshold: s.AlertThreshold,
		AlertSeverity:  core.Severity(s.AlertSeverity),
	}
}

func (s *seedBreachRule) toRule() *core.BreachDetectionRule {
	rule := &core.BreachDetectionRule{
		Name:         s.Name,
		Description:  s.Description,
		Type:         core.BreachRuleType(s.Type),
		Severity:     core.Severity(s.Severity),
		Scope:        core.ScopeGlobal,
		Enabled:      s.Enabled,
		EvalInterval: time.Duration(s.EvalInterval),
	}
	if s.Behavior != nil {
		rule.Behavior = &core.BehaviorRuleDef{
			Metrics:     s.Behavior.Metrics,
			Expression:  s.Behavior.Expression,
			Aggregation: core.Aggregation(s.Behavior.Aggregation),
			Window:      time.Duration(s.Behavior.Window),
			Operator:    core.Operator(s.Behavior.Operator),
			Threshold:   s.Behavior.Threshold,
		}
	}
	if s.Signature != nil {
		def := &core.SignatureRuleDef{Threshold: s.Signature.Threshold}
		for _, p := range s.Signature.Patterns {
			def.Patterns = append(def.Patterns, core.SignaturePattern{
				Family:      core.EventFamily(p.Family),
				EventType:   p.EventType,
				Severity:    core.Severity(p.Severity),
				Subject:     p.Subject,
				Address:     p.Address,
				MinRequests: p.MinRequests,
				MaxRequests: p.MaxRequests,
			})
		}
		rule.Signature = def
	}
	if s.Anomaly != nil {
		rule.Anomaly = &core.AnomalyRuleDef{
			Metrics:     s.Anomaly.Metrics,
			MinSeverity: core.Severity(s.Anomaly.MinSeverity),
		}
	}
	if s.Correlation != nil {
		def := &core.CorrelationRuleDef{Required: s.Correlation.Required}
		for _, c := range s.Correlation.Conditions {
			def.Conditions = append(def.Conditions, core.CorrelationCondition{
				Kind:      core.EventFamily(c.Kind),
				EventType: c.EventType,
				Severity:  core.Severity(c.Severity),
				Subject:   c.Subject,
				Metric:    c.Metric,
				MinCount:  c.MinCount,
			})
		}
		rule.Correlation = def
	}
	return rule
}
