package core

import (
	"encoding/json"
	"fmt"
	"time"
)

// BreachRuleType dispatches how a breach detection rule is evaluated
type BreachRuleType string

const (
	BreachRuleBehavior    BreachRuleType = "behavior"
	BreachRuleSignature   BreachRuleType = "signature"
	BreachRuleAnomaly     BreachRuleType = "anomaly"
	BreachRuleCorrelation BreachRuleType = "correlation"
)

// IsValid checks if the rule type is valid
func (t BreachRuleType) IsValid() bool {
	switch t {
	case BreachRuleBehavior, BreachRuleSignature, BreachRuleAnomaly, BreachRuleCorrelation:
		return true
	default:
		return false
	}
}

// BehaviorRuleDef resolves one or more metrics over a window and compares
// the combined value against a threshold. When Expression is empty the
// first metric's aggregate is used directly; otherwise Expression is a
// restricted arithmetic expression with metric names as identifiers.
type BehaviorRuleDef struct {
	Metrics     []string      `json:"metrics" validate:"min=1"`
	Expression  string        `json:"expression,omitempty"`
	Aggregation Aggregation   `json:"aggregation"`
	Window      time.Duration `json:"window" validate:"gt=0"`
	Operator    Operator      `json:"operator" validate:"required"`
	Threshold   float64       `json:"threshold"`
}

// SignaturePattern constrains a search over one event family
type SignaturePattern struct {
	// Family is the event family to search: security_event,
	// access_violation or token_usage
	Family       EventFamily `json:"family" validate:"required"`
	EventType    string      `json:"event_type,omitempty"`
	Severity     Severity    `json:"severity,omitempty"`
	Subject      string      `json:"subject,omitempty"`
	Address      string      `json:"address,omitempty"`
	MinRequests  int         `json:"min_requests,omitempty"`
	MaxRequests  int         `json:"max_requests,omitempty"`
}

// SignatureRuleDef matches configured patterns against recent events
type SignatureRuleDef struct {
	Patterns  []SignaturePattern `json:"patterns" validate:"min=1"`
	Threshold int                `json:"threshold" validate:"gte=1"`
}

// AnomalyRuleDef promotes open anomalies to cases
type AnomalyRuleDef struct {
	Metrics     []string `json:"metrics,omitempty"` // empty allows all
	MinSeverity Severity `json:"min_severity"`
}

// CorrelationCondition is one independently evaluated sub-condition of a
// correlation rule
type CorrelationCondition struct {
	// Kind is security_event, access_violation or anomaly
	Kind      EventFamily `json:"kind" validate:"required"`
	EventType string      `json:"event_type,omitempty"`
	Severity  Severity    `json:"severity,omitempty"`
	Subject   string      `json:"subject,omitempty"`
	Metric    string      `json:"metric,omitempty"` // anomaly conditions only
	MinCount  int         `json:"min_count"`
}

// CorrelationRuleDef fires when enough sub-conditions hold at once
type CorrelationRuleDef struct {
	Conditions []CorrelationCondition `json:"conditions" validate:"min=1"`
	Required   int                    `json:"required" validate:"gte=1"`
}

// BreachRuleScope limits where a rule applies
type BreachRuleScope string

const (
	ScopeGlobal    BreachRuleScope = "global"
	ScopeWorkspace BreachRuleScope = "workspace"
)

// BreachDetectionRule is one independently scheduled detection rule.
// Exactly one of the typed definitions matching Type must be set; rule
// payloads are typed structures validated at write time, never opaque blobs.
type BreachDetectionRule struct {
	ID          string          `json:"id"`
	Name        string          `json:"name" validate:"required"`
	Description string          `json:"description,omitempty"`
	Type        BreachRuleType  `json:"type" validate:"required"`
	Severity    Severity        `json:"severity"`
	Scope       BreachRuleScope `json:"scope"`
	WorkspaceID string          `json:"workspace_id,omitempty"`
	Enabled     bool            `json:"enabled"`
	// EvalInterval is how often the rule is evaluated; it also bounds the
	// dedup window for cases the rule produces
	EvalInterval time.Duration `json:"eval_interval"`

	Behavior    *BehaviorRuleDef    `json:"behavior,omitempty"`
	Signature   *SignatureRuleDef   `json:"signature,omitempty"`
	Anomaly     *AnomalyRuleDef     `json:"anomaly,omitempty"`
	Correlation *CorrelationRuleDef `json:"correlation,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate enforces the tagged-union shape: the definition variant must
// match the rule type and be the only one set.
func (r *BreachDetectionRule) Validate() error {
	if r == nil {
		return fmt.Errorf("cannot validate nil rule")
	}
	if !r.Type.IsValid() {
		return fmt.Errorf("unknown rule type: %s", r.Type)
	}
	set := 0
	if r.Behavior != nil {
		set++
	}
	if r.Signature != nil {
		set++
	}
	if r.Anomaly != nil {
		set++
	}
	if r.Correlation != nil {
		set++
	}
	if set != 1 {
		return fmt.Errorf("rule must carry exactly one typed definition, found %d", set)
	}

	switch r.Type {
	case BreachRuleBehavior:
		if r.Behavior == nil {
			return fmt.Errorf("behavior rule missing behavior definition")
		}
		if len(r.Behavior.Metrics) == 0 {
			return fmt.Errorf("behavior rule requires at least one metric")
		}
		if !r.Behavior.Operator.IsValid() {
			return fmt.Errorf("unknown operator: %s", r.Behavior.Operator)
		}
		if r.Behavior.Window <= 0 {
			return fmt.Errorf("behavior window must be positive")
		}
	case BreachRuleSignature:
		if r.Signature == nil {
			return fmt.Errorf("signature rule missing signature definition")
		}
		if len(r.Signature.Patterns) == 0 {
			return fmt.Errorf("signature rule requires at least one pattern")
		}
		if r.Signature.Threshold < 1 {
			return fmt.Errorf("signature threshold must be at least 1")
		}
		for i, p := range r.Signature.Patterns {
			if !p.Family.IsValid() {
				return fmt.Errorf("pattern %d: unknown event family: %s", i, p.Family)
			}
		}
	case BreachRuleAnomaly:
		if r.Anomaly == nil {
			return fmt.Errorf("anomaly rule missing anomaly definition")
		}
	case BreachRuleCorrelation:
		if r.Correlation == nil {
			return fmt.Errorf("correlation rule missing correlation definition")
		}
		if r.Correlation.Required < 1 {
			return fmt.Errorf("correlation rule requires a positive required count")
		}
		if r.Correlation.Required > len(r.Correlation.Conditions) {
			return fmt.Errorf("required count %d exceeds condition count %d",
				r.Correlation.Required, len(r.Correlation.Conditions))
		}
	}
	return nil
}

// Window returns the time window the rule evaluates and deduplicates over
func (r *BreachDetectionRule) Window() time.Duration {
	if r.Type == BreachRuleBehavior && r.Behavior != nil && r.Behavior.Window > 0 {
		return r.Behavior.Window
	}
	if r.EvalInterval > 0 {
		return r.EvalInterval
	}
	return 15 * time.Minute
}

// BreachStatus is the lifecycle state of a case
type BreachStatus string

const (
	BreachStatusOpen          BreachStatus = "open"
	BreachStatusInvestigating BreachStatus = "investigating"
	BreachStatusContained     BreachStatus = "contained"
	BreachStatusResolved      BreachStatus = "resolved"
	BreachStatusFalsePositive BreachStatus = "false_positive"
)

// IsValid checks if the status is valid
func (s BreachStatus) IsValid() bool {
	switch s {
	case BreachStatusOpen, BreachStatusInvestigating, BreachStatusContained,
		BreachStatusResolved, BreachStatusFalsePositive:
		return true
	default:
		return false
	}
}

// Active reports whether the case still accepts merged evidence
func (s BreachStatus) Active() bool {
	return s == BreachStatusOpen || s == BreachStatusInvestigating
}

// validBreachTransitions defines allowed case state transitions
var validBreachTransitions = map[BreachStatus][]BreachStatus{
	BreachStatusOpen:          {BreachStatusInvestigating, BreachStatusFalsePositive},
	BreachStatusInvestigating: {BreachStatusContained, BreachStatusResolved, BreachStatusFalsePositive},
	BreachStatusContained:     {BreachStatusResolved},
	BreachStatusResolved:      {},
	BreachStatusFalsePositive: {},
}

// CanTransitionTo checks if a case status transition is allowed
func (s BreachStatus) CanTransitionTo(next BreachStatus) bool {
	for _, allowed := range validBreachTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Breach is a tracked security incident case
type Breach struct {
	ID                string          `json:"id"`
	Title             string          `json:"title"`
	Description       string          `json:"description,omitempty"`
	DetectionType     BreachRuleType  `json:"detection_type"`
	Severity          Severity        `json:"severity"`
	Status            BreachStatus    `json:"status"`
	Source            string          `json:"source"`
	DetectedAt        time.Time       `json:"detected_at"`
	FirstDetectedAt   time.Time       `json:"first_detected_at"`
	Evidence          json.RawMessage `json:"evidence,omitempty"`
	RuleID            string          `json:"rule_id,omitempty"`
	WorkspaceID       string          `json:"workspace_id,omitempty"`
	AssignedTo        string          `json:"assigned_to,omitempty"`
	AffectedResources []string        `json:"affected_resources,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// BreachEventType classifies audit trail entries on a case
type BreachEventType string

const (
	BreachEventDetection       BreachEventType = "detection"
	BreachEventStatusChange    BreachEventType = "status_change"
	BreachEventUpdate          BreachEventType = "update"
	BreachEventIndicatorLinked BreachEventType = "indicator_linked"
)

// BreachEvent is one append-only audit trail entry on a case
type BreachEvent struct {
	ID        string          `json:"id"`
	BreachID  string          `json:"breach_id"`
	Type      BreachEventType `json:"type"`
	Actor     string          `json:"actor,omitempty"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Indicator is a reusable piece of threat intelligence
type Indicator struct {
	ID        string    `json:"id"`
	Type      string    `json:"type" validate:"required"` // ip, domain, hash, user, ...
	Value     string    `json:"value" validate:"required"`
	Severity  Severity  `json:"severity"`
	CreatedAt time.Time `json:"created_at"`
}

// IndicatorLink ties an indicator to a case with a confidence score
type IndicatorLink struct {
	ID          string    `json:"id"`
	BreachID    string    `json:"breach_id"`
	IndicatorID string    `json:"indicator_id"`
	Confidence  float64   `json:"confidence"` // 0..1
	CreatedAt   time.Time `json:"created_at"`
}

// BreachStats aggregates case counts without mutation
type BreachStats struct {
	Total       int64            `json:"total"`
	ByStatus    map[string]int64 `json:"by_status"`
	BySeverity  map[string]int64 `json:"by_severity"`
	ByDetection map[string]int64 `json:"by_detection_type"`
	BySource    map[string]int64 `json:"by_source"`
}
