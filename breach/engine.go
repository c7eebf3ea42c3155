package breach

import (
	"context"
	"fmt"
	"sync"
	"time"

	"argus/core"
	"argus/metric"
	"argus/metrics"
	"argus/storage"
	"argus/util/goroutine"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// defaultEvalInterval applies to rules without an explicit interval
	defaultEvalInterval = 15 * time.Minute
	// maxEvidenceSamples bounds how many matched events land in evidence
	maxEvidenceSamples = 10
)

// initialRunDelay is the lag before a newly scheduled rule's first run;
// variable so tests can shorten it
var initialRunDelay = 5 * time.Second

// Engine schedules breach detection rules, each on its own timer, and
// turns positive evaluations into cases through the case store
type Engine struct {
	storage   storage.BreachStorageInterface
	events    storage.EventStorageInterface
	anomalies storage.AnomalyStorageInterface
	metrics   *metric.Store
	cases     *CaseStore
	logger    *zap.SugaredLogger
	validate  *validator.Validate
	now       func() time.Time

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	timers  map[string]context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewEngine creates a breach rule engine
func NewEngine(st storage.BreachStorageInterface, events storage.EventStorageInterface, anomalies storage.AnomalyStorageInterface, ms *metric.Store, cases *CaseStore, logger *zap.SugaredLogger) *Engine {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Engine{
		storage:   st,
		events:    events,
		anomalies: anomalies,
		metrics:   ms,
		cases:     cases,
		logger:    logger,
		validate:  validator.New(),
		now:       time.Now,
		timers:    make(map[string]context.CancelFunc),
	}
}

// Start schedules every enabled rule
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.started = true
	e.mu.Unlock()

	rules, err := e.storage.GetEnabledRules(ctx)
	if err != nil {
		return fmt.Errorf("failed to load enabled rules: %w", err)
	}
	for i := range rules {
		e.schedule(&rules[i])
	}
	e.logger.Infow("Breach rule engine started", "rules", len(rules))
	return nil
}

// Stop cancels every rule timer and waits for in-flight evaluations
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.cancel != nil {
		e.cancel()
	}
	e.timers = make(map[string]context.CancelFunc)
	e.started = false
	e.mu.Unlock()
	e.wg.Wait()
}

// schedule starts one rule's timer loop with an immediate first run,
// replacing any existing loop for the rule
func (e *Engine) schedule(rule *core.BreachDetectionRule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return
	}
	if cancel, ok := e.timers[rule.ID]; ok {
		cancel()
	}
	ctx, cancel := context.WithCancel(e.ctx)
	e.timers[rule.ID] = cancel

	interval := rule.EvalInterval
	if interval <= 0 {
		interval = defaultEvalInterval
	}
	r := *rule
	e.wg.Add(1)
	goroutine.Go("breach-rule-"+r.ID, e.logger, func() {
		defer e.wg.Done()
		first := time.NewTimer(initialRunDelay)
		defer first.Stop()
		select {
		case <-ctx.Done():
			return
		case <-first.C:
			// cancellation stops the timer only; an in-flight evaluation
			// completes and writes its case
			e.runRule(context.WithoutCancel(ctx), &r)
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.runRule(context.WithoutCancel(ctx), &r)
			}
		}
	})
}

func (e *Engine) unschedule(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cancel, ok := e.timers[id]; ok {
		cancel()
		delete(e.timers, id)
	}
}

func (e *Engine) runRule(ctx context.Context, rule *core.BreachDetectionRule) {
	defer goroutine.Recover("breach-rule-run", e.logger)
	if err := e.EvaluateRule(ctx, rule); err != nil {
		e.logger.Errorw("Rule evaluation failed",
			"rule_id", rule.ID, "name", rule.Name, "type", rule.Type, "error", err)
	}
}

// EvaluateRule runs one rule evaluation and opens or updates a case when
// the rule fires
func (e *Engine) EvaluateRule(ctx context.Context, rule *core.BreachDetectionRule) error {
	start := time.Now()
	defer func() {
		metrics.RuleEvaluationDuration.WithLabelValues(string(rule.Type)).
			Observe(time.Since(start).Seconds())
	}()

	var candidate *Candidate
	var err error
	switch rule.Type {
	case core.BreachRuleBehavior:
		candidate, err = e.evaluateBehavior(ctx, rule)
	case core.BreachRuleSignature:
		candidate, err = e.evaluateSignature(ctx, rule)
	case core.BreachRuleAnomaly:
		candidate, err = e.evaluateAnomaly(ctx, rule)
	case core.BreachRuleCorrelation:
		candidate, err = e.evaluateCorrelation(ctx, rule)
	default:
		return fmt.Errorf("unknown rule type: %s", rule.Type)
	}
	if err != nil {
		return err
	}
	if candidate == nil {
		return nil
	}
	_, _, err = e.cases.CreateOrMerge(ctx, candidate)
	return err
}

func (e *Engine) evaluateBehavior(ctx context.Context, rule *core.BreachDetectionRule) (*Candidate, error) {
	def := rule.Behavior
	now := e.now()
	agg := def.Aggregation
	if agg == "" {
		agg = core.AggSum
	}

	values := make(map[string]float64, len(def.Metrics))
	for _, name := range def.Metrics {
		v, _, err := e.metrics.WindowAggregate(ctx, &core.MetricQuery{
			Metric:      name,
			Start:       now.Add(-def.Window),
			End:         now,
			Bucket:      core.BucketMinute,
			Aggregation: agg,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to resolve metric %q: %w", name, err)
		}
		values[name] = v
	}

	var combined float64
	if def.Expression == "" {
		combined = values[def.Metrics[0]]
	} else {
		var err error
		combined, err = evalExpression(def.Expression, values)
		if err != nil {
			return nil, fmt.Errorf("expression %q: %w", def.Expression, err)
		}
	}
	if !def.Operator.Compare(combined, def.Threshold) {
		return nil, nil
	}
	return e.candidate(rule, map[string]interface{}{
		"metrics":   values,
		"value":     combined,
		"operator":  string(def.Operator),
		"threshold": def.Threshold,
		"window":    def.Window.String(),
	}), nil
}

func (e *Engine) evaluateSignature(ctx context.Context, rule *core.BreachDetectionRule) (*Candidate, error) {
	def := rule.Signature
	since := e.now().Add(-rule.Window())

	for i := range def.Patterns {
		p := &def.Patterns[i]
		var samples interface{}
		var total int64
		var err error
		switch p.Family {
		case core.FamilySecurityEvent:
			samples, total, err = e.events.SearchSecurityEvents(ctx, p, since, maxEvidenceSamples)
		case core.FamilyAccessViolation:
			samples, total, err = e.events.SearchAccessViolations(ctx, p, since, maxEvidenceSamples)
		case core.FamilyTokenUsage:
			samples, total, err = e.events.SearchTokenUsage(ctx, p, since, maxEvidenceSamples)
		default:
			return nil, fmt.Errorf("pattern %d: unsupported event family: %s", i, p.Family)
		}
		if err != nil {
			return nil, fmt.Errorf("pattern %d search: %w", i, err)
		}
		if total < int64(def.Threshold) {
			continue
		}
		return e.candidate(rule, map[string]interface{}{
			"family":    string(p.Family),
			"pattern":   p,
			"total":     total,
			"threshold": def.Threshold,
			"samples":   samples,
		}), nil
	}
	return nil, nil
}

func (e *Engine) evaluateAnomaly(ctx context.Context, rule *core.BreachDetectionRule) (*Candidate, error) {
	def := rule.Anomaly
	since := e.now().Add(-rule.Window())
	open, err := e.anomalies.GetOpenAnomalies(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("failed to load open anomalies: %w", err)
	}

	allowed := make(map[string]bool, len(def.Metrics))
	for _, m := range def.Metrics {
		allowed[m] = true
	}
	var matches []core.Anomaly
	for _, a := range open {
		if len(allowed) > 0 && !allowed[a.Metric] {
			continue
		}
		if def.MinSeverity != "" && !a.Severity.AtLeast(def.MinSeverity) {
			continue
		}
		matches = append(matches, a)
	}
	if len(matches) == 0 {
		return nil, nil
	}
	samples := matches
	if len(samples) > maxEvidenceSamples {
		samples = samples[:maxEvidenceSamples]
	}
	return e.candidate(rule, map[string]interface{}{
		"total":   len(matches),
		"samples": samples,
	}), nil
}

func (e *Engine) evaluateCorrelation(ctx context.Context, rule *core.BreachDetectionRule) (*Candidate, error) {
	def := rule.Correlation
	since := e.now().Add(-rule.Window())

	type conditionResult struct {
		Condition core.CorrelationCondition `json:"condition"`
		Matched   bool                      `json:"matched"`
		Count     int64                     `json:"count"`
	}
	results := make([]conditionResult, 0, len(def.Conditions))
	satisfied := 0

	for _, cond := range def.Conditions {
		required := cond.MinCount
		if required < 1 {
			required = 1
		}
		var count int64
		var err error
		switch cond.Kind {
		case core.FamilySecurityEvent:
			_, count, err = e.events.SearchSecurityEvents(ctx, &core.SignaturePattern{
				Family:    core.FamilySecurityEvent,
				EventType: cond.EventType,
				Severity:  cond.Severity,
				Subject:   cond.Subject,
			}, since, 1)
		case core.FamilyAccessViolation:
			_, count, err = e.events.SearchAccessViolations(ctx, &core.SignaturePattern{
				Family:    core.FamilyAccessViolation,
				EventType: cond.EventType,
				Severity:  cond.Severity,
				Subject:   cond.Subject,
			}, since, 1)
		case core.FamilyAnomaly:
			count, err = e.countAnomalies(ctx, &cond, since)
		default:
			return nil, fmt.Errorf("unsupported condition kind: %s", cond.Kind)
		}
		if err != nil {
			return nil, fmt.Errorf("condition %s: %w", cond.Kind, err)
		}
		matched := count >= int64(required)
		if matched {
			satisfied++
		}
		results = append(results, conditionResult{Condition: cond, Matched: matched, Count: count})
	}

	if satisfied < def.Required {
		return nil, nil
	}
	return e.candidate(rule, map[string]interface{}{
		"required":   def.Required,
		"satisfied":  satisfied,
		"conditions": results,
	}), nil
}

func (e *Engine) countAnomalies(ctx context.Context, cond *core.CorrelationCondition, since time.Time) (int64, error) {
	open, err := e.anomalies.GetOpenAnomalies(ctx, since)
	if err != nil {
		return 0, err
	}
	var count int64
	for _, a := range open {
		if cond.Metric != "" && a.Metric != cond.Metric {
			continue
		}
		if cond.Severity != "" && !a.Severity.AtLeast(cond.Severity) {
			continue
		}
		if cond.Subject != "" && a.Subject != cond.Subject {
			continue
		}
		count++
	}
	return count, nil
}

func (e *Engine) candidate(rule *core.BreachDetectionRule, evidence map[string]interface{}) *Candidate {
	return &Candidate{
		Title:         rule.Name,
		Description:   rule.Description,
		DetectionType: rule.Type,
		Severity:      rule.Severity,
		Source:        "rule",
		RuleID:        rule.ID,
		WorkspaceID:   rule.WorkspaceID,
		Evidence:      evidence,
		DedupWindow:   rule.Window(),
	}
}

// CreateRule validates, persists and schedules a new rule
func (e *Engine) CreateRule(ctx context.Context, rule *core.BreachDetectionRule) error {
	if rule == nil {
		return fmt.Errorf("cannot create nil rule")
	}
	if err := e.validate.Struct(rule); err != nil {
		return fmt.Errorf("invalid rule: %w", err)
	}
	if err := rule.Validate(); err != nil {
		return err
	}
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	now := e.now()
	rule.CreatedAt = now
	rule.UpdatedAt = now
	if err := e.storage.CreateRule(ctx, rule); err != nil {
		return err
	}
	if rule.Enabled {
		e.schedule(rule)
	}
	return nil
}

// GetRule returns one rule
func (e *Engine) GetRule(ctx context.Context, id string) (*core.BreachDetectionRule, error) {
	return e.storage.GetRule(ctx, id)
}

// ListRules returns rules with pagination
func (e *Engine) ListRules(ctx context.Context, limit, offset int) ([]core.BreachDetectionRule, error) {
	if limit <= 0 {
		limit = 50
	}
	return e.storage.GetRules(ctx, limit, offset)
}

// UpdateRule validates and replaces a rule, rescheduling its timer
func (e *Engine) UpdateRule(ctx context.Context, id string, rule *core.BreachDetectionRule) error {
	if rule == nil {
		return fmt.Errorf("cannot update to nil rule")
	}
	if err := e.validate.Struct(rule); err != nil {
		return fmt.Errorf("invalid rule: %w", err)
	}
	if err := rule.Validate(); err != nil {
		return err
	}
	if err := e.storage.UpdateRule(ctx, id, rule); err != nil {
		return err
	}
	rule.ID = id
	e.unschedule(id)
	if rule.Enabled {
		e.schedule(rule)
	}
	return nil
}

// DeleteRule removes a rule and cancels its timer
func (e *Engine) DeleteRule(ctx context.Context, id string) error {
	if err := e.storage.DeleteRule(ctx, id); err != nil {
		return err
	}
	e.unschedule(id)
	return nil
}
