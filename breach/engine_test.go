package breach

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"argus/core"
	"argus/metric"
	"argus/storage"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type engineFixture struct {
	engine       *Engine
	cases        *CaseStore
	metrics      *metric.Store
	breachStore  *storage.SQLiteBreachStorage
	eventStore   *storage.SQLiteEventStorage
	anomalyStore *storage.SQLiteAnomalyStorage
	bus          *core.EventBus
	now          time.Time
}

func setupEngine(t *testing.T) *engineFixture {
	t.Helper()
	logger := zap.NewNop().Sugar()

	dbPath := filepath.Join(t.TempDir(), "argus_test.db")
	db, err := storage.NewSQLite(dbPath, logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	bs := storage.NewSQLiteBreachStorage(db, logger)
	es := storage.NewSQLiteEventStorage(db, logger)
	as := storage.NewSQLiteAnomalyStorage(db, logger)
	ms := metric.NewStore(storage.NewSQLiteMetricStorage(db, logger), logger)
	bus := core.NewEventBus(logger)

	now := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	cases := NewCaseStore(bs, bus, logger)
	cases.now = func() time.Time { return now }
	engine := NewEngine(bs, es, as, ms, cases, logger)
	engine.now = func() time.Time { return now }

	return &engineFixture{
		engine:       engine,
		cases:        cases,
		metrics:      ms,
		breachStore:  bs,
		eventStore:   es,
		anomalyStore: as,
		bus:          bus,
		now:          now,
	}
}

func (f *engineFixture) seedMetric(t *testing.T, name string, value float64, age time.Duration) {
	t.Helper()
	err := f.metrics.Record(context.Background(), &core.MetricPoint{
		Metric:    name,
		Value:     value,
		Timestamp: f.now.Add(-age),
		Bucket:    core.BucketMinute,
	})
	require.NoError(t, err)
}

func (f *engineFixture) seedSecurityEvent(t *testing.T, eventType string, severity core.Severity, age time.Duration) {
	t.Helper()
	err := f.eventStore.InsertSecurityEvent(context.Background(), &core.SecurityEvent{
		ID:        uuid.NewString(),
		EventType: eventType,
		Severity:  severity,
		Subject:   "client-1",
		Timestamp: f.now.Add(-age),
	})
	require.NoError(t, err)
}

func (f *engineFixture) seedAnomaly(t *testing.T, metricName string, severity core.Severity, age time.Duration) {
	t.Helper()
	err := f.anomalyStore.InsertAnomaly(context.Background(), &core.Anomaly{
		ID:            uuid.NewString(),
		ConfigID:      uuid.NewString(),
		Metric:        metricName,
		Timestamp:     f.now.Add(-age),
		ObservedValue: 100,
		ExpectedValue: 10,
		Severity:      severity,
		Status:        core.AnomalyStatusOpen,
		CreatedAt:     f.now.Add(-age),
	})
	require.NoError(t, err)
}

func (f *engineFixture) openCases(t *testing.T) []core.Breach {
	t.Helper()
	cases, _, err := f.cases.List(context.Background(), nil)
	require.NoError(t, err)
	return cases
}

func behaviorRule() *core.BreachDetectionRule {
	return &core.BreachDetectionRule{
		Name:     "token denial spike",
		Type:     core.BreachRuleBehavior,
		Severity: core.SeverityHigh,
		Enabled:  true,
		Behavior: &core.BehaviorRuleDef{
			Metrics:   []string{"tokens_denied"},
			Window:    time.Hour,
			Operator:  core.OpGreaterThan,
			Threshold: 10,
		},
	}
}

func TestEvaluateBehaviorRule(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()

	rule := behaviorRule()
	require.NoError(t, f.engine.CreateRule(ctx, rule))

	f.seedMetric(t, "tokens_denied", 4, 30*time.Minute)
	f.seedMetric(t, "tokens_denied", 5, 20*time.Minute)

	// sum 9, below threshold
	require.NoError(t, f.engine.EvaluateRule(ctx, rule))
	assert.Empty(t, f.openCases(t))

	f.seedMetric(t, "tokens_denied", 6, 10*time.Minute)
	require.NoError(t, f.engine.EvaluateRule(ctx, rule))

	cases := f.openCases(t)
	require.Len(t, cases, 1)
	assert.Equal(t, "token denial spike", cases[0].Title)
	assert.Equal(t, core.BreachRuleBehavior, cases[0].DetectionType)
	assert.Equal(t, rule.ID, cases[0].RuleID)
}

func TestEvaluateBehaviorRule_Expression(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()

	rule := behaviorRule()
	rule.Behavior = &core.BehaviorRuleDef{
		Metrics:    []string{"tokens_denied", "token_requests"},
		Expression: "tokens_denied / token_requests * 100",
		Window:     time.Hour,
		Operator:   core.OpGreaterThan,
		Threshold:  20,
	}
	require.NoError(t, f.engine.CreateRule(ctx, rule))

	f.seedMetric(t, "tokens_denied", 30, 30*time.Minute)
	f.seedMetric(t, "token_requests", 100, 30*time.Minute)

	// denial rate 30%
	require.NoError(t, f.engine.EvaluateRule(ctx, rule))
	assert.Len(t, f.openCases(t), 1)
}

func TestEvaluateBehaviorRule_Dedup(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()

	rule := behaviorRule()
	require.NoError(t, f.engine.CreateRule(ctx, rule))
	f.seedMetric(t, "tokens_denied", 50, 10*time.Minute)

	require.NoError(t, f.engine.EvaluateRule(ctx, rule))
	require.NoError(t, f.engine.EvaluateRule(ctx, rule))

	cases := f.openCases(t)
	require.Len(t, cases, 1)

	events, err := f.cases.Events(ctx, cases[0].ID)
	require.NoError(t, err)
	assert.Len(t, events, 2) // detection + merged update
}

func TestEvaluateSignatureRule(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()

	rule := &core.BreachDetectionRule{
		Name:         "critical event burst",
		Type:         core.BreachRuleSignature,
		Severity:     core.SeverityCritical,
		Enabled:      true,
		EvalInterval: time.Hour,
		Signature: &core.SignatureRuleDef{
			Patterns: []core.SignaturePattern{{
				Family:   core.FamilySecurityEvent,
				Severity: core.SeverityCritical,
			}},
			Threshold: 2,
		},
	}
	require.NoError(t, f.engine.CreateRule(ctx, rule))

	f.seedSecurityEvent(t, "intrusion", core.SeverityCritical, 30*time.Minute)
	f.seedSecurityEvent(t, "intrusion", core.SeverityLow, 25*time.Minute)

	// one critical match, below threshold
	require.NoError(t, f.engine.EvaluateRule(ctx, rule))
	assert.Empty(t, f.openCases(t))

	f.seedSecurityEvent(t, "exfiltration", core.SeverityCritical, 20*time.Minute)
	require.NoError(t, f.engine.EvaluateRule(ctx, rule))
	require.Len(t, f.openCases(t), 1)

	// a third match updates the existing case instead of opening another
	f.seedSecurityEvent(t, "intrusion", core.SeverityCritical, 10*time.Minute)
	require.NoError(t, f.engine.EvaluateRule(ctx, rule))
	cases := f.openCases(t)
	require.Len(t, cases, 1)

	events, err := f.cases.Events(ctx, cases[0].ID)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestEvaluateAnomalyRule(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()

	rule := &core.BreachDetectionRule{
		Name:         "anomalous token flow",
		Type:         core.BreachRuleAnomaly,
		Severity:     core.SeverityHigh,
		Enabled:      true,
		EvalInterval: time.Hour,
		Anomaly: &core.AnomalyRuleDef{
			Metrics:     []string{"token_requests"},
			MinSeverity: core.SeverityHigh,
		},
	}
	require.NoError(t, f.engine.CreateRule(ctx, rule))

	// wrong metric and too-low severity never match
	f.seedAnomaly(t, "api_requests", core.SeverityCritical, 30*time.Minute)
	f.seedAnomaly(t, "token_requests", core.SeverityMedium, 30*time.Minute)
	require.NoError(t, f.engine.EvaluateRule(ctx, rule))
	assert.Empty(t, f.openCases(t))

	f.seedAnomaly(t, "token_requests", core.SeverityHigh, 10*time.Minute)
	require.NoError(t, f.engine.EvaluateRule(ctx, rule))
	assert.Len(t, f.openCases(t), 1)
}

func TestEvaluateCorrelationRule(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()

	rule := &core.BreachDetectionRule{
		Name:         "coordinated attack",
		Type:         core.BreachRuleCorrelation,
		Severity:     core.SeverityCritical,
		Enabled:      true,
		EvalInterval: time.Hour,
		Correlation: &core.CorrelationRuleDef{
			Conditions: []core.CorrelationCondition{
				{Kind: core.FamilySecurityEvent, EventType: "intrusion", MinCount: 1},
				{Kind: core.FamilyAnomaly, Metric: "token_requests", MinCount: 1},
			},
			Required: 2,
		},
	}
	require.NoError(t, f.engine.CreateRule(ctx, rule))

	// only the first condition holds
	f.seedSecurityEvent(t, "intrusion", core.SeverityHigh, 30*time.Minute)
	require.NoError(t, f.engine.EvaluateRule(ctx, rule))
	assert.Empty(t, f.openCases(t))

	f.seedAnomaly(t, "token_requests", core.SeverityHigh, 20*time.Minute)
	require.NoError(t, f.engine.EvaluateRule(ctx, rule))
	assert.Len(t, f.openCases(t), 1)
}

func TestCreateRule_RejectsMismatchedDefinition(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()

	// type says signature, payload is behavior
	err := f.engine.CreateRule(ctx, &core.BreachDetectionRule{
		Name: "mismatched",
		Type: core.BreachRuleSignature,
		Behavior: &core.BehaviorRuleDef{
			Metrics:   []string{"x"},
			Window:    time.Hour,
			Operator:  core.OpGreaterThan,
			Threshold: 1,
		},
	})
	assert.Error(t, err)

	// two definitions at once
	err = f.engine.CreateRule(ctx, &core.BreachDetectionRule{
		Name: "double",
		Type: core.BreachRuleBehavior,
		Behavior: &core.BehaviorRuleDef{
			Metrics:   []string{"x"},
			Window:    time.Hour,
			Operator:  core.OpGreaterThan,
			Threshold: 1,
		},
		Anomaly: &core.AnomalyRuleDef{},
	})
	assert.Error(t, err)

	// correlation requiring more conditions than exist
	err = f.engine.CreateRule(ctx, &core.BreachDetectionRule{
		Name: "impossible",
		Type: core.BreachRuleCorrelation,
		Correlation: &core.CorrelationRuleDef{
			Conditions: []core.CorrelationCondition{{Kind: core.FamilyAnomaly}},
			Required:   2,
		},
	})
	assert.Error(t, err)
}

func TestRuleCRUD(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()

	rule := behaviorRule()
	require.NoError(t, f.engine.CreateRule(ctx, rule))

	got, err := f.engine.GetRule(ctx, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, "token denial spike", got.Name)
	require.NotNil(t, got.Behavior)
	assert.Equal(t, float64(10), got.Behavior.Threshold)

	got.Behavior.Threshold = 25
	require.NoError(t, f.engine.UpdateRule(ctx, rule.ID, got))
	got, err = f.engine.GetRule(ctx, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, float64(25), got.Behavior.Threshold)

	rules, err := f.engine.ListRules(ctx, 10, 0)
	require.NoError(t, err)
	assert.Len(t, rules, 1)

	require.NoError(t, f.engine.DeleteRule(ctx, rule.ID))
	_, err = f.engine.GetRule(ctx, rule.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

// gatedEventStorage blocks the rule's first event search until released
type gatedEventStorage struct {
	storage.EventStorageInterface
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedEventStorage) SearchSecurityEvents(ctx context.Context, p *core.SignaturePattern, since time.Time, limit int) ([]core.SecurityEvent, int64, error) {
	g.once.Do(func() { close(g.entered) })
	<-g.release
	return g.EventStorageInterface.SearchSecurityEvents(ctx, p, since, limit)
}

func TestEngine_StopCompletesInFlightEvaluation(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()

	old := initialRunDelay
	initialRunDelay = 10 * time.Millisecond
	t.Cleanup(func() { initialRunDelay = old })

	gated := &gatedEventStorage{
		EventStorageInterface: f.eventStore,
		entered:               make(chan struct{}),
		release:               make(chan struct{}),
	}
	engine := NewEngine(f.breachStore, gated, f.anomalyStore, f.metrics, f.cases, zap.NewNop().Sugar())
	engine.now = f.engine.now

	rule := &core.BreachDetectionRule{
		Name:         "critical event burst",
		Type:         core.BreachRuleSignature,
		Severity:     core.SeverityCritical,
		Enabled:      true,
		EvalInterval: time.Hour,
		Signature: &core.SignatureRuleDef{
			Patterns: []core.SignaturePattern{{
				Family:   core.FamilySecurityEvent,
				Severity: core.SeverityCritical,
			}},
			Threshold: 2,
		},
	}
	require.NoError(t, engine.CreateRule(ctx, rule))
	f.seedSecurityEvent(t, "intrusion", core.SeverityCritical, 30*time.Minute)
	f.seedSecurityEvent(t, "exfiltration", core.SeverityCritical, 20*time.Minute)

	require.NoError(t, engine.Start(ctx))
	<-gated.entered

	// stop while the evaluation is blocked inside its event search: the
	// in-flight run must complete and write its case
	done := make(chan struct{})
	go func() {
		engine.Stop()
		close(done)
	}()
	close(gated.release)
	<-done

	require.Len(t, f.openCases(t), 1)
}
