package alert

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"argus/core"
	"argus/metric"
	"argus/notify"
	"argus/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type engineFixture struct {
	engine     *Engine
	metrics    *metric.Store
	alertStore *storage.SQLiteAlertStorage
	dispatcher *notify.MockDispatcher
	bus        *core.EventBus
	now        time.Time
}

func setupEngine(t *testing.T) *engineFixture {
	t.Helper()
	logger := zap.NewNop().Sugar()

	dbPath := filepath.Join(t.TempDir(), "argus_test.db")
	db, err := storage.NewSQLite(dbPath, logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ms := metric.NewStore(storage.NewSQLiteMetricStorage(db, logger), logger)
	as := storage.NewSQLiteAlertStorage(db, logger)
	dispatcher := notify.NewMockDispatcher()
	bus := core.NewEventBus(logger)

	e := NewEngine(as, ms, dispatcher, bus, logger)
	now := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return now }

	return &engineFixture{
		engine:     e,
		metrics:    ms,
		alertStore: as,
		dispatcher: dispatcher,
		bus:        bus,
		now:        now,
	}
}

func (f *engineFixture) seedPoints(t *testing.T, metricName string, value float64, count int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < count; i++ {
		err := f.metrics.Record(ctx, &core.MetricPoint{
			Metric:    metricName,
			Value:     value,
			Timestamp: f.now.Add(-time.Duration(i+1) * time.Minute),
			Bucket:    core.BucketMinute,
		})
		require.NoError(t, err)
	}
}

func sustainedDef(name, metricName string) *core.AlertDefinition {
	return &core.AlertDefinition{
		Name:       name,
		Metric:     metricName,
		Operator:   core.OpGreaterThan,
		Threshold:  50,
		SustainFor: 10 * time.Minute,
		Severity:   core.SeverityHigh,
		Enabled:    true,
		Channels:   []core.NotificationChannel{core.ChannelEmail},
	}
}

func TestEvaluateAll_TriggersSustainedAlert(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()

	var published []interface{}
	f.bus.Subscribe(core.TopicAlertTriggered, func(payload interface{}) {
		published = append(published, payload)
	})

	def := sustainedDef("high error rate", "error_rate")
	require.NoError(t, f.engine.CreateDefinition(ctx, def))
	f.seedPoints(t, "error_rate", 80, 5)

	require.NoError(t, f.engine.EvaluateAll(ctx))

	history, err := f.engine.ListHistory(ctx, def.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, float64(80), history[0].ObservedValue)
	assert.Nil(t, history[0].ResolvedAt)

	sent := f.dispatcher.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, core.ChannelEmail, sent[0].Channel)
	assert.Equal(t, "high error rate", sent[0].Title)
	assert.Equal(t, core.SeverityHigh, sent[0].Severity)

	require.Len(t, published, 1)

	got, err := f.engine.GetDefinition(ctx, def.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastTriggeredAt)
}

func TestEvaluateAll_BelowThresholdDoesNotTrigger(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()

	def := sustainedDef("high error rate", "error_rate")
	require.NoError(t, f.engine.CreateDefinition(ctx, def))
	f.seedPoints(t, "error_rate", 10, 5)

	require.NoError(t, f.engine.EvaluateAll(ctx))

	history, err := f.engine.ListHistory(ctx, def.ID, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, history)
	assert.Empty(t, f.dispatcher.Sent())
}

func TestEvaluateAll_NoDataIsNoTrigger(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()

	def := sustainedDef("high error rate", "error_rate")
	require.NoError(t, f.engine.CreateDefinition(ctx, def))

	require.NoError(t, f.engine.EvaluateAll(ctx))

	history, err := f.engine.ListHistory(ctx, def.ID, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestEvaluateAll_UnresolvedTriggerSuppressesRepeat(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()

	def := sustainedDef("high error rate", "error_rate")
	require.NoError(t, f.engine.CreateDefinition(ctx, def))
	f.seedPoints(t, "error_rate", 80, 5)

	require.NoError(t, f.engine.EvaluateAll(ctx))
	require.NoError(t, f.engine.EvaluateAll(ctx))

	history, err := f.engine.ListHistory(ctx, def.ID, 10, 0)
	require.NoError(t, err)
	assert.Len(t, history, 1)
	assert.Len(t, f.dispatcher.Sent(), 1)
}

func TestEvaluateAll_ResolvedTriggerAllowsRetrigger(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()

	def := sustainedDef("high error rate", "error_rate")
	require.NoError(t, f.engine.CreateDefinition(ctx, def))
	f.seedPoints(t, "error_rate", 80, 5)

	require.NoError(t, f.engine.EvaluateAll(ctx))
	history, err := f.engine.ListHistory(ctx, def.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)

	require.NoError(t, f.engine.Resolve(ctx, history[0].ID, "operator", "fixed"))
	require.NoError(t, f.engine.EvaluateAll(ctx))

	history, err = f.engine.ListHistory(ctx, def.ID, 10, 0)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestEvaluateInstant_TriggersOnMatchingPoint(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()

	def := &core.AlertDefinition{
		Name:       "token denial",
		Metric:     "tokens_denied",
		Operator:   core.OpGreaterOrEqual,
		Threshold:  1,
		SustainFor: 0,
		Severity:   core.SeverityMedium,
		Enabled:    true,
		Channels:   []core.NotificationChannel{core.ChannelWebhook},
		Dimensions: map[string]string{"reason": "rate_limited"},
	}
	require.NoError(t, f.engine.CreateDefinition(ctx, def))

	f.engine.EvaluateInstant(ctx, &core.MetricPoint{
		Metric:     "tokens_denied",
		Value:      1,
		Timestamp:  f.now,
		Dimensions: map[string]string{"reason": "rate_limited", "client": "c1"},
	})

	history, err := f.engine.ListHistory(ctx, def.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Len(t, f.dispatcher.Sent(), 1)
	assert.Equal(t, core.ChannelWebhook, f.dispatcher.Sent()[0].Channel)
}

func TestEvaluateInstant_IgnoresDimensionMismatch(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()

	def := &core.AlertDefinition{
		Name:       "token denial",
		Metric:     "tokens_denied",
		Operator:   core.OpGreaterOrEqual,
		Threshold:  1,
		Severity:   core.SeverityMedium,
		Enabled:    true,
		Dimensions: map[string]string{"reason": "rate_limited"},
	}
	require.NoError(t, f.engine.CreateDefinition(ctx, def))

	f.engine.EvaluateInstant(ctx, &core.MetricPoint{
		Metric:     "tokens_denied",
		Value:      1,
		Timestamp:  f.now,
		Dimensions: map[string]string{"reason": "revoked"},
	})

	history, err := f.engine.ListHistory(ctx, def.ID, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestEvaluateInstant_SkipsSustainedDefinitions(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()

	def := sustainedDef("high error rate", "error_rate")
	require.NoError(t, f.engine.CreateDefinition(ctx, def))

	f.engine.EvaluateInstant(ctx, &core.MetricPoint{
		Metric:    "error_rate",
		Value:     999,
		Timestamp: f.now,
	})

	history, err := f.engine.ListHistory(ctx, def.ID, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestAcknowledgeAndResolve(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()

	def := sustainedDef("high error rate", "error_rate")
	require.NoError(t, f.engine.CreateDefinition(ctx, def))
	f.seedPoints(t, "error_rate", 80, 5)
	require.NoError(t, f.engine.EvaluateAll(ctx))

	history, err := f.engine.ListHistory(ctx, def.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	id := history[0].ID

	require.NoError(t, f.engine.Acknowledge(ctx, id, "alice", "looking"))
	h, err := f.alertStore.GetHistoryEntry(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, h.AcknowledgedAt)
	assert.Equal(t, "alice", h.AcknowledgedBy)
	assert.Nil(t, h.ResolvedAt)

	// second acknowledge keeps the original actor
	require.NoError(t, f.engine.Acknowledge(ctx, id, "bob", ""))
	h, err = f.alertStore.GetHistoryEntry(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "alice", h.AcknowledgedBy)

	require.NoError(t, f.engine.Resolve(ctx, id, "bob", "fixed"))
	h, err = f.alertStore.GetHistoryEntry(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, h.ResolvedAt)
	assert.Equal(t, "bob", h.ResolvedBy)
	assert.Equal(t, "fixed", h.Notes)

	// resolve is idempotent
	require.NoError(t, f.engine.Resolve(ctx, id, "carol", "again"))
	h, err = f.alertStore.GetHistoryEntry(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "bob", h.ResolvedBy)
}

func TestResolve_ImpliesAcknowledge(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()

	def := sustainedDef("high error rate", "error_rate")
	require.NoError(t, f.engine.CreateDefinition(ctx, def))
	f.seedPoints(t, "error_rate", 80, 5)
	require.NoError(t, f.engine.EvaluateAll(ctx))

	history, err := f.engine.ListHistory(ctx, def.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)

	require.NoError(t, f.engine.Resolve(ctx, history[0].ID, "alice", ""))
	h, err := f.alertStore.GetHistoryEntry(ctx, history[0].ID)
	require.NoError(t, err)
	require.NotNil(t, h.AcknowledgedAt)
	assert.Equal(t, "alice", h.AcknowledgedBy)
	require.NotNil(t, h.ResolvedAt)
}

func TestCreateDefinition_RejectsInvalid(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()

	err := f.engine.CreateDefinition(ctx, &core.AlertDefinition{
		Metric:   "error_rate",
		Operator: core.OpGreaterThan,
		Severity: core.SeverityHigh,
	})
	assert.Error(t, err, "missing name should fail validation")

	err = f.engine.CreateDefinition(ctx, &core.AlertDefinition{
		Name:     "bad operator",
		Metric:   "error_rate",
		Operator: "~",
		Severity: core.SeverityHigh,
	})
	assert.Error(t, err)

	err = f.engine.CreateDefinition(ctx, &core.AlertDefinition{
		Name:     "bad channel",
		Metric:   "error_rate",
		Operator: core.OpGreaterThan,
		Severity: core.SeverityHigh,
		Channels: []core.NotificationChannel{"pager"},
	})
	assert.Error(t, err)
}

func TestTest_EvaluatesWithoutPersisting(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()

	f.seedPoints(t, "error_rate", 80, 5)

	def := sustainedDef("high error rate", "error_rate")
	firing, value, err := f.engine.Test(ctx, def)
	require.NoError(t, err)
	assert.True(t, firing)
	assert.Equal(t, float64(80), value)

	def.Threshold = 100
	firing, _, err = f.engine.Test(ctx, def)
	require.NoError(t, err)
	assert.False(t, firing)

	// nothing was written
	history, err := f.engine.ListHistory(ctx, "", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, history)
	assert.Empty(t, f.dispatcher.Sent())
}

// gatedAlertStorage blocks the sweep's first storage read until released
type gatedAlertStorage struct {
	storage.AlertStorageInterface
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedAlertStorage) GetEnabledDefinitions(ctx context.Context) ([]core.AlertDefinition, error) {
	g.once.Do(func() { close(g.entered) })
	<-g.release
	return g.AlertStorageInterface.GetEnabledDefinitions(ctx)
}

func TestStop_CompletesInFlightSweep(t *testing.T) {
	f := setupEngine(t)
	ctx := context.Background()

	def := sustainedDef("high error rate", "error_rate")
	require.NoError(t, f.engine.CreateDefinition(ctx, def))
	f.seedPoints(t, "error_rate", 80, 5)

	gated := &gatedAlertStorage{
		AlertStorageInterface: f.alertStore,
		entered:               make(chan struct{}),
		release:               make(chan struct{}),
	}
	e := NewEngine(gated, f.metrics, f.dispatcher, f.bus, zap.NewNop().Sugar())
	e.now = f.engine.now
	e.SetSweepInterval(20 * time.Millisecond)
	e.Start(ctx)
	<-gated.entered

	// stop while the sweep is blocked inside its first storage read: the
	// in-flight evaluation must complete and record its trigger
	done := make(chan struct{})
	go func() {
		e.Stop()
		close(done)
	}()
	close(gated.release)
	<-done

	history, err := e.ListHistory(ctx, def.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
}
