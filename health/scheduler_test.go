package health

import (
	"context"
	"net/http"
	"net/http/httptest"
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

type schedulerFixture struct {
	scheduler   *Scheduler
	healthStore *storage.SQLiteHealthStorage
	metrics     *metric.Store
	bus         *core.EventBus
	now         time.Time
}

func setupScheduler(t *testing.T) *schedulerFixture {
	t.Helper()
	logger := zap.NewNop().Sugar()

	dbPath := filepath.Join(t.TempDir(), "argus_test.db")
	db, err := storage.NewSQLite(dbPath, logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	hs := storage.NewSQLiteHealthStorage(db, logger)
	ms := metric.NewStore(storage.NewSQLiteMetricStorage(db, logger), logger)
	bus := core.NewEventBus(logger)

	s := NewScheduler(hs, NewProber(), ms, bus, logger)
	now := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	return &schedulerFixture{
		scheduler:   s,
		healthStore: hs,
		metrics:     ms,
		bus:         bus,
		now:         now,
	}
}

func testCheck() *core.HealthCheckDefinition {
	return &core.HealthCheckDefinition{
		Name:           "api",
		Type:           core.ProbeHTTP,
		Target:         "http://localhost:9",
		Interval:       time.Minute,
		Timeout:        5 * time.Second,
		Enabled:        false,
		AlertThreshold: 3,
		AlertSeverity:  core.SeverityHigh,
	}
}

// seedResult inserts one probe result at an offset before the fixture's
// pinned clock
func (f *schedulerFixture) seedResult(t *testing.T, checkID string, outcome core.ProbeOutcome, age time.Duration) {
	t.Helper()
	err := f.healthStore.InsertResult(context.Background(), &core.HealthCheckResult{
		ID:           uuid.NewString(),
		CheckID:      checkID,
		Timestamp:    f.now.Add(-age),
		Outcome:      outcome,
		ResponseTime: 10 * time.Millisecond,
	})
	require.NoError(t, err)
}

func TestDetectTransition_FailureAtThreshold(t *testing.T) {
	f := setupScheduler(t)
	ctx := context.Background()

	def := testCheck()
	require.NoError(t, f.scheduler.CreateCheck(ctx, def))

	var changes []*core.HealthStatusChange
	f.bus.Subscribe(core.TopicHealthStatusChange, func(payload interface{}) {
		if c, ok := payload.(*core.HealthStatusChange); ok {
			changes = append(changes, c)
		}
	})

	f.seedResult(t, def.ID, core.OutcomeSuccess, 4*time.Minute)
	f.seedResult(t, def.ID, core.OutcomeFailure, 3*time.Minute)
	f.seedResult(t, def.ID, core.OutcomeFailure, 2*time.Minute)
	f.seedResult(t, def.ID, core.OutcomeTimeout, 1*time.Minute)

	require.NoError(t, f.scheduler.detectTransition(ctx, def))
	require.Len(t, changes, 1)
	assert.False(t, changes[0].Healthy)
	assert.Equal(t, core.SeverityHigh, changes[0].Severity)
	assert.Equal(t, def.ID, changes[0].CheckID)
}

func TestDetectTransition_BelowThresholdIsSilent(t *testing.T) {
	f := setupScheduler(t)
	ctx := context.Background()

	def := testCheck()
	require.NoError(t, f.scheduler.CreateCheck(ctx, def))

	var changes []*core.HealthStatusChange
	f.bus.Subscribe(core.TopicHealthStatusChange, func(payload interface{}) {
		changes = append(changes, payload.(*core.HealthStatusChange))
	})

	f.seedResult(t, def.ID, core.OutcomeSuccess, 3*time.Minute)
	f.seedResult(t, def.ID, core.OutcomeFailure, 2*time.Minute)
	f.seedResult(t, def.ID, core.OutcomeFailure, 1*time.Minute)

	require.NoError(t, f.scheduler.detectTransition(ctx, def))
	assert.Empty(t, changes)
}

func TestDetectTransition_FiresOnlyOnce(t *testing.T) {
	f := setupScheduler(t)
	ctx := context.Background()

	def := testCheck()
	require.NoError(t, f.scheduler.CreateCheck(ctx, def))

	var changes []*core.HealthStatusChange
	f.bus.Subscribe(core.TopicHealthStatusChange, func(payload interface{}) {
		changes = append(changes, payload.(*core.HealthStatusChange))
	})

	// four consecutive failures: the transition fired at the third, the
	// fourth must stay silent
	f.seedResult(t, def.ID, core.OutcomeFailure, 4*time.Minute)
	f.seedResult(t, def.ID, core.OutcomeFailure, 3*time.Minute)
	f.seedResult(t, def.ID, core.OutcomeFailure, 2*time.Minute)
	f.seedResult(t, def.ID, core.OutcomeFailure, 1*time.Minute)

	require.NoError(t, f.scheduler.detectTransition(ctx, def))
	assert.Empty(t, changes)
}

func TestDetectTransition_Recovery(t *testing.T) {
	f := setupScheduler(t)
	ctx := context.Background()

	def := testCheck()
	require.NoError(t, f.scheduler.CreateCheck(ctx, def))

	var changes []*core.HealthStatusChange
	f.bus.Subscribe(core.TopicHealthStatusChange, func(payload interface{}) {
		changes = append(changes, payload.(*core.HealthStatusChange))
	})

	f.seedResult(t, def.ID, core.OutcomeFailure, 4*time.Minute)
	f.seedResult(t, def.ID, core.OutcomeFailure, 3*time.Minute)
	f.seedResult(t, def.ID, core.OutcomeFailure, 2*time.Minute)
	f.seedResult(t, def.ID, core.OutcomeSuccess, 1*time.Minute)

	require.NoError(t, f.scheduler.detectTransition(ctx, def))
	require.Len(t, changes, 1)
	assert.True(t, changes[0].Healthy)
	assert.Equal(t, core.SeverityInfo, changes[0].Severity)
	assert.Equal(t, time.Minute, changes[0].Downtime)

	// the recovery also lands as a metric point
	pts, err := f.metrics.Query(ctx, &core.MetricQuery{
		Metric:      "health_check_recoveries",
		Start:       f.now.Add(-time.Hour),
		End:         f.now.Add(time.Hour),
		Bucket:      core.BucketHour,
		Aggregation: core.AggCount,
	})
	require.NoError(t, err)
	require.Len(t, pts, 1)
	assert.Equal(t, float64(1), pts[0].Value)
}

func TestDetectTransition_SuccessAfterShortFailureRunIsSilent(t *testing.T) {
	f := setupScheduler(t)
	ctx := context.Background()

	def := testCheck()
	require.NoError(t, f.scheduler.CreateCheck(ctx, def))

	var changes []*core.HealthStatusChange
	f.bus.Subscribe(core.TopicHealthStatusChange, func(payload interface{}) {
		changes = append(changes, payload.(*core.HealthStatusChange))
	})

	f.seedResult(t, def.ID, core.OutcomeSuccess, 4*time.Minute)
	f.seedResult(t, def.ID, core.OutcomeFailure, 3*time.Minute)
	f.seedResult(t, def.ID, core.OutcomeFailure, 2*time.Minute)
	f.seedResult(t, def.ID, core.OutcomeSuccess, 1*time.Minute)

	require.NoError(t, f.scheduler.detectTransition(ctx, def))
	assert.Empty(t, changes)
}

func TestSummary(t *testing.T) {
	f := setupScheduler(t)
	ctx := context.Background()

	a := testCheck()
	a.Name = "api"
	require.NoError(t, f.scheduler.CreateCheck(ctx, a))
	b := testCheck()
	b.Name = "worker"
	require.NoError(t, f.scheduler.CreateCheck(ctx, b))

	// api: 3 of 4 successes; worker: all failing
	f.seedResult(t, a.ID, core.OutcomeSuccess, 4*time.Hour)
	f.seedResult(t, a.ID, core.OutcomeSuccess, 3*time.Hour)
	f.seedResult(t, a.ID, core.OutcomeFailure, 2*time.Hour)
	f.seedResult(t, a.ID, core.OutcomeSuccess, 1*time.Hour)
	f.seedResult(t, b.ID, core.OutcomeTimeout, 2*time.Hour)
	f.seedResult(t, b.ID, core.OutcomeFailure, 1*time.Hour)

	summary, err := f.scheduler.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.TotalChecks)
	assert.Equal(t, 1, summary.HealthyChecks)
	require.Len(t, summary.Checks, 2)

	byName := map[string]core.HealthCheckSummary{}
	for _, cs := range summary.Checks {
		byName[cs.Check.Name] = cs
	}
	api := byName["api"]
	require.NotNil(t, api.Latest)
	assert.Equal(t, core.OutcomeSuccess, api.Latest.Outcome)
	assert.Equal(t, int64(3), api.Stats.SuccessCount)
	assert.Equal(t, int64(1), api.Stats.FailureCount)
	assert.InDelta(t, 75.0, api.Stats.UptimePercent, 0.01)

	worker := byName["worker"]
	assert.Equal(t, int64(1), worker.Stats.TimeoutCount)
	assert.Equal(t, int64(1), worker.Stats.FailureCount)
	assert.InDelta(t, 0.0, worker.Stats.UptimePercent, 0.01)

	// arithmetic mean of 75 and 0
	assert.InDelta(t, 37.5, summary.OverallUptime, 0.01)
}

func TestCreateCheck_Validation(t *testing.T) {
	f := setupScheduler(t)
	ctx := context.Background()

	def := testCheck()
	def.Timeout = 2 * time.Minute // longer than interval
	assert.Error(t, f.scheduler.CreateCheck(ctx, def))

	def = testCheck()
	def.Type = core.ProbeDatabase
	def.Driver = "oracle"
	assert.Error(t, f.scheduler.CreateCheck(ctx, def))

	def = testCheck()
	def.Name = ""
	assert.Error(t, f.scheduler.CreateCheck(ctx, def))
}

func TestUpdateCheck_Reschedules(t *testing.T) {
	f := setupScheduler(t)
	ctx := context.Background()
	require.NoError(t, f.scheduler.Start(ctx))
	defer f.scheduler.Stop()

	def := testCheck()
	require.NoError(t, f.scheduler.CreateCheck(ctx, def))

	def.Interval = 2 * time.Minute
	def.Enabled = true
	require.NoError(t, f.scheduler.UpdateCheck(ctx, def.ID, def))

	got, err := f.scheduler.GetCheck(ctx, def.ID)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, got.Interval)
	assert.True(t, got.Enabled)

	require.NoError(t, f.scheduler.DeleteCheck(ctx, def.ID))
	_, err = f.scheduler.GetCheck(ctx, def.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestScheduler_StopRecordsInFlightProbe(t *testing.T) {
	f := setupScheduler(t)
	ctx := context.Background()

	inFlight := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() { close(inFlight) })
		<-release
	}))
	defer srv.Close()

	def := testCheck()
	def.ID = uuid.NewString()
	def.Target = srv.URL
	def.Interval = 20 * time.Millisecond
	def.Enabled = true
	require.NoError(t, f.healthStore.CreateCheck(ctx, def))

	require.NoError(t, f.scheduler.Start(ctx))
	<-inFlight

	// stop while the probe is blocked inside the handler: the timer
	// cancellation must not abort the probe or drop its result
	done := make(chan struct{})
	go func() {
		f.scheduler.Stop()
		close(done)
	}()
	close(release)
	<-done

	results, err := f.healthStore.GetRecentResults(ctx, def.ID, 10)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, core.OutcomeSuccess, results[0].Outcome)
}

func TestDetectTransition_ZeroThresholdClampedInMessage(t *testing.T) {
	f := setupScheduler(t)
	ctx := context.Background()

	// a zero threshold can reach the scheduler through rows written
	// outside CreateCheck's validation
	def := testCheck()
	def.ID = uuid.NewString()
	def.AlertThreshold = 0
	require.NoError(t, f.healthStore.CreateCheck(ctx, def))

	var changes []*core.HealthStatusChange
	f.bus.Subscribe(core.TopicHealthStatusChange, func(payload interface{}) {
		changes = append(changes, payload.(*core.HealthStatusChange))
	})

	f.seedResult(t, def.ID, core.OutcomeSuccess, 2*time.Minute)
	f.seedResult(t, def.ID, core.OutcomeFailure, 1*time.Minute)

	require.NoError(t, f.scheduler.detectTransition(ctx, def))
	require.Len(t, changes, 1)
	assert.Contains(t, changes[0].Message, "failed 1 consecutive times")
}
