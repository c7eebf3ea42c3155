package health

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

// summaryWindow is the statistics window for Summary
const summaryWindow = 24 * time.Hour

// Scheduler runs every enabled health check on its own timer, records
// results and detects failure/recovery transitions
type Scheduler struct {
	storage  storage.HealthStorageInterface
	prober   *Prober
	metrics  *metric.Store
	bus      *core.EventBus
	logger   *zap.SugaredLogger
	validate *validator.Validate
	now      func() time.Time

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	timers  map[string]context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewScheduler creates a health check scheduler
func NewScheduler(st storage.HealthStorageInterface, prober *Prober, ms *metric.Store, bus *core.EventBus, logger *zap.SugaredLogger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Scheduler{
		storage:  st,
		prober:   prober,
		metrics:  ms,
		bus:      bus,
		logger:   logger,
		validate: validator.New(),
		now:      time.Now,
		timers:   make(map[string]context.CancelFunc),
	}
}

// Start schedules every enabled check
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.started = true
	s.mu.Unlock()

	checks, err := s.storage.GetEnabledChecks(ctx)
	if err != nil {
		return fmt.Errorf("failed to load enabled checks: %w", err)
	}
	for i := range checks {
		s.schedule(&checks[i])
	}
	s.logger.Infow("Health check scheduler started", "checks", len(checks))
	return nil
}

// Stop cancels every timer and waits for in-flight probes to record
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.timers = make(map[string]context.CancelFunc)
	s.started = false
	s.mu.Unlock()
	s.wg.Wait()
}

// schedule starts one check's timer loop, replacing any existing one
func (s *Scheduler) schedule(def *core.HealthCheckDefinition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	if cancel, ok := s.timers[def.ID]; ok {
		cancel()
	}
	ctx, cancel := context.WithCancel(s.ctx)
	s.timers[def.ID] = cancel

	check := *def
	s.wg.Add(1)
	goroutine.Go("health-check-"+check.ID, s.logger, func() {
		defer s.wg.Done()
		ticker := time.NewTicker(check.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				// cancellation stops the timer only; an in-flight probe
				// completes and records its result
				s.runCheck(context.WithoutCancel(ctx), &check)
			}
		}
	})
}

// unschedule cancels a check's timer if present
func (s *Scheduler) unschedule(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cancel, ok := s.timers[id]; ok {
		cancel()
		delete(s.timers, id)
	}
}

// RunCheck executes one probe, records the result and inspects transitions.
// Exported for on-demand execution from the API layer.
func (s *Scheduler) RunCheck(ctx context.Context, def *core.HealthCheckDefinition) (*core.HealthCheckResult, error) {
	result, err := s.prober.Probe(ctx, def)
	if err != nil {
		return nil, err
	}
	result.ID = uuid.NewString()
	if err := s.storage.InsertResult(ctx, result); err != nil {
		return nil, fmt.Errorf("failed to record probe result: %w", err)
	}
	if err := s.detectTransition(ctx, def); err != nil {
		s.logger.Errorw("Transition detection failed",
			"check_id", def.ID, "error", err)
	}
	return result, nil
}

func (s *Scheduler) runCheck(ctx context.Context, def *core.HealthCheckDefinition) {
	defer goroutine.Recover("health-check-run", s.logger)
	if _, err := s.RunCheck(ctx, def); err != nil {
		s.logger.Errorw("Health check run failed",
			"check_id", def.ID, "name", def.Name, "error", err)
	}
}

// detectTransition inspects the newest AlertThreshold+1 results and emits
// at most one failure or recovery transition
func (s *Scheduler) detectTransition(ctx context.Context, def *core.HealthCheckDefinition) error {
	threshold := def.AlertThreshold
	if threshold < 1 {
		threshold = 1
	}
	results, err := s.storage.GetRecentResults(ctx, def.ID, threshold+1)
	if err != nil {
		return err
	}
	if len(results) == 0 {
		return nil
	}

	if results[0].Outcome.Failed() {
		// count consecutive leading failures; a transition fires exactly
		// when the run reaches the threshold, so an older failure past the
		// window means it already fired
		failures := 0
		for _, r := range results {
			if !r.Outcome.Failed() {
				break
			}
			failures++
		}
		if failures == threshold && (len(results) == failures || !results[failures].Outcome.Failed()) {
			s.emitFailure(ctx, def, threshold, &results[0])
		}
		return nil
	}

	// newest result is a success: a recovery fires when it directly follows
	// a run of at least threshold failures
	if len(results) < threshold+1 {
		return nil
	}
	for _, r := range results[1 : threshold+1] {
		if !r.Outcome.Failed() {
			return nil
		}
	}
	s.emitRecovery(ctx, def, &results[0], &results[1])
	return nil
}

func (s *Scheduler) emitFailure(ctx context.Context, def *core.HealthCheckDefinition, threshold int, latest *core.HealthCheckResult) {
	severity := def.AlertSeverity
	if severity == "" {
		severity = core.SeverityHigh
	}
	change := &core.HealthStatusChange{
		CheckID:   def.ID,
		CheckName: def.Name,
		Healthy:   false,
		Severity:  severity,
		Message: fmt.Sprintf("health check %q failed %d consecutive times: %s",
			def.Name, threshold, latest.Error),
		Timestamp: s.now(),
	}
	s.recordTransition(ctx, "health_check_failures", def, change)
}

func (s *Scheduler) emitRecovery(ctx context.Context, def *core.HealthCheckDefinition, latest, lastFailure *core.HealthCheckResult) {
	change := &core.HealthStatusChange{
		CheckID:   def.ID,
		CheckName: def.Name,
		Healthy:   true,
		Severity:  core.SeverityInfo,
		Message:   fmt.Sprintf("health check %q recovered", def.Name),
		Downtime:  latest.Timestamp.Sub(lastFailure.Timestamp),
		Timestamp: s.now(),
	}
	s.recordTransition(ctx, "health_check_recoveries", def, change)
}

func (s *Scheduler) recordTransition(ctx context.Context, metricName string, def *core.HealthCheckDefinition, change *core.HealthStatusChange) {
	direction := "down"
	if change.Healthy {
		direction = "up"
	}
	metrics.HealthTransitions.WithLabelValues(direction).Inc()
	s.logger.Infow("Health check transition",
		"check_id", def.ID, "name", def.Name,
		"direction", direction, "downtime", change.Downtime)

	if s.metrics != nil {
		err := s.metrics.Record(ctx, &core.MetricPoint{
			Metric:    metricName,
			Subject:   def.ID,
			Value:     1,
			Timestamp: change.Timestamp,
			Bucket:    core.BucketHour,
			Dimensions: map[string]string{
				"check": def.Name,
			},
			Source: "health",
		})
		if err != nil {
			s.logger.Errorw("Failed to record transition metric",
				"check_id", def.ID, "error", err)
		}
	}
	if s.bus != nil {
		s.bus.Publish(core.TopicHealthStatusChange, change)
	}
}

// CreateCheck validates, persists and schedules a new check
func (s *Scheduler) CreateCheck(ctx context.Context, def *core.HealthCheckDefinition) error {
	if def == nil {
		return fmt.Errorf("cannot create nil health check")
	}
	if err := s.validate.Struct(def); err != nil {
		return fmt.Errorf("invalid health check: %w", err)
	}
	if err := def.Validate(); err != nil {
		return err
	}
	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	now := s.now()
	def.CreatedAt = now
	def.UpdatedAt = now
	if err := s.storage.CreateCheck(ctx, def); err != nil {
		return err
	}
	if def.Enabled {
		s.schedule(def)
	}
	return nil
}

// GetCheck returns one check definition
func (s *Scheduler) GetCheck(ctx context.Context, id string) (*core.HealthCheckDefinition, error) {
	return s.storage.GetCheck(ctx, id)
}

// ListChecks returns all check definitions
func (s *Scheduler) ListChecks(ctx context.Context) ([]core.HealthCheckDefinition, error) {
	return s.storage.GetChecks(ctx)
}

// UpdateCheck validates and replaces a check, rescheduling its timer
func (s *Scheduler) UpdateCheck(ctx context.Context, id string, def *core.HealthCheckDefinition) error {
	if def == nil {
		return fmt.Errorf("cannot update to nil health check")
	}
	if err := s.validate.Struct(def); err != nil {
		return fmt.Errorf("invalid health check: %w", err)
	}
	if err := def.Validate(); err != nil {
		return err
	}
	if err := s.storage.UpdateCheck(ctx, id, def); err != nil {
		return err
	}
	def.ID = id
	s.unschedule(id)
	if def.Enabled {
		s.schedule(def)
	}
	return nil
}

// DeleteCheck removes a check and cancels its timer
func (s *Scheduler) DeleteCheck(ctx context.Context, id string) error {
	if err := s.storage.DeleteCheck(ctx, id); err != nil {
		return err
	}
	s.unschedule(id)
	return nil
}

// Summary returns per-check status with 24-hour statistics and the
// overall rollup. Overall uptime is the arithmetic mean of per-check
// uptime percentages.
func (s *Scheduler) Summary(ctx context.Context) (*core.HealthSummary, error) {
	checks, err := s.storage.GetChecks(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load checks: %w", err)
	}

	summary := &core.HealthSummary{
		Checks:      make([]core.HealthCheckSummary, 0, len(checks)),
		TotalChecks: len(checks),
	}
	var uptimeSum float64
	var uptimeCount int
	since := s.now().Add(-summaryWindow)

	for i := range checks {
		check := checks[i]
		cs := core.HealthCheckSummary{Check: check}

		recent, err := s.storage.GetRecentResults(ctx, check.ID, 1)
		if err != nil {
			return nil, err
		}
		if len(recent) > 0 {
			cs.Latest = &recent[0]
			if !recent[0].Outcome.Failed() {
				summary.HealthyChecks++
			}
		}

		window, err := s.storage.GetResultsSince(ctx, check.ID, since)
		if err != nil {
			return nil, err
		}
		cs.Stats = computeStats(window)
		if len(window) > 0 {
			uptimeSum += cs.Stats.UptimePercent
			uptimeCount++
		}
		summary.Checks = append(summary.Checks, cs)
	}
	if uptimeCount > 0 {
		summary.OverallUptime = uptimeSum / float64(uptimeCount)
	}
	return summary, nil
}

func computeStats(results []core.HealthCheckResult) core.HealthCheckStats {
	var stats core.HealthCheckStats
	if len(results) == 0 {
		return stats
	}
	var totalLatency time.Duration
	for _, r := range results {
		switch r.Outcome {
		case core.OutcomeSuccess:
			stats.SuccessCount++
		case core.OutcomeTimeout:
			stats.TimeoutCount++
		default:
			stats.FailureCount++
		}
		totalLatency += r.ResponseTime
	}
	total := int64(len(results))
	stats.AverageLatency = totalLatency / time.Duration(total)
	stats.UptimePercent = float64(stats.SuccessCount) / float64(total) * 100
	return stats
}
