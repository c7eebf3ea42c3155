package anomaly

import (
	"context"
	"errors"
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
	// defaultSweepInterval is how often every enabled config is re-run
	defaultSweepInterval = time.Hour
	// currentWindow is the span of recent data scored against the baseline;
	// the training window ends where the current window begins
	currentWindow = 24 * time.Hour
	// dedupWindow suppresses repeat anomalies per (config, metric, subject)
	dedupWindow = time.Hour
)

// Runner trains baselines and scores recent metric data for every enabled
// detection config on a fixed sweep schedule
type Runner struct {
	storage  storage.AnomalyStorageInterface
	metrics  *metric.Store
	bus      *core.EventBus
	logger   *zap.SugaredLogger
	validate *validator.Validate
	interval time.Duration
	now      func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRunner creates an anomaly detection runner
func NewRunner(st storage.AnomalyStorageInterface, ms *metric.Store, bus *core.EventBus, logger *zap.SugaredLogger) *Runner {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Runner{
		storage:  st,
		metrics:  ms,
		bus:      bus,
		logger:   logger,
		validate: validator.New(),
		interval: defaultSweepInterval,
		now:      time.Now,
	}
}

// SetSweepInterval overrides the detection sweep interval. Must be called
// before Start.
func (r *Runner) SetSweepInterval(d time.Duration) {
	if d > 0 {
		r.interval = d
	}
}

// Start launches the hourly sweep loop
func (r *Runner) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	goroutine.Go("anomaly-sweep", r.logger, func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				// cancellation stops the timer only; an in-flight sweep
				// completes and records its anomalies
				r.sweep(context.WithoutCancel(ctx))
			}
		}
	})
	r.logger.Infow("Anomaly detection runner started", "interval", r.interval)
}

// Stop cancels the sweep loop and waits for in-flight runs
func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

func (r *Runner) sweep(ctx context.Context) {
	defer goroutine.Recover("anomaly-sweep-run", r.logger)
	if err := r.RunAll(ctx); err != nil {
		r.logger.Errorw("Anomaly sweep failed", "error", err)
	}
}

// RunAll runs detection for every enabled config. A failing config is
// logged and skipped; it never aborts the sweep.
func (r *Runner) RunAll(ctx context.Context) error {
	configs, err := r.storage.GetEnabledConfigs(ctx)
	if err != nil {
		return fmt.Errorf("failed to load enabled configs: %w", err)
	}
	for i := range configs {
		cfg := &configs[i]
		if err := r.runConfig(ctx, cfg); err != nil {
			r.logger.Errorw("Anomaly detection failed for config",
				"config_id", cfg.ID, "metric", cfg.Metric, "error", err)
		}
	}
	return nil
}

// runConfig trains on the config's training window and scores the current
// window. LastTrainedAt is updated even when a window is empty, so a config
// with no data does not look stuck.
func (r *Runner) runConfig(ctx context.Context, cfg *core.AnomalyDetectionConfig) error {
	now := r.now()
	defer func() {
		if err := r.storage.SetLastTrained(ctx, cfg.ID, now); err != nil {
			r.logger.Warnw("Failed to record training time", "config_id", cfg.ID, "error", err)
		}
	}()

	trainingEnd := now.Add(-currentWindow)
	trainingStart := trainingEnd.Add(-time.Duration(cfg.TrainingWindowDays) * 24 * time.Hour)

	training, err := r.hourlyAverages(ctx, cfg, trainingStart, trainingEnd)
	if err != nil {
		return fmt.Errorf("training window query: %w", err)
	}
	if len(training) == 0 {
		r.logger.Debugw("Skipping config with empty training window", "config_id", cfg.ID)
		return nil
	}

	current, err := r.hourlyAverages(ctx, cfg, trainingEnd, now)
	if err != nil {
		return fmt.Errorf("current window query: %w", err)
	}
	if len(current) == 0 {
		r.logger.Debugw("Skipping config with empty current window", "config_id", cfg.ID)
		return nil
	}

	values := make([]float64, len(training))
	for i, p := range training {
		values[i] = p.Value
	}
	baseline, err := Train(cfg.Algorithm, values)
	if err != nil {
		return err
	}

	for _, point := range current {
		score := baseline.Check(point.Value, cfg.Sensitivity)
		if !score.IsAnomaly {
			continue
		}
		observedAt, err := time.Parse("2006-01-02 15:00", point.BucketLabel)
		if err != nil {
			observedAt = now
		} else {
			observedAt = observedAt.UTC()
		}
		if err := r.record(ctx, cfg, observedAt, point.Value, score); err != nil {
			r.logger.Errorw("Failed to record anomaly",
				"config_id", cfg.ID, "bucket", point.BucketLabel, "error", err)
		}
	}
	return nil
}

// hourlyAverages queries the config's metric as hour-bucket averages
func (r *Runner) hourlyAverages(ctx context.Context, cfg *core.AnomalyDetectionConfig, start, end time.Time) ([]core.AggregatedPoint, error) {
	return r.metrics.Query(ctx, &core.MetricQuery{
		Metric:      cfg.Metric,
		Subject:     cfg.Subject,
		Dimensions:  cfg.Dimensions,
		Start:       start,
		End:         end,
		Bucket:      core.BucketHour,
		Aggregation: core.AggAvg,
	})
}

// record inserts the anomaly unless one for the same (config, metric,
// subject) already exists inside the dedup window, then publishes it
func (r *Runner) record(ctx context.Context, cfg *core.AnomalyDetectionConfig, observedAt time.Time, observed float64, score Score) error {
	_, err := r.storage.FindRecentAnomaly(ctx, cfg.ID, cfg.Metric, cfg.Subject, r.now().Add(-dedupWindow))
	if err == nil {
		return nil // recent anomaly exists, suppress
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("dedup lookup: %w", err)
	}

	a := &core.Anomaly{
		ID:            uuid.NewString(),
		ConfigID:      cfg.ID,
		Metric:        cfg.Metric,
		Subject:       cfg.Subject,
		Timestamp:     observedAt,
		ObservedValue: observed,
		ExpectedValue: score.Expected,
		Deviation:     score.Deviation,
		Score:         score.Value,
		Severity:      score.Severity,
		Status:        core.AnomalyStatusOpen,
		CreatedAt:     r.now(),
	}
	if err := r.storage.InsertAnomaly(ctx, a); err != nil {
		return err
	}
	metrics.AnomaliesDetected.WithLabelValues(string(cfg.Algorithm), string(a.Severity)).Inc()
	r.logger.Infow("Anomaly detected",
		"config_id", cfg.ID,
		"metric", cfg.Metric,
		"observed", observed,
		"expected", score.Expected,
		"score", score.Value,
		"severity", a.Severity)
	if r.bus != nil {
		r.bus.Publish(core.TopicAnomalyDetected, a)
	}
	return nil
}

// CreateConfig validates and persists a new detection config
func (r *Runner) CreateConfig(ctx context.Context, cfg *core.AnomalyDetectionConfig) error {
	if cfg == nil {
		return fmt.Errorf("cannot create nil config")
	}
	if err := r.validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid anomaly config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	now := r.now()
	cfg.CreatedAt = now
	cfg.UpdatedAt = now
	return r.storage.CreateConfig(ctx, cfg)
}

// GetConfig returns one config
func (r *Runner) GetConfig(ctx context.Context, id string) (*core.AnomalyDetectionConfig, error) {
	return r.storage.GetConfig(ctx, id)
}

// ListConfigs returns configs with pagination
func (r *Runner) ListConfigs(ctx context.Context, limit, offset int) ([]core.AnomalyDetectionConfig, error) {
	if limit <= 0 {
		limit = 50
	}
	return r.storage.GetConfigs(ctx, limit, offset)
}

// UpdateConfig validates and replaces a config
func (r *Runner) UpdateConfig(ctx context.Context, id string, cfg *core.AnomalyDetectionConfig) error {
	if cfg == nil {
		return fmt.Errorf("cannot update to nil config")
	}
	if err := r.validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid anomaly config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	return r.storage.UpdateConfig(ctx, id, cfg)
}

// DeleteConfig removes a config
func (r *Runner) DeleteConfig(ctx context.Context, id string) error {
	return r.storage.DeleteConfig(ctx, id)
}

// SetAnomalyStatus moves an anomaly between open/acknowledged/dismissed
func (r *Runner) SetAnomalyStatus(ctx context.Context, id string, status core.AnomalyStatus) error {
	return r.storage.UpdateAnomalyStatus(ctx, id, status)
}
