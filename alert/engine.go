package alert

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"argus/core"
	"argus/metric"
	"argus/metrics"
	"argus/notify"
	"argus/storage"
	"argus/util/goroutine"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// defaultSweepInterval is how often sustained definitions are evaluated
	defaultSweepInterval = 5 * time.Minute
	// dedupWindow suppresses a new trigger while an unresolved one for the
	// same definition exists inside it
	dedupWindow = 15 * time.Minute
)

// Engine evaluates alert definitions against recorded metrics and drives
// the trigger/acknowledge/resolve lifecycle
type Engine struct {
	storage    storage.AlertStorageInterface
	metrics    *metric.Store
	dispatcher notify.Dispatcher
	bus        *core.EventBus
	logger     *zap.SugaredLogger
	validate   *validator.Validate
	interval   time.Duration
	now        func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine creates an alert engine
func NewEngine(st storage.AlertStorageInterface, ms *metric.Store, dispatcher notify.Dispatcher, bus *core.EventBus, logger *zap.SugaredLogger) *Engine {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Engine{
		storage:    st,
		metrics:    ms,
		dispatcher: dispatcher,
		bus:        bus,
		logger:     logger,
		validate:   validator.New(),
		interval:   defaultSweepInterval,
		now:        time.Now,
	}
}

// SetSweepInterval overrides the sustained-evaluation interval. Must be
// called before Start.
func (e *Engine) SetSweepInterval(d time.Duration) {
	if d > 0 {
		e.interval = d
	}
}

// Start launches the periodic sustained-evaluation loop
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.wg.Add(1)
	goroutine.Go("alert-sweep", e.logger, func() {
		defer e.wg.Done()
		ticker := time.NewTicker(e.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				// cancellation stops the timer only; an in-flight sweep
				// completes and records its triggers
				e.sweep(context.WithoutCancel(ctx))
			}
		}
	})
	e.logger.Infow("Alert engine started", "interval", e.interval)
}

// Stop cancels the loop and waits for in-flight evaluation
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

func (e *Engine) sweep(ctx context.Context) {
	defer goroutine.Recover("alert-sweep-run", e.logger)
	if err := e.EvaluateAll(ctx); err != nil {
		e.logger.Errorw("Alert sweep failed", "error", err)
	}
}

// EvaluateAll checks every enabled definition with a sustain window. The
// aggregate of the metric over the window must satisfy the condition for
// a trigger. A failing definition is logged and skipped.
func (e *Engine) EvaluateAll(ctx context.Context) error {
	defs, err := e.storage.GetEnabledDefinitions(ctx)
	if err != nil {
		return fmt.Errorf("failed to load enabled definitions: %w", err)
	}
	for i := range defs {
		def := &defs[i]
		if def.SustainFor <= 0 {
			continue // instant definitions evaluate inline on Record
		}
		if err := e.evaluateSustained(ctx, def); err != nil {
			e.logger.Errorw("Sustained evaluation failed",
				"definition_id", def.ID, "metric", def.Metric, "error", err)
		}
	}
	return nil
}

func (e *Engine) evaluateSustained(ctx context.Context, def *core.AlertDefinition) error {
	now := e.now()
	value, count, err := e.metrics.WindowAggregate(ctx, &core.MetricQuery{
		Metric:      def.Metric,
		Dimensions:  def.Dimensions,
		Start:       now.Add(-def.SustainFor),
		End:         now,
		Bucket:      core.BucketMinute,
		Aggregation: core.AggAvg,
	})
	if err != nil {
		return err
	}
	if count == 0 {
		return nil // no data in the window, nothing to sustain
	}
	if !def.Operator.Compare(value, def.Threshold) {
		return nil
	}
	return e.trigger(ctx, def, value)
}

// EvaluateInstant is called by the metric store for every recorded point.
// Only enabled duration-0 definitions matching the point's metric and
// dimensions are checked. Failures are swallowed: recording must never
// be affected by alert evaluation.
func (e *Engine) EvaluateInstant(ctx context.Context, point *core.MetricPoint) {
	defer goroutine.Recover("alert-instant-eval", e.logger)
	defs, err := e.storage.GetEnabledDefinitions(ctx)
	if err != nil {
		e.logger.Errorw("Failed to load definitions for instant evaluation", "error", err)
		return
	}
	for i := range defs {
		def := &defs[i]
		if def.SustainFor > 0 || !def.MatchesPoint(point) {
			continue
		}
		if !def.Operator.Compare(point.Value, def.Threshold) {
			continue
		}
		if err := e.trigger(ctx, def, point.Value); err != nil {
			e.logger.Errorw("Failed to trigger alert",
				"definition_id", def.ID, "error", err)
		}
	}
}

// trigger records one alert firing unless an unresolved trigger for the
// definition exists inside the dedup window, then notifies and publishes
func (e *Engine) trigger(ctx context.Context, def *core.AlertDefinition, observed float64) error {
	now := e.now()
	_, err := e.storage.FindUnresolvedSince(ctx, def.ID, now.Add(-dedupWindow))
	if err == nil {
		return nil // active trigger exists, suppress
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("dedup lookup: %w", err)
	}

	h := &core.AlertHistory{
		ID:            uuid.NewString(),
		DefinitionID:  def.ID,
		TriggeredAt:   now,
		ObservedValue: observed,
		Message: fmt.Sprintf("%s %s %g (observed %g)",
			def.Metric, def.Operator, def.Threshold, observed),
	}
	if err := e.storage.InsertHistory(ctx, h); err != nil {
		return fmt.Errorf("failed to insert trigger: %w", err)
	}
	if err := e.storage.SetLastTriggered(ctx, def.ID, now); err != nil {
		e.logger.Warnw("Failed to record last trigger time",
			"definition_id", def.ID, "error", err)
	}

	metrics.AlertsTriggered.WithLabelValues(string(def.Severity)).Inc()
	e.logger.Infow("Alert triggered",
		"definition_id", def.ID,
		"metric", def.Metric,
		"observed", observed,
		"threshold", def.Threshold,
		"severity", def.Severity)

	if e.bus != nil {
		e.bus.Publish(core.TopicAlertTriggered, h)
	}
	e.notifyChannels(ctx, def, h)
	return nil
}

func (e *Engine) notifyChannels(ctx context.Context, def *core.AlertDefinition, h *core.AlertHistory) {
	if e.dispatcher == nil {
		return
	}
	payload := map[string]interface{}{
		"definition_id": def.ID,
		"metric":        def.Metric,
		"operator":      string(def.Operator),
		"threshold":     def.Threshold,
		"observed":      h.ObservedValue,
		"severity":      string(def.Severity),
		"triggered_at":  h.TriggeredAt.UTC().Format(time.RFC3339),
	}
	for _, ch := range def.Channels {
		msg := &notify.Message{
			Channel:    ch,
			Recipients: def.NotifyUsers,
			Title:      def.Name,
			Body:       h.Message,
			Severity:   def.Severity,
			Payload:    payload,
		}
		// Delivery failures are the dispatcher's concern (breakers, metrics)
		_ = e.dispatcher.Dispatch(ctx, msg)
	}
}

// Acknowledge marks a trigger as acknowledged. Acknowledging an already
// acknowledged trigger is a no-op.
func (e *Engine) Acknowledge(ctx context.Context, id, actor, notes string) error {
	h, err := e.storage.GetHistoryEntry(ctx, id)
	if err != nil {
		return err
	}
	if h.AcknowledgedAt != nil {
		return nil
	}
	now := e.now()
	h.AcknowledgedAt = &now
	h.AcknowledgedBy = actor
	if notes != "" {
		h.Notes = notes
	}
	return e.storage.UpdateHistory(ctx, h)
}

// Resolve marks a trigger as resolved, implying acknowledgement.
// Resolving an already resolved trigger is a no-op.
func (e *Engine) Resolve(ctx context.Context, id, actor, notes string) error {
	h, err := e.storage.GetHistoryEntry(ctx, id)
	if err != nil {
		return err
	}
	if h.Resolved() {
		return nil
	}
	now := e.now()
	if h.AcknowledgedAt == nil {
		h.AcknowledgedAt = &now
		h.AcknowledgedBy = actor
	}
	h.ResolvedAt = &now
	h.ResolvedBy = actor
	if notes != "" {
		h.Notes = notes
	}
	return e.storage.UpdateHistory(ctx, h)
}

// CreateDefinition validates and persists a new definition
func (e *Engine) CreateDefinition(ctx context.Context, def *core.AlertDefinition) error {
	if def == nil {
		return fmt.Errorf("cannot create nil definition")
	}
	if err := e.validate.Struct(def); err != nil {
		return fmt.Errorf("invalid alert definition: %w", err)
	}
	if err := def.Validate(); err != nil {
		return err
	}
	if def.ID == "" {
		def.ID = uuid.NewString()
	}
	now := e.now()
	def.CreatedAt = now
	def.UpdatedAt = now
	return e.storage.CreateDefinition(ctx, def)
}

// GetDefinition returns one definition
func (e *Engine) GetDefinition(ctx context.Context, id string) (*core.AlertDefinition, error) {
	return e.storage.GetDefinition(ctx, id)
}

// ListDefinitions returns definitions with pagination
func (e *Engine) ListDefinitions(ctx context.Context, limit, offset int) ([]core.AlertDefinition, error) {
	if limit <= 0 {
		limit = 50
	}
	return e.storage.GetDefinitions(ctx, limit, offset)
}

// UpdateDefinition validates and replaces a definition
func (e *Engine) UpdateDefinition(ctx context.Context, id string, def *core.AlertDefinition) error {
	if def == nil {
		return fmt.Errorf("cannot update to nil definition")
	}
	if err := e.validate.Struct(def); err != nil {
		return fmt.Errorf("invalid alert definition: %w", err)
	}
	if err := def.Validate(); err != nil {
		return err
	}
	return e.storage.UpdateDefinition(ctx, id, def)
}

// DeleteDefinition removes a definition
func (e *Engine) DeleteDefinition(ctx context.Context, id string) error {
	return e.storage.DeleteDefinition(ctx, id)
}

// ListHistory returns trigger history, newest first. An empty definition
// id spans all definitions.
func (e *Engine) ListHistory(ctx context.Context, definitionID string, limit, offset int) ([]core.AlertHistory, error) {
	if limit <= 0 {
		limit = 50
	}
	return e.storage.GetHistory(ctx, definitionID, limit, offset)
}

// Test runs a one-off evaluation of a definition against current data
// without persisting anything. It reports whether the condition holds and
// the observed aggregate.
func (e *Engine) Test(ctx context.Context, def *core.AlertDefinition) (bool, float64, error) {
	if def == nil {
		return false, 0, fmt.Errorf("cannot test nil definition")
	}
	if err := def.Validate(); err != nil {
		return false, 0, err
	}
	window := def.SustainFor
	if window <= 0 {
		window = 5 * time.Minute
	}
	now := e.now()
	value, count, err := e.metrics.WindowAggregate(ctx, &core.MetricQuery{
		Metric:      def.Metric,
		Dimensions:  def.Dimensions,
		Start:       now.Add(-window),
		End:         now,
		Bucket:      core.BucketMinute,
		Aggregation: core.AggAvg,
	})
	if err != nil {
		return false, 0, err
	}
	if count == 0 {
		return false, 0, nil
	}
	return def.Operator.Compare(value, def.Threshold), value, nil
}
