package metric

import (
	"context"
	"fmt"
	"sort"
	"time"

	"argus/core"
	"argus/metrics"
	"argus/storage"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// InstantEvaluator is notified of each recorded point so duration-0 alert
// definitions can be checked inline. The alert engine implements it.
type InstantEvaluator interface {
	EvaluateInstant(ctx context.Context, point *core.MetricPoint)
}

// Store records and queries metric points. Recording never fails the
// caller: storage errors are logged and swallowed so instrumented code
// paths stay unaffected by monitoring outages.
type Store struct {
	storage   storage.MetricStorageInterface
	evaluator InstantEvaluator
	logger    *zap.SugaredLogger
	now       func() time.Time
}

// NewStore creates a metric store
func NewStore(st storage.MetricStorageInterface, logger *zap.SugaredLogger) *Store {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Store{
		storage: st,
		logger:  logger,
		now:     time.Now,
	}
}

// SetInstantEvaluator wires the inline alert evaluation hook. Set once
// during bootstrap, before any Record call.
func (s *Store) SetInstantEvaluator(e InstantEvaluator) {
	s.evaluator = e
}

// Record validates and appends one point. Invalid input returns an error;
// a storage failure is logged and reported as success so callers never
// block on the monitoring pipeline. On success the point is offered to the
// instant alert evaluator before returning.
func (s *Store) Record(ctx context.Context, point *core.MetricPoint) error {
	if point == nil {
		return fmt.Errorf("cannot record nil point")
	}
	if point.Metric == "" {
		return fmt.Errorf("metric name is required")
	}
	if !point.Bucket.IsValid() {
		return fmt.Errorf("invalid bucket: %s", point.Bucket)
	}
	if point.ID == "" {
		point.ID = uuid.NewString()
	}
	if point.Timestamp.IsZero() {
		point.Timestamp = s.now()
	}

	if err := s.storage.InsertPoint(ctx, point); err != nil {
		s.logger.Errorw("Failed to record metric point",
			"metric", point.Metric,
			"error", err)
		return nil
	}
	metrics.PointsRecorded.WithLabelValues(point.Metric).Inc()

	if s.evaluator != nil {
		s.evaluator.EvaluateInstant(ctx, point)
	}
	return nil
}

// Query aggregates raw points into time buckets. Results carry formatted
// bucket labels and are sorted by label, which equals chronological order.
func (s *Store) Query(ctx context.Context, q *core.MetricQuery) ([]core.AggregatedPoint, error) {
	if q == nil {
		return nil, fmt.Errorf("cannot run nil query")
	}
	if err := q.Validate(); err != nil {
		return nil, err
	}

	points, err := s.storage.QueryPoints(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to query points: %w", err)
	}

	buckets := make(map[string][]float64)
	for _, p := range points {
		label := q.Bucket.Label(p.Timestamp)
		buckets[label] = append(buckets[label], p.Value)
	}

	result := make([]core.AggregatedPoint, 0, len(buckets))
	for label, values := range buckets {
		result = append(result, core.AggregatedPoint{
			BucketLabel: label,
			Value:       aggregate(q.Aggregation, values),
		})
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].BucketLabel < result[j].BucketLabel
	})
	return result, nil
}

// WindowAggregate applies the aggregation across every raw point in the
// query range as a single window, returning the value and the number of
// points it covers. Zero points yields (0, 0, nil).
func (s *Store) WindowAggregate(ctx context.Context, q *core.MetricQuery) (float64, int, error) {
	if q == nil {
		return 0, 0, fmt.Errorf("cannot run nil query")
	}
	if err := q.Validate(); err != nil {
		return 0, 0, err
	}
	points, err := s.storage.QueryPoints(ctx, q)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to query points: %w", err)
	}
	if len(points) == 0 {
		return 0, 0, nil
	}
	values := make([]float64, len(points))
	for i, p := range points {
		values[i] = p.Value
	}
	return aggregate(q.Aggregation, values), len(points), nil
}

// aggregate applies the aggregation function to one bucket's values
func aggregate(agg core.Aggregation, values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	switch agg {
	case core.AggCount:
		return float64(len(values))
	case core.AggSum, core.AggAvg:
		var sum float64
		for _, v := range values {
			sum += v
		}
		if agg == core.AggAvg {
			return sum / float64(len(values))
		}
		return sum
	case core.AggMin:
		min := values[0]
		for _, v := range values[1:] {
			if v < min {
				min = v
			}
		}
		return min
	case core.AggMax:
		max := values[0]
		for _, v := range values[1:] {
			if v > max {
				max = v
			}
		}
		return max
	default:
		return 0
	}
}

// IncrementCounter atomically adds delta to a named counter. Dimensions
// are folded into the counter name so each labelled series is independent.
func (s *Store) IncrementCounter(ctx context.Context, name string, delta float64, dims map[string]string) error {
	if name == "" {
		return fmt.Errorf("counter name is required")
	}
	return s.storage.IncrementCounter(ctx, counterKey(name, dims), delta)
}

// GetCounter reads a named counter, zero when never incremented
func (s *Store) GetCounter(ctx context.Context, name string, dims map[string]string) (float64, error) {
	if name == "" {
		return 0, fmt.Errorf("counter name is required")
	}
	return s.storage.GetCounter(ctx, counterKey(name, dims))
}

// counterKey folds sorted dimensions into the counter name so the same
// dimension set always maps to the same row
func counterKey(name string, dims map[string]string) string {
	if len(dims) == 0 {
		return name
	}
	keys := make([]string, 0, len(dims))
	for k := range dims {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	key := name
	for _, k := range keys {
		key += fmt.Sprintf("|%s=%s", k, dims[k])
	}
	return key
}
