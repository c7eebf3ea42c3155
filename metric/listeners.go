package metric

import (
	"context"
	"time"

	"argus/core"
	"go.uber.org/zap"
)

// listenerTimeout bounds the storage write performed by a bus listener
const listenerTimeout = 10 * time.Second

// RegisterEventListeners subscribes the store to the external event topics
// so every pushed domain event also lands as a metric point. Listeners are
// fire-and-forget; failures are logged inside Record and never propagate
// back to the publisher.
func RegisterEventListeners(bus *core.EventBus, store *Store, logger *zap.SugaredLogger) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	bus.Subscribe(core.TopicTokenCreated, func(payload interface{}) {
		rec, ok := payload.(*core.TokenUsageRecord)
		if !ok {
			logger.Warnw("Unexpected payload on token-created", "payload", payload)
			return
		}
		recordEvent(store, &core.MetricPoint{
			Metric:    "tokens_created",
			Subject:   rec.Subject,
			Value:     1,
			Timestamp: rec.Timestamp,
			Bucket:    core.BucketHour,
			Source:    "bus",
		})
	})

	bus.Subscribe(core.TopicTokenDenied, func(payload interface{}) {
		rec, ok := payload.(*core.TokenUsageRecord)
		if !ok {
			logger.Warnw("Unexpected payload on token-denied", "payload", payload)
			return
		}
		recordEvent(store, &core.MetricPoint{
			Metric:    "tokens_denied",
			Subject:   rec.Subject,
			Value:     1,
			Timestamp: rec.Timestamp,
			Bucket:    core.BucketHour,
			Source:    "bus",
		})
	})

	bus.Subscribe(core.TopicTokenUsed, func(payload interface{}) {
		rec, ok := payload.(*core.TokenUsageRecord)
		if !ok {
			logger.Warnw("Unexpected payload on token-used", "payload", payload)
			return
		}
		value := float64(rec.RequestCount)
		if value == 0 {
			value = 1
		}
		recordEvent(store, &core.MetricPoint{
			Metric:    "token_requests",
			Subject:   rec.Subject,
			Value:     value,
			Timestamp: rec.Timestamp,
			Bucket:    core.BucketHour,
			Source:    "bus",
		})
	})

	bus.Subscribe(core.TopicAccessViolation, func(payload interface{}) {
		v, ok := payload.(*core.AccessViolation)
		if !ok {
			logger.Warnw("Unexpected payload on access-violation", "payload", payload)
			return
		}
		recordEvent(store, &core.MetricPoint{
			Metric:    "access_violations",
			Subject:   v.Subject,
			Value:     1,
			Timestamp: v.Timestamp,
			Bucket:    core.BucketHour,
			Dimensions: map[string]string{
				"resource": v.Resource,
				"action":   v.Action,
			},
			Source: "bus",
		})
	})

	bus.Subscribe(core.TopicSecurityEvent, func(payload interface{}) {
		e, ok := payload.(*core.SecurityEvent)
		if !ok {
			logger.Warnw("Unexpected payload on security-event", "payload", payload)
			return
		}
		recordEvent(store, &core.MetricPoint{
			Metric:    "security_events",
			Subject:   e.Subject,
			Value:     1,
			Timestamp: e.Timestamp,
			Bucket:    core.BucketHour,
			Dimensions: map[string]string{
				"event_type": e.EventType,
				"severity":   string(e.Severity),
			},
			Source: "bus",
		})
	})
}

func recordEvent(store *Store, point *core.MetricPoint) {
	ctx, cancel := context.WithTimeout(context.Background(), listenerTimeout)
	defer cancel()
	// Record only errors on invalid input, which listener points never are
	_ = store.Record(ctx, point)
}
