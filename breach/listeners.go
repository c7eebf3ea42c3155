package breach

import (
	"context"
	"fmt"
	"time"

	"argus/core"
	"argus/storage"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// listenerTimeout bounds the storage work done per bus delivery
	listenerTimeout = 10 * time.Second
	// listenerDedupWindow is the title+source dedup window for cases
	// opened from pushed events
	listenerDedupWindow = 24 * time.Hour
)

// RegisterEventListeners wires the pushed event streams into case
// creation. Raw security events, access violations and token usage are
// also persisted so signature rules can search them later. Dedup for
// listener-driven cases is by title + source against active cases within
// the last 24 hours.
func RegisterEventListeners(bus *core.EventBus, events storage.EventStorageInterface, cases *CaseStore, logger *zap.SugaredLogger) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	l := &listeners{events: events, cases: cases, logger: logger}

	bus.Subscribe(core.TopicSecurityEvent, l.onSecurityEvent)
	bus.Subscribe(core.TopicAccessViolation, l.onAccessViolation)
	bus.Subscribe(core.TopicAnomalyDetected, l.onAnomaly)
	bus.Subscribe(core.TopicScannerFinding, l.onScannerFinding)
	bus.Subscribe(core.TopicHealthStatusChange, l.onHealthChange)
	bus.Subscribe(core.TopicTokenUsed, l.onTokenUsed)
}

type listeners struct {
	events storage.EventStorageInterface
	cases  *CaseStore
	logger *zap.SugaredLogger
}

func (l *listeners) onSecurityEvent(payload interface{}) {
	e, ok := payload.(*core.SecurityEvent)
	if !ok {
		l.logger.Warnw("Unexpected security event payload", "payload", payload)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), listenerTimeout)
	defer cancel()

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if err := l.events.InsertSecurityEvent(ctx, e); err != nil {
		l.logger.Errorw("Failed to persist security event", "error", err)
	}

	l.open(ctx, &Candidate{
		Title:         fmt.Sprintf("Security event: %s", e.EventType),
		Description:   e.Message,
		DetectionType: core.BreachRuleSignature,
		Severity:      e.Severity,
		Source:        "security-event",
		Evidence:      e,
		DedupWindow:   listenerDedupWindow,
	})
}

func (l *listeners) onAccessViolation(payload interface{}) {
	v, ok := payload.(*core.AccessViolation)
	if !ok {
		l.logger.Warnw("Unexpected access violation payload", "payload", payload)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), listenerTimeout)
	defer cancel()

	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	if v.Timestamp.IsZero() {
		v.Timestamp = time.Now().UTC()
	}
	if err := l.events.InsertAccessViolation(ctx, v); err != nil {
		l.logger.Errorw("Failed to persist access violation", "error", err)
	}

	l.open(ctx, &Candidate{
		Title: fmt.Sprintf("Access violation: %s on %s", v.Action, v.Resource),
		Description: fmt.Sprintf("subject %s denied %s on %s: %s",
			v.Subject, v.Action, v.Resource, v.Reason),
		DetectionType: core.BreachRuleSignature,
		Severity:      core.SeverityMedium,
		Source:        "access-violation",
		Evidence:      v,
		DedupWindow:   listenerDedupWindow,
	})
}

func (l *listeners) onAnomaly(payload interface{}) {
	a, ok := payload.(*core.Anomaly)
	if !ok {
		l.logger.Warnw("Unexpected anomaly payload", "payload", payload)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), listenerTimeout)
	defer cancel()

	l.open(ctx, &Candidate{
		Title: fmt.Sprintf("Anomalous %s", a.Metric),
		Description: fmt.Sprintf("observed %.2f, expected %.2f",
			a.ObservedValue, a.ExpectedValue),
		DetectionType: core.BreachRuleAnomaly,
		Severity:      a.Severity,
		Source:        "anomaly",
		Evidence:      a,
		DedupWindow:   listenerDedupWindow,
	})
}

func (l *listeners) onScannerFinding(payload interface{}) {
	f, ok := payload.(*core.ScannerFinding)
	if !ok {
		l.logger.Warnw("Unexpected scanner finding payload", "payload", payload)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), listenerTimeout)
	defer cancel()

	l.open(ctx, &Candidate{
		Title:         f.Title,
		Description:   f.Detail,
		DetectionType: core.BreachRuleSignature,
		Severity:      f.Severity,
		Source:        f.Scanner,
		Evidence:      f,
		DedupWindow:   listenerDedupWindow,
	})
}

// onHealthChange feeds failure transitions into case creation the same
// way anomalies arrive. Recoveries never open cases.
func (l *listeners) onHealthChange(payload interface{}) {
	c, ok := payload.(*core.HealthStatusChange)
	if !ok {
		l.logger.Warnw("Unexpected health change payload", "payload", payload)
		return
	}
	if c.Healthy {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), listenerTimeout)
	defer cancel()

	l.open(ctx, &Candidate{
		Title:         fmt.Sprintf("Health check failing: %s", c.CheckName),
		Description:   c.Message,
		DetectionType: core.BreachRuleAnomaly,
		Severity:      c.Severity,
		Source:        "health",
		Evidence:      c,
		DedupWindow:   listenerDedupWindow,
	})
}

// onTokenUsed persists usage records for signature rule searches. Usage
// alone never opens a case.
func (l *listeners) onTokenUsed(payload interface{}) {
	r, ok := payload.(*core.TokenUsageRecord)
	if !ok {
		l.logger.Warnw("Unexpected token usage payload", "payload", payload)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), listenerTimeout)
	defer cancel()

	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}
	if err := l.events.InsertTokenUsage(ctx, r); err != nil {
		l.logger.Errorw("Failed to persist token usage record", "error", err)
	}
}

func (l *listeners) open(ctx context.Context, c *Candidate) {
	if _, _, err := l.cases.CreateOrMerge(ctx, c); err != nil {
		l.logger.Errorw("Failed to open case from event",
			"title", c.Title, "source", c.Source, "error", err)
	}
}
