package breach

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"argus/core"
	"argus/metrics"
	"argus/storage"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CaseStore drives the breach case lifecycle: creation with dedup-merge,
// status transitions with an audit trail, and indicator linking
type CaseStore struct {
	storage storage.BreachStorageInterface
	bus     *core.EventBus
	logger  *zap.SugaredLogger
	now     func() time.Time
}

// NewCaseStore creates a case store
func NewCaseStore(st storage.BreachStorageInterface, bus *core.EventBus, logger *zap.SugaredLogger) *CaseStore {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &CaseStore{
		storage: st,
		bus:     bus,
		logger:  logger,
		now:     time.Now,
	}
}

// Candidate is a case a detector wants opened. Dedup decides whether it
// becomes a new case or additional evidence on an active one.
type Candidate struct {
	Title         string
	Description   string
	DetectionType core.BreachRuleType
	Severity      core.Severity
	Source        string
	RuleID        string
	WorkspaceID   string
	Evidence      interface{}
	DedupWindow   time.Duration
}

// CreateOrMerge opens a case for the candidate unless an active case
// matches the dedup key. Scheduled rules dedup on rule id; listener-driven
// candidates (empty rule id) dedup on title + source. A merge appends an
// update event carrying the new evidence; a create records a detection
// event and publishes breach-detected.
func (cs *CaseStore) CreateOrMerge(ctx context.Context, c *Candidate) (*core.Breach, bool, error) {
	now := cs.now()
	window := c.DedupWindow
	if window <= 0 {
		window = 24 * time.Hour
	}
	since := now.Add(-window)

	var existing *core.Breach
	var err error
	if c.RuleID != "" {
		existing, err = cs.storage.FindActiveBreachByRule(ctx, c.RuleID, since)
	} else {
		existing, err = cs.storage.FindActiveBreachByTitle(ctx, c.Title, c.Source, since)
	}
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, false, fmt.Errorf("case dedup lookup: %w", err)
	}

	evidence, err := json.Marshal(c.Evidence)
	if err != nil {
		return nil, false, fmt.Errorf("failed to encode evidence: %w", err)
	}

	if existing != nil {
		existing.DetectedAt = now
		existing.UpdatedAt = now
		if c.Severity.AtLeast(existing.Severity) {
			existing.Severity = c.Severity
		}
		if err := cs.storage.UpdateBreach(ctx, existing.ID, existing); err != nil {
			return nil, false, fmt.Errorf("failed to update case: %w", err)
		}
		if err := cs.appendEvent(ctx, existing.ID, core.BreachEventUpdate, "", evidence); err != nil {
			return nil, false, err
		}
		cs.logger.Infow("Merged evidence into active case",
			"breach_id", existing.ID, "title", existing.Title, "source", c.Source)
		return existing, false, nil
	}

	b := &core.Breach{
		ID:              uuid.NewString(),
		Title:           c.Title,
		Description:     c.Description,
		DetectionType:   c.DetectionType,
		Severity:        c.Severity,
		Status:          core.BreachStatusOpen,
		Source:          c.Source,
		DetectedAt:      now,
		FirstDetectedAt: now,
		Evidence:        evidence,
		RuleID:          c.RuleID,
		WorkspaceID:     c.WorkspaceID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := cs.storage.InsertBreach(ctx, b); err != nil {
		return nil, false, fmt.Errorf("failed to create case: %w", err)
	}
	if err := cs.appendEvent(ctx, b.ID, core.BreachEventDetection, "", evidence); err != nil {
		return nil, false, err
	}

	metrics.BreachCases.WithLabelValues(string(b.DetectionType), string(b.Severity)).Inc()
	cs.logger.Infow("Opened breach case",
		"breach_id", b.ID, "title", b.Title,
		"detection_type", b.DetectionType, "severity", b.Severity)
	if cs.bus != nil {
		cs.bus.Publish(core.TopicBreachDetected, b)
	}
	return b, true, nil
}

func (cs *CaseStore) appendEvent(ctx context.Context, breachID string, typ core.BreachEventType, actor string, detail json.RawMessage) error {
	e := &core.BreachEvent{
		ID:        uuid.NewString(),
		BreachID:  breachID,
		Type:      typ,
		Actor:     actor,
		Detail:    detail,
		CreatedAt: cs.now(),
	}
	if err := cs.storage.InsertBreachEvent(ctx, e); err != nil {
		return fmt.Errorf("failed to append case event: %w", err)
	}
	return nil
}

// Get returns one case
func (cs *CaseStore) Get(ctx context.Context, id string) (*core.Breach, error) {
	return cs.storage.GetBreach(ctx, id)
}

// List returns cases matching the filters plus the unpaginated total
func (cs *CaseStore) List(ctx context.Context, f *storage.BreachFilters) ([]core.Breach, int64, error) {
	if f == nil {
		f = &storage.BreachFilters{}
	}
	if f.Limit <= 0 {
		f.Limit = 50
	}
	return cs.storage.ListBreaches(ctx, f)
}

// Events returns the case audit trail, oldest first
func (cs *CaseStore) Events(ctx context.Context, breachID string) ([]core.BreachEvent, error) {
	return cs.storage.GetBreachEvents(ctx, breachID)
}

// UpdateStatus moves a case through its lifecycle. Invalid transitions
// are rejected; every change lands as a status_change event.
func (cs *CaseStore) UpdateStatus(ctx context.Context, id string, status core.BreachStatus, actor, notes string) error {
	if !status.IsValid() {
		return fmt.Errorf("unknown case status: %s", status)
	}
	b, err := cs.storage.GetBreach(ctx, id)
	if err != nil {
		return err
	}
	if b.Status == status {
		return nil
	}
	if !b.Status.CanTransitionTo(status) {
		return fmt.Errorf("cannot transition case from %s to %s", b.Status, status)
	}
	prev := b.Status
	b.Status = status
	b.UpdatedAt = cs.now()
	if err := cs.storage.UpdateBreach(ctx, id, b); err != nil {
		return fmt.Errorf("failed to update case status: %w", err)
	}

	detail, _ := json.Marshal(map[string]string{
		"from":  string(prev),
		"to":    string(status),
		"notes": notes,
	})
	if err := cs.appendEvent(ctx, id, core.BreachEventStatusChange, actor, detail); err != nil {
		return err
	}
	cs.logger.Infow("Case status changed",
		"breach_id", id, "from", prev, "to", status, "actor", actor)
	return nil
}

// Assign sets the case owner and records an update event
func (cs *CaseStore) Assign(ctx context.Context, id, assignee, actor string) error {
	b, err := cs.storage.GetBreach(ctx, id)
	if err != nil {
		return err
	}
	if b.AssignedTo == assignee {
		return nil
	}
	b.AssignedTo = assignee
	b.UpdatedAt = cs.now()
	if err := cs.storage.UpdateBreach(ctx, id, b); err != nil {
		return fmt.Errorf("failed to assign case: %w", err)
	}
	detail, _ := json.Marshal(map[string]string{"assigned_to": assignee})
	return cs.appendEvent(ctx, id, core.BreachEventUpdate, actor, detail)
}

// LinkIndicator upserts the indicator and ties it to the case with the
// given confidence. Linking the same indicator again updates confidence.
func (cs *CaseStore) LinkIndicator(ctx context.Context, breachID string, ind *core.Indicator, confidence float64) error {
	if ind == nil || ind.Type == "" || ind.Value == "" {
		return fmt.Errorf("indicator requires a type and a value")
	}
	if _, err := cs.storage.GetBreach(ctx, breachID); err != nil {
		return err
	}
	now := cs.now()
	if ind.ID == "" {
		ind.ID = uuid.NewString()
	}
	ind.CreatedAt = now
	if err := cs.storage.CreateIndicator(ctx, ind); err != nil {
		return fmt.Errorf("failed to store indicator: %w", err)
	}
	// the insert is a no-op on conflict, resolve the canonical row
	canonical, err := cs.storage.GetIndicatorByValue(ctx, ind.Type, ind.Value)
	if err != nil {
		return err
	}
	link := &core.IndicatorLink{
		ID:          uuid.NewString(),
		BreachID:    breachID,
		IndicatorID: canonical.ID,
		Confidence:  confidence,
		CreatedAt:   now,
	}
	if err := cs.storage.LinkIndicator(ctx, link); err != nil {
		return fmt.Errorf("failed to link indicator: %w", err)
	}
	detail, _ := json.Marshal(map[string]interface{}{
		"indicator_type":  canonical.Type,
		"indicator_value": canonical.Value,
		"confidence":      confidence,
	})
	return cs.appendEvent(ctx, breachID, core.BreachEventIndicatorLinked, "", detail)
}

// Indicators returns the indicators linked to a case
func (cs *CaseStore) Indicators(ctx context.Context, breachID string) ([]core.Indicator, error) {
	return cs.storage.GetIndicatorsForBreach(ctx, breachID)
}

// Stats returns case counts grouped by status, severity, detection type
// and source
func (cs *CaseStore) Stats(ctx context.Context, workspaceID string) (*core.BreachStats, error) {
	return cs.storage.Stats(ctx, workspaceID)
}
