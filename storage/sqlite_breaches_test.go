package storage

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"argus/core"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestBehaviorRule() *core.BreachDetectionRule {
	now := time.Now().UTC()
	return &core.BreachDetectionRule{
		ID:           uuid.NewString(),
		Name:         "token request spike",
		Type:         core.BreachRuleBehavior,
		Severity:     core.SeverityHigh,
		Scope:        core.ScopeGlobal,
		Enabled:      true,
		EvalInterval: 15 * time.Minute,
		Behavior: &core.BehaviorRuleDef{
			Metrics:     []string{"token_requests"},
			Aggregation: core.AggSum,
			Window:      time.Hour,
			Operator:    core.OpGreaterThan,
			Threshold:   1000,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestBreachStorage_RuleRoundTrip(t *testing.T) {
	s := setupTestDB(t)
	bs := NewSQLiteBreachStorage(s, zap.NewNop().Sugar())
	ctx := context.Background()

	rule := newTestBehaviorRule()
	require.NoError(t, rule.Validate())
	require.NoError(t, bs.CreateRule(ctx, rule))

	got, err := bs.GetRule(ctx, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, core.BreachRuleBehavior, got.Type)
	require.NotNil(t, got.Behavior)
	assert.Nil(t, got.Signature)
	assert.Nil(t, got.Anomaly)
	assert.Nil(t, got.Correlation)
	assert.Equal(t, []string{"token_requests"}, got.Behavior.Metrics)
	assert.Equal(t, time.Hour, got.Behavior.Window)
	assert.Equal(t, 15*time.Minute, got.EvalInterval)
	assert.Equal(t, time.Hour, got.Window())
}

func TestBreachStorage_SignatureRuleRoundTrip(t *testing.T) {
	s := setupTestDB(t)
	bs := NewSQLiteBreachStorage(s, zap.NewNop().Sugar())
	ctx := context.Background()

	now := time.Now().UTC()
	rule := &core.BreachDetectionRule{
		ID:           uuid.NewString(),
		Name:         "repeated denials",
		Type:         core.BreachRuleSignature,
		Severity:     core.SeverityCritical,
		Enabled:      true,
		EvalInterval: 10 * time.Minute,
		Signature: &core.SignatureRuleDef{
			Patterns: []core.SignaturePattern{{
				Family:    core.FamilyAccessViolation,
				EventType: "write",
				Subject:   "client-a",
			}},
			Threshold: 5,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, rule.Validate())
	require.NoError(t, bs.CreateRule(ctx, rule))

	got, err := bs.GetRule(ctx, rule.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Signature)
	require.Len(t, got.Signature.Patterns, 1)
	assert.Equal(t, core.FamilyAccessViolation, got.Signature.Patterns[0].Family)
	assert.Equal(t, 5, got.Signature.Threshold)
	assert.Equal(t, 10*time.Minute, got.Window())
}

func TestBreachStorage_UpdateAndEnabledRules(t *testing.T) {
	s := setupTestDB(t)
	bs := NewSQLiteBreachStorage(s, zap.NewNop().Sugar())
	ctx := context.Background()

	rule := newTestBehaviorRule()
	require.NoError(t, bs.CreateRule(ctx, rule))

	rule.Enabled = false
	rule.Behavior.Threshold = 2000
	require.NoError(t, bs.UpdateRule(ctx, rule.ID, rule))

	enabled, err := bs.GetEnabledRules(ctx)
	require.NoError(t, err)
	assert.Empty(t, enabled)

	got, err := bs.GetRule(ctx, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, 2000.0, got.Behavior.Threshold)

	assert.ErrorIs(t, bs.UpdateRule(ctx, "missing", rule), ErrNotFound)
	require.NoError(t, bs.DeleteRule(ctx, rule.ID))
	assert.ErrorIs(t, bs.DeleteRule(ctx, rule.ID), ErrNotFound)
}

func newTestBreach(ruleID string, ts time.Time) *core.Breach {
	return &core.Breach{
		ID:              uuid.NewString(),
		Title:           "token request spike",
		DetectionType:   core.BreachRuleBehavior,
		Severity:        core.SeverityHigh,
		Status:          core.BreachStatusOpen,
		Source:          "behavior-engine",
		DetectedAt:      ts,
		FirstDetectedAt: ts,
		Evidence:        json.RawMessage(`{"observed":1500,"threshold":1000}`),
		RuleID:          ruleID,
		CreatedAt:       ts,
		UpdatedAt:       ts,
	}
}

func TestBreachStorage_BreachRoundTripAndList(t *testing.T) {
	s := setupTestDB(t)
	bs := NewSQLiteBreachStorage(s, zap.NewNop().Sugar())
	ctx := context.Background()

	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	b := newTestBreach("rule-1", now)
	b.AffectedResources = []string{"client-a"}
	require.NoError(t, bs.InsertBreach(ctx, b))

	other := newTestBreach("rule-2", now.Add(time.Minute))
	other.Title = "credential stuffing"
	other.Severity = core.SeverityCritical
	require.NoError(t, bs.InsertBreach(ctx, other))

	got, err := bs.GetBreach(ctx, b.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"observed":1500,"threshold":1000}`, string(got.Evidence))
	assert.Equal(t, []string{"client-a"}, got.AffectedResources)

	all, total, err := bs.ListBreaches(ctx, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)
	require.Len(t, all, 2)
	assert.Equal(t, other.ID, all[0].ID, "newest first")

	critical, total, err := bs.ListBreaches(ctx, &BreachFilters{Severity: core.SeverityCritical})
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	require.Len(t, critical, 1)
	assert.Equal(t, other.ID, critical[0].ID)
}

func TestBreachStorage_FindActiveBreach(t *testing.T) {
	s := setupTestDB(t)
	bs := NewSQLiteBreachStorage(s, zap.NewNop().Sugar())
	ctx := context.Background()

	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)

	resolved := newTestBreach("rule-1", now.Add(-30*time.Minute))
	resolved.Status = core.BreachStatusResolved
	require.NoError(t, bs.InsertBreach(ctx, resolved))

	// Resolved cases never absorb new detections
	_, err := bs.FindActiveBreachByRule(ctx, "rule-1", now.Add(-time.Hour))
	assert.ErrorIs(t, err, ErrNotFound)

	active := newTestBreach("rule-1", now.Add(-20*time.Minute))
	active.Status = core.BreachStatusInvestigating
	require.NoError(t, bs.InsertBreach(ctx, active))

	got, err := bs.FindActiveBreachByRule(ctx, "rule-1", now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, active.ID, got.ID)

	// Outside the dedup window
	_, err = bs.FindActiveBreachByRule(ctx, "rule-1", now.Add(-10*time.Minute))
	assert.ErrorIs(t, err, ErrNotFound)

	byTitle, err := bs.FindActiveBreachByTitle(ctx, active.Title, active.Source, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, active.ID, byTitle.ID)

	_, err = bs.FindActiveBreachByTitle(ctx, active.Title, "other-source", now.Add(-time.Hour))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBreachStorage_Stats(t *testing.T) {
	s := setupTestDB(t)
	bs := NewSQLiteBreachStorage(s, zap.NewNop().Sugar())
	ctx := context.Background()

	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	open := newTestBreach("rule-1", now)
	resolved := newTestBreach("rule-1", now.Add(time.Minute))
	resolved.Status = core.BreachStatusResolved
	resolved.Severity = core.SeverityMedium
	require.NoError(t, bs.InsertBreach(ctx, open))
	require.NoError(t, bs.InsertBreach(ctx, resolved))

	stats, err := bs.Stats(ctx, "")
	require.NoError(t, err)
	assert.EqualValues(t, 2, stats.Total)
	assert.EqualValues(t, 1, stats.ByStatus["open"])
	assert.EqualValues(t, 1, stats.ByStatus["resolved"])
	assert.EqualValues(t, 1, stats.BySeverity["high"])
	assert.EqualValues(t, 2, stats.ByDetection["behavior"])
	assert.EqualValues(t, 2, stats.BySource["behavior-engine"])
}

func TestBreachStorage_EventsOrdering(t *testing.T) {
	s := setupTestDB(t)
	bs := NewSQLiteBreachStorage(s, zap.NewNop().Sugar())
	ctx := context.Background()

	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	b := newTestBreach("rule-1", now)
	require.NoError(t, bs.InsertBreach(ctx, b))

	detection := &core.BreachEvent{
		ID:        uuid.NewString(),
		BreachID:  b.ID,
		Type:      core.BreachEventDetection,
		Detail:    json.RawMessage(`{"rule_id":"rule-1"}`),
		CreatedAt: now,
	}
	statusChange := &core.BreachEvent{
		ID:        uuid.NewString(),
		BreachID:  b.ID,
		Type:      core.BreachEventStatusChange,
		Actor:     "oncall",
		Detail:    json.RawMessage(`{"from":"open","to":"investigating"}`),
		CreatedAt: now.Add(time.Minute),
	}
	require.NoError(t, bs.InsertBreachEvent(ctx, detection))
	require.NoError(t, bs.InsertBreachEvent(ctx, statusChange))

	events, err := bs.GetBreachEvents(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, core.BreachEventDetection, events[0].Type)
	assert.Equal(t, core.BreachEventStatusChange, events[1].Type)
	assert.Equal(t, "oncall", events[1].Actor)
}

func TestBreachStorage_Indicators(t *testing.T) {
	s := setupTestDB(t)
	bs := NewSQLiteBreachStorage(s, zap.NewNop().Sugar())
	ctx := context.Background()

	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	b := newTestBreach("rule-1", now)
	require.NoError(t, bs.InsertBreach(ctx, b))

	ind := &core.Indicator{
		ID:        uuid.NewString(),
		Type:      "ip",
		Value:     "203.0.113.7",
		Severity:  core.SeverityHigh,
		CreatedAt: now,
	}
	require.NoError(t, bs.CreateIndicator(ctx, ind))

	// Same (type, value) is one indicator; the duplicate insert is ignored
	dup := *ind
	dup.ID = uuid.NewString()
	require.NoError(t, bs.CreateIndicator(ctx, &dup))

	got, err := bs.GetIndicatorByValue(ctx, "ip", "203.0.113.7")
	require.NoError(t, err)
	assert.Equal(t, ind.ID, got.ID)

	link := &core.IndicatorLink{
		ID:          uuid.NewString(),
		BreachID:    b.ID,
		IndicatorID: ind.ID,
		Confidence:  0.9,
		CreatedAt:   now,
	}
	require.NoError(t, bs.LinkIndicator(ctx, link))
	// Re-linking is idempotent
	require.NoError(t, bs.LinkIndicator(ctx, link))

	linked, err := bs.GetIndicatorsForBreach(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, linked, 1)
	assert.Equal(t, "203.0.113.7", linked[0].Value)
}
