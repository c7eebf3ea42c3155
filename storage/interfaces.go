package storage

import (
	"context"
	"time"

	"argus/core"
)

// MetricStorageInterface defines the interface for metric point storage
type MetricStorageInterface interface {
	InsertPoint(ctx context.Context, point *core.MetricPoint) error
	// QueryPoints returns raw points matching the query's equality and
	// range filters, ordered by timestamp ascending. Bucketing and
	// aggregation happen in the metric service.
	QueryPoints(ctx context.Context, q *core.MetricQuery) ([]core.MetricPoint, error)
	// IncrementCounter atomically adds delta to a named counter
	IncrementCounter(ctx context.Context, name string, delta float64) error
	GetCounter(ctx context.Context, name string) (float64, error)
}

// AnomalyStorageInterface defines the interface for anomaly detection
// config and anomaly record storage
type AnomalyStorageInterface interface {
	CreateConfig(ctx context.Context, cfg *core.AnomalyDetectionConfig) error
	GetConfig(ctx context.Context, id string) (*core.AnomalyDetectionConfig, error)
	GetConfigs(ctx context.Context, limit, offset int) ([]core.AnomalyDetectionConfig, error)
	GetEnabledConfigs(ctx context.Context) ([]core.AnomalyDetectionConfig, error)
	UpdateConfig(ctx context.Context, id string, cfg *core.AnomalyDetectionConfig) error
	DeleteConfig(ctx context.Context, id string) error
	SetLastTrained(ctx context.Context, id string, trainedAt time.Time) error

	InsertAnomaly(ctx context.Context, a *core.Anomaly) error
	// FindRecentAnomaly returns the newest anomaly for (config, metric,
	// subject) detected at or after since, or ErrNotFound
	FindRecentAnomaly(ctx context.Context, configID, metric, subject string, since time.Time) (*core.Anomaly, error)
	GetOpenAnomalies(ctx context.Context, since time.Time) ([]core.Anomaly, error)
	UpdateAnomalyStatus(ctx context.Context, id string, status core.AnomalyStatus) error
}

// AlertStorageInterface defines the interface for alert definition and
// trigger history storage
type AlertStorageInterface interface {
	CreateDefinition(ctx context.Context, def *core.AlertDefinition) error
	GetDefinition(ctx context.Context, id string) (*core.AlertDefinition, error)
	GetDefinitions(ctx context.Context, limit, offset int) ([]core.AlertDefinition, error)
	GetEnabledDefinitions(ctx context.Context) ([]core.AlertDefinition, error)
	UpdateDefinition(ctx context.Context, id string, def *core.AlertDefinition) error
	DeleteDefinition(ctx context.Context, id string) error
	SetLastTriggered(ctx context.Context, id string, triggeredAt time.Time) error

	InsertHistory(ctx context.Context, h *core.AlertHistory) error
	GetHistoryEntry(ctx context.Context, id string) (*core.AlertHistory, error)
	GetHistory(ctx context.Context, definitionID string, limit, offset int) ([]core.AlertHistory, error)
	// FindUnresolvedSince returns the newest unresolved trigger for the
	// definition created at or after since, or ErrNotFound
	FindUnresolvedSince(ctx context.Context, definitionID string, since time.Time) (*core.AlertHistory, error)
	UpdateHistory(ctx context.Context, h *core.AlertHistory) error
}

// HealthStorageInterface defines the interface for health check
// definition and result storage
type HealthStorageInterface interface {
	CreateCheck(ctx context.Context, def *core.HealthCheckDefinition) error
	GetCheck(ctx context.Context, id string) (*core.HealthCheckDefinition, error)
	GetChecks(ctx context.Context) ([]core.HealthCheckDefinition, error)
	GetEnabledChecks(ctx context.Context) ([]core.HealthCheckDefinition, error)
	UpdateCheck(ctx context.Context, id string, def *core.HealthCheckDefinition) error
	DeleteCheck(ctx context.Context, id string) error

	InsertResult(ctx context.Context, r *core.HealthCheckResult) error
	// GetRecentResults returns the newest results for the check in
	// descending time order, at most limit rows
	GetRecentResults(ctx context.Context, checkID string, limit int) ([]core.HealthCheckResult, error)
	GetResultsSince(ctx context.Context, checkID string, since time.Time) ([]core.HealthCheckResult, error)
}

// BreachStorageInterface defines the interface for breach rule, case,
// audit trail and indicator storage
type BreachStorageInterface interface {
	CreateRule(ctx context.Context, rule *core.BreachDetectionRule) error
	GetRule(ctx context.Context, id string) (*core.BreachDetectionRule, error)
	GetRules(ctx context.Context, limit, offset int) ([]core.BreachDetectionRule, error)
	GetEnabledRules(ctx context.Context) ([]core.BreachDetectionRule, error)
	UpdateRule(ctx context.Context, id string, rule *core.BreachDetectionRule) error
	DeleteRule(ctx context.Context, id string) error

	InsertBreach(ctx context.Context, b *core.Breach) error
	GetBreach(ctx context.Context, id string) (*core.Breach, error)
	UpdateBreach(ctx context.Context, id string, b *core.Breach) error
	ListBreaches(ctx context.Context, f *BreachFilters) ([]core.Breach, int64, error)
	// FindActiveBreachByRule returns the newest open or investigating case
	// for the rule detected at or after since, or ErrNotFound
	FindActiveBreachByRule(ctx context.Context, ruleID string, since time.Time) (*core.Breach, error)
	// FindActiveBreachByTitle returns the newest open or investigating
	// case with the same title and source detected at or after since,
	// or ErrNotFound
	FindActiveBreachByTitle(ctx context.Context, title, source string, since time.Time) (*core.Breach, error)
	Stats(ctx context.Context, workspaceID string) (*core.BreachStats, error)

	InsertBreachEvent(ctx context.Context, e *core.BreachEvent) error
	GetBreachEvents(ctx context.Context, breachID string) ([]core.BreachEvent, error)

	CreateIndicator(ctx context.Context, ind *core.Indicator) error
	GetIndicatorByValue(ctx context.Context, indType, value string) (*core.Indicator, error)
	LinkIndicator(ctx context.Context, link *core.IndicatorLink) error
	GetIndicatorsForBreach(ctx context.Context, breachID string) ([]core.Indicator, error)
}

// BreachFilters narrows and paginates case listings
type BreachFilters struct {
	Status        core.BreachStatus
	Severity      core.Severity
	DetectionType core.BreachRuleType
	Source        string
	WorkspaceID   string
	Limit         int
	Offset        int
}

// EventStorageInterface defines the interface for the external event
// streams the signature and correlation rules search
type EventStorageInterface interface {
	InsertSecurityEvent(ctx context.Context, e *core.SecurityEvent) error
	SearchSecurityEvents(ctx context.Context, p *core.SignaturePattern, since time.Time, limit int) ([]core.SecurityEvent, int64, error)

	InsertAccessViolation(ctx context.Context, v *core.AccessViolation) error
	SearchAccessViolations(ctx context.Context, p *core.SignaturePattern, since time.Time, limit int) ([]core.AccessViolation, int64, error)

	InsertTokenUsage(ctx context.Context, r *core.TokenUsageRecord) error
	SearchTokenUsage(ctx context.Context, p *core.SignaturePattern, since time.Time, limit int) ([]core.TokenUsageRecord, int64, error)
}
