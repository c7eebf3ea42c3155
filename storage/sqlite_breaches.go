package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"argus/core"
	"go.uber.org/zap"
)

// SQLiteBreachStorage handles breach rule, case, audit trail and
// indicator persistence in SQLite
type SQLiteBreachStorage struct {
	sqlite *SQLite
	logger *zap.SugaredLogger
}

// NewSQLiteBreachStorage creates a new SQLite breach storage handler
func NewSQLiteBreachStorage(sqlite *SQLite, logger *zap.SugaredLogger) *SQLiteBreachStorage {
	return &SQLiteBreachStorage{sqlite: sqlite, logger: logger}
}

// ruleDefinition is the serialized tagged union of typed rule payloads.
// Exactly one variant is set, enforced by core.BreachDetectionRule.Validate
// before any write reaches storage.
type ruleDefinition struct {
	Behavior    *core.BehaviorRuleDef    `json:"behavior,omitempty"`
	Signature   *core.SignatureRuleDef   `json:"signature,omitempty"`
	Anomaly     *core.AnomalyRuleDef     `json:"anomaly,omitempty"`
	Correlation *core.CorrelationRuleDef `json:"correlation,omitempty"`
}

const breachRuleColumns = `id, name, description, type, severity, scope, workspace_id,
	enabled, eval_interval_seconds, definition, created_at, updated_at`

// CreateRule inserts a breach detection rule
func (bs *SQLiteBreachStorage) CreateRule(ctx context.Context, rule *core.BreachDetectionRule) error {
	def, err := marshalJSON(ruleDefinition{
		Behavior:    rule.Behavior,
		Signature:   rule.Signature,
		Anomaly:     rule.Anomaly,
		Correlation: rule.Correlation,
	})
	if err != nil {
		return err
	}
	_, err = bs.sqlite.WriteDB.ExecContext(ctx, `
		INSERT INTO breach_rules (`+breachRuleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rule.ID, rule.Name, rule.Description, string(rule.Type), string(rule.Severity),
		string(rule.Scope), rule.WorkspaceID, rule.Enabled,
		int64(rule.EvalInterval.Seconds()), def,
		fmtTime(rule.CreatedAt), fmtTime(rule.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert breach rule: %w", err)
	}
	return nil
}

func scanBreachRule(scan func(...interface{}) error) (*core.BreachDetectionRule, error) {
	var rule core.BreachDetectionRule
	var ruleType, severity, scope, def, createdAt, updatedAt string
	var intervalSec int64
	err := scan(&rule.ID, &rule.Name, &rule.Description, &ruleType, &severity, &scope,
		&rule.WorkspaceID, &rule.Enabled, &intervalSec, &def, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	rule.Type = core.BreachRuleType(ruleType)
	rule.Severity = core.Severity(severity)
	rule.Scope = core.BreachRuleScope(scope)
	rule.EvalInterval = time.Duration(intervalSec) * time.Second

	var rd ruleDefinition
	if err := unmarshalJSON(def, &rd); err != nil {
		return nil, fmt.Errorf("failed to parse definition for rule %s: %w", rule.ID, err)
	}
	rule.Behavior = rd.Behavior
	rule.Signature = rd.Signature
	rule.Anomaly = rd.Anomaly
	rule.Correlation = rd.Correlation

	if rule.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at for rule %s: %w", rule.ID, err)
	}
	if rule.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("failed to parse updated_at for rule %s: %w", rule.ID, err)
	}
	return &rule, nil
}

// GetRule retrieves one rule
func (bs *SQLiteBreachStorage) GetRule(ctx context.Context, id string) (*core.BreachDetectionRule, error) {
	row := bs.sqlite.ReadDB.QueryRowContext(ctx,
		"SELECT "+breachRuleColumns+" FROM breach_rules WHERE id = ?", id)
	rule, err := scanBreachRule(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rule, err
}

func (bs *SQLiteBreachStorage) queryRules(ctx context.Context, query string, args ...interface{}) ([]core.BreachDetectionRule, error) {
	rows, err := bs.sqlite.ReadDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query breach rules: %w", err)
	}
	defer rows.Close()

	var rules []core.BreachDetectionRule
	for rows.Next() {
		rule, err := scanBreachRule(rows.Scan)
		if err != nil {
			return nil, err
		}
		rules = append(rules, *rule)
	}
	return rules, rows.Err()
}

// GetRules retrieves rules with pagination
func (bs *SQLiteBreachStorage) GetRules(ctx context.Context, limit, offset int) ([]core.BreachDetectionRule, error) {
	return bs.queryRules(ctx,
		"SELECT "+breachRuleColumns+" FROM breach_rules ORDER BY created_at DESC LIMIT ? OFFSET ?",
		limit, offset)
}

// GetEnabledRules retrieves all enabled rules
func (bs *SQLiteBreachStorage) GetEnabledRules(ctx context.Context) ([]core.BreachDetectionRule, error) {
	return bs.queryRules(ctx,
		"SELECT "+breachRuleColumns+" FROM breach_rules WHERE enabled = 1 ORDER BY created_at ASC")
}

// UpdateRule replaces a rule
func (bs *SQLiteBreachStorage) UpdateRule(ctx context.Context, id string, rule *core.BreachDetectionRule) error {
	def, err := marshalJSON(ruleDefinition{
		Behavior:    rule.Behavior,
		Signature:   rule.Signature,
		Anomaly:     rule.Anomaly,
		Correlation: rule.Correlation,
	})
	if err != nil {
		return err
	}
	result, err := bs.sqlite.WriteDB.ExecContext(ctx, `
		UPDATE breach_rules
		SET name = ?, description = ?, type = ?, severity = ?, scope = ?, workspace_id = ?,
		    enabled = ?, eval_interval_seconds = ?, definition = ?, updated_at = ?
		WHERE id = ?`,
		rule.Name, rule.Description, string(rule.Type), string(rule.Severity),
		string(rule.Scope), rule.WorkspaceID, rule.Enabled,
		int64(rule.EvalInterval.Seconds()), def, fmtTime(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update breach rule: %w", err)
	}
	return requireRow(result)
}

// DeleteRule removes a rule
func (bs *SQLiteBreachStorage) DeleteRule(ctx context.Context, id string) error {
	result, err := bs.sqlite.WriteDB.ExecContext(ctx, "DELETE FROM breach_rules WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete breach rule: %w", err)
	}
	return requireRow(result)
}

const breachColumns = `id, title, description, detection_type, severity, status, source,
	detected_at, first_detected_at, evidence, rule_id, workspace_id, assigned_to,
	affected_resources, created_at, updated_at`

// InsertBreach inserts a case
func (bs *SQLiteBreachStorage) InsertBreach(ctx context.Context, b *core.Breach) error {
	resources, err := marshalJSON(b.AffectedResources)
	if err != nil {
		return err
	}
	evidence := "{}"
	if len(b.Evidence) > 0 {
		evidence = string(b.Evidence)
	}
	_, err = bs.sqlite.WriteDB.ExecContext(ctx, `
		INSERT INTO breaches (`+breachColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.Title, b.Description, string(b.DetectionType), string(b.Severity),
		string(b.Status), b.Source, fmtTime(b.DetectedAt), fmtTime(b.FirstDetectedAt),
		evidence, b.RuleID, b.WorkspaceID, b.AssignedTo, resources,
		fmtTime(b.CreatedAt), fmtTime(b.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert breach: %w", err)
	}
	return nil
}

func scanBreach(scan func(...interface{}) error) (*core.Breach, error) {
	var b core.Breach
	var detectionType, severity, status, detectedAt, firstDetectedAt string
	var evidence, resources, createdAt, updatedAt string
	err := scan(&b.ID, &b.Title, &b.Description, &detectionType, &severity, &status,
		&b.Source, &detectedAt, &firstDetectedAt, &evidence, &b.RuleID, &b.WorkspaceID,
		&b.AssignedTo, &resources, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	b.DetectionType = core.BreachRuleType(detectionType)
	b.Severity = core.Severity(severity)
	b.Status = core.BreachStatus(status)
	b.Evidence = []byte(evidence)
	if err := unmarshalJSON(resources, &b.AffectedResources); err != nil {
		return nil, fmt.Errorf("failed to parse affected_resources for breach %s: %w", b.ID, err)
	}
	if b.DetectedAt, err = parseTime(detectedAt); err != nil {
		return nil, fmt.Errorf("failed to parse detected_at for breach %s: %w", b.ID, err)
	}
	if b.FirstDetectedAt, err = parseTime(firstDetectedAt); err != nil {
		return nil, fmt.Errorf("failed to parse first_detected_at for breach %s: %w", b.ID, err)
	}
	if b.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at for breach %s: %w", b.ID, err)
	}
	if b.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("failed to parse updated_at for breach %s: %w", b.ID, err)
	}
	return &b, nil
}

// GetBreach retrieves one case
func (bs *SQLiteBreachStorage) GetBreach(ctx context.Context, id string) (*core.Breach, error) {
	row := bs.sqlite.ReadDB.QueryRowContext(ctx,
		"SELECT "+breachColumns+" FROM breaches WHERE id = ?", id)
	b, err := scanBreach(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return b, err
}

// UpdateBreach replaces mutable case fields
func (bs *SQLiteBreachStorage) UpdateBreach(ctx context.Context, id string, b *core.Breach) error {
	resources, err := marshalJSON(b.AffectedResources)
	if err != nil {
		return err
	}
	evidence := "{}"
	if len(b.Evidence) > 0 {
		evidence = string(b.Evidence)
	}
	result, err := bs.sqlite.WriteDB.ExecContext(ctx, `
		UPDATE breaches
		SET title = ?, description = ?, severity = ?, status = ?, detected_at = ?,
		    evidence = ?, assigned_to = ?, affected_resources = ?, updated_at = ?
		WHERE id = ?`,
		b.Title, b.Description, string(b.Severity), string(b.Status),
		fmtTime(b.DetectedAt), evidence, b.AssignedTo, resources,
		fmtTime(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update breach: %w", err)
	}
	return requireRow(result)
}

// ListBreaches returns filtered cases plus the unpaginated total
func (bs *SQLiteBreachStorage) ListBreaches(ctx context.Context, f *BreachFilters) ([]core.Breach, int64, error) {
	if f == nil {
		f = &BreachFilters{}
	}
	var clauses []string
	var args []interface{}
	if f.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Severity != "" {
		clauses = append(clauses, "severity = ?")
		args = append(args, string(f.Severity))
	}
	if f.DetectionType != "" {
		clauses = append(clauses, "detection_type = ?")
		args = append(args, string(f.DetectionType))
	}
	if f.Source != "" {
		clauses = append(clauses, "source = ?")
		args = append(args, f.Source)
	}
	if f.WorkspaceID != "" {
		clauses = append(clauses, "workspace_id = ?")
		args = append(args, f.WorkspaceID)
	}
	where := ""
	if len(clauses) > 0 {
		where = " WHERE " + strings.Join(clauses, " AND ")
	}

	var total int64
	if err := bs.sqlite.ReadDB.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM breaches"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count breaches: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query := "SELECT " + breachColumns + " FROM breaches" + where +
		" ORDER BY detected_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, f.Offset)

	rows, err := bs.sqlite.ReadDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query breaches: %w", err)
	}
	defer rows.Close()

	var breaches []core.Breach
	for rows.Next() {
		b, err := scanBreach(rows.Scan)
		if err != nil {
			return nil, 0, err
		}
		breaches = append(breaches, *b)
	}
	return breaches, total, rows.Err()
}

// FindActiveBreachByRule returns the newest open/investigating case for
// the rule detected at or after since
func (bs *SQLiteBreachStorage) FindActiveBreachByRule(ctx context.Context, ruleID string, since time.Time) (*core.Breach, error) {
	row := bs.sqlite.ReadDB.QueryRowContext(ctx, `
		SELECT `+breachColumns+` FROM breaches
		WHERE rule_id = ? AND status IN (?, ?) AND detected_at >= ?
		ORDER BY detected_at DESC LIMIT 1`,
		ruleID, string(core.BreachStatusOpen), string(core.BreachStatusInvestigating),
		fmtTime(since))
	b, err := scanBreach(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return b, err
}

// FindActiveBreachByTitle returns the newest open/investigating case with
// the same title and source detected at or after since
func (bs *SQLiteBreachStorage) FindActiveBreachByTitle(ctx context.Context, title, source string, since time.Time) (*core.Breach, error) {
	row := bs.sqlite.ReadDB.QueryRowContext(ctx, `
		SELECT `+breachColumns+` FROM breaches
		WHERE title = ? AND source = ? AND status IN (?, ?) AND detected_at >= ?
		ORDER BY detected_at DESC LIMIT 1`,
		title, source, string(core.BreachStatusOpen), string(core.BreachStatusInvestigating),
		fmtTime(since))
	b, err := scanBreach(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return b, err
}

// Stats aggregates case counts by status, severity, detection type and source
func (bs *SQLiteBreachStorage) Stats(ctx context.Context, workspaceID string) (*core.BreachStats, error) {
	stats := &core.BreachStats{
		ByStatus:    make(map[string]int64),
		BySeverity:  make(map[string]int64),
		ByDetection: make(map[string]int64),
		BySource:    make(map[string]int64),
	}

	where := ""
	var args []interface{}
	if workspaceID != "" {
		where = " WHERE workspace_id = ?"
		args = append(args, workspaceID)
	}

	if err := bs.sqlite.ReadDB.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM breaches"+where, args...).Scan(&stats.Total); err != nil {
		return nil, fmt.Errorf("failed to count breaches: %w", err)
	}

	for column, target := range map[string]map[string]int64{
		"status":         stats.ByStatus,
		"severity":       stats.BySeverity,
		"detection_type": stats.ByDetection,
		"source":         stats.BySource,
	} {
		rows, err := bs.sqlite.ReadDB.QueryContext(ctx,
			"SELECT "+column+", COUNT(*) FROM breaches"+where+" GROUP BY "+column, args...)
		if err != nil {
			return nil, fmt.Errorf("failed to aggregate breaches by %s: %w", column, err)
		}
		for rows.Next() {
			var key string
			var count int64
			if err := rows.Scan(&key, &count); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan %s aggregate: %w", column, err)
			}
			target[key] = count
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, err
		}
		rows.Close()
	}
	return stats, nil
}

// InsertBreachEvent appends an audit trail entry to a case
func (bs *SQLiteBreachStorage) InsertBreachEvent(ctx context.Context, e *core.BreachEvent) error {
	detail := "{}"
	if len(e.Detail) > 0 {
		detail = string(e.Detail)
	}
	_, err := bs.sqlite.WriteDB.ExecContext(ctx, `
		INSERT INTO breach_events (id, breach_id, type, actor, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.BreachID, string(e.Type), e.Actor, detail, fmtTime(e.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert breach event: %w", err)
	}
	return nil
}

// GetBreachEvents returns the audit trail for a case, oldest first
func (bs *SQLiteBreachStorage) GetBreachEvents(ctx context.Context, breachID string) ([]core.BreachEvent, error) {
	rows, err := bs.sqlite.ReadDB.QueryContext(ctx, `
		SELECT id, breach_id, type, actor, detail, created_at
		FROM breach_events WHERE breach_id = ? ORDER BY created_at ASC`,
		breachID)
	if err != nil {
		return nil, fmt.Errorf("failed to query breach events: %w", err)
	}
	defer rows.Close()

	var events []core.BreachEvent
	for rows.Next() {
		var e core.BreachEvent
		var eventType, detail, createdAt string
		if err := rows.Scan(&e.ID, &e.BreachID, &eventType, &e.Actor, &detail, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan breach event: %w", err)
		}
		e.Type = core.BreachEventType(eventType)
		e.Detail = []byte(detail)
		if e.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("failed to parse created_at for event %s: %w", e.ID, err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// CreateIndicator inserts an indicator, ignoring an existing (type, value)
func (bs *SQLiteBreachStorage) CreateIndicator(ctx context.Context, ind *core.Indicator) error {
	_, err := bs.sqlite.WriteDB.ExecContext(ctx, `
		INSERT INTO indicators (id, type, value, severity, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(type, value) DO NOTHING`,
		ind.ID, ind.Type, ind.Value, string(ind.Severity), fmtTime(ind.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert indicator: %w", err)
	}
	return nil
}

// GetIndicatorByValue retrieves an indicator by its (type, value) identity
func (bs *SQLiteBreachStorage) GetIndicatorByValue(ctx context.Context, indType, value string) (*core.Indicator, error) {
	var ind core.Indicator
	var severity, createdAt string
	err := bs.sqlite.ReadDB.QueryRowContext(ctx, `
		SELECT id, type, value, severity, created_at
		FROM indicators WHERE type = ? AND value = ?`,
		indType, value).Scan(&ind.ID, &ind.Type, &ind.Value, &severity, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query indicator: %w", err)
	}
	ind.Severity = core.Severity(severity)
	if ind.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at for indicator %s: %w", ind.ID, err)
	}
	return &ind, nil
}

// LinkIndicator ties an indicator to a case; re-linking is a no-op
func (bs *SQLiteBreachStorage) LinkIndicator(ctx context.Context, link *core.IndicatorLink) error {
	_, err := bs.sqlite.WriteDB.ExecContext(ctx, `
		INSERT INTO indicator_links (id, breach_id, indicator_id, confidence, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(breach_id, indicator_id) DO UPDATE SET confidence = excluded.confidence`,
		link.ID, link.BreachID, link.IndicatorID, link.Confidence, fmtTime(link.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to link indicator: %w", err)
	}
	return nil
}

// GetIndicatorsForBreach returns indicators linked to a case
func (bs *SQLiteBreachStorage) GetIndicatorsForBreach(ctx context.Context, breachID string) ([]core.Indicator, error) {
	rows, err := bs.sqlite.ReadDB.QueryContext(ctx, `
		SELECT i.id, i.type, i.value, i.severity, i.created_at
		FROM indicators i
		JOIN indicator_links l ON l.indicator_id = i.id
		WHERE l.breach_id = ?
		ORDER BY i.created_at ASC`,
		breachID)
	if err != nil {
		return nil, fmt.Errorf("failed to query indicators: %w", err)
	}
	defer rows.Close()

	var indicators []core.Indicator
	for rows.Next() {
		var ind core.Indicator
		var severity, createdAt string
		if err := rows.Scan(&ind.ID, &ind.Type, &ind.Value, &severity, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan indicator: %w", err)
		}
		ind.Severity = core.Severity(severity)
		if ind.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("failed to parse created_at for indicator %s: %w", ind.ID, err)
		}
		indicators = append(indicators, ind)
	}
	return indicators, rows.Err()
}
