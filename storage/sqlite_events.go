package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"argus/core"
	"go.uber.org/zap"
)

// SQLiteEventStorage persists the external event streams that signature
// and correlation rules search over
type SQLiteEventStorage struct {
	sqlite *SQLite
	logger *zap.SugaredLogger
}

// NewSQLiteEventStorage creates a new SQLite event storage handler
func NewSQLiteEventStorage(sqlite *SQLite, logger *zap.SugaredLogger) *SQLiteEventStorage {
	return &SQLiteEventStorage{sqlite: sqlite, logger: logger}
}

// InsertSecurityEvent records a pushed security event
func (es *SQLiteEventStorage) InsertSecurityEvent(ctx context.Context, e *core.SecurityEvent) error {
	details, err := marshalJSON(e.Details)
	if err != nil {
		return err
	}
	_, err = es.sqlite.WriteDB.ExecContext(ctx, `
		INSERT INTO security_events (id, event_type, severity, subject, address, message, details, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.EventType, string(e.Severity), e.Subject, e.Address, e.Message,
		details, fmtTime(e.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("failed to insert security event: %w", err)
	}
	return nil
}

// SearchSecurityEvents returns up to limit matching events newest first,
// plus the unbounded match count
func (es *SQLiteEventStorage) SearchSecurityEvents(ctx context.Context, p *core.SignaturePattern, since time.Time, limit int) ([]core.SecurityEvent, int64, error) {
	clauses := []string{"timestamp >= ?"}
	args := []interface{}{fmtTime(since)}
	if p != nil {
		if p.EventType != "" {
			clauses = append(clauses, "event_type = ?")
			args = append(args, p.EventType)
		}
		if p.Severity != "" {
			clauses = append(clauses, "severity = ?")
			args = append(args, string(p.Severity))
		}
		if p.Subject != "" {
			clauses = append(clauses, "subject = ?")
			args = append(args, p.Subject)
		}
		if p.Address != "" {
			clauses = append(clauses, "address = ?")
			args = append(args, p.Address)
		}
	}
	where := " WHERE " + strings.Join(clauses, " AND ")

	var total int64
	if err := es.sqlite.ReadDB.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM security_events"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count security events: %w", err)
	}

	rows, err := es.sqlite.ReadDB.QueryContext(ctx, `
		SELECT id, event_type, severity, subject, address, message, details, timestamp
		FROM security_events`+where+` ORDER BY timestamp DESC LIMIT ?`,
		append(args, limit)...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query security events: %w", err)
	}
	defer rows.Close()

	var events []core.SecurityEvent
	for rows.Next() {
		var e core.SecurityEvent
		var severity, details, ts string
		if err := rows.Scan(&e.ID, &e.EventType, &severity, &e.Subject, &e.Address,
			&e.Message, &details, &ts); err != nil {
			return nil, 0, fmt.Errorf("failed to scan security event: %w", err)
		}
		e.Severity = core.Severity(severity)
		if err := unmarshalJSON(details, &e.Details); err != nil {
			return nil, 0, fmt.Errorf("failed to parse details for event %s: %w", e.ID, err)
		}
		if e.Timestamp, err = parseTime(ts); err != nil {
			return nil, 0, fmt.Errorf("failed to parse timestamp for event %s: %w", e.ID, err)
		}
		events = append(events, e)
	}
	return events, total, rows.Err()
}

// InsertAccessViolation records a denied access-control check
func (es *SQLiteEventStorage) InsertAccessViolation(ctx context.Context, v *core.AccessViolation) error {
	_, err := es.sqlite.WriteDB.ExecContext(ctx, `
		INSERT INTO access_violations (id, subject, resource, action, address, reason, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.Subject, v.Resource, v.Action, v.Address, v.Reason, fmtTime(v.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("failed to insert access violation: %w", err)
	}
	return nil
}

// SearchAccessViolations returns up to limit matching violations newest
// first, plus the unbounded match count. The pattern's EventType matches
// the violated action.
func (es *SQLiteEventStorage) SearchAccessViolations(ctx context.Context, p *core.SignaturePattern, since time.Time, limit int) ([]core.AccessViolation, int64, error) {
	clauses := []string{"timestamp >= ?"}
	args := []interface{}{fmtTime(since)}
	if p != nil {
		if p.EventType != "" {
			clauses = append(clauses, "action = ?")
			args = append(args, p.EventType)
		}
		if p.Subject != "" {
			clauses = append(clauses, "subject = ?")
			args = append(args, p.Subject)
		}
		if p.Address != "" {
			clauses = append(clauses, "address = ?")
			args = append(args, p.Address)
		}
	}
	where := " WHERE " + strings.Join(clauses, " AND ")

	var total int64
	if err := es.sqlite.ReadDB.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM access_violations"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count access violations: %w", err)
	}

	rows, err := es.sqlite.ReadDB.QueryContext(ctx, `
		SELECT id, subject, resource, action, address, reason, timestamp
		FROM access_violations`+where+` ORDER BY timestamp DESC LIMIT ?`,
		append(args, limit)...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query access violations: %w", err)
	}
	defer rows.Close()

	var violations []core.AccessViolation
	for rows.Next() {
		var v core.AccessViolation
		var ts string
		err := rows.Scan(&v.ID, &v.Subject, &v.Resource, &v.Action, &v.Address, &v.Reason, &ts)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan access violation: %w", err)
		}
		if v.Timestamp, err = parseTime(ts); err != nil {
			return nil, 0, fmt.Errorf("failed to parse timestamp for violation %s: %w", v.ID, err)
		}
		violations = append(violations, v)
	}
	return violations, total, rows.Err()
}

// InsertTokenUsage records token issuance or use
func (es *SQLiteEventStorage) InsertTokenUsage(ctx context.Context, r *core.TokenUsageRecord) error {
	_, err := es.sqlite.WriteDB.ExecContext(ctx, `
		INSERT INTO token_usage (id, token_id, subject, address, request_count, denied, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.TokenID, r.Subject, r.Address, r.RequestCount, r.Denied, fmtTime(r.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("failed to insert token usage: %w", err)
	}
	return nil
}

// SearchTokenUsage returns up to limit matching usage records newest
// first, plus the unbounded match count. MinRequests and MaxRequests
// bound the per-record request counter; a pattern severity of high or
// above restricts the search to denied tokens.
func (es *SQLiteEventStorage) SearchTokenUsage(ctx context.Context, p *core.SignaturePattern, since time.Time, limit int) ([]core.TokenUsageRecord, int64, error) {
	clauses := []string{"timestamp >= ?"}
	args := []interface{}{fmtTime(since)}
	if p != nil {
		if p.Subject != "" {
			clauses = append(clauses, "subject = ?")
			args = append(args, p.Subject)
		}
		if p.Address != "" {
			clauses = append(clauses, "address = ?")
			args = append(args, p.Address)
		}
		if p.MinRequests > 0 {
			clauses = append(clauses, "request_count >= ?")
			args = append(args, p.MinRequests)
		}
		if p.MaxRequests > 0 {
			clauses = append(clauses, "request_count <= ?")
			args = append(args, p.MaxRequests)
		}
		if p.Severity.AtLeast(core.SeverityHigh) {
			clauses = append(clauses, "denied = 1")
		}
	}
	where := " WHERE " + strings.Join(clauses, " AND ")

	var total int64
	if err := es.sqlite.ReadDB.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM token_usage"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count token usage: %w", err)
	}

	rows, err := es.sqlite.ReadDB.QueryContext(ctx, `
		SELECT id, token_id, subject, address, request_count, denied, timestamp
		FROM token_usage`+where+` ORDER BY timestamp DESC LIMIT ?`,
		append(args, limit)...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query token usage: %w", err)
	}
	defer rows.Close()

	var records []core.TokenUsageRecord
	for rows.Next() {
		var r core.TokenUsageRecord
		var ts string
		err := rows.Scan(&r.ID, &r.TokenID, &r.Subject, &r.Address, &r.RequestCount, &r.Denied, &ts)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan token usage: %w", err)
		}
		if r.Timestamp, err = parseTime(ts); err != nil {
			return nil, 0, fmt.Errorf("failed to parse timestamp for record %s: %w", r.ID, err)
		}
		records = append(records, r)
	}
	return records, total, rows.Err()
}
