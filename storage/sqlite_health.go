package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"argus/core"
	"go.uber.org/zap"
)

// SQLiteHealthStorage handles health check definition and result
// persistence in SQLite
type SQLiteHealthStorage struct {
	sqlite *SQLite
	logger *zap.SugaredLogger
}

// NewSQLiteHealthStorage creates a new SQLite health storage handler
func NewSQLiteHealthStorage(sqlite *SQLite, logger *zap.SugaredLogger) *SQLiteHealthStorage {
	return &SQLiteHealthStorage{sqlite: sqlite, logger: logger}
}

const healthCheckColumns = `id, name, type, target, interval_seconds, timeout_seconds,
	method, headers, body, expected_status, driver, enabled, alert_threshold,
	alert_severity, created_at, updated_at`

// CreateCheck inserts a health check definition
func (hs *SQLiteHealthStorage) CreateCheck(ctx context.Context, def *core.HealthCheckDefinition) error {
	headers, err := marshalJSON(def.Headers)
	if err != nil {
		return err
	}
	_, err = hs.sqlite.WriteDB.ExecContext(ctx, `
		INSERT INTO health_checks (`+healthCheckColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		def.ID, def.Name, string(def.Type), def.Target,
		int64(def.Interval.Seconds()), int64(def.Timeout.Seconds()),
		def.Method, headers, def.Body, def.ExpectedStatus, def.Driver,
		def.Enabled, def.AlertThreshold, string(def.AlertSeverity),
		fmtTime(def.CreatedAt), fmtTime(def.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert health check: %w", err)
	}
	return nil
}

func scanHealthCheck(scan func(...interface{}) error) (*core.HealthCheckDefinition, error) {
	var def core.HealthCheckDefinition
	var probeType, headers, severity, createdAt, updatedAt string
	var intervalSec, timeoutSec int64
	err := scan(&def.ID, &def.Name, &probeType, &def.Target, &intervalSec, &timeoutSec,
		&def.Method, &headers, &def.Body, &def.ExpectedStatus, &def.Driver,
		&def.Enabled, &def.AlertThreshold, &severity, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	def.Type = core.ProbeType(probeType)
	def.AlertSeverity = core.Severity(severity)
	def.Interval = time.Duration(intervalSec) * time.Second
	def.Timeout = time.Duration(timeoutSec) * time.Second
	if err := unmarshalJSON(headers, &def.Headers); err != nil {
		return nil, fmt.Errorf("failed to parse headers for check %s: %w", def.ID, err)
	}
	if def.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at for check %s: %w", def.ID, err)
	}
	if def.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("failed to parse updated_at for check %s: %w", def.ID, err)
	}
	return &def, nil
}

// GetCheck retrieves one definition
func (hs *SQLiteHealthStorage) GetCheck(ctx context.Context, id string) (*core.HealthCheckDefinition, error) {
	row := hs.sqlite.ReadDB.QueryRowContext(ctx,
		"SELECT "+healthCheckColumns+" FROM health_checks WHERE id = ?", id)
	def, err := scanHealthCheck(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return def, err
}

func (hs *SQLiteHealthStorage) queryChecks(ctx context.Context, query string, args ...interface{}) ([]core.HealthCheckDefinition, error) {
	rows, err := hs.sqlite.ReadDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query health checks: %w", err)
	}
	defer rows.Close()

	var defs []core.HealthCheckDefinition
	for rows.Next() {
		def, err := scanHealthCheck(rows.Scan)
		if err != nil {
			return nil, err
		}
		defs = append(defs, *def)
	}
	return defs, rows.Err()
}

// GetChecks retrieves every definition
func (hs *SQLiteHealthStorage) GetChecks(ctx context.Context) ([]core.HealthCheckDefinition, error) {
	return hs.queryChecks(ctx,
		"SELECT "+healthCheckColumns+" FROM health_checks ORDER BY created_at ASC")
}

// GetEnabledChecks retrieves enabled definitions
func (hs *SQLiteHealthStorage) GetEnabledChecks(ctx context.Context) ([]core.HealthCheckDefinition, error) {
	return hs.queryChecks(ctx,
		"SELECT "+healthCheckColumns+" FROM health_checks WHERE enabled = 1 ORDER BY created_at ASC")
}

// UpdateCheck replaces a definition
func (hs *SQLiteHealthStorage) UpdateCheck(ctx context.Context, id string, def *core.HealthCheckDefinition) error {
	headers, err := marshalJSON(def.Headers)
	if err != nil {
		return err
	}
	result, err := hs.sqlite.WriteDB.ExecContext(ctx, `
		UPDATE health_checks
		SET name = ?, type = ?, target = ?, interval_seconds = ?, timeout_seconds = ?,
		    method = ?, headers = ?, body = ?, expected_status = ?, driver = ?,
		    enabled = ?, alert_threshold = ?, alert_severity = ?, updated_at = ?
		WHERE id = ?`,
		def.Name, string(def.Type), def.Target,
		int64(def.Interval.Seconds()), int64(def.Timeout.Seconds()),
		def.Method, headers, def.Body, def.ExpectedStatus, def.Driver,
		def.Enabled, def.AlertThreshold, string(def.AlertSeverity),
		fmtTime(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update health check: %w", err)
	}
	return requireRow(result)
}

// DeleteCheck removes a definition
func (hs *SQLiteHealthStorage) DeleteCheck(ctx context.Context, id string) error {
	result, err := hs.sqlite.WriteDB.ExecContext(ctx,
		"DELETE FROM health_checks WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete health check: %w", err)
	}
	return requireRow(result)
}

const healthResultColumns = `id, check_id, timestamp, outcome, response_time_ms,
	status_code, body, error`

// InsertResult appends one probe execution record
func (hs *SQLiteHealthStorage) InsertResult(ctx context.Context, r *core.HealthCheckResult) error {
	_, err := hs.sqlite.WriteDB.ExecContext(ctx, `
		INSERT INTO health_results (`+healthResultColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.CheckID, fmtTime(r.Timestamp), string(r.Outcome),
		r.ResponseTime.Milliseconds(), r.StatusCode, r.Body, r.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to insert health result: %w", err)
	}
	return nil
}

func scanHealthResult(scan func(...interface{}) error) (*core.HealthCheckResult, error) {
	var r core.HealthCheckResult
	var ts, outcome string
	var latencyMs int64
	err := scan(&r.ID, &r.CheckID, &ts, &outcome, &latencyMs, &r.StatusCode, &r.Body, &r.Error)
	if err != nil {
		return nil, err
	}
	r.Outcome = core.ProbeOutcome(outcome)
	r.ResponseTime = time.Duration(latencyMs) * time.Millisecond
	if r.Timestamp, err = parseTime(ts); err != nil {
		return nil, fmt.Errorf("failed to parse timestamp for result %s: %w", r.ID, err)
	}
	return &r, nil
}

func (hs *SQLiteHealthStorage) queryResults(ctx context.Context, query string, args ...interface{}) ([]core.HealthCheckResult, error) {
	rows, err := hs.sqlite.ReadDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query health results: %w", err)
	}
	defer rows.Close()

	var results []core.HealthCheckResult
	for rows.Next() {
		r, err := scanHealthResult(rows.Scan)
		if err != nil {
			return nil, err
		}
		results = append(results, *r)
	}
	return results, rows.Err()
}

// GetRecentResults returns the newest results in descending time order
func (hs *SQLiteHealthStorage) GetRecentResults(ctx context.Context, checkID string, limit int) ([]core.HealthCheckResult, error) {
	return hs.queryResults(ctx, `
		SELECT `+healthResultColumns+` FROM health_results
		WHERE check_id = ? ORDER BY timestamp DESC LIMIT ?`,
		checkID, limit)
}

// GetResultsSince returns results observed at or after since, ascending
func (hs *SQLiteHealthStorage) GetResultsSince(ctx context.Context, checkID string, since time.Time) ([]core.HealthCheckResult, error) {
	return hs.queryResults(ctx, `
		SELECT `+healthResultColumns+` FROM health_results
		WHERE check_id = ? AND timestamp >= ? ORDER BY timestamp ASC`,
		checkID, fmtTime(since))
}
