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

// SQLiteAnomalyStorage handles anomaly detection config and anomaly
// record persistence in SQLite
type SQLiteAnomalyStorage struct {
	sqlite *SQLite
	logger *zap.SugaredLogger
}

// NewSQLiteAnomalyStorage creates a new SQLite anomaly storage handler
func NewSQLiteAnomalyStorage(sqlite *SQLite, logger *zap.SugaredLogger) *SQLiteAnomalyStorage {
	return &SQLiteAnomalyStorage{sqlite: sqlite, logger: logger}
}

const anomalyConfigColumns = `id, metric, subject, dimensions, algorithm, sensitivity,
	training_window_days, enabled, last_trained_at, created_at, updated_at`

// CreateConfig inserts a detection config
func (as *SQLiteAnomalyStorage) CreateConfig(ctx context.Context, cfg *core.AnomalyDetectionConfig) error {
	dims, err := marshalJSON(cfg.Dimensions)
	if err != nil {
		return err
	}
	_, err = as.sqlite.WriteDB.ExecContext(ctx, `
		INSERT INTO anomaly_configs (`+anomalyConfigColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cfg.ID, cfg.Metric, cfg.Subject, dims, string(cfg.Algorithm), cfg.Sensitivity,
		cfg.TrainingWindowDays, cfg.Enabled, fmtNullTime(cfg.LastTrainedAt),
		fmtTime(cfg.CreatedAt), fmtTime(cfg.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert anomaly config: %w", err)
	}
	return nil
}

func scanAnomalyConfig(scan func(...interface{}) error) (*core.AnomalyDetectionConfig, error) {
	var cfg core.AnomalyDetectionConfig
	var dims, algorithm, createdAt, updatedAt string
	var lastTrained sql.NullString
	err := scan(&cfg.ID, &cfg.Metric, &cfg.Subject, &dims, &algorithm, &cfg.Sensitivity,
		&cfg.TrainingWindowDays, &cfg.Enabled, &lastTrained, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	cfg.Algorithm = core.Algorithm(algorithm)
	if err := unmarshalJSON(dims, &cfg.Dimensions); err != nil {
		return nil, fmt.Errorf("failed to parse dimensions for config %s: %w", cfg.ID, err)
	}
	if cfg.LastTrainedAt, err = parseNullTime(lastTrained); err != nil {
		return nil, fmt.Errorf("failed to parse last_trained_at for config %s: %w", cfg.ID, err)
	}
	if cfg.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at for config %s: %w", cfg.ID, err)
	}
	if cfg.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("failed to parse updated_at for config %s: %w", cfg.ID, err)
	}
	return &cfg, nil
}

// GetConfig retrieves one detection config
func (as *SQLiteAnomalyStorage) GetConfig(ctx context.Context, id string) (*core.AnomalyDetectionConfig, error) {
	row := as.sqlite.ReadDB.QueryRowContext(ctx,
		"SELECT "+anomalyConfigColumns+" FROM anomaly_configs WHERE id = ?", id)
	cfg, err := scanAnomalyConfig(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return cfg, err
}

func (as *SQLiteAnomalyStorage) queryConfigs(ctx context.Context, query string, args ...interface{}) ([]core.AnomalyDetectionConfig, error) {
	rows, err := as.sqlite.ReadDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query anomaly configs: %w", err)
	}
	defer rows.Close()

	var configs []core.AnomalyDetectionConfig
	for rows.Next() {
		cfg, err := scanAnomalyConfig(rows.Scan)
		if err != nil {
			return nil, err
		}
		configs = append(configs, *cfg)
	}
	return configs, rows.Err()
}

// GetConfigs retrieves configs with pagination
func (as *SQLiteAnomalyStorage) GetConfigs(ctx context.Context, limit, offset int) ([]core.AnomalyDetectionConfig, error) {
	return as.queryConfigs(ctx,
		"SELECT "+anomalyConfigColumns+" FROM anomaly_configs ORDER BY created_at DESC LIMIT ? OFFSET ?",
		limit, offset)
}

// GetEnabledConfigs retrieves all enabled configs
func (as *SQLiteAnomalyStorage) GetEnabledConfigs(ctx context.Context) ([]core.AnomalyDetectionConfig, error) {
	return as.queryConfigs(ctx,
		"SELECT "+anomalyConfigColumns+" FROM anomaly_configs WHERE enabled = 1 ORDER BY created_at ASC")
}

// UpdateConfig replaces a detection config
func (as *SQLiteAnomalyStorage) UpdateConfig(ctx context.Context, id string, cfg *core.AnomalyDetectionConfig) error {
	dims, err := marshalJSON(cfg.Dimensions)
	if err != nil {
		return err
	}
	result, err := as.sqlite.WriteDB.ExecContext(ctx, `
		UPDATE anomaly_configs
		SET metric = ?, subject = ?, dimensions = ?, algorithm = ?, sensitivity = ?,
		    training_window_days = ?, enabled = ?, updated_at = ?
		WHERE id = ?`,
		cfg.Metric, cfg.Subject, dims, string(cfg.Algorithm), cfg.Sensitivity,
		cfg.TrainingWindowDays, cfg.Enabled, fmtTime(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update anomaly config: %w", err)
	}
	return requireRow(result)
}

// DeleteConfig removes a detection config
func (as *SQLiteAnomalyStorage) DeleteConfig(ctx context.Context, id string) error {
	result, err := as.sqlite.WriteDB.ExecContext(ctx, "DELETE FROM anomaly_configs WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete anomaly config: %w", err)
	}
	return requireRow(result)
}

// SetLastTrained records when a config's detection run completed
func (as *SQLiteAnomalyStorage) SetLastTrained(ctx context.Context, id string, trainedAt time.Time) error {
	result, err := as.sqlite.WriteDB.ExecContext(ctx,
		"UPDATE anomaly_configs SET last_trained_at = ? WHERE id = ?", fmtTime(trainedAt), id)
	if err != nil {
		return fmt.Errorf("failed to set last_trained_at: %w", err)
	}
	return requireRow(result)
}

const anomalyColumns = `id, config_id, metric, subject, timestamp, observed_value,
	expected_value, deviation, score, severity, status, event_ids, created_at`

// InsertAnomaly records a scored anomaly
func (as *SQLiteAnomalyStorage) InsertAnomaly(ctx context.Context, a *core.Anomaly) error {
	eventIDs, err := marshalJSON(a.EventIDs)
	if err != nil {
		return err
	}
	_, err = as.sqlite.WriteDB.ExecContext(ctx, `
		INSERT INTO anomalies (`+anomalyColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.ConfigID, a.Metric, a.Subject, fmtTime(a.Timestamp), a.ObservedValue,
		a.ExpectedValue, a.Deviation, a.Score, string(a.Severity), string(a.Status),
		eventIDs, fmtTime(a.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert anomaly: %w", err)
	}
	return nil
}

func scanAnomaly(scan func(...interface{}) error) (*core.Anomaly, error) {
	var a core.Anomaly
	var ts, severity, status, eventIDs, createdAt string
	err := scan(&a.ID, &a.ConfigID, &a.Metric, &a.Subject, &ts, &a.ObservedValue,
		&a.ExpectedValue, &a.Deviation, &a.Score, &severity, &status, &eventIDs, &createdAt)
	if err != nil {
		return nil, err
	}
	a.Severity = core.Severity(severity)
	a.Status = core.AnomalyStatus(status)
	if a.Timestamp, err = parseTime(ts); err != nil {
		return nil, fmt.Errorf("failed to parse timestamp for anomaly %s: %w", a.ID, err)
	}
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at for anomaly %s: %w", a.ID, err)
	}
	if err := unmarshalJSON(eventIDs, &a.EventIDs); err != nil {
		return nil, fmt.Errorf("failed to parse event_ids for anomaly %s: %w", a.ID, err)
	}
	return &a, nil
}

// FindRecentAnomaly returns the newest anomaly for (config, metric, subject)
// detected at or after since
func (as *SQLiteAnomalyStorage) FindRecentAnomaly(ctx context.Context, configID, metric, subject string, since time.Time) (*core.Anomaly, error) {
	row := as.sqlite.ReadDB.QueryRowContext(ctx, `
		SELECT `+anomalyColumns+` FROM anomalies
		WHERE config_id = ? AND metric = ? AND subject = ? AND timestamp >= ?
		ORDER BY timestamp DESC LIMIT 1`,
		configID, metric, subject, fmtTime(since))
	a, err := scanAnomaly(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return a, err
}

// GetOpenAnomalies returns open anomalies detected at or after since
func (as *SQLiteAnomalyStorage) GetOpenAnomalies(ctx context.Context, since time.Time) ([]core.Anomaly, error) {
	rows, err := as.sqlite.ReadDB.QueryContext(ctx, `
		SELECT `+anomalyColumns+` FROM anomalies
		WHERE status = ? AND timestamp >= ?
		ORDER BY timestamp DESC`,
		string(core.AnomalyStatusOpen), fmtTime(since))
	if err != nil {
		return nil, fmt.Errorf("failed to query open anomalies: %w", err)
	}
	defer rows.Close()

	var anomalies []core.Anomaly
	for rows.Next() {
		a, err := scanAnomaly(rows.Scan)
		if err != nil {
			return nil, err
		}
		anomalies = append(anomalies, *a)
	}
	return anomalies, rows.Err()
}

// UpdateAnomalyStatus moves an anomaly between open/acknowledged/dismissed
func (as *SQLiteAnomalyStorage) UpdateAnomalyStatus(ctx context.Context, id string, status core.AnomalyStatus) error {
	if !status.IsValid() {
		return fmt.Errorf("invalid anomaly status: %s", status)
	}
	result, err := as.sqlite.WriteDB.ExecContext(ctx,
		"UPDATE anomalies SET status = ? WHERE id = ?", string(status), id)
	if err != nil {
		return fmt.Errorf("failed to update anomaly status: %w", err)
	}
	return requireRow(result)
}

// requireRow converts a zero-row update/delete into ErrNotFound
func requireRow(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
