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

// SQLiteAlertStorage handles alert definition and trigger history
// persistence in SQLite
type SQLiteAlertStorage struct {
	sqlite *SQLite
	logger *zap.SugaredLogger
}

// NewSQLiteAlertStorage creates a new SQLite alert storage handler
func NewSQLiteAlertStorage(sqlite *SQLite, logger *zap.SugaredLogger) *SQLiteAlertStorage {
	return &SQLiteAlertStorage{sqlite: sqlite, logger: logger}
}

const alertDefColumns = `id, name, metric, operator, threshold, sustain_for_seconds,
	severity, enabled, channels, notify_users, dimensions, last_triggered_at,
	created_at, updated_at`

// CreateDefinition inserts an alert definition
func (als *SQLiteAlertStorage) CreateDefinition(ctx context.Context, def *core.AlertDefinition) error {
	channels, err := marshalJSON(def.Channels)
	if err != nil {
		return err
	}
	users, err := marshalJSON(def.NotifyUsers)
	if err != nil {
		return err
	}
	dims, err := marshalJSON(def.Dimensions)
	if err != nil {
		return err
	}
	_, err = als.sqlite.WriteDB.ExecContext(ctx, `
		INSERT INTO alert_definitions (`+alertDefColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		def.ID, def.Name, def.Metric, string(def.Operator), def.Threshold,
		int64(def.SustainFor.Seconds()), string(def.Severity), def.Enabled,
		channels, users, dims, fmtNullTime(def.LastTriggeredAt),
		fmtTime(def.CreatedAt), fmtTime(def.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert alert definition: %w", err)
	}
	return nil
}

func scanAlertDefinition(scan func(...interface{}) error) (*core.AlertDefinition, error) {
	var def core.AlertDefinition
	var operator, severity, channels, users, dims, createdAt, updatedAt string
	var sustainSeconds int64
	var lastTriggered sql.NullString
	err := scan(&def.ID, &def.Name, &def.Metric, &operator, &def.Threshold,
		&sustainSeconds, &severity, &def.Enabled, &channels, &users, &dims,
		&lastTriggered, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	def.Operator = core.Operator(operator)
	def.Severity = core.Severity(severity)
	def.SustainFor = time.Duration(sustainSeconds) * time.Second
	if err := unmarshalJSON(channels, &def.Channels); err != nil {
		return nil, fmt.Errorf("failed to parse channels for definition %s: %w", def.ID, err)
	}
	if err := unmarshalJSON(users, &def.NotifyUsers); err != nil {
		return nil, fmt.Errorf("failed to parse notify_users for definition %s: %w", def.ID, err)
	}
	if err := unmarshalJSON(dims, &def.Dimensions); err != nil {
		return nil, fmt.Errorf("failed to parse dimensions for definition %s: %w", def.ID, err)
	}
	if def.LastTriggeredAt, err = parseNullTime(lastTriggered); err != nil {
		return nil, fmt.Errorf("failed to parse last_triggered_at for definition %s: %w", def.ID, err)
	}
	if def.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at for definition %s: %w", def.ID, err)
	}
	if def.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("failed to parse updated_at for definition %s: %w", def.ID, err)
	}
	return &def, nil
}

// GetDefinition retrieves one alert definition
func (als *SQLiteAlertStorage) GetDefinition(ctx context.Context, id string) (*core.AlertDefinition, error) {
	row := als.sqlite.ReadDB.QueryRowContext(ctx,
		"SELECT "+alertDefColumns+" FROM alert_definitions WHERE id = ?", id)
	def, err := scanAlertDefinition(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return def, err
}

func (als *SQLiteAlertStorage) queryDefinitions(ctx context.Context, query string, args ...interface{}) ([]core.AlertDefinition, error) {
	rows, err := als.sqlite.ReadDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query alert definitions: %w", err)
	}
	defer rows.Close()

	var defs []core.AlertDefinition
	for rows.Next() {
		def, err := scanAlertDefinition(rows.Scan)
		if err != nil {
			return nil, err
		}
		defs = append(defs, *def)
	}
	return defs, rows.Err()
}

// GetDefinitions retrieves definitions with pagination
func (als *SQLiteAlertStorage) GetDefinitions(ctx context.Context, limit, offset int) ([]core.AlertDefinition, error) {
	return als.queryDefinitions(ctx,
		"SELECT "+alertDefColumns+" FROM alert_definitions ORDER BY created_at DESC LIMIT ? OFFSET ?",
		limit, offset)
}

// GetEnabledDefinitions retrieves all enabled definitions
func (als *SQLiteAlertStorage) GetEnabledDefinitions(ctx context.Context) ([]core.AlertDefinition, error) {
	return als.queryDefinitions(ctx,
		"SELECT "+alertDefColumns+" FROM alert_definitions WHERE enabled = 1 ORDER BY created_at ASC")
}

// UpdateDefinition replaces an alert definition
func (als *SQLiteAlertStorage) UpdateDefinition(ctx context.Context, id string, def *core.AlertDefinition) error {
	channels, err := marshalJSON(def.Channels)
	if err != nil {
		return err
	}
	users, err := marshalJSON(def.NotifyUsers)
	if err != nil {
		return err
	}
	dims, err := marshalJSON(def.Dimensions)
	if err != nil {
		return err
	}
	result, err := als.sqlite.WriteDB.ExecContext(ctx, `
		UPDATE alert_definitions
		SET name = ?, metric = ?, operator = ?, threshold = ?, sustain_for_seconds = ?,
		    severity = ?, enabled = ?, channels = ?, notify_users = ?, dimensions = ?,
		    updated_at = ?
		WHERE id = ?`,
		def.Name, def.Metric, string(def.Operator), def.Threshold,
		int64(def.SustainFor.Seconds()), string(def.Severity), def.Enabled,
		channels, users, dims, fmtTime(time.Now()), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update alert definition: %w", err)
	}
	return requireRow(result)
}

// DeleteDefinition removes an alert definition
func (als *SQLiteAlertStorage) DeleteDefinition(ctx context.Context, id string) error {
	result, err := als.sqlite.WriteDB.ExecContext(ctx,
		"DELETE FROM alert_definitions WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete alert definition: %w", err)
	}
	return requireRow(result)
}

// SetLastTriggered records the latest trigger time on the definition
func (als *SQLiteAlertStorage) SetLastTriggered(ctx context.Context, id string, triggeredAt time.Time) error {
	result, err := als.sqlite.WriteDB.ExecContext(ctx,
		"UPDATE alert_definitions SET last_triggered_at = ? WHERE id = ?",
		fmtTime(triggeredAt), id)
	if err != nil {
		return fmt.Errorf("failed to set last_triggered_at: %w", err)
	}
	return requireRow(result)
}

const alertHistoryColumns = `id, definition_id, triggered_at, observed_value, message,
	acknowledged_at, acknowledged_by, resolved_at, resolved_by, notes`

// InsertHistory records one alert trigger
func (als *SQLiteAlertStorage) InsertHistory(ctx context.Context, h *core.AlertHistory) error {
	_, err := als.sqlite.WriteDB.ExecContext(ctx, `
		INSERT INTO alert_history (`+alertHistoryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		h.ID, h.DefinitionID, fmtTime(h.TriggeredAt), h.ObservedValue, h.Message,
		fmtNullTime(h.AcknowledgedAt), h.AcknowledgedBy,
		fmtNullTime(h.ResolvedAt), h.ResolvedBy, h.Notes,
	)
	if err != nil {
		return fmt.Errorf("failed to insert alert history: %w", err)
	}
	return nil
}

func scanAlertHistory(scan func(...interface{}) error) (*core.AlertHistory, error) {
	var h core.AlertHistory
	var triggeredAt string
	var ackAt, resAt sql.NullString
	err := scan(&h.ID, &h.DefinitionID, &triggeredAt, &h.ObservedValue, &h.Message,
		&ackAt, &h.AcknowledgedBy, &resAt, &h.ResolvedBy, &h.Notes)
	if err != nil {
		return nil, err
	}
	if h.TriggeredAt, err = parseTime(triggeredAt); err != nil {
		return nil, fmt.Errorf("failed to parse triggered_at for history %s: %w", h.ID, err)
	}
	if h.AcknowledgedAt, err = parseNullTime(ackAt); err != nil {
		return nil, fmt.Errorf("failed to parse acknowledged_at for history %s: %w", h.ID, err)
	}
	if h.ResolvedAt, err = parseNullTime(resAt); err != nil {
		return nil, fmt.Errorf("failed to parse resolved_at for history %s: %w", h.ID, err)
	}
	return &h, nil
}

// GetHistoryEntry retrieves one trigger record
func (als *SQLiteAlertStorage) GetHistoryEntry(ctx context.Context, id string) (*core.AlertHistory, error) {
	row := als.sqlite.ReadDB.QueryRowContext(ctx,
		"SELECT "+alertHistoryColumns+" FROM alert_history WHERE id = ?", id)
	h, err := scanAlertHistory(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return h, err
}

// GetHistory retrieves trigger records for a definition, newest first.
// An empty definitionID returns history across all definitions.
func (als *SQLiteAlertStorage) GetHistory(ctx context.Context, definitionID string, limit, offset int) ([]core.AlertHistory, error) {
	query := "SELECT " + alertHistoryColumns + " FROM alert_history"
	args := []interface{}{}
	if definitionID != "" {
		query += " WHERE definition_id = ?"
		args = append(args, definitionID)
	}
	query += " ORDER BY triggered_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := als.sqlite.ReadDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query alert history: %w", err)
	}
	defer rows.Close()

	var history []core.AlertHistory
	for rows.Next() {
		h, err := scanAlertHistory(rows.Scan)
		if err != nil {
			return nil, err
		}
		history = append(history, *h)
	}
	return history, rows.Err()
}

// FindUnresolvedSince returns the newest unresolved trigger for the
// definition created at or after since
func (als *SQLiteAlertStorage) FindUnresolvedSince(ctx context.Context, definitionID string, since time.Time) (*core.AlertHistory, error) {
	row := als.sqlite.ReadDB.QueryRowContext(ctx, `
		SELECT `+alertHistoryColumns+` FROM alert_history
		WHERE definition_id = ? AND triggered_at >= ? AND resolved_at IS NULL
		ORDER BY triggered_at DESC LIMIT 1`,
		definitionID, fmtTime(since))
	h, err := scanAlertHistory(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return h, err
}

// UpdateHistory persists acknowledgement/resolution fields
func (als *SQLiteAlertStorage) UpdateHistory(ctx context.Context, h *core.AlertHistory) error {
	result, err := als.sqlite.WriteDB.ExecContext(ctx, `
		UPDATE alert_history
		SET acknowledged_at = ?, acknowledged_by = ?, resolved_at = ?, resolved_by = ?, notes = ?
		WHERE id = ?`,
		fmtNullTime(h.AcknowledgedAt), h.AcknowledgedBy,
		fmtNullTime(h.ResolvedAt), h.ResolvedBy, h.Notes, h.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update alert history: %w", err)
	}
	return requireRow(result)
}
