package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"argus/core"
	"go.uber.org/zap"
)

// SQLiteMetricStorage handles metric point persistence in SQLite
type SQLiteMetricStorage struct {
	sqlite *SQLite
	logger *zap.SugaredLogger
}

// NewSQLiteMetricStorage creates a new SQLite metric storage handler
func NewSQLiteMetricStorage(sqlite *SQLite, logger *zap.SugaredLogger) *SQLiteMetricStorage {
	return &SQLiteMetricStorage{sqlite: sqlite, logger: logger}
}

// InsertPoint appends one metric point
func (ms *SQLiteMetricStorage) InsertPoint(ctx context.Context, point *core.MetricPoint) error {
	dims, err := marshalJSON(point.Dimensions)
	if err != nil {
		return err
	}

	_, err = ms.sqlite.WriteDB.ExecContext(ctx, `
		INSERT INTO metric_points (id, metric, subject, value, timestamp, bucket, dimensions, source)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		point.ID, point.Metric, point.Subject, point.Value,
		fmtTime(point.Timestamp), string(point.Bucket), dims, point.Source,
	)
	if err != nil {
		return fmt.Errorf("failed to insert metric point: %w", err)
	}
	return nil
}

// QueryPoints returns raw points in the query range ordered by timestamp.
// Dimension equality filters are applied after scanning since dimensions
// are stored as a serialized map.
func (ms *SQLiteMetricStorage) QueryPoints(ctx context.Context, q *core.MetricQuery) ([]core.MetricPoint, error) {
	query := `
		SELECT id, metric, subject, value, timestamp, bucket, dimensions, source
		FROM metric_points
		WHERE metric = ? AND timestamp >= ? AND timestamp <= ?`
	args := []interface{}{q.Metric, fmtTime(q.Start), fmtTime(q.End)}
	if q.Subject != "" {
		query += " AND subject = ?"
		args = append(args, q.Subject)
	}
	query += " ORDER BY timestamp ASC"

	rows, err := ms.sqlite.ReadDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query metric points: %w", err)
	}
	defer rows.Close()

	var points []core.MetricPoint
	for rows.Next() {
		var p core.MetricPoint
		var ts, bucket, dims string
		if err := rows.Scan(&p.ID, &p.Metric, &p.Subject, &p.Value, &ts, &bucket, &dims, &p.Source); err != nil {
			return nil, fmt.Errorf("failed to scan metric point: %w", err)
		}
		p.Bucket = core.Bucket(bucket)
		if p.Timestamp, err = parseTime(ts); err != nil {
			return nil, fmt.Errorf("failed to parse timestamp for point %s: %w", p.ID, err)
		}
		if err := unmarshalJSON(dims, &p.Dimensions); err != nil {
			ms.logger.Warnw("Skipping metric point with malformed dimensions", "id", p.ID, "error", err)
			continue
		}
		if !matchDimensions(p.Dimensions, q.Dimensions) {
			continue
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

// matchDimensions reports whether point dims contain every filter entry
func matchDimensions(dims, filter map[string]string) bool {
	for k, v := range filter {
		if dims[k] != v {
			return false
		}
	}
	return true
}

// IncrementCounter atomically adds delta to the named counter. The add
// happens inside the database, so concurrent writers never lose updates.
func (ms *SQLiteMetricStorage) IncrementCounter(ctx context.Context, name string, delta float64) error {
	_, err := ms.sqlite.WriteDB.ExecContext(ctx, `
		INSERT INTO counters (name, value) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET value = value + excluded.value`,
		name, delta,
	)
	if err != nil {
		return fmt.Errorf("failed to increment counter %s: %w", name, err)
	}
	return nil
}

// GetCounter returns the current counter value, zero when absent
func (ms *SQLiteMetricStorage) GetCounter(ctx context.Context, name string) (float64, error) {
	var value float64
	err := ms.sqlite.ReadDB.QueryRowContext(ctx,
		"SELECT value FROM counters WHERE name = ?", name).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read counter %s: %w", name, err)
	}
	return value, nil
}
