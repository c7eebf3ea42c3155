package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// timeLayout is fixed-width UTC with nanosecond precision so
// lexicographic comparison of stored timestamps matches chronological
// order. RFC3339Nano would trim trailing zeros and break that.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func fmtTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		// Tolerate second-precision values written by external tooling
		t, err = time.Parse(time.RFC3339, s)
	}
	return t, err
}

func fmtNullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: fmtTime(*t), Valid: true}
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// maxJSONFieldSize caps serialized row fields to keep malformed rows from
// exhausting memory on read
const maxJSONFieldSize = 1 << 20

func marshalJSON(v interface{}) (string, error) {
	if v == nil {
		return "{}", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal field: %w", err)
	}
	return string(data), nil
}

func unmarshalJSON(s string, v interface{}) error {
	if s == "" || s == "null" {
		return nil
	}
	if len(s) > maxJSONFieldSize {
		return fmt.Errorf("serialized field exceeds %d bytes", maxJSONFieldSize)
	}
	return json.Unmarshal([]byte(s), v)
}
