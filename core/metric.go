package core

import (
	"fmt"
	"time"
)

// Bucket is the granularity raw metric points are grouped at for aggregation
type Bucket string

const (
	BucketMinute Bucket = "minute"
	BucketHour   Bucket = "hour"
	BucketDay    Bucket = "day"
	BucketWeek   Bucket = "week"
	BucketMonth  Bucket = "month"
)

// IsValid checks if the bucket is valid
func (b Bucket) IsValid() bool {
	switch b {
	case BucketMinute, BucketHour, BucketDay, BucketWeek, BucketMonth:
		return true
	default:
		return false
	}
}

// Label formats t as the bucket label for b. Labels sort lexicographically
// in chronological order, so callers may sort by label.
func (b Bucket) Label(t time.Time) string {
	switch b {
	case BucketMinute:
		return t.Format("2006-01-02 15:04")
	case BucketHour:
		return t.Format("2006-01-02 15:00")
	case BucketDay:
		return t.Format("2006-01-02")
	case BucketWeek:
		year, week := t.ISOWeek()
		return fmt.Sprintf("%04d-W%02d", year, week)
	case BucketMonth:
		return t.Format("2006-01")
	default:
		return t.Format("2006-01-02 15:00")
	}
}

// Aggregation is the function applied to the points of a time bucket
type Aggregation string

const (
	AggSum   Aggregation = "sum"
	AggAvg   Aggregation = "avg"
	AggMin   Aggregation = "min"
	AggMax   Aggregation = "max"
	AggCount Aggregation = "count"
)

// IsValid checks if the aggregation is valid
func (a Aggregation) IsValid() bool {
	switch a {
	case AggSum, AggAvg, AggMin, AggMax, AggCount:
		return true
	default:
		return false
	}
}

// MetricPoint is a single recorded observation of a named metric.
// Points are immutable once written.
type MetricPoint struct {
	ID         string            `json:"id"`
	Metric     string            `json:"metric" validate:"required"`
	Subject    string            `json:"subject,omitempty"` // e.g. client id
	Value      float64           `json:"value"`
	Timestamp  time.Time         `json:"timestamp"`
	Bucket     Bucket            `json:"bucket" validate:"required"`
	Dimensions map[string]string `json:"dimensions,omitempty"`
	Source     string            `json:"source,omitempty"`
}

// AggregatedPoint is one time bucket of a metric query result
type AggregatedPoint struct {
	BucketLabel string  `json:"bucket"`
	Value       float64 `json:"value"`
}

// MetricQuery describes a time-bucketed aggregation query over metric points
type MetricQuery struct {
	Metric      string
	Subject     string
	Dimensions  map[string]string
	Start       time.Time
	End         time.Time
	Bucket      Bucket
	Aggregation Aggregation
}

// Validate checks the query for malformed input
func (q *MetricQuery) Validate() error {
	if q.Metric == "" {
		return fmt.Errorf("metric name is required")
	}
	if !q.Bucket.IsValid() {
		return fmt.Errorf("invalid bucket: %s", q.Bucket)
	}
	if !q.Aggregation.IsValid() {
		return fmt.Errorf("invalid aggregation: %s", q.Aggregation)
	}
	if q.End.Before(q.Start) {
		return fmt.Errorf("query end %s precedes start %s", q.End.Format(time.RFC3339), q.Start.Format(time.RFC3339))
	}
	return nil
}
