package core

import (
	"fmt"
	"time"
)

// ProbeType selects how a health check is executed
type ProbeType string

const (
	ProbeHTTP     ProbeType = "http"
	ProbeTCP      ProbeType = "tcp"
	ProbeScript   ProbeType = "script"
	ProbeDatabase ProbeType = "database"
)

// IsValid checks if the probe type is valid
func (p ProbeType) IsValid() bool {
	switch p {
	case ProbeHTTP, ProbeTCP, ProbeScript, ProbeDatabase:
		return true
	default:
		return false
	}
}

// HealthCheckDefinition configures one scheduled probe
type HealthCheckDefinition struct {
	ID       string        `json:"id"`
	Name     string        `json:"name" validate:"required"`
	Type     ProbeType     `json:"type" validate:"required"`
	Target   string        `json:"target" validate:"required"` // URL, host:port, command, or DSN
	Interval time.Duration `json:"interval" validate:"gt=0"`
	Timeout  time.Duration `json:"timeout" validate:"gt=0"`

	// HTTP probe parameters
	Method         string            `json:"method,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
	Body           string            `json:"body,omitempty"`
	ExpectedStatus int               `json:"expected_status,omitempty"` // 0 means any 2xx

	// Database probe parameters
	Driver string `json:"driver,omitempty"` // mysql, postgres, sqlite

	Enabled bool `json:"enabled"`
	// AlertThreshold is the number of consecutive failures before a
	// failure transition is emitted
	AlertThreshold int      `json:"alert_threshold" validate:"gte=1"`
	AlertSeverity  Severity `json:"alert_severity"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks the definition beyond struct tags
func (d *HealthCheckDefinition) Validate() error {
	if !d.Type.IsValid() {
		return fmt.Errorf("unknown probe type: %s", d.Type)
	}
	if d.Timeout >= d.Interval {
		return fmt.Errorf("timeout %s must be shorter than interval %s", d.Timeout, d.Interval)
	}
	if d.Type == ProbeDatabase {
		switch d.Driver {
		case "mysql", "postgres", "sqlite":
		default:
			return fmt.Errorf("unknown database driver: %s", d.Driver)
		}
	}
	if d.AlertSeverity != "" && !d.AlertSeverity.IsValid() {
		return fmt.Errorf("unknown severity: %s", d.AlertSeverity)
	}
	return nil
}

// ProbeOutcome classifies one probe execution
type ProbeOutcome string

const (
	OutcomeSuccess ProbeOutcome = "success"
	OutcomeFailure ProbeOutcome = "failure"
	OutcomeTimeout ProbeOutcome = "timeout"
)

// Failed reports whether the outcome counts toward a failure transition
func (o ProbeOutcome) Failed() bool {
	return o == OutcomeFailure || o == OutcomeTimeout
}

// HealthCheckResult is one append-only probe execution record
type HealthCheckResult struct {
	ID           string        `json:"id"`
	CheckID      string        `json:"check_id"`
	Timestamp    time.Time     `json:"timestamp"`
	Outcome      ProbeOutcome  `json:"outcome"`
	ResponseTime time.Duration `json:"response_time"`
	StatusCode   int           `json:"status_code,omitempty"`
	Body         string        `json:"body,omitempty"`
	Error        string        `json:"error,omitempty"`
}

// HealthCheckStats are 24-hour statistics for one check
type HealthCheckStats struct {
	SuccessCount   int64         `json:"success_count"`
	FailureCount   int64         `json:"failure_count"`
	TimeoutCount   int64         `json:"timeout_count"`
	AverageLatency time.Duration `json:"average_latency"`
	UptimePercent  float64       `json:"uptime_percent"`
}

// HealthCheckSummary combines live status and 24-hour statistics per check
type HealthCheckSummary struct {
	Check  HealthCheckDefinition `json:"check"`
	Latest *HealthCheckResult    `json:"latest,omitempty"`
	Stats  HealthCheckStats      `json:"stats"`
}

// HealthSummary is the overall rollup across all checks. OverallUptime is
// the arithmetic mean of per-check uptime percentages.
type HealthSummary struct {
	Checks        []HealthCheckSummary `json:"checks"`
	TotalChecks   int                  `json:"total_checks"`
	HealthyChecks int                  `json:"healthy_checks"`
	OverallUptime float64              `json:"overall_uptime"`
}
