package core

import "time"

// Severity represents the severity of an alert, anomaly or breach case
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// severityOrder maps severities to a comparable rank
var severityOrder = map[Severity]int{
	SeverityInfo:     0,
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// String returns the string representation
func (s Severity) String() string {
	return string(s)
}

// IsValid checks if the severity is valid
func (s Severity) IsValid() bool {
	_, ok := severityOrder[s]
	return ok
}

// AtLeast reports whether s is equal to or more severe than min.
// Unknown severities rank as info.
func (s Severity) AtLeast(min Severity) bool {
	return severityOrder[s] >= severityOrder[min]
}

// HTTPClientTimeout is the default timeout for outbound HTTP requests
const HTTPClientTimeout = 30 * time.Second
