package core

import "time"

// EventFamily names one of the searchable external event streams
type EventFamily string

const (
	FamilySecurityEvent   EventFamily = "security_event"
	FamilyAccessViolation EventFamily = "access_violation"
	FamilyTokenUsage      EventFamily = "token_usage"
	FamilyAnomaly         EventFamily = "anomaly"
)

// IsValid checks if the event family is valid
func (f EventFamily) IsValid() bool {
	switch f {
	case FamilySecurityEvent, FamilyAccessViolation, FamilyTokenUsage, FamilyAnomaly:
		return true
	default:
		return false
	}
}

// Bus topics. Input topics are produced by external collaborators (token
// issuance, access control, security tooling); output topics are produced
// by the engine.
const (
	TopicTokenCreated    = "token-created"
	TopicTokenDenied     = "token-denied"
	TopicTokenUsed       = "token-used"
	TopicAccessViolation = "access-violation"
	TopicSecurityEvent   = "security-event"
	TopicScannerFinding  = "scanner-finding"

	TopicAlertTriggered     = "alert-triggered"
	TopicAnomalyDetected    = "anomaly-detected"
	TopicDashboardUpdated   = "dashboard-updated"
	TopicHealthStatusChange = "health-check-status-changed"
	TopicBreachDetected     = "breach-detected"
)

// HealthStatusChange is a failure or recovery transition of one health
// check, published on TopicHealthStatusChange
type HealthStatusChange struct {
	CheckID   string        `json:"check_id"`
	CheckName string        `json:"check_name"`
	Healthy   bool          `json:"healthy"`
	Severity  Severity      `json:"severity"`
	Message   string        `json:"message"`
	Downtime  time.Duration `json:"downtime,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// SecurityEvent is a pushed event from external security tooling
type SecurityEvent struct {
	ID        string            `json:"id"`
	EventType string            `json:"event_type"`
	Severity  Severity          `json:"severity"`
	Subject   string            `json:"subject,omitempty"`
	Address   string            `json:"address,omitempty"`
	Message   string            `json:"message,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// AccessViolation is a denied access-control check
type AccessViolation struct {
	ID        string    `json:"id"`
	Subject   string    `json:"subject"`
	Resource  string    `json:"resource"`
	Action    string    `json:"action"`
	Address   string    `json:"address,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// TokenUsageRecord tracks issuance and use of an access token
type TokenUsageRecord struct {
	ID           string    `json:"id"`
	TokenID      string    `json:"token_id"`
	Subject      string    `json:"subject"`
	Address      string    `json:"address,omitempty"`
	RequestCount int       `json:"request_count"`
	Denied       bool      `json:"denied"`
	Timestamp    time.Time `json:"timestamp"`
}

// ScannerFinding is a finding pushed by external security scanners
type ScannerFinding struct {
	ID        string    `json:"id"`
	Scanner   string    `json:"scanner"`
	Title     string    `json:"title"`
	Severity  Severity  `json:"severity"`
	Resource  string    `json:"resource,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
