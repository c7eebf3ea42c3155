package core

import (
	"fmt"
	"time"
)

// Operator compares an observed value against an alert threshold
type Operator string

const (
	OpGreaterThan    Operator = ">"
	OpLessThan       Operator = "<"
	OpGreaterOrEqual Operator = ">="
	OpLessOrEqual    Operator = "<="
	OpEqual          Operator = "=="
	OpNotEqual       Operator = "!="
)

// IsValid checks if the operator is valid
func (o Operator) IsValid() bool {
	switch o {
	case OpGreaterThan, OpLessThan, OpGreaterOrEqual, OpLessOrEqual, OpEqual, OpNotEqual:
		return true
	default:
		return false
	}
}

// Compare applies the operator to (value, threshold)
func (o Operator) Compare(value, threshold float64) bool {
	switch o {
	case OpGreaterThan:
		return value > threshold
	case OpLessThan:
		return value < threshold
	case OpGreaterOrEqual:
		return value >= threshold
	case OpLessOrEqual:
		return value <= threshold
	case OpEqual:
		return value == threshold
	case OpNotEqual:
		return value != threshold
	default:
		return false
	}
}

// NotificationChannel is a configured delivery target for triggered alerts
type NotificationChannel string

const (
	ChannelEmail     NotificationChannel = "email"
	ChannelWebhook   NotificationChannel = "webhook"
	ChannelDashboard NotificationChannel = "dashboard"
)

// IsValid checks if the channel is valid
func (c NotificationChannel) IsValid() bool {
	switch c {
	case ChannelEmail, ChannelWebhook, ChannelDashboard:
		return true
	default:
		return false
	}
}

// AlertDefinition is a threshold rule over one metric.
// SustainFor == 0 means the definition is evaluated instantly against each
// recorded point; a positive duration means the aggregate over that window
// must satisfy the condition during the periodic sweep.
type AlertDefinition struct {
	ID              string                `json:"id"`
	Name            string                `json:"name" validate:"required"`
	Metric          string                `json:"metric" validate:"required"`
	Operator        Operator              `json:"operator" validate:"required"`
	Threshold       float64               `json:"threshold"`
	SustainFor      time.Duration         `json:"sustain_for" validate:"gte=0"`
	Severity        Severity              `json:"severity"`
	Enabled         bool                  `json:"enabled"`
	Channels        []NotificationChannel `json:"channels"`
	NotifyUsers     []string              `json:"notify_users,omitempty"`
	Dimensions      map[string]string     `json:"dimensions,omitempty"`
	LastTriggeredAt *time.Time            `json:"last_triggered_at,omitempty"`
	CreatedAt       time.Time             `json:"created_at"`
	UpdatedAt       time.Time             `json:"updated_at"`
}

// Validate checks the definition beyond struct tags
func (d *AlertDefinition) Validate() error {
	if !d.Operator.IsValid() {
		return fmt.Errorf("unknown operator: %s", d.Operator)
	}
	if !d.Severity.IsValid() {
		return fmt.Errorf("unknown severity: %s", d.Severity)
	}
	for _, ch := range d.Channels {
		if !ch.IsValid() {
			return fmt.Errorf("unknown notification channel: %s", ch)
		}
	}
	return nil
}

// MatchesPoint reports whether a recorded point falls under this definition
// (same metric and every configured dimension present with the same value).
func (d *AlertDefinition) MatchesPoint(p *MetricPoint) bool {
	if d.Metric != p.Metric {
		return false
	}
	for k, v := range d.Dimensions {
		if p.Dimensions[k] != v {
			return false
		}
	}
	return true
}

// AlertHistory is one trigger of an alert definition. A new trigger is
// suppressed while an unresolved row for the same definition exists within
// the deduplication window.
type AlertHistory struct {
	ID             string     `json:"id"`
	DefinitionID   string     `json:"definition_id"`
	TriggeredAt    time.Time  `json:"triggered_at"`
	ObservedValue  float64    `json:"observed_value"`
	Message        string     `json:"message"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	AcknowledgedBy string     `json:"acknowledged_by,omitempty"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy     string     `json:"resolved_by,omitempty"`
	Notes          string     `json:"notes,omitempty"`
}

// Resolved reports whether the trigger has been resolved
func (h *AlertHistory) Resolved() bool {
	return h.ResolvedAt != nil
}
