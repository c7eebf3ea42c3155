package core

import (
	"fmt"
	"time"
)

// Algorithm selects the statistical method a detection config runs
type Algorithm string

const (
	AlgorithmMAD    Algorithm = "mad"
	AlgorithmZScore Algorithm = "zscore"
	AlgorithmIQR    Algorithm = "iqr"
)

// IsValid checks if the algorithm is valid
func (a Algorithm) IsValid() bool {
	switch a {
	case AlgorithmMAD, AlgorithmZScore, AlgorithmIQR:
		return true
	default:
		return false
	}
}

// AnomalyDetectionConfig drives periodic baseline training and scoring
// for one metric
type AnomalyDetectionConfig struct {
	ID                 string            `json:"id"`
	Metric             string            `json:"metric" validate:"required"`
	Subject            string            `json:"subject,omitempty"`
	Dimensions         map[string]string `json:"dimensions,omitempty"`
	Algorithm          Algorithm         `json:"algorithm" validate:"required"`
	Sensitivity        float64           `json:"sensitivity" validate:"gt=0"`
	TrainingWindowDays int               `json:"training_window_days" validate:"gte=1,lte=90"`
	Enabled            bool              `json:"enabled"`
	LastTrainedAt      *time.Time        `json:"last_trained_at,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
}

// Validate checks the config beyond struct tags
func (c *AnomalyDetectionConfig) Validate() error {
	if !c.Algorithm.IsValid() {
		return fmt.Errorf("unknown algorithm: %s (must be mad, zscore or iqr)", c.Algorithm)
	}
	return nil
}

// AnomalyStatus is the review state of a recorded anomaly
type AnomalyStatus string

const (
	AnomalyStatusOpen         AnomalyStatus = "open"
	AnomalyStatusAcknowledged AnomalyStatus = "acknowledged"
	AnomalyStatusDismissed    AnomalyStatus = "dismissed"
)

// IsValid checks if the status is valid
func (s AnomalyStatus) IsValid() bool {
	switch s {
	case AnomalyStatusOpen, AnomalyStatusAcknowledged, AnomalyStatusDismissed:
		return true
	default:
		return false
	}
}

// Anomaly is a scored deviation of a metric from its trained baseline.
// Anomalies are deduplicated within a one hour window per
// (config, metric, subject).
type Anomaly struct {
	ID       string        `json:"id"`
	ConfigID string        `json:"config_id"`
	Metric   string        `json:"metric"`
	Subject  string        `json:"subject,omitempty"`
	// Timestamp is when the anomalous value was observed
	Timestamp     time.Time     `json:"timestamp"`
	ObservedValue float64       `json:"observed_value"`
	ExpectedValue float64       `json:"expected_value"`
	Deviation     float64       `json:"deviation"`
	Score         float64       `json:"score"`
	Severity      Severity      `json:"severity"`
	Status        AnomalyStatus `json:"status"`
	EventIDs      []string      `json:"event_ids,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
}
