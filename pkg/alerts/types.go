// Package alerts converts threshold breaches and analysis results into
// deduplicated, severity-ranked alerts and manages their lifecycle from open
// through acknowledged to resolved.
package alerts

import "time"

// Type is the alert tier.
type Type string

const (
	TypeInfo     Type = "info"
	TypeWarning  Type = "warning"
	TypeCritical Type = "critical"
)

// Source identifies the rule family that raised an alert.
type Source string

const (
	SourceThreshold  Source = "threshold"
	SourceML         Source = "ml"
	SourceAnomaly    Source = "anomaly"
	SourcePrediction Source = "prediction"
	SourceSystem     Source = "system"
)

// severityFor maps an alert type to its default 1-10 numeric severity.
func severityFor(t Type) int {
	switch t {
	case TypeCritical:
		return 9
	case TypeWarning:
		return 6
	case TypeInfo:
		return 3
	default:
		return 5
	}
}

// Alert is a single raised condition. Lifecycle: open, optionally
// acknowledged, then resolved; resolved is terminal.
type Alert struct {
	ID             string             `json:"id"`
	Type           Type               `json:"type"`
	Severity       int                `json:"severity"`
	Source         Source             `json:"source"`
	PID            int32              `json:"pid,omitempty"`
	ProcessName    string             `json:"process_name,omitempty"`
	Metric         string             `json:"metric,omitempty"`
	Message        string             `json:"message"`
	Details        map[string]float64 `json:"details,omitempty"`
	MLDetected     bool               `json:"ml_detected"`
	Algorithm      string             `json:"algorithm,omitempty"`
	Acknowledged   bool               `json:"acknowledged"`
	AcknowledgedAt *time.Time         `json:"acknowledged_at,omitempty"`
	AcknowledgedBy string             `json:"acknowledged_by,omitempty"`
	Resolved       bool               `json:"resolved"`
	ResolvedAt     *time.Time         `json:"resolved_at,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

// Stats aggregates alert counts over a time range.
type Stats struct {
	Total      int          `json:"total"`
	ByType     map[Type]int `json:"by_type"`
	MLDetected int          `json:"ml_detected"`
}
