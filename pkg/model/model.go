// Package model defines the core data structures shared by the analytics
// pipeline: raw process samples, analysis results, and the snapshot shape
// written to persistent storage.
package model

import "time"

// Sample is a single point-in-time resource-usage reading for one process.
// Samples are produced by the telemetry collector and are immutable once built.
type Sample struct {
	PID           int32     `json:"pid"`
	Name          string    `json:"name"`
	Timestamp     time.Time `json:"timestamp"`
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	Threads       int32     `json:"threads"`
	Priority      int32     `json:"priority"`
	IOReadBytes   uint64    `json:"io_read_bytes"`
	IOWriteBytes  uint64    `json:"io_write_bytes"`
	NetSentBytes  uint64    `json:"net_sent_bytes"`
	NetRecvBytes  uint64    `json:"net_recv_bytes"`
}

// Vector returns the fixed-order 8-dimensional raw metric vector used by the
// workload classifier: cpu, memory, threads, priority, io read/write, net sent/recv.
func (s Sample) Vector() []float64 {
	return []float64{
		s.CPUPercent,
		s.MemoryPercent,
		float64(s.Threads),
		float64(s.Priority),
		float64(s.IOReadBytes),
		float64(s.IOWriteBytes),
		float64(s.NetSentBytes),
		float64(s.NetRecvBytes),
	}
}

// Severity is the ordinal anomaly tier derived from the anomaly score.
type Severity string

const (
	SeverityNormal   Severity = "normal"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// AnalysisResult is the per-process output of one evaluation tick.
// Invariant: IsAnomaly is true exactly when AnomalyScore exceeds the
// configured warning threshold.
type AnalysisResult struct {
	AnomalyScore   float64            `json:"anomaly_score"`
	IsAnomaly      bool               `json:"is_anomaly"`
	Severity       Severity           `json:"severity"`
	Classification string             `json:"classification"`
	Confidence     float64            `json:"confidence"`
	Probabilities  map[string]float64 `json:"probabilities"`
	Predictions    []float64          `json:"predictions"`
}

// SystemStats is an aggregate reading across the whole host, fed to the
// system-level threshold checks.
type SystemStats struct {
	Timestamp    time.Time `json:"timestamp"`
	CPUPercent   float64   `json:"cpu_percent"`
	MemPercent   float64   `json:"mem_percent"`
	DiskPercent  float64   `json:"disk_percent"`
	NumProcesses int       `json:"num_processes"`
}

// Metrics returns the stats as a metric-name map for threshold evaluation.
func (s SystemStats) Metrics() map[string]float64 {
	return map[string]float64{
		"cpu":    s.CPUPercent,
		"memory": s.MemPercent,
		"disk":   s.DiskPercent,
	}
}

// Snapshot is the record shape handed to the persistence collaborator after
// each per-process evaluation.
type Snapshot struct {
	ProcessID   int32           `json:"process_id"`
	ProcessName string          `json:"process_name"`
	PID         int32           `json:"pid"`
	Timestamp   time.Time       `json:"timestamp"`
	Sample      Sample          `json:"metrics"`
	Analysis    *AnalysisResult `json:"ml_analysis,omitempty"`
}
