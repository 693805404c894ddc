package alerts

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"procpulse/pkg/model"
)

// Store is the persistence collaborator the engine writes alerts through.
type Store interface {
	SaveAlert(a *Alert) error
	UpdateAlert(a *Alert) error
	RecentAlerts(limit int, unackedOnly bool) ([]*Alert, error)
	AlertStats(since time.Time) (*Stats, error)
	DeleteResolvedBefore(cutoff time.Time) (int, error)
}

// Threshold holds the warning and critical cutoffs for one metric.
type Threshold struct {
	Warning  float64 `yaml:"warning" json:"warning"`
	Critical float64 `yaml:"critical" json:"critical"`
}

// Config holds alerting rule parameters.
type Config struct {
	// Cooldown is the minimum interval between two alerts sharing a key.
	Cooldown time.Duration
	// Thresholds maps metric name to its system-level cutoffs.
	Thresholds map[string]Threshold
	// ProcessCPUWarning is the per-process cpu warning cutoff.
	ProcessCPUWarning float64
	// PredictionCutoff triggers a prediction alert when the forecast mean
	// exceeds it.
	PredictionCutoff float64
}

// DefaultConfig returns the standard alerting configuration.
func DefaultConfig() Config {
	return Config{
		Cooldown: 60 * time.Second,
		Thresholds: map[string]Threshold{
			"cpu":          {Warning: 70, Critical: 85},
			"memory":       {Warning: 75, Critical: 90},
			"disk":         {Warning: 80, Critical: 95},
			"anomalyScore": {Warning: 0.6, Critical: 0.8},
		},
		ProcessCPUWarning: 90,
		PredictionCutoff:  85,
	}
}

// Prometheus metrics.
var (
	alertsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "procpulse",
			Subsystem: "alerts",
			Name:      "created_total",
			Help:      "Total number of alerts created.",
		},
		[]string{"type", "source"},
	)

	alertsSuppressed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "procpulse",
			Subsystem: "alerts",
			Name:      "suppressed_total",
			Help:      "Alert conditions suppressed by an active cooldown.",
		},
	)

	activeAlerts = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "procpulse",
			Subsystem: "alerts",
			Name:      "active",
			Help:      "Number of currently active (unresolved, unacknowledged) alerts.",
		},
	)
)

func init() {
	_ = prometheus.Register(alertsCreated)
	_ = prometheus.Register(alertsSuppressed)
	_ = prometheus.Register(activeAlerts)
}

// Engine evaluates threshold and ML-derived rules, deduplicates via per-key
// cooldowns, and manages alert lifecycle. The cooldown check and alert
// creation for a key are serialized under one mutex so at most one alert is
// created per key within any cooldown window, however many evaluations race.
type Engine struct {
	cfg       Config
	cooldowns CooldownStore
	store     Store
	logger    *zap.Logger
	now       func() time.Time

	mu     sync.Mutex
	active map[string]*Alert
}

// NewEngine creates an alert engine. A nil cooldown store gets an in-memory
// one; a nil logger is replaced with a no-op logger.
func NewEngine(cfg Config, cooldowns CooldownStore, store Store, logger *zap.Logger) *Engine {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 60 * time.Second
	}
	if len(cfg.Thresholds) == 0 {
		cfg.Thresholds = DefaultConfig().Thresholds
	}
	if cfg.ProcessCPUWarning <= 0 {
		cfg.ProcessCPUWarning = 90
	}
	if cfg.PredictionCutoff <= 0 {
		cfg.PredictionCutoff = 85
	}
	if cooldowns == nil {
		cooldowns = NewMemoryCooldowns()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Engine{
		cfg:       cfg,
		cooldowns: cooldowns,
		store:     store,
		logger:    logger,
		now:       time.Now,
		active:    make(map[string]*Alert),
	}
}

// SetNowFunc overrides the engine clock, for tests.
func (e *Engine) SetNowFunc(now func() time.Time) { e.now = now }

// CheckSystemThresholds compares host-wide readings against per-metric
// cutoffs. The critical tier is checked first; a critical condition
// suppresses a simultaneous warning for the same metric.
func (e *Engine) CheckSystemThresholds(stats model.SystemStats) []*Alert {
	var out []*Alert
	for metric, value := range stats.Metrics() {
		th, ok := e.cfg.Thresholds[metric]
		if !ok {
			continue
		}

		switch {
		case th.Critical > 0 && value >= th.Critical:
			if a := e.raise(Alert{
				Type:    TypeCritical,
				Source:  SourceSystem,
				Metric:  metric,
				Message: fmt.Sprintf("system %s at %.1f%% exceeds critical threshold %.1f%%", metric, value, th.Critical),
				Details: map[string]float64{"currentValue": value, "threshold": th.Critical},
			}, fmt.Sprintf("system:%s:critical", metric)); a != nil {
				out = append(out, a)
			}
		case th.Warning > 0 && value >= th.Warning:
			if a := e.raise(Alert{
				Type:    TypeWarning,
				Source:  SourceSystem,
				Metric:  metric,
				Message: fmt.Sprintf("system %s at %.1f%% exceeds warning threshold %.1f%%", metric, value, th.Warning),
				Details: map[string]float64{"currentValue": value, "threshold": th.Warning},
			}, fmt.Sprintf("system:%s:warning", metric)); a != nil {
				out = append(out, a)
			}
		}
	}
	return out
}

// CheckProcessThresholds evaluates per-process rules against the sample and
// its analysis: a cpu warning, an anomaly alert escalated by severity, and a
// forecast alert when the mean prediction crosses the cutoff. Each rule is
// deduplicated under its own process-scoped key.
func (e *Engine) CheckProcessThresholds(proc model.Sample, analysis *model.AnalysisResult) []*Alert {
	var out []*Alert

	if proc.CPUPercent > e.cfg.ProcessCPUWarning {
		if a := e.raise(Alert{
			Type:        TypeWarning,
			Source:      SourceThreshold,
			PID:         proc.PID,
			ProcessName: proc.Name,
			Metric:      "cpu",
			Message:     fmt.Sprintf("process %s (pid %d) cpu at %.1f%%", proc.Name, proc.PID, proc.CPUPercent),
			Details:     map[string]float64{"currentValue": proc.CPUPercent, "threshold": e.cfg.ProcessCPUWarning},
		}, fmt.Sprintf("process:%d:cpu", proc.PID)); a != nil {
			out = append(out, a)
		}
	}

	if analysis == nil {
		return out
	}

	if analysis.IsAnomaly {
		typ := TypeWarning
		if analysis.Severity == model.SeverityCritical {
			typ = TypeCritical
		}
		if a := e.raise(Alert{
			Type:        typ,
			Source:      SourceAnomaly,
			PID:         proc.PID,
			ProcessName: proc.Name,
			Message:     fmt.Sprintf("anomalous behavior in %s (pid %d), score %.3f", proc.Name, proc.PID, analysis.AnomalyScore),
			Details:     map[string]float64{"anomalyScore": analysis.AnomalyScore},
			MLDetected:  true,
			Algorithm:   "isolation-forest",
		}, fmt.Sprintf("process:%d:anomaly", proc.PID)); a != nil {
			out = append(out, a)
		}
	}

	if len(analysis.Predictions) > 0 {
		sum := 0.0
		for _, p := range analysis.Predictions {
			sum += p
		}
		mean := sum / float64(len(analysis.Predictions))
		if mean > e.cfg.PredictionCutoff {
			if a := e.raise(Alert{
				Type:        TypeWarning,
				Source:      SourcePrediction,
				PID:         proc.PID,
				ProcessName: proc.Name,
				Metric:      "cpu",
				Message:     fmt.Sprintf("forecast cpu for %s (pid %d) averages %.1f%%", proc.Name, proc.PID, mean),
				Details:     map[string]float64{"predictedMean": mean, "threshold": e.cfg.PredictionCutoff},
				MLDetected:  true,
				Algorithm:   "sequence-regression",
			}, fmt.Sprintf("process:%d:prediction", proc.PID)); a != nil {
				out = append(out, a)
			}
		}
	}

	return out
}

// raise creates the alert unless its key is cooling down. The check-and-set
// on the cooldown store happens under the engine mutex.
func (e *Engine) raise(a Alert, key string) *Alert {
	e.mu.Lock()
	if last, ok := e.cooldowns.Get(key); ok && e.now().Sub(last) < e.cfg.Cooldown {
		e.mu.Unlock()
		alertsSuppressed.Inc()
		return nil
	}
	e.cooldowns.Set(key, e.now())
	e.mu.Unlock()

	created := e.CreateAlert(a)
	if created == nil {
		// Release the key so the condition can fire again once persistence
		// recovers.
		e.mu.Lock()
		e.cooldowns.Delete(key)
		e.mu.Unlock()
	}
	return created
}

// CreateAlert assigns an id and default severity, persists the alert, and
// indexes it as active. A persistence failure is logged and yields nil so the
// evaluation pipeline continues.
func (e *Engine) CreateAlert(a Alert) *Alert {
	now := e.now()
	a.ID = uuid.NewString()
	if a.Severity == 0 {
		a.Severity = severityFor(a.Type)
	}
	a.CreatedAt = now
	a.UpdatedAt = now

	if e.store != nil {
		if err := e.store.SaveAlert(&a); err != nil {
			e.logger.Error("persist alert",
				zap.String("alert_id", a.ID),
				zap.String("type", string(a.Type)),
				zap.Error(err))
			return nil
		}
	}

	e.mu.Lock()
	e.active[a.ID] = &a
	activeAlerts.Set(float64(len(e.active)))
	e.mu.Unlock()

	alertsCreated.WithLabelValues(string(a.Type), string(a.Source)).Inc()
	return &a
}

// Acknowledge marks an open alert acknowledged and removes it from the active
// index. Unknown ids return nil; an already-acknowledged alert is returned
// unchanged.
func (e *Engine) Acknowledge(id, actor string) *Alert {
	e.mu.Lock()
	a, ok := e.active[id]
	if !ok {
		e.mu.Unlock()
		return nil
	}
	if !a.Acknowledged {
		now := e.now()
		a.Acknowledged = true
		a.AcknowledgedAt = &now
		a.AcknowledgedBy = actor
		a.UpdatedAt = now
	}
	delete(e.active, id)
	activeAlerts.Set(float64(len(e.active)))
	e.mu.Unlock()

	e.persistUpdate(a)
	return a
}

// Resolve marks an alert resolved, a terminal transition, and removes it from
// the active index. Unknown ids return nil.
func (e *Engine) Resolve(id string) *Alert {
	e.mu.Lock()
	a, ok := e.active[id]
	if !ok {
		e.mu.Unlock()
		return nil
	}
	if !a.Resolved {
		now := e.now()
		a.Resolved = true
		a.ResolvedAt = &now
		a.UpdatedAt = now
	}
	delete(e.active, id)
	activeAlerts.Set(float64(len(e.active)))
	e.mu.Unlock()

	e.persistUpdate(a)
	return a
}

func (e *Engine) persistUpdate(a *Alert) {
	if e.store == nil {
		return
	}
	if err := e.store.UpdateAlert(a); err != nil {
		e.logger.Error("update alert", zap.String("alert_id", a.ID), zap.Error(err))
	}
}

// ActiveCount returns the number of indexed active alerts.
func (e *Engine) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

// RecentAlerts returns up to limit recent alerts from storage, optionally
// restricted to unacknowledged ones.
func (e *Engine) RecentAlerts(limit int, unackedOnly bool) ([]*Alert, error) {
	if e.store == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	return e.store.RecentAlerts(limit, unackedOnly)
}

// GetStats aggregates counts by type and ML detection over the time range.
func (e *Engine) GetStats(timeRange time.Duration) (*Stats, error) {
	if e.store == nil {
		return &Stats{ByType: map[Type]int{}}, nil
	}
	return e.store.AlertStats(e.now().Add(-timeRange))
}

// ClearOldAlerts deletes resolved alerts older than daysOld days, returning
// the count deleted.
func (e *Engine) ClearOldAlerts(daysOld int) (int, error) {
	if e.store == nil {
		return 0, nil
	}
	cutoff := e.now().AddDate(0, 0, -daysOld)
	return e.store.DeleteResolvedBefore(cutoff)
}
