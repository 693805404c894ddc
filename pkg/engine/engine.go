// Package engine orchestrates the per-tick analytics pipeline: feature
// engineering, anomaly scoring, classification, forecasting, snapshot
// persistence, and alert evaluation.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"procpulse/pkg/alerts"
	"procpulse/pkg/anomaly"
	"procpulse/pkg/classify"
	"procpulse/pkg/features"
	"procpulse/pkg/forecast"
	"procpulse/pkg/history"
	"procpulse/pkg/model"
	"procpulse/pkg/storage"
)

// TelemetrySource produces sample batches and host stats on demand.
type TelemetrySource interface {
	Sample(ctx context.Context) ([]model.Sample, error)
	SystemStats(ctx context.Context) (model.SystemStats, error)
}

// Config holds engine settings.
type Config struct {
	// TickInterval between evaluation rounds.
	TickInterval time.Duration
	// Parallelism bounds concurrent per-process evaluations.
	Parallelism int
	// WarmupSamples is the number of feature vectors accumulated before the
	// first unsupervised fit.
	WarmupSamples int
	// ForecastSteps is the horizon included in analysis results.
	ForecastSteps int
	// HistoryCapacity is the per-process sample buffer cap.
	HistoryCapacity int
	// AnomalyWarning and AnomalyCritical are the score tiers.
	AnomalyWarning  float64
	AnomalyCritical float64
	// Retention settings for the periodic sweep.
	MetricsRetention       time.Duration
	ResolvedAlertRetention time.Duration
	SweepInterval          time.Duration
}

// DefaultConfig returns the standard engine configuration.
func DefaultConfig() Config {
	return Config{
		TickInterval:           2 * time.Second,
		Parallelism:            8,
		WarmupSamples:          200,
		ForecastSteps:          5,
		HistoryCapacity:        100,
		AnomalyWarning:         0.6,
		AnomalyCritical:        0.8,
		MetricsRetention:       7 * 24 * time.Hour,
		ResolvedAlertRetention: 30 * 24 * time.Hour,
		SweepInterval:          time.Hour,
	}
}

// Prometheus metrics.
var (
	samplesProcessed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "procpulse",
		Subsystem: "engine",
		Name:      "samples_processed_total",
		Help:      "Total number of process samples evaluated.",
	})

	anomaliesDetected = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "procpulse",
		Subsystem: "engine",
		Name:      "anomalies_detected_total",
		Help:      "Total number of samples scored as anomalous.",
	})

	inferenceDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "procpulse",
		Subsystem: "engine",
		Name:      "inference_duration_seconds",
		Help:      "Duration of one per-process analysis.",
		Buckets:   prometheus.DefBuckets,
	})

	tickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "procpulse",
		Subsystem: "engine",
		Name:      "tick_duration_seconds",
		Help:      "Duration of one full evaluation tick.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	})
)

func init() {
	_ = prometheus.Register(samplesProcessed)
	_ = prometheus.Register(anomaliesDetected)
	_ = prometheus.Register(inferenceDuration)
	_ = prometheus.Register(tickDuration)
}

// ModelStatus reports the trained state of each model.
type ModelStatus struct {
	AnomalyDetector struct {
		Trained  bool `json:"trained"`
		NumTrees int  `json:"num_trees"`
	} `json:"anomaly_detector"`
	Predictor struct {
		Trained    bool `json:"trained"`
		InputShape int  `json:"input_shape"`
	} `json:"predictor"`
	Classifier struct {
		Trained bool     `json:"trained"`
		Classes []string `json:"classes"`
	} `json:"classifier"`
}

// Engine owns the model instances and drives the evaluation loop.
type Engine struct {
	cfg        Config
	feats      *features.Engineer
	detector   *anomaly.Detector
	predictor  *forecast.Predictor
	classifier *classify.Classifier
	hist       *history.Store
	alerter    *alerts.Engine
	metrics    storage.MetricStore
	source     TelemetrySource
	logger     *zap.Logger

	// warmup accumulates feature vectors until the first unsupervised fit.
	warmupMu sync.Mutex
	warmup   [][]float64
	fitting  bool

	// forecastMu guards the self-supervised forecaster training state.
	forecastMu      sync.Mutex
	forecastFitting bool
	forecastAt      time.Time
}

// predictorRetrainInterval is the minimum gap between forecaster refits.
const predictorRetrainInterval = 10 * time.Minute

// New wires an Engine from its collaborators. metrics and source may be nil
// (no persistence, externally driven evaluation).
func New(cfg Config, alerter *alerts.Engine, metrics storage.MetricStore, source TelemetrySource, logger *zap.Logger, opts ...Option) *Engine {
	def := DefaultConfig()
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = def.Parallelism
	}
	if cfg.WarmupSamples <= 0 {
		cfg.WarmupSamples = def.WarmupSamples
	}
	if cfg.ForecastSteps <= 0 {
		cfg.ForecastSteps = def.ForecastSteps
	}
	if cfg.HistoryCapacity <= 0 {
		cfg.HistoryCapacity = def.HistoryCapacity
	}
	if cfg.AnomalyWarning <= 0 {
		cfg.AnomalyWarning = def.AnomalyWarning
	}
	if cfg.AnomalyCritical <= 0 {
		cfg.AnomalyCritical = def.AnomalyCritical
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.MetricsRetention <= 0 {
		cfg.MetricsRetention = def.MetricsRetention
	}
	if cfg.ResolvedAlertRetention <= 0 {
		cfg.ResolvedAlertRetention = def.ResolvedAlertRetention
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Engine{
		cfg:        cfg,
		feats:      features.NewEngineer(),
		detector:   anomaly.NewDetector(anomaly.Config{Contamination: 0.1}),
		predictor:  forecast.NewPredictor(forecast.DefaultConfig()),
		classifier: classify.NewClassifier(classify.DefaultConfig(), nil),
		hist:       history.NewStore(cfg.HistoryCapacity),
		alerter:    alerter,
		metrics:    metrics,
		source:     source,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Option overrides a model instance, for tests and custom wiring.
type Option func(*Engine)

func WithDetector(d *anomaly.Detector) Option      { return func(e *Engine) { e.detector = d } }
func WithPredictor(p *forecast.Predictor) Option   { return func(e *Engine) { e.predictor = p } }
func WithClassifier(c *classify.Classifier) Option { return func(e *Engine) { e.classifier = c } }

// History exposes the sample history store.
func (e *Engine) History() *history.Store { return e.hist }

// Alerter exposes the alert engine.
func (e *Engine) Alerter() *alerts.Engine { return e.alerter }

// Analyze runs the full per-process pipeline for one sample: engineered
// features feed the anomaly detector and classifier, the history window
// feeds the forecaster, and the sample is appended to history. Inference is
// fail-safe throughout; Analyze never returns an error.
func (e *Engine) Analyze(sample model.Sample) *model.AnalysisResult {
	start := time.Now()
	defer func() { inferenceDuration.Observe(time.Since(start).Seconds()) }()

	window := e.hist.Window(sample.PID, e.cfg.HistoryCapacity)
	vec := e.feats.EngineerFeatures(sample, window)

	score := e.detector.Score(vec)
	severity := model.SeverityNormal
	switch {
	case score > e.cfg.AnomalyCritical:
		severity = model.SeverityCritical
	case score > e.cfg.AnomalyWarning:
		severity = model.SeverityWarning
	}

	cls := e.classifier.Predict(sample)

	e.hist.Append(sample.PID, sample)
	e.accumulateWarmup(vec)
	e.maybeTrainForecaster(sample.PID)

	result := &model.AnalysisResult{
		AnomalyScore:   score,
		IsAnomaly:      score > e.cfg.AnomalyWarning,
		Severity:       severity,
		Classification: cls.Class,
		Confidence:     cls.Confidence,
		Probabilities:  cls.Probabilities,
	}
	if preds := e.PredictFuture(sample.PID, e.cfg.ForecastSteps); preds != nil {
		result.Predictions = preds
	}

	samplesProcessed.Inc()
	if result.IsAnomaly {
		anomaliesDetected.Inc()
	}
	return result
}

// PredictFuture forecasts steps future cpu readings for pid, or nil when the
// process has less history than the predictor lookback.
func (e *Engine) PredictFuture(pid int32, steps int) []float64 {
	series := e.hist.CPUSeries(pid)
	if len(series) < e.predictor.Lookback() {
		return nil
	}
	return e.predictor.PredictMultiStep(series, steps)
}

// TrainClassifier fits the workload classifier on labeled examples.
func (e *Engine) TrainClassifier(examples []classify.Example) error {
	return e.classifier.Train(examples)
}

// TrainPredictor fits the forecaster on a cpu series.
func (e *Engine) TrainPredictor(series []float64, epochs, batchSize int) error {
	return e.predictor.Train(series, epochs, batchSize)
}

// Status reports each model's trained state.
func (e *Engine) Status() ModelStatus {
	var st ModelStatus
	st.AnomalyDetector.Trained = e.detector.Trained()
	st.AnomalyDetector.NumTrees = e.detector.NumTrees()
	st.Predictor.Trained = e.predictor.Trained()
	st.Predictor.InputShape = e.predictor.Lookback()
	st.Classifier.Trained = e.classifier.Trained()
	st.Classifier.Classes = e.classifier.Classes()
	return st
}

// accumulateWarmup collects feature vectors until the warmup count is
// reached, then fits the isolation forest in the background. Training holds
// the model write lock; concurrent Score calls proceed against the prior
// model until the swap.
func (e *Engine) accumulateWarmup(vec []float64) {
	if e.detector.Trained() {
		return
	}

	e.warmupMu.Lock()
	e.warmup = append(e.warmup, vec)
	ready := len(e.warmup) >= e.cfg.WarmupSamples && !e.fitting
	if ready {
		e.fitting = true
	}
	data := e.warmup
	e.warmupMu.Unlock()

	if !ready {
		return
	}

	go func() {
		if err := e.detector.Fit(data); err != nil {
			e.logger.Error("fit anomaly detector", zap.Error(err))
			e.warmupMu.Lock()
			e.fitting = false
			e.warmupMu.Unlock()
			return
		}
		e.logger.Info("anomaly detector trained",
			zap.Int("samples", len(data)),
			zap.Int("trees", e.detector.NumTrees()))

		e.warmupMu.Lock()
		e.warmup = nil
		e.warmupMu.Unlock()
	}()
}

// maybeTrainForecaster fits the forecaster in the background on a process's
// accumulated cpu series once enough history exists; the fitted model is
// refreshed when it goes stale. Training is self-supervised, so no labeled
// data is needed.
func (e *Engine) maybeTrainForecaster(pid int32) {
	series := e.hist.CPUSeries(pid)
	if len(series) < 3*e.predictor.Lookback() {
		return
	}

	e.forecastMu.Lock()
	stale := e.forecastAt.IsZero() || time.Since(e.forecastAt) >= predictorRetrainInterval
	if e.forecastFitting || (e.predictor.Trained() && !stale) {
		e.forecastMu.Unlock()
		return
	}
	e.forecastFitting = true
	e.forecastMu.Unlock()

	go func() {
		err := e.predictor.Train(series, 0, 0)

		e.forecastMu.Lock()
		e.forecastFitting = false
		if err == nil {
			e.forecastAt = time.Now()
		}
		e.forecastMu.Unlock()

		if err != nil {
			e.logger.Warn("train forecaster", zap.Int32("pid", pid), zap.Error(err))
			return
		}
		e.logger.Info("forecaster trained",
			zap.Int32("pid", pid),
			zap.Int("points", len(series)))
	}()
}

// Run drives periodic evaluation until the context is cancelled: each tick
// samples a bounded process batch, evaluates processes in parallel, persists
// snapshots, and checks system thresholds. Cancellation stops new ticks;
// in-flight evaluations complete.
func (e *Engine) Run(ctx context.Context) error {
	if e.source == nil {
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	sweeper := time.NewTicker(e.cfg.SweepInterval)
	defer sweeper.Stop()

	e.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.tick(ctx)
		case <-sweeper.C:
			e.sweep()
		}
	}
}

func (e *Engine) tick(ctx context.Context) {
	start := time.Now()
	defer func() { tickDuration.Observe(time.Since(start).Seconds()) }()

	batch, err := e.source.Sample(ctx)
	if err != nil {
		e.logger.Warn("sample processes", zap.Error(err))
		return
	}

	sem := make(chan struct{}, e.cfg.Parallelism)
	var wg sync.WaitGroup
	for _, sample := range batch {
		wg.Add(1)
		sem <- struct{}{}
		go func(s model.Sample) {
			defer wg.Done()
			defer func() { <-sem }()
			e.evaluate(s)
		}(sample)
	}
	wg.Wait()

	stats, err := e.source.SystemStats(ctx)
	if err != nil {
		e.logger.Warn("system stats", zap.Error(err))
		return
	}
	if e.alerter != nil {
		e.alerter.CheckSystemThresholds(stats)
	}
}

func (e *Engine) evaluate(sample model.Sample) {
	analysis := e.Analyze(sample)

	if e.metrics != nil {
		snap := model.Snapshot{
			ProcessID:   sample.PID,
			ProcessName: sample.Name,
			PID:         sample.PID,
			Timestamp:   sample.Timestamp,
			Sample:      sample,
			Analysis:    analysis,
		}
		if err := e.metrics.SaveSnapshot(snap); err != nil {
			e.logger.Error("persist snapshot",
				zap.Int32("pid", sample.PID),
				zap.Error(err))
		}
	}

	if e.alerter != nil {
		e.alerter.CheckProcessThresholds(sample, analysis)
	}
}

// sweep applies retention: raw metrics and resolved alerts past their windows.
func (e *Engine) sweep() {
	if e.metrics != nil {
		if n, err := e.metrics.DeleteMetricsBefore(time.Now().Add(-e.cfg.MetricsRetention)); err != nil {
			e.logger.Error("metric retention sweep", zap.Error(err))
		} else if n > 0 {
			e.logger.Info("pruned metric snapshots", zap.Int("deleted", n))
		}
	}

	if e.alerter != nil {
		days := int(e.cfg.ResolvedAlertRetention.Hours() / 24)
		if n, err := e.alerter.ClearOldAlerts(days); err != nil {
			e.logger.Error("alert retention sweep", zap.Error(err))
		} else if n > 0 {
			e.logger.Info("pruned resolved alerts", zap.Int("deleted", n))
		}
	}
}
