package engine

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"procpulse/pkg/alerts"
	"procpulse/pkg/anomaly"
	"procpulse/pkg/classify"
	"procpulse/pkg/model"
	"procpulse/pkg/storage"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	mem := storage.NewMemory()
	alerter := alerts.NewEngine(alerts.DefaultConfig(), nil, mem, nil)
	return New(Config{WarmupSamples: 1 << 30}, alerter, mem, nil, nil,
		WithDetector(anomaly.NewDetector(anomaly.Config{NumTrees: 30, SampleSize: 64, Seed: 1})))
}

func sampleFor(pid int32, cpu float64) model.Sample {
	return model.Sample{PID: pid, Name: "proc", CPUPercent: cpu, MemoryPercent: 10, Threads: 2, Timestamp: time.Now()}
}

func TestAnalyzeUntrainedFailSafe(t *testing.T) {
	e := newTestEngine(t)

	result := e.Analyze(sampleFor(1, 42))
	if result.AnomalyScore != 0 {
		t.Errorf("untrained anomaly score = %f, want 0", result.AnomalyScore)
	}
	if result.IsAnomaly {
		t.Error("untrained analysis should not flag an anomaly")
	}
	if result.Severity != model.SeverityNormal {
		t.Errorf("severity = %q, want normal", result.Severity)
	}
	if result.Classification != classify.LabelUnknown {
		t.Errorf("classification = %q, want unknown", result.Classification)
	}
	if result.Predictions != nil {
		t.Errorf("predictions should be nil with no history, got %v", result.Predictions)
	}
}

func TestAnalyzeAppendsHistory(t *testing.T) {
	e := newTestEngine(t)

	for i := 0; i < 3; i++ {
		e.Analyze(sampleFor(9, float64(i)))
	}
	if got := e.History().Len(9); got != 3 {
		t.Errorf("history length = %d, want 3", got)
	}
}

func TestPredictFuture(t *testing.T) {
	e := newTestEngine(t)

	t.Run("insufficient history returns nil", func(t *testing.T) {
		for i := 0; i < 5; i++ {
			e.History().Append(3, sampleFor(3, 50))
		}
		if got := e.PredictFuture(3, 4); got != nil {
			t.Errorf("expected nil with short history, got %v", got)
		}
	})

	t.Run("enough history returns steps values", func(t *testing.T) {
		for i := 0; i < 12; i++ {
			e.History().Append(4, sampleFor(4, 50))
		}
		got := e.PredictFuture(4, 4)
		if len(got) != 4 {
			t.Fatalf("expected 4 predictions, got %d", len(got))
		}
		// Untrained predictor falls back to the last observed value.
		for _, v := range got {
			if v != 50 {
				t.Errorf("fail-safe prediction %f, want 50", v)
			}
		}
	})
}

func TestNewDefaultsHistoryCapacity(t *testing.T) {
	e := newTestEngine(t)

	if e.cfg.HistoryCapacity != DefaultConfig().HistoryCapacity {
		t.Fatalf("history capacity = %d, want default %d", e.cfg.HistoryCapacity, DefaultConfig().HistoryCapacity)
	}

	// Analyze reads its window through cfg.HistoryCapacity; with the default
	// applied, accumulated samples produce non-zero rolling statistics.
	for i := 0; i < 10; i++ {
		e.Analyze(sampleFor(7, float64(10*(i+1))))
	}
	window := e.History().Window(7, e.cfg.HistoryCapacity)
	if len(window) != 10 {
		t.Fatalf("window length = %d, want 10", len(window))
	}

	vec := e.feats.EngineerFeatures(sampleFor(7, 42), window)
	if vec[5] == 0 {
		t.Error("cpu rolling mean should be non-zero with accumulated history")
	}
	if vec[7] == 0 {
		t.Error("cpu trend slope should be non-zero for a rising series")
	}
}

func TestForecasterTrainsInBackground(t *testing.T) {
	e := newTestEngine(t)

	for i := 0; i < 40; i++ {
		e.Analyze(sampleFor(6, 50+float64(i%5)))
	}

	deadline := time.Now().Add(5 * time.Second)
	for !e.predictor.Trained() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if !e.predictor.Trained() {
		t.Fatal("forecaster should train itself once enough cpu history accumulates")
	}

	preds := e.PredictFuture(6, 3)
	if len(preds) != 3 {
		t.Fatalf("expected 3 predictions, got %d", len(preds))
	}
	for _, v := range preds {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			t.Errorf("prediction not finite: %f", v)
		}
	}
}

type stubSource struct {
	samples  []model.Sample
	statsErr error
}

func (s *stubSource) Sample(ctx context.Context) ([]model.Sample, error) { return s.samples, nil }

func (s *stubSource) SystemStats(ctx context.Context) (model.SystemStats, error) {
	return model.SystemStats{}, s.statsErr
}

func TestTickLogsSystemStatsFailure(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	src := &stubSource{statsErr: errors.New("stats backend down")}

	e := New(Config{WarmupSamples: 1 << 30}, nil, nil, src, zap.New(core))
	e.tick(context.Background())

	if logs.FilterMessage("system stats").Len() != 1 {
		t.Error("system stats failure should be logged at warn")
	}
}

func TestAnalyzeWithTrainedDetector(t *testing.T) {
	e := newTestEngine(t)

	rng := rand.New(rand.NewSource(5))
	var normal []model.Sample
	for i := 0; i < 300; i++ {
		normal = append(normal, model.Sample{
			PID:           10,
			CPUPercent:    10 + rng.Float64()*5,
			MemoryPercent: 20 + rng.Float64()*5,
			Threads:       4,
		})
	}

	// Build history and fit the forest on engineered vectors of normal load.
	data := make([][]float64, 0, len(normal))
	for _, s := range normal {
		window := e.History().Window(s.PID, 100)
		data = append(data, e.feats.EngineerFeatures(s, window))
		e.History().Append(s.PID, s)
	}
	if err := e.detector.Fit(data); err != nil {
		t.Fatalf("Fit returned error: %v", err)
	}

	spike := model.Sample{PID: 10, CPUPercent: 99, MemoryPercent: 95, Threads: 200}
	result := e.Analyze(spike)
	baseline := e.Analyze(normal[0])

	if result.AnomalyScore <= baseline.AnomalyScore {
		t.Errorf("spike score %f should exceed baseline %f", result.AnomalyScore, baseline.AnomalyScore)
	}
	if result.AnomalyScore <= 0 || result.AnomalyScore > 1 {
		t.Errorf("score %f outside (0,1]", result.AnomalyScore)
	}
}

func TestStatus(t *testing.T) {
	e := newTestEngine(t)

	st := e.Status()
	if st.AnomalyDetector.Trained {
		t.Error("anomaly detector should start untrained")
	}
	if st.AnomalyDetector.NumTrees != 30 {
		t.Errorf("num trees = %d, want 30", st.AnomalyDetector.NumTrees)
	}
	if st.Predictor.Trained {
		t.Error("predictor should start untrained")
	}
	if st.Predictor.InputShape != 10 {
		t.Errorf("input shape = %d, want 10", st.Predictor.InputShape)
	}
	if len(st.Classifier.Classes) != len(classify.DefaultLabels) {
		t.Errorf("classes = %v, want default label set", st.Classifier.Classes)
	}
}

func TestTrainClassifierThroughEngine(t *testing.T) {
	e := newTestEngine(t)

	var examples []classify.Example
	for i := 0; i < 10; i++ {
		examples = append(examples,
			classify.Example{Sample: model.Sample{CPUPercent: 90 + float64(i), MemoryPercent: 70}, Label: "ml-training"},
			classify.Example{Sample: model.Sample{CPUPercent: 2, MemoryPercent: 80, NetSentBytes: 1e6}, Label: "cache"},
		)
	}
	if err := e.TrainClassifier(examples); err != nil {
		t.Fatalf("TrainClassifier returned error: %v", err)
	}

	result := e.Analyze(model.Sample{PID: 2, CPUPercent: 95, MemoryPercent: 72, Threads: 8})
	if result.Classification != "ml-training" {
		t.Errorf("classification = %q, want ml-training", result.Classification)
	}
	if result.Confidence <= 0 {
		t.Errorf("confidence = %f, want > 0", result.Confidence)
	}
}
