package forecast

import (
	"math"
	"path/filepath"
	"testing"
)

func TestPredictUntrainedFailSafe(t *testing.T) {
	p := NewPredictor(DefaultConfig())

	tests := []struct {
		name   string
		window []float64
		want   float64
	}{
		{"empty window", nil, 0},
		{"short window", []float64{1, 2, 3}, 3},
		{"full window", []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.Predict(tt.window); got != tt.want {
				t.Errorf("Predict = %f, want fail-safe %f", got, tt.want)
			}
		})
	}
}

func TestTrainRejectsShortSeries(t *testing.T) {
	p := NewPredictor(Config{Lookback: 10, Seed: 1})
	if err := p.Train([]float64{1, 2, 3}, 10, 4); err == nil {
		t.Error("Train on a too-short series should fail")
	}
	if p.Trained() {
		t.Error("failed training must leave the model untrained")
	}
}

func TestTrainRejectsNonFinite(t *testing.T) {
	p := NewPredictor(Config{Lookback: 3, Seed: 1})
	series := []float64{1, 2, math.NaN(), 4, 5}
	if err := p.Train(series, 10, 4); err == nil {
		t.Error("Train on a series with NaN should fail")
	}
}

func TestTrainAndPredictConstantSeries(t *testing.T) {
	p := NewPredictor(Config{Lookback: 5, Hidden: 20, Seed: 42})

	series := make([]float64, 60)
	for i := range series {
		series[i] = 50
	}
	if err := p.Train(series, 80, 16); err != nil {
		t.Fatalf("Train returned error: %v", err)
	}
	if !p.Trained() {
		t.Fatal("predictor should be trained")
	}

	got := p.Predict(series[:10])
	if math.Abs(got-50) > 2 {
		t.Errorf("constant series prediction %f not near 50", got)
	}
}

func TestPredictStaysFiniteAndBounded(t *testing.T) {
	p := NewPredictor(Config{Lookback: 10, Hidden: 30, Seed: 7})

	series := make([]float64, 100)
	for i := range series {
		series[i] = 40 + 20*math.Sin(float64(i)/8)
	}
	if err := p.Train(series, 60, 16); err != nil {
		t.Fatalf("Train returned error: %v", err)
	}

	got := p.Predict(series[len(series)-10:])
	if math.IsNaN(got) || math.IsInf(got, 0) {
		t.Fatalf("prediction not finite: %f", got)
	}
	// The scaler bounds single-step forecasts to roughly the training range.
	if got < 0 || got > 100 {
		t.Errorf("prediction %f far outside training range [20,60]", got)
	}
}

func TestPredictMultiStep(t *testing.T) {
	p := NewPredictor(DefaultConfig())

	t.Run("untrained returns fail-safe copies", func(t *testing.T) {
		out := p.PredictMultiStep([]float64{1, 2, 3}, 4)
		if len(out) != 4 {
			t.Fatalf("expected 4 predictions, got %d", len(out))
		}
		for _, v := range out {
			if v != 3 {
				t.Errorf("untrained multi-step value %f, want last value 3", v)
			}
		}
	})

	t.Run("zero steps", func(t *testing.T) {
		if out := p.PredictMultiStep([]float64{1}, 0); len(out) != 0 {
			t.Errorf("expected empty result, got %v", out)
		}
	})

	t.Run("trained returns steps values", func(t *testing.T) {
		tp := NewPredictor(Config{Lookback: 5, Hidden: 20, Seed: 3})
		series := make([]float64, 50)
		for i := range series {
			series[i] = float64(30 + i%5)
		}
		if err := tp.Train(series, 40, 8); err != nil {
			t.Fatalf("Train returned error: %v", err)
		}
		out := tp.PredictMultiStep(series[:10], 5)
		if len(out) != 5 {
			t.Fatalf("expected 5 predictions, got %d", len(out))
		}
		for _, v := range out {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				t.Errorf("multi-step value not finite: %f", v)
			}
		}
	})
}

func TestSaveLoadRoundTrip(t *testing.T) {
	p := NewPredictor(Config{Lookback: 5, Hidden: 10, Seed: 5})
	series := make([]float64, 40)
	for i := range series {
		series[i] = float64(i % 7)
	}
	if err := p.Train(series, 30, 8); err != nil {
		t.Fatalf("Train returned error: %v", err)
	}

	path := filepath.Join(t.TempDir(), "predictor.json")
	if err := p.Save(path); err != nil {
		t.Fatalf("Save returned error: %v", err)
	}

	restored := NewPredictor(DefaultConfig())
	if err := restored.Load(path); err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !restored.Trained() {
		t.Fatal("loaded predictor should be trained")
	}

	window := series[len(series)-5:]
	if got, want := restored.Predict(window), p.Predict(window); got != want {
		t.Errorf("loaded prediction %f differs from original %f", got, want)
	}
}

func TestSaveBeforeTrain(t *testing.T) {
	p := NewPredictor(DefaultConfig())
	if err := p.Save(filepath.Join(t.TempDir(), "x.json")); err == nil {
		t.Error("Save before Train should fail")
	}
}
