package features

import (
	"errors"
	"math"
	"testing"
	"time"

	"procpulse/pkg/model"
)

func almostEqual(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

func TestNormalizeDenormalizeRoundTrip(t *testing.T) {
	e := NewEngineer()
	values := []float64{10, 25, 40, 55, 70}

	scaled := e.Normalize(values, "cpu")
	for _, v := range scaled {
		if v < 0 || v > 1 {
			t.Errorf("normalized value %f outside [0,1]", v)
		}
	}

	restored, err := e.Denormalize(scaled, "cpu")
	if err != nil {
		t.Fatalf("Denormalize returned error: %v", err)
	}
	for i := range values {
		if !almostEqual(restored[i], values[i], 1e-9) {
			t.Errorf("round trip mismatch at %d: got %f, want %f", i, restored[i], values[i])
		}
	}
}

func TestDenormalizeUnknownKey(t *testing.T) {
	e := NewEngineer()
	_, err := e.Denormalize([]float64{0.5}, "never-normalized")
	if !errors.Is(err, ErrUnknownScaler) {
		t.Errorf("expected ErrUnknownScaler, got %v", err)
	}
}

func TestNormalizeConstantSeries(t *testing.T) {
	e := NewEngineer()
	scaled := e.Normalize([]float64{5, 5, 5}, "const")
	for _, v := range scaled {
		if v != 0 {
			t.Errorf("constant series should scale to 0, got %f", v)
		}
	}

	restored, err := e.Denormalize(scaled, "const")
	if err != nil {
		t.Fatalf("Denormalize returned error: %v", err)
	}
	for _, v := range restored {
		if v != 5 {
			t.Errorf("expected 5, got %f", v)
		}
	}
}

func TestStandardize(t *testing.T) {
	e := NewEngineer()

	out := e.Standardize([]float64{2, 4, 6}, "x")
	mean := (out[0] + out[1] + out[2]) / 3
	if !almostEqual(mean, 0, 1e-9) {
		t.Errorf("standardized mean should be 0, got %f", mean)
	}

	// Degenerate constant series uses a std floor of 1.
	constant := e.Standardize([]float64{3, 3, 3}, "y")
	for _, v := range constant {
		if v != 0 {
			t.Errorf("constant series should standardize to 0, got %f", v)
		}
	}
}

func TestEngineerFeatures(t *testing.T) {
	e := NewEngineer()
	sample := model.Sample{
		PID:           1,
		CPUPercent:    50,
		MemoryPercent: 20,
		Threads:       4,
		Timestamp:     time.Now(),
	}

	t.Run("empty history zeros statistics", func(t *testing.T) {
		vec := e.EngineerFeatures(sample, nil)
		if len(vec) != FeatureDim {
			t.Fatalf("expected %d features, got %d", FeatureDim, len(vec))
		}
		if vec[0] != 50 || vec[1] != 20 || vec[2] != 4 {
			t.Errorf("unexpected raw features: %v", vec[:3])
		}
		if !almostEqual(vec[3], 12.5, 1e-9) {
			t.Errorf("cpu per thread: got %f, want 12.5", vec[3])
		}
		for i := 5; i < FeatureDim; i++ {
			if vec[i] != 0 {
				t.Errorf("statistical feature %d should be 0 with empty history, got %f", i, vec[i])
			}
		}
	})

	t.Run("history produces rolling stats and trend", func(t *testing.T) {
		history := []model.Sample{
			{CPUPercent: 10, MemoryPercent: 5},
			{CPUPercent: 20, MemoryPercent: 5},
			{CPUPercent: 30, MemoryPercent: 5},
		}
		vec := e.EngineerFeatures(sample, history)
		if !almostEqual(vec[5], 20, 1e-9) {
			t.Errorf("cpu rolling mean: got %f, want 20", vec[5])
		}
		if !almostEqual(vec[7], 10, 1e-9) {
			t.Errorf("cpu trend slope: got %f, want 10", vec[7])
		}
		if !almostEqual(vec[10], 0, 1e-9) {
			t.Errorf("flat memory trend: got %f, want 0", vec[10])
		}
	})

	t.Run("zero threads does not divide by zero", func(t *testing.T) {
		vec := e.EngineerFeatures(model.Sample{CPUPercent: 10}, nil)
		if math.IsNaN(vec[3]) || math.IsInf(vec[3], 0) {
			t.Errorf("per-thread ratio not finite: %f", vec[3])
		}
	})
}

func TestFillMissing(t *testing.T) {
	e := NewEngineer()
	nan := math.NaN()

	tests := []struct {
		name     string
		series   []float64
		strategy FillStrategy
		idx      int
		want     float64
	}{
		{"mean", []float64{1, nan, 3}, FillMean, 1, 2},
		{"median", []float64{1, nan, 3, 100}, FillMedian, 1, 3},
		{"zero", []float64{1, nan, 3}, FillZero, 1, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := e.FillMissing(tt.series, tt.strategy)
			if !almostEqual(out[tt.idx], tt.want, 1e-9) {
				t.Errorf("got %f, want %f", out[tt.idx], tt.want)
			}
		})
	}

	t.Run("all missing returns input unchanged", func(t *testing.T) {
		in := []float64{nan, nan}
		out := e.FillMissing(in, FillMean)
		if len(out) != 2 || !math.IsNaN(out[0]) || !math.IsNaN(out[1]) {
			t.Errorf("expected unchanged input, got %v", out)
		}
	})
}

func TestWindows(t *testing.T) {
	e := NewEngineer()
	series := []float64{1, 2, 3, 4, 5}

	t.Run("window and stride", func(t *testing.T) {
		var got [][]float64
		for w := range e.Windows(series, 3, 1) {
			cp := make([]float64, len(w))
			copy(cp, w)
			got = append(got, cp)
		}
		if len(got) != 3 {
			t.Fatalf("expected 3 windows, got %d", len(got))
		}
		if got[0][0] != 1 || got[2][2] != 5 {
			t.Errorf("unexpected windows: %v", got)
		}
	})

	t.Run("restartable", func(t *testing.T) {
		seq := e.Windows(series, 2, 2)
		first, second := 0, 0
		for range seq {
			first++
		}
		for range seq {
			second++
		}
		if first != second || first != 2 {
			t.Errorf("expected 2 windows on both passes, got %d and %d", first, second)
		}
	})

	t.Run("series shorter than window is empty", func(t *testing.T) {
		count := 0
		for range e.Windows([]float64{1, 2}, 3, 1) {
			count++
		}
		if count != 0 {
			t.Errorf("expected empty sequence, got %d windows", count)
		}
	})
}
