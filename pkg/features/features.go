// Package features implements the feature-engineering layer: min-max and
// z-score scaling with remembered parameters, derived per-process feature
// vectors, missing-value imputation, and sliding-window generation.
package features

import (
	"errors"
	"fmt"
	"iter"
	"math"
	"sort"
	"sync"

	"procpulse/pkg/model"
)

// ErrUnknownScaler is returned when Denormalize is called for a feature key
// that was never normalized.
var ErrUnknownScaler = errors.New("features: unknown scaler key")

// FillStrategy selects how missing values are imputed.
type FillStrategy string

const (
	FillMean   FillStrategy = "mean"
	FillMedian FillStrategy = "median"
	FillZero   FillStrategy = "zero"
)

// scalerParams holds fitted min-max parameters for one feature key.
type scalerParams struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Range float64 `json:"range"`
}

// zscoreParams holds fitted standardization parameters for one feature key.
type zscoreParams struct {
	Mean float64 `json:"mean"`
	Std  float64 `json:"std"`
}

// Engineer derives model-ready feature vectors from raw samples and keeps the
// per-feature scaling parameters needed to invert normalization later.
type Engineer struct {
	mu       sync.RWMutex
	scalers  map[string]scalerParams
	zscalers map[string]zscoreParams
}

// NewEngineer creates an Engineer with no fitted scalers.
func NewEngineer() *Engineer {
	return &Engineer{
		scalers:  make(map[string]scalerParams),
		zscalers: make(map[string]zscoreParams),
	}
}

// Normalize min-max scales values to [0,1] and records the parameters under
// key for later inversion. A constant series scales to all zeros with a
// recorded range of 1.
func (e *Engineer) Normalize(values []float64, key string) []float64 {
	if len(values) == 0 {
		return []float64{}
	}

	minV, maxV := values[0], values[0]
	for _, v := range values {
		if v < minV {
			minV = v
		}
		if v > maxV {
			maxV = v
		}
	}

	rng := maxV - minV
	if rng == 0 {
		rng = 1
	}

	e.mu.Lock()
	e.scalers[key] = scalerParams{Min: minV, Max: maxV, Range: rng}
	e.mu.Unlock()

	out := make([]float64, len(values))
	for i, v := range values {
		out[i] = (v - minV) / rng
	}
	return out
}

// Denormalize inverts a previous Normalize call for the same key.
func (e *Engineer) Denormalize(values []float64, key string) ([]float64, error) {
	e.mu.RLock()
	p, ok := e.scalers[key]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownScaler, key)
	}

	out := make([]float64, len(values))
	for i, v := range values {
		out[i] = v*p.Range + p.Min
	}
	return out, nil
}

// Standardize z-scores values using the population mean and standard
// deviation, recording the parameters under key. A degenerate (constant)
// series uses a std floor of 1 so the result is defined.
func (e *Engineer) Standardize(values []float64, key string) []float64 {
	if len(values) == 0 {
		return []float64{}
	}

	mean := meanOf(values)
	std := stdOf(values, mean)
	if std == 0 {
		std = 1
	}

	e.mu.Lock()
	e.zscalers[key] = zscoreParams{Mean: mean, Std: std}
	e.mu.Unlock()

	out := make([]float64, len(values))
	for i, v := range values {
		out[i] = (v - mean) / std
	}
	return out
}

// FeatureDim is the length of the engineered vector.
// Order: cpu, memory, threads, cpuPerThread, memPerThread,
// cpuMean, cpuStd, cpuTrend, memMean, memStd, memTrend.
const FeatureDim = 11

// EngineerFeatures builds the engineered feature vector from the current
// sample and its recent history window. Rolling statistics and trend slopes
// are zero when the history is empty.
func (e *Engineer) EngineerFeatures(sample model.Sample, history []model.Sample) []float64 {
	threads := float64(sample.Threads)
	if threads < 1 {
		threads = 1
	}

	v := make([]float64, 0, FeatureDim)
	v = append(v,
		sample.CPUPercent,
		sample.MemoryPercent,
		float64(sample.Threads),
		sample.CPUPercent/threads,
		sample.MemoryPercent/threads,
	)

	var cpuSeries, memSeries []float64
	for _, h := range history {
		cpuSeries = append(cpuSeries, h.CPUPercent)
		memSeries = append(memSeries, h.MemoryPercent)
	}

	for _, series := range [][]float64{cpuSeries, memSeries} {
		if len(series) == 0 {
			v = append(v, 0, 0, 0)
			continue
		}
		mean := meanOf(series)
		v = append(v, mean, stdOf(series, mean), trendOf(series))
	}

	return v
}

// FillMissing replaces NaN and infinite entries according to the strategy.
// If the series contains no valid values, it is returned unchanged.
func (e *Engineer) FillMissing(series []float64, strategy FillStrategy) []float64 {
	valid := make([]float64, 0, len(series))
	for _, v := range series {
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			valid = append(valid, v)
		}
	}
	if len(valid) == 0 || len(valid) == len(series) {
		return series
	}

	var fill float64
	switch strategy {
	case FillMean:
		fill = meanOf(valid)
	case FillMedian:
		fill = medianOf(valid)
	case FillZero:
		fill = 0
	default:
		fill = 0
	}

	out := make([]float64, len(series))
	for i, v := range series {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			out[i] = fill
		} else {
			out[i] = v
		}
	}
	return out
}

// Windows returns a lazy, restartable sequence of contiguous windows of
// length windowSize over series, advancing by stride. The sequence is empty
// when the series is shorter than windowSize. Each yielded slice aliases the
// underlying series and must not be mutated by the consumer.
func (e *Engineer) Windows(series []float64, windowSize, stride int) iter.Seq[[]float64] {
	return func(yield func([]float64) bool) {
		if windowSize <= 0 || stride <= 0 || len(series) < windowSize {
			return
		}
		for start := 0; start+windowSize <= len(series); start += stride {
			if !yield(series[start : start+windowSize]) {
				return
			}
		}
	}
}

// Statistical helpers.

func meanOf(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func stdOf(values []float64, mean float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sumSq := 0.0
	for _, v := range values {
		d := v - mean
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(len(values)))
}

func medianOf(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

// trendOf returns the ordinary least squares slope of value against index.
func trendOf(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}

	n := float64(len(values))
	sumX, sumY, sumXY, sumXX := 0.0, 0.0, 0.0, 0.0
	for i, y := range values {
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}

	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (n*sumXY - sumX*sumY) / denom
}
