// Package anomaly implements unsupervised anomaly detection over engineered
// feature vectors using an isolation forest: an ensemble of randomly
// partitioned binary trees in which anomalous points isolate in fewer splits
// than normal points.
package anomaly

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// eulerMascheroni is used in the expected-path-length correction term.
const eulerMascheroni = 0.5772156649

// Config holds isolation forest hyperparameters.
type Config struct {
	NumTrees      int     `json:"num_trees"`
	SampleSize    int     `json:"sample_size"`
	Contamination float64 `json:"contamination"`
	// Seed makes tree construction reproducible. Zero seeds from the clock.
	Seed int64 `json:"seed"`
}

// DefaultConfig returns the standard forest configuration.
func DefaultConfig() Config {
	return Config{NumTrees: 100, SampleSize: 256, Contamination: 0.1}
}

// Forest is a trained isolation forest. It is not safe for concurrent use
// with Fit; Detector provides the reader-writer discipline.
type Forest struct {
	Trees      []*node `json:"trees"`
	NumTrees   int     `json:"num_trees"`
	SampleSize int     `json:"sample_size"`
	HeightLim  int     `json:"height_limit"`
}

// node is a tagged tree variant: a leaf stores the remaining subset size, an
// internal node stores its split and exclusively owns its two children.
type node struct {
	Leaf     bool    `json:"leaf"`
	Size     int     `json:"size"`
	Dim      int     `json:"dim"`
	SplitVal float64 `json:"split_val"`
	Left     *node   `json:"left,omitempty"`
	Right    *node   `json:"right,omitempty"`
}

// NewForest creates an untrained forest, applying defaults for
// non-positive hyperparameters.
func NewForest(cfg Config) *Forest {
	if cfg.NumTrees <= 0 {
		cfg.NumTrees = 100
	}
	if cfg.SampleSize <= 0 {
		cfg.SampleSize = 256
	}
	return &Forest{
		NumTrees:   cfg.NumTrees,
		SampleSize: cfg.SampleSize,
		HeightLim:  int(math.Ceil(math.Log2(float64(cfg.SampleSize)))),
	}
}

// Fit builds the ensemble. Each tree is grown on a bootstrap sample of size
// min(SampleSize, |data|) drawn with replacement, partitioned on uniformly
// random (feature, split) pairs until a subset has at most one point, the
// height limit is reached, or a split cannot separate the subset.
func (f *Forest) Fit(data [][]float64, rng *rand.Rand) error {
	if len(data) == 0 {
		return fmt.Errorf("anomaly: empty training set")
	}
	if len(data[0]) == 0 {
		return fmt.Errorf("anomaly: zero-dimensional training data")
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	n := len(data)
	m := f.SampleSize
	if m > n {
		m = n
	}

	trees := make([]*node, f.NumTrees)
	for i := 0; i < f.NumTrees; i++ {
		sample := make([][]float64, m)
		for j := 0; j < m; j++ {
			sample[j] = data[rng.Intn(n)]
		}
		trees[i] = buildNode(sample, 0, f.HeightLim, rng)
	}
	f.Trees = trees
	return nil
}

func buildNode(subset [][]float64, depth, heightLim int, rng *rand.Rand) *node {
	if len(subset) <= 1 || depth >= heightLim {
		return &node{Leaf: true, Size: len(subset)}
	}

	dim := rng.Intn(len(subset[0]))
	minV, maxV := subset[0][dim], subset[0][dim]
	for _, row := range subset[1:] {
		v := row[dim]
		if v < minV {
			minV = v
		}
		if v > maxV {
			maxV = v
		}
	}
	if minV == maxV {
		return &node{Leaf: true, Size: len(subset)}
	}

	split := minV + rng.Float64()*(maxV-minV)
	left := make([][]float64, 0, len(subset))
	right := make([][]float64, 0, len(subset))
	for _, row := range subset {
		if row[dim] < split {
			left = append(left, row)
		} else {
			right = append(right, row)
		}
	}
	if len(left) == 0 || len(right) == 0 {
		return &node{Leaf: true, Size: len(subset)}
	}

	return &node{
		Dim:      dim,
		SplitVal: split,
		Left:     buildNode(left, depth+1, heightLim, rng),
		Right:    buildNode(right, depth+1, heightLim, rng),
	}
}

// cFactor is the average unsuccessful-search path length of a binary search
// tree over n points, used to normalize observed depths. c(n)=0 for n<=1.
func cFactor(n int) float64 {
	if n <= 1 {
		return 0
	}
	return 2.0*(math.Log(float64(n-1))+eulerMascheroni) - 2.0*float64(n-1)/float64(n)
}

// pathLength descends one tree for x, returning traversed depth plus the
// leaf's expected residual depth.
func pathLength(nd *node, x []float64, depth int) float64 {
	for !nd.Leaf {
		if nd.Dim >= len(x) {
			break
		}
		if x[nd.Dim] < nd.SplitVal {
			nd = nd.Left
		} else {
			nd = nd.Right
		}
		depth++
	}
	return float64(depth) + cFactor(nd.Size)
}

// Score returns the anomaly score in (0,1] for x, higher meaning more
// anomalous. An empty ensemble scores 0.
func (f *Forest) Score(x []float64) float64 {
	if len(f.Trees) == 0 || len(x) == 0 {
		return 0
	}

	sum := 0.0
	for _, t := range f.Trees {
		sum += pathLength(t, x, 0)
	}
	avg := sum / float64(len(f.Trees))

	c := cFactor(f.SampleSize)
	if c <= 0 {
		c = 1
	}
	score := math.Pow(2, -avg/c)
	if math.IsNaN(score) || math.IsInf(score, 0) {
		return 0
	}
	return score
}

// The forest serializes as plain JSON so trained models survive restarts.

func (f *Forest) SaveJSON() ([]byte, error) { return json.Marshal(f) }
func (f *Forest) LoadJSON(b []byte) error   { return json.Unmarshal(b, f) }
