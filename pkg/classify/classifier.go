// Package classify maps raw per-process metric vectors to workload labels
// using a random forest of gini-split decision trees. Prediction is fail-safe:
// an untrained classifier returns the "unknown" label with zero confidence.
package classify

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"procpulse/pkg/model"
)

// LabelUnknown is returned when no trained model is available.
const LabelUnknown = "unknown"

// DefaultLabels is the fixed workload label set.
var DefaultLabels = []string{
	"web-server",
	"database",
	"application",
	"cache",
	"ml-training",
	"system",
}

// Example is one labeled training observation.
type Example struct {
	Sample model.Sample `json:"sample"`
	Label  string       `json:"label"`
}

// Prediction is the classifier output for one process.
type Prediction struct {
	Class         string             `json:"class"`
	Confidence    float64            `json:"confidence"`
	Probabilities map[string]float64 `json:"probabilities"`
}

// Config holds random forest hyperparameters.
type Config struct {
	NumTrees       int   `json:"num_trees"`
	MaxDepth       int   `json:"max_depth"`
	MinSamplesLeaf int   `json:"min_samples_leaf"`
	Seed           int64 `json:"seed"`
}

// DefaultConfig returns the standard classifier configuration.
func DefaultConfig() Config {
	return Config{NumTrees: 50, MaxDepth: 10, MinSamplesLeaf: 2}
}

// cNode is a decision tree node: leaves carry per-class counts, internal
// nodes own their two children.
type cNode struct {
	Leaf     bool
	Counts   []int // per class index, leaves only
	Dim      int
	SplitVal float64
	Left     *cNode
	Right    *cNode
}

// Classifier is a supervised ensemble over the fixed label set. Train holds
// the write lock; Predict holds the read lock. This forest variant always
// exposes per-class vote fractions as probabilities.
type Classifier struct {
	mu      sync.RWMutex
	cfg     Config
	labels  []string
	index   map[string]int
	trees   []*cNode
	trained bool
}

// NewClassifier creates an untrained classifier over labels
// (DefaultLabels when empty).
func NewClassifier(cfg Config, labels []string) *Classifier {
	if cfg.NumTrees <= 0 {
		cfg.NumTrees = 50
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = 10
	}
	if cfg.MinSamplesLeaf <= 0 {
		cfg.MinSamplesLeaf = 2
	}
	if len(labels) == 0 {
		labels = DefaultLabels
	}

	index := make(map[string]int, len(labels))
	for i, l := range labels {
		index[l] = i
	}
	return &Classifier{cfg: cfg, labels: labels, index: index}
}

// Classes returns the label set.
func (c *Classifier) Classes() []string {
	out := make([]string, len(c.labels))
	copy(out, c.labels)
	return out
}

// Trained reports whether the forest has been fitted.
func (c *Classifier) Trained() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.trained
}

// Train fits the forest on labeled examples. Each tree grows on a bootstrap
// sample, choosing gini-optimal splits among a random sqrt(d) feature subset
// at every node. Examples with labels outside the configured set are
// rejected. On failure the prior trained state is retained.
func (c *Classifier) Train(examples []Example) error {
	if len(examples) < 2 {
		return fmt.Errorf("classify: need at least 2 examples, got %d", len(examples))
	}

	vectors := make([][]float64, len(examples))
	classes := make([]int, len(examples))
	for i, ex := range examples {
		idx, ok := c.index[ex.Label]
		if !ok {
			return fmt.Errorf("classify: unknown label %q", ex.Label)
		}
		vectors[i] = ex.Sample.Vector()
		classes[i] = idx
	}

	seed := c.cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	nFeatures := len(vectors[0])
	mtry := int(math.Ceil(math.Sqrt(float64(nFeatures))))

	trees := make([]*cNode, c.cfg.NumTrees)
	for t := 0; t < c.cfg.NumTrees; t++ {
		sampleVecs := make([][]float64, len(vectors))
		sampleCls := make([]int, len(vectors))
		for j := range vectors {
			k := rng.Intn(len(vectors))
			sampleVecs[j] = vectors[k]
			sampleCls[j] = classes[k]
		}
		trees[t] = c.buildTree(sampleVecs, sampleCls, 0, mtry, rng)
	}

	c.mu.Lock()
	c.trees = trees
	c.trained = true
	c.mu.Unlock()
	return nil
}

func (c *Classifier) buildTree(vecs [][]float64, cls []int, depth, mtry int, rng *rand.Rand) *cNode {
	if depth >= c.cfg.MaxDepth || len(vecs) <= c.cfg.MinSamplesLeaf || pure(cls) {
		return c.leaf(cls)
	}

	dim, split, ok := c.bestSplit(vecs, cls, mtry, rng)
	if !ok {
		return c.leaf(cls)
	}

	var lv, rv [][]float64
	var lc, rc []int
	for i, v := range vecs {
		if v[dim] < split {
			lv = append(lv, v)
			lc = append(lc, cls[i])
		} else {
			rv = append(rv, v)
			rc = append(rc, cls[i])
		}
	}
	if len(lv) == 0 || len(rv) == 0 {
		return c.leaf(cls)
	}

	return &cNode{
		Dim:      dim,
		SplitVal: split,
		Left:     c.buildTree(lv, lc, depth+1, mtry, rng),
		Right:    c.buildTree(rv, rc, depth+1, mtry, rng),
	}
}

func (c *Classifier) leaf(cls []int) *cNode {
	counts := make([]int, len(c.labels))
	for _, k := range cls {
		counts[k]++
	}
	return &cNode{Leaf: true, Counts: counts}
}

func pure(cls []int) bool {
	for _, k := range cls[1:] {
		if k != cls[0] {
			return false
		}
	}
	return true
}

// bestSplit searches a random feature subset for the split minimizing
// weighted gini impurity, with candidate thresholds at midpoints between
// consecutive sorted feature values.
func (c *Classifier) bestSplit(vecs [][]float64, cls []int, mtry int, rng *rand.Rand) (int, float64, bool) {
	nFeatures := len(vecs[0])
	dims := rng.Perm(nFeatures)
	if mtry < nFeatures {
		dims = dims[:mtry]
	}

	bestGini := math.Inf(1)
	bestDim, bestSplit := -1, 0.0

	for _, dim := range dims {
		values := make([]float64, len(vecs))
		for i, v := range vecs {
			values[i] = v[dim]
		}
		sort.Float64s(values)

		for i := 1; i < len(values); i++ {
			if values[i] == values[i-1] {
				continue
			}
			split := (values[i-1] + values[i]) / 2

			leftCounts := make([]int, len(c.labels))
			rightCounts := make([]int, len(c.labels))
			nl, nr := 0, 0
			for j, v := range vecs {
				if v[dim] < split {
					leftCounts[cls[j]]++
					nl++
				} else {
					rightCounts[cls[j]]++
					nr++
				}
			}

			g := (float64(nl)*gini(leftCounts, nl) + float64(nr)*gini(rightCounts, nr)) / float64(nl+nr)
			if g < bestGini {
				bestGini = g
				bestDim = dim
				bestSplit = split
			}
		}
	}

	return bestDim, bestSplit, bestDim >= 0
}

func gini(counts []int, total int) float64 {
	if total == 0 {
		return 0
	}
	g := 1.0
	for _, n := range counts {
		p := float64(n) / float64(total)
		g -= p * p
	}
	return g
}

// Predict classifies one process sample. Untrained classifiers return
// {unknown, 0, empty} and never fail.
func (c *Classifier) Predict(sample model.Sample) Prediction {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.trained || len(c.trees) == 0 {
		return Prediction{Class: LabelUnknown, Probabilities: map[string]float64{}}
	}

	votes := make([]float64, len(c.labels))
	x := sample.Vector()
	for _, tree := range c.trees {
		nd := tree
		for !nd.Leaf {
			if x[nd.Dim] < nd.SplitVal {
				nd = nd.Left
			} else {
				nd = nd.Right
			}
		}
		// A leaf votes with its class distribution.
		total := 0
		for _, n := range nd.Counts {
			total += n
		}
		if total == 0 {
			continue
		}
		for k, n := range nd.Counts {
			votes[k] += float64(n) / float64(total)
		}
	}

	sum := 0.0
	for _, v := range votes {
		sum += v
	}
	if sum == 0 {
		return Prediction{Class: LabelUnknown, Probabilities: map[string]float64{}}
	}

	probs := make(map[string]float64, len(c.labels))
	best, bestIdx := -1.0, 0
	for k, v := range votes {
		p := v / sum
		probs[c.labels[k]] = p
		if p > best {
			best = p
			bestIdx = k
		}
	}

	return Prediction{
		Class:         c.labels[bestIdx],
		Confidence:    best,
		Probabilities: probs,
	}
}

// PredictBatch classifies each sample independently.
func (c *Classifier) PredictBatch(samples []model.Sample) []Prediction {
	out := make([]Prediction, len(samples))
	for i, s := range samples {
		out[i] = c.Predict(s)
	}
	return out
}
