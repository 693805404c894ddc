package anomaly

import (
	"fmt"
	"math/rand"
	"os"
	"sync"
	"time"
)

// Detector wraps a Forest behind a reader-writer lock: Fit holds exclusive
// access while Score and ScoreBatch hold shared access, so many concurrent
// inference calls can proceed between training runs. Inference is fail-safe
// and returns 0 whenever the model is unusable.
type Detector struct {
	mu      sync.RWMutex
	cfg     Config
	forest  *Forest
	rng     *rand.Rand
	trained bool
}

// NewDetector creates an untrained detector.
func NewDetector(cfg Config) *Detector {
	if cfg.NumTrees <= 0 {
		cfg.NumTrees = 100
	}
	if cfg.SampleSize <= 0 {
		cfg.SampleSize = 256
	}
	if cfg.Contamination <= 0 {
		cfg.Contamination = 0.1
	}

	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	return &Detector{
		cfg: cfg,
		rng: rand.New(rand.NewSource(seed)),
	}
}

// Fit trains a fresh forest on the dataset. On failure the previous trained
// state is retained.
func (d *Detector) Fit(data [][]float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	forest := NewForest(d.cfg)
	if err := forest.Fit(data, d.rng); err != nil {
		return fmt.Errorf("fit isolation forest: %w", err)
	}

	d.forest = forest
	d.trained = true
	return nil
}

// Score returns the anomaly score for one feature vector, or 0 if untrained.
func (d *Detector) Score(x []float64) float64 {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if !d.trained || d.forest == nil {
		return 0
	}
	return d.forest.Score(x)
}

// ScoreBatch scores each vector independently.
func (d *Detector) ScoreBatch(xs [][]float64) []float64 {
	out := make([]float64, len(xs))
	for i, x := range xs {
		out[i] = d.Score(x)
	}
	return out
}

// Trained reports whether a forest has been fitted.
func (d *Detector) Trained() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.trained
}

// NumTrees returns the configured ensemble size.
func (d *Detector) NumTrees() int { return d.cfg.NumTrees }

// Save writes the fitted forest to path as JSON.
func (d *Detector) Save(path string) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if !d.trained || d.forest == nil {
		return fmt.Errorf("anomaly: save before fit")
	}
	data, err := d.forest.SaveJSON()
	if err != nil {
		return fmt.Errorf("marshal forest: %w", err)
	}
	if err := os.WriteFile(path, data, 0640); err != nil {
		return fmt.Errorf("write forest: %w", err)
	}
	return nil
}

// Load restores a fitted forest from path and marks the detector trained.
func (d *Detector) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read forest: %w", err)
	}

	forest := NewForest(d.cfg)
	if err := forest.LoadJSON(data); err != nil {
		return fmt.Errorf("unmarshal forest: %w", err)
	}

	d.mu.Lock()
	d.forest = forest
	d.trained = true
	d.mu.Unlock()
	return nil
}
