// Package forecast implements short-horizon forecasting of scalar process
// metrics. A fixed lookback window of the series feeds a small feedforward
// regressor trained end to end with the series' min-max scaling; inference
// always degrades to a last-value default instead of failing.
package forecast

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"os"
	"sync"
	"time"
)

// Config holds predictor hyperparameters.
type Config struct {
	// Lookback is the input window length.
	Lookback int `json:"lookback"`
	// Hidden is the width of the hidden layer.
	Hidden int `json:"hidden"`
	// LearningRate for gradient descent. Zero selects the default.
	LearningRate float64 `json:"learning_rate"`
	// Seed makes weight initialization reproducible. Zero seeds from the clock.
	Seed int64 `json:"seed"`
}

// DefaultConfig returns the standard predictor configuration.
func DefaultConfig() Config {
	return Config{Lookback: 10, Hidden: 50, LearningRate: 0.01}
}

// scaler holds fitted min-max parameters for the trained series.
type scaler struct {
	Min   float64 `json:"min"`
	Range float64 `json:"range"`
}

func fitScaler(series []float64) scaler {
	minV, maxV := series[0], series[0]
	for _, v := range series {
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
	return scaler{Min: minV, Range: rng}
}

func (s scaler) apply(v float64) float64  { return (v - s.Min) / s.Range }
func (s scaler) invert(v float64) float64 { return v*s.Range + s.Min }

// network is a single-hidden-layer regressor: lookback inputs, ReLU hidden
// units, one linear output.
type network struct {
	W1 [][]float64 `json:"w1"` // hidden x lookback
	B1 []float64   `json:"b1"`
	W2 []float64   `json:"w2"` // hidden
	B2 float64     `json:"b2"`
}

func newNetwork(lookback, hidden int, rng *rand.Rand) *network {
	// Small symmetric init keeps early gradients stable.
	scale := 1.0 / math.Sqrt(float64(lookback))
	n := &network{
		W1: make([][]float64, hidden),
		B1: make([]float64, hidden),
		W2: make([]float64, hidden),
	}
	for h := 0; h < hidden; h++ {
		n.W1[h] = make([]float64, lookback)
		for i := range n.W1[h] {
			n.W1[h][i] = (rng.Float64()*2 - 1) * scale
		}
		n.W2[h] = (rng.Float64()*2 - 1) / math.Sqrt(float64(hidden))
	}
	return n
}

// forward returns the prediction and the hidden activations needed for the
// backward pass.
func (n *network) forward(x []float64) (float64, []float64) {
	hidden := make([]float64, len(n.W1))
	out := n.B2
	for h, row := range n.W1 {
		z := n.B1[h]
		for i, w := range row {
			z += w * x[i]
		}
		if z < 0 {
			z = 0 // ReLU
		}
		hidden[h] = z
		out += n.W2[h] * z
	}
	return out, hidden
}

// step applies one gradient-descent update for a single (x, target) pair
// under squared-error loss.
func (n *network) step(x []float64, target, lr float64) {
	pred, hidden := n.forward(x)
	grad := pred - target

	for h := range n.W1 {
		gw2 := grad * hidden[h]
		if hidden[h] > 0 {
			gh := grad * n.W2[h]
			for i := range n.W1[h] {
				n.W1[h][i] -= lr * gh * x[i]
			}
			n.B1[h] -= lr * gh
		}
		n.W2[h] -= lr * gw2
	}
	n.B2 -= lr * grad
}

// Predictor forecasts the next value(s) of a scalar series. Train holds the
// write lock; Predict and PredictMultiStep hold the read lock and never
// return an error: an unusable model yields the last element of the input
// window (or 0 when the window is empty).
type Predictor struct {
	mu      sync.RWMutex
	cfg     Config
	net     *network
	scale   scaler
	trained bool
}

// NewPredictor creates an untrained predictor.
func NewPredictor(cfg Config) *Predictor {
	if cfg.Lookback <= 0 {
		cfg.Lookback = 10
	}
	if cfg.Hidden <= 0 {
		cfg.Hidden = 50
	}
	if cfg.LearningRate <= 0 {
		cfg.LearningRate = 0.01
	}
	return &Predictor{cfg: cfg}
}

// Lookback returns the configured input window length.
func (p *Predictor) Lookback() int { return p.cfg.Lookback }

// Trained reports whether the model has been fitted.
func (p *Predictor) Trained() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.trained
}

// Train fits the regressor on the series: the whole series is min-max
// normalized, sliding lookback windows become training pairs, and the network
// is trained for the given epochs with mini-batch shuffling. On failure the
// prior trained state is retained.
func (p *Predictor) Train(series []float64, epochs, batchSize int) error {
	if len(series) < p.cfg.Lookback+1 {
		return fmt.Errorf("forecast: need at least %d points, got %d", p.cfg.Lookback+1, len(series))
	}
	for _, v := range series {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("forecast: series contains non-finite values")
		}
	}
	if epochs <= 0 {
		epochs = 50
	}
	if batchSize <= 0 {
		batchSize = 32
	}

	sc := fitScaler(series)
	scaled := make([]float64, len(series))
	for i, v := range series {
		scaled[i] = sc.apply(v)
	}

	// Sliding lookback -> next-value pairs.
	nPairs := len(scaled) - p.cfg.Lookback
	inputs := make([][]float64, nPairs)
	targets := make([]float64, nPairs)
	for i := 0; i < nPairs; i++ {
		inputs[i] = scaled[i : i+p.cfg.Lookback]
		targets[i] = scaled[i+p.cfg.Lookback]
	}

	seed := p.cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	net := newNetwork(p.cfg.Lookback, p.cfg.Hidden, rng)
	order := make([]int, nPairs)
	for i := range order {
		order[i] = i
	}

	for epoch := 0; epoch < epochs; epoch++ {
		rng.Shuffle(nPairs, func(i, j int) { order[i], order[j] = order[j], order[i] })
		for start := 0; start < nPairs; start += batchSize {
			end := start + batchSize
			if end > nPairs {
				end = nPairs
			}
			for _, idx := range order[start:end] {
				net.step(inputs[idx], targets[idx], p.cfg.LearningRate)
			}
		}
	}

	p.mu.Lock()
	p.net = net
	p.scale = sc
	p.trained = true
	p.mu.Unlock()
	return nil
}

// failSafe returns the last element of window, or 0 when empty.
func failSafe(window []float64) float64 {
	if len(window) == 0 {
		return 0
	}
	return window[len(window)-1]
}

// Predict forecasts the next value after window. When the model is untrained
// or the input is unusable it returns the fail-safe default.
func (p *Predictor) Predict(window []float64) float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.trained || p.net == nil || len(window) < p.cfg.Lookback {
		return failSafe(window)
	}

	recent := window[len(window)-p.cfg.Lookback:]
	x := make([]float64, p.cfg.Lookback)
	for i, v := range recent {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return failSafe(window)
		}
		x[i] = p.scale.apply(v)
	}

	out, _ := p.net.forward(x)
	pred := p.scale.invert(out)
	if math.IsNaN(pred) || math.IsInf(pred, 0) {
		return failSafe(window)
	}
	return pred
}

// PredictMultiStep forecasts steps values, feeding each prediction back into
// the window as synthetic history.
func (p *Predictor) PredictMultiStep(window []float64, steps int) []float64 {
	if steps <= 0 {
		return []float64{}
	}

	out := make([]float64, 0, steps)
	buf := make([]float64, len(window))
	copy(buf, window)

	for i := 0; i < steps; i++ {
		next := p.Predict(buf)
		out = append(out, next)
		buf = append(buf, next)
	}
	return out
}

// persisted is the on-disk model shape.
type persisted struct {
	Config  Config   `json:"config"`
	Scaler  scaler   `json:"scaler"`
	Network *network `json:"network"`
}

// Save writes the fitted model and its scaling parameters to path.
func (p *Predictor) Save(path string) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.trained || p.net == nil {
		return fmt.Errorf("forecast: save before train")
	}
	data, err := json.Marshal(persisted{Config: p.cfg, Scaler: p.scale, Network: p.net})
	if err != nil {
		return fmt.Errorf("marshal predictor: %w", err)
	}
	if err := os.WriteFile(path, data, 0640); err != nil {
		return fmt.Errorf("write predictor: %w", err)
	}
	return nil
}

// Load restores a fitted model from path.
func (p *Predictor) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read predictor: %w", err)
	}

	var saved persisted
	if err := json.Unmarshal(data, &saved); err != nil {
		return fmt.Errorf("unmarshal predictor: %w", err)
	}
	if saved.Network == nil || saved.Config.Lookback <= 0 {
		return fmt.Errorf("forecast: corrupt model file %s", path)
	}

	p.mu.Lock()
	p.cfg = saved.Config
	p.scale = saved.Scaler
	p.net = saved.Network
	p.trained = true
	p.mu.Unlock()
	return nil
}
