// Package model loads the liquidity classifier artifact and runs inference.
package model

import (
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/floatwatch/internal/config"
	"github.com/sawpanic/floatwatch/internal/features"
)

var (
	// ErrModelUnavailable is returned by Classify before a model has loaded
	ErrModelUnavailable = errors.New("liquidity model not loaded")

	// ErrInvalidShape is returned for a vector the network cannot accept
	ErrInvalidShape = errors.New("invalid feature vector shape")
)

// NumClasses is the classifier's output width
const NumClasses = 3

// Class is a liquidity posture
type Class int

const (
	LowEFloat Class = iota
	Balanced
	CashRich
)

func (c Class) String() string {
	switch c {
	case LowEFloat:
		return "LOW_E_FLOAT"
	case Balanced:
		return "BALANCED"
	case CashRich:
		return "CASH_RICH"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the class name in JSON
func (c Class) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// Probabilities per class; they sum to 1
type Probabilities struct {
	Low      float64 `json:"low"`
	Balanced float64 `json:"balanced"`
	Rich     float64 `json:"rich"`
}

// Prediction is one classifier result
type Prediction struct {
	Class         Class         `json:"predicted_class"`
	Probabilities Probabilities `json:"probabilities"`
	Confidence    float64       `json:"confidence"`
}

type loaded struct {
	net      *Network
	loadedAt time.Time
}

// Classifier holds the current network and swaps it atomically on reload.
// Construct one per process and share it.
type Classifier struct {
	path    string
	current atomic.Pointer[loaded]
}

// NewClassifier creates an unloaded classifier for the artifact directory
func NewClassifier(cfg config.ModelConfig) *Classifier {
	return &Classifier{path: cfg.Path}
}

// Path returns the artifact directory
func (c *Classifier) Path() string { return c.path }

// Initialize loads the artifact. A failure leaves the classifier in
// no-prediction mode; the caller decides whether that is fatal.
func (c *Classifier) Initialize() error {
	return c.Reload()
}

// Reload loads the artifact again and swaps it in. On failure the
// previously loaded network, if any, keeps serving.
func (c *Classifier) Reload() error {
	net, err := Load(c.path)
	if err != nil {
		log.Error().Err(err).Str("path", c.path).Bool("serving_previous", c.IsReady()).
			Msg("Failed to load liquidity model")
		return err
	}
	c.current.Store(&loaded{net: net, loadedAt: time.Now().UTC()})
	log.Info().Str("path", c.path).Int("layers", len(net.layers)).Msg("Liquidity model loaded")
	return nil
}

// IsReady reports whether a network is loaded
func (c *Classifier) IsReady() bool {
	return c.current.Load() != nil
}

// LoadedAt returns when the serving network was loaded
func (c *Classifier) LoadedAt() (time.Time, bool) {
	l := c.current.Load()
	if l == nil {
		return time.Time{}, false
	}
	return l.loadedAt, true
}

// Classify runs a feature vector through the serving network
func (c *Classifier) Classify(v features.Vector) (Prediction, error) {
	return c.ClassifyValues(v.Slice())
}

// ClassifyValues is Classify for a raw slice
func (c *Classifier) ClassifyValues(x []float64) (Prediction, error) {
	l := c.current.Load()
	if l == nil {
		return Prediction{}, ErrModelUnavailable
	}
	if len(x) != l.net.InputSize {
		return Prediction{}, fmt.Errorf("%w: got %d values, want %d", ErrInvalidShape, len(x), l.net.InputSize)
	}
	for i, f := range x {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return Prediction{}, fmt.Errorf("%w: feature %d is %v", ErrInvalidShape, i, f)
		}
	}

	out := l.net.Forward(x)
	if !l.net.EndsWithSoftmax() || !normalize(out) {
		softmax(out)
	}
	return predictionFrom(out), nil
}

func predictionFrom(p []float64) Prediction {
	best := 0
	for i := 1; i < len(p); i++ {
		if p[i] > p[best] {
			best = i
		}
	}
	return Prediction{
		Class:         Class(best),
		Probabilities: Probabilities{Low: p[0], Balanced: p[1], Rich: p[2]},
		Confidence:    p[best],
	}
}

// Load reads and validates an artifact directory without installing it
func Load(dir string) (*Network, error) {
	net, err := readArtifact(dir)
	if err != nil {
		return nil, err
	}
	if net.InputSize != features.Size {
		return nil, fmt.Errorf("model expects %d inputs, feature vector has %d", net.InputSize, features.Size)
	}
	if net.OutputSize != NumClasses {
		return nil, fmt.Errorf("model yields %d outputs, want %d", net.OutputSize, NumClasses)
	}
	return net, nil
}
