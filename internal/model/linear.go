package model

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
)

type Scaler interface {
	Scale(features []float32) ([]float32, error)
}

// Classifier reports whether features fall on the positive side of the
// decision boundary together with the positive-class probability.
type Classifier interface {
	Classify(features []float32) (positive bool, probability float64, err error)
}

// StandardScaler applies a fitted per-feature (x - mean) / scale.
type StandardScaler struct {
	mean  []float64
	scale []float64
}

func NewStandardScaler(mean, scale []float64) (*StandardScaler, error) {
	if len(mean) == 0 || len(mean) != len(scale) {
		return nil, fmt.Errorf("scaler: mean has %d values, scale has %d", len(mean), len(scale))
	}
	s := &StandardScaler{
		mean:  append([]float64(nil), mean...),
		scale: make([]float64, len(scale)),
	}
	for i, v := range scale {
		// constant features were fit with zero variance
		if v == 0 {
			v = 1
		}
		s.scale[i] = v
	}
	return s, nil
}

func (s *StandardScaler) Len() int { return len(s.mean) }

func (s *StandardScaler) Scale(features []float32) ([]float32, error) {
	if len(features) != len(s.mean) {
		return nil, fmt.Errorf("scaler: expected %d features, got %d", len(s.mean), len(features))
	}
	out := make([]float32, len(features))
	for i, x := range features {
		out[i] = float32((float64(x) - s.mean[i]) / s.scale[i])
	}
	return out, nil
}

// LinearSVC evaluates a linear support-vector decision function with
// Platt-calibrated probabilities.
type LinearSVC struct {
	coef      []float64
	intercept float64
	probA     float64
	probB     float64
}

func NewLinearSVC(p ClassifierParams) (*LinearSVC, error) {
	if len(p.Coef) == 0 {
		return nil, fmt.Errorf("classifier: no coefficients")
	}
	return &LinearSVC{
		coef:      append([]float64(nil), p.Coef...),
		intercept: p.Intercept,
		probA:     p.ProbA,
		probB:     p.ProbB,
	}, nil
}

func (c *LinearSVC) Len() int { return len(c.coef) }

func (c *LinearSVC) Decision(features []float32) (float64, error) {
	if len(features) != len(c.coef) {
		return 0, fmt.Errorf("classifier: expected %d features, got %d", len(c.coef), len(features))
	}
	f := c.intercept
	for i, x := range features {
		f += c.coef[i] * float64(x)
	}
	return f, nil
}

func (c *LinearSVC) Classify(features []float32) (bool, float64, error) {
	f, err := c.Decision(features)
	if err != nil {
		return false, 0, err
	}

	a, b := c.probA, c.probB
	if a == 0 && b == 0 {
		a = -1
	}
	return f > 0, sigmoid(a, b, f), nil
}

// sigmoid computes 1 / (1 + exp(a*f + b)) without overflowing.
func sigmoid(a, b, f float64) float64 {
	z := a*f + b
	if z >= 0 {
		e := math.Exp(-z)
		return e / (1 + e)
	}
	return 1 / (1 + math.Exp(z))
}

// Stage is one binary classification step with semantic labels.
type Stage struct {
	Name       string
	Scaler     Scaler
	Classifier Classifier
	Positive   string
	Negative   string
}

func (s *Stage) Predict(features []float32) (string, float64, error) {
	scaled, err := s.Scaler.Scale(features)
	if err != nil {
		return "", 0, fmt.Errorf("%s: %w", s.Name, err)
	}
	positive, prob, err := s.Classifier.Classify(scaled)
	if err != nil {
		return "", 0, fmt.Errorf("%s: %w", s.Name, err)
	}
	if positive {
		return s.Positive, prob, nil
	}
	return s.Negative, prob, nil
}

// LoadStage reads a stage artifact and checks it against the extractor's
// feature size.
func LoadStage(path, name, positive, negative string, featureSize int) (*Stage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s stage: %w", name, err)
	}

	var file StageFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse %s stage: %w", name, err)
	}

	scaler, err := NewStandardScaler(file.Scaler.Mean, file.Scaler.Scale)
	if err != nil {
		return nil, fmt.Errorf("%s stage: %w", name, err)
	}
	svc, err := NewLinearSVC(file.Classifier)
	if err != nil {
		return nil, fmt.Errorf("%s stage: %w", name, err)
	}
	if scaler.Len() != svc.Len() {
		return nil, fmt.Errorf("%s stage: scaler has %d features, classifier has %d", name, scaler.Len(), svc.Len())
	}
	if featureSize > 0 && scaler.Len() != featureSize {
		return nil, fmt.Errorf("%s stage: expects %d features, extractor produces %d", name, scaler.Len(), featureSize)
	}

	return &Stage{
		Name:       name,
		Scaler:     scaler,
		Classifier: svc,
		Positive:   positive,
		Negative:   negative,
	}, nil
}

func NewSingletAggregateStage(path string, featureSize int) (*Stage, error) {
	return LoadStage(path, "singlet_aggregate", LabelSinglet, LabelAggregate, featureSize)
}

func NewLiveDeadStage(path string, featureSize int) (*Stage, error) {
	return LoadStage(path, "live_dead", LabelLive, LabelDead, featureSize)
}
