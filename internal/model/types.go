package model

import "github.com/Brownie44l1/cellclass-api/internal/imaging"

// Metadata describes the exported feature-extraction network.
type Metadata struct {
	InputName   string         `json:"input_name"`
	OutputName  string         `json:"output_name"`
	InputShape  []int64        `json:"input_shape"`
	OutputShape []int64        `json:"output_shape"`
	Layout      imaging.Layout `json:"layout"`
	ImageSize   int            `json:"image_size"`
}

// StageFile is the on-disk form of a fitted scaler and linear SVM.
type StageFile struct {
	Scaler     ScalerParams     `json:"scaler"`
	Classifier ClassifierParams `json:"classifier"`
}

type ScalerParams struct {
	Mean  []float64 `json:"mean"`
	Scale []float64 `json:"scale"`
}

// ClassifierParams holds a binary linear SVC. Coef and Intercept are
// coef_[0] and intercept_[0], so f = coef·x + intercept is sklearn's
// decision_function and f > 0 selects classes_[1], the stage's positive
// label. sklearn negates libsvm's decision value but keeps libsvm's Platt
// parameters, so the export is prob_a = probA_[0] and prob_b = -probB_[0];
// then 1/(1+exp(prob_a*f+prob_b)) equals predict_proba(x)[:, 1].
type ClassifierParams struct {
	Coef      []float64 `json:"coef"`
	Intercept float64   `json:"intercept"`
	ProbA     float64   `json:"prob_a"`
	ProbB     float64   `json:"prob_b"`
}

const (
	LabelSinglet   = "Singlet"
	LabelAggregate = "Aggregate"
	LabelLive      = "Live Cell"
	LabelDead      = "Dead Cell"
)

type FeatureRequest struct {
	Features []float32 `json:"features"`
}

type StagePrediction struct {
	Label       string  `json:"label"`
	Probability float64 `json:"probability"`
}

type FeatureResponse struct {
	SingletAggregate *StagePrediction `json:"singlet_aggregate,omitempty"`
	LiveDead         *StagePrediction `json:"live_dead,omitempty"`
}
