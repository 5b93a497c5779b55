package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"time"

	"github.com/Brownie44l1/cellclass-api/internal/imaging"
	"github.com/Brownie44l1/cellclass-api/internal/model"
)

// DecodeErrorMessage is reported for uploads that are not readable images.
const DecodeErrorMessage = "Could not read image"

// FeatureExtractor turns a preprocessed image batch into a pooled feature vector.
type FeatureExtractor interface {
	Extract(input []float32) ([]float32, error)
	FeatureSize() int
	ImageSize() int
	Layout() imaging.Layout
}

// Predictor is a single binary classification stage.
type Predictor interface {
	Predict(features []float32) (label string, probability float64, err error)
}

// Upload is one file of a batch. Open is called once, when the file's turn comes.
type Upload struct {
	Filename string
	Open     func() (io.ReadCloser, error)
}

// Result is the per-file entry of a response. Either the labels or Error
// are set, never both.
type Result struct {
	Filename              string `json:"filename"`
	SingletAggregateLabel string `json:"singlet_aggregate_label,omitempty"`
	LiveDeadLabel         string `json:"live_dead_label,omitempty"`
	Label                 string `json:"label,omitempty"`
	Error                 string `json:"error,omitempty"`
}

// Outcome carries a Result together with the decoded image it came from.
type Outcome struct {
	Result Result
	Image  *image.Gray
	Err    error
}

// Pipeline classifies uploads with a shared, read-only set of models.
// A nil singlet stage selects the live/dead-only variant.
type Pipeline struct {
	extractor FeatureExtractor
	singlet   Predictor
	liveDead  Predictor
}

func New(extractor FeatureExtractor, singlet, liveDead Predictor) *Pipeline {
	return &Pipeline{
		extractor: extractor,
		singlet:   singlet,
		liveDead:  liveDead,
	}
}

func FromArtifacts(a *model.Artifacts) *Pipeline {
	var singlet Predictor
	if a.SingletAggregate != nil {
		singlet = a.SingletAggregate
	}
	return New(a.Extractor, singlet, a.LiveDead)
}

// Full reports whether the singlet/aggregate stage runs before live/dead.
func (p *Pipeline) Full() bool { return p.singlet != nil }

func (p *Pipeline) FeatureSize() int { return p.extractor.FeatureSize() }

// Run processes uploads strictly in order and aggregates the outcomes.
// Failures are recorded per file and never abort the batch.
func (p *Pipeline) Run(ctx context.Context, uploads []Upload) *Report {
	logger := LoggerFrom(ctx)
	tally := NewTally(p.Full())

	for _, u := range uploads {
		start := time.Now()
		outcome := p.ClassifyUpload(ctx, u)
		if outcome.Err != nil {
			logger.Warn("File classification failed", "filename", u.Filename, "error", outcome.Err)
		} else {
			logger.Debug("File classified",
				"filename", u.Filename,
				"singlet_aggregate", outcome.Result.SingletAggregateLabel,
				"live_dead", outcome.Result.LiveDeadLabel,
				"label", outcome.Result.Label,
				"duration", time.Since(start),
			)
		}
		tally.Add(ctx, outcome)
	}

	return tally.Report()
}

// ClassifyUpload runs one file through decode, preprocessing, feature
// extraction and the classifier stages. Panics are recovered into the
// returned Outcome.
func (p *Pipeline) ClassifyUpload(ctx context.Context, u Upload) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = failed(u.Filename, fmt.Errorf("unexpected failure: %v", r))
		}
	}()

	if err := ctx.Err(); err != nil {
		return failed(u.Filename, err)
	}

	data, err := readUpload(u)
	if err != nil {
		return failed(u.Filename, err)
	}

	img, err := imaging.Decode(data)
	if err != nil {
		return failed(u.Filename, err)
	}

	input := imaging.Preprocess(img, p.extractor.ImageSize(), p.extractor.Layout())
	features, err := p.extractor.Extract(input)
	if err != nil {
		return failed(u.Filename, err)
	}

	result, err := p.label(features)
	if err != nil {
		return failed(u.Filename, err)
	}
	result.Filename = u.Filename

	return Outcome{Result: result, Image: img}
}

// ClassifyFeatures runs the classifier stages on a precomputed feature vector.
func (p *Pipeline) ClassifyFeatures(features []float32) (*model.FeatureResponse, error) {
	if want := p.extractor.FeatureSize(); len(features) != want {
		return nil, fmt.Errorf("expected %d features, got %d", want, len(features))
	}

	resp := &model.FeatureResponse{}
	if p.singlet != nil {
		label, prob, err := p.singlet.Predict(features)
		if err != nil {
			return nil, err
		}
		resp.SingletAggregate = &model.StagePrediction{Label: label, Probability: prob}
		if label != model.LabelSinglet {
			return resp, nil
		}
	}

	label, prob, err := p.liveDead.Predict(features)
	if err != nil {
		return nil, err
	}
	resp.LiveDead = &model.StagePrediction{Label: label, Probability: prob}
	return resp, nil
}

func (p *Pipeline) label(features []float32) (Result, error) {
	var result Result

	if p.singlet == nil {
		label, _, err := p.liveDead.Predict(features)
		if err != nil {
			return result, err
		}
		result.Label = label
		return result, nil
	}

	label, _, err := p.singlet.Predict(features)
	if err != nil {
		return result, err
	}
	result.SingletAggregateLabel = label

	// live/dead only applies to single cells
	if label == model.LabelSinglet {
		if result.LiveDeadLabel, _, err = p.liveDead.Predict(features); err != nil {
			return result, err
		}
	}
	return result, nil
}

func readUpload(u Upload) ([]byte, error) {
	if u.Open == nil {
		return nil, fmt.Errorf("%w: no content", imaging.ErrDecode)
	}
	f, err := u.Open()
	if err != nil {
		return nil, fmt.Errorf("open upload: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	return data, nil
}

func failed(filename string, err error) Outcome {
	msg := err.Error()
	if errors.Is(err, imaging.ErrDecode) {
		msg = DecodeErrorMessage
	}
	return Outcome{
		Result: Result{Filename: filename, Error: msg},
		Err:    err,
	}
}

type loggerKey struct{}

// WithLogger attaches a request-scoped logger to ctx.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

func LoggerFrom(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok && logger != nil {
		return logger
	}
	return slog.Default()
}
