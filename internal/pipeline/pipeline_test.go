package pipeline

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"testing"

	"github.com/Brownie44l1/cellclass-api/internal/imaging"
	"github.com/Brownie44l1/cellclass-api/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// meanExtractor reduces an image to its mean intensity.
type meanExtractor struct {
	size  int
	calls int
	err   error
}

func (e *meanExtractor) Extract(input []float32) ([]float32, error) {
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	var sum float32
	for _, v := range input {
		sum += v
	}
	return []float32{sum / float32(len(input))}, nil
}

func (e *meanExtractor) FeatureSize() int { return 1 }
func (e *meanExtractor) ImageSize() int { return e.size }
func (e *meanExtractor) Layout() imaging.Layout { return imaging.NHWC }

// scripted returns its labels in order, one per call.
type scripted struct {
	labels []string
	calls  int
}

func (s *scripted) Predict([]float32) (string, float64, error) {
	label := s.labels[s.calls%len(s.labels)]
	s.calls++
	return label, 0.9, nil
}

type panicking struct{}

func (panicking) Predict([]float32) (string, float64, error) { panic("boom") }

func pngBytes(t *testing.T, shade uint8) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 12, 10))
	for y := 0; y < 10; y++ {
		for x := 0; x < 12; x++ {
			img.SetGray(x, y, color.Gray{Y: shade})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func upload(name string, data []byte) Upload {
	return Upload{
		Filename: name,
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		},
	}
}

func TestRunThreeImageScenario(t *testing.T) {
	singlet := &scripted{labels: []string{model.LabelSinglet, model.LabelAggregate, model.LabelSinglet}}
	liveDead := &scripted{labels: []string{model.LabelLive, model.LabelDead}}
	p := New(&meanExtractor{size: 8}, singlet, liveDead)

	report := p.Run(context.Background(), []Upload{
		upload("a.png", pngBytes(t, 10)),
		upload("b.png", pngBytes(t, 20)),
		upload("c.png", pngBytes(t, 30)),
	})

	assert.Equal(t, 3, singlet.calls)
	assert.Equal(t, 2, liveDead.calls)

	s := report.Summary
	assert.Equal(t, 3, s.TotalImages)
	assert.Equal(t, 2, *s.SingletCount)
	assert.Equal(t, 1, *s.AggregateCount)
	assert.Equal(t, 1, s.LiveCount)
	assert.Equal(t, 1, s.DeadCount)
	assert.Equal(t, 33.33, s.LivePercentage)
	assert.Equal(t, 33.33, s.DeadPercentage)
	assert.Equal(t, 66.67, *s.SingletPercentage)
	assert.Equal(t, 33.33, *s.AggregatePercentage)

	require.Len(t, report.Results, 3)
	assert.Equal(t, Result{Filename: "a.png", SingletAggregateLabel: model.LabelSinglet, LiveDeadLabel: model.LabelLive}, report.Results[0])
	assert.Equal(t, Result{Filename: "b.png", SingletAggregateLabel: model.LabelAggregate}, report.Results[1])
	assert.Equal(t, Result{Filename: "c.png", SingletAggregateLabel: model.LabelSinglet, LiveDeadLabel: model.LabelDead}, report.Results[2])

	assert.Len(t, report.LiveImages, 1)
	assert.Len(t, report.DeadImages, 1)
	assert.Len(t, *report.SingletImages, 2)
	assert.Len(t, *report.AggregateImages, 1)
}

func TestRunIsolatesCorruptFile(t *testing.T) {
	extractor := &meanExtractor{size: 8}
	p := New(extractor, &scripted{labels: []string{model.LabelSinglet}}, &scripted{labels: []string{model.LabelLive}})

	report := p.Run(context.Background(), []Upload{
		upload("broken.png", []byte("not an image")),
		upload("ok.png", pngBytes(t, 128)),
	})

	require.Len(t, report.Results, 2)
	assert.Equal(t, Result{Filename: "broken.png", Error: DecodeErrorMessage}, report.Results[0])
	assert.Equal(t, model.LabelLive, report.Results[1].LiveDeadLabel)
	assert.Equal(t, 1, extractor.calls)

	s := report.Summary
	assert.Equal(t, 2, s.TotalImages)
	assert.Equal(t, 1, s.ErrorCount)
	assert.Equal(t, 1, *s.SingletCount)
	assert.Equal(t, 0, *s.AggregateCount)
	assert.Equal(t, 1, s.LiveCount)
	assert.Equal(t, 100.0, s.LivePercentage)
	assert.Equal(t, 100.0, *s.SingletPercentage)
}

func TestRunRecordsProcessingErrors(t *testing.T) {
	p := New(&meanExtractor{size: 8, err: errors.New("inference failed: out of memory")}, nil, &scripted{labels: []string{model.LabelLive}})

	report := p.Run(context.Background(), []Upload{upload("a.png", pngBytes(t, 1))})

	require.Len(t, report.Results, 1)
	assert.Equal(t, "inference failed: out of memory", report.Results[0].Error)
	assert.Equal(t, 0.0, report.Summary.LivePercentage)
}

func TestRunRecoversPanics(t *testing.T) {
	p := New(&meanExtractor{size: 8}, panicking{}, &scripted{labels: []string{model.LabelLive}})

	report := p.Run(context.Background(), []Upload{
		upload("a.png", pngBytes(t, 1)),
		upload("b.png", pngBytes(t, 2)),
	})

	require.Len(t, report.Results, 2)
	for _, r := range report.Results {
		assert.Contains(t, r.Error, "boom")
		assert.Empty(t, r.SingletAggregateLabel)
	}
}

func TestRunOpenFailure(t *testing.T) {
	p := New(&meanExtractor{size: 8}, nil, &scripted{labels: []string{model.LabelLive}})

	report := p.Run(context.Background(), []Upload{{
		Filename: "gone.png",
		Open:     func() (io.ReadCloser, error) { return nil, errors.New("disk vanished") },
	}})

	assert.Contains(t, report.Results[0].Error, "disk vanished")
}

func TestRunLiveDeadOnlyVariant(t *testing.T) {
	p := New(&meanExtractor{size: 8}, nil, &scripted{labels: []string{model.LabelDead, model.LabelLive, model.LabelLive, model.LabelDead}})
	assert.False(t, p.Full())

	report := p.Run(context.Background(), []Upload{
		upload("1.png", pngBytes(t, 1)),
		upload("2.png", pngBytes(t, 2)),
		upload("3.png", pngBytes(t, 3)),
		upload("4.png", pngBytes(t, 4)),
	})

	assert.Equal(t, Result{Filename: "1.png", Label: model.LabelDead}, report.Results[0])
	assert.Equal(t, 2, report.Summary.LiveCount)
	assert.Equal(t, 50.0, report.Summary.LivePercentage)
	assert.Nil(t, report.Summary.SingletCount)
	assert.Nil(t, report.SingletImages)
	assert.Nil(t, report.AggregateImages)
}

func TestRunCancelledContext(t *testing.T) {
	extractor := &meanExtractor{size: 8}
	p := New(extractor, nil, &scripted{labels: []string{model.LabelLive}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report := p.Run(ctx, []Upload{upload("a.png", pngBytes(t, 1))})

	assert.Equal(t, context.Canceled.Error(), report.Results[0].Error)
	assert.Zero(t, extractor.calls)
}

func TestClassifyFeatures(t *testing.T) {
	p := New(&meanExtractor{size: 8}, &scripted{labels: []string{model.LabelAggregate, model.LabelSinglet}}, &scripted{labels: []string{model.LabelLive}})

	resp, err := p.ClassifyFeatures([]float32{0.4})
	require.NoError(t, err)
	assert.Equal(t, model.LabelAggregate, resp.SingletAggregate.Label)
	assert.Nil(t, resp.LiveDead)

	resp, err = p.ClassifyFeatures([]float32{0.4})
	require.NoError(t, err)
	assert.Equal(t, model.LabelSinglet, resp.SingletAggregate.Label)
	assert.Equal(t, model.LabelLive, resp.LiveDead.Label)

	_, err = p.ClassifyFeatures([]float32{0.4, 0.5})
	assert.Error(t, err)
}

func TestRunWithLinearStages(t *testing.T) {
	// Bright images are singlets, and bright singlets are live.
	singlet := &model.Stage{
		Name:       "singlet_aggregate",
		Scaler:     mustScaler(t, []float64{0.5}, []float64{0.25}),
		Classifier: mustSVC(t, model.ClassifierParams{Coef: []float64{1}, Intercept: 0}),
		Positive:   model.LabelSinglet,
		Negative:   model.LabelAggregate,
	}
	liveDead := &model.Stage{
		Name:       "live_dead",
		Scaler:     mustScaler(t, []float64{0.75}, []float64{0.1}),
		Classifier: mustSVC(t, model.ClassifierParams{Coef: []float64{1}, Intercept: 0}),
		Positive:   model.LabelLive,
		Negative:   model.LabelDead,
	}
	p := New(&meanExtractor{size: 8}, singlet, liveDead)

	report := p.Run(context.Background(), []Upload{
		upload("dim.png", pngBytes(t, 40)),
		upload("mid.png", pngBytes(t, 160)),
		upload("bright.png", pngBytes(t, 250)),
	})

	assert.Equal(t, model.LabelAggregate, report.Results[0].SingletAggregateLabel)
	assert.Equal(t, model.LabelDead, report.Results[1].LiveDeadLabel)
	assert.Equal(t, model.LabelLive, report.Results[2].LiveDeadLabel)
}

func mustScaler(t *testing.T, mean, scale []float64) *model.StandardScaler {
	t.Helper()
	s, err := model.NewStandardScaler(mean, scale)
	require.NoError(t, err)
	return s
}

func mustSVC(t *testing.T, p model.ClassifierParams) *model.LinearSVC {
	t.Helper()
	c, err := model.NewLinearSVC(p)
	require.NoError(t, err)
	return c
}
