package model

import (
	"fmt"

	"github.com/Brownie44l1/cellclass-api/internal/imaging"
	ort "github.com/yalue/onnxruntime_go"
)

// Extractor runs the frozen convolutional network and pools its last
// feature map into a single vector. Tensors are allocated per call, so one
// Extractor is safe to share between concurrent requests.
type Extractor struct {
	session     *ort.DynamicAdvancedSession
	Metadata    Metadata
	inputShape  ort.Shape
	outputShape ort.Shape
	featureSize int
}

// NewExtractor opens the ONNX network. The onnxruntime environment must
// already be initialized.
func NewExtractor(modelPath string, metadata Metadata) (*Extractor, error) {
	if err := metadata.validate(); err != nil {
		return nil, err
	}
	featureSize, err := featureDepth(metadata.OutputShape, metadata.Layout)
	if err != nil {
		return nil, err
	}

	session, err := ort.NewDynamicAdvancedSession(modelPath,
		[]string{metadata.InputName}, []string{metadata.OutputName}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	return &Extractor{
		session:     session,
		Metadata:    metadata,
		inputShape:  ort.NewShape(metadata.InputShape...),
		outputShape: ort.NewShape(metadata.OutputShape...),
		featureSize: featureSize,
	}, nil
}

func (e *Extractor) FeatureSize() int { return e.featureSize }

func (e *Extractor) ImageSize() int { return e.Metadata.ImageSize }

func (e *Extractor) Layout() imaging.Layout { return e.Metadata.Layout }

func (e *Extractor) Extract(inputData []float32) ([]float32, error) {
	if want := int(e.inputShape.FlattenedSize()); len(inputData) != want {
		return nil, fmt.Errorf("expected %d input values, got %d", want, len(inputData))
	}

	inputTensor, err := ort.NewTensor(e.inputShape, inputData)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer inputTensor.Destroy()

	outputTensor, err := ort.NewEmptyTensor[float32](e.outputShape)
	if err != nil {
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}
	defer outputTensor.Destroy()

	if err := e.session.Run([]ort.Value{inputTensor}, []ort.Value{outputTensor}); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	return GlobalAveragePool(outputTensor.GetData(), e.Metadata.OutputShape, e.Metadata.Layout)
}

func (e *Extractor) Close() {
	if e.session != nil {
		e.session.Destroy()
		e.session = nil
	}
}

// GlobalAveragePool averages every channel of a [1,H,W,C] or [1,C,H,W]
// feature map over its spatial positions. A [1,C] map is returned as is.
func GlobalAveragePool(data []float32, shape []int64, layout imaging.Layout) ([]float32, error) {
	size := int64(1)
	for _, d := range shape {
		size *= d
	}
	if int64(len(data)) != size {
		return nil, fmt.Errorf("feature map has %d values, shape %v needs %d", len(data), shape, size)
	}

	switch len(shape) {
	case 2:
		return append([]float32(nil), data...), nil
	case 4:
	default:
		return nil, fmt.Errorf("unsupported feature map rank %d", len(shape))
	}

	var channels, spatial int
	if layout == imaging.NCHW {
		channels, spatial = int(shape[1]), int(shape[2]*shape[3])
	} else {
		channels, spatial = int(shape[3]), int(shape[1]*shape[2])
	}

	sums := make([]float64, channels)
	for p := 0; p < spatial; p++ {
		for c := 0; c < channels; c++ {
			if layout == imaging.NCHW {
				sums[c] += float64(data[c*spatial+p])
			} else {
				sums[c] += float64(data[p*channels+c])
			}
		}
	}

	out := make([]float32, channels)
	for c, s := range sums {
		out[c] = float32(s / float64(spatial))
	}
	return out, nil
}

func featureDepth(shape []int64, layout imaging.Layout) (int, error) {
	switch {
	case len(shape) == 2:
		return int(shape[1]), nil
	case len(shape) == 4 && layout == imaging.NCHW:
		return int(shape[1]), nil
	case len(shape) == 4:
		return int(shape[3]), nil
	}
	return 0, fmt.Errorf("unsupported output shape %v", shape)
}

func (m Metadata) validate() error {
	if m.InputName == "" || m.OutputName == "" {
		return fmt.Errorf("metadata: input_name and output_name are required")
	}
	if !m.Layout.Valid() {
		return fmt.Errorf("metadata: unknown layout %q", m.Layout)
	}
	if m.ImageSize <= 0 {
		return fmt.Errorf("metadata: image_size must be positive")
	}
	if len(m.InputShape) != 4 || m.InputShape[0] != 1 {
		return fmt.Errorf("metadata: input_shape must be a batch of one, got %v", m.InputShape)
	}
	want := int64(m.ImageSize * m.ImageSize * imaging.Channels)
	if got := m.InputShape[1] * m.InputShape[2] * m.InputShape[3]; got != want {
		return fmt.Errorf("metadata: input_shape %v does not match a %dx%d RGB image", m.InputShape, m.ImageSize, m.ImageSize)
	}
	for _, d := range m.OutputShape {
		if d <= 0 {
			return fmt.Errorf("metadata: output_shape %v must be fully static", m.OutputShape)
		}
	}
	return nil
}
