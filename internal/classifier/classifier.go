package classifier

import (
	"context"
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"
)

// Confidence bands shown to the user, matching the thresholds of the original
// demo: > 0.8 high, > 0.6 medium, otherwise low.
const (
	BandHigh   = "high"
	BandMedium = "medium"
	BandLow    = "low"
)

// Prediction is the outcome of one forward pass.
type Prediction struct {
	Label         string             `json:"label"`
	Confidence    float32            `json:"confidence"`
	Probabilities map[string]float32 `json:"probabilities"`
	Band          string             `json:"band"`
}

// Classifier wraps a single ONNX inference session with preallocated input and
// output tensors. The session is not safe for concurrent Run calls, so Predict
// serializes them.
type Classifier struct {
	mu      sync.Mutex
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
	meta    Metadata
	logger  *zap.Logger
}

// New initializes the ONNX runtime environment and loads the model artifact.
// ortLibraryPath optionally points at the onnxruntime shared library when it
// is not on the default search path.
func New(modelPath, ortLibraryPath string, meta Metadata, logger *zap.Logger) (*Classifier, error) {
	if ortLibraryPath != "" {
		ort.SetSharedLibraryPath(ortLibraryPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("initialize onnx environment: %w", err)
	}

	inputShape := ort.NewShape(1, int64(meta.ImageSize), int64(meta.ImageSize), 3)
	outputShape := ort.NewShape(1, int64(len(meta.Labels)))

	input, err := ort.NewEmptyTensor[float32](inputShape)
	if err != nil {
		return nil, fmt.Errorf("create input tensor: %w", err)
	}

	output, err := ort.NewEmptyTensor[float32](outputShape)
	if err != nil {
		input.Destroy()
		return nil, fmt.Errorf("create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(modelPath,
		[]string{"input"}, []string{"output"},
		[]ort.ArbitraryTensor{input}, []ort.ArbitraryTensor{output},
		nil)
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, fmt.Errorf("create onnx session: %w", err)
	}

	logger.Info("model loaded",
		zap.String("path", modelPath),
		zap.Strings("labels", meta.Labels),
		zap.Int("image_size", meta.ImageSize))

	return &Classifier{
		session: session,
		input:   input,
		output:  output,
		meta:    meta,
		logger:  logger.Named("classifier"),
	}, nil
}

// Metadata returns the model's input contract and label set.
func (c *Classifier) Metadata() Metadata {
	return c.meta
}

// Predict runs one forward pass over a preprocessed NHWC tensor.
func (c *Classifier) Predict(ctx context.Context, tensor []float32) (*Prediction, error) {
	if len(tensor) != c.meta.InputLength() {
		return nil, fmt.Errorf("input tensor has %d values, model expects %d", len(tensor), c.meta.InputLength())
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	copy(c.input.GetData(), tensor)
	if err := c.session.Run(); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	outputs := make([]float32, len(c.output.GetData()))
	copy(outputs, c.output.GetData())

	prediction := postprocess(outputs, c.meta.Labels)
	c.logger.Debug("forward pass complete",
		zap.String("label", prediction.Label),
		zap.Float32("confidence", prediction.Confidence))
	return prediction, nil
}

// Close releases the runtime session and tensors.
func (c *Classifier) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.input != nil {
		c.input.Destroy()
	}
	if c.output != nil {
		c.output.Destroy()
	}
	if c.session != nil {
		c.session.Destroy()
	}
	ort.DestroyEnvironment()
}

// postprocess derives the argmax label, its confidence, and the per-label
// distribution from the raw model output. The model emits probabilities
// (softmax is baked into the graph); values are only clamped for display.
func postprocess(outputs []float32, labels []string) *Prediction {
	probabilities := make(map[string]float32, len(labels))
	maxIdx := 0
	for i, label := range labels {
		var v float32
		if i < len(outputs) {
			v = clamp01(outputs[i])
		}
		probabilities[label] = v
		if v > probabilities[labels[maxIdx]] {
			maxIdx = i
		}
	}

	confidence := probabilities[labels[maxIdx]]
	return &Prediction{
		Label:         labels[maxIdx],
		Confidence:    confidence,
		Probabilities: probabilities,
		Band:          ConfidenceBand(confidence),
	}
}

// ConfidenceBand maps a confidence value onto the interpretation shown to the
// user.
func ConfidenceBand(confidence float32) string {
	switch {
	case confidence > 0.8:
		return BandHigh
	case confidence > 0.6:
		return BandMedium
	default:
		return BandLow
	}
}

func clamp01(v float32) float32 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
