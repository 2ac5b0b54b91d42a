package decision

import (
	"fmt"
	"os"

	"github.com/chewxy/math32"
	"gopkg.in/yaml.v3"
)

const (
	// NumFeatures is the irrigation model input width.
	NumFeatures = 8
	// NumHealthInputs is the health model input width.
	NumHealthInputs = 6
	// NumHealthClasses is the health model output width.
	NumHealthClasses = 8
)

// IrrigationModel turns standardized features into an irrigation
// probability. A negative result is the model's error sentinel.
type IrrigationModel interface {
	Predict(features [NumFeatures]float32) float32
}

// HealthModel classifies quantized agronomic inputs into quantized class
// scores.
type HealthModel interface {
	Classify(input [NumHealthInputs]int8) ([NumHealthClasses]int8, error)
}

// LogisticModel is a single-layer logistic regression.
type LogisticModel struct {
	Weights [NumFeatures]float32 `yaml:"weights"`
	Bias    float32              `yaml:"bias"`
}

var _ IrrigationModel = (*LogisticModel)(nil)

// Predict returns sigmoid(w·x + b), or -1 when any input is not finite.
func (m *LogisticModel) Predict(x [NumFeatures]float32) float32 {
	z := m.Bias
	for i, v := range x {
		if math32.IsNaN(v) || math32.IsInf(v, 0) {
			return -1
		}
		z += m.Weights[i] * v
	}
	return 1 / (1 + math32.Exp(-z))
}

// QuantizedLinearModel is an int8 linear classifier with a softmax head.
// Inputs and outputs use the affine quantization of the deployed model.
type QuantizedLinearModel struct {
	Weights         [NumHealthClasses][NumHealthInputs]float32 `yaml:"weights"`
	Bias            [NumHealthClasses]float32                  `yaml:"bias"`
	InputScale      float32                                    `yaml:"-"`
	InputZeroPoint  int32                                      `yaml:"-"`
	OutputScale     float32                                    `yaml:"-"`
	OutputZeroPoint int32                                      `yaml:"-"`
}

var _ HealthModel = (*QuantizedLinearModel)(nil)

// Classify dequantizes the input, applies the linear layer and softmax and
// quantizes the class probabilities.
func (m *QuantizedLinearModel) Classify(in [NumHealthInputs]int8) ([NumHealthClasses]int8, error) {
	var out [NumHealthClasses]int8
	if m.InputScale == 0 || m.OutputScale == 0 {
		return out, fmt.Errorf("quantization parameters not set")
	}

	var x [NumHealthInputs]float32
	for i, q := range in {
		x[i] = float32(int32(q)-m.InputZeroPoint) * m.InputScale
	}

	var logits [NumHealthClasses]float32
	maxLogit := math32.Inf(-1)
	for c := range logits {
		z := m.Bias[c]
		for i := range x {
			z += m.Weights[c][i] * x[i]
		}
		logits[c] = z
		if z > maxLogit {
			maxLogit = z
		}
	}

	var sum float32
	for c := range logits {
		logits[c] = math32.Exp(logits[c] - maxLogit)
		sum += logits[c]
	}
	for c := range logits {
		out[c] = Quantize(logits[c]/sum, m.OutputScale, m.OutputZeroPoint)
	}
	return out, nil
}

// DefaultIrrigationModel returns the built-in irrigation coefficients.
// Drier, warmer and drying soil pushes towards irrigation.
func DefaultIrrigationModel() *LogisticModel {
	return &LogisticModel{
		Weights: [NumFeatures]float32{0.8, -1.6, 0.5, -1.2, 0.3, -0.6, -0.4, -0.3},
		Bias:    -0.2,
	}
}

// DefaultHealthModel returns the built-in health coefficients for the
// quantization in cfg. Input order is N, P, K, pH, moisture, temperature.
func DefaultHealthModel(cfg Config) *QuantizedLinearModel {
	m := &QuantizedLinearModel{
		Weights: [NumHealthClasses][NumHealthInputs]float32{
			{0.3, 0.3, 0.3, 0, 0.3, 0},
			{-2, 0, 0, 0, 0, 0},
			{0, 0, 0, -2, 0, 0},
			{0, 0, 0, 2, 0, 0},
			{0, -2, 0, 0, 0, 0},
			{0, 0, -2, 0, 0, 0},
			{0, 0, 0, 0, -2, 0.5},
			{0, 0, 0, 0, 0, 0},
		},
		Bias: [NumHealthClasses]float32{1.0, -1.5, -1.5, -1.5, -1.5, -1.5, -1.5, -3.0},
	}
	m.setQuantization(cfg)
	return m
}

func (m *QuantizedLinearModel) setQuantization(cfg Config) {
	m.InputScale = cfg.InputScale
	m.InputZeroPoint = cfg.InputZeroPoint
	m.OutputScale = cfg.OutputScale
	m.OutputZeroPoint = cfg.OutputZeroPoint
}

type modelFile struct {
	Irrigation *LogisticModel        `yaml:"irrigation"`
	Health     *QuantizedLinearModel `yaml:"health"`
}

// LoadModels reads model coefficients from a YAML file. Sections missing
// from the file fall back to the built-in models.
func LoadModels(path string, cfg Config) (*LogisticModel, *QuantizedLinearModel, error) {
	irrigation := DefaultIrrigationModel()
	health := DefaultHealthModel(cfg)
	if path == "" {
		return irrigation, health, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read model file: %w", err)
	}

	var f modelFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, nil, fmt.Errorf("failed to parse model file: %w", err)
	}
	if f.Irrigation != nil {
		irrigation = f.Irrigation
	}
	if f.Health != nil {
		health = f.Health
		health.setQuantization(cfg)
	}
	return irrigation, health, nil
}
