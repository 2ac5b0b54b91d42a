// Package decision turns buffered sensor readings into irrigation and plant
// health decisions.
//
// The irrigation path keeps a four-sample rolling history of temperature and
// scaled soil moisture, derives eight features from it, standardizes them and
// thresholds the model probability. The health path standardizes six
// agronomic readings, quantizes them to int8, runs the classifier and picks
// the class with the strictly greatest dequantized probability.
//
// Any data problem (no readings, short history, model failure) maps to
// CheckSystem; nothing here ever asks for irrigation on missing data.
package decision

import (
	"errors"
	"fmt"
	"sync"

	"github.com/chewxy/math32"

	"github.com/agsys/irrigation-node/internal/logger"
)

var (
	// ErrNoData is returned when every reading is at its empty-channel sentinel.
	ErrNoData = errors.New("no sensor data")
	// ErrHistoryNotReady is returned before the history window is full.
	ErrHistoryNotReady = errors.New("insufficient history")
	// ErrModel is returned when a model reports failure.
	ErrModel = errors.New("model error")
)

// Config holds the fixed decision constants.
type Config struct {
	Threshold    float32   `yaml:"threshold"`
	MoistureMin  float32   `yaml:"moisture_min"`
	MoistureMax  float32   `yaml:"moisture_max"`
	FeatureMeans []float32 `yaml:"feature_means"`
	FeatureStds  []float32 `yaml:"feature_stds"`
	HealthMeans  []float32 `yaml:"health_means"`
	HealthStds   []float32 `yaml:"health_stds"`

	InputScale      float32 `yaml:"input_scale"`
	InputZeroPoint  int32   `yaml:"input_zero_point"`
	OutputScale     float32 `yaml:"output_scale"`
	OutputZeroPoint int32   `yaml:"output_zero_point"`

	ModelFile string `yaml:"model_file"`
}

// DefaultConfig returns default decision configuration
func DefaultConfig() Config {
	return Config{
		Threshold:   0.5,
		MoistureMin: 50,
		MoistureMax: 450,
		// temperature, moisture, temp mean, moisture mean, temp trend,
		// moisture trend, moisture lag 1, moisture lag 2
		FeatureMeans: []float32{25.0, 250.0, 25.0, 250.0, 0.0, 0.0, 250.0, 250.0},
		FeatureStds:  []float32{6.0, 115.0, 5.5, 110.0, 2.0, 30.0, 115.0, 115.0},
		// N, P, K, pH, moisture %, temperature
		HealthMeans:     []float32{100, 100, 100, 6.5, 50, 25},
		HealthStds:      []float32{58, 58, 58, 1.5, 29, 6},
		InputScale:      0.03,
		InputZeroPoint:  0,
		OutputScale:     1.0 / 256,
		OutputZeroPoint: -128,
	}
}

// Validate checks constant vector lengths and scales.
func (c Config) Validate() error {
	if len(c.FeatureMeans) != NumFeatures || len(c.FeatureStds) != NumFeatures {
		return fmt.Errorf("feature scaler needs %d means and stds", NumFeatures)
	}
	if len(c.HealthMeans) != NumHealthInputs || len(c.HealthStds) != NumHealthInputs {
		return fmt.Errorf("health scaler needs %d means and stds", NumHealthInputs)
	}
	if c.InputScale <= 0 || c.OutputScale <= 0 {
		return fmt.Errorf("quantization scales must be positive")
	}
	if c.MoistureMax <= c.MoistureMin {
		return fmt.Errorf("moisture_max must exceed moisture_min")
	}
	return nil
}

// Reading is one control-loop sample. SoilMoisture is a percentage.
type Reading struct {
	Temperature  float32
	Humidity     float32
	SoilMoisture float32
}

// HealthInput carries the six agronomic readings.
type HealthInput struct {
	Nitrogen    float32
	Phosphorus  float32
	Potassium   float32
	PH          float32
	Moisture    float32
	Temperature float32
}

func (h HealthInput) vector() [NumHealthInputs]float32 {
	return [NumHealthInputs]float32{h.Nitrogen, h.Phosphorus, h.Potassium, h.PH, h.Moisture, h.Temperature}
}

// HealthResult is the outcome of one health inference.
type HealthResult struct {
	Class         Health
	Index         int
	Probabilities [NumHealthClasses]float32
}

// Confidence is the probability of the selected class.
func (r HealthResult) Confidence() float32 {
	if r.Index < 0 || r.Index >= NumHealthClasses {
		return 0
	}
	return r.Probabilities[r.Index]
}

// IrrigationResult is the outcome of one irrigation inference.
type IrrigationResult struct {
	Decision    Decision
	Probability float32
	Features    [NumFeatures]float32
	Err         error
}

// Engine holds the rolling history and the two models.
type Engine struct {
	config     Config
	irrigation IrrigationModel
	health     HealthModel
	log        logger.Logger

	mu      sync.Mutex
	history *History
}

// NewEngine creates a decision engine.
func NewEngine(config Config, irrigation IrrigationModel, health HealthModel, log logger.Logger) *Engine {
	return &Engine{
		config:     config,
		irrigation: irrigation,
		health:     health,
		log:        log,
		history:    NewHistory(),
	}
}

// ScaleMoisture maps a moisture percentage onto the model's training range.
func (e *Engine) ScaleMoisture(percent float32) float32 {
	min, max := e.config.MoistureMin, e.config.MoistureMax
	return min + percent*(max-min)/100
}

// UpdateHistory records one reading. All-zero readings mean the sensor
// channels were empty and are rejected with ErrNoData.
func (e *Engine) UpdateHistory(r Reading) error {
	if r.Temperature == 0 && r.Humidity == 0 && r.SoilMoisture == 0 {
		e.log.Debug("No sensor data available for history update")
		return ErrNoData
	}
	if math32.IsNaN(r.Temperature) || math32.IsNaN(r.SoilMoisture) {
		e.log.Warn("Sensor read returned NaN, skipping history update")
		return ErrNoData
	}

	scaled := e.ScaleMoisture(r.SoilMoisture)

	e.mu.Lock()
	e.history.Add(r.Temperature, scaled)
	n := e.history.Len()
	e.mu.Unlock()

	e.log.Debug("History updated", "temp", r.Temperature, "moisture", r.SoilMoisture, "scaled", scaled, "samples", n)
	return nil
}

// HistoryLen returns the number of samples in the rolling window.
func (e *Engine) HistoryLen() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.history.Len()
}

// Features derives the raw (unstandardized) irrigation features.
func (e *Engine) Features() ([NumFeatures]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var f [NumFeatures]float32
	if !e.history.Ready() {
		return f, ErrHistoryNotReady
	}
	h := e.history
	f[0] = h.Temp(0)
	f[1] = h.Moisture(0)
	f[2] = h.TempMean()
	f[3] = h.MoistureMean()
	f[4] = h.TempTrend()
	f[5] = h.MoistureTrend()
	f[6] = h.Moisture(1)
	f[7] = h.Moisture(2)
	return f, nil
}

// RunIrrigation standardizes the features and invokes the model. On any
// failure the returned probability is -1.
func (e *Engine) RunIrrigation() (float32, [NumFeatures]float32, error) {
	f, err := e.Features()
	if err != nil {
		return -1, f, err
	}

	var scaled [NumFeatures]float32
	for i := range f {
		scaled[i] = Standardize(f[i], e.config.FeatureMeans[i], e.config.FeatureStds[i])
	}

	p := e.irrigation.Predict(scaled)
	if math32.IsNaN(p) || p < 0 {
		return -1, f, ErrModel
	}
	return p, f, nil
}

// DecideIrrigation runs one irrigation inference and maps it to a decision.
func (e *Engine) DecideIrrigation() IrrigationResult {
	p, f, err := e.RunIrrigation()
	res := IrrigationResult{
		Decision:    MapIrrigation(p, e.config.Threshold),
		Probability: p,
		Features:    f,
		Err:         err,
	}
	if err != nil {
		e.log.Warnf("Irrigation inference unavailable: %v", err)
	} else {
		e.log.Info("Irrigation inference", "probability", p, "decision", res.Decision.String())
	}
	return res
}

// MapIrrigation thresholds a model probability. Negative or NaN
// probabilities are model errors.
func MapIrrigation(p, threshold float32) Decision {
	if math32.IsNaN(p) || p < 0 {
		return CheckSystem
	}
	if p >= threshold {
		return Irrigate
	}
	return NoIrrigation
}

// QuantizeHealthInput standardizes and quantizes the six health readings.
func (e *Engine) QuantizeHealthInput(in HealthInput) [NumHealthInputs]int8 {
	var q [NumHealthInputs]int8
	for i, v := range in.vector() {
		norm := Standardize(v, e.config.HealthMeans[i], e.config.HealthStds[i])
		q[i] = Quantize(norm, e.config.InputScale, e.config.InputZeroPoint)
	}
	return q
}

// DecideHealth runs the health classifier. On model failure the result is
// CheckSystem with index -1.
func (e *Engine) DecideHealth(in HealthInput) (HealthResult, error) {
	out, err := e.health.Classify(e.QuantizeHealthInput(in))
	if err != nil {
		e.log.Warnf("Health inference failed: %v", err)
		return HealthResult{Class: HealthCheckSystem, Index: -1}, fmt.Errorf("%w: %v", ErrModel, err)
	}
	res := ClassifyHealth(out, e.config.OutputScale, e.config.OutputZeroPoint)
	e.log.Info("Health inference", "class", res.Class.String(), "confidence", res.Confidence())
	return res, nil
}

// ClassifyHealth dequantizes raw classifier output and selects the class.
func ClassifyHealth(out [NumHealthClasses]int8, scale float32, zeroPoint int32) HealthResult {
	var res HealthResult
	for i, q := range out {
		res.Probabilities[i] = Dequantize(q, scale, zeroPoint)
	}
	res.Index = Argmax(res.Probabilities[:])
	res.Class = HealthFromIndex(res.Index)
	return res
}
