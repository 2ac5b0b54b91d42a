// Package sensors buffers raw sensor samples per channel and converts them to
// engineering units.
package sensors

import (
	"fmt"

	"github.com/samber/lo"

	"github.com/agsys/irrigation-node/internal/ringbuf"
)

const (
	// ADCMax is the full-scale value of the 12-bit ADC.
	ADCMax = 4095

	DefaultDry = 3800
	DefaultWet = 1250

	NutrientMax = 200
	PHMax       = 14
	NeutralPH   = 7
)

// Channel identifies one sensor queue.
type Channel int

const (
	Moisture Channel = iota
	Temperature
	Humidity
	Nitrogen
	Phosphorus
	Potassium
	PH
	numChannels
)

var channelNames = [...]string{"moisture", "temperature", "humidity", "nitrogen", "phosphorus", "potassium", "ph"}

func (c Channel) String() string {
	if c < 0 || c >= numChannels {
		return fmt.Sprintf("channel(%d)", int(c))
	}
	return channelNames[c]
}

// Value returned by an empty channel.
func (c Channel) empty() float32 {
	if c == PH {
		return NeutralPH
	}
	return 0
}

// Config holds sensor settings.
type Config struct {
	QueueDepth int    `yaml:"queue_depth"`
	DryValue   int    `yaml:"dry_value"`
	WetValue   int    `yaml:"wet_value"`
	Source     string `yaml:"source"` // "zmq", "serial" or "none"
	ZMQURL     string `yaml:"zmq_url"`
	SerialPort string `yaml:"serial_port"`
	BaudRate   int    `yaml:"baud_rate"`
}

// DefaultConfig returns default sensor configuration
func DefaultConfig() Config {
	return Config{
		QueueDepth: 10,
		DryValue:   DefaultDry,
		WetValue:   DefaultWet,
		Source:     "none",
		ZMQURL:     "ipc:///tmp/irrigation_sensors",
		SerialPort: "/dev/ttyUSB0",
		BaudRate:   115200,
	}
}

// Sample is one frame from a sensor feed. Nil fields were not measured.
type Sample struct {
	MoistureRaw *int     `json:"moisture_raw,omitempty"`
	Temperature *float32 `json:"temperature,omitempty"`
	Humidity    *float32 `json:"humidity,omitempty"`
	NitrogenRaw *int     `json:"n_raw,omitempty"`
	PhosRaw     *int     `json:"p_raw,omitempty"`
	PotassRaw   *int     `json:"k_raw,omitempty"`
	PHRaw       *int     `json:"ph_raw,omitempty"`
}

// Readings is one value per channel in engineering units.
type Readings struct {
	Moisture    float32
	Temperature float32
	Humidity    float32
	Nitrogen    float32
	Phosphorus  float32
	Potassium   float32
	PH          float32
}

// Channels holds one ring buffer per sensor channel.
type Channels struct {
	dry, wet int
	bufs     [numChannels]*ringbuf.RingBuffer[float32]
}

// NewChannels allocates every channel queue.
func NewChannels(cfg Config) *Channels {
	c := &Channels{dry: cfg.DryValue, wet: cfg.WetValue}
	if c.dry == c.wet {
		c.dry, c.wet = DefaultDry, DefaultWet
	}
	for i := range c.bufs {
		c.bufs[i] = ringbuf.New[float32](cfg.QueueDepth)
	}
	return c
}

// Ingest converts and queues every field present in s.
func (c *Channels) Ingest(s Sample) {
	if s.MoistureRaw != nil {
		c.bufs[Moisture].Push(MoisturePercent(*s.MoistureRaw, c.dry, c.wet))
	}
	if s.Temperature != nil {
		c.bufs[Temperature].Push(*s.Temperature)
	}
	if s.Humidity != nil {
		c.bufs[Humidity].Push(*s.Humidity)
	}
	if s.NitrogenRaw != nil {
		c.bufs[Nitrogen].Push(MapADC(*s.NitrogenRaw, NutrientMax))
	}
	if s.PhosRaw != nil {
		c.bufs[Phosphorus].Push(MapADC(*s.PhosRaw, NutrientMax))
	}
	if s.PotassRaw != nil {
		c.bufs[Potassium].Push(MapADC(*s.PotassRaw, NutrientMax))
	}
	if s.PHRaw != nil {
		c.bufs[PH].Push(MapADC(*s.PHRaw, PHMax))
	}
}

// Push queues an already converted value.
func (c *Channels) Push(ch Channel, v float32) {
	c.bufs[ch].Push(v)
}

// Take consumes the oldest value of a channel, or its empty default.
func (c *Channels) Take(ch Channel) float32 {
	v, err := c.bufs[ch].Pop()
	if err != nil {
		return ch.empty()
	}
	return v
}

// Latest returns the newest value without consuming it.
func (c *Channels) Latest(ch Channel) (float32, bool) {
	v, err := c.bufs[ch].Latest()
	if err != nil {
		return ch.empty(), false
	}
	return v, true
}

// Len returns the number of queued values on a channel.
func (c *Channels) Len(ch Channel) int {
	return c.bufs[ch].Len()
}

// LatestAll reads the newest value of every channel without consuming.
// ok is false when any nutrient channel is empty.
func (c *Channels) LatestAll() (Readings, bool) {
	var r Readings
	var have [numChannels]bool
	r.Moisture, have[Moisture] = c.Latest(Moisture)
	r.Temperature, have[Temperature] = c.Latest(Temperature)
	r.Humidity, have[Humidity] = c.Latest(Humidity)
	r.Nitrogen, have[Nitrogen] = c.Latest(Nitrogen)
	r.Phosphorus, have[Phosphorus] = c.Latest(Phosphorus)
	r.Potassium, have[Potassium] = c.Latest(Potassium)
	r.PH, have[PH] = c.Latest(PH)
	return r, have[Nitrogen] && have[Phosphorus] && have[Potassium] && have[PH]
}

// MoisturePercent converts a raw capacitive reading to 0..100 % where dry
// is 0 and wet is 100, regardless of which calibration point is larger.
func MoisturePercent(raw, dry, wet int) float32 {
	if dry == wet {
		return 0
	}
	lower, upper := min(dry, wet), max(dry, wet)
	raw = lo.Clamp(raw, lower, upper)

	var pct int
	if dry > wet {
		pct = (dry - raw) * 100 / (dry - wet)
	} else {
		pct = (raw - dry) * 100 / (wet - dry)
	}
	return float32(lo.Clamp(pct, 0, 100))
}

// MapADC scales a 12-bit reading linearly onto [0, full].
func MapADC(raw int, full float32) float32 {
	raw = lo.Clamp(raw, 0, ADCMax)
	return float32(raw) * full / ADCMax
}
