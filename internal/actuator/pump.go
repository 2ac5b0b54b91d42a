// Package actuator drives the irrigation pump through a PWM output.
//
// The driver stage is active-low: Start commands 0% duty and Stop commands
// 100% duty. Callers use Start/Stop and never write raw duty values for
// on/off, so the polarity lives in one place.
package actuator

import (
	"fmt"
	"sync"

	"github.com/chewxy/math32"
	"github.com/samber/lo"

	"github.com/agsys/irrigation-node/internal/logger"
)

const (
	// DefaultFrequency is the pump PWM carrier frequency in Hz.
	DefaultFrequency = 20000

	dutyOn  float32 = 0
	dutyOff float32 = 100
)

// PWM is a single duty-cycle output channel.
type PWM interface {
	SetFrequency(hz int) error
	SetDuty(percent float32) error
}

// Config holds pump settings.
type Config struct {
	Frequency int    `yaml:"frequency"`
	Chip      int    `yaml:"chip"`
	Channel   int    `yaml:"channel"`
	Sysfs     string `yaml:"sysfs"`
}

// DefaultConfig returns default pump configuration
func DefaultConfig() Config {
	return Config{
		Frequency: DefaultFrequency,
		Sysfs:     "/sys/class/pwm",
	}
}

// Pump tracks the desired pump state; there is no readback from hardware.
type Pump struct {
	pwm       PWM
	frequency int
	log       logger.Logger

	mu      sync.Mutex
	running bool
	speed   float32

	onChangeCallback func(running bool)
}

// NewPump creates a pump on the given PWM channel.
func NewPump(pwm PWM, frequency int, log logger.Logger) *Pump {
	if frequency <= 0 {
		frequency = DefaultFrequency
	}
	return &Pump{pwm: pwm, frequency: frequency, log: log}
}

// OnChange registers a callback fired whenever Start or Stop changes the
// desired state.
func (p *Pump) OnChange(cb func(running bool)) {
	p.mu.Lock()
	p.onChangeCallback = cb
	p.mu.Unlock()
}

// Init configures the carrier and leaves the pump stopped.
func (p *Pump) Init() error {
	if err := p.pwm.SetFrequency(p.frequency); err != nil {
		return fmt.Errorf("failed to set pump PWM frequency: %w", err)
	}
	p.log.Info("Pump initialized", "frequency_hz", p.frequency)
	return p.Stop()
}

// Start turns the pump on.
func (p *Pump) Start() error {
	return p.set(true, dutyOn)
}

// Stop turns the pump off.
func (p *Pump) Stop() error {
	return p.set(false, dutyOff)
}

// SetSpeed writes a raw duty percentage, clamped to [0, 100]. NaN stops
// the pump.
func (p *Pump) SetSpeed(percent float32) error {
	if math32.IsNaN(percent) {
		p.log.Warn("Pump speed is NaN, stopping")
		return p.Stop()
	}
	percent = lo.Clamp(percent, 0, 100)

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.pwm.SetDuty(percent); err != nil {
		return fmt.Errorf("failed to set pump speed: %w", err)
	}
	p.speed = percent
	p.log.Debug("Pump speed set", "percent", percent)
	return nil
}

// Running reports the last commanded on/off state.
func (p *Pump) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Speed returns the last duty percentage written.
func (p *Pump) Speed() float32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.speed
}

func (p *Pump) set(running bool, duty float32) error {
	p.mu.Lock()
	if err := p.pwm.SetDuty(duty); err != nil {
		p.mu.Unlock()
		return fmt.Errorf("failed to switch pump: %w", err)
	}
	changed := p.running != running
	p.running = running
	p.speed = duty
	cb := p.onChangeCallback
	p.mu.Unlock()

	if running {
		p.log.Info("Pump started")
	} else {
		p.log.Info("Pump stopped")
	}
	if changed && cb != nil {
		cb(running)
	}
	return nil
}
