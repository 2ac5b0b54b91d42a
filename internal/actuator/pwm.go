package actuator

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
)

// SysfsPWM drives a channel exposed under /sys/class/pwm.
type SysfsPWM struct {
	dir    string
	period int64
}

// NewSysfsPWM exports the channel if needed.
func NewSysfsPWM(root string, chip, channel int) (*SysfsPWM, error) {
	chipDir := filepath.Join(root, fmt.Sprintf("pwmchip%d", chip))
	dir := filepath.Join(chipDir, fmt.Sprintf("pwm%d", channel))

	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		if err := writeAttr(filepath.Join(chipDir, "export"), strconv.Itoa(channel)); err != nil {
			return nil, fmt.Errorf("failed to export pwm channel: %w", err)
		}
	}

	return &SysfsPWM{dir: dir}, nil
}

// SetFrequency sets the period and enables the output.
func (s *SysfsPWM) SetFrequency(hz int) error {
	if hz <= 0 {
		return fmt.Errorf("invalid pwm frequency %d", hz)
	}
	period := int64(1_000_000_000 / hz)

	// duty_cycle must never exceed period, so shrink it first.
	if err := writeAttr(filepath.Join(s.dir, "duty_cycle"), "0"); err != nil {
		return err
	}
	if err := writeAttr(filepath.Join(s.dir, "period"), strconv.FormatInt(period, 10)); err != nil {
		return err
	}
	s.period = period
	return writeAttr(filepath.Join(s.dir, "enable"), "1")
}

// SetDuty writes the duty cycle as a fraction of the period.
func (s *SysfsPWM) SetDuty(percent float32) error {
	if s.period == 0 {
		return errors.New("pwm frequency not set")
	}
	ns := int64(float64(s.period) * float64(percent) / 100)
	return writeAttr(filepath.Join(s.dir, "duty_cycle"), strconv.FormatInt(ns, 10))
}

func writeAttr(path, value string) error {
	if err := os.WriteFile(path, []byte(value), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// NopPWM records writes without touching hardware.
type NopPWM struct {
	mu        sync.Mutex
	frequency int
	duty      float32
}

// SetFrequency records the frequency.
func (n *NopPWM) SetFrequency(hz int) error {
	n.mu.Lock()
	n.frequency = hz
	n.mu.Unlock()
	return nil
}

// SetDuty records the duty.
func (n *NopPWM) SetDuty(percent float32) error {
	n.mu.Lock()
	n.duty = percent
	n.mu.Unlock()
	return nil
}

// Duty returns the last duty written.
func (n *NopPWM) Duty() float32 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.duty
}

// Frequency returns the last frequency written.
func (n *NopPWM) Frequency() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.frequency
}

