// Package link tracks the node's network association and reconnects it.
//
// The Manager is a small state machine stepped on a fixed cycle. A link is
// only reported Connected after the transport has stayed up for the whole
// stability window, so a flapping association never reaches the broker.
// State changes are published on a buffered channel after the state lock is
// released.
package link

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/agsys/irrigation-node/internal/logger"
)

// ErrMissingCredentials is returned by Start when no network name is set.
var ErrMissingCredentials = errors.New("link credentials missing")

// State is the connectivity state owned by the Manager.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// TransportStatus is what the underlying radio/interface reports.
type TransportStatus int

const (
	StatusIdle TransportStatus = iota
	StatusConnected
	StatusNoSSID
	StatusConnectFailed
	StatusConnectionLost
	StatusDisconnected
)

// Transport is the network association the Manager drives.
type Transport interface {
	Begin(ssid, password string) error
	Status() TransportStatus
	Disconnect() error
}

// Event describes one state transition.
type Event struct {
	From State
	To   State
	At   time.Time
}

// Connected reports whether the event is an on-connect notification.
func (e Event) Connected() bool { return e.To == StateConnected }

// Disconnected reports whether the event is an on-disconnect notification.
func (e Event) Disconnected() bool {
	return e.From == StateConnected && e.To == StateDisconnected
}

// Config holds link timing and credentials.
type Config struct {
	Interface         string        `yaml:"interface"`
	SSID              string        `yaml:"ssid"`
	Password          string        `yaml:"password"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	StabilityWindow   time.Duration `yaml:"stability_window"`
	Cycle             time.Duration `yaml:"cycle"`
	EventBuffer       int           `yaml:"event_buffer"`
}

// DefaultConfig returns default link configuration
func DefaultConfig() Config {
	return Config{
		Interface:         "wlan0",
		ReconnectInterval: 5 * time.Second,
		ConnectTimeout:    15 * time.Second,
		StabilityWindow:   500 * time.Millisecond,
		Cycle:             500 * time.Millisecond,
		EventBuffer:       8,
	}
}

// Manager owns the link state.
type Manager struct {
	config    Config
	transport Transport
	log       logger.Logger
	now       func() time.Time

	// stepMu keeps a single step, and so a single connection attempt, in flight.
	stepMu sync.Mutex

	mu               sync.Mutex
	state            State
	lastAttempt      time.Time
	connectStart     time.Time
	stableSince      time.Time
	stabilityPending bool

	events chan Event
}

// NewManager creates a link manager in the Disconnected state.
func NewManager(config Config, transport Transport, log logger.Logger) *Manager {
	if config.EventBuffer < 1 {
		config.EventBuffer = 1
	}
	return &Manager{
		config:    config,
		transport: transport,
		log:       log,
		now:       time.Now,
		state:     StateDisconnected,
		events:    make(chan Event, config.EventBuffer),
	}
}

// SetClock replaces the time source. Used by tests.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// Events returns the state-change stream.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// State returns a snapshot of the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsConnected reports whether the link is usable.
func (m *Manager) IsConnected() bool {
	return m.State() == StateConnected
}

// Start begins the first connection attempt. Missing credentials move the
// manager to the terminal Error state.
func (m *Manager) Start() error {
	m.stepMu.Lock()
	defer m.stepMu.Unlock()

	now := m.now()
	m.mu.Lock()
	m.lastAttempt = now
	m.mu.Unlock()

	m.startConnection(now)
	if m.State() == StateError {
		return ErrMissingCredentials
	}
	return nil
}

// Run steps the state machine every cycle until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.config.Cycle)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Step()
		}
	}
}

// Step runs one cycle of the state machine.
func (m *Manager) Step() {
	m.stepMu.Lock()
	defer m.stepMu.Unlock()

	now := m.now()
	st := m.transport.Status()

	var (
		ev         *Event
		begin      bool
		disconnect bool
	)

	m.mu.Lock()
	switch m.state {
	case StateConnecting:
		if st == StatusConnected {
			if !m.stabilityPending {
				m.stabilityPending = true
				m.stableSince = now
			}
			if now.Sub(m.stableSince) >= m.config.StabilityWindow {
				m.stabilityPending = false
				ev = m.transition(StateConnected, now)
			}
			break
		}

		// Probe dropped inside the window; it has to start over.
		m.stabilityPending = false

		switch {
		case st == StatusConnectFailed || st == StatusNoSSID:
			m.lastAttempt = now
			ev = m.transition(StateDisconnected, now)
			m.log.Warn("Link connection failed", "status", int(st))
		case now.Sub(m.connectStart) >= m.config.ConnectTimeout:
			m.lastAttempt = now
			disconnect = true
			ev = m.transition(StateDisconnected, now)
			m.log.Warn("Link connection timeout", "after", now.Sub(m.connectStart).String())
		}

	case StateConnected:
		if st != StatusConnected {
			m.lastAttempt = now
			ev = m.transition(StateDisconnected, now)
			m.log.Warn("Link lost")
		}

	case StateDisconnected:
		if now.Sub(m.lastAttempt) >= m.config.ReconnectInterval {
			m.lastAttempt = now
			begin = true
		}

	case StateError:
	}
	m.mu.Unlock()

	if disconnect {
		if err := m.transport.Disconnect(); err != nil {
			m.log.Warnf("Failed to reset link after timeout: %v", err)
		}
	}
	if ev != nil {
		m.emit(*ev)
	}
	if begin {
		m.log.Info("Attempting to reconnect link")
		m.startConnection(now)
	}
}

// startConnection issues one attempt. Callers hold stepMu.
func (m *Manager) startConnection(now time.Time) {
	if m.config.SSID == "" {
		m.mu.Lock()
		ev := m.transition(StateError, now)
		m.mu.Unlock()
		m.log.Error("Link credentials missing, giving up")
		if ev != nil {
			m.emit(*ev)
		}
		return
	}

	if err := m.transport.Begin(m.config.SSID, m.config.Password); err != nil {
		// Stay disconnected; the next attempt follows the reconnect interval.
		m.log.Warnf("Failed to start link connection: %v", err)
		return
	}

	m.mu.Lock()
	m.connectStart = now
	m.stabilityPending = false
	ev := m.transition(StateConnecting, now)
	m.mu.Unlock()

	m.log.Debug("Link connection started", "ssid", m.config.SSID)
	if ev != nil {
		m.emit(*ev)
	}
}

// transition must be called with mu held.
func (m *Manager) transition(to State, now time.Time) *Event {
	if m.state == to {
		return nil
	}
	ev := &Event{From: m.state, To: to, At: now}
	m.state = to
	return ev
}

// emit never blocks: when the buffer is full the oldest event is dropped.
func (m *Manager) emit(ev Event) {
	if ev.Connected() {
		m.log.Info("Link connected")
	}
	for {
		select {
		case m.events <- ev:
			return
		default:
		}
		select {
		case <-m.events:
		default:
		}
	}
}
