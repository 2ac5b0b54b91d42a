package broker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

var errTimeout = errors.New("operation timed out")

// PahoSession is a Session backed by the Eclipse Paho client. Paho's own
// auto-reconnect is disabled; the Client owns reconnection.
type PahoSession struct {
	timeout time.Duration

	mu     sync.Mutex
	client mqtt.Client
}

var _ Session = (*PahoSession)(nil)

// NewPahoSession creates a session whose operations wait at most timeout.
func NewPahoSession(timeout time.Duration) *PahoSession {
	return &PahoSession{timeout: timeout}
}

// Connect performs one broker handshake.
func (s *PahoSession) Connect(opts SessionOptions) error {
	o := mqtt.NewClientOptions()
	o.AddBroker(fmt.Sprintf("tcp://%s:%d", opts.Host, opts.Port))
	o.SetClientID(opts.ClientID)
	if opts.Username != "" {
		o.SetUsername(opts.Username)
		o.SetPassword(opts.Password)
	}
	o.SetKeepAlive(opts.KeepAlive)
	o.SetCleanSession(true)
	o.SetAutoReconnect(false)
	o.SetConnectRetry(false)
	o.SetConnectTimeout(s.timeout)
	if opts.Will != nil {
		o.SetBinaryWill(opts.Will.Topic, opts.Will.Payload, opts.Will.QoS, opts.Will.Retain)
	}
	if opts.OnMessage != nil {
		onMessage := opts.OnMessage
		o.SetDefaultPublishHandler(func(_ mqtt.Client, m mqtt.Message) {
			onMessage(m.Topic(), m.Payload())
		})
	}
	if opts.OnConnectionLost != nil {
		onLost := opts.OnConnectionLost
		o.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			onLost(err)
		})
	}

	client := mqtt.NewClient(o)
	token := client.Connect()
	if !token.WaitTimeout(s.timeout) {
		return fmt.Errorf("connect to %s:%d: %w", opts.Host, opts.Port, errTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connect to %s:%d: %w", opts.Host, opts.Port, err)
	}

	s.mu.Lock()
	s.client = client
	s.mu.Unlock()
	return nil
}

// IsConnected reports whether the session is open.
func (s *PahoSession) IsConnected() bool {
	c := s.current()
	return c != nil && c.IsConnectionOpen()
}

// Subscribe issues a subscription; messages go to the default handler.
func (s *PahoSession) Subscribe(topic string, qos byte) error {
	c := s.current()
	if c == nil {
		return ErrNotConnected
	}
	return s.wait(c.Subscribe(topic, qos, nil))
}

// Publish sends a single message.
func (s *PahoSession) Publish(topic string, qos byte, retain bool, payload []byte) error {
	c := s.current()
	if c == nil {
		return ErrNotConnected
	}
	return s.wait(c.Publish(topic, qos, retain, payload))
}

// Disconnect closes the session, allowing 250ms for in-flight work.
func (s *PahoSession) Disconnect() {
	s.mu.Lock()
	c := s.client
	s.client = nil
	s.mu.Unlock()

	if c != nil && c.IsConnectionOpen() {
		c.Disconnect(250)
	}
}

func (s *PahoSession) current() mqtt.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client
}

func (s *PahoSession) wait(t mqtt.Token) error {
	if !t.WaitTimeout(s.timeout) {
		return errTimeout
	}
	return t.Error()
}
