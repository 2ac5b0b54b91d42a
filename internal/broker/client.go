// Package broker maintains the node's MQTT session: a bounded subscription
// table replayed after every reconnect, a bounded handler table for inbound
// dispatch, and fail-fast publishing gated on the network link.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/agsys/irrigation-node/internal/logger"
)

var (
	// ErrTableFull is returned when the subscription or handler table has no free slot.
	ErrTableFull = errors.New("broker table full")
	// ErrNotConnected is returned when the link or session is down.
	ErrNotConnected = errors.New("broker not connected")
)

// Message is an inbound or will message.
type Message struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

// SessionOptions configures one broker handshake.
type SessionOptions struct {
	Host             string
	Port             int
	ClientID         string
	Username         string
	Password         string
	KeepAlive        time.Duration
	Will             *Message
	OnMessage        func(topic string, payload []byte)
	OnConnectionLost func(err error)
}

// Session is the protocol-level broker connection.
type Session interface {
	Connect(opts SessionOptions) error
	IsConnected() bool
	Subscribe(topic string, qos byte) error
	Publish(topic string, qos byte, retain bool, payload []byte) error
	Disconnect()
}

// LinkStatus gates every broker operation.
type LinkStatus interface {
	IsConnected() bool
}

// Observer receives client activity. Metrics implement it.
type Observer interface {
	Published(topic string, ok bool)
	Dropped(topic string)
	SessionUp(up bool)
}

// Handler consumes one inbound payload.
type Handler func(payload []byte)

// Subscription is one entry of the subscription table.
type Subscription struct {
	Topic  string
	QoS    byte
	Active bool
}

type handlerEntry struct {
	topic   string
	handler Handler
}

// Config holds broker client configuration
type Config struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	Username         string        `yaml:"username"`
	Password         string        `yaml:"password"`
	ClientPrefix     string        `yaml:"client_prefix"`
	KeepAlive        time.Duration `yaml:"keep_alive"`
	RetryInterval    time.Duration `yaml:"retry_interval"`
	LinkPoll         time.Duration `yaml:"link_poll"`
	ServiceInterval  time.Duration `yaml:"service_interval"`
	MaxSubscriptions int           `yaml:"max_subscriptions"`
	MaxHandlers      int           `yaml:"max_handlers"`
	MaxPayload       int           `yaml:"max_payload"`
	InboundQueue     int           `yaml:"inbound_queue"`
}

// DefaultConfig returns default broker client configuration
func DefaultConfig() Config {
	return Config{
		Host:             "127.0.0.1",
		Port:             1883,
		ClientPrefix:     "ESP32Client",
		KeepAlive:        15 * time.Second,
		RetryInterval:    2 * time.Second,
		LinkPoll:         1 * time.Second,
		ServiceInterval:  100 * time.Millisecond,
		MaxSubscriptions: 10,
		MaxHandlers:      10,
		MaxPayload:       255,
		InboundQueue:     32,
	}
}

// Client is the broker client. Table mutation happens under mu; handlers
// are always invoked after mu is released.
type Client struct {
	config   Config
	session  Session
	link     LinkStatus
	log      logger.Logger
	observer Observer

	mu       sync.Mutex
	subs     []Subscription
	handlers []handlerEntry
	will     *Message
	clientID string
	replayed bool // table snapshot taken for the current session

	inbound chan Message
}

// New creates a broker client. Nothing is dialled until Service runs.
func New(config Config, session Session, link LinkStatus, log logger.Logger) *Client {
	if config.InboundQueue < 1 {
		config.InboundQueue = 1
	}
	return &Client{
		config:   config,
		session:  session,
		link:     link,
		log:      log,
		subs:     make([]Subscription, 0, config.MaxSubscriptions),
		handlers: make([]handlerEntry, 0, config.MaxHandlers),
		inbound:  make(chan Message, config.InboundQueue),
	}
}

// SetObserver attaches an activity observer.
func (c *Client) SetObserver(o Observer) {
	c.mu.Lock()
	c.observer = o
	c.mu.Unlock()
}

// SetWill registers the message the broker publishes if this node vanishes.
func (c *Client) SetWill(topic string, payload []byte, qos byte, retain bool) {
	c.mu.Lock()
	c.will = &Message{Topic: topic, Payload: payload, QoS: qos, Retain: retain}
	c.mu.Unlock()
}

// ClientID returns the identifier used for the current session.
func (c *Client) ClientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

// IsConnected reports whether both the link and the session are up.
func (c *Client) IsConnected() bool {
	return c.link.IsConnected() && c.session.IsConnected()
}

// Subscribe adds topic to the subscription table. A topic already in the
// table is a no-op success. Once the current session has replayed the table
// the subscription is issued now; otherwise the next replay carries it. A
// failed send keeps the entry for the next reconnect and returns the error.
func (c *Client) Subscribe(topic string, qos byte) error {
	c.mu.Lock()
	for _, s := range c.subs {
		if s.Topic == topic {
			c.mu.Unlock()
			return nil
		}
	}
	if len(c.subs) >= c.config.MaxSubscriptions {
		c.mu.Unlock()
		c.log.Error("Subscription table full", "topic", topic, "capacity", c.config.MaxSubscriptions)
		return fmt.Errorf("subscribe %s: %w", topic, ErrTableFull)
	}
	c.subs = append(c.subs, Subscription{Topic: topic, QoS: qos, Active: true})
	direct := c.replayed
	c.mu.Unlock()

	if !direct || !c.IsConnected() {
		c.log.Debug("Subscription queued until connected", "topic", topic)
		return nil
	}
	if err := c.session.Subscribe(topic, qos); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}
	return nil
}

// Subscriptions returns a copy of the subscription table in insertion order.
func (c *Client) Subscriptions() []Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Subscription(nil), c.subs...)
}

// RegisterHandler binds h to topic. Registering a topic again replaces its
// handler.
func (c *Client) RegisterHandler(topic string, h Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.handlers {
		if c.handlers[i].topic == topic {
			c.handlers[i].handler = h
			return nil
		}
	}
	if len(c.handlers) >= c.config.MaxHandlers {
		c.log.Error("Handler table full", "topic", topic, "capacity", c.config.MaxHandlers)
		return fmt.Errorf("register handler %s: %w", topic, ErrTableFull)
	}
	c.handlers = append(c.handlers, handlerEntry{topic: topic, handler: h})
	return nil
}

// Publish makes a single send attempt. It fails fast when the link or the
// session is down and never queues.
func (c *Client) Publish(topic string, payload []byte, qos byte, retain bool) bool {
	ok := c.publish(topic, payload, qos, retain)
	if o := c.getObserver(); o != nil {
		o.Published(topic, ok)
	}
	return ok
}

func (c *Client) publish(topic string, payload []byte, qos byte, retain bool) bool {
	if !c.link.IsConnected() {
		c.log.Debug("Link down, skipping publish", "topic", topic)
		return false
	}
	if !c.session.IsConnected() {
		c.log.Debug("Broker not connected, skipping publish", "topic", topic)
		return false
	}
	if err := c.session.Publish(topic, qos, retain, payload); err != nil {
		c.log.Warnf("Failed to publish to %s: %v", topic, err)
		return false
	}
	return true
}

// Service runs one broker-service cycle: reconnect if the session dropped,
// then dispatch queued inbound messages. Nothing happens while the link is
// down. Reconnection blocks the caller until it succeeds or ctx ends.
func (c *Client) Service(ctx context.Context) error {
	if !c.link.IsConnected() {
		return nil
	}
	if !c.session.IsConnected() {
		if err := c.reconnect(ctx); err != nil {
			return err
		}
	}
	c.drainInbound()
	return nil
}

// Run calls Service every service interval until ctx is cancelled.
func (c *Client) Run(ctx context.Context) {
	ticker := time.NewTicker(c.config.ServiceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Service(ctx); err != nil && ctx.Err() == nil {
				c.log.Warnf("Broker service failed: %v", err)
			}
		}
	}
}

// Dispatch delivers payload to the first handler registered for exactly
// topic. Unmatched topics are dropped. Payloads are capped at MaxPayload.
func (c *Client) Dispatch(topic string, payload []byte) bool {
	if c.config.MaxPayload > 0 && len(payload) > c.config.MaxPayload {
		payload = payload[:c.config.MaxPayload]
	}

	c.mu.Lock()
	var h Handler
	for _, e := range c.handlers {
		if e.topic == topic {
			h = e.handler
			break
		}
	}
	c.mu.Unlock()

	if h == nil {
		c.log.Debug("No handler for topic, dropping", "topic", topic)
		if o := c.getObserver(); o != nil {
			o.Dropped(topic)
		}
		return false
	}
	h(payload)
	return true
}

// Close ends the broker session.
func (c *Client) Close() {
	if c.session.IsConnected() {
		c.session.Disconnect()
	}
	if o := c.getObserver(); o != nil {
		o.SessionUp(false)
	}
}

func (c *Client) reconnect(ctx context.Context) error {
	c.setReplayed(false)
	attempt := func() error {
		if err := c.waitForLink(ctx); err != nil {
			return backoff.Permanent(err)
		}
		opts := c.sessionOptions()
		c.log.Info("Connecting to broker", "host", opts.Host, "port", opts.Port, "client_id", opts.ClientID)
		return c.session.Connect(opts)
	}
	notify := func(err error, wait time.Duration) {
		c.log.Warnf("Broker connect failed, retrying in %s: %v", wait, err)
	}

	policy := backoff.WithContext(backoff.NewConstantBackOff(c.config.RetryInterval), ctx)
	if err := backoff.RetryNotify(attempt, policy, notify); err != nil {
		return fmt.Errorf("failed to connect to broker: %w", err)
	}

	c.log.Info("Broker connected")
	if o := c.getObserver(); o != nil {
		o.SessionUp(true)
	}
	c.resubscribe()
	return nil
}

func (c *Client) waitForLink(ctx context.Context) error {
	for !c.link.IsConnected() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.config.LinkPoll):
		}
	}
	return nil
}

// resubscribe replays every active subscription in table order. Topics
// added after the snapshot are sent by Subscribe itself.
func (c *Client) resubscribe() {
	c.mu.Lock()
	active := lo.Filter(c.subs, func(s Subscription, _ int) bool { return s.Active })
	c.replayed = true
	c.mu.Unlock()

	for _, s := range active {
		if err := c.session.Subscribe(s.Topic, s.QoS); err != nil {
			c.log.Warnf("Failed to resubscribe to %s: %v", s.Topic, err)
			continue
		}
		c.log.Debug("Resubscribed", "topic", s.Topic)
	}
}

func (c *Client) sessionOptions() SessionOptions {
	id := uuid.New()
	clientID := fmt.Sprintf("%s-%x", c.config.ClientPrefix, id[:2])

	c.mu.Lock()
	c.clientID = clientID
	will := c.will
	c.mu.Unlock()

	return SessionOptions{
		Host:      c.config.Host,
		Port:      c.config.Port,
		ClientID:  clientID,
		Username:  c.config.Username,
		Password:  c.config.Password,
		KeepAlive: c.config.KeepAlive,
		Will:      will,
		OnMessage: c.enqueue,
		OnConnectionLost: func(err error) {
			c.log.Warnf("Broker connection lost: %v", err)
			c.setReplayed(false)
			if o := c.getObserver(); o != nil {
				o.SessionUp(false)
			}
		},
	}
}

// enqueue hands an inbound message to the service task.
func (c *Client) enqueue(topic string, payload []byte) {
	msg := Message{Topic: topic, Payload: append([]byte(nil), payload...)}
	select {
	case c.inbound <- msg:
	default:
		c.log.Warn("Inbound queue full, dropping message", "topic", topic)
		if o := c.getObserver(); o != nil {
			o.Dropped(topic)
		}
	}
}

func (c *Client) drainInbound() {
	for {
		select {
		case msg := <-c.inbound:
			c.Dispatch(msg.Topic, msg.Payload)
		default:
			return
		}
	}
}

func (c *Client) setReplayed(v bool) {
	c.mu.Lock()
	c.replayed = v
	c.mu.Unlock()
}

func (c *Client) getObserver() Observer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.observer
}
