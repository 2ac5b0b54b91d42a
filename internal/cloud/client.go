// Package cloud provides communication with the farm cloud service.
// Uses HTTPS REST for log upload and WebSocket for remote commands.
package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/agsys/irrigation-node/internal/logger"
	"github.com/agsys/irrigation-node/internal/protocol"
	"github.com/agsys/irrigation-node/internal/storage"
)

// MessageType defines the type of WebSocket message
type MessageType string

const (
	// Outbound WebSocket messages (to cloud)
	MsgTypeAck  MessageType = "ack"
	MsgTypePong MessageType = "pong"

	// Inbound WebSocket messages (from cloud)
	MsgTypeCommand MessageType = "command"
	MsgTypePing    MessageType = "ping"
)

// Message represents a WebSocket message to/from the cloud
type Message struct {
	Type      MessageType     `json:"type"`
	ID        string          `json:"id,omitempty"`
	Timestamp string          `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// Config holds cloud client configuration
type Config struct {
	BaseURL      string `yaml:"base_url"`      // REST API base URL
	WebSocketURL string `yaml:"websocket_url"` // WebSocket URL
	APIKey       string `yaml:"api_key"`

	SyncInterval time.Duration `yaml:"sync_interval"`
	SyncBatch    int           `yaml:"sync_batch"`

	PingInterval time.Duration `yaml:"ping_interval"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	HTTPTimeout  time.Duration `yaml:"http_timeout"`

	// Reconnection settings (exponential backoff)
	InitialRetryDelay time.Duration `yaml:"initial_retry_delay"`
	MaxRetryDelay     time.Duration `yaml:"max_retry_delay"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	JitterPercent     float64       `yaml:"jitter_percent"`
}

// DefaultConfig returns default cloud client configuration
func DefaultConfig() Config {
	return Config{
		SyncInterval:      30 * time.Second,
		SyncBatch:         100,
		PingInterval:      30 * time.Second,
		WriteTimeout:      10 * time.Second,
		ReadTimeout:       60 * time.Second,
		HTTPTimeout:       30 * time.Second,
		InitialRetryDelay: 1 * time.Second,
		MaxRetryDelay:     60 * time.Second,
		BackoffMultiplier: 2.0,
		JitterPercent:     0.25,
	}
}

// Enabled reports whether a REST endpoint is configured.
func (c Config) Enabled() bool { return c.BaseURL != "" }

// Client handles communication with the cloud
type Client struct {
	config     Config
	nodeID     string
	httpClient *http.Client
	log        logger.Logger
	conn       *websocket.Conn
	sendChan   chan *Message
	stopChan   chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
	mu         sync.Mutex
	connected  bool

	onCommand func(protocol.Command)
}

// New creates a new cloud client
func New(config Config, nodeID string, log logger.Logger) *Client {
	return &Client{
		config: config,
		nodeID: nodeID,
		httpClient: &http.Client{
			Timeout: config.HTTPTimeout,
		},
		log:      log,
		sendChan: make(chan *Message, 100),
		stopChan: make(chan struct{}),
	}
}

// SetCommandCallback sets the callback for remote control commands
func (c *Client) SetCommandCallback(cb func(protocol.Command)) {
	c.mu.Lock()
	c.onCommand = cb
	c.mu.Unlock()
}

// Start starts the WebSocket connection loop when a URL is configured
func (c *Client) Start(ctx context.Context) error {
	if c.config.WebSocketURL == "" {
		return nil
	}
	c.wg.Add(1)
	go c.connectionLoop(ctx)
	return nil
}

// Stop disconnects from the cloud and stops all loops
func (c *Client) Stop() error {
	c.stopOnce.Do(func() { close(c.stopChan) })
	c.disconnect()
	c.wg.Wait()
	return nil
}

// IsConnected returns whether the WebSocket is connected
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// =============================================================================
// REST API Methods (Node → Backend)
// =============================================================================

// IngestTelemetry uploads telemetry samples
func (c *Client) IngestTelemetry(ctx context.Context, records []*storage.TelemetryRecord) error {
	payload := map[string]interface{}{
		"node_id":  c.nodeID,
		"readings": records,
	}
	return c.postJSON(ctx, "/telemetry/ingest", payload)
}

// IngestDecisions uploads irrigation decisions
func (c *Client) IngestDecisions(ctx context.Context, records []*storage.DecisionRecord) error {
	payload := map[string]interface{}{
		"node_id":   c.nodeID,
		"decisions": records,
	}
	return c.postJSON(ctx, "/decisions/ingest", payload)
}

// IngestHealth uploads plant health reports
func (c *Client) IngestHealth(ctx context.Context, records []*storage.HealthRecord) error {
	payload := map[string]interface{}{
		"node_id": c.nodeID,
		"reports": records,
	}
	return c.postJSON(ctx, "/health/ingest", payload)
}

// ReportPumpEvents uploads pump transitions
func (c *Client) ReportPumpEvents(ctx context.Context, events []*storage.PumpEvent) error {
	payload := map[string]interface{}{
		"node_id": c.nodeID,
		"events":  events,
	}
	return c.postJSON(ctx, "/pump/events", payload)
}

// postJSON sends a POST request with JSON body to the REST API
func (c *Client) postJSON(ctx context.Context, endpoint string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+endpoint, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", c.config.APIKey)
	req.Header.Set("X-Node-ID", c.nodeID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("API error %d: %s", resp.StatusCode, string(body))
	}

	return nil
}

// =============================================================================
// WebSocket Methods (Backend → Node)
// =============================================================================

func (c *Client) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.config.InitialRetryDelay
	b.MaxInterval = c.config.MaxRetryDelay
	b.Multiplier = c.config.BackoffMultiplier
	b.RandomizationFactor = c.config.JitterPercent
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// connectionLoop manages the WebSocket connection with exponential backoff
func (c *Client) connectionLoop(ctx context.Context) {
	defer c.wg.Done()

	b := c.newBackOff()
	for {
		select {
		case <-c.stopChan:
			c.disconnect()
			return
		case <-ctx.Done():
			c.disconnect()
			return
		default:
		}

		if err := c.connect(ctx); err != nil {
			c.log.Warnf("Failed to connect to cloud: %v", err)
			if !c.wait(ctx, b.NextBackOff()) {
				return
			}
			continue
		}

		// Reset retry delay on successful connection
		b.Reset()

		c.runMessageLoops(ctx)
		c.disconnect()

		c.log.Info("Disconnected from cloud, reconnecting...")
		if !c.wait(ctx, b.NextBackOff()) {
			return
		}
	}
}

// wait sleeps for d unless stopped first
func (c *Client) wait(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-c.stopChan:
		return false
	case <-ctx.Done():
		return false
	}
}

// connect establishes the WebSocket connection
func (c *Client) connect(ctx context.Context) error {
	u, err := url.Parse(c.config.WebSocketURL)
	if err != nil {
		return fmt.Errorf("invalid websocket url: %w", err)
	}
	q := u.Query()
	q.Set("api_key", c.config.APIKey)
	q.Set("node_id", c.nodeID)
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	c.log.Info("Connected to cloud WebSocket", "url", c.config.WebSocketURL)
	return nil
}

// disconnect closes the WebSocket connection
func (c *Client) disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connected = false
}

// runMessageLoops runs the read and write loops until either exits
func (c *Client) runMessageLoops(ctx context.Context) {
	var wg sync.WaitGroup
	done := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.readLoop(done)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writeLoop(ctx, done)
		// Unblock the reader when the writer gives up.
		c.disconnect()
	}()

	wg.Wait()
}

// readLoop reads messages from the WebSocket
func (c *Client) readLoop(done chan struct{}) {
	defer close(done)

	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		if conn == nil {
			return
		}

		conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))

		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warnf("WebSocket read error: %v", err)
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Warnf("Failed to parse message: %v", err)
			continue
		}

		c.handleMessage(&msg)
	}
}

// writeLoop sends messages to the WebSocket
func (c *Client) writeLoop(ctx context.Context, done chan struct{}) {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-c.stopChan:
			return

		case msg := <-c.sendChan:
			c.mu.Lock()
			conn := c.conn
			c.mu.Unlock()

			if conn == nil {
				continue
			}

			data, err := json.Marshal(msg)
			if err != nil {
				c.log.Warnf("Failed to marshal message: %v", err)
				continue
			}

			conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Warnf("WebSocket write error: %v", err)
				return
			}

		case <-ticker.C:
			c.mu.Lock()
			conn := c.conn
			c.mu.Unlock()

			if conn == nil {
				return
			}

			conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.log.Warnf("Ping failed: %v", err)
				return
			}
		}
	}
}

// handleMessage processes an incoming WebSocket message
func (c *Client) handleMessage(msg *Message) {
	c.mu.Lock()
	onCommand := c.onCommand
	c.mu.Unlock()

	switch msg.Type {
	case MsgTypeCommand:
		cmd, err := protocol.ParseCommand(msg.Payload)
		if err != nil {
			c.log.Warnf("Failed to decode command from cloud: %v", err)
			errMsg := err.Error()
			c.sendAck(msg.ID, false, &errMsg)
			return
		}
		if onCommand != nil {
			onCommand(cmd)
		}
		c.sendAck(msg.ID, true, nil)

	case MsgTypePing:
		c.sendPong(msg.ID)

	default:
		c.log.Warnf("Unknown message type: %s", msg.Type)
	}
}

// sendAck sends an acknowledgment message
func (c *Client) sendAck(messageID string, success bool, errMsg *string) {
	payload := map[string]interface{}{
		"message_id": messageID,
		"success":    success,
	}
	if errMsg != nil {
		payload["error"] = *errMsg
	}
	c.enqueue(MsgTypeAck, payload)
}

// sendPong sends a pong response to a ping
func (c *Client) sendPong(pingID string) {
	c.enqueue(MsgTypePong, map[string]interface{}{"ping_id": pingID})
}

func (c *Client) enqueue(t MessageType, payload interface{}) {
	payloadBytes, _ := json.Marshal(payload)

	msg := &Message{
		Type:      t,
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payloadBytes,
	}

	select {
	case c.sendChan <- msg:
	default:
		c.log.Warnf("Send queue full, dropping %s", t)
	}
}
