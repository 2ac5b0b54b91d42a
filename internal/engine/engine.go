// Package engine provides the control loop of an irrigation node, routing
// sensor data, decisions and pump commands between the local components,
// the message broker and the cloud.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/agsys/irrigation-node/internal/actuator"
	"github.com/agsys/irrigation-node/internal/broker"
	"github.com/agsys/irrigation-node/internal/decision"
	"github.com/agsys/irrigation-node/internal/link"
	"github.com/agsys/irrigation-node/internal/logger"
	"github.com/agsys/irrigation-node/internal/metrics"
	"github.com/agsys/irrigation-node/internal/protocol"
	"github.com/agsys/irrigation-node/internal/sensors"
	"github.com/agsys/irrigation-node/internal/storage"
)

// Role selects which half of the system this node runs.
type Role string

const (
	RoleSensing   Role = "sensing"   // Node A: sensors, decisions
	RoleActuation Role = "actuation" // Node B: pump
)

// Pump modes on the actuation node
const (
	ModeAuto   = "AUTO"
	ModeManual = "MANUAL"
)

// qos is the broker quality of service used for every message.
const qos byte = 0

// ErrMissingDependency is returned by New when a required component is nil.
var ErrMissingDependency = errors.New("missing engine dependency")

// Config holds engine configuration
type Config struct {
	Role                 Role   `yaml:"-"`
	Site                 string `yaml:"-"`
	NodeID               string `yaml:"-"`
	PeerID               string `yaml:"-"`
	AcceptLegacyDecision bool   `yaml:"-"`

	DecisionInterval  time.Duration `yaml:"decision_interval"`
	TelemetryInterval time.Duration `yaml:"telemetry_interval"`
	StatusInterval    time.Duration `yaml:"status_interval"`
	HealthInterval    time.Duration `yaml:"health_interval"`

	SyncInterval  time.Duration `yaml:"-"`
	SyncBatch     int           `yaml:"-"`
	Retention     time.Duration `yaml:"-"`
	PruneSchedule string        `yaml:"-"`
}

// DefaultConfig returns default engine configuration
func DefaultConfig() Config {
	return Config{
		Role:              RoleSensing,
		Site:              "site1",
		NodeID:            "nodeA",
		PeerID:            "nodeB",
		DecisionInterval:  15 * time.Second,
		TelemetryInterval: 10 * time.Second,
		StatusInterval:    5 * time.Second,
		HealthInterval:    60 * time.Second,
		SyncInterval:      30 * time.Second,
		SyncBatch:         100,
		Retention:         720 * time.Hour,
		PruneSchedule:     "0 3 * * *",
	}
}

// Broker is the message broker surface the engine drives.
type Broker interface {
	SetWill(topic string, payload []byte, qos byte, retain bool)
	Subscribe(topic string, qos byte) error
	RegisterHandler(topic string, h broker.Handler) error
	Publish(topic string, payload []byte, qos byte, retain bool) bool
	IsConnected() bool
	Run(ctx context.Context)
	Close()
}

// Link is the network link state machine.
type Link interface {
	Start() error
	Run(ctx context.Context)
	Events() <-chan link.Event
	State() link.State
}

// Uplink is the cloud connection.
type Uplink interface {
	Start(ctx context.Context) error
	Stop() error
	IsConnected() bool
	SetCommandCallback(cb func(protocol.Command))
	IngestTelemetry(ctx context.Context, records []*storage.TelemetryRecord) error
	IngestDecisions(ctx context.Context, records []*storage.DecisionRecord) error
	IngestHealth(ctx context.Context, records []*storage.HealthRecord) error
	ReportPumpEvents(ctx context.Context, events []*storage.PumpEvent) error
}

// Deps are the components wired into the engine. Feed, Pump (sensing
// role), DB, Cloud and Metrics are optional.
type Deps struct {
	Link     Link
	Broker   Broker
	Decision *decision.Engine
	Channels *sensors.Channels
	Feed     sensors.Feed
	Pump     *actuator.Pump
	DB       *storage.DB
	Cloud    Uplink
	Metrics  *metrics.Metrics
}

// Engine is the node control loop
type Engine struct {
	config Config
	deps   Deps
	log    logger.Logger
	now    func() time.Time

	topics protocol.Topics
	peer   protocol.Topics

	cron     *cron.Cron
	cancel   context.CancelFunc
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu              sync.Mutex
	mode            string
	currentDecision decision.Decision
	lastDecision    decision.Decision
	lastResult      *decision.IrrigationResult
	lastHealth      *decision.HealthResult
}

// New creates a new engine instance
func New(config Config, deps Deps, log logger.Logger) (*Engine, error) {
	if deps.Link == nil || deps.Broker == nil {
		return nil, fmt.Errorf("%w: link and broker are required", ErrMissingDependency)
	}
	switch config.Role {
	case RoleSensing:
		if deps.Decision == nil || deps.Channels == nil {
			return nil, fmt.Errorf("%w: sensing role needs decision engine and sensor channels", ErrMissingDependency)
		}
	case RoleActuation:
		if deps.Pump == nil {
			return nil, fmt.Errorf("%w: actuation role needs a pump", ErrMissingDependency)
		}
	default:
		return nil, fmt.Errorf("unknown node role %q", config.Role)
	}

	topics := protocol.Topics{Site: config.Site, Node: config.NodeID}
	return &Engine{
		config:          config,
		deps:            deps,
		log:             log,
		now:             time.Now,
		topics:          topics,
		peer:            topics.Peer(config.PeerID),
		stopChan:        make(chan struct{}),
		mode:            ModeAuto,
		currentDecision: decision.NoIrrigation,
		lastDecision:    decision.NoIrrigation,
	}, nil
}

// SetClock replaces the wall clock used for timestamps.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// Setup registers the last will, subscriptions and handlers and puts the
// pump in its safe state. Start calls it.
func (e *Engine) Setup() error {
	will, err := protocol.Encode(protocol.NodeStatus{Site: e.config.Site, Node: e.config.NodeID, Online: 0})
	if err != nil {
		return err
	}
	e.deps.Broker.SetWill(e.topics.Leaf(protocol.LeafStatus), will, qos, false)

	if pump := e.deps.Pump; pump != nil {
		pump.OnChange(e.deps.Metrics.Pump)
		if err := pump.Init(); err != nil {
			return fmt.Errorf("failed to initialise pump: %w", err)
		}
	}

	type route struct {
		topic   string
		handler broker.Handler
	}
	routes := []route{{e.topics.Leaf(protocol.LeafCommand), e.handleNodeCommand}}
	switch e.config.Role {
	case RoleSensing:
		routes = append(routes, route{e.peer.Leaf(protocol.LeafStatus), e.handlePumpCommand})
	case RoleActuation:
		routes = append(routes,
			route{e.peer.Leaf(protocol.LeafCmd), e.handleCmd},
			route{e.peer.Leaf(protocol.LeafDecision), e.handleDecision},
			route{e.topics.Leaf(protocol.LeafControl), e.handleControlPayload},
		)
	}

	for _, r := range routes {
		if err := e.deps.Broker.RegisterHandler(r.topic, r.handler); err != nil {
			return fmt.Errorf("failed to register handler: %w", err)
		}
		if err := e.deps.Broker.Subscribe(r.topic, qos); err != nil {
			return fmt.Errorf("failed to subscribe: %w", err)
		}
	}
	return nil
}

// Start starts the engine
func (e *Engine) Start(ctx context.Context) error {
	if err := e.Setup(); err != nil {
		return err
	}

	if e.deps.DB != nil && e.config.PruneSchedule != "" {
		e.cron = cron.New()
		if _, err := e.cron.AddFunc(e.config.PruneSchedule, e.Prune); err != nil {
			return fmt.Errorf("invalid prune schedule: %w", err)
		}
	}

	ctx, e.cancel = context.WithCancel(ctx)

	if err := e.deps.Link.Start(); err != nil {
		// Missing credentials park the link in its error state. Local loops
		// keep running.
		e.log.Errorf("Failed to start link: %v", err)
	}

	e.goRun(func() { e.deps.Link.Run(ctx) })
	e.goRun(func() { e.linkEventLoop(ctx) })
	e.goRun(func() { e.deps.Broker.Run(ctx) })

	if feed := e.deps.Feed; feed != nil {
		e.goRun(func() {
			if err := feed.Run(ctx); err != nil && ctx.Err() == nil {
				e.log.Errorf("Sensor feed stopped: %v", err)
			}
		})
	}

	if e.deps.Cloud != nil {
		e.deps.Cloud.SetCommandCallback(e.HandleControl)
		if err := e.deps.Cloud.Start(ctx); err != nil {
			e.log.Warnf("Failed to start cloud client: %v", err)
		}
		e.goRun(func() { e.every(ctx, e.config.SyncInterval, func() { e.SyncToCloud(ctx) }) })
	}

	if e.cron != nil {
		e.cron.Start()
	}

	e.goRun(func() { e.every(ctx, e.config.StatusInterval, e.PublishStatus) })

	if e.config.Role == RoleSensing {
		e.goRun(func() { e.every(ctx, e.config.DecisionInterval, e.DecisionCycle) })
		e.goRun(func() { e.every(ctx, e.config.TelemetryInterval, e.PublishTelemetry) })
		e.goRun(func() { e.every(ctx, e.config.HealthInterval, e.HealthCycle) })
	}

	e.log.Info("Engine started", "role", string(e.config.Role), "site", e.config.Site, "node", e.config.NodeID)
	return nil
}

// Stop ends the loops, announces the node offline and parks the pump.
func (e *Engine) Stop() error {
	e.stopOnce.Do(func() { close(e.stopChan) })

	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()

	// Loops are done; nothing can publish an online status after this.
	e.publishOffline()

	if e.cron != nil {
		<-e.cron.Stop().Done()
	}

	if e.deps.Cloud != nil {
		if err := e.deps.Cloud.Stop(); err != nil {
			e.log.Warnf("Error stopping cloud client: %v", err)
		}
	}

	if pump := e.deps.Pump; pump != nil {
		if err := pump.Stop(); err != nil {
			e.log.Warnf("Failed to stop pump: %v", err)
		}
	}

	e.deps.Broker.Close()

	e.log.Info("Engine stopped")
	return nil
}

func (e *Engine) goRun(fn func()) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()
}

// every runs fn once per interval until stopped.
func (e *Engine) every(ctx context.Context, interval time.Duration, fn func()) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopChan:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

// linkEventLoop consumes link state changes.
func (e *Engine) linkEventLoop(ctx context.Context) {
	events := e.deps.Link.Events()
	for {
		select {
		case <-e.stopChan:
			return
		case <-ctx.Done():
			return
		case ev := <-events:
			e.handleLinkEvent(ev)
		}
	}
}

func (e *Engine) handleLinkEvent(ev link.Event) {
	e.deps.Metrics.LinkState(ev.To)
	switch {
	case ev.Connected():
		e.log.Info("Link connected, broker session will be re-established")
	case ev.Disconnected():
		e.log.Warn("Link lost, broker operations suspended")
	case ev.To == link.StateError:
		e.log.Error("Link in error state, no further reconnection attempts")
	default:
		e.log.Debug("Link state changed", "from", ev.From.String(), "to", ev.To.String())
	}
}

// publish encodes v and makes a single publish attempt.
func (e *Engine) publish(topic string, v any) bool {
	payload, err := protocol.Encode(v)
	if err != nil {
		e.log.Errorf("Failed to encode payload for %s: %v", topic, err)
		return false
	}
	return e.deps.Broker.Publish(topic, payload, qos, false)
}

// PublishStatus publishes this node's status.
func (e *Engine) PublishStatus() {
	if e.config.Role == RoleActuation {
		e.publish(e.topics.Leaf(protocol.LeafStatus), e.actuatorStatus())
		return
	}
	e.publish(e.topics.Leaf(protocol.LeafStatus), protocol.NodeStatus{
		Site:   e.config.Site,
		Node:   e.config.NodeID,
		Online: 1,
		TS:     e.now().Unix(),
	})
}

func (e *Engine) publishOffline() {
	if !e.deps.Broker.IsConnected() {
		return
	}
	e.publish(e.topics.Leaf(protocol.LeafStatus), protocol.NodeStatus{
		Site:   e.config.Site,
		Node:   e.config.NodeID,
		Online: 0,
		TS:     e.now().Unix(),
	})
}

// handleNodeCommand answers raw maintenance commands.
func (e *Engine) handleNodeCommand(payload []byte) {
	cmd, err := protocol.ParseNodeCommand(payload)
	if err != nil {
		e.log.Warnf("Failed to decode node command: %v", err)
		return
	}

	switch cmd {
	case protocol.NodePing:
		e.deps.Broker.Publish(e.topics.Leaf(protocol.LeafResponse), []byte("pong"), qos, false)
	case protocol.NodeStatusRequest:
		if e.config.Role == RoleSensing {
			e.PublishTelemetry()
		} else {
			e.PublishStatus()
		}
	case protocol.NodeIrrigateNow:
		if e.config.Role == RoleSensing {
			e.IrrigateNow()
		} else {
			e.HandleControl(protocol.Command{Cmd: protocol.CmdOn})
		}
	}
}

// setPump drives the pump and records a transition.
func (e *Engine) setPump(on bool, source string) {
	pump := e.deps.Pump
	if pump == nil {
		e.log.Warn("No pump attached, ignoring command", "on", on, "source", source)
		return
	}

	was := pump.Running()
	var err error
	if on {
		err = pump.Start()
	} else {
		err = pump.Stop()
	}
	if err != nil {
		e.log.Errorf("Failed to set pump: %v", err)
		return
	}
	if was == on {
		return
	}

	e.log.Info("Pump changed", "running", on, "source", source)

	if db := e.deps.DB; db != nil {
		e.mu.Lock()
		mode := e.mode
		e.mu.Unlock()
		if _, err := db.InsertPumpEvent(&storage.PumpEvent{Running: on, Source: source, Mode: mode, Timestamp: e.now()}); err != nil {
			e.log.Warnf("Failed to store pump event: %v", err)
		}
	}
}
