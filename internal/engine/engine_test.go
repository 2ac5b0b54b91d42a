package engine

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agsys/irrigation-node/internal/actuator"
	"github.com/agsys/irrigation-node/internal/broker"
	"github.com/agsys/irrigation-node/internal/decision"
	"github.com/agsys/irrigation-node/internal/link"
	"github.com/agsys/irrigation-node/internal/logger"
	"github.com/agsys/irrigation-node/internal/protocol"
	"github.com/agsys/irrigation-node/internal/sensors"
	"github.com/agsys/irrigation-node/internal/storage"
)

type published struct {
	topic   string
	payload []byte
}

// mockBroker records publishes and lets tests deliver inbound messages.
type mockBroker struct {
	mu        sync.Mutex
	connected bool
	handlers  map[string]broker.Handler
	subs      []string
	sent      []published
	will      []byte
	closed    bool
}

func newMockBroker() *mockBroker {
	return &mockBroker{connected: true, handlers: make(map[string]broker.Handler)}
}

func (b *mockBroker) SetWill(topic string, payload []byte, qos byte, retain bool) {
	b.mu.Lock()
	b.will = payload
	b.mu.Unlock()
}

func (b *mockBroker) Subscribe(topic string, qos byte) error {
	b.mu.Lock()
	b.subs = append(b.subs, topic)
	b.mu.Unlock()
	return nil
}

func (b *mockBroker) RegisterHandler(topic string, h broker.Handler) error {
	b.mu.Lock()
	b.handlers[topic] = h
	b.mu.Unlock()
	return nil
}

func (b *mockBroker) Publish(topic string, payload []byte, qos byte, retain bool) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return false
	}
	b.sent = append(b.sent, published{topic: topic, payload: payload})
	return true
}

func (b *mockBroker) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

func (b *mockBroker) Run(ctx context.Context) { <-ctx.Done() }

func (b *mockBroker) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
}

func (b *mockBroker) setConnected(up bool) {
	b.mu.Lock()
	b.connected = up
	b.mu.Unlock()
}

func (b *mockBroker) deliver(t *testing.T, topic, payload string) {
	t.Helper()
	b.mu.Lock()
	h, ok := b.handlers[topic]
	b.mu.Unlock()
	require.Truef(t, ok, "no handler for %s", topic)
	h([]byte(payload))
}

func (b *mockBroker) messages() []published {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]published(nil), b.sent...)
}

func (b *mockBroker) on(topic string) []published {
	var out []published
	for _, m := range b.messages() {
		if m.topic == topic {
			out = append(out, m)
		}
	}
	return out
}

func (b *mockBroker) reset() {
	b.mu.Lock()
	b.sent = nil
	b.mu.Unlock()
}

type mockLink struct {
	events  chan link.Event
	started bool
}

func newMockLink() *mockLink { return &mockLink{events: make(chan link.Event, 4)} }

func (l *mockLink) Start() error              { l.started = true; return nil }
func (l *mockLink) Run(ctx context.Context)   { <-ctx.Done() }
func (l *mockLink) Events() <-chan link.Event { return l.events }
func (l *mockLink) State() link.State         { return link.StateConnected }

type fixedModel struct{ p float32 }

func (m fixedModel) Predict([decision.NumFeatures]float32) float32 { return m.p }

type fixedHealth struct{ out [decision.NumHealthClasses]int8 }

func (m fixedHealth) Classify([decision.NumHealthInputs]int8) ([decision.NumHealthClasses]int8, error) {
	return m.out, nil
}

// mockUplink records uploads.
type mockUplink struct {
	mu        sync.Mutex
	telemetry int
	decisions int
	health    int
	pump      int
	fail      bool
}

func (u *mockUplink) Start(ctx context.Context) error              { return nil }
func (u *mockUplink) Stop() error                                  { return nil }
func (u *mockUplink) IsConnected() bool                            { return true }
func (u *mockUplink) SetCommandCallback(cb func(protocol.Command)) {}

func (u *mockUplink) IngestTelemetry(ctx context.Context, r []*storage.TelemetryRecord) error {
	return u.count(&u.telemetry, len(r))
}

func (u *mockUplink) IngestDecisions(ctx context.Context, r []*storage.DecisionRecord) error {
	return u.count(&u.decisions, len(r))
}

func (u *mockUplink) IngestHealth(ctx context.Context, r []*storage.HealthRecord) error {
	return u.count(&u.health, len(r))
}

func (u *mockUplink) ReportPumpEvents(ctx context.Context, r []*storage.PumpEvent) error {
	return u.count(&u.pump, len(r))
}

func (u *mockUplink) count(field *int, n int) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.fail {
		return assert.AnError
	}
	*field += n
	return nil
}

func openDB(t *testing.T) *storage.DB {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "node.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

var testTime = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

type sensingFixture struct {
	engine   *Engine
	broker   *mockBroker
	channels *sensors.Channels
	pump     *actuator.Pump
	db       *storage.DB
}

func newSensing(t *testing.T, p float32) *sensingFixture {
	t.Helper()
	log := logger.Nop()
	f := &sensingFixture{
		broker:   newMockBroker(),
		channels: sensors.NewChannels(sensors.DefaultConfig()),
		pump:     actuator.NewPump(&actuator.NopPWM{}, actuator.DefaultFrequency, log),
		db:       openDB(t),
	}
	health := fixedHealth{out: [decision.NumHealthClasses]int8{-100, -110, 20, -110, -110, -110, -110, -110}}
	dec := decision.NewEngine(decision.DefaultConfig(), fixedModel{p: p}, health, log)

	eng, err := New(DefaultConfig(), Deps{
		Link:     newMockLink(),
		Broker:   f.broker,
		Decision: dec,
		Channels: f.channels,
		Pump:     f.pump,
		DB:       f.db,
	}, log)
	require.NoError(t, err)
	eng.SetClock(func() time.Time { return testTime })
	require.NoError(t, eng.Setup())
	f.engine = eng
	return f
}

func (f *sensingFixture) pushReading(moisture, temp, humidity float32) {
	f.channels.Push(sensors.Moisture, moisture)
	f.channels.Push(sensors.Temperature, temp)
	f.channels.Push(sensors.Humidity, humidity)
}

func decode(t *testing.T, payload []byte, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(payload, v))
}

func TestNewValidatesDependencies(t *testing.T) {
	log := logger.Nop()

	_, err := New(DefaultConfig(), Deps{}, log)
	assert.ErrorIs(t, err, ErrMissingDependency)

	_, err = New(DefaultConfig(), Deps{Link: newMockLink(), Broker: newMockBroker()}, log)
	assert.ErrorIs(t, err, ErrMissingDependency)

	cfg := DefaultConfig()
	cfg.Role = RoleActuation
	_, err = New(cfg, Deps{Link: newMockLink(), Broker: newMockBroker()}, log)
	assert.ErrorIs(t, err, ErrMissingDependency)

	cfg.Role = "relay"
	_, err = New(cfg, Deps{Link: newMockLink(), Broker: newMockBroker()}, log)
	assert.Error(t, err)
}

func TestSetupSensingSubscriptions(t *testing.T) {
	f := newSensing(t, 0.9)

	assert.ElementsMatch(t, []string{"farm/site1/nodeA/command", "farm/site1/nodeB/status"}, f.broker.subs)

	var will protocol.NodeStatus
	decode(t, f.broker.will, &will)
	assert.Equal(t, 0, will.Online)
	assert.Equal(t, "nodeA", will.Node)
	assert.False(t, f.pump.Running())
}

func TestDecisionCyclePublishesCmdThenDecision(t *testing.T) {
	f := newSensing(t, 0.9)

	for i := 0; i < decision.HistorySize; i++ {
		f.pushReading(30, 25, 60)
	}
	for i := 0; i < decision.HistorySize; i++ {
		f.engine.DecisionCycle()
	}

	msgs := f.broker.messages()
	require.Len(t, msgs, 2*decision.HistorySize, "one cmd and one decision per cycle")

	for i := 0; i < decision.HistorySize; i++ {
		assert.Equal(t, "farm/site1/nodeA/cmd", msgs[2*i].topic)
		assert.Equal(t, "farm/site1/nodeA/decision", msgs[2*i+1].topic)
	}

	// The history fills on the last cycle.
	assert.JSONEq(t, `{"cmd":"OFF"}`, string(msgs[0].payload))
	var first protocol.DecisionMessage
	decode(t, msgs[1].payload, &first)
	assert.Equal(t, "CHECK_SYSTEM", first.Decision)
	assert.Nil(t, first.Probability)

	last := len(msgs) - 2
	assert.JSONEq(t, `{"cmd":"ON"}`, string(msgs[last].payload))
	var dm protocol.DecisionMessage
	decode(t, msgs[last+1].payload, &dm)
	assert.Equal(t, "IRRIGATE", dm.Decision)
	assert.Equal(t, testTime.UnixMilli(), dm.Timestamp)
	require.NotNil(t, dm.Probability)
	assert.InDelta(t, 0.9, *dm.Probability, 1e-6)

	recent, err := f.db.RecentDecisions(10)
	require.NoError(t, err)
	require.Len(t, recent, decision.HistorySize)
	assert.Equal(t, "IRRIGATE", recent[0].Label)
	assert.Equal(t, "ON", recent[0].Command)
	assert.True(t, recent[0].Published)
	assert.Equal(t, "insufficient history", recent[1].Reason)

	snap := f.engine.Snapshot()
	assert.Equal(t, "IRRIGATE", snap.Decision)
	assert.Equal(t, int(decision.Irrigate), snap.CurrentDecision)
	assert.Equal(t, decision.HistorySize, snap.History)
}

func TestDecisionCycleBelowThreshold(t *testing.T) {
	f := newSensing(t, 0.49)
	for i := 0; i < decision.HistorySize; i++ {
		f.pushReading(70, 20, 60)
		f.engine.DecisionCycle()
	}

	cmds := f.broker.on("farm/site1/nodeA/cmd")
	require.Len(t, cmds, decision.HistorySize)
	assert.JSONEq(t, `{"cmd":"OFF"}`, string(cmds[len(cmds)-1].payload))

	decisions := f.broker.on("farm/site1/nodeA/decision")
	var dm protocol.DecisionMessage
	decode(t, decisions[len(decisions)-1].payload, &dm)
	assert.Equal(t, "NO_IRRIGATION", dm.Decision)
}

func TestDecisionCycleWithoutDataIsCheckSystem(t *testing.T) {
	f := newSensing(t, 0.9)

	f.engine.DecisionCycle()

	msgs := f.broker.messages()
	require.Len(t, msgs, 2)
	assert.JSONEq(t, `{"cmd":"OFF"}`, string(msgs[0].payload))
	var dm protocol.DecisionMessage
	decode(t, msgs[1].payload, &dm)
	assert.Equal(t, "CHECK_SYSTEM", dm.Decision)

	recent, err := f.db.RecentDecisions(1)
	require.NoError(t, err)
	assert.Equal(t, "no sensor data", recent[0].Reason)
}

func TestDecisionCycleSkipsPublishWhenBrokerDown(t *testing.T) {
	f := newSensing(t, 0.9)
	f.broker.setConnected(false)

	f.pushReading(30, 25, 60)
	f.engine.DecisionCycle()

	assert.Empty(t, f.broker.messages())

	recent, err := f.db.RecentDecisions(1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.False(t, recent[0].Published)
}

func TestHealthCycle(t *testing.T) {
	f := newSensing(t, 0.9)

	f.engine.HealthCycle()
	assert.Empty(t, f.broker.on("farm/site1/nodeA/health"), "no nutrient data yet")

	f.channels.Push(sensors.Nitrogen, 100)
	f.channels.Push(sensors.Phosphorus, 100)
	f.channels.Push(sensors.Potassium, 100)
	f.channels.Push(sensors.PH, 5)
	f.engine.HealthCycle()

	reports := f.broker.on("farm/site1/nodeA/health")
	require.Len(t, reports, 1)
	var hr protocol.HealthReport
	decode(t, reports[0].payload, &hr)
	assert.Equal(t, 1, hr.OK)
	assert.Equal(t, "PH_STRESS_ACIDIC", hr.Class)
	assert.Equal(t, 2, hr.Index)
	assert.Len(t, hr.Probabilities, decision.NumHealthClasses)

	stored, err := f.db.RecentHealthReports(1)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.InDelta(t, 5.0, stored[0].PH, 1e-6)
}

func TestPublishTelemetryOmitsMissingNutrients(t *testing.T) {
	f := newSensing(t, 0.9)
	f.pushReading(42, 23.5, 55)

	f.engine.PublishTelemetry()

	msgs := f.broker.on("farm/site1/nodeA/telemetry")
	require.Len(t, msgs, 1)
	var raw map[string]any
	decode(t, msgs[0].payload, &raw)
	assert.InDelta(t, 42, raw["soil_moisture"], 1e-6)
	assert.InDelta(t, 23.5, raw["temperature"], 1e-6)
	assert.NotContains(t, raw, "ph")
	assert.NotContains(t, raw, "n")

	// Telemetry does not consume the decision queue.
	assert.Equal(t, 1, f.channels.Len(sensors.Moisture))

	stored, err := f.db.RecentTelemetry(1)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Nil(t, stored[0].PH)
}

func TestRawPumpCommands(t *testing.T) {
	f := newSensing(t, 0.9)
	topic := "farm/site1/nodeB/status"

	f.broker.deliver(t, topic, "on")
	assert.True(t, f.pump.Running())

	f.broker.deliver(t, topic, "STATUS")
	resp := f.broker.on("farm/site1/nodeA/pump_response")
	require.Len(t, resp, 1)
	assert.JSONEq(t, `{"pumpStatus":"ON"}`, string(resp[0].payload))

	// JSON status from the actuation node is not a command.
	f.broker.deliver(t, topic, `{"site":"site1","node":"nodeB","online":1}`)
	assert.True(t, f.pump.Running())

	f.broker.deliver(t, topic, "OFF")
	assert.False(t, f.pump.Running())

	events, err := f.db.RecentPumpEvents(10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, storage.SourceLocal, events[0].Source)
}

func TestNodeCommands(t *testing.T) {
	f := newSensing(t, 0.9)
	topic := "farm/site1/nodeA/command"

	f.broker.deliver(t, topic, "ping")
	resp := f.broker.on("farm/site1/nodeA/response")
	require.Len(t, resp, 1)
	assert.Equal(t, "pong", string(resp[0].payload))

	f.broker.deliver(t, topic, "status")
	assert.Len(t, f.broker.on("farm/site1/nodeA/telemetry"), 1)

	f.broker.reset()
	f.broker.deliver(t, topic, "irrigate_now")
	msgs := f.broker.messages()
	require.Len(t, msgs, 2)
	assert.JSONEq(t, `{"cmd":"ON"}`, string(msgs[0].payload))

	recent, err := f.db.RecentDecisions(1)
	require.NoError(t, err)
	assert.Equal(t, "irrigate_now", recent[0].Reason)

	f.broker.reset()
	f.broker.deliver(t, topic, "reboot")
	assert.Empty(t, f.broker.messages())
}

type actuationFixture struct {
	engine *Engine
	broker *mockBroker
	pump   *actuator.Pump
	db     *storage.DB
}

func newActuation(t *testing.T, acceptLegacy bool) *actuationFixture {
	t.Helper()
	log := logger.Nop()
	f := &actuationFixture{
		broker: newMockBroker(),
		pump:   actuator.NewPump(&actuator.NopPWM{}, actuator.DefaultFrequency, log),
		db:     openDB(t),
	}
	cfg := DefaultConfig()
	cfg.Role = RoleActuation
	cfg.NodeID = "nodeB"
	cfg.PeerID = "nodeA"
	cfg.AcceptLegacyDecision = acceptLegacy

	eng, err := New(cfg, Deps{Link: newMockLink(), Broker: f.broker, Pump: f.pump, DB: f.db}, log)
	require.NoError(t, err)
	require.NoError(t, eng.Setup())
	f.engine = eng
	return f
}

func (f *actuationFixture) lastStatus(t *testing.T) protocol.ActuatorStatus {
	t.Helper()
	msgs := f.broker.on("farm/site1/nodeB/status")
	require.NotEmpty(t, msgs)
	var s protocol.ActuatorStatus
	decode(t, msgs[len(msgs)-1].payload, &s)
	return s
}

func TestSetupActuationSubscriptions(t *testing.T) {
	f := newActuation(t, false)
	assert.ElementsMatch(t, []string{
		"farm/site1/nodeB/command",
		"farm/site1/nodeA/cmd",
		"farm/site1/nodeA/decision",
		"farm/site1/nodeB/control",
	}, f.broker.subs)
	assert.False(t, f.pump.Running())
}

func TestAutoModeFollowsCmd(t *testing.T) {
	f := newActuation(t, false)

	f.broker.deliver(t, "farm/site1/nodeA/cmd", `{"cmd":"ON"}`)
	assert.True(t, f.pump.Running())
	status := f.lastStatus(t)
	assert.Equal(t, ModeAuto, status.Mode)
	assert.Equal(t, "ON", status.Pump)
	assert.Equal(t, 1, status.Online)
	assert.Equal(t, 1, status.CurrentDecision)
	assert.Equal(t, 0, status.LastDecision)

	f.broker.deliver(t, "farm/site1/nodeA/cmd", `{"cmd":"OFF"}`)
	assert.False(t, f.pump.Running())

	f.broker.deliver(t, "farm/site1/nodeA/cmd", `{"cmd":"ON"}`)
	f.broker.deliver(t, "farm/site1/nodeA/cmd", `{"cmd":"SPRAY"}`)
	assert.False(t, f.pump.Running(), "unknown commands stop the pump")

	f.broker.deliver(t, "farm/site1/nodeA/cmd", `{"cmd":"ON"}`)
	f.broker.deliver(t, "farm/site1/nodeA/cmd", `not json`)
	assert.True(t, f.pump.Running(), "undecodable payloads are ignored")

	events, err := f.db.RecentPumpEvents(10)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, storage.SourceAuto, events[0].Source)
	assert.Equal(t, ModeAuto, events[0].Mode)
}

func TestManualModeIgnoresCmd(t *testing.T) {
	f := newActuation(t, false)

	f.broker.deliver(t, "farm/site1/nodeB/control", `{"cmd":"manual"}`)
	assert.Equal(t, ModeManual, f.lastStatus(t).Mode)

	f.broker.deliver(t, "farm/site1/nodeA/cmd", `{"cmd":"ON"}`)
	assert.False(t, f.pump.Running())

	f.broker.deliver(t, "farm/site1/nodeB/control", `{"cmd":"AUTO"}`)
	f.broker.deliver(t, "farm/site1/nodeA/cmd", `{"cmd":"ON"}`)
	assert.True(t, f.pump.Running())
}

func TestControlOnOffSwitchesToManual(t *testing.T) {
	f := newActuation(t, false)

	f.broker.deliver(t, "farm/site1/nodeB/control", `{"cmd":"ON"}`)
	assert.True(t, f.pump.Running())
	status := f.lastStatus(t)
	assert.Equal(t, ModeManual, status.Mode)
	assert.Equal(t, 1, status.CurrentDecision)

	f.engine.HandleControl(protocol.Command{Cmd: protocol.CmdOff})
	assert.False(t, f.pump.Running())
	status = f.lastStatus(t)
	assert.Equal(t, 0, status.CurrentDecision)
	assert.Equal(t, 1, status.LastDecision)

	events, err := f.db.RecentPumpEvents(10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, storage.SourceManual, events[0].Source)
	assert.Equal(t, ModeManual, events[0].Mode)
}

func TestLegacyDecisionIsInformational(t *testing.T) {
	f := newActuation(t, false)

	f.broker.deliver(t, "farm/site1/nodeA/decision", `{"timestamp":1,"decision":"IRRIGATE"}`)
	assert.False(t, f.pump.Running())
	status := f.lastStatus(t)
	assert.Equal(t, 1, status.CurrentDecision)

	f.broker.deliver(t, "farm/site1/nodeA/decision", `{"decision":-1}`)
	status = f.lastStatus(t)
	assert.Equal(t, -1, status.CurrentDecision)
	assert.Equal(t, 1, status.LastDecision)
}

func TestLegacyDecisionDrivesPumpWhenAccepted(t *testing.T) {
	f := newActuation(t, true)

	f.broker.deliver(t, "farm/site1/nodeA/decision", `{"decision":1}`)
	assert.True(t, f.pump.Running())

	f.broker.deliver(t, "farm/site1/nodeA/decision", `{"decision":"garbage"}`)
	assert.False(t, f.pump.Running(), "unreadable decisions are CheckSystem")

	events, err := f.db.RecentPumpEvents(1)
	require.NoError(t, err)
	assert.Equal(t, storage.SourceLegacy, events[0].Source)
}

func TestControlIgnoredOnSensingNode(t *testing.T) {
	f := newSensing(t, 0.9)
	f.engine.HandleControl(protocol.Command{Cmd: protocol.CmdOn})
	assert.False(t, f.pump.Running())
}

func TestSyncToCloud(t *testing.T) {
	f := newSensing(t, 0.9)
	up := &mockUplink{}
	f.engine.deps.Cloud = up

	f.pushReading(40, 22, 50)
	f.engine.PublishTelemetry()
	f.engine.DecisionCycle()
	f.broker.deliver(t, "farm/site1/nodeB/status", "ON")

	f.engine.SyncToCloud(context.Background())
	assert.Equal(t, 1, up.telemetry)
	assert.Equal(t, 1, up.decisions)
	assert.Equal(t, 0, up.health)
	assert.Equal(t, 1, up.pump)

	stats, err := f.db.Stats()
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Unsynced)

	// Failed uploads leave rows for the next round.
	up.fail = true
	f.engine.PublishTelemetry()
	f.engine.SyncToCloud(context.Background())
	stats, err = f.db.Stats()
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Unsynced)
}

func TestPruneUsesRetention(t *testing.T) {
	f := newSensing(t, 0.9)
	_, err := f.db.InsertTelemetry(&storage.TelemetryRecord{Site: "site1", Node: "nodeA", Timestamp: testTime.Add(-1000 * time.Hour), SyncedToCloud: true})
	require.NoError(t, err)
	rows, err := f.db.GetUnsyncedTelemetry(10)
	require.NoError(t, err)
	for _, r := range rows {
		require.NoError(t, f.db.MarkTelemetrySynced(r.ID))
	}

	f.engine.Prune()

	stats, err := f.db.Stats()
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Telemetry)
}

func TestStartStop(t *testing.T) {
	log := logger.Nop()
	b := newMockBroker()
	l := newMockLink()
	pump := actuator.NewPump(&actuator.NopPWM{}, actuator.DefaultFrequency, log)

	cfg := DefaultConfig()
	cfg.Role = RoleActuation
	cfg.NodeID = "nodeB"
	cfg.PeerID = "nodeA"
	cfg.StatusInterval = 10 * time.Millisecond

	eng, err := New(cfg, Deps{Link: l, Broker: b, Pump: pump}, log)
	require.NoError(t, err)

	require.NoError(t, eng.Start(context.Background()))
	assert.True(t, l.started)

	l.events <- link.Event{From: link.StateConnecting, To: link.StateConnected}

	assert.Eventually(t, func() bool {
		return len(b.on("farm/site1/nodeB/status")) > 0
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, eng.Stop())

	msgs := b.on("farm/site1/nodeB/status")
	var last protocol.NodeStatus
	decode(t, msgs[len(msgs)-1].payload, &last)
	assert.Equal(t, 0, last.Online)
	assert.True(t, b.closed)
	assert.False(t, pump.Running())
}
