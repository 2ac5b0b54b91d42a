package broker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agsys/irrigation-node/internal/logger"
)

type fakeLink struct {
	mu sync.Mutex
	up bool
}

func (l *fakeLink) IsConnected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.up
}

func (l *fakeLink) set(up bool) {
	l.mu.Lock()
	l.up = up
	l.mu.Unlock()
}

// fakeSession records everything the client asks of the broker.
type fakeSession struct {
	mu           sync.Mutex
	connected    bool
	failConnects int
	connects     int
	lastOpts     SessionOptions
	subscribed   []string
	published    []Message
	publishErr   error
	subscribeErr error
	// onConnect runs after a successful handshake, before the client replays.
	onConnect func()
}

func (s *fakeSession) Connect(opts SessionOptions) error {
	s.mu.Lock()
	s.connects++
	s.lastOpts = opts
	if s.failConnects > 0 {
		s.failConnects--
		s.mu.Unlock()
		return errors.New("connection refused")
	}
	s.connected = true
	hook := s.onConnect
	s.mu.Unlock()

	if hook != nil {
		hook()
	}
	return nil
}

func (s *fakeSession) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *fakeSession) Subscribe(topic string, qos byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subscribeErr != nil {
		return s.subscribeErr
	}
	s.subscribed = append(s.subscribed, topic)
	return nil
}

func (s *fakeSession) Publish(topic string, qos byte, retain bool, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.publishErr != nil {
		return s.publishErr
	}
	s.published = append(s.published, Message{Topic: topic, Payload: payload, QoS: qos, Retain: retain})
	return nil
}

func (s *fakeSession) Disconnect() {
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()
}

func (s *fakeSession) drop() { s.Disconnect() }

type countingObserver struct {
	mu      sync.Mutex
	ok      int
	failed  int
	dropped int
	up      []bool
}

func (o *countingObserver) Published(topic string, ok bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if ok {
		o.ok++
	} else {
		o.failed++
	}
}

func (o *countingObserver) Dropped(topic string) {
	o.mu.Lock()
	o.dropped++
	o.mu.Unlock()
}

func (o *countingObserver) SessionUp(up bool) {
	o.mu.Lock()
	o.up = append(o.up, up)
	o.mu.Unlock()
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RetryInterval = time.Millisecond
	cfg.LinkPoll = time.Millisecond
	return cfg
}

func newTestClient(t *testing.T) (*Client, *fakeSession, *fakeLink) {
	t.Helper()
	sess := &fakeSession{}
	link := &fakeLink{}
	return New(testConfig(), sess, link, logger.Nop()), sess, link
}

func TestPublishFailsFastWhenDisconnected(t *testing.T) {
	c, sess, link := newTestClient(t)
	obs := &countingObserver{}
	c.SetObserver(obs)

	start := time.Now()
	assert.False(t, c.Publish("farm/site1/nodeA/cmd", []byte(`{"cmd":"ON"}`), 0, false))
	assert.Less(t, time.Since(start), 50*time.Millisecond)

	link.set(true)
	assert.False(t, c.Publish("farm/site1/nodeA/cmd", []byte(`{"cmd":"ON"}`), 0, false))
	assert.Empty(t, sess.published)

	sess.connected = true
	assert.True(t, c.Publish("farm/site1/nodeA/cmd", []byte(`{"cmd":"ON"}`), 0, false))
	require.Len(t, sess.published, 1)
	assert.Equal(t, "farm/site1/nodeA/cmd", sess.published[0].Topic)

	sess.publishErr = errors.New("write: broken pipe")
	assert.False(t, c.Publish("farm/site1/nodeA/cmd", []byte(`{"cmd":"OFF"}`), 0, false))
	assert.Len(t, sess.published, 1, "no internal retry")

	assert.Equal(t, 1, obs.ok)
	assert.Equal(t, 3, obs.failed)
}

func TestSubscribeIdempotentAndBounded(t *testing.T) {
	c, sess, _ := newTestClient(t)

	for i := 0; i < 10; i++ {
		require.NoError(t, c.Subscribe(fmt.Sprintf("farm/site1/t%d", i), 0))
	}
	require.NoError(t, c.Subscribe("farm/site1/t3", 0))
	assert.Len(t, c.Subscriptions(), 10)

	err := c.Subscribe("farm/site1/t10", 0)
	assert.ErrorIs(t, err, ErrTableFull)
	assert.Empty(t, sess.subscribed, "nothing issued while disconnected")
}

func TestSubscribeWhileConnectedIssuesImmediately(t *testing.T) {
	c, sess, link := newTestClient(t)
	link.set(true)
	require.NoError(t, c.Service(context.Background()))

	require.NoError(t, c.Subscribe("farm/site1/nodeB/control", 0))
	require.NoError(t, c.Subscribe("farm/site1/nodeB/control", 0))
	assert.Equal(t, []string{"farm/site1/nodeB/control"}, sess.subscribed)
}

func TestSubscribeSendFailureKeepsEntry(t *testing.T) {
	c, sess, link := newTestClient(t)
	link.set(true)
	require.NoError(t, c.Service(context.Background()))

	sess.subscribeErr = errors.New("subscribe timed out")
	err := c.Subscribe("farm/site1/nodeA/cmd", 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "farm/site1/nodeA/cmd")
	assert.Equal(t, []Subscription{{Topic: "farm/site1/nodeA/cmd", QoS: 0, Active: true}}, c.Subscriptions())

	// The entry is replayed by the next session.
	sess.subscribeErr = nil
	sess.drop()
	require.NoError(t, c.Service(context.Background()))
	assert.Equal(t, []string{"farm/site1/nodeA/cmd"}, sess.subscribed)
}

func TestSubscribeDuringReplaySendsOnce(t *testing.T) {
	c, sess, link := newTestClient(t)
	link.set(true)
	require.NoError(t, c.Subscribe("farm/site1/nodeA/decision", 0))

	// Session is up but the table has not been replayed yet.
	sess.onConnect = func() {
		assert.NoError(t, c.Subscribe("farm/site1/nodeB/control", 0))
	}
	require.NoError(t, c.Service(context.Background()))
	assert.Equal(t, []string{"farm/site1/nodeA/decision", "farm/site1/nodeB/control"}, sess.subscribed)

	// After the replay a new topic goes out directly, once.
	sess.onConnect = nil
	require.NoError(t, c.Subscribe("farm/site1/nodeA/cmd", 0))
	assert.Equal(t, []string{"farm/site1/nodeA/decision", "farm/site1/nodeB/control", "farm/site1/nodeA/cmd"}, sess.subscribed)
}

func TestSubscribeAfterConnectionLostWaitsForReplay(t *testing.T) {
	c, sess, link := newTestClient(t)
	link.set(true)
	require.NoError(t, c.Service(context.Background()))

	sess.drop()
	sess.lastOpts.OnConnectionLost(errors.New("EOF"))
	require.NoError(t, c.Subscribe("farm/site1/nodeB/status", 0))
	assert.Empty(t, sess.subscribed)

	require.NoError(t, c.Service(context.Background()))
	assert.Equal(t, []string{"farm/site1/nodeB/status"}, sess.subscribed)
}

func TestRegisterHandlerLastWinsAndBounded(t *testing.T) {
	c, _, _ := newTestClient(t)

	var got string
	require.NoError(t, c.RegisterHandler("a", func(p []byte) { got = "first" }))
	require.NoError(t, c.RegisterHandler("a", func(p []byte) { got = "second" }))
	assert.True(t, c.Dispatch("a", []byte("x")))
	assert.Equal(t, "second", got)

	for i := 1; i < 10; i++ {
		require.NoError(t, c.RegisterHandler(fmt.Sprintf("t%d", i), func([]byte) {}))
	}
	assert.ErrorIs(t, c.RegisterHandler("overflow", func([]byte) {}), ErrTableFull)
	require.NoError(t, c.RegisterHandler("t5", func([]byte) {}), "replacing needs no free slot")
}

func TestDispatch(t *testing.T) {
	c, _, _ := newTestClient(t)
	obs := &countingObserver{}
	c.SetObserver(obs)

	var received []byte
	require.NoError(t, c.RegisterHandler("farm/site1/nodeB/status", func(p []byte) { received = p }))

	assert.False(t, c.Dispatch("farm/site1/nodeB/status/extra", []byte("ON")))
	assert.False(t, c.Dispatch("farm/site1/+/status", []byte("ON")))
	assert.Nil(t, received)
	assert.Equal(t, 2, obs.dropped)

	assert.True(t, c.Dispatch("farm/site1/nodeB/status", []byte("ON")))
	assert.Equal(t, []byte("ON"), received)

	long := bytes.Repeat([]byte("x"), 400)
	assert.True(t, c.Dispatch("farm/site1/nodeB/status", long))
	assert.Len(t, received, 255)
}

func TestServiceSkipsWhileLinkDown(t *testing.T) {
	c, sess, _ := newTestClient(t)
	require.NoError(t, c.Service(context.Background()))
	assert.Zero(t, sess.connects)
}

func TestReconnectResubscribesInOrder(t *testing.T) {
	c, sess, link := newTestClient(t)
	c.SetWill("farm/site1/nodeA/status", []byte(`{"online":0}`), 0, false)
	obs := &countingObserver{}
	c.SetObserver(obs)

	topics := []string{"farm/site1/nodeA/decision", "farm/site1/nodeB/control", "farm/site1/nodeA/cmd"}
	for _, topic := range topics {
		require.NoError(t, c.Subscribe(topic, 0))
	}

	link.set(true)
	sess.failConnects = 2
	require.NoError(t, c.Service(context.Background()))

	assert.Equal(t, 3, sess.connects)
	assert.Equal(t, topics, sess.subscribed)
	assert.Regexp(t, `^ESP32Client-[0-9a-f]{4}$`, sess.lastOpts.ClientID)
	assert.Equal(t, c.ClientID(), sess.lastOpts.ClientID)
	require.NotNil(t, sess.lastOpts.Will)
	assert.Equal(t, "farm/site1/nodeA/status", sess.lastOpts.Will.Topic)
	assert.Equal(t, []bool{true}, obs.up)

	// Broker drops; the next service cycle replays each topic once more.
	sess.drop()
	require.NoError(t, c.Service(context.Background()))
	assert.Equal(t, append(append([]string{}, topics...), topics...), sess.subscribed)
}

func TestReconnectHonoursContext(t *testing.T) {
	c, sess, link := newTestClient(t)
	link.set(true)
	sess.failConnects = 1 << 30

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := c.Service(ctx)
	assert.Error(t, err)
	assert.False(t, c.IsConnected())
}

func TestServiceDispatchesInbound(t *testing.T) {
	c, sess, link := newTestClient(t)
	link.set(true)

	var got []string
	require.NoError(t, c.RegisterHandler("farm/site1/nodeB/control", func(p []byte) { got = append(got, string(p)) }))
	require.NoError(t, c.Service(context.Background()))

	sess.lastOpts.OnMessage("farm/site1/nodeB/control", []byte(`{"cmd":"AUTO"}`))
	sess.lastOpts.OnMessage("farm/site1/unknown", []byte(`{}`))
	assert.Empty(t, got, "handlers run on the service task")

	require.NoError(t, c.Service(context.Background()))
	assert.Equal(t, []string{`{"cmd":"AUTO"}`}, got)
}

func TestInboundQueueOverflowDrops(t *testing.T) {
	cfg := testConfig()
	cfg.InboundQueue = 2
	sess := &fakeSession{}
	link := &fakeLink{up: true}
	c := New(cfg, sess, link, logger.Nop())
	obs := &countingObserver{}
	c.SetObserver(obs)

	n := 0
	require.NoError(t, c.RegisterHandler("t", func([]byte) { n++ }))
	require.NoError(t, c.Service(context.Background()))

	for i := 0; i < 5; i++ {
		sess.lastOpts.OnMessage("t", []byte("p"))
	}
	require.NoError(t, c.Service(context.Background()))
	assert.Equal(t, 2, n)
	assert.Equal(t, 3, obs.dropped)
}

func TestClose(t *testing.T) {
	c, sess, link := newTestClient(t)
	link.set(true)
	require.NoError(t, c.Service(context.Background()))
	require.True(t, c.IsConnected())

	c.Close()
	assert.False(t, sess.IsConnected())
}
