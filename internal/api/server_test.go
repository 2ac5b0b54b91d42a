package api

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agsys/irrigation-node/internal/logger"
	"github.com/agsys/irrigation-node/internal/metrics"
)

type recordingPublisher struct {
	ok      bool
	topic   string
	payload string
}

func (p *recordingPublisher) Publish(topic string, payload []byte, qos byte, retain bool) bool {
	p.topic = topic
	p.payload = string(payload)
	return p.ok
}

func newTestServer(pub Publisher, status func() any, g prometheus.Gatherer) *httptest.Server {
	s := New(DefaultConfig(), "site1", pub, status, g, logger.Nop())
	return httptest.NewServer(s.Router())
}

func TestHealth(t *testing.T) {
	srv := newTestServer(&recordingPublisher{ok: true}, nil, nil)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.JSONEq(t, `{"ok":true}`, string(body))
}

func TestIrrigationPublishesControl(t *testing.T) {
	tests := []struct {
		path  string
		topic string
		cmd   string
	}{
		{"/irrigation/on", "farm/site1/nodeB/control", `{"cmd":"ON"}`},
		{"/irrigation/off?node=nodeC", "farm/site1/nodeC/control", `{"cmd":"OFF"}`},
		{"/irrigation/auto?site=north", "farm/north/nodeB/control", `{"cmd":"AUTO"}`},
		{"/irrigation/manual", "farm/site1/nodeB/control", `{"cmd":"MANUAL"}`},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			pub := &recordingPublisher{ok: true}
			srv := newTestServer(pub, nil, nil)
			defer srv.Close()

			resp, err := http.Post(srv.URL+tt.path, "application/json", nil)
			require.NoError(t, err)
			defer resp.Body.Close()

			require.Equal(t, http.StatusOK, resp.StatusCode)
			assert.Equal(t, tt.topic, pub.topic)
			assert.JSONEq(t, tt.cmd, pub.payload)

			var out ControlResponse
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
			assert.Equal(t, tt.topic, out.Topic)
		})
	}
}

func TestIrrigationRejectsUnknownCommand(t *testing.T) {
	pub := &recordingPublisher{ok: true}
	srv := newTestServer(pub, nil, nil)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/irrigation/flood")
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Empty(t, pub.topic)
}

func TestIrrigationBrokerDown(t *testing.T) {
	srv := newTestServer(&recordingPublisher{ok: false}, nil, nil)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/irrigation/on")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestStatus(t *testing.T) {
	status := func() any { return map[string]string{"mode": "AUTO"} }
	srv := newTestServer(&recordingPublisher{}, status, nil)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	assert.JSONEq(t, `{"mode":"AUTO"}`, string(body))
}

func TestMetricsEndpoint(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := metrics.New(registry)
	m.Decision("IRRIGATE")

	srv := newTestServer(&recordingPublisher{}, nil, registry)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	assert.True(t, strings.Contains(string(body), `irrigation_decisions_total{decision="IRRIGATE"} 1`))
}
