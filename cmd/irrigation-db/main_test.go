package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agsys/irrigation-node/internal/storage"
)

func seedDB(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "node.db")
	db, err := storage.Open(path)
	require.NoError(t, err)

	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	_, err = db.InsertDecision(&storage.DecisionRecord{Decision: 0, Label: "NO_IRRIGATION", Probability: 0.2, Command: "OFF", Published: true, Timestamp: base})
	require.NoError(t, err)
	id, err := db.InsertDecision(&storage.DecisionRecord{Decision: 1, Label: "IRRIGATE", Probability: 0.9, Command: "ON", Published: true, Timestamp: base.Add(time.Minute)})
	require.NoError(t, err)
	require.NoError(t, db.MarkDecisionSynced(id))
	_, err = db.InsertTelemetry(&storage.TelemetryRecord{Site: "site1", Node: "nodeA", SoilMoisture: 41.5, Temperature: 22, Humidity: 60, Timestamp: base})
	require.NoError(t, err)
	_, err = db.InsertPumpEvent(&storage.PumpEvent{Running: true, Source: storage.SourceManual, Mode: "MANUAL", Timestamp: base})
	require.NoError(t, err)
	require.NoError(t, db.Close())
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestDecisionsNewestFirst(t *testing.T) {
	path := seedDB(t)

	out, err := run(t, "decisions", "-d", path, "-n", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "IRRIGATE")
	assert.NotContains(t, out, "NO_IRRIGATION")
	assert.Contains(t, out, "0.900")

	out, err = run(t, "decisions", "-d", path, "-n", "10")
	require.NoError(t, err)
	assert.Contains(t, out, "NO_IRRIGATION")
}

func TestTelemetryAndPump(t *testing.T) {
	path := seedDB(t)

	out, err := run(t, "telemetry", "-d", path, "-n", "5")
	require.NoError(t, err)
	assert.Contains(t, out, "site1/nodeA")
	assert.Contains(t, out, "41.5%")

	out, err = run(t, "pump", "-d", path, "-n", "5")
	require.NoError(t, err)
	assert.Contains(t, out, "ON")
	assert.Contains(t, out, "MANUAL")
}

func TestStats(t *testing.T) {
	path := seedDB(t)

	out, err := run(t, "stats", "-d", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Decisions:      2")
	assert.Contains(t, out, "Telemetry:      1")
	assert.Contains(t, out, "Unsynced:       3")
}

func TestQuery(t *testing.T) {
	path := seedDB(t)

	out, err := run(t, "query", "-d", path, "SELECT label FROM decisions ORDER BY id")
	require.NoError(t, err)
	assert.Contains(t, out, "NO_IRRIGATION")

	_, err = run(t, "query", "-d", path, "DELETE FROM decisions")
	assert.Error(t, err)
}

func TestMissingDatabaseIsNotCreated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "absent.db")

	_, err := run(t, "stats", "-d", path)
	assert.Error(t, err)

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}
