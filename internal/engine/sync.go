package engine

import (
	"context"

	"github.com/agsys/irrigation-node/internal/protocol"
	"github.com/agsys/irrigation-node/internal/storage"
)

// SyncToCloud uploads unsynced rows of every table in batches.
func (e *Engine) SyncToCloud(ctx context.Context) {
	db, up := e.deps.DB, e.deps.Cloud
	if db == nil || up == nil {
		return
	}
	batch := e.config.SyncBatch
	if batch <= 0 {
		batch = 100
	}

	syncTable(ctx, e, "telemetry", batch, db.GetUnsyncedTelemetry, up.IngestTelemetry,
		func(r *storage.TelemetryRecord) int64 { return r.ID }, db.MarkTelemetrySynced)
	syncTable(ctx, e, "decisions", batch, db.GetUnsyncedDecisions, up.IngestDecisions,
		func(r *storage.DecisionRecord) int64 { return r.ID }, db.MarkDecisionSynced)
	syncTable(ctx, e, "health", batch, db.GetUnsyncedHealthReports, up.IngestHealth,
		func(r *storage.HealthRecord) int64 { return r.ID }, db.MarkHealthReportSynced)
	syncTable(ctx, e, "pump_events", batch, db.GetUnsyncedPumpEvents, up.ReportPumpEvents,
		func(r *storage.PumpEvent) int64 { return r.ID }, db.MarkPumpEventSynced)
}

func syncTable[T any](
	ctx context.Context,
	e *Engine,
	kind string,
	batch int,
	fetch func(limit int) ([]T, error),
	upload func(ctx context.Context, records []T) error,
	id func(T) int64,
	mark func(id int64) error,
) {
	records, err := fetch(batch)
	if err != nil {
		e.log.Warnf("Failed to get unsynced %s: %v", kind, err)
		return
	}
	if len(records) == 0 {
		return
	}

	if err := upload(ctx, records); err != nil {
		e.log.Warnf("Failed to sync %s: %v", kind, err)
		return
	}

	synced := 0
	for _, r := range records {
		if err := mark(id(r)); err != nil {
			e.log.Warnf("Failed to mark %s %d synced: %v", kind, id(r), err)
			continue
		}
		synced++
	}
	e.deps.Metrics.CloudSynced(kind, synced)
	e.log.Debug("Synced to cloud", "kind", kind, "count", synced)
}

// Prune deletes synced rows older than the retention period.
func (e *Engine) Prune() {
	if e.deps.DB == nil || e.config.Retention <= 0 {
		return
	}
	n, err := e.deps.DB.PruneBefore(e.now().Add(-e.config.Retention))
	if err != nil {
		e.log.Warnf("Failed to prune database: %v", err)
		return
	}
	e.log.Info("Pruned database", "rows", n)
}

// Snapshot is a point-in-time view of the node for the local API.
type Snapshot struct {
	Role            string   `json:"role"`
	Site            string   `json:"site"`
	Node            string   `json:"node"`
	Link            string   `json:"link"`
	Broker          bool     `json:"broker_connected"`
	Cloud           bool     `json:"cloud_connected"`
	Mode            string   `json:"mode,omitempty"`
	CurrentDecision int      `json:"current_decision"`
	LastDecision    int      `json:"last_decision"`
	Pump            string   `json:"pump,omitempty"`
	Decision        string   `json:"decision,omitempty"`
	Probability     *float32 `json:"probability,omitempty"`
	Health          string   `json:"health,omitempty"`
	History         int      `json:"history,omitempty"`
}

// Snapshot returns the current node state.
func (e *Engine) Snapshot() Snapshot {
	s := Snapshot{
		Role:   string(e.config.Role),
		Site:   e.config.Site,
		Node:   e.config.NodeID,
		Link:   e.deps.Link.State().String(),
		Broker: e.deps.Broker.IsConnected(),
	}
	if e.deps.Cloud != nil {
		s.Cloud = e.deps.Cloud.IsConnected()
	}
	if e.deps.Pump != nil {
		s.Pump = protocol.PumpState(e.deps.Pump.Running())
	}
	if e.deps.Decision != nil {
		s.History = e.deps.Decision.HistoryLen()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.config.Role == RoleActuation {
		s.Mode = e.mode
	}
	s.CurrentDecision = int(e.currentDecision)
	s.LastDecision = int(e.lastDecision)
	if e.lastResult != nil {
		s.Decision = e.lastResult.Decision.String()
		if e.lastResult.Probability >= 0 {
			p := e.lastResult.Probability
			s.Probability = &p
		}
	}
	if e.lastHealth != nil {
		s.Health = e.lastHealth.Class.String()
	}
	return s
}
