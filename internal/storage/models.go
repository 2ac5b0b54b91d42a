// Package storage provides the node's local SQLite log of telemetry,
// decisions, health reports and pump events awaiting cloud sync.
package storage

import "time"

// TelemetryRecord is one published sensor sample
type TelemetryRecord struct {
	ID            int64     `json:"id"`
	Site          string    `json:"site"`
	Node          string    `json:"node"`
	SoilMoisture  float64   `json:"soil_moisture"` // Percent
	Temperature   float64   `json:"temperature"`   // Celsius
	Humidity      float64   `json:"humidity"`      // Percent
	PH            *float64  `json:"ph,omitempty"`
	Nitrogen      *float64  `json:"n,omitempty"`
	Phosphorus    *float64  `json:"p,omitempty"`
	Potassium     *float64  `json:"k,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	SyncedToCloud bool      `json:"synced_to_cloud"`
}

// DecisionRecord is one irrigation decision cycle
type DecisionRecord struct {
	ID            int64     `json:"id"`
	UID           string    `json:"uid"`
	Decision      int       `json:"decision"` // Legacy code: 1, 0, -1
	Label         string    `json:"label"`
	Probability   float64   `json:"probability"`
	Command       string    `json:"command"`   // ON/OFF sent on cmd
	Published     bool      `json:"published"` // False when the broker was down
	Reason        string    `json:"reason,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	SyncedToCloud bool      `json:"synced_to_cloud"`
}

// HealthRecord is one plant health inference
type HealthRecord struct {
	ID            int64     `json:"id"`
	Class         string    `json:"class"`
	ClassIndex    int       `json:"class_index"`
	Confidence    float64   `json:"confidence"`
	Nitrogen      float64   `json:"n"`
	Phosphorus    float64   `json:"p"`
	Potassium     float64   `json:"k"`
	PH            float64   `json:"ph"`
	Moisture      float64   `json:"moisture"`
	Temperature   float64   `json:"temperature"`
	Timestamp     time.Time `json:"timestamp"`
	SyncedToCloud bool      `json:"synced_to_cloud"`
}

// Pump event sources
const (
	SourceAuto   = "auto"   // Canonical cmd from the sensing node
	SourceManual = "manual" // control topic ON/OFF
	SourceLocal  = "local"  // Raw pump topic on the sensing node
	SourceLegacy = "legacy" // Legacy decision message
)

// PumpEvent is one pump on/off transition
type PumpEvent struct {
	ID            int64     `json:"id"`
	Running       bool      `json:"running"`
	Source        string    `json:"source"`
	Mode          string    `json:"mode"`
	Timestamp     time.Time `json:"timestamp"`
	SyncedToCloud bool      `json:"synced_to_cloud"`
}

// Stats summarizes table sizes
type Stats struct {
	Telemetry     int64 `json:"telemetry"`
	Decisions     int64 `json:"decisions"`
	HealthReports int64 `json:"health_reports"`
	PumpEvents    int64 `json:"pump_events"`
	Unsynced      int64 `json:"unsynced"`
}
