package storage

import (
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQLite database connection
type DB struct {
	conn *sql.DB
}

// Open opens or creates the SQLite database
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return db, nil
}

// OpenReadOnly opens an existing database without migrating it or changing
// its journal mode. Writes through the returned DB fail.
func OpenReadOnly(path string) (*DB, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	conn, err := sql.Open("sqlite3", "file:"+path+"?mode=ro&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return &DB{conn: conn}, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// migrate creates the database schema
func (db *DB) migrate() error {
	schema := `
	-- Published sensor samples
	CREATE TABLE IF NOT EXISTS telemetry (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		site TEXT NOT NULL,
		node TEXT NOT NULL,
		soil_moisture REAL NOT NULL,
		temperature REAL NOT NULL,
		humidity REAL NOT NULL,
		ph REAL,
		nitrogen REAL,
		phosphorus REAL,
		potassium REAL,
		timestamp DATETIME NOT NULL,
		synced_to_cloud INTEGER DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_telemetry_timestamp ON telemetry(timestamp);
	CREATE INDEX IF NOT EXISTS idx_telemetry_synced ON telemetry(synced_to_cloud);

	-- Irrigation decision cycles
	CREATE TABLE IF NOT EXISTS decisions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		uid TEXT UNIQUE NOT NULL,
		decision INTEGER NOT NULL,
		label TEXT NOT NULL,
		probability REAL NOT NULL,
		command TEXT NOT NULL,
		published INTEGER NOT NULL DEFAULT 0,
		reason TEXT,
		timestamp DATETIME NOT NULL,
		synced_to_cloud INTEGER DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_decisions_timestamp ON decisions(timestamp);
	CREATE INDEX IF NOT EXISTS idx_decisions_synced ON decisions(synced_to_cloud);

	-- Plant health inferences
	CREATE TABLE IF NOT EXISTS health_reports (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		class TEXT NOT NULL,
		class_index INTEGER NOT NULL,
		confidence REAL NOT NULL,
		nitrogen REAL,
		phosphorus REAL,
		potassium REAL,
		ph REAL,
		moisture REAL,
		temperature REAL,
		timestamp DATETIME NOT NULL,
		synced_to_cloud INTEGER DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_health_timestamp ON health_reports(timestamp);
	CREATE INDEX IF NOT EXISTS idx_health_synced ON health_reports(synced_to_cloud);

	-- Pump transitions
	CREATE TABLE IF NOT EXISTS pump_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		running INTEGER NOT NULL,
		source TEXT NOT NULL,
		mode TEXT,
		timestamp DATETIME NOT NULL,
		synced_to_cloud INTEGER DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_pump_events_timestamp ON pump_events(timestamp);
	CREATE INDEX IF NOT EXISTS idx_pump_events_synced ON pump_events(synced_to_cloud);
	`

	_, err := db.conn.Exec(schema)
	return err
}

func stamp(t time.Time) time.Time {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC()
}

// --- Telemetry Operations ---

// InsertTelemetry inserts a new telemetry sample
func (db *DB) InsertTelemetry(r *TelemetryRecord) (int64, error) {
	query := `INSERT INTO telemetry
		(site, node, soil_moisture, temperature, humidity, ph, nitrogen, phosphorus, potassium, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	r.Timestamp = stamp(r.Timestamp)
	result, err := db.conn.Exec(query, r.Site, r.Node, r.SoilMoisture, r.Temperature, r.Humidity,
		r.PH, r.Nitrogen, r.Phosphorus, r.Potassium, r.Timestamp)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

const telemetryColumns = `id, site, node, soil_moisture, temperature, humidity,
	ph, nitrogen, phosphorus, potassium, timestamp, synced_to_cloud`

func (db *DB) queryTelemetry(query string, args ...any) ([]*TelemetryRecord, error) {
	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*TelemetryRecord
	for rows.Next() {
		r := &TelemetryRecord{}
		if err := rows.Scan(&r.ID, &r.Site, &r.Node, &r.SoilMoisture, &r.Temperature, &r.Humidity,
			&r.PH, &r.Nitrogen, &r.Phosphorus, &r.Potassium, &r.Timestamp, &r.SyncedToCloud); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// GetUnsyncedTelemetry retrieves samples not yet synced to cloud, oldest first
func (db *DB) GetUnsyncedTelemetry(limit int) ([]*TelemetryRecord, error) {
	return db.queryTelemetry(`SELECT `+telemetryColumns+` FROM telemetry
		WHERE synced_to_cloud = 0 ORDER BY timestamp, id LIMIT ?`, limit)
}

// RecentTelemetry retrieves the newest samples
func (db *DB) RecentTelemetry(limit int) ([]*TelemetryRecord, error) {
	return db.queryTelemetry(`SELECT `+telemetryColumns+` FROM telemetry
		ORDER BY timestamp DESC, id DESC LIMIT ?`, limit)
}

// MarkTelemetrySynced marks a sample as synced
func (db *DB) MarkTelemetrySynced(id int64) error {
	_, err := db.conn.Exec("UPDATE telemetry SET synced_to_cloud = 1 WHERE id = ?", id)
	return err
}

// --- Decision Operations ---

// InsertDecision inserts a decision cycle. A UID is assigned when empty.
func (db *DB) InsertDecision(d *DecisionRecord) (int64, error) {
	query := `INSERT INTO decisions
		(uid, decision, label, probability, command, published, reason, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	if d.UID == "" {
		d.UID = uuid.New().String()
	}
	d.Timestamp = stamp(d.Timestamp)
	result, err := db.conn.Exec(query, d.UID, d.Decision, d.Label, d.Probability, d.Command,
		d.Published, d.Reason, d.Timestamp)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

const decisionColumns = `id, uid, decision, label, probability, command, published,
	COALESCE(reason, ''), timestamp, synced_to_cloud`

func (db *DB) queryDecisions(query string, args ...any) ([]*DecisionRecord, error) {
	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*DecisionRecord
	for rows.Next() {
		d := &DecisionRecord{}
		if err := rows.Scan(&d.ID, &d.UID, &d.Decision, &d.Label, &d.Probability, &d.Command,
			&d.Published, &d.Reason, &d.Timestamp, &d.SyncedToCloud); err != nil {
			return nil, err
		}
		records = append(records, d)
	}
	return records, rows.Err()
}

// GetUnsyncedDecisions retrieves decisions not yet synced to cloud
func (db *DB) GetUnsyncedDecisions(limit int) ([]*DecisionRecord, error) {
	return db.queryDecisions(`SELECT `+decisionColumns+` FROM decisions
		WHERE synced_to_cloud = 0 ORDER BY timestamp, id LIMIT ?`, limit)
}

// RecentDecisions retrieves the newest decisions
func (db *DB) RecentDecisions(limit int) ([]*DecisionRecord, error) {
	return db.queryDecisions(`SELECT `+decisionColumns+` FROM decisions
		ORDER BY timestamp DESC, id DESC LIMIT ?`, limit)
}

// MarkDecisionSynced marks a decision as synced
func (db *DB) MarkDecisionSynced(id int64) error {
	_, err := db.conn.Exec("UPDATE decisions SET synced_to_cloud = 1 WHERE id = ?", id)
	return err
}

// --- Health Operations ---

// InsertHealthReport inserts a health inference
func (db *DB) InsertHealthReport(h *HealthRecord) (int64, error) {
	query := `INSERT INTO health_reports
		(class, class_index, confidence, nitrogen, phosphorus, potassium, ph, moisture, temperature, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	h.Timestamp = stamp(h.Timestamp)
	result, err := db.conn.Exec(query, h.Class, h.ClassIndex, h.Confidence, h.Nitrogen, h.Phosphorus,
		h.Potassium, h.PH, h.Moisture, h.Temperature, h.Timestamp)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

const healthColumns = `id, class, class_index, confidence, nitrogen, phosphorus, potassium,
	ph, moisture, temperature, timestamp, synced_to_cloud`

func (db *DB) queryHealth(query string, args ...any) ([]*HealthRecord, error) {
	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*HealthRecord
	for rows.Next() {
		h := &HealthRecord{}
		if err := rows.Scan(&h.ID, &h.Class, &h.ClassIndex, &h.Confidence, &h.Nitrogen, &h.Phosphorus,
			&h.Potassium, &h.PH, &h.Moisture, &h.Temperature, &h.Timestamp, &h.SyncedToCloud); err != nil {
			return nil, err
		}
		records = append(records, h)
	}
	return records, rows.Err()
}

// GetUnsyncedHealthReports retrieves reports not yet synced to cloud
func (db *DB) GetUnsyncedHealthReports(limit int) ([]*HealthRecord, error) {
	return db.queryHealth(`SELECT `+healthColumns+` FROM health_reports
		WHERE synced_to_cloud = 0 ORDER BY timestamp, id LIMIT ?`, limit)
}

// RecentHealthReports retrieves the newest reports
func (db *DB) RecentHealthReports(limit int) ([]*HealthRecord, error) {
	return db.queryHealth(`SELECT `+healthColumns+` FROM health_reports
		ORDER BY timestamp DESC, id DESC LIMIT ?`, limit)
}

// MarkHealthReportSynced marks a report as synced
func (db *DB) MarkHealthReportSynced(id int64) error {
	_, err := db.conn.Exec("UPDATE health_reports SET synced_to_cloud = 1 WHERE id = ?", id)
	return err
}

// --- Pump Operations ---

// InsertPumpEvent inserts a pump transition
func (db *DB) InsertPumpEvent(e *PumpEvent) (int64, error) {
	query := `INSERT INTO pump_events (running, source, mode, timestamp) VALUES (?, ?, ?, ?)`

	e.Timestamp = stamp(e.Timestamp)
	result, err := db.conn.Exec(query, e.Running, e.Source, e.Mode, e.Timestamp)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

const pumpColumns = `id, running, source, COALESCE(mode, ''), timestamp, synced_to_cloud`

func (db *DB) queryPumpEvents(query string, args ...any) ([]*PumpEvent, error) {
	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*PumpEvent
	for rows.Next() {
		e := &PumpEvent{}
		if err := rows.Scan(&e.ID, &e.Running, &e.Source, &e.Mode, &e.Timestamp, &e.SyncedToCloud); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetUnsyncedPumpEvents retrieves events not yet synced to cloud
func (db *DB) GetUnsyncedPumpEvents(limit int) ([]*PumpEvent, error) {
	return db.queryPumpEvents(`SELECT `+pumpColumns+` FROM pump_events
		WHERE synced_to_cloud = 0 ORDER BY timestamp, id LIMIT ?`, limit)
}

// RecentPumpEvents retrieves the newest events
func (db *DB) RecentPumpEvents(limit int) ([]*PumpEvent, error) {
	return db.queryPumpEvents(`SELECT `+pumpColumns+` FROM pump_events
		ORDER BY timestamp DESC, id DESC LIMIT ?`, limit)
}

// MarkPumpEventSynced marks an event as synced
func (db *DB) MarkPumpEventSynced(id int64) error {
	_, err := db.conn.Exec("UPDATE pump_events SET synced_to_cloud = 1 WHERE id = ?", id)
	return err
}

// --- Maintenance ---

var tables = []string{"telemetry", "decisions", "health_reports", "pump_events"}

// PruneBefore deletes synced rows older than t from every table. Unsynced
// rows are kept so an offline node never drops data it has not uploaded.
func (db *DB) PruneBefore(t time.Time) (int64, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var total int64
	for _, table := range tables {
		result, err := tx.Exec("DELETE FROM "+table+" WHERE synced_to_cloud = 1 AND timestamp < ?", t.UTC())
		if err != nil {
			return 0, fmt.Errorf("failed to prune %s: %w", table, err)
		}
		n, _ := result.RowsAffected()
		total += n
	}
	return total, tx.Commit()
}

// Stats counts rows per table
func (db *DB) Stats() (*Stats, error) {
	s := &Stats{}
	counts := []*int64{&s.Telemetry, &s.Decisions, &s.HealthReports, &s.PumpEvents}
	for i, table := range tables {
		if err := db.conn.QueryRow("SELECT COUNT(*) FROM " + table).Scan(counts[i]); err != nil {
			return nil, err
		}
		var unsynced int64
		if err := db.conn.QueryRow("SELECT COUNT(*) FROM " + table + " WHERE synced_to_cloud = 0").Scan(&unsynced); err != nil {
			return nil, err
		}
		s.Unsynced += unsynced
	}
	return s, nil
}
