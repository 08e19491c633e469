// Package journal keeps a durable record of instance lifecycle events in
// sqlite, so operators can see what ran and why it stopped after the
// in-memory registry is gone.
package journal

import (
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// EventType represents the type of lifecycle event
type EventType string

const (
	EventStart       EventType = "start"
	EventStop        EventType = "stop"
	EventExit        EventType = "exit"
	EventStartFailed EventType = "start_failed"
)

// Event is a journal row
type Event struct {
	ID         string `db:"id" json:"id"`
	EventType  string `db:"event_type" json:"event_type"`
	Timestamp  int64  `db:"timestamp" json:"timestamp"` // unix milliseconds
	InstanceID uint32 `db:"instance_id" json:"instance_id"`
	RunID      string `db:"run_id" json:"run_id"`
	WSPort     int    `db:"ws_port" json:"ws_port"`
	DataDir    string `db:"data_dir" json:"data_dir"`
	Detail     string `db:"detail" json:"detail"`
}

// Journal writes lifecycle events to the instance_events table
type Journal struct {
	db *sqlx.DB
}

// NewJournal creates the table if needed and returns a journal backed by db
func NewJournal(db *sqlx.DB) (*Journal, error) {
	if err := DBInit(db); err != nil {
		return nil, err
	}
	return &Journal{db: db}, nil
}

// DBInit initializes the instance events table
func DBInit(db *sqlx.DB) error {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS instance_events (
		id TEXT PRIMARY KEY,
		event_type TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		instance_id INTEGER NOT NULL,
		run_id TEXT NOT NULL DEFAULT '',
		ws_port INTEGER NOT NULL DEFAULT 0,
		data_dir TEXT NOT NULL DEFAULT '',
		detail TEXT NOT NULL DEFAULT ''
	)
	`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_instance_events_timestamp ON instance_events(timestamp)`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_instance_events_run_id ON instance_events(run_id)`)
	return err
}

// Record stores e, filling in its id and timestamp when unset
func (j *Journal) Record(e Event) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp == 0 {
		e.Timestamp = time.Now().UTC().UnixMilli()
	}
	_, err := j.db.NamedExec(`
		INSERT INTO instance_events (
			id, event_type, timestamp, instance_id, run_id, ws_port, data_dir, detail
		) VALUES (
			:id, :event_type, :timestamp, :instance_id, :run_id, :ws_port, :data_dir, :detail
		)`, e)
	return err
}

// Recent retrieves the most recent events, newest first
func (j *Journal) Recent(limit int) ([]Event, error) {
	events := []Event{}
	err := j.db.Select(&events,
		"SELECT * FROM instance_events ORDER BY timestamp DESC, rowid DESC LIMIT $1",
		limit)
	return events, err
}

// ForRun retrieves every event of one run, oldest first
func (j *Journal) ForRun(runID string) ([]Event, error) {
	events := []Event{}
	err := j.db.Select(&events,
		"SELECT * FROM instance_events WHERE run_id = $1 ORDER BY timestamp ASC, rowid ASC",
		runID)
	return events, err
}

// DeleteOldEvents deletes events older than the specified duration
func (j *Journal) DeleteOldEvents(olderThan time.Duration) (int64, error) {
	threshold := time.Now().UTC().Add(-olderThan).UnixMilli()
	result, err := j.db.Exec("DELETE FROM instance_events WHERE timestamp < $1", threshold)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
