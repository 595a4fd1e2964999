// Package audit keeps a durable trail of lifecycle actions taken on node
// instances, one row per instance per action, grouped by invocation.
package audit

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/tomyedwab/nodefleet/fleet"
)

// EventType represents the lifecycle action being recorded
type EventType string

const (
	EventInstall EventType = "install"
	EventStart   EventType = "start"
	EventStop    EventType = "stop"
	EventRemove  EventType = "remove"
)

// Outcome of a recorded action
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// LifecycleEvent represents an audit log entry in the database
type LifecycleEvent struct {
	ID           string `db:"id"`
	InvocationID string `db:"invocation_id"`
	EventType    string `db:"event_type"`
	Timestamp    int64  `db:"timestamp"`
	ServiceName  string `db:"service_name"`
	RPCPort      int    `db:"rpc_port"`
	Version      string `db:"version"`
	PeerID       string `db:"peer_id"`
	Status       string `db:"status"`
	Outcome      string `db:"outcome"`
	Detail       string `db:"detail"`
}

// Recorder receives lifecycle events from the orchestrator.
type Recorder interface {
	Record(eventType EventType, record *fleet.InstanceRecord, cause error) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Record(EventType, *fleet.InstanceRecord, error) error { return nil }

// Logger writes lifecycle events to SQLite. All events written through one
// Logger share an invocation id.
type Logger struct {
	db           *sqlx.DB
	invocationID string
	now          func() time.Time
}

// NewLogger creates a new audit logger instance
func NewLogger(db *sqlx.DB) (*Logger, error) {
	if err := DBInit(db); err != nil {
		return nil, err
	}
	return &Logger{
		db:           db,
		invocationID: uuid.New().String(),
		now:          time.Now,
	}, nil
}

// Open connects to the audit database at path, creating it if needed.
func Open(path string) (*Logger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}
	db, err := sqlx.Connect("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}
	logger, err := NewLogger(db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize audit database: %w", err)
	}
	return logger, nil
}

// Close closes the underlying database.
func (l *Logger) Close() error {
	return l.db.Close()
}

// InvocationID identifies the events written by this Logger.
func (l *Logger) InvocationID() string {
	return l.invocationID
}

// DBInit initializes the lifecycle events table
func DBInit(db *sqlx.DB) error {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS lifecycle_events_v1 (
		id TEXT PRIMARY KEY,
		invocation_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		service_name TEXT NOT NULL,
		rpc_port INTEGER NOT NULL,
		version TEXT NOT NULL,
		peer_id TEXT NOT NULL,
		status TEXT NOT NULL,
		outcome TEXT NOT NULL,
		detail TEXT NOT NULL
	)
	`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_lifecycle_events_timestamp ON lifecycle_events_v1(timestamp)`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_lifecycle_events_service ON lifecycle_events_v1(service_name)`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_lifecycle_events_invocation ON lifecycle_events_v1(invocation_id)`)
	return err
}

// Record stores one action on record. A non-nil cause marks the action as
// failed and keeps its message.
func (l *Logger) Record(eventType EventType, record *fleet.InstanceRecord, cause error) error {
	event := &LifecycleEvent{
		ID:           uuid.New().String(),
		InvocationID: l.invocationID,
		EventType:    string(eventType),
		Timestamp:    l.now().UTC().UnixMilli(),
		ServiceName:  record.ServiceName,
		RPCPort:      record.RPCPort,
		Version:      record.Version,
		PeerID:       record.PeerID,
		Status:       record.Status.String(),
		Outcome:      OutcomeSuccess,
	}
	if cause != nil {
		event.Outcome = OutcomeFailure
		event.Detail = cause.Error()
	}
	return l.insertEvent(event)
}

func (l *Logger) insertEvent(event *LifecycleEvent) error {
	_, err := l.db.NamedExec(`
		INSERT INTO lifecycle_events_v1 (
			id, invocation_id, event_type, timestamp, service_name,
			rpc_port, version, peer_id, status, outcome, detail
		) VALUES (
			:id, :invocation_id, :event_type, :timestamp, :service_name,
			:rpc_port, :version, :peer_id, :status, :outcome, :detail
		)`, event)
	return err
}

// GetEventsByService retrieves the most recent events for one instance
func (l *Logger) GetEventsByService(serviceName string, limit int) ([]LifecycleEvent, error) {
	var events []LifecycleEvent
	err := l.db.Select(&events,
		"SELECT * FROM lifecycle_events_v1 WHERE service_name = $1 ORDER BY timestamp DESC, rowid DESC LIMIT $2",
		serviceName, limit)
	return events, err
}

// GetEventsByInvocation retrieves all events of one invocation in the order
// they were written
func (l *Logger) GetEventsByInvocation(invocationID string) ([]LifecycleEvent, error) {
	var events []LifecycleEvent
	err := l.db.Select(&events,
		"SELECT * FROM lifecycle_events_v1 WHERE invocation_id = $1 ORDER BY timestamp, rowid",
		invocationID)
	return events, err
}

// GetRecentEvents retrieves the most recent events
func (l *Logger) GetRecentEvents(limit int) ([]LifecycleEvent, error) {
	var events []LifecycleEvent
	err := l.db.Select(&events,
		"SELECT * FROM lifecycle_events_v1 ORDER BY timestamp DESC, rowid DESC LIMIT $1",
		limit)
	return events, err
}

// DeleteOldEvents deletes events older than the specified duration
func (l *Logger) DeleteOldEvents(olderThan time.Duration) (int64, error) {
	threshold := l.now().UTC().Add(-olderThan).UnixMilli()
	result, err := l.db.Exec("DELETE FROM lifecycle_events_v1 WHERE timestamp < $1", threshold)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
