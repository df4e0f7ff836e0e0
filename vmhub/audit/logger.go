package audit

import (
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/tomyedwab/vmhub/vmhub/registry"
)

// EventType represents the type of lifecycle event
type EventType string

const (
	EventLaunch        EventType = "launch"
	EventLaunchFailed  EventType = "launch_failed"
	EventDelete        EventType = "delete"
	EventDeleteFailed  EventType = "delete_failed"
	EventRecover       EventType = "recover"
	EventRecoverFailed EventType = "recover_failed"
	EventAdopt         EventType = "adopt"
)

// AuditEvent represents an audit log entry in the database
type AuditEvent struct {
	ID         string `db:"id" json:"id"`
	EventType  string `db:"event_type" json:"event_type"`
	Timestamp  int64  `db:"timestamp" json:"timestamp"` // Unix milliseconds, UTC
	InstanceID string `db:"instance_id" json:"instance_id"`
	Name       string `db:"name" json:"name"`
	SSHPort    int    `db:"ssh_port" json:"ssh_port"`
	PID        int    `db:"pid" json:"pid"`
	Detail     string `db:"detail" json:"detail"`
}

// Logger records instance lifecycle events in SQLite
type Logger struct {
	db *sqlx.DB
}

// NewLogger creates a new audit logger instance
func NewLogger(db *sqlx.DB) (*Logger, error) {
	if err := DBInit(db); err != nil {
		return nil, err
	}
	return &Logger{
		db: db,
	}, nil
}

// DBInit initializes the audit events database table
func DBInit(db *sqlx.DB) error {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS audit_events (
		id TEXT PRIMARY KEY,
		event_type TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		instance_id TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL DEFAULT '',
		ssh_port INTEGER NOT NULL DEFAULT 0,
		pid INTEGER NOT NULL DEFAULT 0,
		detail TEXT NOT NULL DEFAULT ''
	)
	`)
	if err != nil {
		return err
	}

	// Create indexes for common queries
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_audit_events_timestamp ON audit_events(timestamp)`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_audit_events_instance_id ON audit_events(instance_id)`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_audit_events_event_type ON audit_events(event_type)`)
	return err
}

// insertEvent is a helper method to insert an audit event into the database
func (l *Logger) insertEvent(event *AuditEvent) error {
	_, err := l.db.Exec(`
		INSERT INTO audit_events (
			id, event_type, timestamp, instance_id, name, ssh_port, pid, detail
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		event.ID,
		event.EventType,
		event.Timestamp,
		event.InstanceID,
		event.Name,
		event.SSHPort,
		event.PID,
		event.Detail,
	)
	return err
}

// LogEvent stores one lifecycle event for rec. For failed launches rec only
// carries the requested name.
func (l *Logger) LogEvent(eventType EventType, rec registry.InstanceRecord, detail string) error {
	event := &AuditEvent{
		ID:         uuid.New().String(),
		EventType:  string(eventType),
		Timestamp:  time.Now().UTC().UnixMilli(),
		InstanceID: rec.ID,
		Name:       rec.Name,
		SSHPort:    int(rec.SSHPort),
		PID:        rec.PID,
		Detail:     detail,
	}
	return l.insertEvent(event)
}

// GetEventsByInstanceID retrieves audit events for a specific instance
func (l *Logger) GetEventsByInstanceID(instanceID string, limit int) ([]AuditEvent, error) {
	events := []AuditEvent{}
	err := l.db.Select(&events,
		"SELECT * FROM audit_events WHERE instance_id = $1 ORDER BY timestamp DESC, rowid DESC LIMIT $2",
		instanceID, limit)
	return events, err
}

// GetEventsByType retrieves audit events of a specific type
func (l *Logger) GetEventsByType(eventType EventType, limit int) ([]AuditEvent, error) {
	events := []AuditEvent{}
	err := l.db.Select(&events,
		"SELECT * FROM audit_events WHERE event_type = $1 ORDER BY timestamp DESC, rowid DESC LIMIT $2",
		string(eventType), limit)
	return events, err
}

// GetRecentEvents retrieves the most recent audit events
func (l *Logger) GetRecentEvents(limit int) ([]AuditEvent, error) {
	events := []AuditEvent{}
	err := l.db.Select(&events,
		"SELECT * FROM audit_events ORDER BY timestamp DESC, rowid DESC LIMIT $1",
		limit)
	return events, err
}

// DeleteOldEvents deletes audit events older than the specified duration
func (l *Logger) DeleteOldEvents(olderThan time.Duration) (int64, error) {
	threshold := time.Now().UTC().Add(-olderThan).UnixMilli()
	result, err := l.db.Exec("DELETE FROM audit_events WHERE timestamp < $1", threshold)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
