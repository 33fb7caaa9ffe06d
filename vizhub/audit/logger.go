// Package audit keeps a durable record of instance lifecycle events in
// SQLite. Auth tokens are never stored; only their SHA-256 fingerprint.
package audit

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// EventType represents the type of audit event
type EventType string

const (
	EventLaunch         EventType = "launch"
	EventLaunchFailed   EventType = "launch_failed"
	EventStop           EventType = "stop"
	EventExit           EventType = "exit"
	EventParaViewLaunch EventType = "paraview_launch"
	EventParaViewCancel EventType = "paraview_cancel"
)

// Event is one row of the instance_events table.
type Event struct {
	ID               string         `db:"id"`
	EventType        string         `db:"event_type"`
	Timestamp        int64          `db:"timestamp"`
	InstanceID       sql.NullString `db:"instance_id"`
	AppName          sql.NullString `db:"app_name"`
	Port             sql.NullInt64  `db:"port"`
	TokenFingerprint sql.NullString `db:"token_fingerprint"`
	Detail           sql.NullString `db:"detail"`
}

// EventInfo is the JSON form of an Event.
type EventInfo struct {
	ID               string    `json:"id"`
	EventType        string    `json:"event_type"`
	Timestamp        time.Time `json:"timestamp"`
	InstanceID       string    `json:"instance_id,omitempty"`
	AppName          string    `json:"app_name,omitempty"`
	Port             *int64    `json:"port,omitempty"`
	TokenFingerprint string    `json:"token_fingerprint,omitempty"`
	Detail           string    `json:"detail,omitempty"`
}

// Info converts the row for API responses.
func (e Event) Info() EventInfo {
	info := EventInfo{
		ID:               e.ID,
		EventType:        e.EventType,
		Timestamp:        time.UnixMilli(e.Timestamp).UTC(),
		InstanceID:       e.InstanceID.String,
		AppName:          e.AppName.String,
		TokenFingerprint: e.TokenFingerprint.String,
		Detail:           e.Detail.String,
	}
	if e.Port.Valid {
		port := e.Port.Int64
		info.Port = &port
	}
	return info
}

// Logger writes lifecycle events to the instance_events table.
type Logger struct {
	db *sqlx.DB
}

// NewLogger creates the table if needed and returns a Logger.
func NewLogger(db *sqlx.DB) (*Logger, error) {
	if err := DBInit(db); err != nil {
		return nil, err
	}
	return &Logger{db: db}, nil
}

// DBInit initializes the instance_events table and its indexes.
func DBInit(db *sqlx.DB) error {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS instance_events (
		id TEXT PRIMARY KEY,
		event_type TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		instance_id TEXT,
		app_name TEXT,
		port INTEGER,
		token_fingerprint TEXT,
		detail TEXT
	)
	`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_instance_events_timestamp ON instance_events(timestamp)`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_instance_events_instance_id ON instance_events(instance_id)`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_instance_events_event_type ON instance_events(event_type)`)
	return err
}

// tokenFingerprint identifies a token in the log without revealing it.
func tokenFingerprint(token string) string {
	if token == "" {
		return ""
	}
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func newEvent(eventType EventType) *Event {
	return &Event{
		ID:        uuid.New().String(),
		EventType: string(eventType),
		Timestamp: time.Now().UTC().UnixMilli(),
	}
}

func (l *Logger) insertEvent(event *Event) error {
	_, err := l.db.NamedExec(`
		INSERT INTO instance_events (
			id, event_type, timestamp, instance_id,
			app_name, port, token_fingerprint, detail
		) VALUES (
			:id, :event_type, :timestamp, :instance_id,
			:app_name, :port, :token_fingerprint, :detail
		)`, event)
	return err
}

// LogLaunch records a successful launch.
func (l *Logger) LogLaunch(instanceID, appName string, port int, authToken string) error {
	event := newEvent(EventLaunch)
	event.InstanceID = nullString(instanceID)
	event.AppName = nullString(appName)
	event.Port = sql.NullInt64{Int64: int64(port), Valid: true}
	event.TokenFingerprint = nullString(tokenFingerprint(authToken))
	return l.insertEvent(event)
}

// LogLaunchFailed records a launch that was rolled back.
func (l *Logger) LogLaunchFailed(appName string, cause error) error {
	event := newEvent(EventLaunchFailed)
	event.AppName = nullString(appName)
	if cause != nil {
		event.Detail = nullString(cause.Error())
	}
	return l.insertEvent(event)
}

// LogStop records a stop request.
func (l *Logger) LogStop(instanceID string) error {
	event := newEvent(EventStop)
	event.InstanceID = nullString(instanceID)
	return l.insertEvent(event)
}

// LogExit records the process exit. exitErr is nil for a clean exit.
func (l *Logger) LogExit(instanceID string, exitErr error) error {
	event := newEvent(EventExit)
	event.InstanceID = nullString(instanceID)
	if exitErr != nil {
		event.Detail = nullString(exitErr.Error())
	}
	return l.insertEvent(event)
}

// LogParaViewLaunch records a ParaView server submission on a compute backend.
func (l *Logger) LogParaViewLaunch(backend, name string, code int, message string) error {
	event := newEvent(EventParaViewLaunch)
	event.AppName = nullString(name)
	event.Port = sql.NullInt64{Int64: int64(code), Valid: true}
	event.Detail = nullString(backend + ": " + message)
	return l.insertEvent(event)
}

// LogParaViewCancel records a cancellation request for a compute job.
func (l *Logger) LogParaViewCancel(backend, jobID string, cancelErr error) error {
	event := newEvent(EventParaViewCancel)
	event.AppName = nullString(jobID)
	detail := backend + ": cancelled"
	if cancelErr != nil {
		detail = backend + ": " + cancelErr.Error()
	}
	event.Detail = nullString(detail)
	return l.insertEvent(event)
}

// GetEventsByInstance retrieves events for one instance, newest first.
func (l *Logger) GetEventsByInstance(instanceID string, limit int) ([]Event, error) {
	var events []Event
	err := l.db.Select(&events,
		"SELECT * FROM instance_events WHERE instance_id = $1 ORDER BY timestamp DESC, rowid DESC LIMIT $2",
		instanceID, limit)
	return events, err
}

// GetEventsByType retrieves events of a specific type, newest first.
func (l *Logger) GetEventsByType(eventType EventType, limit int) ([]Event, error) {
	var events []Event
	err := l.db.Select(&events,
		"SELECT * FROM instance_events WHERE event_type = $1 ORDER BY timestamp DESC, rowid DESC LIMIT $2",
		string(eventType), limit)
	return events, err
}

// GetRecentEvents retrieves the most recent events.
func (l *Logger) GetRecentEvents(limit int) ([]Event, error) {
	var events []Event
	err := l.db.Select(&events,
		"SELECT * FROM instance_events ORDER BY timestamp DESC, rowid DESC LIMIT $1",
		limit)
	return events, err
}

// DeleteOldEvents deletes events older than the given age.
func (l *Logger) DeleteOldEvents(olderThan time.Duration) (int64, error) {
	threshold := time.Now().UTC().Add(-olderThan).UnixMilli()
	result, err := l.db.Exec("DELETE FROM instance_events WHERE timestamp < $1", threshold)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// PruneEvery deletes events older than maxAge now and then once per
// interval until ctx is done. It blocks; run it in its own goroutine.
func (l *Logger) PruneEvery(ctx context.Context, maxAge, interval time.Duration, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "AuditRetention")

	prune := func() {
		deleted, err := l.DeleteOldEvents(maxAge)
		if err != nil {
			logger.Error("Failed to delete old audit events", "error", err)
			return
		}
		if deleted > 0 {
			logger.Info("Deleted old audit events", "count", deleted, "maxAge", maxAge)
		}
	}

	prune()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prune()
		}
	}
}
