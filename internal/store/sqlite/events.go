// Package sqlite provides the durable event log backing session replay.
// When the in-memory ring has dropped the requested window, the manager
// falls through to this log.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/chapohq/chapo/pkg/protocol"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	session_id TEXT    NOT NULL,
	seq        INTEGER NOT NULL,
	type       TEXT    NOT NULL,
	payload    TEXT,
	created_at TEXT    NOT NULL,
	PRIMARY KEY (session_id, seq)
);
CREATE INDEX IF NOT EXISTS idx_events_session_seq ON events (session_id, seq);
`

// EventLog appends and reads event frames from a SQLite database.
type EventLog struct {
	db *sql.DB
}

// Open opens (and if necessary initializes) the event log at path.
func Open(path string) (*EventLog, error) {
	// One writer at a time; the busy timeout covers the sweep racing a loop.
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open event log %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init event log schema: %w", err)
	}
	return &EventLog{db: db}, nil
}

func (l *EventLog) Close() error { return l.db.Close() }

// Append writes one frame. Payloads are stored as JSON; a frame that cannot
// be marshaled is stored without payload rather than lost.
func (l *EventLog) Append(ctx context.Context, ev *protocol.EventFrame) error {
	var payload sql.NullString
	if ev.Payload != nil {
		if data, err := json.Marshal(ev.Payload); err == nil {
			payload = sql.NullString{String: string(data), Valid: true}
		}
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO events (session_id, seq, type, payload, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		ev.SessionID, ev.Seq, ev.Type, payload, time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

// Since returns the session's frames with seq > sinceSeq in seq order.
// Payloads come back as decoded JSON values, not the original Go types.
func (l *EventLog) Since(ctx context.Context, sessionID string, sinceSeq uint64) ([]*protocol.EventFrame, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT seq, type, payload FROM events
		 WHERE session_id = ? AND seq > ?
		 ORDER BY seq ASC`,
		sessionID, sinceSeq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*protocol.EventFrame
	for rows.Next() {
		var (
			seq     uint64
			evType  string
			payload sql.NullString
		)
		if err := rows.Scan(&seq, &evType, &payload); err != nil {
			return nil, err
		}
		ev := protocol.NewEvent(sessionID, seq, evType, nil)
		if payload.Valid && payload.String != "" {
			var decoded any
			if err := json.Unmarshal([]byte(payload.String), &decoded); err == nil {
				ev.Payload = decoded
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Prune deletes a session's frames, e.g. after the idle sweep removed it.
func (l *EventLog) Prune(ctx context.Context, sessionID string) error {
	_, err := l.db.ExecContext(ctx, `DELETE FROM events WHERE session_id = ?`, sessionID)
	return err
}
