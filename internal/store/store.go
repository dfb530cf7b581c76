// Package store defines the persistence interfaces: session snapshots, the
// durable event log behind replay, and the delegation history.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/chapohq/chapo/internal/sessions"
)

// SnapshotStore persists session coordination state across restarts.
type SnapshotStore interface {
	Save(ctx context.Context, state sessions.State) error
	Load(ctx context.Context, sessionID string) (sessions.State, error)
	Delete(ctx context.Context, sessionID string) error
	List(ctx context.Context) ([]string, error)
}

// DelegationRecord is one completed delegation, kept for inspection.
type DelegationRecord struct {
	ID         uuid.UUID  `json:"id"`
	SessionID  string     `json:"sessionId"`
	TurnID     string     `json:"turnId"`
	Target     string     `json:"target"`
	Domain     string     `json:"domain"`
	Objective  string     `json:"objective"`
	Status     string     `json:"status"`
	Response   string     `json:"response"`
	Evidence   string     `json:"evidence,omitempty"` // JSON-encoded evidence list
	DurationMS int64      `json:"durationMs"`
	CreatedAt  time.Time  `json:"createdAt"`
	ErrorText  *string    `json:"error,omitempty"`
	Completed  *time.Time `json:"completedAt,omitempty"`
}

// DelegationListOpts filters a history query.
type DelegationListOpts struct {
	SessionID string
	Target    string
	Status    string
	Limit     int
	Offset    int
}

// DelegationStore records and lists delegation history.
type DelegationStore interface {
	Record(ctx context.Context, rec *DelegationRecord) error
	List(ctx context.Context, opts DelegationListOpts) ([]DelegationRecord, int, error)
}
