// Package approvals holds side-effecting tool invocations that wait for an
// explicit user decision. The executor parks the invocation here and returns
// pending-approval to the loop; a later approval command resolves it.
package approvals

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Action is one privileged tool invocation awaiting a decision.
type Action struct {
	ID          string         `json:"id"`
	SessionID   string         `json:"sessionId"`
	Tool        string         `json:"tool"`
	Args        map[string]any `json:"args,omitempty"`
	Description string         `json:"description"`
	Preview     string         `json:"preview,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
}

// ExecFunc runs the parked tool call once approved.
type ExecFunc func(ctx context.Context) (result string, isError bool)

// Resolution is the outcome of resolving a pending action.
type Resolution struct {
	Action   Action
	Approved bool
	Result   string
	IsError  bool
}

type pendingAction struct {
	action Action
	exec   ExecFunc
}

// Bridge is the process-wide store of pending actions.
type Bridge struct {
	mu      sync.Mutex
	pending map[string]*pendingAction

	// OnResolved, when set, observes every resolution (e.g. to feed results
	// back into a waiting session).
	OnResolved func(Resolution)
}

func NewBridge() *Bridge {
	return &Bridge{pending: make(map[string]*pendingAction)}
}

// Park stores an action and its deferred execution, returning the action id.
func (b *Bridge) Park(sessionID, tool, description, preview string, args map[string]any, exec ExecFunc) Action {
	action := Action{
		ID:          uuid.NewString(),
		SessionID:   sessionID,
		Tool:        tool,
		Args:        args,
		Description: description,
		Preview:     preview,
		CreatedAt:   time.Now(),
	}
	b.mu.Lock()
	b.pending[action.ID] = &pendingAction{action: action, exec: exec}
	b.mu.Unlock()

	slog.Info("action parked for approval", "action", action.ID, "tool", tool, "session", sessionID)
	return action
}

// Resolve executes (approved) or discards (denied) a pending action.
// Returns false if the action id is unknown or already resolved.
func (b *Bridge) Resolve(ctx context.Context, actionID string, approved bool) (Resolution, bool) {
	b.mu.Lock()
	pa, ok := b.pending[actionID]
	if ok {
		delete(b.pending, actionID)
	}
	b.mu.Unlock()
	if !ok {
		return Resolution{}, false
	}

	res := Resolution{Action: pa.action, Approved: approved}
	if approved {
		res.Result, res.IsError = pa.exec(ctx)
	} else {
		res.Result = "Action denied by user"
		res.IsError = true
	}

	slog.Info("action resolved", "action", actionID, "tool", pa.action.Tool, "approved", approved, "isError", res.IsError)
	if b.OnResolved != nil {
		b.OnResolved(res)
	}
	return res, true
}

// List returns pending actions for a session in creation order.
func (b *Bridge) List(sessionID string) []Action {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Action
	for _, pa := range b.pending {
		if pa.action.SessionID == sessionID {
			out = append(out, pa.action)
		}
	}
	sortByCreated(out)
	return out
}

// Clear drops all pending actions for a session.
func (b *Bridge) Clear(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, pa := range b.pending {
		if pa.action.SessionID == sessionID {
			delete(b.pending, id)
		}
	}
}

func sortByCreated(actions []Action) {
	for i := 1; i < len(actions); i++ {
		for j := i; j > 0 && actions[j].CreatedAt.Before(actions[j-1].CreatedAt); j-- {
			actions[j], actions[j-1] = actions[j-1], actions[j]
		}
	}
}
