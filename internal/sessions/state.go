package sessions

import "time"

// Phase is the coarse lifecycle of a session.
type Phase string

const (
	PhaseQualification Phase = "qualification"
	PhaseExecution     Phase = "execution"
	PhaseWaitingUser   Phase = "waiting_user"
	PhaseError         Phase = "error"
	PhaseReview        Phase = "review"
)

// Question kinds. A clarification asks for missing detail before work starts;
// a continue question asks whether to resume an exhausted or gated loop.
const (
	QuestionClarification = "clarification"
	QuestionContinue      = "continue"
)

// HistoryEntry records one coordination event for the session timeline.
type HistoryEntry struct {
	At     time.Time `json:"at"`
	Type   string    `json:"type"`
	Agent  string    `json:"agent,omitempty"`
	Detail string    `json:"detail,omitempty"`
}

// PendingQuestion is a suspended question gate waiting for a user answer.
type PendingQuestion struct {
	ID          string    `json:"id"`
	Agent       string    `json:"agent"`
	Question    string    `json:"question"`
	Kind        string    `json:"kind,omitempty"`
	TurnID      string    `json:"turnId,omitempty"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	AskedAt     time.Time `json:"askedAt"`
	ExpiresAt   time.Time `json:"expiresAt,omitempty"` // zero means no expiry
}

// Expired reports whether the question's answer window has closed.
func (q PendingQuestion) Expired(now time.Time) bool {
	return !q.ExpiresAt.IsZero() && now.After(q.ExpiresAt)
}

// PendingApproval is a suspended approval gate tied to a parked action.
type PendingApproval struct {
	ID          string    `json:"id"`
	Agent       string    `json:"agent"`
	ActionID    string    `json:"actionId"`
	Description string    `json:"description"`
	Preview     string    `json:"preview,omitempty"`
	TurnID      string    `json:"turnId,omitempty"`
	RequestedAt time.Time `json:"requestedAt"`
}

// State is a point-in-time copy of a session's coordination state.
// The manager hands out copies; mutations go through manager methods.
type State struct {
	ID           string
	Phase        Phase
	ActiveAgent  string
	LoopRunning  bool
	TurnID       string
	History      []HistoryEntry
	Questions    []PendingQuestion
	Approvals    []PendingApproval
	LastSeq      uint64
	LastActivity time.Time
}
