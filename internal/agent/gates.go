package agent

import (
	"time"

	"github.com/chapohq/chapo/internal/sessions"
	"github.com/chapohq/chapo/pkg/protocol"
)

// GateManager suspends the loop on user questions and approvals. Queueing
// and event emission go through the session manager so sequence order is
// preserved; fingerprint dedup lives there too.
type GateManager struct {
	sessions *sessions.Manager
}

func NewGateManager(mgr *sessions.Manager) *GateManager {
	return &GateManager{sessions: mgr}
}

// AskQuestion queues a question gate and returns the terminal loop result.
// A suppressed fingerprint still yields waiting_for_user; the existing gate
// covers it.
func (g *GateManager) AskQuestion(sessionID string, q sessions.PendingQuestion, iterations int) *protocol.LoopResult {
	if q.ID == "" {
		q.ID = newID("q")
	}
	g.sessions.QueueQuestion(sessionID, q)
	return &protocol.LoopResult{
		Answer:          q.Question,
		Question:        q.Question,
		Status:          protocol.StatusWaitingForUser,
		TotalIterations: iterations,
	}
}

// RequestApproval queues an approval gate and returns the terminal loop
// result.
func (g *GateManager) RequestApproval(sessionID string, a sessions.PendingApproval, iterations int) *protocol.LoopResult {
	if a.ID == "" {
		a.ID = newID("ap")
	}
	g.sessions.QueueApproval(sessionID, a)
	return &protocol.LoopResult{
		Answer:          a.Description,
		Question:        a.Description,
		Status:          protocol.StatusWaitingForUser,
		TotalIterations: iterations,
	}
}

// ResumeMode classifies how a user response to a pending question is
// handled.
type ResumeMode int

const (
	// ResumeContinue appends the answer and resumes the suspended loop.
	ResumeContinue ResumeMode = iota
	// ResumeNewRequest treats the answer as a fresh request: the question's
	// turn is gone or its answer window has closed.
	ResumeNewRequest
)

// ClassifyResponse resolves the pending question and decides the resume
// mode. An unknown question id starts a new request.
func (g *GateManager) ClassifyResponse(sessionID, questionID string) (sessions.PendingQuestion, ResumeMode) {
	q, ok := g.sessions.TakeQuestion(sessionID, questionID)
	if !ok {
		return q, ResumeNewRequest
	}
	if q.Expired(time.Now()) {
		return q, ResumeNewRequest
	}
	if q.TurnID != "" && q.TurnID != g.sessions.CurrentTurn(sessionID) {
		return q, ResumeNewRequest
	}
	return q, ResumeContinue
}
