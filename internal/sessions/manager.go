package sessions

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/chapohq/chapo/internal/bus"
	"github.com/chapohq/chapo/pkg/protocol"
)

// maxBufferedEvents bounds the in-memory replay window per session.
// Older events are served from the durable log, if one is configured.
const maxBufferedEvents = 2048

// maxHistoryEntries bounds the coordination timeline kept per session.
const maxHistoryEntries = 200

// EventLog persists the per-session event stream so replay survives restarts.
// Implemented by store/sqlite; nil disables durable replay.
type EventLog interface {
	Append(ctx context.Context, ev *protocol.EventFrame) error
	Since(ctx context.Context, sessionID string, sinceSeq uint64) ([]*protocol.EventFrame, error)
}

// SnapshotStore persists session coordination state across restarts.
// Implemented by store/file; nil disables persistence.
type SnapshotStore interface {
	Save(ctx context.Context, state State) error
	Load(ctx context.Context, sessionID string) (State, error)
	Delete(ctx context.Context, sessionID string) error
	List(ctx context.Context) ([]string, error)
}

// session owns all mutable per-session state. Everything behind mu, and the
// event broadcast happens while mu is held so that sequence order and
// delivery order cannot diverge.
type session struct {
	mu           sync.Mutex
	state        State
	fingerprints map[string]struct{}
	events       []*protocol.EventFrame
	firstSeq     uint64 // seq of events[0]; 0 when buffer empty
}

// Manager is the per-session state machine and sequenced event stream.
// Sessions are created lazily on first reference and removed by Clear or
// the idle sweep.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*session

	pub   bus.EventPublisher
	log   EventLog
	snaps SnapshotStore
}

// SetSnapshots enables snapshot persistence. Call before Restore.
func (m *Manager) SetSnapshots(s SnapshotStore) { m.snaps = s }

// Restore loads persisted session states. Loop slots come back released: a
// restart killed whatever loop was running.
func (m *Manager) Restore(ctx context.Context) error {
	if m.snaps == nil {
		return nil
	}
	ids, err := m.snaps.List(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		state, err := m.snaps.Load(ctx, id)
		if err != nil {
			slog.Warn("session snapshot load failed", "session", id, "error", err)
			continue
		}
		state.LoopRunning = false
		s := &session{state: state, fingerprints: make(map[string]struct{})}
		for _, q := range state.Questions {
			if q.Fingerprint != "" {
				s.fingerprints[q.Fingerprint] = struct{}{}
			}
		}
		m.sessions[state.ID] = s
	}
	return nil
}

// persist writes the session's current state. Best effort: a failed write is
// logged, the in-memory state stays authoritative.
func (m *Manager) persist(state State) {
	if m.snaps == nil {
		return
	}
	if err := m.snaps.Save(context.Background(), state); err != nil {
		slog.Warn("session snapshot save failed", "session", state.ID, "error", err)
	}
}

func NewManager(pub bus.EventPublisher, log EventLog) *Manager {
	return &Manager{
		sessions: make(map[string]*session),
		pub:      pub,
		log:      log,
	}
}

func (m *Manager) get(sessionID string) *session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		s = &session{
			state: State{
				ID:           sessionID,
				Phase:        PhaseQualification,
				ActiveAgent:  "chapo", // the coordinator owns a session until it delegates
				LastActivity: time.Now(),
			},
			fingerprints: make(map[string]struct{}),
		}
		m.sessions[sessionID] = s
	}
	return s
}

// Emit assigns the next sequence number, records the event for replay and
// broadcasts it. The broadcast runs under the session lock: two concurrent
// emitters cannot deliver their frames out of sequence order.
func (m *Manager) Emit(sessionID, evType string, payload any) *protocol.EventFrame {
	s := m.get(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return m.emitLocked(s, evType, payload)
}

func (m *Manager) emitLocked(s *session, evType string, payload any) *protocol.EventFrame {
	s.state.LastSeq++
	s.state.LastActivity = time.Now()
	ev := protocol.NewEvent(s.state.ID, s.state.LastSeq, evType, payload)

	if len(s.events) == 0 {
		s.firstSeq = ev.Seq
	}
	s.events = append(s.events, ev)
	if len(s.events) > maxBufferedEvents {
		drop := len(s.events) - maxBufferedEvents
		s.events = s.events[drop:]
		s.firstSeq = s.events[0].Seq
	}

	if m.log != nil {
		if err := m.log.Append(context.Background(), ev); err != nil {
			slog.Warn("event log append failed", "session", s.state.ID, "seq", ev.Seq, "error", err)
		}
	}
	if m.pub != nil {
		m.pub.Broadcast(ev)
	}
	return ev
}

// ReplaySince returns the events with seq > sinceSeq in order. The in-memory
// buffer serves live sessions; the durable log covers the window the buffer
// has already dropped.
func (m *Manager) ReplaySince(ctx context.Context, sessionID string, sinceSeq uint64) ([]*protocol.EventFrame, error) {
	s := m.get(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.events) == 0 || sinceSeq+1 >= s.firstSeq {
		out := make([]*protocol.EventFrame, 0)
		for _, ev := range s.events {
			if ev.Seq > sinceSeq {
				out = append(out, ev)
			}
		}
		return out, nil
	}

	if m.log == nil {
		// Buffer window lost and nothing durable behind it.
		out := make([]*protocol.EventFrame, len(s.events))
		copy(out, s.events)
		return out, nil
	}
	return m.log.Since(ctx, sessionID, sinceSeq)
}

// Snapshot returns a copy of the session state.
func (m *Manager) Snapshot(sessionID string) State {
	s := m.get(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyState(s.state)
}

func copyState(in State) State {
	out := in
	out.History = append([]HistoryEntry(nil), in.History...)
	out.Questions = append([]PendingQuestion(nil), in.Questions...)
	out.Approvals = append([]PendingApproval(nil), in.Approvals...)
	return out
}

// BeginLoop claims the session's single loop slot. Returns false when a loop
// is already running; the caller must then queue the message instead.
func (m *Manager) BeginLoop(sessionID, turnID string) bool {
	s := m.get(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.LoopRunning {
		return false
	}
	s.state.LoopRunning = true
	s.state.TurnID = turnID
	s.state.Phase = PhaseQualification
	s.state.LastActivity = time.Now()
	s.addHistory("loop_start", s.state.ActiveAgent, turnID)
	return true
}

// EndLoop releases the loop slot and records the terminal phase.
func (m *Manager) EndLoop(sessionID string, phase Phase) {
	s := m.get(sessionID)
	s.mu.Lock()
	s.state.LoopRunning = false
	s.state.Phase = phase
	s.state.LastActivity = time.Now()
	s.addHistory("loop_end", s.state.ActiveAgent, string(phase))
	snapshot := copyState(s.state)
	s.mu.Unlock()

	m.persist(snapshot)
}

// LoopRunning reports whether the session's loop slot is claimed.
func (m *Manager) LoopRunning(sessionID string) bool {
	s := m.get(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.LoopRunning
}

// CurrentTurn returns the turn id of the running or most recent loop.
func (m *Manager) CurrentTurn(sessionID string) string {
	s := m.get(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.TurnID
}

// SetPhase moves the session to the given phase.
func (m *Manager) SetPhase(sessionID string, phase Phase) {
	s := m.get(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Phase = phase
	s.state.LastActivity = time.Now()
}

// SetActiveAgent switches the active-agent label and emits agent_switch when
// the label actually changes.
func (m *Manager) SetActiveAgent(sessionID, agent string) {
	s := m.get(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.ActiveAgent == agent {
		return
	}
	prev := s.state.ActiveAgent
	s.state.ActiveAgent = agent
	s.addHistory("agent_switch", agent, prev)
	m.emitLocked(s, protocol.EventAgentSwitch, map[string]string{"from": prev, "to": agent})
}

// AddHistory appends a coordination event to the session timeline.
func (m *Manager) AddHistory(sessionID, evType, agent, detail string) {
	s := m.get(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addHistory(evType, agent, detail)
}

func (s *session) addHistory(evType, agent, detail string) {
	s.state.History = append(s.state.History, HistoryEntry{
		At: time.Now(), Type: evType, Agent: agent, Detail: detail,
	})
	if len(s.state.History) > maxHistoryEntries {
		s.state.History = s.state.History[len(s.state.History)-maxHistoryEntries:]
	}
}

// QueueQuestion records a pending question and emits user_question. A
// fingerprint already observed in this session suppresses both the entry and
// the event; the caller gets false and must not suspend twice for the same
// gate.
func (m *Manager) QueueQuestion(sessionID string, q PendingQuestion) bool {
	s := m.get(sessionID)
	s.mu.Lock()

	if q.Fingerprint != "" {
		if _, seen := s.fingerprints[q.Fingerprint]; seen {
			s.mu.Unlock()
			return false
		}
		s.fingerprints[q.Fingerprint] = struct{}{}
	}
	if q.AskedAt.IsZero() {
		q.AskedAt = time.Now()
	}
	s.state.Questions = append(s.state.Questions, q)
	s.state.Phase = PhaseWaitingUser
	s.addHistory("question", q.Agent, q.Question)
	m.emitLocked(s, protocol.EventUserQuestion, protocol.UserQuestionPayload{
		QuestionID: q.ID,
		Agent:      q.Agent,
		Question:   q.Question,
		Kind:       q.Kind,
		TurnID:     q.TurnID,
	})
	snapshot := copyState(s.state)
	s.mu.Unlock()

	m.persist(snapshot)
	return true
}

// TakeQuestion removes and returns the pending question with the given id.
func (m *Manager) TakeQuestion(sessionID, questionID string) (PendingQuestion, bool) {
	s := m.get(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, q := range s.state.Questions {
		if q.ID == questionID {
			s.state.Questions = append(s.state.Questions[:i], s.state.Questions[i+1:]...)
			return q, true
		}
	}
	return PendingQuestion{}, false
}

// QueueApproval records a pending approval and emits approval_request.
func (m *Manager) QueueApproval(sessionID string, a PendingApproval) {
	s := m.get(sessionID)
	s.mu.Lock()
	if a.RequestedAt.IsZero() {
		a.RequestedAt = time.Now()
	}
	s.state.Approvals = append(s.state.Approvals, a)
	s.state.Phase = PhaseWaitingUser
	s.addHistory("approval", a.Agent, a.Description)
	m.emitLocked(s, protocol.EventApprovalRequest, protocol.ApprovalRequestPayload{
		ApprovalID:  a.ID,
		Agent:       a.Agent,
		Description: a.Description,
		TurnID:      a.TurnID,
	})
	snapshot := copyState(s.state)
	s.mu.Unlock()

	m.persist(snapshot)
}

// TakeApproval removes and returns the pending approval with the given id.
func (m *Manager) TakeApproval(sessionID, approvalID string) (PendingApproval, bool) {
	s := m.get(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, a := range s.state.Approvals {
		if a.ID == approvalID {
			s.state.Approvals = append(s.state.Approvals[:i], s.state.Approvals[i+1:]...)
			return a, true
		}
	}
	return PendingApproval{}, false
}

// HasFingerprint reports whether a gate fingerprint was already observed.
func (m *Manager) HasFingerprint(sessionID, fingerprint string) bool {
	s := m.get(sessionID)
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.fingerprints[fingerprint]
	return ok
}

// Clear drops the session entirely. Used on terminal loop exit in tests and
// by the idle sweep in production.
func (m *Manager) Clear(sessionID string) {
	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()

	if m.snaps != nil {
		if err := m.snaps.Delete(context.Background(), sessionID); err != nil {
			slog.Warn("session snapshot delete failed", "session", sessionID, "error", err)
		}
	}
}

// SweepIdle removes sessions whose last activity is older than maxIdle and
// whose loop is not running. Returns the removed session ids.
func (m *Manager) SweepIdle(maxIdle time.Duration) []string {
	cutoff := time.Now().Add(-maxIdle)

	m.mu.Lock()
	var removed []string
	for id, s := range m.sessions {
		s.mu.Lock()
		idle := !s.state.LoopRunning && s.state.LastActivity.Before(cutoff)
		s.mu.Unlock()
		if idle {
			delete(m.sessions, id)
			removed = append(removed, id)
		}
	}
	m.mu.Unlock()

	if m.snaps != nil {
		for _, id := range removed {
			if err := m.snaps.Delete(context.Background(), id); err != nil {
				slog.Warn("session snapshot delete failed", "session", id, "error", err)
			}
		}
	}
	return removed
}
