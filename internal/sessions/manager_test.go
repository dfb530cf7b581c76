package sessions

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chapohq/chapo/internal/bus"
	"github.com/chapohq/chapo/pkg/protocol"
)

func TestEmitAssignsStrictlyIncreasingSeq(t *testing.T) {
	m := NewManager(bus.New(), nil)

	for i := 0; i < 5; i++ {
		ev := m.Emit("s1", protocol.EventAgentThinking, nil)
		assert.Equal(t, uint64(i+1), ev.Seq)
	}
	// Other sessions count independently.
	ev := m.Emit("s2", protocol.EventAgentThinking, nil)
	assert.Equal(t, uint64(1), ev.Seq)
}

func TestBroadcastSharesSequenceOrder(t *testing.T) {
	b := bus.New()
	var mu sync.Mutex
	var seen []uint64
	b.Subscribe("collector", func(ev *protocol.EventFrame) {
		mu.Lock()
		seen = append(seen, ev.Seq)
		mu.Unlock()
	})

	m := NewManager(b, nil)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Emit("s1", protocol.EventToolCall, nil)
		}()
	}
	wg.Wait()

	require.Len(t, seen, 50)
	for i := 1; i < len(seen); i++ {
		assert.Equal(t, seen[i-1]+1, seen[i], "delivery order must match sequence order")
	}
}

func TestReplaySince(t *testing.T) {
	m := NewManager(bus.New(), nil)
	for i := 0; i < 10; i++ {
		m.Emit("s1", protocol.EventAgentThinking, nil)
	}

	evs, err := m.ReplaySince(context.Background(), "s1", 7)
	require.NoError(t, err)
	require.Len(t, evs, 3)
	assert.Equal(t, uint64(8), evs[0].Seq)
	assert.Equal(t, uint64(10), evs[2].Seq)

	// sinceSeq at the head replays everything.
	evs, err = m.ReplaySince(context.Background(), "s1", 0)
	require.NoError(t, err)
	assert.Len(t, evs, 10)

	// Unknown session replays nothing.
	evs, err = m.ReplaySince(context.Background(), "fresh", 0)
	require.NoError(t, err)
	assert.Empty(t, evs)
}

func TestBeginLoopIsExclusive(t *testing.T) {
	m := NewManager(bus.New(), nil)

	require.True(t, m.BeginLoop("s1", "turn-1"))
	assert.False(t, m.BeginLoop("s1", "turn-2"), "second loop must not start while one runs")
	assert.Equal(t, "turn-1", m.CurrentTurn("s1"))
	assert.True(t, m.LoopRunning("s1"))

	m.EndLoop("s1", PhaseReview)
	assert.False(t, m.LoopRunning("s1"))
	assert.True(t, m.BeginLoop("s1", "turn-2"))
}

func TestQueueQuestionFingerprintDedup(t *testing.T) {
	b := bus.New()
	var events []string
	b.Subscribe("collector", func(ev *protocol.EventFrame) {
		events = append(events, ev.Type)
	})
	m := NewManager(b, nil)

	q := PendingQuestion{ID: "q1", Agent: "chapo", Question: "Continue?", Fingerprint: "limit:plain:turn-1"}
	assert.True(t, m.QueueQuestion("s1", q))

	q2 := q
	q2.ID = "q2"
	assert.False(t, m.QueueQuestion("s1", q2), "same fingerprint must be suppressed")

	st := m.Snapshot("s1")
	require.Len(t, st.Questions, 1)
	assert.Equal(t, "q1", st.Questions[0].ID)
	assert.Equal(t, PhaseWaitingUser, st.Phase)
	assert.Equal(t, []string{protocol.EventUserQuestion}, events, "no duplicate event")

	// A different session has its own fingerprint space.
	assert.True(t, m.QueueQuestion("s2", q))
}

func TestTakeQuestion(t *testing.T) {
	m := NewManager(bus.New(), nil)
	m.QueueQuestion("s1", PendingQuestion{ID: "q1", Question: "A?"})
	m.QueueQuestion("s1", PendingQuestion{ID: "q2", Question: "B?"})

	q, ok := m.TakeQuestion("s1", "q1")
	require.True(t, ok)
	assert.Equal(t, "A?", q.Question)

	_, ok = m.TakeQuestion("s1", "q1")
	assert.False(t, ok)
	assert.Len(t, m.Snapshot("s1").Questions, 1)
}

func TestQueueAndTakeApproval(t *testing.T) {
	b := bus.New()
	var last *protocol.EventFrame
	b.Subscribe("collector", func(ev *protocol.EventFrame) { last = ev })
	m := NewManager(b, nil)

	m.QueueApproval("s1", PendingApproval{ID: "ap1", Agent: "chapo", ActionID: "act-1", Description: "Send email"})
	require.NotNil(t, last)
	assert.Equal(t, protocol.EventApprovalRequest, last.Type)

	a, ok := m.TakeApproval("s1", "ap1")
	require.True(t, ok)
	assert.Equal(t, "act-1", a.ActionID)
	_, ok = m.TakeApproval("s1", "ap1")
	assert.False(t, ok)
}

func TestQuestionExpiry(t *testing.T) {
	now := time.Now()
	q := PendingQuestion{ID: "q1", ExpiresAt: now.Add(-time.Minute)}
	assert.True(t, q.Expired(now))

	q.ExpiresAt = time.Time{}
	assert.False(t, q.Expired(now), "zero expiry never expires")
}

func TestSetActiveAgentEmitsSwitchOnce(t *testing.T) {
	b := bus.New()
	var switches int
	b.Subscribe("collector", func(ev *protocol.EventFrame) {
		if ev.Type == protocol.EventAgentSwitch {
			switches++
		}
	})
	m := NewManager(b, nil)

	m.SetActiveAgent("s1", "devo")
	m.SetActiveAgent("s1", "devo")
	m.SetActiveAgent("s1", "chapo")
	assert.Equal(t, 2, switches)
	assert.Equal(t, "chapo", m.Snapshot("s1").ActiveAgent)
}

func TestSweepIdleSkipsRunningLoops(t *testing.T) {
	m := NewManager(bus.New(), nil)
	m.Emit("idle", protocol.EventAgentThinking, nil)
	m.BeginLoop("busy", "turn-1")

	// Force both sessions old.
	for _, id := range []string{"idle", "busy"} {
		s := m.get(id)
		s.mu.Lock()
		s.state.LastActivity = time.Now().Add(-48 * time.Hour)
		s.mu.Unlock()
	}

	removed := m.SweepIdle(24 * time.Hour)
	assert.Equal(t, []string{"idle"}, removed)
	assert.True(t, m.LoopRunning("busy"))
}

func TestClearResetsSequence(t *testing.T) {
	m := NewManager(bus.New(), nil)
	m.Emit("s1", protocol.EventAgentThinking, nil)
	m.Emit("s1", protocol.EventAgentThinking, nil)
	m.Clear("s1")

	ev := m.Emit("s1", protocol.EventAgentThinking, nil)
	assert.Equal(t, uint64(1), ev.Seq)
}

func TestNewSweeperValidatesCron(t *testing.T) {
	m := NewManager(bus.New(), nil)

	_, err := NewSweeper(m, "not a cron", time.Hour)
	require.Error(t, err)

	sw, err := NewSweeper(m, "", 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultIdleTTL, sw.idleTTL)
}

type memSnapshots struct {
	mu     sync.Mutex
	states map[string]State
}

func newMemSnapshots() *memSnapshots { return &memSnapshots{states: make(map[string]State)} }

func (m *memSnapshots) Save(_ context.Context, state State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[state.ID] = state
	return nil
}

func (m *memSnapshots) Load(_ context.Context, id string) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[id], nil
}

func (m *memSnapshots) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, id)
	return nil
}

func (m *memSnapshots) List(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id := range m.states {
		ids = append(ids, id)
	}
	return ids, nil
}

func TestSnapshotPersistAndRestore(t *testing.T) {
	snaps := newMemSnapshots()

	m := NewManager(bus.New(), nil)
	m.SetSnapshots(snaps)

	require.True(t, m.BeginLoop("s1", "turn-1"))
	m.QueueQuestion("s1", PendingQuestion{
		ID: "q-1", Agent: "chapo", Question: "Welche Datei?",
		Kind: QuestionClarification, TurnID: "turn-1", Fingerprint: "fp-1",
	})
	m.EndLoop("s1", PhaseWaitingUser)

	// A fresh manager over the same store sees the persisted session.
	m2 := NewManager(bus.New(), nil)
	m2.SetSnapshots(snaps)
	require.NoError(t, m2.Restore(context.Background()))

	state := m2.Snapshot("s1")
	assert.Equal(t, PhaseWaitingUser, state.Phase)
	assert.False(t, state.LoopRunning)
	require.Len(t, state.Questions, 1)
	assert.Equal(t, "q-1", state.Questions[0].ID)

	// Fingerprints survive via the pending questions.
	assert.True(t, m2.HasFingerprint("s1", "fp-1"))

	// Clear removes the snapshot too.
	m2.Clear("s1")
	ids, err := snaps.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ids)
}
