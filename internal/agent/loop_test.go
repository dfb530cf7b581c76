package agent

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chapohq/chapo/internal/approvals"
	"github.com/chapohq/chapo/internal/bus"
	"github.com/chapohq/chapo/internal/inbox"
	"github.com/chapohq/chapo/internal/sessions"
	"github.com/chapohq/chapo/internal/tools"
	"github.com/chapohq/chapo/pkg/protocol"
)

// eventCapture records every broadcast frame for assertions.
type eventCapture struct {
	mu     sync.Mutex
	frames []*protocol.EventFrame
}

func (c *eventCapture) handle(ev *protocol.EventFrame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, ev)
}

func (c *eventCapture) types(sessionID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, ev := range c.frames {
		if ev.SessionID == sessionID {
			out = append(out, ev.Type)
		}
	}
	return out
}

func (c *eventCapture) count(sessionID, evType string) int {
	n := 0
	for _, typ := range c.types(sessionID) {
		if typ == evType {
			n++
		}
	}
	return n
}

func (c *eventCapture) lastPayload(sessionID, evType string) any {
	c.mu.Lock()
	defer c.mu.Unlock()
	var payload any
	for _, ev := range c.frames {
		if ev.SessionID == sessionID && ev.Type == evType {
			payload = ev.Payload
		}
	}
	return payload
}

func (c *eventCapture) questionID(sessionID string) string {
	if p, ok := c.lastPayload(sessionID, protocol.EventUserQuestion).(protocol.UserQuestionPayload); ok {
		return p.QuestionID
	}
	return ""
}

func (c *eventCapture) approvalID(sessionID string) string {
	if p, ok := c.lastPayload(sessionID, protocol.EventApprovalRequest).(protocol.ApprovalRequestPayload); ok {
		return p.ApprovalID
	}
	return ""
}

func (c *eventCapture) turnID(sessionID string) string {
	if p, ok := c.lastPayload(sessionID, protocol.EventAgentStart).(map[string]any); ok {
		s, _ := p["turnId"].(string)
		return s
	}
	return ""
}

type loopFixture struct {
	loop     *Loop
	sessions *sessions.Manager
	inbox    *inbox.Inbox
	bridge   *approvals.Bridge
	events   *eventCapture
}

func newLoopFixture(p *scriptProvider, reg *tools.Registry, mutate func(*LoopConfig)) *loopFixture {
	if reg == nil {
		reg = tools.NewRegistry()
	}
	b := bus.New()
	rec := &eventCapture{}
	b.Subscribe("test", rec.handle)

	bridge := approvals.NewBridge()
	reg.SetApprovalBridge(bridge)

	mgr := sessions.NewManager(b, nil)
	ibx := inbox.New()
	cfg := LoopConfig{
		Provider: p,
		Tools:    reg,
		Bridge:   bridge,
		Inbox:    ibx,
		Sessions: mgr,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return &loopFixture{
		loop:     NewLoop(cfg),
		sessions: mgr,
		inbox:    ibx,
		bridge:   bridge,
		events:   rec,
	}
}

func TestDirectAnswer(t *testing.T) {
	p := newScriptProvider()
	p.say("chapo", "4")
	f := newLoopFixture(p, nil, nil)

	res := f.loop.Run(context.Background(), RunRequest{SessionID: "s1", Message: "was ist 2+2?"})

	assert.Equal(t, "4", res.Answer)
	assert.Equal(t, protocol.StatusCompleted, res.Status)
	assert.Equal(t, 1, res.TotalIterations)
	assert.Equal(t, []string{
		protocol.EventAgentStart,
		protocol.EventAgentThinking,
		protocol.EventToolResult, // decision_path
		protocol.EventAgentComplete,
	}, f.events.types("s1"))

	dp, ok := f.events.lastPayload("s1", protocol.EventToolResult).(protocol.DecisionPathPayload)
	require.True(t, ok)
	assert.Equal(t, protocol.DecisionPathToolName, dp.Tool)
	assert.Equal(t, protocol.PathAnswer, dp.Path)
}

func TestAmbiguousRequestConvertsToClarification(t *testing.T) {
	p := newScriptProvider()
	p.say("chapo", "Was genau soll ich verbessern?")
	p.say("chapo", "Erledigt, die Fehlermeldungen sind jetzt konkreter.")
	f := newLoopFixture(p, nil, nil)

	res := f.loop.Run(context.Background(), RunRequest{SessionID: "s1", Message: "mach es besser"})
	assert.Equal(t, protocol.StatusWaitingForUser, res.Status)
	assert.Equal(t, "Was genau soll ich verbessern?", res.Question)
	assert.False(t, f.sessions.LoopRunning("s1"))

	qid := f.events.questionID("s1")
	require.NotEmpty(t, qid)

	res = f.loop.ResumeQuestion(context.Background(), "s1", qid, "die Fehlermeldungen")
	assert.Equal(t, protocol.StatusCompleted, res.Status)
	assert.Equal(t, "Erledigt, die Fehlermeldungen sind jetzt konkreter.", res.Answer)
}

func TestToolCallThenAnswer(t *testing.T) {
	reg := tools.NewRegistry()
	reg.Register(&stubTool{name: "fs_readFile", out: tools.NewResult("package main")})

	p := newScriptProvider()
	p.callTools("chapo", call("c1", "fs_readFile", map[string]any{"path": "main.go"}))
	p.say("chapo", "Die Datei beginnt mit package main.")
	f := newLoopFixture(p, reg, nil)

	res := f.loop.Run(context.Background(), RunRequest{SessionID: "s1", Message: "lies main.go und fasse zusammen"})
	assert.Equal(t, protocol.StatusCompleted, res.Status)
	assert.Equal(t, 2, res.TotalIterations)
	assert.Equal(t, 1, f.events.count("s1", protocol.EventToolCall))

	// Every assistant tool-call message is paired with one user message
	// carrying exactly as many results.
	msgs := f.loop.conv("s1").Messages()
	for i, msg := range msgs {
		if msg.Role == "assistant" && len(msg.ToolCalls) > 0 {
			require.Greater(t, len(msgs), i+1)
			next := msgs[i+1]
			assert.Equal(t, "user", next.Role)
			assert.Len(t, next.ToolResults, len(msg.ToolCalls))
		}
	}
}

func TestDelegationSwitchesAgentAndBack(t *testing.T) {
	reg := tools.NewRegistry()
	reg.Register(&stubTool{name: "fs_edit", out: tools.NewResult("edited")})

	p := newScriptProvider()
	p.callTools("chapo", call("c1", "delegateToDevo", map[string]any{"objective": "fix the off-by-one"}))
	p.callTools("devo", call("d1", "fs_edit", map[string]any{"path": "x.go"}))
	p.say("devo", "Off-by-one behoben.")
	p.say("chapo", "DEVO hat den Fehler behoben.")
	f := newLoopFixture(p, reg, nil)

	res := f.loop.Run(context.Background(), RunRequest{SessionID: "s1", Message: "behebe den off-by-one in x.go"})
	assert.Equal(t, protocol.StatusCompleted, res.Status)
	assert.Equal(t, 1, f.events.count("s1", protocol.EventDelegation))
	assert.Equal(t, 2, f.events.count("s1", protocol.EventAgentSwitch))
	assert.Equal(t, "chapo", f.sessions.Snapshot("s1").ActiveAgent)

	// The envelope went into the conversation, not the answer.
	var envelope string
	for _, msg := range f.loop.conv("s1").Messages() {
		for _, tr := range msg.ToolResults {
			if strings.HasPrefix(tr.Content, "[DELEGATION RESULT") {
				envelope = tr.Content
			}
		}
	}
	require.NotEmpty(t, envelope)
	assert.Contains(t, envelope, "Status: SUCCESS")
}

func TestGateSuspensionPairsRemainingCalls(t *testing.T) {
	reg := tools.NewRegistry()
	reg.Register(&stubTool{name: "fs_readFile", out: tools.NewResult("x")})

	p := newScriptProvider()
	p.callTools("chapo",
		call("c1", toolAskUser, map[string]any{"question": "Welche Datei?"}),
		call("c2", "fs_readFile", map[string]any{"path": "?"}),
	)
	f := newLoopFixture(p, reg, nil)

	res := f.loop.Run(context.Background(), RunRequest{SessionID: "s1", Message: "lies die Datei"})
	assert.Equal(t, protocol.StatusWaitingForUser, res.Status)

	msgs := f.loop.conv("s1").Messages()
	last := msgs[len(msgs)-1]
	require.Len(t, last.ToolResults, 2)
	assert.Equal(t, "Question forwarded to user", last.ToolResults[0].Content)
	assert.Contains(t, last.ToolResults[1].Content, "Not executed")
}

func TestApprovalGateResolvesAndResumes(t *testing.T) {
	reg := tools.NewRegistry()
	st := &stubTool{name: "fs_edit", out: tools.NewResult("edited")}
	reg.Register(st)
	reg.MarkPrivileged("fs_edit")

	p := newScriptProvider()
	p.callTools("chapo", call("c1", "fs_edit", map[string]any{"path": "x.go"}))
	p.say("chapo", "Datei bearbeitet.")
	f := newLoopFixture(p, reg, nil)

	res := f.loop.Run(context.Background(), RunRequest{SessionID: "s1", Message: "bearbeite x.go"})
	assert.Equal(t, protocol.StatusWaitingForUser, res.Status)
	assert.Zero(t, st.calls)
	assert.Equal(t, 1, f.events.count("s1", protocol.EventActionPending))

	apID := f.events.approvalID("s1")
	require.NotEmpty(t, apID)

	res = f.loop.ResolveApproval(context.Background(), "s1", apID, true)
	assert.Equal(t, protocol.StatusCompleted, res.Status)
	assert.Equal(t, "Datei bearbeitet.", res.Answer)
	assert.Equal(t, 1, st.calls, "the parked action runs exactly once, on approval")
}

func TestSubAgentApprovalReachableThroughApprovalCommand(t *testing.T) {
	reg := tools.NewRegistry()
	st := &stubTool{name: "fs_edit", out: tools.NewResult("edited")}
	reg.Register(st)
	reg.MarkPrivileged("fs_edit")

	p := newScriptProvider()
	p.callTools("chapo", call("c1", "delegateToDevo", map[string]any{"objective": "fix the typo in x.go"}))
	p.callTools("devo", call("d1", "fs_edit", map[string]any{"path": "x.go"}))
	p.say("devo", "Warte auf Freigabe.")
	p.say("chapo", "DEVO wartet auf deine Freigabe.")
	p.say("chapo", "Erledigt.")
	f := newLoopFixture(p, reg, nil)

	res := f.loop.Run(context.Background(), RunRequest{SessionID: "s1", Message: "behebe den Tippfehler in x.go"})
	require.Equal(t, protocol.StatusCompleted, res.Status)
	assert.Zero(t, st.calls)
	assert.Equal(t, 1, f.events.count("s1", protocol.EventActionPending))

	apID := f.events.approvalID("s1")
	require.NotEmpty(t, apID, "the sub-agent's parked action must surface as an approval gate")

	res = f.loop.ResolveApproval(context.Background(), "s1", apID, true)
	assert.Equal(t, protocol.StatusCompleted, res.Status)
	assert.Equal(t, "Erledigt.", res.Answer)
	assert.Equal(t, 1, st.calls, "approving runs the action the sub-agent parked")
}

func TestResolveUnknownApproval(t *testing.T) {
	f := newLoopFixture(newScriptProvider(), nil, nil)
	res := f.loop.ResolveApproval(context.Background(), "s1", "nope", true)
	assert.Equal(t, protocol.StatusError, res.Status)
	assert.Contains(t, res.Answer, "unbekannte Approval-ID")
}

func TestExhaustionWithInboxBuildsContinueQuestion(t *testing.T) {
	reg := tools.NewRegistry()
	reg.Register(&stubTool{name: "fs_readFile", out: tools.NewResult("x")})

	p := newScriptProvider()
	f := newLoopFixture(p, reg, func(cfg *LoopConfig) { cfg.MaxIterations = 1 })

	// The mid-turn message arrives while the model call is in flight.
	p.add("chapo", scriptStep{
		resp: toolCallResponse(call("c1", "fs_readFile", nil)),
		hook: func() { f.inbox.Push("s1", inbox.NewMessage("und mach auch X", "user")) },
	})

	res := f.loop.Run(context.Background(), RunRequest{SessionID: "s1", Message: "mach erstmal Y und dann sehen wir weiter"})
	assert.Equal(t, protocol.StatusWaitingForUser, res.Status)
	assert.Contains(t, res.Question, "Iterationslimit")
	assert.Contains(t, res.Question, `"und mach auch X"`)

	turn := f.events.turnID("s1")
	require.NotEmpty(t, turn)
	assert.True(t, f.sessions.HasFingerprint("s1", "limit:inbox:"+turn+":und mach auch X"))
	assert.Equal(t, 1, f.events.count("s1", protocol.EventUserQuestion))
	assert.Equal(t, 1, f.events.count("s1", protocol.EventInboxProcessing))
}

func TestExhaustionFingerprintSuppressesRepeat(t *testing.T) {
	reg := tools.NewRegistry()
	reg.Register(&stubTool{name: "fs_readFile", out: tools.NewResult("x")})

	p := newScriptProvider()
	f := newLoopFixture(p, reg, func(cfg *LoopConfig) { cfg.MaxIterations = 1 })

	push := func() { f.inbox.Push("s1", inbox.NewMessage("und mach auch X", "user")) }
	p.add("chapo", scriptStep{resp: toolCallResponse(call("c1", "fs_readFile", nil)), hook: push})
	p.add("chapo", scriptStep{resp: toolCallResponse(call("c2", "fs_readFile", nil)), hook: push})

	res := f.loop.Run(context.Background(), RunRequest{SessionID: "s1", Message: "mach erstmal Y und dann sehen wir weiter"})
	require.Equal(t, protocol.StatusWaitingForUser, res.Status)
	qid := f.events.questionID("s1")

	// The user says "weiter", the resumed turn exhausts on the same queued
	// wording. The fingerprint matches, so no second question event fires.
	res = f.loop.ResumeQuestion(context.Background(), "s1", qid, "ja, mach weiter")
	assert.Equal(t, protocol.StatusWaitingForUser, res.Status)
	assert.Equal(t, 1, f.events.count("s1", protocol.EventUserQuestion))
}

func TestMaxIterationsZero(t *testing.T) {
	p := newScriptProvider()
	f := newLoopFixture(p, nil, nil)

	zero := 0
	res := f.loop.Run(context.Background(), RunRequest{
		SessionID: "s1", Message: "irgendwas", MaxIterations: &zero,
	})
	assert.Equal(t, protocol.StatusWaitingForUser, res.Status)
	assert.Equal(t, 0, res.TotalIterations)
	assert.Equal(t, "Ich habe mein Iterationslimit erreicht. Soll ich weitermachen?", res.Question)
	assert.Zero(t, p.calls("chapo"))
}

func TestModelErrorRetriesThenFails(t *testing.T) {
	p := newScriptProvider()
	p.fail("chapo", "upstream 500")
	p.fail("chapo", "upstream 500")
	p.fail("chapo", "upstream 500")
	f := newLoopFixture(p, nil, nil)

	res := f.loop.Run(context.Background(), RunRequest{SessionID: "s1", Message: "erzähl mir was"})
	assert.Equal(t, protocol.StatusError, res.Status)
	assert.True(t, strings.HasPrefix(res.Answer, errPrefix))
	assert.Contains(t, res.Answer, "upstream 500")
	assert.Equal(t, 3, res.TotalIterations)
	assert.Equal(t, 3, f.events.count("s1", protocol.EventError))
	assert.Equal(t, sessions.PhaseError, f.sessions.Snapshot("s1").Phase)
}

func TestModelErrorRecovers(t *testing.T) {
	p := newScriptProvider()
	p.fail("chapo", "blip")
	p.say("chapo", "Antwort.")
	f := newLoopFixture(p, nil, nil)

	res := f.loop.Run(context.Background(), RunRequest{SessionID: "s1", Message: "erzähl mir was"})
	assert.Equal(t, protocol.StatusCompleted, res.Status)
	assert.Equal(t, "Antwort.", res.Answer)
	assert.Equal(t, 2, res.TotalIterations)
}

func TestBusyLoopQueuesMessage(t *testing.T) {
	p := newScriptProvider()
	f := newLoopFixture(p, nil, nil)
	require.True(t, f.sessions.BeginLoop("s1", "turn-x"))

	res := f.loop.Run(context.Background(), RunRequest{SessionID: "s1", Message: "noch eine Sache"})
	assert.Equal(t, protocol.StatusCompleted, res.Status)
	assert.Contains(t, res.Answer, "eingereiht")
	require.Len(t, f.inbox.Peek("s1"), 1)
	assert.Equal(t, "noch eine Sache", f.inbox.Peek("s1")[0].Content)
}

func TestInboxDrainedBetweenIterations(t *testing.T) {
	reg := tools.NewRegistry()
	reg.Register(&stubTool{name: "fs_readFile", out: tools.NewResult("x")})

	p := newScriptProvider()
	f := newLoopFixture(p, reg, nil)

	p.add("chapo", scriptStep{
		resp: toolCallResponse(call("c1", "fs_readFile", nil)),
		hook: func() { f.inbox.Push("s1", inbox.NewMessage("zweite Aufgabe", "user")) },
	})
	p.say("chapo", "Beides erledigt.")

	res := f.loop.Run(context.Background(), RunRequest{SessionID: "s1", Message: "erste Aufgabe bitte erledigen"})
	assert.Equal(t, protocol.StatusCompleted, res.Status)
	assert.Equal(t, 1, f.events.count("s1", protocol.EventMessageQueued))
	assert.Equal(t, 1, f.events.count("s1", protocol.EventInboxProcessing))
	assert.Empty(t, f.inbox.Peek("s1"))

	// The drained message reached the model as a classification block.
	var sawClassifier bool
	for _, msg := range f.loop.conv("s1").Messages() {
		if msg.Role == "system" && strings.Contains(msg.Content, "zweite Aufgabe") {
			sawClassifier = true
			assert.Contains(t, msg.Content, "PARALLEL")
			assert.Contains(t, msg.Content, "AMENDMENT")
			assert.Contains(t, msg.Content, "EXPANSION")
		}
	}
	assert.True(t, sawClassifier)
}

func TestResumeUnknownQuestionStartsFresh(t *testing.T) {
	p := newScriptProvider()
	p.say("chapo", "Neue Antwort.")
	f := newLoopFixture(p, nil, nil)

	res := f.loop.ResumeQuestion(context.Background(), "s1", "q-unknown", "eine neue Frage bitte")
	assert.Equal(t, protocol.StatusCompleted, res.Status)
	assert.Equal(t, "Neue Antwort.", res.Answer)
}

func TestUpdateLimitsAppliesToNextRun(t *testing.T) {
	reg := tools.NewRegistry()
	reg.Register(&stubTool{name: "fs_readFile", out: tools.NewResult("x")})

	p := newScriptProvider()
	p.callTools("chapo", call("c1", "fs_readFile", nil))
	p.say("chapo", "fertig")
	p.callTools("chapo", call("c2", "fs_readFile", nil))
	f := newLoopFixture(p, reg, nil)

	res := f.loop.Run(context.Background(), RunRequest{SessionID: "s1", Message: "lies die Datei bitte einmal ein"})
	require.Equal(t, protocol.StatusCompleted, res.Status)
	require.Equal(t, 2, res.TotalIterations)

	f.loop.UpdateLimits(Limits{MaxIterations: 1})

	res = f.loop.Run(context.Background(), RunRequest{SessionID: "s2", Message: "lies die Datei bitte einmal ein"})
	assert.Equal(t, protocol.StatusWaitingForUser, res.Status)
	assert.Equal(t, 1, res.TotalIterations)
	assert.Contains(t, res.Question, "Iterationslimit")

	// Zero fields fall back to defaults.
	f.loop.UpdateLimits(Limits{})
	assert.Equal(t, 20, f.loop.limits.Load().MaxIterations)
	assert.Equal(t, 160_000, f.loop.limits.Load().CompactionThresholdTokens)
}

func TestIsTrivialRequest(t *testing.T) {
	assert.True(t, isTrivialRequest("was ist 2+2?"))
	assert.False(t, isTrivialRequest("bau mir ein Deployment"))
	assert.False(t, isTrivialRequest(strings.Repeat("warum ", 20)+"?"))
}
