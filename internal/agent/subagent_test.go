package agent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chapohq/chapo/internal/approvals"
	"github.com/chapohq/chapo/internal/sessions"
	"github.com/chapohq/chapo/internal/tools"
	"github.com/chapohq/chapo/pkg/protocol"
)

// stubTool is a minimal registry tool for sub-loop tests.
type stubTool struct {
	name  string
	out   *tools.Result
	calls int
}

func (s *stubTool) Name() string               { return s.name }
func (s *stubTool) Description() string        { return "stub" }
func (s *stubTool) Parameters() map[string]any { return map[string]any{"type": "object"} }
func (s *stubTool) Execute(context.Context, map[string]any) *tools.Result {
	s.calls++
	return s.out
}

func devDelegation(objective string) Delegation {
	return Delegation{Target: TargetDevo, Domain: "development", Objective: objective}
}

func TestSubAgentSuccessWithEvidence(t *testing.T) {
	reg := tools.NewRegistry()
	reg.Register(&stubTool{name: "fs_edit", out: tools.NewResult("edited")})
	reg.Register(&stubTool{name: "git_diff", out: tools.NewResult("+1 -1")})

	p := newScriptProvider()
	p.callTools("devo",
		call("c1", "fs_edit", map[string]any{"path": "src/foo.ts"}),
		call("c2", "git_diff", nil),
	)
	p.say("devo", "Null pointer fixed, diff verified.")

	runner := NewSubAgentRunner(p, "m", reg, 10, nil)
	res, err := runner.Run(context.Background(), devDelegation("Fix null pointer in src/foo.ts"), "s1", "/repo")
	require.NoError(t, err)

	assert.Equal(t, StatusSuccess, res.Status)
	require.Len(t, res.Evidence, 2)
	assert.True(t, res.Evidence[0].Success)
	assert.True(t, res.Evidence[1].Success)
	assert.Equal(t, "fs_edit", res.Evidence[0].Tool)
	assert.Equal(t, "Null pointer fixed, diff verified.", res.Response)
}

func TestSubAgentEscalation(t *testing.T) {
	p := newScriptProvider()
	p.callTools("devo", call("c1", escalateToolName, map[string]any{"reason": "requires production credentials"}))

	runner := NewSubAgentRunner(p, "m", tools.NewRegistry(), 10, nil)
	res, err := runner.Run(context.Background(), devDelegation("deploy"), "s1", "")
	require.NoError(t, err)

	assert.Equal(t, StatusEscalated, res.Status)
	assert.Equal(t, "requires production credentials", res.Escalation)
}

func TestSubAgentDisallowedToolRecovers(t *testing.T) {
	reg := tools.NewRegistry()
	reg.Register(&stubTool{name: "fs_readFile", out: tools.NewResult("content")})

	p := newScriptProvider()
	// send_email is not on DEVO's allow-list; the sub-agent gets an error
	// result and can continue.
	p.callTools("devo", call("c1", "send_email", map[string]any{"to": "a@b.c"}))
	p.callTools("devo", call("c2", "fs_readFile", map[string]any{"path": "x"}))
	p.say("devo", "done without email")

	runner := NewSubAgentRunner(p, "m", reg, 10, nil)
	res, err := runner.Run(context.Background(), devDelegation("read the file"), "s1", "")
	require.NoError(t, err)

	require.Len(t, res.Evidence, 2)
	assert.False(t, res.Evidence[0].Success)
	assert.Contains(t, res.Evidence[0].Error, "not available")
	assert.True(t, res.Evidence[1].Success)
	assert.Equal(t, StatusPartial, res.Status)
}

func TestSubAgentPreflightBlocksExternalAction(t *testing.T) {
	reg := tools.BuildDefaultRegistry(t.TempDir(), "", true)

	p := newScriptProvider()
	p.callTools("caio", call("c1", "notify_user", map[string]any{})) // message missing
	p.say("caio", "Benachrichtigung konnte nicht gesendet werden.")

	runner := NewSubAgentRunner(p, "m", reg, 10, nil)
	res, err := runner.Run(context.Background(), Delegation{
		Target: TargetCaio, Domain: "communication", Objective: "notify the user",
	}, "s1", "")
	require.NoError(t, err)

	require.Len(t, res.Evidence, 1)
	assert.False(t, res.Evidence[0].Success)
	assert.Contains(t, res.Evidence[0].Error, "preflight")
	assert.Equal(t, StatusFailed, res.Status)
}

func TestSubAgentExternalIDExtracted(t *testing.T) {
	// Dry-run external actions return a generated id in the envelope.
	reg := tools.BuildDefaultRegistry(t.TempDir(), "", true)

	p := newScriptProvider()
	p.callTools("caio", call("c1", "taskforge_create", map[string]any{"title": "Bug 12"}))
	p.say("caio", "Ticket angelegt.")

	runner := NewSubAgentRunner(p, "m", reg, 10, nil)
	res, err := runner.Run(context.Background(), Delegation{
		Target: TargetCaio, Domain: "communication", Objective: "create a ticket",
	}, "s1", "")
	require.NoError(t, err)

	require.Len(t, res.Evidence, 1)
	assert.True(t, res.Evidence[0].Success)
	assert.NotEmpty(t, res.Evidence[0].ExternalID)
}

func TestSubAgentPendingApprovalIsPartial(t *testing.T) {
	reg := tools.NewRegistry()
	reg.SetApprovalBridge(approvals.NewBridge())
	st := &stubTool{name: "fs_edit", out: tools.NewResult("edited")}
	reg.Register(st)
	reg.MarkPrivileged("fs_edit")

	p := newScriptProvider()
	p.callTools("devo", call("c1", "fs_edit", map[string]any{"path": "x"}))
	p.say("devo", "waiting for approval")

	runner := NewSubAgentRunner(p, "m", reg, 10, nil)
	res, err := runner.Run(context.Background(), devDelegation("edit the file"), "s1", "")
	require.NoError(t, err)

	require.Len(t, res.Evidence, 1)
	assert.True(t, res.Evidence[0].PendingApproval)
	assert.Zero(t, st.calls, "privileged tool must not run before approval")
	assert.Equal(t, StatusPartial, res.Status)
}

func TestSubAgentPrivilegedToolEmitsActionPending(t *testing.T) {
	bridge := approvals.NewBridge()
	reg := tools.NewRegistry()
	reg.SetApprovalBridge(bridge)
	st := &stubTool{name: "fs_edit", out: tools.NewResult("edited")}
	reg.Register(st)
	reg.MarkPrivileged("fs_edit")

	var events []string
	emit := func(_, evType string, _ any) { events = append(events, evType) }

	p := newScriptProvider()
	p.callTools("devo", call("c1", "fs_edit", map[string]any{"path": "x"}))
	p.say("devo", "warte auf Freigabe")

	runner := NewSubAgentRunner(p, "m", reg, 10, emit)
	var queued []sessions.PendingApproval
	runner.SetApprovalQueue(func(_ string, a sessions.PendingApproval) { queued = append(queued, a) })

	res, err := runner.Run(context.Background(), devDelegation("edit the file"), "s1", "")
	require.NoError(t, err)
	assert.Equal(t, StatusPartial, res.Status)
	assert.Contains(t, events, protocol.EventActionPending)

	require.Len(t, queued, 1)
	require.NotEmpty(t, queued[0].ActionID)
	assert.Equal(t, "devo", queued[0].Agent)

	// The queued action id reaches the parked call on the bridge.
	resolution, found := bridge.Resolve(context.Background(), queued[0].ActionID, true)
	require.True(t, found)
	assert.False(t, resolution.IsError)
	assert.Equal(t, 1, st.calls)
}

func TestSubAgentTurnBound(t *testing.T) {
	reg := tools.NewRegistry()
	reg.Register(&stubTool{name: "fs_readFile", out: tools.NewResult("x")})

	p := newScriptProvider()
	for i := 0; i < 5; i++ {
		p.callTools("devo", call("c1", "fs_readFile", nil))
	}

	runner := NewSubAgentRunner(p, "m", reg, 2, nil)
	_, err := runner.Run(context.Background(), devDelegation("loop forever"), "s1", "")
	require.NoError(t, err)
	assert.Equal(t, 2, p.calls("devo"), "sub-loop must stop at its turn bound")
}

func TestDeriveStatus(t *testing.T) {
	ok := EvidenceItem{Success: true}
	fail := EvidenceItem{}
	pending := EvidenceItem{PendingApproval: true}

	tests := []struct {
		name     string
		evidence []EvidenceItem
		content  string
		want     SubAgentStatus
	}{
		{"all success", []EvidenceItem{ok, ok}, "done", StatusSuccess},
		{"mixed", []EvidenceItem{ok, fail}, "done", StatusPartial},
		{"pending only", []EvidenceItem{pending}, "waiting", StatusPartial},
		{"pending plus success", []EvidenceItem{ok, pending}, "done", StatusSuccess},
		{"failures only", []EvidenceItem{fail}, "tried", StatusFailed},
		{"no evidence with content", nil, "the answer", StatusSuccess},
		{"nothing at all", nil, "", StatusFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, deriveStatus(tt.evidence, tt.content))
		})
	}
}

func TestExtractRecommendations(t *testing.T) {
	resp := `Findings: two CVEs affect the TLS stack.

Recommendations:
- upgrade openssl to 3.0.13
- pin the cipher suite list

Unrelated trailing text.`
	recs := extractRecommendations(resp)
	assert.Equal(t, []string{"upgrade openssl to 3.0.13", "pin the cipher suite list"}, recs)

	assert.Empty(t, extractRecommendations("no recommendations here"))
}

func TestTargetForToolName(t *testing.T) {
	for name, want := range map[string]Target{
		"delegateToDevo":  TargetDevo,
		"delegateToCaio":  TargetCaio,
		"delegateToScout": TargetScout,
	} {
		got, ok := TargetForToolName(name)
		require.True(t, ok)
		assert.Equal(t, want, got)
	}
	_, ok := TargetForToolName("delegateToNobody")
	assert.False(t, ok)
}
