package tools

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chapohq/chapo/internal/approvals"
)

type fakeTool struct {
	name   string
	result *Result
	calls  int
}

func (f *fakeTool) Name() string               { return f.name }
func (f *fakeTool) Description() string        { return "fake" }
func (f *fakeTool) Parameters() map[string]any { return map[string]any{"type": "object"} }
func (f *fakeTool) Execute(context.Context, map[string]any) *Result {
	f.calls++
	return f.result
}

func TestExecuteUnknownTool(t *testing.T) {
	r := NewRegistry()
	out := r.Execute(context.Background(), "nope", nil, ExecOpts{})
	assert.False(t, out.Success)
	assert.Contains(t, out.Error, "unknown tool: nope")
}

func TestExecuteNormalizes(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakeTool{name: "echo", result: NewResult("hello")})

	out := r.Execute(context.Background(), "echo", nil, ExecOpts{AgentName: "chapo"})
	assert.True(t, out.Success)
	assert.Equal(t, "hello", out.Data)
}

func TestPrivilegedToolParksForApproval(t *testing.T) {
	r := NewRegistry()
	bridge := approvals.NewBridge()
	r.SetApprovalBridge(bridge)

	ft := &fakeTool{name: "danger", result: NewResult("done")}
	r.Register(ft)
	r.MarkPrivileged("danger")

	var pending approvals.Action
	out := r.Execute(context.Background(), "danger", map[string]any{"x": 1}, ExecOpts{
		SessionID:       "s1",
		OnActionPending: func(a approvals.Action) { pending = a },
	})

	assert.True(t, out.PendingApproval)
	assert.False(t, out.Success)
	assert.Zero(t, ft.calls, "privileged tool must not run before approval")
	require.NotEmpty(t, pending.ID)
	assert.Equal(t, "danger", pending.Tool)

	// Approving executes the parked call.
	res, ok := bridge.Resolve(context.Background(), pending.ID, true)
	require.True(t, ok)
	assert.Equal(t, "done", res.Result)
	assert.False(t, res.IsError)
	assert.Equal(t, 1, ft.calls)

	// A second resolve is a no-op.
	_, ok = bridge.Resolve(context.Background(), pending.ID, true)
	assert.False(t, ok)
}

func TestDeniedActionDoesNotExecute(t *testing.T) {
	r := NewRegistry()
	bridge := approvals.NewBridge()
	r.SetApprovalBridge(bridge)

	ft := &fakeTool{name: "danger", result: NewResult("done")}
	r.Register(ft)
	r.MarkPrivileged("danger")

	var pending approvals.Action
	r.Execute(context.Background(), "danger", nil, ExecOpts{
		SessionID:       "s1",
		OnActionPending: func(a approvals.Action) { pending = a },
	})

	res, ok := bridge.Resolve(context.Background(), pending.ID, false)
	require.True(t, ok)
	assert.True(t, res.IsError)
	assert.Zero(t, ft.calls)
}

func TestProviderDefsAllowList(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakeTool{name: "a", result: NewResult("")})
	r.Register(&fakeTool{name: "b", result: NewResult("")})
	r.Register(&fakeTool{name: "c", result: NewResult("")})

	defs := r.ProviderDefs(nil)
	require.Len(t, defs, 3)
	assert.Equal(t, "a", defs[0].Function.Name)

	defs = r.ProviderDefs([]string{"c", "a"})
	require.Len(t, defs, 2)
	// Registration order is preserved, not allow-list order.
	assert.Equal(t, "a", defs[0].Function.Name)
	assert.Equal(t, "c", defs[1].Function.Name)
}

func TestExternalActionMarking(t *testing.T) {
	r := BuildDefaultRegistry(t.TempDir(), "", true)
	assert.True(t, r.IsExternalAction("send_email"))
	assert.True(t, r.IsExternalAction("taskforge_move"))
	assert.False(t, r.IsExternalAction("fs_readFile"))
}
