package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chapohq/chapo/internal/approvals"
	"github.com/chapohq/chapo/internal/providers"
)

// Tool is a callable capability exposed to the model.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]any
	Execute(ctx context.Context, args map[string]any) *Result
}

// Confirmer describes a privileged tool's pending action to the user.
// Tools that require approval may implement it; otherwise a generic
// description is generated.
type Confirmer interface {
	ConfirmPrompt(args map[string]any) (description, preview string)
}

// ExecOpts carries per-call execution context.
type ExecOpts struct {
	AgentName string
	SessionID string

	// OnActionPending is invoked when a privileged tool parks for approval.
	OnActionPending func(action approvals.Action)
}

// Registry maps tool names to implementations and tracks which tools are
// privileged (approval-gated) and which are external actions (side effects
// observable outside the process).
type Registry struct {
	mu         sync.RWMutex
	tools      map[string]Tool
	order      []string
	privileged map[string]bool
	external   map[string]bool
	bridge     *approvals.Bridge
}

func NewRegistry() *Registry {
	return &Registry{
		tools:      make(map[string]Tool),
		privileged: make(map[string]bool),
		external:   make(map[string]bool),
	}
}

// SetApprovalBridge wires the bridge privileged tools park on.
func (r *Registry) SetApprovalBridge(b *approvals.Bridge) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bridge = b
}

// Register adds a tool. Re-registering a name replaces the implementation.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[t.Name()]; !ok {
		r.order = append(r.order, t.Name())
	}
	r.tools[t.Name()] = t
}

// Unregister removes a tool. Unknown names are ignored.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[name]; !ok {
		return
	}
	delete(r.tools, name)
	delete(r.privileged, name)
	delete(r.external, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// MarkPrivileged flags tools as requiring user approval before execution.
func (r *Registry) MarkPrivileged(names ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range names {
		r.privileged[n] = true
	}
}

// MarkExternalAction flags tools whose effects are observable outside the
// process; the answer validator checks claims against their successes.
func (r *Registry) MarkExternalAction(names ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range names {
		r.external[n] = true
	}
}

// IsExternalAction reports whether a tool name is an external-action tool.
func (r *Registry) IsExternalAction(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.external[name]
}

// Get returns a registered tool.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns registered tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// ProviderDefs builds the tool schema list for a model request, optionally
// filtered by an allow-list (nil = all tools).
func (r *Registry) ProviderDefs(allow []string) []providers.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	allowed := func(string) bool { return true }
	if allow != nil {
		set := make(map[string]bool, len(allow))
		for _, n := range allow {
			set[n] = true
		}
		allowed = func(n string) bool { return set[n] }
	}

	var defs []providers.ToolDefinition
	for _, name := range r.order {
		if !allowed(name) {
			continue
		}
		t := r.tools[name]
		defs = append(defs, providers.ToolDefinition{
			Type: "function",
			Function: providers.ToolFunctionSchema{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Parameters(),
			},
		})
	}
	return defs
}

// Execute runs a tool and normalizes its outcome.
//
// Privileged tools do not run: the invocation is parked on the approval
// bridge, an action-pending notification fires, and the caller gets
// PendingApproval=true. Execution happens later when the approval command
// resolves the action.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any, opts ExecOpts) Outcome {
	r.mu.RLock()
	tool, ok := r.tools[name]
	priv := r.privileged[name]
	bridge := r.bridge
	r.mu.RUnlock()

	if !ok {
		return Outcome{Error: fmt.Sprintf("unknown tool: %s", name)}
	}

	if priv && bridge != nil {
		description, preview := confirmPrompt(tool, args)
		action := bridge.Park(opts.SessionID, name, description, preview, args, func(ctx context.Context) (string, bool) {
			res := tool.Execute(ctx, args)
			return res.ForLLM, res.IsError
		})
		if opts.OnActionPending != nil {
			opts.OnActionPending(action)
		}
		return Outcome{PendingApproval: true, Data: fmt.Sprintf("Action %s is awaiting user approval", action.ID)}
	}

	start := time.Now()
	res := tool.Execute(ctx, args)
	outcome := Normalize(res)

	if outcome.Error != "" {
		slog.Warn("tool error", "tool", name, "agent", opts.AgentName, "error", truncate(outcome.Error, 200))
	} else {
		slog.Debug("tool executed", "tool", name, "agent", opts.AgentName, "duration", time.Since(start))
	}
	return outcome
}

func confirmPrompt(tool Tool, args map[string]any) (string, string) {
	if c, ok := tool.(Confirmer); ok {
		return c.ConfirmPrompt(args)
	}
	return fmt.Sprintf("Execute tool %s", tool.Name()), ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
