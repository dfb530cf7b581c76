package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/chapohq/chapo/internal/approvals"
	"github.com/chapohq/chapo/internal/providers"
	"github.com/chapohq/chapo/internal/sessions"
	"github.com/chapohq/chapo/internal/tools"
	"github.com/chapohq/chapo/pkg/protocol"
)

// Target identifies one of the specialized sub-agents.
type Target string

const (
	TargetDevo  Target = "devo"
	TargetCaio  Target = "caio"
	TargetScout Target = "scout"
)

// Label is the uppercase form used in verification envelopes.
func (t Target) Label() string { return strings.ToUpper(string(t)) }

// escalateToolName is the control tool a sub-agent uses to abort and hand
// the problem back to the coordinator.
const escalateToolName = "escalateToChapo"

// DefaultMaxSubTurns bounds one delegated sub-loop.
const DefaultMaxSubTurns = 10

// subAgentSpec holds a sub-agent's persona and tool allow-list.
type subAgentSpec struct {
	Domain       string
	Persona      string
	AllowedTools []string
}

var subAgentSpecs = map[Target]subAgentSpec{
	TargetDevo: {
		Domain: "development",
		Persona: `You are DEVO, the development sub-agent. Your domain is development:
code changes, builds, tests and debugging. You receive one objective from the
coordinator. Objectives never name concrete tools; you choose the tools
yourself. Work the objective step by step, verify your changes, then answer
with a concise summary of what was done. If the objective is outside your
domain or blocked, call escalateToChapo with a description.`,
		AllowedTools: []string{"fs_readFile", "fs_edit", "shell_exec", "git_diff"},
	},
	TargetCaio: {
		Domain: "communication",
		Persona: `You are CAIO, the communication sub-agent. Your domain is communication:
email, notifications, scheduling and tickets. You receive one objective from
the coordinator. Objectives never name concrete tools; you choose the tools
yourself. Validate recipient and date fields before acting, never claim an
action happened without a tool result, and answer with what was actually
done. If the objective is outside your domain or blocked, call
escalateToChapo with a description.`,
		AllowedTools: []string{
			"send_email", "notify_user",
			"scheduler_create", "scheduler_update", "scheduler_delete",
			"reminder_create",
			"taskforge_create", "taskforge_update", "taskforge_move", "taskforge_comment",
		},
	},
	TargetScout: {
		Domain: "research",
		Persona: `You are SCOUT, the research sub-agent. Your domain is research: codebase
exploration and fact finding. You receive one objective from the coordinator.
Objectives never name concrete tools; you choose the tools yourself. Collect
findings, then answer with a summary. List actionable follow-ups as bullet
lines under a "Recommendations:" heading. If the objective is outside your
domain or blocked, call escalateToChapo with a description.`,
		AllowedTools: []string{"fs_readFile", "git_diff", "shell_exec"},
	},
}

// TargetForToolName resolves a reserved delegation tool-name to its target.
func TargetForToolName(name string) (Target, bool) {
	switch name {
	case "delegateToDevo":
		return TargetDevo, true
	case "delegateToCaio":
		return TargetCaio, true
	case "delegateToScout":
		return TargetScout, true
	}
	return "", false
}

// DomainFor returns a target's default domain.
func DomainFor(t Target) string { return subAgentSpecs[t].Domain }

// Sub-agent result statuses.
type SubAgentStatus string

const (
	StatusSuccess   SubAgentStatus = "success"
	StatusPartial   SubAgentStatus = "partial"
	StatusFailed    SubAgentStatus = "failed"
	StatusEscalated SubAgentStatus = "escalated"
)

// EvidenceItem records one tool call made by a sub-agent.
type EvidenceItem struct {
	Tool            string `json:"tool"`
	Success         bool   `json:"success"`
	PendingApproval bool   `json:"pendingApproval,omitempty"`
	ExternalID      string `json:"externalId,omitempty"`
	Summary         string `json:"summary"`
	Error           string `json:"error,omitempty"`
	Timestamp       string `json:"timestamp"`
}

// SubAgentResult is what a delegated sub-loop hands back to the coordinator.
type SubAgentResult struct {
	Status          SubAgentStatus
	Response        string
	Evidence        []EvidenceItem
	Escalation      string
	Recommendations []string
}

// SubAgentRunner runs one bounded sub-loop per delegation. Sub-agents have
// no identity across runs.
type SubAgentRunner struct {
	provider providers.Provider
	model    string
	registry *tools.Registry
	maxTurns atomic.Int32
	emit     EmitFunc

	// queueApproval registers a parked privileged action as a session
	// approval gate so the approval command can reach it later.
	queueApproval func(sessionID string, a sessions.PendingApproval)
}

// EmitFunc sinks a stream event into a session's sequenced event stream.
type EmitFunc func(sessionID, evType string, payload any)

func NewSubAgentRunner(provider providers.Provider, model string, registry *tools.Registry, maxTurns int, emit EmitFunc) *SubAgentRunner {
	if emit == nil {
		emit = func(string, string, any) {}
	}
	r := &SubAgentRunner{provider: provider, model: model, registry: registry, emit: emit}
	r.SetMaxTurns(maxTurns)
	return r
}

// SetMaxTurns swaps the sub-loop turn bound. Runs already in flight keep the
// bound they started with.
func (r *SubAgentRunner) SetMaxTurns(n int) {
	if n <= 0 {
		n = DefaultMaxSubTurns
	}
	r.maxTurns.Store(int32(n))
}

// SetApprovalQueue wires the sink for approvals raised by sub-agent tool
// calls.
func (r *SubAgentRunner) SetApprovalQueue(fn func(sessionID string, a sessions.PendingApproval)) {
	r.queueApproval = fn
}

// Run executes the delegation in a fresh sub-loop and derives the result
// status from the accumulated evidence.
func (r *SubAgentRunner) Run(ctx context.Context, d Delegation, sessionID, projectRoot string) (*SubAgentResult, error) {
	spec, ok := subAgentSpecs[d.Target]
	if !ok {
		return nil, fmt.Errorf("unknown delegation target: %s", d.Target)
	}

	system := AssembleSystemPrompt(spec.Persona, "", projectRoot)
	messages := []providers.Message{{Role: "user", Content: d.BriefingText()}}
	allowed := make(map[string]bool, len(spec.AllowedTools))
	for _, name := range spec.AllowedTools {
		allowed[name] = true
	}

	var evidence []EvidenceItem
	var finalContent string

	maxTurns := int(r.maxTurns.Load())
	for turn := 1; turn <= maxTurns; turn++ {
		resp, err := r.provider.Chat(ctx, providers.ChatRequest{
			System:   system,
			Messages: messages,
			Tools:    r.registry.ProviderDefs(spec.AllowedTools),
			Model:    r.model,
		})
		if err != nil {
			return nil, fmt.Errorf("%s model call (turn %d): %w", d.Target.Label(), turn, err)
		}

		if len(resp.ToolCalls) == 0 {
			finalContent = resp.Content
			break
		}

		messages = append(messages, providers.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		var results []providers.ToolResult
		for _, tc := range resp.ToolCalls {
			if tc.Name == escalateToolName {
				reason := stringArg(tc.Arguments, "reason", "description")
				if reason == "" {
					reason = "sub-agent escalated without description"
				}
				slog.Info("sub-agent escalated", "agent", d.Target, "session", sessionID, "reason", reason)
				return &SubAgentResult{
					Status:     StatusEscalated,
					Response:   resp.Content,
					Evidence:   evidence,
					Escalation: reason,
				}, nil
			}

			item, result := r.runSubTool(ctx, d.Target, sessionID, allowed, tc)
			evidence = append(evidence, item)
			results = append(results, result)
		}
		// All results for this assistant turn travel in one user message so
		// the call/result pairing stays intact.
		messages = append(messages, providers.Message{Role: "user", ToolResults: results})
	}

	res := &SubAgentResult{
		Status:   deriveStatus(evidence, finalContent),
		Response: finalContent,
		Evidence: evidence,
	}
	if d.Target == TargetScout {
		res.Recommendations = extractRecommendations(finalContent)
	}
	return res, nil
}

// runSubTool executes one sub-agent tool call: allow-list check, preflight
// for external actions, then C4 execution.
func (r *SubAgentRunner) runSubTool(ctx context.Context, target Target, sessionID string, allowed map[string]bool, tc providers.ToolCall) (EvidenceItem, providers.ToolResult) {
	now := time.Now().UTC().Format(time.RFC3339)

	if !allowed[tc.Name] {
		msg := fmt.Sprintf("tool %s is not available to %s", tc.Name, target.Label())
		return EvidenceItem{Tool: tc.Name, Summary: "tool not allowed", Error: msg, Timestamp: now},
			providers.ToolResult{CallID: tc.ID, Content: "Error: " + msg, IsError: true}
	}

	if r.registry.IsExternalAction(tc.Name) {
		if err := tools.Preflight(tc.Name, tc.Arguments); err != nil {
			msg := "preflight failed: " + err.Error()
			return EvidenceItem{Tool: tc.Name, Summary: "preflight rejected the call", Error: msg, Timestamp: now},
				providers.ToolResult{CallID: tc.ID, Content: "Error: " + msg, IsError: true}
		}
	}

	r.emit(sessionID, protocol.EventToolCall, protocol.ToolCallPayload{
		CallID: tc.ID, Tool: tc.Name, Args: tc.Arguments, Agent: string(target),
	})

	out := r.registry.Execute(ctx, tc.Name, tc.Arguments, tools.ExecOpts{
		AgentName: string(target),
		SessionID: sessionID,
		OnActionPending: func(a approvals.Action) {
			r.emit(sessionID, protocol.EventActionPending, protocol.ActionPendingPayload{
				ActionID:    a.ID,
				Tool:        a.Tool,
				Args:        a.Args,
				Description: a.Description,
				Preview:     a.Preview,
			})
			if r.queueApproval != nil {
				r.queueApproval(sessionID, sessions.PendingApproval{
					Agent:       string(target),
					ActionID:    a.ID,
					Description: a.Description,
					Preview:     a.Preview,
				})
			}
		},
	})

	r.emit(sessionID, protocol.EventToolResult, protocol.ToolResultPayload{
		CallID: tc.ID, Tool: tc.Name, IsError: !out.Success && !out.PendingApproval,
		Preview: truncate(out.Data, 200), Agent: string(target),
	})

	item := EvidenceItem{
		Tool:            tc.Name,
		Success:         out.Success,
		PendingApproval: out.PendingApproval,
		Timestamp:       now,
	}
	var result providers.ToolResult
	switch {
	case out.PendingApproval:
		item.Summary = "waiting for user approval"
		result = providers.ToolResult{CallID: tc.ID, Content: "Action pending user approval"}
	case out.Success:
		item.Summary = truncate(firstLine(out.Data), 120)
		if item.Summary == "" {
			item.Summary = "ok"
		}
		item.ExternalID = tools.ExtractExternalID(out.Data)
		result = providers.ToolResult{CallID: tc.ID, Content: out.Data}
	default:
		item.Summary = "tool failed"
		item.Error = out.Error
		result = providers.ToolResult{CallID: tc.ID, Content: "Error: " + out.Error, IsError: true}
	}
	return item, result
}

// deriveStatus maps an evidence list to a result status. Pending-only
// evidence counts as partial: an approval is not an outcome yet. Evidence
// holding only failures yields failed even when the model produced a final
// answer; a conciliatory answer does not outrank its own failed tool calls.
func deriveStatus(evidence []EvidenceItem, content string) SubAgentStatus {
	if len(evidence) == 0 {
		if strings.TrimSpace(content) == "" {
			return StatusFailed
		}
		return StatusSuccess
	}

	var successes, failures, pending int
	for _, e := range evidence {
		switch {
		case e.PendingApproval:
			pending++
		case e.Success:
			successes++
		default:
			failures++
		}
	}
	switch {
	case failures > 0 && successes > 0:
		return StatusPartial
	case failures > 0:
		return StatusFailed
	case pending > 0 && successes == 0:
		// Pending approvals alone are not an outcome yet.
		return StatusPartial
	default:
		return StatusSuccess
	}
}

// extractRecommendations pulls bullet lines following a recommendations
// heading out of a research response.
func extractRecommendations(response string) []string {
	var recs []string
	inBlock := false
	for _, line := range strings.Split(response, "\n") {
		trimmed := strings.TrimSpace(line)
		lower := strings.ToLower(trimmed)
		if strings.HasPrefix(lower, "recommendations:") || strings.HasPrefix(lower, "empfehlungen:") {
			inBlock = true
			continue
		}
		if !inBlock {
			continue
		}
		if strings.HasPrefix(trimmed, "-") || strings.HasPrefix(trimmed, "*") {
			if rec := strings.TrimSpace(strings.TrimLeft(trimmed, "-* ")); rec != "" {
				recs = append(recs, rec)
			}
			continue
		}
		if trimmed == "" {
			continue
		}
		inBlock = false
	}
	return recs
}

// stringArg returns the first non-empty string under any of the given keys.
func stringArg(args map[string]any, keys ...string) string {
	for _, key := range keys {
		if v, ok := args[key].(string); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// newID returns a short unique id for questions, approvals and turns.
func newID(prefix string) string {
	return prefix + "-" + uuid.NewString()[:8]
}
