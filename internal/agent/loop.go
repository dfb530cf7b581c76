package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/chapohq/chapo/internal/approvals"
	"github.com/chapohq/chapo/internal/conversation"
	"github.com/chapohq/chapo/internal/inbox"
	"github.com/chapohq/chapo/internal/providers"
	"github.com/chapohq/chapo/internal/sessions"
	"github.com/chapohq/chapo/internal/store"
	"github.com/chapohq/chapo/internal/tools"
	"github.com/chapohq/chapo/internal/tracing"
	"github.com/chapohq/chapo/pkg/protocol"
)

// Reserved control tool names interpreted by the loop itself. Every other
// tool name is dispatched to the registry.
const (
	toolAskUser          = "askUser"
	toolRequestApproval  = "requestApproval"
	toolDelegateParallel = "delegateParallel"
)

// errPrefix opens every error answer delivered to the user.
const errPrefix = "Fehler bei der Verarbeitung: "

// Loop is the CHAPO decision loop driver: one bounded iterative run per user
// request, interpreting model tool-calls as decisions.
type Loop struct {
	provider providers.Provider
	model    string
	registry *tools.Registry
	bridge   *approvals.Bridge
	inbox    *inbox.Inbox
	sessions *sessions.Manager
	gates    *GateManager

	subAgents   *SubAgentRunner
	delegations *DelegationRunner

	summarizer    conversation.Summarizer
	selfValidator SelfValidator

	limits      atomic.Pointer[Limits]
	projectRoot string

	// contextWarmer supplies the combined project/memory context block for a
	// session. External collaborator; nil means no extra context.
	contextWarmer func(ctx context.Context, sessionID string) string

	convMu sync.Mutex
	convs  map[string]*conversation.Manager
}

// LoopConfig configures a new Loop.
type LoopConfig struct {
	Provider providers.Provider
	Model    string
	Tools    *tools.Registry
	Bridge   *approvals.Bridge
	Inbox    *inbox.Inbox
	Sessions *sessions.Manager

	Summarizer    conversation.Summarizer
	SelfValidator SelfValidator

	// DelegationHistory, when set, records every delegation outcome.
	DelegationHistory store.DelegationStore

	MaxIterations             int     // default 20
	TrivialIterations         int     // default 8
	MaxSubTurns               int     // default 10
	CompactionThresholdTokens int     // default 160_000
	CompactionKeepFraction    float64 // default 0.4
	ErrorHandlerMaxRetries    int     // default 3
	SelfValidationEnabled     bool
	ProjectRoot               string

	ContextWarmer func(ctx context.Context, sessionID string) string
}

// Limits are the loop tuning values that may change at runtime (config
// reload). A zero field falls back to its default.
type Limits struct {
	MaxIterations             int
	TrivialIterations         int
	MaxSubTurns               int
	CompactionThresholdTokens int
	CompactionKeepFraction    float64
	ErrorHandlerMaxRetries    int
	SelfValidationEnabled     bool
}

func normalizeLimits(lim Limits) Limits {
	if lim.MaxIterations <= 0 {
		lim.MaxIterations = 20
	}
	if lim.TrivialIterations <= 0 {
		lim.TrivialIterations = 8
	}
	if lim.MaxSubTurns <= 0 {
		lim.MaxSubTurns = DefaultMaxSubTurns
	}
	if lim.CompactionThresholdTokens <= 0 {
		lim.CompactionThresholdTokens = 160_000
	}
	if lim.CompactionKeepFraction <= 0 {
		lim.CompactionKeepFraction = 0.4
	}
	return lim
}

func NewLoop(cfg LoopConfig) *Loop {
	if cfg.Model == "" && cfg.Provider != nil {
		cfg.Model = cfg.Provider.DefaultModel()
	}

	l := &Loop{
		provider:      cfg.Provider,
		model:         cfg.Model,
		registry:      cfg.Tools,
		bridge:        cfg.Bridge,
		inbox:         cfg.Inbox,
		sessions:      cfg.Sessions,
		gates:         NewGateManager(cfg.Sessions),
		summarizer:    cfg.Summarizer,
		selfValidator: cfg.SelfValidator,
		projectRoot:   cfg.ProjectRoot,
		contextWarmer: cfg.ContextWarmer,
		convs:         make(map[string]*conversation.Manager),
	}
	lim := normalizeLimits(Limits{
		MaxIterations:             cfg.MaxIterations,
		TrivialIterations:         cfg.TrivialIterations,
		MaxSubTurns:               cfg.MaxSubTurns,
		CompactionThresholdTokens: cfg.CompactionThresholdTokens,
		CompactionKeepFraction:    cfg.CompactionKeepFraction,
		ErrorHandlerMaxRetries:    cfg.ErrorHandlerMaxRetries,
		SelfValidationEnabled:     cfg.SelfValidationEnabled,
	})
	l.limits.Store(&lim)

	emit := func(sessionID, evType string, payload any) {
		cfg.Sessions.Emit(sessionID, evType, payload)
	}
	l.subAgents = NewSubAgentRunner(cfg.Provider, cfg.Model, cfg.Tools, lim.MaxSubTurns, emit)
	l.subAgents.SetApprovalQueue(func(sessionID string, a sessions.PendingApproval) {
		a.ID = newID("ap")
		a.TurnID = cfg.Sessions.CurrentTurn(sessionID)
		cfg.Sessions.QueueApproval(sessionID, a)
	})
	l.delegations = NewDelegationRunner(l.subAgents, emit)
	if cfg.DelegationHistory != nil {
		l.delegations.SetHistory(cfg.DelegationHistory)
	}
	return l
}

// UpdateLimits swaps the loop tuning values. Runs already in flight keep the
// snapshot they started with; the next run picks up the new values.
func (l *Loop) UpdateLimits(lim Limits) {
	lim = normalizeLimits(lim)
	l.limits.Store(&lim)
	l.subAgents.SetMaxTurns(lim.MaxSubTurns)
	slog.Info("loop limits updated",
		"maxIterations", lim.MaxIterations,
		"maxSubTurns", lim.MaxSubTurns,
		"compactionThresholdTokens", lim.CompactionThresholdTokens,
		"selfValidation", lim.SelfValidationEnabled)
}

// RunRequest is the input for one top-level user turn.
type RunRequest struct {
	SessionID   string
	Message     string
	ProjectRoot string // overrides the configured root when set

	// MaxIterations overrides the loop bound; nil picks the configured
	// default (or the trivial budget for trivially-classified requests).
	MaxIterations *int

	// SelfValidation overrides the configured evidence check.
	SelfValidation *bool

	resume bool
	turnID string
}

// conv returns the session's conversation manager, creating it lazily.
func (l *Loop) conv(sessionID string) *conversation.Manager {
	l.convMu.Lock()
	defer l.convMu.Unlock()
	c, ok := l.convs[sessionID]
	if !ok {
		c = conversation.NewManager()
		l.convs[sessionID] = c
	}
	return c
}

// ClearSession drops all per-session state owned by the loop.
func (l *Loop) ClearSession(sessionID string) {
	l.convMu.Lock()
	delete(l.convs, sessionID)
	l.convMu.Unlock()
	l.inbox.Clear(sessionID)
	l.sessions.Clear(sessionID)
}

// Run processes one user message to a terminal result. If the session's
// loop is already running, the message is queued on the inbox instead.
func (l *Loop) Run(ctx context.Context, req RunRequest) *protocol.LoopResult {
	turnID := req.turnID
	if turnID == "" {
		turnID = newID("turn")
	}

	if !l.sessions.BeginLoop(req.SessionID, turnID) {
		l.inbox.Push(req.SessionID, inbox.NewMessage(req.Message, "user"))
		return &protocol.LoopResult{
			Answer: "Nachricht eingereiht — sie wird zwischen den Iterationen verarbeitet.",
			Status: protocol.StatusCompleted,
		}
	}
	return l.run(ctx, req, turnID)
}

func (l *Loop) run(ctx context.Context, req RunRequest, turnID string) *protocol.LoopResult {
	sid := req.SessionID
	ctx, span := tracing.StartTurn(ctx, sid, turnID)
	defer span.End()
	projectRoot := req.ProjectRoot
	if projectRoot == "" {
		projectRoot = l.projectRoot
	}

	contextBlock := ""
	if l.contextWarmer != nil {
		contextBlock = l.contextWarmer(ctx, sid)
	}

	conv := l.conv(sid)
	conv.SetSystemPrompt(ChapoSystemPrompt(contextBlock, projectRoot))

	originalRequest := req.Message
	if req.resume {
		conv.AddMessage(providers.Message{Role: "user", Content: req.Message})
		if pinned := conv.PinnedRequest(); pinned != "" {
			originalRequest = pinned
		}
	} else {
		conv.AddMessage(providers.Message{Role: "user", Content: req.Message})
		conv.PinOriginalRequest(req.Message)
	}

	lim := l.limits.Load()

	enabled := lim.SelfValidationEnabled
	if req.SelfValidation != nil {
		enabled = *req.SelfValidation
	}
	validator := NewValidator(l.selfValidator, enabled)
	errh := NewErrorHandler(lim.ErrorHandlerMaxRetries)

	maxIter := lim.MaxIterations
	if req.MaxIterations != nil {
		maxIter = *req.MaxIterations
	} else if isTrivialRequest(req.Message) {
		maxIter = lim.TrivialIterations
	}

	l.sessions.Emit(sid, protocol.EventAgentStart, map[string]any{
		"message": truncate(req.Message, 200),
		"turnId":  turnID,
	})

	subID := l.inbox.Subscribe(sid, func(msg inbox.Message) {
		l.sessions.Emit(sid, protocol.EventMessageQueued, map[string]any{
			"id": msg.ID, "source": msg.Source,
		})
	})
	defer l.inbox.Unsubscribe(sid, subID)

	emit := func(evType string, payload any) { l.sessions.Emit(sid, evType, payload) }

	toolDefs := append(l.registry.ProviderDefs(nil), controlToolDefs()...)

	iteration := 0
	for iteration < maxIter {
		iteration++
		emit(protocol.EventAgentThinking, map[string]any{"iteration": iteration})

		if conv.TokenUsage() > lim.CompactionThresholdTokens && l.summarizer != nil {
			if err := conv.Compact(ctx, l.summarizer, lim.CompactionKeepFraction); err != nil {
				slog.Warn("compaction failed, continuing uncompacted", "session", sid, "error", err)
			}
		}

		resp, err := Safe(errh, "llm", func() (*providers.ChatResponse, error) {
			return l.provider.Chat(ctx, providers.ChatRequest{
				System:   conv.SystemPrompt(),
				Messages: conv.BuildLLMMessages(),
				Tools:    toolDefs,
				Model:    l.model,
			})
		})
		if err != nil {
			formatted := errh.FormatForLLM(err)
			emit(protocol.EventError, map[string]any{"error": formatted, "iteration": iteration})
			conv.AddMessage(providers.Message{Role: "system", Content: "[LLM Error] " + formatted})
			if !errh.CanRetry("llm") {
				l.sessions.EndLoop(sid, sessions.PhaseError)
				return &protocol.LoopResult{
					Answer:          errPrefix + formatted,
					Status:          protocol.StatusError,
					TotalIterations: iteration,
				}
			}
			continue
		}

		// ANSWER path.
		if len(resp.ToolCalls) == 0 {
			if drained := l.inbox.Drain(sid); len(drained) > 0 {
				conv.AddMessage(providers.Message{Role: "assistant", Content: resp.Content})
				l.appendInboxClassifier(sid, conv, drained)
				continue
			}

			if IsAmbiguousRequest(originalRequest) && LooksLikeClarification(resp.Content) {
				question := ExtractQuestion(resp.Content)
				res := l.gates.AskQuestion(sid, sessions.PendingQuestion{
					Agent:    "chapo",
					Question: question,
					Kind:     sessions.QuestionClarification,
					TurnID:   turnID,
				}, iteration)
				l.sessions.EndLoop(sid, sessions.PhaseWaitingUser)
				return res
			}

			answer, confidence, unresolved := validator.ValidateAnswer(ctx, originalRequest, resp.Content)
			l.emitDecisionPath(sid, protocol.PathAnswer, "", confidence, unresolved)
			emit(protocol.EventAgentComplete, protocol.AgentCompletePayload{Result: answer, Iterations: iteration})
			l.sessions.EndLoop(sid, sessions.PhaseReview)
			return &protocol.LoopResult{
				Answer:          answer,
				Status:          protocol.StatusCompleted,
				TotalIterations: iteration,
			}
		}

		// Tool-call turn: append the assistant message as-is, then dispatch
		// each call in model order.
		conv.AddMessage(providers.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		var results []providers.ToolResult
		var terminal *protocol.LoopResult
		for _, tc := range resp.ToolCalls {
			outcome := l.dispatchToolCall(ctx, sid, turnID, projectRoot, iteration, validator, tc)
			results = append(results, outcome.result)
			if outcome.terminal != nil {
				terminal = outcome.terminal
				break
			}
		}

		if terminal != nil {
			// Pair the remaining calls with placeholder results so the next
			// user input can resume without a dangling tool-call.
			for i := len(results); i < len(resp.ToolCalls); i++ {
				results = append(results, providers.ToolResult{
					CallID:  resp.ToolCalls[i].ID,
					Content: "Not executed: loop suspended waiting for user input",
				})
			}
			conv.AddMessage(providers.Message{Role: "user", ToolResults: results})
			l.sessions.EndLoop(sid, sessions.PhaseWaitingUser)
			return terminal
		}

		conv.AddMessage(providers.Message{Role: "user", ToolResults: results})

		if iteration < maxIter {
			if drained := l.inbox.Drain(sid); len(drained) > 0 {
				l.appendInboxClassifier(sid, conv, drained)
			}
		}
	}

	// EXHAUSTED: the budget ran out with work still open.
	drained := l.inbox.Drain(sid)
	var question, fingerprint string
	if len(drained) > 0 {
		l.appendInboxClassifier(sid, conv, drained)
		quoted := make([]string, len(drained))
		raw := make([]string, len(drained))
		for i, msg := range drained {
			quoted[i] = `"` + msg.Content + `"`
			raw[i] = msg.Content
		}
		question = fmt.Sprintf(
			"Ich habe mein Iterationslimit erreicht. Du hattest auch noch gefragt: %s — soll ich damit weitermachen?",
			strings.Join(quoted, "; "))
		fingerprint = "limit:inbox:" + turnID + ":" + strings.Join(raw, "; ")
	} else {
		question = "Ich habe mein Iterationslimit erreicht. Soll ich weitermachen?"
		fingerprint = "limit:plain:" + turnID
	}

	res := l.gates.AskQuestion(sid, sessions.PendingQuestion{
		Agent:       "chapo",
		Question:    question,
		Kind:        sessions.QuestionContinue,
		TurnID:      turnID,
		Fingerprint: fingerprint,
	}, iteration)
	l.sessions.EndLoop(sid, sessions.PhaseWaitingUser)
	return res
}

// dispatchOutcome is the explicit result of one tool-call dispatch: either a
// tool-result to append, or a terminal loop result that suspends the run.
type dispatchOutcome struct {
	result   providers.ToolResult
	terminal *protocol.LoopResult
}

func (l *Loop) dispatchToolCall(ctx context.Context, sid, turnID, projectRoot string, iteration int, validator *Validator, tc providers.ToolCall) dispatchOutcome {
	emit := func(evType string, payload any) { l.sessions.Emit(sid, evType, payload) }

	switch {
	case tc.Name == toolAskUser:
		question := stringArg(tc.Arguments, "question", "text", "message")
		if question == "" {
			question = fallbackClarification
		}
		kind := stringArg(tc.Arguments, "kind")
		if kind != sessions.QuestionContinue {
			kind = sessions.QuestionClarification
		}
		res := l.gates.AskQuestion(sid, sessions.PendingQuestion{
			Agent:    "chapo",
			Question: question,
			Kind:     kind,
			TurnID:   turnID,
		}, iteration)
		return dispatchOutcome{
			result:   providers.ToolResult{CallID: tc.ID, Content: "Question forwarded to user"},
			terminal: res,
		}

	case tc.Name == toolRequestApproval:
		desc := stringArg(tc.Arguments, "description", "action", "reason")
		if desc == "" {
			desc = "Bestätigung erforderlich"
		}
		res := l.gates.RequestApproval(sid, sessions.PendingApproval{
			Agent:       "chapo",
			Description: desc,
			TurnID:      turnID,
		}, iteration)
		return dispatchOutcome{
			result:   providers.ToolResult{CallID: tc.ID, Content: "Approval requested from user"},
			terminal: res,
		}

	case tc.Name == toolDelegateParallel:
		list, err := ParseParallelArgs(tc.Arguments)
		if err != nil {
			return dispatchOutcome{result: providers.ToolResult{
				CallID: tc.ID, Content: "Error: " + err.Error(), IsError: true,
			}}
		}
		l.emitDecisionPath(sid, protocol.PathDelegateParallel,
			fmt.Sprintf("%d independent sub-objectives", len(list)), 1.0, nil)
		summary := l.delegations.RunParallel(ctx, list, sid, projectRoot)
		return dispatchOutcome{result: providers.ToolResult{CallID: tc.ID, Content: summary}}
	}

	if target, ok := TargetForToolName(tc.Name); ok {
		d, err := BuildDelegation(target, tc.Arguments)
		if err != nil {
			return dispatchOutcome{result: providers.ToolResult{
				CallID: tc.ID, Content: "Error: " + err.Error(), IsError: true,
			}}
		}
		l.emitDecisionPath(sid, "delegate_"+string(target), d.Objective, 1.0, nil)
		emit(protocol.EventAgentThinking, map[string]any{"agent": string(target)})
		l.sessions.SetActiveAgent(sid, string(target))
		envelope, isErr := l.delegations.RunSingle(ctx, d, sid, projectRoot)
		l.sessions.SetActiveAgent(sid, "chapo")
		return dispatchOutcome{result: providers.ToolResult{CallID: tc.ID, Content: envelope, IsError: isErr}}
	}

	// TOOL path through the registry.
	l.emitDecisionPath(sid, protocol.PathTool, tc.Name, 1.0, nil)
	emit(protocol.EventToolCall, protocol.ToolCallPayload{
		CallID: tc.ID, Tool: tc.Name, Args: tc.Arguments, Agent: "chapo",
	})

	var pending approvals.Action
	out := l.registry.Execute(ctx, tc.Name, tc.Arguments, tools.ExecOpts{
		AgentName: "chapo",
		SessionID: sid,
		OnActionPending: func(a approvals.Action) {
			pending = a
			emit(protocol.EventActionPending, protocol.ActionPendingPayload{
				ActionID:    a.ID,
				Tool:        a.Tool,
				Args:        a.Args,
				Description: a.Description,
				Preview:     a.Preview,
			})
		},
	})

	if out.PendingApproval {
		res := l.gates.RequestApproval(sid, sessions.PendingApproval{
			Agent:       "chapo",
			ActionID:    pending.ID,
			Description: pending.Description,
			Preview:     pending.Preview,
			TurnID:      turnID,
		}, iteration)
		return dispatchOutcome{
			result:   providers.ToolResult{CallID: tc.ID, Content: "Action pending user approval: " + pending.Description},
			terminal: res,
		}
	}

	emit(protocol.EventToolResult, protocol.ToolResultPayload{
		CallID: tc.ID, Tool: tc.Name, IsError: !out.Success,
		Preview: truncate(out.Data, 200), Agent: "chapo",
	})

	if out.Success {
		if l.registry.IsExternalAction(tc.Name) {
			validator.MarkExternalActionSuccess(tc.Name)
		}
		return dispatchOutcome{result: providers.ToolResult{CallID: tc.ID, Content: out.Data}}
	}
	return dispatchOutcome{result: providers.ToolResult{
		CallID: tc.ID, Content: "Error: " + out.Error, IsError: true,
	}}
}

// appendInboxClassifier feeds drained inbox messages into the conversation
// with classification instructions and emits inbox_processing.
func (l *Loop) appendInboxClassifier(sid string, conv *conversation.Manager, msgs []inbox.Message) {
	var b strings.Builder
	for i, msg := range msgs {
		fmt.Fprintf(&b, "[New message #%d from user while you were working]: %q\n", i+1, msg.Content)
	}
	b.WriteString(`Classify each new message:
- PARALLEL: Independent task → use delegateParallel or handle after current task
- AMENDMENT: Replaces/changes current task → decide: abort (if early) or finish-then-pivot
- EXPANSION: Adds to current task scope → integrate into current plan
Acknowledge each message to the user in your response.`)

	conv.AddMessage(providers.Message{Role: "system", Content: b.String()})
	l.sessions.Emit(sid, protocol.EventInboxProcessing, protocol.InboxProcessingPayload{Count: len(msgs)})
}

func (l *Loop) emitDecisionPath(sid, path, reason string, confidence float64, unresolved []string) {
	l.sessions.Emit(sid, protocol.EventToolResult, protocol.DecisionPathPayload{
		Tool:                  protocol.DecisionPathToolName,
		Path:                  path,
		Reason:                reason,
		Confidence:            confidence,
		UnresolvedAssumptions: unresolved,
	})
}

// ResumeQuestion handles a user's answer to a pending question. Stale or
// expired gates restart as a fresh request; live ones resume the suspended
// conversation.
func (l *Loop) ResumeQuestion(ctx context.Context, sessionID, questionID, answer string) *protocol.LoopResult {
	q, mode := l.gates.ClassifyResponse(sessionID, questionID)
	if mode == ResumeNewRequest {
		return l.Run(ctx, RunRequest{SessionID: sessionID, Message: answer})
	}
	if !l.sessions.BeginLoop(sessionID, q.TurnID) {
		l.inbox.Push(sessionID, inbox.NewMessage(answer, "user"))
		return &protocol.LoopResult{
			Answer: "Nachricht eingereiht — sie wird zwischen den Iterationen verarbeitet.",
			Status: protocol.StatusCompleted,
		}
	}
	return l.run(ctx, RunRequest{SessionID: sessionID, Message: answer, resume: true}, q.TurnID)
}

// ResolveApproval resolves a pending approval. Parked actions execute (or
// are denied) through the bridge; the outcome is appended and the loop
// resumes so the model can react to it.
func (l *Loop) ResolveApproval(ctx context.Context, sessionID, approvalID string, approved bool) *protocol.LoopResult {
	a, ok := l.sessions.TakeApproval(sessionID, approvalID)
	if !ok {
		return &protocol.LoopResult{
			Answer: errPrefix + "unbekannte Approval-ID: " + approvalID,
			Status: protocol.StatusError,
		}
	}

	var outcome string
	if a.ActionID != "" && l.bridge != nil {
		resolution, found := l.bridge.Resolve(ctx, a.ActionID, approved)
		switch {
		case !found:
			outcome = "Die Aktion war nicht mehr verfügbar."
		case resolution.IsError:
			outcome = fmt.Sprintf("Aktion fehlgeschlagen: %s", resolution.Result)
		default:
			outcome = fmt.Sprintf("Aktion ausgeführt: %s", truncate(resolution.Result, 500))
		}
		if found {
			l.sessions.Emit(sessionID, protocol.EventToolResult, protocol.ToolResultPayload{
				Tool: resolution.Action.Tool, IsError: resolution.IsError,
				Preview: truncate(resolution.Result, 200), Agent: a.Agent,
			})
		}
	} else if approved {
		outcome = "Der Nutzer hat die Aktion bestätigt."
	} else {
		outcome = "Der Nutzer hat die Aktion abgelehnt."
	}

	decision := "abgelehnt"
	if approved {
		decision = "bestätigt"
	}
	msg := fmt.Sprintf("[Approval %s] %s — %s", decision, a.Description, outcome)

	if !l.sessions.BeginLoop(sessionID, a.TurnID) {
		l.inbox.Push(sessionID, inbox.NewMessage(msg, "approval"))
		return &protocol.LoopResult{Answer: outcome, Status: protocol.StatusCompleted}
	}
	return l.run(ctx, RunRequest{SessionID: sessionID, Message: msg, resume: true}, a.TurnID)
}

// controlToolDefs describes the reserved control tools to the model.
func controlToolDefs() []providers.ToolDefinition {
	def := func(name, description string, params map[string]any) providers.ToolDefinition {
		return providers.ToolDefinition{
			Type: "function",
			Function: providers.ToolFunctionSchema{
				Name: name, Description: description, Parameters: params,
			},
		}
	}
	objectiveParams := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"objective":       map[string]any{"type": "string"},
			"expectedOutcome": map[string]any{"type": "string"},
			"constraints":     map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"contextFacts":    map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"context":         map[string]any{"type": "string"},
		},
		"required": []string{"objective"},
	}
	scoutParams := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"objective": map[string]any{"type": "string"},
			"scope":     map[string]any{"type": "string", "enum": []string{ScopeCodebase, ScopeWeb, ScopeBoth}},
		},
		"required": []string{"objective"},
	}
	return []providers.ToolDefinition{
		def(toolAskUser, "Ask the user a question and wait for the answer", map[string]any{
			"type": "object",
			"properties": map[string]any{
				"question": map[string]any{"type": "string"},
			},
			"required": []string{"question"},
		}),
		def(toolRequestApproval, "Request explicit user approval before an irreversible action", map[string]any{
			"type": "object",
			"properties": map[string]any{
				"description": map[string]any{"type": "string"},
			},
			"required": []string{"description"},
		}),
		def("delegateToDevo", "Delegate a development sub-objective to DEVO", objectiveParams),
		def("delegateToCaio", "Delegate a communication sub-objective to CAIO", objectiveParams),
		def("delegateToScout", "Delegate a research sub-objective to SCOUT", scoutParams),
		def(toolDelegateParallel, "Run several independent delegations concurrently", map[string]any{
			"type": "object",
			"properties": map[string]any{
				"delegations": map[string]any{
					"type": "array",
					"items": map[string]any{
						"type": "object",
						"properties": map[string]any{
							"agent":     map[string]any{"type": "string", "enum": []string{"devo", "caio", "scout"}},
							"objective": map[string]any{"type": "string"},
							"scope":     map[string]any{"type": "string"},
						},
						"required": []string{"agent", "objective"},
					},
				},
			},
			"required": []string{"delegations"},
		}),
	}
}

// isTrivialRequest classifies short question-like requests that deserve a
// smaller iteration budget.
func isTrivialRequest(msg string) bool {
	trimmed := strings.TrimSpace(msg)
	if len(trimmed) > 80 {
		return false
	}
	return strings.HasSuffix(trimmed, "?") && len(strings.Fields(trimmed)) <= 10
}
