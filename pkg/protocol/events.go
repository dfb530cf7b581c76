package protocol

// ProtocolVersion is bumped whenever frames or event payloads change shape.
const ProtocolVersion = 3

// WebSocket event types pushed from server to client.
// Every event carries {sessionId, seq, type}; seq is strictly increasing
// per session and is the replay watermark for the hello command.
const (
	EventAgentStart      = "agent_start"
	EventAgentThinking   = "agent_thinking"
	EventAgentComplete   = "agent_complete"
	EventAgentSwitch     = "agent_switch"
	EventAgentHistory    = "agent_history"
	EventToolCall        = "tool_call"
	EventToolResult      = "tool_result"
	EventActionPending   = "action_pending"
	EventUserQuestion    = "user_question"
	EventApprovalRequest = "approval_request"
	EventError           = "error"
	EventDelegation      = "delegation"
	EventInboxProcessing = "inbox_processing"
	EventMessageQueued   = "message_queued"
	EventParallelStart   = "parallel_start"
	EventParallelDone    = "parallel_complete"
)

// DecisionPathToolName is the synthetic tool name used on tool_result events
// that describe which path the coordinator chose for an iteration.
const DecisionPathToolName = "decision_path"

// Decision path values carried by decision_path events.
const (
	PathAnswer           = "answer"
	PathTool             = "tool"
	PathDelegateDevo     = "delegate_devo"
	PathDelegateCaio     = "delegate_caio"
	PathDelegateScout    = "delegate_scout"
	PathDelegateParallel = "delegate_parallel"
)

// EventFrame is one server-to-client event.
type EventFrame struct {
	Kind      string `json:"kind"` // always "event"
	SessionID string `json:"sessionId"`
	Seq       uint64 `json:"seq"`
	Type      string `json:"type"`
	Payload   any    `json:"payload,omitempty"`
}

// NewEvent builds an event frame for broadcast.
func NewEvent(sessionID string, seq uint64, typ string, payload any) *EventFrame {
	return &EventFrame{Kind: "event", SessionID: sessionID, Seq: seq, Type: typ, Payload: payload}
}

// DecisionPathPayload is the payload of a decision_path tool_result event.
type DecisionPathPayload struct {
	Tool                  string   `json:"tool"` // always decision_path
	Path                  string   `json:"path"`
	Reason                string   `json:"reason,omitempty"`
	Confidence            float64  `json:"confidence"`
	UnresolvedAssumptions []string `json:"unresolvedAssumptions,omitempty"`
}

// ToolCallPayload describes a tool invocation on tool_call events.
type ToolCallPayload struct {
	CallID string         `json:"callId"`
	Tool   string         `json:"tool"`
	Args   map[string]any `json:"args,omitempty"`
	Agent  string         `json:"agent,omitempty"`
}

// ToolResultPayload describes the outcome on tool_result events.
type ToolResultPayload struct {
	CallID  string `json:"callId"`
	Tool    string `json:"tool"`
	IsError bool   `json:"isError,omitempty"`
	Preview string `json:"preview,omitempty"`
	Agent   string `json:"agent,omitempty"`
}

// ActionPendingPayload announces a privileged tool waiting for approval.
type ActionPendingPayload struct {
	ActionID    string         `json:"actionId"`
	Tool        string         `json:"tool"`
	Args        map[string]any `json:"args,omitempty"`
	Description string         `json:"description"`
	Preview     string         `json:"preview,omitempty"`
}

// UserQuestionPayload is emitted when the loop suspends on a question gate.
type UserQuestionPayload struct {
	QuestionID string `json:"questionId"`
	Agent      string `json:"agent"`
	Question   string `json:"question"`
	Kind       string `json:"kind,omitempty"` // "clarification" or "continue"
	TurnID     string `json:"turnId,omitempty"`
}

// ApprovalRequestPayload is emitted when the loop suspends on an approval gate.
type ApprovalRequestPayload struct {
	ApprovalID  string `json:"approvalId"`
	Agent       string `json:"agent"`
	Description string `json:"description"`
	TurnID      string `json:"turnId,omitempty"`
}

// AgentCompletePayload closes a loop run; Result equals the returned answer.
type AgentCompletePayload struct {
	Result     string `json:"result"`
	Iterations int    `json:"iterations"`
}

// DelegationPayload describes a delegation hand-off on delegation events.
type DelegationPayload struct {
	Target    string `json:"target"`
	Domain    string `json:"domain"`
	Objective string `json:"objective"`
}

// InboxProcessingPayload reports how many queued messages were drained.
type InboxProcessingPayload struct {
	Count int `json:"count"`
}

// ParallelPayload describes a parallel delegation fan-out.
type ParallelPayload struct {
	Count     int `json:"count"`
	Succeeded int `json:"succeeded,omitempty"`
}
