package protocol

import "encoding/json"

// Client-to-server command names.
const (
	CommandHello    = "hello"
	CommandRequest  = "request"
	CommandQuestion = "question"
	CommandApproval = "approval"
	CommandPing     = "ping"
)

// CommandFrame is one client-to-server command. Payload shape depends on
// Command; see the *Payload types below.
type CommandFrame struct {
	Kind      string          `json:"kind"` // always "command"
	Command   string          `json:"command"`
	SessionID string          `json:"sessionId"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// ResponseFrame is the terminal server reply to a command.
type ResponseFrame struct {
	Kind      string `json:"kind"` // always "response"
	RequestID string `json:"requestId,omitempty"`
	OK        bool   `json:"ok"`
	Result    any    `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
}

// NewResponse builds a success response frame.
func NewResponse(requestID string, result any) *ResponseFrame {
	return &ResponseFrame{Kind: "response", RequestID: requestID, OK: true, Result: result}
}

// NewErrorResponse builds a failure response frame.
func NewErrorResponse(requestID, errMsg string) *ResponseFrame {
	return &ResponseFrame{Kind: "response", RequestID: requestID, OK: false, Error: errMsg}
}

// HelloPayload requests event replay from a watermark, then live delivery.
type HelloPayload struct {
	SinceSeq uint64 `json:"sinceSeq"`
}

// RequestPayload starts a decision loop for a new user turn.
type RequestPayload struct {
	Message     string `json:"message"`
	ProjectRoot string `json:"projectRoot,omitempty"`

	// Optional per-request overrides of the configured defaults.
	SelfValidation *bool `json:"selfValidation,omitempty"`
	MaxIterations  int   `json:"maxIterations,omitempty"`
}

// QuestionPayload resolves a pending user question.
type QuestionPayload struct {
	QuestionID string `json:"questionId"`
	Answer     string `json:"answer"`
}

// ApprovalPayload resolves a pending approval.
type ApprovalPayload struct {
	ApprovalID string `json:"approvalId"`
	Approved   bool   `json:"approved"`
}

// LoopResult is the terminal result of one decision loop run, returned in the
// response frame of a request command.
type LoopResult struct {
	Answer          string `json:"answer"`
	Status          string `json:"status"` // "completed", "waiting_for_user", "error"
	TotalIterations int    `json:"totalIterations"`
	Question        string `json:"question,omitempty"`
}

// Loop terminal status values.
const (
	StatusCompleted      = "completed"
	StatusWaitingForUser = "waiting_for_user"
	StatusError          = "error"
)
