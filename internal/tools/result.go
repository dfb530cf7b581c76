package tools

import "encoding/json"

// Result is the unified return type from tool execution.
type Result struct {
	ForLLM  string `json:"for_llm"`  // content sent to the model
	IsError bool   `json:"is_error"` // marks error
	Err     error  `json:"-"`        // internal error (not serialized)
}

func NewResult(forLLM string) *Result {
	return &Result{ForLLM: forLLM}
}

func ErrorResult(message string) *Result {
	return &Result{ForLLM: message, IsError: true}
}

func (r *Result) WithError(err error) *Result {
	r.Err = err
	return r
}

// Outcome is the normalized quadruple every tool execution reduces to.
type Outcome struct {
	Success         bool   `json:"success"`
	PendingApproval bool   `json:"pendingApproval,omitempty"`
	Data            string `json:"data,omitempty"`
	Error           string `json:"error,omitempty"`
}

// resultEnvelope is the duck-typed {success, result, error} shape some tools
// return inside an otherwise-successful execution.
type resultEnvelope struct {
	Success *bool           `json:"success"`
	Result  json.RawMessage `json:"result"`
	Error   string          `json:"error"`
}

// Normalize converts a raw tool result into an Outcome. Results that parse as
// a {success: false, …} envelope are treated as failures even when the tool
// itself did not error; unknown shapes pass through as raw success payloads.
func Normalize(res *Result) Outcome {
	if res == nil {
		return Outcome{Error: "tool returned no result"}
	}
	if res.IsError {
		return Outcome{Error: res.ForLLM}
	}

	var env resultEnvelope
	if err := json.Unmarshal([]byte(res.ForLLM), &env); err == nil && env.Success != nil {
		if !*env.Success {
			errMsg := env.Error
			if errMsg == "" {
				errMsg = "tool reported failure"
			}
			return Outcome{Error: errMsg, Data: string(env.Result)}
		}
		return Outcome{Success: true, Data: string(env.Result)}
	}

	// Permissive fallback: raw payload is a success.
	return Outcome{Success: true, Data: res.ForLLM}
}

// ExtractExternalID pulls an external identifier out of a tool result, if the
// result is JSON carrying one of the conventional id keys.
func ExtractExternalID(result string) string {
	var payload map[string]any
	if err := json.Unmarshal([]byte(result), &payload); err != nil {
		return ""
	}
	for _, key := range []string{"external_id", "event_id", "ticket_id", "message_id", "id"} {
		if v, ok := payload[key]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
			if f, ok := v.(float64); ok {
				return json.Number(jsonNumber(f)).String()
			}
		}
	}
	// Envelope shape: the id may be nested under "result".
	if nested, ok := payload["result"].(map[string]any); ok {
		for _, key := range []string{"external_id", "event_id", "ticket_id", "message_id", "id"} {
			if s, ok := nested[key].(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

func jsonNumber(f float64) string {
	b, _ := json.Marshal(f)
	return string(b)
}
