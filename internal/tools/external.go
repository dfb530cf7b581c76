package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// ExternalActionTool forwards a side-effecting action (email, ticket,
// scheduler write, notification) to a collaborator service. With no endpoint
// configured it runs dry: the action is acknowledged with a generated
// external id but nothing leaves the process.
type ExternalActionTool struct {
	name        string
	description string
	params      map[string]any
	endpoint    string
	client      *http.Client
}

func NewExternalActionTool(name, description, endpoint string, params map[string]any) *ExternalActionTool {
	return &ExternalActionTool{
		name:        name,
		description: description,
		params:      params,
		endpoint:    endpoint,
		client:      &http.Client{Timeout: 30 * time.Second},
	}
}

func (t *ExternalActionTool) Name() string            { return t.name }
func (t *ExternalActionTool) Description() string     { return t.description }
func (t *ExternalActionTool) Parameters() map[string]any { return t.params }

func (t *ExternalActionTool) ConfirmPrompt(args map[string]any) (string, string) {
	preview, _ := json.Marshal(args)
	return fmt.Sprintf("Execute external action %s", t.name), truncate(string(preview), 300)
}

func (t *ExternalActionTool) Execute(ctx context.Context, args map[string]any) *Result {
	if t.endpoint == "" {
		envelope := map[string]any{
			"success": true,
			"result":  map[string]any{"id": uuid.NewString()[:8], "dry_run": true},
		}
		data, _ := json.Marshal(envelope)
		return NewResult(string(data))
	}

	body, err := json.Marshal(args)
	if err != nil {
		return ErrorResult(fmt.Sprintf("%s: marshal args: %v", t.name, err)).WithError(err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", t.endpoint+"/"+t.name, bytes.NewReader(body))
	if err != nil {
		return ErrorResult(fmt.Sprintf("%s: create request: %v", t.name, err)).WithError(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return ErrorResult(fmt.Sprintf("%s: request failed: %v", t.name, err)).WithError(err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode >= 300 {
		return ErrorResult(fmt.Sprintf("%s: HTTP %d: %s", t.name, resp.StatusCode, truncate(string(respBody), 500)))
	}
	return NewResult(string(respBody))
}

// stringParams builds a flat object schema of required string fields.
func stringParams(required ...string) map[string]any {
	props := make(map[string]any, len(required))
	for _, f := range required {
		props[f] = map[string]any{"type": "string"}
	}
	return map[string]any{"type": "object", "properties": props, "required": required}
}
