package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/chapohq/chapo/internal/providers"
)

const summarizerPrompt = `You compress agent conversation history. Summarize the
messages below into a compact briefing that preserves: the user's original
request, decisions made, delegations and their outcomes, tool results that
later steps depend on, and open items. Drop pleasantries and dead ends.
Answer with the summary only.`

// ModelSummarizer compacts conversation history through a second model call.
// It satisfies conversation.Summarizer.
type ModelSummarizer struct {
	provider providers.Provider
	model    string
}

func NewModelSummarizer(p providers.Provider, model string) *ModelSummarizer {
	return &ModelSummarizer{provider: p, model: model}
}

func (s *ModelSummarizer) Summarize(ctx context.Context, messages []providers.Message) (string, error) {
	var b strings.Builder
	for _, m := range messages {
		fmt.Fprintf(&b, "[%s] %s\n", m.Role, m.Content)
		for _, tr := range m.ToolResults {
			fmt.Fprintf(&b, "[tool result] %s\n", truncate(tr.Content, 500))
		}
	}

	resp, err := s.provider.Chat(ctx, providers.ChatRequest{
		Model:  s.model,
		System: summarizerPrompt,
		Messages: []providers.Message{
			{Role: "user", Content: b.String()},
		},
	})
	if err != nil {
		return "", fmt.Errorf("summarize history: %w", err)
	}
	summary := strings.TrimSpace(resp.Content)
	if summary == "" {
		return "", fmt.Errorf("summarize history: empty response")
	}
	return summary, nil
}

const validatorPrompt = `You audit an AI assistant's final answer. Given the
user's request and the proposed answer, judge whether the answer is complete
and whether it claims actions or facts it may have invented. Respond with JSON
only: {"confidence": 0.0-1.0, "isComplete": bool, "issues": ["..."],
"suggestion": "..."}. List an issue containing the word "hallucination" when
the answer claims an external action you cannot see evidence for.`

// ModelSelfValidator implements SelfValidator with a second model call.
type ModelSelfValidator struct {
	provider providers.Provider
	model    string
}

func NewModelSelfValidator(p providers.Provider, model string) *ModelSelfValidator {
	return &ModelSelfValidator{provider: p, model: model}
}

func (v *ModelSelfValidator) Validate(ctx context.Context, request, answer string) (*ValidationVerdict, error) {
	resp, err := v.provider.Chat(ctx, providers.ChatRequest{
		Model:  v.model,
		System: validatorPrompt,
		Messages: []providers.Message{
			{Role: "user", Content: fmt.Sprintf("Request:\n%s\n\nProposed answer:\n%s", request, answer)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("self-validation call: %w", err)
	}

	verdict := &ValidationVerdict{}
	raw := extractJSONObject(resp.Content)
	if raw == "" {
		return nil, fmt.Errorf("self-validation: no JSON in response")
	}
	if err := json.Unmarshal([]byte(raw), verdict); err != nil {
		return nil, fmt.Errorf("self-validation: parse verdict: %w", err)
	}
	if verdict.Confidence < 0 {
		verdict.Confidence = 0
	}
	if verdict.Confidence > 1 {
		verdict.Confidence = 1
	}
	return verdict, nil
}

// extractJSONObject returns the first top-level {...} block in s. Models
// occasionally wrap the JSON in prose or code fences.
func extractJSONObject(s string) string {
	start := strings.Index(s, "{")
	if start < 0 {
		return ""
	}
	depth := 0
	for i := start; i < len(s); i++ {
		switch s[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}
