// Package conversation maintains the ordered message log that backs one
// decision loop, with token accounting and threshold-driven compaction.
package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/chapohq/chapo/internal/providers"
)

// Summarizer condenses a slice of messages into an opaque summary blob.
// The loop supplies the messages and accepts whatever text comes back.
type Summarizer interface {
	Summarize(ctx context.Context, messages []providers.Message) (string, error)
}

// Manager holds the system prompt and the ordered message log.
type Manager struct {
	mu           sync.RWMutex
	systemPrompt string
	messages     []providers.Message
	tokens       int

	// The original user request survives compaction as a pinned copy.
	pinnedRequest string
}

func NewManager() *Manager {
	return &Manager{}
}

// SetSystemPrompt replaces the system prompt. It is passed to the model
// separately and never counted into the log's token estimate.
func (m *Manager) SetSystemPrompt(s string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.systemPrompt = s
}

func (m *Manager) SystemPrompt() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.systemPrompt
}

// PinOriginalRequest records the user request that compaction must preserve.
func (m *Manager) PinOriginalRequest(s string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pinnedRequest = s
}

// PinnedRequest returns the pinned original user request, if any.
func (m *Manager) PinnedRequest() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pinnedRequest
}

// AddMessage appends a message and updates the running token estimate.
func (m *Manager) AddMessage(msg providers.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, msg)
	m.tokens += EstimateTokens(msg)
}

// Messages returns a snapshot of the log.
func (m *Manager) Messages() []providers.Message {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]providers.Message, len(m.messages))
	copy(out, m.messages)
	return out
}

// BuildLLMMessages returns the view suitable for the model call.
// The system prompt is excluded; it is passed separately on the request.
func (m *Manager) BuildLLMMessages() []providers.Message {
	return m.Messages()
}

// TokenUsage returns the estimated total token count of the log.
// The estimate only needs to be stable, not exact: chars/4 per message part.
func (m *Manager) TokenUsage() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tokens
}

// Clear drops all messages and resets the token estimate.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = nil
	m.tokens = 0
}

// EstimateTokens approximates the token cost of one message at chars/4,
// counting text content, tool-call arguments, and tool-result payloads.
func EstimateTokens(msg providers.Message) int {
	chars := len(msg.Content)
	for _, tc := range msg.ToolCalls {
		chars += len(tc.ID) + len(tc.Name)
		if args, err := json.Marshal(tc.Arguments); err == nil {
			chars += len(args)
		}
	}
	for _, tr := range msg.ToolResults {
		chars += len(tr.CallID) + len(tr.Content)
	}
	tokens := chars / 4
	if tokens == 0 {
		tokens = 1
	}
	return tokens
}

// Compact summarizes the oldest part of the log and rebuilds it as
// summary → pinned original request → kept tail.
//
// keepFraction is the fraction of trailing messages retained (default 0.4).
// The split point is pushed forward past any user message whose tool-results
// reference calls from the compacted region, so call/result pairs are never
// separated.
func (m *Manager) Compact(ctx context.Context, summarizer Summarizer, keepFraction float64) error {
	if keepFraction <= 0 || keepFraction >= 1 {
		keepFraction = 0.4
	}

	m.mu.Lock()
	msgs := make([]providers.Message, len(m.messages))
	copy(msgs, m.messages)
	pinned := m.pinnedRequest
	m.mu.Unlock()

	if len(msgs) < 4 {
		return nil // nothing worth compacting
	}

	split := len(msgs) - int(float64(len(msgs))*keepFraction)
	if split < 1 {
		split = 1
	}
	// Keep tool-call/tool-result pairs on the same side of the split.
	for split < len(msgs) && len(msgs[split].ToolResults) > 0 {
		split++
	}
	if split >= len(msgs) {
		split = len(msgs) - 1
		for split > 0 && len(msgs[split].ToolResults) > 0 {
			split--
		}
		if split < 1 {
			return nil
		}
	}

	old, kept := msgs[:split], msgs[split:]

	oldTokens := 0
	for _, msg := range old {
		oldTokens += EstimateTokens(msg)
	}

	summary, err := summarizer.Summarize(ctx, old)
	if err != nil {
		return fmt.Errorf("compaction summarize: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = nil
	m.tokens = 0

	parts := []providers.Message{
		{Role: "system", Content: fmt.Sprintf("[Context compacted — %d tokens summarized] %s", oldTokens, summary)},
	}
	if pinned != "" {
		parts = append(parts, providers.Message{Role: "user", Content: "[ORIGINAL REQUEST — pinned] " + pinned})
	}
	parts = append(parts, kept...)

	for _, msg := range parts {
		m.messages = append(m.messages, msg)
		m.tokens += EstimateTokens(msg)
	}
	return nil
}
