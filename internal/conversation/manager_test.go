package conversation

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chapohq/chapo/internal/providers"
)

type stubSummarizer struct {
	summarized int
}

func (s *stubSummarizer) Summarize(_ context.Context, msgs []providers.Message) (string, error) {
	s.summarized = len(msgs)
	return fmt.Sprintf("summary of %d messages", len(msgs)), nil
}

func TestTokenAccounting(t *testing.T) {
	m := NewManager()
	assert.Zero(t, m.TokenUsage())

	m.AddMessage(providers.Message{Role: "user", Content: strings.Repeat("a", 400)})
	assert.Equal(t, 100, m.TokenUsage())

	m.AddMessage(providers.Message{Role: "assistant", Content: strings.Repeat("b", 40)})
	assert.Equal(t, 110, m.TokenUsage())

	m.Clear()
	assert.Zero(t, m.TokenUsage())
	assert.Empty(t, m.Messages())
}

func TestMessagesReturnsSnapshot(t *testing.T) {
	m := NewManager()
	m.AddMessage(providers.Message{Role: "user", Content: "one"})

	snap := m.Messages()
	snap[0].Content = "mutated"

	assert.Equal(t, "one", m.Messages()[0].Content)
}

func TestCompactLayout(t *testing.T) {
	m := NewManager()
	m.PinOriginalRequest("build me a parser")

	for n := 0; n < 10; n++ {
		m.AddMessage(providers.Message{Role: "user", Content: fmt.Sprintf("turn %d %s", n, strings.Repeat("x", 200))})
	}

	sum := &stubSummarizer{}
	require.NoError(t, m.Compact(context.Background(), sum, 0.4))

	msgs := m.Messages()
	require.GreaterOrEqual(t, len(msgs), 3)

	// First: compaction summary with token count.
	assert.Equal(t, "system", msgs[0].Role)
	assert.Contains(t, msgs[0].Content, "[Context compacted — ")
	assert.Contains(t, msgs[0].Content, "tokens summarized]")
	assert.Contains(t, msgs[0].Content, "summary of 6 messages")

	// Second: pinned original request.
	assert.Equal(t, "user", msgs[1].Role)
	assert.Equal(t, "[ORIGINAL REQUEST — pinned] build me a parser", msgs[1].Content)

	// Then the kept tail in original order.
	assert.Equal(t, "turn 6 "+strings.Repeat("x", 200), msgs[2].Content)
	assert.Equal(t, "turn 9 "+strings.Repeat("x", 200), msgs[len(msgs)-1].Content)

	assert.Equal(t, 6, sum.summarized)
}

func TestCompactKeepsToolPairsTogether(t *testing.T) {
	m := NewManager()
	m.PinOriginalRequest("req")

	// 10 messages; index 6 is a tool-result answering the call at index 5.
	for n := 0; n < 10; n++ {
		msg := providers.Message{Role: "user", Content: fmt.Sprintf("m%d", n)}
		switch n {
		case 5:
			msg = providers.Message{
				Role:      "assistant",
				ToolCalls: []providers.ToolCall{{ID: "call-1", Name: "fs_readFile"}},
			}
		case 6:
			msg = providers.Message{
				Role:        "user",
				ToolResults: []providers.ToolResult{{CallID: "call-1", Content: "data"}},
			}
		}
		m.AddMessage(msg)
	}

	// keepFraction 0.4 would naively split at index 6, separating the pair.
	require.NoError(t, m.Compact(context.Background(), &stubSummarizer{}, 0.4))

	for _, msg := range m.Messages() {
		for _, tr := range msg.ToolResults {
			assert.NotEqual(t, "call-1", tr.CallID, "tool-result must not outlive its compacted tool-call")
		}
	}
}

func TestCompactSkipsShortLogs(t *testing.T) {
	m := NewManager()
	m.AddMessage(providers.Message{Role: "user", Content: "only one"})

	sum := &stubSummarizer{}
	require.NoError(t, m.Compact(context.Background(), sum, 0.4))
	assert.Zero(t, sum.summarized)
	assert.Len(t, m.Messages(), 1)
}
