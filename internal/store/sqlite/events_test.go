package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chapohq/chapo/pkg/protocol"
)

func openTestLog(t *testing.T) *EventLog {
	t.Helper()
	log, err := Open(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })
	return log
}

func TestAppendAndSince(t *testing.T) {
	log := openTestLog(t)
	ctx := context.Background()

	for seq := uint64(1); seq <= 5; seq++ {
		require.NoError(t, log.Append(ctx, protocol.NewEvent("s1", seq, "agent_thinking",
			map[string]any{"iteration": seq})))
	}
	require.NoError(t, log.Append(ctx, protocol.NewEvent("s2", 1, "agent_start", nil)))

	events, err := log.Since(ctx, "s1", 2)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, uint64(3), events[0].Seq)
	assert.Equal(t, uint64(5), events[2].Seq)
	assert.Equal(t, "agent_thinking", events[0].Type)

	payload, ok := events[0].Payload.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(3), payload["iteration"])

	// Other sessions are invisible.
	events, err = log.Since(ctx, "s2", 0)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestSinceBeyondTail(t *testing.T) {
	log := openTestLog(t)
	ctx := context.Background()
	require.NoError(t, log.Append(ctx, protocol.NewEvent("s1", 1, "agent_start", nil)))

	events, err := log.Since(ctx, "s1", 7)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestDuplicateSeqIgnored(t *testing.T) {
	log := openTestLog(t)
	ctx := context.Background()

	require.NoError(t, log.Append(ctx, protocol.NewEvent("s1", 1, "agent_start", nil)))
	require.NoError(t, log.Append(ctx, protocol.NewEvent("s1", 1, "agent_start", nil)))

	events, err := log.Since(ctx, "s1", 0)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestPrune(t *testing.T) {
	log := openTestLog(t)
	ctx := context.Background()

	require.NoError(t, log.Append(ctx, protocol.NewEvent("s1", 1, "agent_start", nil)))
	require.NoError(t, log.Append(ctx, protocol.NewEvent("s2", 1, "agent_start", nil)))
	require.NoError(t, log.Prune(ctx, "s1"))

	events, err := log.Since(ctx, "s1", 0)
	require.NoError(t, err)
	assert.Empty(t, events)

	events, err = log.Since(ctx, "s2", 0)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}
