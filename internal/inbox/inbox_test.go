package inbox

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPushDrainOrder(t *testing.T) {
	ib := New()

	for n := 0; n < 5; n++ {
		ib.Push("s1", NewMessage(fmt.Sprintf("msg-%d", n), "ws"))
	}

	msgs := ib.Drain("s1")
	require.Len(t, msgs, 5)
	for n, m := range msgs {
		assert.Equal(t, fmt.Sprintf("msg-%d", n), m.Content)
	}

	// Second drain yields nothing.
	assert.Empty(t, ib.Drain("s1"))
}

func TestPeekDoesNotRemove(t *testing.T) {
	ib := New()
	ib.Push("s1", NewMessage("hello", "ws"))

	assert.Len(t, ib.Peek("s1"), 1)
	assert.Len(t, ib.Peek("s1"), 1)
	assert.Len(t, ib.Drain("s1"), 1)
	assert.Empty(t, ib.Peek("s1"))
}

func TestSessionIsolation(t *testing.T) {
	ib := New()
	ib.Push("a", NewMessage("for a", "ws"))
	ib.Push("b", NewMessage("for b", "ws"))

	msgs := ib.Drain("a")
	require.Len(t, msgs, 1)
	assert.Equal(t, "for a", msgs[0].Content)
	assert.Len(t, ib.Peek("b"), 1)
}

func TestSubscribeUnsubscribe(t *testing.T) {
	ib := New()

	var seen []string
	id := ib.Subscribe("s1", func(m Message) { seen = append(seen, m.Content) })

	ib.Push("s1", NewMessage("first", "ws"))
	ib.Unsubscribe("s1", id)
	ib.Push("s1", NewMessage("second", "ws"))

	// Handler saw exactly the message pushed while subscribed.
	require.Len(t, seen, 1)
	assert.Equal(t, "first", seen[0])

	// Both messages remain queued regardless of listeners.
	assert.Len(t, ib.Drain("s1"), 2)
}

func TestHandlerPanicDoesNotBlockDelivery(t *testing.T) {
	ib := New()

	var got int
	ib.Subscribe("s1", func(Message) { panic("boom") })
	ib.Subscribe("s1", func(Message) { got++ })

	ib.Push("s1", NewMessage("x", "ws"))
	assert.Equal(t, 1, got)
}

func TestNotificationOrderIsRegistrationOrder(t *testing.T) {
	ib := New()

	var order []int
	ib.Subscribe("s1", func(Message) { order = append(order, 1) })
	ib.Subscribe("s1", func(Message) { order = append(order, 2) })
	ib.Subscribe("s1", func(Message) { order = append(order, 3) })

	ib.Push("s1", NewMessage("x", "ws"))
	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestConcurrentPushWhileDraining(t *testing.T) {
	ib := New()

	const writers = 8
	const perWriter = 50

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for n := 0; n < perWriter; n++ {
				ib.Push("s1", NewMessage(fmt.Sprintf("%d-%d", w, n), "ws"))
			}
		}(w)
	}

	total := 0
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	for {
		total += len(ib.Drain("s1"))
		select {
		case <-done:
			total += len(ib.Drain("s1"))
			assert.Equal(t, writers*perWriter, total)
			return
		default:
		}
	}
}

func TestClearRemovesQueueAndHandlers(t *testing.T) {
	ib := New()

	var calls int
	ib.Subscribe("s1", func(Message) { calls++ })
	ib.Push("s1", NewMessage("x", "ws"))
	ib.Clear("s1")

	ib.Push("s1", NewMessage("y", "ws"))
	assert.Equal(t, 1, calls)

	msgs := ib.Drain("s1")
	require.Len(t, msgs, 1)
	assert.Equal(t, "y", msgs[0].Content)
}
