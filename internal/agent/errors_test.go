package agent

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSafeCountsFailures(t *testing.T) {
	h := NewErrorHandler(3)

	_, err := Safe(h, "llm", func() (string, error) { return "", errors.New("boom") })
	require.Error(t, err)
	assert.Equal(t, 1, h.Attempts("llm"))
	assert.True(t, h.CanRetry("llm"))

	for i := 0; i < 2; i++ {
		Safe(h, "llm", func() (string, error) { return "", errors.New("boom") })
	}
	assert.False(t, h.CanRetry("llm"))

	// Other keys are independent.
	assert.True(t, h.CanRetry("tool"))
}

func TestSafeRecoversPanic(t *testing.T) {
	h := NewErrorHandler(3)
	_, err := Safe(h, "llm", func() (int, error) { panic("kaboom") })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
	assert.Equal(t, 1, h.Attempts("llm"))
}

func TestSafeSuccessDoesNotCount(t *testing.T) {
	h := NewErrorHandler(3)
	v, err := Safe(h, "llm", func() (int, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Zero(t, h.Attempts("llm"))
}

func TestReset(t *testing.T) {
	h := NewErrorHandler(1)
	Safe(h, "llm", func() (int, error) { return 0, errors.New("x") })
	assert.False(t, h.CanRetry("llm"))
	h.Reset("llm")
	assert.True(t, h.CanRetry("llm"))
}

func TestFormatForLLM(t *testing.T) {
	h := NewErrorHandler(0)
	assert.Empty(t, h.FormatForLLM(nil))
	assert.Equal(t, "a b c", h.FormatForLLM(errors.New("a\n b\t\tc")))

	long := h.FormatForLLM(fmt.Errorf("%s", strings.Repeat("x", 500)))
	assert.Len(t, long, 303)
	assert.True(t, strings.HasSuffix(long, "..."))
}
