package agent

import (
	"fmt"
	"strings"
	"sync"
)

// DefaultMaxRetries bounds per-operation attempts before the loop gives up.
const DefaultMaxRetries = 3

// ErrorHandler tracks failure counts per operation key and renders errors
// into short model-readable strings.
type ErrorHandler struct {
	mu         sync.Mutex
	attempts   map[string]int
	maxRetries int
}

func NewErrorHandler(maxRetries int) *ErrorHandler {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &ErrorHandler{attempts: make(map[string]int), maxRetries: maxRetries}
}

// Safe runs fn, converting panics into errors and counting failures against
// opKey. The value is the zero value on failure.
func Safe[T any](h *ErrorHandler, opKey string, fn func() (T, error)) (T, error) {
	v, err := func() (out T, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic in %s: %v", opKey, r)
			}
		}()
		return fn()
	}()
	if err != nil {
		h.mu.Lock()
		h.attempts[opKey]++
		h.mu.Unlock()
	}
	return v, err
}

// CanRetry reports whether opKey still has attempts left.
func (h *ErrorHandler) CanRetry(opKey string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.attempts[opKey] < h.maxRetries
}

// Attempts returns the recorded failure count for opKey.
func (h *ErrorHandler) Attempts(opKey string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.attempts[opKey]
}

// Reset clears the counter for opKey, e.g. after a successful call.
func (h *ErrorHandler) Reset(opKey string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.attempts, opKey)
}

// FormatForLLM renders an error as a single short line safe to feed back
// into the conversation.
func (h *ErrorHandler) FormatForLLM(err error) string {
	if err == nil {
		return ""
	}
	msg := strings.Join(strings.Fields(err.Error()), " ")
	if len(msg) > 300 {
		msg = msg[:300] + "..."
	}
	return msg
}
