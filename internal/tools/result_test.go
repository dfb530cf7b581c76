package tools

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeErrorResult(t *testing.T) {
	out := Normalize(ErrorResult("boom"))
	assert.False(t, out.Success)
	assert.Equal(t, "boom", out.Error)
}

func TestNormalizeEnvelopeSuccess(t *testing.T) {
	out := Normalize(NewResult(`{"success": true, "result": {"id": "evt-9"}}`))
	assert.True(t, out.Success)
	assert.Contains(t, out.Data, "evt-9")
}

func TestNormalizeEnvelopeFailureInsideSuccess(t *testing.T) {
	// {success: false} inside an otherwise-successful execution is a failure.
	out := Normalize(NewResult(`{"success": false, "error": "quota exceeded"}`))
	assert.False(t, out.Success)
	assert.Equal(t, "quota exceeded", out.Error)
}

func TestNormalizeEnvelopeFailureWithoutError(t *testing.T) {
	out := Normalize(NewResult(`{"success": false}`))
	assert.False(t, out.Success)
	assert.Equal(t, "tool reported failure", out.Error)
}

func TestNormalizeRawPayloadFallback(t *testing.T) {
	for _, raw := range []string{"plain text output", `{"rows": 3}`, `[1,2,3]`, ""} {
		out := Normalize(NewResult(raw))
		assert.True(t, out.Success, "raw %q", raw)
		assert.Equal(t, raw, out.Data)
	}
}

func TestNormalizeNil(t *testing.T) {
	out := Normalize(nil)
	assert.False(t, out.Success)
	assert.NotEmpty(t, out.Error)
}

func TestExtractExternalID(t *testing.T) {
	tests := []struct {
		name   string
		result string
		want   string
	}{
		{"top-level id", `{"id": "abc-1"}`, "abc-1"},
		{"event id preferred key order", `{"event_id": "evt-2", "id": "other"}`, "evt-2"},
		{"nested under result", `{"success": true, "result": {"ticket_id": "TF-7"}}`, "TF-7"},
		{"numeric id", `{"id": 42}`, "42"},
		{"not json", "plain text", ""},
		{"no id keys", `{"status": "ok"}`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractExternalID(tt.result))
		})
	}
}
