package tools

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPreflightSendEmail(t *testing.T) {
	tests := []struct {
		name    string
		args    map[string]any
		wantErr string
	}{
		{
			name: "valid",
			args: map[string]any{"to": "anna@example.com", "subject": "Hi", "body": "Hello"},
		},
		{
			name:    "missing to",
			args:    map[string]any{"subject": "Hi", "body": "Hello"},
			wantErr: `missing required field "to"`,
		},
		{
			name:    "malformed email",
			args:    map[string]any{"to": "not-an-email", "subject": "Hi", "body": "Hello"},
			wantErr: "not a valid email address",
		},
		{
			name:    "empty subject",
			args:    map[string]any{"to": "anna@example.com", "subject": "  ", "body": "Hello"},
			wantErr: `missing required field "subject"`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Preflight("send_email", tt.args)
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestPreflightDatetime(t *testing.T) {
	valid := []string{"2026-03-01T10:00:00Z", "2026-03-01T10:00:00", "2026-03-01 10:00", "2026-03-01"}
	for _, dt := range valid {
		err := Preflight("scheduler_create", map[string]any{"title": "standup", "datetime": dt})
		assert.NoError(t, err, "datetime %q", dt)
	}

	err := Preflight("scheduler_create", map[string]any{"title": "standup", "datetime": "next tuesday"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a parseable date")
}

func TestPreflightMandatoryID(t *testing.T) {
	require.Error(t, Preflight("scheduler_update", map[string]any{}))
	assert.NoError(t, Preflight("scheduler_update", map[string]any{"id": "evt-1"}))
}

func TestPreflightUnknownToolPasses(t *testing.T) {
	assert.NoError(t, Preflight("fs_readFile", map[string]any{}))
}

func TestPreflightReportsAllProblems(t *testing.T) {
	err := Preflight("send_email", map[string]any{"to": "bad"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "to")
	assert.Contains(t, err.Error(), "subject")
	assert.Contains(t, err.Error(), "body")
}
