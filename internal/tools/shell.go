package tools

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"
)

const shellTimeout = 60 * time.Second

// ShellTool runs a shell command in the project root. Privileged.
type ShellTool struct {
	root string
}

func NewShellTool(root string) *ShellTool {
	return &ShellTool{root: root}
}

func (t *ShellTool) Name() string        { return "shell_exec" }
func (t *ShellTool) Description() string { return "Run a shell command in the project root" }

func (t *ShellTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{"type": "string"},
		},
		"required": []string{"command"},
	}
}

func (t *ShellTool) ConfirmPrompt(args map[string]any) (string, string) {
	command, _ := args["command"].(string)
	return "Run shell command", truncate(command, 200)
}

func (t *ShellTool) Execute(ctx context.Context, args map[string]any) *Result {
	command, _ := args["command"].(string)
	if command == "" {
		return ErrorResult("command is required")
	}

	ctx, cancel := context.WithTimeout(ctx, shellTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = t.root
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Run(); err != nil {
		return ErrorResult(fmt.Sprintf("command failed: %v\n%s", err, truncate(out.String(), 4000))).WithError(err)
	}
	return NewResult(truncate(out.String(), 8000))
}

// GitDiffTool shows the working-tree diff of the project root.
type GitDiffTool struct {
	root string
}

func NewGitDiffTool(root string) *GitDiffTool {
	return &GitDiffTool{root: root}
}

func (t *GitDiffTool) Name() string        { return "git_diff" }
func (t *GitDiffTool) Description() string { return "Show uncommitted changes in the project root" }

func (t *GitDiffTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{"type": "string", "description": "Optional path filter"},
		},
	}
}

func (t *GitDiffTool) Execute(ctx context.Context, args map[string]any) *Result {
	ctx, cancel := context.WithTimeout(ctx, shellTimeout)
	defer cancel()

	cmdArgs := []string{"diff"}
	if path, _ := args["path"].(string); path != "" {
		cmdArgs = append(cmdArgs, "--", path)
	}

	cmd := exec.CommandContext(ctx, "git", cmdArgs...)
	cmd.Dir = t.root
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Run(); err != nil {
		return ErrorResult(fmt.Sprintf("git diff failed: %v\n%s", err, truncate(out.String(), 2000))).WithError(err)
	}
	if out.Len() == 0 {
		return NewResult("(no changes)")
	}
	return NewResult(truncate(out.String(), 8000))
}
