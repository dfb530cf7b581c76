package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const maxReadBytes = 256 * 1024

// ReadFileTool reads file contents relative to the project root.
type ReadFileTool struct {
	root     string
	restrict bool
}

func NewReadFileTool(root string, restrict bool) *ReadFileTool {
	return &ReadFileTool{root: root, restrict: restrict}
}

func (t *ReadFileTool) Name() string        { return "fs_readFile" }
func (t *ReadFileTool) Description() string { return "Read the contents of a file" }

func (t *ReadFileTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{"type": "string", "description": "File path, relative to the project root"},
		},
		"required": []string{"path"},
	}
}

func (t *ReadFileTool) Execute(ctx context.Context, args map[string]any) *Result {
	path, err := t.resolve(args)
	if err != nil {
		return ErrorResult(err.Error())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return ErrorResult(fmt.Sprintf("read %s: %v", path, err)).WithError(err)
	}
	if len(data) > maxReadBytes {
		data = data[:maxReadBytes]
		return NewResult(string(data) + fmt.Sprintf("\n[truncated at %d bytes]", maxReadBytes))
	}
	return NewResult(string(data))
}

func (t *ReadFileTool) resolve(args map[string]any) (string, error) {
	raw, _ := args["path"].(string)
	if raw == "" {
		return "", fmt.Errorf("path is required")
	}
	path := raw
	if !filepath.IsAbs(path) {
		path = filepath.Join(t.root, path)
	}
	path = filepath.Clean(path)
	if t.restrict && t.root != "" && !strings.HasPrefix(path, filepath.Clean(t.root)+string(os.PathSeparator)) && path != filepath.Clean(t.root) {
		return "", fmt.Errorf("path %q escapes the project root", raw)
	}
	return path, nil
}

// EditFileTool replaces an exact string occurrence in a file. Privileged:
// the registry parks it for approval before execution.
type EditFileTool struct {
	root     string
	restrict bool
}

func NewEditFileTool(root string, restrict bool) *EditFileTool {
	return &EditFileTool{root: root, restrict: restrict}
}

func (t *EditFileTool) Name() string { return "fs_edit" }
func (t *EditFileTool) Description() string {
	return "Replace an exact string occurrence in a file"
}

func (t *EditFileTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":       map[string]any{"type": "string"},
			"old_string": map[string]any{"type": "string"},
			"new_string": map[string]any{"type": "string"},
		},
		"required": []string{"path", "old_string", "new_string"},
	}
}

func (t *EditFileTool) ConfirmPrompt(args map[string]any) (string, string) {
	path, _ := args["path"].(string)
	oldStr, _ := args["old_string"].(string)
	newStr, _ := args["new_string"].(string)
	return fmt.Sprintf("Edit file %s", path),
		fmt.Sprintf("- %s\n+ %s", truncate(oldStr, 120), truncate(newStr, 120))
}

func (t *EditFileTool) Execute(ctx context.Context, args map[string]any) *Result {
	reader := ReadFileTool{root: t.root, restrict: t.restrict}
	path, err := reader.resolve(args)
	if err != nil {
		return ErrorResult(err.Error())
	}
	oldStr, _ := args["old_string"].(string)
	newStr, _ := args["new_string"].(string)
	if oldStr == "" {
		return ErrorResult("old_string is required")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return ErrorResult(fmt.Sprintf("read %s: %v", path, err)).WithError(err)
	}
	content := string(data)

	count := strings.Count(content, oldStr)
	if count == 0 {
		return ErrorResult(fmt.Sprintf("old_string not found in %s", path))
	}
	if count > 1 {
		return ErrorResult(fmt.Sprintf("old_string occurs %d times in %s; provide a unique match", count, path))
	}

	content = strings.Replace(content, oldStr, newStr, 1)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return ErrorResult(fmt.Sprintf("write %s: %v", path, err)).WithError(err)
	}
	return NewResult(fmt.Sprintf("Edited %s (1 replacement)", path))
}
