package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/finchbot/finch/internal/security"
	"github.com/finchbot/finch/pkg/models"
)

// Resolver confines tool file access to a workspace root.
type Resolver struct {
	Root string
}

// Resolve joins path against the root and refuses escapes.
func (r Resolver) Resolve(path string) (string, error) {
	if r.Root == "" {
		return "", fmt.Errorf("no workspace configured")
	}
	cleaned := filepath.Clean(path)
	if filepath.IsAbs(cleaned) {
		rel, err := filepath.Rel(r.Root, cleaned)
		if err != nil || strings.HasPrefix(rel, "..") {
			return "", fmt.Errorf("path escapes workspace: %s", path)
		}
		return cleaned, nil
	}
	joined := filepath.Join(r.Root, cleaned)
	rel, err := filepath.Rel(r.Root, joined)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("path escapes workspace: %s", path)
	}
	return joined, nil
}

const maxReadBytes = 256 * 1024

// ReadFileTool reads workspace files.
type ReadFileTool struct {
	resolver Resolver
}

func NewReadFileTool(workspace string) *ReadFileTool {
	return &ReadFileTool{resolver: Resolver{Root: workspace}}
}

func (t *ReadFileTool) Name() string        { return "file_read" }
func (t *ReadFileTool) Description() string { return "Read a file from the workspace." }

func (t *ReadFileTool) Schema() json.RawMessage {
	return ObjectSchema(map[string]any{
		"path": map[string]any{"type": "string", "description": "Path relative to the workspace."},
	}, "path")
}

func (t *ReadFileTool) Execute(_ context.Context, params json.RawMessage) (models.ToolResult, error) {
	var input struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return models.Fail(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	path, err := t.resolver.Resolve(input.Path)
	if err != nil {
		return models.Fail(err.Error()), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return models.Fail(fmt.Sprintf("read %s: %v", input.Path, err)), nil
	}
	if len(data) > maxReadBytes {
		return models.Ok(string(data[:maxReadBytes]) + "\n...[truncated]"), nil
	}
	return models.Ok(string(data)), nil
}

// WriteFileTool writes workspace files, creating directories as needed.
type WriteFileTool struct {
	resolver Resolver
	policy   *security.Policy
}

func NewWriteFileTool(workspace string, policy *security.Policy) *WriteFileTool {
	return &WriteFileTool{resolver: Resolver{Root: workspace}, policy: policy}
}

func (t *WriteFileTool) Name() string        { return "file_write" }
func (t *WriteFileTool) Description() string { return "Write content to a file in the workspace." }

func (t *WriteFileTool) Schema() json.RawMessage {
	return ObjectSchema(map[string]any{
		"path":    map[string]any{"type": "string", "description": "Path relative to the workspace."},
		"content": map[string]any{"type": "string", "description": "Full file content to write."},
	}, "path", "content")
}

func (t *WriteFileTool) Execute(_ context.Context, params json.RawMessage) (models.ToolResult, error) {
	var input struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return models.Fail(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	if err := t.policy.EnforceToolOperation(security.OpWrite, t.Name()); err != nil {
		return models.Fail(err.Error()), nil
	}
	if !t.policy.RecordAction() {
		return models.ToolResult{Success: false, Output: "Rate limit exceeded, try again later."}, nil
	}
	path, err := t.resolver.Resolve(input.Path)
	if err != nil {
		return models.Fail(err.Error()), nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return models.Fail(fmt.Sprintf("create directory: %v", err)), nil
	}
	if err := os.WriteFile(path, []byte(input.Content), 0o644); err != nil {
		return models.Fail(fmt.Sprintf("write %s: %v", input.Path, err)), nil
	}
	return models.Ok(fmt.Sprintf("Wrote %d bytes to %s", len(input.Content), input.Path)), nil
}

// EditFileTool applies find/replace edits to a workspace file.
type EditFileTool struct {
	resolver Resolver
	policy   *security.Policy
}

func NewEditFileTool(workspace string, policy *security.Policy) *EditFileTool {
	return &EditFileTool{resolver: Resolver{Root: workspace}, policy: policy}
}

func (t *EditFileTool) Name() string { return "file_edit" }

func (t *EditFileTool) Description() string {
	return "Apply a find/replace edit to a file in the workspace."
}

func (t *EditFileTool) Schema() json.RawMessage {
	return ObjectSchema(map[string]any{
		"path":        map[string]any{"type": "string", "description": "Path relative to the workspace."},
		"old_text":    map[string]any{"type": "string", "description": "Exact text to replace."},
		"new_text":    map[string]any{"type": "string", "description": "Replacement text."},
		"replace_all": map[string]any{"type": "boolean", "description": "Replace all occurrences (default first only)."},
	}, "path", "old_text", "new_text")
}

func (t *EditFileTool) Execute(_ context.Context, params json.RawMessage) (models.ToolResult, error) {
	var input struct {
		Path       string `json:"path"`
		OldText    string `json:"old_text"`
		NewText    string `json:"new_text"`
		ReplaceAll bool   `json:"replace_all"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return models.Fail(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	if err := t.policy.EnforceToolOperation(security.OpWrite, t.Name()); err != nil {
		return models.Fail(err.Error()), nil
	}
	if input.OldText == "" {
		return models.Fail("old_text must not be empty"), nil
	}
	path, err := t.resolver.Resolve(input.Path)
	if err != nil {
		return models.Fail(err.Error()), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return models.Fail(fmt.Sprintf("read %s: %v", input.Path, err)), nil
	}
	content := string(data)
	count := strings.Count(content, input.OldText)
	if count == 0 {
		return models.Fail("old_text not found in file"), nil
	}

	var updated string
	replaced := 1
	if input.ReplaceAll {
		updated = strings.ReplaceAll(content, input.OldText, input.NewText)
		replaced = count
	} else {
		updated = strings.Replace(content, input.OldText, input.NewText, 1)
	}
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		return models.Fail(fmt.Sprintf("write %s: %v", input.Path, err)), nil
	}
	return models.Ok(fmt.Sprintf("Replaced %d occurrence(s) in %s", replaced, input.Path)), nil
}
