package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// resolvePath turns a tool-supplied path into an absolute one under the
// workspace. With restrict set, escapes outside the workspace are
// rejected.
func resolvePath(workspace string, restrict bool, path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path is required")
	}
	resolved := path
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(workspace, resolved)
	}
	resolved = filepath.Clean(resolved)
	if restrict {
		rel, err := filepath.Rel(workspace, resolved)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return "", fmt.Errorf("path %s is outside the workspace", path)
		}
	}
	return resolved, nil
}

const maxReadBytes = 256 * 1024

// ReadFileTool reads file contents from the workspace.
type ReadFileTool struct {
	workspace string
	restrict  bool
}

func NewReadFileTool(workspace string, restrict bool) *ReadFileTool {
	return &ReadFileTool{workspace: workspace, restrict: restrict}
}

func (t *ReadFileTool) Name() string        { return "read_file" }
func (t *ReadFileTool) Description() string { return "Read the contents of a file" }
func (t *ReadFileTool) Group() string       { return GroupFS }
func (t *ReadFileTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Path to the file to read",
			},
		},
		"required": []string{"path"},
	}
}

func (t *ReadFileTool) RiskLevel(map[string]any, *Context) Risk { return RiskSafe }

func (t *ReadFileTool) Execute(_ context.Context, args map[string]any, _ *Context) *Result {
	path, _ := args["path"].(string)
	resolved, err := resolvePath(t.workspace, t.restrict, path)
	if err != nil {
		return ErrorResult(err.Error())
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return ErrorResult(fmt.Sprintf("read %s: %v", path, err))
	}
	if len(data) > maxReadBytes {
		return NewResult(string(data[:maxReadBytes]) + "\n[truncated]")
	}
	return NewResult(string(data))
}

// WriteFileTool creates or overwrites a file. Writing is a mutation, so
// it is risky under the default policy.
type WriteFileTool struct {
	workspace string
	restrict  bool
}

func NewWriteFileTool(workspace string, restrict bool) *WriteFileTool {
	return &WriteFileTool{workspace: workspace, restrict: restrict}
}

func (t *WriteFileTool) Name() string        { return "write_file" }
func (t *WriteFileTool) Description() string { return "Write content to a file, creating it if needed" }
func (t *WriteFileTool) Group() string       { return GroupFS }
func (t *WriteFileTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":    map[string]any{"type": "string", "description": "Path to write"},
			"content": map[string]any{"type": "string", "description": "Full file content"},
		},
		"required": []string{"path", "content"},
	}
}

func (t *WriteFileTool) RiskLevel(map[string]any, *Context) Risk { return RiskRisky }

func (t *WriteFileTool) Execute(_ context.Context, args map[string]any, _ *Context) *Result {
	path, _ := args["path"].(string)
	content, _ := args["content"].(string)
	resolved, err := resolvePath(t.workspace, t.restrict, path)
	if err != nil {
		return ErrorResult(err.Error())
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return ErrorResult(fmt.Sprintf("create parent dir for %s: %v", path, err))
	}
	if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
		return ErrorResult(fmt.Sprintf("write %s: %v", path, err))
	}
	return NewResult(fmt.Sprintf("wrote %d bytes to %s", len(content), path))
}

// EditFileTool replaces an exact substring in a file.
type EditFileTool struct {
	workspace string
	restrict  bool
}

func NewEditFileTool(workspace string, restrict bool) *EditFileTool {
	return &EditFileTool{workspace: workspace, restrict: restrict}
}

func (t *EditFileTool) Name() string { return "edit_file" }
func (t *EditFileTool) Description() string {
	return "Replace an exact text match in a file with new text"
}
func (t *EditFileTool) Group() string { return GroupFS }
func (t *EditFileTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":     map[string]any{"type": "string", "description": "File to edit"},
			"old_text": map[string]any{"type": "string", "description": "Exact text to replace"},
			"new_text": map[string]any{"type": "string", "description": "Replacement text"},
		},
		"required": []string{"path", "old_text", "new_text"},
	}
}

func (t *EditFileTool) RiskLevel(map[string]any, *Context) Risk { return RiskRisky }

// CanExecute verifies the target exists and the match is unique before
// the call is even offered for approval.
func (t *EditFileTool) CanExecute(args map[string]any, _ *Context) error {
	path, _ := args["path"].(string)
	oldText, _ := args["old_text"].(string)
	resolved, err := resolvePath(t.workspace, t.restrict, path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	switch strings.Count(string(data), oldText) {
	case 0:
		return fmt.Errorf("old_text not found in %s", path)
	case 1:
		return nil
	default:
		return fmt.Errorf("old_text matches more than once in %s", path)
	}
}

func (t *EditFileTool) Execute(_ context.Context, args map[string]any, _ *Context) *Result {
	path, _ := args["path"].(string)
	oldText, _ := args["old_text"].(string)
	newText, _ := args["new_text"].(string)
	resolved, err := resolvePath(t.workspace, t.restrict, path)
	if err != nil {
		return ErrorResult(err.Error())
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return ErrorResult(fmt.Sprintf("read %s: %v", path, err))
	}
	content := string(data)
	if !strings.Contains(content, oldText) {
		return ErrorResult(fmt.Sprintf("old_text not found in %s", path))
	}
	content = strings.Replace(content, oldText, newText, 1)
	if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
		return ErrorResult(fmt.Sprintf("write %s: %v", path, err))
	}
	return NewResult(fmt.Sprintf("edited %s", path))
}

// ListFilesTool lists a directory.
type ListFilesTool struct {
	workspace string
	restrict  bool
}

func NewListFilesTool(workspace string, restrict bool) *ListFilesTool {
	return &ListFilesTool{workspace: workspace, restrict: restrict}
}

func (t *ListFilesTool) Name() string        { return "list_files" }
func (t *ListFilesTool) Description() string { return "List the entries of a directory" }
func (t *ListFilesTool) Group() string       { return GroupFS }
func (t *ListFilesTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Directory to list (default: workspace root)",
			},
		},
	}
}

func (t *ListFilesTool) RiskLevel(map[string]any, *Context) Risk { return RiskSafe }

func (t *ListFilesTool) Execute(_ context.Context, args map[string]any, _ *Context) *Result {
	path, _ := args["path"].(string)
	if path == "" {
		path = "."
	}
	resolved, err := resolvePath(t.workspace, t.restrict, path)
	if err != nil {
		return ErrorResult(err.Error())
	}
	entries, err := os.ReadDir(resolved)
	if err != nil {
		return ErrorResult(fmt.Sprintf("list %s: %v", path, err))
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) == 0 {
		return NewResult("(empty)")
	}
	return NewResult(strings.Join(names, "\n"))
}
