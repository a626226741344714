package tools

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadFileRestrictedToWorkspace(t *testing.T) {
	ws := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(ws, "a.txt"), []byte("hello"), 0o644))

	tool := NewReadFileTool(ws, true)
	result := tool.Execute(context.Background(), map[string]any{"path": "a.txt"}, nil)
	require.False(t, result.IsError)
	assert.Equal(t, "hello", result.ForLLM)

	result = tool.Execute(context.Background(), map[string]any{"path": "../outside.txt"}, nil)
	require.True(t, result.IsError)
	assert.Contains(t, result.ForLLM, "outside the workspace")
}

func TestWriteThenEditFile(t *testing.T) {
	ws := t.TempDir()
	write := NewWriteFileTool(ws, true)
	result := write.Execute(context.Background(), map[string]any{
		"path":    "notes/todo.md",
		"content": "buy milk\n",
	}, nil)
	require.False(t, result.IsError)

	edit := NewEditFileTool(ws, true)
	args := map[string]any{"path": "notes/todo.md", "old_text": "milk", "new_text": "oat milk"}
	require.NoError(t, edit.CanExecute(args, nil))
	result = edit.Execute(context.Background(), args, nil)
	require.False(t, result.IsError)

	data, err := os.ReadFile(filepath.Join(ws, "notes", "todo.md"))
	require.NoError(t, err)
	assert.Equal(t, "buy oat milk\n", string(data))
}

func TestEditFilePreconditions(t *testing.T) {
	ws := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(ws, "x.txt"), []byte("aa aa"), 0o644))

	edit := NewEditFileTool(ws, true)
	err := edit.CanExecute(map[string]any{"path": "x.txt", "old_text": "zz", "new_text": "y"}, nil)
	assert.ErrorContains(t, err, "not found")

	err = edit.CanExecute(map[string]any{"path": "x.txt", "old_text": "aa", "new_text": "y"}, nil)
	assert.ErrorContains(t, err, "more than once")

	err = edit.CanExecute(map[string]any{"path": "missing.txt", "old_text": "a", "new_text": "b"}, nil)
	assert.Error(t, err)
}

func TestGlobAndGrep(t *testing.T) {
	ws := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(ws, "src"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(ws, "src", "main.go"), []byte("package main\nfunc main() {}\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(ws, "README.md"), []byte("docs"), 0o644))

	glob := NewGlobTool(ws)
	result := glob.Execute(context.Background(), map[string]any{"pattern": "*.go"}, nil)
	require.False(t, result.IsError)
	assert.Contains(t, result.ForLLM, filepath.Join("src", "main.go"))
	assert.NotContains(t, result.ForLLM, "README.md")

	grep := NewGrepTool(ws)
	result = grep.Execute(context.Background(), map[string]any{"pattern": `func \w+`}, nil)
	require.False(t, result.IsError)
	assert.Contains(t, result.ForLLM, "main.go:2")

	result = grep.Execute(context.Background(), map[string]any{"pattern": "nothinghere"}, nil)
	require.False(t, result.IsError)
	assert.Equal(t, "no matches", result.ForLLM)
}

func TestExecRunsInWorkspace(t *testing.T) {
	ws := t.TempDir()
	tool := NewExecTool(ws)
	result := tool.Execute(context.Background(), map[string]any{"command": "pwd"}, nil)
	require.False(t, result.IsError)
	assert.Contains(t, result.ForLLM, filepath.Base(ws))

	result = tool.Execute(context.Background(), map[string]any{"command": "exit 3"}, nil)
	require.True(t, result.IsError)
	assert.Contains(t, result.ForLLM, "command failed")

	assert.Equal(t, RiskRisky, tool.RiskLevel(nil, nil))
}
