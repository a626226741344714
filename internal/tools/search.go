package tools

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

const maxSearchResults = 200

// GlobTool matches workspace paths against a glob pattern.
type GlobTool struct {
	workspace string
}

func NewGlobTool(workspace string) *GlobTool {
	return &GlobTool{workspace: workspace}
}

func (t *GlobTool) Name() string        { return "glob" }
func (t *GlobTool) Description() string { return "Find files matching a glob pattern" }
func (t *GlobTool) Group() string       { return GroupFS }
func (t *GlobTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"pattern": map[string]any{
				"type":        "string",
				"description": "Glob pattern, matched against workspace-relative paths",
			},
		},
		"required": []string{"pattern"},
	}
}

func (t *GlobTool) RiskLevel(map[string]any, *Context) Risk { return RiskSafe }

func (t *GlobTool) Execute(ctx context.Context, args map[string]any, _ *Context) *Result {
	pattern, _ := args["pattern"].(string)
	if pattern == "" {
		return ErrorResult("pattern is required")
	}

	var matches []string
	err := filepath.WalkDir(t.workspace, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != t.workspace {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(t.workspace, path)
		if err != nil {
			return nil
		}
		ok, err := filepath.Match(pattern, rel)
		if err != nil {
			return fmt.Errorf("bad pattern: %w", err)
		}
		if !ok {
			// Also match against the bare file name, so "*.go" works at
			// any depth.
			if ok, _ := filepath.Match(pattern, d.Name()); !ok {
				return nil
			}
		}
		matches = append(matches, rel)
		if len(matches) >= maxSearchResults {
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil {
		return ErrorResult(fmt.Sprintf("glob: %v", err))
	}
	if len(matches) == 0 {
		return NewResult("no matches")
	}
	return NewResult(strings.Join(matches, "\n"))
}

// GrepTool searches file contents with a regular expression.
type GrepTool struct {
	workspace string
}

func NewGrepTool(workspace string) *GrepTool {
	return &GrepTool{workspace: workspace}
}

func (t *GrepTool) Name() string        { return "grep" }
func (t *GrepTool) Description() string { return "Search file contents with a regular expression" }
func (t *GrepTool) Group() string       { return GroupFS }
func (t *GrepTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"pattern": map[string]any{"type": "string", "description": "Regular expression"},
			"path":    map[string]any{"type": "string", "description": "Subdirectory to search (default: workspace root)"},
		},
		"required": []string{"pattern"},
	}
}

func (t *GrepTool) RiskLevel(map[string]any, *Context) Risk { return RiskSafe }

func (t *GrepTool) Execute(ctx context.Context, args map[string]any, _ *Context) *Result {
	pattern, _ := args["pattern"].(string)
	if pattern == "" {
		return ErrorResult("pattern is required")
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return ErrorResult(fmt.Sprintf("bad pattern: %v", err))
	}
	root := t.workspace
	if sub, _ := args["path"].(string); sub != "" {
		resolved, err := resolvePath(t.workspace, true, sub)
		if err != nil {
			return ErrorResult(err.Error())
		}
		root = resolved
	}

	var hits []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != root {
				return filepath.SkipDir
			}
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil || !isLikelyText(data) {
			return nil
		}
		rel, _ := filepath.Rel(t.workspace, path)
		for i, line := range strings.Split(string(data), "\n") {
			if re.MatchString(line) {
				hits = append(hits, fmt.Sprintf("%s:%d: %s", rel, i+1, strings.TrimSpace(line)))
				if len(hits) >= maxSearchResults {
					return filepath.SkipAll
				}
			}
		}
		return nil
	})
	if err != nil {
		return ErrorResult(fmt.Sprintf("grep: %v", err))
	}
	if len(hits) == 0 {
		return NewResult("no matches")
	}
	return NewResult(strings.Join(hits, "\n"))
}

func isLikelyText(data []byte) bool {
	n := len(data)
	if n > 8192 {
		n = 8192
	}
	for _, b := range data[:n] {
		if b == 0 {
			return false
		}
	}
	return true
}
