package tools

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

const (
	defaultExecTimeout = 60 * time.Second
	maxExecOutput      = 64 * 1024
)

// ExecTool runs a shell command in the workspace. Always risky under the
// default policy: arbitrary command execution is exactly what the
// approval gate exists for.
type ExecTool struct {
	workspace string
}

func NewExecTool(workspace string) *ExecTool {
	return &ExecTool{workspace: workspace}
}

func (t *ExecTool) Name() string        { return "exec" }
func (t *ExecTool) Description() string { return "Run a shell command in the workspace" }
func (t *ExecTool) Group() string       { return GroupRuntime }
func (t *ExecTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{"type": "string", "description": "Shell command to run"},
			"timeout_seconds": map[string]any{
				"type":        "integer",
				"description": "Kill the command after this many seconds (default 60)",
			},
		},
		"required": []string{"command"},
	}
}

func (t *ExecTool) RiskLevel(map[string]any, *Context) Risk { return RiskRisky }

func (t *ExecTool) Execute(ctx context.Context, args map[string]any, _ *Context) *Result {
	command, _ := args["command"].(string)
	if strings.TrimSpace(command) == "" {
		return ErrorResult("command is required")
	}
	timeout := defaultExecTimeout
	if secs, ok := args["timeout_seconds"].(float64); ok && secs > 0 {
		timeout = time.Duration(secs) * time.Second
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	cmd.Dir = t.workspace
	output, err := cmd.CombinedOutput()

	text := string(output)
	if len(text) > maxExecOutput {
		text = text[:maxExecOutput] + "\n[truncated]"
	}
	if runCtx.Err() == context.DeadlineExceeded {
		return ErrorResult(fmt.Sprintf("command timed out after %s\n%s", timeout, text))
	}
	if err != nil {
		return ErrorResult(fmt.Sprintf("command failed: %v\n%s", err, text))
	}
	if strings.TrimSpace(text) == "" {
		return NewResult("(no output)")
	}
	return NewResult(text)
}
