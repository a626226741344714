package agent

import (
	"os"
	"path/filepath"
	"strings"
)

// AgentsFile is the workspace instructions file folded into every
// system prompt.
const AgentsFile = "AGENTS.md"

// SystemPromptConfig collects the inputs for one system prompt.
type SystemPromptConfig struct {
	AgentID       string
	Model         string
	Workspace     string
	ToolNames     []string
	SkillsSummary string
	Instructions  string // AGENTS.md content
}

// BuildSystemPrompt composes the system prompt the way the default
// agent expects it: identity, workspace, tool inventory, skill catalog,
// then the operator's standing instructions.
func BuildSystemPrompt(cfg SystemPromptConfig) string {
	var b strings.Builder
	b.WriteString("You are agent ")
	b.WriteString(cfg.AgentID)
	if cfg.Model != "" {
		b.WriteString(" running on ")
		b.WriteString(cfg.Model)
	}
	b.WriteString(".\n")
	if cfg.Workspace != "" {
		b.WriteString("Your workspace directory is ")
		b.WriteString(cfg.Workspace)
		b.WriteString(". All file paths are relative to it.\n")
	}
	if len(cfg.ToolNames) > 0 {
		b.WriteString("Available tools: ")
		b.WriteString(strings.Join(cfg.ToolNames, ", "))
		b.WriteString(".\n")
	}
	b.WriteString("Work on the task you are given. Use tools when they help. ")
	b.WriteString("When the task is complete, reply with a short summary and stop calling tools.\n")

	if cfg.SkillsSummary != "" {
		b.WriteString("\n")
		b.WriteString(cfg.SkillsSummary)
		b.WriteString("\n")
	}
	if cfg.Instructions != "" {
		b.WriteString("\n")
		b.WriteString(cfg.Instructions)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// loadInstructions reads AGENTS.md from the workspace; absent is fine.
func loadInstructions(baseDir string) string {
	data, err := os.ReadFile(filepath.Join(baseDir, AgentsFile))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
