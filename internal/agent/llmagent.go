package agent

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/taskclaw/internal/providers"
	"github.com/nextlevelbuilder/taskclaw/internal/task"
	"github.com/nextlevelbuilder/taskclaw/internal/tracing"
)

const defaultMaxIterations = 20

// LLMAgent is the default agent: it composes a system prompt from
// AGENTS.md and the skill catalog, calls the model, parses the response
// into outputs, and loops until the model stops calling tools.
type LLMAgent struct {
	id          string
	displayName string
}

func NewLLMAgent(id, displayName string) *LLMAgent {
	if displayName == "" {
		displayName = id
	}
	return &LLMAgent{id: id, displayName: displayName}
}

func (a *LLMAgent) ID() string          { return a.id }
func (a *LLMAgent) DisplayName() string { return a.displayName }

// Run yields the agent's outputs for one drive of the task. The
// sequence ends with done or failed, or earlier when the consumer
// breaks (pause, approval prompt, cancel).
func (a *LLMAgent) Run(ctx context.Context, t *task.Task, ac *Context) iter.Seq[Output] {
	return func(yield func(Output) bool) {
		maxIterations := ac.MaxIterations
		if maxIterations <= 0 {
			maxIterations = defaultMaxIterations
		}

		if err := a.seedConversation(t, ac); err != nil {
			yield(Output{Kind: OutputFailed, Reason: fmt.Sprintf("seed conversation: %v", err)})
			return
		}

		for iteration := 1; iteration <= maxIterations; iteration++ {
			if ctx.Err() != nil {
				return
			}

			req := providers.ChatRequest{
				Messages: sanitizeHistory(ac.History()),
				Tools:    ac.Tools,
				Model:    ac.Model,
			}

			llmCtx, span := tracing.StartLLMSpan(ctx, ac.TaskID, ac.AgentID, ac.Model)
			start := time.Now()
			var resp *providers.ChatResponse
			var parts []providers.Part
			var err error
			if ac.Streaming {
				session := NewStreamSession(ac.Bus, ac.TaskID, ac.AgentID)
				resp, err = ac.LLM.ChatStream(llmCtx, req, session.OnChunk)
				parts = session.Parts()
			} else {
				resp, err = ac.LLM.Chat(llmCtx, req)
			}
			span.End()

			if err != nil {
				if ctx.Err() != nil {
					// Canceled mid-call: the runtime owns the outcome.
					return
				}
				yield(Output{Kind: OutputFailed, Reason: fmt.Sprintf("LLM call failed: %v", err)})
				return
			}
			slog.Debug("llm turn",
				"agent", a.id,
				"task", ac.TaskID,
				"iteration", iteration,
				"tool_calls", len(resp.ToolCalls),
				"duration", time.Since(start),
			)

			assistant := providers.Message{
				Role:      providers.RoleAssistant,
				Content:   resp.Content,
				ToolCalls: resp.ToolCalls,
				Parts:     parts,
			}
			if err := ac.Persist(assistant); err != nil {
				yield(Output{Kind: OutputFailed, Reason: fmt.Sprintf("persist assistant turn: %v", err)})
				return
			}

			if resp.Reasoning != "" && !ac.Streaming {
				if !yield(Output{Kind: OutputReasoning, Content: resp.Reasoning}) {
					return
				}
			}
			if resp.Content != "" {
				if !yield(Output{Kind: OutputText, Content: resp.Content}) {
					return
				}
			}

			if len(resp.ToolCalls) == 0 {
				yield(Output{Kind: OutputDone, Summary: resp.Content})
				return
			}
			if len(resp.ToolCalls) == 1 {
				call := resp.ToolCalls[0]
				if !yield(Output{Kind: OutputToolCall, Call: &call}) {
					return
				}
			} else {
				if !yield(Output{Kind: OutputToolCalls, Calls: resp.ToolCalls}) {
					return
				}
			}
		}

		yield(Output{Kind: OutputFailed, Reason: fmt.Sprintf("no completion after %d iterations", maxIterations)})
	}
}

// seedConversation persists the system and initial user messages on the
// first run of a task.
func (a *LLMAgent) seedConversation(t *task.Task, ac *Context) error {
	if len(ac.History()) > 0 {
		return nil
	}
	var toolNames []string
	for _, def := range ac.Tools {
		toolNames = append(toolNames, def.Function.Name)
	}
	var skillsSummary string
	if ac.Skills != nil {
		skillsSummary = ac.Skills.BuildSummary(ac.SkillAllow)
	}
	system := BuildSystemPrompt(SystemPromptConfig{
		AgentID:       a.id,
		Model:         ac.Model,
		Workspace:     ac.BaseDir,
		ToolNames:     toolNames,
		SkillsSummary: skillsSummary,
		Instructions:  loadInstructions(ac.BaseDir),
	})
	if err := ac.Persist(providers.Message{Role: providers.RoleSystem, Content: system}); err != nil {
		return err
	}
	prompt := t.Title
	if t.Intent != "" {
		prompt = t.Title + "\n\n" + t.Intent
	}
	return ac.Persist(providers.Message{Role: providers.RoleUser, Content: prompt})
}
