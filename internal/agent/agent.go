// Package agent hosts the agent contract, the default LLM-backed agent,
// the output handler that turns agent yields into durable effects, and
// the per-agent runtime that drives task loops off the event loop.
package agent

import (
	"context"
	"iter"

	"github.com/nextlevelbuilder/taskclaw/internal/bus"
	"github.com/nextlevelbuilder/taskclaw/internal/providers"
	"github.com/nextlevelbuilder/taskclaw/internal/skills"
	"github.com/nextlevelbuilder/taskclaw/internal/task"
)

// OutputKind tags one agent yield.
type OutputKind string

const (
	OutputText      OutputKind = "text"
	OutputVerbose   OutputKind = "verbose"
	OutputError     OutputKind = "error"
	OutputReasoning OutputKind = "reasoning"
	OutputToolCall  OutputKind = "tool_call"
	OutputToolCalls OutputKind = "tool_calls"
	OutputDone      OutputKind = "done"
	OutputFailed    OutputKind = "failed"
)

// Output is one element of an agent's yield sequence.
type Output struct {
	Kind    OutputKind
	Content string               // text | verbose | error | reasoning
	Call    *providers.ToolCall  // tool_call
	Calls   []providers.ToolCall // tool_calls
	Summary string               // done
	Reason  string               // failed
}

// Context is what the runtime hands an agent for one run. History is
// re-read at each iteration so tool results persisted by the output
// handler are visible to the next model call.
type Context struct {
	TaskID  string
	AgentID string
	BaseDir string

	LLM   providers.Provider
	Model string
	Tools []providers.ToolDefinition

	Skills     *skills.Loader
	SkillAllow []string

	History func() []providers.Message
	Persist func(providers.Message) error

	Streaming bool
	Bus       bus.Publisher

	PendingResponse *task.InteractionRespondedPayload

	MaxIterations int
}

// Agent is a bounded, cooperative producer: given a task and a context
// it yields a finite sequence of outputs ending in done or failed, or
// stops early when the consumer breaks out of the iteration.
type Agent interface {
	ID() string
	DisplayName() string
	Run(ctx context.Context, t *task.Task, ac *Context) iter.Seq[Output]
}
