package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nextlevelbuilder/taskclaw/internal/eventlog"
	"github.com/nextlevelbuilder/taskclaw/internal/providers"
	"github.com/nextlevelbuilder/taskclaw/internal/task"
	"github.com/nextlevelbuilder/taskclaw/pkg/protocol"
)

// DefaultSubtaskTimeout bounds how long createSubtasks waits for one
// child before re-checking its status.
const DefaultSubtaskTimeout = 5 * time.Minute

// AgentDirectory is the slice of the runtime manager the subtask tools
// need: is the runtime up, and is an agent registered.
type AgentDirectory interface {
	Running() bool
	HasAgent(agentID string) bool
}

// SubtaskDeps wires the subtask bridge tools.
type SubtaskDeps struct {
	Service       *task.Service
	Projection    *task.Projection
	Events        *eventlog.EventLog
	Conversations *eventlog.ConversationLog
	Agents        AgentDirectory
	Timeout       time.Duration
}

func (d *SubtaskDeps) timeout() time.Duration {
	if d.Timeout > 0 {
		return d.Timeout
	}
	return DefaultSubtaskTimeout
}

type childResult struct {
	TaskID       string `json:"taskId"`
	Title        string `json:"title"`
	Status       string `json:"status"`
	Summary      string `json:"summary,omitempty"`
	Failure      string `json:"failureReason,omitempty"`
	FinalMessage string `json:"finalMessage,omitempty"`
	Error        string `json:"error,omitempty"`
}

// CreateSubtasksTool creates child tasks and blocks until each reaches a
// terminal event, the parent is canceled, or the timeout fires.
type CreateSubtasksTool struct {
	deps SubtaskDeps
}

func NewCreateSubtasksTool(deps SubtaskDeps) *CreateSubtasksTool {
	return &CreateSubtasksTool{deps: deps}
}

func (t *CreateSubtasksTool) Name() string { return "createSubtasks" }
func (t *CreateSubtasksTool) Description() string {
	return "Create one or more subtasks and wait for their results"
}
func (t *CreateSubtasksTool) Group() string { return GroupTasks }
func (t *CreateSubtasksTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"tasks": map[string]any{
				"type":        "array",
				"description": "Subtasks to create",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"title":    map[string]any{"type": "string", "description": "Short task title"},
						"intent":   map[string]any{"type": "string", "description": "What the subtask should accomplish"},
						"agent_id": map[string]any{"type": "string", "description": "Agent to run the subtask (default: this agent)"},
					},
					"required": []string{"title"},
				},
			},
			"timeout_seconds": map[string]any{
				"type":        "integer",
				"description": "Per-subtask wait limit in seconds (default 300)",
			},
		},
		"required": []string{"tasks"},
	}
}

func (t *CreateSubtasksTool) RiskLevel(map[string]any, *Context) Risk { return RiskSafe }

// CanExecute validates the runtime is up and the caller is a top-level
// task before any child is created.
func (t *CreateSubtasksTool) CanExecute(args map[string]any, tc *Context) error {
	if t.deps.Agents == nil || !t.deps.Agents.Running() {
		return fmt.Errorf("agent runtime is not running")
	}
	depth, err := t.deps.Projection.AncestorDepth(tc.TaskID)
	if err != nil {
		return err
	}
	if depth != 0 {
		return fmt.Errorf("%w: createSubtasks is only available to top-level tasks", task.ErrDepthExceeded)
	}
	return nil
}

func (t *CreateSubtasksTool) Execute(ctx context.Context, args map[string]any, tc *Context) *Result {
	rawTasks, _ := args["tasks"].([]any)
	if len(rawTasks) == 0 {
		return ErrorResult("tasks must be a non-empty array")
	}
	timeout := t.deps.timeout()
	if secs, ok := args["timeout_seconds"].(float64); ok && secs > 0 {
		timeout = time.Duration(secs) * time.Second
	}

	type childSpec struct {
		title, intent, agentID string
	}
	specs := make([]childSpec, 0, len(rawTasks))
	for _, raw := range rawTasks {
		m, ok := raw.(map[string]any)
		if !ok {
			return ErrorResult("each task must be an object")
		}
		spec := childSpec{}
		spec.title, _ = m["title"].(string)
		spec.intent, _ = m["intent"].(string)
		spec.agentID, _ = m["agent_id"].(string)
		if spec.agentID == "" {
			spec.agentID = tc.AgentID
		}
		if spec.title == "" {
			return ErrorResult("each task needs a title")
		}
		if !t.deps.Agents.HasAgent(spec.agentID) {
			return ErrorResult(fmt.Sprintf("unknown agent: %s", spec.agentID))
		}
		specs = append(specs, spec)
	}

	results := make([]childResult, len(specs))
	var wg sync.WaitGroup
	for i, spec := range specs {
		wg.Add(1)
		go func(i int, spec childSpec) {
			defer wg.Done()
			results[i] = t.runChild(ctx, tc, spec.title, spec.intent, spec.agentID, timeout)
		}(i, spec)
	}
	wg.Wait()

	data, err := json.Marshal(results)
	if err != nil {
		return ErrorResult(fmt.Sprintf("marshal subtask results: %v", err))
	}
	for _, r := range results {
		if r.Error != "" {
			return &Result{ForLLM: string(data), IsError: true}
		}
	}
	return NewResult(string(data))
}

// runChild implements the per-child algorithm: subscribe before create,
// catch-up read after create, then race the terminal event against the
// parent's cancel signal and the timeout. Every exit path tears down the
// subscription and the timer.
func (t *CreateSubtasksTool) runChild(ctx context.Context, tc *Context, title, intent, agentID string, timeout time.Duration) childResult {
	var mu sync.Mutex
	var childID string
	terminal := make(chan struct{}, 1)

	unsub := t.deps.Events.Subscribe(func(ev eventlog.Event) {
		if !isTerminalEvent(ev.Type) {
			return
		}
		mu.Lock()
		id := childID
		mu.Unlock()
		if id == "" || ev.StreamID != id {
			return
		}
		select {
		case terminal <- struct{}{}:
		default:
		}
	})
	defer unsub()

	id, err := t.deps.Service.CreateTask(task.CreateTaskRequest{
		Title:         title,
		Intent:        intent,
		Priority:      task.PriorityBackground,
		AgentID:       agentID,
		ParentTaskID:  tc.TaskID,
		AuthorActorID: tc.AuthorActorID,
	})
	if err != nil {
		return childResult{Title: title, Error: fmt.Sprintf("create subtask: %v", err)}
	}
	mu.Lock()
	childID = id
	mu.Unlock()

	// Catch-up: the child may have finished before the filter activated.
	if child, ok := t.deps.Projection.GetTask(id); ok && child.Status.Terminal() {
		return t.finish(child)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-terminal:
		child, _ := t.deps.Projection.GetTask(id)
		return t.finish(child)
	case <-ctx.Done():
		// Parent canceled or paused: cancel the child best-effort.
		if err := t.deps.Service.CancelTask(id, "parent canceled"); err != nil {
			child, ok := t.deps.Projection.GetTask(id)
			if ok && child.Status.Terminal() {
				return t.finish(child)
			}
		}
		child, _ := t.deps.Projection.GetTask(id)
		res := t.finish(child)
		res.Error = "canceled with parent"
		return res
	case <-timer.C:
		// Re-read: the terminal event may have raced the timer.
		if child, ok := t.deps.Projection.GetTask(id); ok && child.Status.Terminal() {
			return t.finish(child)
		}
		return childResult{
			TaskID: id,
			Title:  title,
			Status: "running",
			Error:  fmt.Sprintf("subtask still running after %s", timeout),
		}
	}
}

func (t *CreateSubtasksTool) finish(child *task.Task) childResult {
	if child == nil {
		return childResult{Error: "subtask vanished from projection"}
	}
	res := childResult{
		TaskID:  child.TaskID,
		Title:   child.Title,
		Status:  string(child.Status),
		Summary: child.Summary,
		Failure: child.FailureReason,
	}
	// Best-effort: include the child's final assistant message.
	msgs := t.deps.Conversations.ReadTask(child.TaskID)
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == providers.RoleAssistant && msgs[i].Content != "" {
			res.FinalMessage = msgs[i].Content
			break
		}
	}
	return res
}

func isTerminalEvent(eventType string) bool {
	switch eventType {
	case protocol.EventTaskCompleted, protocol.EventTaskFailed, protocol.EventTaskCanceled:
		return true
	}
	return false
}

// ListSubtaskTool reports the current state of one child task.
type ListSubtaskTool struct {
	deps SubtaskDeps
}

func NewListSubtaskTool(deps SubtaskDeps) *ListSubtaskTool {
	return &ListSubtaskTool{deps: deps}
}

func (t *ListSubtaskTool) Name() string        { return "listSubtask" }
func (t *ListSubtaskTool) Description() string { return "Get the status of a subtask of this task" }
func (t *ListSubtaskTool) Group() string       { return GroupTasks }
func (t *ListSubtaskTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"task_id": map[string]any{
				"type":        "string",
				"description": "Subtask id; omit to list all children",
			},
		},
	}
}

func (t *ListSubtaskTool) RiskLevel(map[string]any, *Context) Risk { return RiskSafe }

func (t *ListSubtaskTool) Execute(_ context.Context, args map[string]any, tc *Context) *Result {
	childID, _ := args["task_id"].(string)

	if childID == "" {
		children := t.deps.Projection.ListChildren(tc.TaskID)
		out := make([]childResult, 0, len(children))
		for _, child := range children {
			out = append(out, childResult{
				TaskID:  child.TaskID,
				Title:   child.Title,
				Status:  string(child.Status),
				Summary: child.Summary,
				Failure: child.FailureReason,
			})
		}
		data, _ := json.Marshal(out)
		return NewResult(string(data))
	}

	child, ok := t.deps.Projection.GetTask(childID)
	if !ok {
		return ErrorResult(fmt.Sprintf("unknown task: %s", childID))
	}
	if child.ParentTaskID != tc.TaskID {
		return ErrorResult(fmt.Sprintf("task %s is not a subtask of this task", childID))
	}
	data, _ := json.Marshal(childResult{
		TaskID:  child.TaskID,
		Title:   child.Title,
		Status:  string(child.Status),
		Summary: child.Summary,
		Failure: child.FailureReason,
	})
	return NewResult(string(data))
}
