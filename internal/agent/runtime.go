package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nextlevelbuilder/taskclaw/internal/bus"
	"github.com/nextlevelbuilder/taskclaw/internal/conversation"
	"github.com/nextlevelbuilder/taskclaw/internal/eventlog"
	"github.com/nextlevelbuilder/taskclaw/internal/providers"
	"github.com/nextlevelbuilder/taskclaw/internal/skills"
	"github.com/nextlevelbuilder/taskclaw/internal/task"
	"github.com/nextlevelbuilder/taskclaw/internal/tools"
	"github.com/nextlevelbuilder/taskclaw/pkg/protocol"
)

// RuntimeConfig carries the per-agent wiring.
type RuntimeConfig struct {
	Provider      providers.Provider
	Model         string
	Streaming     bool
	MaxIterations int
	PolicyMode    string
	Workspace     string
	SkillAllow    []string
}

// Runtime drives tasks for one agent id. It owns the in-flight, paused
// and queued-instruction sets; all of them are mutated only from the
// event dispatcher plus the loop goroutines it spawns, under one mutex.
type Runtime struct {
	agent    Agent
	cfg      RuntimeConfig
	handler  *Handler
	conv     *conversation.Manager
	service  *task.Service
	proj     *task.Projection
	events   *eventlog.EventLog
	registry *tools.Registry
	skills   *skills.Loader
	pub      bus.Publisher

	mu          sync.Mutex
	inFlight    map[string]bool
	paused      map[string]bool
	queuedInstr map[string]bool
	cancels     map[string]context.CancelFunc
	wg          sync.WaitGroup
}

// RuntimeDeps aggregates the shared collaborators.
type RuntimeDeps struct {
	Handler  *Handler
	Conv     *conversation.Manager
	Service  *task.Service
	Proj     *task.Projection
	Events   *eventlog.EventLog
	Registry *tools.Registry
	Skills   *skills.Loader
	Bus      bus.Publisher
}

func NewRuntime(a Agent, cfg RuntimeConfig, deps RuntimeDeps) *Runtime {
	return &Runtime{
		agent:       a,
		cfg:         cfg,
		handler:     deps.Handler,
		conv:        deps.Conv,
		service:     deps.Service,
		proj:        deps.Proj,
		events:      deps.Events,
		registry:    deps.Registry,
		skills:      deps.Skills,
		pub:         deps.Bus,
		inFlight:    make(map[string]bool),
		paused:      make(map[string]bool),
		queuedInstr: make(map[string]bool),
		cancels:     make(map[string]context.CancelFunc),
	}
}

// Agent returns the driven agent.
func (r *Runtime) Agent() Agent { return r.agent }

// Wait blocks until every loop goroutine has finished.
func (r *Runtime) Wait() { r.wg.Wait() }

// HandleEvent dispatches one domain event for a stream owned by this
// runtime's agent.
func (r *Runtime) HandleEvent(ev eventlog.Event) {
	taskID := ev.StreamID
	switch ev.Type {
	case protocol.EventTaskCreated:
		r.startLoop(taskID, nil)

	case protocol.EventUserInteractionResponded:
		// Dedup key: replaying the same response event must not start a
		// second authorized run.
		key := fmt.Sprintf("resume:%s:%d", taskID, ev.ID)
		r.mu.Lock()
		if r.inFlight[key] {
			r.mu.Unlock()
			return
		}
		r.inFlight[key] = true
		r.mu.Unlock()

		var payload task.InteractionRespondedPayload
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			slog.Warn("bad interaction response payload", "task", taskID, "error", err)
			return
		}
		r.startLoop(taskID, &payload)

	case protocol.EventTaskPaused:
		r.mu.Lock()
		r.paused[taskID] = true
		cancel := r.cancels[taskID]
		r.mu.Unlock()
		if cancel != nil {
			cancel()
		}

	case protocol.EventTaskCanceled:
		r.mu.Lock()
		delete(r.paused, taskID)
		cancel := r.cancels[taskID]
		r.mu.Unlock()
		if cancel != nil {
			cancel()
		}

	case protocol.EventTaskResumed:
		r.mu.Lock()
		delete(r.paused, taskID)
		r.mu.Unlock()
		r.startLoop(taskID, nil)

	case protocol.EventTaskInstructionAdded:
		var payload task.InstructionPayload
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			slog.Warn("bad instruction payload", "task", taskID, "error", err)
			return
		}
		r.mu.Lock()
		delete(r.paused, taskID)
		r.mu.Unlock()

		if r.conv.SafeToInject(taskID) {
			if err := r.conv.AppendMessage(taskID, providers.Message{
				Role:    providers.RoleUser,
				Content: payload.Text,
			}); err != nil {
				slog.Warn("instruction append failed, queueing", "task", taskID, "error", err)
				r.conv.EnqueueInstruction(taskID, payload.Text)
			}
		} else {
			r.conv.EnqueueInstruction(taskID, payload.Text)
		}

		t, ok := r.proj.GetTask(taskID)
		if !ok {
			return
		}
		if t.Status == task.StatusAwaitingUser {
			// The interaction response will re-drive the loop.
			return
		}
		// The projection may already reflect a response appended after
		// this instruction; that response event re-drives the loop.
		for _, later := range r.events.ReadStream(taskID, ev.Seq+1) {
			if later.Type == protocol.EventUserInteractionResponded {
				return
			}
		}
		r.mu.Lock()
		if r.inFlight[taskID] {
			r.queuedInstr[taskID] = true
			r.mu.Unlock()
			return
		}
		r.mu.Unlock()
		r.startLoop(taskID, nil)
	}
}

// startLoop marks the task in flight and runs executeLoop on its own
// goroutine. At most one loop per task id is active at a time.
func (r *Runtime) startLoop(taskID string, pending *task.InteractionRespondedPayload) {
	r.mu.Lock()
	if r.inFlight[taskID] {
		r.mu.Unlock()
		return
	}
	r.inFlight[taskID] = true
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			r.mu.Lock()
			delete(r.inFlight, taskID)
			r.mu.Unlock()
		}()
		r.executeLoop(taskID, pending)
	}()
}

// executeLoop drives runLoop and stops once the task is terminal or
// awaiting the user; otherwise it drives runLoop again only while
// instructions are queued for the task.
func (r *Runtime) executeLoop(taskID string, pending *task.InteractionRespondedPayload) {
	for {
		t, ok := r.proj.GetTask(taskID)
		if !ok {
			slog.Warn("loop for unknown task", "task", taskID)
			return
		}
		if t.Status.Terminal() || t.Status == task.StatusAwaitingUser {
			return
		}
		switch t.Status {
		case task.StatusOpen:
			if err := r.service.MarkStarted(taskID); err != nil {
				slog.Warn("mark started failed", "task", taskID, "error", err)
				return
			}
		case task.StatusPaused:
			// An instruction re-drove a paused task; realign the stream.
			if err := r.service.ResumeTask(taskID); err != nil {
				slog.Warn("implicit resume failed", "task", taskID, "error", err)
				return
			}
		}
		t, _ = r.proj.GetTask(taskID)

		if err := r.runLoop(t, pending); err != nil {
			slog.Error("agent loop failed", "task", taskID, "agent", r.agent.ID(), "error", err)
			if ferr := r.service.MarkFailed(taskID, err.Error()); ferr != nil && !errors.Is(ferr, task.ErrInvalidTransition) {
				slog.Error("mark failed failed", "task", taskID, "error", ferr)
			}
			return
		}
		pending = nil

		t, ok = r.proj.GetTask(taskID)
		if !ok || t.Status.Terminal() || t.Status == task.StatusAwaitingUser {
			return
		}
		r.mu.Lock()
		queuedFlag := r.queuedInstr[taskID]
		delete(r.queuedInstr, taskID)
		pausedNow := r.paused[taskID]
		r.mu.Unlock()
		hasQueue := r.conv.QueuedInstructions(taskID) > 0

		if pausedNow && !hasQueue && !queuedFlag {
			return
		}
		if !hasQueue && !queuedFlag {
			return
		}
	}
}

// runLoop drives one generator run for the task.
func (r *Runtime) runLoop(t *task.Task, pending *task.InteractionRespondedPayload) error {
	taskID := t.TaskID
	ctx, cancel := context.WithCancel(context.Background())
	r.mu.Lock()
	r.cancels[taskID] = cancel
	r.mu.Unlock()
	defer func() {
		cancel()
		r.mu.Lock()
		delete(r.cancels, taskID)
		r.mu.Unlock()
	}()

	tc := &tools.Context{
		TaskID:        taskID,
		AgentID:       r.agent.ID(),
		AuthorActorID: "agent:" + r.agent.ID(),
		Workspace:     r.cfg.Workspace,
		PolicyMode:    r.cfg.PolicyMode,
	}
	oc := &OutputContext{Task: t, ToolCtx: tc, Streaming: r.cfg.Streaming}

	// Process a fresh interaction response before anything else touches
	// the dangling calls.
	if pending != nil {
		if pending.SelectedOptionID == protocol.OptionApprove {
			if req, ok := r.findInteractionRequest(taskID, pending.InteractionID); ok {
				tc.ConfirmedInteractionID = pending.InteractionID
				tc.ConfirmedToolCallID = req.ToolCallID
				if req.ToolCallID != "" && r.conv.HasDanglingCall(taskID, req.ToolCallID) {
					call := providers.ToolCall{ID: req.ToolCallID, Name: req.ToolName, Arguments: req.Arguments}
					if _, err := r.handler.HandleSingleCall(ctx, call, oc); err != nil {
						return err
					}
				}
			}
		} else {
			if err := r.conv.InjectRejections(taskID, tc); err != nil {
				return err
			}
		}
	}

	r.conv.LoadAndRepair(ctx, taskID, tc)
	if _, err := r.conv.DrainInstructions(taskID); err != nil {
		return err
	}

	ac := &Context{
		TaskID:          taskID,
		AgentID:         r.agent.ID(),
		BaseDir:         r.cfg.Workspace,
		LLM:             r.cfg.Provider,
		Model:           r.cfg.Model,
		Tools:           r.registry.Definitions(),
		Skills:          r.skills,
		SkillAllow:      r.cfg.SkillAllow,
		History:         func() []providers.Message { return r.conv.History(taskID) },
		Persist:         func(msg providers.Message) error { return r.conv.AppendMessage(taskID, msg) },
		Streaming:       r.cfg.Streaming,
		Bus:             r.pub,
		PendingResponse: pending,
		MaxIterations:   r.cfg.MaxIterations,
	}

	for out := range r.agent.Run(ctx, t, ac) {
		// Injection and status checks happen only at yield boundaries.
		if _, err := r.conv.DrainInstructions(taskID); err != nil {
			return err
		}
		if r.isPaused(taskID) && r.conv.SafeToInject(taskID) {
			break
		}
		disp, err := r.handler.Handle(ctx, out, oc)
		if err != nil {
			return err
		}
		if disp.Pause || disp.Terminal {
			break
		}
	}
	return nil
}

func (r *Runtime) isPaused(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.paused[taskID]
}

// findInteractionRequest reads the stream for the UserInteractionRequested
// event matching an interaction id.
func (r *Runtime) findInteractionRequest(taskID, interactionID string) (task.InteractionRequestedPayload, bool) {
	for _, ev := range r.events.ReadStream(taskID, 1) {
		if ev.Type != protocol.EventUserInteractionRequested {
			continue
		}
		var payload task.InteractionRequestedPayload
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			continue
		}
		if payload.InteractionID == interactionID {
			return payload, true
		}
	}
	return task.InteractionRequestedPayload{}, false
}
