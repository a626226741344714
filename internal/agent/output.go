package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/taskclaw/internal/bus"
	"github.com/nextlevelbuilder/taskclaw/internal/conversation"
	"github.com/nextlevelbuilder/taskclaw/internal/providers"
	"github.com/nextlevelbuilder/taskclaw/internal/task"
	"github.com/nextlevelbuilder/taskclaw/internal/tools"
	"github.com/nextlevelbuilder/taskclaw/internal/tracing"
	"github.com/nextlevelbuilder/taskclaw/pkg/protocol"
)

const defaultHeartbeat = 4 * time.Second

// Disposition tells the runtime what a handled output did to the loop.
type Disposition struct {
	Pause    bool // a confirmation prompt went out; stop driving the generator
	Terminal bool // the task reached done/failed
}

// OutputContext carries the per-run state the handler needs.
type OutputContext struct {
	Task      *task.Task
	ToolCtx   *tools.Context
	Streaming bool
}

// Handler interprets agent outputs: UI events for text-likes, the
// hybrid concurrent/sequential scheduler for tool batches, confirmation
// prompts for risky calls, terminal events for done/failed.
type Handler struct {
	pub       bus.Publisher
	conv      *conversation.Manager
	executor  *tools.Executor
	service   *task.Service
	heartbeat time.Duration
}

func NewHandler(pub bus.Publisher, conv *conversation.Manager, executor *tools.Executor, service *task.Service, heartbeat time.Duration) *Handler {
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	return &Handler{
		pub:       pub,
		conv:      conv,
		executor:  executor,
		service:   service,
		heartbeat: heartbeat,
	}
}

// Handle turns one agent output into durable effects.
func (h *Handler) Handle(ctx context.Context, out Output, oc *OutputContext) (Disposition, error) {
	switch out.Kind {
	case OutputText, OutputReasoning:
		// With streaming on, the deltas already went out on the ui$
		// stream; the finalization came from the LLM response itself.
		if !oc.Streaming {
			h.emitOutput(oc, string(out.Kind), out.Content)
		}
		return Disposition{}, nil
	case OutputVerbose, OutputError:
		h.emitOutput(oc, string(out.Kind), out.Content)
		return Disposition{}, nil
	case OutputToolCall:
		return h.handleSingleCall(ctx, *out.Call, oc)
	case OutputToolCalls:
		return h.handleBatch(ctx, out.Calls, oc)
	case OutputDone:
		if err := h.service.MarkCompleted(oc.Task.TaskID, out.Summary); err != nil {
			if h.alreadyTerminal(oc.Task.TaskID, err) {
				return Disposition{Terminal: true}, nil
			}
			return Disposition{}, err
		}
		return Disposition{Terminal: true}, nil
	case OutputFailed:
		if err := h.service.MarkFailed(oc.Task.TaskID, out.Reason); err != nil {
			if h.alreadyTerminal(oc.Task.TaskID, err) {
				return Disposition{Terminal: true}, nil
			}
			return Disposition{}, err
		}
		return Disposition{Terminal: true}, nil
	}
	return Disposition{}, fmt.Errorf("unknown agent output kind %q", out.Kind)
}

// HandleSingleCall is the single tool call path, also used by the
// runtime when it executes a freshly approved call on resume.
func (h *Handler) HandleSingleCall(ctx context.Context, call providers.ToolCall, oc *OutputContext) (Disposition, error) {
	return h.handleSingleCall(ctx, call, oc)
}

func (h *Handler) handleSingleCall(ctx context.Context, call providers.ToolCall, oc *OutputContext) (Disposition, error) {
	tc := oc.ToolCtx
	tool, known := h.executor.Registry().Get(call.Name)

	// Precondition check runs before any risk prompt or execution.
	if known {
		if pre, ok := tool.(tools.Preflight); ok {
			if err := pre.CanExecute(call.Arguments, tc); err != nil {
				result := tools.ErrorResult(fmt.Sprintf("precondition failed: %v", err))
				if perr := h.conv.PersistToolResult(oc.Task.TaskID, call, result); perr != nil {
					return Disposition{}, perr
				}
				h.emitToolEnd(oc, call, result, 0)
				return Disposition{}, nil
			}
		}
	}

	risky := false
	if known {
		risky = tc.ModeRisk(tool.RiskLevel(call.Arguments, tc)) == tools.RiskRisky
	}

	// Action binding: one approval authorizes exactly one invocation.
	if risky && (tc.ConfirmedInteractionID == "" || tc.ConfirmedToolCallID != call.ID) {
		interactionID := uuid.NewString()
		err := h.service.RequestInteraction(oc.Task.TaskID, task.InteractionRequestedPayload{
			InteractionID: interactionID,
			Kind:          "tool_approval",
			Prompt:        fmt.Sprintf("Allow %s to run?", call.Name),
			ToolCallID:    call.ID,
			ToolName:      call.Name,
			Arguments:     call.Arguments,
			Options: []task.InteractionOption{
				{ID: protocol.OptionApprove, Label: "Approve"},
				{ID: protocol.OptionReject, Label: "Reject"},
			},
		})
		if err != nil {
			return Disposition{}, err
		}
		return Disposition{Pause: true}, nil
	}

	result, dur := h.executeWithHeartbeat(ctx, call, oc)
	if err := h.conv.PersistToolResult(oc.Task.TaskID, call, result); err != nil {
		return Disposition{}, err
	}
	h.emitToolEnd(oc, call, result, dur)

	if risky {
		// The approval is spent.
		tc.ConfirmedInteractionID = ""
		tc.ConfirmedToolCallID = ""
	}
	return Disposition{}, nil
}

// executeWithHeartbeat runs the executor under a heartbeat ticker whose
// stop is guaranteed on every exit path.
func (h *Handler) executeWithHeartbeat(ctx context.Context, call providers.ToolCall, oc *OutputContext) (*tools.Result, time.Duration) {
	h.emit(oc, protocol.UIToolCallStart, map[string]any{
		"toolCallId": call.ID,
		"toolName":   call.Name,
	})

	start := time.Now()
	stop := make(chan struct{})
	var hbWG sync.WaitGroup
	hbWG.Add(1)
	go func() {
		defer hbWG.Done()
		ticker := time.NewTicker(h.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				h.emit(oc, protocol.UIToolCallHeartbeat, map[string]any{
					"toolCallId": call.ID,
					"elapsedMs":  time.Since(start).Milliseconds(),
				})
			case <-stop:
				return
			}
		}
	}()
	defer func() {
		close(stop)
		hbWG.Wait()
	}()

	toolCtx, span := tracing.StartToolSpan(ctx, oc.Task.TaskID, call.Name, call.ID)
	defer span.End()
	result := h.executor.Execute(toolCtx, call, oc.ToolCtx)
	return result, time.Since(start)
}

// handleBatch is the hybrid scheduler: contiguous runs of safe calls
// execute concurrently, risky calls are ordering barriers processed via
// the single-call path.
func (h *Handler) handleBatch(ctx context.Context, calls []providers.ToolCall, oc *OutputContext) (Disposition, error) {
	// Counts as of scheduling time; a mid-batch policy change does not
	// update them.
	safeCount, riskyCount := 0, 0
	riskyAt := make([]bool, len(calls))
	for i, call := range calls {
		risky := false
		if tool, ok := h.executor.Registry().Get(call.Name); ok {
			risky = oc.ToolCtx.ModeRisk(tool.RiskLevel(call.Arguments, oc.ToolCtx)) == tools.RiskRisky
		}
		riskyAt[i] = risky
		if risky {
			riskyCount++
		} else {
			safeCount++
		}
	}

	h.emit(oc, protocol.UIToolCallsBatchStart, map[string]any{
		"total": len(calls),
		"safe":  safeCount,
		"risky": riskyCount,
	})
	defer h.emit(oc, protocol.UIToolCallsBatchEnd, map[string]any{
		"total": len(calls),
		"safe":  safeCount,
		"risky": riskyCount,
	})

	i := 0
	for i < len(calls) {
		if riskyAt[i] {
			disp, err := h.handleSingleCall(ctx, calls[i], oc)
			if err != nil || disp.Pause || disp.Terminal {
				return disp, err
			}
			i++
			continue
		}

		// Contiguous safe segment: start all, await all.
		j := i
		for j < len(calls) && !riskyAt[j] {
			j++
		}
		segment := calls[i:j]
		errs := make([]error, len(segment))
		var wg sync.WaitGroup
		for k, call := range segment {
			wg.Add(1)
			go func(k int, call providers.ToolCall) {
				defer wg.Done()
				result, dur := h.executeWithHeartbeat(ctx, call, oc)
				if err := h.conv.PersistToolResult(oc.Task.TaskID, call, result); err != nil {
					errs[k] = err
					return
				}
				h.emitToolEnd(oc, call, result, dur)
			}(k, call)
		}
		wg.Wait()
		for _, err := range errs {
			if err != nil {
				// A failure that cannot be captured as a deterministic
				// ToolResult fails the whole segment.
				return Disposition{}, fmt.Errorf("tool batch segment failed: %w", err)
			}
		}
		i = j
	}
	return Disposition{}, nil
}

// alreadyTerminal reports whether a terminal mark failed only because a
// cancel beat it to the stream.
func (h *Handler) alreadyTerminal(taskID string, err error) bool {
	if !errors.Is(err, task.ErrInvalidTransition) {
		return false
	}
	t, ok := h.service.GetTask(taskID)
	return ok && t.Status.Terminal()
}

func (h *Handler) emitOutput(oc *OutputContext, kind, content string) {
	h.emit(oc, protocol.UIAgentOutput, map[string]any{
		"kind":    kind,
		"content": content,
	})
}

func (h *Handler) emitToolEnd(oc *OutputContext, call providers.ToolCall, result *tools.Result, dur time.Duration) {
	h.emit(oc, protocol.UIToolCallEnd, map[string]any{
		"toolCallId": call.ID,
		"toolName":   call.Name,
		"output":     result.ForLLM,
		"isError":    result.IsError,
		"durationMs": dur.Milliseconds(),
	})
}

func (h *Handler) emit(oc *OutputContext, name string, payload any) {
	if h.pub == nil {
		return
	}
	h.pub.Broadcast(bus.Event{
		Name:    name,
		TaskID:  oc.Task.TaskID,
		AgentID: oc.Task.AgentID,
		Payload: payload,
	})
}
