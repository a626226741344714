// Package conversation keeps persisted task histories structurally valid
// across crashes and pauses, and decides when the conversation is in a
// safe state for instruction injection.
package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nextlevelbuilder/taskclaw/internal/eventlog"
	"github.com/nextlevelbuilder/taskclaw/internal/providers"
	"github.com/nextlevelbuilder/taskclaw/internal/tools"
)

// Manager owns the per-task instruction queues and all conversation
// writes. Tool results go through an idempotent path keyed by toolCallId.
type Manager struct {
	log      *eventlog.ConversationLog
	executor *tools.Executor

	mu     sync.Mutex
	queues map[string][]string
}

func NewManager(log *eventlog.ConversationLog, executor *tools.Executor) *Manager {
	return &Manager{
		log:      log,
		executor: executor,
		queues:   make(map[string][]string),
	}
}

// History returns the persisted messages of a task in order.
func (m *Manager) History(taskID string) []providers.Message {
	return m.log.ReadTask(taskID)
}

// AppendMessage persists one message at the end of the task's history.
func (m *Manager) AppendMessage(taskID string, msg providers.Message) error {
	_, err := m.log.Append(taskID, msg)
	return err
}

// PersistToolResult appends the role=tool message for a call unless one
// with the same toolCallId already exists.
func (m *Manager) PersistToolResult(taskID string, call providers.ToolCall, result *tools.Result) error {
	_, err := m.log.AppendToolResultIfMissing(taskID, providers.Message{
		Role:       providers.RoleTool,
		Content:    result.MessageContent(),
		ToolCallID: call.ID,
		ToolName:   call.Name,
	})
	return err
}

// danglingCalls returns the tool calls of the last assistant message
// that have no following role=tool result.
func danglingCalls(history []providers.Message) []providers.ToolCall {
	lastAssistant := -1
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == providers.RoleAssistant && len(history[i].ToolCalls) > 0 {
			lastAssistant = i
			break
		}
	}
	if lastAssistant < 0 {
		return nil
	}
	answered := make(map[string]bool)
	for _, msg := range history[lastAssistant+1:] {
		if msg.Role == providers.RoleTool {
			answered[msg.ToolCallID] = true
		}
	}
	var open []providers.ToolCall
	for _, call := range history[lastAssistant].ToolCalls {
		if !answered[call.ID] {
			open = append(open, call)
		}
	}
	return open
}

// LoadAndRepair reads the task's history and closes dangling safe tool
// calls by re-executing them through the executor; a call whose tool
// precondition check fails gets a persisted error result instead of
// being executed. Risky or unknown
// calls are left dangling: the caller either re-issues a confirmation
// prompt or records a rejection. Returns the repaired history.
func (m *Manager) LoadAndRepair(ctx context.Context, taskID string, tc *tools.Context) []providers.Message {
	history := m.log.ReadTask(taskID)
	open := danglingCalls(history)
	if len(open) == 0 {
		return history
	}

	repaired := false
	for _, call := range open {
		tool, known := m.executor.Registry().Get(call.Name)
		if !known || tc.ModeRisk(tool.RiskLevel(call.Arguments, tc)) == tools.RiskRisky {
			continue
		}
		slog.Info("repairing dangling tool call", "task", taskID, "tool", call.Name, "tool_call_id", call.ID)
		var result *tools.Result
		if pre, ok := tool.(tools.Preflight); ok {
			if err := pre.CanExecute(call.Arguments, tc); err != nil {
				result = tools.ErrorResult(fmt.Sprintf("precondition failed: %v", err))
			}
		}
		if result == nil {
			result = m.executor.Execute(ctx, call, tc)
		}
		if err := m.PersistToolResult(taskID, call, result); err != nil {
			slog.Warn("failed to persist repaired tool result", "task", taskID, "tool_call_id", call.ID, "error", err)
			continue
		}
		repaired = true
	}
	if repaired {
		history = m.log.ReadTask(taskID)
	}
	return history
}

// InjectRejections records a synthetic rejection result for every
// dangling tool call, closing the ledger before the next LLM turn.
func (m *Manager) InjectRejections(taskID string, tc *tools.Context) error {
	for _, call := range danglingCalls(m.log.ReadTask(taskID)) {
		result := m.executor.RecordRejection(call, tc)
		if err := m.PersistToolResult(taskID, call, result); err != nil {
			return err
		}
	}
	return nil
}

// HasDanglingCall reports whether toolCallID is still open on the last
// assistant message.
func (m *Manager) HasDanglingCall(taskID, toolCallID string) bool {
	for _, call := range danglingCalls(m.log.ReadTask(taskID)) {
		if call.ID == toolCallID {
			return true
		}
	}
	return false
}

// SafeToInject reports whether appending a role=user message would not
// break the call/result pairing: true iff every tool call of the last
// assistant message that carries tool calls has a later role=tool result.
func (m *Manager) SafeToInject(taskID string) bool {
	return len(danglingCalls(m.log.ReadTask(taskID))) == 0
}

// EnqueueInstruction queues an instruction for injection at the next
// safe boundary.
func (m *Manager) EnqueueInstruction(taskID, text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queues[taskID] = append(m.queues[taskID], text)
}

// QueuedInstructions returns how many instructions wait for a task.
func (m *Manager) QueuedInstructions(taskID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues[taskID])
}

// DrainInstructions appends queued instructions as role=user messages in
// arrival order, provided the conversation is safe. Returns how many
// were injected.
func (m *Manager) DrainInstructions(taskID string) (int, error) {
	m.mu.Lock()
	queued := m.queues[taskID]
	if len(queued) == 0 {
		m.mu.Unlock()
		return 0, nil
	}
	m.mu.Unlock()

	if !m.SafeToInject(taskID) {
		return 0, nil
	}

	// Re-take the queue under the lock; new arrivals during the safety
	// check drain on the next boundary.
	m.mu.Lock()
	queued = m.queues[taskID]
	delete(m.queues, taskID)
	m.mu.Unlock()

	injected := 0
	for _, text := range queued {
		if err := m.AppendMessage(taskID, providers.Message{Role: providers.RoleUser, Content: text}); err != nil {
			// Re-queue what did not make it, preserving order.
			m.mu.Lock()
			m.queues[taskID] = append(queued[injected:], m.queues[taskID]...)
			m.mu.Unlock()
			return injected, err
		}
		injected++
	}
	return injected, nil
}
