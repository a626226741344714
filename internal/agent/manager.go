package agent

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nextlevelbuilder/taskclaw/internal/eventlog"
	"github.com/nextlevelbuilder/taskclaw/internal/task"
	"github.com/nextlevelbuilder/taskclaw/pkg/protocol"
)

// Manager holds the registered agents and their runtimes, and fans
// domain events to the runtime owning each stream.
type Manager struct {
	proj   *task.Projection
	events *eventlog.EventLog

	mu       sync.RWMutex
	runtimes map[string]*Runtime
	running  bool
	unsub    func()
}

func NewManager(events *eventlog.EventLog, proj *task.Projection) *Manager {
	return &Manager{
		proj:     proj,
		events:   events,
		runtimes: make(map[string]*Runtime),
	}
}

// RegisterAgent adds an agent runtime. Registration happens before
// Start; a duplicate id replaces the previous entry.
func (m *Manager) RegisterAgent(rt *Runtime) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runtimes[rt.Agent().ID()] = rt
}

// HasAgent reports whether an agent id is registered.
func (m *Manager) HasAgent(agentID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.runtimes[agentID]
	return ok
}

// Running reports whether the manager is subscribed to the event log.
func (m *Manager) Running() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

// Start subscribes to the event log and begins routing.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.unsub = m.events.Subscribe(m.route)
	m.running = true
}

// Stop unsubscribes and waits for in-flight loops to finish.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	unsub := m.unsub
	runtimes := make([]*Runtime, 0, len(m.runtimes))
	for _, rt := range m.runtimes {
		runtimes = append(runtimes, rt)
	}
	m.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	for _, rt := range runtimes {
		rt.Wait()
	}
}

// ExecuteTask routes a task to its agent's runtime and starts a loop
// for it (used for explicit kicks, e.g. resuming after a restart).
func (m *Manager) ExecuteTask(taskID string) error {
	t, ok := m.proj.GetTask(taskID)
	if !ok {
		return fmt.Errorf("%w: %s", task.ErrNotFound, taskID)
	}
	rt, ok := m.runtime(t.AgentID)
	if !ok {
		return fmt.Errorf("%w: agent %s", task.ErrNotFound, t.AgentID)
	}
	rt.startLoop(taskID, nil)
	return nil
}

// ResumeOpenTasks kicks every open or in-progress task after a restart
// so dangling work continues or closes per the repair rules. Paused and
// awaiting tasks are left as they are.
func (m *Manager) ResumeOpenTasks() {
	for _, t := range m.proj.ListTasks() {
		switch t.Status {
		case task.StatusOpen, task.StatusInProgress:
			if err := m.ExecuteTask(t.TaskID); err != nil {
				slog.Warn("resume after restart failed", "task", t.TaskID, "error", err)
			}
		}
	}
}

func (m *Manager) runtime(agentID string) (*Runtime, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rt, ok := m.runtimes[agentID]
	return rt, ok
}

// route fans one event to the runtime owning the stream's agent.
func (m *Manager) route(ev eventlog.Event) {
	agentID := ""
	if ev.Type == protocol.EventTaskCreated {
		var payload task.CreatedPayload
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			slog.Warn("unroutable TaskCreated", "stream", ev.StreamID, "error", err)
			return
		}
		agentID = payload.AgentID
	} else if t, ok := m.proj.GetTask(ev.StreamID); ok {
		agentID = t.AgentID
	}
	if agentID == "" {
		return
	}
	if rt, ok := m.runtime(agentID); ok {
		rt.HandleEvent(ev)
	}
}
