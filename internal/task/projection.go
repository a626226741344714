package task

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/nextlevelbuilder/taskclaw/internal/eventlog"
	"github.com/nextlevelbuilder/taskclaw/internal/store"
	"github.com/nextlevelbuilder/taskclaw/pkg/protocol"
)

// SnapshotName is the key under which the task projection persists
// itself in the snapshot store.
const SnapshotName = "tasks"

// Projection folds the event log into the task state machine plus the
// parent->children index. Apply is idempotent on event id, so the same
// stored event may arrive both synchronously from the task service and
// via the log subscription without double-folding.
type Projection struct {
	mu          sync.RWMutex
	tasks       map[string]*Task
	order       []string
	lastApplied uint64
}

func NewProjection() *Projection {
	return &Projection{tasks: make(map[string]*Task)}
}

// Apply folds one event. Events at or below the high-water mark and
// unknown event types are ignored.
func (p *Projection) Apply(ev eventlog.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.applyLocked(ev)
}

// ApplyAll folds a batch in order.
func (p *Projection) ApplyAll(events []eventlog.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ev := range events {
		p.applyLocked(ev)
	}
}

func (p *Projection) applyLocked(ev eventlog.Event) {
	if ev.ID <= p.lastApplied {
		return
	}
	p.lastApplied = ev.ID

	if ev.Type == protocol.EventTaskCreated {
		var payload CreatedPayload
		if err := json.Unmarshal(ev.Payload, &payload); err != nil {
			slog.Warn("task projection: bad TaskCreated payload", "stream", ev.StreamID, "error", err)
			return
		}
		priority := payload.Priority
		if priority == "" {
			priority = PriorityNormal
		}
		t := &Task{
			TaskID:       ev.StreamID,
			Title:        payload.Title,
			Intent:       payload.Intent,
			Priority:     priority,
			AgentID:      payload.AgentID,
			ParentTaskID: payload.ParentTaskID,
			Status:       StatusOpen,
			CreatedAt:    ev.CreatedAt,
			UpdatedAt:    ev.CreatedAt,
		}
		p.tasks[ev.StreamID] = t
		p.order = append(p.order, ev.StreamID)
		if parent, ok := p.tasks[payload.ParentTaskID]; ok {
			parent.ChildTaskIDs = append(parent.ChildTaskIDs, ev.StreamID)
		}
		return
	}

	t, ok := p.tasks[ev.StreamID]
	if !ok {
		// Replay of a stream whose TaskCreated line was lost; nothing to fold onto.
		slog.Warn("task projection: event for unknown task", "stream", ev.StreamID, "type", ev.Type)
		return
	}

	next, oc := transition(t.Status, ev.Type)
	if oc == outcomeRejected || oc == outcomeNoop {
		// Unknown event types also land here: forward compatibility.
		return
	}
	t.Status = next
	t.UpdatedAt = ev.CreatedAt

	switch ev.Type {
	case protocol.EventTaskCompleted:
		var payload CompletedPayload
		if err := json.Unmarshal(ev.Payload, &payload); err == nil {
			t.Summary = payload.Summary
		}
	case protocol.EventTaskFailed:
		var payload FailedPayload
		if err := json.Unmarshal(ev.Payload, &payload); err == nil {
			t.FailureReason = payload.Reason
		}
	case protocol.EventUserInteractionRequested:
		var payload InteractionRequestedPayload
		if err := json.Unmarshal(ev.Payload, &payload); err == nil {
			t.PendingInteractionID = payload.InteractionID
		}
	case protocol.EventUserInteractionResponded:
		t.PendingInteractionID = ""
	}
}

// GetTask returns a copy of the projected task.
func (p *Projection) GetTask(id string) (*Task, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	t, ok := p.tasks[id]
	if !ok {
		return nil, false
	}
	return t.clone(), true
}

// ListTasks returns copies of every task in creation order.
func (p *Projection) ListTasks() []*Task {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Task, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, p.tasks[id].clone())
	}
	return out
}

// ListChildren returns copies of a task's children in creation order.
func (p *Projection) ListChildren(id string) []*Task {
	p.mu.RLock()
	defer p.mu.RUnlock()
	t, ok := p.tasks[id]
	if !ok {
		return nil
	}
	out := make([]*Task, 0, len(t.ChildTaskIDs))
	for _, child := range t.ChildTaskIDs {
		if c, ok := p.tasks[child]; ok {
			out = append(out, c.clone())
		}
	}
	return out
}

// LastAppliedID returns the projection's event high-water mark.
func (p *Projection) LastAppliedID() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastApplied
}

// AncestorDepth walks the parent chain of id and returns its depth
// (0 for a top-level task). A revisited node reports ErrCycle.
func (p *Projection) AncestorDepth(id string) (int, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	depth := 0
	visited := map[string]bool{id: true}
	cur, ok := p.tasks[id]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	for cur.ParentTaskID != "" {
		if visited[cur.ParentTaskID] {
			return 0, fmt.Errorf("%w: via %s", ErrCycle, cur.ParentTaskID)
		}
		visited[cur.ParentTaskID] = true
		parent, ok := p.tasks[cur.ParentTaskID]
		if !ok {
			break
		}
		depth++
		cur = parent
	}
	return depth, nil
}

// snapshot is the persisted projection state.
type snapshot struct {
	LastAppliedID uint64  `json:"lastAppliedId"`
	Tasks         []*Task `json:"tasks"`
}

// Save persists the projection to the snapshot store. A missing
// workspace during save is swallowed (the store logs it); the in-memory
// state stays consistent either way.
func (p *Projection) Save(snapshots store.SnapshotStore) error {
	p.mu.RLock()
	snap := snapshot{LastAppliedID: p.lastApplied, Tasks: make([]*Task, 0, len(p.order))}
	for _, id := range p.order {
		snap.Tasks = append(snap.Tasks, p.tasks[id].clone())
	}
	p.mu.RUnlock()

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal task snapshot: %w", err)
	}
	return snapshots.Save(SnapshotName, data)
}

// Restore loads a previously saved snapshot. Missing snapshots are not
// an error; the caller rebuilds from the log either way via ReadAll.
func (p *Projection) Restore(snapshots store.SnapshotStore) error {
	data, ok, err := snapshots.Load(SnapshotName)
	if err != nil {
		return fmt.Errorf("load task snapshot: %w", err)
	}
	if !ok {
		return nil
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		slog.Warn("task projection: corrupt snapshot, rebuilding from log", "error", err)
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.tasks = make(map[string]*Task, len(snap.Tasks))
	p.order = p.order[:0]
	for _, t := range snap.Tasks {
		p.tasks[t.TaskID] = t
		p.order = append(p.order, t.TaskID)
	}
	sort.SliceStable(p.order, func(i, j int) bool {
		return p.tasks[p.order[i]].CreatedAt.Before(p.tasks[p.order[j]].CreatedAt)
	})
	p.lastApplied = snap.LastAppliedID
	return nil
}
