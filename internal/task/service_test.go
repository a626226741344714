package task

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/taskclaw/internal/eventlog"
	"github.com/nextlevelbuilder/taskclaw/pkg/protocol"
)

type memSink struct {
	mu    sync.Mutex
	lines []string
}

func (s *memSink) Append(lines []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, lines...)
	return nil
}

func (s *memSink) LoadAll() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lines...), nil
}

func (s *memSink) Close() error { return nil }

func newService(t *testing.T) (*Service, *Projection, *eventlog.EventLog) {
	t.Helper()
	log, err := eventlog.OpenEventLog(&memSink{})
	require.NoError(t, err)
	t.Cleanup(log.Close)
	proj := NewProjection()
	return NewService(log, proj), proj, log
}

func createTask(t *testing.T, svc *Service) string {
	t.Helper()
	id, err := svc.CreateTask(CreateTaskRequest{Title: "Echo", AgentID: "default", AuthorActorID: "test"})
	require.NoError(t, err)
	return id
}

func TestCreateTaskProjectsOpen(t *testing.T) {
	svc, proj, _ := newService(t)
	id := createTask(t, svc)

	got, ok := proj.GetTask(id)
	require.True(t, ok)
	assert.Equal(t, StatusOpen, got.Status)
	assert.Equal(t, "Echo", got.Title)
	assert.Equal(t, PriorityNormal, got.Priority)
}

func TestLifecycleHappyPath(t *testing.T) {
	svc, proj, log := newService(t)
	id := createTask(t, svc)

	require.NoError(t, svc.MarkStarted(id))
	got, _ := proj.GetTask(id)
	assert.Equal(t, StatusInProgress, got.Status)

	require.NoError(t, svc.MarkCompleted(id, "ok"))
	got, _ = proj.GetTask(id)
	assert.Equal(t, StatusDone, got.Status)
	assert.Equal(t, "ok", got.Summary)

	var types []string
	for _, ev := range log.ReadStream(id, 1) {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []string{
		protocol.EventTaskCreated,
		protocol.EventTaskStarted,
		protocol.EventTaskCompleted,
	}, types)
}

func TestInvalidTransitionsRejected(t *testing.T) {
	svc, _, _ := newService(t)
	id := createTask(t, svc)

	// open: pause, resume, complete, fail all rejected.
	assert.ErrorIs(t, svc.PauseTask(id, ""), ErrInvalidTransition)
	assert.ErrorIs(t, svc.ResumeTask(id), ErrInvalidTransition)
	assert.ErrorIs(t, svc.MarkCompleted(id, ""), ErrInvalidTransition)
	assert.ErrorIs(t, svc.MarkFailed(id, "x"), ErrInvalidTransition)

	require.NoError(t, svc.MarkStarted(id))
	require.NoError(t, svc.MarkCompleted(id, "done"))

	// Terminal done: only an instruction reopens.
	assert.ErrorIs(t, svc.PauseTask(id, ""), ErrInvalidTransition)
	assert.ErrorIs(t, svc.CancelTask(id, ""), ErrInvalidTransition)
	require.NoError(t, svc.AddInstruction(id, "more", "test"))

	got, _ := svc.GetTask(id)
	assert.Equal(t, StatusInProgress, got.Status)
}

func TestCanceledIsFullyTerminal(t *testing.T) {
	svc, _, _ := newService(t)
	id := createTask(t, svc)
	require.NoError(t, svc.CancelTask(id, "nevermind"))

	assert.ErrorIs(t, svc.AddInstruction(id, "hi", ""), ErrInvalidTransition)
	assert.ErrorIs(t, svc.MarkStarted(id), ErrInvalidTransition)
	assert.ErrorIs(t, svc.ResumeTask(id), ErrInvalidTransition)
}

func TestInstructionQueuedWhileAwaitingUser(t *testing.T) {
	svc, proj, log := newService(t)
	id := createTask(t, svc)
	require.NoError(t, svc.MarkStarted(id))
	require.NoError(t, svc.RequestInteraction(id, InteractionRequestedPayload{
		InteractionID: "uip1",
		Kind:          "tool_approval",
		ToolCallID:    "tc1",
	}))

	got, _ := proj.GetTask(id)
	require.Equal(t, StatusAwaitingUser, got.Status)
	assert.Equal(t, "uip1", got.PendingInteractionID)

	// Accepted at command level; status unchanged.
	require.NoError(t, svc.AddInstruction(id, "also do this", "user"))
	got, _ = proj.GetTask(id)
	assert.Equal(t, StatusAwaitingUser, got.Status)

	last := log.ReadStream(id, 1)
	assert.Equal(t, protocol.EventTaskInstructionAdded, last[len(last)-1].Type)
}

func TestRespondToInteractionValidatesPendingID(t *testing.T) {
	svc, proj, _ := newService(t)
	id := createTask(t, svc)
	require.NoError(t, svc.MarkStarted(id))
	require.NoError(t, svc.RequestInteraction(id, InteractionRequestedPayload{InteractionID: "uip1"}))

	assert.ErrorIs(t, svc.RespondToInteraction(id, "wrong", protocol.OptionApprove, ""), ErrNotFound)

	require.NoError(t, svc.RespondToInteraction(id, "uip1", protocol.OptionApprove, ""))
	got, _ := proj.GetTask(id)
	assert.Equal(t, StatusInProgress, got.Status)
	assert.Empty(t, got.PendingInteractionID)

	// The pending interaction is spent.
	assert.ErrorIs(t, svc.RespondToInteraction(id, "uip1", protocol.OptionApprove, ""), ErrNotFound)
}

func TestParentChildIntegrity(t *testing.T) {
	svc, proj, _ := newService(t)
	parent := createTask(t, svc)

	child, err := svc.CreateTask(CreateTaskRequest{Title: "sub", AgentID: "default", ParentTaskID: parent})
	require.NoError(t, err)

	children := proj.ListChildren(parent)
	require.Len(t, children, 1)
	assert.Equal(t, child, children[0].TaskID)

	_, err = svc.CreateTask(CreateTaskRequest{Title: "x", AgentID: "default", ParentTaskID: "missing"})
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, svc.CancelTask(child, ""))
	_, err = svc.CreateTask(CreateTaskRequest{Title: "x", AgentID: "default", ParentTaskID: child})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestDepthLimit(t *testing.T) {
	svc, _, _ := newService(t)
	parent := createTask(t, svc)
	cur := parent
	var err error
	for i := 0; i < MaxSubtaskDepth; i++ {
		cur, err = svc.CreateTask(CreateTaskRequest{Title: "sub", AgentID: "default", ParentTaskID: cur})
		require.NoError(t, err)
	}
	_, err = svc.CreateTask(CreateTaskRequest{Title: "too deep", AgentID: "default", ParentTaskID: cur})
	assert.ErrorIs(t, err, ErrDepthExceeded)
}

func TestReplayEquivalence(t *testing.T) {
	svc, proj, log := newService(t)
	id := createTask(t, svc)
	require.NoError(t, svc.MarkStarted(id))
	require.NoError(t, svc.PauseTask(id, "break"))
	require.NoError(t, svc.ResumeTask(id))
	require.NoError(t, svc.AddInstruction(id, "note", ""))
	require.NoError(t, svc.MarkCompleted(id, "all done"))

	replayed := NewProjection()
	replayed.ApplyAll(log.ReadAll(0))

	live, _ := proj.GetTask(id)
	folded, ok := replayed.GetTask(id)
	require.True(t, ok)
	assert.Equal(t, live, folded)
}

func TestUnknownEventTypeIsNoop(t *testing.T) {
	svc, proj, log := newService(t)
	id := createTask(t, svc)

	stored, err := log.Append(id, eventlog.PendingEvent{Type: "SomethingNew", Payload: map[string]any{"x": 1}})
	require.NoError(t, err)
	proj.ApplyAll(stored)

	got, _ := proj.GetTask(id)
	assert.Equal(t, StatusOpen, got.Status)
}

func TestSnapshotRoundTrip(t *testing.T) {
	svc, proj, log := newService(t)
	id := createTask(t, svc)
	require.NoError(t, svc.MarkStarted(id))

	snaps := &memSnapshots{}
	require.NoError(t, proj.Save(snaps))

	restored := NewProjection()
	require.NoError(t, restored.Restore(snaps))
	restored.ApplyAll(log.ReadAll(restored.LastAppliedID()))

	a, _ := proj.GetTask(id)
	b, ok := restored.GetTask(id)
	require.True(t, ok)
	assert.Equal(t, a, b)
}

type memSnapshots struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (m *memSnapshots) Save(name string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		m.data = make(map[string][]byte)
	}
	m.data[name] = append([]byte(nil), data...)
	return nil
}

func (m *memSnapshots) Load(name string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.data[name]
	return data, ok, nil
}

func TestErrorKindsAreDistinguishable(t *testing.T) {
	svc, _, _ := newService(t)
	_, err := svc.CreateTask(CreateTaskRequest{AgentID: "default"})
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	assert.ErrorIs(t, svc.CancelTask("nope", ""), ErrNotFound)
}
