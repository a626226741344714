package task

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/taskclaw/internal/eventlog"
	"github.com/nextlevelbuilder/taskclaw/pkg/protocol"
)

// MaxSubtaskDepth bounds how deep a parent chain may grow by default.
const MaxSubtaskDepth = 3

// Service is the command validator and the only component that appends
// domain events. Every command reads the projected status, checks the
// transition table, and either appends or fails with ErrInvalidTransition.
type Service struct {
	// mu serializes validate+append so two racing commands cannot both
	// pass validation against the same stale status.
	mu   sync.Mutex
	log  *eventlog.EventLog
	proj *Projection
}

func NewService(log *eventlog.EventLog, proj *Projection) *Service {
	return &Service{log: log, proj: proj}
}

// CreateTaskRequest is the public create command.
type CreateTaskRequest struct {
	Title         string
	Intent        string
	Priority      Priority
	AgentID       string
	ParentTaskID  string
	AuthorActorID string
}

// CreateTask validates parent integrity and appends TaskCreated.
// Returns the new task id.
func (s *Service) CreateTask(req CreateTaskRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if req.Title == "" {
		return "", fmt.Errorf("%w: title is required", ErrInvalidTransition)
	}
	if req.AgentID == "" {
		return "", fmt.Errorf("%w: agentId is required", ErrInvalidTransition)
	}
	if req.ParentTaskID != "" {
		parent, ok := s.proj.GetTask(req.ParentTaskID)
		if !ok {
			return "", fmt.Errorf("%w: parent %s", ErrNotFound, req.ParentTaskID)
		}
		if parent.Status.Terminal() {
			return "", fmt.Errorf("%w: parent %s is %s", ErrInvalidTransition, parent.TaskID, parent.Status)
		}
		depth, err := s.proj.AncestorDepth(req.ParentTaskID)
		if err != nil {
			return "", err
		}
		if depth+1 > MaxSubtaskDepth {
			return "", fmt.Errorf("%w: depth %d > %d", ErrDepthExceeded, depth+1, MaxSubtaskDepth)
		}
	}

	taskID := uuid.Must(uuid.NewV7()).String()
	priority := req.Priority
	if priority == "" {
		priority = PriorityNormal
	}
	stored, err := s.log.Append(taskID, eventlog.PendingEvent{
		Type: protocol.EventTaskCreated,
		Payload: CreatedPayload{
			Title:         req.Title,
			Intent:        req.Intent,
			Priority:      priority,
			AgentID:       req.AgentID,
			ParentTaskID:  req.ParentTaskID,
			AuthorActorID: req.AuthorActorID,
		},
	})
	if err != nil {
		return "", err
	}
	s.proj.ApplyAll(stored)
	return taskID, nil
}

// CancelTask appends TaskCanceled.
func (s *Service) CancelTask(taskID, reason string) error {
	return s.emit(taskID, protocol.EventTaskCanceled, CanceledPayload{Reason: reason})
}

// PauseTask appends TaskPaused.
func (s *Service) PauseTask(taskID, reason string) error {
	return s.emit(taskID, protocol.EventTaskPaused, PausedPayload{Reason: reason})
}

// ResumeTask appends TaskResumed.
func (s *Service) ResumeTask(taskID string) error {
	return s.emit(taskID, protocol.EventTaskResumed, ResumedPayload{})
}

// AddInstruction appends TaskInstructionAdded. In awaiting_user/paused
// the event is accepted and queued for drain without a status change.
func (s *Service) AddInstruction(taskID, text, authorActorID string) error {
	if text == "" {
		return fmt.Errorf("%w: empty instruction", ErrInvalidTransition)
	}
	return s.emit(taskID, protocol.EventTaskInstructionAdded, InstructionPayload{
		Text:          text,
		AuthorActorID: authorActorID,
	})
}

// RespondToInteraction validates the interaction id against the task's
// pending interaction and appends UserInteractionResponded.
func (s *Service) RespondToInteraction(taskID, interactionID, selectedOptionID, inputValue string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.proj.GetTask(taskID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	if t.PendingInteractionID == "" || t.PendingInteractionID != interactionID {
		return fmt.Errorf("%w: no pending interaction %s on task %s", ErrNotFound, interactionID, taskID)
	}
	return s.emitLocked(taskID, protocol.EventUserInteractionResponded, InteractionRespondedPayload{
		InteractionID:    interactionID,
		SelectedOptionID: selectedOptionID,
		InputValue:       inputValue,
	})
}

// Internal emitters used by the runtime.

// MarkStarted appends TaskStarted (no-op when already running).
func (s *Service) MarkStarted(taskID string) error {
	return s.emit(taskID, protocol.EventTaskStarted, StartedPayload{})
}

// MarkCompleted appends TaskCompleted.
func (s *Service) MarkCompleted(taskID, summary string) error {
	return s.emit(taskID, protocol.EventTaskCompleted, CompletedPayload{Summary: summary})
}

// MarkFailed appends TaskFailed.
func (s *Service) MarkFailed(taskID, reason string) error {
	return s.emit(taskID, protocol.EventTaskFailed, FailedPayload{Reason: reason})
}

// RequestInteraction appends UserInteractionRequested.
func (s *Service) RequestInteraction(taskID string, payload InteractionRequestedPayload) error {
	return s.emit(taskID, protocol.EventUserInteractionRequested, payload)
}

// GetTask exposes the projected view for command-layer callers.
func (s *Service) GetTask(taskID string) (*Task, bool) {
	return s.proj.GetTask(taskID)
}

func (s *Service) emit(taskID, eventType string, payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.emitLocked(taskID, eventType, payload)
}

func (s *Service) emitLocked(taskID, eventType string, payload any) error {
	t, ok := s.proj.GetTask(taskID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	_, oc := transition(t.Status, eventType)
	switch oc {
	case outcomeRejected:
		return fmt.Errorf("%w: %s in %s", ErrInvalidTransition, eventType, t.Status)
	case outcomeNoop:
		return nil
	}
	stored, err := s.log.Append(taskID, eventlog.PendingEvent{Type: eventType, Payload: payload})
	if err != nil {
		return err
	}
	s.proj.ApplyAll(stored)
	return nil
}
