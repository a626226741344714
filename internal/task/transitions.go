package task

import "github.com/nextlevelbuilder/taskclaw/pkg/protocol"

// outcome of applying an event type to a status.
type outcome int

const (
	outcomeRejected outcome = iota // command fails, no event written
	outcomeNoop                    // command succeeds without an event
	outcomeQueued                  // event written, status unchanged
	outcomeApplied                 // event written, status changes
)

// transition implements the status table. It is the single source of
// truth shared by the command validator and the projection fold.
func transition(current Status, eventType string) (Status, outcome) {
	switch eventType {
	case protocol.EventTaskStarted:
		switch current {
		case StatusOpen:
			return StatusInProgress, outcomeApplied
		case StatusInProgress, StatusAwaitingUser:
			return current, outcomeNoop
		}
	case protocol.EventTaskPaused:
		switch current {
		case StatusInProgress, StatusAwaitingUser:
			return StatusPaused, outcomeApplied
		}
	case protocol.EventTaskResumed:
		if current == StatusPaused {
			return StatusInProgress, outcomeApplied
		}
	case protocol.EventTaskCanceled:
		switch current {
		case StatusOpen, StatusInProgress, StatusAwaitingUser, StatusPaused:
			return StatusCanceled, outcomeApplied
		}
	case protocol.EventTaskCompleted:
		if current == StatusInProgress {
			return StatusDone, outcomeApplied
		}
	case protocol.EventTaskFailed:
		switch current {
		case StatusInProgress:
			return StatusFailed, outcomeApplied
		case StatusPaused:
			// A tool still in flight when the task paused may fail it.
			return StatusFailed, outcomeApplied
		}
	case protocol.EventTaskInstructionAdded:
		switch current {
		case StatusOpen, StatusInProgress, StatusDone:
			return StatusInProgress, outcomeApplied
		case StatusAwaitingUser, StatusPaused:
			// Accepted and queued for drain; status unchanged.
			return current, outcomeQueued
		}
	case protocol.EventUserInteractionRequested:
		if current == StatusInProgress {
			return StatusAwaitingUser, outcomeApplied
		}
	case protocol.EventUserInteractionResponded:
		if current == StatusAwaitingUser {
			return StatusInProgress, outcomeApplied
		}
	}
	return current, outcomeRejected
}
