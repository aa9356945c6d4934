package models

type ProcessingStatus string

const (
	StatusPending    ProcessingStatus = "PENDING"
	StatusProcessing ProcessingStatus = "PROCESSING"
	StatusCompleted  ProcessingStatus = "COMPLETED"
	StatusFailed     ProcessingStatus = "FAILED"
	StatusCancelled  ProcessingStatus = "CANCELLED"
)

const (
	StepBackgroundTasks = "BACKGROUND_TASKS"
	StepDone            = "DONE"
)

func (s ProcessingStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Cancellable reports whether a cancel request is accepted in this state.
func (s ProcessingStatus) Cancellable() bool {
	return s == StatusPending || s == StatusProcessing
}

// CanTransitionTo reports whether next is a legal successor of s.
// FAILED -> PROCESSING is the queue retry re-entry.
func (s ProcessingStatus) CanTransitionTo(next ProcessingStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusProcessing || next == StatusCancelled
	case StatusProcessing:
		return next == StatusProcessing || next == StatusCompleted || next == StatusFailed || next == StatusCancelled
	case StatusFailed:
		return next == StatusProcessing
	}
	return false
}
