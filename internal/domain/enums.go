// Package domain defines the core domain models for the task runner.
package domain

// TaskRunStatus represents the status of a task run.
type TaskRunStatus string

const (
	TaskRunStatusQueued     TaskRunStatus = "queued"
	TaskRunStatusProcessing TaskRunStatus = "processing"
	TaskRunStatusSuspended  TaskRunStatus = "suspended"
	TaskRunStatusCompleted  TaskRunStatus = "completed"
	TaskRunStatusFailed     TaskRunStatus = "failed"
	TaskRunStatusCancelled  TaskRunStatus = "cancelled"
)

// IsTerminal reports whether the task run can no longer change state.
func (s TaskRunStatus) IsTerminal() bool {
	switch s {
	case TaskRunStatusCompleted, TaskRunStatusFailed, TaskRunStatusCancelled:
		return true
	}
	return false
}

// StackRunStatus represents the status of a stack run.
type StackRunStatus string

const (
	StackRunStatusPending               StackRunStatus = "pending"
	StackRunStatusProcessing            StackRunStatus = "processing"
	StackRunStatusCompleted             StackRunStatus = "completed"
	StackRunStatusFailed                StackRunStatus = "failed"
	StackRunStatusSuspendedWaitingChild StackRunStatus = "suspended_waiting_child"
)

// IsTerminal reports whether the stack run has resolved.
func (s StackRunStatus) IsTerminal() bool {
	return s == StackRunStatusCompleted || s == StackRunStatusFailed
}

// ErrorClass classifies errors recorded on runs.
type ErrorClass string

const (
	// ErrorClassTask is an error raised by task code.
	ErrorClassTask ErrorClass = "task_error"
	// ErrorClassDeterminism means replay produced a different call than the one recorded.
	ErrorClassDeterminism ErrorClass = "determinism_violation"
	// ErrorClassTransient is a capability error that may succeed on retry.
	ErrorClassTransient ErrorClass = "transient"
	// ErrorClassPermanent is a capability error that will not succeed on retry.
	ErrorClassPermanent ErrorClass = "permanent"
	// ErrorClassCancelled marks work abandoned because its task run was cancelled.
	ErrorClassCancelled ErrorClass = "cancelled"
)

// TaskService is the reserved service name for nested task invocations.
// The stack run method carries the task name and args carry the task input.
const TaskService = "task"

// EventType represents the type of a trace event.
type EventType string

const (
	EventTypeTaskRunSubmitted EventType = "task_run_submitted"
	EventTypeTaskRunStarted   EventType = "task_run_started"
	EventTypeTaskRunSuspended EventType = "task_run_suspended"
	EventTypeTaskRunResumed   EventType = "task_run_resumed"
	EventTypeTaskRunCompleted EventType = "task_run_completed"
	EventTypeTaskRunFailed    EventType = "task_run_failed"
	EventTypeTaskRunCancelled EventType = "task_run_cancelled"

	EventTypeStackRunCreated      EventType = "stack_run_created"
	EventTypeStackRunClaimed      EventType = "stack_run_claimed"
	EventTypeStackRunRetry        EventType = "stack_run_retry"
	EventTypeStackRunDeferred     EventType = "stack_run_deferred"
	EventTypeStackRunCompleted    EventType = "stack_run_completed"
	EventTypeStackRunFailed       EventType = "stack_run_failed"
	EventTypeStackRunWaitingChild EventType = "stack_run_waiting_child"
	EventTypeStackRunReclaimed    EventType = "stack_run_reclaimed"
)
