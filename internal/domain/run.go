package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// TaskRun is one logical workflow execution.
type TaskRun struct {
	TaskRunID           string          `json:"task_run_id"`
	TaskName            string          `json:"task_name"`
	Input               json.RawMessage `json:"input,omitempty"`
	Status              TaskRunStatus   `json:"status"`
	Result              json.RawMessage `json:"result,omitempty"`
	Error               *RunError       `json:"error,omitempty"`
	RootTaskRunID       string          `json:"root_task_run_id"`
	ParentTaskRunID     string          `json:"parent_task_run_id,omitempty"`
	ParentStackRunID    string          `json:"parent_stack_run_id,omitempty"`
	WaitingOnStackRunID string          `json:"waiting_on_stack_run_id,omitempty"`
	Depth               int             `json:"depth"`
	ClaimToken          string          `json:"-"`
	LeaseExpiresAt      *time.Time      `json:"lease_expires_at,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

// StackRun is one external-call unit of work: a capability call or a nested task invocation.
type StackRun struct {
	StackRunID          string          `json:"stack_run_id"`
	TaskRunID           string          `json:"task_run_id"`
	ParentStackRunID    string          `json:"parent_stack_run_id,omitempty"`
	Service             string          `json:"service"`
	Method              string          `json:"method"`
	Args                json.RawMessage `json:"args,omitempty"`
	Label               string          `json:"label,omitempty"`
	Status              StackRunStatus  `json:"status"`
	Result              json.RawMessage `json:"result,omitempty"`
	Error               *RunError       `json:"error,omitempty"`
	WaitingOnStackRunID string          `json:"waiting_on_stack_run_id,omitempty"`
	ChildTaskRunID      string          `json:"child_task_run_id,omitempty"`
	Ordinal             int             `json:"ordinal"`
	Attempts            int             `json:"attempts"`
	ClaimToken          string          `json:"-"`
	LeaseExpiresAt      *time.Time      `json:"lease_expires_at,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

// Descriptor returns the call descriptor the stack run executes.
func (s *StackRun) Descriptor() CallDescriptor {
	return CallDescriptor{Service: s.Service, Method: s.Method, Args: s.Args}
}

// CallResult is one entry of a task run's replay log.
type CallResult struct {
	TaskRunID string          `json:"task_run_id"`
	Ordinal   int             `json:"ordinal"`
	Label     string          `json:"label,omitempty"`
	Service   string          `json:"service"`
	Method    string          `json:"method"`
	Args      json.RawMessage `json:"args,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *RunError       `json:"error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Descriptor returns the call descriptor recorded for this entry.
func (c *CallResult) Descriptor() CallDescriptor {
	return CallDescriptor{Service: c.Service, Method: c.Method, Args: c.Args}
}

// CallResultFromStackRun builds the replay log entry for a resolved stack run.
func CallResultFromStackRun(sr *StackRun) *CallResult {
	return &CallResult{
		TaskRunID: sr.TaskRunID,
		Ordinal:   sr.Ordinal,
		Label:     sr.Label,
		Service:   sr.Service,
		Method:    sr.Method,
		Args:      sr.Args,
		Result:    sr.Result,
		Error:     sr.Error,
		CreatedAt: time.Now().UTC(),
	}
}

// RunError is the structured error stored on failed runs and call results.
type RunError struct {
	Class   ErrorClass `json:"class"`
	Code    string     `json:"code,omitempty"`
	Message string     `json:"message"`
}

func (e *RunError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s): %s", e.Class, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Class, e.Message)
}

// Event represents a trace event for a task run.
type Event struct {
	EventID   string          `json:"event_id"`
	TaskRunID string          `json:"task_run_id"`
	Ts        int64           `json:"ts"` // Unix milliseconds
	Type      EventType       `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}
