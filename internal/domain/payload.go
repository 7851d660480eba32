package domain

import "encoding/json"

// TaskRunSubmittedPayload is the payload for task_run_submitted event.
type TaskRunSubmittedPayload struct {
	TaskName         string `json:"task_name"`
	ParentTaskRunID  string `json:"parent_task_run_id,omitempty"`
	ParentStackRunID string `json:"parent_stack_run_id,omitempty"`
}

// TaskRunSuspendedPayload is the payload for task_run_suspended event.
type TaskRunSuspendedPayload struct {
	StackRunID string `json:"stack_run_id"`
	Service    string `json:"service"`
	Method     string `json:"method"`
	Ordinal    int    `json:"ordinal"`
}

// TaskRunResumedPayload is the payload for task_run_resumed event.
type TaskRunResumedPayload struct {
	StackRunID string `json:"stack_run_id"`
}

// TaskRunFinishedPayload is the payload for task_run_completed, task_run_failed
// and task_run_cancelled events.
type TaskRunFinishedPayload struct {
	Status TaskRunStatus   `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RunError       `json:"error,omitempty"`
}

// StackRunPayload is the payload for stack run lifecycle events.
type StackRunPayload struct {
	StackRunID     string         `json:"stack_run_id"`
	Service        string         `json:"service,omitempty"`
	Method         string         `json:"method,omitempty"`
	Status         StackRunStatus `json:"status,omitempty"`
	Attempt        int            `json:"attempt,omitempty"`
	ChildTaskRunID string         `json:"child_task_run_id,omitempty"`
	Error          *RunError      `json:"error,omitempty"`
}
