package domain

import "encoding/json"

// SubmitRequest represents a request to start a task run.
type SubmitRequest struct {
	TaskName string          `json:"task_name"`
	Input    json.RawMessage `json:"input,omitempty"`
}

// SubmitResponse is returned immediately after submission.
type SubmitResponse struct {
	TaskRunID string        `json:"task_run_id"`
	Status    TaskRunStatus `json:"status"`
}

// TaskRunStatusResponse represents the response for querying a task run.
type TaskRunStatusResponse struct {
	TaskRunID           string          `json:"task_run_id"`
	TaskName            string          `json:"task_name"`
	Status              TaskRunStatus   `json:"status"`
	Result              json.RawMessage `json:"result,omitempty"`
	Error               *RunError       `json:"error,omitempty"`
	WaitingOnStackRunID string          `json:"waiting_on_stack_run_id,omitempty"`
	Timestamps          Timestamps      `json:"timestamps"`
}

// NewTaskRunStatusResponse converts a task run into its public status view.
func NewTaskRunStatusResponse(run *TaskRun) *TaskRunStatusResponse {
	return &TaskRunStatusResponse{
		TaskRunID:           run.TaskRunID,
		TaskName:            run.TaskName,
		Status:              run.Status,
		Result:              run.Result,
		Error:               run.Error,
		WaitingOnStackRunID: run.WaitingOnStackRunID,
		Timestamps: Timestamps{
			CreatedAt: run.CreatedAt.UnixMilli(),
			UpdatedAt: run.UpdatedAt.UnixMilli(),
		},
	}
}

// Timestamps represents timestamps for a run.
type Timestamps struct {
	CreatedAt int64 `json:"created_at"`
	UpdatedAt int64 `json:"updated_at,omitempty"`
}

// ListStackRunsResponse represents the stack runs of a task run.
type ListStackRunsResponse struct {
	TaskRunID string     `json:"task_run_id"`
	StackRuns []StackRun `json:"stack_runs"`
}

// StackRunResultRequest represents an asynchronous capability result delivered
// after the provider deferred the call.
type StackRunResultRequest struct {
	ClaimToken string          `json:"claim_token"`
	Status     string          `json:"status"` // completed or failed
	Result     json.RawMessage `json:"result,omitempty"`
	Error      *RunError       `json:"error,omitempty"`
}

// StackRunResultResponse represents the response after submitting a stack run result.
type StackRunResultResponse struct {
	StackRunID string         `json:"stack_run_id"`
	Status     StackRunStatus `json:"status"`
}

// CancelResponse is returned after a cancellation request.
type CancelResponse struct {
	TaskRunID string        `json:"task_run_id"`
	Status    TaskRunStatus `json:"status"`
	Message   string        `json:"message"`
}
