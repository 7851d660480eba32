// Package repository persists task runs, stack runs, call results and trace events.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/xiaot623/gogo/tasker/internal/domain"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when a conditional write lost to a concurrent writer
	// or the record is not in the expected state.
	ErrConflict = errors.New("record state conflict")
	// ErrAlreadyClaimed is returned when another worker claimed the record first.
	ErrAlreadyClaimed = errors.New("already claimed")
)

// Store defines the durable run model. Every transition is a single conditional
// write; the bool result reports whether this caller's write took effect.
type Store interface {
	// Task run operations
	CreateTaskRun(ctx context.Context, run *domain.TaskRun) error
	GetTaskRun(ctx context.Context, taskRunID string) (*domain.TaskRun, error)
	ListChildTaskRuns(ctx context.Context, parentTaskRunID string) ([]domain.TaskRun, error)
	ListQueuedTaskRuns(ctx context.Context, limit int) ([]domain.TaskRun, error)
	ClaimTaskRun(ctx context.Context, taskRunID string, from domain.TaskRunStatus, token string, lease time.Time) (bool, error)
	ResumeTaskRun(ctx context.Context, taskRunID, stackRunID, token string, lease time.Time) (bool, error)
	SuspendTaskRun(ctx context.Context, taskRunID, token, stackRunID string) (bool, error)
	CompleteTaskRun(ctx context.Context, taskRunID, token string, result []byte) (bool, error)
	FailTaskRun(ctx context.Context, taskRunID, token string, runErr *domain.RunError) (bool, error)
	CancelTaskRun(ctx context.Context, taskRunID string, runErr *domain.RunError) (bool, error)
	ReclaimExpiredTaskRuns(ctx context.Context, now time.Time, limit int) ([]domain.TaskRun, error)
	ListStalledTaskRuns(ctx context.Context, olderThan time.Time, limit int) ([]domain.TaskRun, error)

	// Stack run operations
	CreateStackRun(ctx context.Context, stackRun *domain.StackRun, ownerToken string) (*domain.StackRun, error)
	GetStackRun(ctx context.Context, stackRunID string) (*domain.StackRun, error)
	GetStackRunByOrdinal(ctx context.Context, taskRunID string, ordinal int) (*domain.StackRun, error)
	ListStackRuns(ctx context.Context, taskRunID string) ([]domain.StackRun, error)
	ListPendingStackRuns(ctx context.Context, limit int) ([]domain.StackRun, error)
	ClaimStackRun(ctx context.Context, stackRunID, token string, lease time.Time) (*domain.StackRun, error)
	RecordStackRunAttempt(ctx context.Context, stackRunID, token string, lease time.Time) (int, error)
	ExtendStackRunLease(ctx context.Context, stackRunID, token string, lease time.Time) (bool, error)
	CompleteStackRun(ctx context.Context, stackRunID, token string, result []byte) (bool, error)
	FailStackRun(ctx context.Context, stackRunID, token string, runErr *domain.RunError) (bool, error)
	SuspendStackRunOnChild(ctx context.Context, stackRunID, token, childTaskRunID, childStackRunID string) (bool, error)
	SetStackRunWaitingOn(ctx context.Context, stackRunID, childStackRunID string) (bool, error)
	ResolveWaitingStackRun(ctx context.Context, stackRunID, childTaskRunID string, status domain.StackRunStatus, result []byte, runErr *domain.RunError) (bool, error)
	ReclaimExpiredStackRuns(ctx context.Context, now time.Time, limit int) ([]domain.StackRun, error)
	ListStalledStackRuns(ctx context.Context, olderThan time.Time, limit int) ([]domain.StackRun, error)

	// Call cache operations
	AppendCallResult(ctx context.Context, result *domain.CallResult) error
	LoadCallCache(ctx context.Context, taskRunID string) ([]domain.CallResult, error)

	// Event operations
	CreateEvent(ctx context.Context, event *domain.Event) error
	GetEvents(ctx context.Context, taskRunID string, afterTs int64, types []string, limit int) ([]domain.Event, error)

	// Retention
	DeleteTerminalTaskRunsBefore(ctx context.Context, cutoff time.Time, limit int) (int, error)

	// Lifecycle
	Close() error
}
