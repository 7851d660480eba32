package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/xiaot623/gogo/tasker/internal/capability"
	"github.com/xiaot623/gogo/tasker/internal/config"
	"github.com/xiaot623/gogo/tasker/internal/domain"
	"github.com/xiaot623/gogo/tasker/internal/executor"
	"github.com/xiaot623/gogo/tasker/internal/metrics"
	"github.com/xiaot623/gogo/tasker/internal/processor"
	"github.com/xiaot623/gogo/tasker/internal/repository"
	"github.com/xiaot623/gogo/tasker/internal/tasks"
	"github.com/xiaot623/gogo/tasker/tests/helpers"
)

func newTestService(t *testing.T, caps *capability.Registry) (*Service, *processor.Processor, *repository.SQLiteStore) {
	t.Helper()

	db := helpers.NewTestSQLiteStore(t)
	registry := executor.NewRegistry()
	tasks.Register(registry)
	registry.MustRegister("approve", executor.TaskFunc(func(tc *executor.Context, input json.RawMessage) (interface{}, error) {
		return tc.Call("approval", "request", nil)
	}))
	if caps == nil {
		caps = capability.NewRegistry()
	}
	capability.RegisterBuiltins(caps)

	proc := processor.New(processor.Deps{
		Store:        db,
		Executor:     executor.New(registry),
		Capabilities: caps,
	}, processor.Options{RetryBase: time.Millisecond})
	cfg := &config.Config{Retention: time.Hour, RetentionSchedule: "@every 1h"}
	return New(db, proc, registry, cfg, metrics.New(), nil), proc, db
}

func drain(t *testing.T, proc *processor.Processor, db *repository.SQLiteStore) {
	t.Helper()
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		queued, err := db.ListQueuedTaskRuns(ctx, 100)
		if err != nil {
			t.Fatalf("ListQueuedTaskRuns: %v", err)
		}
		pending, err := db.ListPendingStackRuns(ctx, 100)
		if err != nil {
			t.Fatalf("ListPendingStackRuns: %v", err)
		}
		if len(queued) == 0 && len(pending) == 0 {
			return
		}
		for _, run := range queued {
			if err := proc.StartTaskRun(ctx, run.TaskRunID); err != nil {
				t.Fatalf("StartTaskRun: %v", err)
			}
		}
		for _, sr := range pending {
			if err := proc.ProcessStackRun(ctx, sr.StackRunID); err != nil {
				t.Fatalf("ProcessStackRun: %v", err)
			}
		}
	}
	t.Fatalf("work did not drain")
}

func TestSubmitValidation(t *testing.T) {
	svc, _, _ := newTestService(t, nil)
	ctx := context.Background()

	if _, err := svc.Submit(ctx, domain.SubmitRequest{}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
	if _, err := svc.Submit(ctx, domain.SubmitRequest{TaskName: "nope"}); !errors.Is(err, ErrUnknownTask) {
		t.Fatalf("expected ErrUnknownTask, got %v", err)
	}
	if _, err := svc.Submit(ctx, domain.SubmitRequest{TaskName: "search", Input: json.RawMessage(`{`)}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest for bad input, got %v", err)
	}
}

func TestSubmitRunsSearch(t *testing.T) {
	svc, proc, db := newTestService(t, nil)
	ctx := context.Background()

	resp, err := svc.Submit(ctx, domain.SubmitRequest{TaskName: "search", Input: json.RawMessage(`{"query":"all"}`)})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if resp.Status != domain.TaskRunStatusQueued {
		t.Fatalf("expected queued, got %s", resp.Status)
	}

	drain(t, proc, db)

	run, err := svc.GetTaskRun(ctx, resp.TaskRunID)
	if err != nil {
		t.Fatalf("GetTaskRun: %v", err)
	}
	if run.Status != domain.TaskRunStatusCompleted {
		t.Fatalf("expected completed, got %s (%v)", run.Status, run.Error)
	}
	var result tasks.SearchResult
	if err := json.Unmarshal(run.Result, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.Domains != 2 || result.Users != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}

	srs, err := svc.ListStackRuns(ctx, resp.TaskRunID)
	if err != nil {
		t.Fatalf("ListStackRuns: %v", err)
	}
	if len(srs) != 2 {
		t.Fatalf("expected 2 stack runs, got %d", len(srs))
	}

	events, err := svc.GetEvents(ctx, resp.TaskRunID, 0, []string{string(domain.EventTypeTaskRunSubmitted)}, 0)
	if err != nil {
		t.Fatalf("GetEvents: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 submitted event, got %d", len(events))
	}
}

func TestGetTaskRunNotFound(t *testing.T) {
	svc, _, _ := newTestService(t, nil)
	if _, err := svc.GetTaskRun(context.Background(), "tr_missing"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := svc.ListStackRuns(context.Background(), "tr_missing"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := svc.GetEvents(context.Background(), "tr_missing", 0, nil, 0); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCancel(t *testing.T) {
	svc, _, _ := newTestService(t, nil)
	ctx := context.Background()

	resp, err := svc.Submit(ctx, domain.SubmitRequest{TaskName: "search"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	cancelled, err := svc.Cancel(ctx, resp.TaskRunID, "")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if cancelled.Status != domain.TaskRunStatusCancelled {
		t.Fatalf("expected cancelled, got %s", cancelled.Status)
	}

	again, err := svc.Cancel(ctx, resp.TaskRunID, "")
	if err != nil {
		t.Fatalf("second Cancel: %v", err)
	}
	if again.Message != "task run already cancelled" {
		t.Fatalf("unexpected message: %q", again.Message)
	}

	if _, err := svc.Cancel(ctx, "tr_missing", ""); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSubmitStackRunResult(t *testing.T) {
	caps := capability.NewRegistry()
	tokens := make(chan string, 1)
	caps.MustRegister("approval", capability.ProviderFunc(func(ctx context.Context, req capability.CallRequest) (json.RawMessage, error) {
		tokens <- req.ClaimToken
		return nil, capability.ErrDeferred
	}))
	svc, proc, db := newTestService(t, caps)
	ctx := context.Background()

	resp, err := svc.Submit(ctx, domain.SubmitRequest{TaskName: "approve"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	drain(t, proc, db)

	srs, err := svc.ListStackRuns(ctx, resp.TaskRunID)
	if err != nil || len(srs) != 1 {
		t.Fatalf("expected one stack run, got %d (%v)", len(srs), err)
	}
	token := <-tokens

	if _, err := svc.SubmitStackRunResult(ctx, srs[0].StackRunID, domain.StackRunResultRequest{ClaimToken: token, Status: "done"}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
	if _, err := svc.SubmitStackRunResult(ctx, srs[0].StackRunID, domain.StackRunResultRequest{ClaimToken: "stale", Status: "completed"}); !errors.Is(err, repository.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	result, err := svc.SubmitStackRunResult(ctx, srs[0].StackRunID, domain.StackRunResultRequest{
		ClaimToken: token,
		Status:     "failed",
		Error:      &domain.RunError{Class: domain.ErrorClassPermanent, Code: "rejected", Message: "denied by reviewer"},
	})
	if err != nil {
		t.Fatalf("SubmitStackRunResult: %v", err)
	}
	if result.Status != domain.StackRunStatusFailed {
		t.Fatalf("expected failed stack run, got %s", result.Status)
	}

	run, err := svc.GetTaskRun(ctx, resp.TaskRunID)
	if err != nil {
		t.Fatalf("GetTaskRun: %v", err)
	}
	if run.Status != domain.TaskRunStatusFailed || run.Error.Code != "rejected" {
		t.Fatalf("expected failed run with code rejected, got %s %+v", run.Status, run.Error)
	}
}

func TestSweepRetentionDeletesExpiredRuns(t *testing.T) {
	svc, _, db := newTestService(t, nil)
	ctx := context.Background()

	old := time.Now().Add(-2 * time.Hour)
	runs := []*domain.TaskRun{
		{TaskRunID: "tr_old", TaskName: "search", Status: domain.TaskRunStatusCompleted, CreatedAt: old, UpdatedAt: old},
		{TaskRunID: "tr_old_active", TaskName: "search", Status: domain.TaskRunStatusSuspended, CreatedAt: old, UpdatedAt: old},
		{TaskRunID: "tr_recent", TaskName: "search", Status: domain.TaskRunStatusCompleted},
	}
	for _, run := range runs {
		if err := db.CreateTaskRun(ctx, run); err != nil {
			t.Fatalf("CreateTaskRun %s: %v", run.TaskRunID, err)
		}
	}

	n, err := svc.SweepRetention(ctx)
	if err != nil {
		t.Fatalf("SweepRetention: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 deleted tree, got %d", n)
	}
	if _, err := db.GetTaskRun(ctx, "tr_old"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected tr_old deleted, got %v", err)
	}
	for _, id := range []string{"tr_old_active", "tr_recent"} {
		if _, err := db.GetTaskRun(ctx, id); err != nil {
			t.Fatalf("expected %s kept: %v", id, err)
		}
	}
}

func TestStartRetentionRejectsBadSchedule(t *testing.T) {
	svc, _, _ := newTestService(t, nil)
	svc.config.RetentionSchedule = "not a schedule"

	if _, err := svc.StartRetention(context.Background()); err == nil {
		t.Fatalf("expected error for invalid schedule")
	}

	svc.config.RetentionSchedule = "@every 1h"
	c, err := svc.StartRetention(context.Background())
	if err != nil {
		t.Fatalf("StartRetention: %v", err)
	}
	if len(c.Entries()) != 1 {
		t.Fatalf("expected one scheduled entry, got %d", len(c.Entries()))
	}
	c.Stop()
}
