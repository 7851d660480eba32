package rpcclient

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/xiaot623/gogo/tasker/internal/capability"
	"github.com/xiaot623/gogo/tasker/internal/config"
	"github.com/xiaot623/gogo/tasker/internal/domain"
	"github.com/xiaot623/gogo/tasker/internal/executor"
	"github.com/xiaot623/gogo/tasker/internal/processor"
	"github.com/xiaot623/gogo/tasker/internal/service"
	"github.com/xiaot623/gogo/tasker/internal/tasks"
	taskerrpc "github.com/xiaot623/gogo/tasker/internal/transport/rpc"
	"github.com/xiaot623/gogo/tasker/tests/helpers"
)

func startServer(t *testing.T) *Client {
	t.Helper()

	db := helpers.NewTestSQLiteStore(t)
	registry := executor.NewRegistry()
	tasks.Register(registry)
	caps := capability.NewRegistry()
	capability.RegisterBuiltins(caps)
	proc := processor.New(processor.Deps{
		Store:        db,
		Executor:     executor.New(registry),
		Capabilities: caps,
	}, processor.Options{})
	svc := service.New(db, proc, registry, &config.Config{}, nil, nil)

	server, err := taskerrpc.NewServer(svc, nil)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		_ = server.Serve(ln)
	}()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	})

	return NewClient("tcp://" + ln.Addr().String())
}

func TestSubmitStatusCancel(t *testing.T) {
	client := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	submitted, err := client.Submit(ctx, "search", json.RawMessage(`{"query":"all"}`))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if submitted.TaskRunID == "" || submitted.Status != domain.TaskRunStatusQueued {
		t.Fatalf("unexpected submit response: %+v", submitted)
	}

	status, err := client.Status(ctx, submitted.TaskRunID)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.TaskName != "search" {
		t.Fatalf("expected task search, got %q", status.TaskName)
	}

	cancelled, err := client.Cancel(ctx, submitted.TaskRunID, "test")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if cancelled.Status != domain.TaskRunStatusCancelled {
		t.Fatalf("expected cancelled, got %s", cancelled.Status)
	}
}

func TestRemoteErrors(t *testing.T) {
	client := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := client.Submit(ctx, "nope", nil); err == nil {
		t.Fatalf("expected error for unknown task")
	}
	if _, err := client.Status(ctx, "tr_missing"); err == nil {
		t.Fatalf("expected error for missing task run")
	}
}

func TestResolveRPCAddr(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{in: "", want: ""},
		{in: "localhost:8081", want: "localhost:8081"},
		{in: "tcp://127.0.0.1:9000", want: "127.0.0.1:9000"},
		{in: " http://tasker:8081 ", want: "tasker:8081"},
	}
	for _, tc := range cases {
		if got := resolveRPCAddr(tc.in); got != tc.want {
			t.Fatalf("resolveRPCAddr(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestUnconfiguredClient(t *testing.T) {
	if _, err := NewClient("").Status(context.Background(), "tr_1"); err == nil {
		t.Fatalf("expected error without an address")
	}
}
