package executor

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/tasker/internal/domain"
)

func searchTask() Task {
	return TaskFunc(func(tc *Context, input json.RawMessage) (interface{}, error) {
		var domains []string
		if err := tc.CallInto(&domains, "directory", "listDomains", nil); err != nil {
			return nil, err
		}
		users := []string{}
		if len(domains) > 0 {
			if err := tc.CallInto(&users, "directory", "listUsers", map[string]string{"domain": domains[0]}); err != nil {
				return nil, err
			}
		}
		return map[string]int{"domains": len(domains), "users": len(users)}, nil
	})
}

func mustCache(t *testing.T, results ...domain.CallResult) *Cache {
	t.Helper()
	for i := range results {
		results[i].Ordinal = i
	}
	cache, err := NewCache(results)
	require.NoError(t, err)
	return cache
}

func TestExecuteSuspendsOnFirstUnresolvedCall(t *testing.T) {
	out := Execute(context.Background(), searchTask(), json.RawMessage(`{"query":"x"}`), mustCache(t))

	require.Equal(t, OutcomeSuspended, out.Status)
	require.NotNil(t, out.Call)
	assert.Equal(t, 0, out.Call.Ordinal)
	assert.Equal(t, "directory", out.Call.Descriptor.Service)
	assert.Equal(t, "listDomains", out.Call.Descriptor.Method)
}

func TestExecuteReplaysCachedResults(t *testing.T) {
	ctx := context.Background()
	first := domain.CallResult{Service: "directory", Method: "listDomains", Result: json.RawMessage(`["d1","d2"]`)}

	out := Execute(ctx, searchTask(), nil, mustCache(t, first))
	require.Equal(t, OutcomeSuspended, out.Status)
	assert.Equal(t, 1, out.Call.Ordinal)
	assert.Equal(t, "listUsers", out.Call.Descriptor.Method)
	assert.JSONEq(t, `{"domain":"d1"}`, string(out.Call.Descriptor.Args))

	second := domain.CallResult{
		Service: "directory",
		Method:  "listUsers",
		Args:    json.RawMessage(`{ "domain" : "d1" }`),
		Result:  json.RawMessage(`["u1"]`),
	}
	out = Execute(ctx, searchTask(), nil, mustCache(t, first, second))
	require.Equal(t, OutcomeCompleted, out.Status)
	assert.JSONEq(t, `{"domains":2,"users":1}`, string(out.Result))
}

func TestExecuteIsDeterministic(t *testing.T) {
	ctx := context.Background()
	cache := mustCache(t, domain.CallResult{Service: "directory", Method: "listDomains", Result: json.RawMessage(`["d1"]`)})

	a := Execute(ctx, searchTask(), nil, cache)
	b := Execute(ctx, searchTask(), nil, cache)
	assert.Equal(t, a, b)
}

func TestExecuteDeterminismViolation(t *testing.T) {
	cache := mustCache(t, domain.CallResult{Service: "mail", Method: "search", Result: json.RawMessage(`[]`)})

	out := Execute(context.Background(), searchTask(), nil, cache)
	require.Equal(t, OutcomeFailed, out.Status)
	assert.Equal(t, domain.ErrorClassDeterminism, out.Err.Class)
	assert.Contains(t, out.Err.Message, "directory.listDomains")
}

func TestExecuteDeterminismViolationCannotBeSwallowed(t *testing.T) {
	task := TaskFunc(func(tc *Context, input json.RawMessage) (interface{}, error) {
		_, _ = tc.Call("directory", "listUsers", nil)
		return "done", nil
	})
	cache := mustCache(t, domain.CallResult{Service: "directory", Method: "listDomains"})

	out := Execute(context.Background(), task, nil, cache)
	require.Equal(t, OutcomeFailed, out.Status)
	assert.Equal(t, domain.ErrorClassDeterminism, out.Err.Class)
}

func TestExecuteCallErrorAsValue(t *testing.T) {
	failedCall := domain.CallResult{
		Service: "directory",
		Method:  "listDomains",
		Error:   &domain.RunError{Class: domain.ErrorClassPermanent, Code: "forbidden", Message: "no access"},
	}

	t.Run("handled by task", func(t *testing.T) {
		task := TaskFunc(func(tc *Context, input json.RawMessage) (interface{}, error) {
			_, err := tc.Call("directory", "listDomains", nil)
			var callErr *CallError
			if errors.As(err, &callErr) && callErr.IsPermanent() {
				return map[string]string{"fallback": callErr.Code}, nil
			}
			return nil, err
		})
		out := Execute(context.Background(), task, nil, mustCache(t, failedCall))
		require.Equal(t, OutcomeCompleted, out.Status)
		assert.JSONEq(t, `{"fallback":"forbidden"}`, string(out.Result))
	})

	t.Run("uncaught fails the run", func(t *testing.T) {
		out := Execute(context.Background(), searchTask(), nil, mustCache(t, failedCall))
		require.Equal(t, OutcomeFailed, out.Status)
		assert.Equal(t, domain.ErrorClassPermanent, out.Err.Class)
		assert.Equal(t, "forbidden", out.Err.Code)
	})
}

func TestExecuteSwallowedSuspensionStillSuspends(t *testing.T) {
	task := TaskFunc(func(tc *Context, input json.RawMessage) (interface{}, error) {
		if _, err := tc.Call("keystore", "get", map[string]string{"key": "a"}); err != nil {
			// ignore and keep going
		}
		if _, err := tc.Call("keystore", "get", map[string]string{"key": "b"}); !errors.Is(err, ErrSuspended) {
			t.Errorf("expected ErrSuspended after pending call, got %v", err)
		}
		return "finished", nil
	})

	out := Execute(context.Background(), task, nil, mustCache(t))
	require.Equal(t, OutcomeSuspended, out.Status)
	assert.Equal(t, 0, out.Call.Ordinal)
	assert.JSONEq(t, `{"key":"a"}`, string(out.Call.Descriptor.Args))
}

func TestExecutePanics(t *testing.T) {
	t.Run("panic in task code fails the run", func(t *testing.T) {
		task := TaskFunc(func(tc *Context, input json.RawMessage) (interface{}, error) {
			panic("boom")
		})
		out := Execute(context.Background(), task, nil, mustCache(t))
		require.Equal(t, OutcomeFailed, out.Status)
		assert.Equal(t, domain.ErrorClassTask, out.Err.Class)
		assert.Equal(t, "panic", out.Err.Code)
	})

	t.Run("panic downstream of a suspension is a suspension", func(t *testing.T) {
		task := TaskFunc(func(tc *Context, input json.RawMessage) (interface{}, error) {
			var out *struct{ Name string }
			_ = tc.CallInto(&out, "storage", "get", nil)
			return out.Name, nil
		})
		out := Execute(context.Background(), task, nil, mustCache(t))
		require.Equal(t, OutcomeSuspended, out.Status)
	})
}

func TestExecuteTaskError(t *testing.T) {
	task := TaskFunc(func(tc *Context, input json.RawMessage) (interface{}, error) {
		return nil, errors.New("bad input")
	})
	out := Execute(context.Background(), task, nil, mustCache(t))
	require.Equal(t, OutcomeFailed, out.Status)
	assert.Equal(t, domain.ErrorClassTask, out.Err.Class)
	assert.Equal(t, "bad input", out.Err.Message)
}

func TestExecuteLabels(t *testing.T) {
	task := TaskFunc(func(tc *Context, input json.RawMessage) (interface{}, error) {
		if _, err := tc.Call("storage", "put", nil, WithLabel("save")); err != nil {
			return nil, err
		}
		return "ok", nil
	})

	out := Execute(context.Background(), task, nil, mustCache(t))
	require.Equal(t, OutcomeSuspended, out.Status)
	assert.Equal(t, "save", out.Call.Label)

	recorded := domain.CallResult{Service: "storage", Method: "put", Label: "save", Result: json.RawMessage(`true`)}
	out = Execute(context.Background(), task, nil, mustCache(t, recorded))
	require.Equal(t, OutcomeCompleted, out.Status)

	moved := domain.CallResult{Service: "storage", Method: "put", Label: "other", Result: json.RawMessage(`true`)}
	out = Execute(context.Background(), task, nil, mustCache(t, moved))
	require.Equal(t, OutcomeFailed, out.Status)
	assert.Equal(t, domain.ErrorClassDeterminism, out.Err.Class)
}

func TestCallTaskUsesTaskService(t *testing.T) {
	task := TaskFunc(func(tc *Context, input json.RawMessage) (interface{}, error) {
		return tc.CallTask("search", map[string]string{"query": "x"})
	})
	out := Execute(context.Background(), task, nil, mustCache(t))
	require.Equal(t, OutcomeSuspended, out.Status)
	assert.Equal(t, domain.TaskService, out.Call.Descriptor.Service)
	assert.Equal(t, "search", out.Call.Descriptor.Method)
}

func TestExecutorRunUnknownTask(t *testing.T) {
	exec := New(NewRegistry())
	out := exec.Run(context.Background(), "missing", nil, nil)
	require.Equal(t, OutcomeFailed, out.Status)
	assert.Equal(t, "unknown_task", out.Err.Code)
}

func TestNewCacheRejectsGap(t *testing.T) {
	_, err := NewCache([]domain.CallResult{{Ordinal: 0}, {Ordinal: 2}})
	assert.Error(t, err)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("search", searchTask()))
	assert.Error(t, r.Register("search", searchTask()))
	assert.Error(t, r.Register("", searchTask()))

	_, ok := r.Lookup("search")
	assert.True(t, ok)
	assert.Equal(t, []string{"search"}, r.Names())
}
