package http

import (
	nethttp "net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/xiaot623/gogo/tasker/internal/config"
	"github.com/xiaot623/gogo/tasker/internal/executor"
	"github.com/xiaot623/gogo/tasker/internal/metrics"
	"github.com/xiaot623/gogo/tasker/internal/processor"
	"github.com/xiaot623/gogo/tasker/internal/service"
	"github.com/xiaot623/gogo/tasker/tests/helpers"
)

func TestServerRoutes(t *testing.T) {
	db := helpers.NewTestSQLiteStore(t)
	registry := executor.NewRegistry()
	m := metrics.New()
	m.TaskRunFinished("completed")
	proc := processor.New(processor.Deps{Store: db, Executor: executor.New(registry)}, processor.Options{})
	e := NewServer(service.New(db, proc, registry, &config.Config{}, m, nil), m)

	cases := []struct {
		method string
		path   string
		body   string
		want   int
	}{
		{method: nethttp.MethodGet, path: "/health", want: nethttp.StatusOK},
		{method: nethttp.MethodGet, path: "/metrics", want: nethttp.StatusOK},
		{method: nethttp.MethodPost, path: "/internal/notify", want: nethttp.StatusAccepted},
		{method: nethttp.MethodGet, path: "/v1/task_runs/tr_missing", want: nethttp.StatusNotFound},
		{method: nethttp.MethodPost, path: "/v1/task_runs", body: `{"task_name":"search"}`, want: nethttp.StatusBadRequest},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(tc.method, tc.path, strings.NewReader(tc.body))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		assert.Equal(t, tc.want, rec.Code, "%s %s", tc.method, tc.path)
	}

	req := httptest.NewRequest(nethttp.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Contains(t, rec.Body.String(), "tasker_task_runs_finished_total")
}
