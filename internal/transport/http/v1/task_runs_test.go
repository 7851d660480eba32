package v1

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/tasker/internal/capability"
	"github.com/xiaot623/gogo/tasker/internal/config"
	"github.com/xiaot623/gogo/tasker/internal/domain"
	"github.com/xiaot623/gogo/tasker/internal/executor"
	"github.com/xiaot623/gogo/tasker/internal/processor"
	"github.com/xiaot623/gogo/tasker/internal/repository"
	"github.com/xiaot623/gogo/tasker/internal/service"
	"github.com/xiaot623/gogo/tasker/internal/tasks"
	"github.com/xiaot623/gogo/tasker/tests/helpers"
)

func newTestHandler(t *testing.T) (*Handler, *processor.Processor, repository.Store) {
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
	cfg := &config.Config{Retention: time.Hour}
	svc := service.New(db, proc, registry, cfg, nil, nil)
	return NewHandler(svc), proc, db
}

func submit(t *testing.T, h *Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/v1/task_runs", bytes.NewBufferString(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	require.NoError(t, h.SubmitTaskRun(c))
	return rec
}

func get(t *testing.T, path, paramName, paramValue string, handler echo.HandlerFunc) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetPath(path)
	c.SetParamNames(paramName)
	c.SetParamValues(paramValue)

	require.NoError(t, handler(c))
	return rec
}

func TestSubmitTaskRunValidation(t *testing.T) {
	h, _, _ := newTestHandler(t)

	t.Run("Missing Task Name", func(t *testing.T) {
		rec := submit(t, h, `{"input":{}}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("Unknown Task", func(t *testing.T) {
		rec := submit(t, h, `{"task_name":"nope"}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("Malformed Body", func(t *testing.T) {
		rec := submit(t, h, `{"task_name":`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestSubmitAndInspectTaskRun(t *testing.T) {
	h, proc, db := newTestHandler(t)
	ctx := context.Background()

	rec := submit(t, h, `{"task_name":"search","input":{"query":"all"}}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var submitted domain.SubmitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &submitted))
	assert.Equal(t, domain.TaskRunStatusQueued, submitted.Status)

	require.NoError(t, proc.StartTaskRun(ctx, submitted.TaskRunID))
	for i := 0; i < 2; i++ {
		pending, err := db.ListPendingStackRuns(ctx, 10)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		require.NoError(t, proc.ProcessStackRun(ctx, pending[0].StackRunID))
	}

	rec = get(t, "/v1/task_runs/:task_run_id", "task_run_id", submitted.TaskRunID, h.GetTaskRun)
	require.Equal(t, http.StatusOK, rec.Code)
	var status domain.TaskRunStatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, domain.TaskRunStatusCompleted, status.Status)
	assert.JSONEq(t, `{"domains":2,"users":1}`, string(status.Result))

	rec = get(t, "/v1/task_runs/:task_run_id/stack_runs", "task_run_id", submitted.TaskRunID, h.ListStackRuns)
	require.Equal(t, http.StatusOK, rec.Code)
	var list domain.ListStackRunsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.StackRuns, 2)
	assert.Equal(t, "listDomains", list.StackRuns[0].Method)

	rec = get(t, "/v1/task_runs/:task_run_id/events", "task_run_id", submitted.TaskRunID, h.GetTaskRunEvents)
	require.Equal(t, http.StatusOK, rec.Code)
	var events struct {
		Events []domain.Event `json:"events"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	require.NotEmpty(t, events.Events)
	assert.Equal(t, domain.EventTypeTaskRunSubmitted, events.Events[0].Type)
}

func TestGetTaskRunNotFound(t *testing.T) {
	h, _, _ := newTestHandler(t)

	rec := get(t, "/v1/task_runs/:task_run_id", "task_run_id", "tr_missing", h.GetTaskRun)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = get(t, "/v1/task_runs/:task_run_id/stack_runs", "task_run_id", "tr_missing", h.ListStackRuns)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = get(t, "/v1/task_runs/:task_run_id/events", "task_run_id", "tr_missing", h.GetTaskRunEvents)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelTaskRun(t *testing.T) {
	h, _, _ := newTestHandler(t)

	rec := submit(t, h, `{"task_name":"search"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var submitted domain.SubmitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &submitted))

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(`{"reason":"no longer needed"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec = httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetPath("/v1/task_runs/:task_run_id/cancel")
	c.SetParamNames("task_run_id")
	c.SetParamValues(submitted.TaskRunID)

	require.NoError(t, h.CancelTaskRun(c))
	require.Equal(t, http.StatusOK, rec.Code)
	var resp domain.CancelResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, domain.TaskRunStatusCancelled, resp.Status)

	rec = get(t, "/v1/task_runs/:task_run_id", "task_run_id", submitted.TaskRunID, h.GetTaskRun)
	var status domain.TaskRunStatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	require.NotNil(t, status.Error)
	assert.Equal(t, "no longer needed", status.Error.Message)
}

func TestSubmitStackRunResultErrors(t *testing.T) {
	h, _, _ := newTestHandler(t)

	post := func(id, body string) *httptest.ResponseRecorder {
		e := echo.New()
		req := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)
		c.SetPath("/v1/stack_runs/:stack_run_id/result")
		c.SetParamNames("stack_run_id")
		c.SetParamValues(id)
		require.NoError(t, h.SubmitStackRunResult(c))
		return rec
	}

	assert.Equal(t, http.StatusBadRequest, post("sr_1", `{"status":"completed"}`).Code)
	assert.Equal(t, http.StatusBadRequest, post("sr_1", `{"claim_token":"t","status":"done"}`).Code)
	assert.Equal(t, http.StatusNotFound, post("sr_missing", `{"claim_token":"t","status":"completed","result":1}`).Code)
}

func TestHealth(t *testing.T) {
	h, _, _ := newTestHandler(t)
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/health", nil), rec)

	require.NoError(t, h.Health(c))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")
}
