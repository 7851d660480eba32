package v1

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/gogo/tasker/internal/domain"
)

// SubmitTaskRun starts a task run.
// POST /v1/task_runs
func (h *Handler) SubmitTaskRun(c echo.Context) error {
	var req domain.SubmitRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.TaskName == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "task_name is required"})
	}

	resp, err := h.service.Submit(c.Request().Context(), req)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusAccepted, resp)
}

// GetTaskRun returns the status of a task run.
// GET /v1/task_runs/:task_run_id
func (h *Handler) GetTaskRun(c echo.Context) error {
	run, err := h.service.GetTaskRun(c.Request().Context(), c.Param("task_run_id"))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, domain.NewTaskRunStatusResponse(run))
}

// ListStackRuns returns the stack runs of a task run.
// GET /v1/task_runs/:task_run_id/stack_runs
func (h *Handler) ListStackRuns(c echo.Context) error {
	taskRunID := c.Param("task_run_id")
	srs, err := h.service.ListStackRuns(c.Request().Context(), taskRunID)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, domain.ListStackRunsResponse{
		TaskRunID: taskRunID,
		StackRuns: srs,
	})
}

// GetTaskRunEvents returns the trace events of a task run.
// GET /v1/task_runs/:task_run_id/events
func (h *Handler) GetTaskRunEvents(c echo.Context) error {
	taskRunID := c.Param("task_run_id")
	limit := 100
	if l := c.QueryParam("limit"); l != "" {
		if val, err := strconv.Atoi(l); err == nil {
			limit = val
		}
	}
	afterTs := int64(0)
	if t := c.QueryParam("after_ts"); t != "" {
		if val, err := strconv.ParseInt(t, 10, 64); err == nil {
			afterTs = val
		}
	}
	var types []string
	if t := c.QueryParam("types"); t != "" {
		types = strings.Split(t, ",")
	}

	events, err := h.service.GetEvents(c.Request().Context(), taskRunID, afterTs, types, limit)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"task_run_id": taskRunID,
		"events":      events,
	})
}

// CancelRequest is the optional body of a cancel request.
type CancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

// CancelTaskRun cancels a task run and its nested runs.
// POST /v1/task_runs/:task_run_id/cancel
func (h *Handler) CancelTaskRun(c echo.Context) error {
	var req CancelRequest
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		}
	}

	resp, err := h.service.Cancel(c.Request().Context(), c.Param("task_run_id"), req.Reason)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}
