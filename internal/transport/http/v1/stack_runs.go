package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/gogo/tasker/internal/domain"
)

// SubmitStackRunResult delivers the result of a deferred capability call.
// POST /v1/stack_runs/:stack_run_id/result
func (h *Handler) SubmitStackRunResult(c echo.Context) error {
	var req domain.StackRunResultRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.ClaimToken == "" {
		req.ClaimToken = c.Request().Header.Get("X-Claim-Token")
	}

	resp, err := h.service.SubmitStackRunResult(c.Request().Context(), c.Param("stack_run_id"), req)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}
