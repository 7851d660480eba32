package internalapi

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/tasker/internal/config"
	"github.com/xiaot623/gogo/tasker/internal/executor"
	"github.com/xiaot623/gogo/tasker/internal/notifier"
	"github.com/xiaot623/gogo/tasker/internal/processor"
	"github.com/xiaot623/gogo/tasker/internal/service"
	"github.com/xiaot623/gogo/tasker/tests/helpers"
)

func TestNotifyWakesProcessor(t *testing.T) {
	db := helpers.NewTestSQLiteStore(t)
	n := notifier.New()
	registry := executor.NewRegistry()
	proc := processor.New(processor.Deps{
		Store:    db,
		Executor: executor.New(registry),
		Notifier: n,
	}, processor.Options{})
	h := NewHandler(service.New(db, proc, registry, &config.Config{}, nil, nil))

	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodPost, "/internal/notify", nil), rec)

	require.NoError(t, h.Notify(c))
	assert.Equal(t, http.StatusAccepted, rec.Code)

	select {
	case <-n.C():
	default:
		t.Fatalf("expected a wake-up")
	}
}
