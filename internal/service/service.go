// Package service implements the task runner's public operations on top of the
// run store and the stack processor.
package service

import (
	"errors"

	"go.uber.org/zap"

	"github.com/xiaot623/gogo/tasker/internal/config"
	"github.com/xiaot623/gogo/tasker/internal/executor"
	"github.com/xiaot623/gogo/tasker/internal/metrics"
	"github.com/xiaot623/gogo/tasker/internal/processor"
	"github.com/xiaot623/gogo/tasker/internal/repository"
)

var (
	// ErrInvalidRequest is returned for requests that fail validation.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrUnknownTask is returned when submitting a task name that is not registered.
	ErrUnknownTask = errors.New("unknown task")
)

type Service struct {
	store     repository.Store
	processor *processor.Processor
	tasks     *executor.Registry
	config    *config.Config
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

func New(store repository.Store, proc *processor.Processor, tasks *executor.Registry, cfg *config.Config, m *metrics.Metrics, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:     store,
		processor: proc,
		tasks:     tasks,
		config:    cfg,
		metrics:   m,
		logger:    logger.Named("service"),
	}
}
