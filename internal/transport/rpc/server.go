package rpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"sync"

	"go.uber.org/zap"

	"github.com/xiaot623/gogo/tasker/internal/domain"
	"github.com/xiaot623/gogo/tasker/internal/service"
)

// ServiceName is the name the handler is registered under.
const ServiceName = "Tasker"

// Server exposes JSON-RPC endpoints for the CLI and other internal clients.
type Server struct {
	mu        sync.Mutex
	listener  net.Listener
	closed    bool
	rpcServer *rpc.Server
	logger    *zap.Logger
	done      chan struct{}
}

// NewServer creates a new RPC server bound to the task runner service.
func NewServer(svc *service.Service, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	rpcServer := rpc.NewServer()
	handler := &Handler{service: svc}
	if err := rpcServer.RegisterName(ServiceName, handler); err != nil {
		return nil, fmt.Errorf("register rpc handler: %w", err)
	}

	return &Server{
		rpcServer: rpcServer,
		logger:    logger.Named("rpc"),
		done:      make(chan struct{}),
	}, nil
}

// Start begins accepting RPC connections on the given address.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts RPC connections on ln until Shutdown is called.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ln.Close()
	}
	s.listener = ln
	s.mu.Unlock()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				close(s.done)
				return nil
			}
			s.logger.Warn("rpc accept error", zap.Error(err))
			continue
		}

		go s.rpcServer.ServeCodec(jsonrpc.NewServerCodec(conn))
	}
}

// Shutdown stops accepting new RPC connections.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return nil
	}

	if err := ln.Close(); err != nil {
		return err
	}

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Handler implements the Tasker RPC methods.
type Handler struct {
	service *service.Service
}

// StatusRequest identifies a task run.
type StatusRequest struct {
	TaskRunID string `json:"task_run_id"`
}

// CancelRequest identifies a task run to cancel.
type CancelRequest struct {
	TaskRunID string `json:"task_run_id"`
	Reason    string `json:"reason,omitempty"`
}

// Submit starts a task run.
func (h *Handler) Submit(req *domain.SubmitRequest, resp *domain.SubmitResponse) error {
	if req == nil {
		return errors.New("submit request is required")
	}

	result, err := h.service.Submit(context.Background(), *req)
	if err != nil {
		return err
	}
	if resp != nil && result != nil {
		*resp = *result
	}
	return nil
}

// Status returns the status of a task run.
func (h *Handler) Status(req *StatusRequest, resp *domain.TaskRunStatusResponse) error {
	if req == nil || req.TaskRunID == "" {
		return errors.New("task_run_id is required")
	}

	run, err := h.service.GetTaskRun(context.Background(), req.TaskRunID)
	if err != nil {
		return err
	}
	if resp != nil {
		*resp = *domain.NewTaskRunStatusResponse(run)
	}
	return nil
}

// Cancel cancels a task run and its nested runs.
func (h *Handler) Cancel(req *CancelRequest, resp *domain.CancelResponse) error {
	if req == nil || req.TaskRunID == "" {
		return errors.New("task_run_id is required")
	}

	result, err := h.service.Cancel(context.Background(), req.TaskRunID, req.Reason)
	if err != nil {
		return err
	}
	if resp != nil && result != nil {
		*resp = *result
	}
	return nil
}
