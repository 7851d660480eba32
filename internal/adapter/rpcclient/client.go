// Package rpcclient is the JSON-RPC client for the task runner's RPC port.
package rpcclient

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/rpc/jsonrpc"
	"net/url"
	"strings"
	"time"

	"github.com/xiaot623/gogo/tasker/internal/domain"
	taskerrpc "github.com/xiaot623/gogo/tasker/internal/transport/rpc"
)

type Client struct {
	addr        string
	dialTimeout time.Duration
	callTimeout time.Duration
}

func NewClient(baseURL string) *Client {
	return &Client{
		addr:        resolveRPCAddr(baseURL),
		dialTimeout: 5 * time.Second,
		callTimeout: 10 * time.Second,
	}
}

// Submit starts a task run.
func (c *Client) Submit(ctx context.Context, taskName string, input json.RawMessage) (*domain.SubmitResponse, error) {
	var resp domain.SubmitResponse
	req := &domain.SubmitRequest{TaskName: taskName, Input: input}
	if err := c.call(ctx, taskerrpc.ServiceName+".Submit", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Status returns the status of a task run.
func (c *Client) Status(ctx context.Context, taskRunID string) (*domain.TaskRunStatusResponse, error) {
	var resp domain.TaskRunStatusResponse
	req := &taskerrpc.StatusRequest{TaskRunID: taskRunID}
	if err := c.call(ctx, taskerrpc.ServiceName+".Status", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Cancel cancels a task run.
func (c *Client) Cancel(ctx context.Context, taskRunID, reason string) (*domain.CancelResponse, error) {
	var resp domain.CancelResponse
	req := &taskerrpc.CancelRequest{TaskRunID: taskRunID, Reason: reason}
	if err := c.call(ctx, taskerrpc.ServiceName+".Cancel", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) call(ctx context.Context, method string, args, reply interface{}) error {
	if c.addr == "" {
		return errors.New("rpc address is not configured")
	}
	conn, err := net.DialTimeout("tcp", c.addr, c.dialTimeout)
	if err != nil {
		return err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else if c.callTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(c.callTimeout))
	}

	client := jsonrpc.NewClient(conn)
	call := client.Go(method, args, reply, nil)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-call.Done:
		return call.Error
	}
}

func resolveRPCAddr(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if strings.Contains(raw, "://") {
		parsed, err := url.Parse(raw)
		if err == nil && parsed.Host != "" {
			return parsed.Host
		}
	}
	return raw
}
