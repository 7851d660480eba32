package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPProvider calls a remote service over HTTP.
//
// The request is POSTed as JSON to {endpoint}/call. A 200 response carries
// {"result": ...}; 202 means the service will report the result later; any
// other status carries {"error": {"code", "message", "retryable"}}. 5xx, 408
// and 429 are retried, other statuses fail the call.
type HTTPProvider struct {
	endpoint   string
	httpClient *http.Client
}

type callResponse struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// NewHTTPProvider creates a provider for the service at endpoint.
func NewHTTPProvider(endpoint string, timeout time.Duration) *HTTPProvider {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPProvider{
		endpoint: strings.TrimSuffix(endpoint, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Call implements Provider.
func (p *HTTPProvider) Call(ctx context.Context, req CallRequest) (json.RawMessage, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, Permanent("invalid_call", "failed to marshal request: %v", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"/call", bytes.NewReader(body))
	if err != nil {
		return nil, Permanent("invalid_call", "failed to create request: %v", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Stack-Run-ID", req.StackRunID)
	httpReq.Header.Set("X-Claim-Token", req.ClaimToken)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("call %s.%s: %w", req.Service, req.Method, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, Transient("read_failed", "failed to read response: %v", err)
	}

	switch {
	case resp.StatusCode == http.StatusAccepted:
		return nil, ErrDeferred
	case resp.StatusCode == http.StatusOK:
		var out callResponse
		if len(respBody) > 0 {
			if err := json.Unmarshal(respBody, &out); err != nil {
				return nil, Permanent("invalid_response", "failed to decode response: %v", err)
			}
		}
		if out.Error != nil {
			return nil, out.Error
		}
		return out.Result, nil
	}

	capErr := decodeError(respBody, resp.StatusCode)
	capErr.Retryable = capErr.Retryable || retryableStatus(resp.StatusCode)
	return nil, capErr
}

func decodeError(body []byte, status int) *Error {
	var out callResponse
	if err := json.Unmarshal(body, &out); err == nil && out.Error != nil {
		if out.Error.Code == "" {
			out.Error.Code = fmt.Sprintf("http_%d", status)
		}
		return out.Error
	}
	return &Error{
		Code:    fmt.Sprintf("http_%d", status),
		Message: strings.TrimSpace(string(body)),
	}
}

func retryableStatus(status int) bool {
	return status >= 500 || status == http.StatusTooManyRequests || status == http.StatusRequestTimeout
}
