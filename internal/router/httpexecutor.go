package router

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/meshguard/meshguard/internal/registry"
	"github.com/meshguard/meshguard/pkg/errors"
)

const defaultExecuteTimeout = 10 * time.Second

// HTTPExecutor performs the real provider call: it POSTs the request
// payload to the node endpoint at /<operation>. Non-2xx provider responses
// come back as retryable errors carrying the status code.
type HTTPExecutor struct {
	client *http.Client
}

// NewHTTPExecutor builds an executor with the given per-call timeout; node
// timeouts from NodeConfig still apply through the request context.
func NewHTTPExecutor(timeout time.Duration) *HTTPExecutor {
	if timeout <= 0 {
		timeout = defaultExecuteTimeout
	}
	return &HTTPExecutor{client: &http.Client{Timeout: timeout}}
}

// Execute implements Executor
func (e *HTTPExecutor) Execute(ctx context.Context, node registry.ServiceNode, req Request) (*Response, error) {
	if node.Config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, node.Config.Timeout)
		defer cancel()
	}

	url := node.Endpoint + "/" + req.Operation
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(req.Payload))
	if err != nil {
		return nil, errors.NewInternalError("building provider request").WithCause(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range req.Metadata {
		httpReq.Header.Set("X-Meshguard-"+k, v)
	}

	start := time.Now()
	resp, err := e.client.Do(httpReq)
	duration := time.Since(start)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.NewTimeoutError("provider call timed out").WithCause(err)
		}
		return nil, errors.NewInternalError("provider call failed").WithCause(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.NewInternalError("reading provider response").WithCause(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		appErr := errors.NewExternalError(node.ID, "provider returned "+resp.Status).WithStatusCode(resp.StatusCode)
		return nil, appErr
	}

	return &Response{
		NodeID:     node.ID,
		StatusCode: resp.StatusCode,
		Body:       body,
		Duration:   duration,
	}, nil
}
