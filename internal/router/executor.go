package router

import (
	"context"
	"strings"
	"time"

	"github.com/meshguard/meshguard/internal/events"
	"github.com/meshguard/meshguard/internal/registry"
	"github.com/meshguard/meshguard/pkg/errors"
	"github.com/meshguard/meshguard/pkg/logging"
)

// Executor performs the actual provider call against a selected node
type Executor interface {
	Execute(ctx context.Context, node registry.ServiceNode, req Request) (*Response, error)
}

// ExecutorFunc adapts a function to the Executor interface
type ExecutorFunc func(ctx context.Context, node registry.ServiceNode, req Request) (*Response, error)

// Execute calls f
func (f ExecutorFunc) Execute(ctx context.Context, node registry.ServiceNode, req Request) (*Response, error) {
	return f(ctx, node, req)
}

// FallbackHandler produces a degraded response when every provider attempt
// has failed. Strategy names the degradation mode for event payloads and
// incident bookkeeping.
type FallbackHandler interface {
	Execute(ctx context.Context, req Request) (*Response, error)
	Strategy(serviceName string) string
}

// retryableStatusCodes are provider HTTP responses worth another attempt
var retryableStatusCodes = map[int]bool{
	429: true,
	500: true,
	502: true,
	503: true,
	504: true,
}

// retryableFragments mark transient transport failures by message
var retryableFragments = []string{
	"connection reset",
	"connection refused",
	"timeout",
	"deadline exceeded",
	"no such host",
	"i/o timeout",
	"broken pipe",
}

// ShouldRetry reports whether a failed attempt is worth retrying: transient
// transport failures and retryable provider status codes qualify, everything
// else fails fast to the fallback path.
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if errors.IsType(err, errors.ErrorTypeTimeout) {
		return true
	}
	if retryableStatusCodes[errors.GetStatusCode(err)] {
		return true
	}

	message := strings.ToLower(err.Error())
	for _, fragment := range retryableFragments {
		if strings.Contains(message, fragment) {
			return true
		}
	}
	return false
}

// ExecuteServiceRequest runs one orchestrated request end to end: target
// selection, bounded retries with exponential backoff, then fallback
// degradation. It returns an error only when the retry budget is exhausted
// and the fallback also failed or is absent.
func (r *Router) ExecuteServiceRequest(ctx context.Context, req Request) (*Response, error) {
	if req.Service == "" {
		return nil, errors.NewValidationError("request requires a service name")
	}

	var lastErr error
	attempts := 0
	for attempt := 1; attempt <= r.opts.MaxAttempts; attempt++ {
		node, err := r.RouteRequest(req)
		if err != nil {
			if errors.IsType(err, errors.ErrorTypeConfiguration) {
				// misconfiguration is not an availability problem; no
				// retry and no degraded response
				return nil, err
			}
			lastErr = err
			break
		}

		attempts++
		start := r.now()
		r.incInFlight(node.ID)
		resp, err := r.executor.Execute(ctx, node, req)
		r.decInFlight(node.ID)
		duration := r.now().Sub(start)

		if err == nil {
			r.registry.RecordSuccess(node.ID)
			if r.metrics != nil {
				r.metrics.ObserveRequest(req.Service, req.Operation, node.ID, "success", duration)
			}
			if resp == nil {
				resp = &Response{}
			}
			resp.NodeID = node.ID
			resp.Duration = duration
			resp.Attempts = attempts
			return resp, nil
		}

		lastErr = err
		r.registry.RecordFailure(req.Service, err)
		if r.metrics != nil {
			r.metrics.ObserveRequest(req.Service, req.Operation, node.ID, "error", duration)
		}
		r.logger.LogRoutingEvent(ctx, "request_attempt_failed", req.Service, node.ID, logging.Fields{
			"attempt": attempt,
			"error":   err.Error(),
		})

		if attempt == r.opts.MaxAttempts || !ShouldRetry(err) {
			break
		}

		if r.metrics != nil && r.metrics.RetriesTotal != nil {
			r.metrics.RetriesTotal.WithLabelValues(req.Service).Inc()
		}
		if err := r.backoff(ctx, attempt); err != nil {
			return nil, err
		}
	}

	return r.runFallback(ctx, req, attempts, lastErr)
}

// backoff waits the exponential delay for the given attempt, aborting early
// when the request context ends
func (r *Router) backoff(ctx context.Context, attempt int) error {
	delay := r.opts.RetryBaseDelay << (attempt - 1)
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return errors.NewTimeoutError("retry backoff").WithCause(ctx.Err())
	case <-timer.C:
		return nil
	}
}

func (r *Router) runFallback(ctx context.Context, req Request, attempts int, cause error) (*Response, error) {
	if r.fallback == nil {
		if cause == nil {
			cause = errors.NewRequestExecutionError(req.Service, "request failed with no recorded cause")
		}
		return nil, cause
	}

	strategy := r.fallback.Strategy(req.Service)
	r.publishFallback(events.TypeFallbackTriggered, req.Service, strategy, cause)

	resp, err := r.fallback.Execute(ctx, req)
	if err != nil {
		r.publishFallback(events.TypeFallbackFailed, req.Service, strategy, err)
		if r.metrics != nil && r.metrics.FallbacksTotal != nil {
			r.metrics.FallbacksTotal.WithLabelValues(req.Service, "failure").Inc()
		}
		return nil, errors.NewFallbackExhaustedError(req.Service, "all retries and fallback failed").WithCause(err)
	}

	r.publishFallback(events.TypeFallbackSucceeded, req.Service, strategy, nil)
	if r.metrics != nil && r.metrics.FallbacksTotal != nil {
		r.metrics.FallbacksTotal.WithLabelValues(req.Service, "success").Inc()
	}

	if resp == nil {
		resp = &Response{}
	}
	resp.FromFallback = true
	resp.FallbackStrategy = strategy
	resp.Attempts = attempts
	return resp, nil
}

func (r *Router) publishFallback(eventType events.Type, serviceName, strategy string, cause error) {
	if r.bus == nil {
		return
	}
	payload := map[string]interface{}{"strategy": strategy}
	if cause != nil {
		payload["cause"] = cause.Error()
	}
	r.bus.Publish(eventType, serviceName, "", payload)
}
