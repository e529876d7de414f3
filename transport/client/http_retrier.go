package client

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
)

// HTTPRetrier wraps another Retrier and only retries HTTP-specific
// failures: network timeouts and ServerUnavailableError, with method-aware
// judgment about whether a 5xx is safe to retry (a POST's body has already
// been consumed, so it is not retried on 5xx; GET/DELETE are idempotent
// and are; 429 is retried regardless of method). All other errors are
// declined. wrapped is consulted only for network timeouts, and supplies
// Wait and MaxAttempts.
type HTTPRetrier struct {
	wrapped Retrier
}

// NewHTTPRetrier wraps retrier, defaulting to NoopRetrier if nil.
func NewHTTPRetrier(wrapped Retrier) *HTTPRetrier {
	if wrapped == nil {
		wrapped = NoopRetrier{}
	}
	return &HTTPRetrier{wrapped: wrapped}
}

func (r *HTTPRetrier) ShouldRetry(ctx context.Context, err error, attempt int) bool {
	if err == nil {
		return false
	}

	if isTemporaryNetworkError(err) {
		return r.wrapped.ShouldRetry(ctx, err, attempt)
	}

	var unavailable *ServerUnavailableError
	if errors.As(err, &unavailable) {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return false
		}
		return isRetryableOperation(unavailable.Operation, unavailable.StatusCode)
	}

	return false
}

func (r *HTTPRetrier) Wait(ctx context.Context, attempt int) error {
	return r.wrapped.Wait(ctx, attempt)
}

func (r *HTTPRetrier) MaxAttempts() int {
	return r.wrapped.MaxAttempts()
}

func isTemporaryNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Err != nil {
		var inner net.Error
		if errors.As(urlErr.Err, &inner) && inner.Timeout() {
			return true
		}
	}
	return false
}

// isRetryableOperation mirrors HTTP semantics: POST cannot be safely
// retried on 5xx since the request body was already consumed; GET/DELETE
// can since they are idempotent; 429 is always safe since it carries no
// state about whether the body was processed.
func isRetryableOperation(operation string, statusCode int) bool {
	if statusCode == 0 {
		return true
	}
	if statusCode == http.StatusTooManyRequests {
		return true
	}
	switch statusCode {
	case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		switch operation {
		case http.MethodGet, http.MethodDelete:
			return true
		default:
			return false
		}
	default:
		return false
	}
}
