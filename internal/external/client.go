// Package external is the boundary between the provisioning pipeline and the
// vendors it calls: the billing provider, the identity provider, the email
// provider, the wallet provider and the analytics endpoints. Every outbound
// HTTP call goes through BaseClient, which adds circuit breaking, bounded
// retries and error mapping.
package external

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"provisioner/internal/retry"
	"provisioner/internal/types"

	"github.com/sony/gobreaker/v2"
)

// DefaultHTTPPolicy is the transport-level retry policy for vendor calls.
// Callers that already retry at a higher level pass retry.Once().
func DefaultHTTPPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Jitter:      true,
	}
}

// BaseClient wraps an *http.Client and a circuit breaker. Vendor clients hold
// one each.
type BaseClient struct {
	client    *http.Client
	breaker   *gobreaker.CircuitBreaker[*http.Response]
	policy    retry.Policy
	userAgent string
	sleep     retry.SleepFunc
}

// BaseClientOption configures a BaseClient.
type BaseClientOption func(*BaseClient)

// WithSleepFunc overrides the wait between retries.
func WithSleepFunc(fn retry.SleepFunc) BaseClientOption {
	return func(c *BaseClient) {
		c.sleep = fn
	}
}

// WithBreaker replaces the default circuit breaker.
func WithBreaker(cb *gobreaker.CircuitBreaker[*http.Response]) BaseClientOption {
	return func(c *BaseClient) {
		c.breaker = cb
	}
}

// NewBreaker builds the breaker used by vendor clients: it opens after more
// than five consecutive failures and probes again after 30s.
func NewBreaker(name string) *gobreaker.CircuitBreaker[*http.Response] {
	return gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil
		},
	})
}

// NewBaseClient creates a BaseClient. A nil httpClient gets a 10s timeout.
func NewBaseClient(
	httpClient *http.Client,
	breakerName string,
	policy retry.Policy,
	userAgent string,
	opts ...BaseClientOption,
) *BaseClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	bc := &BaseClient{
		client:    httpClient,
		breaker:   NewBreaker(breakerName),
		policy:    policy,
		userAgent: userAgent,
	}
	for _, opt := range opts {
		opt(bc)
	}
	return bc
}

// statusError marks a retryable HTTP status.
type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("upstream returned %d", e.code)
}

// Do executes req with request ID propagation, the circuit breaker, and
// retries on 429/5xx (honoring Retry-After). Any other status is returned
// as-is and the caller closes the body. Exhausted retries, an open breaker
// and transport failures come back as *types.AppError.
func (c *BaseClient) Do(req *http.Request) (*http.Response, error) {
	if reqID := types.GetRequestID(req.Context()); reqID != "" {
		req.Header.Set("X-Request-Id", reqID)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	// Snapshot the body so it can be replayed.
	var bodyBytes []byte
	if req.Body != nil {
		var err error
		bodyBytes, err = io.ReadAll(req.Body)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to read request body", err)
		}
		req.Body.Close()
	}

	var opts []retry.Option
	if c.sleep != nil {
		opts = append(opts, retry.WithSleep(c.sleep))
	}

	resp, err := retry.DoValue(req.Context(), c.policy, func(_ context.Context, _ int) (*http.Response, error) {
		if bodyBytes != nil {
			req.Body = io.NopCloser(bytes.NewReader(bodyBytes))
			req.ContentLength = int64(len(bodyBytes))
		}

		r, execErr := c.breaker.Execute(func() (*http.Response, error) {
			r, doErr := c.client.Do(req)
			if doErr != nil {
				return nil, doErr
			}
			if r.StatusCode >= 500 || r.StatusCode == http.StatusTooManyRequests {
				return r, &statusError{code: r.StatusCode}
			}
			return r, nil
		})
		if execErr == nil {
			return r, nil
		}
		// An open breaker ends this call's retries only. mapError drops the
		// marker so callers still treat the outage as transient.
		if isBreakerOpen(execErr) {
			return nil, retry.Permanent(execErr)
		}

		var wait time.Duration
		if r != nil {
			wait = retryAfter(r)
			r.Body.Close()
		}
		if wait > 0 {
			return nil, retry.After(execErr, wait)
		}
		return nil, execErr
	}, opts...)
	if err != nil {
		return nil, mapError(err)
	}
	return resp, nil
}

// retryAfter parses a Retry-After header in seconds or HTTP-date form.
func retryAfter(resp *http.Response) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(v); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if wait := time.Until(t); wait > 0 {
			return wait
		}
	}
	return 0
}

func isBreakerOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

// mapError translates transport failures into AppErrors. None of them are
// permanent; 4xx classification happens in readError.
func mapError(err error) *types.AppError {
	if isBreakerOpen(err) {
		cause := gobreaker.ErrOpenState
		if errors.Is(err, gobreaker.ErrTooManyRequests) {
			cause = gobreaker.ErrTooManyRequests
		}
		return types.NewAppError(
			types.ErrCodeUpstreamUnavailable,
			"circuit breaker is open; upstream service unavailable",
			cause,
		)
	}

	var se *statusError
	if errors.As(err, &se) {
		if se.code == http.StatusTooManyRequests {
			return types.NewAppError(types.ErrCodeUpstreamRateLimited, "upstream rate limit exceeded", err)
		}
		return types.NewAppError(
			types.ErrCodeUpstreamUnavailable,
			fmt.Sprintf("upstream returned %d after retries", se.code),
			err,
		)
	}

	return types.NewAppError(types.ErrCodeUpstreamUnavailable, "upstream request failed", err)
}

// vendorError wraps a transport error with the vendor's code unless it is
// already an AppError.
func vendorError(code types.ErrorCode, operation string, err error) error {
	var appErr *types.AppError
	if errors.As(err, &appErr) {
		return err
	}
	return types.NewAppError(code, fmt.Sprintf("%s: request failed", operation), err)
}

// readError turns a non-success response into an AppError carrying code.
// Permanent statuses (4xx other than 408/429) are marked with
// retry.Permanent so higher-level retries stop.
func readError(resp *http.Response, code types.ErrorCode, operation string) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	appErr := types.NewAppErrorWithDetails(
		code,
		fmt.Sprintf("%s: status %d", operation, resp.StatusCode),
		nil,
		map[string]any{"status": resp.StatusCode, "body": string(body)},
	)
	if resp.StatusCode >= 400 && resp.StatusCode < 500 &&
		resp.StatusCode != http.StatusRequestTimeout && resp.StatusCode != http.StatusTooManyRequests {
		return retry.Permanent(appErr)
	}
	return appErr
}
