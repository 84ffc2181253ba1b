// Package retry runs an operation with exponential backoff and jitter,
// retrying only failures that are likely to succeed on a later attempt.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand/v2"
	"net"
	"time"
)

// Policy bounds a retry loop.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Growth      float64
	JitterMax   time.Duration
	// MaxDelay caps a single backoff sleep. Zero means no cap.
	MaxDelay time.Duration
}

// DefaultPolicy is used by the submission pipeline.
var DefaultPolicy = Policy{
	MaxAttempts: 3,
	BaseDelay:   500 * time.Millisecond,
	Growth:      2,
	JitterMax:   250 * time.Millisecond,
	MaxDelay:    10 * time.Second,
}

// Delay returns the sleep before the attempt following attempt (0-based), excluding jitter.
func (p Policy) Delay(attempt int) time.Duration {
	growth := p.Growth
	if growth < 1 {
		growth = 1
	}
	d := time.Duration(float64(p.BaseDelay) * math.Pow(growth, float64(attempt)))
	if d < 0 {
		d = math.MaxInt64
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Result describes how a retried operation ended.
type Result struct {
	Attempts int
	Success  bool
	// Err is the last observed error, nil on success.
	Err error
}

// Executor carries the sleep and randomness sources so tests can run without waiting.
type Executor struct {
	log    *slog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(max time.Duration) time.Duration
}

// Option configures an Executor.
type Option func(*Executor)

// WithSleep replaces the backoff sleep.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Executor) { e.sleep = fn }
}

// WithJitter replaces the jitter source.
func WithJitter(fn func(max time.Duration) time.Duration) Option {
	return func(e *Executor) { e.jitter = fn }
}

// NewExecutor returns an Executor that sleeps on the wall clock. A nil logger uses slog.Default().
func NewExecutor(log *slog.Logger, opts ...Option) *Executor {
	if log == nil {
		log = slog.Default()
	}
	e := &Executor{log: log, sleep: sleepCtx, jitter: randomJitter}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return rand.N(max)
}

// Do calls op until it succeeds, fails with a non-retryable error, the policy's attempts
// are used up, or ctx is done. The final failure is reported in Result, never panicked.
func Do[T any](ctx context.Context, e *Executor, p Policy, name string, op func(ctx context.Context) (T, error)) (T, Result) {
	var zero T
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var res Result
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if res.Err == nil {
				res.Err = err
			}
			return zero, res
		}

		res.Attempts++
		v, err := op(ctx)
		if err == nil {
			res.Success = true
			res.Err = nil
			return v, res
		}
		res.Err = err

		if !IsRetryable(err) {
			e.log.Warn("operation failed with terminal error", "op", name, "attempt", res.Attempts, "error", err)
			return zero, res
		}
		if attempt == maxAttempts-1 {
			break
		}

		sleepFor := p.Delay(attempt) + e.jitter(p.JitterMax)
		e.log.Warn("operation retrying",
			"op", name,
			"attempt", res.Attempts,
			"max_attempts", maxAttempts,
			"sleep", sleepFor.String(),
			"error", err.Error(),
		)
		if err := e.sleep(ctx, sleepFor); err != nil {
			return zero, res
		}
	}

	e.log.Warn("operation exhausted retries", "op", name, "attempts", res.Attempts, "error", res.Err)
	return zero, res
}

// Retryable is implemented by errors that know whether a later attempt may succeed.
type Retryable interface {
	Retryable() bool
}

// HTTPStatusCoder is implemented by errors that carry an HTTP response status.
type HTTPStatusCoder interface {
	HTTPStatusCode() int
}

// IsRetryableHTTPStatus reports 408, 429 and 5xx as retryable.
func IsRetryableHTTPStatus(code int) bool {
	if code == 408 || code == 429 {
		return true
	}
	return code >= 500 && code <= 599
}

// IsRetryable classifies err. Caller cancellation is terminal; deadlines, network
// timeouts and overload statuses are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var r Retryable
	if errors.As(err, &r) {
		return r.Retryable()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var sc HTTPStatusCoder
	if errors.As(err, &sc) {
		return IsRetryableHTTPStatus(sc.HTTPStatusCode())
	}
	return false
}
