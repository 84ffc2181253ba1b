package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type statusErr int

func (e statusErr) Error() string       { return fmt.Sprintf("status %d", int(e)) }
func (e statusErr) HTTPStatusCode() int { return int(e) }

type flagErr bool

func (e flagErr) Error() string   { return "flagged" }
func (e flagErr) Retryable() bool { return bool(e) }

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return false }

var _ net.Error = timeoutErr{}

// newTestExecutor records requested sleeps instead of sleeping.
func newTestExecutor(sleeps *[]time.Duration) *Executor {
	return NewExecutor(nil,
		WithSleep(func(ctx context.Context, d time.Duration) error {
			*sleeps = append(*sleeps, d)
			return ctx.Err()
		}),
		WithJitter(func(time.Duration) time.Duration { return 0 }),
	)
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("bad request"), false},
		{"canceled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, true},
		{"wrapped deadline", fmt.Errorf("post: %w", context.DeadlineExceeded), true},
		{"net timeout", timeoutErr{}, true},
		{"connection refused", &net.OpError{Op: "dial", Err: errors.New("connection refused")}, true},
		{"408", statusErr(408), true},
		{"429", statusErr(429), true},
		{"503", statusErr(503), true},
		{"400", statusErr(400), false},
		{"422", fmt.Errorf("ingest: %w", statusErr(422)), false},
		{"explicit transient", flagErr(true), true},
		{"explicit terminal", flagErr(false), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestDoSucceedsFirstAttempt(t *testing.T) {
	var sleeps []time.Duration
	e := newTestExecutor(&sleeps)

	v, res := Do(context.Background(), e, DefaultPolicy, "op", func(context.Context) (string, error) {
		return "ok", nil
	})
	assert.Equal(t, "ok", v)
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.Attempts)
	assert.NoError(t, res.Err)
	assert.Empty(t, sleeps)
}

func TestDoRetriesThenSucceeds(t *testing.T) {
	var sleeps []time.Duration
	e := newTestExecutor(&sleeps)

	calls := 0
	v, res := Do(context.Background(), e, DefaultPolicy, "op", func(context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, statusErr(503)
		}
		return 42, nil
	})
	assert.Equal(t, 42, v)
	assert.True(t, res.Success)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, []time.Duration{500 * time.Millisecond, time.Second}, sleeps)
}

func TestDoNeverExceedsMaxAttempts(t *testing.T) {
	for _, maxAttempts := range []int{1, 2, 3, 5} {
		t.Run(fmt.Sprint(maxAttempts), func(t *testing.T) {
			var sleeps []time.Duration
			e := newTestExecutor(&sleeps)
			p := DefaultPolicy
			p.MaxAttempts = maxAttempts

			calls := 0
			_, res := Do(context.Background(), e, p, "op", func(context.Context) (struct{}, error) {
				calls++
				return struct{}{}, statusErr(429)
			})
			assert.Equal(t, maxAttempts, calls)
			assert.Equal(t, maxAttempts, res.Attempts)
			assert.False(t, res.Success)
			assert.Len(t, sleeps, maxAttempts-1)

			var se statusErr
			require.ErrorAs(t, res.Err, &se)
			assert.Equal(t, 429, int(se))
		})
	}
}

func TestDoTerminalFailureStopsImmediately(t *testing.T) {
	var sleeps []time.Duration
	e := newTestExecutor(&sleeps)

	calls := 0
	_, res := Do(context.Background(), e, DefaultPolicy, "op", func(context.Context) (int, error) {
		calls++
		return 0, statusErr(400)
	})
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, res.Attempts)
	assert.False(t, res.Success)
	assert.Empty(t, sleeps)
}

func TestDoStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	e := NewExecutor(nil, WithSleep(func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}))

	calls := 0
	_, res := Do(ctx, e, DefaultPolicy, "op", func(context.Context) (int, error) {
		calls++
		return 0, statusErr(500)
	})
	assert.Equal(t, 1, calls)
	assert.False(t, res.Success)
	var se statusErr
	assert.ErrorAs(t, res.Err, &se, "last observed error is kept")
}

func TestDelayGrowthAndCap(t *testing.T) {
	p := Policy{BaseDelay: 100 * time.Millisecond, Growth: 3, MaxDelay: time.Second}
	assert.Equal(t, 100*time.Millisecond, p.Delay(0))
	assert.Equal(t, 300*time.Millisecond, p.Delay(1))
	assert.Equal(t, 900*time.Millisecond, p.Delay(2))
	assert.Equal(t, time.Second, p.Delay(3))
}

func TestJitterIsAdded(t *testing.T) {
	var sleeps []time.Duration
	e := NewExecutor(nil,
		WithSleep(func(_ context.Context, d time.Duration) error {
			sleeps = append(sleeps, d)
			return nil
		}),
		WithJitter(func(max time.Duration) time.Duration { return max / 2 }),
	)
	p := Policy{MaxAttempts: 2, BaseDelay: time.Second, Growth: 2, JitterMax: 200 * time.Millisecond}
	Do(context.Background(), e, p, "op", func(context.Context) (int, error) { return 0, statusErr(502) })
	assert.Equal(t, []time.Duration{1100 * time.Millisecond}, sleeps)
}

func TestRandomJitterBounds(t *testing.T) {
	assert.Zero(t, randomJitter(0))
	for range 100 {
		j := randomJitter(10 * time.Millisecond)
		assert.GreaterOrEqual(t, j, time.Duration(0))
		assert.Less(t, j, 10*time.Millisecond)
	}
}
