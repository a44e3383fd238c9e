package fallback

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/arkadily/chatgate/internal/config"
)

func newTestExecutor() *Executor {
	return NewExecutor(config.FallbackConfig{
		BackoffBase: time.Millisecond,
		BackoffCap:  5 * time.Millisecond,
	}, zap.NewNop())
}

func okStep(name string, value any) Step {
	return Step{Name: name, Run: func(ctx context.Context) (any, error) {
		return value, nil
	}}
}

func failStep(name string, err error) Step {
	return Step{Name: name, Run: func(ctx context.Context) (any, error) {
		return nil, err
	}}
}

func TestExecutePrimarySucceeds(t *testing.T) {
	e := newTestExecutor()

	res, err := e.Execute(context.Background(), Chain{
		Op:       "lookup",
		Primary:  okStep("primary", 42),
		Fallback: []Step{failStep("never", errors.New("unused"))},
	})

	require.NoError(t, err)
	assert.Equal(t, 42, res.Value)
	assert.Equal(t, 0, res.Level)
	assert.Equal(t, []string{"primary"}, res.Path)
}

func TestExecuteEscalatesThroughFallbacks(t *testing.T) {
	e := newTestExecutor()

	res, err := e.Execute(context.Background(), Chain{
		Op:      "read",
		Primary: failStep("network", errors.New("connection reset")),
		Fallback: []Step{
			failStep("dom", errors.New("selector vanished")),
			okStep("visual", "hello"),
		},
	})

	require.NoError(t, err)
	assert.Equal(t, "hello", res.Value)
	assert.Equal(t, 2, res.Level)
	assert.Equal(t, []string{"network", "dom", "visual"}, res.Path)
}

func TestExecuteAggregateErrorKeepsEveryReason(t *testing.T) {
	e := newTestExecutor()

	errA := errors.New("boom a")
	errB := errors.New("boom b")
	_, err := e.Execute(context.Background(), Chain{
		Op:       "read",
		Primary:  failStep("a", errA),
		Fallback: []Step{failStep("b", errB)},
	})

	require.Error(t, err)
	var chainErr *ChainError
	require.ErrorAs(t, err, &chainErr)
	require.Len(t, chainErr.Failures, 2)
	assert.ErrorIs(t, err, errA)
	assert.ErrorIs(t, err, errB)
	assert.Contains(t, err.Error(), "boom a")
	assert.Contains(t, err.Error(), "boom b")
}

func TestExecuteRetriesWithBackoffBeforeEscalating(t *testing.T) {
	e := newTestExecutor()

	var primaryAttempts, fallbackCalls atomic.Int32
	res, err := e.Execute(context.Background(), Chain{
		Op: "flaky",
		Primary: Step{
			Name:    "flaky-primary",
			Retries: 2,
			Run: func(ctx context.Context) (any, error) {
				if primaryAttempts.Add(1) < 3 {
					return nil, errors.New("transient")
				}
				return "recovered", nil
			},
		},
		Fallback: []Step{{
			Name: "fallback",
			Run: func(ctx context.Context) (any, error) {
				fallbackCalls.Add(1)
				return nil, errors.New("should not run")
			},
		}},
	})

	require.NoError(t, err)
	assert.Equal(t, "recovered", res.Value)
	assert.Equal(t, int32(3), primaryAttempts.Load())
	assert.Equal(t, int32(0), fallbackCalls.Load(), "primary recovered; fallback must not run")
}

func TestExecuteRespectsOuterDeadline(t *testing.T) {
	// A primary plus three fallbacks, each allowed 10s, must still return
	// within the caller's much smaller budget.
	e := newTestExecutor()

	slow := func(name string) Step {
		return Step{Name: name, Timeout: 10 * time.Second, Run: func(ctx context.Context) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := e.Execute(ctx, Chain{
		Op:       "deadline",
		Primary:  slow("p"),
		Fallback: []Step{slow("f1"), slow("f2"), slow("f3")},
	})
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, elapsed, time.Second, "must return near the outer deadline, not the sum of step timeouts")
}

func TestExecuteCancellationIsNeverRetried(t *testing.T) {
	e := newTestExecutor()

	ctx, cancel := context.WithCancel(context.Background())
	var attempts atomic.Int32

	_, err := e.Execute(ctx, Chain{
		Op: "cancelled",
		Primary: Step{
			Name:    "primary",
			Retries: 5,
			Run: func(ctx context.Context) (any, error) {
				attempts.Add(1)
				cancel()
				return nil, errors.New("failed mid-flight")
			},
		},
		Fallback: []Step{failStep("fallback", errors.New("unused"))},
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(1), attempts.Load(), "cancellation must not be retried")
}

func TestExecutePermanentSkipsRemainingRetries(t *testing.T) {
	e := newTestExecutor()

	var attempts atomic.Int32
	sentinel := errors.New("bad request")

	res, err := e.Execute(context.Background(), Chain{
		Op: "permanent",
		Primary: Step{
			Name:    "primary",
			Retries: 5,
			Run: func(ctx context.Context) (any, error) {
				attempts.Add(1)
				return nil, Permanent(sentinel)
			},
		},
		Fallback: []Step{okStep("fallback", "saved")},
	})

	require.NoError(t, err)
	assert.Equal(t, "saved", res.Value)
	assert.Equal(t, int32(1), attempts.Load(), "permanent failure must not burn retries")
}

func TestExecuteStepTimeoutIsOperational(t *testing.T) {
	e := newTestExecutor()

	res, err := e.Execute(context.Background(), Chain{
		Op: "timeout",
		Primary: Step{
			Name:    "slow",
			Timeout: 20 * time.Millisecond,
			Run: func(ctx context.Context) (any, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			},
		},
		Fallback: []Step{okStep("fast", "ok")},
	})

	require.NoError(t, err, "a step timeout escalates instead of aborting the chain")
	assert.Equal(t, "ok", res.Value)
	assert.Equal(t, 1, res.Level)
}
