// internal/fallback/executor.go
package fallback

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/arkadily/chatgate/internal/config"
)

// Kind tags what a step does so logs and aggregate errors stay readable
// across the very different operations the executor is reused for.
type Kind string

const (
	KindPool       Kind = "pool"
	KindNavigation Kind = "navigation"
	KindCapture    Kind = "capture"
	KindVision     Kind = "vision"
	KindCaptcha    Kind = "captcha"
	KindNetwork    Kind = "network"
	KindSelector   Kind = "selector"
)

// Step is one level of a fallback chain. Run is attempted up to
// 1+Retries times with exponential backoff between attempts; each attempt
// is bounded by Timeout (0 inherits whatever remains on the caller's
// context).
type Step struct {
	Name    string
	Kind    Kind
	Timeout time.Duration
	Retries int
	Run     func(ctx context.Context) (any, error)
}

// Chain is one operation's primary step plus its ordered fallbacks.
// Chains are constructed per call and discarded after completion.
type Chain struct {
	Op       string
	Primary  Step
	Fallback []Step
}

// Result reports which level finally succeeded and the path taken to
// get there.
type Result struct {
	Value any
	Step  string
	Level int
	Path  []string
}

// StepFailure records why one level gave up.
type StepFailure struct {
	Step     string
	Kind     Kind
	Level    int
	Attempts int
	Err      error
}

// ChainError aggregates every level's failure reason. No step's failure
// is ever silently dropped.
type ChainError struct {
	Op       string
	Failures []StepFailure
}

func (e *ChainError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "all %d fallback levels exhausted for %s:", len(e.Failures), e.Op)
	for _, f := range e.Failures {
		fmt.Fprintf(&b, " [%d] %s (%s, %d attempts): %v;", f.Level, f.Step, f.Kind, f.Attempts, f.Err)
	}
	return strings.TrimSuffix(b.String(), ";")
}

// Unwrap exposes the per-level errors to errors.Is/As.
func (e *ChainError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f.Err
	}
	return errs
}

// Permanent marks an error as non-retryable within a step; the executor
// moves straight to the next fallback level.
func Permanent(err error) error { return backoff.Permanent(err) }

// Executor runs fallback chains. It is stateless and safe for concurrent
// use; one instance is shared by the pool, detector, and discovery.
type Executor struct {
	logger *zap.Logger
	base   time.Duration
	cap    time.Duration
}

// NewExecutor builds an executor with the configured backoff window.
func NewExecutor(cfg config.FallbackConfig, logger *zap.Logger) *Executor {
	base := cfg.BackoffBase
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	capd := cfg.BackoffCap
	if capd <= 0 {
		capd = 15 * time.Second
	}
	return &Executor{
		logger: logger.Named("fallback"),
		base:   base,
		cap:    capd,
	}
}

// Execute runs the chain's primary step, then each fallback in order,
// until one succeeds or all are exhausted. Context cancellation is never
// retried and aborts the remaining levels immediately; only operational
// failures escalate. The caller's deadline bounds every attempt, so
// nested steps can never exceed the outer budget.
func (e *Executor) Execute(ctx context.Context, chain Chain) (*Result, error) {
	steps := append([]Step{chain.Primary}, chain.Fallback...)
	failures := make([]StepFailure, 0, len(steps))
	path := make([]string, 0, len(steps))

	for level, step := range steps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		path = append(path, step.Name)

		value, attempts, err := e.runStep(ctx, step)
		if err == nil {
			if level > 0 {
				e.logger.Info("Operation recovered via fallback.",
					zap.String("op", chain.Op),
					zap.String("step", step.Name),
					zap.Int("level", level))
			}
			return &Result{Value: value, Step: step.Name, Level: level, Path: path}, nil
		}
		if ctx.Err() != nil {
			// The caller gave up; the remaining levels are moot.
			return nil, ctx.Err()
		}

		failures = append(failures, StepFailure{
			Step:     step.Name,
			Kind:     step.Kind,
			Level:    level,
			Attempts: attempts,
			Err:      err,
		})
		e.logger.Debug("Fallback step failed, escalating.",
			zap.String("op", chain.Op),
			zap.String("step", step.Name),
			zap.Int("level", level),
			zap.Int("attempts", attempts),
			zap.Error(err))
	}

	return nil, &ChainError{Op: chain.Op, Failures: failures}
}

// runStep attempts a single level with exponential backoff between
// attempts (base * 2^attempt, capped).
func (e *Executor) runStep(ctx context.Context, step Step) (any, int, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.base
	b.MaxInterval = e.cap
	b.Multiplier = 2
	b.MaxElapsedTime = 0 // attempt count, not elapsed time, bounds the step

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(max(step.Retries, 0))), ctx)

	var value any
	attempts := 0

	operation := func() error {
		attempts++

		attemptCtx := ctx
		var cancel context.CancelFunc
		if step.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, step.Timeout)
		}
		v, err := step.Run(attemptCtx)
		if cancel != nil {
			cancel()
		}
		if err != nil {
			if ctx.Err() != nil {
				// Outer cancellation, not an operational failure.
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		value = v
		return nil
	}

	err := backoff.Retry(operation, policy)
	return value, attempts, err
}
