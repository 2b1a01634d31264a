package executor

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/xkilldash9x/taskpilot/internal/config"
	"github.com/xkilldash9x/taskpilot/internal/taskerr"
)

// RetryPolicy bounds how often one descriptor is attempted. The executor
// never applies it to itself; the orchestrator wraps each step in it.
type RetryPolicy struct {
	Retries int
	Delay   time.Duration
}

// NewRetryPolicy reads the bounds from the task configuration.
func NewRetryPolicy(cfg config.TaskConfig) RetryPolicy {
	return RetryPolicy{Retries: cfg.ActionRetries, Delay: cfg.RetryDelay}
}

// Do runs op until it succeeds, fails permanently or the retries run out.
// It returns the number of attempts made. Resolution failures and
// cancellation are not retried: a missing element is the orchestrator's
// recovery decision.
func (p RetryPolicy) Do(ctx context.Context, op func(ctx context.Context, attempt int) error) (int, error) {
	retries := p.Retries
	if retries < 0 {
		retries = 0
	}
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(p.Delay), uint64(retries)),
		ctx,
	)

	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		err := op(ctx, attempts)
		if err == nil {
			return nil
		}
		if !Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
	return attempts, err
}

// Retryable reports whether another attempt of the same descriptor may help.
func Retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	switch taskerr.CodeOf(err) {
	case taskerr.CodeExecutionFailure, taskerr.CodeTransport, taskerr.CodeUnknown:
		return true
	}
	return false
}
