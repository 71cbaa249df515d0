package invoke

import (
	"context"
	"encoding/json"
	"time"

	"github.com/runbooklabs/runbook/pkg/schema"
)

// RetryPolicy bounds invoker-level retries. The engine never retries; a step
// observes exactly one invocation outcome regardless of how many attempts the
// decorated invoker made underneath.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts including the first.
	// Values below 1 mean a single attempt.
	MaxAttempts int
	// Backoff is the delay growth strategy: none, constant, linear, or
	// exponential.
	Backoff string
	// Delay is the base delay between attempts.
	Delay time.Duration
	// MaxDelay caps the computed delay. Zero means uncapped.
	MaxDelay time.Duration
}

// Attempts returns the effective attempt count.
func (p RetryPolicy) Attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// BackoffDelay computes the delay before the given retry, counting retries
// from zero.
func (p RetryPolicy) BackoffDelay(retry int) time.Duration {
	if p.Delay <= 0 {
		return 0
	}

	var delay time.Duration
	switch p.Backoff {
	case "exponential":
		delay = p.Delay
		for i := 0; i < retry; i++ {
			delay *= 2
		}
	case "linear":
		delay = p.Delay * time.Duration(retry+1)
	default: // constant, none, empty
		delay = p.Delay
	}

	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

// WithRetry wraps an invoker with bounded retry. Only failures IsRetryable
// classifies as transient are retried; permanent errors surface immediately.
func WithRetry(inner Invoker, policy RetryPolicy) Invoker {
	return &retryInvoker{inner: inner, policy: policy}
}

type retryInvoker struct {
	inner  Invoker
	policy RetryPolicy
}

func (ri *retryInvoker) Name() string { return ri.inner.Name() }

func (ri *retryInvoker) Invoke(ctx context.Context, op *schema.OperationDescriptor, inputs map[string]any) (json.RawMessage, error) {
	var lastErr error
	for attempt := 0; attempt < ri.policy.Attempts(); attempt++ {
		if attempt > 0 {
			if err := waitBackoff(ctx, ri.policy.BackoffDelay(attempt-1)); err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeCancelled,
					"cancelled while waiting to retry: %v", err).WithCause(err)
			}
		}
		out, err := ri.inner.Invoke(ctx, op, inputs)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if !IsRetryable(err) {
			return nil, err
		}
	}
	return nil, lastErr
}

// waitBackoff sleeps for the delay or returns early when the context ends.
func waitBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
