// Package invoke is the operation invoker boundary: the engine hands every
// remote call to an Invoker selected by protocol and treats the invocation as
// atomic. Retry, backoff, and circuit breaking live here as decorators, never
// in the engine.
package invoke

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"strings"

	"github.com/runbooklabs/runbook/pkg/schema"
)

// Invoker performs one remote operation. The descriptor is the authored call
// template; inputs are the step's fully resolved input values. Implementations
// render the template, perform the call, and return the raw response payload.
type Invoker interface {
	Name() string
	Invoke(ctx context.Context, op *schema.OperationDescriptor, inputs map[string]any) (json.RawMessage, error)
}

// Func adapts a plain function to the Invoker interface. Used in tests and for
// callers that inject custom protocols without defining a type.
type Func struct {
	Protocol string
	Fn       func(ctx context.Context, op *schema.OperationDescriptor, inputs map[string]any) (json.RawMessage, error)
}

func (f Func) Name() string { return f.Protocol }

func (f Func) Invoke(ctx context.Context, op *schema.OperationDescriptor, inputs map[string]any) (json.RawMessage, error) {
	return f.Fn(ctx, op, inputs)
}

// IsRetryable classifies whether a failed invocation is worth retrying.
// Timeouts and transport faults are; cancellation, validation, resolution,
// and anything an invoker explicitly marked permanent are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	// A deadline is a per-call timeout; the next attempt gets a fresh one.
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	// Cancellation means the run is shutting down.
	if errors.Is(err, context.Canceled) {
		return false
	}

	var re *schema.Error
	if errors.As(err, &re) {
		if v, ok := re.Details["retryable"].(bool); ok {
			return v
		}
		switch re.Code {
		case schema.ErrCodeValidation, schema.ErrCodeResolution,
			schema.ErrCodeUnknownProtocol, schema.ErrCodeCircuitOpen,
			schema.ErrCodeCancelled:
			return false
		}
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"eof",
		"temporary failure",
		"i/o timeout",
		"service unavailable",
		"bad gateway",
		"gateway timeout",
		"too many requests",
	} {
		if strings.Contains(msg, p) {
			return true
		}
	}

	// Conservative default: let the retry policy limit attempts.
	return true
}
