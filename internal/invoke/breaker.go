package invoke

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/runbooklabs/runbook/pkg/schema"
)

// CircuitState is the state of one circuit.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // normal operation
	CircuitOpen                         // failing, rejecting calls
	CircuitHalfOpen                     // testing recovery
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures circuit breaking at the invoker boundary.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before the
	// circuit opens.
	FailureThreshold int
	// Cooldown is how long an open circuit rejects calls before allowing a
	// test request.
	Cooldown time.Duration
	// HalfOpenMax is the number of test requests allowed while half-open.
	HalfOpenMax int
}

// DefaultBreakerConfig returns the default breaker configuration.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

// circuit tracks failure state for a single target.
type circuit struct {
	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	lastFailureTime     time.Time
	halfOpenAttempts    int
	config              BreakerConfig
}

// BreakerSet manages per-target circuits. Targets are keyed by the authored
// descriptor target, so every run of a document shares the same circuits.
type BreakerSet struct {
	mu       sync.Mutex
	circuits map[string]*circuit
	config   BreakerConfig
}

// NewBreakerSet creates a BreakerSet with the given config.
func NewBreakerSet(config BreakerConfig) *BreakerSet {
	return &BreakerSet{
		circuits: make(map[string]*circuit),
		config:   config,
	}
}

// Allow checks whether a call to the target is permitted. Returns nil when
// allowed, or a CIRCUIT_OPEN error when the circuit rejects the call.
func (b *BreakerSet) Allow(target string) error {
	c := b.getOrCreate(target)
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case CircuitClosed:
		return nil

	case CircuitOpen:
		if time.Since(c.lastFailureTime) >= c.config.Cooldown {
			c.state = CircuitHalfOpen
			c.halfOpenAttempts = 1 // this call is the first test request
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeCircuitOpen,
			"circuit open for target %q after %d consecutive failures",
			target, c.consecutiveFailures).
			WithDetails(map[string]any{
				"target":               target,
				"consecutive_failures": c.consecutiveFailures,
				"state":                c.state.String(),
				"cooldown_remaining":   (c.config.Cooldown - time.Since(c.lastFailureTime)).String(),
			})

	case CircuitHalfOpen:
		if c.halfOpenAttempts >= c.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"circuit half-open for target %q: max test requests reached", target)
		}
		c.halfOpenAttempts++
		return nil
	}

	return nil
}

// RecordSuccess closes the circuit for the target.
func (b *BreakerSet) RecordSuccess(target string) {
	c := b.getOrCreate(target)
	c.mu.Lock()
	defer c.mu.Unlock()

	c.consecutiveFailures = 0
	c.halfOpenAttempts = 0
	c.state = CircuitClosed
}

// RecordFailure records a failed call and returns the resulting state.
func (b *BreakerSet) RecordFailure(target string) CircuitState {
	c := b.getOrCreate(target)
	c.mu.Lock()
	defer c.mu.Unlock()

	c.consecutiveFailures++
	c.lastFailureTime = time.Now()

	// Any failure while half-open reopens the circuit.
	if c.state == CircuitHalfOpen {
		c.state = CircuitOpen
		return CircuitOpen
	}

	if c.consecutiveFailures >= c.config.FailureThreshold {
		c.state = CircuitOpen
		return CircuitOpen
	}
	return c.state
}

// State returns the current state for a target, applying the open-to-half-open
// transition when the cooldown has elapsed.
func (b *BreakerSet) State(target string) CircuitState {
	c := b.getOrCreate(target)
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == CircuitOpen && time.Since(c.lastFailureTime) >= c.config.Cooldown {
		c.state = CircuitHalfOpen
		c.halfOpenAttempts = 0
	}
	return c.state
}

func (b *BreakerSet) getOrCreate(target string) *circuit {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.circuits[target]
	if !ok {
		c = &circuit{state: CircuitClosed, config: b.config}
		b.circuits[target] = c
	}
	return c
}

// WithBreaker wraps an invoker with per-target circuit breaking. Circuits key
// on the authored target template, not the rendered URL, so parameterized
// calls to the same operation share one circuit.
func WithBreaker(inner Invoker, config BreakerConfig) Invoker {
	return &breakerInvoker{inner: inner, breakers: NewBreakerSet(config)}
}

type breakerInvoker struct {
	inner    Invoker
	breakers *BreakerSet
}

func (bi *breakerInvoker) Name() string { return bi.inner.Name() }

func (bi *breakerInvoker) Invoke(ctx context.Context, op *schema.OperationDescriptor, inputs map[string]any) (json.RawMessage, error) {
	if err := bi.breakers.Allow(op.Target); err != nil {
		return nil, err
	}
	out, err := bi.inner.Invoke(ctx, op, inputs)
	if err != nil {
		bi.breakers.RecordFailure(op.Target)
		return nil, err
	}
	bi.breakers.RecordSuccess(op.Target)
	return out, nil
}
