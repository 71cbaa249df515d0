package invoke

import (
	"sort"
	"strings"
	"sync"

	"github.com/runbooklabs/runbook/pkg/schema"
)

// Registry maps protocol names to invokers. The engine looks up the invoker
// for each step by the descriptor's protocol ("http" when unset).
type Registry struct {
	mu       sync.RWMutex
	invokers map[string]Invoker
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		invokers: make(map[string]Invoker),
	}
}

// NewDefaultRegistry creates a Registry with the built-in http and graphql
// invokers registered.
func NewDefaultRegistry(httpCfg HTTPConfig, gqlCfg GraphQLConfig) *Registry {
	r := NewRegistry()
	_ = r.Register(NewHTTPInvoker(httpCfg))
	_ = r.Register(NewGraphQLInvoker(gqlCfg))
	return r
}

// Register adds an invoker under its protocol name. Returns an error on a
// duplicate protocol.
func (r *Registry) Register(inv Invoker) error {
	if inv == nil {
		return schema.NewError(schema.ErrCodeValidation, "invoker is nil")
	}
	name := inv.Name()
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "invoker protocol name is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.invokers[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "invoker for protocol %q already registered", name)
	}

	r.invokers[name] = inv
	return nil
}

// Replace registers an invoker, overwriting any existing one for the same
// protocol. Used to wrap a registered invoker with decorators.
func (r *Registry) Replace(inv Invoker) {
	if inv == nil || inv.Name() == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.invokers[inv.Name()] = inv
}

// Get retrieves the invoker for a protocol.
func (r *Registry) Get(protocol string) (Invoker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	inv, ok := r.invokers[protocol]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeUnknownProtocol,
			"no invoker registered for protocol %q (registered: [%s])",
			protocol, strings.Join(r.protocolsLocked(), ", "))
	}
	return inv, nil
}

// Has checks whether a protocol has a registered invoker.
func (r *Registry) Has(protocol string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.invokers[protocol]
	return ok
}

// Protocols returns the registered protocol names, sorted.
func (r *Registry) Protocols() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.protocolsLocked()
}

func (r *Registry) protocolsLocked() []string {
	names := make([]string, 0, len(r.invokers))
	for name := range r.invokers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
