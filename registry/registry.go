// Package registry provides name-keyed storage for host supplied schemas.
// Registries are mutable until the first driver start freezes them; further
// registration is rejected so execution always sees an immutable view.
package registry

import (
	"fmt"
	"sync"

	"github.com/dnldd/pulse/shared"
	"go.uber.org/atomic"
)

// Registry stores the registered strategy, exchange, frame, risk and walker
// schemas.
type Registry struct {
	mtx    sync.RWMutex
	frozen atomic.Bool

	strategies map[string]*shared.StrategySchema
	exchanges  map[string]*shared.ExchangeSchema
	frames     map[string]*shared.FrameSchema
	risks      map[string]*shared.RiskSchema
	walkers    map[string]*shared.WalkerSchema
}

// NewRegistry initializes an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		strategies: make(map[string]*shared.StrategySchema),
		exchanges:  make(map[string]*shared.ExchangeSchema),
		frames:     make(map[string]*shared.FrameSchema),
		risks:      make(map[string]*shared.RiskSchema),
		walkers:    make(map[string]*shared.WalkerSchema),
	}
}

// Freeze transitions the registry from mutable to frozen. Called once at
// the first driver start.
func (r *Registry) Freeze() {
	r.frozen.Store(true)
}

// Frozen asserts the registry is immutable.
func (r *Registry) Frozen() bool {
	return r.frozen.Load()
}

func (r *Registry) register(name string, kind string, store func()) error {
	if r.frozen.Load() {
		return fmt.Errorf("registering %s %q: %w", kind, name, shared.ErrFrozen)
	}

	r.mtx.Lock()
	defer r.mtx.Unlock()
	store()

	return nil
}

// AddStrategy registers the provided strategy schema.
func (r *Registry) AddStrategy(schema *shared.StrategySchema) error {
	if err := schema.Validate(); err != nil {
		return fmt.Errorf("validating strategy schema: %w", err)
	}

	return r.register(schema.Name, "strategy", func() {
		r.strategies[schema.Name] = schema
	})
}

// AddExchange registers the provided exchange schema.
func (r *Registry) AddExchange(schema *shared.ExchangeSchema) error {
	if err := schema.Validate(); err != nil {
		return fmt.Errorf("validating exchange schema: %w", err)
	}

	return r.register(schema.Name, "exchange", func() {
		r.exchanges[schema.Name] = schema
	})
}

// AddFrame registers the provided frame schema.
func (r *Registry) AddFrame(schema *shared.FrameSchema) error {
	if err := schema.Validate(); err != nil {
		return fmt.Errorf("validating frame schema: %w", err)
	}

	return r.register(schema.Name, "frame", func() {
		r.frames[schema.Name] = schema
	})
}

// AddRisk registers the provided risk schema.
func (r *Registry) AddRisk(schema *shared.RiskSchema) error {
	if err := schema.Validate(); err != nil {
		return fmt.Errorf("validating risk schema: %w", err)
	}

	return r.register(schema.Name, "risk", func() {
		r.risks[schema.Name] = schema
	})
}

// AddWalker registers the provided walker schema.
func (r *Registry) AddWalker(schema *shared.WalkerSchema) error {
	if err := schema.Validate(); err != nil {
		return fmt.Errorf("validating walker schema: %w", err)
	}

	return r.register(schema.Name, "walker", func() {
		r.walkers[schema.Name] = schema
	})
}

// Strategy resolves the named strategy schema.
func (r *Registry) Strategy(name string) (*shared.StrategySchema, error) {
	r.mtx.RLock()
	defer r.mtx.RUnlock()

	schema, ok := r.strategies[name]
	if !ok {
		return nil, fmt.Errorf("strategy %q: %w", name, shared.ErrUnknownSchema)
	}

	return schema, nil
}

// Exchange resolves the named exchange schema.
func (r *Registry) Exchange(name string) (*shared.ExchangeSchema, error) {
	r.mtx.RLock()
	defer r.mtx.RUnlock()

	schema, ok := r.exchanges[name]
	if !ok {
		return nil, fmt.Errorf("exchange %q: %w", name, shared.ErrUnknownSchema)
	}

	return schema, nil
}

// Frame resolves the named frame schema.
func (r *Registry) Frame(name string) (*shared.FrameSchema, error) {
	r.mtx.RLock()
	defer r.mtx.RUnlock()

	schema, ok := r.frames[name]
	if !ok {
		return nil, fmt.Errorf("frame %q: %w", name, shared.ErrUnknownSchema)
	}

	return schema, nil
}

// Risk resolves the named risk schema.
func (r *Registry) Risk(name string) (*shared.RiskSchema, error) {
	r.mtx.RLock()
	defer r.mtx.RUnlock()

	schema, ok := r.risks[name]
	if !ok {
		return nil, fmt.Errorf("risk %q: %w", name, shared.ErrUnknownSchema)
	}

	return schema, nil
}

// Walker resolves the named walker schema.
func (r *Registry) Walker(name string) (*shared.WalkerSchema, error) {
	r.mtx.RLock()
	defer r.mtx.RUnlock()

	schema, ok := r.walkers[name]
	if !ok {
		return nil, fmt.Errorf("walker %q: %w", name, shared.ErrUnknownSchema)
	}

	return schema, nil
}
