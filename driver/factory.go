// Package driver runs strategy clients against the timeline: backtests
// iterate frame timestamps with a terminal fast-forward, live runs tick on
// a wall clock schedule and walkers sweep candidate strategies over the
// same frame to pick a winner.
package driver

import (
	"fmt"
	"sync"

	"github.com/dnldd/pulse/bus"
	"github.com/dnldd/pulse/exchange"
	"github.com/dnldd/pulse/partial"
	"github.com/dnldd/pulse/persist"
	"github.com/dnldd/pulse/registry"
	"github.com/dnldd/pulse/risk"
	"github.com/dnldd/pulse/shared"
	"github.com/dnldd/pulse/strategy"
	"github.com/rs/zerolog"
)

// ClientKey identifies one memoised strategy client. Live and backtest runs
// of the same pair are isolated from each other.
type ClientKey struct {
	Symbol   string
	Strategy string
	Backtest bool
}

// FactoryConfig represents the driver factory configuration.
type FactoryConfig struct {
	// Registry resolves registered schemas.
	Registry *registry.Registry
	// Bus is the event bus.
	Bus *bus.Bus
	// Store is the persistence store.
	Store *persist.Store
	// Params are the engine parameters.
	Params *shared.Params
	// Logger represents the application logger.
	Logger *zerolog.Logger
}

// Factory memoises the clients shared by drivers. Exchange clients are
// shared per exchange, risk validators per profile name so strategies
// naming the same profile observe the same position map, and strategy
// clients per (symbol, strategy, mode).
type Factory struct {
	cfg     *FactoryConfig
	tracker *partial.Tracker

	mtx        sync.Mutex
	exchanges  map[string]*exchange.Client
	validators map[string]*risk.Validator
	clients    map[ClientKey]*strategy.Client
}

// NewFactory initializes a driver factory.
func NewFactory(cfg *FactoryConfig) *Factory {
	return &Factory{
		cfg: cfg,
		tracker: partial.NewTracker(&partial.TrackerConfig{
			Store:  cfg.Store,
			Bus:    cfg.Bus,
			Logger: cfg.Logger,
		}),
		exchanges:  make(map[string]*exchange.Client),
		validators: make(map[string]*risk.Validator),
		clients:    make(map[ClientKey]*strategy.Client),
	}
}

// Exchange resolves the memoised exchange client for the provided name.
func (f *Factory) Exchange(name string) (*exchange.Client, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()

	return f.exchangeLocked(name)
}

func (f *Factory) exchangeLocked(name string) (*exchange.Client, error) {
	if client, ok := f.exchanges[name]; ok {
		return client, nil
	}

	schema, err := f.cfg.Registry.Exchange(name)
	if err != nil {
		return nil, err
	}

	client := exchange.NewClient(&exchange.ClientConfig{
		Schema: schema,
		Params: f.cfg.Params,
		Logger: f.cfg.Logger,
	})
	f.exchanges[name] = client

	return client, nil
}

func (f *Factory) validatorLocked(name string) (*risk.Validator, error) {
	if validator, ok := f.validators[name]; ok {
		return validator, nil
	}

	schema, err := f.cfg.Registry.Risk(name)
	if err != nil {
		return nil, err
	}

	validator := risk.NewValidator(&risk.ValidatorConfig{
		Schema: schema,
		Store:  f.cfg.Store,
		Bus:    f.cfg.Bus,
		Logger: f.cfg.Logger,
	})
	f.validators[name] = validator

	return validator, nil
}

// compositeLocked builds the composite risk gate for the provided profile
// names, sharing validators across strategies.
func (f *Factory) compositeLocked(names []string) (*risk.Composite, error) {
	validators := make([]*risk.Validator, 0, len(names))
	for idx := range names {
		validator, err := f.validatorLocked(names[idx])
		if err != nil {
			return nil, err
		}
		validators = append(validators, validator)
	}

	return risk.NewComposite(validators...), nil
}

// Client resolves the memoised strategy client for the provided pair and
// mode, building it on first use.
func (f *Factory) Client(key ClientKey, exchangeName string) (*strategy.Client, error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()

	if client, ok := f.clients[key]; ok {
		return client, nil
	}

	schema, err := f.cfg.Registry.Strategy(key.Strategy)
	if err != nil {
		return nil, err
	}

	exchangeClient, err := f.exchangeLocked(exchangeName)
	if err != nil {
		return nil, err
	}

	composite, err := f.compositeLocked(schema.RiskNames)
	if err != nil {
		return nil, fmt.Errorf("building risk gate for strategy %s: %w", key.Strategy, err)
	}

	client := strategy.NewClient(&strategy.ClientConfig{
		Schema:   schema,
		Exchange: exchangeClient,
		Risk:     composite,
		Partial:  f.tracker,
		Store:    f.cfg.Store,
		Bus:      f.cfg.Bus,
		Params:   f.cfg.Params,
		Logger:   f.cfg.Logger,
	})
	f.clients[key] = client

	return client, nil
}

// Purge drops the memoised strategy client for the provided key.
func (f *Factory) Purge(key ClientKey) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	delete(f.clients, key)
}

// Tracker returns the shared milestone tracker.
func (f *Factory) Tracker() *partial.Tracker {
	return f.tracker
}

// ResetBacktestState clears all backtest-mode lifecycle state: backtest
// strategy clients are dropped and the backtest-scoped positions and
// milestones of the shared validators and tracker are cleared. Live state
// is untouched. Walker runs call this between candidates so no state leaks
// across runs.
func (f *Factory) ResetBacktestState() {
	f.mtx.Lock()
	defer f.mtx.Unlock()

	for key := range f.clients {
		if key.Backtest {
			delete(f.clients, key)
		}
	}
	for name := range f.validators {
		f.validators[name].ResetBacktest()
	}
	f.tracker.ResetBacktest()
}
