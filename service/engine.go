// Package service wires the engine together: registries, event bus,
// persistence, drivers and reporting behind one composition root.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dnldd/pulse/bus"
	"github.com/dnldd/pulse/database"
	"github.com/dnldd/pulse/driver"
	"github.com/dnldd/pulse/exchange"
	"github.com/dnldd/pulse/persist"
	"github.com/dnldd/pulse/registry"
	"github.com/dnldd/pulse/report"
	"github.com/dnldd/pulse/shared"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/rs/zerolog/pkgerrors"
	"golang.org/x/sync/errgroup"
)

// EngineConfig represents the configuration struct for the engine service.
type EngineConfig struct {
	// PersistRoot is the persistence root directory.
	PersistRoot string
	// DatabaseEndpoint is the optional rqlite endpoint persisting closed
	// live signals. The database sink is skipped when empty.
	DatabaseEndpoint string
	// DatabaseUser is the database user.
	DatabaseUser string
	// DatabasePass is the database user pass.
	DatabasePass string
	// ReportPath is the optional path the performance report is dumped to
	// on close.
	ReportPath string
	// ReportCapacity is the per-pair report ring buffer capacity.
	ReportCapacity int
	// Cancel is the context cancellation function.
	Cancel context.CancelFunc
}

// Validate asserts the config has sane inputs.
func (cfg *EngineConfig) Validate() error {
	var errs error

	if cfg.Cancel == nil {
		errs = errors.Join(errs, fmt.Errorf("context cancellation function cannot be nil"))
	}
	if cfg.DatabaseEndpoint != "" && cfg.DatabaseUser == "" {
		errs = errors.Join(errs, fmt.Errorf("database user cannot be an empty string when an endpoint is set"))
	}

	return errs
}

// Engine represents the signal lifecycle engine service.
type Engine struct {
	cfg         *EngineConfig
	registry    *registry.Registry
	bus         *bus.Bus
	store       *persist.Store
	params      *shared.Params
	factory     *driver.Factory
	accumulator *report.Accumulator
	db          *database.Database
	logger      *zerolog.Logger

	startOnce sync.Once

	mtx   sync.Mutex
	lives map[liveKey]*driver.Live
}

// liveKey identifies one tracked live driver.
type liveKey struct {
	symbol   string
	strategy string
}

// NewEngine initializes a new engine service.
func NewEngine(ctx context.Context, cfg *EngineConfig) (*Engine, error) {
	err := cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("validating engine config: %w", err)
	}

	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack
	logger := log.With().Str("service", "engine").Logger()

	busLogger := logger.With().Str("component", "bus").Logger()
	eventBus := bus.NewBus(&bus.BusConfig{Logger: &busLogger})

	storeLogger := logger.With().Str("component", "persist").Logger()
	store := persist.NewStore(&persist.StoreConfig{Root: cfg.PersistRoot, Logger: &storeLogger})

	params := shared.NewParams()
	reg := registry.NewRegistry()

	factoryLogger := logger.With().Str("component", "driver").Logger()
	factory := driver.NewFactory(&driver.FactoryConfig{
		Registry: reg,
		Bus:      eventBus,
		Store:    store,
		Params:   params,
		Logger:   &factoryLogger,
	})

	reportLogger := logger.With().Str("component", "report").Logger()
	accumulator := report.NewAccumulator(&report.AccumulatorConfig{
		Bus:      eventBus,
		Capacity: cfg.ReportCapacity,
		Logger:   &reportLogger,
	})

	engine := &Engine{
		cfg:         cfg,
		registry:    reg,
		bus:         eventBus,
		store:       store,
		params:      params,
		factory:     factory,
		accumulator: accumulator,
		logger:      &logger,
		lives:       make(map[liveKey]*driver.Live),
	}

	if cfg.DatabaseEndpoint != "" {
		dbLogger := logger.With().Str("component", "database").Logger()
		db, err := database.NewDatabase(ctx, &database.DatabaseConfig{
			Endpoint: cfg.DatabaseEndpoint,
			User:     cfg.DatabaseUser,
			Pass:     cfg.DatabasePass,
			Bus:      eventBus,
			Logger:   &dbLogger,
		})
		if err != nil {
			return nil, fmt.Errorf("creating database: %w", err)
		}
		engine.db = db
	}

	return engine, nil
}

// Params returns the engine parameters, settable until the first driver
// start.
func (e *Engine) Params() *shared.Params {
	return e.params
}

// Bus returns the event bus for host subscriptions.
func (e *Engine) Bus() *bus.Bus {
	return e.bus
}

// Report returns the report accumulator.
func (e *Engine) Report() *report.Accumulator {
	return e.accumulator
}

// RegisterStrategy registers the provided strategy schema.
func (e *Engine) RegisterStrategy(schema *shared.StrategySchema) error {
	return e.registry.AddStrategy(schema)
}

// RegisterExchange registers the provided exchange schema.
func (e *Engine) RegisterExchange(schema *shared.ExchangeSchema) error {
	return e.registry.AddExchange(schema)
}

// RegisterHistoricData loads the provided historic data file and registers
// it as an exchange, returning the symbol it serves.
func (e *Engine) RegisterHistoricData(name string, filePath string) (string, error) {
	histLogger := e.logger.With().Str("component", "historicdata").Logger()
	data, err := exchange.NewHistoricData(&exchange.HistoricDataConfig{
		Name:     name,
		FilePath: filePath,
		Logger:   &histLogger,
	})
	if err != nil {
		return "", fmt.Errorf("creating historic data: %w", err)
	}

	err = e.registry.AddExchange(data.Schema())
	if err != nil {
		return "", err
	}

	return data.Symbol(), nil
}

// RegisterFrame registers the provided frame schema.
func (e *Engine) RegisterFrame(schema *shared.FrameSchema) error {
	return e.registry.AddFrame(schema)
}

// RegisterRisk registers the provided risk schema.
func (e *Engine) RegisterRisk(schema *shared.RiskSchema) error {
	return e.registry.AddRisk(schema)
}

// RegisterWalker registers the provided walker schema.
func (e *Engine) RegisterWalker(schema *shared.WalkerSchema) error {
	return e.registry.AddWalker(schema)
}

// start freezes registration and parameters ahead of the first driver run.
func (e *Engine) start() {
	e.startOnce.Do(func() {
		e.registry.Freeze()
		e.params.Freeze()
		e.logger.Info().Msg("registration frozen, engine started")
	})
}

// Backtest runs one strategy over a frame and returns its terminal results.
func (e *Engine) Backtest(ctx context.Context, symbol string, strategyName string, exchangeName string, frame string) ([]shared.TickResult, error) {
	e.start()

	backtestLogger := e.logger.With().Str("component", "backtest").Logger()
	return driver.NewBacktest(&driver.BacktestConfig{
		Symbol:   symbol,
		Strategy: strategyName,
		Exchange: exchangeName,
		Frame:    frame,
		Factory:  e.factory,
		Registry: e.registry,
		Bus:      e.bus,
		Params:   e.params,
		Logger:   &backtestLogger,
	}).Run(ctx)
}

// BacktestMany backtests the same strategy over multiple symbols
// concurrently and returns the terminal results per symbol.
func (e *Engine) BacktestMany(ctx context.Context, symbols []string, strategyName string, exchangeName string, frame string) (map[string][]shared.TickResult, error) {
	e.start()

	var mtx sync.Mutex
	results := make(map[string][]shared.TickResult, len(symbols))

	group, gctx := errgroup.WithContext(ctx)
	for idx := range symbols {
		symbol := symbols[idx]
		group.Go(func() error {
			symbolResults, err := e.Backtest(gctx, symbol, strategyName, exchangeName, frame)
			if err != nil {
				return fmt.Errorf("backtesting %s: %w", symbol, err)
			}

			mtx.Lock()
			results[symbol] = symbolResults
			mtx.Unlock()

			return nil
		})
	}

	err := group.Wait()
	if err != nil {
		return nil, err
	}

	return results, nil
}

// Walk sweeps the named walker's candidate strategies over a frame and
// returns the winner and its metric value.
func (e *Engine) Walk(ctx context.Context, walker string, symbol string, exchangeName string, frame string) (string, float64, error) {
	e.start()

	walkerLogger := e.logger.With().Str("component", "walker").Logger()
	return driver.NewWalker(&driver.WalkerConfig{
		Walker:   walker,
		Symbol:   symbol,
		Exchange: exchangeName,
		Frame:    frame,
		Factory:  e.factory,
		Registry: e.registry,
		Bus:      e.bus,
		Params:   e.params,
		Logger:   &walkerLogger,
	}).Run(ctx)
}

// Live starts driving the provided pair on the live tick schedule and
// returns the driver alongside its stream of opened and closed results.
// The driver runs until stopped or the engine closes; the stream closes
// when it terminates.
func (e *Engine) Live(symbol string, strategyName string, exchangeName string) (*driver.Live, <-chan shared.TickResult, error) {
	e.start()

	key := liveKey{symbol: symbol, strategy: strategyName}
	e.mtx.Lock()
	if _, ok := e.lives[key]; ok {
		e.mtx.Unlock()
		return nil, nil, fmt.Errorf("live driver for %s/%s is already running", strategyName, symbol)
	}
	e.mtx.Unlock()

	liveLogger := e.logger.With().Str("component", "live").Logger()
	live := driver.NewLive(&driver.LiveConfig{
		Symbol:   symbol,
		Strategy: strategyName,
		Exchange: exchangeName,
		Factory:  e.factory,
		Registry: e.registry,
		Bus:      e.bus,
		Params:   e.params,
		Logger:   &liveLogger,
	})

	results, err := live.Run()
	if err != nil {
		return nil, nil, fmt.Errorf("starting live driver for %s/%s: %w", strategyName, symbol, err)
	}

	e.mtx.Lock()
	e.lives[key] = live
	e.mtx.Unlock()

	return live, results, nil
}

// StopLive requests the live driver of the provided pair to halt at its
// next safe point.
func (e *Engine) StopLive(symbol string, strategyName string) {
	e.mtx.Lock()
	live := e.lives[liveKey{symbol: symbol, strategy: strategyName}]
	e.mtx.Unlock()

	if live != nil {
		live.Stop()
	}
}

// Run blocks until the context terminates, then shuts the engine down.
// Hosts that only run backtests can skip it and call Close directly.
func (e *Engine) Run(ctx context.Context) {
	<-ctx.Done()
	e.Close()
}

// Close stops live drivers, flushes the report and releases the bus. An
// in-flight live signal keeps being monitored until it reaches a terminal
// transition before its driver shuts down.
func (e *Engine) Close() {
	e.mtx.Lock()
	lives := e.lives
	e.lives = nil
	e.mtx.Unlock()

	for _, live := range lives {
		live.Stop()
	}
	for _, live := range lives {
		<-live.Done()
	}

	if e.cfg.ReportPath != "" {
		err := e.accumulator.DumpToFile(e.cfg.ReportPath)
		if err != nil {
			e.logger.Error().Msgf("dumping performance report: %v", err)
		}
	}

	if e.db != nil {
		e.db.Close()
	}
	e.accumulator.Close()
	e.bus.Close()

	e.logger.Info().Msg("engine shut down")
}
