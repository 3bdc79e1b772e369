package driver

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dnldd/pulse/bus"
	"github.com/dnldd/pulse/registry"
	"github.com/dnldd/pulse/shared"
	"github.com/dnldd/pulse/strategy"
	"github.com/go-co-op/gocron"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"
)

const (
	// maxConsecutiveTickFailures is the failure streak treated as
	// unrecoverable for a live pair.
	maxConsecutiveTickFailures = 10
	// resultBuffer is the capacity of the yielded result stream.
	resultBuffer = 64
)

// LiveConfig represents the live driver configuration.
type LiveConfig struct {
	// Symbol is the market symbol to drive.
	Symbol string
	// Strategy is the strategy name to drive.
	Strategy string
	// Exchange is the exchange name serving candles.
	Exchange string
	// Factory builds and memoises clients.
	Factory *Factory
	// Registry resolves registered schemas.
	Registry *registry.Registry
	// Bus is the event bus.
	Bus *bus.Bus
	// Params are the engine parameters.
	Params *shared.Params
	// Logger represents the application logger.
	Logger *zerolog.Logger
}

// Live drives one (symbol, strategy) pair on a wall clock schedule. Each
// tick slot runs at most one evaluation; a slot whose evaluation is still
// in flight when the next fires is skipped rather than stacked. Opened and
// closed transitions are yielded on the result stream.
type Live struct {
	cfg       *LiveConfig
	scheduler *gocron.Scheduler
	client    *strategy.Client
	failures  atomic.Int32
	yielded   atomic.Int32
	stopping  atomic.Bool

	resultsMtx sync.Mutex
	closed     bool
	results    chan shared.TickResult
	done       chan struct{}
}

// NewLive initializes a live driver.
func NewLive(cfg *LiveConfig) *Live {
	return &Live{
		cfg:     cfg,
		results: make(chan shared.TickResult, resultBuffer),
		done:    make(chan struct{}),
	}
}

// Run starts the tick schedule and returns the stream of opened and closed
// transitions. It returns immediately; ticks run on the scheduler's
// goroutine until the driver terminates, at which point the stream closes.
func (l *Live) Run() (<-chan shared.TickResult, error) {
	client, err := l.cfg.Factory.Client(ClientKey{Symbol: l.cfg.Symbol, Strategy: l.cfg.Strategy}, l.cfg.Exchange)
	if err != nil {
		return nil, err
	}
	l.client = client

	l.scheduler = gocron.NewScheduler(time.UTC)
	_, err = l.scheduler.Every(l.cfg.Params.TickTTL()).SingletonMode().Do(l.tick)
	if err != nil {
		return nil, err
	}

	l.cfg.Logger.Info().Msgf("live driving %s/%s on %s every %s",
		l.cfg.Strategy, l.cfg.Symbol, l.cfg.Exchange, l.cfg.Params.TickTTL())
	l.scheduler.StartAsync()

	return l.results, nil
}

// Background starts the driver and returns its result stream alongside a
// cancel function requesting a stop.
func (l *Live) Background() (<-chan shared.TickResult, func(), error) {
	results, err := l.Run()
	if err != nil {
		return nil, nil, err
	}

	return results, l.Stop, nil
}

// Stop requests the driver to halt. An in-flight signal keeps being
// monitored until it reaches a terminal transition; with no signal pending
// the driver terminates immediately.
func (l *Live) Stop() {
	if !l.stopping.CAS(false, true) {
		return
	}

	if l.client != nil {
		l.client.Stop()
	}

	l.cfg.Logger.Info().Msgf("stop requested for %s/%s", l.cfg.Strategy, l.cfg.Symbol)

	if l.client == nil || l.client.Signal() == nil {
		l.terminate(shared.NewLiveContext(l.cfg.Symbol, l.cfg.Strategy, l.cfg.Exchange))
	}
}

// Done is closed once the driver has fully terminated.
func (l *Live) Done() <-chan struct{} {
	return l.done
}

// yield delivers an opened or closed transition to the result stream. A
// consumer that has fallen a full buffer behind loses the oldest pending
// result rather than stalling the tick.
func (l *Live) yield(result shared.TickResult) {
	l.resultsMtx.Lock()
	defer l.resultsMtx.Unlock()

	if l.closed {
		return
	}

	for {
		select {
		case l.results <- result:
			l.yielded.Inc()
			return
		default:
		}

		select {
		case stale := <-l.results:
			l.cfg.Logger.Warn().Msgf("result stream for %s/%s is full, dropping %s",
				l.cfg.Strategy, l.cfg.Symbol, stale.Action.String())
		default:
		}
	}
}

// terminate halts the schedule, releases the memoised client, publishes the
// done event and closes the result stream.
func (l *Live) terminate(ectx shared.Context) {
	l.resultsMtx.Lock()
	if l.closed {
		l.resultsMtx.Unlock()
		return
	}
	l.closed = true
	close(l.results)
	close(l.done)
	l.resultsMtx.Unlock()

	if l.scheduler != nil {
		l.scheduler.Stop()
	}
	l.cfg.Factory.Purge(ClientKey{Symbol: l.cfg.Symbol, Strategy: l.cfg.Strategy})

	l.cfg.Bus.Publish(shared.NewEvent(shared.DoneLiveChannel, ectx, shared.DoneEvent{
		Results: int(l.yielded.Load()),
	}))

	l.cfg.Logger.Info().Msgf("live driver for %s/%s stopped", l.cfg.Strategy, l.cfg.Symbol)
}

// tick runs one scheduled evaluation.
func (l *Live) tick() {
	select {
	case <-l.done:
		return
	default:
	}

	ectx := shared.NewLiveContext(l.cfg.Symbol, l.cfg.Strategy, l.cfg.Exchange)

	ctx, cancel := context.WithTimeout(context.Background(), l.cfg.Params.TickTTL())
	defer cancel()

	start := time.Now()
	result, err := l.client.Tick(ctx, ectx)
	duration := time.Since(start)

	l.cfg.Bus.Publish(shared.NewEvent(shared.PerformanceChannel, ectx, shared.PerformanceEvent{
		DurationMillis: duration.Milliseconds(),
	}))

	if err != nil {
		if errors.Is(err, shared.ErrInternal) {
			l.cfg.Logger.Error().Msgf("live tick for %s/%s hit an internal fault: %v",
				l.cfg.Strategy, l.cfg.Symbol, err)
			l.cfg.Bus.Publish(shared.NewEvent(shared.ExitChannel, ectx, shared.ExitEvent{
				Reason: err.Error(),
			}))
			l.stopping.Store(true)
			l.client.Stop()
			l.terminate(ectx)
			return
		}

		failures := l.failures.Inc()
		l.cfg.Logger.Error().Msgf("live tick for %s/%s failed (%d consecutive): %v",
			l.cfg.Strategy, l.cfg.Symbol, failures, err)
		l.cfg.Bus.PublishError(ectx, "driver.live.tick", err)

		if failures >= maxConsecutiveTickFailures {
			l.cfg.Bus.Publish(shared.NewEvent(shared.ExitChannel, ectx, shared.ExitEvent{
				Reason: err.Error(),
			}))
			l.stopping.Store(true)
			l.client.Stop()
			l.terminate(ectx)
		}
		return
	}
	l.failures.Store(0)

	switch result.Action {
	case shared.Opened, shared.Closed:
		l.yield(result)
		l.cfg.Logger.Info().Msgf("live %s/%s: %s", l.cfg.Strategy, l.cfg.Symbol, result.Action.String())
	case shared.Cancelled:
		l.cfg.Logger.Info().Msgf("live %s/%s: %s", l.cfg.Strategy, l.cfg.Symbol, result.Action.String())
	}

	// A requested stop lands at the next safe point: after an idle tick or
	// a terminal transition.
	if l.stopping.Load() && (result.Action == shared.Idle || result.Action.Terminal()) {
		l.terminate(ectx)
	}
}
