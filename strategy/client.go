// Package strategy implements the signal lifecycle state machine. A client
// owns the single non-terminal signal of one (symbol, strategy) pair and
// advances it tick by tick: idle consultation, scheduled activation, opened
// monitoring and terminal close or cancel. The same machine serves live
// trading and backtests; backtests additionally fold forward over a
// prefetched candle buffer to reach the terminal result without
// re-fetching.
package strategy

import (
	"context"
	"fmt"
	"sync"

	"github.com/dnldd/pulse/bus"
	"github.com/dnldd/pulse/exchange"
	"github.com/dnldd/pulse/partial"
	"github.com/dnldd/pulse/persist"
	"github.com/dnldd/pulse/risk"
	"github.com/dnldd/pulse/shared"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"
)

// ClientConfig represents the strategy client configuration.
type ClientConfig struct {
	// Schema is the registered strategy schema.
	Schema *shared.StrategySchema
	// Exchange is the candle source client.
	Exchange *exchange.Client
	// Risk is the composite risk gate for the strategy. An empty composite
	// means the strategy is not risk gated.
	Risk *risk.Composite
	// Partial is the milestone tracker.
	Partial *partial.Tracker
	// Store is the persistence store. Persistence is bypassed for backtest
	// contexts.
	Store *persist.Store
	// Bus is the event bus.
	Bus *bus.Bus
	// Params are the engine parameters.
	Params *shared.Params
	// Logger represents the application logger.
	Logger *zerolog.Logger
}

// Client drives the signal lifecycle of one (symbol, strategy) pair.
type Client struct {
	cfg     *ClientConfig
	stopped atomic.Bool

	mtx         sync.Mutex
	restoreOnce sync.Once
	signal      *shared.Signal
	lastConsult int64
}

// NewClient initializes a strategy client for the provided schema.
func NewClient(cfg *ClientConfig) *Client {
	return &Client{cfg: cfg}
}

// Name returns the strategy name.
func (c *Client) Name() string {
	return c.cfg.Schema.Name
}

// Stop marks the client stopped. A stop only takes effect between signals:
// ticks with no pending signal report idle without consulting the strategy,
// while an in-flight signal keeps being monitored until it reaches a
// terminal transition.
func (c *Client) Stop() {
	c.stopped.Store(true)
}

// Stopped asserts the client has been stopped.
func (c *Client) Stopped() bool {
	return c.stopped.Load()
}

// Reset clears the in-memory lifecycle state. Walker runs reset clients so
// candidate state never leaks across runs.
func (c *Client) Reset() {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	c.signal = nil
	c.lastConsult = 0
	c.stopped.Store(false)
}

// restore reloads the persisted non-terminal signal exactly once, letting a
// live run resume a signal that survived a restart. Backtest contexts run
// fully in memory.
func (c *Client) restore(ectx shared.Context) {
	c.restoreOnce.Do(func() {
		if ectx.Backtest {
			return
		}

		categories := []string{persist.SignalCategory, persist.ScheduleCategory}
		for idx := range categories {
			var signal shared.Signal
			path := c.cfg.Store.PairPath(categories[idx], c.cfg.Schema.Name, ectx.Symbol)
			ok, err := c.cfg.Store.Read(path, &signal)
			if err != nil {
				c.cfg.Logger.Error().Msgf("restoring %s signal for %s/%s: %v",
					categories[idx], c.cfg.Schema.Name, ectx.Symbol, err)
				continue
			}
			if ok {
				c.cfg.Logger.Info().Msgf("restored %s signal %s for %s/%s",
					categories[idx], signal.ID, c.cfg.Schema.Name, ectx.Symbol)
				c.signal = &signal
				return
			}
		}
	})
}

// category returns the persistence category of the provided signal.
func category(signal *shared.Signal) string {
	if signal.Opened() {
		return persist.SignalCategory
	}

	return persist.ScheduleCategory
}

// persistLocked writes the current signal. Callers hold the client lock.
func (c *Client) persistLocked(ectx shared.Context) {
	if ectx.Backtest || c.signal == nil {
		return
	}

	path := c.cfg.Store.PairPath(category(c.signal), c.cfg.Schema.Name, ectx.Symbol)
	err := c.cfg.Store.Write(path, c.signal)
	if err != nil {
		c.cfg.Logger.Error().Msgf("persisting signal %s: %v", c.signal.ID, err)
		c.cfg.Bus.PublishError(ectx, "strategy.persist", err)
	}
}

// clearPersistedLocked removes both persisted signal files. Callers hold the
// client lock.
func (c *Client) clearPersistedLocked(ectx shared.Context) {
	if ectx.Backtest {
		return
	}

	categories := []string{persist.SignalCategory, persist.ScheduleCategory}
	for idx := range categories {
		path := c.cfg.Store.PairPath(categories[idx], c.cfg.Schema.Name, ectx.Symbol)
		err := c.cfg.Store.Remove(path)
		if err != nil {
			c.cfg.Logger.Error().Msgf("removing persisted signal for %s/%s: %v",
				c.cfg.Schema.Name, ectx.Symbol, err)
		}
	}
}

// publish emits the tick result on the shared signal channel plus the mode
// specific one.
func (c *Client) publish(ectx shared.Context, result shared.TickResult) {
	mode := shared.SignalLiveChannel
	if ectx.Backtest {
		mode = shared.SignalBacktestChannel
	}

	c.cfg.Bus.Publish(shared.NewEvent(shared.SignalChannel, ectx, shared.SignalEvent{Result: result}))
	c.cfg.Bus.Publish(shared.NewEvent(mode, ectx, shared.SignalEvent{Result: result}))
}

// payloadLocked builds the risk payload for the pending signal. Callers hold
// the client lock.
func (c *Client) payloadLocked(ectx shared.Context, currentPrice float64, pending *shared.Signal) *shared.RiskPayload {
	return &shared.RiskPayload{
		Symbol:        ectx.Symbol,
		Strategy:      ectx.Strategy,
		Exchange:      ectx.Exchange,
		CurrentPrice:  currentPrice,
		Timestamp:     ectx.When,
		PendingSignal: pending,
	}
}

// openLocked fills the current signal at the provided average price after
// passing the risk gate. Returns false when risk rejected the open, in which
// case the signal has been cancelled. Callers hold the client lock.
func (c *Client) openLocked(ctx context.Context, ectx shared.Context, avgPrice float64) (shared.TickResult, bool) {
	signal := c.signal

	if !c.cfg.Risk.Empty() {
		err := c.cfg.Risk.Approve(ctx, ectx, c.payloadLocked(ectx, avgPrice, signal), &risk.Position{
			Strategy: ectx.Strategy,
			Symbol:   ectx.Symbol,
			Exchange: ectx.Exchange,
			OpenedAt: ectx.When,
			Signal:   signal,
		})
		if err != nil {
			// The rejection event has already been published by the
			// validator; the candidate is discarded and consultation
			// resumes on the pair's timeline.
			c.signal = nil
			c.clearPersistedLocked(ectx)
			return shared.IdleResult(), false
		}
	}

	signal.Open = avgPrice
	signal.OpenedAt = ectx.When
	signal.PendingAt = ectx.When

	// A scheduled signal graduates out of the schedule category.
	if !ectx.Backtest {
		schedulePath := c.cfg.Store.PairPath(persist.ScheduleCategory, c.cfg.Schema.Name, ectx.Symbol)
		err := c.cfg.Store.Remove(schedulePath)
		if err != nil {
			c.cfg.Logger.Error().Msgf("removing schedule file for %s/%s: %v",
				c.cfg.Schema.Name, ectx.Symbol, err)
		}
	}
	c.persistLocked(ectx)

	result := shared.TickResult{Action: shared.Opened, Signal: signal}
	c.publish(ectx, result)

	if c.cfg.Schema.Callbacks.OnOpen != nil {
		c.cfg.Schema.Callbacks.OnOpen(ectx, signal)
	}

	return result, true
}

// closeLocked terminates the current signal with the provided reason and
// close price. Callers hold the client lock.
func (c *Client) closeLocked(ectx shared.Context, reason shared.CloseReason, closePrice float64, closedAt int64) shared.TickResult {
	signal := c.signal
	pnl := shared.SignalPnL(signal, closePrice, c.cfg.Params)

	result := shared.TickResult{
		Action:      shared.Closed,
		Signal:      signal,
		CloseReason: reason,
		ClosedAt:    closedAt,
		ClosePrice:  closePrice,
		PnL:         &pnl,
	}

	c.signal = nil
	c.clearPersistedLocked(ectx)
	c.cfg.Partial.Clear(ectx, signal.ID)

	if !c.cfg.Risk.Empty() {
		err := c.cfg.Risk.Remove(ectx, ectx.Strategy, ectx.Symbol)
		if err != nil {
			c.cfg.Logger.Error().Msgf("removing risk position for %s/%s: %v",
				ectx.Strategy, ectx.Symbol, err)
		}
	}

	c.cfg.Logger.Info().Msgf("signal %s closed on %s at %s: net %.4f%%",
		signal.ID, reason.String(), c.cfg.Exchange.FormatPrice(ectx.Symbol, closePrice), pnl.NetPercent)

	c.publish(ectx, result)
	if c.cfg.Schema.Callbacks.OnClose != nil {
		c.cfg.Schema.Callbacks.OnClose(ectx, result)
	}

	return result
}

// cancelLocked discards the current signal without a fill. Callers hold the
// client lock.
func (c *Client) cancelLocked(ectx shared.Context) shared.TickResult {
	signal := c.signal
	result := shared.TickResult{Action: shared.Cancelled, Signal: signal, CancelledAt: ectx.When}

	c.signal = nil
	c.clearPersistedLocked(ectx)
	c.cfg.Partial.Clear(ectx, signal.ID)

	c.cfg.Logger.Info().Msgf("signal %s cancelled for %s/%s", signal.ID, ectx.Strategy, ectx.Symbol)

	c.publish(ectx, result)
	if c.cfg.Schema.Callbacks.OnCancel != nil {
		c.cfg.Schema.Callbacks.OnCancel(ectx, signal)
	}

	return result
}

// scheduleExpiredLocked asserts the scheduled signal overstayed its
// activation window at the provided instant. Callers hold the client lock.
func (c *Client) scheduleExpiredLocked(when int64) bool {
	window := c.cfg.Params.ScheduleAwaitMinutes() * shared.OneMinute.Milliseconds()
	return when-c.signal.ScheduledAt > window
}

// lifetimeExpiredLocked asserts the opened signal overstayed its estimated
// lifetime at the provided instant. Callers hold the client lock.
func (c *Client) lifetimeExpiredLocked(when int64) bool {
	lifetime := c.signal.EstimatedMinutes * shared.OneMinute.Milliseconds()
	return when-c.signal.OpenedAt >= lifetime
}

// evaluateOpenedLocked advances an opened signal against the provided
// candle. The stop loss is checked before the take profit when both levels
// fall inside the same candle; candle granularity cannot order intrabar
// touches, so the adverse outcome is assumed. Callers hold the client lock.
func (c *Client) evaluateOpenedLocked(ectx shared.Context, candle *shared.Candlestick, avgPrice float64) shared.TickResult {
	signal := c.signal

	if candle != nil {
		if candle.Touches(signal.StopLoss) {
			return c.closeLocked(ectx, shared.StopLoss, signal.StopLoss, candle.Timestamp)
		}
		if candle.Touches(signal.TakeProfit) {
			return c.closeLocked(ectx, shared.TakeProfit, signal.TakeProfit, candle.Timestamp)
		}
	}

	if c.lifetimeExpiredLocked(ectx.When) {
		closePrice := avgPrice
		if closePrice == 0 && candle != nil {
			closePrice = candle.Close
		}
		return c.closeLocked(ectx, shared.TimeExpired, closePrice, ectx.When)
	}

	if avgPrice != 0 {
		c.cfg.Partial.Observe(ectx, signal, avgPrice)
	}

	result := shared.TickResult{Action: shared.Active, Signal: signal}
	if c.cfg.Schema.Callbacks.OnActive != nil {
		c.cfg.Schema.Callbacks.OnActive(ectx, signal)
	}

	return result
}

// consultLocked asks the strategy for a new candidate, throttled to at most
// one consultation per strategy interval. Callers hold the client lock.
func (c *Client) consultLocked(ctx context.Context, ectx shared.Context) (shared.TickResult, error) {
	idle := shared.IdleResult()

	if c.lastConsult != 0 && ectx.When-c.lastConsult < c.cfg.Schema.Interval.Milliseconds() {
		return idle, nil
	}
	c.lastConsult = ectx.When

	candidate, err := c.cfg.Schema.GetSignal(ctx, ectx, ectx.Symbol)
	if err != nil {
		return idle, fmt.Errorf("consulting strategy %s for %s: %w", c.cfg.Schema.Name, ectx.Symbol, err)
	}
	if candidate == nil {
		if c.cfg.Schema.Callbacks.OnIdle != nil {
			c.cfg.Schema.Callbacks.OnIdle(ectx)
		}
		return idle, nil
	}

	signal := shared.NewSignal(ectx, candidate)

	avgPrice, err := c.cfg.Exchange.AveragePrice(ctx, ectx, ectx.Symbol)
	if err != nil {
		return idle, fmt.Errorf("fetching average price for %s: %w", ectx.Symbol, err)
	}

	err = signal.Validate(c.cfg.Params, avgPrice)
	if err != nil {
		c.cfg.Logger.Info().Msgf("discarding invalid signal %s: %v", signal.ID, err)
		c.cfg.Bus.Publish(shared.NewEvent(shared.ValidationChannel, ectx, shared.ValidationEvent{
			SignalID: signal.ID,
			Reason:   err.Error(),
		}))
		return idle, nil
	}

	c.signal = signal

	if signal.OpenTarget != 0 {
		c.persistLocked(ectx)

		result := shared.TickResult{Action: shared.Scheduled, Signal: signal}
		c.publish(ectx, result)
		if c.cfg.Schema.Callbacks.OnSchedule != nil {
			c.cfg.Schema.Callbacks.OnSchedule(ectx, signal)
		}

		return result, nil
	}

	result, _ := c.openLocked(ctx, ectx, avgPrice)
	return result, nil
}

// Tick advances the lifecycle state machine one step at the context's
// evaluation instant. Exactly one transition is reported per tick. A panic
// escaping a user callback is captured and surfaced as shared.ErrInternal.
func (c *Client) Tick(ctx context.Context, ectx shared.Context) (result shared.TickResult, err error) {
	c.restore(ectx)

	c.mtx.Lock()
	defer c.mtx.Unlock()

	// A stop only short-circuits between signals; an in-flight signal runs
	// to its terminal transition first.
	if c.stopped.Load() && c.signal == nil {
		return shared.IdleResult(), nil
	}

	defer func() {
		if r := recover(); r != nil {
			result = shared.IdleResult()
			err = fmt.Errorf("%w: tick for %s/%s panicked: %v",
				shared.ErrInternal, ectx.Strategy, ectx.Symbol, r)
		}
	}()

	result, err = c.tickLocked(ctx, ectx)
	if err == nil && c.cfg.Schema.Callbacks.OnTick != nil {
		c.cfg.Schema.Callbacks.OnTick(ectx, result)
	}

	return result, err
}

func (c *Client) tickLocked(ctx context.Context, ectx shared.Context) (shared.TickResult, error) {
	if c.signal == nil {
		return c.consultLocked(ctx, ectx)
	}

	if c.signal.Scheduled() {
		candles, err := c.cfg.Exchange.Candles(ctx, ectx, ectx.Symbol, shared.OneMinute, c.cfg.Params.VWAPCandleCount())
		if err != nil {
			return shared.IdleResult(), fmt.Errorf("fetching candles for scheduled signal %s: %w", c.signal.ID, err)
		}

		// A touch wins over expiry at the window boundary.
		if len(candles) > 0 {
			latest := candles[len(candles)-1]
			if latest.Touches(c.signal.OpenTarget) {
				avgPrice, err := shared.VWAP(candles)
				if err != nil {
					return shared.IdleResult(), fmt.Errorf("deriving fill price for signal %s: %w", c.signal.ID, err)
				}

				result, _ := c.openLocked(ctx, ectx, avgPrice)
				return result, nil
			}
		}

		if c.scheduleExpiredLocked(ectx.When) {
			return c.cancelLocked(ectx), nil
		}

		return shared.TickResult{Action: shared.Scheduled, Signal: c.signal}, nil
	}

	// Opened: monitor against the freshest completed candle.
	candles, err := c.cfg.Exchange.Candles(ctx, ectx, ectx.Symbol, shared.OneMinute, c.cfg.Params.VWAPCandleCount())
	if err != nil {
		return shared.IdleResult(), fmt.Errorf("fetching candles for signal %s: %w", c.signal.ID, err)
	}

	var latest *shared.Candlestick
	var avgPrice float64
	if len(candles) > 0 {
		latest = &candles[len(candles)-1]
		avgPrice, err = shared.VWAP(candles)
		if err != nil {
			// No liquidity in the window; monitoring continues on candle
			// extremes alone.
			avgPrice = 0
		}
	}

	return c.evaluateOpenedLocked(ectx, latest, avgPrice), nil
}

// Backtest folds the current non-terminal signal forward over the provided
// one-minute candle buffer and returns at the first terminal transition.
// The buffer must be sorted ascending; candles at or before the evaluation
// instant only seed the rolling average price window and are never
// evaluated. When the buffer is exhausted before a terminal transition, the
// last non-terminal result is returned so the caller can extend the buffer.
func (c *Client) Backtest(ctx context.Context, ectx shared.Context, candles []shared.Candlestick) (result shared.TickResult, err error) {
	if !ectx.Backtest {
		return shared.IdleResult(), shared.ErrBacktestOnly
	}

	c.mtx.Lock()
	defer c.mtx.Unlock()

	if c.signal == nil {
		return shared.IdleResult(), nil
	}

	defer func() {
		if r := recover(); r != nil {
			result = shared.IdleResult()
			err = fmt.Errorf("%w: fold for %s/%s panicked: %v",
				shared.ErrInternal, ectx.Strategy, ectx.Symbol, r)
		}
	}()

	vwapCount := c.cfg.Params.VWAPCandleCount()
	last := shared.TickResult{Action: shared.Scheduled, Signal: c.signal}
	if c.signal.Opened() {
		last = shared.TickResult{Action: shared.Active, Signal: c.signal}
	}

	for idx := range candles {
		candle := &candles[idx]
		if candle.Timestamp <= ectx.When {
			continue
		}
		step := ectx.At(candle.Timestamp)

		if c.signal.Scheduled() {
			// A touch wins over expiry at the window boundary.
			if candle.Touches(c.signal.OpenTarget) {
				avgPrice, err := shared.RollingVWAP(candles, idx, vwapCount)
				if err != nil {
					return last, fmt.Errorf("deriving fill price for signal %s: %w", c.signal.ID, err)
				}

				opened, ok := c.openLocked(ctx, step, avgPrice)
				if !ok {
					// Risk rejected the fill; the candidate is gone and
					// the driver resumes its own timeline.
					return opened, nil
				}
				last = opened
				continue
			}

			if c.scheduleExpiredLocked(step.When) {
				return c.cancelLocked(step), nil
			}

			last = shared.TickResult{Action: shared.Scheduled, Signal: c.signal}
			continue
		}

		avgPrice, err := shared.RollingVWAP(candles, idx, vwapCount)
		if err != nil {
			avgPrice = 0
		}

		evaluated := c.evaluateOpenedLocked(step, candle, avgPrice)
		if evaluated.Action.Terminal() {
			return evaluated, nil
		}
		last = evaluated
	}

	return last, nil
}

// Signal returns a copy of the current non-terminal signal, nil when idle.
func (c *Client) Signal() *shared.Signal {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if c.signal == nil {
		return nil
	}

	signal := *c.signal
	return &signal
}
