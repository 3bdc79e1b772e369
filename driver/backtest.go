package driver

import (
	"context"
	"errors"
	"fmt"

	"github.com/dnldd/pulse/bus"
	"github.com/dnldd/pulse/registry"
	"github.com/dnldd/pulse/shared"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"
)

const (
	// progressSteps is the number of progress events emitted per backtest.
	progressSteps = 100
)

// BacktestConfig represents the backtest driver configuration.
type BacktestConfig struct {
	// Symbol is the market symbol to drive.
	Symbol string
	// Strategy is the strategy name to drive.
	Strategy string
	// Exchange is the exchange name serving candles.
	Exchange string
	// Frame is the frame name bounding the run.
	Frame string
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

// Backtest drives one (symbol, strategy) pair over a frame. Ticks iterate
// the frame timestamps; once a signal schedules or opens, the driver folds
// forward over a prefetched candle buffer to the terminal transition and
// fast-forwards the iteration past it.
type Backtest struct {
	cfg     *BacktestConfig
	stopped atomic.Bool
}

// NewBacktest initializes a backtest driver.
func NewBacktest(cfg *BacktestConfig) *Backtest {
	return &Backtest{cfg: cfg}
}

// Stop requests the run to halt at its next safe point.
func (b *Backtest) Stop() {
	b.stopped.Store(true)
}

// bufferSize returns the forward buffer size in one-minute candles needed
// to fold the provided non-terminal result to its terminal transition.
func (b *Backtest) bufferSize(result shared.TickResult) int {
	minutes := result.Signal.EstimatedMinutes + int64(b.cfg.Params.VWAPCandleCount())
	if result.Action == shared.Scheduled {
		minutes += b.cfg.Params.ScheduleAwaitMinutes()
	}

	return int(minutes)
}

// fold advances the pending signal over forward candle buffers until it
// reaches a terminal transition or the data runs out. The first buffer is
// fetched with a small tail of candles before the evaluation instant so the
// rolling average price window is full from the first evaluated candle.
// Returns the folded result and the instant the iteration should
// fast-forward past.
func (b *Backtest) fold(ctx context.Context, ectx shared.Context, result shared.TickResult) (*shared.TickResult, int64, error) {
	client, err := b.cfg.Factory.Client(b.key(), b.cfg.Exchange)
	if err != nil {
		return nil, 0, err
	}
	exchangeClient, err := b.cfg.Factory.Exchange(b.cfg.Exchange)
	if err != nil {
		return nil, 0, err
	}

	limit := b.bufferSize(result)
	cursor := ectx.When - int64(b.cfg.Params.VWAPCandleCount()-1)*shared.OneMinute.Milliseconds()

	for {
		if b.stopped.Load() || ctx.Err() != nil {
			return nil, 0, ctx.Err()
		}

		candles, err := exchangeClient.NextCandles(ctx, ectx.At(cursor), ectx.Symbol, shared.OneMinute, limit)
		if err != nil {
			return nil, 0, fmt.Errorf("fetching forward buffer at %d: %w", cursor, err)
		}
		if len(candles) == 0 {
			// Data exhausted with the signal still pending.
			return nil, 0, nil
		}

		fold, err := client.Backtest(ctx, ectx, candles)
		if err != nil {
			return nil, 0, fmt.Errorf("folding signal forward at %d: %w", cursor, err)
		}

		if fold.Action.Terminal() {
			return &fold, b.terminalInstant(fold), nil
		}
		if fold.Action == shared.Idle {
			// The risk gate rejected the fill mid-fold; the candidate is
			// gone and the frame iteration resumes at its next step.
			return &fold, 0, nil
		}

		if len(candles) < limit {
			// Data exhausted with the signal still pending.
			return nil, 0, nil
		}

		cursor = candles[len(candles)-1].Timestamp + 1
	}
}

// terminalInstant returns the timeline instant of the provided terminal
// result.
func (b *Backtest) terminalInstant(result shared.TickResult) int64 {
	if result.Action == shared.Closed {
		return result.ClosedAt
	}

	return result.CancelledAt
}

// key returns the factory key of the driven pair.
func (b *Backtest) key() ClientKey {
	return ClientKey{Symbol: b.cfg.Symbol, Strategy: b.cfg.Strategy, Backtest: true}
}

// Run executes the backtest and returns the terminal results in timeline
// order. Tick errors skip the frame step rather than aborting the run.
func (b *Backtest) Run(ctx context.Context) ([]shared.TickResult, error) {
	frame, err := b.cfg.Registry.Frame(b.cfg.Frame)
	if err != nil {
		return nil, err
	}

	schema, err := b.cfg.Registry.Strategy(b.cfg.Strategy)
	if err != nil {
		return nil, err
	}
	if !frame.Interval.MultipleOf(schema.Interval) {
		return nil, fmt.Errorf("frame %s interval %s is not a multiple of strategy %s interval %s",
			frame.Name, frame.Interval.String(), schema.Name, schema.Interval.String())
	}

	client, err := b.cfg.Factory.Client(b.key(), b.cfg.Exchange)
	if err != nil {
		return nil, err
	}
	// The run owns its memoised client; completion releases it.
	defer b.cfg.Factory.Purge(b.key())

	timestamps := frame.Timestamps()
	stride := len(timestamps) / progressSteps
	if stride == 0 {
		stride = 1
	}

	b.cfg.Logger.Info().Msgf("backtesting %s/%s over frame %s (%d steps)",
		b.cfg.Strategy, b.cfg.Symbol, frame.Name, len(timestamps))

	var results []shared.TickResult
	var fastForward int64

	for idx := range timestamps {
		if b.stopped.Load() {
			break
		}
		if err := ctx.Err(); err != nil {
			return results, err
		}

		when := timestamps[idx]
		ectx := shared.NewBacktestContext(b.cfg.Symbol, b.cfg.Strategy, b.cfg.Exchange, frame.Name, when)

		if idx%stride == 0 {
			b.cfg.Bus.Publish(shared.NewEvent(shared.ProgressBacktest, ectx, shared.ProgressEvent{
				Current: idx,
				Total:   len(timestamps),
			}))
		}

		if when <= fastForward {
			continue
		}

		result, err := client.Tick(ctx, ectx)
		if err != nil {
			if errors.Is(err, shared.ErrInternal) {
				b.cfg.Bus.Publish(shared.NewEvent(shared.ExitChannel, ectx, shared.ExitEvent{Reason: err.Error()}))
				return results, err
			}
			b.cfg.Logger.Warn().Msgf("tick at %d failed, skipping step: %v", when, err)
			b.cfg.Bus.PublishError(ectx, "driver.backtest.tick", err)
			continue
		}

		if result.Action != shared.Scheduled && result.Action != shared.Opened {
			continue
		}

		terminal, instant, err := b.fold(ctx, ectx, result)
		if err != nil {
			if errors.Is(err, shared.ErrInternal) {
				b.cfg.Bus.Publish(shared.NewEvent(shared.ExitChannel, ectx, shared.ExitEvent{Reason: err.Error()}))
				return results, err
			}
			b.cfg.Logger.Warn().Msgf("fold at %d failed, skipping step: %v", when, err)
			b.cfg.Bus.PublishError(ectx, "driver.backtest.fold", err)
			continue
		}
		if terminal == nil {
			// The frame data ran out mid-signal; stop iterating.
			break
		}
		if !terminal.Action.Terminal() {
			// The candidate was discarded mid-fold; iteration continues
			// at the next frame step.
			continue
		}

		results = append(results, *terminal)
		if instant > fastForward {
			fastForward = instant
		}
	}

	ectx := shared.NewBacktestContext(b.cfg.Symbol, b.cfg.Strategy, b.cfg.Exchange, frame.Name, frame.End)
	b.cfg.Bus.Publish(shared.NewEvent(shared.ProgressBacktest, ectx, shared.ProgressEvent{
		Current: len(timestamps),
		Total:   len(timestamps),
	}))
	b.cfg.Bus.Publish(shared.NewEvent(shared.DoneBacktestChannel, ectx, shared.DoneEvent{Results: len(results)}))

	b.cfg.Logger.Info().Msgf("backtest of %s/%s finished with %d terminal results",
		b.cfg.Strategy, b.cfg.Symbol, len(results))

	return results, nil
}
