package driver

import (
	"context"
	"math"

	"github.com/dnldd/pulse/bus"
	"github.com/dnldd/pulse/registry"
	"github.com/dnldd/pulse/report"
	"github.com/dnldd/pulse/shared"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"
)

// WalkerConfig represents the walker driver configuration.
type WalkerConfig struct {
	// Walker is the walker schema name to drive.
	Walker string
	// Symbol is the market symbol to drive.
	Symbol string
	// Exchange is the exchange name serving candles.
	Exchange string
	// Frame is the frame name bounding each candidate run.
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

// Walker sweeps candidate strategies sequentially over the same frame and
// reports the one with the best metric. Candidate runs are isolated: all
// backtest lifecycle state is reset between candidates.
type Walker struct {
	cfg     *WalkerConfig
	stopped atomic.Bool
}

// NewWalker initializes a walker driver.
func NewWalker(cfg *WalkerConfig) *Walker {
	return &Walker{cfg: cfg}
}

// Stop requests the sweep to halt after the in-flight candidate.
func (w *Walker) Stop() {
	w.stopped.Store(true)
}

// Run executes the sweep and returns the winning strategy name and its
// metric value. A candidate whose backtest fails is skipped.
func (w *Walker) Run(ctx context.Context) (string, float64, error) {
	schema, err := w.cfg.Registry.Walker(w.cfg.Walker)
	if err != nil {
		return "", 0, err
	}

	metric := schema.Metric
	if metric == "" {
		metric = report.SharpeMetric
	}

	w.cfg.Logger.Info().Msgf("walking %d candidates over frame %s by %s",
		len(schema.Strategies), w.cfg.Frame, metric)

	var best string
	bestMetric := math.Inf(-1)

	for step := range schema.Strategies {
		if w.stopped.Load() {
			break
		}
		if err := ctx.Err(); err != nil {
			return best, bestMetric, err
		}

		candidate := schema.Strategies[step]
		w.cfg.Factory.ResetBacktestState()

		ectx := shared.NewBacktestContext(w.cfg.Symbol, candidate, w.cfg.Exchange, w.cfg.Frame, 0)
		w.cfg.Bus.Publish(shared.NewEvent(shared.ProgressWalker, ectx, shared.ProgressEvent{
			Current: step,
			Total:   len(schema.Strategies),
		}))

		backtest := NewBacktest(&BacktestConfig{
			Symbol:   w.cfg.Symbol,
			Strategy: candidate,
			Exchange: w.cfg.Exchange,
			Frame:    w.cfg.Frame,
			Factory:  w.cfg.Factory,
			Registry: w.cfg.Registry,
			Bus:      w.cfg.Bus,
			Params:   w.cfg.Params,
			Logger:   w.cfg.Logger,
		})

		results, err := backtest.Run(ctx)
		if err != nil {
			w.cfg.Logger.Warn().Msgf("candidate %s failed, skipping: %v", candidate, err)
			w.cfg.Bus.PublishError(ectx, "driver.walker.candidate", err)
			continue
		}

		value := report.MetricValue(metric, results)
		if value > bestMetric {
			best = candidate
			bestMetric = value
		}

		w.cfg.Logger.Info().Msgf("candidate %s scored %s %.4f (best %s %.4f)",
			candidate, metric, value, best, bestMetric)
		w.cfg.Bus.Publish(shared.NewEvent(shared.WalkerStepChannel, ectx, shared.WalkerStepEvent{
			Candidate:       candidate,
			CandidateMetric: value,
			Best:            best,
			BestMetric:      bestMetric,
			Step:            step + 1,
			Total:           len(schema.Strategies),
		}))
	}

	ectx := shared.NewBacktestContext(w.cfg.Symbol, best, w.cfg.Exchange, w.cfg.Frame, 0)
	w.cfg.Bus.Publish(shared.NewEvent(shared.WalkerCompleteChannel, ectx, shared.WalkerCompleteEvent{
		Best:       best,
		BestMetric: bestMetric,
		Metric:     metric,
	}))
	w.cfg.Bus.Publish(shared.NewEvent(shared.DoneWalkerChannel, ectx, shared.DoneEvent{Results: len(schema.Strategies)}))

	return best, bestMetric, nil
}
