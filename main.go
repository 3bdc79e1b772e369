package main

import (
	"context"
	"log"
	"os"
	"os/signal"

	"github.com/dnldd/pulse/exchange"
	"github.com/dnldd/pulse/service"
	"github.com/dnldd/pulse/shared"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
)

const (
	// breakoutLookback is the number of one-minute candles averaged by the
	// sample breakout strategy.
	breakoutLookback = 30
	// breakoutThreshold is the fractional move above the average treated as
	// a breakout.
	breakoutThreshold = 0.004
)

// handleTermination processes context cancellation signals or interrupt signals from the OS.
func handleTermination(ctx context.Context, cancel context.CancelFunc) {
	// Listen for interrupt signals.
	signals := []os.Signal{os.Interrupt}
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, signals...)

	// Wait for the context to be cancelled or an interrupt signal.
	for {
		select {
		case <-ctx.Done():
			return

		case <-interrupt:
			cancel()
		}
	}
}

// breakoutStrategy builds a sample momentum breakout strategy over the
// provided historic data: it goes long when the latest close clears the
// lookback average by the breakout threshold.
func breakoutStrategy(data *exchange.HistoricData) *shared.StrategySchema {
	return &shared.StrategySchema{
		Name:     "breakout",
		Note:     "long momentum breakouts over a one-minute lookback average",
		Interval: shared.FiveMinute,
		GetSignal: func(ctx context.Context, ectx shared.Context, symbol string) (*shared.SignalCandidate, error) {
			since := ectx.When - int64(breakoutLookback)*shared.OneMinute.Milliseconds()
			candles, err := data.FetchCandles(ctx, symbol, shared.OneMinute, since, breakoutLookback)
			if err != nil {
				return nil, err
			}

			candles = shared.FilterCandlesticks(candles, ectx.When)
			if len(candles) < breakoutLookback {
				return nil, nil
			}

			var sum float64
			for idx := range candles {
				sum += candles[idx].Close
			}
			average := sum / float64(len(candles))

			latest := candles[len(candles)-1].Close
			if latest < average*(1+breakoutThreshold) {
				return nil, nil
			}

			return &shared.SignalCandidate{
				Direction:        shared.Long,
				TakeProfit:       latest * 1.02,
				StopLoss:         latest * 0.99,
				EstimatedMinutes: 240,
			}, nil
		},
	}
}

func main() {
	var cfg Config
	err := loadConfig(&cfg, "")
	if err != nil {
		log.Printf("loading config: %v", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine, err := service.NewEngine(ctx, &service.EngineConfig{
		PersistRoot:      cfg.PersistRoot,
		DatabaseEndpoint: cfg.DatabaseEndpoint,
		DatabaseUser:     cfg.DatabaseUser,
		DatabasePass:     cfg.DatabasePass,
		ReportPath:       cfg.ReportPath,
		Cancel:           cancel,
	})
	if err != nil {
		log.Printf("creating engine service: %v", err)
		return
	}
	defer engine.Close()

	logger := zlog.With().Str("service", "main").Logger()

	histLogger := logger.With().Str("component", "historicdata").Logger()
	data, err := exchange.NewHistoricData(&exchange.HistoricDataConfig{
		Name:     "histdata",
		FilePath: cfg.BacktestDataFilepath,
		Logger:   &histLogger,
	})
	if err != nil {
		logger.Error().Msgf("loading historic data: %v", err)
		return
	}

	err = engine.RegisterExchange(data.Schema())
	if err != nil {
		logger.Error().Msgf("registering exchange: %v", err)
		return
	}
	err = engine.RegisterStrategy(breakoutStrategy(data))
	if err != nil {
		logger.Error().Msgf("registering strategy: %v", err)
		return
	}

	start, end, ok := data.Range(shared.OneMinute)
	if !ok {
		logger.Error().Msg("historic data carries no one-minute candles")
		return
	}
	err = engine.RegisterFrame(&shared.FrameSchema{
		Name:     "full",
		Interval: shared.FiveMinute,
		Start:    start,
		End:      end,
	})
	if err != nil {
		logger.Error().Msgf("registering frame: %v", err)
		return
	}

	go handleTermination(ctx, cancel)

	results, err := engine.Backtest(ctx, data.Symbol(), "breakout", "histdata", "full")
	if err != nil {
		logger.Error().Msgf("running backtest: %v", err)
		return
	}

	logBacktestSummary(&logger, results)
}

// logBacktestSummary logs the aggregate outcome of a backtest run.
func logBacktestSummary(logger *zerolog.Logger, results []shared.TickResult) {
	var wins, losses int
	var net float64
	for idx := range results {
		if results[idx].Action != shared.Closed || results[idx].PnL == nil {
			continue
		}
		if results[idx].PnL.NetPercent > 0 {
			wins++
		} else {
			losses++
		}
		net += results[idx].PnL.NetPercent
	}

	logger.Info().Msgf("backtest done: %d results, %d wins, %d losses, net %.4f%%",
		len(results), wins, losses, net)
}
