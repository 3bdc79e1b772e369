package report

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dnldd/pulse/bus"
	"github.com/dnldd/pulse/shared"
	"github.com/peterldowns/testy/assert"
	"github.com/rs/zerolog"
)

func closedResult(net float64) shared.TickResult {
	return shared.TickResult{
		Action: shared.Closed,
		Signal: &shared.Signal{ID: "sig"},
		PnL:    &shared.PnL{GrossPercent: net + 0.4, NetPercent: net},
	}
}

func TestComputeStats(t *testing.T) {
	results := []shared.TickResult{
		closedResult(2),
		closedResult(-1),
		closedResult(3),
		closedResult(-1),
		{Action: shared.Cancelled, Signal: &shared.Signal{ID: "sig"}},
	}

	stats := ComputeStats(results)
	assert.Equal(t, stats.Trades, 4)
	assert.Equal(t, stats.Wins, 2)
	assert.Equal(t, stats.Losses, 2)
	assert.Equal(t, stats.Cancelled, 1)
	assert.Equal(t, stats.WinRatePercent, float64(50))
	assert.Equal(t, stats.NetTotalPercent, float64(3))
	if stats.Sharpe <= 0 {
		t.Fatalf("expected a positive sharpe for a net positive series, got %v", stats.Sharpe)
	}
}

func TestSharpeDegenerateSeries(t *testing.T) {
	// A single trade and a zero variance series both yield zero.
	assert.Equal(t, ComputeStats([]shared.TickResult{closedResult(5)}).Sharpe, float64(0))
	assert.Equal(t, ComputeStats([]shared.TickResult{closedResult(2), closedResult(2)}).Sharpe, float64(0))
}

func TestMaxDrawdown(t *testing.T) {
	// Cumulative path 2, 1, 4, 1: the largest fall is 4 to 1.
	results := []shared.TickResult{
		closedResult(2), closedResult(-1), closedResult(3), closedResult(-3),
	}
	assert.Equal(t, ComputeStats(results).MaxDrawdownPercent, float64(3))
}

func TestMetricValueSelection(t *testing.T) {
	results := []shared.TickResult{closedResult(2), closedResult(-1)}

	assert.Equal(t, MetricValue(NetMetric, results), float64(1))
	assert.Equal(t, MetricValue(WinRateMetric, results), float64(50))
	// Unknown names fall back to sharpe.
	assert.Equal(t, MetricValue("bogus", results), MetricValue(SharpeMetric, results))
}

func TestAccumulatorKeepsTerminalResultsOnly(t *testing.T) {
	logger := zerolog.Nop()
	eventBus := bus.NewBus(&bus.BusConfig{Logger: &logger})
	defer eventBus.Close()

	acc := NewAccumulator(&AccumulatorConfig{Bus: eventBus, Logger: &logger})

	ectx := shared.NewBacktestContext("BTCUSDT", "momentum", "test", "frame", 1_000)
	eventBus.Publish(shared.NewEvent(shared.SignalChannel, ectx, shared.SignalEvent{
		Result: shared.TickResult{Action: shared.Active, Signal: &shared.Signal{ID: "a"}},
	}))
	eventBus.Publish(shared.NewEvent(shared.SignalChannel, ectx, shared.SignalEvent{Result: closedResult(2)}))
	eventBus.Publish(shared.NewEvent(shared.SignalChannel, ectx, shared.SignalEvent{
		Result: shared.TickResult{Action: shared.Cancelled, Signal: &shared.Signal{ID: "b"}},
	}))

	acc.Close()

	results := acc.Results("BTCUSDT", "momentum")
	assert.Equal(t, len(results), 2)

	stats := acc.SnapshotStats()["momentum/BTCUSDT"]
	assert.Equal(t, stats.Trades, 1)
	assert.Equal(t, stats.Cancelled, 1)
}

func TestRingOverwritesOldest(t *testing.T) {
	r := newRing(3)
	for idx := 0; idx < 5; idx++ {
		r.push(closedResult(float64(idx)))
	}

	results := r.snapshot()
	assert.Equal(t, len(results), 3)
	assert.Equal(t, results[0].PnL.NetPercent, float64(2))
	assert.Equal(t, results[2].PnL.NetPercent, float64(4))
}

func TestDumpToFile(t *testing.T) {
	logger := zerolog.Nop()
	eventBus := bus.NewBus(&bus.BusConfig{Logger: &logger})
	defer eventBus.Close()

	acc := NewAccumulator(&AccumulatorConfig{Bus: eventBus, Logger: &logger})

	ectx := shared.NewBacktestContext("BTCUSDT", "momentum", "test", "frame", 1_000)
	eventBus.Publish(shared.NewEvent(shared.SignalChannel, ectx, shared.SignalEvent{Result: closedResult(2)}))
	acc.Close()

	path := filepath.Join(t.TempDir(), "reports", "perf.md")
	err := acc.DumpToFile(path)
	assert.NoError(t, err)

	data, err := os.ReadFile(path)
	assert.NoError(t, err)
	if !strings.Contains(string(data), "momentum/BTCUSDT") {
		t.Fatalf("report is missing the tracked pair:\n%s", data)
	}
}
