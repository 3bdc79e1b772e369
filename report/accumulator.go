package report

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dnldd/pulse/bus"
	"github.com/dnldd/pulse/shared"
	"github.com/rs/zerolog"
)

const (
	// defaultCapacity is the per-pair ring buffer capacity.
	defaultCapacity = 250
	// maxCapacity is the hard per-pair ring buffer cap.
	maxCapacity = 10_000
)

// pairKey identifies one (symbol, strategy) result ring.
type pairKey struct {
	Symbol   string
	Strategy string
}

// ring is a fixed capacity overwrite-oldest result buffer.
type ring struct {
	results []shared.TickResult
	next    int
	full    bool
}

func newRing(capacity int) *ring {
	return &ring{results: make([]shared.TickResult, capacity)}
}

func (r *ring) push(result shared.TickResult) {
	r.results[r.next] = result
	r.next = (r.next + 1) % len(r.results)
	if r.next == 0 {
		r.full = true
	}
}

// snapshot returns the buffered results oldest first.
func (r *ring) snapshot() []shared.TickResult {
	if !r.full {
		out := make([]shared.TickResult, r.next)
		copy(out, r.results[:r.next])
		return out
	}

	out := make([]shared.TickResult, 0, len(r.results))
	out = append(out, r.results[r.next:]...)
	out = append(out, r.results[:r.next]...)
	return out
}

// AccumulatorConfig represents the report accumulator configuration.
type AccumulatorConfig struct {
	// Bus is the event bus.
	Bus *bus.Bus
	// Capacity is the per-pair ring buffer capacity, clamped to the hard
	// cap. Defaults to 250.
	Capacity int
	// Logger represents the application logger.
	Logger *zerolog.Logger
}

// Accumulator subscribes to terminal signal results and keeps the most
// recent ones per (symbol, strategy) pair for reporting.
type Accumulator struct {
	cfg *AccumulatorConfig
	sub *bus.Subscription

	mtx   sync.Mutex
	rings map[pairKey]*ring
}

// NewAccumulator initializes a report accumulator and subscribes it to the
// bus.
func NewAccumulator(cfg *AccumulatorConfig) *Accumulator {
	if cfg.Capacity <= 0 {
		cfg.Capacity = defaultCapacity
	}
	if cfg.Capacity > maxCapacity {
		cfg.Capacity = maxCapacity
	}

	a := &Accumulator{
		cfg:   cfg,
		rings: make(map[pairKey]*ring),
	}
	a.sub = cfg.Bus.Subscribe(a.observe, shared.SignalChannel)

	return a
}

// observe records terminal results, ignoring intermediate transitions.
func (a *Accumulator) observe(event shared.Event) {
	payload, ok := event.Payload.(shared.SignalEvent)
	if !ok || !payload.Result.Action.Terminal() {
		return
	}

	key := pairKey{Symbol: event.Symbol, Strategy: event.Strategy}

	a.mtx.Lock()
	defer a.mtx.Unlock()

	r := a.rings[key]
	if r == nil {
		r = newRing(a.cfg.Capacity)
		a.rings[key] = r
	}
	r.push(payload.Result)
}

// Results returns the buffered terminal results of the provided pair,
// oldest first.
func (a *Accumulator) Results(symbol string, strategy string) []shared.TickResult {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	r := a.rings[pairKey{Symbol: symbol, Strategy: strategy}]
	if r == nil {
		return nil
	}

	return r.snapshot()
}

// SnapshotStats computes aggregate statistics per tracked pair.
func (a *Accumulator) SnapshotStats() map[string]Stats {
	a.mtx.Lock()
	defer a.mtx.Unlock()

	stats := make(map[string]Stats, len(a.rings))
	for key, r := range a.rings {
		stats[fmt.Sprintf("%s/%s", key.Strategy, key.Symbol)] = ComputeStats(r.snapshot())
	}

	return stats
}

// Reset drops all buffered results.
func (a *Accumulator) Reset() {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	a.rings = make(map[pairKey]*ring)
}

// Close unsubscribes the accumulator from the bus.
func (a *Accumulator) Close() {
	a.sub.Close()
}

// RenderReport renders the tracked statistics as a markdown document.
func (a *Accumulator) RenderReport() string {
	stats := a.SnapshotStats()

	pairs := make([]string, 0, len(stats))
	for pair := range stats {
		pairs = append(pairs, pair)
	}
	sort.Strings(pairs)

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("# Performance Report\n\nGenerated %s\n\n", time.Now().UTC().Format(time.RFC3339)))
	sb.WriteString("| Pair | Trades | Wins | Losses | Cancelled | Win Rate | Gross | Net | Sharpe | Max DD |\n")
	sb.WriteString("| --- | --- | --- | --- | --- | --- | --- | --- | --- | --- |\n")

	for idx := range pairs {
		s := stats[pairs[idx]]
		sb.WriteString(fmt.Sprintf("| %s | %d | %d | %d | %d | %.2f%% | %.4f%% | %.4f%% | %.4f | %.4f%% |\n",
			pairs[idx], s.Trades, s.Wins, s.Losses, s.Cancelled,
			s.WinRatePercent, s.GrossTotalPercent, s.NetTotalPercent, s.Sharpe, s.MaxDrawdownPercent))
	}

	return sb.String()
}

// DumpToFile writes the rendered report to the provided path.
func (a *Accumulator) DumpToFile(path string) error {
	err := os.MkdirAll(filepath.Dir(path), 0o755)
	if err != nil {
		return fmt.Errorf("creating report directory for %s: %w", path, err)
	}

	err = os.WriteFile(path, []byte(a.RenderReport()), 0o644)
	if err != nil {
		return fmt.Errorf("writing report to %s: %w", path, err)
	}

	a.cfg.Logger.Info().Msgf("wrote performance report to %s", path)

	return nil
}
