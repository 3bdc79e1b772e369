// Package partial tracks profit and loss milestones for opened signals.
// Milestones fire once per level per signal at every ten percent of
// unrealized revenue, up to one hundred percent in both directions.
package partial

import (
	"sync"

	"github.com/dnldd/pulse/bus"
	"github.com/dnldd/pulse/persist"
	"github.com/dnldd/pulse/shared"
	"github.com/rs/zerolog"
)

const (
	// levelStep is the milestone spacing in percent.
	levelStep = 10
	// maxLevel is the last tracked milestone in percent.
	maxLevel = 100
)

// pairKey identifies the milestone state of one (strategy, symbol). Live
// and backtest state are scoped apart so a walker reset never disturbs live
// milestones.
type pairKey struct {
	Strategy string
	Symbol   string
	Backtest bool
}

// State records the milestone levels already emitted for one signal.
type State struct {
	ProfitLevels []int `json:"profitLevels,omitempty"`
	LossLevels   []int `json:"lossLevels,omitempty"`
}

func hasLevel(levels []int, level int) bool {
	for idx := range levels {
		if levels[idx] == level {
			return true
		}
	}

	return false
}

// TrackerConfig represents the milestone tracker configuration.
type TrackerConfig struct {
	// Store is the persistence store. Persistence is bypassed for backtest
	// contexts.
	Store *persist.Store
	// Bus is the event bus.
	Bus *bus.Bus
	// Logger represents the application logger.
	Logger *zerolog.Logger
}

// Tracker emits one-shot partial profit and loss events per signal. Live
// state survives restarts so milestones never re-fire after a crash.
type Tracker struct {
	cfg *TrackerConfig

	mtx    sync.Mutex
	loaded map[pairKey]bool
	states map[pairKey]map[string]*State
}

// NewTracker initializes the milestone tracker.
func NewTracker(cfg *TrackerConfig) *Tracker {
	return &Tracker{
		cfg:    cfg,
		loaded: make(map[pairKey]bool),
		states: make(map[pairKey]map[string]*State),
	}
}

// loadLocked restores the pair's persisted state once. Backtest contexts run
// fully in memory. Callers hold the tracker lock.
func (t *Tracker) loadLocked(ectx shared.Context, key pairKey) {
	if t.loaded[key] {
		return
	}
	t.loaded[key] = true

	if ectx.Backtest {
		return
	}

	records := make(map[string]*State)
	path := t.cfg.Store.PairPath(persist.PartialCategory, key.Strategy, key.Symbol)
	ok, err := t.cfg.Store.Read(path, &records)
	if err != nil {
		t.cfg.Logger.Error().Msgf("loading partial state for %s/%s: %v", key.Strategy, key.Symbol, err)
		return
	}
	if !ok {
		return
	}

	t.states[key] = records
}

// persistLocked writes the pair's state map. Callers hold the tracker lock.
func (t *Tracker) persistLocked(ectx shared.Context, key pairKey) {
	if ectx.Backtest {
		return
	}

	path := t.cfg.Store.PairPath(persist.PartialCategory, key.Strategy, key.Symbol)
	err := t.cfg.Store.Write(path, t.states[key])
	if err != nil {
		t.cfg.Logger.Error().Msgf("persisting partial state for %s/%s: %v", key.Strategy, key.Symbol, err)
		t.cfg.Bus.PublishError(ectx, "partial.persist", err)
	}
}

// Observe evaluates the signal's unrealized revenue at the current price and
// emits every milestone level newly crossed since the last observation. A
// level fires at most once per signal per direction; an excursion past
// multiple levels in one observation emits each uncrossed level.
func (t *Tracker) Observe(ectx shared.Context, signal *shared.Signal, currentPrice float64) {
	if signal == nil || signal.Open == 0 {
		return
	}

	revenue := shared.RevenuePercent(signal, currentPrice)

	magnitude := revenue
	channel := shared.PartialProfitChannel
	if revenue < 0 {
		magnitude = -revenue
		channel = shared.PartialLossChannel
	}
	if magnitude < levelStep {
		return
	}

	reached := int(magnitude) / levelStep * levelStep
	if reached > maxLevel {
		reached = maxLevel
	}

	key := pairKey{Strategy: ectx.Strategy, Symbol: ectx.Symbol, Backtest: ectx.Backtest}

	t.mtx.Lock()
	defer t.mtx.Unlock()

	t.loadLocked(ectx, key)

	states := t.states[key]
	if states == nil {
		states = make(map[string]*State)
		t.states[key] = states
	}

	state := states[signal.ID]
	if state == nil {
		state = &State{}
		states[signal.ID] = state
	}

	emitted := &state.ProfitLevels
	if channel == shared.PartialLossChannel {
		emitted = &state.LossLevels
	}

	var dirty bool
	for level := levelStep; level <= reached; level += levelStep {
		if hasLevel(*emitted, level) {
			continue
		}

		*emitted = append(*emitted, level)
		dirty = true

		t.cfg.Bus.Publish(shared.NewEvent(channel, ectx, shared.PartialEvent{
			SignalID:       signal.ID,
			Level:          level,
			RevenuePercent: revenue,
		}))
	}

	if dirty {
		t.persistLocked(ectx, key)
	}
}

// Clear drops the milestone state of a closed or cancelled signal.
func (t *Tracker) Clear(ectx shared.Context, signalID string) {
	key := pairKey{Strategy: ectx.Strategy, Symbol: ectx.Symbol, Backtest: ectx.Backtest}

	t.mtx.Lock()
	defer t.mtx.Unlock()

	t.loadLocked(ectx, key)

	states := t.states[key]
	if states == nil {
		return
	}
	if _, ok := states[signalID]; !ok {
		return
	}

	delete(states, signalID)
	t.persistLocked(ectx, key)
}

// ResetBacktest clears the backtest-scoped milestone state, leaving live
// state untouched. Walker runs reset the tracker so candidate state never
// leaks across runs.
func (t *Tracker) ResetBacktest() {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	for key := range t.loaded {
		if key.Backtest {
			delete(t.loaded, key)
		}
	}
	for key := range t.states {
		if key.Backtest {
			delete(t.states, key)
		}
	}
}
