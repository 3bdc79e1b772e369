package driver

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/dnldd/pulse/bus"
	"github.com/dnldd/pulse/persist"
	"github.com/dnldd/pulse/registry"
	"github.com/dnldd/pulse/shared"
	"github.com/peterldowns/testy/assert"
	"github.com/rs/zerolog"
)

const minuteMs = int64(60_000)

// timeline is a scripted one-minute candle source shared by driver tests.
type timeline struct {
	candles []shared.Candlestick
}

// newTimeline builds flat candles at the provided price from start for
// count minutes, then applies the provided mutations.
func newTimeline(start int64, count int, price float64, mutate func(candles []shared.Candlestick)) *timeline {
	candles := make([]shared.Candlestick, 0, count)
	for idx := 0; idx < count; idx++ {
		candles = append(candles, shared.Candlestick{
			Timestamp: start + int64(idx)*minuteMs,
			Open:      price,
			High:      price,
			Low:       price,
			Close:     price,
			Volume:    1,
		})
	}
	if mutate != nil {
		mutate(candles)
	}

	return &timeline{candles: candles}
}

func (tl *timeline) fetch(_ context.Context, _ string, _ shared.Interval, since int64, limit int) ([]shared.Candlestick, error) {
	start := sort.Search(len(tl.candles), func(idx int) bool {
		return tl.candles[idx].Timestamp >= since
	})
	end := start + limit
	if limit <= 0 || end > len(tl.candles) {
		end = len(tl.candles)
	}

	out := make([]shared.Candlestick, end-start)
	copy(out, tl.candles[start:end])
	return out, nil
}

type env struct {
	registry *registry.Registry
	bus      *bus.Bus
	factory  *Factory
	params   *shared.Params
	logger   zerolog.Logger
}

func newEnv(t *testing.T, tl *timeline) *env {
	t.Helper()
	return newEnvFetch(t, tl.fetch)
}

func newEnvFetch(t *testing.T, fetch shared.FetchCandlesFunc) *env {
	t.Helper()

	logger := zerolog.Nop()
	eventBus := bus.NewBus(&bus.BusConfig{Logger: &logger})
	t.Cleanup(eventBus.Close)

	reg := registry.NewRegistry()
	err := reg.AddExchange(&shared.ExchangeSchema{Name: "test", FetchCandles: fetch})
	assert.NoError(t, err)

	params := shared.NewParams()
	store := persist.NewStore(&persist.StoreConfig{Root: t.TempDir(), Logger: &logger})

	factory := NewFactory(&FactoryConfig{
		Registry: reg,
		Bus:      eventBus,
		Store:    store,
		Params:   params,
		Logger:   &logger,
	})

	return &env{registry: reg, bus: eventBus, factory: factory, params: params, logger: logger}
}

// signalAt returns a get signal func yielding the candidate only at the
// provided instant, keeping candidate emission deterministic per run.
func signalAt(when int64, candidate *shared.SignalCandidate) shared.GetSignalFunc {
	return func(_ context.Context, ectx shared.Context, _ string) (*shared.SignalCandidate, error) {
		if ectx.When != when {
			return nil, nil
		}
		c := *candidate
		return &c, nil
	}
}

func (e *env) backtest(symbol string, strategyName string, frame string) *Backtest {
	return NewBacktest(&BacktestConfig{
		Symbol:   symbol,
		Strategy: strategyName,
		Exchange: "test",
		Frame:    frame,
		Factory:  e.factory,
		Registry: e.registry,
		Bus:      e.bus,
		Params:   e.params,
		Logger:   &e.logger,
	})
}

func TestBacktestRunClosesOnTakeProfit(t *testing.T) {
	start := int64(1_000_000) * minuteMs
	frameStart := start + 60*minuteMs

	tl := newTimeline(start, 400, 100, func(candles []shared.Candlestick) {
		candles[int((frameStart-start)/minuteMs)+20].High = 111
	})
	e := newEnv(t, tl)

	err := e.registry.AddStrategy(&shared.StrategySchema{
		Name:      "momentum",
		Interval:  shared.OneMinute,
		GetSignal: signalAt(frameStart, &shared.SignalCandidate{Direction: shared.Long, TakeProfit: 110, StopLoss: 90, EstimatedMinutes: 60}),
	})
	assert.NoError(t, err)
	err = e.registry.AddFrame(&shared.FrameSchema{
		Name:     "window",
		Interval: shared.OneMinute,
		Start:    frameStart,
		End:      frameStart + 120*minuteMs,
	})
	assert.NoError(t, err)

	var mtx sync.Mutex
	var done []shared.DoneEvent
	var progress int
	sub := e.bus.Subscribe(func(event shared.Event) {
		mtx.Lock()
		defer mtx.Unlock()
		switch event.Channel {
		case shared.DoneBacktestChannel:
			done = append(done, event.Payload.(shared.DoneEvent))
		case shared.ProgressBacktest:
			progress++
		}
	}, shared.DoneBacktestChannel, shared.ProgressBacktest)

	key := ClientKey{Symbol: "BTCUSDT", Strategy: "momentum", Backtest: true}
	before, err := e.factory.Client(key, "test")
	assert.NoError(t, err)

	results, err := e.backtest("BTCUSDT", "momentum", "window").Run(context.Background())
	assert.NoError(t, err)

	sub.Close()

	// Completion releases the memoised client.
	after, err := e.factory.Client(key, "test")
	assert.NoError(t, err)
	if before == after {
		t.Fatal("the run must release its memoised client")
	}

	assert.Equal(t, len(results), 1)
	assert.Equal(t, results[0].Action, shared.Closed)
	assert.Equal(t, results[0].CloseReason, shared.TakeProfit)
	assert.Equal(t, results[0].ClosePrice, float64(110))
	assert.Equal(t, results[0].ClosedAt, frameStart+20*minuteMs)

	mtx.Lock()
	defer mtx.Unlock()
	assert.Equal(t, len(done), 1)
	assert.Equal(t, done[0].Results, 1)
	if progress == 0 {
		t.Fatal("expected progress events during the run")
	}
}

func TestBacktestFastForwardsPastClosedSignals(t *testing.T) {
	start := int64(1_000_000) * minuteMs
	frameStart := start + 60*minuteMs

	tl := newTimeline(start, 400, 100, func(candles []shared.Candlestick) {
		candles[int((frameStart-start)/minuteMs)+10].High = 111
	})
	e := newEnv(t, tl)

	// Count consultations: ticks between the open and the fast-forward
	// target must never consult the strategy.
	var mtx sync.Mutex
	var consultedAt []int64
	err := e.registry.AddStrategy(&shared.StrategySchema{
		Name:     "momentum",
		Interval: shared.OneMinute,
		GetSignal: func(_ context.Context, ectx shared.Context, _ string) (*shared.SignalCandidate, error) {
			mtx.Lock()
			consultedAt = append(consultedAt, ectx.When)
			mtx.Unlock()
			if ectx.When != frameStart {
				return nil, nil
			}
			return &shared.SignalCandidate{Direction: shared.Long, TakeProfit: 110, StopLoss: 90, EstimatedMinutes: 60}, nil
		},
	})
	assert.NoError(t, err)
	err = e.registry.AddFrame(&shared.FrameSchema{
		Name:     "window",
		Interval: shared.OneMinute,
		Start:    frameStart,
		End:      frameStart + 30*minuteMs,
	})
	assert.NoError(t, err)

	results, err := e.backtest("BTCUSDT", "momentum", "window").Run(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, len(results), 1)

	closedAt := results[0].ClosedAt
	assert.Equal(t, closedAt, frameStart+10*minuteMs)

	mtx.Lock()
	defer mtx.Unlock()
	for idx := range consultedAt {
		if consultedAt[idx] > frameStart && consultedAt[idx] <= closedAt {
			t.Fatalf("consulted at %d inside the folded span (%d, %d]",
				consultedAt[idx], frameStart, closedAt)
		}
	}
}

func TestSharedRiskProfileGatesAcrossStrategies(t *testing.T) {
	start := int64(1_000_000) * minuteMs
	when := start + 60*minuteMs

	tl := newTimeline(start, 200, 100, nil)
	e := newEnv(t, tl)

	err := e.registry.AddRisk(&shared.RiskSchema{
		Name: "cap1",
		Validations: []shared.RiskValidation{
			func(_ context.Context, payload *shared.RiskPayload) error {
				if payload.ActivePositionCount >= 1 {
					return fmt.Errorf("position cap reached")
				}
				return nil
			},
		},
	})
	assert.NoError(t, err)

	candidate := &shared.SignalCandidate{Direction: shared.Long, TakeProfit: 110, StopLoss: 90, EstimatedMinutes: 600}
	for _, name := range []string{"alpha", "beta"} {
		err = e.registry.AddStrategy(&shared.StrategySchema{
			Name:      name,
			Interval:  shared.OneMinute,
			GetSignal: signalAt(when, candidate),
			RiskNames: []string{"cap1"},
		})
		assert.NoError(t, err)
	}

	alpha, err := e.factory.Client(ClientKey{Symbol: "BTCUSDT", Strategy: "alpha", Backtest: true}, "test")
	assert.NoError(t, err)
	beta, err := e.factory.Client(ClientKey{Symbol: "BTCUSDT", Strategy: "beta", Backtest: true}, "test")
	assert.NoError(t, err)

	// Alpha takes the only slot; beta's candidate is rejected against the
	// same shared position map.
	result, err := alpha.Tick(context.Background(), shared.NewBacktestContext("BTCUSDT", "alpha", "test", "window", when))
	assert.NoError(t, err)
	assert.Equal(t, result.Action, shared.Opened)

	result, err = beta.Tick(context.Background(), shared.NewBacktestContext("BTCUSDT", "beta", "test", "window", when))
	assert.NoError(t, err)
	assert.Equal(t, result.Action, shared.Idle)
	if beta.Signal() != nil {
		t.Fatal("a rejected candidate must leave the client idle")
	}
}

func TestWalkerPicksBestCandidate(t *testing.T) {
	start := int64(1_000_000) * minuteMs
	frameStart := start + 60*minuteMs

	// The path dips to 94 before rallying through 111: a tight stop gets
	// stopped out while a wide one rides to take profit.
	tl := newTimeline(start, 400, 100, func(candles []shared.Candlestick) {
		candles[int((frameStart-start)/minuteMs)+10].Low = 94
		candles[int((frameStart-start)/minuteMs)+20].High = 111
	})
	e := newEnv(t, tl)

	err := e.registry.AddStrategy(&shared.StrategySchema{
		Name:      "tight-stop",
		Interval:  shared.OneMinute,
		GetSignal: signalAt(frameStart, &shared.SignalCandidate{Direction: shared.Long, TakeProfit: 110, StopLoss: 95, EstimatedMinutes: 60}),
	})
	assert.NoError(t, err)
	err = e.registry.AddStrategy(&shared.StrategySchema{
		Name:      "wide-stop",
		Interval:  shared.OneMinute,
		GetSignal: signalAt(frameStart, &shared.SignalCandidate{Direction: shared.Long, TakeProfit: 110, StopLoss: 90, EstimatedMinutes: 60}),
	})
	assert.NoError(t, err)
	err = e.registry.AddFrame(&shared.FrameSchema{
		Name:     "window",
		Interval: shared.OneMinute,
		Start:    frameStart,
		End:      frameStart + 120*minuteMs,
	})
	assert.NoError(t, err)
	err = e.registry.AddWalker(&shared.WalkerSchema{
		Name:       "sweep",
		Strategies: []string{"tight-stop", "wide-stop"},
		Metric:     "net",
	})
	assert.NoError(t, err)

	var mtx sync.Mutex
	var steps []shared.WalkerStepEvent
	var complete []shared.WalkerCompleteEvent
	sub := e.bus.Subscribe(func(event shared.Event) {
		mtx.Lock()
		defer mtx.Unlock()
		switch payload := event.Payload.(type) {
		case shared.WalkerStepEvent:
			steps = append(steps, payload)
		case shared.WalkerCompleteEvent:
			complete = append(complete, payload)
		}
	}, shared.WalkerStepChannel, shared.WalkerCompleteChannel)

	walker := NewWalker(&WalkerConfig{
		Walker:   "sweep",
		Symbol:   "BTCUSDT",
		Exchange: "test",
		Frame:    "window",
		Factory:  e.factory,
		Registry: e.registry,
		Bus:      e.bus,
		Params:   e.params,
		Logger:   &e.logger,
	})

	best, bestMetric, err := walker.Run(context.Background())
	assert.NoError(t, err)

	sub.Close()

	assert.Equal(t, best, "wide-stop")
	if bestMetric <= 0 {
		t.Fatalf("expected a positive winning metric, got %v", bestMetric)
	}

	mtx.Lock()
	defer mtx.Unlock()
	assert.Equal(t, len(steps), 2)
	assert.Equal(t, steps[1].Best, "wide-stop")
	assert.Equal(t, len(complete), 1)
	assert.Equal(t, complete[0].Metric, "net")
}

func TestBacktestStops(t *testing.T) {
	start := int64(1_000_000) * minuteMs
	frameStart := start + 60*minuteMs

	tl := newTimeline(start, 400, 100, nil)
	e := newEnv(t, tl)

	var ticks int
	err := e.registry.AddStrategy(&shared.StrategySchema{
		Name:     "idle",
		Interval: shared.OneMinute,
		GetSignal: func(_ context.Context, _ shared.Context, _ string) (*shared.SignalCandidate, error) {
			ticks++
			return nil, nil
		},
	})
	assert.NoError(t, err)
	err = e.registry.AddFrame(&shared.FrameSchema{
		Name:     "window",
		Interval: shared.OneMinute,
		Start:    frameStart,
		End:      frameStart + 200*minuteMs,
	})
	assert.NoError(t, err)

	backtest := e.backtest("BTCUSDT", "idle", "window")
	backtest.Stop()

	results, err := backtest.Run(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, len(results), 0)
	assert.Equal(t, ticks, 0)
}

func TestBacktestResumesAfterRiskRejection(t *testing.T) {
	start := int64(1_000_000) * minuteMs
	frameStart := start + 60*minuteMs

	// The open target is touched ten minutes in; the gate rejects the fill.
	tl := newTimeline(start, 400, 100, func(candles []shared.Candlestick) {
		candles[int((frameStart-start)/minuteMs)+10].Low = 97
	})
	e := newEnv(t, tl)

	err := e.registry.AddRisk(&shared.RiskSchema{
		Name: "cap0",
		Validations: []shared.RiskValidation{
			func(_ context.Context, _ *shared.RiskPayload) error {
				return fmt.Errorf("no slots")
			},
		},
	})
	assert.NoError(t, err)

	var mtx sync.Mutex
	var consultedAt []int64
	candidate := &shared.SignalCandidate{Direction: shared.Long, OpenTarget: 98, TakeProfit: 110, StopLoss: 90, EstimatedMinutes: 60}
	err = e.registry.AddStrategy(&shared.StrategySchema{
		Name:     "momentum",
		Interval: shared.OneMinute,
		GetSignal: func(_ context.Context, ectx shared.Context, _ string) (*shared.SignalCandidate, error) {
			mtx.Lock()
			consultedAt = append(consultedAt, ectx.When)
			mtx.Unlock()
			if ectx.When != frameStart {
				return nil, nil
			}
			c := *candidate
			return &c, nil
		},
		RiskNames: []string{"cap0"},
	})
	assert.NoError(t, err)
	err = e.registry.AddFrame(&shared.FrameSchema{
		Name:     "window",
		Interval: shared.OneMinute,
		Start:    frameStart,
		End:      frameStart + 30*minuteMs,
	})
	assert.NoError(t, err)

	var rejections int
	sub := e.bus.Subscribe(func(event shared.Event) {
		mtx.Lock()
		rejections++
		mtx.Unlock()
	}, shared.RiskRejectedChannel)

	results, err := e.backtest("BTCUSDT", "momentum", "window").Run(context.Background())
	assert.NoError(t, err)

	sub.Close()

	// A rejected fill discards the candidate without a terminal result and
	// the frame iteration picks up at its next step.
	assert.Equal(t, len(results), 0)

	mtx.Lock()
	defer mtx.Unlock()
	assert.Equal(t, rejections, 1)
	var resumed bool
	for idx := range consultedAt {
		if consultedAt[idx] > frameStart+10*minuteMs {
			resumed = true
		}
	}
	if !resumed {
		t.Fatal("expected consultations to resume after the rejected fill")
	}
}

// clock is a dynamic candle source for live tests: it synthesizes flat
// one-minute candles on demand, with a mutable high so a test can trigger a
// close while the driver ticks.
type clock struct {
	mtx  sync.Mutex
	high float64
}

func newClock(high float64) *clock {
	return &clock{high: high}
}

func (c *clock) setHigh(high float64) {
	c.mtx.Lock()
	c.high = high
	c.mtx.Unlock()
}

func (c *clock) fetch(_ context.Context, _ string, _ shared.Interval, since int64, limit int) ([]shared.Candlestick, error) {
	c.mtx.Lock()
	high := c.high
	c.mtx.Unlock()

	if limit <= 0 {
		limit = 1
	}
	candles := make([]shared.Candlestick, 0, limit)
	for idx := 0; idx < limit; idx++ {
		candles = append(candles, shared.Candlestick{
			Timestamp: since + int64(idx)*minuteMs,
			Open:      100,
			High:      high,
			Low:       100,
			Close:     100,
			Volume:    1,
		})
	}

	return candles, nil
}

func (e *env) live(symbol string, strategyName string) *Live {
	return NewLive(&LiveConfig{
		Symbol:   symbol,
		Strategy: strategyName,
		Exchange: "test",
		Factory:  e.factory,
		Registry: e.registry,
		Bus:      e.bus,
		Params:   e.params,
		Logger:   &e.logger,
	})
}

func waitResult(t *testing.T, results <-chan shared.TickResult) shared.TickResult {
	t.Helper()

	select {
	case result, ok := <-results:
		if !ok {
			t.Fatal("result stream closed early")
		}
		return result
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a result")
	}

	return shared.TickResult{}
}

func waitDone(t *testing.T, live *Live) {
	t.Helper()

	select {
	case <-live.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the driver to terminate")
	}
}

func TestLiveRunYieldsAndTerminates(t *testing.T) {
	src := newClock(100)
	e := newEnvFetch(t, src.fetch)

	var once sync.Once
	err := e.registry.AddStrategy(&shared.StrategySchema{
		Name:     "momentum",
		Interval: shared.OneMinute,
		GetSignal: func(_ context.Context, _ shared.Context, _ string) (*shared.SignalCandidate, error) {
			var candidate *shared.SignalCandidate
			once.Do(func() {
				candidate = &shared.SignalCandidate{Direction: shared.Long, TakeProfit: 110, StopLoss: 95, EstimatedMinutes: 120}
			})
			return candidate, nil
		},
	})
	assert.NoError(t, err)
	err = e.params.SetTickTTL(10 * time.Millisecond)
	assert.NoError(t, err)

	var mtx sync.Mutex
	var done []shared.DoneEvent
	sub := e.bus.Subscribe(func(event shared.Event) {
		mtx.Lock()
		done = append(done, event.Payload.(shared.DoneEvent))
		mtx.Unlock()
	}, shared.DoneLiveChannel)
	defer sub.Close()

	key := ClientKey{Symbol: "BTCUSDT", Strategy: "momentum"}
	before, err := e.factory.Client(key, "test")
	assert.NoError(t, err)

	live := e.live("BTCUSDT", "momentum")
	results, err := live.Run()
	assert.NoError(t, err)

	opened := waitResult(t, results)
	assert.Equal(t, opened.Action, shared.Opened)

	// A stop with the signal in flight keeps the pair ticking until the
	// signal reaches a terminal transition.
	live.Stop()
	src.setHigh(111)

	closed := waitResult(t, results)
	assert.Equal(t, closed.Action, shared.Closed)
	assert.Equal(t, closed.CloseReason, shared.TakeProfit)
	assert.Equal(t, closed.Signal.ID, opened.Signal.ID)

	waitDone(t, live)

	if _, ok := <-results; ok {
		t.Fatal("expected the result stream to close on termination")
	}

	// Termination releases the memoised client.
	after, err := e.factory.Client(key, "test")
	assert.NoError(t, err)
	if before == after {
		t.Fatal("the driver must release its memoised client")
	}

	mtx.Lock()
	defer mtx.Unlock()
	assert.Equal(t, len(done), 1)
	assert.Equal(t, done[0].Results, 2)
}

func TestLivePanicTerminatesPair(t *testing.T) {
	src := newClock(100)
	e := newEnvFetch(t, src.fetch)

	err := e.registry.AddStrategy(&shared.StrategySchema{
		Name:     "momentum",
		Interval: shared.OneMinute,
		GetSignal: func(_ context.Context, _ shared.Context, _ string) (*shared.SignalCandidate, error) {
			panic("strategy bug")
		},
	})
	assert.NoError(t, err)
	err = e.params.SetTickTTL(10 * time.Millisecond)
	assert.NoError(t, err)

	var mtx sync.Mutex
	var exits []shared.ExitEvent
	sub := e.bus.Subscribe(func(event shared.Event) {
		mtx.Lock()
		exits = append(exits, event.Payload.(shared.ExitEvent))
		mtx.Unlock()
	}, shared.ExitChannel)
	defer sub.Close()

	live := e.live("BTCUSDT", "momentum")
	results, err := live.Run()
	assert.NoError(t, err)

	waitDone(t, live)

	if _, ok := <-results; ok {
		t.Fatal("expected the result stream to close on termination")
	}

	mtx.Lock()
	defer mtx.Unlock()
	assert.Equal(t, len(exits), 1)
}
