package shared

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/atomic"
)

// Params holds the engine tuning knobs. All knobs are runtime settable until
// Freeze is called at the first driver start, and immutable thereafter.
type Params struct {
	mtx    sync.RWMutex
	frozen atomic.Bool

	slippage             float64
	fee                  float64
	vwapCandleCount      int
	minTakeProfitPercent float64
	minStopLossPercent   float64
	maxStopLossPercent   float64
	scheduleAwaitMinutes int64
	maxLifetimeMinutes   int64
	tickTTL              time.Duration
	fetchRetries         int
	retryDelay           time.Duration
}

// NewParams initializes engine parameters with their defaults.
func NewParams() *Params {
	return &Params{
		slippage:             0.001,
		fee:                  0.001,
		vwapCandleCount:      5,
		minTakeProfitPercent: 0.5,
		minStopLossPercent:   0.5,
		maxStopLossPercent:   50,
		scheduleAwaitMinutes: 1440,
		maxLifetimeMinutes:   10080,
		tickTTL:              60001 * time.Millisecond,
		fetchRetries:         5,
		retryDelay:           time.Second,
	}
}

// Freeze makes the parameters immutable. Called once at the first driver
// start; subsequent Set calls fail with ErrFrozen.
func (p *Params) Freeze() {
	p.frozen.Store(true)
}

// Frozen asserts the parameters are immutable.
func (p *Params) Frozen() bool {
	return p.frozen.Load()
}

func (p *Params) set(apply func()) error {
	if p.frozen.Load() {
		return ErrFrozen
	}

	p.mtx.Lock()
	defer p.mtx.Unlock()
	apply()

	return nil
}

// SetSlippage updates the per-side slippage fraction.
func (p *Params) SetSlippage(v float64) error {
	if v < 0 {
		return fmt.Errorf("slippage cannot be negative: %f", v)
	}
	return p.set(func() { p.slippage = v })
}

// SetFee updates the per-side fee fraction.
func (p *Params) SetFee(v float64) error {
	if v < 0 {
		return fmt.Errorf("fee cannot be negative: %f", v)
	}
	return p.set(func() { p.fee = v })
}

// SetVWAPCandleCount updates the number of one-minute candles averaged for
// fill prices.
func (p *Params) SetVWAPCandleCount(v int) error {
	if v <= 0 {
		return fmt.Errorf("vwap candle count must be positive: %d", v)
	}
	return p.set(func() { p.vwapCandleCount = v })
}

// SetMinTakeProfitPercent updates the minimum take profit distance.
func (p *Params) SetMinTakeProfitPercent(v float64) error {
	if v < 0 {
		return fmt.Errorf("minimum take profit percent cannot be negative: %f", v)
	}
	return p.set(func() { p.minTakeProfitPercent = v })
}

// SetStopLossPercentRange updates the allowed stop loss distance range.
func (p *Params) SetStopLossPercentRange(min float64, max float64) error {
	if min < 0 || max < min {
		return errors.New("stop loss percent range must satisfy 0 <= min <= max")
	}
	return p.set(func() {
		p.minStopLossPercent = min
		p.maxStopLossPercent = max
	})
}

// SetScheduleAwaitMinutes updates the scheduled signal activation window.
func (p *Params) SetScheduleAwaitMinutes(v int64) error {
	if v <= 0 {
		return fmt.Errorf("schedule await minutes must be positive: %d", v)
	}
	return p.set(func() { p.scheduleAwaitMinutes = v })
}

// SetMaxLifetimeMinutes updates the maximum signal lifetime.
func (p *Params) SetMaxLifetimeMinutes(v int64) error {
	if v <= 0 {
		return fmt.Errorf("maximum lifetime minutes must be positive: %d", v)
	}
	return p.set(func() { p.maxLifetimeMinutes = v })
}

// SetTickTTL updates the live tick slot duration.
func (p *Params) SetTickTTL(v time.Duration) error {
	if v <= 0 {
		return fmt.Errorf("tick ttl must be positive: %s", v)
	}
	return p.set(func() { p.tickTTL = v })
}

// SetFetchRetries updates the candle fetch retry count.
func (p *Params) SetFetchRetries(v int) error {
	if v < 0 {
		return fmt.Errorf("fetch retries cannot be negative: %d", v)
	}
	return p.set(func() { p.fetchRetries = v })
}

// SetRetryDelay updates the fixed delay between fetch retries.
func (p *Params) SetRetryDelay(v time.Duration) error {
	if v < 0 {
		return fmt.Errorf("retry delay cannot be negative: %s", v)
	}
	return p.set(func() { p.retryDelay = v })
}

// Slippage returns the per-side slippage fraction.
func (p *Params) Slippage() float64 {
	p.mtx.RLock()
	defer p.mtx.RUnlock()
	return p.slippage
}

// Fee returns the per-side fee fraction.
func (p *Params) Fee() float64 {
	p.mtx.RLock()
	defer p.mtx.RUnlock()
	return p.fee
}

// VWAPCandleCount returns the number of one-minute candles averaged for
// fill prices.
func (p *Params) VWAPCandleCount() int {
	p.mtx.RLock()
	defer p.mtx.RUnlock()
	return p.vwapCandleCount
}

// MinTakeProfitPercent returns the minimum take profit distance.
func (p *Params) MinTakeProfitPercent() float64 {
	p.mtx.RLock()
	defer p.mtx.RUnlock()
	return p.minTakeProfitPercent
}

// MinStopLossPercent returns the minimum stop loss distance.
func (p *Params) MinStopLossPercent() float64 {
	p.mtx.RLock()
	defer p.mtx.RUnlock()
	return p.minStopLossPercent
}

// MaxStopLossPercent returns the maximum stop loss distance.
func (p *Params) MaxStopLossPercent() float64 {
	p.mtx.RLock()
	defer p.mtx.RUnlock()
	return p.maxStopLossPercent
}

// ScheduleAwaitMinutes returns the scheduled signal activation window.
func (p *Params) ScheduleAwaitMinutes() int64 {
	p.mtx.RLock()
	defer p.mtx.RUnlock()
	return p.scheduleAwaitMinutes
}

// MaxLifetimeMinutes returns the maximum signal lifetime.
func (p *Params) MaxLifetimeMinutes() int64 {
	p.mtx.RLock()
	defer p.mtx.RUnlock()
	return p.maxLifetimeMinutes
}

// TickTTL returns the live tick slot duration.
func (p *Params) TickTTL() time.Duration {
	p.mtx.RLock()
	defer p.mtx.RUnlock()
	return p.tickTTL
}

// FetchRetries returns the candle fetch retry count.
func (p *Params) FetchRetries() int {
	p.mtx.RLock()
	defer p.mtx.RUnlock()
	return p.fetchRetries
}

// RetryDelay returns the fixed delay between fetch retries.
func (p *Params) RetryDelay() time.Duration {
	p.mtx.RLock()
	defer p.mtx.RUnlock()
	return p.retryDelay
}
