package shared

import "time"

// Context carries per-tick execution metadata. It is passed explicitly into
// every strategy, exchange, risk and partial surface rather than being read
// from ambient state, so user callbacks always see the evaluation instant
// they are being driven at.
type Context struct {
	// Symbol is the market symbol under evaluation.
	Symbol string
	// Strategy is the name of the strategy being driven.
	Strategy string
	// Exchange is the name of the exchange schema in use.
	Exchange string
	// Frame is the name of the frame schema in use, set for backtests only.
	Frame string
	// When is the evaluation instant in unix milliseconds. No candle newer
	// than this instant is ever visible during backtests.
	When int64
	// Backtest flags backtest execution. Persistence is bypassed entirely
	// when set.
	Backtest bool
}

// NewLiveContext initializes an execution context at the current wall clock.
func NewLiveContext(symbol string, strategy string, exchange string) Context {
	return Context{
		Symbol:   symbol,
		Strategy: strategy,
		Exchange: exchange,
		When:     time.Now().UnixMilli(),
	}
}

// NewBacktestContext initializes an execution context pinned to the provided
// evaluation instant.
func NewBacktestContext(symbol string, strategy string, exchange string, frame string, when int64) Context {
	return Context{
		Symbol:   symbol,
		Strategy: strategy,
		Exchange: exchange,
		Frame:    frame,
		When:     when,
		Backtest: true,
	}
}

// At returns a copy of the context pinned to the provided instant.
func (c Context) At(when int64) Context {
	c.When = when
	return c
}

// Time returns the evaluation instant as a time.
func (c Context) Time() time.Time {
	return time.UnixMilli(c.When).UTC()
}
