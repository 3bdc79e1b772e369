package shared

import "errors"

var (
	// ErrNoLiquidity is returned when an average price is requested over
	// candles carrying no volume.
	ErrNoLiquidity = errors.New("no liquidity for average price")
	// ErrCandleFetch wraps candle retrieval failures that survived retries.
	ErrCandleFetch = errors.New("fetching candles")
	// ErrFrozen is returned when registering schemas or mutating engine
	// parameters after the first driver start.
	ErrFrozen = errors.New("registrations are frozen")
	// ErrBacktestOnly is returned when a backtest-only operation is invoked
	// during live execution.
	ErrBacktestOnly = errors.New("operation is only available in backtests")
	// ErrUnknownSchema is returned when a named schema reference cannot be
	// resolved at execution start.
	ErrUnknownSchema = errors.New("unknown schema reference")
	// ErrInternal wraps invariant breaches and panics captured in user
	// callbacks. Drivers treat it as unrecoverable for the affected pair.
	ErrInternal = errors.New("internal fault")
)
