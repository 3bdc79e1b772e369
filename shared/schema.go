package shared

import (
	"context"
	"errors"
	"fmt"
)

// GetSignalFunc consults a strategy for a new signal candidate. Returning a
// nil candidate means the strategy sees no opportunity.
type GetSignalFunc func(ctx context.Context, ectx Context, symbol string) (*SignalCandidate, error)

// FetchCandlesFunc retrieves candles for a symbol starting at since (unix
// milliseconds), at most limit entries, sorted ascending by timestamp.
type FetchCandlesFunc func(ctx context.Context, symbol string, interval Interval, since int64, limit int) ([]Candlestick, error)

// FormatFunc renders a price or quantity for a symbol.
type FormatFunc func(symbol string, value float64) string

// RiskValidation is a portfolio-level predicate. Returning nil accepts the
// candidate signal; returning an error rejects it with a human readable
// reason.
type RiskValidation func(ctx context.Context, payload *RiskPayload) error

// ActivePosition describes one open position visible to risk validations.
type ActivePosition struct {
	Signal   *Signal `json:"signal,omitempty"`
	Strategy string  `json:"strategy"`
	Symbol   string  `json:"symbol"`
	Exchange string  `json:"exchange"`
	OpenedAt int64   `json:"openedAt"`
}

// RiskPayload is handed to every risk validation. Validations see the
// positions of all strategies bound to the same risk profile.
type RiskPayload struct {
	Symbol              string
	Strategy            string
	Exchange            string
	CurrentPrice        float64
	Timestamp           int64
	PendingSignal       *Signal
	ActivePositionCount int
	ActivePositions     []ActivePosition
}

// StrategyCallbacks are optional lifecycle hooks invoked after the
// corresponding transition is reported.
type StrategyCallbacks struct {
	OnTick     func(ectx Context, result TickResult)
	OnOpen     func(ectx Context, signal *Signal)
	OnActive   func(ectx Context, signal *Signal)
	OnIdle     func(ectx Context)
	OnClose    func(ectx Context, result TickResult)
	OnSchedule func(ectx Context, signal *Signal)
	OnCancel   func(ectx Context, signal *Signal)
}

// StrategySchema is the host supplied declaration of a trading strategy.
type StrategySchema struct {
	// Name uniquely identifies the strategy.
	Name string
	// Note is an optional human readable description.
	Note string
	// Interval throttles signal consultations: GetSignal is called at most
	// once per interval while no signal is pending.
	Interval Interval
	// GetSignal consults the strategy for a signal candidate.
	GetSignal GetSignalFunc
	// RiskNames references the risk profiles gating this strategy. The
	// list composes as logical AND.
	RiskNames []string
	// Callbacks are optional lifecycle hooks.
	Callbacks StrategyCallbacks
}

// Validate asserts the schema has sane inputs.
func (s *StrategySchema) Validate() error {
	var errs error

	if s.Name == "" {
		errs = errors.Join(errs, fmt.Errorf("strategy name cannot be an empty string"))
	}
	if s.GetSignal == nil {
		errs = errors.Join(errs, fmt.Errorf("strategy %s requires a get signal callback", s.Name))
	}
	if !s.Interval.ValidSignalInterval() {
		errs = errors.Join(errs, fmt.Errorf("strategy %s interval %s is not a valid signal interval",
			s.Name, s.Interval.String()))
	}

	return errs
}

// ExchangeCallbacks are optional exchange hooks.
type ExchangeCallbacks struct {
	OnCandleData func(symbol string, interval Interval, candles []Candlestick)
}

// ExchangeSchema is the host supplied declaration of a candle source.
type ExchangeSchema struct {
	// Name uniquely identifies the exchange.
	Name string
	// FetchCandles retrieves candles from the venue.
	FetchCandles FetchCandlesFunc
	// FormatPrice renders a price for display. Optional; a decimal
	// formatter is used when absent.
	FormatPrice FormatFunc
	// FormatQuantity renders a quantity for display. Optional.
	FormatQuantity FormatFunc
	// Callbacks are optional hooks.
	Callbacks ExchangeCallbacks
}

// Validate asserts the schema has sane inputs.
func (s *ExchangeSchema) Validate() error {
	var errs error

	if s.Name == "" {
		errs = errors.Join(errs, fmt.Errorf("exchange name cannot be an empty string"))
	}
	if s.FetchCandles == nil {
		errs = errors.Join(errs, fmt.Errorf("exchange %s requires a fetch candles callback", s.Name))
	}

	return errs
}

// FrameSchema declares a closed interval on the timeline plus a cadence,
// used to drive backtest iteration.
type FrameSchema struct {
	// Name uniquely identifies the frame.
	Name string
	// Interval is the iteration cadence.
	Interval Interval
	// Start is the inclusive start of the frame in unix milliseconds.
	Start int64
	// End is the inclusive end of the frame in unix milliseconds.
	End int64
}

// Validate asserts the schema has sane inputs.
func (s *FrameSchema) Validate() error {
	var errs error

	if s.Name == "" {
		errs = errors.Join(errs, fmt.Errorf("frame name cannot be an empty string"))
	}
	if s.Interval.Minutes() == 0 {
		errs = errors.Join(errs, fmt.Errorf("frame %s has an unknown interval", s.Name))
	}
	if s.End < s.Start {
		errs = errors.Join(errs, fmt.Errorf("frame %s end precedes its start", s.Name))
	}

	return errs
}

// Timestamps expands the frame into its monotone timestamp sequence.
func (s *FrameSchema) Timestamps() []int64 {
	step := s.Interval.Milliseconds()
	if step == 0 {
		return nil
	}

	timestamps := make([]int64, 0, (s.End-s.Start)/step+1)
	for ts := s.Start; ts <= s.End; ts += step {
		timestamps = append(timestamps, ts)
	}

	return timestamps
}

// RiskCallbacks are optional risk hooks.
type RiskCallbacks struct {
	OnRejected func(ectx Context, payload *RiskPayload, reason error)
	OnAllowed  func(ectx Context, payload *RiskPayload)
}

// RiskSchema declares a named bundle of validations sharing a position map.
type RiskSchema struct {
	// Name uniquely identifies the risk profile.
	Name string
	// Validations run sequentially in declaration order; the first
	// rejection short-circuits.
	Validations []RiskValidation
	// Callbacks are optional hooks.
	Callbacks RiskCallbacks
}

// Validate asserts the schema has sane inputs.
func (s *RiskSchema) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("risk name cannot be an empty string")
	}

	return nil
}

// WalkerSchema declares a sequential sweep over candidate strategies.
type WalkerSchema struct {
	// Name uniquely identifies the walker.
	Name string
	// Strategies are the candidate strategy names, swept in order.
	Strategies []string
	// Metric selects the comparison metric: sharpe, net or winrate.
	// Defaults to sharpe.
	Metric string
}

// Validate asserts the schema has sane inputs.
func (s *WalkerSchema) Validate() error {
	var errs error

	if s.Name == "" {
		errs = errors.Join(errs, fmt.Errorf("walker name cannot be an empty string"))
	}
	if len(s.Strategies) == 0 {
		errs = errors.Join(errs, fmt.Errorf("walker %s requires at least one candidate strategy", s.Name))
	}
	switch s.Metric {
	case "", "sharpe", "net", "winrate":
	default:
		errs = errors.Join(errs, fmt.Errorf("walker %s has an unknown metric: %s", s.Name, s.Metric))
	}

	return errs
}
