package shared

// Action represents the state transition reported by a tick.
type Action int

const (
	Idle Action = iota
	Scheduled
	Opened
	Active
	Closed
	Cancelled
)

// String stringifies the provided action.
func (a Action) String() string {
	switch a {
	case Idle:
		return "idle"
	case Scheduled:
		return "scheduled"
	case Opened:
		return "opened"
	case Active:
		return "active"
	case Closed:
		return "closed"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal asserts the action terminates the signal lifecycle.
func (a Action) Terminal() bool {
	return a == Closed || a == Cancelled
}

// CloseReason represents why a signal closed.
type CloseReason int

const (
	TakeProfit CloseReason = iota
	StopLoss
	TimeExpired
)

// String stringifies the provided close reason.
func (r CloseReason) String() string {
	switch r {
	case TakeProfit:
		return "take profit"
	case StopLoss:
		return "stop loss"
	case TimeExpired:
		return "time expired"
	default:
		return "unknown"
	}
}

// PnL represents the realized profit and loss of a closed signal.
type PnL struct {
	// GrossPercent is the raw percentage change between fill and close.
	GrossPercent float64 `json:"grossPercent"`
	// NetPercent applies round-trip fees and slippage symmetrically.
	NetPercent float64 `json:"netPercent"`
}

// TickResult is the discriminated outcome of one state machine evaluation.
// Close-specific fields are only meaningful when Action is Closed, and
// CancelledAt only when Action is Cancelled.
type TickResult struct {
	Action      Action      `json:"action"`
	Signal      *Signal     `json:"signal,omitempty"`
	CloseReason CloseReason `json:"closeReason,omitempty"`
	ClosedAt    int64       `json:"closedAt,omitempty"`
	ClosePrice  float64     `json:"closePrice,omitempty"`
	CancelledAt int64       `json:"cancelledAt,omitempty"`
	PnL         *PnL        `json:"pnl,omitempty"`
}

// IdleResult is the shared idle tick outcome.
func IdleResult() TickResult {
	return TickResult{Action: Idle}
}
