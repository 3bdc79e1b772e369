package shared

// Channel identifies an event bus channel. Channel names are part of the
// stable contract with subscribers.
type Channel string

const (
	SignalChannel         Channel = "signal"
	SignalLiveChannel     Channel = "signal-live"
	SignalBacktestChannel Channel = "signal-backtest"
	DoneBacktestChannel   Channel = "done-backtest"
	DoneLiveChannel       Channel = "done-live"
	DoneWalkerChannel     Channel = "done-walker"
	ProgressBacktest      Channel = "progress-backtest"
	ProgressWalker        Channel = "progress-walker"
	WalkerStepChannel     Channel = "walker-step"
	WalkerCompleteChannel Channel = "walker-complete"
	PartialProfitChannel  Channel = "partial-profit"
	PartialLossChannel    Channel = "partial-loss"
	RiskRejectedChannel   Channel = "risk-rejected"
	PerformanceChannel    Channel = "performance"
	ValidationChannel     Channel = "validation"
	ErrorChannel          Channel = "error"
	ExitChannel           Channel = "exit"
)

// Event is the envelope delivered to bus subscribers. Every event carries
// the emission instant and execution coordinates alongside a channel
// specific payload.
type Event struct {
	Channel   Channel `json:"channel"`
	Timestamp int64   `json:"timestamp"`
	Symbol    string  `json:"symbol,omitempty"`
	Strategy  string  `json:"strategy,omitempty"`
	Exchange  string  `json:"exchange,omitempty"`
	Backtest  bool    `json:"backtest"`
	Payload   any     `json:"payload,omitempty"`
}

// NewEvent builds an event envelope from the provided execution context.
func NewEvent(channel Channel, ctx Context, payload any) Event {
	return Event{
		Channel:   channel,
		Timestamp: ctx.When,
		Symbol:    ctx.Symbol,
		Strategy:  ctx.Strategy,
		Exchange:  ctx.Exchange,
		Backtest:  ctx.Backtest,
		Payload:   payload,
	}
}

// SignalEvent wraps the full tick result of a lifecycle transition.
type SignalEvent struct {
	Result TickResult `json:"result"`
}

// DoneEvent marks the completion of a driver run.
type DoneEvent struct {
	// Results is the count of terminal results yielded by the run.
	Results int `json:"results"`
}

// ProgressEvent is an advisory progress marker for a backtest or walker run.
type ProgressEvent struct {
	Current int `json:"current"`
	Total   int `json:"total"`
}

// WalkerStepEvent reports the cumulative best candidate after one walker
// child completes.
type WalkerStepEvent struct {
	Candidate       string  `json:"candidate"`
	CandidateMetric float64 `json:"candidateMetric"`
	Best            string  `json:"best"`
	BestMetric      float64 `json:"bestMetric"`
	Step            int     `json:"step"`
	Total           int     `json:"total"`
}

// WalkerCompleteEvent reports the winning candidate of a walker run.
type WalkerCompleteEvent struct {
	Best       string  `json:"best"`
	BestMetric float64 `json:"bestMetric"`
	Metric     string  `json:"metric"`
}

// PartialEvent marks the first crossing of a profit or loss milestone level.
type PartialEvent struct {
	SignalID       string  `json:"signalId"`
	Level          int     `json:"level"`
	RevenuePercent float64 `json:"revenuePercent"`
}

// RiskRejectedEvent reports a risk validation rejection.
type RiskRejectedEvent struct {
	Risk                string `json:"risk"`
	ActivePositionCount int    `json:"activePositionCount"`
	Comment             string `json:"comment"`
}

// PerformanceEvent reports the duration of one live tick.
type PerformanceEvent struct {
	DurationMillis int64 `json:"durationMillis"`
}

// ValidationEvent reports a discarded signal candidate.
type ValidationEvent struct {
	SignalID string `json:"signalId"`
	Reason   string `json:"reason"`
}

// ErrorEvent reports a recoverable fault.
type ErrorEvent struct {
	Op     string `json:"op"`
	Reason string `json:"reason"`
}

// ExitEvent reports an unrecoverable fault terminating a driver pair.
type ExitEvent struct {
	Reason string `json:"reason"`
}
