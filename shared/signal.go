package shared

import (
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"
)

// Direction represents the position direction of a signal.
type Direction int

const (
	Long Direction = iota
	Short
)

// String stringifies the provided direction.
func (d Direction) String() string {
	switch d {
	case Long:
		return "long"
	case Short:
		return "short"
	default:
		return "unknown"
	}
}

// SignalCandidate is the shape returned by a strategy consultation. A zero
// OpenTarget requests immediate market entry at the next average price.
type SignalCandidate struct {
	ID               string
	Direction        Direction
	TakeProfit       float64
	StopLoss         float64
	EstimatedMinutes int64
	OpenTarget       float64
	Note             string
}

// Signal represents the single non-terminal signal owned by a
// (symbol, strategy) pair. A signal starts either scheduled (awaiting its
// open target) or opened (filled at the prevailing average price), and is
// monitored until take profit, stop loss or time expiry closes it.
type Signal struct {
	ID               string    `json:"id"`
	Symbol           string    `json:"symbol"`
	Strategy         string    `json:"strategy"`
	Exchange         string    `json:"exchange"`
	Direction        Direction `json:"direction"`
	TakeProfit       float64   `json:"takeProfit"`
	StopLoss         float64   `json:"stopLoss"`
	EstimatedMinutes int64     `json:"estimatedMinutes"`
	// OpenTarget is the limit trigger for a scheduled signal, zero for
	// market entries.
	OpenTarget float64 `json:"openTarget,omitempty"`
	// Open is the actual fill price (an average price), set once opened.
	Open        float64 `json:"open,omitempty"`
	ScheduledAt int64   `json:"scheduledAt"`
	PendingAt   int64   `json:"pendingAt"`
	OpenedAt    int64   `json:"openedAt,omitempty"`
	Note        string  `json:"note,omitempty"`
}

// NewSignal builds a signal from the provided candidate, generating an id
// when the strategy did not supply one.
func NewSignal(ctx Context, candidate *SignalCandidate) *Signal {
	id := candidate.ID
	if id == "" {
		id = uuid.New().String()
	}

	return &Signal{
		ID:               id,
		Symbol:           ctx.Symbol,
		Strategy:         ctx.Strategy,
		Exchange:         ctx.Exchange,
		Direction:        candidate.Direction,
		TakeProfit:       candidate.TakeProfit,
		StopLoss:         candidate.StopLoss,
		EstimatedMinutes: candidate.EstimatedMinutes,
		OpenTarget:       candidate.OpenTarget,
		ScheduledAt:      ctx.When,
		PendingAt:        ctx.When,
		Note:             candidate.Note,
	}
}

// Scheduled asserts the signal is awaiting its open target.
func (s *Signal) Scheduled() bool {
	return s.OpenTarget != 0 && s.OpenedAt == 0
}

// Opened asserts the signal has been filled and is being monitored.
func (s *Signal) Opened() bool {
	return s.OpenedAt != 0
}

// ReferencePrice returns the price the signal invariants are validated
// against: the fill price once opened, otherwise the open target.
func (s *Signal) ReferencePrice(currentPrice float64) float64 {
	switch {
	case s.Open != 0:
		return s.Open
	case s.OpenTarget != 0:
		return s.OpenTarget
	default:
		return currentPrice
	}
}

// Validate asserts the signal satisfies the price and lifetime invariants
// relative to the provided reference price.
func (s *Signal) Validate(params *Params, currentPrice float64) error {
	var errs error

	ref := s.ReferencePrice(currentPrice)
	if ref <= 0 || math.IsNaN(ref) || math.IsInf(ref, 0) {
		return fmt.Errorf("signal %s has no usable reference price", s.ID)
	}

	switch s.Direction {
	case Long:
		if !(s.TakeProfit > ref && ref > s.StopLoss) {
			errs = errors.Join(errs, fmt.Errorf("long signal %s requires take profit %f > price %f > stop loss %f",
				s.ID, s.TakeProfit, ref, s.StopLoss))
		}
	case Short:
		if !(s.TakeProfit < ref && ref < s.StopLoss) {
			errs = errors.Join(errs, fmt.Errorf("short signal %s requires take profit %f < price %f < stop loss %f",
				s.ID, s.TakeProfit, ref, s.StopLoss))
		}
	default:
		errs = errors.Join(errs, fmt.Errorf("signal %s has an unknown direction", s.ID))
	}

	tpPercent := math.Abs(s.TakeProfit-ref) / ref * 100
	if tpPercent < params.MinTakeProfitPercent() {
		errs = errors.Join(errs, fmt.Errorf("signal %s take profit distance %.4f%% below minimum %.4f%%",
			s.ID, tpPercent, params.MinTakeProfitPercent()))
	}

	slPercent := math.Abs(s.StopLoss-ref) / ref * 100
	if slPercent < params.MinStopLossPercent() {
		errs = errors.Join(errs, fmt.Errorf("signal %s stop loss distance %.4f%% below minimum %.4f%%",
			s.ID, slPercent, params.MinStopLossPercent()))
	}
	if slPercent > params.MaxStopLossPercent() {
		errs = errors.Join(errs, fmt.Errorf("signal %s stop loss distance %.4f%% above maximum %.4f%%",
			s.ID, slPercent, params.MaxStopLossPercent()))
	}

	if s.EstimatedMinutes <= 0 {
		errs = errors.Join(errs, fmt.Errorf("signal %s requires a positive estimated lifetime", s.ID))
	}
	if s.EstimatedMinutes > params.MaxLifetimeMinutes() {
		errs = errors.Join(errs, fmt.Errorf("signal %s estimated lifetime %d exceeds maximum %d minutes",
			s.ID, s.EstimatedMinutes, params.MaxLifetimeMinutes()))
	}

	return errs
}
