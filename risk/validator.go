// Package risk implements the portfolio-level gate run before a candidate
// signal opens. A validator owns the shared position map of one risk
// profile; every strategy naming that profile checks against, and records
// into, the same map. Composite profiles combine validators as logical AND.
package risk

import (
	"context"
	"fmt"
	"sync"

	"github.com/dnldd/pulse/bus"
	"github.com/dnldd/pulse/persist"
	"github.com/dnldd/pulse/shared"
	"github.com/rs/zerolog"
)

// PositionKey identifies one active position in a risk profile. Live and
// backtest positions are scoped apart so a walker reset never disturbs live
// state.
type PositionKey struct {
	Strategy string
	Symbol   string
	Backtest bool
}

// Position represents one recorded open position.
type Position struct {
	Strategy string         `json:"strategy"`
	Symbol   string         `json:"symbol"`
	Exchange string         `json:"exchange"`
	OpenedAt int64          `json:"openedAt"`
	Signal   *shared.Signal `json:"signal,omitempty"`
}

// ValidatorConfig represents the risk validator configuration.
type ValidatorConfig struct {
	// Schema is the registered risk schema.
	Schema *shared.RiskSchema
	// Store is the persistence store. Persistence is bypassed for
	// backtest contexts.
	Store *persist.Store
	// Bus is the event bus.
	Bus *bus.Bus
	// Logger represents the application logger.
	Logger *zerolog.Logger
}

// Validator gates signal opens for one risk profile and tracks its shared
// active position map.
type Validator struct {
	cfg *ValidatorConfig

	mtx       sync.Mutex
	loaded    bool
	positions map[PositionKey]*Position
}

// NewValidator initializes a validator for the provided risk schema.
func NewValidator(cfg *ValidatorConfig) *Validator {
	return &Validator{
		cfg:       cfg,
		positions: make(map[PositionKey]*Position),
	}
}

// Name returns the risk profile name.
func (v *Validator) Name() string {
	return v.cfg.Schema.Name
}

// loadLocked restores the persisted position map once a live context first
// touches the validator. Backtest contexts run fully in memory. Callers
// hold the validator lock.
func (v *Validator) loadLocked(ectx shared.Context) {
	if ectx.Backtest || v.loaded {
		return
	}
	v.loaded = true

	var records []Position
	path := v.cfg.Store.NamePath(persist.RiskCategory, v.cfg.Schema.Name)
	ok, err := v.cfg.Store.Read(path, &records)
	if err != nil {
		v.cfg.Logger.Error().Msgf("loading risk positions for %s: %v", v.cfg.Schema.Name, err)
		return
	}
	if !ok {
		return
	}

	for idx := range records {
		record := records[idx]
		v.positions[PositionKey{Strategy: record.Strategy, Symbol: record.Symbol}] = &record
	}
}

// persistLocked writes the live positions of the map. Callers hold the
// validator lock.
func (v *Validator) persistLocked(ectx shared.Context) error {
	if ectx.Backtest {
		return nil
	}

	records := make([]Position, 0, len(v.positions))
	for key, pos := range v.positions {
		if key.Backtest {
			continue
		}
		records = append(records, *pos)
	}

	path := v.cfg.Store.NamePath(persist.RiskCategory, v.cfg.Schema.Name)
	return v.cfg.Store.Write(path, records)
}

// snapshotLocked fills the payload's active position view with the
// positions of the context's execution mode. Callers hold the validator
// lock.
func (v *Validator) snapshotLocked(ectx shared.Context, payload *shared.RiskPayload) {
	positions := make([]shared.ActivePosition, 0, len(v.positions))
	for key, pos := range v.positions {
		if key.Backtest != ectx.Backtest {
			continue
		}
		positions = append(positions, shared.ActivePosition{
			Signal:   pos.Signal,
			Strategy: pos.Strategy,
			Symbol:   pos.Symbol,
			Exchange: pos.Exchange,
			OpenedAt: pos.OpenedAt,
		})
	}

	payload.ActivePositions = positions
	payload.ActivePositionCount = len(positions)
}

// checkLocked runs the validations sequentially in declaration order. The
// first rejection short-circuits. Callers hold the validator lock.
func (v *Validator) checkLocked(ctx context.Context, ectx shared.Context, payload *shared.RiskPayload) error {
	v.snapshotLocked(ectx, payload)

	for idx := range v.cfg.Schema.Validations {
		err := v.cfg.Schema.Validations[idx](ctx, payload)
		if err != nil {
			v.reject(ectx, payload, err)
			return fmt.Errorf("risk %s rejected %s/%s: %w",
				v.cfg.Schema.Name, payload.Strategy, payload.Symbol, err)
		}
	}

	if v.cfg.Schema.Callbacks.OnAllowed != nil {
		v.cfg.Schema.Callbacks.OnAllowed(ectx, payload)
	}

	return nil
}

// reject publishes the rejection and invokes the schema hook.
func (v *Validator) reject(ectx shared.Context, payload *shared.RiskPayload, reason error) {
	v.cfg.Logger.Info().Msgf("risk %s rejected %s/%s: %v",
		v.cfg.Schema.Name, payload.Strategy, payload.Symbol, reason)

	v.cfg.Bus.Publish(shared.NewEvent(shared.RiskRejectedChannel, ectx, shared.RiskRejectedEvent{
		Risk:                v.cfg.Schema.Name,
		ActivePositionCount: payload.ActivePositionCount,
		Comment:             reason.Error(),
	}))

	if v.cfg.Schema.Callbacks.OnRejected != nil {
		v.cfg.Schema.Callbacks.OnRejected(ectx, payload, reason)
	}
}

// Check runs the profile validations against the provided payload without
// recording a position.
func (v *Validator) Check(ctx context.Context, ectx shared.Context, payload *shared.RiskPayload) error {
	v.mtx.Lock()
	defer v.mtx.Unlock()

	v.loadLocked(ectx)

	return v.checkLocked(ctx, ectx, payload)
}

// Approve runs the profile validations and, on acceptance, records the
// provided position. Check and add execute under one lock so concurrent
// opens can never exceed a validation's accept count.
func (v *Validator) Approve(ctx context.Context, ectx shared.Context, payload *shared.RiskPayload, position *Position) error {
	v.mtx.Lock()
	defer v.mtx.Unlock()

	v.loadLocked(ectx)

	err := v.checkLocked(ctx, ectx, payload)
	if err != nil {
		return err
	}

	v.positions[PositionKey{Strategy: position.Strategy, Symbol: position.Symbol, Backtest: ectx.Backtest}] = position

	err = v.persistLocked(ectx)
	if err != nil {
		v.cfg.Logger.Error().Msgf("persisting risk positions for %s: %v", v.cfg.Schema.Name, err)
		v.cfg.Bus.PublishError(ectx, "risk.approve", err)
	}

	return nil
}

// Add records the provided position and persists the map.
func (v *Validator) Add(ectx shared.Context, position *Position) error {
	v.mtx.Lock()
	defer v.mtx.Unlock()

	v.loadLocked(ectx)

	v.positions[PositionKey{Strategy: position.Strategy, Symbol: position.Symbol, Backtest: ectx.Backtest}] = position

	return v.persistLocked(ectx)
}

// Remove deletes the position recorded for the provided pair and persists
// the map.
func (v *Validator) Remove(ectx shared.Context, strategy string, symbol string) error {
	v.mtx.Lock()
	defer v.mtx.Unlock()

	v.loadLocked(ectx)

	delete(v.positions, PositionKey{Strategy: strategy, Symbol: symbol, Backtest: ectx.Backtest})

	return v.persistLocked(ectx)
}

// ActiveCount returns the number of recorded positions.
func (v *Validator) ActiveCount() int {
	v.mtx.Lock()
	defer v.mtx.Unlock()
	return len(v.positions)
}

// ResetBacktest clears the backtest-scoped positions, leaving live
// positions untouched. Walker runs reset children so candidate state never
// leaks across runs.
func (v *Validator) ResetBacktest() {
	v.mtx.Lock()
	defer v.mtx.Unlock()

	for key := range v.positions {
		if key.Backtest {
			delete(v.positions, key)
		}
	}
}
