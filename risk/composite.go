package risk

import (
	"context"

	"github.com/dnldd/pulse/shared"
)

// Composite combines risk validators as logical AND: a check succeeds only
// if every child accepts, and position mutations fan out to every child.
// Children share nothing beyond schema; each maintains its own map.
type Composite struct {
	children []*Validator
}

// NewComposite initializes a composite over the provided validators.
func NewComposite(children ...*Validator) *Composite {
	return &Composite{children: children}
}

// Empty asserts the composite has no children, meaning the strategy is not
// risk gated.
func (c *Composite) Empty() bool {
	return len(c.children) == 0
}

// Check runs every child's validations in declaration order. The first
// rejection short-circuits.
func (c *Composite) Check(ctx context.Context, ectx shared.Context, payload *shared.RiskPayload) error {
	for idx := range c.children {
		err := c.children[idx].Check(ctx, ectx, payload)
		if err != nil {
			return err
		}
	}

	return nil
}

// Approve atomically checks and records the position on every child. A
// rejection rolls back the positions already recorded on earlier children.
func (c *Composite) Approve(ctx context.Context, ectx shared.Context, payload *shared.RiskPayload, position *Position) error {
	for idx := range c.children {
		err := c.children[idx].Approve(ctx, ectx, payload, position)
		if err != nil {
			for rollback := idx - 1; rollback >= 0; rollback-- {
				c.children[rollback].Remove(ectx, position.Strategy, position.Symbol)
			}

			return err
		}
	}

	return nil
}

// Add records the position on every child.
func (c *Composite) Add(ectx shared.Context, position *Position) error {
	for idx := range c.children {
		err := c.children[idx].Add(ectx, position)
		if err != nil {
			return err
		}
	}

	return nil
}

// Remove deletes the pair's position from every child.
func (c *Composite) Remove(ectx shared.Context, strategy string, symbol string) error {
	var firstErr error
	for idx := range c.children {
		err := c.children[idx].Remove(ectx, strategy, symbol)
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

// ResetBacktest clears every child's backtest-scoped positions.
func (c *Composite) ResetBacktest() {
	for idx := range c.children {
		c.children[idx].ResetBacktest()
	}
}
