package risk

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/dnldd/pulse/bus"
	"github.com/dnldd/pulse/persist"
	"github.com/dnldd/pulse/shared"
	"github.com/peterldowns/testy/assert"
	"github.com/rs/zerolog"
)

// capValidation rejects when the active position count reaches the cap.
func capValidation(cap int) shared.RiskValidation {
	return func(_ context.Context, payload *shared.RiskPayload) error {
		if payload.ActivePositionCount >= cap {
			return fmt.Errorf("active position count %d at cap %d", payload.ActivePositionCount, cap)
		}
		return nil
	}
}

func newTestValidator(t *testing.T, schema *shared.RiskSchema) (*Validator, *bus.Bus) {
	t.Helper()

	logger := zerolog.Nop()
	eventBus := bus.NewBus(&bus.BusConfig{Logger: &logger})
	t.Cleanup(eventBus.Close)

	store := persist.NewStore(&persist.StoreConfig{Root: t.TempDir(), Logger: &logger})

	return NewValidator(&ValidatorConfig{
		Schema: schema,
		Store:  store,
		Bus:    eventBus,
		Logger: &logger,
	}), eventBus
}

func backtestCtx(strategy string) shared.Context {
	return shared.NewBacktestContext("BTCUSDT", strategy, "test", "frame", 1_000)
}

func payloadFor(ectx shared.Context) *shared.RiskPayload {
	return &shared.RiskPayload{
		Symbol:       ectx.Symbol,
		Strategy:     ectx.Strategy,
		Exchange:     ectx.Exchange,
		CurrentPrice: 100,
		Timestamp:    ectx.When,
	}
}

func TestCheckRunsValidationsInOrder(t *testing.T) {
	var order []int
	schema := &shared.RiskSchema{
		Name: "ordered",
		Validations: []shared.RiskValidation{
			func(_ context.Context, _ *shared.RiskPayload) error {
				order = append(order, 1)
				return nil
			},
			func(_ context.Context, _ *shared.RiskPayload) error {
				order = append(order, 2)
				return fmt.Errorf("rejecting")
			},
			func(_ context.Context, _ *shared.RiskPayload) error {
				order = append(order, 3)
				return nil
			},
		},
	}

	validator, _ := newTestValidator(t, schema)
	ectx := backtestCtx("a")

	err := validator.Check(context.Background(), ectx, payloadFor(ectx))
	if err == nil {
		t.Fatal("expected the second validation to reject")
	}

	// The first rejection short-circuits: the third validation never runs.
	assert.Equal(t, order, []int{1, 2})
}

func TestRejectionPublishesEvent(t *testing.T) {
	schema := &shared.RiskSchema{
		Name:        "cap0",
		Validations: []shared.RiskValidation{capValidation(0)},
	}

	validator, eventBus := newTestValidator(t, schema)

	var mtx sync.Mutex
	var rejections []shared.RiskRejectedEvent
	sub := eventBus.Subscribe(func(event shared.Event) {
		mtx.Lock()
		rejections = append(rejections, event.Payload.(shared.RiskRejectedEvent))
		mtx.Unlock()
	}, shared.RiskRejectedChannel)

	ectx := backtestCtx("a")
	err := validator.Check(context.Background(), ectx, payloadFor(ectx))
	if err == nil {
		t.Fatal("expected rejection")
	}

	sub.Close()

	mtx.Lock()
	defer mtx.Unlock()
	assert.Equal(t, len(rejections), 1)
	assert.Equal(t, rejections[0].Risk, "cap0")
}

func TestApproveRecordsPosition(t *testing.T) {
	schema := &shared.RiskSchema{
		Name:        "cap2",
		Validations: []shared.RiskValidation{capValidation(2)},
	}

	validator, _ := newTestValidator(t, schema)

	for idx, strategy := range []string{"a", "b"} {
		ectx := backtestCtx(strategy)
		err := validator.Approve(context.Background(), ectx, payloadFor(ectx), &Position{
			Strategy: strategy,
			Symbol:   ectx.Symbol,
			Exchange: ectx.Exchange,
			OpenedAt: ectx.When,
		})
		if err != nil {
			t.Fatalf("approve %d: %v", idx, err)
		}
	}

	assert.Equal(t, validator.ActiveCount(), 2)

	ectx := backtestCtx("c")
	err := validator.Approve(context.Background(), ectx, payloadFor(ectx), &Position{
		Strategy: "c", Symbol: ectx.Symbol, Exchange: ectx.Exchange, OpenedAt: ectx.When,
	})
	if err == nil {
		t.Fatal("expected the third open to be rejected at cap 2")
	}
	assert.Equal(t, validator.ActiveCount(), 2)
}

// TestSharedCapUnderConcurrency drives many concurrent opens against a
// shared cap and asserts the observed concurrent count never exceeds it.
func TestSharedCapUnderConcurrency(t *testing.T) {
	const cap = 3
	const attempts = 1000

	schema := &shared.RiskSchema{
		Name:        "cap3",
		Validations: []shared.RiskValidation{capValidation(cap)},
	}
	validator, _ := newTestValidator(t, schema)

	var wg sync.WaitGroup
	for idx := 0; idx < attempts; idx++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()

			strategy := fmt.Sprintf("s%d", idx)
			ectx := backtestCtx(strategy)
			err := validator.Approve(context.Background(), ectx, payloadFor(ectx), &Position{
				Strategy: strategy,
				Symbol:   ectx.Symbol,
				Exchange: ectx.Exchange,
				OpenedAt: ectx.When,
			})
			if err == nil && idx%2 == 0 {
				// Half of the successful opens close immediately, freeing
				// capacity for later attempts.
				validator.Remove(ectx, strategy, ectx.Symbol)
			}

			if count := validator.ActiveCount(); count > cap {
				t.Errorf("observed concurrent count %d exceeds cap %d", count, cap)
			}
		}(idx)
	}
	wg.Wait()

	if validator.ActiveCount() > cap {
		t.Fatalf("final count %d exceeds cap %d", validator.ActiveCount(), cap)
	}
}

func TestCompositeAndSemantics(t *testing.T) {
	accept := &shared.RiskSchema{Name: "accept", Validations: []shared.RiskValidation{capValidation(10)}}
	rejectSchema := &shared.RiskSchema{Name: "reject", Validations: []shared.RiskValidation{capValidation(0)}}

	acceptValidator, _ := newTestValidator(t, accept)
	rejectValidator, _ := newTestValidator(t, rejectSchema)

	composite := NewComposite(acceptValidator, rejectValidator)
	ectx := backtestCtx("a")

	err := composite.Approve(context.Background(), ectx, payloadFor(ectx), &Position{
		Strategy: "a", Symbol: ectx.Symbol, Exchange: ectx.Exchange, OpenedAt: ectx.When,
	})
	if err == nil {
		t.Fatal("expected composite rejection")
	}

	// The rejection rolled back the position recorded on the first child.
	assert.Equal(t, acceptValidator.ActiveCount(), 0)
	assert.Equal(t, rejectValidator.ActiveCount(), 0)
}

func TestCompositeFanOut(t *testing.T) {
	a := &shared.RiskSchema{Name: "a", Validations: []shared.RiskValidation{capValidation(10)}}
	b := &shared.RiskSchema{Name: "b", Validations: []shared.RiskValidation{capValidation(10)}}

	av, _ := newTestValidator(t, a)
	bv, _ := newTestValidator(t, b)
	composite := NewComposite(av, bv)

	ectx := backtestCtx("s")
	err := composite.Add(ectx, &Position{Strategy: "s", Symbol: ectx.Symbol, OpenedAt: ectx.When})
	assert.NoError(t, err)
	assert.Equal(t, av.ActiveCount(), 1)
	assert.Equal(t, bv.ActiveCount(), 1)

	err = composite.Remove(ectx, "s", ectx.Symbol)
	assert.NoError(t, err)
	assert.Equal(t, av.ActiveCount(), 0)
	assert.Equal(t, bv.ActiveCount(), 0)
}

func TestResetBacktestKeepsLivePositions(t *testing.T) {
	schema := &shared.RiskSchema{Name: "mixed", Validations: []shared.RiskValidation{capValidation(10)}}
	validator, _ := newTestValidator(t, schema)

	liveCtx := shared.NewLiveContext("BTCUSDT", "s", "test")
	err := validator.Add(liveCtx, &Position{Strategy: "s", Symbol: "BTCUSDT", Exchange: "test", OpenedAt: liveCtx.When})
	assert.NoError(t, err)

	btx := backtestCtx("w")
	err = validator.Add(btx, &Position{Strategy: "w", Symbol: btx.Symbol, Exchange: btx.Exchange, OpenedAt: btx.When})
	assert.NoError(t, err)
	assert.Equal(t, validator.ActiveCount(), 2)

	// A walker reset clears only the backtest-scoped positions.
	validator.ResetBacktest()
	assert.Equal(t, validator.ActiveCount(), 1)

	payload := payloadFor(liveCtx)
	err = validator.Check(context.Background(), liveCtx, payload)
	assert.NoError(t, err)
	assert.Equal(t, payload.ActivePositionCount, 1)
	assert.Equal(t, payload.ActivePositions[0].Strategy, "s")
}

func TestBacktestPositionsNeverPersist(t *testing.T) {
	logger := zerolog.Nop()
	eventBus := bus.NewBus(&bus.BusConfig{Logger: &logger})
	defer eventBus.Close()

	root := t.TempDir()
	store := persist.NewStore(&persist.StoreConfig{Root: root, Logger: &logger})
	schema := &shared.RiskSchema{Name: "durable", Validations: []shared.RiskValidation{capValidation(10)}}

	first := NewValidator(&ValidatorConfig{Schema: schema, Store: store, Bus: eventBus, Logger: &logger})
	liveCtx := shared.NewLiveContext("BTCUSDT", "s", "test")
	err := first.Add(liveCtx, &Position{Strategy: "s", Symbol: "BTCUSDT", Exchange: "test", OpenedAt: liveCtx.When})
	assert.NoError(t, err)

	btx := backtestCtx("w")
	err = first.Add(btx, &Position{Strategy: "w", Symbol: btx.Symbol, Exchange: btx.Exchange, OpenedAt: btx.When})
	assert.NoError(t, err)

	// A backtest check against a fresh validator sees nothing and must not
	// block the later live load.
	second := NewValidator(&ValidatorConfig{Schema: schema, Store: store, Bus: eventBus, Logger: &logger})
	btxPayload := payloadFor(btx)
	err = second.Check(context.Background(), btx, btxPayload)
	assert.NoError(t, err)
	assert.Equal(t, btxPayload.ActivePositionCount, 0)

	// Only the live position was written.
	payload := payloadFor(liveCtx)
	err = second.Check(context.Background(), liveCtx, payload)
	assert.NoError(t, err)
	assert.Equal(t, payload.ActivePositionCount, 1)
	assert.Equal(t, payload.ActivePositions[0].Strategy, "s")
}

func TestPersistedPositionsReload(t *testing.T) {
	logger := zerolog.Nop()
	eventBus := bus.NewBus(&bus.BusConfig{Logger: &logger})
	defer eventBus.Close()

	root := t.TempDir()
	store := persist.NewStore(&persist.StoreConfig{Root: root, Logger: &logger})
	schema := &shared.RiskSchema{Name: "durable", Validations: []shared.RiskValidation{capValidation(10)}}

	first := NewValidator(&ValidatorConfig{Schema: schema, Store: store, Bus: eventBus, Logger: &logger})
	ectx := shared.NewLiveContext("BTCUSDT", "s", "test")

	err := first.Add(ectx, &Position{Strategy: "s", Symbol: "BTCUSDT", Exchange: "test", OpenedAt: ectx.When})
	assert.NoError(t, err)

	// A fresh validator over the same store observes the recorded position.
	second := NewValidator(&ValidatorConfig{Schema: schema, Store: store, Bus: eventBus, Logger: &logger})
	payload := payloadFor(ectx)
	err = second.Check(context.Background(), ectx, payload)
	assert.NoError(t, err)
	assert.Equal(t, payload.ActivePositionCount, 1)
	assert.Equal(t, payload.ActivePositions[0].Strategy, "s")
}
