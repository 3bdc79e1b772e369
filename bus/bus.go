// Package bus implements the typed event bus. Publishers never block:
// events are appended to a per-subscriber queue drained sequentially by a
// dedicated worker, so every subscriber observes events in emission order.
// Queues are unbounded by design; event volume is bounded by tick cadence.
package bus

import (
	"fmt"
	"sync"

	"github.com/dnldd/pulse/shared"
	"github.com/rs/zerolog"
)

// Callback processes one delivered event. Callbacks on the same
// subscription run strictly sequentially.
type Callback func(event shared.Event)

// Subscription represents one bus subscriber with its delivery queue.
type Subscription struct {
	channels map[shared.Channel]struct{}
	callback Callback

	mtx    sync.Mutex
	cond   *sync.Cond
	queue  []shared.Event
	closed bool
	done   chan struct{}
}

// matches asserts the subscription listens on the provided channel.
func (s *Subscription) matches(channel shared.Channel) bool {
	if len(s.channels) == 0 {
		return true
	}

	_, ok := s.channels[channel]
	return ok
}

// enqueue appends the event to the delivery queue.
func (s *Subscription) enqueue(event shared.Event) {
	s.mtx.Lock()
	if !s.closed {
		s.queue = append(s.queue, event)
	}
	s.mtx.Unlock()
	s.cond.Signal()
}

// run drains the delivery queue until the subscription closes.
func (s *Subscription) run() {
	defer close(s.done)

	for {
		s.mtx.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}

		if len(s.queue) == 0 && s.closed {
			s.mtx.Unlock()
			return
		}

		event := s.queue[0]
		s.queue = s.queue[1:]
		s.mtx.Unlock()

		s.callback(event)
	}
}

// Close stops delivery after the pending queue drains.
func (s *Subscription) Close() {
	s.mtx.Lock()
	s.closed = true
	s.mtx.Unlock()
	s.cond.Signal()
	<-s.done
}

// Pending returns the current queue depth.
func (s *Subscription) Pending() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	return len(s.queue)
}

// BusConfig represents the event bus configuration.
type BusConfig struct {
	// Logger represents the application logger.
	Logger *zerolog.Logger
}

// Bus is a set of typed multi-consumer broadcast channels.
type Bus struct {
	cfg    *BusConfig
	mtx    sync.RWMutex
	subs   []*Subscription
	closed bool
}

// NewBus initializes a new event bus.
func NewBus(cfg *BusConfig) *Bus {
	return &Bus{
		cfg: cfg,
	}
}

// Subscribe registers a callback for the provided channels. Subscribing to
// no channels delivers every event. The returned subscription must be
// closed when no longer needed.
func (b *Bus) Subscribe(callback Callback, channels ...shared.Channel) *Subscription {
	set := make(map[shared.Channel]struct{}, len(channels))
	for idx := range channels {
		set[channels[idx]] = struct{}{}
	}

	sub := &Subscription{
		channels: set,
		done:     make(chan struct{}),
	}
	sub.cond = sync.NewCond(&sub.mtx)
	sub.callback = func(event shared.Event) {
		defer func() {
			if r := recover(); r != nil {
				b.cfg.Logger.Error().Msgf("subscriber callback panic on %s: %v", event.Channel, r)
			}
		}()
		callback(event)
	}

	b.mtx.Lock()
	b.subs = append(b.subs, sub)
	b.mtx.Unlock()

	go sub.run()

	return sub
}

// Publish delivers the event to every matching subscriber without blocking.
func (b *Bus) Publish(event shared.Event) {
	b.mtx.RLock()
	defer b.mtx.RUnlock()

	if b.closed {
		return
	}

	for idx := range b.subs {
		if b.subs[idx].matches(event.Channel) {
			b.subs[idx].enqueue(event)
		}
	}
}

// PublishError publishes a recoverable fault on the error channel.
func (b *Bus) PublishError(ectx shared.Context, op string, err error) {
	b.Publish(shared.NewEvent(shared.ErrorChannel, ectx, shared.ErrorEvent{
		Op:     op,
		Reason: fmt.Sprintf("%v", err),
	}))
}

// Close drains and stops every subscription.
func (b *Bus) Close() {
	b.mtx.Lock()
	if b.closed {
		b.mtx.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = nil
	b.mtx.Unlock()

	for idx := range subs {
		subs[idx].Close()
	}
}
