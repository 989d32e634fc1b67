package toolexecutor

import (
	"sync"
	"sync/atomic"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog/log"
)

// EventType identifies a state transition published on the event bus.
type EventType string

const (
	EventRegistered          EventType = "registered"
	EventUnregistered        EventType = "unregistered"
	EventExecutionStarted    EventType = "execution-started"
	EventExecutionCompleted  EventType = "execution-completed"
	EventExecutionFailed     EventType = "execution-failed"
	EventExecutionCancelled  EventType = "execution-cancelled"
	EventCircuitStateChanged EventType = "circuit-state-changed"
)

// DefaultSubscriptionBuffer is the channel size used by SubscribeFunc.
const DefaultSubscriptionBuffer = 256

// Event is a notification about a registry or execution transition.
// Error carries a sanitized message only.
type Event struct {
	ID          string            `json:"id"`
	Type        EventType         `json:"type"`
	Timestamp   time.Time         `json:"timestamp"`
	ToolID      string            `json:"tool_id,omitempty"`
	Domain      string            `json:"domain,omitempty"`
	ExecutionID string            `json:"execution_id,omitempty"`
	Duration    time.Duration     `json:"duration,omitempty"`
	Error       string            `json:"error,omitempty"`
	Data        map[string]string `json:"data,omitempty"`
}

// Subscription receives events on a buffered channel.
type Subscription struct {
	id    uint64
	ch    chan Event
	types map[EventType]struct{}
	bus   *EventBus
	once  sync.Once
}

// C returns the subscription channel. It is closed on Unsubscribe or bus Close.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Unsubscribe detaches the subscription and closes its channel.
func (s *Subscription) Unsubscribe() {
	s.bus.remove(s)
}

func (s *Subscription) wants(t EventType) bool {
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[t]
	return ok
}

// EventBus fans events out to subscribers without ever blocking the publisher.
// A subscriber whose buffer is full misses the event; drops are counted.
type EventBus struct {
	mu      sync.RWMutex
	subs    map[uint64]*Subscription
	nextID  uint64
	closed  bool
	dropped atomic.Uint64
	wg      sync.WaitGroup
}

// NewEventBus creates an event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subs: make(map[uint64]*Subscription),
	}
}

// Subscribe returns a subscription for the given event types (all types when none given).
func (b *EventBus) Subscribe(buffer int, types ...EventType) *Subscription {
	if buffer <= 0 {
		buffer = DefaultSubscriptionBuffer
	}

	sub := &Subscription{
		ch:  make(chan Event, buffer),
		bus: b,
	}
	if len(types) > 0 {
		sub.types = make(map[EventType]struct{}, len(types))
		for _, t := range types {
			sub.types[t] = struct{}{}
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(sub.ch)
		sub.once.Do(func() {})
		return sub
	}

	b.nextID++
	sub.id = b.nextID
	b.subs[sub.id] = sub
	return sub
}

// SubscribeFunc runs handler on its own goroutine for every matching event.
// Panics in handler are recovered and logged. The returned func unsubscribes.
// Handlers must not call Close.
func (b *EventBus) SubscribeFunc(handler func(Event), types ...EventType) func() {
	sub := b.Subscribe(DefaultSubscriptionBuffer, types...)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for event := range sub.ch {
			dispatchEvent(handler, event)
		}
	}()

	return sub.Unsubscribe
}

func dispatchEvent(handler func(Event), event Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("event", string(event.Type)).
				Interface("panic", r).
				Msg("Event handler panicked")
		}
	}()
	handler(event)
}

// Publish delivers event to every matching subscriber. It never blocks.
func (b *EventBus) Publish(event Event) {
	if event.ID == "" {
		event.ID, _ = gonanoid.New()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, sub := range b.subs {
		if !sub.wants(event.Type) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			b.dropped.Add(1)
			log.Warn().
				Str("event", string(event.Type)).
				Uint64("subscription", sub.id).
				Msg("Event subscriber buffer full, event dropped")
		}
	}
}

// Dropped returns the number of events dropped because a subscriber was full.
func (b *EventBus) Dropped() uint64 {
	return b.dropped.Load()
}

func (b *EventBus) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub.once.Do(func() {
		delete(b.subs, sub.id)
		close(sub.ch)
	})
}

// Close detaches all subscribers and waits for SubscribeFunc handlers to
// drain their buffered events. Close is idempotent.
func (b *EventBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, sub := range b.subs {
		sub.once.Do(func() {
			close(sub.ch)
		})
	}
	b.subs = make(map[uint64]*Subscription)
	b.mu.Unlock()

	b.wg.Wait()
}
