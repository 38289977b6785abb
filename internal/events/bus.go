// Package events carries state changes from the scanner core to observers.
package events

import (
	"log/slog"
	"slices"
	"sync"
)

// Event types
const (
	PeripheralDiscovered = "peripheral_discovered"
	PeripheralUpdated    = "peripheral_updated"
	IndicatorChanged     = "indicator_changed"
	PeripheralAdmitted   = "peripheral_admitted"
	ViewReset            = "view_reset"
	FiltersChanged       = "filters_changed"
	SessionStarted       = "session_started"
	SessionFinished      = "session_finished"
)

// Event is a single notification about the scan. Peripheral is empty for
// scan-wide events such as ViewReset.
type Event struct {
	Type       string `json:"type"`
	Peripheral string `json:"peripheral,omitempty"`
	Data       any    `json:"data,omitempty"`
}

// Payload returns the event data as T.
func Payload[T any](e Event) (T, bool) {
	v, ok := e.Data.(T)
	return v, ok
}

// Handler is a callback for events.
type Handler func(Event)

// Filter selects events for a subscription. Empty fields match everything.
type Filter struct {
	Types      []string
	Peripheral string
}

func (f Filter) match(e Event) bool {
	if len(f.Types) > 0 && !slices.Contains(f.Types, e.Type) {
		return false
	}
	return f.Peripheral == "" || f.Peripheral == e.Peripheral
}

type subscription struct {
	id      uint64
	filter  Filter
	handler Handler
}

// Bus fans events out to subscribers in subscription order.
type Bus struct {
	mu     sync.RWMutex
	subs   []subscription
	nextID uint64
	logger *slog.Logger
}

// NewBus creates a new event bus.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{logger: logger}
}

// Subscribe registers handler for events matching f and returns an
// unsubscribe function.
func (b *Bus) Subscribe(f Filter, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.subs = append(b.subs, subscription{id: id, filter: f, handler: handler})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.subs = slices.DeleteFunc(b.subs, func(s subscription) bool { return s.id == id })
	}
}

// On registers a handler for the given event types.
func (b *Bus) On(eventType string, handler Handler, more ...string) func() {
	return b.Subscribe(Filter{Types: append([]string{eventType}, more...)}, handler)
}

// OnAll registers a handler that receives all events.
func (b *Bus) OnAll(handler Handler) func() {
	return b.Subscribe(Filter{}, handler)
}

// OnPeripheral registers a handler for every event about one peripheral.
func (b *Bus) OnPeripheral(id string, handler Handler) func() {
	return b.Subscribe(Filter{Peripheral: id}, handler)
}

// Emit delivers an event to every matching subscriber. A nil bus discards
// events. Handlers run synchronously on the caller's goroutine, so they must
// not block the scanner; a panicking handler is recovered.
func (b *Bus) Emit(event Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	var handlers []Handler
	for _, s := range b.subs {
		if s.filter.match(event) {
			handlers = append(handlers, s.handler)
		}
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		b.deliver(h, event)
	}
}

func (b *Bus) deliver(h Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panic", "type", event.Type, "peripheral", event.Peripheral, "panic", r)
		}
	}()
	h(event)
}
