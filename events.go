package hubclient

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Lifecycle event names published by Manager. Push events from the channel
// are published under their own names.
const (
	EventConnected    = "connected"
	EventDisconnected = "disconnected"
	EventReconnecting = "reconnecting"
	EventReconnected  = "reconnected"
)

// Event is delivered to every handler.
type Event struct {
	Name string
	// Data is the raw push payload; empty for lifecycle events.
	Data json.RawMessage
	// Err is the cause of a disconnect or reconnect, when known.
	Err error
	At  time.Time
}

// Handler receives events.
type Handler func(Event)

// ListenerID identifies one registration returned by EventRouter.On.
type ListenerID uint64

type listener struct {
	id ListenerID
	fn Handler
}

// EventRouter is a publish/subscribe table keyed by event name.
// Handlers run synchronously in registration order; a panicking handler is
// logged and does not stop the ones after it.
type EventRouter struct {
	mu        sync.RWMutex
	listeners map[string][]listener
	nextID    ListenerID
	logger    zerolog.Logger
	metrics   *Metrics
}

func NewEventRouter(logger zerolog.Logger) *EventRouter {
	return &EventRouter{
		listeners: make(map[string][]listener),
		logger:    logger,
	}
}

// On registers h for event. Registering the same function twice yields two
// registrations and two invocations per emission.
func (r *EventRouter) On(event string, h Handler) ListenerID {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	r.listeners[event] = append(r.listeners[event], listener{id: r.nextID, fn: h})
	return r.nextID
}

// Off removes the registration id from event and reports whether it existed.
func (r *EventRouter) Off(event string, id ListenerID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	ls := r.listeners[event]
	for i, l := range ls {
		if l.id != id {
			continue
		}
		// copy so an emission iterating the old slice is unaffected
		next := make([]listener, 0, len(ls)-1)
		next = append(next, ls[:i]...)
		next = append(next, ls[i+1:]...)
		if len(next) == 0 {
			delete(r.listeners, event)
		} else {
			r.listeners[event] = next
		}
		return true
	}
	return false
}

// Emit delivers ev to the handlers registered under ev.Name.
func (r *EventRouter) Emit(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	r.mu.RLock()
	handlers := r.listeners[ev.Name]
	r.mu.RUnlock()

	r.metrics.observeEvent(ev.Name)
	for _, l := range handlers {
		r.invoke(l, ev)
	}
}

func (r *EventRouter) invoke(l listener, ev Event) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().
				Str("event", ev.Name).
				Uint64("listener", uint64(l.id)).
				Err(fmt.Errorf("%v", rec)).
				Msg("event handler panicked")
		}
	}()
	l.fn(ev)
}

// Count returns the number of registrations for event.
func (r *EventRouter) Count(event string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.listeners[event])
}

// Clear drops every registration.
func (r *EventRouter) Clear() {
	r.mu.Lock()
	r.listeners = make(map[string][]listener)
	r.mu.Unlock()
}
