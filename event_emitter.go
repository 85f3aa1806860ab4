package cable

import (
	"sync"
)

type callback[V any] func(V)

type binding[V any] struct {
	ref int
	fn  callback[V]
}

// EventEmitter maps events (of type K) to ordered lists of listener
// callbacks. On returns a binding ref which is the handle for removing that
// listener later; Go functions are not comparable, so identity has to be
// explicit.
type EventEmitter[K comparable, V any] struct {
	listeners map[K][]binding[V]
	nextRef   int
	lock      sync.RWMutex
}

// NewEventEmitter creates a new EventEmitter and returns a pointer to it.
func NewEventEmitter[K comparable, V any]() *EventEmitter[K, V] {
	return &EventEmitter[K, V]{
		listeners: make(map[K][]binding[V]),
	}
}

// On registers a new listener for the given event and returns its binding
// ref. Listeners fire in registration order.
func (e *EventEmitter[K, V]) On(event K, listener callback[V]) int {
	e.lock.Lock()
	defer e.lock.Unlock()

	e.nextRef++
	e.listeners[event] = append(e.listeners[event], binding[V]{
		ref: e.nextRef,
		fn:  listener,
	})
	return e.nextRef
}

// Off removes the listener registered under ref for the given event.
// Removing from an event that has no listeners at all reports
// ErrUnknownEvent; a ref that is already gone is a no-op.
func (e *EventEmitter[K, V]) Off(event K, ref int) error {
	e.lock.Lock()
	defer e.lock.Unlock()

	bindings, found := e.listeners[event]
	if !found {
		return ErrUnknownEvent
	}

	for i, b := range bindings {
		if b.ref == ref {
			e.listeners[event] = append(bindings[:i:i], bindings[i+1:]...)
			break
		}
	}
	if len(e.listeners[event]) == 0 {
		delete(e.listeners, event)
	}
	return nil
}

// OffAll removes every listener for the given event.
func (e *EventEmitter[K, V]) OffAll(event K) error {
	e.lock.Lock()
	defer e.lock.Unlock()

	if _, found := e.listeners[event]; !found {
		return ErrUnknownEvent
	}
	delete(e.listeners, event)
	return nil
}

// Emit triggers all listeners registered for the given event synchronously,
// in registration order. The listener list is snapshotted first, so a
// listener may register or remove listeners without deadlocking; such
// changes take effect on the next Emit.
func (e *EventEmitter[K, V]) Emit(event K, data V) {
	e.lock.RLock()
	bindings, found := e.listeners[event]
	if !found {
		e.lock.RUnlock()
		return
	}
	snapshot := make([]binding[V], len(bindings))
	copy(snapshot, bindings)
	e.lock.RUnlock()

	for _, b := range snapshot {
		b.fn(data)
	}
}

// Has reports whether at least one listener is registered for the event.
func (e *EventEmitter[K, V]) Has(event K) bool {
	e.lock.RLock()
	defer e.lock.RUnlock()

	return len(e.listeners[event]) > 0
}

// Close removes all listeners to prevent memory leaks.
func (e *EventEmitter[K, V]) Close() {
	e.lock.Lock()
	defer e.lock.Unlock()

	e.listeners = make(map[K][]binding[V])
}
