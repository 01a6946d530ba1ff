package ble

import (
	"log/slog"
	"sync"

	"github.com/chaz8081/decora-ble/internal/ble/protocol"
)

// StateListener is called with every new device state.
type StateListener func(state protocol.DeviceState)

type listenerEntry struct {
	id uint64
	fn StateListener
}

// Listeners is an ordered registry of state listeners. Each registration gets
// its own id, so registering the same function twice yields two entries that
// are removed independently. Safe for concurrent use.
type Listeners struct {
	mu      sync.Mutex
	nextID  uint64
	entries []listenerEntry
}

// NewListeners returns an empty registry.
func NewListeners() *Listeners {
	return &Listeners{}
}

// Register appends fn and returns a function that removes exactly this
// registration. Calling the returned function more than once is a no-op.
func (l *Listeners) Register(fn StateListener) (unregister func()) {
	l.mu.Lock()
	l.nextID++
	id := l.nextID
	l.entries = append(l.entries, listenerEntry{id: id, fn: fn})
	l.mu.Unlock()

	return func() { l.remove(id) }
}

func (l *Listeners) remove(id uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, e := range l.entries {
		if e.id == id {
			l.entries = append(l.entries[:i:i], l.entries[i+1:]...)
			return
		}
	}
}

// Len returns the number of registered listeners.
func (l *Listeners) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Broadcast calls every listener registered at the time of the call, one
// after another in registration order. A listener that panics is logged and
// skipped. Listeners may unregister themselves from inside the callback.
func (l *Listeners) Broadcast(state protocol.DeviceState) {
	l.mu.Lock()
	entries := make([]listenerEntry, len(l.entries))
	copy(entries, l.entries)
	l.mu.Unlock()

	for _, e := range entries {
		l.deliver(e, state)
	}
}

func (l *Listeners) deliver(e listenerEntry, state protocol.DeviceState) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("[BLE] state listener panicked", "listener", e.id, "state", state.String(), "panic", r)
		}
	}()
	e.fn(state)
}
