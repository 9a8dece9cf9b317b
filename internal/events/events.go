// Package events provides the process-wide catalog-changed broadcast.
package events

import "sync"

// Change describes a catalog mutation. ItemID is empty when the change is
// not tied to a single item (e.g. a bulk import).
type Change struct {
	ItemID string
}

// Bus fans catalog-changed events out to subscribers.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]func(Change)
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]func(Change))}
}

// Subscribe registers fn and returns a func that removes it.
func (b *Bus) Subscribe(fn func(Change)) (unsubscribe func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// Publish delivers c to every subscriber synchronously, in no particular order.
func (b *Bus) Publish(c Change) {
	b.mu.RLock()
	fns := make([]func(Change), 0, len(b.subs))
	for _, fn := range b.subs {
		fns = append(fns, fn)
	}
	b.mu.RUnlock()

	for _, fn := range fns {
		fn(c)
	}
}
