package planner

import "sync"

// Broadcast holds the latest value of a piece of state and hands it to every
// subscriber when it changes. Subscribers never see an older value after a
// newer one, and must not call Store on the same Broadcast.
type Broadcast[T any] struct {
	mu      sync.Mutex
	value   T
	version uint64
	subs    map[int]func(T)
	nextID  int

	deliverMu sync.Mutex
	delivered uint64
}

// NewBroadcast returns a Broadcast holding initial.
func NewBroadcast[T any](initial T) *Broadcast[T] {
	return &Broadcast[T]{value: initial, subs: make(map[int]func(T))}
}

// Load returns the current value.
func (b *Broadcast[T]) Load() T {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.value
}

// Store replaces the value and notifies subscribers.
func (b *Broadcast[T]) Store(v T) {
	b.flush(b.stage(v))
}

// stage records v without notifying. Callers that compute v under their own
// lock stage it there and flush after unlocking, so the order of values
// matches the order of the state they were computed from.
func (b *Broadcast[T]) stage(v T) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.version++
	b.value = v
	return b.version
}

func (b *Broadcast[T]) flush(version uint64) {
	b.deliverMu.Lock()
	defer b.deliverMu.Unlock()
	if version <= b.delivered {
		return
	}
	b.mu.Lock()
	v := b.value
	b.delivered = b.version
	fns := make([]func(T), 0, len(b.subs))
	for _, fn := range b.subs {
		fns = append(fns, fn)
	}
	b.mu.Unlock()

	for _, fn := range fns {
		fn(v)
	}
}

// Subscribe registers fn for future changes. It does not replay the current
// value; call Load after subscribing for that.
func (b *Broadcast[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.subs[id] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
	}
}
