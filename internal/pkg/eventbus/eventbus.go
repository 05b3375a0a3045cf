// Package eventbus is the minimal typed publish/subscribe primitive used
// across the bridge: string-keyed channels, synchronous dispatch.
package eventbus

import "sync"

type Handler[T any] func(T)

// Subscription identifies one registered handler. Handlers are funcs and
// not comparable, so removal goes through the handle instead.
type Subscription struct {
	key string
	seq uint64
}

type entry[T any] struct {
	seq     uint64
	handler Handler[T]
}

// Bus dispatches values to handlers registered per string key. Emit calls
// handlers synchronously in registration order; handlers must not panic,
// no recovery is attempted. Unsubscribing from inside a handler is safe:
// the in-progress Emit keeps iterating its snapshot, so a handler removed
// mid-dispatch may still observe the current event once.
type Bus[T any] struct {
	mu       sync.Mutex
	seq      uint64
	handlers map[string][]entry[T]
}

func New[T any]() *Bus[T] {
	return &Bus[T]{handlers: map[string][]entry[T]{}}
}

func (b *Bus[T]) On(key string, h Handler[T]) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	b.handlers[key] = append(b.handlers[key], entry[T]{seq: b.seq, handler: h})
	return &Subscription{key: key, seq: b.seq}
}

func (b *Bus[T]) Off(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	entries := b.handlers[sub.key]
	for i, e := range entries {
		if e.seq == sub.seq {
			b.handlers[sub.key] = append(append([]entry[T]{}, entries[:i]...), entries[i+1:]...)
			return
		}
	}
}

func (b *Bus[T]) Emit(key string, v T) {
	b.mu.Lock()
	snapshot := make([]entry[T], len(b.handlers[key]))
	copy(snapshot, b.handlers[key])
	b.mu.Unlock()

	for _, e := range snapshot {
		e.handler(v)
	}
}

// Len reports the number of handlers registered for key.
func (b *Bus[T]) Len(key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.handlers[key])
}
