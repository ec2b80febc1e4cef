// Package event provides typed publish/subscribe topics. Engines expose one
// Topic per event kind, so every event carries its own payload type.
package event

import (
	"context"
	"sync"
)

// Topic delivers values of type T to subscribers, synchronously and in
// subscription order. The zero value is ready to use.
type Topic[T any] struct {
	mu     sync.Mutex
	nextID uint64
	subs   []subscriber[T]
}

type subscriber[T any] struct {
	id uint64
	fn func(T)
}

// Subscribe registers fn and returns a function that removes it.
func (t *Topic[T]) Subscribe(fn func(T)) (cancel func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.nextID++
	id := t.nextID
	t.subs = append(t.subs, subscriber[T]{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() { t.remove(id) })
	}
}

func (t *Topic[T]) remove(id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, s := range t.subs {
		if s.id == id {
			t.subs = append(t.subs[:i:i], t.subs[i+1:]...)
			return
		}
	}
}

// Emit calls every subscriber with v. Subscribers may subscribe or cancel
// from inside the callback.
func (t *Topic[T]) Emit(v T) {
	t.mu.Lock()
	subs := t.subs
	t.mu.Unlock()

	for _, s := range subs {
		s.fn(v)
	}
}

// Len returns the number of subscribers.
func (t *Topic[T]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.subs)
}

// Wait blocks until a value for which match returns true is emitted, or ctx
// is done. A nil match accepts the first value.
func (t *Topic[T]) Wait(ctx context.Context, match func(T) bool) (T, error) {
	got := make(chan T, 1)
	cancel := t.Subscribe(func(v T) {
		if match != nil && !match(v) {
			return
		}

		select {
		case got <- v:
		default:
		}
	})
	defer cancel()

	select {
	case v := <-got:
		return v, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
