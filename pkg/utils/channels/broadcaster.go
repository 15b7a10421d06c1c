package channels

import (
	"context"
	"sync"
)

// Broadcaster holds the latest published value and fans it out to
// subscribers. Slow subscribers only observe the most recent value.
type Broadcaster[T any] struct {
	lock        *sync.RWMutex
	subscribers map[*Subscriber[T]]struct{}
	value       T
}

func NewBroadcaster[T any](value T) *Broadcaster[T] {
	return &Broadcaster[T]{
		lock:        new(sync.RWMutex),
		subscribers: make(map[*Subscriber[T]]struct{}),
		value:       value,
	}
}

func (b *Broadcaster[T]) Publish(value T) {
	b.lock.Lock()
	defer b.lock.Unlock()

	b.value = value
	for s := range b.subscribers {
		s.offer(value)
	}
}

func (b *Broadcaster[T]) Value() T {
	b.lock.RLock()
	defer b.lock.RUnlock()

	return b.value
}

type Subscriber[T any] struct {
	ch chan T
}

// Subscribe registers a subscriber until ctx is done.
func (b *Broadcaster[T]) Subscribe(ctx context.Context) *Subscriber[T] {
	s := &Subscriber[T]{ch: make(chan T, 1)}

	b.lock.Lock()
	b.subscribers[s] = struct{}{}
	b.lock.Unlock()

	go func() {
		<-ctx.Done()
		b.lock.Lock()
		defer b.lock.Unlock()
		delete(b.subscribers, s)
	}()

	return s
}

func (s *Subscriber[T]) offer(value T) {
	for {
		select {
		case s.ch <- value:
			return
		default:
		}
		// drop the stale value
		select {
		case <-s.ch:
		default:
		}
	}
}

func (s *Subscriber[T]) Wait() <-chan T {
	return s.ch
}
