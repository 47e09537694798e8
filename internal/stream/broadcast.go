// Package stream provides the two hand-off primitives the mesh is built on:
// a multi-subscriber event broadcaster that never blocks its publisher, and a
// serial work queue that never blocks its submitter.
package stream

import (
	"context"
	"sync"
)

// DefaultBuffer is the per-subscriber buffer used when New is given size <= 0.
const DefaultBuffer = 64

// Broadcaster fans values out to any number of subscribers. Each subscriber
// owns a bounded buffer; when it is full the oldest buffered value is
// discarded to make room, so Publish never waits on a slow consumer.
type Broadcaster[T any] struct {
	size int

	mu   sync.Mutex
	subs map[chan T]struct{}
}

// New creates a Broadcaster whose subscribers buffer up to size values.
func New[T any](size int) *Broadcaster[T] {
	if size <= 0 {
		size = DefaultBuffer
	}
	return &Broadcaster[T]{
		size: size,
		subs: make(map[chan T]struct{}),
	}
}

// Subscribe returns a channel receiving every value published after the call.
// The channel is closed once ctx is done.
func (b *Broadcaster[T]) Subscribe(ctx context.Context) <-chan T {
	ch := make(chan T, b.size)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, ch)
		close(ch)
		b.mu.Unlock()
	}()
	return ch
}

// Publish delivers v to every subscriber and returns how many buffered values
// were discarded to make room.
func (b *Broadcaster[T]) Publish(v T) (dropped int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		for {
			select {
			case ch <- v:
			default:
				select {
				case <-ch:
					dropped++
				default:
				}
				continue
			}
			break
		}
	}
	return dropped
}

// Subscribers returns the number of live subscriptions.
func (b *Broadcaster[T]) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
