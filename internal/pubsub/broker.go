// Package pubsub provides a generic in-process publish/subscribe broker.
//
// The broker decouples event producers from consumers: Publish never blocks,
// regardless of how slowly any subscriber drains its channel. Each subscriber
// owns an unbounded FIFO queue drained by a dedicated goroutine, so delivery
// order matches publish order per subscriber and no event is dropped while a
// subscription is live.
package pubsub

import (
	"context"
	"sync"
)

// Broker fans published values out to all active subscribers.
type Broker[T any] struct {
	mu     sync.Mutex
	subs   map[int]*subscriber[T]
	nextID int
	closed bool
}

type subscriber[T any] struct {
	mu    sync.Mutex
	cond  *sync.Cond
	queue []T
	done  bool
	quit  chan struct{}
	out   chan T
}

// NewBroker creates an empty broker.
func NewBroker[T any]() *Broker[T] {
	return &Broker[T]{subs: make(map[int]*subscriber[T])}
}

// Subscribe registers a new subscriber and returns its delivery channel.
// The channel is closed when ctx is cancelled or the broker shuts down.
// Events published after Subscribe returns are delivered in publish order
// until the subscription ends.
func (b *Broker[T]) Subscribe(ctx context.Context) <-chan T {
	s := &subscriber[T]{out: make(chan T), quit: make(chan struct{})}
	s.cond = sync.NewCond(&s.mu)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(s.out)
		return s.out
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = s
	b.mu.Unlock()

	// Drain loop: moves queued events to the out channel until the
	// subscription is stopped.
	go s.drain()

	// Watcher: tears the subscription down when the context ends.
	go func() {
		<-ctx.Done()
		b.remove(id)
	}()

	return s.out
}

// Publish delivers v to every active subscriber. It never blocks on a slow
// consumer; the value is appended to each subscriber's queue.
func (b *Broker[T]) Publish(v T) {
	b.mu.Lock()
	subs := make([]*subscriber[T], 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.enqueue(v)
	}
}

// Shutdown stops all subscriptions. Queued events that have not yet been
// read are discarded and every subscriber channel is closed.
func (b *Broker[T]) Shutdown() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[int]*subscriber[T])
	b.mu.Unlock()

	for _, s := range subs {
		s.stop()
	}
}

func (b *Broker[T]) remove(id int) {
	b.mu.Lock()
	s, ok := b.subs[id]
	delete(b.subs, id)
	b.mu.Unlock()
	if ok {
		s.stop()
	}
}

func (s *subscriber[T]) enqueue(v T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.queue = append(s.queue, v)
	s.cond.Signal()
}

func (s *subscriber[T]) stop() {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.done = true
	s.queue = nil
	close(s.quit)
	s.cond.Signal()
	s.mu.Unlock()
}

func (s *subscriber[T]) drain() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.done {
			s.cond.Wait()
		}
		if s.done {
			s.mu.Unlock()
			close(s.out)
			return
		}
		v := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- v:
		case <-s.quit:
			close(s.out)
			return
		}
	}
}
