// Package pubsub provides typed, keyed publish/subscribe where subscribers pull
// from a channel. Each subscription buffers without bound so a slow reader never
// blocks the publisher, and items arrive in the order they were published.
package pubsub

import "sync"

type Subscription[T any] struct {
	topic  string
	broker *Broker[T]

	mu      sync.Mutex
	pending []T
	closed  bool

	wake chan struct{}
	done chan struct{}
	out  chan T
	once sync.Once
}

func newSubscription[T any](topic string, broker *Broker[T]) *Subscription[T] {
	s := &Subscription[T]{
		topic:  topic,
		broker: broker,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		out:    make(chan T),
	}
	go s.pump()
	return s
}

// C is closed after Close once the subscription stops delivering.
func (s *Subscription[T]) C() <-chan T {
	return s.out
}

func (s *Subscription[T]) Topic() string {
	return s.topic
}

// Close detaches the subscription. Items not yet received are dropped.
func (s *Subscription[T]) Close() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.pending = nil
		s.mu.Unlock()
		close(s.done)
		if s.broker != nil {
			s.broker.remove(s)
		}
	})
}

func (s *Subscription[T]) push(item T) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.pending = append(s.pending, item)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

func (s *Subscription[T]) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		if len(s.pending) == 0 {
			s.mu.Unlock()
			select {
			case <-s.wake:
			case <-s.done:
			}
			continue
		}
		item := s.pending[0]
		var zero T
		s.pending[0] = zero
		s.pending = s.pending[1:]
		s.mu.Unlock()

		select {
		case s.out <- item:
		case <-s.done:
			return
		}
	}
}
