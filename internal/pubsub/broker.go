package pubsub

import "sync"

// AllTopics subscribes to every topic published on a broker.
const AllTopics = "*"

type Broker[T any] struct {
	mu   sync.RWMutex
	subs map[string]map[*Subscription[T]]struct{}
}

func NewBroker[T any]() *Broker[T] {
	return &Broker[T]{subs: make(map[string]map[*Subscription[T]]struct{})}
}

func (b *Broker[T]) Subscribe(topic string) *Subscription[T] {
	sub := newSubscription(topic, b)
	b.mu.Lock()
	set, ok := b.subs[topic]
	if !ok {
		set = make(map[*Subscription[T]]struct{})
		b.subs[topic] = set
	}
	set[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Publish hands item to every current subscriber of topic and of AllTopics.
// Late subscribers never see earlier items. It returns the number of
// subscriptions the item was queued on.
func (b *Broker[T]) Publish(topic string, item T) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	delivered := 0
	for sub := range b.subs[topic] {
		if sub.push(item) {
			delivered++
		}
	}
	if topic != AllTopics {
		for sub := range b.subs[AllTopics] {
			if sub.push(item) {
				delivered++
			}
		}
	}
	return delivered
}

func (b *Broker[T]) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

func (b *Broker[T]) remove(sub *Subscription[T]) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.subs[sub.topic]
	if !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(b.subs, sub.topic)
	}
}
