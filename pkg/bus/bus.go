// Package bus carries opaque status payloads from publishers to subscribers
// addressed by exact topic. Delivery is at-most-once: nothing is stored and a
// topic with no subscriber drops the message.
package bus

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("bus closed")

// Handler receives one message. It runs on the bus's dispatch goroutine and
// must not block.
type Handler func(topic string, payload []byte)

// Publisher is the producing half of a Bus.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Bus is a topic-addressed publish/subscribe channel.
type Bus interface {
	Publisher
	Subscribe(topic string, h Handler) *Subscription
	Close() error
}

// Dispatcher routes a message to the handlers registered for its exact topic.
// Every backend funnels inbound traffic through one.
type Dispatcher struct {
	mu     sync.RWMutex
	nextID uint64
	topics map[string]map[uint64]Handler
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{topics: make(map[string]map[uint64]Handler)}
}

// Subscribe registers h for topic.
func (d *Dispatcher) Subscribe(topic string, h Handler) *Subscription {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	id := d.nextID
	subs, ok := d.topics[topic]
	if !ok {
		subs = make(map[uint64]Handler)
		d.topics[topic] = subs
	}
	subs[id] = h
	return &Subscription{d: d, topic: topic, id: id}
}

func (d *Dispatcher) remove(topic string, id uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	subs, ok := d.topics[topic]
	if !ok {
		return
	}
	delete(subs, id)
	if len(subs) == 0 {
		delete(d.topics, topic)
	}
}

// Dispatch hands payload to every handler on topic and returns how many ran.
// Handlers are called outside the lock so they may unsubscribe themselves.
func (d *Dispatcher) Dispatch(topic string, payload []byte) int {
	d.mu.RLock()
	subs := d.topics[topic]
	handlers := make([]Handler, 0, len(subs))
	for _, h := range subs {
		handlers = append(handlers, h)
	}
	d.mu.RUnlock()

	for _, h := range handlers {
		h(topic, payload)
	}
	return len(handlers)
}

// Topics returns the number of topics with at least one subscriber.
func (d *Dispatcher) Topics() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.topics)
}

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	d     *Dispatcher
	topic string
	id    uint64
	once  sync.Once
}

func (s *Subscription) Topic() string { return s.topic }

// Unsubscribe is idempotent.
func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.once.Do(func() { s.d.remove(s.topic, s.id) })
}
