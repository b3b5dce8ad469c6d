// Package pubsub implements topic subscriptions and best-effort fan-out across
// the sessions of one server.
//
// The Broker only knows which sessions are connected; each session owns its
// Topics. Publishing snapshots the session list under the broker lock, then
// checks each session's topics under that session's lock, so no lock is ever
// held across both structures.
//
//	Publish(topic) ──→ snapshot sessions ──→ for each: Topics.Contains(topic)?
//	                                              yes → Deliver(Publish message)
package pubsub

import (
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"wsrpc/message"
)

// Subscriber is a connected session that can receive published messages.
type Subscriber interface {
	ID() string
	Topics() *Topics
	Deliver(m *message.Message) error
}

type Broker struct {
	mu          sync.RWMutex
	subscribers map[string]Subscriber
	logger      zerolog.Logger
	wg          sync.WaitGroup // In-flight asynchronous publishes
}

type Option func(*Broker)

func WithLogger(logger zerolog.Logger) Option {
	return func(b *Broker) {
		b.logger = logger
	}
}

func NewBroker(opts ...Option) *Broker {
	b := &Broker{
		subscribers: make(map[string]Subscriber),
		logger:      log.Logger,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Add registers a connected session.
func (b *Broker) Add(s Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[s.ID()] = s
}

// Remove drops a session and its subscriptions.
func (b *Broker) Remove(id string) {
	b.mu.Lock()
	s, ok := b.subscribers[id]
	delete(b.subscribers, id)
	b.mu.Unlock()
	if ok {
		s.Topics().UnsubscribeAll()
	}
}

func (b *Broker) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Publish delivers data to every session subscribed to topic without waiting.
// Delivery is best-effort: there is no acknowledgement and no retry.
func (b *Broker) Publish(topic string, data []byte) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.PublishSync(topic, data)
	}()
}

// PublishSync delivers data to every session subscribed to topic and returns
// how many deliveries succeeded. Failed deliveries are logged and skipped.
func (b *Broker) PublishSync(topic string, data []byte) int {
	b.mu.RLock()
	snapshot := make([]Subscriber, 0, len(b.subscribers))
	for _, s := range b.subscribers {
		snapshot = append(snapshot, s)
	}
	b.mu.RUnlock()

	delivered := 0
	for _, s := range snapshot {
		if !s.Topics().Contains(topic) {
			continue
		}
		if err := s.Deliver(message.NewPublish(topic, data)); err != nil {
			b.logger.Warn().Err(err).Str("session", s.ID()).Str("topic", topic).Msg("publish delivery failed")
			continue
		}
		delivered++
	}
	return delivered
}

// Wait blocks until asynchronous publishes started so far have finished.
func (b *Broker) Wait() {
	b.wg.Wait()
}
