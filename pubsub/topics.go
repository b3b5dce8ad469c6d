package pubsub

import (
	"sort"
	"sync"
)

// Topics is the subscription set of one session. Topic names are matched exactly.
type Topics struct {
	mu  sync.Mutex
	set map[string]struct{}
}

func NewTopics() *Topics {
	return &Topics{set: make(map[string]struct{})}
}

// Subscribe adds topics to the set. Subscribing twice is a no-op.
func (t *Topics) Subscribe(topics ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, topic := range topics {
		t.set[topic] = struct{}{}
	}
}

// Unsubscribe removes topics from the set. Unknown topics are ignored.
func (t *Topics) Unsubscribe(topics ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, topic := range topics {
		delete(t.set, topic)
	}
}

func (t *Topics) UnsubscribeAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	clear(t.set)
}

func (t *Topics) Contains(topic string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.set[topic]
	return ok
}

// List returns the subscribed topics, sorted.
func (t *Topics) List() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.set))
	for topic := range t.set {
		out = append(out, topic)
	}
	sort.Strings(out)
	return out
}

func (t *Topics) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.set)
}
