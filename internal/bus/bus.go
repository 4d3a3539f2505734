// Package bus is the synchronous in-process event bus connecting the
// orchestrator to the learning subscribers. Delivery is in-order and on the
// publisher's goroutine; a subscriber that panics is isolated so one bad
// handler cannot take down a fix worker.
package bus

import (
	"sync"

	"codewarden/internal/logging"
)

// Topic names the event streams.
type Topic string

const (
	TopicFixApplied     Topic = "fix_applied"
	TopicFixRejected    Topic = "fix_rejected"
	TopicFixRolledBack  Topic = "fix_rolled_back"
	TopicPatternUpdated Topic = "pattern_updated"
	TopicIssueResolved  Topic = "issue_resolved"
)

// Handler receives one event. The payload type is topic-specific.
type Handler func(payload interface{})

// Bus fans events out to subscribers.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Topic][]Handler
}

// New returns an empty bus.
func New() *Bus {
	return &Bus{handlers: make(map[Topic][]Handler)}
}

// Subscribe registers a handler for a topic. Handlers run in subscription
// order on the publisher's goroutine.
func (b *Bus) Subscribe(topic Topic, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = append(b.handlers[topic], h)
}

// Publish delivers the payload to every subscriber of the topic,
// synchronously. Returns after the last handler finishes.
func (b *Bus) Publish(topic Topic, payload interface{}) {
	b.mu.RLock()
	handlers := b.handlers[topic]
	b.mu.RUnlock()

	for _, h := range handlers {
		b.deliver(topic, h, payload)
	}
}

func (b *Bus) deliver(topic Topic, h Handler, payload interface{}) {
	defer func() {
		if r := recover(); r != nil {
			logging.Get(logging.CategoryLearning).Error("subscriber panic on %s: %v", topic, r)
		}
	}()
	h(payload)
}
