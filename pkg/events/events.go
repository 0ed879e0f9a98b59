package events

import (
	"log/slog"
	"sync"

	"github.com/loupe-obs/loupe/pkg/logs"
)

// Topic identifies a cross-cutting notification stream.
type Topic string

const (
	TopicLogStored      Topic = "log:stored"
	TopicAlertTriggered Topic = "alert:triggered"
	TopicHealthDegraded Topic = "health:degraded"
	TopicMemoryPressure Topic = "resource:memory-pressure"
)

// Event is a tagged payload published on the bus. Exactly one of the
// payload fields is set, matching the topic.
type Event struct {
	Topic Topic

	Stored   *StoredPayload
	Alert    *AlertPayload
	Health   *HealthPayload
	Pressure *PressurePayload
}

// StoredPayload accompanies TopicLogStored.
type StoredPayload struct {
	Entries []*logs.Entry
	Tiers   []string
}

// AlertPayload accompanies TopicAlertTriggered.
type AlertPayload struct {
	AlertID   string
	AlertName string
	EntryID   string
	Value     float64
}

// HealthPayload accompanies TopicHealthDegraded.
type HealthPayload struct {
	Component string
	Reason    string
}

// PressurePayload accompanies TopicMemoryPressure.
type PressurePayload struct {
	UsedMB     float64
	MaxMB      float64
	UsageRatio float64
}

// Bus is an in-process pub/sub fan-out. Subscribers receive events on a
// buffered channel; a subscriber that falls behind drops events rather
// than blocking publishers.
type Bus struct {
	logger *slog.Logger

	mu     sync.RWMutex
	nextID int
	subs   map[Topic]map[int]chan Event
	closed bool
}

// NewBus creates an event bus.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		logger: logger,
		subs:   make(map[Topic]map[int]chan Event),
	}
}

// Subscribe registers a handler channel for a topic. The returned cancel
// function removes the subscription and closes the channel.
func (b *Bus) Subscribe(topic Topic) (<-chan Event, func()) {
	ch := make(chan Event, 64)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[int]chan Event)
	}
	b.subs[topic][id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[topic][id]; ok {
			delete(b.subs[topic], id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish delivers an event to all subscribers of its topic.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	for _, ch := range b.subs[ev.Topic] {
		select {
		case ch <- ev:
		default:
			// Subscriber buffer full, drop rather than block the publisher.
			b.logger.Warn("event dropped", "topic", ev.Topic)
		}
	}
}

// Close shuts the bus down and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, subs := range b.subs {
		for id, ch := range subs {
			delete(subs, id)
			close(ch)
		}
	}
}
