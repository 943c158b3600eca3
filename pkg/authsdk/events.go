package authsdk

import (
	"log/slog"
	"sync"
	"time"

	"github.com/aussiebroadwan/sunga/pkg/idx"
)

// Topic names a bus channel.
type Topic string

// TopicAuthError is published when the session became invalid. Receivers
// should send the user back to the unauthenticated entry point.
const TopicAuthError Topic = "authError"

// Event is delivered to subscribers. It carries no payload beyond its
// identity.
type Event struct {
	ID    idx.ID
	Topic Topic
	At    time.Time
}

// Handler receives events. Handlers run on the publishing goroutine and
// must not block.
type Handler func(Event)

// Bus is an explicit subscriber list per topic.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[Topic]map[uint64]Handler
}

func NewBus() *Bus {
	return &Bus{subs: make(map[Topic]map[uint64]Handler)}
}

// Subscribe registers h for topic and returns a function that removes it.
// The returned function is safe to call more than once.
func (b *Bus) Subscribe(topic Topic, h Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID

	if b.subs[topic] == nil {
		b.subs[topic] = make(map[uint64]Handler)
	}
	b.subs[topic][id] = h

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs[topic], id)
		})
	}
}

// Publish delivers an event to every current subscriber of topic. The
// subscriber list is copied first so handlers may unsubscribe.
func (b *Bus) Publish(topic Topic) Event {
	ev := Event{ID: idx.New(), Topic: topic, At: time.Now().UTC()}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs[topic]))
	for _, h := range b.subs[topic] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		b.deliver(h, ev)
	}

	return ev
}

// Subscribers reports how many handlers are registered for topic.
func (b *Bus) Subscribers(topic Topic) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

// deliver isolates a panicking handler from the publisher and the other
// subscribers.
func (b *Bus) deliver(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event handler panicked", "topic", ev.Topic, "event_id", ev.ID, "panic", r)
		}
	}()
	h(ev)
}
