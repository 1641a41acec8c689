package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type identifies what happened.
type Type string

const (
	ServiceStarting  Type = "service.starting"
	ServiceHealthy   Type = "service.healthy"
	ServiceUnhealthy Type = "service.unhealthy"
	ServiceFailed    Type = "service.failed"
	ServiceRecovered Type = "service.recovered"
	ServiceStopped   Type = "service.stopped"
	ServiceSkipped   Type = "service.skipped"
	ModelLoaded      Type = "model.loaded"
	ModelEvicted     Type = "model.evicted"
	ModelsRescanned  Type = "models.rescanned"
)

// Event is a notification emitted by the orchestrator, watchdog or proxy.
// The control surface subscribes to these instead of the components pushing
// callbacks into a UI layer.
type Event struct {
	ID        string            `json:"id"`
	Type      Type              `json:"type"`
	Subject   string            `json:"subject"` // service name or model id
	Message   string            `json:"message,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Fields    map[string]string `json:"fields,omitempty"`
}

// Subscriber receives events. Slow subscribers drop events rather than
// blocking publishers.
type Subscriber chan Event

// Bus fans events out to subscribers.
type Bus struct {
	mu   sync.RWMutex
	subs map[Subscriber]struct{}
}

func NewBus() *Bus {
	return &Bus{subs: make(map[Subscriber]struct{})}
}

// Subscribe registers a buffered subscriber channel.
func (b *Bus) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := make(Subscriber, 64)
	b.subs[sub] = struct{}{}
	return sub
}

// Unsubscribe removes and closes a subscriber channel.
func (b *Bus) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		close(sub)
	}
}

// Publish delivers the event to every subscriber without blocking.
func (b *Bus) Publish(e Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		select {
		case sub <- e:
		default:
			// subscriber buffer full, drop
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
