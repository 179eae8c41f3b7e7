// Package events fans request lifecycle notifications out to subscribers.
package events

import (
	"sync"
	"time"

	"github.com/upb/llm-orchestrator/services/providers"
	"go.uber.org/zap"
)

// Type identifies a lifecycle event
type Type string

const (
	ProviderRegistered Type = "provider_registered"
	RequestStarted     Type = "request_started"
	CacheHit           Type = "cache_hit"
	CacheMiss          Type = "cache_miss"
	Retry              Type = "retry"
	RequestSuccess     Type = "request_success"
	RequestFailed      Type = "request_failed"
	RequestCancelled   Type = "request_cancelled"
)

// Event is one lifecycle notification. Fields that do not apply to a type are zero.
type Event struct {
	Type      Type          `json:"type"`
	RequestID string        `json:"request_id,omitempty"`
	SessionID string        `json:"session_id,omitempty"`
	Provider  string        `json:"provider,omitempty"`
	Model     string        `json:"model,omitempty"`
	Attempt   int           `json:"attempt,omitempty"`
	Delay     time.Duration `json:"delay,omitempty"`
	Error     string        `json:"error,omitempty"`
	Cost      float64       `json:"cost,omitempty"`
	Time      time.Time     `json:"time"`

	// Messages are the caller's messages, set on RequestSuccess
	Messages []providers.Message `json:"-"`

	// Response is the final response, set on RequestSuccess
	Response *providers.ChatResponse `json:"-"`
}

// Publisher accepts events
type Publisher interface {
	Publish(e Event)
}

// Bus is a non-blocking fan-out of events. A subscriber whose buffer is
// full misses the event.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
	logger *zap.Logger
}

// NewBus creates an event bus
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		subs:   make(map[int]chan Event),
		logger: logger,
	}
}

// Subscribe returns a channel of events and a function that unsubscribes
// and closes the channel
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers e to every subscriber without blocking
func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.logger.Warn("event subscriber full, dropping event",
				zap.Int("subscriber", id),
				zap.String("type", string(e.Type)),
				zap.String("request_id", e.RequestID))
		}
	}
}

// Subscribers returns the number of active subscriptions
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
