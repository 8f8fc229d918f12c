// Package events fans domain events out to in-process subscribers. Writers
// never block on a subscriber: when its buffer is full the event is dropped
// for that subscriber and counted.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/banking/fraud-service/internal/domain"
	"github.com/banking/fraud-service/internal/pkg/logger"
)

// EventType names a domain event
type EventType string

const (
	EvaluationCreated  EventType = "evaluation.created"
	AlertCreated       EventType = "alert.created"
	AlertStatusChanged EventType = "alert.status_changed"
	StoreReset         EventType = "store.reset"
	SeedCompleted      EventType = "seed.completed"
)

// IsAlert returns true for events about alerts
func (t EventType) IsAlert() bool {
	return t == AlertCreated || t == AlertStatusChanged
}

// Event is one published domain event. Key is the partition key downstream,
// usually a transaction id.
type Event struct {
	ID         string    `json:"id"`
	Type       EventType `json:"type"`
	Key        string    `json:"key"`
	OccurredAt time.Time `json:"occurredAt"`
	Payload    any       `json:"payload"`
}

// New creates an event with a fresh id
func New(typ EventType, key string, payload any) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       typ,
		Key:        key,
		OccurredAt: time.Now().UTC(),
		Payload:    payload,
	}
}

// StatusChange is the payload of alert.status_changed
type StatusChange struct {
	Alert          *domain.Alert      `json:"alert"`
	PreviousStatus domain.AlertStatus `json:"previousStatus"`
}

// Publisher accepts events
type Publisher interface {
	Publish(e Event)
}

type subscriber struct {
	ch chan Event
}

// Bus is an observer list with buffered per-subscriber channels
type Bus struct {
	mu     sync.RWMutex
	subs   map[*subscriber]struct{}
	closed bool

	dropped atomic.Int64
	log     *logger.Logger
}

// NewBus creates an empty bus
func NewBus(log *logger.Logger) *Bus {
	return &Bus{
		subs: make(map[*subscriber]struct{}),
		log:  log.Named("event_bus"),
	}
}

// Subscribe registers a subscriber with the given buffer. The returned
// cancel func unregisters it and closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	s := &subscriber{ch: make(chan Event, buffer)}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(s.ch)
		return s.ch, func() {}
	}
	b.subs[s] = struct{}{}

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[s]; ok {
				delete(b.subs, s)
				close(s.ch)
			}
		})
	}
}

// Publish delivers e to every subscriber with room in its buffer
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for s := range b.subs {
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
			b.log.Debug("subscriber full, event dropped",
				zap.String("event_type", string(e.Type)),
				zap.String("event_id", e.ID),
			)
		}
	}
}

// Dropped returns how many deliveries were dropped so far
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Close closes every subscriber channel. Later publishes are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subs {
		close(s.ch)
		delete(b.subs, s)
	}
}
