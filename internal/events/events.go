package events

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/santedb/santedb-dc-core-sub006/internal/models"

	"github.com/rs/zerolog"
)

const (
	EventMutationQueued = "mutation_queued"
	EventCycleStarted   = "cycle_started"
	EventCycleCompleted = "cycle_completed"
	EventCycleFailed    = "cycle_failed"
	EventDeadLettered   = "entry_dead_lettered"
	EventRequeued       = "entry_requeued"
	EventSubscribed     = "object_subscribed"
)

// CyclePayload describes a synchronization cycle for observers.
type CyclePayload struct {
	Trigger models.TriggerEvent `json:"trigger,omitempty"`
	Summary models.CycleSummary `json:"summary"`
	Error   string              `json:"error,omitempty"`
}

// EntryPayload describes a single queue entry for observers.
type EntryPayload struct {
	Queue          string           `json:"queue"`
	EntryID        int64            `json:"entry_id"`
	CorrelationKey string           `json:"correlation_key"`
	ResourceType   string           `json:"resource_type"`
	Operation      models.Operation `json:"operation,omitempty"`
	Reason         string           `json:"reason,omitempty"`
}

// Event represents a lightweight domain event.
type Event struct {
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// Decode unmarshals the payload into v.
func (e *Event) Decode(v any) error {
	return json.Unmarshal(e.Payload, v)
}

// EventHandler reacts to an event.
type EventHandler func(event *Event) error

type registration struct {
	eventType string // empty matches every type
	name      string
	handler   EventHandler
}

// EventBus delivers events to an ordered list of observers. Observers run
// synchronously in registration order; a failing or panicking observer is
// logged and does not prevent the remaining observers from running.
type EventBus struct {
	observers []registration
	mu        sync.RWMutex
	logger    *zerolog.Logger
}

// NewEventBus constructs an empty bus.
func NewEventBus(logger *zerolog.Logger) *EventBus {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &EventBus{logger: logger}
}

// Subscribe registers a handler for a given event type.
func (b *EventBus) Subscribe(eventType, name string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observers = append(b.observers, registration{eventType: eventType, name: name, handler: handler})
}

// SubscribeAll registers a handler receiving every event.
func (b *EventBus) SubscribeAll(name string, handler EventHandler) {
	b.Subscribe("", name, handler)
}

// Publish notifies the observers of the event type.
func (b *EventBus) Publish(event *Event) {
	b.mu.RLock()
	observers := append([]registration(nil), b.observers...)
	b.mu.RUnlock()

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	for _, obs := range observers {
		if obs.eventType != "" && obs.eventType != event.Type {
			continue
		}
		if err := b.invoke(obs, event); err != nil {
			b.logger.Warn().Err(err).Str("observer", obs.name).Str("event", event.Type).Msg("observer failed")
		}
	}
}

func (b *EventBus) invoke(obs registration, event *Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("observer panic: %v", r)
		}
	}()
	return obs.handler(event)
}

// PublishJSON serializes the payload and publishes an event.
func (b *EventBus) PublishJSON(eventType string, payload interface{}) error {
	if b == nil {
		return nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	b.Publish(&Event{Type: eventType, Payload: raw, CreatedAt: time.Now()})
	return nil
}
