package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/santedb/santedb-dc-core-sub006/internal/domain"
	"github.com/santedb/santedb-dc-core-sub006/internal/failure"
	"github.com/santedb/santedb-dc-core-sub006/internal/models"

	"github.com/rs/zerolog"
)

// Manager owns the registered queues and the dead-letter workflow.
type Manager struct {
	store    Store
	payloads domain.PayloadStore
	events   domain.EventPublisher
	logger   *zerolog.Logger

	mu         sync.RWMutex
	queues     map[string]*storeQueue
	deadLetter string
}

// NewManager builds a manager. payloads and events may be nil.
func NewManager(store Store, payloads domain.PayloadStore, events domain.EventPublisher, logger *zerolog.Logger) *Manager {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Manager{
		store:    store,
		payloads: payloads,
		events:   events,
		logger:   logger,
		queues:   make(map[string]*storeQueue),
	}
}

// Open registers a queue. Reopening an existing queue returns it with the
// pattern it was first registered with.
func (m *Manager) Open(ctx context.Context, name string, pattern models.QueuePattern) (Queue, error) {
	if name == "" {
		return nil, fmt.Errorf("queue name is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if q, ok := m.queues[name]; ok {
		return q, nil
	}

	stored, err := m.store.RegisterQueue(ctx, name, pattern)
	if err != nil {
		return nil, err
	}
	if stored != pattern {
		m.logger.Warn().Str("queue", name).Str("requested", string(pattern)).Str("stored", string(stored)).
			Msg("Queue already registered with a different pattern")
	}

	q := &storeQueue{name: name, pattern: stored, store: m.store}
	m.queues[name] = q
	if stored == models.PatternDeadLetter && m.deadLetter == "" {
		m.deadLetter = name
	}
	return q, nil
}

// OpenDefaults opens every queue already present in the store and the four
// default queues.
func (m *Manager) OpenDefaults(ctx context.Context) error {
	existing, err := m.store.ListQueues(ctx)
	if err != nil {
		return err
	}
	for _, info := range existing {
		if _, err := m.Open(ctx, info.Name, info.Pattern); err != nil {
			return err
		}
	}

	defaults := []models.QueueInfo{
		{Name: models.QueueOutbound, Pattern: models.PatternOutbound},
		{Name: models.QueueInbound, Pattern: models.PatternInbound},
		{Name: models.QueueAdminOutbound, Pattern: models.PatternAdminOutbound},
		{Name: models.QueueDeadLetter, Pattern: models.PatternDeadLetter},
	}
	for _, info := range defaults {
		if _, err := m.Open(ctx, info.Name, info.Pattern); err != nil {
			return err
		}
	}
	return nil
}

// Queue returns a registered queue by name.
func (m *Manager) Queue(name string) (Queue, error) {
	q, err := m.lookup(name)
	if err != nil {
		return nil, err
	}
	return q, nil
}

func (m *Manager) lookup(name string) (*storeQueue, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	q, ok := m.queues[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", failure.ErrQueueNotFound, name)
	}
	return q, nil
}

// ByPattern returns the queues of a pattern ordered by name.
func (m *Manager) ByPattern(pattern models.QueuePattern) []Queue {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Queue
	for _, q := range m.sortedLocked() {
		if q.pattern == pattern {
			out = append(out, q)
		}
	}
	return out
}

// Queues lists the registered queues ordered by name.
func (m *Manager) Queues(_ context.Context) []models.QueueInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sorted := m.sortedLocked()
	out := make([]models.QueueInfo, 0, len(sorted))
	for _, q := range sorted {
		out = append(out, models.QueueInfo{Name: q.name, Pattern: q.pattern})
	}
	return out
}

func (m *Manager) sortedLocked() []*storeQueue {
	out := make([]*storeQueue, 0, len(m.queues))
	for _, q := range m.queues {
		out = append(out, q)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// Entries returns one page of a queue in FIFO order.
func (m *Manager) Entries(ctx context.Context, name string, offset, limit int) ([]*models.QueueEntry, error) {
	q, err := m.lookup(name)
	if err != nil {
		return nil, err
	}
	return q.Entries(ctx, offset, limit)
}

// Depths refreshes and returns the depth of every queue.
func (m *Manager) Depths(ctx context.Context) (map[string]int, error) {
	m.mu.RLock()
	queues := m.sortedLocked()
	m.mu.RUnlock()

	out := make(map[string]int, len(queues))
	for _, q := range queues {
		n, err := q.Count(ctx)
		if err != nil {
			return nil, err
		}
		out[q.name] = n
	}
	return out, nil
}

func (m *Manager) publish(eventType string, payload interface{}) {
	if m.events == nil {
		return
	}
	if err := m.events.PublishJSON(eventType, payload); err != nil {
		m.logger.Warn().Err(err).Str("event", eventType).Msg("Failed to publish queue event")
	}
}

// lockPair locks two queues in name order.
func lockPair(a, b *storeQueue) func() {
	if a == b {
		a.mu.Lock()
		return a.mu.Unlock
	}
	first, second := a, b
	if second.name < first.name {
		first, second = second, first
	}
	first.mu.Lock()
	second.mu.Lock()
	return func() {
		second.mu.Unlock()
		first.mu.Unlock()
	}
}
