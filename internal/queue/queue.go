// Package queue implements durable FIFO synchronization queues and the
// dead-letter workflow on top of the sqlite store.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/santedb/santedb-dc-core-sub006/internal/failure"
	"github.com/santedb/santedb-dc-core-sub006/internal/metrics"
	"github.com/santedb/santedb-dc-core-sub006/internal/models"

	"github.com/google/uuid"
)

// Store is the persistence the queues are built on.
type Store interface {
	RegisterQueue(ctx context.Context, name string, pattern models.QueuePattern) (models.QueuePattern, error)
	ListQueues(ctx context.Context) ([]models.QueueInfo, error)
	InsertEntry(ctx context.Context, queue string, e *models.QueueEntry) error
	OldestEntry(ctx context.Context, queue string) (*models.QueueEntry, error)
	TakeOldest(ctx context.Context, queue string) (*models.QueueEntry, error)
	GetEntry(ctx context.Context, queue string, id int64) (*models.DeadLetterEntry, error)
	DeleteEntry(ctx context.Context, queue string, id int64) error
	CountEntries(ctx context.Context, queue string) (int, error)
	ListEntries(ctx context.Context, queue string, offset, limit int) ([]*models.DeadLetterEntry, error)
	FindEntries(ctx context.Context, queue, resourceType, resourceKey string) ([]*models.QueueEntry, error)
	IncrementRetry(ctx context.Context, queue string, id int64) (int, error)
	MoveEntry(ctx context.Context, source string, id int64, target string, reason *string, fresh bool) (*models.DeadLetterEntry, error)
}

// Queue is a named durable FIFO. Mutations of one queue are serialized;
// different queues do not block each other. No operation waits for entries.
type Queue interface {
	Name() string
	Pattern() models.QueuePattern
	Enqueue(ctx context.Context, entry *models.QueueEntry) error
	Dequeue(ctx context.Context) (*models.QueueEntry, error)
	Peek(ctx context.Context) (*models.QueueEntry, error)
	Count(ctx context.Context) (int, error)
	Get(ctx context.Context, id int64) (*models.QueueEntry, error)
	Remove(ctx context.Context, id int64) error
	IncrementRetry(ctx context.Context, id int64) (int, error)
	Entries(ctx context.Context, offset, limit int) ([]*models.QueueEntry, error)
	FindByResource(ctx context.Context, resourceType, resourceKey string) ([]*models.QueueEntry, error)
}

type storeQueue struct {
	name    string
	pattern models.QueuePattern
	store   Store
	mu      sync.Mutex
}

func (q *storeQueue) Name() string                 { return q.name }
func (q *storeQueue) Pattern() models.QueuePattern { return q.pattern }

// Enqueue persists entry before returning. ID, queue name, correlation key and
// creation time are assigned when absent.
func (q *storeQueue) Enqueue(ctx context.Context, entry *models.QueueEntry) error {
	if entry == nil {
		return failure.NewQueueError(q.name, "enqueue", 0, errors.New("nil entry"))
	}
	if entry.ResourceType == "" || entry.DataFileKey == "" {
		return failure.NewQueueError(q.name, "enqueue", 0, errors.New("entry requires resource type and data file key"))
	}
	if entry.Operation == "" {
		entry.Operation = models.OperationSync
	}
	if entry.CorrelationKey == "" {
		entry.CorrelationKey = uuid.NewString()
	}
	if entry.CreationTime.IsZero() {
		entry.CreationTime = time.Now().UTC()
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.store.InsertEntry(ctx, q.name, entry); err != nil {
		return failure.NewQueueError(q.name, "enqueue", 0, err)
	}
	metrics.IncEnqueued(q.name)
	return nil
}

// Dequeue removes and returns the oldest entry, or nil when the queue is empty.
func (q *storeQueue) Dequeue(ctx context.Context) (*models.QueueEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry, err := q.store.TakeOldest(ctx, q.name)
	if err != nil {
		return nil, failure.NewQueueError(q.name, "dequeue", 0, err)
	}
	return entry, nil
}

// Peek returns the oldest entry without removing it, or nil.
func (q *storeQueue) Peek(ctx context.Context) (*models.QueueEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry, err := q.store.OldestEntry(ctx, q.name)
	if err != nil {
		return nil, failure.NewQueueError(q.name, "peek", 0, err)
	}
	return entry, nil
}

func (q *storeQueue) Count(ctx context.Context) (int, error) {
	n, err := q.store.CountEntries(ctx, q.name)
	if err != nil {
		return 0, failure.NewQueueError(q.name, "count", 0, err)
	}
	metrics.SetQueueDepth(q.name, n)
	return n, nil
}

func (q *storeQueue) Get(ctx context.Context, id int64) (*models.QueueEntry, error) {
	e, err := q.store.GetEntry(ctx, q.name, id)
	if err != nil {
		return nil, failure.NewQueueError(q.name, "get", id, err)
	}
	return &e.QueueEntry, nil
}

func (q *storeQueue) Remove(ctx context.Context, id int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	return failure.NewQueueError(q.name, "remove", id, q.store.DeleteEntry(ctx, q.name, id))
}

// IncrementRetry returns the new retry count.
func (q *storeQueue) IncrementRetry(ctx context.Context, id int64) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n, err := q.store.IncrementRetry(ctx, q.name, id)
	if err != nil {
		return 0, failure.NewQueueError(q.name, "increment retry", id, err)
	}
	return n, nil
}

func (q *storeQueue) Entries(ctx context.Context, offset, limit int) ([]*models.QueueEntry, error) {
	offset, limit = clampPage(offset, limit)
	rows, err := q.store.ListEntries(ctx, q.name, offset, limit)
	if err != nil {
		return nil, failure.NewQueueError(q.name, "list", 0, err)
	}
	out := make([]*models.QueueEntry, 0, len(rows))
	for _, r := range rows {
		entry := r.QueueEntry
		out = append(out, &entry)
	}
	return out, nil
}

func (q *storeQueue) FindByResource(ctx context.Context, resourceType, resourceKey string) ([]*models.QueueEntry, error) {
	if resourceKey == "" {
		return nil, nil
	}
	entries, err := q.store.FindEntries(ctx, q.name, resourceType, resourceKey)
	if err != nil {
		return nil, failure.NewQueueError(q.name, "find", 0, err)
	}
	return entries, nil
}

func clampPage(offset, limit int) (int, int) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = models.DefaultPageSize
	}
	if limit > models.MaxPageSize {
		limit = models.MaxPageSize
	}
	return offset, limit
}

func (q *storeQueue) String() string {
	return fmt.Sprintf("%s(%s)", q.name, q.pattern)
}
