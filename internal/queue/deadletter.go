package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/santedb/santedb-dc-core-sub006/internal/events"
	"github.com/santedb/santedb-dc-core-sub006/internal/failure"
	"github.com/santedb/santedb-dc-core-sub006/internal/metrics"
	"github.com/santedb/santedb-dc-core-sub006/internal/models"
)

func (m *Manager) deadLetterQueue() (*storeQueue, error) {
	m.mu.RLock()
	name := m.deadLetter
	m.mu.RUnlock()
	if name == "" {
		return nil, fmt.Errorf("%w: no dead-letter queue registered", failure.ErrQueueNotFound)
	}
	return m.lookup(name)
}

// DeadLetterName returns the name of the dead-letter queue, if any.
func (m *Manager) DeadLetterName() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.deadLetter
}

// DeadLetter moves an entry of source into the dead-letter queue in one
// transaction. Correlation key, payload reference, operation, resource and
// retry count are preserved.
func (m *Manager) DeadLetter(ctx context.Context, source string, entryID int64, reason string) (*models.DeadLetterEntry, error) {
	src, err := m.lookup(source)
	if err != nil {
		return nil, err
	}
	dlq, err := m.deadLetterQueue()
	if err != nil {
		return nil, err
	}
	if src == dlq {
		return nil, failure.NewQueueError(source, "dead-letter", entryID, errors.New("entry is already dead-lettered"))
	}

	unlock := lockPair(src, dlq)
	moved, err := m.store.MoveEntry(ctx, src.name, entryID, dlq.name, &reason, false)
	unlock()
	if err != nil {
		return nil, failure.NewQueueError(source, "dead-letter", entryID, err)
	}

	metrics.IncDeadLettered(source)
	m.logger.Warn().
		Str("queue", source).
		Int64("entry_id", entryID).
		Str("correlation_key", moved.CorrelationKey).
		Str("reason", reason).
		Msg("Entry moved to dead-letter queue")
	m.publish(events.EventDeadLettered, events.EntryPayload{
		Queue:          source,
		EntryID:        moved.ID,
		CorrelationKey: moved.CorrelationKey,
		ResourceType:   moved.ResourceType,
		Operation:      moved.Operation,
		Reason:         reason,
	})
	return moved, nil
}

// DeadLetters returns one page of the dead-letter queue.
func (m *Manager) DeadLetters(ctx context.Context, offset, limit int) ([]*models.DeadLetterEntry, error) {
	dlq, err := m.deadLetterQueue()
	if err != nil {
		return nil, err
	}
	offset, limit = clampPage(offset, limit)
	entries, err := m.store.ListEntries(ctx, dlq.name, offset, limit)
	if err != nil {
		return nil, failure.NewQueueError(dlq.name, "list", 0, err)
	}
	return entries, nil
}

// GetDeadLetter loads one dead-letter entry.
func (m *Manager) GetDeadLetter(ctx context.Context, id int64) (*models.DeadLetterEntry, error) {
	dlq, err := m.deadLetterQueue()
	if err != nil {
		return nil, err
	}
	e, err := m.store.GetEntry(ctx, dlq.name, id)
	if err != nil {
		return nil, failure.NewQueueError(dlq.name, "get", id, err)
	}
	return e, nil
}

// requeueTarget picks the original queue when still registered, otherwise the
// first registered queue sharing its pattern.
func (m *Manager) requeueTarget(ctx context.Context, original string) (*storeQueue, error) {
	if q, err := m.lookup(original); err == nil {
		return q, nil
	}

	pattern := models.PatternOutbound
	if known, err := m.store.ListQueues(ctx); err == nil {
		for _, info := range known {
			if info.Name == original {
				pattern = info.Pattern
				break
			}
		}
	}

	candidates := m.ByPattern(pattern)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: no %s queue to requeue into", failure.ErrQueueNotFound, pattern)
	}
	return candidates[0].(*storeQueue), nil
}

// Requeue moves a dead-letter entry back as a fresh entry: new id, retry count
// zero, same correlation key and payload reference.
func (m *Manager) Requeue(ctx context.Context, deadLetterID int64) (*models.QueueEntry, error) {
	dlq, err := m.deadLetterQueue()
	if err != nil {
		return nil, err
	}
	dead, err := m.store.GetEntry(ctx, dlq.name, deadLetterID)
	if err != nil {
		return nil, failure.NewQueueError(dlq.name, "requeue", deadLetterID, err)
	}

	target, err := m.requeueTarget(ctx, dead.OriginalQueue)
	if err != nil {
		return nil, err
	}

	unlock := lockPair(dlq, target)
	moved, err := m.store.MoveEntry(ctx, dlq.name, deadLetterID, target.name, nil, true)
	unlock()
	if err != nil {
		return nil, failure.NewQueueError(dlq.name, "requeue", deadLetterID, err)
	}

	m.logger.Info().
		Int64("dead_letter_id", deadLetterID).
		Int64("entry_id", moved.ID).
		Str("queue", target.name).
		Str("correlation_key", moved.CorrelationKey).
		Msg("Dead-letter entry requeued")
	m.publish(events.EventRequeued, events.EntryPayload{
		Queue:          target.name,
		EntryID:        moved.ID,
		CorrelationKey: moved.CorrelationKey,
		ResourceType:   moved.ResourceType,
		Operation:      moved.Operation,
	})

	entry := moved.QueueEntry
	return &entry, nil
}

// RequeueAll requeues every dead-letter entry that came from originalQueue;
// an empty name requeues everything.
func (m *Manager) RequeueAll(ctx context.Context, originalQueue string) (int, error) {
	requeued := 0
	offset := 0
	for {
		page, err := m.DeadLetters(ctx, offset, models.MaxPageSize)
		if err != nil {
			return requeued, err
		}
		if len(page) == 0 {
			return requeued, nil
		}
		for _, dead := range page {
			if originalQueue != "" && dead.OriginalQueue != originalQueue {
				offset++
				continue
			}
			if _, err := m.Requeue(ctx, dead.ID); err != nil {
				return requeued, err
			}
			requeued++
		}
	}
}

// Purge discards a dead-letter entry and its payload.
func (m *Manager) Purge(ctx context.Context, deadLetterID int64) error {
	dlq, err := m.deadLetterQueue()
	if err != nil {
		return err
	}

	dlq.mu.Lock()
	dead, err := m.store.GetEntry(ctx, dlq.name, deadLetterID)
	if err == nil {
		err = m.store.DeleteEntry(ctx, dlq.name, deadLetterID)
	}
	dlq.mu.Unlock()
	if err != nil {
		return failure.NewQueueError(dlq.name, "purge", deadLetterID, err)
	}

	if m.payloads != nil {
		if err := m.payloads.Remove(ctx, dead.DataFileKey); err != nil && !errors.Is(err, failure.ErrPayloadNotFound) {
			m.logger.Warn().Err(err).Str("data_file_key", dead.DataFileKey).Msg("Failed to remove purged payload")
		}
	}
	m.logger.Info().Int64("dead_letter_id", deadLetterID).Str("correlation_key", dead.CorrelationKey).Msg("Dead-letter entry purged")
	return nil
}
