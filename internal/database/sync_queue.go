package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/santedb/santedb-dc-core-sub006/internal/failure"
	"github.com/santedb/santedb-dc-core-sub006/internal/models"
)

const entryColumns = `id, queue, correlation_key, creation_time, resource_type, resource_key,
       data_file_key, operation, retry_count, original_queue, reason`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*models.DeadLetterEntry, error) {
	var (
		e        models.DeadLetterEntry
		op       string
		original sql.NullString
		reason   sql.NullString
	)
	err := row.Scan(
		&e.ID, &e.Queue, &e.CorrelationKey, &e.CreationTime, &e.ResourceType, &e.ResourceKey,
		&e.DataFileKey, &op, &e.RetryCount, &original, &reason,
	)
	if err != nil {
		return nil, err
	}
	e.Operation = models.Operation(op)
	e.OriginalQueue = original.String
	e.ReasonForRejection = reason.String
	return &e, nil
}

func scanEntries(rows *sql.Rows) ([]*models.DeadLetterEntry, error) {
	defer rows.Close()

	var entries []*models.DeadLetterEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func plain(entries []*models.DeadLetterEntry) []*models.QueueEntry {
	out := make([]*models.QueueEntry, 0, len(entries))
	for _, e := range entries {
		entry := e.QueueEntry
		out = append(out, &entry)
	}
	return out
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertEntry(ctx context.Context, ex execer, queue string, e *models.QueueEntry, original, reason *string) (int64, error) {
	query := `INSERT INTO sync_queue_entries (queue, correlation_key, creation_time, resource_type, resource_key,
              data_file_key, operation, retry_count, original_queue, reason)
              VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	result, err := ex.ExecContext(ctx, query,
		queue,
		e.CorrelationKey,
		e.CreationTime.UTC(),
		e.ResourceType,
		e.ResourceKey,
		e.DataFileKey,
		string(e.Operation),
		e.RetryCount,
		original,
		reason,
	)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// RegisterQueue records a queue and returns the pattern it is registered with.
func (db *DB) RegisterQueue(ctx context.Context, name string, pattern models.QueuePattern) (models.QueuePattern, error) {
	_, err := db.ExecContext(ctx,
		`INSERT OR IGNORE INTO sync_queues (name, pattern, created_at) VALUES (?, ?, ?)`,
		name, string(pattern), time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("failed to register queue %s: %w", name, err)
	}

	var stored string
	if err := db.QueryRowContext(ctx, `SELECT pattern FROM sync_queues WHERE name = ?`, name).Scan(&stored); err != nil {
		return "", fmt.Errorf("failed to read queue %s: %w", name, err)
	}
	return models.QueuePattern(stored), nil
}

// ListQueues returns every registered queue ordered by name.
func (db *DB) ListQueues(ctx context.Context) ([]models.QueueInfo, error) {
	rows, err := db.QueryContext(ctx, `SELECT name, pattern FROM sync_queues ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list queues: %w", err)
	}
	defer rows.Close()

	var queues []models.QueueInfo
	for rows.Next() {
		var q models.QueueInfo
		var pattern string
		if err := rows.Scan(&q.Name, &pattern); err != nil {
			return nil, fmt.Errorf("failed to scan queue: %w", err)
		}
		q.Pattern = models.QueuePattern(pattern)
		queues = append(queues, q)
	}
	return queues, rows.Err()
}

// InsertEntry appends e to queue and fills its ID.
func (db *DB) InsertEntry(ctx context.Context, queue string, e *models.QueueEntry) error {
	id, err := insertEntry(ctx, db, queue, e, nil, nil)
	if err != nil {
		return fmt.Errorf("failed to insert queue entry: %w", err)
	}
	e.ID = id
	e.Queue = queue
	return nil
}

// OldestEntry returns the head of queue, or nil when it is empty.
func (db *DB) OldestEntry(ctx context.Context, queue string) (*models.QueueEntry, error) {
	row := db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM sync_queue_entries WHERE queue = ? ORDER BY id ASC LIMIT 1`, queue)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read queue head: %w", err)
	}
	return &e.QueueEntry, nil
}

// TakeOldest removes and returns the head of queue in one transaction.
func (db *DB) TakeOldest(ctx context.Context, queue string) (*models.QueueEntry, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM sync_queue_entries WHERE queue = ? ORDER BY id ASC LIMIT 1`, queue)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read queue head: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sync_queue_entries WHERE id = ?`, e.ID); err != nil {
		return nil, fmt.Errorf("failed to remove queue head: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &e.QueueEntry, nil
}

// GetEntry loads a single entry of queue.
func (db *DB) GetEntry(ctx context.Context, queue string, id int64) (*models.DeadLetterEntry, error) {
	row := db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM sync_queue_entries WHERE queue = ? AND id = ?`, queue, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, failure.ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get queue entry: %w", err)
	}
	return e, nil
}

// DeleteEntry removes an entry; a missing entry is ErrEntryNotFound.
func (db *DB) DeleteEntry(ctx context.Context, queue string, id int64) error {
	result, err := db.ExecContext(ctx, `DELETE FROM sync_queue_entries WHERE queue = ? AND id = ?`, queue, id)
	if err != nil {
		return fmt.Errorf("failed to delete queue entry: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return failure.ErrEntryNotFound
	}
	return nil
}

// CountEntries returns the depth of queue.
func (db *DB) CountEntries(ctx context.Context, queue string) (int, error) {
	var n int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_queue_entries WHERE queue = ?`, queue).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count queue entries: %w", err)
	}
	return n, nil
}

// ListEntries returns one FIFO-ordered page of queue.
func (db *DB) ListEntries(ctx context.Context, queue string, offset, limit int) ([]*models.DeadLetterEntry, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM sync_queue_entries WHERE queue = ? ORDER BY id ASC LIMIT ? OFFSET ?`,
		queue, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list queue entries: %w", err)
	}
	return scanEntries(rows)
}

// FindEntries returns the entries of queue that carry the given resource.
func (db *DB) FindEntries(ctx context.Context, queue, resourceType, resourceKey string) ([]*models.QueueEntry, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM sync_queue_entries
         WHERE queue = ? AND resource_type = ? AND resource_key = ? ORDER BY id ASC`,
		queue, resourceType, resourceKey)
	if err != nil {
		return nil, fmt.Errorf("failed to find queue entries: %w", err)
	}
	entries, err := scanEntries(rows)
	if err != nil {
		return nil, err
	}
	return plain(entries), nil
}

// IncrementRetry bumps the retry counter and returns the new value.
func (db *DB) IncrementRetry(ctx context.Context, queue string, id int64) (int, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`UPDATE sync_queue_entries SET retry_count = retry_count + 1 WHERE queue = ? AND id = ?`, queue, id)
	if err != nil {
		return 0, fmt.Errorf("failed to increment retry count: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return 0, failure.ErrEntryNotFound
	}

	var count int
	if err := tx.QueryRowContext(ctx, `SELECT retry_count FROM sync_queue_entries WHERE id = ?`, id).Scan(&count); err != nil {
		return 0, err
	}
	return count, tx.Commit()
}

// MoveEntry moves an entry of source into target in one transaction. When
// reason is non-nil the copy is marked as dead-lettered from source; when
// fresh is set the copy gets a new id and a zero retry count.
func (db *DB) MoveEntry(ctx context.Context, source string, id int64, target string, reason *string, fresh bool) (*models.DeadLetterEntry, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM sync_queue_entries WHERE queue = ? AND id = ?`, source, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, failure.ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read queue entry: %w", err)
	}

	moved := e.QueueEntry
	if fresh {
		moved.RetryCount = 0
	}
	var original *string
	if reason != nil {
		original = &source
	}

	newID, err := insertEntry(ctx, tx, target, &moved, original, reason)
	if err != nil {
		return nil, fmt.Errorf("failed to copy queue entry: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sync_queue_entries WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("failed to remove source entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	moved.ID = newID
	moved.Queue = target
	out := &models.DeadLetterEntry{QueueEntry: moved}
	if reason != nil {
		out.OriginalQueue = source
		out.ReasonForRejection = *reason
	}
	return out, nil
}
