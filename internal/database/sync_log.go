package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SyncLog stores the pull cursor of every (resource type, filter) pair.
type SyncLog struct {
	db *DB
}

func NewSyncLog(db *DB) *SyncLog {
	return &SyncLog{db: db}
}

// LastSynced returns the zero time when the pair was never pulled.
func (l *SyncLog) LastSynced(ctx context.Context, resourceType, filter string) (time.Time, error) {
	var at time.Time
	err := l.db.QueryRowContext(ctx,
		`SELECT last_synced FROM sync_log WHERE resource_type = ? AND filter = ?`,
		resourceType, filter).Scan(&at)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read sync log: %w", err)
	}
	return at, nil
}

func (l *SyncLog) SetLastSynced(ctx context.Context, resourceType, filter string, at time.Time) error {
	_, err := l.db.ExecContext(ctx, `
        INSERT INTO sync_log (resource_type, filter, last_synced, updated_at)
        VALUES (?, ?, ?, ?)
        ON CONFLICT(resource_type, filter) DO UPDATE SET
            last_synced = excluded.last_synced,
            updated_at = excluded.updated_at`,
		resourceType, filter, at.UTC(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to write sync log: %w", err)
	}
	return nil
}
