package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/santedb/santedb-dc-core-sub006/internal/failure"
	"github.com/santedb/santedb-dc-core-sub006/internal/models"

	"github.com/mattn/go-sqlite3"
)

// RecordStore is the local copy of pulled records. It applies inbound
// entries for the synchronization worker.
type RecordStore struct {
	db *DB
}

func NewRecordStore(db *DB) *RecordStore {
	return &RecordStore{db: db}
}

// Apply writes one inbound entry. Bundles are applied in one transaction.
// A busy or locked database is reported as a transient failure.
func (s *RecordStore) Apply(ctx context.Context, entry models.QueueEntry, payload []byte) error {
	records := []models.RemoteRecord{{
		ResourceType: entry.ResourceType,
		ResourceKey:  entry.ResourceKey,
		Payload:      payload,
	}}
	if entry.IsBundle() {
		decoded, err := models.DecodeBundle(payload)
		if err != nil {
			return failure.NewRejection(failure.RejectValidation, "%v", err)
		}
		records = decoded
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeError(err)
	}
	defer tx.Rollback()

	for _, rec := range records {
		if rec.ResourceType == "" {
			rec.ResourceType = entry.ResourceType
		}
		if rec.ResourceKey == "" {
			return failure.NewRejection(failure.RejectValidation, "%s record without key", rec.ResourceType)
		}

		if entry.Operation == models.OperationObsolete {
			_, err = tx.ExecContext(ctx,
				`DELETE FROM local_records WHERE resource_type = ? AND resource_key = ?`,
				rec.ResourceType, rec.ResourceKey)
		} else {
			_, err = tx.ExecContext(ctx, `
                INSERT INTO local_records (resource_type, resource_key, payload, modified_on, updated_at)
                VALUES (?, ?, ?, ?, ?)
                ON CONFLICT(resource_type, resource_key) DO UPDATE SET
                    payload = excluded.payload,
                    modified_on = excluded.modified_on,
                    updated_at = excluded.updated_at`,
				rec.ResourceType, rec.ResourceKey, rec.Payload, nullTime(rec.ModifiedOn), time.Now().UTC())
		}
		if err != nil {
			return storeError(err)
		}
	}
	return storeError(tx.Commit())
}

// Get returns the stored payload of a record.
func (s *RecordStore) Get(ctx context.Context, resourceType, resourceKey string) ([]byte, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM local_records WHERE resource_type = ? AND resource_key = ?`,
		resourceType, resourceKey).Scan(&payload)
	if err != nil {
		return nil, fmt.Errorf("failed to get local record: %w", err)
	}
	return payload, nil
}

// Count returns the number of local records of resourceType.
func (s *RecordStore) Count(ctx context.Context, resourceType string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM local_records WHERE resource_type = ?`, resourceType).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count local records: %w", err)
	}
	return n, nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func storeError(err error) error {
	if err == nil {
		return nil
	}
	if isBusy(err) {
		return &failure.TransportError{Op: "local store", Err: err}
	}
	return fmt.Errorf("failed to apply record: %w", err)
}

func isBusy(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && (sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked)
}
