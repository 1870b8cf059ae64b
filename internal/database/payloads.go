package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/santedb/santedb-dc-core-sub006/internal/failure"

	"github.com/google/uuid"
)

// PayloadStore keeps queue payloads in the sqlite file next to the entries
// that reference them, so a data file key resolves across restarts.
type PayloadStore struct {
	db *DB
}

func NewPayloadStore(db *DB) *PayloadStore {
	return &PayloadStore{db: db}
}

func (s *PayloadStore) Save(ctx context.Context, data []byte) (string, error) {
	if data == nil {
		data = []byte{}
	}
	key := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `INSERT INTO payloads (key, data) VALUES (?, ?)`, key, data)
	if err != nil {
		return "", payloadError("save", err)
	}
	return key, nil
}

func (s *PayloadStore) Get(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM payloads WHERE key = ?`, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", failure.ErrPayloadNotFound, key)
	}
	if err != nil {
		return nil, payloadError("get", err)
	}
	return data, nil
}

// Copy duplicates a payload under a new key without reading it into memory.
func (s *PayloadStore) Copy(ctx context.Context, key string) (string, error) {
	next := uuid.NewString()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO payloads (key, data) SELECT ?, data FROM payloads WHERE key = ?`, next, key)
	if err != nil {
		return "", payloadError("copy", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return "", fmt.Errorf("%w: %s", failure.ErrPayloadNotFound, key)
	}
	return next, nil
}

// Remove is idempotent.
func (s *PayloadStore) Remove(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM payloads WHERE key = ?`, key); err != nil {
		return payloadError("remove", err)
	}
	return nil
}

// Count returns the number of stored payloads.
func (s *PayloadStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM payloads`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count payloads: %w", err)
	}
	return n, nil
}

func payloadError(op string, err error) error {
	if isBusy(err) {
		return &failure.TransportError{Op: op + " payload", Err: err}
	}
	return fmt.Errorf("failed to %s payload: %w", op, err)
}
