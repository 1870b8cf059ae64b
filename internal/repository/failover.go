package repository

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/santedb/santedb-dc-core-sub006/internal/domain"
	"github.com/santedb/santedb-dc-core-sub006/internal/failure"

	"github.com/rs/zerolog"
)

const recoveryInterval = time.Minute

// FailoverPayloadStore writes to the primary store and switches to the
// fallback while the primary is failing. Reads consult both stores because a
// payload written during an outage lives only in the fallback.
type FailoverPayloadStore struct {
	primary  domain.PayloadStore
	fallback domain.PayloadStore
	logger   *zerolog.Logger
	isDown   atomic.Bool

	mu        sync.Mutex
	lastCheck time.Time
}

func NewFailoverPayloadStore(primary, fallback domain.PayloadStore, logger *zerolog.Logger) *FailoverPayloadStore {
	return &FailoverPayloadStore{
		primary:  primary,
		fallback: fallback,
		logger:   logger,
	}
}

func (r *FailoverPayloadStore) markDown(err error) {
	r.logger.Error().Err(err).Msg("Primary payload store failed, using fallback store")
	r.isDown.Store(true)
	r.mu.Lock()
	r.lastCheck = time.Now()
	r.mu.Unlock()
}

// usePrimary reports whether the primary should be tried, allowing one
// recovery probe per interval while it is down.
func (r *FailoverPayloadStore) usePrimary() bool {
	if !r.isDown.Load() {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if time.Since(r.lastCheck) > recoveryInterval {
		r.lastCheck = time.Now()
		return true
	}
	return false
}

func (r *FailoverPayloadStore) recovered() {
	if r.isDown.CompareAndSwap(true, false) {
		r.logger.Info().Msg("Primary payload store recovered")
	}
}

func (r *FailoverPayloadStore) Save(ctx context.Context, data []byte) (string, error) {
	if r.usePrimary() {
		key, err := r.primary.Save(ctx, data)
		if err == nil {
			r.recovered()
			return key, nil
		}
		r.markDown(err)
	}
	return r.fallback.Save(ctx, data)
}

func (r *FailoverPayloadStore) Get(ctx context.Context, key string) ([]byte, error) {
	if r.usePrimary() {
		data, err := r.primary.Get(ctx, key)
		if err == nil {
			r.recovered()
			return data, nil
		}
		if !errors.Is(err, failure.ErrPayloadNotFound) {
			r.markDown(err)
		}
	}
	return r.fallback.Get(ctx, key)
}

func (r *FailoverPayloadStore) Copy(ctx context.Context, key string) (string, error) {
	data, err := r.Get(ctx, key)
	if err != nil {
		return "", err
	}
	return r.Save(ctx, data)
}

// Remove deletes the key from both stores.
func (r *FailoverPayloadStore) Remove(ctx context.Context, key string) error {
	if r.usePrimary() {
		if err := r.primary.Remove(ctx, key); err != nil {
			r.markDown(err)
		} else {
			r.recovered()
		}
	}
	return r.fallback.Remove(ctx, key)
}

// Degraded reports whether the fallback is currently in use.
func (r *FailoverPayloadStore) Degraded() bool {
	return r.isDown.Load()
}
