// Package lease provides the time-bounded exclusive lock that keeps sync runs
// from overlapping.
package lease

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/archivist/internal/storage"
)

// ErrHeld is returned by callers that treat contention as an outcome.
// Acquire itself reports contention as granted=false.
var ErrHeld = errors.New("lease held by another run")

// Manager grants and releases leases. Acquire never blocks waiting for a
// holder; Release deletes the lease unconditionally.
type Manager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// StoreLease is a Manager backed by the cursor table's conditional upsert.
type StoreLease struct {
	store  storage.CursorStore
	now    func() time.Time
	logger *slog.Logger
}

// NewStoreLease creates a database-backed lease manager.
func NewStoreLease(store storage.CursorStore, logger *slog.Logger) *StoreLease {
	if logger == nil {
		logger = slog.Default()
	}
	return &StoreLease{store: store, now: time.Now, logger: logger.With("component", "lease", "backend", "database")}
}

func (l *StoreLease) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, fmt.Errorf("lease ttl must be positive")
	}
	now := l.now()
	granted, err := l.store.AcquireLease(ctx, key, uuid.NewString(), now, now.Add(ttl))
	if err != nil {
		return false, err
	}
	if !granted {
		l.logger.Debug("lease not granted", "key", key)
	}
	return granted, nil
}

func (l *StoreLease) Release(ctx context.Context, key string) error {
	return l.store.ReleaseLease(ctx, key)
}

// Guard acquires key and returns a release func that is safe to defer.
// It returns ErrHeld when another run owns the lease.
func Guard(ctx context.Context, m Manager, key string, ttl time.Duration, logger *slog.Logger) (func(), error) {
	granted, err := m.Acquire(ctx, key, ttl)
	if err != nil {
		return nil, fmt.Errorf("acquire lease: %w", err)
	}
	if !granted {
		return nil, ErrHeld
	}
	return func() {
		// Release with a fresh context so a cancelled run still unlocks.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := m.Release(releaseCtx, key); err != nil && logger != nil {
			logger.Error("failed to release lease", "key", key, "error", err)
		}
	}, nil
}
