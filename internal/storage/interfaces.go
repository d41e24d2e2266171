// Package storage persists archived messages, the sync cursor, the run
// lease and the interaction audit log.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/haasonsaas/archivist/pkg/models"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// CursorStore is the small key-value table holding the ingestion cursor and
// the database-backed run lease.
type CursorStore interface {
	// GetCursor returns the stored value, or "" when the key is absent.
	GetCursor(ctx context.Context, key string) (string, error)
	// SetCursor stores value unless the current value is already later.
	SetCursor(ctx context.Context, key, value string) error
	// AcquireLease atomically writes token under key when the key is absent
	// or its expiry is not after now. It reports whether the write happened.
	AcquireLease(ctx context.Context, key, token string, now, expiresAt time.Time) (bool, error)
	// ReleaseLease deletes key unconditionally.
	ReleaseLease(ctx context.Context, key string) error
}

// MessageStore persists archived messages.
type MessageStore interface {
	// ArchiveBatch inserts messages, ignoring IDs already present, and
	// advances cursorKey to the latest ID in the batch in the same
	// transaction. It returns the number of newly inserted rows.
	ArchiveBatch(ctx context.Context, msgs []*models.Message, cursorKey string) (int, error)
	// Recent returns up to limit of the newest messages in a channel, oldest first.
	Recent(ctx context.Context, channelID string, limit int) ([]*models.Message, error)
	// List pages through a channel in ascending ID order after afterID.
	List(ctx context.Context, channelID, afterID string, limit int) ([]*models.Message, error)
}

// InteractionStore is the audit log of received interactions.
type InteractionStore interface {
	// RecordInteraction stores a newly received interaction. It reports
	// duplicate=true when the ID was seen before.
	RecordInteraction(ctx context.Context, in *models.Interaction) (duplicate bool, err error)
	UpdateInteractionState(ctx context.Context, id string, state models.InteractionState) error
}

// StoreSet groups storage dependencies.
type StoreSet struct {
	Cursors      CursorStore
	Messages     MessageStore
	Interactions InteractionStore
	closer       func() error
}

// Close closes any underlying resources.
func (s StoreSet) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}

func latestID(msgs []*models.Message) string {
	var latest string
	for _, m := range msgs {
		if m != nil {
			latest = models.LaterID(latest, m.ID)
		}
	}
	return latest
}
