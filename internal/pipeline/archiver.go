package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/haasonsaas/archivist/internal/observability"
	"github.com/haasonsaas/archivist/internal/storage"
	"github.com/haasonsaas/archivist/pkg/models"
)

// ErrMalformedMessage marks a message that cannot be archived. It is dropped
// from its batch; the rest of the batch continues.
var ErrMalformedMessage = errors.New("malformed message")

// Archiver persists fetched messages and advances the cursor with them.
type Archiver struct {
	store     storage.MessageStore
	cursorKey string
	metrics   *observability.Metrics
	logger    *slog.Logger
}

// NewArchiver creates an Archiver writing cursorKey.
func NewArchiver(store storage.MessageStore, cursorKey string, metrics *observability.Metrics, logger *slog.Logger) *Archiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{
		store:     store,
		cursorKey: cursorKey,
		metrics:   metrics,
		logger:    logger.With("component", "archiver"),
	}
}

// Archive validates batch, inserts the valid messages ignoring known IDs and
// advances the cursor to the latest one in the same write. It returns the
// messages that were handed to the store and how many rows were new.
func (a *Archiver) Archive(ctx context.Context, batch []*models.Message) ([]*models.Message, int, error) {
	valid := make([]*models.Message, 0, len(batch))
	for _, m := range batch {
		if err := ValidateMessage(m); err != nil {
			a.logger.Warn("dropping message", "error", err)
			a.metrics.RecordSkipped("malformed", 1)
			continue
		}
		valid = append(valid, m)
	}
	if len(valid) == 0 {
		return nil, 0, nil
	}
	inserted, err := a.store.ArchiveBatch(ctx, valid, a.cursorKey)
	if err != nil {
		return nil, 0, fmt.Errorf("archive %d messages: %w", len(valid), err)
	}
	return valid, inserted, nil
}

// ValidateMessage reports whether m has the fields the archive requires.
func ValidateMessage(m *models.Message) error {
	switch {
	case m == nil:
		return fmt.Errorf("%w: nil", ErrMalformedMessage)
	case m.ID == "":
		return fmt.Errorf("%w: missing id", ErrMalformedMessage)
	case m.ChannelID == "":
		return fmt.Errorf("%w: message %s has no channel", ErrMalformedMessage, m.ID)
	case m.AuthorID == "":
		return fmt.Errorf("%w: message %s has no author", ErrMalformedMessage, m.ID)
	}
	if _, err := strconv.ParseUint(m.ID, 10, 64); err != nil {
		return fmt.Errorf("%w: id %q is not a snowflake", ErrMalformedMessage, m.ID)
	}
	return nil
}
