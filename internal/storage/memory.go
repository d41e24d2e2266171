package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/haasonsaas/archivist/pkg/models"
)

// MemoryStore is an in-process implementation of every store interface.
// It is used for the memory database driver and in tests.
type MemoryStore struct {
	mu           sync.Mutex
	state        map[string]models.CursorRecord
	messages     map[string]*models.Message
	interactions map[string]models.InteractionState
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		state:        make(map[string]models.CursorRecord),
		messages:     make(map[string]*models.Message),
		interactions: make(map[string]models.InteractionState),
	}
}

// NewMemoryStores wraps a MemoryStore in a StoreSet.
func NewMemoryStores() StoreSet {
	s := NewMemoryStore()
	return StoreSet{Cursors: s, Messages: s, Interactions: s}
}

func (s *MemoryStore) GetCursor(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state[key].Value, nil
}

func (s *MemoryStore) SetCursor(ctx context.Context, key, value string) error {
	if value == "" {
		return fmt.Errorf("cursor value is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advanceLocked(key, value)
	return nil
}

func (s *MemoryStore) advanceLocked(key, value string) {
	rec := s.state[key]
	if rec.Value != "" && models.CompareIDs(rec.Value, value) >= 0 {
		return
	}
	s.state[key] = models.CursorRecord{Key: key, Value: value, UpdatedAt: time.Now()}
}

func (s *MemoryStore) AcquireLease(ctx context.Context, key, token string, now, expiresAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.state[key]; ok {
		if rec.ExpiresAt.IsZero() || rec.ExpiresAt.After(now) {
			return false, nil
		}
	}
	s.state[key] = models.CursorRecord{Key: key, Value: token, ExpiresAt: expiresAt, UpdatedAt: now}
	return true, nil
}

func (s *MemoryStore) ReleaseLease(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.state, key)
	return nil
}

func (s *MemoryStore) ArchiveBatch(ctx context.Context, msgs []*models.Message, cursorKey string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inserted := 0
	for _, m := range msgs {
		if m == nil || m.ID == "" {
			continue
		}
		if _, exists := s.messages[m.ID]; exists {
			continue
		}
		clone := *m
		clone.Mentions = nil
		s.messages[m.ID] = &clone
		inserted++
	}
	if cursorKey != "" {
		if latest := latestID(msgs); latest != "" {
			s.advanceLocked(cursorKey, latest)
		}
	}
	return inserted, nil
}

func (s *MemoryStore) sortedChannel(channelID string) []*models.Message {
	out := make([]*models.Message, 0)
	for _, m := range s.messages {
		if m.ChannelID == channelID {
			clone := *m
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return models.CompareIDs(out[i].ID, out[j].ID) < 0
	})
	return out
}

func (s *MemoryStore) Recent(ctx context.Context, channelID string, limit int) ([]*models.Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.sortedChannel(channelID)
	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all, nil
}

func (s *MemoryStore) List(ctx context.Context, channelID, afterID string, limit int) ([]*models.Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Message
	for _, m := range s.sortedChannel(channelID) {
		if afterID != "" && models.CompareIDs(m.ID, afterID) <= 0 {
			continue
		}
		out = append(out, m)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// Count returns the number of archived messages.
func (s *MemoryStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

func (s *MemoryStore) RecordInteraction(ctx context.Context, in *models.Interaction) (bool, error) {
	if in == nil || in.ID == "" {
		return false, fmt.Errorf("interaction is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, seen := s.interactions[in.ID]; seen {
		return true, nil
	}
	s.interactions[in.ID] = in.State()
	return false, nil
}

func (s *MemoryStore) UpdateInteractionState(ctx context.Context, id string, state models.InteractionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.interactions[id]; !ok {
		return ErrNotFound
	}
	s.interactions[id] = state
	return nil
}

// InteractionState returns the recorded state for id.
func (s *MemoryStore) InteractionState(id string) (models.InteractionState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.interactions[id]
	return st, ok
}
