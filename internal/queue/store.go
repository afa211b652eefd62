// Package queue persists the pending-operation queue in the local durable
// key-value store.
package queue

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/c.mueller/offline-sync/internal/models"
)

// DefaultKey is the local storage key holding the serialized queue.
const DefaultKey = "offlineQueue"

// LocalStore is the local durable key-value medium. Both methods may fail
// (quota exhaustion, corruption).
type LocalStore interface {
	GetItem(key string) (value string, ok bool, err error)
	SetItem(key, value string) error
}

// Store owns the on-disk representation of the queue.
type Store struct {
	local  LocalStore
	key    string
	logger *slog.Logger
}

// NewStore creates a queue store writing under key (DefaultKey when empty).
func NewStore(local LocalStore, key string, logger *slog.Logger) *Store {
	if key == "" {
		key = DefaultKey
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Store{local: local, key: key, logger: logger}
}

// Load reads the persisted queue. It never fails: missing, unreadable or
// unparsable data yields an empty queue, and individually malformed or
// duplicate entries are skipped.
func (s *Store) Load() []models.QueueItem {
	raw, ok, err := s.local.GetItem(s.key)
	if err != nil {
		s.logger.Warn("failed to read offline queue, starting empty", "key", s.key, "error", err)
		return []models.QueueItem{}
	}
	if !ok || raw == "" {
		return []models.QueueItem{}
	}

	var entries []json.RawMessage
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		s.logger.Warn("offline queue is corrupt, starting empty", "key", s.key, "error", err)
		return []models.QueueItem{}
	}

	items := make([]models.QueueItem, 0, len(entries))
	seen := make(map[string]bool, len(entries))
	for i, entry := range entries {
		var item models.QueueItem
		if err := json.Unmarshal(entry, &item); err != nil {
			s.logger.Warn("skipping malformed queue entry", "index", i, "error", err)
			continue
		}
		if seen[item.ID] {
			s.logger.Warn("skipping duplicate queue entry", "id", item.ID)
			continue
		}
		seen[item.ID] = true
		items = append(items, item)
	}

	return items
}

// Save writes items back to local storage. The caller decides what a
// failure means; Save only reports it.
func (s *Store) Save(items []models.QueueItem) error {
	if items == nil {
		items = []models.QueueItem{}
	}

	data, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("failed to encode queue: %w", err)
	}

	if err := s.local.SetItem(s.key, string(data)); err != nil {
		return fmt.Errorf("failed to persist queue: %w", err)
	}
	return nil
}
