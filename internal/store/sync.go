package store

import (
	"errors"

	"mxcache/internal/kv"
)

// SyncStateStore reads the sync position of the account.
type SyncStateStore struct {
	store *Store
}

// NewSyncStateStore creates a new SyncStateStore.
func NewSyncStateStore(s *Store) *SyncStateStore {
	return &SyncStateStore{store: s}
}

// NextBatchToken returns the token to resume sync from, empty before the
// first sync.
func (s *SyncStateStore) NextBatchToken() string {
	var token string
	err := s.store.view(func(txn kv.Txn) error {
		tbl, err := txn.Table(tableSyncState)
		if err != nil {
			return err
		}
		raw, err := tbl.Get([]byte(keyNextBatch))
		if errors.Is(err, kv.ErrNotFound) {
			return nil
		}
		token = string(raw)
		return err
	})
	if err != nil {
		s.store.log.Errorf("Failed to read next batch token: %v", err)
		return ""
	}
	return token
}

// IsInitialized reports whether an initial sync has been saved.
func (s *SyncStateStore) IsInitialized() bool {
	return s.NextBatchToken() != ""
}
