package store

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"mxcache/internal/kv"
)

// IgnoredUser is a user on the account's ignore list.
type IgnoredUser struct {
	UserID    string
	IgnoredAt time.Time
}

// IgnoreStore handles the account's ignore list, fed from the
// m.ignored_user_list account data.
type IgnoreStore struct {
	store *Store
}

// NewIgnoreStore creates a new IgnoreStore.
func NewIgnoreStore(s *Store) *IgnoreStore {
	return &IgnoreStore{store: s}
}

// Put adds or refreshes an ignored user.
func (s *IgnoreStore) Put(userID string) error {
	return s.PutMany([]string{userID})
}

// PutMany adds multiple ignored users at once.
func (s *IgnoreStore) PutMany(userIDs []string) error {
	if len(userIDs) == 0 {
		return nil
	}
	now := s.store.opts.Now()
	err := s.store.update(func(txn kv.Txn) error {
		tbl, err := txn.Table(tableIgnoredUsers)
		if err != nil {
			return err
		}
		return putIgnored(tbl, userIDs, now)
	})
	if err != nil {
		return fmt.Errorf("failed to ignore users: %w", err)
	}
	return nil
}

// Remove removes a user from the ignore list.
func (s *IgnoreStore) Remove(userID string) error {
	err := s.store.update(func(txn kv.Txn) error {
		tbl, err := txn.Table(tableIgnoredUsers)
		if err != nil {
			return err
		}
		return tbl.Delete([]byte(userID))
	})
	if err != nil {
		return fmt.Errorf("failed to unignore user: %w", err)
	}
	return nil
}

// Replace replaces the entire ignore list. Users already on the list keep
// their original timestamp.
func (s *IgnoreStore) Replace(userIDs []string) error {
	now := s.store.opts.Now()
	if err := s.store.update(func(txn kv.Txn) error { return replaceIgnored(txn, userIDs, now) }); err != nil {
		return fmt.Errorf("failed to replace ignore list: %w", err)
	}
	return nil
}

func replaceIgnored(txn kv.Txn, userIDs []string, now time.Time) error {
	tbl, err := txn.Table(tableIgnoredUsers)
	if err != nil {
		return err
	}

	keep := make(map[string]bool, len(userIDs))
	for _, userID := range userIDs {
		keep[userID] = true
	}
	c := tbl.Cursor()
	for k, _ := c.First(); k != nil; {
		if keep[string(k)] {
			delete(keep, string(k))
			k, _ = c.Next()
			continue
		}
		if err := c.Delete(); err != nil {
			return err
		}
		k, _ = c.Next()
	}
	if err := c.Err(); err != nil {
		return err
	}

	added := make([]string, 0, len(keep))
	for userID := range keep {
		added = append(added, userID)
	}
	return putIgnored(tbl, added, now)
}

func putIgnored(tbl kv.Table, userIDs []string, now time.Time) error {
	ts := []byte(strconv.FormatInt(now.Unix(), 10))
	for _, userID := range userIDs {
		if err := tbl.Put([]byte(userID), ts); err != nil {
			return err
		}
	}
	return nil
}

// All returns the ignore list, most recently ignored first.
func (s *IgnoreStore) All() []IgnoredUser {
	var result []IgnoredUser
	err := s.store.view(func(txn kv.Txn) error {
		tbl, err := txn.Table(tableIgnoredUsers)
		if err != nil {
			return err
		}
		c := tbl.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			sec, _ := strconv.ParseInt(string(v), 10, 64)
			result = append(result, IgnoredUser{UserID: string(k), IgnoredAt: time.Unix(sec, 0)})
		}
		return c.Err()
	})
	if err != nil {
		s.store.log.Errorf("Failed to read ignore list: %v", err)
		return nil
	}

	sort.SliceStable(result, func(i, j int) bool { return result[i].IgnoredAt.After(result[j].IgnoredAt) })
	return result
}

// IsIgnored checks if a user is ignored.
func (s *IgnoreStore) IsIgnored(userID string) bool {
	var ignored bool
	err := s.store.view(func(txn kv.Txn) error {
		tbl, err := txn.Table(tableIgnoredUsers)
		if err != nil {
			return err
		}
		_, err = tbl.Get([]byte(userID))
		if errors.Is(err, kv.ErrNotFound) {
			return nil
		}
		ignored = err == nil
		return err
	})
	if err != nil {
		s.store.log.Errorf("Failed to check ignore list: %v", err)
	}
	return ignored
}

// Count returns the number of ignored users.
func (s *IgnoreStore) Count() int {
	var n int
	err := s.store.view(func(txn kv.Txn) error {
		tbl, err := txn.Table(tableIgnoredUsers)
		if err != nil {
			return err
		}
		n, err = tbl.Len()
		return err
	})
	if err != nil {
		s.store.log.Errorf("Failed to count ignored users: %v", err)
	}
	return n
}
