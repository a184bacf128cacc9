package store

import (
	"fmt"

	"mxcache/internal/kv"
)

// NotificationStore remembers which events already raised a desktop
// notification.
type NotificationStore struct {
	store *Store
}

// NewNotificationStore creates a new NotificationStore.
func NewNotificationStore(s *Store) *NotificationStore {
	return &NotificationStore{store: s}
}

// MarkSentNotification records that eventID was notified.
func (s *NotificationStore) MarkSentNotification(eventID string) error {
	return s.put(eventID, true)
}

// RemoveReadNotification forgets eventID once it has been read.
func (s *NotificationStore) RemoveReadNotification(eventID string) error {
	return s.put(eventID, false)
}

func (s *NotificationStore) put(eventID string, sent bool) error {
	err := s.store.update(func(txn kv.Txn) error {
		tbl, err := txn.Table(tableNotifications)
		if err != nil {
			return err
		}
		if sent {
			return tbl.Put([]byte(eventID), nil)
		}
		return tbl.Delete([]byte(eventID))
	})
	if err != nil {
		return fmt.Errorf("failed to update notification %s: %w", eventID, err)
	}
	return nil
}

// IsNotificationSent reports whether eventID was notified and not yet read.
func (s *NotificationStore) IsNotificationSent(eventID string) bool {
	var sent bool
	err := s.store.view(func(txn kv.Txn) error {
		tbl, err := txn.Table(tableNotifications)
		if err != nil {
			return err
		}
		sent, err = exists(tbl, eventID)
		return err
	})
	if err != nil {
		s.store.log.Errorf("Failed to check notification %s: %v", eventID, err)
	}
	return sent
}
