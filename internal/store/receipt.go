package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"mxcache/internal/kv"
	"mxcache/internal/metrics"
)

// ReadReceiptsEvent is dispatched when pending receipts of a room have been
// confirmed read by other users.
type ReadReceiptsEvent struct {
	RoomID   string
	EventIDs []string
}

// UserReceipt is one user's read receipt for an event.
type UserReceipt struct {
	UserID    string
	Timestamp uint64
}

// receiptKey identifies the receipts of one event in one room.
type receiptKey struct {
	EventID string `json:"event_id"`
	RoomID  string `json:"room_id"`
}

func (k receiptKey) bytes() []byte {
	// Marshalling a struct of two strings cannot fail.
	b, _ := json.Marshal(k)
	return b
}

// ReceiptStore tracks read receipts and locally sent receipts awaiting
// confirmation.
type ReceiptStore struct {
	store *Store
}

// NewReceiptStore creates a new ReceiptStore.
func NewReceiptStore(s *Store) *ReceiptStore {
	return &ReceiptStore{store: s}
}

// UpdateReadReceipt merges receipts (event id -> user id -> timestamp) into
// the stored sets. Existing users not in the update are kept.
func (s *ReceiptStore) UpdateReadReceipt(roomID string, receipts map[string]map[string]uint64) error {
	if err := s.store.update(func(txn kv.Txn) error { return mergeReadReceipts(txn, roomID, receipts) }); err != nil {
		return fmt.Errorf("failed to update read receipts: %w", err)
	}
	return nil
}

func mergeReadReceipts(txn kv.Txn, roomID string, receipts map[string]map[string]uint64) error {
	tbl, err := txn.Table(tableReadReceipts)
	if err != nil {
		return err
	}
	for eventID, users := range receipts {
		key := receiptKey{EventID: eventID, RoomID: roomID}.bytes()

		merged, err := readReceiptSet(tbl, key)
		if err != nil {
			return err
		}
		for userID, ts := range users {
			merged[userID] = ts
		}

		raw, err := json.Marshal(merged)
		if err != nil {
			return err
		}
		if err := tbl.Put(key, raw); err != nil {
			return err
		}
	}
	return nil
}

// readReceiptSet returns the stored set, empty if absent or unreadable.
func readReceiptSet(tbl kv.Table, key []byte) (map[string]uint64, error) {
	set := make(map[string]uint64)
	raw, err := tbl.Get(key)
	if errors.Is(err, kv.ErrNotFound) {
		return set, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, &set); err != nil {
		return make(map[string]uint64), nil
	}
	return set, nil
}

// ReadReceipts returns the receipts for an event, newest first.
func (s *ReceiptStore) ReadReceipts(eventID, roomID string) []UserReceipt {
	var out []UserReceipt
	err := s.store.view(func(txn kv.Txn) error {
		tbl, err := txn.Table(tableReadReceipts)
		if err != nil {
			return err
		}
		set, err := readReceiptSet(tbl, receiptKey{EventID: eventID, RoomID: roomID}.bytes())
		if err != nil {
			return err
		}
		for userID, ts := range set {
			out = append(out, UserReceipt{UserID: userID, Timestamp: ts})
		}
		return nil
	})
	if err != nil {
		s.store.log.Errorf("Failed to read receipts of %s: %v", eventID, err)
		return nil
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp > out[j].Timestamp
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

// AddPendingReceipt records a receipt sent for eventID that sync has not
// confirmed yet.
func (s *ReceiptStore) AddPendingReceipt(roomID, eventID string) error {
	err := s.store.update(func(txn kv.Txn) error {
		tbl, err := txn.Table(tablePendingReceipts)
		if err != nil {
			return err
		}
		return tbl.Put(receiptKey{EventID: eventID, RoomID: roomID}.bytes(), nil)
	})
	if err != nil {
		return fmt.Errorf("failed to add pending receipt: %w", err)
	}
	return nil
}

// RemovePendingReceipt drops a pending receipt.
func (s *ReceiptStore) RemovePendingReceipt(roomID, eventID string) error {
	err := s.store.update(func(txn kv.Txn) error {
		tbl, err := txn.Table(tablePendingReceipts)
		if err != nil {
			return err
		}
		return tbl.Delete(receiptKey{EventID: eventID, RoomID: roomID}.bytes())
	})
	if err != nil {
		return fmt.Errorf("failed to remove pending receipt: %w", err)
	}
	return nil
}

// PendingReceiptEvents lists the events of a room with a pending receipt.
func (s *ReceiptStore) PendingReceiptEvents(roomID string) []string {
	var out []string
	err := s.store.view(func(txn kv.Txn) error {
		var err error
		out, err = pendingReceiptEvents(txn, roomID)
		return err
	})
	if err != nil {
		s.store.log.Errorf("Failed to read pending receipts of %s: %v", roomID, err)
		return nil
	}
	return out
}

func pendingReceiptEvents(txn kv.Txn, roomID string) ([]string, error) {
	tbl, err := txn.Table(tablePendingReceipts)
	if err != nil {
		return nil, err
	}
	var out []string
	c := tbl.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		var key receiptKey
		if err := json.Unmarshal(k, &key); err != nil {
			continue
		}
		if key.RoomID == roomID {
			out = append(out, key.EventID)
		}
	}
	return out, c.Err()
}

// FilterReadEvents returns the events of eventIDs that count as read. An
// event is unread when it has no receipts or when its single receipt belongs
// to excludedUser; any other receipt set counts as read.
func (s *ReceiptStore) FilterReadEvents(roomID string, eventIDs []string, excludedUser string) []string {
	var out []string
	err := s.store.view(func(txn kv.Txn) error {
		var err error
		out, err = filterReadEvents(txn, roomID, eventIDs, excludedUser)
		return err
	})
	if err != nil {
		s.store.log.Errorf("Failed to filter read events of %s: %v", roomID, err)
		return nil
	}
	return out
}

func filterReadEvents(txn kv.Txn, roomID string, eventIDs []string, excludedUser string) ([]string, error) {
	tbl, err := txn.Table(tableReadReceipts)
	if err != nil {
		return nil, err
	}
	var read []string
	for _, eventID := range eventIDs {
		set, err := readReceiptSet(tbl, receiptKey{EventID: eventID, RoomID: roomID}.bytes())
		if err != nil {
			return nil, err
		}
		if len(set) == 0 {
			continue
		}
		if _, own := set[excludedUser]; len(set) == 1 && own {
			continue
		}
		read = append(read, eventID)
	}
	return read, nil
}

// NotifyForReadReceipts clears the pending receipts of the room that are now
// read and dispatches a ReadReceiptsEvent for them.
func (s *ReceiptStore) NotifyForReadReceipts(roomID string) error {
	var read []string
	err := s.store.update(func(txn kv.Txn) error {
		pending, err := pendingReceiptEvents(txn, roomID)
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			return nil
		}
		if read, err = filterReadEvents(txn, roomID, pending, s.store.opts.UserID); err != nil {
			return err
		}

		tbl, err := txn.Table(tablePendingReceipts)
		if err != nil {
			return err
		}
		for _, eventID := range read {
			if err := tbl.Delete(receiptKey{EventID: eventID, RoomID: roomID}.bytes()); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to process pending receipts: %w", err)
	}

	if len(read) > 0 {
		metrics.ReceiptsNotifiedTotal.Add(float64(len(read)))
		s.store.dispatchEvent(&ReadReceiptsEvent{RoomID: roomID, EventIDs: read})
	}
	return nil
}
