package store

import (
	"errors"

	"mxcache/internal/event"
	"mxcache/internal/kv"
)

// HasEnoughPowerLevel reports whether userID may send state events of every
// type in eventTypes. A room without power levels has no restriction. Types
// missing from the events map require state_default.
func (s *RoomStore) HasEnoughPowerLevel(eventTypes []string, roomID, userID string) bool {
	var levels *event.PowerLevels
	err := s.store.view(func(txn kv.Txn) error {
		tbl, err := txn.Table(stateTable(roomID))
		if err != nil {
			return err
		}
		raw, err := tbl.Get([]byte(event.TypePowerLevels))
		if errors.Is(err, kv.ErrNotFound) {
			return nil
		} else if err != nil {
			return err
		}

		evt, err := event.Parse(raw)
		if err != nil {
			s.store.log.Warnf("Ignoring malformed power levels of %s: %v", roomID, err)
			return nil
		}
		c, err := evt.DecodeContent()
		if err != nil {
			s.store.log.Warnf("Ignoring malformed power levels of %s: %v", roomID, err)
			return nil
		}
		if pl, ok := c.(event.PowerLevels); ok {
			levels = &pl
		}
		return nil
	})
	if err != nil {
		s.store.log.Errorf("Failed to read power levels of %s: %v", roomID, err)
		return false
	}
	if levels == nil {
		return true
	}

	userLevel := levels.UserLevel(userID)
	for _, typ := range eventTypes {
		if userLevel < levels.StateLevel(typ) {
			return false
		}
	}
	return true
}
