package store

import (
	"encoding/json"
	"fmt"

	"mxcache/internal/event"
	"mxcache/internal/kv"
	"mxcache/internal/metrics"
	"mxcache/internal/utils"
)

// MaxRestoredMessages is how many timeline events Messages returns and how
// many survive retention.
const MaxRestoredMessages = 30

// Rooms holding more than retentionFactor*MaxRestoredMessages entries are
// pruned down to MaxRestoredMessages.
const retentionFactor = 3

// timelineEntry is the stored form of a timeline event.
type timelineEntry struct {
	Event json.RawMessage `json:"event"`
	Token string          `json:"token"`
}

// messageKey orders entries by origin_server_ts; the event id keeps events
// from the same millisecond apart.
func messageKey(evt event.Event) []byte {
	ts := evt.OriginServerTS()
	if ts < 0 {
		ts = 0
	}
	return []byte(fmt.Sprintf("%020d/%s", ts, evt.EventID()))
}

func saveTimelineMessages(txn kv.Txn, roomID string, timeline event.Timeline) error {
	var tbl kv.Table
	for _, evt := range timeline.Events {
		if evt.IsState() || evt.IsRedaction() {
			continue
		}
		if tbl == nil {
			var err error
			if tbl, err = txn.Table(messagesTable(roomID)); err != nil {
				return err
			}
		}
		if err := putJSON(tbl, string(messageKey(evt)), timelineEntry{
			Event: evt.Raw(),
			Token: timeline.PrevBatch,
		}); err != nil {
			return err
		}
	}
	return nil
}

// TimelineStore reads stored room history and enforces retention.
type TimelineStore struct {
	store *Store
}

// NewTimelineStore creates a new TimelineStore.
func NewTimelineStore(s *Store) *TimelineStore {
	return &TimelineStore{store: s}
}

// Messages returns the most recent MaxRestoredMessages events of the room in
// chronological order. PrevBatch is the pagination token stored with the
// oldest returned event.
func (s *TimelineStore) Messages(roomID string) event.Timeline {
	var timeline event.Timeline
	err := s.store.view(func(txn kv.Txn) error {
		tbl, err := txn.Table(messagesTable(roomID))
		if err != nil {
			return err
		}

		var tokens []string
		c := tbl.Cursor()
		for k, v := c.Last(); k != nil && len(timeline.Events) < MaxRestoredMessages; k, v = c.Prev() {
			var entry timelineEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				s.store.log.Warnf("Skipping malformed timeline entry %s in %s: %v", k, roomID, err)
				continue
			}
			evt, err := event.Parse(entry.Event)
			if err != nil {
				s.store.log.Warnf("Skipping unparseable event %s in %s: %v", k, roomID, err)
				continue
			}
			timeline.Events = append(timeline.Events, evt)
			tokens = append(tokens, entry.Token)
		}
		if len(tokens) > 0 {
			timeline.PrevBatch = tokens[len(tokens)-1]
		}
		return c.Err()
	})
	if err != nil {
		s.store.log.Errorf("Failed to read timeline of %s: %v", roomID, err)
		return event.Timeline{}
	}

	for i, j := 0, len(timeline.Events)-1; i < j; i, j = i+1, j-1 {
		timeline.Events[i], timeline.Events[j] = timeline.Events[j], timeline.Events[i]
	}
	return timeline
}

// DeleteOldMessages prunes every room holding more than three times
// MaxRestoredMessages entries down to its newest MaxRestoredMessages. It
// returns how many entries were deleted.
func (s *TimelineStore) DeleteOldMessages() (int, error) {
	deleted := 0
	err := s.store.update(func(txn kv.Txn) error {
		rooms, err := txn.Table(tableRooms)
		if err != nil {
			return err
		}
		roomIDs, err := keys(rooms)
		if err != nil {
			return err
		}

		for _, roomID := range roomIDs {
			tbl, err := txn.Table(messagesTable(roomID))
			if err != nil {
				return err
			}
			n, err := tbl.Len()
			if err != nil {
				return err
			}
			if n <= retentionFactor*MaxRestoredMessages {
				continue
			}

			kept := 0
			c := tbl.Cursor()
			for k, _ := c.Last(); k != nil; k, _ = c.Prev() {
				if kept < MaxRestoredMessages {
					kept++
					continue
				}
				if err := c.Delete(); err != nil {
					return fmt.Errorf("failed to prune %s: %w", roomID, err)
				}
				deleted++
			}
			if err := c.Err(); err != nil {
				return err
			}
			s.store.log.Debugf("Pruned %s from %d to %d messages", roomID, n, kept)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to delete old messages: %w", err)
	}
	metrics.MessagesPrunedTotal.Add(float64(deleted))
	return deleted, nil
}

// DeleteOldData runs DeleteOldMessages and logs instead of returning errors.
func (s *TimelineStore) DeleteOldData() {
	n, err := s.DeleteOldMessages()
	if err != nil {
		s.store.log.Errorf("Failed to delete old data: %v", err)
		return
	}
	if n > 0 {
		s.store.log.Infof("Deleted %d old messages", n)
	}
}

// ===========================================================================
// LAST MESSAGE
// ===========================================================================

// DescInfo describes the newest message of a room for a room list.
type DescInfo struct {
	EventID     string `json:"event_id"`
	UserID      string `json:"user_id"`
	Username    string `json:"username"`
	Body        string `json:"body"`
	Timestamp   int64  `json:"timestamp"`
	Descriptive string `json:"descriptive_time"`
}

// LastMessage returns the description of the room's newest message.
func (s *TimelineStore) LastMessage(roomID string) DescInfo {
	var info DescInfo
	err := s.store.view(func(txn kv.Txn) error {
		var err error
		info, err = lastMessageInfo(txn, s.store, roomID)
		return err
	})
	if err != nil {
		s.store.log.Errorf("Failed to read last message of %s: %v", roomID, err)
		return DescInfo{}
	}
	return info
}

// lastMessageInfo walks the timeline newest-first to the first event that
// can be described.
func lastMessageInfo(txn kv.Txn, s *Store, roomID string) (DescInfo, error) {
	tbl, err := txn.Table(messagesTable(roomID))
	if err != nil {
		return DescInfo{}, err
	}

	c := tbl.Cursor()
	for k, v := c.Last(); k != nil; k, v = c.Prev() {
		var entry timelineEntry
		if err := json.Unmarshal(v, &entry); err != nil {
			continue
		}
		evt, err := event.Parse(entry.Event)
		if err != nil {
			continue
		}
		body, ok := describe(evt)
		if !ok {
			continue
		}

		sender := evt.Sender()
		username := s.names.DisplayName(roomID, sender)
		if sender == s.opts.UserID {
			username = "You"
		}
		ts := evt.OriginServerTS()
		return DescInfo{
			EventID:     evt.EventID(),
			UserID:      sender,
			Username:    username,
			Body:        body,
			Timestamp:   ts,
			Descriptive: utils.DescriptiveTime(utils.FromMillis(ts), s.opts.Now()),
		}, nil
	}
	return DescInfo{}, c.Err()
}

// describe renders the body shown for a message in the room list.
func describe(evt event.Event) (string, bool) {
	switch c := evt.Content().(type) {
	case event.Message:
		switch c.MsgType {
		case event.MsgText, event.MsgNotice:
			return c.Body, true
		case event.MsgEmote:
			return "* " + c.Body, true
		case event.MsgImage:
			return "sent an image", true
		case event.MsgFile:
			return "sent a file", true
		case event.MsgAudio:
			return "sent an audio clip", true
		case event.MsgVideo:
			return "sent a video", true
		default:
			return c.Body, c.Body != ""
		}
	case event.Encrypted:
		return "sent an encrypted message", true
	default:
		if evt.Type() == "m.sticker" {
			return "sent a sticker", true
		}
		return "", false
	}
}
