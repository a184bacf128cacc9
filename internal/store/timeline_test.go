package store

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mxcache/internal/event"
	"mxcache/internal/kv"
)

func messages(prefix string, from, to int64) []event.Event {
	var out []event.Event
	for ts := from; ts <= to; ts++ {
		out = append(out, textMessage(fmt.Sprintf("$%s%d", prefix, ts), alice, ts, fmt.Sprintf("message %d", ts)))
	}
	return out
}

func messageCount(t *testing.T, s *Store, roomID string) int {
	t.Helper()
	var n int
	require.NoError(t, s.view(func(txn kv.Txn) error {
		tbl, err := txn.Table(messagesTable(roomID))
		if err != nil {
			return err
		}
		n, err = tbl.Len()
		return err
	}))
	return n
}

func TestMessagesReturnsNewestInOrder(t *testing.T) {
	forEachEngine(t, func(t *testing.T, s *Store) {
		room := event.JoinedRoom{Timeline: event.Timeline{Events: messages("m", 1, 40), PrevBatch: "p1"}}
		require.NoError(t, NewRoomStore(s).SaveState(joinedSync("s1", testRoom, room)))

		timeline := NewTimelineStore(s).Messages(testRoom)
		require.Len(t, timeline.Events, MaxRestoredMessages)
		assert.Equal(t, int64(11), timeline.Events[0].OriginServerTS())
		assert.Equal(t, int64(40), timeline.Events[len(timeline.Events)-1].OriginServerTS())
		assert.Equal(t, "p1", timeline.PrevBatch)
	})
}

func TestOldestTokenIsReturned(t *testing.T) {
	forEachEngine(t, func(t *testing.T, s *Store) {
		rooms := NewRoomStore(s)
		require.NoError(t, rooms.SaveState(joinedSync("s1", testRoom, event.JoinedRoom{
			Timeline: event.Timeline{Events: messages("a", 1, 5), PrevBatch: "old"},
		})))
		require.NoError(t, rooms.SaveState(joinedSync("s2", testRoom, event.JoinedRoom{
			Timeline: event.Timeline{Events: messages("b", 6, 10), PrevBatch: "new"},
		})))

		timeline := NewTimelineStore(s).Messages(testRoom)
		assert.Len(t, timeline.Events, 10)
		assert.Equal(t, "old", timeline.PrevBatch)
	})
}

func TestRedactionsAreNotStored(t *testing.T) {
	forEachEngine(t, func(t *testing.T, s *Store) {
		redaction := mkEvent(map[string]any{
			"type":             event.TypeRedaction,
			"event_id":         "$r1",
			"sender":           alice,
			"origin_server_ts": 5,
			"redacts":          "$m1",
			"content":          map[string]any{},
		})
		room := event.JoinedRoom{Timeline: event.Timeline{Events: []event.Event{
			textMessage("$m1", alice, 1, "oops"),
			redaction,
		}}}
		require.NoError(t, NewRoomStore(s).SaveState(joinedSync("s1", testRoom, room)))
		assert.Equal(t, 1, messageCount(t, s, testRoom))
	})
}

func TestDeleteOldMessages(t *testing.T) {
	forEachEngine(t, func(t *testing.T, s *Store) {
		const big, small = "!big:example.org", "!small:example.org"
		res := &event.SyncResponse{NextBatch: "s1", Rooms: event.Rooms{Join: map[string]event.JoinedRoom{
			big:   {Timeline: event.Timeline{Events: messages("b", 1, 100)}},
			small: {Timeline: event.Timeline{Events: messages("s", 1, retentionFactor*MaxRestoredMessages)}},
		}}}
		require.NoError(t, NewRoomStore(s).SaveState(res))

		timeline := NewTimelineStore(s)
		deleted, err := timeline.DeleteOldMessages()
		require.NoError(t, err)
		assert.Equal(t, 70, deleted)
		assert.Equal(t, MaxRestoredMessages, messageCount(t, s, big))
		assert.Equal(t, retentionFactor*MaxRestoredMessages, messageCount(t, s, small))

		kept := timeline.Messages(big)
		require.Len(t, kept.Events, MaxRestoredMessages)
		assert.Equal(t, int64(71), kept.Events[0].OriginServerTS())
		assert.Equal(t, int64(100), kept.Events[MaxRestoredMessages-1].OriginServerTS())

		deleted, err = timeline.DeleteOldMessages()
		require.NoError(t, err)
		assert.Zero(t, deleted)
	})
}

func TestLastMessage(t *testing.T) {
	forEachEngine(t, func(t *testing.T, s *Store) {
		ts := testNow.UnixMilli()
		encrypted := mkEvent(map[string]any{
			"type":             event.TypeEncrypted,
			"event_id":         "$e1",
			"sender":           alice,
			"origin_server_ts": ts + 2,
			"content":          map[string]any{"algorithm": "m.megolm.v1.aes-sha2", "ciphertext": "abc"},
		})
		room := event.JoinedRoom{
			State: event.Events{Events: []event.Event{memberEvent(alice, "alice")}},
			Timeline: event.Timeline{Events: []event.Event{
				textMessage("$m1", alice, ts, "hello"),
				textMessage("$m2", localUser, ts+1, "hi"),
			}},
		}
		rooms := NewRoomStore(s)
		timeline := NewTimelineStore(s)
		require.NoError(t, rooms.SaveState(joinedSync("s1", testRoom, room)))

		last := timeline.LastMessage(testRoom)
		assert.Equal(t, "$m2", last.EventID)
		assert.Equal(t, "You", last.Username)
		assert.Equal(t, "hi", last.Body)
		assert.Equal(t, "12:00", last.Descriptive)

		require.NoError(t, rooms.SaveState(joinedSync("s2", testRoom, event.JoinedRoom{
			Timeline: event.Timeline{Events: []event.Event{encrypted}},
		})))
		info, ok := rooms.RoomInfo(testRoom)
		require.True(t, ok)
		assert.Equal(t, "alice", info.LastMessage.Username)
		assert.Equal(t, "sent an encrypted message", info.LastMessage.Body)
	})
}

func TestDescribe(t *testing.T) {
	tests := []struct {
		msgtype string
		want    string
	}{
		{event.MsgText, "body"},
		{event.MsgNotice, "body"},
		{event.MsgEmote, "* body"},
		{event.MsgImage, "sent an image"},
		{event.MsgFile, "sent a file"},
		{event.MsgAudio, "sent an audio clip"},
		{event.MsgVideo, "sent a video"},
		{"m.location", "body"},
	}
	for _, tt := range tests {
		evt := mkEvent(map[string]any{
			"type":    event.TypeMessage,
			"content": map[string]any{"msgtype": tt.msgtype, "body": "body"},
		})
		got, ok := describe(evt)
		assert.True(t, ok, tt.msgtype)
		assert.Equal(t, tt.want, got, tt.msgtype)
	}

	_, ok := describe(nameEvent("x"))
	assert.False(t, ok)
}
