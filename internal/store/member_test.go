package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mxcache/internal/event"
	"mxcache/internal/kv"
	"mxcache/internal/memo"
)

func TestMembers(t *testing.T) {
	forEachEngine(t, func(t *testing.T, s *Store) {
		seedRooms(t, s)
		members := NewMemberStore(s)

		assert.Equal(t, []string{alice, localUser, carol}, members.RoomMembers(testRoom))
		assert.Equal(t, []RoomMember{
			{UserID: localUser, DisplayName: "bob"},
			{UserID: carol, DisplayName: "Carol"},
		}, members.Members(testRoom, 1, 2))
		assert.Len(t, members.Members(testRoom, 0, 0), 3)
		assert.Empty(t, members.Members(testRoom, 3, 0))
	})
}

func TestDisplayNameLoadsIntoMemo(t *testing.T) {
	forEachEngine(t, func(t *testing.T, s *Store) {
		seedRooms(t, s)
		s.Names().Clear()
		members := NewMemberStore(s)

		assert.Equal(t, "Alice Liddell", members.DisplayName(testRoom, alice))
		name, ok := s.Names().Lookup(testRoom, alice)
		assert.True(t, ok)
		assert.Equal(t, "Alice Liddell", name)

		assert.Equal(t, "@nobody:example.org", members.DisplayName(testRoom, "@nobody:example.org"))
		assert.Equal(t, "", members.AvatarURL(testRoom, "@nobody:example.org"))
	})
}

func TestPopulateMembers(t *testing.T) {
	names := memo.New()
	opts := testOptions(t.TempDir(), kv.EngineSQLite)
	opts.Names = names
	s, err := Open(opts)
	require.NoError(t, err)
	defer s.Close()

	seedRooms(t, s)
	names.Clear()
	assert.Equal(t, 3, NewMemberStore(s).PopulateMembers())
	assert.Equal(t, 3, names.Len())
	assert.Equal(t, "Carol", names.DisplayName(testRoom, carol))
}

func TestHasEnoughPowerLevel(t *testing.T) {
	forEachEngine(t, func(t *testing.T, s *Store) {
		rooms := NewRoomStore(s)
		require.NoError(t, rooms.SaveState(joinedSync("s1", testRoom, stateOnly())))
		assert.True(t, rooms.HasEnoughPowerLevel([]string{event.TypeName}, testRoom, localUser), "no power levels")

		require.NoError(t, rooms.SaveState(joinedSync("s2", testRoom, stateOnly(
			stateEvent(event.TypePowerLevels, "", map[string]any{
				"users":         map[string]any{alice: 100, localUser: 50},
				"users_default": 0,
				"events":        map[string]any{event.TypeName: 50, event.TypePowerLevels: 100},
			}),
		))))
		assert.True(t, rooms.HasEnoughPowerLevel([]string{event.TypeName}, testRoom, localUser))
		assert.True(t, rooms.HasEnoughPowerLevel([]string{event.TypeTopic}, testRoom, localUser), "state_default is 50")
		assert.False(t, rooms.HasEnoughPowerLevel([]string{event.TypeName, event.TypePowerLevels}, testRoom, localUser))
		assert.True(t, rooms.HasEnoughPowerLevel([]string{event.TypeName, event.TypePowerLevels}, testRoom, alice))
		assert.False(t, rooms.HasEnoughPowerLevel([]string{event.TypeTopic}, testRoom, carol))
	})
}

func TestMedia(t *testing.T) {
	forEachEngine(t, func(t *testing.T, s *Store) {
		media := NewMediaStore(s)
		require.NoError(t, media.SaveImage("", []byte("x")))
		require.NoError(t, media.SaveImage("mxc://example.org/empty", nil))
		assert.Nil(t, media.Image("mxc://example.org/empty"))

		require.NoError(t, media.SaveImage("mxc://example.org/a", []byte("a")))
		s.media.Purge()
		assert.Equal(t, []byte("a"), media.Image("mxc://example.org/a"))
		assert.True(t, s.media.Contains("mxc://example.org/a"))

		require.NoError(t, NewRoomStore(s).SaveState(joinedSync("s1", testRoom, stateOnly(
			stateEvent(event.TypeAvatar, "", map[string]any{"url": "mxc://example.org/a"}),
		))))
		assert.Equal(t, []byte("a"), media.RoomAvatar(testRoom))
		assert.Nil(t, media.RoomAvatar("!unknown:example.org"))
	})
}

func TestDevices(t *testing.T) {
	forEachEngine(t, func(t *testing.T, s *Store) {
		devices := NewDeviceStore(s)
		assert.Nil(t, devices.DeviceList(alice))

		require.NoError(t, devices.SaveDeviceList(alice, []string{"AAAA", "BBBB"}))
		assert.Equal(t, []string{"AAAA", "BBBB"}, devices.DeviceList(alice))

		keys := DeviceKeys{
			UserID:     alice,
			DeviceID:   "AAAA",
			Algorithms: []string{"m.olm.v1.curve25519-aes-sha2"},
			Keys: map[string]string{
				"ed25519:AAAA":    "abcdefghij",
				"curve25519:AAAA": "curve",
			},
		}
		require.NoError(t, devices.SaveDeviceKeys("AAAA", keys))
		got, ok := devices.DeviceKeys("AAAA")
		require.True(t, ok)
		assert.Equal(t, keys, got)
		assert.Equal(t, "abcd efgh ij", got.Fingerprint())
		assert.Equal(t, "curve", got.Curve25519())

		_, ok = devices.DeviceKeys("ZZZZ")
		assert.False(t, ok)
	})
}

func TestContainerStats(t *testing.T) {
	forEachEngine(t, func(t *testing.T, s *Store) {
		seedRooms(t, s)
		c := NewContainer(s)
		require.NoError(t, NewRoomStore(s).SaveState(joinedSync("s2", testRoom, event.JoinedRoom{
			Timeline: event.Timeline{Events: messages("m", 1, 3)},
		})))
		require.NoError(t, c.Receipts.AddPendingReceipt(testRoom, "$m1"))

		stats, err := c.Stats()
		require.NoError(t, err)
		assert.Equal(t, 5, stats.Rooms)
		assert.Equal(t, 3, stats.Members)
		assert.Equal(t, 3, stats.Messages)
		assert.Equal(t, 1, stats.PendingReceipts)
		assert.Zero(t, stats.Invites)
	})
}
