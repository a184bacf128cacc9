package store

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mxcache/internal/event"
	"mxcache/internal/kv"
)

const (
	alice = "@alice:example.org"
	carol = "@carol:example.org"
)

func TestNameFromStateThenTwoMemberFallback(t *testing.T) {
	forEachEngine(t, func(t *testing.T, s *Store) {
		rooms := NewRoomStore(s)

		require.NoError(t, rooms.SaveState(joinedSync("s1", testRoom, stateOnly(
			nameEvent("Team"),
			memberEvent(alice, "alice"),
			memberEvent(localUser, "bob"),
		))))
		info, ok := rooms.RoomInfo(testRoom)
		require.True(t, ok)
		assert.Equal(t, "Team", info.Name)
		assert.Equal(t, 2, info.MemberCount)

		require.NoError(t, rooms.SaveState(joinedSync("s2", testRoom, stateOnly(nameEvent("")))))
		info, ok = rooms.RoomInfo(testRoom)
		require.True(t, ok)
		assert.Equal(t, "alice", info.Name)
	})
}

func TestNameFallbacks(t *testing.T) {
	tests := []struct {
		name   string
		events []event.Event
		want   string
	}{
		{
			name:   "alias",
			events: []event.Event{stateEvent(event.TypeCanonicalAlias, "", map[string]any{"alias": "#team:example.org"})},
			want:   "#team:example.org",
		},
		{
			name:   "empty",
			events: nil,
			want:   EmptyRoomName,
		},
		{
			name:   "only local user",
			events: []event.Event{memberEvent(localUser, "bob")},
			want:   "bob",
		},
		{
			name:   "display name falls back to user id",
			events: []event.Event{memberEvent(alice, ""), memberEvent(localUser, "bob")},
			want:   alice,
		},
		{
			name:   "more than two",
			events: []event.Event{memberEvent(alice, "alice"), memberEvent(localUser, "bob"), memberEvent(carol, "carol")},
			want:   "alice and 3 others",
		},
		{
			name: "malformed name is ignored",
			events: []event.Event{
				stateEvent(event.TypeName, "", map[string]any{"name": 5}),
				memberEvent(alice, "alice"),
				memberEvent(localUser, "bob"),
			},
			want: "alice",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := openTestStore(t, kv.EngineSQLite)
			rooms := NewRoomStore(s)
			require.NoError(t, rooms.SaveState(joinedSync("s1", testRoom, stateOnly(tt.events...))))

			info, ok := rooms.RoomInfo(testRoom)
			require.True(t, ok)
			assert.Equal(t, tt.want, info.Name)
		})
	}
}

func TestProjectionIsDeterministic(t *testing.T) {
	batch := stateOnly(
		memberEvent(carol, "carol"),
		memberEvent(localUser, "bob"),
		memberEvent(alice, "alice"),
		stateEvent(event.TypeTopic, "", map[string]any{"topic": "planning"}),
	)

	var infos []RoomInfo
	for _, engine := range engines {
		for i := 0; i < 2; i++ {
			s := openTestStore(t, engine)
			require.NoError(t, NewRoomStore(s).SaveState(joinedSync("s1", testRoom, batch)))
			info, ok := NewRoomStore(s).RoomInfo(testRoom)
			require.True(t, ok)
			infos = append(infos, info)
		}
	}
	for _, info := range infos[1:] {
		assert.Equal(t, infos[0], info)
	}
	assert.Equal(t, "alice and 3 others", infos[0].Name)
}

func TestAvatarResolution(t *testing.T) {
	forEachEngine(t, func(t *testing.T, s *Store) {
		rooms := NewRoomStore(s)
		aliceAvatar := stateEvent(event.TypeMember, alice, map[string]any{
			"membership":  "join",
			"displayname": "alice",
			"avatar_url":  "mxc://example.org/alice",
		})

		require.NoError(t, rooms.SaveState(joinedSync("s1", testRoom, stateOnly(aliceAvatar, memberEvent(localUser, "bob")))))
		info, _ := rooms.RoomInfo(testRoom)
		assert.Equal(t, "mxc://example.org/alice", info.AvatarURL)

		require.NoError(t, rooms.SaveState(joinedSync("s2", testRoom, stateOnly(memberEvent(carol, "carol")))))
		info, _ = rooms.RoomInfo(testRoom)
		assert.Equal(t, "", info.AvatarURL)

		require.NoError(t, rooms.SaveState(joinedSync("s3", testRoom, stateOnly(
			stateEvent(event.TypeAvatar, "", map[string]any{"url": "mxc://example.org/room"}),
		))))
		info, _ = rooms.RoomInfo(testRoom)
		assert.Equal(t, "mxc://example.org/room", info.AvatarURL)
	})
}

func TestExplicitEmptyAvatar(t *testing.T) {
	forEachEngine(t, func(t *testing.T, s *Store) {
		rooms := NewRoomStore(s)
		aliceAvatar := stateEvent(event.TypeMember, alice, map[string]any{
			"membership": "join",
			"avatar_url": "mxc://example.org/alice",
		})
		require.NoError(t, rooms.SaveState(joinedSync("s1", testRoom, stateOnly(
			aliceAvatar,
			memberEvent(localUser, "bob"),
			stateEvent(event.TypeAvatar, "", map[string]any{"url": ""}),
		))))

		// A room avatar event wins even when it clears the avatar.
		info, _ := rooms.RoomInfo(testRoom)
		assert.Equal(t, "", info.AvatarURL)
	})
}

func TestOnlyLocalMemberAvatar(t *testing.T) {
	forEachEngine(t, func(t *testing.T, s *Store) {
		rooms := NewRoomStore(s)
		require.NoError(t, rooms.SaveState(joinedSync("s1", testRoom, stateOnly(
			stateEvent(event.TypeMember, localUser, map[string]any{
				"membership": "join",
				"avatar_url": "mxc://example.org/bob",
			}),
		))))
		info, _ := rooms.RoomInfo(testRoom)
		assert.Equal(t, "mxc://example.org/bob", info.AvatarURL)
	})
}

// bbolt rejects keys above 32 KiB, which aborts the whole sync transaction.
func TestAbortedSyncLeavesMemoUntouched(t *testing.T) {
	s := openTestStore(t, kv.EngineBolt)
	rooms := NewRoomStore(s)

	err := rooms.SaveState(joinedSync("s1", testRoom, stateOnly(
		memberEvent(alice, "Alice"),
		memberEvent("@"+strings.Repeat("x", 40<<10)+":example.org", "huge"),
	)))
	require.Error(t, err)

	assert.False(t, NewMemberStore(s).IsRoomMember(testRoom, alice))
	_, ok := s.Names().Lookup(testRoom, alice)
	assert.False(t, ok)
	assert.Equal(t, "", NewSyncStateStore(s).NextBatchToken())

	require.NoError(t, rooms.SaveState(joinedSync("s2", testRoom, stateOnly(memberEvent(alice, "Alice")))))
	name, ok := s.Names().Lookup(testRoom, alice)
	assert.True(t, ok)
	assert.Equal(t, "Alice", name)
}

func TestJoinRuleAndGuestAccess(t *testing.T) {
	forEachEngine(t, func(t *testing.T, s *Store) {
		rooms := NewRoomStore(s)
		require.NoError(t, rooms.SaveState(joinedSync("s1", testRoom, stateOnly())))
		assert.Equal(t, event.JoinRuleKnock, rooms.JoinRule(testRoom))
		assert.False(t, rooms.GuestAccess(testRoom))

		require.NoError(t, rooms.SaveState(joinedSync("s2", testRoom, stateOnly(
			stateEvent(event.TypeJoinRules, "", map[string]any{"join_rule": "public"}),
			stateEvent(event.TypeGuestAccess, "", map[string]any{"guest_access": "can_join"}),
		))))
		assert.Equal(t, event.JoinRulePublic, rooms.JoinRule(testRoom))
		assert.True(t, rooms.GuestAccess(testRoom))

		require.NoError(t, rooms.SaveState(joinedSync("s3", testRoom, stateOnly(
			stateEvent(event.TypeJoinRules, "", map[string]any{"join_rule": "whatever"}),
			stateEvent(event.TypeGuestAccess, "", map[string]any{"guest_access": "forbidden"}),
		))))
		info, _ := rooms.RoomInfo(testRoom)
		assert.Equal(t, event.JoinRuleKnock, info.JoinRule)
		assert.False(t, info.GuestAccess)
	})
}

func TestTimelineStateEventsAreProjected(t *testing.T) {
	forEachEngine(t, func(t *testing.T, s *Store) {
		rooms := NewRoomStore(s)
		room := event.JoinedRoom{Timeline: event.Timeline{Events: []event.Event{
			memberEvent(alice, "alice"),
			nameEvent("From timeline"),
			textMessage("$m1", alice, 2000, "hi"),
		}}}
		require.NoError(t, rooms.SaveState(joinedSync("s1", testRoom, room)))

		info, _ := rooms.RoomInfo(testRoom)
		assert.Equal(t, "From timeline", info.Name)
		assert.Len(t, NewTimelineStore(s).Messages(testRoom).Events, 1)
	})
}

func TestMemberLeaveRemovesMember(t *testing.T) {
	forEachEngine(t, func(t *testing.T, s *Store) {
		rooms := NewRoomStore(s)
		members := NewMemberStore(s)
		require.NoError(t, rooms.SaveState(joinedSync("s1", testRoom, stateOnly(memberEvent(alice, "alice"), memberEvent(localUser, "bob")))))
		assert.True(t, members.IsRoomMember(testRoom, alice))
		assert.Equal(t, "alice", s.Names().DisplayName(testRoom, alice))

		require.NoError(t, rooms.SaveState(joinedSync("s2", testRoom, stateOnly(leaveEvent(alice)))))
		assert.False(t, members.IsRoomMember(testRoom, alice))
		_, ok := s.Names().Lookup(testRoom, alice)
		assert.False(t, ok)

		info, _ := rooms.RoomInfo(testRoom)
		assert.Equal(t, "bob", info.Name)
		assert.Equal(t, 1, info.MemberCount)
	})
}

func TestInviteLifecycle(t *testing.T) {
	forEachEngine(t, func(t *testing.T, s *Store) {
		rooms := NewRoomStore(s)
		invite := &event.SyncResponse{
			NextBatch: "s1",
			Rooms: event.Rooms{Invite: map[string]event.InvitedRoom{testRoom: {InviteState: event.Events{Events: []event.Event{
				memberEvent(alice, "alice"),
				stateEvent(event.TypeMember, localUser, map[string]any{"membership": "invite"}),
			}}}}},
		}
		require.NoError(t, rooms.SaveState(invite))

		info, ok := rooms.RoomInfo(testRoom)
		require.True(t, ok)
		assert.True(t, info.IsInvite)
		assert.Equal(t, "alice", info.Name)
		assert.Equal(t, []string{testRoom}, rooms.Invites())
		assert.Empty(t, rooms.JoinedRooms())
		assert.Len(t, rooms.AllRoomInfo(true), 1)
		assert.Empty(t, rooms.AllRoomInfo(false))

		require.NoError(t, rooms.SaveState(joinedSync("s2", testRoom, stateOnly(nameEvent("Team")))))
		info, ok = rooms.RoomInfo(testRoom)
		require.True(t, ok)
		assert.False(t, info.IsInvite)
		assert.Empty(t, rooms.Invites())
	})
}

func TestLeftRoom(t *testing.T) {
	forEachEngine(t, func(t *testing.T, s *Store) {
		rooms := NewRoomStore(s)
		members := NewMemberStore(s)
		require.NoError(t, rooms.SaveState(joinedSync("s1", testRoom, event.JoinedRoom{
			State:    event.Events{Events: []event.Event{memberEvent(alice, "alice")}},
			Timeline: event.Timeline{Events: []event.Event{textMessage("$m1", alice, 2000, "hi")}},
		})))

		require.NoError(t, rooms.SaveState(&event.SyncResponse{
			NextBatch: "s2",
			Rooms:     event.Rooms{Leave: map[string]event.LeftRoom{testRoom: {}}},
		}))
		_, ok := rooms.RoomInfo(testRoom)
		assert.False(t, ok)
		assert.True(t, members.IsRoomMember(testRoom, alice), "tables survive until the room is removed")

		require.NoError(t, rooms.RemoveRoom(testRoom))
		assert.False(t, members.IsRoomMember(testRoom, alice))
		assert.Empty(t, NewTimelineStore(s).Messages(testRoom).Events)
	})
}

func TestEncryptedRoom(t *testing.T) {
	forEachEngine(t, func(t *testing.T, s *Store) {
		rooms := NewRoomStore(s)
		assert.False(t, rooms.IsRoomEncrypted(testRoom))

		require.NoError(t, rooms.SaveState(joinedSync("s1", testRoom, stateOnly(
			stateEvent(event.TypeEncryption, "", map[string]any{"algorithm": "m.megolm.v1.aes-sha2"}),
		))))
		assert.True(t, rooms.IsRoomEncrypted(testRoom))
	})
}

func TestRoomsWithStateUpdates(t *testing.T) {
	res := &event.SyncResponse{Rooms: event.Rooms{
		Join: map[string]event.JoinedRoom{
			"!a:example.org": stateOnly(nameEvent("A")),
			"!b:example.org": {Timeline: event.Timeline{Events: []event.Event{textMessage("$m", alice, 1, "x")}}},
			"!c:example.org": {Timeline: event.Timeline{Events: []event.Event{nameEvent("C")}}},
		},
		Invite: map[string]event.InvitedRoom{"!d:example.org": {}},
	}}
	rooms := NewRoomStore(openTestStore(t, kv.EngineSQLite))
	assert.Equal(t, []string{"!a:example.org", "!c:example.org", "!d:example.org"}, rooms.RoomsWithStateUpdates(res))
}

func TestRoomInfoGolden(t *testing.T) {
	s := openTestStore(t, kv.EngineSQLite)
	rooms := NewRoomStore(s)
	res := &event.SyncResponse{
		NextBatch: "s1",
		Rooms: event.Rooms{
			Join: map[string]event.JoinedRoom{
				testRoom: stateOnly(
					nameEvent("Team"),
					stateEvent(event.TypeTopic, "", map[string]any{"topic": "weekly sync"}),
					stateEvent(event.TypeJoinRules, "", map[string]any{"join_rule": "invite"}),
					memberEvent(alice, "alice"),
					memberEvent(localUser, "bob"),
				),
				"!dm:example.org": stateOnly(
					stateEvent(event.TypeMember, carol, map[string]any{
						"membership":  "join",
						"displayname": "carol",
						"avatar_url":  "mxc://example.org/carol",
					}),
					memberEvent(localUser, "bob"),
					stateEvent(event.TypeGuestAccess, "", map[string]any{"guest_access": "can_join"}),
				),
			},
			Invite: map[string]event.InvitedRoom{
				"!invite:example.org": {InviteState: event.Events{Events: []event.Event{
					nameEvent("Party"),
					memberEvent(alice, "alice"),
				}}},
			},
		},
	}
	require.NoError(t, rooms.SaveState(res))

	raw, err := json.MarshalIndent(rooms.AllRoomInfo(true), "", "  ")
	require.NoError(t, err)

	g := goldie.New(t, goldie.WithFixtureDir("testdata"), goldie.WithNameSuffix(".golden"))
	g.Assert(t, "room_info", append(raw, '\n'))
}
