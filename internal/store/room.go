package store

import (
	"encoding/json"
	"fmt"
	"sort"

	"mxcache/internal/event"
	"mxcache/internal/kv"
	"mxcache/internal/memo"
	"mxcache/internal/metrics"
)

// RoomStore projects sync responses into room state and RoomInfo.
type RoomStore struct {
	store *Store
}

// NewRoomStore creates a new RoomStore.
func NewRoomStore(s *Store) *RoomStore {
	return &RoomStore{store: s}
}

// SaveState writes a sync response in one transaction, then runs the read
// receipt notification pass for every joined room.
func (s *RoomStore) SaveState(res *event.SyncResponse) error {
	var names memoUpdates
	err := s.store.update(func(txn kv.Txn) error {
		names = names[:0]

		if err := setSyncValue(txn, keyNextBatch, res.NextBatch); err != nil {
			return fmt.Errorf("failed to save next batch token: %w", err)
		}
		if users, ok := res.IgnoredUsers(); ok {
			if err := replaceIgnored(txn, users, s.store.opts.Now()); err != nil {
				return fmt.Errorf("failed to save ignore list: %w", err)
			}
		}

		for roomID, room := range res.Rooms.Join {
			if err := s.saveJoinedRoom(txn, &names, roomID, room); err != nil {
				return fmt.Errorf("failed to save joined room %s: %w", roomID, err)
			}
		}
		for roomID, room := range res.Rooms.Invite {
			if err := s.saveInvite(txn, roomID, room); err != nil {
				return fmt.Errorf("failed to save invite %s: %w", roomID, err)
			}
		}

		rooms, err := txn.Table(tableRooms)
		if err != nil {
			return err
		}
		for roomID := range res.Rooms.Leave {
			if err := rooms.Delete([]byte(roomID)); err != nil {
				return fmt.Errorf("failed to remove left room %s: %w", roomID, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save sync state: %w", err)
	}
	names.apply(s.store.names)

	metrics.SyncBatchesTotal.Inc()
	metrics.RoomsProjectedTotal.WithLabelValues("join").Add(float64(len(res.Rooms.Join)))
	metrics.RoomsProjectedTotal.WithLabelValues("invite").Add(float64(len(res.Rooms.Invite)))

	receipts := NewReceiptStore(s.store)
	for roomID := range res.Rooms.Join {
		if err := receipts.NotifyForReadReceipts(roomID); err != nil {
			s.store.log.Warnf("Failed to check read receipts of %s: %v", roomID, err)
		}
	}
	return nil
}

func (s *RoomStore) saveJoinedRoom(txn kv.Txn, names *memoUpdates, roomID string, room event.JoinedRoom) error {
	tables, err := openTables(txn, stateTable(roomID), membersTable(roomID), tableRooms, tableEncryptedRooms)
	if err != nil {
		return err
	}
	state, members, rooms, encrypted := tables[0], tables[1], tables[2], tables[3]

	for _, evt := range room.State.Events {
		if err := s.saveStateEvent(state, members, encrypted, names, roomID, evt); err != nil {
			return err
		}
	}
	for _, evt := range room.Timeline.Events {
		if !evt.IsState() {
			continue
		}
		if err := s.saveStateEvent(state, members, encrypted, names, roomID, evt); err != nil {
			return err
		}
	}

	if err := saveTimelineMessages(txn, roomID, room.Timeline); err != nil {
		return fmt.Errorf("failed to save timeline: %w", err)
	}

	info, err := s.projector(state, members).roomInfo()
	if err != nil {
		return fmt.Errorf("failed to compute room info: %w", err)
	}
	if err := putJSON(rooms, roomID, info); err != nil {
		return err
	}

	if receipts := room.Receipts(); len(receipts) > 0 {
		if err := mergeReadReceipts(txn, roomID, receipts); err != nil {
			return fmt.Errorf("failed to merge read receipts: %w", err)
		}
	}

	return removeInvite(txn, roomID)
}

// saveStateEvent stores a state event by type. Member events go to the
// member table only.
func (s *RoomStore) saveStateEvent(state, members, encrypted kv.Table, names *memoUpdates, roomID string, evt event.Event) error {
	c, err := evt.DecodeContent()
	if err != nil {
		s.store.log.Warnf("Skipping malformed %s in %s: %v", evt.Type(), roomID, err)
		return nil
	}

	switch content := c.(type) {
	case event.Member:
		return saveMember(members, names, roomID, evt.StateKey(), content)
	case event.Encryption:
		if err := encrypted.Put([]byte(roomID), nil); err != nil {
			return err
		}
	case event.Redaction:
		return nil
	case event.Name, event.Topic, event.Avatar, event.CanonicalAlias, event.JoinRules,
		event.GuestAccess, event.PowerLevels, event.Message, event.Encrypted:
	case event.Unknown:
	default:
		s.store.log.Debugf("Unhandled content %T in %s", content, roomID)
	}
	return state.Put([]byte(evt.Type()), evt.Raw())
}

func saveMember(members kv.Table, names *memoUpdates, roomID, userID string, member event.Member) error {
	if userID == "" {
		return nil
	}
	if !member.IsPresent() {
		names.remove(roomID, userID)
		return members.Delete([]byte(userID))
	}

	info := MemberInfo{Name: member.DisplayName, AvatarURL: member.AvatarURL}
	if info.Name == "" {
		info.Name = userID
	}
	names.set(roomID, userID, info)
	return putJSON(members, userID, info)
}

// memoUpdate is a member change to mirror into the memo once the sync
// transaction has committed.
type memoUpdate struct {
	roomID, userID string
	info           MemberInfo
	present        bool
}

type memoUpdates []memoUpdate

func (u *memoUpdates) set(roomID, userID string, info MemberInfo) {
	*u = append(*u, memoUpdate{roomID: roomID, userID: userID, info: info, present: true})
}

func (u *memoUpdates) remove(roomID, userID string) {
	*u = append(*u, memoUpdate{roomID: roomID, userID: userID})
}

// apply replays the updates in order.
func (u memoUpdates) apply(names *memo.Names) {
	for _, m := range u {
		if !m.present {
			names.RemoveDisplayName(m.roomID, m.userID)
			names.RemoveAvatarURL(m.roomID, m.userID)
			continue
		}
		names.InsertDisplayName(m.roomID, m.userID, m.info.Name)
		if m.info.AvatarURL != "" {
			names.InsertAvatarURL(m.roomID, m.userID, m.info.AvatarURL)
		} else {
			names.RemoveAvatarURL(m.roomID, m.userID)
		}
	}
}

func (s *RoomStore) saveInvite(txn kv.Txn, roomID string, room event.InvitedRoom) error {
	tables, err := openTables(txn, inviteStateTable(roomID), inviteMembersTable(roomID), tableInvites)
	if err != nil {
		return err
	}
	state, members, invites := tables[0], tables[1], tables[2]

	for _, evt := range room.InviteState.Events {
		c, err := evt.DecodeContent()
		if err != nil {
			s.store.log.Warnf("Skipping malformed stripped %s in %s: %v", evt.Type(), roomID, err)
			continue
		}
		if member, ok := c.(event.Member); ok {
			if evt.StateKey() == "" {
				continue
			}
			if !member.IsPresent() {
				if err := members.Delete([]byte(evt.StateKey())); err != nil {
					return err
				}
				continue
			}
			info := MemberInfo{Name: member.DisplayName, AvatarURL: member.AvatarURL}
			if info.Name == "" {
				info.Name = evt.StateKey()
			}
			if err := putJSON(members, evt.StateKey(), info); err != nil {
				return err
			}
			continue
		}
		if err := state.Put([]byte(evt.Type()), evt.Raw()); err != nil {
			return err
		}
	}

	info, err := s.projector(state, members).inviteInfo()
	if err != nil {
		return fmt.Errorf("failed to compute invite info: %w", err)
	}
	return putJSON(invites, roomID, info)
}

func (s *RoomStore) projector(state, members kv.Table) roomProjector {
	return roomProjector{
		state:     state,
		members:   members,
		localUser: s.store.opts.UserID,
	}
}

// removeInvite deletes the invite record and its stripped state tables.
func removeInvite(txn kv.Txn, roomID string) error {
	invites, err := txn.Table(tableInvites)
	if err != nil {
		return err
	}
	if err := invites.Delete([]byte(roomID)); err != nil {
		return err
	}
	if err := txn.DropTable(inviteStateTable(roomID)); err != nil {
		return err
	}
	return txn.DropTable(inviteMembersTable(roomID))
}

// RemoveInvite forgets a rejected or accepted invite.
func (s *RoomStore) RemoveInvite(roomID string) error {
	if err := s.store.update(func(txn kv.Txn) error { return removeInvite(txn, roomID) }); err != nil {
		return fmt.Errorf("failed to remove invite %s: %w", roomID, err)
	}
	return nil
}

// RemoveRoom deletes a left room completely, including its state, member
// and message tables.
func (s *RoomStore) RemoveRoom(roomID string) error {
	err := s.store.update(func(txn kv.Txn) error {
		tables, err := openTables(txn, tableRooms, tableEncryptedRooms)
		if err != nil {
			return err
		}
		if err := tables[0].Delete([]byte(roomID)); err != nil {
			return err
		}
		if err := tables[1].Delete([]byte(roomID)); err != nil {
			return err
		}
		for _, name := range []string{stateTable(roomID), membersTable(roomID), messagesTable(roomID)} {
			if err := txn.DropTable(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to remove room %s: %w", roomID, err)
	}
	return nil
}

// ===========================================================================
// QUERIES
// ===========================================================================

// RoomInfo returns the projection of a joined room, falling back to an
// invite with the same id.
func (s *RoomStore) RoomInfo(roomID string) (RoomInfo, bool) {
	infos := s.RoomInfos([]string{roomID})
	info, ok := infos[roomID]
	return info, ok
}

// RoomInfos returns the projections of the given rooms. Unknown ids are
// left out.
func (s *RoomStore) RoomInfos(roomIDs []string) map[string]RoomInfo {
	out := make(map[string]RoomInfo, len(roomIDs))
	err := s.store.view(func(txn kv.Txn) error {
		tables, err := openTables(txn, tableRooms, tableInvites)
		if err != nil {
			return err
		}
		for _, roomID := range roomIDs {
			var info RoomInfo
			found, err := getJSON(tables[0], roomID, &info)
			if err != nil {
				s.store.log.Warnf("Failed to decode room info of %s: %v", roomID, err)
				continue
			}
			if found {
				if info.LastMessage, err = lastMessageInfo(txn, s.store, roomID); err != nil {
					s.store.log.Warnf("Failed to read last message of %s: %v", roomID, err)
				}
				out[roomID] = info
				continue
			}
			found, err = getJSON(tables[1], roomID, &info)
			if err != nil {
				s.store.log.Warnf("Failed to decode invite info of %s: %v", roomID, err)
				continue
			}
			if found {
				out[roomID] = info
			}
		}
		return nil
	})
	if err != nil {
		s.store.log.Errorf("Failed to read room info: %v", err)
	}
	return out
}

// AllRoomInfo returns every joined room, with its last message, and
// optionally every invite.
func (s *RoomStore) AllRoomInfo(withInvites bool) map[string]RoomInfo {
	out := make(map[string]RoomInfo)
	err := s.store.view(func(txn kv.Txn) error {
		tables, err := openTables(txn, tableRooms, tableInvites)
		if err != nil {
			return err
		}

		c := tables[0].Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var info RoomInfo
			if err := json.Unmarshal(v, &info); err != nil {
				s.store.log.Warnf("Failed to decode room info of %s: %v", k, err)
				continue
			}
			roomID := string(k)
			if info.LastMessage, err = lastMessageInfo(txn, s.store, roomID); err != nil {
				s.store.log.Warnf("Failed to read last message of %s: %v", roomID, err)
			}
			out[roomID] = info
		}
		if err := c.Err(); err != nil {
			return err
		}
		if !withInvites {
			return nil
		}

		c = tables[1].Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var info RoomInfo
			if err := json.Unmarshal(v, &info); err != nil {
				s.store.log.Warnf("Failed to decode invite info of %s: %v", k, err)
				continue
			}
			out[string(k)] = info
		}
		return c.Err()
	})
	if err != nil {
		s.store.log.Errorf("Failed to read rooms: %v", err)
	}
	return out
}

// JoinedRooms returns the ids of every joined room in key order.
func (s *RoomStore) JoinedRooms() []string {
	return s.tableKeys(tableRooms)
}

// Invites returns the ids of every pending invite in key order.
func (s *RoomStore) Invites() []string {
	return s.tableKeys(tableInvites)
}

func (s *RoomStore) tableKeys(name string) []string {
	var out []string
	err := s.store.view(func(txn kv.Txn) error {
		tbl, err := txn.Table(name)
		if err != nil {
			return err
		}
		out, err = keys(tbl)
		return err
	})
	if err != nil {
		s.store.log.Errorf("Failed to list %s: %v", name, err)
		return nil
	}
	return out
}

// RoomsWithStateUpdates returns the rooms of res whose projection may have
// changed: joined rooms carrying state events and every invite.
func (s *RoomStore) RoomsWithStateUpdates(res *event.SyncResponse) []string {
	var out []string
	for roomID, room := range res.Rooms.Join {
		updated := len(room.State.Events) > 0
		for _, evt := range room.Timeline.Events {
			if evt.IsState() {
				updated = true
				break
			}
		}
		if updated {
			out = append(out, roomID)
		}
	}
	for roomID := range res.Rooms.Invite {
		out = append(out, roomID)
	}
	sort.Strings(out)
	return out
}

// IsRoomEncrypted reports whether the room has seen m.room.encryption.
func (s *RoomStore) IsRoomEncrypted(roomID string) bool {
	var found bool
	err := s.store.view(func(txn kv.Txn) error {
		tbl, err := txn.Table(tableEncryptedRooms)
		if err != nil {
			return err
		}
		found, err = exists(tbl, roomID)
		return err
	})
	if err != nil {
		s.store.log.Errorf("Failed to check encryption of %s: %v", roomID, err)
	}
	return found
}

// JoinRule returns the room's join rule, knock if unset.
func (s *RoomStore) JoinRule(roomID string) event.JoinRule {
	rule := event.JoinRuleKnock
	err := s.store.view(func(txn kv.Txn) error {
		tbl, err := txn.Table(stateTable(roomID))
		if err != nil {
			return err
		}
		rule, err = roomProjector{state: tbl}.joinRule()
		return err
	})
	if err != nil {
		s.store.log.Errorf("Failed to read join rule of %s: %v", roomID, err)
		return event.JoinRuleKnock
	}
	return rule
}

// GuestAccess reports whether guests can join the room.
func (s *RoomStore) GuestAccess(roomID string) bool {
	var access bool
	err := s.store.view(func(txn kv.Txn) error {
		tbl, err := txn.Table(stateTable(roomID))
		if err != nil {
			return err
		}
		access, err = roomProjector{state: tbl}.guestAccess()
		return err
	})
	if err != nil {
		s.store.log.Errorf("Failed to read guest access of %s: %v", roomID, err)
		return false
	}
	return access
}
