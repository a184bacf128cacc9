package store

import (
	"encoding/json"

	"mxcache/internal/kv"
	"mxcache/internal/memo"
)

// RoomMember is a joined or invited member with its resolved profile.
type RoomMember struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url"`
}

// MemberStore reads room member tables and resolves display names through
// the memo.
type MemberStore struct {
	store *Store
}

// NewMemberStore creates a new MemberStore.
func NewMemberStore(s *Store) *MemberStore {
	return &MemberStore{store: s}
}

// RoomMembers returns the user ids of the room's members in table order.
func (s *MemberStore) RoomMembers(roomID string) []string {
	var out []string
	err := s.store.view(func(txn kv.Txn) error {
		tbl, err := txn.Table(membersTable(roomID))
		if err != nil {
			return err
		}
		out, err = keys(tbl)
		return err
	})
	if err != nil {
		s.store.log.Errorf("Failed to list members of %s: %v", roomID, err)
		return nil
	}
	return out
}

// Members returns up to n members starting at offset start, in table order.
// n <= 0 returns every member after start.
func (s *MemberStore) Members(roomID string, start, n int) []RoomMember {
	var out []RoomMember
	err := s.store.view(func(txn kv.Txn) error {
		tbl, err := txn.Table(membersTable(roomID))
		if err != nil {
			return err
		}
		i := 0
		c := tbl.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if i++; i <= start {
				continue
			}
			if n > 0 && len(out) >= n {
				break
			}
			var info MemberInfo
			if err := json.Unmarshal(v, &info); err != nil {
				s.store.log.Warnf("Skipping malformed member %s in %s: %v", k, roomID, err)
				continue
			}
			out = append(out, RoomMember{UserID: string(k), DisplayName: info.Name, AvatarURL: info.AvatarURL})
		}
		return c.Err()
	})
	if err != nil {
		s.store.log.Errorf("Failed to read members of %s: %v", roomID, err)
		return nil
	}
	return out
}

// IsRoomMember reports whether userID is joined to or invited into the room.
func (s *MemberStore) IsRoomMember(roomID, userID string) bool {
	var found bool
	err := s.store.view(func(txn kv.Txn) error {
		tbl, err := txn.Table(membersTable(roomID))
		if err != nil {
			return err
		}
		found, err = exists(tbl, userID)
		return err
	})
	if err != nil {
		s.store.log.Errorf("Failed to check membership in %s: %v", roomID, err)
	}
	return found
}

// member loads one member record from storage.
func (s *MemberStore) member(roomID, userID string) (memo.Member, bool) {
	var info MemberInfo
	var found bool
	err := s.store.view(func(txn kv.Txn) error {
		tbl, err := txn.Table(membersTable(roomID))
		if err != nil {
			return err
		}
		found, err = getJSON(tbl, userID, &info)
		return err
	})
	if err != nil {
		s.store.log.Warnf("Failed to load member %s of %s: %v", userID, roomID, err)
		return memo.Member{}, false
	}
	if !found {
		return memo.Member{}, false
	}
	return memo.Member{DisplayName: info.Name, AvatarURL: info.AvatarURL}, true
}

// DisplayName returns the member's display name, loading it into the memo
// on a miss. Unknown members resolve to their user id.
func (s *MemberStore) DisplayName(roomID, userID string) string {
	m, ok := s.store.names.Resolve(roomID, userID, func() (memo.Member, bool) {
		return s.member(roomID, userID)
	})
	if !ok || m.DisplayName == "" {
		return userID
	}
	return m.DisplayName
}

// AvatarURL returns the member's avatar URL, loading it into the memo on a
// miss.
func (s *MemberStore) AvatarURL(roomID, userID string) string {
	m, _ := s.store.names.Resolve(roomID, userID, func() (memo.Member, bool) {
		return s.member(roomID, userID)
	})
	return m.AvatarURL
}

// PopulateMembers loads the members of every joined room into the memo and
// returns how many were loaded.
func (s *MemberStore) PopulateMembers() int {
	n := 0
	names := s.store.names
	err := s.store.view(func(txn kv.Txn) error {
		rooms, err := txn.Table(tableRooms)
		if err != nil {
			return err
		}
		roomIDs, err := keys(rooms)
		if err != nil {
			return err
		}
		for _, roomID := range roomIDs {
			tbl, err := txn.Table(membersTable(roomID))
			if err != nil {
				return err
			}
			c := tbl.Cursor()
			for k, v := c.First(); k != nil; k, v = c.Next() {
				var info MemberInfo
				if err := json.Unmarshal(v, &info); err != nil {
					continue
				}
				names.InsertDisplayName(roomID, string(k), info.Name)
				if info.AvatarURL != "" {
					names.InsertAvatarURL(roomID, string(k), info.AvatarURL)
				}
				n++
			}
			if err := c.Err(); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.store.log.Errorf("Failed to populate members: %v", err)
	}
	s.store.log.Debugf("Populated %d members", n)
	return n
}
