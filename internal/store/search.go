package store

import (
	"encoding/json"
	"sort"

	"mxcache/internal/kv"
	"mxcache/internal/utils"
)

// RoomSearchResult is one match of SearchRooms.
type RoomSearchResult struct {
	RoomID string
	Info   RoomInfo
	// Avatar is the cached avatar image, nil if not downloaded.
	Avatar []byte
}

// SearchResult is one match of SearchUsers.
type SearchResult struct {
	UserID      string
	DisplayName string
}

// SearchStore ranks rooms and members by approximate name match.
type SearchStore struct {
	store *Store
}

// NewSearchStore creates a new SearchStore.
func NewSearchStore(s *Store) *SearchStore {
	return &SearchStore{store: s}
}

type scored[T any] struct {
	score int
	item  T
}

// topN sorts by ascending score, keeping scan order for ties, and cuts the
// result to n.
func topN[T any](items []scored[T], n int) []T {
	sort.SliceStable(items, func(i, j int) bool { return items[i].score < items[j].score })
	if len(items) > n {
		items = items[:n]
	}
	out := make([]T, len(items))
	for i, it := range items {
		out[i] = it.item
	}
	return out
}

// SearchRooms returns up to maxItems joined rooms whose name best matches
// query, closest first.
func (s *SearchStore) SearchRooms(query string, maxItems int) []RoomSearchResult {
	if maxItems <= 0 {
		return []RoomSearchResult{}
	}
	var items []scored[RoomSearchResult]
	err := s.store.view(func(txn kv.Txn) error {
		rooms, err := txn.Table(tableRooms)
		if err != nil {
			return err
		}
		c := rooms.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var info RoomInfo
			if err := json.Unmarshal(v, &info); err != nil {
				s.store.log.Warnf("Skipping malformed room info %s: %v", k, err)
				continue
			}
			avatar, err := image(txn, info.AvatarURL)
			if err != nil {
				return err
			}
			items = append(items, scored[RoomSearchResult]{
				score: utils.FoldedDistance(query, info.Name),
				item:  RoomSearchResult{RoomID: string(k), Info: info, Avatar: avatar},
			})
		}
		return c.Err()
	})
	if err != nil {
		s.store.log.Errorf("Failed to search rooms: %v", err)
		return []RoomSearchResult{}
	}
	return topN(items, maxItems)
}

// SearchUsers returns up to maxItems members of the room whose display name
// best matches query, closest first.
func (s *SearchStore) SearchUsers(roomID, query string, maxItems int) []SearchResult {
	if maxItems <= 0 {
		return []SearchResult{}
	}
	names := s.store.names
	var items []scored[SearchResult]
	err := s.store.view(func(txn kv.Txn) error {
		tbl, err := txn.Table(membersTable(roomID))
		if err != nil {
			return err
		}
		c := tbl.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			userID := string(k)
			name, ok := names.Lookup(roomID, userID)
			if !ok || name == "" {
				var info MemberInfo
				if err := json.Unmarshal(v, &info); err != nil {
					s.store.log.Warnf("Skipping malformed member %s in %s: %v", k, roomID, err)
					continue
				}
				name = info.Name
			}
			if name == "" {
				name = userID
			}
			items = append(items, scored[SearchResult]{
				score: utils.FoldedDistance(query, name),
				item:  SearchResult{UserID: userID, DisplayName: name},
			})
		}
		return c.Err()
	})
	if err != nil {
		s.store.log.Errorf("Failed to search members of %s: %v", roomID, err)
		return []SearchResult{}
	}
	return topN(items, maxItems)
}
