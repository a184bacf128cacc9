// Package memo keeps the resolved display names and avatar URLs of room
// members in memory so lookups never touch storage.
package memo

import (
	"sync"

	"golang.org/x/sync/singleflight"
)

// Names memoizes (room, user) -> display name and avatar URL.
// One instance lives for one account session; the zero value is not usable.
type Names struct {
	mu          sync.RWMutex
	displayName map[string]string
	avatarURL   map[string]string
	group       singleflight.Group
}

// New creates an empty memo.
func New() *Names {
	return &Names{
		displayName: make(map[string]string),
		avatarURL:   make(map[string]string),
	}
}

func key(roomID, userID string) string {
	return roomID + " " + userID
}

// DisplayName returns the memoized name, falling back to the user id.
func (n *Names) DisplayName(roomID, userID string) string {
	if name, ok := n.Lookup(roomID, userID); ok && name != "" {
		return name
	}
	return userID
}

// Lookup returns the memoized display name, if any.
func (n *Names) Lookup(roomID, userID string) (string, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	name, ok := n.displayName[key(roomID, userID)]
	return name, ok
}

// AvatarURL returns the memoized avatar URL or an empty string.
func (n *Names) AvatarURL(roomID, userID string) string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.avatarURL[key(roomID, userID)]
}

// LookupAvatarURL returns the memoized avatar URL, if any.
func (n *Names) LookupAvatarURL(roomID, userID string) (string, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	url, ok := n.avatarURL[key(roomID, userID)]
	return url, ok
}

func (n *Names) InsertDisplayName(roomID, userID, name string) {
	n.mu.Lock()
	n.displayName[key(roomID, userID)] = name
	n.mu.Unlock()
}

func (n *Names) RemoveDisplayName(roomID, userID string) {
	n.mu.Lock()
	delete(n.displayName, key(roomID, userID))
	n.mu.Unlock()
}

func (n *Names) InsertAvatarURL(roomID, userID, url string) {
	n.mu.Lock()
	n.avatarURL[key(roomID, userID)] = url
	n.mu.Unlock()
}

func (n *Names) RemoveAvatarURL(roomID, userID string) {
	n.mu.Lock()
	delete(n.avatarURL, key(roomID, userID))
	n.mu.Unlock()
}

// Clear drops every entry.
func (n *Names) Clear() {
	n.mu.Lock()
	n.displayName = make(map[string]string)
	n.avatarURL = make(map[string]string)
	n.mu.Unlock()
}

// Len returns the number of memoized display names.
func (n *Names) Len() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.displayName)
}

// Member is what a loader returns for a (room, user) pair.
type Member struct {
	DisplayName string
	AvatarURL   string
}

// Resolve returns the memoized entry for (room, user). On a miss it calls
// load, memoizes the result and returns it. Concurrent misses for the same
// pair share one load call.
func (n *Names) Resolve(roomID, userID string, load func() (Member, bool)) (Member, bool) {
	n.mu.RLock()
	name, hasName := n.displayName[key(roomID, userID)]
	url := n.avatarURL[key(roomID, userID)]
	n.mu.RUnlock()
	if hasName {
		return Member{DisplayName: name, AvatarURL: url}, true
	}

	v, _, _ := n.group.Do(key(roomID, userID), func() (any, error) {
		m, ok := load()
		if !ok {
			return nil, nil
		}
		n.mu.Lock()
		n.displayName[key(roomID, userID)] = m.DisplayName
		if m.AvatarURL != "" {
			n.avatarURL[key(roomID, userID)] = m.AvatarURL
		}
		n.mu.Unlock()
		return m, nil
	})
	if v == nil {
		return Member{}, false
	}
	return v.(Member), true
}
