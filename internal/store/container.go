package store

import (
	"fmt"

	"mxcache/internal/kv"
)

// Container provides unified access to all stores.
type Container struct {
	Store *Store

	Rooms         *RoomStore
	Members       *MemberStore
	Timeline      *TimelineStore
	Receipts      *ReceiptStore
	Notifications *NotificationStore
	Sessions      *SessionStore
	Search        *SearchStore
	Media         *MediaStore
	Devices       *DeviceStore
	SyncState     *SyncStateStore
	Ignored       *IgnoreStore
}

// NewContainer creates a new Container with all sub-stores initialized.
func NewContainer(s *Store) *Container {
	return &Container{
		Store:         s,
		Rooms:         NewRoomStore(s),
		Members:       NewMemberStore(s),
		Timeline:      NewTimelineStore(s),
		Receipts:      NewReceiptStore(s),
		Notifications: NewNotificationStore(s),
		Sessions:      NewSessionStore(s),
		Search:        NewSearchStore(s),
		Media:         NewMediaStore(s),
		Devices:       NewDeviceStore(s),
		SyncState:     NewSyncStateStore(s),
		Ignored:       NewIgnoreStore(s),
	}
}

// Close closes the underlying store.
func (c *Container) Close() error {
	return c.Store.Close()
}

// Stats returns statistics about stored entities.
type Stats struct {
	Rooms            int `json:"rooms"`
	Invites          int `json:"invites"`
	Members          int `json:"members"`
	Messages         int `json:"messages"`
	Media            int `json:"media"`
	Receipts         int `json:"receipts"`
	PendingReceipts  int `json:"pending_receipts"`
	InboundSessions  int `json:"inbound_sessions"`
	OutboundSessions int `json:"outbound_sessions"`
	PairwisePeers    int `json:"pairwise_peers"`
	IgnoredUsers     int `json:"ignored_users"`
}

// Stats returns current entity counts.
func (c *Container) Stats() (*Stats, error) {
	stats := &Stats{}
	err := c.Store.view(func(txn kv.Txn) error {
		counts := []struct {
			table string
			dst   *int
		}{
			{tableRooms, &stats.Rooms},
			{tableInvites, &stats.Invites},
			{tableMedia, &stats.Media},
			{tableReadReceipts, &stats.Receipts},
			{tablePendingReceipts, &stats.PendingReceipts},
			{tableInboundSessions, &stats.InboundSessions},
			{tableOutboundSessions, &stats.OutboundSessions},
			{tableOlmPeers, &stats.PairwisePeers},
			{tableIgnoredUsers, &stats.IgnoredUsers},
		}
		for _, count := range counts {
			tbl, err := txn.Table(count.table)
			if err != nil {
				return err
			}
			if *count.dst, err = tbl.Len(); err != nil {
				return err
			}
		}

		rooms, err := txn.Table(tableRooms)
		if err != nil {
			return err
		}
		roomIDs, err := keys(rooms)
		if err != nil {
			return err
		}
		for _, roomID := range roomIDs {
			tables, err := openTables(txn, membersTable(roomID), messagesTable(roomID))
			if err != nil {
				return err
			}
			members, err := tables[0].Len()
			if err != nil {
				return err
			}
			messages, err := tables[1].Len()
			if err != nil {
				return err
			}
			stats.Members += members
			stats.Messages += messages
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to count entities: %w", err)
	}
	return stats, nil
}
