package store

import (
	"encoding/json"
	"errors"

	"mxcache/internal/kv"
)

// Fixed tables.
const (
	tableSyncState        = "sync_state"
	tableRooms            = "rooms"
	tableInvites          = "invites"
	tableMedia            = "media"
	tableReadReceipts     = "read_receipts"
	tablePendingReceipts  = "pending_receipts"
	tableNotifications    = "sent_notifications"
	tableDevices          = "devices"
	tableDeviceKeys       = "device_keys"
	tableEncryptedRooms   = "encrypted_rooms"
	tableInboundSessions  = "inbound_megolm_sessions"
	tableOutboundSessions = "outbound_megolm_sessions"
	tableOlmPeers         = "olm_peers"
	tableIgnoredUsers     = "ignored_users"
)

var fixedTables = []string{
	tableSyncState,
	tableRooms,
	tableInvites,
	tableMedia,
	tableReadReceipts,
	tablePendingReceipts,
	tableNotifications,
	tableDevices,
	tableDeviceKeys,
	tableEncryptedRooms,
	tableInboundSessions,
	tableOutboundSessions,
	tableOlmPeers,
	tableIgnoredUsers,
}

// Keys in sync_state.
const (
	keyNextBatch     = "next_batch"
	keyFormatVersion = "cache_format_version"
	keyOlmAccount    = "olm_account"
)

func createFixedTables(txn kv.Txn) error {
	for _, name := range fixedTables {
		if _, err := txn.Table(name); err != nil {
			return err
		}
	}
	return nil
}

// Per-room tables.
func stateTable(roomID string) string { return roomID + "/state" }
func membersTable(roomID string) string { return roomID + "/members" }
func messagesTable(roomID string) string { return roomID + "/messages" }
func inviteStateTable(roomID string) string { return roomID + "/invite_state" }
func inviteMembersTable(roomID string) string { return roomID + "/invite_members" }

// Per-peer pairwise session tables, keyed by the peer's curve25519 key.
func olmSessionsTable(peerKey string) string { return "olm_sessions/" + peerKey }

// getJSON reads and decodes key. found is false when the key is absent.
func getJSON(tbl kv.Table, key string, v any) (found bool, err error) {
	raw, err := tbl.Get([]byte(key))
	if errors.Is(err, kv.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, json.Unmarshal(raw, v)
}

func putJSON(tbl kv.Table, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return tbl.Put([]byte(key), raw)
}

// exists reports whether key is present in tbl.
func exists(tbl kv.Table, key string) (bool, error) {
	_, err := tbl.Get([]byte(key))
	if errors.Is(err, kv.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// keys returns every key of tbl in order.
func keys(tbl kv.Table) ([]string, error) {
	var out []string
	c := tbl.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		out = append(out, string(k))
	}
	return out, c.Err()
}

func openTables(txn kv.Txn, names ...string) ([]kv.Table, error) {
	tables := make([]kv.Table, len(names))
	for i, name := range names {
		tbl, err := txn.Table(name)
		if err != nil {
			return nil, err
		}
		tables[i] = tbl
	}
	return tables, nil
}
