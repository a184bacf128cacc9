package store

import (
	"fmt"
	"strings"

	"mxcache/internal/kv"
)

// DeviceKeys are the published identity keys of one device.
type DeviceKeys struct {
	UserID     string            `json:"user_id"`
	DeviceID   string            `json:"device_id"`
	Algorithms []string          `json:"algorithms"`
	Keys       map[string]string `json:"keys"`
}

// Ed25519 returns the device's signing key.
func (k DeviceKeys) Ed25519() string {
	return k.Keys["ed25519:"+k.DeviceID]
}

// Curve25519 returns the device's identity key.
func (k DeviceKeys) Curve25519() string {
	return k.Keys["curve25519:"+k.DeviceID]
}

// Fingerprint renders the signing key in blocks of four characters, as
// clients show it for manual verification.
func (k DeviceKeys) Fingerprint() string {
	key := k.Ed25519()
	var b strings.Builder
	for i := 0; i < len(key); i += 4 {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(key[i:min(i+4, len(key))])
	}
	return b.String()
}

// DeviceStore keeps the device lists of users and the keys of each device.
type DeviceStore struct {
	store *Store
}

// NewDeviceStore creates a new DeviceStore.
func NewDeviceStore(s *Store) *DeviceStore {
	return &DeviceStore{store: s}
}

// SaveDeviceList replaces the known devices of userID.
func (s *DeviceStore) SaveDeviceList(userID string, devices []string) error {
	err := s.store.update(func(txn kv.Txn) error {
		tbl, err := txn.Table(tableDevices)
		if err != nil {
			return err
		}
		return putJSON(tbl, userID, devices)
	})
	if err != nil {
		return fmt.Errorf("failed to save device list of %s: %w", userID, err)
	}
	return nil
}

// DeviceList returns the known devices of userID.
func (s *DeviceStore) DeviceList(userID string) []string {
	var devices []string
	err := s.store.view(func(txn kv.Txn) error {
		tbl, err := txn.Table(tableDevices)
		if err != nil {
			return err
		}
		_, err = getJSON(tbl, userID, &devices)
		return err
	})
	if err != nil {
		s.store.log.Errorf("Failed to read device list of %s: %v", userID, err)
		return nil
	}
	return devices
}

// SaveDeviceKeys stores the keys of deviceID.
func (s *DeviceStore) SaveDeviceKeys(deviceID string, keys DeviceKeys) error {
	err := s.store.update(func(txn kv.Txn) error {
		tbl, err := txn.Table(tableDeviceKeys)
		if err != nil {
			return err
		}
		return putJSON(tbl, deviceID, keys)
	})
	if err != nil {
		return fmt.Errorf("failed to save keys of device %s: %w", deviceID, err)
	}
	return nil
}

// DeviceKeys returns the keys of deviceID.
func (s *DeviceStore) DeviceKeys(deviceID string) (DeviceKeys, bool) {
	var keys DeviceKeys
	var found bool
	err := s.store.view(func(txn kv.Txn) error {
		tbl, err := txn.Table(tableDeviceKeys)
		if err != nil {
			return err
		}
		found, err = getJSON(tbl, deviceID, &keys)
		return err
	})
	if err != nil {
		s.store.log.Errorf("Failed to read keys of device %s: %v", deviceID, err)
		return DeviceKeys{}, false
	}
	return keys, found
}
