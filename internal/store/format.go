package store

import (
	"errors"

	"mxcache/internal/kv"
)

// CurrentFormatVersion is stamped into every store. A store carrying any
// other version is not migrated; it has to be reset.
const CurrentFormatVersion = "2026.10.01"

// IsFormatValid reports whether the stored format version matches
// CurrentFormatVersion. A store without a marker is fresh and valid.
func (s *Store) IsFormatValid() bool {
	var stored string
	var found bool
	err := s.view(func(txn kv.Txn) error {
		tbl, err := txn.Table(tableSyncState)
		if err != nil {
			return err
		}
		raw, err := tbl.Get([]byte(keyFormatVersion))
		if errors.Is(err, kv.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		stored, found = string(raw), true
		return nil
	})
	if err != nil {
		s.log.Errorf("Failed to read cache format version: %v", err)
		return false
	}
	if !found {
		return true
	}
	if stored != CurrentFormatVersion {
		s.log.Warnf("Cache format version %s does not match current version %s", stored, CurrentFormatVersion)
		return false
	}
	return true
}

// SetCurrentFormat stamps CurrentFormatVersion.
func (s *Store) SetCurrentFormat() error {
	return s.update(setFormatVersion)
}

func setFormatVersion(txn kv.Txn) error {
	return setSyncValue(txn, keyFormatVersion, CurrentFormatVersion)
}

func setSyncValue(txn kv.Txn, key, value string) error {
	tbl, err := txn.Table(tableSyncState)
	if err != nil {
		return err
	}
	return tbl.Put([]byte(key), []byte(value))
}
