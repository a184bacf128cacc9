package store

import (
	"errors"
	"fmt"

	"mxcache/internal/kv"
)

// MediaStore caches downloaded images by their mxc:// URL.
type MediaStore struct {
	store *Store
}

// NewMediaStore creates a new MediaStore.
func NewMediaStore(s *Store) *MediaStore {
	return &MediaStore{store: s}
}

// SaveImage stores data for url. Empty urls or data are ignored.
func (s *MediaStore) SaveImage(url string, data []byte) error {
	if url == "" || len(data) == 0 {
		return nil
	}
	err := s.store.update(func(txn kv.Txn) error {
		tbl, err := txn.Table(tableMedia)
		if err != nil {
			return err
		}
		return tbl.Put([]byte(url), data)
	})
	if err != nil {
		return fmt.Errorf("failed to save image %s: %w", url, err)
	}
	s.store.media.Add(url, data)
	return nil
}

// Image returns the stored image for url, or nil.
func (s *MediaStore) Image(url string) []byte {
	if url == "" {
		return nil
	}
	if v, ok := s.store.media.Get(url); ok {
		return v.([]byte)
	}

	var data []byte
	err := s.store.view(func(txn kv.Txn) error {
		var err error
		data, err = image(txn, url)
		return err
	})
	if err != nil {
		s.store.log.Errorf("Failed to read image %s: %v", url, err)
		return nil
	}
	if data != nil {
		s.store.media.Add(url, data)
	}
	return data
}

// RoomAvatar returns the stored image of the room's avatar, or nil.
func (s *MediaStore) RoomAvatar(roomID string) []byte {
	info, ok := NewRoomStore(s.store).RoomInfo(roomID)
	if !ok {
		return nil
	}
	return s.Image(info.AvatarURL)
}

func image(txn kv.Txn, url string) ([]byte, error) {
	if url == "" {
		return nil, nil
	}
	tbl, err := txn.Table(tableMedia)
	if err != nil {
		return nil, err
	}
	data, err := tbl.Get([]byte(url))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	return data, err
}
