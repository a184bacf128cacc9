// Package store is the per-account Matrix client cache.
//
// A Store owns one embedded key-value environment holding the fixed tables
// below plus per-room tables created on first use. Entity stores
// (RoomStore, TimelineStore, ReceiptStore, ...) are thin views over a Store;
// Container groups them.
package store

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru"
	waLog "go.mau.fi/whatsmeow/util/log"

	"mxcache/internal/crypto"
	"mxcache/internal/kv"
	"mxcache/internal/memo"
	"mxcache/internal/metrics"
)

// ErrClosed is returned by operations on a store whose data was deleted or
// that was closed.
var ErrClosed = errors.New("store is closed")

const defaultMediaCacheSize = 128

// Options configures Open.
type Options struct {
	// BaseDir holds one directory per account.
	BaseDir string
	// UserID is the local account, e.g. "@alice:example.org".
	UserID string
	// Engine is the kv engine name; empty selects sqlite.
	Engine string
	// PickleSecret encrypts persisted encryption sessions.
	PickleSecret []byte
	// Codec restores pickled sessions. Defaults to crypto.PickleCodec.
	Codec crypto.Codec
	// Names is the display name memo. A new one is created if nil.
	Names *memo.Names
	Logger waLog.Logger
	// NoSync disables fsync. Only for tests.
	NoSync bool
	// MediaCacheSize is the number of media blobs kept in memory.
	MediaCacheSize int
	// Now is the clock used for descriptive timestamps.
	Now func() time.Time
}

// EventHandler receives store events such as *ReadReceiptsEvent.
type EventHandler func(evt any)

type wrappedEventHandler struct {
	fn EventHandler
	id uint32
}

var nextHandlerID uint32

// Store is the cache of one account.
type Store struct {
	opts  Options
	dir   string
	log   waLog.Logger
	names *memo.Names
	codec crypto.Codec
	media *lru.Cache

	sessions *sessionMirror

	// mu guards env. Transactions hold it for reading; DeleteData and
	// Reset take it exclusively.
	mu  sync.RWMutex
	env kv.Env

	handlersLock  sync.RWMutex
	eventHandlers []wrappedEventHandler
}

// AccountDir returns the directory of userID's cache below baseDir.
func AccountDir(baseDir, userID string) string {
	return filepath.Join(baseDir, hex.EncodeToString([]byte(userID)))
}

// Open opens the cache of opts.UserID, creating it if needed.
func Open(opts Options) (*Store, error) {
	if opts.UserID == "" {
		return nil, errors.New("store: user id is required")
	}
	if opts.Logger == nil {
		opts.Logger = waLog.Noop
	}
	if opts.Codec == nil {
		opts.Codec = crypto.PickleCodec{}
	}
	if opts.Names == nil {
		opts.Names = memo.New()
	}
	if opts.MediaCacheSize <= 0 {
		opts.MediaCacheSize = defaultMediaCacheSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	media, err := lru.New(opts.MediaCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create media cache: %w", err)
	}

	s := &Store{
		opts:     opts,
		dir:      AccountDir(opts.BaseDir, opts.UserID),
		log:      opts.Logger.Sub("Store"),
		names:    opts.Names,
		codec:    opts.Codec,
		media:    media,
		sessions: newSessionMirror(),
	}

	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	if err := s.openEnv(); err != nil {
		return nil, err
	}

	s.log.Debugf("Opened %s cache for %s at %s", engineName(opts.Engine), opts.UserID, s.dir)
	return s, nil
}

func engineName(engine string) string {
	if engine == "" {
		return kv.EngineSQLite
	}
	return engine
}

// openEnv opens the engine. An environment the engine cannot read is wiped
// and opened again, once.
func (s *Store) openEnv() error {
	env, err := kv.Open(s.opts.Engine, s.dir, kv.Options{NoSync: s.opts.NoSync})
	if errors.Is(err, kv.ErrIncompatible) {
		s.log.Warnf("Cache at %s is incompatible, deleting it: %v", s.dir, err)
		if err := clearDir(s.dir); err != nil {
			return fmt.Errorf("failed to delete incompatible cache: %w", err)
		}
		metrics.StoreResetsTotal.Inc()
		env, err = kv.Open(s.opts.Engine, s.dir, kv.Options{NoSync: s.opts.NoSync})
	}
	if err != nil {
		return fmt.Errorf("failed to open cache: %w", err)
	}

	if err := env.Update(createFixedTables); err != nil {
		env.Close()
		return fmt.Errorf("failed to create tables: %w", err)
	}

	s.env = env
	return nil
}

// clearDir removes everything inside dir but keeps dir itself.
func clearDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}

// UserID returns the local account.
func (s *Store) UserID() string {
	return s.opts.UserID
}

// Dir returns the account directory.
func (s *Store) Dir() string {
	return s.dir
}

// Names returns the display name memo.
func (s *Store) Names() *memo.Names {
	return s.names
}

// Close closes the engine.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.env == nil {
		return nil
	}
	err := s.env.Close()
	s.env = nil
	return err
}

// DeleteData closes the engine and removes the account directory.
func (s *Store) DeleteData() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteDataLocked()
}

func (s *Store) deleteDataLocked() error {
	if s.env != nil {
		if err := s.env.Close(); err != nil {
			s.log.Warnf("Failed to close cache before deleting it: %v", err)
		}
		s.env = nil
	}
	if err := os.RemoveAll(s.dir); err != nil {
		return fmt.Errorf("failed to delete cache directory: %w", err)
	}
	s.log.Infof("Deleted cache at %s", s.dir)
	return nil
}

// Reset deletes all data of the account and reopens an empty, current
// format store. The memo and session mirrors are cleared too.
func (s *Store) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.deleteDataLocked(); err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return fmt.Errorf("failed to create store directory: %w", err)
	}
	if err := s.openEnv(); err != nil {
		return err
	}

	s.names.Clear()
	s.sessions.clear()
	s.media.Purge()
	metrics.StoreResetsTotal.Inc()

	if err := s.env.Update(setFormatVersion); err != nil {
		return fmt.Errorf("failed to stamp format version: %w", err)
	}
	return nil
}

// view runs fn in a read transaction.
func (s *Store) view(fn func(kv.Txn) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.env == nil {
		return ErrClosed
	}
	return s.env.View(fn)
}

// update runs fn in the write transaction.
func (s *Store) update(fn func(kv.Txn) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.env == nil {
		return ErrClosed
	}
	return s.env.Update(fn)
}

// AddEventHandler registers a handler for store events and returns an id
// for RemoveEventHandler.
func (s *Store) AddEventHandler(handler EventHandler) uint32 {
	id := atomic.AddUint32(&nextHandlerID, 1)
	s.handlersLock.Lock()
	s.eventHandlers = append(s.eventHandlers, wrappedEventHandler{fn: handler, id: id})
	s.handlersLock.Unlock()
	return id
}

// RemoveEventHandler unregisters a handler. It returns false if no handler
// had the id.
func (s *Store) RemoveEventHandler(id uint32) bool {
	s.handlersLock.Lock()
	defer s.handlersLock.Unlock()
	for i, h := range s.eventHandlers {
		if h.id == id {
			s.eventHandlers = append(s.eventHandlers[:i], s.eventHandlers[i+1:]...)
			return true
		}
	}
	return false
}

func (s *Store) dispatchEvent(evt any) {
	s.handlersLock.RLock()
	handlers := make([]wrappedEventHandler, len(s.eventHandlers))
	copy(handlers, s.eventHandlers)
	s.handlersLock.RUnlock()

	for _, h := range handlers {
		h.fn(evt)
	}
}
