package store

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"mxcache/internal/crypto"
	"mxcache/internal/kv"
	"mxcache/internal/metrics"
)

// sessionMirror holds the live session objects. Each category has its own
// mutex, held only for map access and never across a transaction.
type sessionMirror struct {
	pairwiseLock sync.Mutex
	pairwise     map[string]crypto.PairwiseSession

	inboundLock sync.Mutex
	inbound     map[string]crypto.InboundGroupSession

	outboundLock     sync.Mutex
	outboundSessions map[string]crypto.OutboundGroupSession
	outboundData     map[string]crypto.OutboundGroupSessionData

	// outboundWriteLock orders outbound disk writes so the persisted message
	// index is always the latest one written to the mirror.
	outboundWriteLock sync.Mutex
}

func newSessionMirror() *sessionMirror {
	m := &sessionMirror{}
	m.clear()
	return m
}

func (m *sessionMirror) clear() {
	m.pairwiseLock.Lock()
	m.pairwise = make(map[string]crypto.PairwiseSession)
	m.pairwiseLock.Unlock()

	m.inboundLock.Lock()
	m.inbound = make(map[string]crypto.InboundGroupSession)
	m.inboundLock.Unlock()

	m.outboundLock.Lock()
	m.outboundSessions = make(map[string]crypto.OutboundGroupSession)
	m.outboundData = make(map[string]crypto.OutboundGroupSessionData)
	m.outboundLock.Unlock()
}

// outboundRecord is the persisted form of an outbound group session.
type outboundRecord struct {
	Data    crypto.OutboundGroupSessionData `json:"data"`
	Session string                          `json:"session"`
}

// SessionStore persists encryption sessions and owns their live objects.
// Callers get borrowed access to a session through the With* methods; the
// session must not be retained after the callback returns.
type SessionStore struct {
	store *Store
}

// NewSessionStore creates a new SessionStore.
func NewSessionStore(s *Store) *SessionStore {
	return &SessionStore{store: s}
}

func (s *SessionStore) secret() []byte {
	return s.store.opts.PickleSecret
}

// ===========================================================================
// PAIRWISE SESSIONS
// ===========================================================================

// SavePairwiseSession persists a session with the device identified by
// peerKey, then mirrors it by session id.
func (s *SessionStore) SavePairwiseSession(peerKey string, session crypto.PairwiseSession) error {
	pickled, err := session.Pickle(s.secret())
	if err != nil {
		return fmt.Errorf("failed to pickle pairwise session: %w", err)
	}

	err = s.store.update(func(txn kv.Txn) error {
		tables, err := openTables(txn, olmSessionsTable(peerKey), tableOlmPeers)
		if err != nil {
			return err
		}
		if err := tables[0].Put([]byte(session.SessionID()), pickled); err != nil {
			return err
		}
		return tables[1].Put([]byte(peerKey), nil)
	})
	if err != nil {
		return fmt.Errorf("failed to save pairwise session: %w", err)
	}

	m := s.store.sessions
	m.pairwiseLock.Lock()
	m.pairwise[session.SessionID()] = session
	m.pairwiseLock.Unlock()
	return nil
}

// GetPairwiseSession reads a session from disk. Every call unpickles a new
// object owned by the caller.
func (s *SessionStore) GetPairwiseSession(peerKey, sessionID string) (crypto.PairwiseSession, bool) {
	var pickled []byte
	err := s.store.view(func(txn kv.Txn) error {
		tbl, err := txn.Table(olmSessionsTable(peerKey))
		if err != nil {
			return err
		}
		pickled, err = tbl.Get([]byte(sessionID))
		return err
	})
	if errors.Is(err, kv.ErrNotFound) {
		return nil, false
	}
	if err != nil {
		s.store.log.Errorf("Failed to read pairwise session %s: %v", sessionID, err)
		return nil, false
	}

	session, err := s.store.codec.UnpicklePairwise(pickled, s.secret())
	if err != nil {
		s.store.log.Warnf("Failed to unpickle pairwise session %s: %v", sessionID, err)
		return nil, false
	}
	return session, true
}

// PairwiseSessionIDs lists the session ids stored for peerKey in key order.
func (s *SessionStore) PairwiseSessionIDs(peerKey string) []string {
	var ids []string
	err := s.store.view(func(txn kv.Txn) error {
		tbl, err := txn.Table(olmSessionsTable(peerKey))
		if err != nil {
			return err
		}
		ids, err = keys(tbl)
		return err
	})
	if err != nil {
		s.store.log.Errorf("Failed to list pairwise sessions of %s: %v", peerKey, err)
		return nil
	}
	return ids
}

// WithPairwiseSession calls fn with the mirrored session, holding the
// pairwise lock. It returns false if the session is not mirrored.
func (s *SessionStore) WithPairwiseSession(sessionID string, fn func(crypto.PairwiseSession)) bool {
	m := s.store.sessions
	m.pairwiseLock.Lock()
	defer m.pairwiseLock.Unlock()

	session, ok := m.pairwise[sessionID]
	if !ok {
		return false
	}
	fn(session)
	return true
}

// ===========================================================================
// INBOUND GROUP SESSIONS
// ===========================================================================

// SaveInboundGroupSession persists the session under index.Hash(), then
// takes ownership of it in the mirror.
func (s *SessionStore) SaveInboundGroupSession(index crypto.MegolmSessionIndex, session crypto.InboundGroupSession) error {
	pickled, err := session.Pickle(s.secret())
	if err != nil {
		return fmt.Errorf("failed to pickle inbound group session: %w", err)
	}

	key := index.Hash()
	err = s.store.update(func(txn kv.Txn) error {
		tbl, err := txn.Table(tableInboundSessions)
		if err != nil {
			return err
		}
		return tbl.Put([]byte(key), pickled)
	})
	if err != nil {
		return fmt.Errorf("failed to save inbound group session: %w", err)
	}

	m := s.store.sessions
	m.inboundLock.Lock()
	m.inbound[key] = session
	m.inboundLock.Unlock()
	return nil
}

// WithInboundGroupSession calls fn with the mirrored session, holding the
// inbound lock. Only the mirror is consulted, so RestoreSessions must have
// run after opening the store.
func (s *SessionStore) WithInboundGroupSession(index crypto.MegolmSessionIndex, fn func(crypto.InboundGroupSession)) bool {
	m := s.store.sessions
	m.inboundLock.Lock()
	defer m.inboundLock.Unlock()

	session, ok := m.inbound[index.Hash()]
	if !ok {
		return false
	}
	fn(session)
	return true
}

// InboundGroupSessionExists reports whether the mirror holds index.
func (s *SessionStore) InboundGroupSessionExists(index crypto.MegolmSessionIndex) bool {
	m := s.store.sessions
	m.inboundLock.Lock()
	defer m.inboundLock.Unlock()

	_, ok := m.inbound[index.Hash()]
	return ok
}

// ===========================================================================
// OUTBOUND GROUP SESSIONS
// ===========================================================================

// SaveOutboundGroupSession persists the room's outbound session with its
// metadata, replacing any previous one, and mirrors both.
func (s *SessionStore) SaveOutboundGroupSession(roomID string, data crypto.OutboundGroupSessionData, session crypto.OutboundGroupSession) error {
	m := s.store.sessions
	m.outboundWriteLock.Lock()
	defer m.outboundWriteLock.Unlock()

	pickled, err := session.Pickle(s.secret())
	if err != nil {
		return fmt.Errorf("failed to pickle outbound group session: %w", err)
	}
	if err := s.putOutbound(roomID, data, pickled); err != nil {
		return err
	}

	m.outboundLock.Lock()
	m.outboundSessions[roomID] = session
	m.outboundData[roomID] = data
	m.outboundLock.Unlock()
	return nil
}

// UpdateOutboundGroupSession records a new message index for the room's
// outbound session. It does nothing if the room has no outbound session.
func (s *SessionStore) UpdateOutboundGroupSession(roomID string, messageIndex uint64) error {
	m := s.store.sessions
	m.outboundWriteLock.Lock()
	defer m.outboundWriteLock.Unlock()

	m.outboundLock.Lock()
	session, hasSession := m.outboundSessions[roomID]
	data, hasData := m.outboundData[roomID]
	if !hasSession || !hasData {
		m.outboundLock.Unlock()
		return nil
	}
	data.MessageIndex = messageIndex
	m.outboundData[roomID] = data
	pickled, err := session.Pickle(s.secret())
	m.outboundLock.Unlock()

	if err != nil {
		return fmt.Errorf("failed to pickle outbound group session: %w", err)
	}
	return s.putOutbound(roomID, data, pickled)
}

func (s *SessionStore) putOutbound(roomID string, data crypto.OutboundGroupSessionData, pickled []byte) error {
	record := outboundRecord{
		Data:    data,
		Session: base64.StdEncoding.EncodeToString(pickled),
	}
	err := s.store.update(func(txn kv.Txn) error {
		tbl, err := txn.Table(tableOutboundSessions)
		if err != nil {
			return err
		}
		return putJSON(tbl, roomID, record)
	})
	if err != nil {
		return fmt.Errorf("failed to save outbound group session: %w", err)
	}
	return nil
}

// OutboundGroupSessionExists reports whether both the session and its
// metadata are mirrored for the room.
func (s *SessionStore) OutboundGroupSessionExists(roomID string) bool {
	m := s.store.sessions
	m.outboundLock.Lock()
	defer m.outboundLock.Unlock()

	_, hasSession := m.outboundSessions[roomID]
	_, hasData := m.outboundData[roomID]
	return hasSession && hasData
}

// WithOutboundGroupSession calls fn with the room's mirrored session and
// metadata, holding the outbound lock.
func (s *SessionStore) WithOutboundGroupSession(roomID string, fn func(crypto.OutboundGroupSession, crypto.OutboundGroupSessionData)) bool {
	m := s.store.sessions
	m.outboundLock.Lock()
	defer m.outboundLock.Unlock()

	session, hasSession := m.outboundSessions[roomID]
	data, hasData := m.outboundData[roomID]
	if !hasSession || !hasData {
		return false
	}
	fn(session, data)
	return true
}

// ===========================================================================
// RESTORE
// ===========================================================================

// RestoreSessions loads every persisted session into the mirrors. Entries
// that fail to decode are logged and skipped.
func (s *SessionStore) RestoreSessions() error {
	var (
		pairwise         = make(map[string]crypto.PairwiseSession)
		inbound          = make(map[string]crypto.InboundGroupSession)
		outboundSessions = make(map[string]crypto.OutboundGroupSession)
		outboundData     = make(map[string]crypto.OutboundGroupSessionData)
		failed           int
	)
	skip := func(kind, key string, err error) {
		s.store.log.Warnf("Skipping %s session %s: %v", kind, key, err)
		metrics.SessionRestoreFailuresTotal.Inc()
		failed++
	}

	err := s.store.view(func(txn kv.Txn) error {
		tables, err := openTables(txn, tableInboundSessions, tableOutboundSessions, tableOlmPeers)
		if err != nil {
			return err
		}

		c := tables[0].Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			session, err := s.store.codec.UnpickleInbound(v, s.secret())
			if err != nil {
				skip("inbound", string(k), err)
				continue
			}
			inbound[string(k)] = session
		}
		if err := c.Err(); err != nil {
			return err
		}

		c = tables[1].Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var record outboundRecord
			if err := json.Unmarshal(v, &record); err != nil {
				skip("outbound", string(k), err)
				continue
			}
			pickled, err := base64.StdEncoding.DecodeString(record.Session)
			if err != nil {
				skip("outbound", string(k), err)
				continue
			}
			session, err := s.store.codec.UnpickleOutbound(pickled, s.secret())
			if err != nil {
				skip("outbound", string(k), err)
				continue
			}
			outboundSessions[string(k)] = session
			outboundData[string(k)] = record.Data
		}
		if err := c.Err(); err != nil {
			return err
		}

		peers, err := keys(tables[2])
		if err != nil {
			return err
		}
		for _, peer := range peers {
			tbl, err := txn.Table(olmSessionsTable(peer))
			if err != nil {
				return err
			}
			c := tbl.Cursor()
			for k, v := c.First(); k != nil; k, v = c.Next() {
				session, err := s.store.codec.UnpicklePairwise(v, s.secret())
				if err != nil {
					skip("pairwise", string(k), err)
					continue
				}
				pairwise[string(k)] = session
			}
			if err := c.Err(); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to restore sessions: %w", err)
	}

	m := s.store.sessions
	m.pairwiseLock.Lock()
	m.pairwise = pairwise
	m.pairwiseLock.Unlock()

	m.inboundLock.Lock()
	m.inbound = inbound
	m.inboundLock.Unlock()

	m.outboundLock.Lock()
	m.outboundSessions = outboundSessions
	m.outboundData = outboundData
	m.outboundLock.Unlock()

	metrics.SessionsRestoredTotal.WithLabelValues("pairwise").Add(float64(len(pairwise)))
	metrics.SessionsRestoredTotal.WithLabelValues("inbound").Add(float64(len(inbound)))
	metrics.SessionsRestoredTotal.WithLabelValues("outbound").Add(float64(len(outboundSessions)))
	s.store.log.Infof("Restored %d pairwise, %d inbound and %d outbound sessions (%d skipped)",
		len(pairwise), len(inbound), len(outboundSessions), failed)
	return nil
}

// ===========================================================================
// ACCOUNT
// ===========================================================================

// SaveOlmAccount persists the pickled device account.
func (s *SessionStore) SaveOlmAccount(pickled []byte) error {
	err := s.store.update(func(txn kv.Txn) error {
		tbl, err := txn.Table(tableSyncState)
		if err != nil {
			return err
		}
		return tbl.Put([]byte(keyOlmAccount), pickled)
	})
	if err != nil {
		return fmt.Errorf("failed to save olm account: %w", err)
	}
	return nil
}

// RestoreOlmAccount returns the pickled device account, or nil if none was
// saved.
func (s *SessionStore) RestoreOlmAccount() []byte {
	var pickled []byte
	err := s.store.view(func(txn kv.Txn) error {
		tbl, err := txn.Table(tableSyncState)
		if err != nil {
			return err
		}
		pickled, err = tbl.Get([]byte(keyOlmAccount))
		return err
	})
	if errors.Is(err, kv.ErrNotFound) {
		return nil
	}
	if err != nil {
		s.store.log.Errorf("Failed to read olm account: %v", err)
		return nil
	}
	return pickled
}
