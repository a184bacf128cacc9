// Package crypto is the boundary to the end-to-end encryption subsystem.
//
// The cache never looks inside a session. It only needs a session id and a
// way to turn a session into an encrypted blob and back again, keyed by the
// account's persistent pickle secret.
package crypto

import (
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// PairwiseSession is a one-to-one session between two devices.
type PairwiseSession interface {
	SessionID() string
	Pickle(key []byte) ([]byte, error)
}

// InboundGroupSession decrypts messages sent to a room by one sender.
type InboundGroupSession interface {
	SessionID() string
	Pickle(key []byte) ([]byte, error)
}

// OutboundGroupSession encrypts messages the local device sends to a room.
type OutboundGroupSession interface {
	SessionID() string
	Pickle(key []byte) ([]byte, error)
}

// Codec restores sessions from their pickled form.
type Codec interface {
	UnpicklePairwise(pickled, key []byte) (PairwiseSession, error)
	UnpickleInbound(pickled, key []byte) (InboundGroupSession, error)
	UnpickleOutbound(pickled, key []byte) (OutboundGroupSession, error)
}

// MegolmSessionIndex identifies an inbound group session.
type MegolmSessionIndex struct {
	RoomID    string `json:"room_id"`
	SenderKey string `json:"sender_key"`
	SessionID string `json:"session_id"`
}

// Hash returns the canonical storage key of the index.
func (i MegolmSessionIndex) Hash() string {
	sum := blake2b.Sum256([]byte(strings.Join([]string{i.RoomID, i.SenderKey, i.SessionID}, "\x00")))
	return hex.EncodeToString(sum[:])
}

// OutboundGroupSessionData is the rotation metadata kept next to an
// outbound group session.
type OutboundGroupSessionData struct {
	SessionID    string   `json:"session_id"`
	SessionKey   string   `json:"session_key"`
	MessageIndex uint64   `json:"message_index"`
	CreatedAt    int64    `json:"created_at"`
	SharedWith   []string `json:"shared_with,omitempty"`
}
