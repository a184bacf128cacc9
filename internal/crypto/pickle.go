package crypto

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
	"google.golang.org/protobuf/encoding/protowire"
)

// Kind tags which session type a pickle holds.
type Kind uint8

const (
	KindPairwise Kind = iota + 1
	KindInbound
	KindOutbound
)

func (k Kind) String() string {
	switch k {
	case KindPairwise:
		return "pairwise"
	case KindInbound:
		return "inbound"
	case KindOutbound:
		return "outbound"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

const pickleVersion = 1

// Envelope field numbers.
const (
	fieldVersion    protowire.Number = 1
	fieldKind       protowire.Number = 2
	fieldNonce      protowire.Number = 3
	fieldCiphertext protowire.Number = 4
)

// Payload field numbers.
const (
	fieldSessionID protowire.Number = 1
	fieldState     protowire.Number = 2
)

var (
	ErrBadPickle = errors.New("malformed session pickle")
	ErrWrongKind = errors.New("session pickle has the wrong kind")
)

// Session is the reference session implementation: a session id plus opaque
// ratchet state. The encryption subsystem substitutes its own types through
// Codec.
type Session struct {
	kind  Kind
	id    string
	state []byte
}

// NewSession creates a session of the given kind.
func NewSession(kind Kind, id string, state []byte) *Session {
	return &Session{kind: kind, id: id, state: append([]byte(nil), state...)}
}

func (s *Session) SessionID() string { return s.id }
func (s *Session) Kind() Kind { return s.kind }
func (s *Session) State() []byte { return s.state }

// Pickle seals the session under key.
func (s *Session) Pickle(key []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	var payload []byte
	payload = protowire.AppendTag(payload, fieldSessionID, protowire.BytesType)
	payload = protowire.AppendString(payload, s.id)
	payload = protowire.AppendTag(payload, fieldState, protowire.BytesType)
	payload = protowire.AppendBytes(payload, s.state)

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	ciphertext := aead.Seal(nil, nonce, payload, associatedData(s.kind))

	var out []byte
	out = protowire.AppendTag(out, fieldVersion, protowire.VarintType)
	out = protowire.AppendVarint(out, pickleVersion)
	out = protowire.AppendTag(out, fieldKind, protowire.VarintType)
	out = protowire.AppendVarint(out, uint64(s.kind))
	out = protowire.AppendTag(out, fieldNonce, protowire.BytesType)
	out = protowire.AppendBytes(out, nonce)
	out = protowire.AppendTag(out, fieldCiphertext, protowire.BytesType)
	out = protowire.AppendBytes(out, ciphertext)
	return out, nil
}

// Unpickle opens a blob produced by Session.Pickle and checks its kind.
func Unpickle(pickled, key []byte, want Kind) (*Session, error) {
	var (
		version    uint64
		kind       uint64
		nonce      []byte
		ciphertext []byte
	)
	err := walkFields(pickled, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == fieldVersion && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			version = v
			return n, nil
		case num == fieldKind && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			kind = v
			return n, nil
		case num == fieldNonce && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			nonce = v
			return n, nil
		case num == fieldCiphertext && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			ciphertext = v
			return n, nil
		default:
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
	})
	if err != nil {
		return nil, err
	}
	if version != pickleVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrBadPickle, version)
	}
	if Kind(kind) != want {
		return nil, fmt.Errorf("%w: got %s, want %s", ErrWrongKind, Kind(kind), want)
	}

	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("%w: bad nonce length %d", ErrBadPickle, len(nonce))
	}
	payload, err := aead.Open(nil, nonce, ciphertext, associatedData(want))
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt session pickle: %w", err)
	}

	s := &Session{kind: want}
	err = walkFields(payload, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == fieldSessionID && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			s.id = v
			return n, nil
		case num == fieldState && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			s.state = append([]byte(nil), v...)
			return n, nil
		default:
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// walkFields calls fn for every field in b. fn returns how many bytes of
// the value it consumed, negative on a parse error.
func walkFields(b []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrBadPickle, protowire.ParseError(n))
		}
		b = b[n:]
		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if m < 0 {
			return fmt.Errorf("%w: %v", ErrBadPickle, protowire.ParseError(m))
		}
		b = b[m:]
	}
	return nil
}

// newAEAD derives the sealing key from the pickle secret.
func newAEAD(secret []byte) (cipher.AEAD, error) {
	if len(secret) == 0 {
		return nil, errors.New("empty pickle secret")
	}
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte("mxcache session pickle")), key); err != nil {
		return nil, fmt.Errorf("failed to derive pickle key: %w", err)
	}
	return chacha20poly1305.NewX(key)
}

func associatedData(kind Kind) []byte {
	return []byte{pickleVersion, byte(kind)}
}

// PickleCodec is the Codec for Session.
type PickleCodec struct{}

func (PickleCodec) UnpicklePairwise(pickled, key []byte) (PairwiseSession, error) {
	s, err := Unpickle(pickled, key, KindPairwise)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (PickleCodec) UnpickleInbound(pickled, key []byte) (InboundGroupSession, error) {
	s, err := Unpickle(pickled, key, KindInbound)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (PickleCodec) UnpickleOutbound(pickled, key []byte) (OutboundGroupSession, error) {
	s, err := Unpickle(pickled, key, KindOutbound)
	if err != nil {
		return nil, err
	}
	return s, nil
}

var (
	_ PairwiseSession      = (*Session)(nil)
	_ InboundGroupSession  = (*Session)(nil)
	_ OutboundGroupSession = (*Session)(nil)
	_ Codec                = PickleCodec{}
)
