// Package event models the Matrix events the cache consumes.
//
// Events are kept as raw JSON and read lazily with gjson; content is decoded
// on demand into one of the Content variants.
package event

import (
	"errors"

	"github.com/tidwall/gjson"
)

// Event types the cache projects.
const (
	TypeName           = "m.room.name"
	TypeTopic          = "m.room.topic"
	TypeAvatar         = "m.room.avatar"
	TypeCanonicalAlias = "m.room.canonical_alias"
	TypeMember         = "m.room.member"
	TypeJoinRules      = "m.room.join_rules"
	TypeGuestAccess    = "m.room.guest_access"
	TypePowerLevels    = "m.room.power_levels"
	TypeEncryption     = "m.room.encryption"
	TypeCreate         = "m.room.create"
	TypeRedaction      = "m.room.redaction"
	TypeMessage        = "m.room.message"
	TypeEncrypted      = "m.room.encrypted"
	TypeReceipt        = "m.receipt"

	TypeIgnoredUserList = "m.ignored_user_list"
)

// ErrInvalid is returned by Parse for input that is not a JSON object.
var ErrInvalid = errors.New("event is not a JSON object")

// Event is a single raw event.
type Event struct {
	raw []byte
}

// Parse validates raw and wraps a copy of it.
func Parse(raw []byte) (Event, error) {
	if !gjson.ValidBytes(raw) || !gjson.ParseBytes(raw).IsObject() {
		return Event{}, ErrInvalid
	}
	return Event{raw: append([]byte(nil), raw...)}, nil
}

// MustParse is Parse for fixtures; it panics on invalid input.
func MustParse(raw string) Event {
	evt, err := Parse([]byte(raw))
	if err != nil {
		panic(err)
	}
	return evt
}

// Raw returns the event JSON.
func (e Event) Raw() []byte {
	return e.raw
}

func (e Event) get(path string) gjson.Result {
	return gjson.GetBytes(e.raw, path)
}

func (e Event) Type() string {
	return e.get("type").String()
}

func (e Event) EventID() string {
	return e.get("event_id").String()
}

func (e Event) Sender() string {
	return e.get("sender").String()
}

func (e Event) OriginServerTS() int64 {
	return e.get("origin_server_ts").Int()
}

// StateKey returns the state key, empty for non-state events.
func (e Event) StateKey() string {
	return e.get("state_key").String()
}

// IsState reports whether the event carries a state key.
func (e Event) IsState() bool {
	return e.get("state_key").Exists()
}

// IsRedaction reports whether the event is an m.room.redaction.
func (e Event) IsRedaction() bool {
	return e.Type() == TypeRedaction
}

// Redacts returns the id of the redacted event. Newer room versions move the
// field into the content.
func (e Event) Redacts() string {
	if r := e.get("redacts"); r.Exists() {
		return r.String()
	}
	return e.get("content.redacts").String()
}

// ContentJSON returns the raw content object.
func (e Event) ContentJSON() []byte {
	c := e.get("content")
	if !c.Exists() {
		return nil
	}
	return []byte(c.Raw)
}

// MarshalJSON implements json.Marshaler.
func (e Event) MarshalJSON() ([]byte, error) {
	if len(e.raw) == 0 {
		return []byte("null"), nil
	}
	return e.raw, nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *Event) UnmarshalJSON(b []byte) error {
	evt, err := Parse(b)
	if err != nil {
		return err
	}
	*e = evt
	return nil
}
