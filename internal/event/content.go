package event

import (
	"encoding/json"
	"fmt"
)

// Content is the decoded content of an event. The concrete type is one of
// the variants below; Unknown covers every type the cache does not project.
type Content interface {
	isContent()
}

type Name struct {
	Name string `json:"name"`
}

type Topic struct {
	Topic string `json:"topic"`
}

type Avatar struct {
	URL string `json:"url"`
}

type CanonicalAlias struct {
	Alias      string   `json:"alias"`
	AltAliases []string `json:"alt_aliases,omitempty"`
}

// Membership states.
const (
	MembershipJoin   = "join"
	MembershipInvite = "invite"
	MembershipLeave  = "leave"
	MembershipBan    = "ban"
	MembershipKnock  = "knock"
)

type Member struct {
	Membership  string `json:"membership"`
	DisplayName string `json:"displayname,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// IsPresent reports whether the membership keeps the user in the member list.
func (m Member) IsPresent() bool {
	return m.Membership == MembershipJoin || m.Membership == MembershipInvite
}

// JoinRule is the value of m.room.join_rules.
type JoinRule string

const (
	JoinRulePublic     JoinRule = "public"
	JoinRuleInvite     JoinRule = "invite"
	JoinRuleKnock      JoinRule = "knock"
	JoinRulePrivate    JoinRule = "private"
	JoinRuleRestricted JoinRule = "restricted"
)

// Known reports whether r is one of the defined join rules.
func (r JoinRule) Known() bool {
	switch r {
	case JoinRulePublic, JoinRuleInvite, JoinRuleKnock, JoinRulePrivate, JoinRuleRestricted:
		return true
	}
	return false
}

type JoinRules struct {
	JoinRule JoinRule `json:"join_rule"`
}

type GuestAccess struct {
	GuestAccess string `json:"guest_access"`
}

// CanJoin reports whether guests may join.
func (g GuestAccess) CanJoin() bool {
	return g.GuestAccess == "can_join"
}

type Encryption struct {
	Algorithm          string `json:"algorithm"`
	RotationPeriodMs   int64  `json:"rotation_period_ms,omitempty"`
	RotationPeriodMsgs int64  `json:"rotation_period_msgs,omitempty"`
}

type Redaction struct {
	Redacts string `json:"redacts,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// Message types.
const (
	MsgText   = "m.text"
	MsgNotice = "m.notice"
	MsgEmote  = "m.emote"
	MsgImage  = "m.image"
	MsgFile   = "m.file"
	MsgAudio  = "m.audio"
	MsgVideo  = "m.video"
)

type Message struct {
	MsgType string `json:"msgtype"`
	Body    string `json:"body"`
	URL     string `json:"url,omitempty"`
}

type Encrypted struct {
	Algorithm  string          `json:"algorithm"`
	SenderKey  string          `json:"sender_key,omitempty"`
	DeviceID   string          `json:"device_id,omitempty"`
	SessionID  string          `json:"session_id,omitempty"`
	Ciphertext json.RawMessage `json:"ciphertext"`
}

// Unknown holds the content of any other event type.
type Unknown struct {
	Type string
	Raw  json.RawMessage
}

func (Name) isContent() {}
func (Topic) isContent() {}
func (Avatar) isContent() {}
func (CanonicalAlias) isContent() {}
func (Member) isContent() {}
func (JoinRules) isContent() {}
func (GuestAccess) isContent() {}
func (PowerLevels) isContent() {}
func (Encryption) isContent() {}
func (Redaction) isContent() {}
func (Message) isContent() {}
func (Encrypted) isContent() {}
func (Unknown) isContent() {}

// DecodeContent decodes the content for the event's type.
func (e Event) DecodeContent() (Content, error) {
	raw := e.ContentJSON()
	typ := e.Type()
	if raw == nil {
		raw = []byte("{}")
	}

	var (
		c   Content
		err error
	)
	switch typ {
	case TypeName:
		c, err = decode[Name](raw)
	case TypeTopic:
		c, err = decode[Topic](raw)
	case TypeAvatar:
		c, err = decode[Avatar](raw)
	case TypeCanonicalAlias:
		c, err = decode[CanonicalAlias](raw)
	case TypeMember:
		c, err = decode[Member](raw)
	case TypeJoinRules:
		c, err = decode[JoinRules](raw)
	case TypeGuestAccess:
		c, err = decode[GuestAccess](raw)
	case TypePowerLevels:
		c, err = decode[PowerLevels](raw)
	case TypeEncryption:
		c, err = decode[Encryption](raw)
	case TypeRedaction:
		var r Redaction
		if r, err = decode[Redaction](raw); err == nil && r.Redacts == "" {
			r.Redacts = e.Redacts()
		}
		c = r
	case TypeMessage:
		c, err = decode[Message](raw)
	case TypeEncrypted:
		c, err = decode[Encrypted](raw)
	default:
		return Unknown{Type: typ, Raw: json.RawMessage(raw)}, nil
	}
	if err != nil {
		return Unknown{Type: typ, Raw: json.RawMessage(raw)}, fmt.Errorf("failed to decode %s content: %w", typ, err)
	}
	return c, nil
}

// Content is DecodeContent without the error; malformed content of a known
// type comes back as Unknown.
func (e Event) Content() Content {
	c, _ := e.DecodeContent()
	return c
}

func decode[T any](raw []byte) (T, error) {
	var v T
	err := json.Unmarshal(raw, &v)
	return v, err
}
