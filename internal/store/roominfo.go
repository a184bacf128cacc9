package store

import (
	"encoding/json"
	"errors"
	"fmt"

	"mxcache/internal/event"
	"mxcache/internal/kv"
)

// EmptyRoomName is shown for a room without a name, alias or other member.
const EmptyRoomName = "Empty Room"

// RoomInfo is the materialized summary of a joined or invited room.
type RoomInfo struct {
	Name        string         `json:"name"`
	Topic       string         `json:"topic"`
	AvatarURL   string         `json:"avatar_url"`
	IsInvite    bool           `json:"is_invite"`
	JoinRule    event.JoinRule `json:"join_rule"`
	GuestAccess bool           `json:"guest_access"`
	MemberCount int            `json:"member_count"`
	// LastMessage is filled in on read for joined rooms.
	LastMessage DescInfo `json:"-"`
}

// MemberInfo is the stored profile of a room member.
type MemberInfo struct {
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url"`
}

type memberEntry struct {
	UserID string
	Info   MemberInfo
}

// stateContent reads the state event of typ from tbl and decodes its content.
// ok is false if the event is absent or malformed.
func stateContent[T event.Content](tbl kv.Table, typ string) (content T, ok bool, err error) {
	raw, err := tbl.Get([]byte(typ))
	if errors.Is(err, kv.ErrNotFound) {
		return content, false, nil
	}
	if err != nil {
		return content, false, err
	}
	evt, err := event.Parse(raw)
	if err != nil {
		return content, false, nil
	}
	content, ok = evt.Content().(T)
	return content, ok, nil
}

// firstMembers returns up to n members in table order.
func firstMembers(tbl kv.Table, n int) ([]memberEntry, error) {
	var out []memberEntry
	c := tbl.Cursor()
	for k, v := c.First(); k != nil && len(out) < n; k, v = c.Next() {
		var info MemberInfo
		if err := json.Unmarshal(v, &info); err != nil {
			continue
		}
		out = append(out, memberEntry{UserID: string(k), Info: info})
	}
	return out, c.Err()
}

// roomProjector derives RoomInfo from a room's state and member tables.
type roomProjector struct {
	state     kv.Table
	members   kv.Table
	localUser string
}

func (p roomProjector) name() (string, error) {
	if c, ok, err := stateContent[event.Name](p.state, event.TypeName); err != nil {
		return "", err
	} else if ok && c.Name != "" {
		return c.Name, nil
	}
	if c, ok, err := stateContent[event.CanonicalAlias](p.state, event.TypeCanonicalAlias); err != nil {
		return "", err
	} else if ok && c.Alias != "" {
		return c.Alias, nil
	}

	total, err := p.members.Len()
	if err != nil {
		return "", err
	}
	members, err := firstMembers(p.members, 3)
	if err != nil {
		return "", err
	}

	if total == 1 && len(members) > 0 {
		return members[0].Info.Name, nil
	}

	firstOther := ""
	for _, m := range members {
		if m.UserID != p.localUser {
			firstOther = m.Info.Name
			break
		}
	}
	if firstOther == "" {
		if len(members) == 0 {
			return EmptyRoomName, nil
		}
		return p.localUser, nil
	}

	switch {
	case total == 2:
		return firstOther, nil
	case total > 2:
		return fmt.Sprintf("%s and %d others", firstOther, total), nil
	default:
		return EmptyRoomName, nil
	}
}

func (p roomProjector) topic() (string, error) {
	c, _, err := stateContent[event.Topic](p.state, event.TypeTopic)
	return c.Topic, err
}

func (p roomProjector) avatarURL() (string, error) {
	if c, ok, err := stateContent[event.Avatar](p.state, event.TypeAvatar); err != nil {
		return "", err
	} else if ok {
		return c.URL, nil
	}

	total, err := p.members.Len()
	if err != nil {
		return "", err
	}
	if total > 2 {
		return "", nil
	}

	members, err := firstMembers(p.members, 2)
	if err != nil {
		return "", err
	}
	for _, m := range members {
		if m.UserID != p.localUser {
			return m.Info.AvatarURL, nil
		}
	}
	// Only the local user is left.
	if len(members) > 0 {
		return members[0].Info.AvatarURL, nil
	}
	return "", nil
}

func (p roomProjector) joinRule() (event.JoinRule, error) {
	c, ok, err := stateContent[event.JoinRules](p.state, event.TypeJoinRules)
	if err != nil {
		return "", err
	}
	if !ok || !c.JoinRule.Known() {
		return event.JoinRuleKnock, nil
	}
	return c.JoinRule, nil
}

func (p roomProjector) guestAccess() (bool, error) {
	c, _, err := stateContent[event.GuestAccess](p.state, event.TypeGuestAccess)
	return c.CanJoin(), err
}

// roomInfo computes the joined-room projection.
func (p roomProjector) roomInfo() (RoomInfo, error) {
	var info RoomInfo
	var err error
	if info.Name, err = p.name(); err != nil {
		return info, err
	}
	if info.Topic, err = p.topic(); err != nil {
		return info, err
	}
	if info.AvatarURL, err = p.avatarURL(); err != nil {
		return info, err
	}
	if info.JoinRule, err = p.joinRule(); err != nil {
		return info, err
	}
	if info.GuestAccess, err = p.guestAccess(); err != nil {
		return info, err
	}
	if info.MemberCount, err = p.members.Len(); err != nil {
		return info, err
	}
	return info, nil
}

// inviteInfo computes the invite projection from stripped state.
func (p roomProjector) inviteInfo() (RoomInfo, error) {
	info := RoomInfo{IsInvite: true}
	var err error

	members, err := firstMembers(p.members, maxInviteMembers)
	if err != nil {
		return info, err
	}
	var other *memberEntry
	for i := range members {
		if members[i].UserID != p.localUser {
			other = &members[i]
			break
		}
	}

	if c, ok, err := stateContent[event.Name](p.state, event.TypeName); err != nil {
		return info, err
	} else if ok && c.Name != "" {
		info.Name = c.Name
	} else if other != nil {
		info.Name = other.Info.Name
	} else {
		info.Name = EmptyRoomName
	}

	if c, ok, err := stateContent[event.Avatar](p.state, event.TypeAvatar); err != nil {
		return info, err
	} else if ok && c.URL != "" {
		info.AvatarURL = c.URL
	} else if other != nil {
		info.AvatarURL = other.Info.AvatarURL
	}

	if info.Topic, err = p.topic(); err != nil {
		return info, err
	}
	if info.JoinRule, err = p.joinRule(); err != nil {
		return info, err
	}
	if info.GuestAccess, err = p.guestAccess(); err != nil {
		return info, err
	}
	if info.MemberCount, err = p.members.Len(); err != nil {
		return info, err
	}
	return info, nil
}

// Stripped state rarely carries more than the inviter and the invitee.
const maxInviteMembers = 16
