package event

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// SyncResponse is the part of a /sync response the cache consumes.
type SyncResponse struct {
	NextBatch   string `json:"next_batch"`
	Rooms       Rooms  `json:"rooms"`
	AccountData Events `json:"account_data"`
}

type Rooms struct {
	Join   map[string]JoinedRoom  `json:"join,omitempty"`
	Invite map[string]InvitedRoom `json:"invite,omitempty"`
	Leave  map[string]LeftRoom    `json:"leave,omitempty"`
}

type Events struct {
	Events []Event `json:"events,omitempty"`
}

// Timeline is a slice of room history plus the token to paginate back from it.
type Timeline struct {
	Events    []Event `json:"events,omitempty"`
	PrevBatch string  `json:"prev_batch,omitempty"`
	Limited   bool    `json:"limited,omitempty"`
}

type JoinedRoom struct {
	State     Events   `json:"state"`
	Timeline  Timeline `json:"timeline"`
	Ephemeral Events   `json:"ephemeral"`
}

type InvitedRoom struct {
	InviteState Events `json:"invite_state"`
}

type LeftRoom struct {
	State    Events   `json:"state"`
	Timeline Timeline `json:"timeline"`
}

// UnmarshalJSON implements json.Unmarshaler. Elements that are not events
// are dropped.
func (e *Events) UnmarshalJSON(b []byte) error {
	var raw struct {
		Events []json.RawMessage `json:"events"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	e.Events = parseEvents(raw.Events)
	return nil
}

// UnmarshalJSON implements json.Unmarshaler. Elements that are not events
// are dropped.
func (t *Timeline) UnmarshalJSON(b []byte) error {
	var raw struct {
		Events    []json.RawMessage `json:"events"`
		PrevBatch string            `json:"prev_batch"`
		Limited   bool              `json:"limited"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*t = Timeline{Events: parseEvents(raw.Events), PrevBatch: raw.PrevBatch, Limited: raw.Limited}
	return nil
}

func parseEvents(raws []json.RawMessage) []Event {
	if raws == nil {
		return nil
	}
	events := make([]Event, 0, len(raws))
	for _, raw := range raws {
		evt, err := Parse(raw)
		if err != nil {
			continue
		}
		events = append(events, evt)
	}
	return events
}

// ParseSync decodes a /sync response body.
func ParseSync(data []byte) (*SyncResponse, error) {
	var res SyncResponse
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("failed to parse sync response: %w", err)
	}
	return &res, nil
}

// Receipts collects the m.read receipts of the room's ephemeral events as
// event id -> user id -> timestamp.
func (r JoinedRoom) Receipts() map[string]map[string]uint64 {
	receipts := make(map[string]map[string]uint64)
	for _, evt := range r.Ephemeral.Events {
		if evt.Type() != TypeReceipt {
			continue
		}
		evt.get("content").ForEach(func(eventID, value gjson.Result) bool {
			value.Get("m\\.read").ForEach(func(userID, receipt gjson.Result) bool {
				users, ok := receipts[eventID.String()]
				if !ok {
					users = make(map[string]uint64)
					receipts[eventID.String()] = users
				}
				users[userID.String()] = receipt.Get("ts").Uint()
				return true
			})
			return true
		})
	}
	return receipts
}

// IgnoredUsers returns the user ids of the newest m.ignored_user_list
// account data event. ok is false if the response carries none.
func (r *SyncResponse) IgnoredUsers() (users []string, ok bool) {
	for i := len(r.AccountData.Events) - 1; i >= 0; i-- {
		evt := r.AccountData.Events[i]
		if evt.Type() != TypeIgnoredUserList {
			continue
		}
		users = []string{}
		evt.get("content.ignored_users").ForEach(func(userID, _ gjson.Result) bool {
			users = append(users, userID.String())
			return true
		})
		return users, true
	}
	return nil, false
}
