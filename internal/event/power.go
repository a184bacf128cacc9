package event

// Defaults applied when a power levels event omits a field.
const (
	DefaultUsersLevel  int64 = 0
	DefaultEventsLevel int64 = 0
	DefaultStateLevel  int64 = 50
)

// PowerLevels is the content of m.room.power_levels.
type PowerLevels struct {
	Users         map[string]int64 `json:"users,omitempty"`
	UsersDefault  *int64           `json:"users_default,omitempty"`
	Events        map[string]int64 `json:"events,omitempty"`
	EventsDefault *int64           `json:"events_default,omitempty"`
	StateDefault  *int64           `json:"state_default,omitempty"`
	Ban           *int64           `json:"ban,omitempty"`
	Kick          *int64           `json:"kick,omitempty"`
	Redact        *int64           `json:"redact,omitempty"`
	Invite        *int64           `json:"invite,omitempty"`
}

func orDefault(v *int64, def int64) int64 {
	if v == nil {
		return def
	}
	return *v
}

// UserLevel returns the level of userID.
func (pl PowerLevels) UserLevel(userID string) int64 {
	if level, ok := pl.Users[userID]; ok {
		return level
	}
	return orDefault(pl.UsersDefault, DefaultUsersLevel)
}

// StateLevel returns the level required to send a state event of the type.
func (pl PowerLevels) StateLevel(eventType string) int64 {
	if level, ok := pl.Events[eventType]; ok {
		return level
	}
	return orDefault(pl.StateDefault, DefaultStateLevel)
}

// EventLevel returns the level required to send a message event of the type.
func (pl PowerLevels) EventLevel(eventType string) int64 {
	if level, ok := pl.Events[eventType]; ok {
		return level
	}
	return orDefault(pl.EventsDefault, DefaultEventsLevel)
}
