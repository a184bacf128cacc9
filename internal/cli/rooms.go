package cli

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"mxcache/internal/app"
	"mxcache/internal/event"
	"mxcache/internal/store"
	"mxcache/internal/utils"
)

// roomView is a projected room as printed by rooms and room.
type roomView struct {
	RoomID string `json:"room_id"`
	store.RoomInfo
	LastMessage *store.DescInfo `json:"last_message,omitempty"`
}

func newRoomView(roomID string, info store.RoomInfo) roomView {
	v := roomView{RoomID: roomID, RoomInfo: info}
	if info.LastMessage.EventID != "" {
		last := info.LastMessage
		v.LastMessage = &last
	}
	return v
}

func (v roomView) lastLine() string {
	if v.LastMessage == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s (%s)", v.LastMessage.Username, v.LastMessage.Body, v.LastMessage.Descriptive)
}

// NewRoomsCommand creates the rooms command.
func NewRoomsCommand(rootOpts *RootOptions) *cobra.Command {
	var withInvites bool

	cmd := &cobra.Command{
		Use:   "rooms",
		Short: "List joined rooms",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withApp(cmd, func(a *app.App, out *OutputFormatter) error {
				infos := a.Container.Rooms.AllRoomInfo(withInvites)
				views := make([]roomView, 0, len(infos))
				for roomID, info := range infos {
					views = append(views, newRoomView(roomID, info))
				}
				sort.Slice(views, func(i, j int) bool { return views[i].RoomID < views[j].RoomID })

				return out.Print(views, func() error {
					var rows [][]string
					for _, v := range views {
						rows = append(rows, []string{
							v.RoomID, v.Name, strconv.Itoa(v.MemberCount), strconv.FormatBool(v.IsInvite), v.lastLine(),
						})
					}
					return out.Table([]string{"Room", "Name", "Members", "Invite", "Last message"}, rows)
				})
			})
		},
	}

	cmd.Flags().BoolVar(&withInvites, "invites", false, "include pending invites")
	return cmd
}

// NewRoomCommand creates the room command.
func NewRoomCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "room <room-id>",
		Short: "Show the projected state of a room",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withApp(cmd, func(a *app.App, out *OutputFormatter) error {
				roomID := args[0]
				info, ok := a.Container.Rooms.RoomInfo(roomID)
				if !ok {
					return fmt.Errorf("room %s is not cached", roomID)
				}
				v := newRoomView(roomID, info)

				return out.Print(v, func() error {
					return out.Table([]string{"Field", "Value"}, [][]string{
						{"Room", v.RoomID},
						{"Name", v.Name},
						{"Topic", v.Topic},
						{"Avatar", v.AvatarURL},
						{"Members", strconv.Itoa(v.MemberCount)},
						{"Join rule", string(v.JoinRule)},
						{"Guest access", strconv.FormatBool(v.GuestAccess)},
						{"Encrypted", strconv.FormatBool(a.Container.Rooms.IsRoomEncrypted(roomID))},
						{"Last message", v.lastLine()},
					})
				})
			})
		},
	}
}

// NewMembersCommand creates the members command.
func NewMembersCommand(rootOpts *RootOptions) *cobra.Command {
	var start, limit int

	cmd := &cobra.Command{
		Use:   "members <room-id>",
		Short: "List the joined and invited members of a room",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withApp(cmd, func(a *app.App, out *OutputFormatter) error {
				members := a.Container.Members.Members(args[0], start, limit)
				return out.Print(members, func() error {
					var rows [][]string
					for _, m := range members {
						rows = append(rows, []string{m.UserID, m.DisplayName, m.AvatarURL})
					}
					return out.Table([]string{"User", "Display name", "Avatar"}, rows)
				})
			})
		},
	}

	cmd.Flags().IntVar(&start, "start", 0, "index of the first member")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of members, 0 for all")
	return cmd
}

type messageView struct {
	EventID   string `json:"event_id"`
	Type      string `json:"type"`
	Sender    string `json:"sender"`
	Timestamp int64  `json:"timestamp"`
	Body      string `json:"body,omitempty"`
}

type timelineView struct {
	PrevBatch string        `json:"prev_batch"`
	Events    []messageView `json:"events"`
}

// NewTimelineCommand creates the timeline command.
func NewTimelineCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "timeline <room-id>",
		Short: "Show the cached messages of a room, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withApp(cmd, func(a *app.App, out *OutputFormatter) error {
				timeline := a.Container.Timeline.Messages(args[0])
				view := timelineView{PrevBatch: timeline.PrevBatch, Events: []messageView{}}
				for _, evt := range timeline.Events {
					mv := messageView{
						EventID:   evt.EventID(),
						Type:      evt.Type(),
						Sender:    evt.Sender(),
						Timestamp: evt.OriginServerTS(),
					}
					if msg, ok := evt.Content().(event.Message); ok {
						mv.Body = msg.Body
					}
					view.Events = append(view.Events, mv)
				}

				return out.Print(view, func() error {
					var rows [][]string
					for _, mv := range view.Events {
						rows = append(rows, []string{
							utils.FromMillis(mv.Timestamp).UTC().Format("2006-01-02 15:04"),
							a.Store.Names().DisplayName(args[0], mv.Sender),
							mv.Type,
							mv.Body,
						})
					}
					if err := out.Table([]string{"Time", "Sender", "Type", "Body"}, rows); err != nil {
						return err
					}
					if view.PrevBatch != "" {
						out.Linef("prev_batch: %s", view.PrevBatch)
					}
					return nil
				})
			})
		},
	}
}
