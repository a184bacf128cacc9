package cli

import (
	"github.com/spf13/cobra"

	"mxcache/internal/app"
	"mxcache/internal/utils"
)

type roomMatch struct {
	RoomID     string `json:"room_id"`
	Name       string `json:"name"`
	AvatarSize int    `json:"avatar_size,omitempty"`
}

type userMatch struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
}

// NewSearchRoomsCommand creates the search-rooms command.
func NewSearchRoomsCommand(rootOpts *RootOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "search-rooms <query>",
		Short: "Find joined rooms by name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withApp(cmd, func(a *app.App, out *OutputFormatter) error {
				matches := []roomMatch{}
				for _, r := range a.Container.Search.SearchRooms(args[0], limit) {
					matches = append(matches, roomMatch{RoomID: r.RoomID, Name: r.Info.Name, AvatarSize: len(r.Avatar)})
				}
				return out.Print(matches, func() error {
					var rows [][]string
					for _, m := range matches {
						avatar := ""
						if m.AvatarSize > 0 {
							avatar = utils.FileSize(int64(m.AvatarSize))
						}
						rows = append(rows, []string{m.RoomID, m.Name, avatar})
					}
					return out.Table([]string{"Room", "Name", "Avatar"}, rows)
				})
			})
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "maximum number of results")
	return cmd
}

// NewSearchUsersCommand creates the search-users command.
func NewSearchUsersCommand(rootOpts *RootOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "search-users <room-id> <query>",
		Short: "Find members of a room by display name",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withApp(cmd, func(a *app.App, out *OutputFormatter) error {
				matches := []userMatch{}
				for _, r := range a.Container.Search.SearchUsers(args[0], args[1], limit) {
					matches = append(matches, userMatch{UserID: r.UserID, DisplayName: r.DisplayName})
				}
				return out.Print(matches, func() error {
					var rows [][]string
					for _, m := range matches {
						rows = append(rows, []string{m.UserID, m.DisplayName})
					}
					return out.Table([]string{"User", "Display name"}, rows)
				})
			})
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "maximum number of results")
	return cmd
}
