package cli

import (
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"mxcache/internal/app"
)

type ignoredView struct {
	UserID    string `json:"user_id"`
	IgnoredAt int64  `json:"ignored_at"`
}

// NewIgnoredCommand creates the ignored command.
func NewIgnoredCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ignored",
		Short: "List the users on the account's ignore list",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withApp(cmd, func(a *app.App, out *OutputFormatter) error {
				users := a.Container.Ignored.All()
				views := make([]ignoredView, 0, len(users))
				for _, u := range users {
					views = append(views, ignoredView{UserID: u.UserID, IgnoredAt: u.IgnoredAt.Unix()})
				}
				return out.Print(views, func() error {
					var rows [][]string
					for _, u := range users {
						rows = append(rows, []string{u.UserID, humanize.Time(u.IgnoredAt)})
					}
					return out.Table([]string{"User", "Ignored"}, rows)
				})
			})
		},
	}
}
