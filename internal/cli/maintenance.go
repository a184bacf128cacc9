package cli

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"mxcache/internal/app"
	"mxcache/internal/store"
	"mxcache/internal/utils"
)

// NewIngestCommand creates the ingest command.
func NewIngestCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ingest <sync-file|->",
		Short: "Save a /sync response body into the cache",
		Long: `Save a /sync response body into the cache.

The file holds the JSON body of one /sync response. Use - to read it
from stdin.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var r io.Reader = cmd.InOrStdin()
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				r = f
			}

			return rootOpts.withApp(cmd, func(a *app.App, out *OutputFormatter) error {
				if err := a.ApplySync(r); err != nil {
					return err
				}
				token := a.Container.SyncState.NextBatchToken()
				return out.Print(map[string]string{"next_batch": token}, func() error {
					out.Linef("next_batch: %s", token)
					return nil
				})
			})
		},
	}
}

// NewPruneCommand creates the prune command.
func NewPruneCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Delete old messages of rooms above the retention bound",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withApp(cmd, func(a *app.App, out *OutputFormatter) error {
				n, err := a.Container.Timeline.DeleteOldMessages()
				if err != nil {
					return err
				}
				return out.Print(map[string]int{"deleted": n}, func() error {
					out.Linef("Deleted %s messages", utils.Count(n))
					return nil
				})
			})
		},
	}
}

type formatView struct {
	Valid   bool   `json:"valid"`
	Current string `json:"current"`
	Reset   bool   `json:"reset,omitempty"`
}

// NewCheckFormatCommand creates the check-format command.
func NewCheckFormatCommand(rootOpts *RootOptions) *cobra.Command {
	var fix bool

	cmd := &cobra.Command{
		Use:   "check-format",
		Short: "Check whether the cache was written in the current format",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := rootOpts.config()
			s, err := app.OpenStore(cfg, rootOpts.logger(cfg, cmd.ErrOrStderr()))
			if err != nil {
				return err
			}
			defer s.Close()

			view := formatView{Valid: s.IsFormatValid(), Current: store.CurrentFormatVersion}
			if !view.Valid && fix {
				if err := s.Reset(); err != nil {
					return err
				}
				view.Reset = true
			}

			out := rootOpts.formatter(cmd)
			return out.Print(view, func() error {
				switch {
				case view.Reset:
					out.Linef("Cache format was outdated, cache reset to %s", view.Current)
				case view.Valid:
					out.Linef("Cache format is current (%s)", view.Current)
				default:
					out.Linef("Cache format is outdated, run with --fix to reset it")
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&fix, "fix", false, "reset the cache if its format is outdated")
	return cmd
}

// NewResetCommand creates the reset command.
func NewResetCommand(rootOpts *RootOptions) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Delete every cached entry of the account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return errors.New("refusing to reset without --yes")
			}
			return rootOpts.withApp(cmd, func(a *app.App, out *OutputFormatter) error {
				if err := a.Store.Reset(); err != nil {
					return err
				}
				return out.Print(map[string]bool{"reset": true}, func() error {
					out.Linef("Cache of %s reset", a.Store.UserID())
					return nil
				})
			})
		},
	}

	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the reset")
	return cmd
}

type statsView struct {
	*store.Stats
	Dir       string `json:"dir"`
	DiskBytes int64  `json:"disk_bytes"`
}

// NewStatsCommand creates the stats command.
func NewStatsCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Count cached entities",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withApp(cmd, func(a *app.App, out *OutputFormatter) error {
				stats, err := a.Container.Stats()
				if err != nil {
					return err
				}
				view := statsView{Stats: stats, Dir: a.Store.Dir(), DiskBytes: dirSize(a.Store.Dir())}

				return out.Print(view, func() error {
					err := out.Table([]string{"Entity", "Count"}, [][]string{
						{"Rooms", utils.Count(stats.Rooms)},
						{"Invites", utils.Count(stats.Invites)},
						{"Members", utils.Count(stats.Members)},
						{"Messages", utils.Count(stats.Messages)},
						{"Media", utils.Count(stats.Media)},
						{"Receipts", utils.Count(stats.Receipts)},
						{"Pending receipts", utils.Count(stats.PendingReceipts)},
						{"Inbound sessions", utils.Count(stats.InboundSessions)},
						{"Outbound sessions", utils.Count(stats.OutboundSessions)},
						{"Pairwise peers", utils.Count(stats.PairwisePeers)},
					})
					if err != nil {
						return err
					}
					out.Linef("%s on disk in %s", utils.FileSize(view.DiskBytes), view.Dir)
					return nil
				})
			})
		},
	}
}

// dirSize sums the sizes of the regular files under dir.
func dirSize(dir string) int64 {
	var total int64
	filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			total += info.Size()
		}
		return nil
	})
	return total
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run retention and serve metrics until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withApp(cmd, func(a *app.App, out *OutputFormatter) error {
				return a.Run()
			})
		},
	}
}
