// Package cli implements the mxcache command line for inspecting and
// maintaining an account cache.
package cli

import (
	"fmt"
	"io"
	"slices"

	"github.com/spf13/cobra"
	waLog "go.mau.fi/whatsmeow/util/log"

	"mxcache/internal/app"
	"mxcache/internal/infra/config"
	"mxcache/internal/infra/logger"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Format     string // "json" | "text"
	UserID     string
	CacheDir   string
	Engine     string
	Verbose    bool
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the mxcache CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "mxcache",
		Short: "Inspect and maintain a Matrix client cache",
		Long:  "mxcache reads, feeds and prunes the local per-account cache of a Matrix client.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "config file (json or yaml)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVarP(&opts.UserID, "user", "u", "", "local account, overrides the config")
	cmd.PersistentFlags().StringVar(&opts.CacheDir, "cache-dir", "", "cache directory, overrides the config")
	cmd.PersistentFlags().StringVar(&opts.Engine, "engine", "", "storage engine (sqlite|bolt), overrides the config")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose logging")

	cmd.AddCommand(NewRoomsCommand(opts))
	cmd.AddCommand(NewRoomCommand(opts))
	cmd.AddCommand(NewMembersCommand(opts))
	cmd.AddCommand(NewTimelineCommand(opts))
	cmd.AddCommand(NewSearchRoomsCommand(opts))
	cmd.AddCommand(NewSearchUsersCommand(opts))
	cmd.AddCommand(NewDevicesCommand(opts))
	cmd.AddCommand(NewIgnoredCommand(opts))
	cmd.AddCommand(NewIngestCommand(opts))
	cmd.AddCommand(NewPruneCommand(opts))
	cmd.AddCommand(NewCheckFormatCommand(opts))
	cmd.AddCommand(NewResetCommand(opts))
	cmd.AddCommand(NewStatsCommand(opts))
	cmd.AddCommand(NewServeCommand(opts))

	return cmd
}

// config loads the config file and applies flag overrides.
func (o *RootOptions) config() *config.Config {
	cfg := config.Load(o.ConfigPath)
	if o.UserID != "" {
		cfg.UserID = o.UserID
	}
	if o.CacheDir != "" {
		cfg.CacheDir = o.CacheDir
	}
	if o.Engine != "" {
		cfg.Engine = o.Engine
	}
	if o.Verbose {
		cfg.LogLevel = "DEBUG"
	}
	return cfg
}

// logger writes to stderr so JSON output on stdout stays parseable.
func (o *RootOptions) logger(cfg *config.Config, w io.Writer) waLog.Logger {
	level := cfg.LogLevel
	if !o.Verbose {
		level = "WARN"
	}
	return logger.Open("mxcache", level, cfg.LogFormat, w)
}

// withApp opens the account cache, runs fn and closes the cache.
func (o *RootOptions) withApp(cmd *cobra.Command, fn func(a *app.App, out *OutputFormatter) error) error {
	cfg := o.config()
	a, err := app.NewWithLogger(cfg, o.logger(cfg, cmd.ErrOrStderr()))
	if err != nil {
		return err
	}
	defer a.Shutdown()
	return fn(a, o.formatter(cmd))
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{Format: o.Format, Writer: cmd.OutOrStdout()}
}
