// clipmon: keeps the Wayland clipboard and primary selection alive after
// their owners exit, and records text copies to a history file.
package main

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go.klb.dev/clipmon/internal/logging"
)

// Version is set at build time via -ldflags "-X main.Version=x.y.z".
var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "clipmon",
		Short: "Wayland clipboard monitor",
		Long: `clipmon takes over the clipboard and primary selection whenever another
client sets them, so their contents survive the client exiting. Text copies
that do not look like passwords are appended to a history database.

The compositor must support wlr-data-control-unstable-v1 (version 2 for the
primary selection).

Config file search order (first found wins):
  /etc/clipmon/clipmon.toml
  $HOME/.config/clipmon/clipmon.toml

Precedence (lowest → highest): defaults → config file → CLIPMON_* env vars → flags`,
		Version:      Version,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		PreRunE:      func(cmd *cobra.Command, _ []string) error { return bindViper(cmd, v) },
		RunE:         func(_ *cobra.Command, _ []string) error { return runDaemon(v) },
	}

	cmd.Flags().Bool("debug", false, "log at debug level, including payload previews")
	return cmd
}

// resolveLogging sets up the global slog logger after flags are parsed.
func resolveLogging(debug bool, formatStr, levelStr string) {
	logging.Setup(logging.ParseFormat(formatStr), logging.Level(debug, levelStr))
}
