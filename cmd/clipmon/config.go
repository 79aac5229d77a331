package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go.klb.dev/clipmon/internal/daemon"
	"go.klb.dev/clipmon/internal/history"
	"go.klb.dev/clipmon/internal/selection"
)

// bindViper wires the root command's flags into v with the standard config
// file search order and CLIPMON_* env var prefix.
//
// Precedence (lowest → highest): defaults → config file → CLIPMON_* env vars → flags
func bindViper(cmd *cobra.Command, v *viper.Viper) error {
	setDefaults(v)

	v.SetConfigName("clipmon")
	v.SetConfigType("toml")
	v.AddConfigPath("/etc/clipmon/")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(fmt.Sprintf("%s/.config/clipmon", home))
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("config: %w", err)
		}
	}

	v.SetEnvPrefix("CLIPMON")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return fmt.Errorf("binding flags: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log-format", "auto")
	v.SetDefault("log-level", "")
	v.SetDefault("history-path", "")
	v.SetDefault("max-history", history.DefaultMaxRecords)
	v.SetDefault("receive-timeout", selection.DefaultReceiveTimeout)
	v.SetDefault("editor-process", selection.DefaultEditorProcess)
}

// daemonConfig reads the daemon settings out of v.
func daemonConfig(v *viper.Viper) (daemon.Config, error) {
	timeout := v.GetDuration("receive-timeout")
	if timeout <= 0 {
		return daemon.Config{}, fmt.Errorf("config: receive-timeout must be positive, got %s", v.GetString("receive-timeout"))
	}
	maxHistory := v.GetInt("max-history")
	if maxHistory <= 0 {
		return daemon.Config{}, fmt.Errorf("config: max-history must be positive, got %d", maxHistory)
	}
	return daemon.Config{
		HistoryPath:    v.GetString("history-path"),
		MaxHistory:     maxHistory,
		ReceiveTimeout: timeout,
		EditorProcess:  v.GetString("editor-process"),
	}, nil
}

// setupLogging reads logging settings from v and configures slog.
func setupLogging(v *viper.Viper) {
	resolveLogging(v.GetBool("debug"), v.GetString("log-format"), v.GetString("log-level"))
}
