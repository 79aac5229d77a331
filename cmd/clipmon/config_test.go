package main

import (
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestDaemonConfigDefaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	cmd := newRootCmd()
	v := viper.New()
	if err := bindViper(cmd, v); err != nil {
		t.Fatal(err)
	}
	cfg, err := daemonConfig(v)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.MaxHistory != 200 || cfg.ReceiveTimeout != 2*time.Second || cfg.EditorProcess != "emacs" {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.HistoryPath != "" {
		t.Errorf("history path = %q, want empty for the XDG default", cfg.HistoryPath)
	}
}

func TestDaemonConfigEnv(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("CLIPMON_MAX_HISTORY", "50")
	t.Setenv("CLIPMON_RECEIVE_TIMEOUT", "500ms")
	t.Setenv("CLIPMON_EDITOR_PROCESS", "emacs-gtk")
	t.Setenv("CLIPMON_HISTORY_PATH", "/tmp/h.sqlite3")

	cmd := newRootCmd()
	v := viper.New()
	if err := bindViper(cmd, v); err != nil {
		t.Fatal(err)
	}
	cfg, err := daemonConfig(v)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.MaxHistory != 50 || cfg.ReceiveTimeout != 500*time.Millisecond ||
		cfg.EditorProcess != "emacs-gtk" || cfg.HistoryPath != "/tmp/h.sqlite3" {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestDaemonConfigRejectsBadValues(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	for _, kv := range [][2]string{
		{"CLIPMON_MAX_HISTORY", "0"},
		{"CLIPMON_RECEIVE_TIMEOUT", "-1s"},
	} {
		t.Run(kv[0], func(t *testing.T) {
			t.Setenv(kv[0], kv[1])
			v := viper.New()
			if err := bindViper(newRootCmd(), v); err != nil {
				t.Fatal(err)
			}
			if _, err := daemonConfig(v); err == nil {
				t.Errorf("%s=%s accepted", kv[0], kv[1])
			}
		})
	}
}

func TestDebugFlag(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	cmd := newRootCmd()
	if err := cmd.Flags().Parse([]string{"--debug"}); err != nil {
		t.Fatal(err)
	}
	v := viper.New()
	if err := bindViper(cmd, v); err != nil {
		t.Fatal(err)
	}
	if !v.GetBool("debug") {
		t.Error("--debug not bound")
	}
}
