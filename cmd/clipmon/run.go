package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/spf13/viper"
	"golang.org/x/sys/unix"

	"go.klb.dev/clipmon/internal/daemon"
	"go.klb.dev/clipmon/internal/selection"
	"go.klb.dev/clipmon/internal/wayland"
)

func runDaemon(v *viper.Viper) error {
	setupLogging(v)

	cfg, err := daemonConfig(v)
	if err != nil {
		return err
	}

	slog.Info("clipmon starting",
		"version", Version,
		"max_history", cfg.MaxHistory,
		"receive_timeout", cfg.ReceiveTimeout,
		"editor_process", cfg.EditorProcess,
	)

	client, err := wayland.Dial()
	if err != nil {
		return fmt.Errorf("connect to compositor: %w", err)
	}
	d, err := daemon.New(client, cfg)
	if err != nil {
		_ = client.Close()
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, unix.SIGTERM)
	defer stop()
	return supervise(ctx, d)
}

// runner is the part of *daemon.Daemon supervise drives.
type runner interface {
	Run(ctx context.Context) error
	Close() error
}

// supervise runs d until it stops, closes it, and re-executes clipmon when
// the engine asked for a restart.
func supervise(ctx context.Context, d runner) error {
	runErr := d.Run(ctx)
	closeErr := d.Close()
	switch {
	case errors.Is(runErr, selection.ErrRestart):
		return restart()
	case runErr != nil:
		return runErr
	case closeErr != nil:
		return closeErr
	}
	slog.Info("clipmon stopped")
	return nil
}

// execFn replaces the running process image.
var execFn = unix.Exec

// restart replaces the process with a fresh copy of itself, with the same
// arguments and environment. The compositor connection and the history
// store must already be closed.
func restart() error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("restart: %w", err)
	}
	slog.Info("editor started after clipmon, restarting", "exe", exe)
	if err := execFn(exe, os.Args, os.Environ()); err != nil {
		return fmt.Errorf("restart %s: %w", exe, err)
	}
	return nil
}
