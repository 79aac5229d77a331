// Package daemon wires the compositor connection, the selection engine and
// the history store together and runs the event loop.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"go.klb.dev/clipmon/internal/history"
	"go.klb.dev/clipmon/internal/procs"
	"go.klb.dev/clipmon/internal/selection"
	"go.klb.dev/clipmon/internal/wayland"
)

// Config holds the daemon settings.
type Config struct {
	// HistoryPath defaults to history.DefaultPath().
	HistoryPath    string
	MaxHistory     int
	ReceiveTimeout time.Duration
	EditorProcess  string
	// Processes overrides the /proc based inspector.
	Processes selection.ProcessInspector
}

// Daemon owns the compositor connection and everything fed by it.
type Daemon struct {
	client *wayland.Client
	store  *history.Store
	engine *selection.Engine
}

// New binds the data-control globals on client, opens the history store and
// creates the data device. The device is live when New returns. On error
// nothing is left open except client, which stays owned by the caller.
func New(client *wayland.Client, cfg Config) (*Daemon, error) {
	manager, seat, err := client.DataControl()
	if err != nil {
		return nil, err
	}

	path := cfg.HistoryPath
	if path == "" {
		if path, err = history.DefaultPath(); err != nil {
			return nil, err
		}
	}
	store, err := history.Open(path, cfg.MaxHistory)
	if err != nil {
		return nil, err
	}
	if n, err := store.Len(); err == nil {
		slog.Info("history store opened", "path", path, "records", n)
	}

	inspector := cfg.Processes
	if inspector == nil {
		if in, err := procs.Default(); err != nil {
			slog.Warn("process inspection unavailable, editor detection disabled", "err", err)
		} else {
			inspector = in
		}
	}

	comp := &compositor{c: client, manager: manager}
	engine, err := selection.New(selection.Config{
		Compositor:     comp,
		History:        store,
		Processes:      inspector,
		EditorProcess:  cfg.EditorProcess,
		ReceiveTimeout: cfg.ReceiveTimeout,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	device, err := client.GetDataDevice(manager, seat, deviceHandler{engine})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("get data device: %w", err)
	}
	comp.device = device
	if err := client.Roundtrip(); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("create data device: %w", err)
	}

	return &Daemon{client: client, store: store, engine: engine}, nil
}

// Engine returns the selection engine.
func (d *Daemon) Engine() *selection.Engine { return d.engine }

// Run flushes requests, waits for the compositor socket and dispatches
// events until ctx is cancelled (returning nil) or something fails. A
// selection.ErrRestart from the engine is returned as is.
func (d *Daemon) Run(ctx context.Context) error {
	var wake [2]int
	if err := unix.Pipe2(wake[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		return fmt.Errorf("wake pipe: %w", err)
	}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Go(func() {
		select {
		case <-ctx.Done():
			_, _ = unix.Write(wake[1], []byte{0})
		case <-done:
		}
	})
	defer func() {
		close(done)
		wg.Wait()
		_ = unix.Close(wake[0])
		_ = unix.Close(wake[1])
	}()

	slog.Info("watching selections")
	fds := []unix.PollFd{
		{Fd: int32(d.client.Fd()), Events: unix.POLLIN},
		{Fd: int32(wake[0]), Events: unix.POLLIN},
	}
	for {
		if err := d.client.Flush(); err != nil {
			return err
		}
		fds[0].Revents, fds[1].Revents = 0, 0
		if _, err := unix.Poll(fds, -1); err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("poll: %w", err)
		}
		if fds[1].Revents != 0 {
			slog.Debug("event loop interrupted")
			return nil
		}
		if fds[0].Revents&unix.POLLIN == 0 && fds[0].Revents&(unix.POLLERR|unix.POLLHUP) != 0 {
			return wayland.ErrClosed
		}
		if err := d.client.Dispatch(); err != nil {
			return err
		}
	}
}

// Close releases the compositor connection and the history store.
func (d *Daemon) Close() error {
	return errors.Join(d.client.Close(), d.store.Close())
}
