package daemon

import (
	"context"
	"errors"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"go.klb.dev/clipmon/internal/history"
	"go.klb.dev/clipmon/internal/selection"
	"go.klb.dev/clipmon/internal/wayland"
	"go.klb.dev/clipmon/internal/wayland/waylandtest"
)

type noProcs struct{}

func (noProcs) Running(string) (bool, error) { return false, nil }

type running struct {
	srv     *waylandtest.Server
	d       *Daemon
	path    string
	cancel  context.CancelFunc
	errc    chan error
	stopped bool
}

func start(t *testing.T) *running {
	t.Helper()
	srv, conn := waylandtest.New(t, waylandtest.DefaultGlobals())
	client := wayland.NewClient(conn)
	path := filepath.Join(t.TempDir(), "history.sqlite3")

	d, err := New(client, Config{
		HistoryPath:    path,
		ReceiveTimeout: time.Second,
		Processes:      noProcs{},
	})
	if err != nil {
		_ = client.Close()
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &running{srv: srv, d: d, path: path, cancel: cancel, errc: make(chan error, 1)}
	go func() { r.errc <- d.Run(ctx) }()
	t.Cleanup(func() {
		r.stop(t)
		_ = d.Close()
	})
	return r
}

func (r *running) stop(t *testing.T) error {
	t.Helper()
	if r.stopped {
		return nil
	}
	r.stopped = true
	r.cancel()
	select {
	case err := <-r.errc:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
		return nil
	}
}

func (r *running) records(t *testing.T) []history.Record {
	t.Helper()
	if err := r.stop(t); err != nil {
		t.Fatalf("Run: %v", err)
	}
	store, err := history.Open(r.path, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	recs, err := store.Recent(10)
	if err != nil {
		t.Fatal(err)
	}
	return recs
}

func TestMirrorsClipboard(t *testing.T) {
	r := start(t)
	r.srv.SetEcho(true)

	data := map[string][]byte{
		"text/plain": []byte("hello world"),
		"text/html":  []byte("<b>hello</b>"),
	}
	r.srv.Announce(false, data, "text/plain", "text/html")

	sel, ok := r.srv.WaitSelection(5 * time.Second)
	if !ok {
		t.Fatal("daemon never took the selection")
	}
	if sel.Primary {
		t.Error("clipboard offer mirrored to primary")
	}
	want := []string{"text/plain", "text/html", selection.ReservedMarker}
	if !slices.Equal(sel.Mimes, want) {
		t.Errorf("mimes = %v, want %v", sel.Mimes, want)
	}

	got, err := r.srv.Request(sel.Source, "text/html")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "<b>hello</b>" {
		t.Errorf("paste text/html = %q", got)
	}

	// The echoed offer carries the marker and must not be taken again.
	if extra, ok := r.srv.WaitSelection(200 * time.Millisecond); ok {
		t.Errorf("unexpected second selection %+v", extra)
	}
	if n := len(r.srv.Receives()); n != 2 {
		t.Errorf("receives = %d, want 2", n)
	}

	recs := r.records(t)
	if len(recs) != 1 || recs[0].Selection != "c" || recs[0].Text != "hello world" {
		t.Errorf("history = %+v", recs)
	}
}

func TestPrimaryPasswordNotStored(t *testing.T) {
	r := start(t)
	r.srv.Announce(true, map[string][]byte{"text/plain": []byte("P@55word!!")}, "text/plain")

	sel, ok := r.srv.WaitSelection(5 * time.Second)
	if !ok {
		t.Fatal("daemon never took the selection")
	}
	if !sel.Primary {
		t.Error("primary offer mirrored to clipboard")
	}
	got, err := r.srv.Request(sel.Source, "text/plain")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "P@55word!!" {
		t.Errorf("paste = %q, want the password served", got)
	}
	if recs := r.records(t); len(recs) != 0 {
		t.Errorf("history = %+v, want nothing stored", recs)
	}
}

func TestRunStopsWhenCompositorLeaves(t *testing.T) {
	r := start(t)
	r.srv.Close()
	select {
	case err := <-r.errc:
		r.stopped = true
		if !errors.Is(err, wayland.ErrClosed) {
			t.Errorf("Run = %v, want ErrClosed", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run kept going after the compositor closed")
	}
}

func TestNewWithoutManager(t *testing.T) {
	_, conn := waylandtest.New(t, []wayland.Global{
		{Name: 1, Interface: wayland.SeatInterface, Version: 7},
	})
	client := wayland.NewClient(conn)
	t.Cleanup(func() { _ = client.Close() })

	_, err := New(client, Config{
		HistoryPath: filepath.Join(t.TempDir(), "history.sqlite3"),
		Processes:   noProcs{},
	})
	if !errors.Is(err, wayland.ErrNoManager) {
		t.Fatalf("err = %v, want ErrNoManager", err)
	}
}

func TestNewLeavesDeviceLive(t *testing.T) {
	srv, conn := waylandtest.New(t, waylandtest.DefaultGlobals())
	client := wayland.NewClient(conn)
	d, err := New(client, Config{
		HistoryPath: filepath.Join(t.TempDir(), "history.sqlite3"),
		Processes:   noProcs{},
	})
	if err != nil {
		_ = client.Close()
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })

	// No Run loop: the offer must reach the device created by New.
	srv.Announce(false, map[string][]byte{"text/plain": []byte("early")}, "text/plain")
	if err := client.Roundtrip(); err != nil {
		t.Fatalf("Roundtrip: %v", err)
	}
	if err := client.Flush(); err != nil {
		t.Fatal(err)
	}
	sel, ok := srv.WaitSelection(5 * time.Second)
	if !ok {
		t.Fatal("offer announced right after New was dropped")
	}
	if !slices.Equal(sel.Mimes, []string{"text/plain", selection.ReservedMarker}) {
		t.Errorf("mimes = %v", sel.Mimes)
	}
}
