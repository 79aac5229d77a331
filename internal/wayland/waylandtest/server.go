// Package waylandtest provides an in-process fake compositor that speaks the
// subset of the protocol the wayland package uses. It runs over a
// socketpair, so the real wire encoding and fd passing are exercised.
package waylandtest

import (
	"io"
	"os"
	"slices"
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"go.klb.dev/clipmon/internal/message"
	"go.klb.dev/clipmon/internal/wayland"
	"go.klb.dev/clipmon/internal/wire"
)

const (
	ifaceRegistry = "wl_registry"
	ifaceCallback = "wl_callback"
	ifaceDevice   = "zwlr_data_control_device_v1"
	ifaceSource   = "zwlr_data_control_source_v1"
	serverIDStart = 0xff000000
)

// Selection is a set_selection or set_primary_selection request.
type Selection struct {
	Primary bool
	Source  uint32
	Mimes   []string
}

// Receive is an offer.receive request.
type Receive struct {
	Offer uint32
	Mime  string
}

// Server is a fake compositor with one seat.
type Server struct {
	t       testing.TB
	conn    *wire.Conn
	globals []wayland.Global

	// Selections receives every selection the client sets.
	Selections chan Selection

	mu       sync.Mutex
	ifaces   map[uint32]string
	nextID   uint32
	device   uint32
	sources  map[uint32][]string
	payloads map[uint32]map[string][]byte
	receives []Receive
	current  map[bool]uint32
	stalled  []int
	echo     bool

	done      chan struct{}
	closeOnce sync.Once
}

// DefaultGlobals announces a data-control manager and a seat.
func DefaultGlobals() []wayland.Global {
	return []wayland.Global{
		{Name: 1, Interface: "wl_compositor", Version: 6},
		{Name: 2, Interface: wayland.SeatInterface, Version: 7},
		{Name: 3, Interface: wayland.ManagerInterface, Version: 2},
	}
}

// New starts a server and returns it with the client end of the socket.
// The server stops when the test ends.
func New(t testing.TB, globals []wayland.Global) (*Server, *wire.Conn) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	s := &Server{
		t:          t,
		conn:       wire.New(fds[0]),
		globals:    globals,
		Selections: make(chan Selection, 16),
		ifaces:     make(map[uint32]string),
		nextID:     serverIDStart,
		sources:    make(map[uint32][]string),
		payloads:   make(map[uint32]map[string][]byte),
		current:    make(map[bool]uint32),
		done:       make(chan struct{}),
	}
	go s.serve()
	t.Cleanup(s.Close)
	return s, wire.New(fds[1])
}

// Close shuts the server side of the connection down.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		for _, fd := range s.stalled {
			_ = unix.Close(fd)
		}
		s.stalled = nil
		s.mu.Unlock()
		_ = unix.Shutdown(s.conn.Fd(), unix.SHUT_RDWR)
		<-s.done
		_ = s.conn.Close()
	})
}

// Fail sends a wl_display.error event.
func (s *Server) Fail(object, code uint32, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.send(message.New(1, 0).PutUint32(object).PutUint32(code).PutString(text))
}

// SetEcho makes the server re-announce every selection the client sets
// back to it as a new offer, the way a real compositor does.
func (s *Server) SetEcho(on bool) {
	s.mu.Lock()
	s.echo = on
	s.mu.Unlock()
}

// Announce introduces a new offer with mimes and makes it the owner of the
// clipboard (or primary) selection. data holds what each mime serves; a
// mime without data never completes its transfer.
func (s *Server) Announce(primary bool, data map[string][]byte, mimes ...string) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.announceLocked(primary, data, mimes)
}

// Request asks the client's source for mime, like a pasting application,
// and returns what it wrote.
func (s *Server) Request(source uint32, mime string) ([]byte, error) {
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_CLOEXEC); err != nil {
		return nil, err
	}
	s.mu.Lock()
	err := s.send(message.New(source, 0).PutString(mime).PutFD(p[1]))
	s.mu.Unlock()
	_ = unix.Close(p[1])
	r := os.NewFile(uintptr(p[0]), "request")
	defer r.Close()
	if err != nil {
		return nil, err
	}
	return io.ReadAll(r)
}

// Receives returns the receive requests seen so far.
func (s *Server) Receives() []Receive {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.receives)
}

// WaitSelection waits for the next selection the client sets.
func (s *Server) WaitSelection(d time.Duration) (Selection, bool) {
	select {
	case sel := <-s.Selections:
		return sel, true
	case <-time.After(d):
		return Selection{}, false
	}
}

func (s *Server) serve() {
	defer close(s.done)
	for {
		if _, err := s.conn.Fill(true); err != nil {
			return
		}
		for {
			msg, ok, err := s.conn.Next()
			if err != nil || !ok {
				break
			}
			s.mu.Lock()
			s.handle(msg)
			s.mu.Unlock()
		}
	}
}

// handle runs with s.mu held.
func (s *Server) handle(msg *message.Message) {
	d := msg.Decode()
	switch {
	case msg.Sender == 1 && msg.Opcode == 0: // wl_display.sync
		cb, _ := d.Uint32()
		s.ifaces[cb] = ifaceCallback
		_ = s.send(message.New(cb, 0).PutUint32(0))
		s.deleteID(cb)
	case msg.Sender == 1 && msg.Opcode == 1: // wl_display.get_registry
		id, _ := d.Uint32()
		s.ifaces[id] = ifaceRegistry
		for _, g := range s.globals {
			_ = s.send(message.New(id, 0).PutUint32(g.Name).PutString(g.Interface).PutUint32(g.Version))
		}
	default:
		s.handleObject(msg, d)
	}
}

func (s *Server) handleObject(msg *message.Message, d *message.Decoder) {
	iface := s.ifaces[msg.Sender]
	if msg.Sender >= serverIDStart {
		iface = "offer"
	}
	switch iface {
	case ifaceRegistry: // bind
		_, _ = d.Uint32()
		name, _ := d.String()
		_, _ = d.Uint32()
		id, _ := d.Uint32()
		s.ifaces[id] = name
	case wayland.ManagerInterface:
		id, _ := d.Uint32()
		switch msg.Opcode {
		case 0:
			s.ifaces[id] = ifaceSource
		case 1:
			s.ifaces[id] = ifaceDevice
			s.device = id
		}
	case ifaceSource:
		switch msg.Opcode {
		case 0:
			mime, _ := d.String()
			s.sources[msg.Sender] = append(s.sources[msg.Sender], mime)
		case 1:
			delete(s.sources, msg.Sender)
			s.deleteID(msg.Sender)
		}
	case ifaceDevice:
		if msg.Opcode != 0 && msg.Opcode != 2 {
			return
		}
		src, _ := d.Uint32()
		s.setSelection(msg.Opcode == 2, src)
	case "offer":
		if msg.Opcode != 0 {
			return
		}
		mime, _ := d.String()
		fd, err := s.conn.TakeFD()
		if err != nil {
			s.t.Errorf("receive without fd: %v", err)
			return
		}
		s.receives = append(s.receives, Receive{Offer: msg.Sender, Mime: mime})
		data, ok := s.payloads[msg.Sender][mime]
		if !ok {
			s.stalled = append(s.stalled, fd)
			return
		}
		go func() {
			f := os.NewFile(uintptr(fd), "offer")
			_, _ = f.Write(data)
			_ = f.Close()
		}()
	}
}

func (s *Server) setSelection(primary bool, src uint32) {
	mimes := slices.Clone(s.sources[src])
	if prev, ok := s.current[primary]; ok && prev != src {
		if _, live := s.sources[prev]; live {
			_ = s.send(message.New(prev, 1)) // cancelled
		}
	}
	s.current[primary] = src
	s.Selections <- Selection{Primary: primary, Source: src, Mimes: mimes}
	if s.echo {
		s.announceLocked(primary, nil, mimes)
	}
}

func (s *Server) announceLocked(primary bool, data map[string][]byte, mimes []string) uint32 {
	id := s.nextID
	s.nextID++
	s.payloads[id] = data
	_ = s.send(message.New(s.device, 0).PutUint32(id)) // data_offer
	for _, m := range mimes {
		_ = s.send(message.New(id, 0).PutString(m))
	}
	op := uint16(1)
	if primary {
		op = 3
	}
	_ = s.send(message.New(s.device, op).PutUint32(id))
	return id
}

func (s *Server) deleteID(id uint32) {
	delete(s.ifaces, id)
	_ = s.send(message.New(1, 1).PutUint32(id))
}

func (s *Server) send(msg *message.Message) error {
	if err := s.conn.WriteMsg(msg); err != nil {
		return err
	}
	return s.conn.Flush()
}
