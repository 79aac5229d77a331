package selection

import (
	"io"
	"os"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

type receiveCall struct {
	offer OfferID
	mime  string
}

type setCall struct {
	kind   Kind
	source SourceID
}

// fakeCompositor serves receive requests from canned payloads. A mime type
// without a payload stalls: the write end stays open and nothing is written.
type fakeCompositor struct {
	t        *testing.T
	payloads map[OfferID]map[string][]byte

	receives         []receiveCall
	stalled          []int
	nextSource       SourceID
	handlers         map[SourceID]SourceHandler
	offered          map[SourceID][]string
	selections       []setCall
	destroyedOffers  []OfferID
	destroyedSources []SourceID
	roundtrips       int
	// onRoundtrip, when set, runs once inside the next Roundtrip, the way
	// events that arrive during a transfer are dispatched.
	onRoundtrip func() error
}

func newFakeCompositor(t *testing.T) *fakeCompositor {
	f := &fakeCompositor{
		t:        t,
		payloads: make(map[OfferID]map[string][]byte),
		handlers: make(map[SourceID]SourceHandler),
		offered:  make(map[SourceID][]string),
	}
	t.Cleanup(func() {
		for _, fd := range f.stalled {
			_ = unix.Close(fd)
		}
	})
	return f
}

func (f *fakeCompositor) Receive(offer OfferID, mime string, fd int) error {
	f.receives = append(f.receives, receiveCall{offer, mime})
	w, err := unix.Dup(fd)
	if err != nil {
		return err
	}
	data, ok := f.payloads[offer][mime]
	if !ok {
		f.stalled = append(f.stalled, w)
		return nil
	}
	if len(data) > 0 {
		if _, err := unix.Write(w, data); err != nil {
			f.t.Errorf("write payload: %v", err)
		}
	}
	return unix.Close(w)
}

func (f *fakeCompositor) DestroyOffer(offer OfferID) error {
	f.destroyedOffers = append(f.destroyedOffers, offer)
	return nil
}

func (f *fakeCompositor) CreateSource(h SourceHandler) (SourceID, error) {
	f.nextSource++
	f.handlers[f.nextSource] = h
	return f.nextSource, nil
}

func (f *fakeCompositor) OfferMime(source SourceID, mime string) error {
	f.offered[source] = append(f.offered[source], mime)
	return nil
}

func (f *fakeCompositor) DestroySource(source SourceID) error {
	f.destroyedSources = append(f.destroyedSources, source)
	return nil
}

func (f *fakeCompositor) SetSelection(kind Kind, source SourceID) error {
	f.selections = append(f.selections, setCall{kind, source})
	return nil
}

func (f *fakeCompositor) Roundtrip() error {
	f.roundtrips++
	if fn := f.onRoundtrip; fn != nil {
		f.onRoundtrip = nil
		return fn()
	}
	return nil
}

// request asks the handler of source for mime, the way a pasting
// application would, and returns what it wrote.
func (f *fakeCompositor) request(source SourceID, mime string) []byte {
	f.t.Helper()
	h, ok := f.handlers[source]
	if !ok {
		f.t.Fatalf("no handler for source %d", source)
	}
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_CLOEXEC); err != nil {
		f.t.Fatal(err)
	}
	if err := h.Send(source, mime, p[1]); err != nil {
		f.t.Fatalf("Send: %v", err)
	}
	r := os.NewFile(uintptr(p[0]), "request")
	defer r.Close()
	b, err := io.ReadAll(r)
	if err != nil {
		f.t.Fatal(err)
	}
	return b
}

func (f *fakeCompositor) lastSelection(t *testing.T) setCall {
	t.Helper()
	if len(f.selections) == 0 {
		t.Fatal("no selection was set")
	}
	return f.selections[len(f.selections)-1]
}

type historyEntry struct {
	code string
	text string
}

type fakeHistory struct {
	entries []historyEntry
	err     error
}

func (h *fakeHistory) Append(code, text string, _ time.Time) error {
	if h.err != nil {
		return h.err
	}
	h.entries = append(h.entries, historyEntry{code, text})
	return nil
}

// fakeProcs reports the editor as running from the given call onwards
// (1-based). Zero means never.
type fakeProcs struct {
	runningFrom int
	calls       int
}

func (p *fakeProcs) Running(string) (bool, error) {
	p.calls++
	return p.runningFrom > 0 && p.calls >= p.runningFrom, nil
}

type harness struct {
	comp    *fakeCompositor
	history *fakeHistory
	procs   *fakeProcs
	engine  *Engine
}

func newHarness(t *testing.T, procs *fakeProcs) *harness {
	t.Helper()
	if procs == nil {
		procs = &fakeProcs{}
	}
	h := &harness{
		comp:    newFakeCompositor(t),
		history: &fakeHistory{},
		procs:   procs,
	}
	e, err := New(Config{
		Compositor:     h.comp,
		History:        h.history,
		Processes:      procs,
		ReceiveTimeout: 100 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	h.engine = e
	return h
}

// announce introduces offer id with mimes and the payloads to serve for it,
// then makes it the owner of kind.
func (h *harness) announce(t *testing.T, kind Kind, id OfferID, data map[string][]byte, mimes ...string) error {
	t.Helper()
	h.comp.payloads[id] = data
	if err := h.engine.DataOffer(id); err != nil {
		t.Fatal(err)
	}
	for _, m := range mimes {
		if err := h.engine.Offer(id, m); err != nil {
			t.Fatal(err)
		}
	}
	return h.engine.Selection(kind, id)
}
