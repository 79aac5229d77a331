package selection

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"go.klb.dev/clipmon/internal/pwfilter"
)

const previewLen = 20

// payload maps mime types to bytes, remembering the order they were added.
type payload struct {
	mimes []string
	data  map[string][]byte
}

func newPayload() *payload {
	return &payload{data: make(map[string][]byte)}
}

func (p *payload) set(mime string, b []byte) {
	if _, ok := p.data[mime]; !ok {
		p.mimes = append(p.mimes, mime)
	}
	p.data[mime] = b
}

func (p *payload) has(mime string) bool {
	_, ok := p.data[mime]
	return ok
}

func (p *payload) get(mime string) []byte { return p.data[mime] }

// Buffer is the state of one selection: the bytes clipmon currently serves
// for it and the bookkeeping around the Emacs workaround.
type Buffer struct {
	kind Kind
	e    *Engine
	log  *slog.Logger

	data *payload
	// source is our live data source for this selection, 0 if none.
	source SourceID

	// counterpart is set on the clipboard buffer only and points at primary.
	counterpart *Buffer
	// workaround is true while requests are answered from counterpart.
	workaround bool
	// deferred runs once after the next publish of this buffer.
	deferred func() error
	// gen counts foreign offers taken for this buffer. A capture whose
	// roundtrips let a newer offer in is discarded.
	gen uint64
}

func newBuffer(e *Engine, kind Kind) *Buffer {
	return &Buffer{
		kind: kind,
		e:    e,
		log:  slog.With("selection", kind.String()),
		data: newPayload(),
	}
}

// Kind returns which selection b tracks.
func (b *Buffer) Kind() Kind { return b.kind }

// Mimes returns the mime types b currently serves, in capture order.
func (b *Buffer) Mimes() []string { return slices.Clone(b.data.mimes) }

// Payload returns the bytes b holds for mime.
func (b *Buffer) Payload(mime string) ([]byte, bool) {
	p, ok := b.data.data[mime]
	return p, ok
}

// WorkaroundActive reports whether b answers requests from its counterpart.
func (b *Buffer) WorkaroundActive() bool { return b.workaround }

// HandleSelection processes a selection event for b. A NoOffer id means the
// selection lost its owner; the captured payload is kept.
func (b *Buffer) HandleSelection(id OfferID) error {
	if id == NoOffer {
		b.log.Debug("lost selection")
		return nil
	}

	mimes, err := b.e.offers.Take(id)
	if err != nil {
		return fmt.Errorf("%s selection: %w", b.kind, err)
	}

	if slices.Contains(mimes, ReservedMarker) {
		b.log.Debug("skipping our own offer")
		return b.e.comp.DestroyOffer(id)
	}

	b.gen++
	gen := b.gen
	b.workaround = false
	if slices.Contains(mimes, OwnerMarker) && b.counterpart != nil {
		return b.deferToCounterpart(id, mimes)
	}

	captured, err := b.capture(id, mimes)
	if err != nil {
		return err
	}
	if err := b.e.comp.DestroyOffer(id); err != nil {
		return err
	}
	if b.gen != gen {
		b.log.Debug("discarding capture overtaken by a newer offer", "offer", id)
		return nil
	}
	b.data = captured
	b.log.Info("selection captured", "types", captured.mimes)

	if err := b.saveHistory(); err != nil {
		return err
	}
	return b.publish()
}

// deferToCounterpart serves an Emacs clipboard offer from the primary
// selection instead of reading it. Our clipboard offer is made right after
// primary has published its own capture.
func (b *Buffer) deferToCounterpart(id OfferID, mimes []string) error {
	if b.e.editorStartedLate() {
		b.log.Info("editor detected, restarting", "process", b.e.editor)
		return ErrRestart
	}
	if err := b.e.comp.DestroyOffer(id); err != nil {
		return err
	}

	b.log.Debug("editor workaround: skipping clipboard read")
	b.workaround = true
	placeholders := newPayload()
	for _, m := range mimes {
		placeholders.set(m, nil)
	}
	b.data = placeholders
	b.counterpart.deferred = b.publish
	return nil
}

func (b *Buffer) capture(id OfferID, mimes []string) (*payload, error) {
	p := newPayload()
	for _, mime := range mimes {
		data, err := b.receive(id, mime)
		if errors.Is(err, ErrTimeout) {
			b.log.Warn("transfer timed out", "mime", mime, "timeout", b.e.timeout)
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%s receive %q: %w", b.kind, mime, err)
		}
		p.set(mime, data)
	}
	return p, nil
}

func (b *Buffer) receive(id OfferID, mime string) ([]byte, error) {
	r, w, err := openPipe()
	if err != nil {
		return nil, err
	}
	start := time.Now()
	defer unix.Close(r)

	if err := b.e.comp.Receive(id, mime, w); err != nil {
		_ = unix.Close(w)
		return nil, err
	}
	err = b.e.comp.Roundtrip()
	_ = unix.Close(w)
	if err != nil {
		return nil, err
	}
	return drain(r, start, b.e.timeout, b.e.comp.Roundtrip)
}

// publish takes the selection with a new source offering everything b
// holds, then runs a pending deferred publish.
func (b *Buffer) publish() error {
	src, err := b.e.comp.CreateSource(b)
	if err != nil {
		return fmt.Errorf("%s create source: %w", b.kind, err)
	}
	for _, mime := range b.data.mimes {
		if err := b.e.comp.OfferMime(src, mime); err != nil {
			return err
		}
		if data := b.data.get(mime); slices.Contains(plainTextMimes, mime) {
			b.log.Debug("offered", "mime", mime, "preview", preview(data))
		} else {
			b.log.Debug("offered", "mime", mime, "size_bytes", len(data))
		}
	}
	if err := b.e.comp.OfferMime(src, ReservedMarker); err != nil {
		return err
	}
	if err := b.e.comp.SetSelection(b.kind, src); err != nil {
		return fmt.Errorf("%s set selection: %w", b.kind, err)
	}
	b.source = src
	b.log.Debug("took selection", "source", src, "pending_offers", b.e.offers.Len())

	if fn := b.deferred; fn != nil {
		b.deferred = nil
		return fn()
	}
	return nil
}

// saveHistory appends the first non-blank plaintext payload to the history
// unless it looks like a password.
func (b *Buffer) saveHistory() error {
	if b.e.history == nil {
		return nil
	}
	for _, mime := range plainTextMimes {
		text := strings.TrimSpace(string(b.data.get(mime)))
		if text == "" {
			continue
		}
		if pwfilter.LooksLikePassword(text) {
			b.log.Info("not storing a possible password")
			return nil
		}
		text = strings.ToValidUTF8(text, "�")
		if err := b.e.history.Append(b.kind.Code(), text, b.e.now()); err != nil {
			return fmt.Errorf("save history: %w", err)
		}
		return nil
	}
	return nil
}

// Send implements SourceHandler.
func (b *Buffer) Send(src SourceID, mime string, fd int) error {
	data := b.lookup(mime)
	b.log.Debug("send", "mime", mime, "size", len(data))

	if err := unix.SetNonblock(fd, true); err != nil {
		b.log.Warn("send: nonblock failed", "err", err)
	}
	f := os.NewFile(uintptr(fd), "clipmon-send")
	defer f.Close()
	_ = f.SetWriteDeadline(time.Now().Add(b.e.timeout))
	if _, err := f.Write(data); err != nil {
		b.log.Warn("send failed", "mime", mime, "err", err)
	}
	return nil
}

// lookup picks the bytes answering a request for mime.
func (b *Buffer) lookup(mime string) []byte {
	switch {
	case mime == ReservedMarker:
		return nil
	case b.workaround && b.counterpart != nil:
		b.log.Debug("editor workaround: routing request", "mime", mime, "to", b.counterpart.kind.String())
		data := b.counterpart.data.get(mime)
		if len(data) == 0 && mime == MimeTextUTF8 {
			data = b.counterpart.data.get(MimeText)
		}
		return data
	case !b.data.has(mime):
		b.log.Warn("requested mime type we haven't offered", "mime", mime)
		return nil
	default:
		return b.data.get(mime)
	}
}

// Cancelled implements SourceHandler.
func (b *Buffer) Cancelled(src SourceID) error {
	if b.source == src {
		b.source = 0
	}
	b.log.Debug("cancelled", "source", src)
	return b.e.comp.DestroySource(src)
}

func preview(b []byte) string {
	s := strings.ToValidUTF8(string(b), "")
	if r := []rune(s); len(r) > previewLen {
		return string(r[:previewLen])
	}
	return s
}
