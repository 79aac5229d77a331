package selection

import (
	"errors"
	"log/slog"
	"time"
)

// Config wires an Engine to its collaborators.
type Config struct {
	Compositor Compositor
	// History may be nil to disable recording.
	History History
	// Processes may be nil to disable the editor restart check.
	Processes ProcessInspector
	// EditorProcess defaults to DefaultEditorProcess.
	EditorProcess string
	// ReceiveTimeout defaults to DefaultReceiveTimeout.
	ReceiveTimeout time.Duration
	// Now defaults to time.Now.
	Now func() time.Time
}

// Engine owns the offer registry and both selection buffers. It is the
// target of every data-device event.
type Engine struct {
	comp    Compositor
	history History
	procs   ProcessInspector
	editor  string
	timeout time.Duration
	now     func() time.Time

	offers    *Registry
	primary   *Buffer
	clipboard *Buffer

	editorAtStart    bool
	restartRequested bool
}

// New builds an Engine and records whether the editor is already running.
func New(cfg Config) (*Engine, error) {
	if cfg.Compositor == nil {
		return nil, errors.New("selection: nil compositor")
	}
	e := &Engine{
		comp:    cfg.Compositor,
		history: cfg.History,
		procs:   cfg.Processes,
		editor:  cfg.EditorProcess,
		timeout: cfg.ReceiveTimeout,
		now:     cfg.Now,
		offers:  NewRegistry(),
	}
	if e.editor == "" {
		e.editor = DefaultEditorProcess
	}
	if e.timeout <= 0 {
		e.timeout = DefaultReceiveTimeout
	}
	if e.now == nil {
		e.now = time.Now
	}

	e.primary = newBuffer(e, Primary)
	e.clipboard = newBuffer(e, Clipboard)
	e.clipboard.counterpart = e.primary

	e.editorAtStart = e.editorRunning()
	slog.Debug("selection engine ready", "editor", e.editor, "editor_running_at_start", e.editorAtStart)
	return e, nil
}

// Buffer returns the buffer for kind.
func (e *Engine) Buffer(kind Kind) *Buffer {
	if kind == Clipboard {
		return e.clipboard
	}
	return e.primary
}

// Offers exposes the registry of unresolved offers.
func (e *Engine) Offers() *Registry { return e.offers }

// DataOffer registers an offer the compositor just introduced.
func (e *Engine) DataOffer(id OfferID) error { return e.offers.Add(id) }

// Offer records a mime type advertised by id.
func (e *Engine) Offer(id OfferID, mime string) error { return e.offers.Advertise(id, mime) }

// Selection resolves id as the new owner of kind.
func (e *Engine) Selection(kind Kind, id OfferID) error {
	return e.Buffer(kind).HandleSelection(id)
}

// editorStartedLate reports, at most once, that the editor was not running
// when the engine started but is running now.
func (e *Engine) editorStartedLate() bool {
	if e.editorAtStart || e.restartRequested {
		return false
	}
	if !e.editorRunning() {
		return false
	}
	e.restartRequested = true
	return true
}

func (e *Engine) editorRunning() bool {
	if e.procs == nil {
		return false
	}
	ok, err := e.procs.Running(e.editor)
	if err != nil {
		slog.Warn("process lookup failed", "process", e.editor, "err", err)
		return false
	}
	return ok
}
