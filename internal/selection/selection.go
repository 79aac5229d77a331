// Package selection keeps the compositor's primary and clipboard selections
// mirrored into each other.
//
// Whenever another application takes a selection, the matching Buffer reads
// every advertised mime type through a pipe, records plaintext in the
// history store and immediately takes the selection back with a data source
// of its own. That source keeps serving the captured bytes after the
// original owner goes away, and carries ReservedMarker so the echo of our
// own offer is recognised and skipped.
//
// Everything here runs on the event loop goroutine, inside dispatch. There
// is no locking.
package selection

import (
	"errors"
	"time"
)

const (
	// ReservedMarker tags offers made by clipmon itself.
	ReservedMarker = "__CLIPMON__"
	// OwnerMarker is advertised by Emacs on its clipboard offers.
	OwnerMarker = "OWNER_OS"

	MimeTextUTF8 = "text/plain;charset=utf-8"
	MimeText     = "text/plain"
	MimeString   = "STRING"

	// DefaultReceiveTimeout bounds the transfer of a single mime type.
	DefaultReceiveTimeout = 2 * time.Second
	// DefaultEditorProcess is the process name of the editor that needs the
	// clipboard workaround.
	DefaultEditorProcess = "emacs"
)

// plainTextMimes are checked in order when looking for text to record.
var plainTextMimes = []string{MimeTextUTF8, MimeText, MimeString}

var (
	// ErrTimeout is returned when a transfer does not finish in time.
	ErrTimeout = errors.New("transfer timed out")
	// ErrRestart asks the caller to re-exec the process. It is returned from
	// dispatch when the editor started after clipmon did.
	ErrRestart = errors.New("restart requested")
	// ErrUnknownOffer is returned when an offer id is not in the registry,
	// including when it has already been resolved.
	ErrUnknownOffer = errors.New("unknown offer")
	// ErrDuplicateOffer is returned when an offer id is introduced twice.
	ErrDuplicateOffer = errors.New("duplicate offer")
)

// Kind is one of the two selections.
type Kind int

const (
	Primary Kind = iota
	Clipboard
)

func (k Kind) String() string {
	switch k {
	case Primary:
		return "primary"
	case Clipboard:
		return "clipboard"
	default:
		return "unknown"
	}
}

// Code is the single-letter selection code stored in the history.
func (k Kind) Code() string {
	if k == Clipboard {
		return "c"
	}
	return "p"
}

// OfferID identifies a foreign offer. NoOffer means the selection is unowned.
type OfferID uint32

// SourceID identifies one of our data sources.
type SourceID uint32

const NoOffer OfferID = 0

// Compositor is the part of the data-control protocol the engine drives.
type Compositor interface {
	// Receive asks the owner of offer to write mime into fd. The caller
	// keeps ownership of fd.
	Receive(offer OfferID, mime string, fd int) error
	DestroyOffer(offer OfferID) error
	CreateSource(h SourceHandler) (SourceID, error)
	OfferMime(source SourceID, mime string) error
	DestroySource(source SourceID) error
	SetSelection(kind Kind, source SourceID) error
	// Roundtrip flushes requests and dispatches events until the compositor
	// has caught up. It re-enters the engine.
	Roundtrip() error
}

// SourceHandler answers events on a data source.
type SourceHandler interface {
	// Send writes the payload for mime to fd and closes it.
	Send(source SourceID, mime string, fd int) error
	Cancelled(source SourceID) error
}

// History stores captured plaintext.
type History interface {
	Append(code, text string, at time.Time) error
}

// ProcessInspector reports whether a process with the given name runs.
type ProcessInspector interface {
	Running(name string) (bool, error)
}
