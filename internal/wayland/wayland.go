// Package wayland is a minimal Wayland client speaking just enough of the
// core protocol and wlr-data-control-unstable-v1 to watch and own the
// clipboard and primary selections of one seat.
//
// Objects are plain uint32 ids. Events are routed to the DeviceHandler that
// created the device (and, through it, its offers) or to the SourceHandler
// given when a data source was created. Handler errors abort Dispatch and
// Roundtrip and are returned unchanged.
package wayland

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Interface names of the globals clipmon binds.
const (
	ManagerInterface = "zwlr_data_control_manager_v1"
	SeatInterface    = "wl_seat"
)

var (
	// ErrNoManager is returned when the compositor does not advertise
	// zwlr_data_control_manager_v1.
	ErrNoManager = errors.New(ManagerInterface + " not supported by compositor")
	// ErrNoSeat is returned when the compositor advertises no wl_seat.
	ErrNoSeat = errors.New("compositor has no " + SeatInterface)
	// ErrNoPrimary is returned by SetPrimarySelection on managers older
	// than version 2.
	ErrNoPrimary = errors.New("primary selection requires " + ManagerInterface + " version 2")
	// ErrFinished is returned when the compositor invalidates the data device.
	ErrFinished = errors.New("data device finished by compositor")
	// ErrClosed is returned when the compositor closes the connection.
	ErrClosed = errors.New("compositor closed the connection")
)

// ProtocolError is a fatal wl_display.error event.
type ProtocolError struct {
	Object  uint32
	Code    uint32
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("wayland protocol error on object %d (code %d): %s", e.Object, e.Code, e.Message)
}

// Global is an entry announced by wl_registry.global.
type Global struct {
	Name      uint32
	Interface string
	Version   uint32
}

// DeviceHandler receives zwlr_data_control_device_v1 events and the mime
// type announcements of the offers the device introduces. An offer id of 0
// in Selection or PrimarySelection means the selection has no owner.
type DeviceHandler interface {
	DataOffer(offer uint32) error
	Offer(offer uint32, mime string) error
	Selection(offer uint32) error
	PrimarySelection(offer uint32) error
}

// SourceHandler receives zwlr_data_control_source_v1 events. Send owns fd
// and must close it.
type SourceHandler interface {
	Send(source uint32, mime string, fd int) error
	Cancelled(source uint32) error
}

// SocketPath returns the compositor socket path.
//
//   - $WAYLAND_DISPLAY if it is absolute
//   - $XDG_RUNTIME_DIR/$WAYLAND_DISPLAY otherwise (display defaults to wayland-0)
func SocketPath() (string, error) {
	name := os.Getenv("WAYLAND_DISPLAY")
	if name == "" {
		name = "wayland-0"
	}
	if filepath.IsAbs(name) {
		return name, nil
	}
	dir := os.Getenv("XDG_RUNTIME_DIR")
	if dir == "" {
		return "", errors.New("XDG_RUNTIME_DIR is not set")
	}
	return filepath.Join(dir, name), nil
}
