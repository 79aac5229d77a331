package wayland

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"

	"golang.org/x/sys/unix"

	"go.klb.dev/clipmon/internal/message"
	"go.klb.dev/clipmon/internal/wire"
)

const (
	displayID = 1
	// serverIDStart is the first id in the range the compositor allocates.
	serverIDStart = 0xff000000

	managerVersion = 2
	seatVersion    = 1
)

// Request opcodes.
const (
	opDisplaySync        = 0
	opDisplayGetRegistry = 1

	opRegistryBind = 0

	opManagerCreateDataSource = 0
	opManagerGetDataDevice    = 1

	opDeviceSetSelection        = 0
	opDeviceSetPrimarySelection = 2

	opSourceOffer   = 0
	opSourceDestroy = 1

	opOfferReceive = 0
	opOfferDestroy = 1
)

// Event opcodes.
const (
	evDisplayError    = 0
	evDisplayDeleteID = 1

	evRegistryGlobal       = 0
	evRegistryGlobalRemove = 1

	evCallbackDone = 0

	evDeviceDataOffer        = 0
	evDeviceSelection        = 1
	evDeviceFinished         = 2
	evDevicePrimarySelection = 3

	evOfferOffer = 0

	evSourceSend      = 0
	evSourceCancelled = 1
)

type kind int

const (
	kindDisplay kind = iota
	kindRegistry
	kindCallback
	kindSeat
	kindManager
	kindDevice
	kindOffer
	kindSource
)

type object struct {
	kind   kind
	device DeviceHandler
	source SourceHandler
	done   *bool
	// dead objects were destroyed by us and wait for delete_id; their
	// events are drained but not delivered.
	dead bool
}

// Client is a connection to the compositor.
type Client struct {
	conn    *wire.Conn
	objects map[uint32]*object
	nextID  uint32
	free    []uint32

	registry   uint32
	globals    map[uint32]Global
	managerVer uint32
}

// Dial connects to the compositor named by the environment. A descriptor
// handed over in $WAYLAND_SOCKET takes precedence over the socket path.
func Dial() (*Client, error) {
	if s := os.Getenv("WAYLAND_SOCKET"); s != "" {
		fd, err := strconv.Atoi(s)
		if err != nil {
			return nil, fmt.Errorf("WAYLAND_SOCKET: %w", err)
		}
		_ = os.Unsetenv("WAYLAND_SOCKET")
		unix.CloseOnExec(fd)
		return NewClient(wire.New(fd)), nil
	}
	path, err := SocketPath()
	if err != nil {
		return nil, err
	}
	conn, err := wire.Dial(path)
	if err != nil {
		return nil, err
	}
	return NewClient(conn), nil
}

// NewClient wraps an established connection.
func NewClient(conn *wire.Conn) *Client {
	return &Client{
		conn:    conn,
		objects: map[uint32]*object{displayID: {kind: kindDisplay}},
		nextID:  displayID,
		globals: make(map[uint32]Global),
	}
}

// Fd returns the connection descriptor for poll(2).
func (c *Client) Fd() int { return c.conn.Fd() }

// Close closes the connection.
func (c *Client) Close() error { return c.conn.Close() }

// Flush writes all queued requests.
func (c *Client) Flush() error {
	err := c.conn.Flush()
	if errors.Is(err, io.EOF) {
		return ErrClosed
	}
	return err
}

// Dispatch reads whatever events are pending without blocking and delivers
// them.
func (c *Client) Dispatch() error {
	for {
		n, err := c.conn.Fill(false)
		if errors.Is(err, io.EOF) {
			return ErrClosed
		}
		if err != nil {
			return err
		}
		if n == 0 {
			break
		}
	}
	return c.dispatchPending()
}

// Roundtrip flushes pending requests and blocks until the compositor has
// processed them, delivering every event that arrives in the meantime.
// Handlers may call Roundtrip again.
func (c *Client) Roundtrip() error {
	done := false
	cb := c.newID()
	c.objects[cb] = &object{kind: kindCallback, done: &done}
	if err := c.send(message.New(displayID, opDisplaySync).PutUint32(cb)); err != nil {
		return err
	}
	if err := c.Flush(); err != nil {
		return err
	}
	for {
		if err := c.dispatchPending(); err != nil {
			return err
		}
		if done {
			return nil
		}
		_, err := c.conn.Fill(true)
		if errors.Is(err, io.EOF) {
			return ErrClosed
		}
		if err != nil {
			return err
		}
	}
}

// Globals returns the globals announced so far.
func (c *Client) Globals() []Global {
	out := make([]Global, 0, len(c.globals))
	for _, g := range c.globals {
		out = append(out, g)
	}
	return out
}

// DataControl fetches the registry and binds the data-control manager and
// the first seat.
func (c *Client) DataControl() (manager, seat uint32, err error) {
	c.registry = c.newID()
	c.objects[c.registry] = &object{kind: kindRegistry}
	if err := c.send(message.New(displayID, opDisplayGetRegistry).PutUint32(c.registry)); err != nil {
		return 0, 0, err
	}
	if err := c.Roundtrip(); err != nil {
		return 0, 0, err
	}

	var mg, sg *Global
	for name := range c.globals {
		g := c.globals[name]
		switch g.Interface {
		case ManagerInterface:
			mg = &g
		case SeatInterface:
			if sg == nil || g.Name < sg.Name {
				sg = &g
			}
		}
	}
	if mg == nil {
		return 0, 0, ErrNoManager
	}
	if sg == nil {
		return 0, 0, ErrNoSeat
	}

	c.managerVer = min(mg.Version, managerVersion)
	if manager, err = c.bind(*mg, c.managerVer, kindManager); err != nil {
		return 0, 0, err
	}
	if seat, err = c.bind(*sg, min(sg.Version, seatVersion), kindSeat); err != nil {
		return 0, 0, err
	}
	slog.Debug("bound data control", "manager_version", c.managerVer, "seat", sg.Name)
	return manager, seat, nil
}

// GetDataDevice creates the data device for seat and routes its events to h.
func (c *Client) GetDataDevice(manager, seat uint32, h DeviceHandler) (uint32, error) {
	id := c.newID()
	c.objects[id] = &object{kind: kindDevice, device: h}
	msg := message.New(manager, opManagerGetDataDevice).PutUint32(id).PutUint32(seat)
	return id, c.send(msg)
}

// CreateDataSource creates a data source whose events go to h.
func (c *Client) CreateDataSource(manager uint32, h SourceHandler) (uint32, error) {
	id := c.newID()
	c.objects[id] = &object{kind: kindSource, source: h}
	return id, c.send(message.New(manager, opManagerCreateDataSource).PutUint32(id))
}

// SourceOffer advertises mime on source.
func (c *Client) SourceOffer(source uint32, mime string) error {
	return c.send(message.New(source, opSourceOffer).PutString(mime))
}

// DestroySource destroys source.
func (c *Client) DestroySource(source uint32) error {
	if o, ok := c.objects[source]; ok {
		o.dead = true
		o.source = nil
	}
	return c.send(message.New(source, opSourceDestroy))
}

// SetSelection makes source the clipboard selection. Zero clears it.
func (c *Client) SetSelection(device, source uint32) error {
	return c.send(message.New(device, opDeviceSetSelection).PutUint32(source))
}

// SetPrimarySelection makes source the primary selection. Zero clears it.
func (c *Client) SetPrimarySelection(device, source uint32) error {
	if c.managerVer < 2 {
		return ErrNoPrimary
	}
	return c.send(message.New(device, opDeviceSetPrimarySelection).PutUint32(source))
}

// OfferReceive asks the owner of offer to write mime into fd. The caller
// keeps ownership of fd.
func (c *Client) OfferReceive(offer uint32, mime string, fd int) error {
	return c.send(message.New(offer, opOfferReceive).PutString(mime).PutFD(fd))
}

// DestroyOffer destroys offer.
func (c *Client) DestroyOffer(offer uint32) error {
	delete(c.objects, offer)
	return c.send(message.New(offer, opOfferDestroy))
}

func (c *Client) bind(g Global, version uint32, k kind) (uint32, error) {
	id := c.newID()
	c.objects[id] = &object{kind: k}
	msg := message.New(c.registry, opRegistryBind).
		PutUint32(g.Name).
		PutString(g.Interface).
		PutUint32(version).
		PutUint32(id)
	return id, c.send(msg)
}

func (c *Client) send(msg *message.Message) error {
	if err := c.conn.WriteMsg(msg); err != nil {
		return fmt.Errorf("request on object %d: %w", msg.Sender, err)
	}
	return nil
}

func (c *Client) newID() uint32 {
	if n := len(c.free); n > 0 {
		id := c.free[n-1]
		c.free = c.free[:n-1]
		return id
	}
	c.nextID++
	return c.nextID
}

func (c *Client) dispatchPending() error {
	for {
		msg, ok, err := c.conn.Next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := c.handle(msg); err != nil {
			return err
		}
	}
}

func (c *Client) handle(msg *message.Message) error {
	o, ok := c.objects[msg.Sender]
	if !ok {
		slog.Debug("event for unknown object", "object", msg.Sender, "opcode", msg.Opcode)
		return nil
	}
	d := msg.Decode()
	switch o.kind {
	case kindDisplay:
		return c.handleDisplay(msg.Opcode, d)
	case kindRegistry:
		return c.handleRegistry(msg.Opcode, d)
	case kindCallback:
		if msg.Opcode == evCallbackDone && o.done != nil {
			*o.done = true
			o.done = nil
			o.dead = true
		}
		return nil
	case kindDevice:
		return c.handleDevice(o, msg.Opcode, d)
	case kindOffer:
		if msg.Opcode != evOfferOffer || o.device == nil {
			return nil
		}
		mime, err := d.String()
		if err != nil {
			return err
		}
		return o.device.Offer(msg.Sender, mime)
	case kindSource:
		return c.handleSource(msg, o, d)
	}
	return nil
}

func (c *Client) handleDisplay(opcode uint16, d *message.Decoder) error {
	switch opcode {
	case evDisplayError:
		obj, _ := d.Uint32()
		code, _ := d.Uint32()
		text, _ := d.String()
		return &ProtocolError{Object: obj, Code: code, Message: text}
	case evDisplayDeleteID:
		id, err := d.Uint32()
		if err != nil {
			return err
		}
		delete(c.objects, id)
		if id < serverIDStart {
			c.free = append(c.free, id)
		}
	}
	return nil
}

func (c *Client) handleRegistry(opcode uint16, d *message.Decoder) error {
	switch opcode {
	case evRegistryGlobal:
		name, err := d.Uint32()
		if err != nil {
			return err
		}
		iface, err := d.String()
		if err != nil {
			return err
		}
		version, err := d.Uint32()
		if err != nil {
			return err
		}
		c.globals[name] = Global{Name: name, Interface: iface, Version: version}
	case evRegistryGlobalRemove:
		name, err := d.Uint32()
		if err != nil {
			return err
		}
		delete(c.globals, name)
	}
	return nil
}

func (c *Client) handleDevice(o *object, opcode uint16, d *message.Decoder) error {
	switch opcode {
	case evDeviceDataOffer:
		id, err := d.Uint32()
		if err != nil {
			return err
		}
		c.objects[id] = &object{kind: kindOffer, device: o.device}
		return o.device.DataOffer(id)
	case evDeviceSelection:
		id, err := d.Uint32()
		if err != nil {
			return err
		}
		return o.device.Selection(id)
	case evDevicePrimarySelection:
		id, err := d.Uint32()
		if err != nil {
			return err
		}
		return o.device.PrimarySelection(id)
	case evDeviceFinished:
		return ErrFinished
	}
	return nil
}

func (c *Client) handleSource(msg *message.Message, o *object, d *message.Decoder) error {
	switch msg.Opcode {
	case evSourceSend:
		mime, err := d.String()
		if err != nil {
			return err
		}
		fd, err := c.conn.TakeFD()
		if err != nil {
			return err
		}
		if o.dead || o.source == nil {
			_ = unix.Close(fd)
			return nil
		}
		return o.source.Send(msg.Sender, mime, fd)
	case evSourceCancelled:
		if o.dead || o.source == nil {
			return nil
		}
		return o.source.Cancelled(msg.Sender)
	}
	return nil
}
