// Package wire moves Wayland messages over a Unix stream socket, including
// the file descriptors that travel alongside them as SCM_RIGHTS ancillary
// data.
//
// Outgoing messages are buffered until Flush. Incoming bytes are buffered by
// Fill and split into messages by Next; descriptors received on the socket
// are queued in arrival order and claimed with TakeFD by whoever decodes an
// fd argument.
package wire

import (
	"errors"
	"fmt"
	"io"

	"golang.org/x/sys/unix"

	"go.klb.dev/clipmon/internal/message"
)

const (
	readBufSize = 64 * 1024
	// maxFDs matches libwayland's per-sendmsg descriptor limit.
	maxFDs = 28
)

// Conn wraps a connected AF_UNIX stream socket.
type Conn struct {
	fd     int
	out    []byte
	outFDs []int
	in     []byte
	inFDs  []int
	rbuf   []byte
	oob    []byte
}

// Dial connects to the Unix socket at path.
func Dial(path string) (*Conn, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}
	if err := unix.Connect(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("connect %s: %w", path, err)
	}
	return New(fd), nil
}

// New wraps an already connected socket. The Conn takes ownership of fd.
func New(fd int) *Conn {
	return &Conn{
		fd:   fd,
		rbuf: make([]byte, readBufSize),
		oob:  make([]byte, unix.CmsgSpace(maxFDs*4)),
	}
}

// Fd returns the socket descriptor for use with poll(2).
func (c *Conn) Fd() int { return c.fd }

// WriteMsg queues msg for the next Flush. Attached descriptors are
// duplicated, so the caller keeps ownership of the originals.
func (c *Conn) WriteMsg(msg *message.Message) error {
	if len(msg.FDs) > 0 && len(c.outFDs)+len(msg.FDs) > maxFDs {
		if err := c.Flush(); err != nil {
			return err
		}
	}
	out, err := msg.Encode(c.out)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	for _, fd := range msg.FDs {
		dup, err := unix.FcntlInt(uintptr(fd), unix.F_DUPFD_CLOEXEC, 0)
		if err != nil {
			return fmt.Errorf("dup fd %d: %w", fd, err)
		}
		c.outFDs = append(c.outFDs, dup)
	}
	c.out = out
	return nil
}

// Flush writes all queued messages. Descriptors are sent with the first
// chunk and closed locally once the kernel has them. A peer that went away
// yields io.EOF.
func (c *Conn) Flush() error {
	for len(c.out) > 0 {
		var oob []byte
		if len(c.outFDs) > 0 {
			oob = unix.UnixRights(c.outFDs...)
		}
		n, err := unix.SendmsgN(c.fd, c.out, oob, nil, unix.MSG_NOSIGNAL)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			if err := c.wait(unix.POLLOUT); err != nil {
				return err
			}
			continue
		case errors.Is(err, unix.EPIPE), errors.Is(err, unix.ECONNRESET):
			return io.EOF
		case err != nil:
			return fmt.Errorf("sendmsg: %w", err)
		}
		closeFDs(c.outFDs)
		c.outFDs = c.outFDs[:0]
		c.out = c.out[n:]
	}
	c.out = c.out[:0]
	return nil
}

// Fill reads whatever the socket has into the input buffer. When block is
// false and nothing is pending it returns 0, nil. A closed peer yields
// io.EOF.
func (c *Conn) Fill(block bool) (int, error) {
	flags := unix.MSG_CMSG_CLOEXEC
	if !block {
		flags |= unix.MSG_DONTWAIT
	}
	for {
		n, oobn, _, _, err := unix.Recvmsg(c.fd, c.rbuf, c.oob, flags)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if errors.Is(err, unix.EAGAIN) {
			return 0, nil
		}
		if err != nil {
			return 0, fmt.Errorf("recvmsg: %w", err)
		}
		if oobn > 0 {
			if err := c.queueRights(c.oob[:oobn]); err != nil {
				return 0, err
			}
		}
		if n == 0 {
			return 0, io.EOF
		}
		c.in = append(c.in, c.rbuf[:n]...)
		return n, nil
	}
}

// Next pops one complete message from the input buffer. ok is false when
// the buffer holds only a partial message.
func (c *Conn) Next() (msg *message.Message, ok bool, err error) {
	sender, opcode, size, err := message.Header(c.in)
	if errors.Is(err, message.ErrShort) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if len(c.in) < size {
		return nil, false, nil
	}
	args := make([]byte, size-message.HeaderSize)
	copy(args, c.in[message.HeaderSize:size])
	c.in = c.in[size:]
	return &message.Message{Sender: sender, Opcode: opcode, Args: args}, true, nil
}

// TakeFD claims the oldest received descriptor.
func (c *Conn) TakeFD() (int, error) {
	if len(c.inFDs) == 0 {
		return -1, errors.New("wire: no file descriptor received")
	}
	fd := c.inFDs[0]
	c.inFDs = c.inFDs[1:]
	return fd, nil
}

// Close closes the socket and any descriptors nobody claimed.
func (c *Conn) Close() error {
	closeFDs(c.inFDs)
	closeFDs(c.outFDs)
	c.inFDs, c.outFDs = nil, nil
	return unix.Close(c.fd)
}

func (c *Conn) queueRights(oob []byte) error {
	cmsgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return fmt.Errorf("parse control message: %w", err)
	}
	for i := range cmsgs {
		fds, err := unix.ParseUnixRights(&cmsgs[i])
		if err != nil {
			continue
		}
		c.inFDs = append(c.inFDs, fds...)
	}
	return nil
}

func (c *Conn) wait(events int16) error {
	fds := []unix.PollFd{{Fd: int32(c.fd), Events: events}}
	for {
		_, err := unix.Poll(fds, -1)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		return err
	}
}

func closeFDs(fds []int) {
	for _, fd := range fds {
		_ = unix.Close(fd)
	}
}
