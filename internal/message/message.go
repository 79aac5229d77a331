// Package message defines the Wayland wire encoding used by clipmon.
//
// Every message starts with an 8-byte header followed by 32-bit aligned
// arguments, all in host byte order:
//
//	[ object id : u32 ][ size << 16 | opcode : u32 ][ args ... ]
//
// Strings and arrays are length-prefixed and padded to 4 bytes. File
// descriptors travel out of band (SCM_RIGHTS) and are carried in FDs.
package message

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// HeaderSize is the size of the fixed message header in bytes.
const HeaderSize = 8

// MaxSize is the largest message the protocol can express.
const MaxSize = 4096

var order = binary.NativeEndian

// ErrShort is returned when a buffer ends before a complete value.
var ErrShort = errors.New("message: short buffer")

// Message is a single request or event.
type Message struct {
	Sender uint32
	Opcode uint16
	Args   []byte
	FDs    []int
}

// New starts a request from sender with the given opcode.
func New(sender uint32, opcode uint16) *Message {
	return &Message{Sender: sender, Opcode: opcode}
}

// PutUint32 appends an uint, object or new_id argument.
func (m *Message) PutUint32(v uint32) *Message {
	m.Args = order.AppendUint32(m.Args, v)
	return m
}

// PutInt32 appends an int argument.
func (m *Message) PutInt32(v int32) *Message {
	return m.PutUint32(uint32(v))
}

// PutString appends a string argument including its NUL terminator.
func (m *Message) PutString(s string) *Message {
	m.Args = order.AppendUint32(m.Args, uint32(len(s)+1))
	m.Args = append(m.Args, s...)
	m.Args = append(m.Args, 0)
	m.Args = append(m.Args, make([]byte, pad(len(s)+1))...)
	return m
}

// PutFD attaches a file descriptor argument.
func (m *Message) PutFD(fd int) *Message {
	m.FDs = append(m.FDs, fd)
	return m
}

// Size returns the encoded length including the header.
func (m *Message) Size() int { return HeaderSize + len(m.Args) }

// Encode appends the header and arguments to dst.
func (m *Message) Encode(dst []byte) ([]byte, error) {
	size := m.Size()
	if size > MaxSize {
		return dst, fmt.Errorf("message too large (%d bytes)", size)
	}
	dst = order.AppendUint32(dst, m.Sender)
	dst = order.AppendUint32(dst, uint32(size)<<16|uint32(m.Opcode))
	return append(dst, m.Args...), nil
}

// Header parses the header at the start of b, returning the sender, opcode
// and total size. It returns ErrShort if b holds less than a header.
func Header(b []byte) (sender uint32, opcode uint16, size int, err error) {
	if len(b) < HeaderSize {
		return 0, 0, 0, ErrShort
	}
	sender = order.Uint32(b)
	word := order.Uint32(b[4:])
	size = int(word >> 16)
	if size < HeaderSize {
		return 0, 0, 0, fmt.Errorf("message: invalid size %d", size)
	}
	return sender, uint16(word), size, nil
}

// Decoder reads arguments of an incoming event in order.
type Decoder struct {
	msg *Message
	off int
	fds int
}

// Decode returns a Decoder over m's arguments.
func (m *Message) Decode() *Decoder { return &Decoder{msg: m} }

// Uint32 reads an uint, object or new_id argument.
func (d *Decoder) Uint32() (uint32, error) {
	if len(d.msg.Args)-d.off < 4 {
		return 0, ErrShort
	}
	v := order.Uint32(d.msg.Args[d.off:])
	d.off += 4
	return v, nil
}

// Int32 reads an int argument.
func (d *Decoder) Int32() (int32, error) {
	v, err := d.Uint32()
	return int32(v), err
}

// String reads a string argument. A null string decodes as "".
func (d *Decoder) String() (string, error) {
	n, err := d.Uint32()
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "", nil
	}
	padded := int(n) + pad(int(n))
	if len(d.msg.Args)-d.off < padded {
		return "", ErrShort
	}
	s := string(d.msg.Args[d.off : d.off+int(n)-1])
	d.off += padded
	return s, nil
}

// FD takes the next file descriptor attached to the message.
func (d *Decoder) FD() (int, error) {
	if d.fds >= len(d.msg.FDs) {
		return -1, fmt.Errorf("message: missing fd argument")
	}
	fd := d.msg.FDs[d.fds]
	d.fds++
	return fd, nil
}

func pad(n int) int { return (4 - n%4) % 4 }
