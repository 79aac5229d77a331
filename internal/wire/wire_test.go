package wire

import (
	"errors"
	"io"
	"os"
	"testing"

	"golang.org/x/sys/unix"

	"go.klb.dev/clipmon/internal/message"
)

func pair(t *testing.T) (*Conn, *Conn) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatal(err)
	}
	a, b := New(fds[0]), New(fds[1])
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})
	return a, b
}

func TestRoundTripWithFD(t *testing.T) {
	a, b := pair(t)

	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_CLOEXEC); err != nil {
		t.Fatal(err)
	}
	r := os.NewFile(uintptr(p[0]), "r")
	defer r.Close()

	msgs := []*message.Message{
		message.New(3, 0).PutString("text/plain").PutFD(p[1]),
		message.New(4, 2).PutUint32(42),
	}
	for _, m := range msgs {
		if err := a.WriteMsg(m); err != nil {
			t.Fatal(err)
		}
	}
	// WriteMsg duplicated the descriptor.
	if err := unix.Close(p[1]); err != nil {
		t.Fatal(err)
	}
	if err := a.Flush(); err != nil {
		t.Fatal(err)
	}

	if _, err := b.Fill(true); err != nil {
		t.Fatal(err)
	}
	first, ok, err := b.Next()
	if err != nil || !ok {
		t.Fatalf("Next = %v, %v", ok, err)
	}
	if first.Sender != 3 || first.Opcode != 0 {
		t.Errorf("header = %d/%d", first.Sender, first.Opcode)
	}
	if s, _ := first.Decode().String(); s != "text/plain" {
		t.Errorf("string = %q", s)
	}
	fd, err := b.TakeFD()
	if err != nil {
		t.Fatal(err)
	}
	w := os.NewFile(uintptr(fd), "w")
	if _, err := w.Write([]byte("via fd")); err != nil {
		t.Fatal(err)
	}
	_ = w.Close()
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "via fd" {
		t.Errorf("pipe = %q", got)
	}

	second, ok, err := b.Next()
	if err != nil || !ok {
		t.Fatalf("Next = %v, %v", ok, err)
	}
	if v, _ := second.Decode().Uint32(); second.Sender != 4 || second.Opcode != 2 || v != 42 {
		t.Errorf("second = %+v (arg %d)", second, v)
	}
	if _, ok, _ := b.Next(); ok {
		t.Error("Next returned a message from an empty buffer")
	}
	if _, err := b.TakeFD(); err == nil {
		t.Error("TakeFD succeeded with no descriptors queued")
	}
}

func TestPartialMessage(t *testing.T) {
	a, b := pair(t)
	raw, err := message.New(9, 1).PutString("abcdef").Encode(nil)
	if err != nil {
		t.Fatal(err)
	}

	for _, chunk := range [][]byte{raw[:5], raw[5:11], raw[11:]} {
		if _, ok := peek(t, b); ok {
			t.Fatal("message decoded before all bytes arrived")
		}
		if _, err := unix.Write(a.Fd(), chunk); err != nil {
			t.Fatal(err)
		}
		if _, err := b.Fill(true); err != nil {
			t.Fatal(err)
		}
	}
	msg, ok := peek(t, b)
	if !ok {
		t.Fatal("complete message not decoded")
	}
	if s, _ := msg.Decode().String(); s != "abcdef" {
		t.Errorf("string = %q", s)
	}
}

func peek(t *testing.T, c *Conn) (*message.Message, bool) {
	t.Helper()
	msg, ok, err := c.Next()
	if err != nil {
		t.Fatal(err)
	}
	return msg, ok
}

func TestFillNonBlocking(t *testing.T) {
	_, b := pair(t)
	n, err := b.Fill(false)
	if n != 0 || err != nil {
		t.Errorf("Fill(false) = %d, %v on an idle socket", n, err)
	}
}

func TestPeerClosed(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatal(err)
	}
	c := New(fds[0])
	defer c.Close()
	_ = unix.Close(fds[1])

	if _, err := c.Fill(true); !errors.Is(err, io.EOF) {
		t.Errorf("Fill = %v, want io.EOF", err)
	}
	if err := c.WriteMsg(message.New(1, 0).PutUint32(2)); err != nil {
		t.Fatal(err)
	}
	if err := c.Flush(); !errors.Is(err, io.EOF) {
		t.Errorf("Flush = %v, want io.EOF", err)
	}
}
