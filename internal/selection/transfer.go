package selection

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

const (
	readChunk = 4096
	// pollInterval caps how long an empty pipe is waited on between two
	// protocol pumps.
	pollInterval = 10 * time.Millisecond
)

// openPipe returns a pipe whose read end is non-blocking. The write end
// stays blocking because it is handed to another application.
func openPipe() (r, w int, err error) {
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_CLOEXEC); err != nil {
		return -1, -1, fmt.Errorf("pipe: %w", err)
	}
	if err := unix.SetNonblock(p[0], true); err != nil {
		_ = unix.Close(p[0])
		_ = unix.Close(p[1])
		return -1, -1, fmt.Errorf("pipe nonblock: %w", err)
	}
	return p[0], p[1], nil
}

// drain reads fd until end of stream. The writer only makes progress while
// we process protocol events, so every empty read runs pump once. The
// deadline counts from start and is checked after every read attempt; on
// expiry drain returns what it has together with ErrTimeout.
func drain(fd int, start time.Time, timeout time.Duration, pump func() error) ([]byte, error) {
	var buf []byte
	chunk := make([]byte, readChunk)
	for {
		n, err := unix.Read(fd, chunk)
		switch {
		case errors.Is(err, unix.EINTR):
		case errors.Is(err, unix.EAGAIN):
			if err := pump(); err != nil {
				return buf, err
			}
			waitReadable(fd, min(pollInterval, time.Until(start.Add(timeout))))
		case err != nil:
			return buf, fmt.Errorf("read pipe: %w", err)
		case n == 0:
			return buf, nil
		default:
			buf = append(buf, chunk[:n]...)
		}
		if time.Since(start) > timeout {
			return buf, ErrTimeout
		}
	}
}

func waitReadable(fd int, d time.Duration) {
	if d <= 0 {
		return
	}
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	_, _ = unix.Poll(fds, int(d.Milliseconds()))
}
