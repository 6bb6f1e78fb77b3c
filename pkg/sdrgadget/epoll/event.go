package epoll

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

// Event is an eventfd-backed binary signal. The writer calls Set, the
// reader observes readiness through a Loop and calls Drain to reset it.
// Single-writer / single-reader discipline is assumed.
type Event struct {
	fd int
}

func NewEvent() (*Event, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("eventfd: %w", err)
	}

	return &Event{fd: fd}, nil
}

// FD exposes the descriptor for registration with a Loop.
func (e *Event) FD() int {
	return e.fd
}

// Set signals the event.
func (e *Event) Set() error {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)

	if _, err := unix.Write(e.fd, buf[:]); err != nil {
		return fmt.Errorf("write eventfd: %w", err)
	}

	return nil
}

// Drain consumes the pending signal so the event can be reused. Draining
// an event that is not set is a no-op, which lets the control thread reset
// a cancellation signal after joining an engine that may or may not have
// consumed it.
func (e *Event) Drain() error {
	var buf [8]byte

	if _, err := unix.Read(e.fd, buf[:]); err != nil && err != unix.EAGAIN {
		return fmt.Errorf("read eventfd: %w", err)
	}

	return nil
}

func (e *Event) Close() error {
	return unix.Close(e.fd)
}
