// Package epoll provides the readiness multiplexer shared by the control
// plane and the streaming engines, plus the eventfd signal used for
// cross-thread cancellation.
//
// Each registered descriptor is associated with a small integer tag chosen
// by the caller; Wait reports the tags of ready descriptors and the caller
// dispatches over its own closed set of tag constants.
package epoll

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// maxEvents bounds how many ready descriptors one Wait call reports. Each
// loop in this program registers at most four sources.
const maxEvents = 8

// Loop is a single epoll instance. It is owned by one thread and is not
// safe for concurrent use.
type Loop struct {
	fd int
}

func NewLoop() (*Loop, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}

	return &Loop{fd: fd}, nil
}

// Register adds fd as a level-triggered read-readiness source identified by
// tag in subsequent Wait results.
func (l *Loop) Register(fd int, tag uint32) error {
	event := unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(fd),
		Pad:    int32(tag),
	}

	if err := unix.EpollCtl(l.fd, unix.EPOLL_CTL_ADD, fd, &event); err != nil {
		return fmt.Errorf("epoll_ctl add fd %d: %w", fd, err)
	}

	return nil
}

// Wait blocks for up to timeoutMillis for readiness and returns the tags of
// the ready sources, in kernel report order. A timeout yields an empty
// slice; callers treat it as a liveness heartbeat, not a failure.
func (l *Loop) Wait(timeoutMillis int) ([]uint32, error) {
	var events [maxEvents]unix.EpollEvent

	for {
		n, err := unix.EpollWait(l.fd, events[:], timeoutMillis)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("epoll_wait: %w", err)
		}

		tags := make([]uint32, n)
		for i := 0; i < n; i++ {
			tags[i] = uint32(events[i].Pad)
		}

		return tags, nil
	}
}

func (l *Loop) Close() error {
	return unix.Close(l.fd)
}
