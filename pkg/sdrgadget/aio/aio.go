// Package aio wraps the Linux native AIO syscalls (io_setup, io_submit,
// io_getevents, io_destroy) for bulk endpoint transfers. Completion
// notification is delivered through an eventfd so the queue can be waited on
// alongside other readiness sources.
//
// Each control block carries the owning buffer slot in its data word; a
// Completion hands that slot back, so buffer identity survives the round
// trip through the kernel without pointer tricks.
package aio

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Op selects the transfer direction of a control block.
type Op uint16

const (
	// OpRead reads from the endpoint into the buffer (IOCB_CMD_PREAD).
	OpRead Op = 0
	// OpWrite writes the buffer to the endpoint (IOCB_CMD_PWRITE).
	OpWrite Op = 1
)

const flagResfd = 1 // IOCB_FLAG_RESFD

// ControlBlock mirrors the kernel's struct iocb (64 bytes). It must not be
// moved or freed while submitted; the buffer pool owns control blocks for
// the lifetime of a session.
type ControlBlock struct {
	data     uint64
	key      uint32
	rwFlags  uint32
	opcode   uint16
	reqPrio  int16
	fd       uint32
	buf      uint64
	nbytes   uint64
	offset   int64
	reserved uint64
	flags    uint32
	resfd    uint32
}

// Prepare fills cb for a transfer of the whole of buf against fd, tags it
// with slot and arms eventfd completion notification on notifyFD.
func (cb *ControlBlock) Prepare(op Op, fd int, buf []byte, slot uint32, notifyFD int) {
	*cb = ControlBlock{
		data:   uint64(slot),
		opcode: uint16(op),
		fd:     uint32(fd),
		buf:    uint64(uintptr(unsafe.Pointer(&buf[0]))),
		nbytes: uint64(len(buf)),
		flags:  flagResfd,
		resfd:  uint32(notifyFD),
	}
}

// Slot returns the buffer slot this control block was prepared with.
func (cb *ControlBlock) Slot() uint32 {
	return uint32(cb.data)
}

// Completion is one completed transfer as reported by io_getevents.
type Completion struct {
	// Slot is the buffer slot tag from the submitted control block.
	Slot uint32

	// Result is the transferred byte count, or a negated errno on failure.
	Result int64

	// Result2 is the kernel's secondary status word.
	Result2 int64
}

// Err maps a negative result to its errno. A short-but-successful transfer
// is not an error at this level; callers compare Result against the
// expected size themselves.
func (c Completion) Err() error {
	if c.Result < 0 {
		return unix.Errno(-c.Result)
	}

	return nil
}

// ioEvent mirrors the kernel's struct io_event (32 bytes).
type ioEvent struct {
	data uint64
	obj  uint64
	res  int64
	res2 int64
}

// Queue is one kernel AIO context. It is owned by a single engine thread
// and is not safe for concurrent use.
type Queue struct {
	ctx       uintptr // aio_context_t
	depth     int
	destroyed bool
}

// NewQueue creates an AIO context able to track up to depth in-flight
// transfers.
func NewQueue(depth int) (*Queue, error) {
	q := &Queue{depth: depth}

	_, _, errno := unix.Syscall(unix.SYS_IO_SETUP, uintptr(depth), uintptr(unsafe.Pointer(&q.ctx)), 0)
	if errno != 0 {
		return nil, fmt.Errorf("io_setup for %d requests: %w", depth, errno)
	}

	return q, nil
}

// Submit queues the given control blocks. All-or-nothing from the caller's
// perspective: a partial submission is reported as an error.
func (q *Queue) Submit(cbs ...*ControlBlock) error {
	ptrs := make([]*ControlBlock, len(cbs))
	copy(ptrs, cbs)

	n, _, errno := unix.Syscall(unix.SYS_IO_SUBMIT, q.ctx, uintptr(len(ptrs)), uintptr(unsafe.Pointer(&ptrs[0])))
	if errno != 0 {
		return fmt.Errorf("io_submit: %w", errno)
	}
	if int(n) != len(ptrs) {
		return fmt.Errorf("io_submit accepted %d of %d requests", n, len(ptrs))
	}

	return nil
}

// Completions collects every transfer that has already completed, without
// blocking. It requires at least one to be pending, which holds whenever the
// notification eventfd has fired.
func (q *Queue) Completions() ([]Completion, error) {
	events := make([]ioEvent, q.depth)
	timeout := unix.Timespec{} // zero: poll only

	n, _, errno := unix.Syscall6(unix.SYS_IO_GETEVENTS,
		q.ctx,
		1,
		uintptr(len(events)),
		uintptr(unsafe.Pointer(&events[0])),
		uintptr(unsafe.Pointer(&timeout)),
		0)
	if errno != 0 {
		return nil, fmt.Errorf("io_getevents: %w", errno)
	}

	completions := make([]Completion, n)
	for i := uintptr(0); i < n; i++ {
		completions[i] = Completion{
			Slot:    uint32(events[i].data),
			Result:  events[i].res,
			Result2: events[i].res2,
		}
	}

	return completions, nil
}

// Destroy tears down the AIO context, cancelling any still-pending
// transfers. After Destroy returns the kernel no longer references any
// submitted buffer memory, which is what makes releasing the buffer pool
// safe.
func (q *Queue) Destroy() error {
	if q.destroyed {
		return nil
	}

	_, _, errno := unix.Syscall(unix.SYS_IO_DESTROY, q.ctx, 0, 0)
	if errno != 0 {
		return fmt.Errorf("io_destroy: %w", errno)
	}

	q.destroyed = true

	return nil
}

// Destroyed reports whether Destroy has completed on this queue.
func (q *Queue) Destroyed() bool {
	return q.destroyed
}
