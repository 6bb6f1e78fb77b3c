// Package usbbuf manages the fixed set of transfer buffers shared between
// a streaming engine's hardware refill path and its in-flight AIO requests.
//
// Slot residency is an explicit state held by the pool: a slot is either
// Free or InFlight, and the transitions are checked, so a buffer cannot be
// submitted twice or recycled while the kernel may still write into it.
package usbbuf

import (
	"fmt"

	"github.com/sdrtools/sdrgadget/pkg/sdrgadget/aio"
)

// SlotID identifies one transfer buffer within its pool.
type SlotID uint32

// Residency is the ownership state of a slot.
type Residency uint8

const (
	// Free: the slot is owned by the free-list (or, for TX, momentarily by
	// the completion handler) and the kernel holds no reference to it.
	Free Residency = iota

	// InFlight: the slot's control block has been submitted and the kernel
	// may read or write the buffer until a completion is reaped for it.
	InFlight
)

// slot pairs a byte buffer with the AIO control block bound to it.
type slot struct {
	data      []byte
	cb        aio.ControlBlock
	residency Residency
}

// AsyncContext is the kernel-side object whose destruction makes freeing
// buffer memory safe. Satisfied by *aio.Queue.
type AsyncContext interface {
	Destroyed() bool
}

// Pool is a fixed set of equally sized transfer buffers, allocated once at
// engine start and released only after the AIO context is gone.
type Pool struct {
	slots []slot
	size  int
	torn  bool
}

// NewPool allocates count buffers of size bytes, each prepared for an op
// transfer against fd with completion notification on notifyFD. All slots
// start Free.
func NewPool(count, size int, op aio.Op, fd, notifyFD int) (*Pool, error) {
	if count <= 0 || size <= 0 {
		return nil, fmt.Errorf("invalid pool geometry: count %d, size %d", count, size)
	}

	p := &Pool{
		slots: make([]slot, count),
		size:  size,
	}

	for i := range p.slots {
		p.slots[i].data = make([]byte, size)
		p.slots[i].cb.Prepare(op, fd, p.slots[i].data, uint32(i), notifyFD)
	}

	return p, nil
}

// Capacity returns the number of slots.
func (p *Pool) Capacity() int {
	return len(p.slots)
}

// BufferSize returns the byte size of each slot's buffer.
func (p *Pool) BufferSize() int {
	return p.size
}

// Bytes returns the backing buffer of a slot.
func (p *Pool) Bytes(id SlotID) []byte {
	return p.slots[id].data
}

// ControlBlock returns the AIO control block bound to a slot, for
// submission to the queue.
func (p *Pool) ControlBlock(id SlotID) *aio.ControlBlock {
	return &p.slots[id].cb
}

// Residency reports the current ownership state of a slot.
func (p *Pool) Residency(id SlotID) Residency {
	return p.slots[id].residency
}

// InFlightCount returns how many slots are currently submitted.
func (p *Pool) InFlightCount() int {
	n := 0
	for i := range p.slots {
		if p.slots[i].residency == InFlight {
			n++
		}
	}

	return n
}

// MarkInFlight transitions a slot from Free to InFlight. Submitting a slot
// that is already in flight is a programming error and is refused.
func (p *Pool) MarkInFlight(id SlotID) error {
	if int(id) >= len(p.slots) {
		return fmt.Errorf("slot %d out of range", id)
	}
	if p.slots[id].residency == InFlight {
		return fmt.Errorf("slot %d already in flight", id)
	}

	p.slots[id].residency = InFlight

	return nil
}

// Release transitions a slot from InFlight back to Free after its
// completion has been reaped.
func (p *Pool) Release(id SlotID) error {
	if int(id) >= len(p.slots) {
		return fmt.Errorf("slot %d out of range", id)
	}
	if p.slots[id].residency != InFlight {
		return fmt.Errorf("slot %d is not in flight", id)
	}

	p.slots[id].residency = Free

	return nil
}

// Teardown releases all buffer memory. It must only be called once the
// owning AIO context has been destroyed; until then the kernel may still
// reference the buffers of in-flight slots.
func (p *Pool) Teardown(ctx AsyncContext) error {
	if p.torn {
		return nil
	}
	if ctx != nil && !ctx.Destroyed() {
		return fmt.Errorf("async context still live, refusing to release %d buffers", len(p.slots))
	}

	for i := range p.slots {
		p.slots[i].data = nil
		p.slots[i].residency = Free
	}

	p.torn = true

	return nil
}
