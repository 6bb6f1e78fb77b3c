// Package stream abstracts the SDR sample source/sink the engines move data
// against. The engines only see the Device and Buffer interfaces; the
// concrete implementation talks to the Linux IIO subsystem.
package stream

// Device is one direction's streaming hardware.
type Device interface {
	// CreateBuffer enables the channels selected by mask (bit i enables
	// channel i) and allocates a hardware buffer of the given sample count.
	CreateBuffer(mask uint32, samples int) (Buffer, error)

	// Close releases the device context. Buffers must be destroyed first.
	Close() error
}

// Buffer is one hardware sample buffer plus its transfer operations.
type Buffer interface {
	// Refill blocks until the hardware has filled the buffer with captured
	// samples and returns the byte count read.
	Refill() (int, error)

	// Push blocks until the hardware has accepted the buffer contents for
	// transmission and returns the byte count written. A short count means
	// the sink could not take a full buffer in time.
	Push() (int, error)

	// Step returns the byte stride of one sample across all enabled
	// channels.
	Step() int

	// Bytes exposes the buffer's backing memory.
	Bytes() []byte

	// PollFD returns a descriptor that becomes read-ready when captured
	// samples are available (RX only).
	PollFD() int

	// Destroy releases the buffer and disables its channels.
	Destroy() error
}
