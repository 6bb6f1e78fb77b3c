package sdrgadget

import (
	"encoding/binary"
	"fmt"

	"github.com/sdrtools/sdrgadget/pkg/sdrgadget/engine"
)

// Vendor control protocol, carried in USB control transfers on ep0.
const (
	commandStart = 0x10
	commandStop  = 0x11

	targetRX = 0x00
	targetTX = 0x01
)

// startRequestSize is the fixed body of a START command: a 32-bit channel
// mask and a 32-bit buffer size in samples, little-endian.
const startRequestSize = 8

// startRequest is the decoded START command body. The buffer size must
// already include room for any timestamp the host interleaves with the
// samples; the gadget does not account for it.
type startRequest struct {
	Channels      uint32
	BufferSamples uint32
}

// decodeStartRequest rejects any payload that is not exactly the expected
// size, leaving engine state untouched for malformed requests.
func decodeStartRequest(data []byte) (startRequest, error) {
	if len(data) != startRequestSize {
		return startRequest{}, fmt.Errorf("bad start request: expected %d bytes, got %d", startRequestSize, len(data))
	}

	return startRequest{
		Channels:      binary.LittleEndian.Uint32(data[0:4]),
		BufferSamples: binary.LittleEndian.Uint32(data[4:8]),
	}, nil
}

// startDirection maps the wValue of a START transfer to the engine it
// targets: 1 selects TX, anything else RX.
func startDirection(value uint16) engine.Direction {
	if value == targetTX {
		return engine.TX
	}

	return engine.RX
}

// stopDirection maps the wValue of a STOP transfer: 0 selects RX,
// anything else TX.
func stopDirection(value uint16) engine.Direction {
	if value == targetRX {
		return engine.RX
	}

	return engine.TX
}
