package functionfs

import (
	"encoding/binary"
	"fmt"
	"io"
)

// EventType enumerates the events FunctionFS delivers on ep0, matching
// enum usb_functionfs_event_type.
type EventType uint8

const (
	EventBind EventType = iota
	EventUnbind
	EventEnable
	EventDisable
	EventSetup
	EventSuspend
	EventResume
)

func (t EventType) String() string {
	switch t {
	case EventBind:
		return "BIND"
	case EventUnbind:
		return "UNBIND"
	case EventEnable:
		return "ENABLE"
	case EventDisable:
		return "DISABLE"
	case EventSetup:
		return "SETUP"
	case EventSuspend:
		return "SUSPEND"
	case EventResume:
		return "RESUME"
	default:
		return "UNKNOWN"
	}
}

// SetupRequest is the control-transfer setup packet carried by SETUP
// events, matching struct usb_ctrlrequest.
type SetupRequest struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Length      uint16
}

// DirectionIn reports whether the host expects data from the device.
func (s SetupRequest) DirectionIn() bool {
	return s.RequestType&dirIn != 0
}

// Event is one decoded ep0 event. Setup is meaningful only when Type is
// EventSetup.
type Event struct {
	Type  EventType
	Setup SetupRequest
}

// eventSize is sizeof(struct usb_functionfs_event): the 8-byte setup union,
// the type byte and 3 bytes of padding.
const eventSize = 12

// ReadEvent reads and decodes exactly one event from ep0.
func ReadEvent(ep0 io.Reader) (Event, error) {
	var raw [eventSize]byte

	n, err := io.ReadFull(ep0, raw[:])
	if err != nil {
		return Event{}, fmt.Errorf("read ep0 event: %w", err)
	}
	if n != eventSize {
		return Event{}, fmt.Errorf("short ep0 event: %d bytes", n)
	}

	return Event{
		Type: EventType(raw[8]),
		Setup: SetupRequest{
			RequestType: raw[0],
			Request:     raw[1],
			Value:       binary.LittleEndian.Uint16(raw[2:4]),
			Index:       binary.LittleEndian.Uint16(raw[4:6]),
			Length:      binary.LittleEndian.Uint16(raw[6:8]),
		},
	}, nil
}
