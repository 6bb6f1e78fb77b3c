package functionfs

import (
	"bytes"
	"encoding/binary"
)

// FunctionFS framing constants from linux/usb/functionfs.h.
const (
	descriptorsMagicV2 = 3
	stringsMagic       = 2

	hasFSDesc = 1 << 0
	hasHSDesc = 1 << 1
)

// USB descriptor constants.
const (
	interfaceDescType = 0x04
	endpointDescType  = 0x05

	interfaceDescLen = 9
	endpointDescLen  = 7 // no-audio variant

	classVendorSpecific = 0xff
	dirIn               = 0x80
	xferBulk            = 0x02

	// MaxBulkPacketHS is the high-speed bulk endpoint max packet size.
	MaxBulkPacketHS = 512

	langEnglishUS = 0x0409
)

// InterfaceName is the single entry in the gadget's string table.
const InterfaceName = "sdrgadget"

// writeInterfaceDesc appends the vendor-specific interface descriptor:
// two bulk endpoints, interface string index 1.
func writeInterfaceDesc(b *bytes.Buffer) {
	b.WriteByte(interfaceDescLen)
	b.WriteByte(interfaceDescType)
	b.WriteByte(0) // bInterfaceNumber
	b.WriteByte(0) // bAlternateSetting
	b.WriteByte(2) // bNumEndpoints
	b.WriteByte(classVendorSpecific)
	b.WriteByte(0) // bInterfaceSubClass
	b.WriteByte(0) // bInterfaceProtocol
	b.WriteByte(1) // iInterface
}

// writeEndpointDesc appends one bulk endpoint descriptor. maxPacket is zero
// for the full-speed set, where the kernel picks the size.
func writeEndpointDesc(b *bytes.Buffer, address uint8, maxPacket uint16) {
	b.WriteByte(endpointDescLen)
	b.WriteByte(endpointDescType)
	b.WriteByte(address)
	b.WriteByte(xferBulk)
	_ = binary.Write(b, binary.LittleEndian, maxPacket)
	b.WriteByte(0) // bInterval
}

// writeSpeedDescs appends one speed's descriptor set: the interface plus
// bulk-in (ep1) and bulk-out (ep2).
func writeSpeedDescs(b *bytes.Buffer, maxPacket uint16) {
	writeInterfaceDesc(b)
	writeEndpointDesc(b, 1|dirIn, maxPacket)
	writeEndpointDesc(b, 2, maxPacket)
}

// DescriptorBlob builds the FunctionFS v2 descriptor block: full-speed and
// high-speed sets of one vendor interface with bulk-in and bulk-out
// endpoints.
func DescriptorBlob() []byte {
	var body bytes.Buffer

	_ = binary.Write(&body, binary.LittleEndian, uint32(3)) // fs_count
	_ = binary.Write(&body, binary.LittleEndian, uint32(3)) // hs_count
	writeSpeedDescs(&body, 0)
	writeSpeedDescs(&body, MaxBulkPacketHS)

	var blob bytes.Buffer

	_ = binary.Write(&blob, binary.LittleEndian, uint32(descriptorsMagicV2))
	_ = binary.Write(&blob, binary.LittleEndian, uint32(12+body.Len())) // total length incl. header
	_ = binary.Write(&blob, binary.LittleEndian, uint32(hasFSDesc|hasHSDesc))
	blob.Write(body.Bytes())

	return blob.Bytes()
}

// StringsBlob builds the FunctionFS string table: a single en-US language
// with the interface name.
func StringsBlob() []byte {
	var body bytes.Buffer

	_ = binary.Write(&body, binary.LittleEndian, uint16(langEnglishUS))
	body.WriteString(InterfaceName)
	body.WriteByte(0)

	var blob bytes.Buffer

	_ = binary.Write(&blob, binary.LittleEndian, uint32(stringsMagic))
	_ = binary.Write(&blob, binary.LittleEndian, uint32(16+body.Len()))
	_ = binary.Write(&blob, binary.LittleEndian, uint32(1)) // str_count
	_ = binary.Write(&blob, binary.LittleEndian, uint32(1)) // lang_count
	blob.Write(body.Bytes())

	return blob.Bytes()
}
