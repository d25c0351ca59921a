package ata

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// IdentifyBytes is the size of the IDENTIFY (and IDENTIFY PACKET) response.
const IdentifyBytes = 512

// Word offsets of the IDENTIFY fields this driver consumes. Offsets are in
// 16-bit words per ACS; see the word map in the standard.
const (
	wordSerial      = 10  // words 10-19
	wordFirmware    = 23  // words 23-26
	wordModel       = 27  // words 27-46
	wordLBA28       = 60  // words 60-61
	wordQueueDepth  = 75  // bits 4:0 = depth - 1
	wordSATACaps    = 76  // bit 8 = NCQ supported
	wordFeatures83  = 83  // bit 10 = LBA48
	wordFeatures85  = 85  // bit 5 = write cache, bit 4 = read look-ahead
	wordFeatures86  = 86  // bit 10 = LBA48 enabled
	wordFeatures87  = 87  // bit 14 = words 85-87 valid
	wordLBA48       = 100 // words 100-103
	identifyWords   = 256
	serialWordLen   = 10
	firmwareWordLen = 4
	modelWordLen    = 20
)

// Feature bits.
const (
	Features86LBA48 uint16 = 1 << 10
	SATACapNCQ      uint16 = 1 << 8
	QueueDepthMask  uint16 = 0x1F
)

// IdentifyData is the decoded IDENTIFY DEVICE response. Strings are kept
// in wire order (each 16-bit word byte-swapped); use the accessor methods
// to get readable text.
type IdentifyData struct {
	Serial       [2 * serialWordLen]byte
	Firmware     [2 * firmwareWordLen]byte
	Model        [2 * modelWordLen]byte
	LBA28Sectors uint32
	QueueDepth   uint16
	SATACaps     uint16
	Features83   uint16
	Features85   uint16
	Features86   uint16
	Features87   uint16
	LBA48Sectors uint64
}

// ParseIdentify decodes a raw IDENTIFY response.
func ParseIdentify(b []byte) (*IdentifyData, error) {
	if len(b) != IdentifyBytes {
		return nil, fmt.Errorf("ata: identify data is %d bytes, want %d", len(b), IdentifyBytes)
	}
	id := &IdentifyData{}
	copy(id.Serial[:], b[2*wordSerial:])
	copy(id.Firmware[:], b[2*wordFirmware:])
	copy(id.Model[:], b[2*wordModel:])
	id.LBA28Sectors = binary.LittleEndian.Uint32(b[2*wordLBA28:])
	id.QueueDepth = binary.LittleEndian.Uint16(b[2*wordQueueDepth:])
	id.SATACaps = binary.LittleEndian.Uint16(b[2*wordSATACaps:])
	id.Features83 = binary.LittleEndian.Uint16(b[2*wordFeatures83:])
	id.Features85 = binary.LittleEndian.Uint16(b[2*wordFeatures85:])
	id.Features86 = binary.LittleEndian.Uint16(b[2*wordFeatures86:])
	id.Features87 = binary.LittleEndian.Uint16(b[2*wordFeatures87:])
	id.LBA48Sectors = binary.LittleEndian.Uint64(b[2*wordLBA48:])
	return id, nil
}

// Encode produces the raw on-wire IDENTIFY block. The inverse of
// ParseIdentify; device models use it to answer IDENTIFY commands.
func (id *IdentifyData) Encode() []byte {
	b := make([]byte, IdentifyBytes)
	copy(b[2*wordSerial:], id.Serial[:])
	copy(b[2*wordFirmware:], id.Firmware[:])
	copy(b[2*wordModel:], id.Model[:])
	binary.LittleEndian.PutUint32(b[2*wordLBA28:], id.LBA28Sectors)
	binary.LittleEndian.PutUint16(b[2*wordQueueDepth:], id.QueueDepth)
	binary.LittleEndian.PutUint16(b[2*wordSATACaps:], id.SATACaps)
	binary.LittleEndian.PutUint16(b[2*wordFeatures83:], id.Features83)
	binary.LittleEndian.PutUint16(b[2*wordFeatures85:], id.Features85)
	binary.LittleEndian.PutUint16(b[2*wordFeatures86:], id.Features86)
	binary.LittleEndian.PutUint16(b[2*wordFeatures87:], id.Features87)
	binary.LittleEndian.PutUint64(b[2*wordLBA48:], id.LBA48Sectors)
	return b
}

// Sectors returns the addressable sector count: the 48-bit field when
// nonzero, else the 28-bit field.
func (id *IdentifyData) Sectors() uint64 {
	if id.LBA48Sectors != 0 {
		return id.LBA48Sectors
	}
	return uint64(id.LBA28Sectors)
}

func (id *IdentifyData) ModelString() string    { return fixString(id.Model[:]) }
func (id *IdentifyData) SerialString() string   { return fixString(id.Serial[:]) }
func (id *IdentifyData) FirmwareString() string { return fixString(id.Firmware[:]) }

// SetStrings fills the identity strings from readable text, flipping each
// byte pair into wire order. Space-padded to field width, truncated if too
// long.
func (id *IdentifyData) SetStrings(model, serial, firmware string) {
	putString(id.Model[:], model)
	putString(id.Serial[:], serial)
	putString(id.Firmware[:], firmware)
}

// ATA strings arrive with each 16-bit word byte-swapped and space padded.
func fixString(b []byte) string {
	out := make([]byte, len(b))
	copy(out, b)
	flipBytes(out)
	return strings.TrimRight(strings.TrimLeft(string(out), " "), " \x00")
}

func putString(dst []byte, s string) {
	for i := range dst {
		dst[i] = ' '
	}
	copy(dst, s)
	flipBytes(dst)
}

func flipBytes(b []byte) {
	for i := 0; i+1 < len(b); i += 2 {
		b[i], b[i+1] = b[i+1], b[i]
	}
}
