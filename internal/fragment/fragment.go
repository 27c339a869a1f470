// Package fragment provides Go views over MEP fragments delivered by the
// capture layer.
package fragment

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Kind distinguishes the two delivery phases of an event.
type Kind uint8

const (
	// Primary fragments seed and extend an event during L0 collection.
	Primary Kind = 1
	// Auxiliary fragments only arrive after an explicit data request.
	Auxiliary Kind = 2
)

func (k Kind) String() string {
	switch k {
	case Primary:
		return "primary"
	case Auxiliary:
		return "auxiliary"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// HeaderSize is the packed size of Header on the wire.
const HeaderSize = 8

// lastEventOfBurstBit is the top bit of the flags byte; the low 7 bits are reserved.
const lastEventOfBurstBit = 0x80

var (
	ErrShortHeader = errors.New("fragment shorter than header")
	ErrBadLength   = errors.New("fragment length field out of range")
	ErrUnknownKind = errors.New("unknown fragment kind")
	ErrShortRecord = errors.New("capture record shorter than delivery header")
)

// Header matches the packed MEP fragment header (little-endian):
//
//	u16 length (including this header)
//	u8  event number LSB
//	u8  7 reserved bits, 1 last-event-of-burst bit (MSB)
//	u32 timestamp
type Header struct {
	Length         uint16
	EventNumberLSB uint8
	Flags          uint8
	Timestamp      uint32
}

// LastEventOfBurst reports whether the last-event-of-burst bit is set.
func (h Header) LastEventOfBurst() bool {
	return h.Flags&lastEventOfBurstBit != 0
}

// DecodeHeader reads a Header from the start of data.
func DecodeHeader(data []byte) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, ErrShortHeader
	}
	return Header{
		Length:         binary.LittleEndian.Uint16(data[0:2]),
		EventNumberLSB: data[2],
		Flags:          data[3],
		Timestamp:      binary.LittleEndian.Uint32(data[4:8]),
	}, nil
}

// AppendHeader appends the packed form of h to dst.
func AppendHeader(dst []byte, h Header) []byte {
	dst = binary.LittleEndian.AppendUint16(dst, h.Length)
	dst = append(dst, h.EventNumberLSB, h.Flags)
	return binary.LittleEndian.AppendUint32(dst, h.Timestamp)
}

// Source identifies one front-end source: a detector source id and the
// sub-source within it.
type Source struct {
	ID    uint8
	SubID uint8
}

func (s Source) String() string {
	return fmt.Sprintf("0x%02x/%d", s.ID, s.SubID)
}

// Fragment is an immutable view over one received fragment. The payload is
// borrowed from the transport buffer and is never copied here.
type Fragment struct {
	kind      Kind
	source    Source
	sequence  uint32
	last      bool
	timestamp uint32
	payload   []byte
}

// Parse builds a Fragment from a raw MEP fragment. The full sequence number
// is reconstructed from the header's LSB and the high bits of expected,
// which the delivery channel supplies out of band.
func Parse(kind Kind, source Source, expected uint32, data []byte) (*Fragment, error) {
	if kind != Primary && kind != Auxiliary {
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, kind)
	}
	h, err := DecodeHeader(data)
	if err != nil {
		return nil, err
	}
	if int(h.Length) < HeaderSize || int(h.Length) > len(data) {
		return nil, fmt.Errorf("%w: length %d, have %d bytes", ErrBadLength, h.Length, len(data))
	}
	return &Fragment{
		kind:      kind,
		source:    source,
		sequence:  ReconstructSequence(expected, h.EventNumberLSB),
		last:      h.LastEventOfBurst(),
		timestamp: h.Timestamp,
		payload:   data[HeaderSize:h.Length],
	}, nil
}

// New builds a Fragment from already decoded fields. Used by transports that
// deliver fragments without the MEP header.
func New(kind Kind, source Source, sequence uint32, last bool, timestamp uint32, payload []byte) *Fragment {
	return &Fragment{
		kind:      kind,
		source:    source,
		sequence:  sequence,
		last:      last,
		timestamp: timestamp,
		payload:   payload,
	}
}

// ReconstructSequence replaces the low byte of expected with lsb.
func ReconstructSequence(expected uint32, lsb uint8) uint32 {
	return expected&^0xFF | uint32(lsb)
}

func (f *Fragment) Kind() Kind             { return f.kind }
func (f *Fragment) Source() Source         { return f.source }
func (f *Fragment) Sequence() uint32       { return f.sequence }
func (f *Fragment) LastEventOfBurst() bool { return f.last }
func (f *Fragment) Timestamp() uint32      { return f.timestamp }
func (f *Fragment) Payload() []byte        { return f.payload }
func (f *Fragment) PayloadLength() int     { return len(f.payload) }
