package fragment

import (
	"encoding/binary"
	"fmt"
)

// RecordHeaderSize is the size of the delivery header the capture program
// prepends to every MEP fragment it pushes into the ring buffer.
const RecordHeaderSize = 8

// RecordHeader matches the C struct written by the capture program:
//
//	u8  kind (1 = primary, 2 = auxiliary)
//	u8  source id
//	u8  source sub id
//	u8  reserved
//	u32 expected event number (high bits of the sequence)
type RecordHeader struct {
	Kind             Kind
	SourceID         uint8
	SourceSubID      uint8
	_                uint8
	ExpectedSequence uint32
}

// DecodeRecord parses a capture record. The returned fragment borrows raw.
func DecodeRecord(raw []byte) (*Fragment, error) {
	if len(raw) < RecordHeaderSize {
		return nil, ErrShortRecord
	}
	var h RecordHeader
	if _, err := binary.Decode(raw[:RecordHeaderSize], binary.LittleEndian, &h); err != nil {
		return nil, fmt.Errorf("decoding delivery header: %w", err)
	}
	source := Source{ID: h.SourceID, SubID: h.SourceSubID}
	return Parse(h.Kind, source, h.ExpectedSequence, raw[RecordHeaderSize:])
}

// AppendRecord appends a complete capture record to dst. It is the inverse
// of DecodeRecord and is used by simulators and tests.
func AppendRecord(dst []byte, kind Kind, source Source, sequence uint32, last bool, timestamp uint32, payload []byte) []byte {
	dst = append(dst, byte(kind), source.ID, source.SubID, 0)
	dst = binary.LittleEndian.AppendUint32(dst, sequence)
	var flags uint8
	if last {
		flags |= lastEventOfBurstBit
	}
	dst = AppendHeader(dst, Header{
		//nolint:gosec // payloads are bounded by the 16-bit length field
		Length:         uint16(HeaderSize + len(payload)),
		EventNumberLSB: uint8(sequence),
		Flags:          flags,
		Timestamp:      timestamp,
	})
	return append(dst, payload...)
}
