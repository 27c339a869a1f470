package storage

import (
	"time"

	"github.com/zeebo/blake3"

	"github.com/mrzor/eventbuilder/internal/event"
	"github.com/mrzor/eventbuilder/internal/fragment"
)

// FragmentInfo describes one fragment inside a record body.
type FragmentInfo struct {
	Kind   fragment.Kind `cbor:"kind"`
	Source uint8         `cbor:"source"`
	SubID  uint8         `cbor:"sub_id"`
	Length int           `cbor:"length"`
}

// Header is the CBOR-encoded part of a stored record.
type Header struct {
	Worker      int            `cbor:"worker"`
	Sequence    uint32         `cbor:"sequence"`
	BurstID     uint32         `cbor:"burst"`
	Timestamp   uint32         `cbor:"timestamp"`
	Time        time.Time      `cbor:"time"`
	Stage1      uint16         `cbor:"stage1"`
	Stage2      uint8          `cbor:"stage2"`
	Compression Compression    `cbor:"compression"`
	RawSize     int            `cbor:"raw_size"`
	Digest      []byte         `cbor:"digest"`
	Fragments   []FragmentInfo `cbor:"fragments"`
}

// Record is an accepted event detached from its pool slot. The body holds
// the primary payloads followed by the auxiliary payloads, in arrival order.
type Record struct {
	Header
	Body []byte
}

// FromEvent copies ev into a Record. The event's payloads borrow transport
// buffers and the slot is reset right after the handoff, so everything is
// copied here.
func FromEvent(worker int, ev *event.Event, at time.Time) *Record {
	frags := make([]FragmentInfo, 0, len(ev.PrimaryFragments())+len(ev.AuxiliaryFragments()))
	body := make([]byte, 0, ev.PrimaryBytes()+ev.AuxiliaryBytes())

	for _, set := range [][]*fragment.Fragment{ev.PrimaryFragments(), ev.AuxiliaryFragments()} {
		for _, f := range set {
			frags = append(frags, FragmentInfo{
				Kind:   f.Kind(),
				Source: f.Source().ID,
				SubID:  f.Source().SubID,
				Length: f.PayloadLength(),
			})
			body = append(body, f.Payload()...)
		}
	}

	return &Record{
		Header: Header{
			Worker:    worker,
			Sequence:  ev.Sequence(),
			BurstID:   ev.BurstID(),
			Timestamp: ev.Timestamp(),
			Time:      at,
			Stage1:    ev.Stage1Verdict(),
			Stage2:    ev.Stage2Verdict(),
			Fragments: frags,
		},
		Body: body,
	}
}

// Payloads splits the body back into per-fragment payloads.
func (r *Record) Payloads() [][]byte {
	out := make([][]byte, 0, len(r.Fragments))
	off := 0
	for _, f := range r.Fragments {
		if off+f.Length > len(r.Body) {
			break
		}
		out = append(out, r.Body[off:off+f.Length])
		off += f.Length
	}
	return out
}

func digest(body []byte) []byte {
	sum := blake3.Sum256(body)
	return sum[:]
}
