package storage

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// Limits guard the reader against corrupt length prefixes.
const (
	maxHeaderSize = 1 << 20
	maxBodySize   = 1 << 30
)

// ErrDigestMismatch is returned by Reader.Next when a body does not match
// the digest stored in its header.
var ErrDigestMismatch = errors.New("record digest mismatch")

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	encMode, err = opts.EncMode()
	if err != nil {
		panic("storage: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("storage: CBOR decoder initialization failed: " + err.Error())
	}
}

// appendRecord appends the framed form of r to dst:
//
//	u32 header length | CBOR header | u32 body length | body
//
// The body is compressed with c when that makes it smaller. r.Header is
// updated with the digest, raw size and compression actually used.
func appendRecord(dst []byte, r *Record, c Compression) ([]byte, error) {
	r.RawSize = len(r.Body)
	r.Digest = digest(r.Body)

	body, used, err := compress(r.Body, c)
	if err != nil {
		return nil, fmt.Errorf("compressing event %d: %w", r.Sequence, err)
	}
	r.Compression = used

	header, err := encMode.Marshal(&r.Header)
	if err != nil {
		return nil, fmt.Errorf("encoding header of event %d: %w", r.Sequence, err)
	}

	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(header))) //nolint:gosec // headers are small
	dst = append(dst, header...)
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(body))) //nolint:gosec // bounded by fragment sizes
	return append(dst, body...), nil
}

// Reader decodes records written by a Store.
type Reader struct {
	r *bufio.Reader
}

// NewReader returns a Reader over r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// Next returns the next record with its body decompressed and verified. It
// returns io.EOF after the last complete record and io.ErrUnexpectedEOF if
// the stream ends inside a record.
func (rd *Reader) Next() (*Record, error) {
	header, err := rd.frame(maxHeaderSize, true)
	if err != nil {
		return nil, err
	}
	body, err := rd.frame(maxBodySize, false)
	if err != nil {
		return nil, err
	}

	rec := &Record{}
	if err := decMode.Unmarshal(header, &rec.Header); err != nil {
		return nil, fmt.Errorf("decoding record header: %w", err)
	}

	rec.Body, err = decompress(body, rec.Compression, rec.RawSize)
	if err != nil {
		return nil, fmt.Errorf("event %d: %w", rec.Sequence, err)
	}
	if !bytes.Equal(digest(rec.Body), rec.Digest) {
		return nil, fmt.Errorf("%w: event %d burst %d", ErrDigestMismatch, rec.Sequence, rec.BurstID)
	}
	return rec, nil
}

func (rd *Reader) frame(limit uint32, first bool) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(rd.r, lenBuf[:]); err != nil {
		if first && errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, io.ErrUnexpectedEOF
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	if n > limit {
		return nil, fmt.Errorf("record frame of %d bytes exceeds limit %d", n, limit)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(rd.r, buf); err != nil {
		return nil, io.ErrUnexpectedEOF
	}
	return buf, nil
}
