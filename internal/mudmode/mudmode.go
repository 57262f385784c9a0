// Package mudmode implements the MudMode frame layer: each frame on the
// wire is a 4-byte big-endian length prefix followed by that many bytes of
// LPC-encoded payload. The Reader keeps reading within one ReadFrame call
// until a whole frame has arrived and returns exactly one frame per call;
// the Feeder buffers partial input across calls.
package mudmode

import (
	"encoding/binary"
	"fmt"
	"io"

	"i3gateway/internal/gwerr"
)

const lengthPrefixSize = 4

// DefaultMaxFrame is the default ceiling on a single frame's payload size.
const DefaultMaxFrame = 32 * 1024

// Reader incrementally reassembles MudMode frames from a byte stream. It is
// not safe for concurrent use; callers run one Reader per connection on a
// single read goroutine.
type Reader struct {
	r        io.Reader
	maxFrame int
	buf      []byte
}

// NewReader returns a Reader pulling bytes from r. maxFrame <= 0 uses
// DefaultMaxFrame.
func NewReader(r io.Reader, maxFrame int) *Reader {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrame
	}
	return &Reader{r: r, maxFrame: maxFrame}
}

// ReadFrame blocks until one full frame's payload is available, or returns
// an error. A length prefix of 0 or exceeding maxFrame is rejected with
// gwerr.ErrFrameTooLarge; io.EOF propagates unwrapped so callers can
// distinguish a clean disconnect from a protocol violation.
func (r *Reader) ReadFrame() ([]byte, error) {
	header := make([]byte, lengthPrefixSize)
	if _, err := io.ReadFull(r.r, header); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(header)
	if length == 0 {
		return nil, fmt.Errorf("%w: zero-length frame", gwerr.ErrFrameTooLarge)
	}
	if length > uint32(r.maxFrame) {
		return nil, fmt.Errorf("%w: frame of %d bytes exceeds max %d", gwerr.ErrFrameTooLarge, length, r.maxFrame)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r.r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// Encode wraps payload in its MudMode length-prefixed frame form.
func Encode(payload []byte) []byte {
	out := make([]byte, lengthPrefixSize+len(payload))
	binary.BigEndian.PutUint32(out, uint32(len(payload)))
	copy(out[lengthPrefixSize:], payload)
	return out
}

// Feeder is a push-style alternative to Reader for sources that deliver
// bytes in arbitrary-sized chunks (e.g. a non-blocking socket read loop)
// rather than via io.Reader. Feed appends chunk and returns every complete
// frame it can extract, retaining any trailing partial frame for the next
// call.
type Feeder struct {
	maxFrame int
	buf      []byte
}

// NewFeeder returns a Feeder. maxFrame <= 0 uses DefaultMaxFrame.
func NewFeeder(maxFrame int) *Feeder {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrame
	}
	return &Feeder{maxFrame: maxFrame}
}

// Feed appends chunk to the internal buffer and extracts every complete
// frame now available.
func (f *Feeder) Feed(chunk []byte) ([][]byte, error) {
	f.buf = append(f.buf, chunk...)

	var frames [][]byte
	for {
		if len(f.buf) < lengthPrefixSize {
			break
		}
		length := binary.BigEndian.Uint32(f.buf[:lengthPrefixSize])
		if length == 0 {
			return frames, fmt.Errorf("%w: zero-length frame", gwerr.ErrFrameTooLarge)
		}
		if length > uint32(f.maxFrame) {
			return frames, fmt.Errorf("%w: frame of %d bytes exceeds max %d", gwerr.ErrFrameTooLarge, length, f.maxFrame)
		}
		total := lengthPrefixSize + int(length)
		if len(f.buf) < total {
			break
		}
		payload := make([]byte, length)
		copy(payload, f.buf[lengthPrefixSize:total])
		frames = append(frames, payload)
		f.buf = f.buf[total:]
	}
	// Compact so the backing array doesn't grow unbounded across many
	// small partial feeds.
	if len(f.buf) > 0 {
		rest := make([]byte, len(f.buf))
		copy(rest, f.buf)
		f.buf = rest
	} else {
		f.buf = nil
	}
	return frames, nil
}
