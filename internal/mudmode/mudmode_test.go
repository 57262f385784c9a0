package mudmode

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"i3gateway/internal/gwerr"
)

func TestEncodeReadFrameRoundTrip(t *testing.T) {
	payload := []byte("hello, router")
	framed := Encode(payload)

	r := NewReader(bytes.NewReader(framed), 0)
	got, err := r.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("got %q, want %q", got, payload)
	}
}

func TestReadFrameOneByteAtATime(t *testing.T) {
	// A 10 KiB frame delivered one byte per read must still reassemble
	// into a single complete frame.
	payload := bytes.Repeat([]byte{0x41}, 10*1024)
	framed := Encode(payload)

	r := NewReader(&byteAtATimeReader{data: framed}, 0)
	got, err := r.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("frame mismatch: got %d bytes, want %d", len(got), len(payload))
	}
}

type byteAtATimeReader struct {
	data []byte
	pos  int
}

func (b *byteAtATimeReader) Read(p []byte) (int, error) {
	if b.pos >= len(b.data) {
		return 0, io.EOF
	}
	p[0] = b.data[b.pos]
	b.pos++
	return 1, nil
}

func TestReadFrameZeroLength(t *testing.T) {
	framed := []byte{0, 0, 0, 0}
	r := NewReader(bytes.NewReader(framed), 0)
	_, err := r.ReadFrame()
	if !errors.Is(err, gwerr.ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestReadFrameExceedsMax(t *testing.T) {
	framed := Encode(make([]byte, 100))
	r := NewReader(bytes.NewReader(framed), 32)
	_, err := r.ReadFrame()
	if !errors.Is(err, gwerr.ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestReadFrameTruncatedPropagatesEOF(t *testing.T) {
	framed := Encode([]byte("partial"))
	r := NewReader(bytes.NewReader(framed[:5]), 0)
	_, err := r.ReadFrame()
	if err == nil {
		t.Fatal("expected an error for truncated frame")
	}
	if !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF-family error, got %v", err)
	}
}

func TestReadFrameSequential(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(Encode([]byte("first")))
	buf.Write(Encode([]byte("second")))

	r := NewReader(&buf, 0)
	first, err := r.ReadFrame()
	if err != nil || string(first) != "first" {
		t.Fatalf("first frame: got %q, err %v", first, err)
	}
	second, err := r.ReadFrame()
	if err != nil || string(second) != "second" {
		t.Fatalf("second frame: got %q, err %v", second, err)
	}
	if _, err := r.ReadFrame(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF at stream end, got %v", err)
	}
}

func TestFeederPartialChunks(t *testing.T) {
	framed := Encode([]byte("chunked payload"))
	f := NewFeeder(0)

	var got [][]byte
	for i := 0; i < len(framed); i++ {
		frames, err := f.Feed(framed[i : i+1])
		if err != nil {
			t.Fatalf("Feed: %v", err)
		}
		got = append(got, frames...)
	}
	if len(got) != 1 || string(got[0]) != "chunked payload" {
		t.Fatalf("got %v, want one frame \"chunked payload\"", got)
	}
}

func TestFeederMultipleFramesInOneChunk(t *testing.T) {
	var all []byte
	all = append(all, Encode([]byte("a"))...)
	all = append(all, Encode([]byte("bb"))...)
	all = append(all, Encode([]byte("ccc"))...)

	f := NewFeeder(0)
	frames, err := f.Feed(all)
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if len(frames) != 3 {
		t.Fatalf("got %d frames, want 3", len(frames))
	}
	for i, want := range []string{"a", "bb", "ccc"} {
		if string(frames[i]) != want {
			t.Fatalf("frame %d: got %q, want %q", i, frames[i], want)
		}
	}
}

func TestFeederRejectsOversizeFrame(t *testing.T) {
	f := NewFeeder(16)
	_, err := f.Feed(Encode(make([]byte, 100)))
	if !errors.Is(err, gwerr.ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}
