package lpc

import (
	"errors"
	"testing"

	"i3gateway/internal/gwerr"
)

func TestRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		v    Value
	}{
		{"null", Null},
		{"zero", Int(0)},
		{"positive int", Int(42)},
		{"negative int", Int(-7)},
		{"empty string", Str("")},
		{"string", Str("hello world")},
		{"float", Float(3.5)},
		{"buffer", Buf([]byte{0x01, 0x02, 0xff})},
		{"empty array", Arr(nil)},
		{"array", Arr([]Value{Int(1), Str("two"), Float(3.0)})},
		{"nested array", Arr([]Value{Arr([]Value{Int(1), Int(2)}), Str("x")})},
		{"mapping", Map(Mapping{
			{Key: Str("a"), Value: Int(1)},
			{Key: Str("b"), Value: Str("two")},
		})},
		{"nested mapping", Map(Mapping{
			{Key: Str("inner"), Value: Map(Mapping{{Key: Int(1), Value: Str("v")}})},
		})},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			enc := Encode(c.v)
			dec, err := Decode(enc, 0)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if !dec.Equal(c.v) {
				t.Fatalf("round trip mismatch: got %+v, want %+v", dec, c.v)
			}
		})
	}
}

func TestDecodeTruncated(t *testing.T) {
	full := Encode(Str("hello"))
	for i := 0; i < len(full); i++ {
		_, err := Decode(full[:i], 0)
		if err == nil {
			t.Fatalf("truncated at %d bytes: expected error, got nil", i)
		}
		if !errors.Is(err, gwerr.ErrMalformedLPC) {
			t.Fatalf("truncated at %d bytes: expected ErrMalformedLPC, got %v", i, err)
		}
	}
}

func TestDecodeUnknownTag(t *testing.T) {
	_, err := Decode([]byte{0x09, 0, 0, 0, 0}, 0)
	if !errors.Is(err, gwerr.ErrMalformedLPC) {
		t.Fatalf("expected ErrMalformedLPC for unknown tag, got %v", err)
	}
}

func TestDecodeDepthGuard(t *testing.T) {
	v := Int(1)
	for i := 0; i < MaxDepth+2; i++ {
		v = Arr([]Value{v})
	}
	_, err := Decode(Encode(v), DefaultMaxSize)
	if !errors.Is(err, gwerr.ErrMalformedLPC) {
		t.Fatalf("expected ErrMalformedLPC for excess nesting, got %v", err)
	}
}

func TestDecodeMaxSizeGuard(t *testing.T) {
	big := make([]byte, 100)
	v := Buf(big)
	_, err := Decode(Encode(v), 32)
	if !errors.Is(err, gwerr.ErrMalformedLPC) {
		t.Fatalf("expected ErrMalformedLPC for oversized buffer, got %v", err)
	}
}

func TestDecodeTrailingBytes(t *testing.T) {
	enc := Encode(Int(5))
	enc = append(enc, 0xff)
	_, err := Decode(enc, 0)
	if !errors.Is(err, gwerr.ErrMalformedLPC) {
		t.Fatalf("expected ErrMalformedLPC for trailing bytes, got %v", err)
	}
}

func TestArrayCountGuardRejectsClaimedOversizeBeforeAllocating(t *testing.T) {
	// A crafted array header claiming far more elements than the buffer
	// could possibly hold must fail fast rather than attempt a huge alloc.
	buf := []byte{tagArray, 0x7f, 0xff, 0xff, 0xff}
	_, err := Decode(buf, DefaultMaxSize)
	if !errors.Is(err, gwerr.ErrMalformedLPC) {
		t.Fatalf("expected ErrMalformedLPC, got %v", err)
	}
}

func TestIsNull(t *testing.T) {
	if !Int(0).IsNull() {
		t.Fatal("Int(0) should be null")
	}
	if Int(1).IsNull() {
		t.Fatal("Int(1) should not be null")
	}
	if Str("").IsNull() {
		t.Fatal("empty string is not the null encoding")
	}
}
