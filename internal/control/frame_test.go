package control

import (
	"bytes"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	want := Frame{Type: TypeConfigRequest, Payload: []byte{1, 2, 3, 4, 5, 6, 7, 8}}
	if err := WriteFrame(&buf, want); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if got.Type != want.Type || !bytes.Equal(got.Payload, want.Payload) {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, want)
	}
}

func TestFrameEmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, Frame{Type: TypePing}); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	// length field should be 1 (type byte only)
	if buf.Bytes()[1] != 1 {
		t.Fatalf("expected length=1 for empty payload, got %d", buf.Bytes()[1])
	}
	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if got.Type != TypePing || len(got.Payload) != 0 {
		t.Fatalf("unexpected frame: %+v", got)
	}
}

func TestFrameIsBigEndian(t *testing.T) {
	var buf bytes.Buffer
	_ = WriteFrame(&buf, Frame{Type: TypePong, Payload: make([]byte, 300)})
	b := buf.Bytes()
	length := int(b[0])<<8 | int(b[1])
	if length != 301 {
		t.Fatalf("expected big-endian length 301, got %d (bytes %x %x)", length, b[0], b[1])
	}
}
