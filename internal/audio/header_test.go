package audio

import "testing"

func TestAudioHeaderRoundTrip(t *testing.T) {
	h := Header{Magic: audioMagic, Sequence: 99, Timestamp: 48000 * 3, PayloadLen: 160}
	buf := make([]byte, headerSize)
	h.Marshal(buf)
	got, ok := UnmarshalHeader(buf)
	if !ok || got != h {
		t.Fatalf("round trip mismatch: ok=%v got=%+v want=%+v", ok, got, h)
	}
}

func TestAudioHeaderBadMagic(t *testing.T) {
	buf := make([]byte, headerSize)
	if _, ok := UnmarshalHeader(buf); ok {
		t.Fatalf("zeroed buffer should not match audio magic")
	}
}
