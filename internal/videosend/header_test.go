package videosend

import "testing"

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{
		Magic:         videoMagic,
		Sequence:      4242,
		FrameNumber:   65500,
		Flags:         flagKeyframe | flagStart,
		FragmentIdx:   3,
		FragmentCount: 7,
		PayloadLen:    1199,
	}
	buf := make([]byte, headerSize)
	h.Marshal(buf)

	got, ok := UnmarshalHeader(buf)
	if !ok {
		t.Fatalf("UnmarshalHeader reported bad magic")
	}
	if got != h {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, h)
	}
	if !got.IsKeyframe() || !got.IsStart() || got.IsEnd() {
		t.Fatalf("flag decode mismatch: %+v", got)
	}
}

func TestUnmarshalHeaderRejectsBadMagic(t *testing.T) {
	buf := make([]byte, headerSize)
	buf[0], buf[1] = 0xAA, 0xBB
	if _, ok := UnmarshalHeader(buf); ok {
		t.Fatalf("expected UnmarshalHeader to reject bad magic")
	}
}

func TestUnmarshalHeaderRejectsShortInput(t *testing.T) {
	if _, ok := UnmarshalHeader(make([]byte, 4)); ok {
		t.Fatalf("expected UnmarshalHeader to reject short input")
	}
}
