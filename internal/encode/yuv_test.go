package encode

import "testing"

func TestBGRAToNV12SolidColorIdempotent(t *testing.T) {
	const w, h, stride = 4, 4, 16
	bgra := make([]byte, stride*h)
	for i := 0; i < w*h; i++ {
		off := i * 4
		bgra[off+0] = 40  // B
		bgra[off+1] = 80  // G
		bgra[off+2] = 200 // R
		bgra[off+3] = 255
	}

	y1, uv1, _, _ := BGRAToNV12(bgra, w, h, stride)
	y2, uv2, _, _ := BGRAToNV12(bgra, w, h, stride)

	if len(y1) != w*h {
		t.Fatalf("unexpected y length: got %d want %d", len(y1), w*h)
	}
	for i := range y1 {
		if y1[i] != y2[i] {
			t.Fatalf("Y plane not deterministic at %d: %d vs %d", i, y1[i], y2[i])
		}
	}
	for i := range uv1 {
		if uv1[i] != uv2[i] {
			t.Fatalf("UV plane not deterministic at %d: %d vs %d", i, uv1[i], uv2[i])
		}
	}

	// BT.601: R=200,G=80,B=40 -> Y = ((66*200+129*80+25*40+128)>>8)+16
	wantY := byte(((66*200 + 129*80 + 25*40 + 128) >> 8) + 16)
	for i, v := range y1 {
		if v != wantY {
			t.Fatalf("y[%d] = %d, want %d", i, v, wantY)
		}
	}
}

func TestBGRAToNV12WhiteRowBrighterThanBlackRow(t *testing.T) {
	const w, h, stride = 2, 2, 8
	bgra := []byte{
		255, 255, 255, 255, 255, 255, 255, 255,
		0, 0, 0, 255, 0, 0, 0, 255,
	}
	y, uv, _, _ := BGRAToNV12(bgra, w, h, stride)
	if len(y) != 4 || len(uv) != 2 {
		t.Fatalf("unexpected plane sizes: y=%d uv=%d", len(y), len(uv))
	}
	// white row should produce bright Y, black row dark Y
	if y[0] <= y[2] {
		t.Fatalf("expected white row Y (%d) > black row Y (%d)", y[0], y[2])
	}
}
