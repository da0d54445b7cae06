//go:build linux

package input

import (
	"encoding/binary"
	"math"
	"os"
	"testing"
	"time"
	"unsafe"
)

func pastDeadline() time.Time { return time.Now().Add(10 * time.Millisecond) }

func putF32(b []byte, v float32) {
	binary.LittleEndian.PutUint32(b, math.Float32bits(v))
}

// decodedEvent is emit()'s wire struct, read back from a pipe in tests so
// the stylus/touch state machines can be exercised without a real
// /dev/uinput device.
type decodedEvent struct {
	Type, Code uint16
	Value      int32
}

func newFakeRelay(t *testing.T) (*UInputRelay, func() []decodedEvent) {
	t.Helper()
	sr, sw, _ := os.Pipe()
	mr, mw, _ := os.Pipe()
	tr, tw, _ := os.Pipe()
	t.Cleanup(func() { sr.Close(); sw.Close(); mr.Close(); mw.Close(); tr.Close(); tw.Close() })

	r := &UInputRelay{stylusFd: int(sw.Fd()), mouseFd: int(mw.Fd()), touchFd: int(tw.Fd())}

	drain := func() []decodedEvent {
		var out []decodedEvent
		for _, f := range []*os.File{sr, mr, tr} {
			for {
				buf := make([]byte, unsafe.Sizeof(inputEvent{}))
				f.SetReadDeadline(pastDeadline())
				n, err := f.Read(buf)
				if err != nil || n == 0 {
					break
				}
				ev := (*inputEvent)(unsafe.Pointer(&buf[0]))
				out = append(out, decodedEvent{Type: ev.Type, Code: ev.Code, Value: ev.Value})
			}
		}
		return out
	}
	return r, drain
}

func TestTouchDownUpSlotConservation(t *testing.T) {
	r, _ := newFakeRelay(t)

	r.sendTouch(0, 1000, 1000, 500, true)
	if !r.touch.slots[0].active {
		t.Fatalf("slot 0 should be active after down")
	}
	r.sendTouch(1, 2000, 2000, 600, true)
	if r.touch.activeCount() != 2 {
		t.Fatalf("expected 2 active slots, got %d", r.touch.activeCount())
	}
	r.sendTouch(0, 1000, 1000, 500, false)
	if r.touch.slots[0].active {
		t.Fatalf("slot 0 should be inactive after up")
	}
	if r.touch.activeCount() != 1 {
		t.Fatalf("expected 1 active slot after releasing one, got %d", r.touch.activeCount())
	}
	r.sendTouch(1, 2000, 2000, 600, false)
	if r.touch.activeCount() != 0 {
		t.Fatalf("expected 0 active slots, got %d", r.touch.activeCount())
	}
}

func TestTouchIgnoresOutOfRangeSlot(t *testing.T) {
	r, _ := newFakeRelay(t)
	r.sendTouch(-1, 0, 0, 0, true)
	r.sendTouch(maxTouchSlots, 0, 0, 0, true)
	if r.touch.activeCount() != 0 {
		t.Fatalf("out-of-range slots must not be tracked")
	}
}

func TestStylusTipContactImpliesToolPresent(t *testing.T) {
	r, _ := newFakeRelay(t)

	r.sendStylus(100, 100, 0, 0, 0, false, false, true) // hover
	if !r.stylus.toolActive || r.stylus.touching {
		t.Fatalf("hover should activate tool but not touch: %+v", r.stylus)
	}
	r.sendStylus(100, 100, 800, 0, 0, true, false, true) // down
	if !r.stylus.touching {
		t.Fatalf("tip contact should set touching")
	}
	r.sendStylus(100, 100, 0, 0, 0, false, false, false) // out of range
	if r.stylus.touching || r.stylus.toolActive {
		t.Fatalf("leaving range must clear touch and tool state: %+v", r.stylus)
	}
}

func TestStylusEraserSwitchesTool(t *testing.T) {
	r, _ := newFakeRelay(t)
	r.sendStylus(0, 0, 0, 0, 0, false, false, true) // pen hover
	if r.stylus.eraserActive {
		t.Fatalf("pen hover must not set eraser")
	}
	r.sendStylus(0, 0, 0, 0, 0, false, true, true) // eraser hover
	if !r.stylus.eraserActive {
		t.Fatalf("eraser flag should switch active tool to rubber")
	}
}

func TestCoordTransformClampsAndScales(t *testing.T) {
	xf := CoordTransform{ScreenW: 1920, ScreenH: 1080}
	x, y := xf.ToScreenAbs(0, 0)
	if x != 0 || y != 0 {
		t.Fatalf("origin should map to (0,0), got (%d,%d)", x, y)
	}
	x, y = xf.ToScreenAbs(1, 1)
	if x != absMaxVal || y != absMaxVal {
		t.Fatalf("(1,1) should map to (%d,%d), got (%d,%d)", absMaxVal, absMaxVal, x, y)
	}
	x, y = xf.ToScreenAbs(-0.5, 2.0)
	if x != 0 || y != absMaxVal {
		t.Fatalf("out-of-range input should clamp, got (%d,%d)", x, y)
	}
}

func TestCoordTransformLetterboxWiderReceiverScalesX(t *testing.T) {
	// Receiver aspect (2200/1080 ~= 2.037) is wider than screen aspect
	// (1920/1080 ~= 1.778): letterbox on the sides, so X is stretched away
	// from center (0.3 maps to ~0.27), Y passes through untouched.
	xf := CoordTransform{ScreenW: 1920, ScreenH: 1080, ReceiverW: 2200, ReceiverH: 1080, Mode: ScaleLetterbox}
	direct := CoordTransform{ScreenW: 1920, ScreenH: 1080}

	x, y := xf.ToScreenAbs(0.3, 0.3)
	dx, dy := direct.ToScreenAbs(0.3, 0.3)
	if y != dy {
		t.Fatalf("Y should pass through unscaled, got %d want %d", y, dy)
	}
	if x >= dx {
		t.Fatalf("X should be stretched away from center (0.5), got %d want < %d", x, dx)
	}
}

func TestCoordTransformLetterboxTallerReceiverScalesY(t *testing.T) {
	// Receiver aspect (1080/1300 ~= 0.831) is narrower/taller than screen
	// aspect (1920/1080 ~= 1.778): letterbox top/bottom, so Y is stretched
	// away from center (0.3 maps to ~0.07), X passes through untouched.
	xf := CoordTransform{ScreenW: 1920, ScreenH: 1080, ReceiverW: 1080, ReceiverH: 1300, Mode: ScaleLetterbox}
	direct := CoordTransform{ScreenW: 1920, ScreenH: 1080}

	x, y := xf.ToScreenAbs(0.3, 0.3)
	dx, dy := direct.ToScreenAbs(0.3, 0.3)
	if x != dx {
		t.Fatalf("X should pass through unscaled, got %d want %d", x, dx)
	}
	if y >= dy {
		t.Fatalf("Y should be stretched away from center (0.5), got %d want < %d", y, dy)
	}
}

func TestDecodeEventRejectsWrongSize(t *testing.T) {
	if _, err := DecodeEvent(make([]byte, 10)); err == nil {
		t.Fatalf("expected error for short record")
	}
}

func TestDecodeEventRoundTrip(t *testing.T) {
	// type=StylusDown(3), pointer=7, x=0.5,y=0.25,pressure=0.75,tiltx=0,tilty=0,buttons=0x20,ts=123456
	raw := make([]byte, eventRecordSize)
	raw[0] = 3
	raw[1] = 7
	putF32(raw[2:6], 0.5)
	putF32(raw[6:10], 0.25)
	putF32(raw[10:14], 0.75)
	raw[22], raw[23] = 0x20, 0x00
	raw[24], raw[25], raw[26], raw[27] = 0x40, 0xE2, 0x01, 0x00 // 123456 LE

	ev, err := DecodeEvent(raw)
	if err != nil {
		t.Fatalf("DecodeEvent: %v", err)
	}
	if ev.PointerID != 7 || ev.X != 0.5 || ev.Y != 0.25 || ev.Pressure != 0.75 {
		t.Fatalf("unexpected decode: %+v", ev)
	}
	if ev.Buttons&0x20 == 0 {
		t.Fatalf("expected eraser bit set")
	}
	if ev.TimestampMs != 123456 {
		t.Fatalf("timestamp mismatch: got %d", ev.TimestampMs)
	}
}
