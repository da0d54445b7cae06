//go:build linux

package input

import (
	"sync"

	"streamtablet/internal/types"
)

const evRelWheel = 0x08 // EV_REL, REL_WHEEL

// Relay wires a UInputRelay to a CoordTransform and implements
// types.EventInjector, turning decoded wire InputEvents into the uinput
// sequences in stylus.go/touch.go.
type Relay struct {
	mu sync.Mutex
	u  *UInputRelay
	xf CoordTransform

	pressedKeys map[uint16]bool
}

// NewRelay opens the uinput devices and wraps them with the given
// coordinate transform. If uinput cannot be opened (no privilege, module
// not loaded), returns a nil Relay and the error; callers fall back to a
// no-op injector rather than treating this as fatal.
func NewRelay(xf CoordTransform) (*Relay, error) {
	u, err := OpenUInputRelay()
	if err != nil {
		return nil, err
	}
	return &Relay{u: u, xf: xf, pressedKeys: make(map[uint16]bool)}, nil
}

func (r *Relay) SetTransform(xf CoordTransform) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.xf = xf
}

func (r *Relay) Inject(ev types.InputEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch ev.Kind {
	case types.EventStylusHover, types.EventStylusDown, types.EventStylusMove, types.EventStylusUp:
		r.injectStylus(ev)
	case types.EventTouchDown, types.EventTouchMove, types.EventTouchUp:
		r.injectTouch(ev)
	case types.EventKeyDown:
		code := uint16(ev.Buttons)
		emit(r.u.mouseFd, evKey, code, 1)
		syn(r.u.mouseFd)
		r.pressedKeys[code] = true
	case types.EventKeyUp:
		code := uint16(ev.Buttons)
		emit(r.u.mouseFd, evKey, code, 0)
		syn(r.u.mouseFd)
		delete(r.pressedKeys, code)
	case types.EventScroll:
		emit(r.u.mouseFd, 0x02 /* EV_REL */, evRelWheel, int32(ev.Y))
		syn(r.u.mouseFd)
	}
}

func (r *Relay) injectStylus(ev types.InputEvent) {
	x, y := r.xf.ToScreenAbs(ev.X, ev.Y)
	pressure := scaleTo16(ev.Pressure)
	tiltX := tiltRadiansToDegrees(ev.TiltX)
	tiltY := tiltRadiansToDegrees(ev.TiltY)
	eraser := ev.Buttons&types.ButtonEraser != 0

	switch ev.Kind {
	case types.EventStylusHover:
		r.u.sendStylus(x, y, 0, tiltX, tiltY, false, eraser, true)
	case types.EventStylusDown, types.EventStylusMove:
		r.u.sendStylus(x, y, pressure, tiltX, tiltY, true, eraser, true)
	case types.EventStylusUp:
		r.u.sendStylus(x, y, 0, tiltX, tiltY, false, eraser, false)
	}
}

func (r *Relay) injectTouch(ev types.InputEvent) {
	x, y := r.xf.ToScreenAbs(ev.X, ev.Y)
	pressure := scaleTo16(ev.Pressure)
	slot := int(ev.PointerID)
	down := ev.Kind != types.EventTouchUp
	r.u.sendTouch(slot, x, y, pressure, down)
}

// Reset releases every pressed key/button and active touch/stylus state,
// used on session end and process shutdown.
func (r *Relay) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for code := range r.pressedKeys {
		emit(r.u.mouseFd, evKey, code, 0)
	}
	if len(r.pressedKeys) > 0 {
		syn(r.u.mouseFd)
	}
	r.pressedKeys = make(map[uint16]bool)
	r.u.resetStylus()
	r.u.resetTouch()
}

func (r *Relay) Close() {
	r.Reset()
	r.u.Close()
}

// NoopInjector discards every event; used when uinput device creation
// failed, matching the audio subsystem's degrade-in-place policy.
type NoopInjector struct{}

func (NoopInjector) Inject(types.InputEvent) {}
func (NoopInjector) Reset()                  {}
func (NoopInjector) Close()                  {}