//go:build linux

package input

// ScaleMode selects how a receiver's aspect ratio maps onto the server's
// screen when they differ. Only ScaleLetterbox adjusts coordinates;
// ScaleFill and ScaleStretch both pass them through unchanged (a plain
// stretch), so no fill/crop mapping is applied.
type ScaleMode int

const (
	ScaleLetterbox ScaleMode = iota
	ScaleFill
	ScaleStretch
)

// CoordTransform maps normalized [0,1] receiver coordinates to the
// 0..absMaxVal range uinput absolute axes expect:
// round(val/max * 65535).
type CoordTransform struct {
	ScreenW, ScreenH int
	ReceiverW, ReceiverH int
	Mode ScaleMode
}

// ToScreenAbs converts normalized (x,y) to (abs_x, abs_y) in 0..65535.
func (t CoordTransform) ToScreenAbs(nx, ny float32) (uint16, uint16) {
	x, y := nx, ny
	if t.Mode == ScaleLetterbox && t.ReceiverW > 0 && t.ReceiverH > 0 {
		x, y = t.letterbox(nx, ny)
	}
	return scaleTo16(x), scaleTo16(y)
}

func (t CoordTransform) letterbox(nx, ny float32) (float32, float32) {
	screenAspect := float32(t.ScreenW) / float32(t.ScreenH)
	recvAspect := float32(t.ReceiverW) / float32(t.ReceiverH)
	if recvAspect > screenAspect {
		// receiver is wider: letterbox on the sides, scale X
		scale := screenAspect / recvAspect
		return (nx-0.5)/scale + 0.5, ny
	}
	// receiver is taller: letterbox top/bottom, scale Y
	scale := recvAspect / screenAspect
	return nx, (ny-0.5)/scale + 0.5
}

func scaleTo16(v float32) uint16 {
	if v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	return uint16(v*absMaxVal + 0.5)
}

// tiltRadiansToDegrees maps the wire tilt (radians) to the -90..90 integer
// degree range the stylus device's ABS_TILT_X/Y axes expose.
func tiltRadiansToDegrees(rad float32) int32 {
	deg := int32(rad * 180 / 3.14159265)
	if deg < -90 {
		deg = -90
	}
	if deg > 90 {
		deg = 90
	}
	return deg
}