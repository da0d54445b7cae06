//go:build linux

package input

// stylusState tracks whether the pen is hovering and/or touching, and
// which tool (pen or eraser) is currently the active BTN_TOOL_*, exactly
// mirroring uinput_backend.cpp's m_stylus_tool_active/m_stylus_touching.
type stylusState struct {
	toolActive bool
	eraserActive bool
	touching   bool
}

// sendStylus emits the uinput sequence for one stylus sample. inRange
// corresponds to StylusHover/Down/Move (true) vs StylusUp (false); tipDown
// is true for StylusDown/Move, false for StylusHover/Up.
func (r *UInputRelay) sendStylus(x, y uint16, pressure uint16, tiltX, tiltY int32, tipDown, eraser, inRange bool) {
	fd := r.stylusFd
	s := &r.stylus

	if inRange {
		if eraser {
			if !s.eraserActive {
				emit(fd, evKey, btnToolPen, 0)
				emit(fd, evKey, btnToolRubber, 1)
				s.eraserActive = true
				s.toolActive = true
			}
		} else {
			if !s.toolActive || s.eraserActive {
				emit(fd, evKey, btnToolRubber, 0)
				emit(fd, evKey, btnToolPen, 1)
				s.eraserActive = false
				s.toolActive = true
			}
		}

		if tipDown && !s.touching {
			emit(fd, evKey, btnTouch, 1)
			s.touching = true
		} else if !tipDown && s.touching {
			emit(fd, evKey, btnTouch, 0)
			s.touching = false
		}

		emit(fd, evAbs, absX, int32(x))
		emit(fd, evAbs, absY, int32(y))
		if s.touching {
			emit(fd, evAbs, absPressure, int32(pressure))
		} else {
			emit(fd, evAbs, absPressure, 0)
		}
		emit(fd, evAbs, absTiltX, tiltX)
		emit(fd, evAbs, absTiltY, tiltY)
	} else {
		if s.touching {
			emit(fd, evKey, btnTouch, 0)
			s.touching = false
		}
		if s.toolActive {
			emit(fd, evKey, btnToolPen, 0)
			emit(fd, evKey, btnToolRubber, 0)
			s.toolActive = false
			s.eraserActive = false
		}
		emit(fd, evAbs, absPressure, 0)
	}
	syn(fd)
}

// resetStylus releases every pressed stylus key/axis, used on session end
// and shutdown.
func (r *UInputRelay) resetStylus() {
	fd := r.stylusFd
	if r.stylus.touching {
		emit(fd, evKey, btnTouch, 0)
	}
	if r.stylus.toolActive {
		emit(fd, evKey, btnToolPen, 0)
		emit(fd, evKey, btnToolRubber, 0)
	}
	emit(fd, evAbs, absPressure, 0)
	syn(fd)
	r.stylus = stylusState{}
}