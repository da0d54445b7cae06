//go:build linux

// Package input implements the input relay: a uinput backend that creates
// three synthetic kernel devices (stylus, mouse, touch), a TCP receiver for
// the 28-byte InputEvent wire record, a coordinate transform, and the
// stylus/touch state machines that turn discrete events into the right
// sequence of kernel input_event writes. No uinput library exists for Go,
// so this binds directly against the kernel uinput ABI via
// golang.org/x/sys/unix, the way a C program would bind against
// <linux/uinput.h>.
package input

import (
	"fmt"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

const absMaxVal = 65535

// Linux input subsystem constants not exposed by golang.org/x/sys/unix as
// typed consts usable in ioctl calls; mirrors <linux/input-event-codes.h>
// and <linux/uinput.h>.
const (
	evSyn = 0x00
	evKey = 0x01
	evAbs = 0x03

	synReport = 0

	btnLeft   = 0x110
	btnRight  = 0x111
	btnMiddle = 0x112

	btnToolPen      = 0x140
	btnToolRubber   = 0x141
	btnToolFinger   = 0x145
	btnTouch        = 0x14a
	btnToolDoubleTap = 0x14d
	btnToolTripleTap = 0x14e
	btnToolQuadTap   = 0x14f
	btnToolQuintTap  = 0x148

	absX           = 0x00
	absY           = 0x01
	absPressure    = 0x18
	absTiltX       = 0x1a
	absTiltY       = 0x1b
	absMtSlot      = 0x2f
	absMtTouchMajor = 0x30
	absMtPositionX = 0x35
	absMtPositionY = 0x36
	absMtTrackingID = 0x39
	absMtPressure  = 0x3a

	inputPropDirect = 0x01

	uiSetEvbit  = 0x40045564
	uiSetKeybit = 0x40045565
	uiSetAbsbit = 0x40045567
	uiSetPropbit = 0x4004556e
	uiDevCreate = 0x5501
	uiDevDestroy = 0x5502
	uiAbsSetup  = 0x401c5504
	uiDevSetup  = 0x405c5503

	busVirtual = 0x06
)

// inputEvent mirrors struct input_event (with 8-byte timeval fields, as on
// 64-bit Linux).
type inputEvent struct {
	Sec   int64
	Usec  int64
	Type  uint16
	Code  uint16
	Value int32
}

// absSetup mirrors struct uinput_abs_setup: a code followed by the packed
// struct input_absinfo (28 bytes total, matching UI_ABS_SETUP's ioctl size).
type absSetup struct {
	Code       uint16
	_          uint16
	Value      int32
	Minimum    int32
	Maximum    int32
	Fuzz       int32
	Flat       int32
	Resolution int32
}

type uinputSetup struct {
	Bustype uint16
	Vendor  uint16
	Product uint16
	Version uint16
	Name    [80]byte
}

func ioctlPtr(fd int, req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

func ioctlInt(fd int, req uintptr, val int) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(val))
	if errno != 0 {
		return errno
	}
	return nil
}

func openUinputDevice(name string, keys, abs []int, props []int, absRanges map[int][3]int32) (int, error) {
	fd, err := unix.Open("/dev/uinput", unix.O_WRONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		return -1, fmt.Errorf("input: open /dev/uinput: %w", err)
	}

	_ = ioctlInt(fd, uiSetEvbit, evSyn)
	for _, p := range props {
		_ = ioctlInt(fd, uiSetPropbit, p)
	}
	if len(keys) > 0 {
		_ = ioctlInt(fd, uiSetEvbit, evKey)
		for _, k := range keys {
			_ = ioctlInt(fd, uiSetKeybit, k)
		}
	}
	if len(abs) > 0 {
		_ = ioctlInt(fd, uiSetEvbit, evAbs)
		for _, a := range abs {
			_ = ioctlInt(fd, uiSetAbsbit, a)
			rng, ok := absRanges[a]
			min, max, res := int32(0), int32(absMaxVal), int32(0)
			if ok {
				min, max, res = rng[0], rng[1], rng[2]
			}
			setup := absSetup{Code: uint16(a), Minimum: min, Maximum: max, Resolution: res}
			if err := ioctlPtr(fd, uiAbsSetup, unsafe.Pointer(&setup)); err != nil {
				unix.Close(fd)
				return -1, fmt.Errorf("input: UI_ABS_SETUP code %d: %w", a, err)
			}
		}
	}

	var usetup uinputSetup
	usetup.Bustype = busVirtual
	usetup.Vendor = 0x1701
	usetup.Product = 0
	usetup.Version = 1
	copy(usetup.Name[:], name)

	if err := ioctlPtr(fd, uiDevSetup, unsafe.Pointer(&usetup)); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("input: UI_DEV_SETUP %q: %w", name, err)
	}
	if err := ioctlInt(fd, uiDevCreate, 0); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("input: UI_DEV_CREATE %q: %w", name, err)
	}
	time.Sleep(50 * time.Millisecond)
	return fd, nil
}

func emit(fd int, typ, code uint16, value int32) {
	ev := inputEvent{Type: typ, Code: code, Value: value}
	b := (*[unsafe.Sizeof(inputEvent{})]byte)(unsafe.Pointer(&ev))[:]
	_, _ = unix.Write(fd, b)
}

func syn(fd int) { emit(fd, evSyn, synReport, 0) }

// UInputRelay owns the three synthetic kernel devices.
type UInputRelay struct {
	stylusFd int
	mouseFd  int
	touchFd  int

	stylus stylusState
	touch  touchState
}

// OpenUInputRelay creates the stylus, mouse, and touch devices in that
// order, destroying any already-created device if a later one fails.
func OpenUInputRelay() (*UInputRelay, error) {
	stylusFd, err := openUinputDevice("StreamTablet Stylus",
		[]int{btnToolPen, btnToolRubber, btnTouch},
		[]int{absX, absY, absPressure, absTiltX, absTiltY},
		[]int{inputPropDirect},
		map[int][3]int32{
			absX:        {0, absMaxVal, 12},
			absY:        {0, absMaxVal, 12},
			absPressure: {0, absMaxVal, 12},
			absTiltX:    {-90, 90, 12},
			absTiltY:    {-90, 90, 12},
		})
	if err != nil {
		return nil, err
	}

	mouseFd, err := openUinputDevice("StreamTablet Mouse",
		allLinuxKeyCodes(),
		[]int{absX, absY},
		nil,
		map[int][3]int32{absX: {0, absMaxVal, 0}, absY: {0, absMaxVal, 0}})
	if err != nil {
		unix.Close(stylusFd)
		return nil, err
	}

	touchFd, err := openUinputDevice("StreamTablet Touch",
		[]int{btnTouch, btnToolFinger, btnToolDoubleTap, btnToolTripleTap, btnToolQuadTap, btnToolQuintTap},
		[]int{absX, absY, absMtSlot, absMtTrackingID, absMtPositionX, absMtPositionY, absMtPressure},
		nil,
		map[int][3]int32{
			absX:            {0, absMaxVal, 200},
			absY:            {0, absMaxVal, 200},
			absMtSlot:       {0, maxTouchSlots - 1, 0},
			absMtTrackingID: {0, maxTouchSlots - 1, 0},
			absMtPositionX:  {0, absMaxVal, 200},
			absMtPositionY:  {0, absMaxVal, 200},
		})
	if err != nil {
		unix.Close(stylusFd)
		unix.Close(mouseFd)
		return nil, err
	}

	return &UInputRelay{stylusFd: stylusFd, mouseFd: mouseFd, touchFd: touchFd}, nil
}

// allLinuxKeyCodes declares the keyboard-sized range of EV_KEY codes plus
// the three mouse buttons; uinput requires every code a device will ever
// emit to be declared at creation time.
func allLinuxKeyCodes() []int {
	codes := []int{btnLeft, btnRight, btnMiddle}
	for c := 1; c < 0xf0; c++ { // KEY_ESC .. below BTN_MISC range
		codes = append(codes, c)
	}
	return codes
}

// Reset releases stylus and touch state plus the three mouse buttons.
// General keyboard key release tracking lives one layer up in Relay, which
// knows which key codes are actually down.
func (r *UInputRelay) Reset() {
	r.resetStylus()
	r.resetTouch()
	emit(r.mouseFd, evKey, btnLeft, 0)
	emit(r.mouseFd, evKey, btnRight, 0)
	emit(r.mouseFd, evKey, btnMiddle, 0)
	syn(r.mouseFd)
}

func (r *UInputRelay) Close() {
	r.Reset()
	_ = unix.IoctlSetInt(r.touchFd, uiDevDestroy, 0)
	_ = unix.IoctlSetInt(r.mouseFd, uiDevDestroy, 0)
	_ = unix.IoctlSetInt(r.stylusFd, uiDevDestroy, 0)
	unix.Close(r.touchFd)
	unix.Close(r.mouseFd)
	unix.Close(r.stylusFd)
}
