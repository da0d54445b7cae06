// Package types holds the shared data model for the streaming pipeline:
// frame buffers, session configuration, and the capability interfaces each
// pipeline stage implements. Keeping these in one package lets the
// orchestrator depend only on interfaces, never on a concrete capture or
// encoder backend.
package types

import (
	"image"
	"time"
	"unsafe"
)

// RawFrame is a captured desktop frame in packed BGRA. Either Ptr (zero-copy,
// valid only until the next Grab on the same capturer) or Data (an owned
// copy) is populated, never both.
type RawFrame struct {
	Data      []byte
	Ptr       unsafe.Pointer
	Width     int
	Height    int
	Stride    int
	TimestampUs int64
}

// EncodedFrame is one complete compressed access unit.
type EncodedFrame struct {
	Data        []byte
	IsKey       bool
	TimestampUs int64
	FrameNumber uint16
}

// Codec identifies a video codec family, tried in this order under "auto".
type Codec int

const (
	CodecAuto Codec = iota
	CodecAV1
	CodecHEVC
	CodecH264
)

func (c Codec) String() string {
	switch c {
	case CodecAV1:
		return "av1"
	case CodecHEVC:
		return "hevc"
	case CodecH264:
		return "h264"
	default:
		return "auto"
	}
}

// WireID is the codec_id byte sent in ConfigResponse.
func (c Codec) WireID() byte {
	switch c {
	case CodecHEVC:
		return 1
	case CodecH264:
		return 2
	default:
		return 0
	}
}

// QualityMode selects the encoder's rate-control shape.
type QualityMode int

const (
	QualityAuto QualityMode = iota
	QualityLow
	QualityBalanced
	QualityHigh
)

// CaptureBackend selects which desktop-capture source to use.
type CaptureBackend int

const (
	CaptureAuto CaptureBackend = iota
	CaptureX11
	CapturePortal
)

// PacingPolicy selects the UDP burst/delay shape used by the video sender.
type PacingPolicy int

const (
	PacingAuto PacingPolicy = iota
	PacingNone
	PacingLight
	PacingAggressive
	PacingKeyframeOnly
)

func ParsePacingPolicy(s string) (PacingPolicy, bool) {
	switch s {
	case "", "auto":
		return PacingAuto, true
	case "none":
		return PacingNone, true
	case "light":
		return PacingLight, true
	case "aggressive":
		return PacingAggressive, true
	case "keyframe":
		return PacingKeyframeOnly, true
	default:
		return PacingAuto, false
	}
}

// SessionConfig is the immutable parameter set negotiated for one session.
type SessionConfig struct {
	ScreenWidth  int
	ScreenHeight int
	TargetWidth  int
	TargetHeight int
	FPS          int
	Codec        Codec
	BitrateBPS   int
	GOPSize      int
	Quality      QualityMode
	CQP          int
	Pacing       PacingPolicy

	AudioEnabled    bool
	AudioSampleRate int
	AudioChannels   int
	AudioFrameMs    int
	AudioBitrateBPS int
}

// ReceiverDescriptor captures what the control handshake learned about the
// connected receiver.
type ReceiverDescriptor struct {
	IP             string
	Width          int
	Height         int
	PreferredPort  int
}

// InputEventKind tags an InputEvent's wire meaning.
type InputEventKind uint8

const (
	EventTouchDown InputEventKind = iota
	EventTouchMove
	EventTouchUp
	EventStylusDown
	EventStylusMove
	EventStylusUp
	EventStylusHover
	EventKeyDown
	EventKeyUp
	EventScroll
)

// Button bit meanings carried in InputEvent.Buttons for stylus events.
const (
	ButtonSecondary = 0x02
	ButtonTertiary  = 0x04
	ButtonEraser    = 0x20
)

// InputEvent is the decoded form of the 28-byte wire record.
type InputEvent struct {
	Kind      InputEventKind
	PointerID uint8
	X         float32
	Y         float32
	Pressure  float32
	TiltX     float32
	TiltY     float32
	Buttons   uint16
	TimestampMs uint32
}

// OpusPacket is one encoded audio frame ready to be sent.
type OpusPacket struct {
	Data        []byte
	Duration    time.Duration
	TimestampSamples uint32
}

// MediaCapturer produces raw frames from the desktop.
type MediaCapturer interface {
	Width() int
	Height() int
	Grab() (*RawFrame, error)
	Close()
}

// DebugGrabber is optionally implemented by a MediaCapturer to provide a
// human-viewable still for diagnostics.
type DebugGrabber interface {
	GrabImage() (image.Image, error)
}

// Resyncer is optionally implemented by a MediaCapturer whose underlying
// display can change size out from under it (an X11 root window resized by
// xrandr between sessions, for instance). Resync re-reads the live
// dimensions and reallocates any capture buffers sized against the old
// ones, reporting whether anything actually changed.
type Resyncer interface {
	Resync() (changed bool, err error)
}

// VideoEncoder compresses raw frames into a bitstream.
type VideoEncoder interface {
	Encode(frame *RawFrame) (*EncodedFrame, error)
	RequestKeyframe()
	Codec() Codec
	Close()
}

// EventInjector dispatches a decoded InputEvent into synthetic kernel
// input devices.
type EventInjector interface {
	Inject(event InputEvent)
	Reset()
	Close()
}

// AudioCapturer captures system audio output and emits encoded Opus packets.
type AudioCapturer interface {
	Run(packets chan<- *OpusPacket, stop <-chan struct{})
	Close()
}
