// Package videosend fragments encoded video frames into MTU-safe UDP
// datagrams and paces their transmission to avoid overrunning a congested
// Wi-Fi link.
package videosend

import "encoding/binary"

const (
	headerSize  = 16
	videoMagic  = 0x5354
	maxPayload  = 1200

	flagKeyframe = 1 << 0
	flagStart    = 1 << 1
	flagEnd      = 1 << 2
)

// Header is the 16-byte Video Packet Header, all integers little-endian.
type Header struct {
	Magic          uint16
	Sequence       uint16
	FrameNumber    uint16
	Flags          uint8
	FragmentIdx    uint16
	FragmentCount  uint16
	PayloadLen     uint16
}

// Marshal encodes the header into the first 16 bytes of dst. dst must be at
// least 16 bytes.
func (h Header) Marshal(dst []byte) {
	binary.LittleEndian.PutUint16(dst[0:2], h.Magic)
	binary.LittleEndian.PutUint16(dst[2:4], h.Sequence)
	binary.LittleEndian.PutUint16(dst[4:6], h.FrameNumber)
	dst[6] = h.Flags
	dst[7] = 0 // reserved
	binary.LittleEndian.PutUint16(dst[8:10], h.FragmentIdx)
	binary.LittleEndian.PutUint16(dst[10:12], h.FragmentCount)
	binary.LittleEndian.PutUint16(dst[12:14], h.PayloadLen)
	binary.LittleEndian.PutUint16(dst[14:16], 0) // reserved2
}

// UnmarshalHeader decodes a 16-byte Video Packet Header from src.
func UnmarshalHeader(src []byte) (Header, bool) {
	if len(src) < headerSize {
		return Header{}, false
	}
	h := Header{
		Magic:         binary.LittleEndian.Uint16(src[0:2]),
		Sequence:      binary.LittleEndian.Uint16(src[2:4]),
		FrameNumber:   binary.LittleEndian.Uint16(src[4:6]),
		Flags:         src[6],
		FragmentIdx:   binary.LittleEndian.Uint16(src[8:10]),
		FragmentCount: binary.LittleEndian.Uint16(src[10:12]),
		PayloadLen:    binary.LittleEndian.Uint16(src[12:14]),
	}
	return h, h.Magic == videoMagic
}

func (h Header) IsKeyframe() bool { return h.Flags&flagKeyframe != 0 }
func (h Header) IsStart() bool    { return h.Flags&flagStart != 0 }
func (h Header) IsEnd() bool      { return h.Flags&flagEnd != 0 }
