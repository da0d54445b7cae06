// Package audio captures system audio output via PulseAudio, encodes it to
// Opus, and sends it as UDP datagrams with the Audio Packet Header.
package audio

import "encoding/binary"

const (
	headerSize = 12
	audioMagic = 0x5341
)

// Header is the 12-byte Audio Packet Header, all integers little-endian.
type Header struct {
	Magic      uint16
	Sequence   uint16
	Timestamp  uint32
	PayloadLen uint16
}

func (h Header) Marshal(dst []byte) {
	binary.LittleEndian.PutUint16(dst[0:2], h.Magic)
	binary.LittleEndian.PutUint16(dst[2:4], h.Sequence)
	binary.LittleEndian.PutUint32(dst[4:8], h.Timestamp)
	binary.LittleEndian.PutUint16(dst[8:10], h.PayloadLen)
	binary.LittleEndian.PutUint16(dst[10:12], 0) // reserved
}

func UnmarshalHeader(src []byte) (Header, bool) {
	if len(src) < headerSize {
		return Header{}, false
	}
	h := Header{
		Magic:      binary.LittleEndian.Uint16(src[0:2]),
		Sequence:   binary.LittleEndian.Uint16(src[2:4]),
		Timestamp:  binary.LittleEndian.Uint32(src[4:8]),
		PayloadLen: binary.LittleEndian.Uint16(src[8:10]),
	}
	return h, h.Magic == audioMagic
}
