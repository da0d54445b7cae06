package audio

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"streamtablet/internal/types"
)

// Sender transmits encoded Opus packets as single UDP datagrams with the
// 12-byte Audio Packet Header. Opus frames at the configured bitrates never
// approach the MTU, so unlike videosend there is no fragmentation.
type Sender struct {
	conn *net.UDPConn

	mu       sync.Mutex
	dest     *net.UDPAddr
	sequence uint32
}

func Bind(localPort int) (*Sender, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: localPort})
	if err != nil {
		return nil, fmt.Errorf("audio: listen: %w", err)
	}
	return &Sender{conn: conn}, nil
}

func (s *Sender) SetDestination(ip net.IP, port int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dest = &net.UDPAddr{IP: ip, Port: port}
}

func (s *Sender) Send(pkt *types.OpusPacket) (bool, error) {
	s.mu.Lock()
	dest := s.dest
	s.mu.Unlock()
	if dest == nil {
		return false, nil
	}

	buf := make([]byte, headerSize+len(pkt.Data))
	h := Header{
		Magic:      audioMagic,
		Sequence:   uint16(atomic.AddUint32(&s.sequence, 1)),
		Timestamp:  pkt.TimestampSamples,
		PayloadLen: uint16(len(pkt.Data)),
	}
	h.Marshal(buf)
	copy(buf[headerSize:], pkt.Data)

	if _, err := s.conn.WriteToUDP(buf, dest); err != nil {
		return false, fmt.Errorf("audio: write: %w", err)
	}
	return true, nil
}

func (s *Sender) Close() error { return s.conn.Close() }
