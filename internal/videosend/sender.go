package videosend

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"streamtablet/internal/types"
)

// Sender fragments EncodedFrames into Video Packet Header-prefixed UDP
// datagrams and paces bursts according to the active PacingPolicy.
type Sender struct {
	conn *net.UDPConn

	mu     sync.Mutex
	dest   *net.UDPAddr
	policy types.PacingPolicy

	sequence uint32 // wraps into uint16 on use

	bytesSent   uint64
	packetsSent uint64
}

// Bind opens the UDP socket the sender transmits from.
func Bind(localPort int) (*Sender, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: localPort})
	if err != nil {
		return nil, fmt.Errorf("videosend: listen: %w", err)
	}
	_ = conn.SetWriteBuffer(4 << 20)
	return &Sender{conn: conn}, nil
}

// SetDestination points the sender at a newly connected receiver. Policy
// PacingAuto is resolved immediately against the receiver's IP.
func (s *Sender) SetDestination(ip net.IP, port int, policy types.PacingPolicy) {
	if policy == types.PacingAuto {
		policy = resolveAuto(ip)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dest = &net.UDPAddr{IP: ip, Port: port}
	s.policy = policy
}

// SendFrame fragments and transmits one encoded frame, applying pacing
// bursts between groups of fragments. Returns false if there is currently
// no destination (no receiver connected).
func (s *Sender) SendFrame(ef *types.EncodedFrame, frameNumber uint16) (bool, error) {
	s.mu.Lock()
	dest := s.dest
	policy := s.policy
	s.mu.Unlock()
	if dest == nil {
		return false, nil
	}

	data := ef.Data
	fragCount := (len(data) + maxPayload - 1) / maxPayload
	if fragCount == 0 {
		fragCount = 1
	}
	if fragCount > 0xFFFF {
		return false, fmt.Errorf("videosend: frame requires %d fragments, exceeds 65535", fragCount)
	}

	plan := planFor(policy, len(data), ef.IsKey)

	buf := make([]byte, headerSize+maxPayload)
	sinceLastBurst := 0

	for idx := 0; idx < fragCount; idx++ {
		start := idx * maxPayload
		end := start + maxPayload
		if end > len(data) {
			end = len(data)
		}
		payload := data[start:end]
		if len(payload) == 0 {
			payload = []byte{0}
		}

		var flags uint8
		if ef.IsKey {
			flags |= flagKeyframe
		}
		if idx == 0 {
			flags |= flagStart
		}
		if idx == fragCount-1 {
			flags |= flagEnd
		}

		h := Header{
			Magic:         videoMagic,
			Sequence:      uint16(atomic.AddUint32(&s.sequence, 1)),
			FrameNumber:   frameNumber,
			Flags:         flags,
			FragmentIdx:   uint16(idx),
			FragmentCount: uint16(fragCount),
			PayloadLen:    uint16(len(payload)),
		}
		h.Marshal(buf)
		n := copy(buf[headerSize:], payload)

		if _, err := s.conn.WriteToUDP(buf[:headerSize+n], dest); err != nil {
			return false, fmt.Errorf("videosend: write: %w", err)
		}
		atomic.AddUint64(&s.bytesSent, uint64(headerSize+n))
		atomic.AddUint64(&s.packetsSent, 1)

		sinceLastBurst++
		isLastFragment := idx == fragCount-1
		if plan.burst > 0 && sinceLastBurst >= plan.burst && !isLastFragment {
			time.Sleep(time.Duration(plan.delayUs) * time.Microsecond)
			sinceLastBurst = 0
		}
	}
	return true, nil
}

func (s *Sender) BytesSent() uint64   { return atomic.LoadUint64(&s.bytesSent) }
func (s *Sender) PacketsSent() uint64 { return atomic.LoadUint64(&s.packetsSent) }

func (s *Sender) Close() error { return s.conn.Close() }
