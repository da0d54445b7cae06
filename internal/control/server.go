package control

import (
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"log"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"streamtablet/internal/types"
)

// Callbacks the orchestrator wires into a Server.
type Callbacks struct {
	OnKeyframeRequest func()
	OnDisconnect      func()
}

// Server accepts at most one connected receiver at a time on the control
// port, running the ConfigRequest/ConfigResponse handshake and then
// forwarding KeyframeRequest/Ping/Disconnect for the life of the session.
type Server struct {
	listener net.Listener
	token    string
	requireAuth bool
	cb       Callbacks

	busy   atomic.Bool
	connCh chan net.Conn
}

// Listen binds the control port, optionally wrapped in TLS. If tlsConfig is
// non-nil but Listen fails to bind a TLS listener, it logs and falls back
// to plain TCP rather than refusing to start.
func Listen(port int, tlsConfig *tls.Config, token string, requireAuth bool, cb Callbacks) (*Server, error) {
	addr := fmt.Sprintf(":%d", port)
	var l net.Listener
	var err error
	if tlsConfig != nil {
		cfg := tlsConfig.Clone()
		cfg.MinVersion = tls.VersionTLS13
		l, err = tls.Listen("tcp", addr, cfg)
		if err != nil {
			log.Printf("control: TLS listen failed (%v), falling back to plain TCP", err)
			l, err = net.Listen("tcp", addr)
		}
	} else {
		l, err = net.Listen("tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("control: listen on %s: %w", addr, err)
	}
	s := &Server{listener: l, token: token, requireAuth: requireAuth, cb: cb, connCh: make(chan net.Conn)}
	go s.acceptLoop()
	return s, nil
}

func (s *Server) Close() error { return s.listener.Close() }

// acceptLoop keeps calling Accept continuously so a second receiver
// connecting while a session is already live isn't left sitting in the OS
// backlog until that session ends. Instead it's accepted immediately, sent a
// best-effort Disconnect, and closed; only one connection at a time is ever
// handed to AcceptAndHandshake.
func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			close(s.connCh)
			return
		}
		if s.busy.Load() {
			host, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
			log.Printf("control: rejecting concurrent receiver from %s (private=%v), session already live", host, isPrivateAddr(host))
			_ = WriteFrame(conn, Frame{Type: TypeDisconnect})
			conn.Close()
			continue
		}
		s.connCh <- conn
	}
}

// AcceptAndHandshake blocks for the next receiver connection, runs the
// auth/config handshake, and returns the negotiated descriptor plus a live
// *Session to drain for the rest of the connection's lifetime.
func (s *Server) AcceptAndHandshake(cfg types.SessionConfig) (sess *Session, desc types.ReceiverDescriptor, err error) {
	conn, ok := <-s.connCh
	if !ok {
		return nil, types.ReceiverDescriptor{}, fmt.Errorf("control: listener closed")
	}
	s.busy.Store(true)
	defer func() {
		if err != nil {
			s.busy.Store(false)
		}
	}()

	if s.requireAuth {
		f, err := ReadFrame(conn)
		if err != nil || f.Type != TypeAuthRequest {
			conn.Close()
			return nil, types.ReceiverDescriptor{}, fmt.Errorf("control: expected AuthRequest")
		}
		ok := string(f.Payload) == s.token
		respPayload := []byte{0}
		if ok {
			respPayload[0] = 1
		}
		_ = WriteFrame(conn, Frame{Type: TypeAuthResponse, Payload: respPayload})
		if !ok {
			conn.Close()
			return nil, types.ReceiverDescriptor{}, fmt.Errorf("control: auth rejected")
		}
	}

	f, err := ReadFrame(conn)
	if err != nil || f.Type != TypeConfigRequest || len(f.Payload) < 8 {
		conn.Close()
		return nil, types.ReceiverDescriptor{}, fmt.Errorf("control: expected ConfigRequest")
	}
	recvWidth := int(binary.BigEndian.Uint16(f.Payload[0:2]))
	recvHeight := int(binary.BigEndian.Uint16(f.Payload[2:4]))
	recvPort := int(binary.BigEndian.Uint16(f.Payload[4:6]))

	host, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
	desc = types.ReceiverDescriptor{
		IP:            host,
		Width:         recvWidth,
		Height:        recvHeight,
		PreferredPort: recvPort,
	}

	sess = &Session{conn: conn, cb: s.cb, srv: s}
	return sess, desc, nil
}

// Session is one connected receiver's live control connection.
type Session struct {
	conn net.Conn
	cb   Callbacks
	srv  *Server
}

// SendConfigResponse writes the full 15-byte negotiated configuration.
// Receivers that understand only the 8- or 14-byte historical prefixes
// still work, since they simply stop reading early.
func (s *Session) SendConfigResponse(cfg types.SessionConfig, videoPort, inputPort, audioPort int, codec types.Codec) error {
	resp := make([]byte, 15)
	binary.BigEndian.PutUint16(resp[0:2], uint16(cfg.ScreenWidth))
	binary.BigEndian.PutUint16(resp[2:4], uint16(cfg.ScreenHeight))
	binary.BigEndian.PutUint16(resp[4:6], uint16(videoPort))
	binary.BigEndian.PutUint16(resp[6:8], uint16(inputPort))
	binary.BigEndian.PutUint16(resp[8:10], uint16(audioPort))
	binary.BigEndian.PutUint16(resp[10:12], uint16(cfg.AudioSampleRate))
	resp[12] = byte(cfg.AudioChannels)
	resp[13] = byte(cfg.AudioFrameMs)
	resp[14] = codec.WireID()
	return WriteFrame(s.conn, Frame{Type: TypeConfigResponse, Payload: resp})
}

// Drain reads and dispatches one pending message if available within the
// read deadline, returning (handled, error). A timeout is not an error: it
// means nothing arrived this tick.
func (s *Session) Drain() (bool, error) {
	_ = s.conn.SetReadDeadline(time.Now().Add(1 * time.Second))
	f, err := ReadFrame(s.conn)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return false, nil
		}
		return false, err
	}
	switch f.Type {
	case TypeKeyframeRequest:
		if s.cb.OnKeyframeRequest != nil {
			s.cb.OnKeyframeRequest()
		}
	case TypePing:
		_ = WriteFrame(s.conn, Frame{Type: TypePong, Payload: f.Payload})
	case TypeDisconnect:
		if s.cb.OnDisconnect != nil {
			s.cb.OnDisconnect()
		}
		return true, fmt.Errorf("control: receiver disconnected")
	}
	return true, nil
}

func (s *Session) Close() error {
	if s.srv != nil {
		s.srv.busy.Store(false)
	}
	return s.conn.Close()
}

// isPrivateAddr reports whether host looks like a LAN/tethering address,
// used to flag concurrent-connection attempts from outside the expected
// tethering subnet when a session is already live.
func isPrivateAddr(host string) bool {
	return strings.HasPrefix(host, "10.") || strings.HasPrefix(host, "192.168.")
}
