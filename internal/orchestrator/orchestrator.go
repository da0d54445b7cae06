// Package orchestrator runs the session lifecycle: wait for a receiver,
// negotiate configuration, stream frames and audio, relay input, and reset
// on disconnect, looping forever.
package orchestrator

import (
	stdtls "crypto/tls"
	"crypto/x509"
	"fmt"
	"log"
	"net"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"streamtablet/internal/audio"
	"streamtablet/internal/capture"
	"streamtablet/internal/config"
	"streamtablet/internal/control"
	"streamtablet/internal/encode"
	"streamtablet/internal/input"
	"streamtablet/internal/tls"
	"streamtablet/internal/types"
	"streamtablet/internal/videosend"
	"streamtablet/internal/xserver"
)

// Orchestrator owns every long-lived subsystem and drives the session loop.
type Orchestrator struct {
	cfg *config.Config

	capturer types.MediaCapturer
	encoder  types.VideoEncoder

	videoSender *videosend.Sender
	audioSender *audio.Sender
	audioCap    types.AudioCapturer
	audioStop   chan struct{}

	controlSrv *control.Server
	inputRecv  *input.Receiver

	injector types.EventInjector

	xserver *xserver.XServer

	frameNumber uint32
	closeOnce   sync.Once
}

// New opens the capture source, input relay, and the three UDP/TCP
// listeners. Capture, socket bind, and TLS setup failures are fatal (exit
// code 1); a uinput failure only degrades input to a no-op injector, and
// audio is started per session rather than here.
func New(cfg *config.Config) (*Orchestrator, error) {
	var xs *xserver.XServer
	if cfg.StartX && cfg.Display == "" && os.Getenv("DISPLAY") == "" {
		var err error
		xs, err = xserver.StartXServer(cfg.XResolution, cfg.GPU)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: start-x: %w", err)
		}
		cfg.Display = xs.Display
	}

	capturer, err := capture.NewCapturer(cfg.CaptureMode, cfg.Display)
	if err != nil {
		if xs != nil {
			xs.Stop()
		}
		return nil, fmt.Errorf("orchestrator: capture: %w", err)
	}

	videoSender, err := videosend.Bind(cfg.VideoPort)
	if err != nil {
		capturer.Close()
		if xs != nil {
			xs.Stop()
		}
		return nil, fmt.Errorf("orchestrator: video sender: %w", err)
	}

	inputRecv, err := input.Listen(cfg.InputPort)
	if err != nil {
		capturer.Close()
		videoSender.Close()
		if xs != nil {
			xs.Stop()
		}
		return nil, fmt.Errorf("orchestrator: input listener: %w", err)
	}

	var injector types.EventInjector
	relay, err := input.NewRelay(input.CoordTransform{
		ScreenW: capturer.Width(), ScreenH: capturer.Height(),
		ReceiverW: capturer.Width(), ReceiverH: capturer.Height(),
		Mode: input.ScaleLetterbox,
	})
	if err != nil {
		log.Printf("orchestrator: uinput relay unavailable (%v), input will be dropped", err)
		injector = input.NoopInjector{}
	} else {
		injector = relay
	}

	o := &Orchestrator{
		cfg:         cfg,
		capturer:    capturer,
		videoSender: videoSender,
		inputRecv:   inputRecv,
		injector:    injector,
		xserver:     xs,
	}

	var tlsConfig *stdtls.Config
	if cfg.TLS {
		tlsConfig, err = buildTLSConfig(cfg)
		if err != nil {
			o.Close()
			return nil, fmt.Errorf("orchestrator: tls: %w", err)
		}
	}

	srv, err := control.Listen(cfg.ControlPort, tlsConfig, cfg.Token, !cfg.NoAuth, control.Callbacks{
		OnKeyframeRequest: func() {
			if o.encoder != nil {
				o.encoder.RequestKeyframe()
			}
		},
	})
	if err != nil {
		o.Close()
		return nil, fmt.Errorf("orchestrator: control listen: %w", err)
	}
	o.controlSrv = srv

	return o, nil
}

// Run loops forever: accept a receiver, negotiate, stream until
// disconnect, reset, and accept the next one. Returns nil once stop is
// closed; accept and handshake errors are logged and the loop continues.
func (o *Orchestrator) Run(stop <-chan struct{}) error {
	for {
		select {
		case <-stop:
			return nil
		default:
		}

		sess, desc, err := o.controlSrv.AcceptAndHandshake(types.SessionConfig{})
		if err != nil {
			select {
			case <-stop:
				return nil
			default:
			}
			log.Printf("orchestrator: accept/handshake failed: %v", err)
			continue
		}

		sessionID := uuid.New().String()
		log.Printf("orchestrator: session %s: receiver connected from %s (%dx%d)", sessionID, desc.IP, desc.Width, desc.Height)
		if err := o.runSession(sess, desc, stop); err != nil {
			log.Printf("orchestrator: session %s ended: %v", sessionID, err)
		}
		o.resetInputState()
	}
}

func (o *Orchestrator) runSession(sess *control.Session, desc types.ReceiverDescriptor, stop <-chan struct{}) error {
	defer sess.Close()

	done := make(chan struct{})
	defer close(done)

	if rs, ok := o.capturer.(types.Resyncer); ok {
		if changed, err := rs.Resync(); err != nil {
			log.Printf("orchestrator: capture resync failed (%v), using previous dimensions", err)
		} else if changed {
			log.Printf("orchestrator: display resolution changed to %dx%d, reconfiguring session",
				o.capturer.Width(), o.capturer.Height())
		}
	}

	width, height := o.capturer.Width(), o.capturer.Height()
	sessCfg := o.cfg.Session
	sessCfg.ScreenWidth = width
	sessCfg.ScreenHeight = height
	if sessCfg.TargetWidth == 0 {
		sessCfg.TargetWidth = width
	}
	if sessCfg.TargetHeight == 0 {
		sessCfg.TargetHeight = height
	}

	enc, err := encode.NewEncoder(sessCfg, sessCfg.TargetWidth, sessCfg.TargetHeight)
	if err != nil {
		return fmt.Errorf("encoder: %w", err)
	}
	o.encoder = enc
	defer func() {
		o.encoder.Close()
		o.encoder = nil
	}()

	ip := net.ParseIP(desc.IP)
	videoPort := desc.PreferredPort
	if videoPort == 0 {
		videoPort = o.cfg.VideoPort
	}
	o.videoSender.SetDestination(ip, videoPort, sessCfg.Pacing)

	if r, ok := o.injector.(*input.Relay); ok {
		r.SetTransform(input.CoordTransform{
			ScreenW: width, ScreenH: height,
			ReceiverW: desc.Width, ReceiverH: desc.Height,
			Mode: input.ScaleLetterbox,
		})
	}

	if sessCfg.AudioEnabled {
		if err := o.startAudio(sessCfg, ip); err != nil {
			log.Printf("orchestrator: audio unavailable (%v), continuing video-only", err)
			sessCfg.AudioEnabled = false
		} else {
			defer o.stopAudio()
		}
	}

	audioPort := 0
	if sessCfg.AudioEnabled {
		audioPort = o.cfg.AudioPort
	}
	if err := sess.SendConfigResponse(sessCfg, o.cfg.VideoPort, o.cfg.InputPort, audioPort, enc.Codec()); err != nil {
		return fmt.Errorf("send config response: %w", err)
	}
	o.encoder.RequestKeyframe()

	// The input connection arrives on its own TCP socket and may lag the
	// control handshake slightly; accept it in the background so a slow or
	// absent input connection never blocks video streaming.
	go func() {
		conn, err := o.inputRecv.Accept(stop)
		if err != nil {
			log.Printf("orchestrator: input connection not established: %v", err)
			return
		}
		defer conn.Close()
		select {
		case <-stop:
		case <-done:
		}
	}()

	// Session.Drain blocks for up to its 1-second read deadline when the
	// receiver is idle, which would stall the frame-pacing loop below if
	// called inline. Run it on its own goroutine and only check in on the
	// result each tick.
	sessionEnded := make(chan error, 1)
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			if _, err := sess.Drain(); err != nil {
				sessionEnded <- err
				return
			}
		}
	}()

	frameInterval := time.Second / time.Duration(sessCfg.FPS)
	nextDeadline := time.Now()

	for {
		select {
		case <-stop:
			return nil
		case err := <-sessionEnded:
			return err
		default:
		}

		o.drainInputEvents()

		now := time.Now()
		if !now.Before(nextDeadline) {
			o.captureAndSend()
			nextDeadline = nextDeadline.Add(frameInterval)
			if nextDeadline.Before(now) {
				nextDeadline = now.Add(frameInterval)
			}
		}

		sleepStrategy(now, nextDeadline, sessCfg.FPS)
	}
}

// sleepStrategy waits out the remaining time until deadline, trading sleep
// precision for CPU as the remainder shrinks: roughly half the remaining
// time when more than 1ms is left, a scheduler yield plus a near-zero sleep
// between 100us and 1ms, and a tight busy-wait below that, where time.Sleep
// itself is too imprecise to land on the deadline. Above 90fps the schedule
// is tighter still (sleep only 60% of the remainder, busy-wait the last
// 500us) since there's less slack between ticks to give back.
func sleepStrategy(now, deadline time.Time, fps int) {
	remaining := deadline.Sub(now)
	if remaining <= 0 {
		return
	}

	if fps > 90 {
		const busyWait = 500 * time.Microsecond
		if remaining > busyWait {
			time.Sleep(remaining * 6 / 10)
			return
		}
		spinUntil(deadline)
		return
	}

	switch {
	case remaining > time.Millisecond:
		time.Sleep(remaining / 2)
	case remaining > 100*time.Microsecond:
		runtime.Gosched()
		time.Sleep(time.Microsecond)
	default:
		spinUntil(deadline)
	}
}

// spinUntil busy-waits the final stretch before deadline, where the kernel
// scheduler's wakeup jitter would otherwise overshoot the tick.
func spinUntil(deadline time.Time) {
	for time.Now().Before(deadline) {
	}
}

func (o *Orchestrator) captureAndSend() {
	frame, err := o.capturer.Grab()
	if err != nil {
		log.Printf("orchestrator: capture: %v", err)
		return
	}
	if frame == nil {
		return
	}

	encoded, err := o.encoder.Encode(frame)
	if err != nil {
		log.Printf("orchestrator: encode: %v", err)
		return
	}
	if encoded == nil {
		return
	}

	fn := uint16(atomic.AddUint32(&o.frameNumber, 1))
	if _, err := o.videoSender.SendFrame(encoded, fn); err != nil {
		log.Printf("orchestrator: send frame: %v", err)
	}

	if o.cfg.Verbosity >= 2 {
		log.Printf("orchestrator: frame %d: %d bytes, key=%v, sent=%d total", fn, len(encoded.Data), encoded.IsKey, o.videoSender.BytesSent())
	}
}

func (o *Orchestrator) drainInputEvents() {
	for {
		select {
		case ev := <-o.inputRecv.Events:
			o.injector.Inject(ev)
		default:
			return
		}
	}
}

func (o *Orchestrator) startAudio(cfg types.SessionConfig, ip net.IP) error {
	capturer, err := audio.NewAudioCapture(cfg)
	if err != nil {
		return err
	}
	sender, err := audio.Bind(o.cfg.AudioPort)
	if err != nil {
		capturer.Close()
		return err
	}
	sender.SetDestination(ip, o.cfg.AudioPort)

	o.audioCap = capturer
	o.audioSender = sender
	o.audioStop = make(chan struct{})

	packets := make(chan *types.OpusPacket, 32)
	stop := o.audioStop
	go capturer.Run(packets, stop)
	go func() {
		for {
			select {
			case <-stop:
				return
			case pkt := <-packets:
				if _, err := sender.Send(pkt); err != nil {
					log.Printf("orchestrator: audio send: %v", err)
				}
			}
		}
	}()
	return nil
}

func (o *Orchestrator) stopAudio() {
	if o.audioStop != nil {
		close(o.audioStop)
		o.audioStop = nil
	}
	if o.audioCap != nil {
		o.audioCap.Close()
		o.audioCap = nil
	}
	if o.audioSender != nil {
		o.audioSender.Close()
		o.audioSender = nil
	}
}

func (o *Orchestrator) resetInputState() {
	o.injector.Reset()
}

// Close tears every subsystem down in the order that matters: encoder
// before capturer, input devices destroyed after every socket so any
// in-flight event can still be relayed during shutdown logging; only the
// headless X server, if one was started, is stopped after them. Closing the control
// listener also unblocks a pending AcceptAndHandshake in Run. Safe to call
// more than once (e.g. once from a signal handler, once after Run returns).
func (o *Orchestrator) Close() {
	o.closeOnce.Do(func() {
		if o.controlSrv != nil {
			o.controlSrv.Close()
		}
		if o.encoder != nil {
			o.encoder.Close()
		}
		if o.capturer != nil {
			o.capturer.Close()
		}
		if o.videoSender != nil {
			o.videoSender.Close()
		}
		if o.audioSender != nil {
			o.audioSender.Close()
		}
		if o.inputRecv != nil {
			o.inputRecv.Close()
		}
		if o.injector != nil {
			o.injector.Close()
		}
		if o.xserver != nil {
			o.xserver.Stop()
		}
	})
}

// buildTLSConfig loads an operator-supplied certificate/key pair, or
// generates an ephemeral self-signed one via internal/tls when no cert
// flags were passed. An optional CA file enables mutual TLS, rejecting
// receivers that don't present a matching client certificate.
func buildTLSConfig(cfg *config.Config) (*stdtls.Config, error) {
	var tc *stdtls.Config
	if cfg.TLSCert != "" && cfg.TLSKey != "" {
		cert, err := stdtls.LoadX509KeyPair(cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			return nil, fmt.Errorf("load certificate: %w", err)
		}
		tc = &stdtls.Config{Certificates: []stdtls.Certificate{cert}}
	} else {
		var err error
		var fingerprint string
		tc, fingerprint, err = tls.SelfSigned()
		if err != nil {
			return nil, err
		}
		log.Printf("orchestrator: no --tls-cert/--tls-key given, using ephemeral cert (fingerprint %s)", fingerprint)
	}

	if cfg.TLSCA != "" {
		caPEM, err := os.ReadFile(cfg.TLSCA)
		if err != nil {
			return nil, fmt.Errorf("read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("no certificates found in %s", cfg.TLSCA)
		}
		tc.ClientCAs = pool
		tc.ClientAuth = stdtls.RequireAndVerifyClientCert
	}

	return tc, nil
}
