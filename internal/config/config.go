// Package config parses the command-line surface into a types.SessionConfig
// plus the orchestrator's remaining runtime options.
package config

import (
	"flag"
	"fmt"

	"streamtablet/internal/types"
)

// Config is everything parsed from the command line.
type Config struct {
	Display      string
	StartX       bool
	XResolution  string
	GPU          int
	CaptureMode  types.CaptureBackend
	Session      types.SessionConfig

	ControlPort int
	VideoPort   int
	InputPort   int
	AudioPort   int

	TLS        bool
	TLSCert    string
	TLSKey     string
	TLSCA      string
	Token      string
	NoAuth     bool

	Verbosity int // 0 = warn, 1 = info (-v), 2 = debug (-vv)
}

// ConfigError is returned for invalid flag values; cmd/streamtabletd exits
// with code 2 on this error, distinct from initialization failures (exit 1).
type ConfigError struct{ msg string }

func (e *ConfigError) Error() string { return e.msg }

func configErrorf(format string, a ...any) error {
	return &ConfigError{msg: fmt.Sprintf(format, a...)}
}

// Parse parses args (normally os.Args[1:]) into a Config.
func Parse(args []string) (*Config, error) {
	fs := flag.NewFlagSet("streamtabletd", flag.ContinueOnError)

	display := fs.String("display", "", "X11 display name (ignored under Wayland)")
	startX := fs.Bool("start-x", false, "launch a headless Xorg session if --display/$DISPLAY is unset")
	xRes := fs.String("start-x-resolution", "1920x1080", "resolution for the Xorg session started by --start-x")
	gpu := fs.Int("gpu", 0, "GPU index to bind the headless Xorg session to")
	captureStr := fs.String("capture", "auto", "capture backend: auto, x11, portal")
	encoderStr := fs.String("encoder", "auto", "video codec: auto, av1, hevc, h264")
	fps := fs.Int("fps", 60, "target capture/encode framerate")
	bitrate := fs.Int("bitrate", 15_000_000, "target video bitrate in bits/sec")
	gop := fs.Int("gop", 0, "GOP size in frames (0 = fps/2)")
	qualityStr := fs.String("quality", "auto", "quality mode: auto, low, balanced, high")
	cqp := fs.Int("cqp", 0, "constant QP (1-51), used by the high and auto quality modes")
	pacingStr := fs.String("pacing", "auto", "UDP pacing policy: auto, none, light, aggressive, keyframe")
	port := fs.Int("port", 9500, "control port (video=+1, input=+2, audio=+3)")
	noAudio := fs.Bool("no-audio", false, "disable the audio sub-stream")
	audioBitrate := fs.Int("audio-bitrate", 128_000, "Opus bitrate in bits/sec")

	tlsOn := fs.Bool("tls", false, "require TLS on the control channel")
	tlsCert := fs.String("tls-cert", "", "TLS certificate path (else self-signed)")
	tlsKey := fs.String("tls-key", "", "TLS key path (else self-signed)")
	tlsCA := fs.String("tls-ca", "", "CA file for client certificate verification")
	token := fs.String("token", "", "shared-secret bearer token")
	noAuth := fs.Bool("no-auth", false, "skip the AuthRequest/AuthResponse exchange entirely")

	verbose := fs.Bool("v", false, "info-level logging")
	veryVerbose := fs.Bool("vv", false, "debug-level logging")

	if err := fs.Parse(args); err != nil {
		return nil, &ConfigError{msg: err.Error()}
	}

	capture, ok := parseCaptureBackend(*captureStr)
	if !ok {
		return nil, configErrorf("invalid --capture %q", *captureStr)
	}
	codec, ok := parseCodec(*encoderStr)
	if !ok {
		return nil, configErrorf("invalid --encoder %q", *encoderStr)
	}
	quality, ok := parseQuality(*qualityStr)
	if !ok {
		return nil, configErrorf("invalid --quality %q", *qualityStr)
	}
	pacing, ok := types.ParsePacingPolicy(*pacingStr)
	if !ok {
		return nil, configErrorf("invalid --pacing %q", *pacingStr)
	}
	if *fps < 1 {
		*fps = 1
	} else if *fps > 120 {
		*fps = 120
	}
	if *cqp != 0 && (*cqp < 1 || *cqp > 51) {
		return nil, configErrorf("--cqp must be in 1..51, got %d", *cqp)
	}
	if *audioBitrate < 16_000 || *audioBitrate > 510_000 {
		return nil, configErrorf("--audio-bitrate must be in 16000..510000, got %d", *audioBitrate)
	}
	if *port < 1 || *port > 65532 {
		return nil, configErrorf("--port must leave room for +3, got %d", *port)
	}

	verbosity := 0
	if *verbose {
		verbosity = 1
	}
	if *veryVerbose {
		verbosity = 2
	}

	cfg := &Config{
		Display:     *display,
		StartX:      *startX,
		XResolution: *xRes,
		GPU:         *gpu,
		CaptureMode: capture,
		Session: types.SessionConfig{
			FPS:             *fps,
			Codec:           codec,
			BitrateBPS:      *bitrate,
			GOPSize:         *gop,
			Quality:         quality,
			CQP:             *cqp,
			Pacing:          pacing,
			AudioEnabled:    !*noAudio,
			AudioSampleRate: 48000,
			AudioChannels:   2,
			AudioFrameMs:    10,
			AudioBitrateBPS: *audioBitrate,
		},
		ControlPort: *port,
		VideoPort:   *port + 1,
		InputPort:   *port + 2,
		AudioPort:   *port + 3,
		TLS:         *tlsOn,
		TLSCert:     *tlsCert,
		TLSKey:      *tlsKey,
		TLSCA:       *tlsCA,
		Token:       *token,
		NoAuth:      *noAuth,
		Verbosity:   verbosity,
	}
	return cfg, nil
}

func parseCaptureBackend(s string) (types.CaptureBackend, bool) {
	switch s {
	case "", "auto":
		return types.CaptureAuto, true
	case "x11":
		return types.CaptureX11, true
	case "portal":
		return types.CapturePortal, true
	default:
		return types.CaptureAuto, false
	}
}

func parseCodec(s string) (types.Codec, bool) {
	switch s {
	case "", "auto":
		return types.CodecAuto, true
	case "av1":
		return types.CodecAV1, true
	case "hevc":
		return types.CodecHEVC, true
	case "h264":
		return types.CodecH264, true
	default:
		return types.CodecAuto, false
	}
}

func parseQuality(s string) (types.QualityMode, bool) {
	switch s {
	case "", "auto":
		return types.QualityAuto, true
	case "low":
		return types.QualityLow, true
	case "balanced":
		return types.QualityBalanced, true
	case "high":
		return types.QualityHigh, true
	default:
		return types.QualityAuto, false
	}
}

// ExitCodeForError maps a returned error to the process exit code
// cmd/streamtabletd should use: 2 for configuration errors, 1 for anything
// else (initialization failures).
func ExitCodeForError(err error) int {
	if _, ok := err.(*ConfigError); ok {
		return 2
	}
	return 1
}
