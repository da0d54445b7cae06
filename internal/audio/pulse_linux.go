//go:build linux

package audio

import (
	"fmt"
	"log"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"streamtablet/internal/types"

	"github.com/hraban/opus"
	"github.com/jfreymuth/pulse"
	"github.com/jfreymuth/pulse/proto"
)

const channels = 2

// pcmCollector implements pulse.Writer, receiving raw 32-bit float PCM from
// PulseAudio's monitor source at native sample width (no integer downcast).
type pcmCollector struct {
	mu     sync.Mutex
	buf    []float32
	format byte
}

func (p *pcmCollector) Write(data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(data) / 4
	for i := 0; i < n; i++ {
		bits := uint32(data[i*4]) | uint32(data[i*4+1])<<8 | uint32(data[i*4+2])<<16 | uint32(data[i*4+3])<<24
		p.buf = append(p.buf, math.Float32frombits(bits))
	}
	return len(data), nil
}

func (p *pcmCollector) Format() byte { return p.format }

func (p *pcmCollector) drain(count int) []float32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.buf) < count {
		return nil
	}
	out := make([]float32, count)
	copy(out, p.buf[:count])
	p.buf = p.buf[count:]
	return out
}

// PulseCapture captures the default sink's monitor and encodes it to Opus
// at a configurable sample rate and frame duration.
type PulseCapture struct {
	client      *pulse.Client
	stream      *pulse.RecordStream
	encoder     *opus.Encoder
	sampleRate  int
	frameMs     int
	samplesSent uint64
}

// NewAudioCapture connects to PulseAudio and constructs the Opus encoder.
func NewAudioCapture(cfg types.SessionConfig) (types.AudioCapturer, error) {
	client, err := pulse.NewClient(
		pulse.ClientApplicationName("streamtabletd"),
	)
	if err != nil {
		return nil, fmt.Errorf("audio: pulse connect: %w", err)
	}

	enc, err := opus.NewEncoder(cfg.AudioSampleRate, channels, opus.AppAudio)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("audio: opus encoder: %w", err)
	}
	_ = enc.SetComplexity(5)
	_ = enc.SetSignal(opus.SignalMusic)
	_ = enc.SetBitrate(cfg.AudioBitrateBPS)

	return &PulseCapture{
		client:     client,
		encoder:    enc,
		sampleRate: cfg.AudioSampleRate,
		frameMs:    cfg.AudioFrameMs,
	}, nil
}

func (ac *PulseCapture) Run(packets chan<- *types.OpusPacket, stop <-chan struct{}) {
	collector := &pcmCollector{format: proto.FormatFloat32LE}

	sink, err := ac.client.DefaultSink()
	if err != nil {
		log.Printf("audio: failed to get default sink: %v", err)
		return
	}

	frameSize := ac.sampleRate * ac.frameMs / 1000 // samples per channel per frame

	stream, err := ac.client.NewRecord(
		collector,
		pulse.RecordMonitor(sink),
		pulse.RecordStereo,
		pulse.RecordSampleRate(uint32(ac.sampleRate)),
		pulse.RecordBufferFragmentSize(uint32(frameSize*channels*4)),
	)
	if err != nil {
		log.Printf("audio: failed to create record stream: %v", err)
		return
	}
	ac.stream = stream
	stream.Start()

	opusBuf := make([]byte, 4000)
	samplesPerFrame := frameSize * channels

	ticker := time.NewTicker(time.Duration(ac.frameMs) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			pcm := collector.drain(samplesPerFrame)
			if pcm == nil {
				continue
			}

			encoded, err := ac.encoder.EncodeFloat32(pcm, opusBuf)
			if err != nil {
				log.Printf("audio: opus encode: %v", err)
				continue
			}

			ts := atomic.AddUint64(&ac.samplesSent, uint64(frameSize))
			pkt := &types.OpusPacket{
				Data:             make([]byte, encoded),
				Duration:         time.Duration(ac.frameMs) * time.Millisecond,
				TimestampSamples: uint32(ts),
			}
			copy(pkt.Data, opusBuf[:encoded])

			select {
			case packets <- pkt:
			default:
			}
		}
	}
}

func (ac *PulseCapture) Close() {
	if ac.stream != nil {
		ac.stream.Stop()
	}
	ac.client.Close()
}
