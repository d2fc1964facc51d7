// Package malgo adapts miniaudio capture and playback devices to the
// screentalk device interfaces.
//
// Capture devices are opened in shared mode with 16-bit mono PCM at the
// configured target rate — miniaudio performs the hardware-rate conversion
// so frames leave the adapter already resampled, and the encoder never
// touches sample rates. Playback renders the model's 24 kHz reply segments
// through a single long-lived output device.
package malgo

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/yeyulab/screentalk/pkg/device"
	"github.com/yeyulab/screentalk/pkg/media"
)

// Compile-time assertions that the adapter satisfies the device interfaces.
var _ device.Microphone = (*Microphone)(nil)
var _ device.Player = (*Player)(nil)

// periodSizeMS is the miniaudio period size for both device directions.
const periodSizeMS = 20

// Platform owns the shared miniaudio context. Create one per process and
// obtain devices from it; Close releases the context.
type Platform struct {
	ctx *malgo.AllocatedContext
}

// New initializes the miniaudio context.
func New() (*Platform, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("malgo: init context: %w", err)
	}
	return &Platform{ctx: ctx}, nil
}

// Close releases the miniaudio context. Devices must be closed first.
func (p *Platform) Close() error {
	if err := p.ctx.Uninit(); err != nil {
		return fmt.Errorf("malgo: uninit context: %w", err)
	}
	p.ctx.Free()
	return nil
}

// Microphone returns the capture device adapter.
func (p *Platform) Microphone() *Microphone { return &Microphone{platform: p} }

// Player returns a playback device adapter rendering at sampleRate.
// Pass 0 to use the default inbound rate.
func (p *Platform) Player(sampleRate int) *Player {
	if sampleRate == 0 {
		sampleRate = media.PlaybackSampleRate
	}
	return &Player{platform: p, sampleRate: sampleRate}
}

// classify maps miniaudio failures onto the device sentinel errors.
// miniaudio reports result codes as error strings; match the two we care
// about and pass everything else through.
func classify(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "access denied"):
		return fmt.Errorf("%w: %v", device.ErrPermissionDenied, err)
	case strings.Contains(msg, "no device"), strings.Contains(msg, "device not found"):
		return fmt.Errorf("%w: %v", device.ErrNotFound, err)
	}
	return err
}

// ── Microphone ────────────────────────────────────────────────────────────────

// Microphone implements device.Microphone on top of a miniaudio capture
// device.
type Microphone struct {
	platform *Platform
}

// Start opens the capture device and streams frames until the returned
// stream is closed.
func (m *Microphone) Start(_ context.Context, cfg device.CaptureConfig) (device.CaptureStream, error) {
	cfg = cfg.Defaulted()

	s := &captureStream{
		frames:  make(chan media.AudioFrame, 8),
		pending: make([]byte, 0, cfg.BufferSamples*2),
		cfg:     cfg,
		started: time.Now(),
	}

	dc := malgo.DefaultDeviceConfig(malgo.Capture)
	dc.SampleRate = uint32(cfg.SampleRate)
	dc.Capture.Format = malgo.FormatS16
	dc.Capture.Channels = uint32(cfg.Channels)
	dc.PeriodSizeInMilliseconds = periodSizeMS
	dc.Alsa.NoMMap = 1

	dev, err := malgo.InitDevice(m.platform.ctx.Context, dc, malgo.DeviceCallbacks{
		Data: func(_, in []byte, _ uint32) { s.push(in) },
	})
	if err != nil {
		return nil, classify(fmt.Errorf("malgo: init capture: %w", err))
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return nil, classify(fmt.Errorf("malgo: start capture: %w", err))
	}

	s.dev = dev
	return s, nil
}

// Probe opens and immediately releases the capture device. Surfaces the
// same error classification as Start.
func (m *Microphone) Probe(ctx context.Context) error {
	stream, err := m.Start(ctx, device.CaptureConfig{})
	if err != nil {
		return err
	}
	return stream.Close()
}

// captureStream accumulates device callbacks into fixed-size frames.
type captureStream struct {
	dev     *malgo.Device
	frames  chan media.AudioFrame
	cfg     device.CaptureConfig
	started time.Time

	mu      sync.Mutex
	pending []byte
	closed  bool
}

// push is invoked on the miniaudio callback thread. It must not block:
// full frames are dropped when the consumer is behind.
func (s *captureStream) push(in []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.pending = append(s.pending, in...)
	frameBytes := s.cfg.BufferSamples * 2
	for len(s.pending) >= frameBytes {
		buf := make([]byte, frameBytes)
		copy(buf, s.pending[:frameBytes])
		s.pending = s.pending[frameBytes:]
		frame := media.AudioFrame{
			Data:       buf,
			SampleRate: s.cfg.SampleRate,
			Channels:   s.cfg.Channels,
			Timestamp:  time.Since(s.started),
		}
		select {
		case s.frames <- frame:
		default: // consumer behind; stale realtime audio is dropped
		}
	}
}

func (s *captureStream) Frames() <-chan media.AudioFrame { return s.frames }

// Close stops the device, releases it, and closes the frame channel.
func (s *captureStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := s.dev.Stop()
	s.dev.Uninit()
	close(s.frames)
	if err != nil {
		return fmt.Errorf("malgo: stop capture: %w", err)
	}
	return nil
}

// ── Player ────────────────────────────────────────────────────────────────────

// Player implements device.Player on a miniaudio playback device. The
// device is initialized lazily on the first Start and kept open across
// segments; the data callback drains the active segment and fires its
// completion callback when exhausted.
type Player struct {
	platform   *Platform
	sampleRate int

	mu      sync.Mutex
	dev     *malgo.Device
	running bool
	pending []byte
	done    func()
}

// Running reports whether the output device is started.
func (p *Player) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running && p.dev != nil
}

// Start initializes the playback device if needed and starts it. No-op if
// already running.
func (p *Player) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.dev == nil {
		dc := malgo.DefaultDeviceConfig(malgo.Playback)
		dc.SampleRate = uint32(p.sampleRate)
		dc.Playback.Format = malgo.FormatS16
		dc.Playback.Channels = 1
		dc.PeriodSizeInMilliseconds = periodSizeMS
		dc.Alsa.NoMMap = 1

		dev, err := malgo.InitDevice(p.platform.ctx.Context, dc, malgo.DeviceCallbacks{
			Data: p.fill,
		})
		if err != nil {
			return classify(fmt.Errorf("malgo: init playback: %w", err))
		}
		p.dev = dev
	}
	if !p.running {
		if err := p.dev.Start(); err != nil {
			return classify(fmt.Errorf("malgo: start playback: %w", err))
		}
		p.running = true
	}
	return nil
}

// Play queues one segment for rendering. The samples are converted back to
// s16 once here so the realtime data callback only copies bytes.
func (p *Player) Play(samples []float32, sampleRate int, done func()) error {
	pcm := make([]byte, len(samples)*2)
	for i, f := range samples {
		v := f * 32768
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		s := int16(v)
		pcm[i*2] = byte(s)
		pcm[i*2+1] = byte(s >> 8)
	}
	if sampleRate != p.sampleRate {
		pcm = media.ResampleMono16(pcm, sampleRate, p.sampleRate)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running || p.dev == nil {
		return fmt.Errorf("malgo: playback device not running")
	}
	if p.done != nil {
		return fmt.Errorf("malgo: segment already playing")
	}
	p.pending = pcm
	p.done = done
	return nil
}

// fill is the miniaudio playback callback. It copies from the active
// segment and zero-fills the remainder; segment completion callbacks run
// on their own goroutine to keep the audio thread unblocked.
func (p *Player) fill(out, _ []byte, _ uint32) {
	p.mu.Lock()
	n := copy(out, p.pending)
	p.pending = p.pending[n:]
	for i := n; i < len(out); i++ {
		out[i] = 0
	}
	var done func()
	if len(p.pending) == 0 && p.done != nil {
		done = p.done
		p.done = nil
	}
	p.mu.Unlock()

	if done != nil {
		go done()
	}
}

// Close stops and releases the playback device. Idempotent.
func (p *Player) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dev == nil {
		return nil
	}
	err := p.dev.Stop()
	p.dev.Uninit()
	p.dev = nil
	p.running = false
	p.pending = nil
	p.done = nil
	if err != nil {
		return fmt.Errorf("malgo: stop playback: %w", err)
	}
	return nil
}
