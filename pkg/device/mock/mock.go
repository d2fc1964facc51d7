// Package mock provides test doubles for the device interfaces.
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/yeyulab/screentalk/pkg/device"
	"github.com/yeyulab/screentalk/pkg/media"
)

var _ device.Microphone = (*Microphone)(nil)
var _ device.CaptureStream = (*Stream)(nil)
var _ device.Player = (*Player)(nil)

// Microphone is a device.Microphone whose behavior is driven by its fields.
type Microphone struct {
	StartStream *Stream
	StartError  error
	ProbeError  error

	StartCalls []device.CaptureConfig
	ProbeCalls int
}

func (m *Microphone) Start(_ context.Context, cfg device.CaptureConfig) (device.CaptureStream, error) {
	m.StartCalls = append(m.StartCalls, cfg)
	if m.StartError != nil {
		return nil, m.StartError
	}
	if m.StartStream == nil {
		m.StartStream = NewStream(8)
	}
	return m.StartStream, nil
}

func (m *Microphone) Probe(context.Context) error {
	m.ProbeCalls++
	return m.ProbeError
}

// Stream is a device.CaptureStream fed by the test via Emit.
type Stream struct {
	ch     chan media.AudioFrame
	mu     sync.Mutex
	closed bool

	CloseError error
	CloseCalls int
}

// NewStream returns a stream with the given channel capacity.
func NewStream(buf int) *Stream {
	return &Stream{ch: make(chan media.AudioFrame, buf)}
}

// Emit delivers one frame to the consumer. No-op after Close.
func (s *Stream) Emit(frame media.AudioFrame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.ch <- frame
}

func (s *Stream) Frames() <-chan media.AudioFrame { return s.ch }

func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCalls++
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	return s.CloseError
}

// PlayedSegment records one Play call.
type PlayedSegment struct {
	Samples    []float32
	SampleRate int
}

// Player is a device.Player recording segments. When AutoComplete is set,
// each accepted segment's done callback fires on a goroutine immediately.
// When RejectBusy is set, Play enforces the one-segment-at-a-time contract
// and fails while a done callback is still outstanding.
type Player struct {
	StartError error
	PlayError  error
	CloseError error

	AutoComplete bool
	RejectBusy   bool

	mu          sync.Mutex
	running     bool
	StartCalls  int
	CloseCalls  int
	Played      []PlayedSegment
	pendingDone func()
}

func (p *Player) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *Player) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartCalls++
	if p.StartError != nil {
		return p.StartError
	}
	p.running = true
	return nil
}

func (p *Player) Play(samples []float32, sampleRate int, done func()) error {
	p.mu.Lock()
	if p.PlayError != nil {
		p.mu.Unlock()
		return p.PlayError
	}
	if p.RejectBusy && p.pendingDone != nil {
		p.mu.Unlock()
		return errors.New("segment already playing")
	}
	p.Played = append(p.Played, PlayedSegment{Samples: samples, SampleRate: sampleRate})
	auto := p.AutoComplete
	if !auto {
		p.pendingDone = done
	}
	p.mu.Unlock()

	if auto && done != nil {
		go done()
	}
	return nil
}

// PlayedCount returns how many segments were accepted so far.
func (p *Player) PlayedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Played)
}

// Segments returns a copy of the accepted segments.
func (p *Player) Segments() []PlayedSegment {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PlayedSegment, len(p.Played))
	copy(out, p.Played)
	return out
}

// Complete fires the pending done callback, simulating segment end.
func (p *Player) Complete() {
	p.mu.Lock()
	done := p.pendingDone
	p.pendingDone = nil
	p.mu.Unlock()
	if done != nil {
		done()
	}
}

func (p *Player) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CloseCalls++
	p.running = false
	return p.CloseError
}
