// Package device defines the capture and playback device interfaces the
// screentalk session coordinator drives.
//
// The two primary abstractions are:
//
//   - [Microphone] — acquires the capture device and streams PCM frames.
//   - [Player] — the output device that renders decoded model audio.
//
// Implementations are provided by adapter packages (device/malgo for real
// hardware via miniaudio, device/mock for tests). The interfaces are
// intentionally narrow so the coordinator stays decoupled from the host
// audio stack.
package device

import (
	"context"
	"errors"

	"github.com/yeyulab/screentalk/pkg/media"
)

// Sentinel errors surfaced by microphone acquisition. Callers match them
// with errors.Is to distinguish terminal refusals from transient failures.
var (
	// ErrPermissionDenied means the user or system refused capture access.
	// Terminal: do not retry automatically.
	ErrPermissionDenied = errors.New("device: microphone access denied")

	// ErrNotFound means no capture device is present. Terminal.
	ErrNotFound = errors.New("device: no capture device found")
)

// CaptureConfig describes how the capture device is opened. Zero fields
// fall back to the media package defaults.
type CaptureConfig struct {
	// SampleRate is the rate frames are emitted at. The adapter configures
	// the device (or resamples) so that emitted frames already carry this
	// rate — downstream encoding never resamples.
	SampleRate int

	// Channels is the channel count of emitted frames. Capture is mono.
	Channels int

	// BufferSamples is the number of samples accumulated per emitted frame.
	BufferSamples int
}

// withDefaults fills zero fields from the media package defaults.
func (c CaptureConfig) withDefaults() CaptureConfig {
	if c.SampleRate == 0 {
		c.SampleRate = media.TargetSampleRate
	}
	if c.Channels == 0 {
		c.Channels = 1
	}
	if c.BufferSamples == 0 {
		c.BufferSamples = media.CaptureBufferSamples
	}
	return c
}

// Defaulted returns c with zero fields replaced by package defaults.
// Exposed for adapters outside this package.
func (c CaptureConfig) Defaulted() CaptureConfig { return c.withDefaults() }

// CaptureStream is an open microphone stream. Closing it releases the
// capture device and closes the Frames channel.
type CaptureStream interface {
	// Frames returns the channel delivering captured PCM frames. Frames are
	// dropped, not buffered, when the consumer falls behind — realtime audio
	// that cannot be processed now is stale.
	Frames() <-chan media.AudioFrame

	// Close stops capture and releases the device. Idempotent.
	Close() error
}

// Microphone acquires the capture device.
//
// Implementations must be safe for concurrent use.
type Microphone interface {
	// Start acquires the microphone and begins streaming frames. The caller
	// owns the returned stream and must Close it. Failures are classified
	// via [ErrPermissionDenied] and [ErrNotFound].
	Start(ctx context.Context, cfg CaptureConfig) (CaptureStream, error)

	// Probe acquires the capture device and immediately releases it. Used as
	// a permission probe only — no audio is delivered. The brief activation
	// of the capture indicator is expected.
	Probe(ctx context.Context) error
}

// Player renders decoded model audio. One segment plays at a time; callers
// must not call Play again until the previous segment's done callback has
// fired.
type Player interface {
	// Running reports whether the output device is initialized and able to
	// accept a segment right now.
	Running() bool

	// Start (re)initializes the output device, resuming it if suspended.
	// Idempotent: calling Start on a running device is a no-op.
	Start() error

	// Play renders the given normalized samples at sampleRate and invokes
	// done exactly once when the segment finishes. Play returns immediately;
	// rendering is asynchronous.
	Play(samples []float32, sampleRate int, done func()) error

	// Close releases the output device. Idempotent.
	Close() error
}
