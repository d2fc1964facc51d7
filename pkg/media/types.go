// Package media defines the audio frame and wire blob types flowing through
// the screentalk capture pipeline, together with the PCM16 helpers used to
// level, package, and resample them.
//
// The wire unit is [Blob]: a base64 payload tagged with a MIME type. Both
// outbound microphone audio and outbound screenshots travel as Blobs; the
// backend never sees raw sample buffers.
package media

import "time"

// Default stream rates. Capture devices are opened at CaptureSampleRate and
// configured down to TargetSampleRate before frames leave the encoder;
// inbound model audio arrives at PlaybackSampleRate.
const (
	CaptureSampleRate  = 48000
	TargetSampleRate   = 16000
	PlaybackSampleRate = 24000

	// CaptureBufferSamples is the number of mono samples accumulated per
	// capture callback before a frame is emitted.
	CaptureBufferSamples = 4096
)

// AudioFrame is a single buffer of raw PCM captured from the microphone.
// Frames are consumed exactly once by the encoder and never retained —
// each frame is processed and discarded immediately to bound latency.
type AudioFrame struct {
	// Data is little-endian int16 PCM.
	Data []byte

	// SampleRate in Hz.
	SampleRate int

	// Channels is always 1 for microphone capture.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Blob is the wire envelope sent to the backend for audio and image
// payloads. Immutable once constructed.
type Blob struct {
	// Data is the base64-encoded payload.
	Data string

	// MIMEType tags the payload, e.g. "audio/pcm;rate=16000" or "image/png".
	MIMEType string
}
