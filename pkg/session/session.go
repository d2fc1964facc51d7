// Package session defines the streaming backend link: a bidirectional
// connection that accepts outbound media and surfaces the backend's push
// messages as a typed event stream.
//
// Implementations live in subpackages; gemini speaks the BidiGenerateContent
// websocket protocol.
package session

import (
	"context"
	"time"

	"github.com/yeyulab/screentalk/pkg/media"
)

// State is the link lifecycle state.
type State int

const (
	Disconnected State = iota
	Connecting
	Open
	AwaitingSetupAck
	Ready
	Closing
	Closed
	Errored
)

// String returns the human-readable state name.
func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case AwaitingSetupAck:
		return "awaiting_setup_ack"
	case Ready:
		return "ready"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	case Errored:
		return "errored"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool { return s == Closed || s == Errored }

// ── Events ────────────────────────────────────────────────────────────────────
//
// One backend push message can carry several independent flags; the link
// decodes each into the events below and delivers them in a fixed order:
// SetupComplete, then user transcript, then model transcript, then one
// AudioResponse per inline-data part, then TurnComplete.

// Event is the typed union of backend push events.
type Event interface{ sessionEvent() }

// SetupComplete signals the backend acknowledged session setup; the link is
// now Ready and accepts sends.
type SetupComplete struct{}

// Transcript is one streaming transcription fragment.
type Transcript struct {
	Text   string
	IsUser bool
}

// AudioResponse carries one decoded PCM segment from a model turn part.
type AudioResponse struct {
	Data []byte
}

// TurnComplete marks the backend finished producing output for the current
// input.
type TurnComplete struct{}

// LinkClosed reports the connection ended. Code 1000 is a clean end of
// call; any other code is an unexpected disconnect and Err is set.
type LinkClosed struct {
	Code int
	Err  error
}

func (SetupComplete) sessionEvent() {}
func (Transcript) sessionEvent()    {}
func (AudioResponse) sessionEvent() {}
func (TurnComplete) sessionEvent()  {}
func (LinkClosed) sessionEvent()    {}

// ── Link ──────────────────────────────────────────────────────────────────────

// Link is a bidirectional streaming session against the backend.
//
// Send methods drop the payload with a logged warning when the link is not
// Ready: stale realtime media is never queued. Connect closes any prior
// connection best-effort before establishing a new one.
type Link interface {
	// Connect establishes the connection and sends the setup message. The
	// link is AwaitingSetupAck until the backend acknowledges.
	Connect(ctx context.Context) error

	// State returns the current lifecycle state.
	State() State

	// WaitForSetup polls for the setup acknowledgement until timeout and
	// reports whether the link became Ready.
	WaitForSetup(ctx context.Context, timeout time.Duration) bool

	// SendAudio transmits one encoded audio blob.
	SendAudio(blob media.Blob) error
	// SendImage transmits one encoded screenshot blob.
	SendImage(blob media.Blob) error
	// SendText transmits out-of-band instruction or context text.
	SendText(text string) error

	// Events returns the push-event stream. Closed when the link ends.
	Events() <-chan Event

	// Close shuts the link down. Best effort and idempotent.
	Close() error
}
