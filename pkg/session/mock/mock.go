// Package mock provides a test double for session.Link.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/yeyulab/screentalk/pkg/media"
	"github.com/yeyulab/screentalk/pkg/session"
)

var _ session.Link = (*Link)(nil)

// Link is a session.Link driven by its fields. Tests push backend events
// via Emit and inspect the recorded sends.
type Link struct {
	ConnectError error
	SetupReady   bool // WaitForSetup outcome
	SendError    error
	CloseError   error

	mu     sync.Mutex
	state  session.State
	events chan session.Event

	ConnectCalls int
	CloseCalls   int
	AudioSent    []media.Blob
	ImagesSent   []media.Blob
	TextSent     []string
}

// New returns a Link in the Disconnected state.
func New() *Link {
	return &Link{
		state:  session.Disconnected,
		events: make(chan session.Event, 64),
	}
}

// Emit delivers one backend event to the consumer.
func (l *Link) Emit(ev session.Event) { l.events <- ev }

// CloseEvents closes the event stream, simulating connection end.
func (l *Link) CloseEvents() { close(l.events) }

// SetState forces the lifecycle state.
func (l *Link) SetState(s session.State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = s
}

func (l *Link) Connect(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ConnectCalls++
	if l.ConnectError != nil {
		l.state = session.Errored
		return l.ConnectError
	}
	l.state = session.AwaitingSetupAck
	return nil
}

func (l *Link) State() session.State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Link) WaitForSetup(context.Context, time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.SetupReady {
		l.state = session.Ready
	}
	return l.SetupReady
}

func (l *Link) SendAudio(blob media.Blob) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.SendError != nil {
		return l.SendError
	}
	if l.state == session.Ready {
		l.AudioSent = append(l.AudioSent, blob)
	}
	return nil
}

func (l *Link) SendImage(blob media.Blob) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.SendError != nil {
		return l.SendError
	}
	if l.state == session.Ready {
		l.ImagesSent = append(l.ImagesSent, blob)
	}
	return nil
}

func (l *Link) SendText(text string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.SendError != nil {
		return l.SendError
	}
	if l.state == session.Ready {
		l.TextSent = append(l.TextSent, text)
	}
	return nil
}

func (l *Link) Events() <-chan session.Event { return l.events }

// SentAudio returns a copy of the recorded audio sends.
func (l *Link) SentAudio() []media.Blob {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]media.Blob(nil), l.AudioSent...)
}

// SentImages returns a copy of the recorded image sends.
func (l *Link) SentImages() []media.Blob {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]media.Blob(nil), l.ImagesSent...)
}

// SentTexts returns a copy of the recorded text sends.
func (l *Link) SentTexts() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.TextSent...)
}

func (l *Link) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.CloseCalls++
	l.state = session.Closed
	return l.CloseError
}
