// Package transcript assembles streaming transcription fragments into
// finished conversational turns.
//
// The backend delivers speech recognition as incremental fragments for
// both sides of the conversation. Fragments accumulate per speaker until a
// turn-complete marker finalizes both accumulators into entries. Status
// lines can also be recorded, filtered against the routine progress
// messages that carry no conversational value.
package transcript

import (
	"strings"
	"sync"
	"time"
)

// Speaker identifies one side of the conversation.
type Speaker string

const (
	SpeakerUser   Speaker = "user"
	SpeakerModel  Speaker = "model"
	SpeakerSystem Speaker = "system"
)

// Entry is one finished transcript line.
type Entry struct {
	Speaker Speaker
	Text    string
	At      time.Time
}

// filteredStatus lists routine status lines that are not worth recording.
// A status containing any of these substrings is skipped.
var filteredStatus = []string{
	"Playing response...",
	"Listening...",
	"Connected! Finalizing setup...",
	"Connecting to Gemini...",
	"Ready to chat",
	"Requesting microphone...",
	"Auto-screenshot started",
	"Auto-screenshot stopped",
	"Live chat stopped",
}

// Recordable reports whether a status message belongs in the transcript.
func Recordable(status string) bool {
	for _, f := range filteredStatus {
		if strings.Contains(status, f) {
			return false
		}
	}
	return true
}

// Option configures an Assembler.
type Option func(*Assembler)

// WithEntryFunc registers a callback invoked for every finished entry,
// outside the assembler lock.
func WithEntryFunc(fn func(Entry)) Option {
	return func(a *Assembler) { a.onEntry = fn }
}

// Assembler accumulates fragments per speaker and finalizes them into
// entries. Safe for concurrent use.
type Assembler struct {
	onEntry func(Entry)

	mu       sync.Mutex
	userBuf  strings.Builder
	modelBuf strings.Builder
	entries  []Entry
}

// New creates an empty Assembler.
func New(opts ...Option) *Assembler {
	a := &Assembler{}
	for _, o := range opts {
		o(a)
	}
	return a
}

// AddFragment appends one streaming fragment to the given speaker's
// accumulator. Empty fragments are ignored.
func (a *Assembler) AddFragment(text string, isUser bool) {
	if text == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if isUser {
		a.userBuf.WriteString(text)
	} else {
		a.modelBuf.WriteString(text)
	}
}

// Partial returns the given speaker's not-yet-finalized text.
func (a *Assembler) Partial(isUser bool) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if isUser {
		return a.userBuf.String()
	}
	return a.modelBuf.String()
}

// FinishTurn finalizes both accumulators: each non-empty one becomes an
// entry (user first), and both reset for the next turn.
func (a *Assembler) FinishTurn() {
	now := time.Now()

	a.mu.Lock()
	var finished []Entry
	if text := strings.TrimSpace(a.userBuf.String()); text != "" {
		finished = append(finished, Entry{Speaker: SpeakerUser, Text: text, At: now})
	}
	if text := strings.TrimSpace(a.modelBuf.String()); text != "" {
		finished = append(finished, Entry{Speaker: SpeakerModel, Text: text, At: now})
	}
	a.userBuf.Reset()
	a.modelBuf.Reset()
	a.entries = append(a.entries, finished...)
	onEntry := a.onEntry
	a.mu.Unlock()

	if onEntry != nil {
		for _, e := range finished {
			onEntry(e)
		}
	}
}

// AddStatus records a status line unless the filter excludes it.
func (a *Assembler) AddStatus(status string) {
	if !Recordable(status) {
		return
	}
	e := Entry{Speaker: SpeakerSystem, Text: status, At: time.Now()}

	a.mu.Lock()
	a.entries = append(a.entries, e)
	onEntry := a.onEntry
	a.mu.Unlock()

	if onEntry != nil {
		onEntry(e)
	}
}

// Entries returns a copy of the finished entries in order.
func (a *Assembler) Entries() []Entry {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Entry, len(a.entries))
	copy(out, a.entries)
	return out
}

// Clear discards all entries and any partial accumulation.
func (a *Assembler) Clear() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.userBuf.Reset()
	a.modelBuf.Reset()
	a.entries = nil
}
