// Package gemini implements session.Link over Google's Gemini Live API.
//
// It speaks the BidiGenerateContent protocol: a websocket carrying JSON
// messages, with audio and screenshots transmitted as base64 media chunks
// and the model's replies arriving as inline PCM parts plus streaming
// transcription fragments.
package gemini

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/yeyulab/screentalk/pkg/media"
	"github.com/yeyulab/screentalk/pkg/session"
)

// Compile-time assertion that Link satisfies the session interface.
var _ session.Link = (*Link)(nil)

const (
	defaultModel   = "gemini-2.0-flash-live-001"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"

	// setupPollInterval is how often WaitForSetup re-checks the ready flag.
	setupPollInterval = 500 * time.Millisecond

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Link.
type Option func(*Link)

// WithModel sets the Gemini model used for the session.
func WithModel(model string) Option {
	return func(l *Link) { l.model = model }
}

// WithBaseURL overrides the base websocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(l *Link) { l.baseURL = url }
}

// WithVoice selects the prebuilt voice for audio responses.
func WithVoice(name string) Option {
	return func(l *Link) { l.voice = name }
}

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(l *Link) { l.log = log }
}

// ── Link ───────────────────────────────────────────────────────────────────────

// Link is a session.Link backed by one Gemini Live websocket at a time.
// Connect replaces any prior connection.
type Link struct {
	apiKey  string
	model   string
	baseURL string
	voice   string
	log     *slog.Logger

	mu    sync.Mutex
	state session.State
	conn  *conn
}

// conn is one websocket connection's worth of state. A fresh conn is built
// per Connect so a stale receive loop can never touch the current one.
type conn struct {
	ws     *websocket.Conn
	events chan session.Event
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Link with the given API key and options.
func New(apiKey string, opts ...Option) *Link {
	l := &Link{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
		state:   session.Disconnected,
		log:     slog.Default(),
	}
	for _, o := range opts {
		o(l)
	}
	l.log = l.log.With("component", "gemini")
	return l
}

// State returns the current lifecycle state.
func (l *Link) State() session.State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Link) setState(s session.State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

// Connect dials the Live endpoint and sends the setup message. Any prior
// connection is closed best-effort first. On return the link is
// AwaitingSetupAck; use WaitForSetup to block until the backend
// acknowledges.
func (l *Link) Connect(ctx context.Context) error {
	l.mu.Lock()
	prior := l.conn
	l.conn = nil
	l.state = session.Connecting
	l.mu.Unlock()

	if prior != nil {
		prior.shutdown(websocket.StatusNormalClosure, "replaced")
	}

	wsURL := fmt.Sprintf(
		"%s/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent?key=%s",
		l.baseURL, l.apiKey,
	)

	ws, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		l.setState(session.Errored)
		return fmt.Errorf("gemini: dial: %w", err)
	}
	l.setState(session.Open)

	connCtx, cancel := context.WithCancel(context.Background())
	c := &conn{
		ws:     ws,
		events: make(chan session.Event, 64),
		ctx:    connCtx,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	if err := l.writeJSON(c, l.setupMessage()); err != nil {
		cancel()
		ws.Close(websocket.StatusInternalError, "setup failed")
		l.setState(session.Errored)
		return fmt.Errorf("gemini: setup: %w", err)
	}

	l.mu.Lock()
	l.conn = c
	l.state = session.AwaitingSetupAck
	l.mu.Unlock()

	go l.receiveLoop(c)
	go l.keepaliveLoop(c)

	return nil
}

func (l *Link) setupMessage() setupMessage {
	msg := setupMessage{
		Setup: setupConfig{
			Model: fmt.Sprintf("models/%s", l.model),
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"audio"},
			},
		},
	}
	if l.voice != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: l.voice},
			},
		}
	}
	return msg
}

// WaitForSetup polls the ready flag until timeout; reports whether the
// backend acknowledged setup in time.
func (l *Link) WaitForSetup(ctx context.Context, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(setupPollInterval)
	defer ticker.Stop()

	for {
		if l.State() == session.Ready {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return l.State() == session.Ready
		case <-ticker.C:
		}
	}
}

// Events returns the push-event stream of the current connection, or a
// closed channel when there is none.
func (l *Link) Events() <-chan session.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		ch := make(chan session.Event)
		close(ch)
		return ch
	}
	return l.conn.events
}

// ── Sends ──────────────────────────────────────────────────────────────────────

// readyConn returns the active connection when the link is Ready, nil
// otherwise. Sends in any other state are dropped: realtime media that
// cannot go out now is stale.
func (l *Link) readyConn(kind string) *conn {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != session.Ready || l.conn == nil {
		l.log.Warn("dropping send, link not ready", "kind", kind, "state", l.state.String())
		return nil
	}
	return l.conn
}

// SendAudio transmits one encoded audio blob as a realtime media chunk.
func (l *Link) SendAudio(blob media.Blob) error {
	return l.sendChunk("audio", blob)
}

// SendImage transmits one encoded screenshot blob as a realtime media chunk.
func (l *Link) SendImage(blob media.Blob) error {
	return l.sendChunk("image", blob)
}

func (l *Link) sendChunk(kind string, blob media.Blob) error {
	c := l.readyConn(kind)
	if c == nil {
		return nil
	}
	msg := realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []mediaChunk{{MIMEType: blob.MIMEType, Data: blob.Data}},
		},
	}
	if err := l.writeJSON(c, msg); err != nil {
		return fmt.Errorf("gemini: send %s: %w", kind, err)
	}
	return nil
}

// SendText transmits instruction or context text on the realtime input
// channel.
func (l *Link) SendText(text string) error {
	c := l.readyConn("text")
	if c == nil {
		return nil
	}
	msg := realtimeInputMessage{
		RealtimeInput: realtimeInput{Text: text},
	}
	if err := l.writeJSON(c, msg); err != nil {
		return fmt.Errorf("gemini: send text: %w", err)
	}
	return nil
}

// writeJSON marshals v and writes it as a text websocket message.
func (l *Link) writeJSON(c *conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return c.ws.Write(c.ctx, websocket.MessageText, data)
}

// ── Receive path ───────────────────────────────────────────────────────────────

// receiveLoop reads backend messages and dispatches them until the
// connection ends. It owns the event channel and closes it on exit.
func (l *Link) receiveLoop(c *conn) {
	defer close(c.events)
	defer close(c.done)

	for {
		_, data, err := c.ws.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				l.setState(session.Closed)
				return
			}
			l.finish(c, err)
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			// Malformed frames are a protocol error, never fatal.
			l.log.Warn("skipping malformed frame", "err", err)
			continue
		}
		l.dispatch(c, &msg)
	}
}

// dispatch applies a backend message's flags in fixed priority order.
// The flags are independent; every one present is processed.
func (l *Link) dispatch(c *conn, msg *serverMessage) {
	if msg.Error != nil {
		l.log.Warn("backend error", "code", msg.Error.Code, "message", msg.Error.Message)
	}
	if msg.SetupComplete != nil {
		l.setState(session.Ready)
		l.emit(c, session.SetupComplete{})
	}

	sc := msg.ServerContent
	if sc == nil {
		return
	}
	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		l.emit(c, session.Transcript{Text: sc.InputTranscription.Text, IsUser: true})
	}
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		l.emit(c, session.Transcript{Text: sc.OutputTranscription.Text, IsUser: false})
	}
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData == nil {
				continue
			}
			pcm, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
			if err != nil || len(pcm) == 0 {
				l.log.Warn("skipping undecodable inline part", "err", err)
				continue
			}
			l.emit(c, session.AudioResponse{Data: pcm})
		}
	}
	if sc.TurnComplete {
		l.emit(c, session.TurnComplete{})
	}
}

func (l *Link) emit(c *conn, ev session.Event) {
	select {
	case c.events <- ev:
	case <-c.ctx.Done():
	}
}

// finish classifies the read error that ended the connection and emits the
// terminal LinkClosed event. Close code 1000 is a clean end of call.
func (l *Link) finish(c *conn, err error) {
	code := int(websocket.CloseStatus(err))
	if code == int(websocket.StatusNormalClosure) {
		l.setState(session.Closed)
		l.emit(c, session.LinkClosed{Code: code})
		return
	}
	l.setState(session.Errored)
	if code < 0 {
		l.emit(c, session.LinkClosed{Err: fmt.Errorf("gemini: connection lost: %w", err)})
		return
	}
	l.emit(c, session.LinkClosed{
		Code: code,
		Err:  fmt.Errorf("gemini: unexpected disconnect (close code %d): %w", code, err),
	})
}

// keepaliveLoop pings the backend to keep the websocket alive.
func (l *Link) keepaliveLoop(c *conn) {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(c.ctx, keepaliveTimeout)
			_ = c.ws.Ping(pingCtx)
			cancel()
		}
	}
}

// ── Close ──────────────────────────────────────────────────────────────────────

// Close ends the session. Best effort: close errors are logged, not
// returned. Idempotent.
func (l *Link) Close() error {
	l.mu.Lock()
	c := l.conn
	l.conn = nil
	if l.state.Terminal() {
		l.mu.Unlock()
		return nil
	}
	l.state = session.Closing
	l.mu.Unlock()

	if c != nil {
		c.shutdown(websocket.StatusNormalClosure, "call ended")
		<-c.done
	}
	l.setState(session.Closed)
	return nil
}

func (c *conn) shutdown(code websocket.StatusCode, reason string) {
	c.cancel()
	_ = c.ws.Close(code, reason)
}
