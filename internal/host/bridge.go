// Package host implements the client side of the cross-context messaging
// bridge: a websocket to the privileged host context that owns tab access,
// screenshot capture, and permission prompts.
//
// Requests are keyed by an action string and correlated by id; the host can
// also push unsolicited notifications (page navigation) which surface on
// the Notifications channel.
package host

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/yeyulab/screentalk/internal/observe"
)

// ErrClosed is returned for requests issued after the bridge shut down.
var ErrClosed = errors.New("host: bridge closed")

const defaultRequestTimeout = 10 * time.Second

// Actions understood by the host context.
const (
	actionRequestMicPermission = "requestMicrophonePermission"
	actionPermissionStatus     = "getMicrophonePermissionStatus"
	actionCaptureScreenshot    = "captureScreenshot"
	actionGetPageHTML          = "getPageHTML"
	actionInjectCSS            = "injectCSS"
)

// Screenshot is the host's reply to a capture request.
type Screenshot struct {
	DataURL string
	TabURL  string
}

// PageDocument is the host's reply to a page HTML request. HTML is capped
// by the host; callers must not assume a complete document.
type PageDocument struct {
	HTML  string
	Title string
	URL   string
}

// Notification is an unsolicited push from the host context.
type Notification struct {
	Event string `json:"event"`
	URL   string `json:"url,omitempty"`
	Title string `json:"title,omitempty"`
}

// EventPageNavigated reports the active tab moved to a new document.
const EventPageNavigated = "pageNavigated"

// ── Wire types ─────────────────────────────────────────────────────────────────

type request struct {
	ID     uint64 `json:"id"`
	Action string `json:"action"`

	// injectCSS payload
	CSS         string `json:"css,omitempty"`
	Description string `json:"description,omitempty"`
}

type response struct {
	ID      uint64 `json:"id,omitempty"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`

	Granted bool   `json:"granted,omitempty"`
	DataURL string `json:"dataUrl,omitempty"`
	TabURL  string `json:"tabUrl,omitempty"`
	HTML    string `json:"html,omitempty"`
	Title   string `json:"title,omitempty"`
	URL     string `json:"url,omitempty"`

	Event string `json:"event,omitempty"`
}

// ── Bridge ─────────────────────────────────────────────────────────────────────

// Option configures a Bridge.
type Option func(*Bridge)

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(b *Bridge) { b.log = log }
}

// WithRequestTimeout bounds how long a single request may wait for its
// response when the caller's context has no earlier deadline.
func WithRequestTimeout(d time.Duration) Option {
	return func(b *Bridge) { b.timeout = d }
}

// WithMetrics sets the metrics instance recording round-trip latency.
// Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(b *Bridge) { b.metrics = m }
}

// Bridge is one live connection to the host context. Safe for concurrent
// use; concurrent requests are correlated by id.
type Bridge struct {
	conn    *websocket.Conn
	log     *slog.Logger
	timeout time.Duration
	metrics *observe.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	nextID  atomic.Uint64
	notifCh chan Notification

	mu      sync.Mutex
	pending map[uint64]chan response
	closed  bool
}

// Dial connects to the host context endpoint.
func Dial(ctx context.Context, url string, opts ...Option) (*Bridge, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("host: dial: %w", err)
	}

	bctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		conn:    conn,
		log:     slog.Default(),
		timeout: defaultRequestTimeout,
		ctx:     bctx,
		cancel:  cancel,
		notifCh: make(chan Notification, 16),
		pending: map[uint64]chan response{},
	}
	for _, o := range opts {
		o(b)
	}
	b.log = b.log.With("component", "host")
	if b.metrics == nil {
		b.metrics = observe.DefaultMetrics()
	}

	go b.readLoop()
	return b, nil
}

// Notifications returns the stream of unsolicited host pushes. Closed when
// the bridge ends.
func (b *Bridge) Notifications() <-chan Notification { return b.notifCh }

// readLoop routes incoming frames to pending requests or the notification
// channel until the connection ends.
func (b *Bridge) readLoop() {
	defer b.shutdown()

	for {
		_, data, err := b.conn.Read(b.ctx)
		if err != nil {
			if b.ctx.Err() == nil {
				b.log.Warn("host connection lost", "err", err)
			}
			return
		}

		var resp response
		if err := json.Unmarshal(data, &resp); err != nil {
			b.log.Warn("skipping malformed host frame", "err", err)
			continue
		}

		if resp.Event != "" {
			select {
			case b.notifCh <- Notification{Event: resp.Event, URL: resp.URL, Title: resp.Title}:
			default:
				b.log.Warn("dropping host notification, consumer behind", "event", resp.Event)
			}
			continue
		}

		b.mu.Lock()
		ch, ok := b.pending[resp.ID]
		delete(b.pending, resp.ID)
		b.mu.Unlock()
		if !ok {
			b.log.Warn("response for unknown request id", "id", resp.ID)
			continue
		}
		ch <- resp
	}
}

// roundTrip sends one request and waits for its correlated response.
func (b *Bridge) roundTrip(ctx context.Context, req request) (response, error) {
	req.ID = b.nextID.Add(1)

	start := time.Now()
	defer func() {
		b.metrics.RecordHostRequest(ctx, req.Action, time.Since(start).Seconds())
	}()

	ch := make(chan response, 1)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return response{}, ErrClosed
	}
	b.pending[req.ID] = ch
	b.mu.Unlock()

	cleanup := func() {
		b.mu.Lock()
		delete(b.pending, req.ID)
		b.mu.Unlock()
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	data, err := json.Marshal(req)
	if err != nil {
		cleanup()
		return response{}, fmt.Errorf("host: marshal %s: %w", req.Action, err)
	}
	if err := b.conn.Write(ctx, websocket.MessageText, data); err != nil {
		cleanup()
		return response{}, fmt.Errorf("host: send %s: %w", req.Action, err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return response{}, ErrClosed
		}
		if !resp.Success {
			msg := resp.Error
			if msg == "" {
				msg = "request failed"
			}
			return resp, fmt.Errorf("host: %s: %s", req.Action, msg)
		}
		return resp, nil
	case <-ctx.Done():
		cleanup()
		return response{}, fmt.Errorf("host: %s: %w", req.Action, ctx.Err())
	case <-b.ctx.Done():
		cleanup()
		return response{}, ErrClosed
	}
}

// ── Typed requests ─────────────────────────────────────────────────────────────

// PermissionStatus asks the host whether microphone permission is already
// granted.
func (b *Bridge) PermissionStatus(ctx context.Context) (bool, error) {
	resp, err := b.roundTrip(ctx, request{Action: actionPermissionStatus})
	if err != nil {
		return false, err
	}
	return resp.Granted, nil
}

// RequestMicrophonePermission asks the host to run its out-of-band
// permission prompt.
func (b *Bridge) RequestMicrophonePermission(ctx context.Context) error {
	_, err := b.roundTrip(ctx, request{Action: actionRequestMicPermission})
	return err
}

// CaptureScreenshot asks the host for a PNG capture of the active tab.
func (b *Bridge) CaptureScreenshot(ctx context.Context) (Screenshot, error) {
	resp, err := b.roundTrip(ctx, request{Action: actionCaptureScreenshot})
	if err != nil {
		return Screenshot{}, err
	}
	return Screenshot{DataURL: resp.DataURL, TabURL: resp.TabURL}, nil
}

// PageHTML asks the host for the active tab's document.
func (b *Bridge) PageHTML(ctx context.Context) (PageDocument, error) {
	resp, err := b.roundTrip(ctx, request{Action: actionGetPageHTML})
	if err != nil {
		return PageDocument{}, err
	}
	return PageDocument{HTML: resp.HTML, Title: resp.Title, URL: resp.URL}, nil
}

// InjectCSS asks the host to apply a stylesheet to the active tab.
func (b *Bridge) InjectCSS(ctx context.Context, css, description string) error {
	_, err := b.roundTrip(ctx, request{Action: actionInjectCSS, CSS: css, Description: description})
	return err
}

// ── Shutdown ───────────────────────────────────────────────────────────────────

// shutdown fails all pending requests and closes the notification channel.
func (b *Bridge) shutdown() {
	b.mu.Lock()
	b.closed = true
	pending := b.pending
	b.pending = map[uint64]chan response{}
	b.mu.Unlock()

	b.cancel()
	for _, ch := range pending {
		close(ch)
	}
	close(b.notifCh)
}

// Close tears the bridge down. Idempotent; pending requests fail with
// ErrClosed.
func (b *Bridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	b.cancel()
	return b.conn.Close(websocket.StatusNormalClosure, "bridge closed")
}
