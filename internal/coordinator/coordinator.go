// Package coordinator orchestrates one live voice-and-screen session: it
// acquires the microphone, opens the backend link, keeps screenshots and
// audio flowing upstream, and routes the backend's events into transcript
// assembly and playback.
//
// A [Coordinator] cycles Idle → Starting → Active → Stopping → Idle. Start
// failures tear down everything acquired so far before returning. Status
// transitions are published as [Status] values on a channel so that
// whatever surface hosts the session can display them.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/yeyulab/screentalk/internal/host"
	"github.com/yeyulab/screentalk/internal/observe"
	"github.com/yeyulab/screentalk/internal/page"
	"github.com/yeyulab/screentalk/internal/permission"
	"github.com/yeyulab/screentalk/internal/playback"
	"github.com/yeyulab/screentalk/internal/screen"
	"github.com/yeyulab/screentalk/internal/transcript"
	"github.com/yeyulab/screentalk/internal/transcript/store"
	"github.com/yeyulab/screentalk/pkg/device"
	"github.com/yeyulab/screentalk/pkg/media"
	"github.com/yeyulab/screentalk/pkg/session"
)

// ErrActive is returned by Start while a session is already starting or
// running.
var ErrActive = errors.New("coordinator: session already active")

// DefaultSetupTimeout bounds the wait for the backend's setup
// acknowledgement.
const DefaultSetupTimeout = 10 * time.Second

// DefaultSystemPrompt is the role instruction sent once per session right
// after setup completes.
const DefaultSystemPrompt = `You are a helpful assistant for elderly users. Your role is to:
1. Help them navigate and use websites
2. Simplify complex tasks into easy steps
3. Read text clearly and speak in simple language
4. Be patient and encouraging
5. Remember they may use voice commands
6. Speak slowly and clearly when responding

The user will show you their screen with a screenshot. They may ask you to help them with tasks like:
- Checking email
- Online shopping
- Banking
- Searching for information
- Navigating websites

Always:
- Use short sentences
- Speak one instruction at a time
- Ask for confirmation before taking actions
- Explain what you're seeing on the screen
- Be friendly and warm in tone

Current page context will be provided so you understand what they're looking at.`

// ── States and status events ─────────────────────────────────────────────────

// State is the coordinator lifecycle state.
type State int

const (
	Idle State = iota
	Starting
	Active
	Stopping
)

// String returns the human-readable state name.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Active:
		return "active"
	case Stopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Status is one structured status update.
type Status struct {
	State   State
	Message string
}

// Status message vocabulary surfaced during a session.
const (
	statusRequestingMic = "Requesting microphone..."
	statusConnecting    = "Connecting to Gemini..."
	statusFinalizing    = "Connected! Finalizing setup..."
	statusReady         = "Ready to chat"
	statusListening     = "Listening..."
	statusPlaying       = "Playing response..."
	statusStopped       = "Live chat stopped"
)

// ── Collaborator interfaces ──────────────────────────────────────────────────

// PermissionGate resolves microphone access before capture starts.
type PermissionGate interface {
	Acquire(ctx context.Context, timeout time.Duration) error
}

// PageSource fetches the raw document of the page the user is looking at.
type PageSource interface {
	PageHTML(ctx context.Context) (host.PageDocument, error)
}

// Archiver persists a finished call transcript.
type Archiver interface {
	SaveCall(ctx context.Context, startedAt, endedAt time.Time, entries []transcript.Entry) (int64, error)
}

// Compile-time checks that the real collaborators satisfy the interfaces.
var (
	_ PermissionGate = (*permission.Gate)(nil)
	_ PageSource     = (*host.Bridge)(nil)
	_ Archiver       = (*store.Store)(nil)
)

// ── Coordinator ──────────────────────────────────────────────────────────────

// Deps bundles the required collaborators of a [Coordinator].
type Deps struct {
	Link    session.Link
	Mic     device.Microphone
	Player  device.Player
	Queue   *playback.Queue
	Gate    PermissionGate
	Screens *screen.Manager
}

// Config carries the session tunables.
type Config struct {
	// Capture configures how the microphone is opened. Zero fields fall
	// back to the media package defaults.
	Capture device.CaptureConfig

	// PermissionTimeout bounds the permission acquisition. Zero means the
	// permission package default.
	PermissionTimeout time.Duration

	// SetupTimeout bounds the wait for the backend setup acknowledgement.
	// Zero means [DefaultSetupTimeout].
	SetupTimeout time.Duration

	// SystemPrompt overrides [DefaultSystemPrompt] when non-empty.
	SystemPrompt string
}

// Option is a functional option for configuring a [Coordinator].
type Option func(*Coordinator)

// WithLogger sets the coordinator logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *Coordinator) { c.log = log }
}

// WithMetrics sets the metrics instance. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithPageSource enables page structural summaries: one is sent after
// setup, and again whenever notifs reports a page navigation. notifs may
// be nil.
func WithPageSource(ps PageSource, notifs <-chan host.Notification) Option {
	return func(c *Coordinator) {
		c.pages = ps
		c.notifs = notifs
	}
}

// WithArchiver persists the transcript of every finished call.
func WithArchiver(a Archiver) Option {
	return func(c *Coordinator) { c.archive = a }
}

// Coordinator drives one live session at a time. Safe for concurrent use.
type Coordinator struct {
	deps    Deps
	cfg     Config
	pages   PageSource
	notifs  <-chan host.Notification
	archive Archiver
	metrics *observe.Metrics
	log     *slog.Logger

	asm       *transcript.Assembler
	statusCh  chan Status
	levelCh   chan float64
	lastLevel atomic.Uint64

	mu        sync.Mutex
	state     State
	stream    device.CaptureStream
	cancel    context.CancelFunc
	group     *errgroup.Group
	startedAt time.Time
}

// New creates a Coordinator with the given collaborators. Options are
// applied in order.
func New(deps Deps, cfg Config, opts ...Option) *Coordinator {
	if cfg.PermissionTimeout <= 0 {
		cfg.PermissionTimeout = permission.DefaultTimeout
	}
	if cfg.SetupTimeout <= 0 {
		cfg.SetupTimeout = DefaultSetupTimeout
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	c := &Coordinator{
		deps:     deps,
		cfg:      cfg,
		log:      slog.Default().With("component", "coordinator"),
		statusCh: make(chan Status, 16),
		levelCh:  make(chan float64, 16),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	c.asm = transcript.New(transcript.WithEntryFunc(func(e transcript.Entry) {
		c.metrics.RecordTranscriptEntry(context.Background(), string(e.Speaker))
	}))
	return c
}

// State returns the current lifecycle state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// StatusEvents returns the stream of status updates. Updates are dropped,
// not queued, when the consumer falls behind.
func (c *Coordinator) StatusEvents() <-chan Status { return c.statusCh }

// AudioLevels returns the stream of per-frame input loudness values in
// [0, 1], one per captured non-empty frame, for visualization. Values are
// dropped, not queued, when the consumer falls behind.
func (c *Coordinator) AudioLevels() <-chan float64 { return c.levelCh }

// AudioLevel returns the loudness of the most recently captured frame.
func (c *Coordinator) AudioLevel() float64 {
	return math.Float64frombits(c.lastLevel.Load())
}

// Transcript returns a snapshot of the entries recorded so far in the
// current session.
func (c *Coordinator) Transcript() []transcript.Entry { return c.asm.Entries() }

// Start brings a session up. The steps run in order; a failure at any step
// tears down everything acquired so far and returns the error. ctx bounds
// startup only — the running session is bounded by [Coordinator.Stop].
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != Idle {
		c.mu.Unlock()
		return ErrActive
	}
	c.state = Starting
	c.mu.Unlock()

	// 1. Microphone permission.
	c.emit(Starting, statusRequestingMic)
	if err := c.deps.Gate.Acquire(ctx, c.cfg.PermissionTimeout); err != nil {
		c.abortStart(ctx, "permission", false)
		return fmt.Errorf("coordinator: acquire microphone: %w", err)
	}

	// 2. Audio output. Player Start is idempotent and resumes a suspended
	// device.
	if err := c.deps.Player.Start(); err != nil {
		c.abortStart(ctx, "audio", false)
		return fmt.Errorf("coordinator: start playback device: %w", err)
	}

	// 3. Backend link.
	c.emit(Starting, statusConnecting)
	if err := c.deps.Link.Connect(ctx); err != nil {
		c.abortStart(ctx, "connect", false)
		return fmt.Errorf("coordinator: connect backend: %w", err)
	}
	c.emit(Starting, statusFinalizing)
	setupBegin := time.Now()
	if !c.deps.Link.WaitForSetup(ctx, c.cfg.SetupTimeout) {
		c.abortStart(ctx, "setup", true)
		return errors.New("coordinator: backend setup not acknowledged in time")
	}
	c.metrics.SessionSetupDuration.Record(ctx, time.Since(setupBegin).Seconds())

	// 4. Continuous capture. The microphone opens only once the backend is
	// ready so the capture indicator stays dark during the handshake and
	// no stale frames queue up before anyone can consume them.
	stream, err := c.deps.Mic.Start(ctx, c.cfg.Capture)
	if err != nil {
		c.abortStart(ctx, "audio", true)
		return fmt.Errorf("coordinator: open microphone: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	// 5. Post-setup one-shots. These are best effort: the session is
	// usable without them.
	if err := c.deps.Link.SendText(c.cfg.SystemPrompt); err != nil {
		c.log.Warn("system prompt not sent", "err", err)
	}
	if blob, _, ok := c.deps.Screens.Latest(); ok {
		if err := c.deps.Link.SendImage(blob); err != nil {
			c.log.Warn("initial screenshot not sent", "err", err)
		} else {
			c.metrics.RecordScreenshot(runCtx, "initial")
		}
	}
	c.sendPageContext(runCtx)
	c.deps.Screens.StartAuto(runCtx, func(blob media.Blob) {
		if err := c.deps.Link.SendImage(blob); err != nil {
			c.log.Warn("screenshot not sent", "err", err)
			return
		}
		c.metrics.RecordScreenshot(runCtx, "auto")
	})

	// 6. Steady state.
	g := new(errgroup.Group)
	frames := stream.Frames()
	events := c.deps.Link.Events()
	g.Go(func() error { return c.pumpAudio(runCtx, frames) })
	g.Go(func() error { return c.pumpEvents(runCtx, events) })
	if c.notifs != nil {
		notifs := c.notifs
		g.Go(func() error { return c.pumpNotifications(runCtx, notifs) })
	}

	c.mu.Lock()
	c.stream = stream
	c.cancel = cancel
	c.group = g
	c.startedAt = time.Now()
	c.state = Active
	c.mu.Unlock()

	c.metrics.ActiveSessions.Add(runCtx, 1)
	c.emit(Active, statusReady)
	return nil
}

// abortStart records the failed stage and releases whatever the preceding
// steps acquired.
func (c *Coordinator) abortStart(ctx context.Context, stage string, closeLink bool) {
	c.metrics.RecordSessionError(ctx, stage)
	if closeLink {
		_ = c.deps.Link.Close()
	}
	c.mu.Lock()
	c.state = Idle
	c.mu.Unlock()
	c.emit(Idle, statusStopped)
}

// Stop winds the session down: the screenshot ticker stops, the microphone
// is released, queued playback is discarded, and the transcript is
// finalized (and archived when an Archiver is configured). The link itself
// is left to the caller. Idempotent.
func (c *Coordinator) Stop() error {
	c.mu.Lock()
	if c.state == Idle || c.state == Stopping {
		c.mu.Unlock()
		return nil
	}
	c.state = Stopping
	stream, cancel, group, startedAt := c.stream, c.cancel, c.group, c.startedAt
	c.stream, c.cancel, c.group = nil, nil, nil
	c.mu.Unlock()

	c.deps.Screens.StopAuto()
	if cancel != nil {
		cancel()
	}
	if stream != nil {
		_ = stream.Close()
	}
	if group != nil {
		_ = group.Wait()
	}
	c.deps.Queue.Clear()
	c.asm.FinishTurn()

	if c.archive != nil {
		if entries := c.asm.Entries(); len(entries) > 0 {
			ctx, ccancel := context.WithTimeout(context.Background(), 10*time.Second)
			if _, err := c.archive.SaveCall(ctx, startedAt, time.Now(), entries); err != nil {
				c.log.Warn("transcript not archived", "err", err)
			}
			ccancel()
		}
	}
	c.asm.Clear()

	c.metrics.ActiveSessions.Add(context.Background(), -1)
	c.mu.Lock()
	c.state = Idle
	c.mu.Unlock()
	c.emit(Idle, statusStopped)
	return nil
}

// ── Steady-state pumps ───────────────────────────────────────────────────────

// pumpAudio forwards captured microphone frames to the backend and
// publishes each frame's loudness. Frames that fail to encode or send are
// skipped; realtime audio is never retried.
func (c *Coordinator) pumpAudio(ctx context.Context, frames <-chan media.AudioFrame) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case frame, ok := <-frames:
			if !ok {
				return nil
			}
			blob, ok := media.EncodeAudio(frame)
			if !ok {
				continue
			}
			level := media.Level(frame.Data)
			c.lastLevel.Store(math.Float64bits(level))
			select {
			case c.levelCh <- level:
			default:
			}
			if err := c.deps.Link.SendAudio(blob); err != nil {
				c.log.Warn("audio frame not sent", "err", err)
				continue
			}
			c.metrics.RecordAudioFrame(ctx, len(frame.Data))
		}
	}
}

// pumpEvents routes backend push events into transcript assembly and
// playback. A LinkClosed event ends the session.
func (c *Coordinator) pumpEvents(ctx context.Context, events <-chan session.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			switch ev := ev.(type) {
			case session.SetupComplete:
				// Start already consumed the acknowledgement via WaitForSetup.
				c.metrics.RecordLinkEvent(ctx, "setup_complete")
			case session.Transcript:
				c.metrics.RecordLinkEvent(ctx, "transcript")
				c.asm.AddFragment(ev.Text, ev.IsUser)
			case session.AudioResponse:
				c.metrics.RecordLinkEvent(ctx, "audio")
				c.deps.Queue.Enqueue(ev.Data)
				c.metrics.PlaybackSegments.Add(ctx, 1)
				c.emit(Active, statusPlaying)
			case session.TurnComplete:
				c.metrics.RecordLinkEvent(ctx, "turn_complete")
				c.asm.FinishTurn()
				c.emit(Active, statusListening)
			case session.LinkClosed:
				if ev.Err != nil {
					c.log.Error("backend link lost", "code", ev.Code, "err", ev.Err)
					c.metrics.RecordSessionError(ctx, "stream")
				} else {
					c.log.Info("backend ended the call", "code", ev.Code)
				}
				// Stop waits on this goroutine's group, so it must run
				// after pumpEvents returns.
				go func() { _ = c.Stop() }()
				return nil
			}
		}
	}
}

// pumpNotifications re-sends the page structural summary whenever the host
// reports a page navigation.
func (c *Coordinator) pumpNotifications(ctx context.Context, notifs <-chan host.Notification) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case n, ok := <-notifs:
			if !ok {
				return nil
			}
			if n.Event != host.EventPageNavigated {
				continue
			}
			c.log.Debug("page navigated", "url", n.URL)
			c.sendPageContext(ctx)
		}
	}
}

// sendPageContext fetches the current page and sends its structural
// summary to the backend. Best effort.
func (c *Coordinator) sendPageContext(ctx context.Context) {
	if c.pages == nil {
		return
	}
	doc, err := c.pages.PageHTML(ctx)
	if err != nil {
		c.log.Warn("page context unavailable", "err", err)
		return
	}
	summary := page.Summarize(doc.HTML, doc.Title, doc.URL)
	if err := c.deps.Link.SendText(summary); err != nil {
		c.log.Warn("page context not sent", "err", err)
	}
}

// emit records msg as a transcript status line (subject to the recordable
// filter) and publishes it without blocking.
func (c *Coordinator) emit(st State, msg string) {
	c.asm.AddStatus(msg)
	select {
	case c.statusCh <- Status{State: st, Message: msg}:
	default:
	}
}
