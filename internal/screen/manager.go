// Package screen manages screenshot capture of the active tab: on-demand
// captures and a periodic silent ticker share one code path, and only the
// most recent capture is retained.
package screen

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/yeyulab/screentalk/internal/host"
	"github.com/yeyulab/screentalk/pkg/media"
)

// DefaultInterval is the periodic capture cadence.
const DefaultInterval = 3 * time.Second

// Capturer is the host-bridge surface the manager needs. host.Bridge
// satisfies it.
type Capturer interface {
	CaptureScreenshot(ctx context.Context) (host.Screenshot, error)
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// WithInterval overrides the periodic capture cadence.
func WithInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.interval = d
		}
	}
}

// Manager captures screenshots and retains the single most recent one.
type Manager struct {
	capturer Capturer
	interval time.Duration
	log      *slog.Logger

	mu         sync.Mutex
	latest     media.Blob
	latestURL  string
	hasLatest  bool
	autoCancel context.CancelFunc
}

// New creates a Manager over capturer.
func New(capturer Capturer, opts ...Option) *Manager {
	m := &Manager{
		capturer: capturer,
		interval: DefaultInterval,
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(m)
	}
	m.log = m.log.With("component", "screen")
	return m
}

// Capture takes one screenshot, stores it as the latest, and returns it
// along with the source tab URL.
func (m *Manager) Capture(ctx context.Context) (media.Blob, string, error) {
	shot, err := m.capturer.CaptureScreenshot(ctx)
	if err != nil {
		return media.Blob{}, "", fmt.Errorf("screen: capture: %w", err)
	}
	blob, err := media.BlobFromDataURL(shot.DataURL)
	if err != nil {
		return media.Blob{}, "", fmt.Errorf("screen: decode capture: %w", err)
	}

	m.mu.Lock()
	m.latest = blob
	m.latestURL = shot.TabURL
	m.hasLatest = true
	m.mu.Unlock()

	return blob, shot.TabURL, nil
}

// Latest returns the most recent capture, if any.
func (m *Manager) Latest() (media.Blob, string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.latest, m.latestURL, m.hasLatest
}

// AutoCapturing reports whether the periodic ticker is running.
func (m *Manager) AutoCapturing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.autoCancel != nil
}

// StartAuto begins periodic capture, invoking emit with each successful
// screenshot. A failed tick is logged and skipped; the ticker keeps
// running. Idempotent: a second call while running is a no-op.
func (m *Manager) StartAuto(ctx context.Context, emit func(media.Blob)) {
	m.mu.Lock()
	if m.autoCancel != nil {
		m.mu.Unlock()
		return
	}
	tickCtx, cancel := context.WithCancel(ctx)
	m.autoCancel = cancel
	m.mu.Unlock()

	go m.autoLoop(tickCtx, emit)
}

// StopAuto cancels the periodic ticker. Idempotent.
func (m *Manager) StopAuto() {
	m.mu.Lock()
	cancel := m.autoCancel
	m.autoCancel = nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (m *Manager) autoLoop(ctx context.Context, emit func(media.Blob)) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			blob, _, err := m.Capture(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				m.log.Warn("skipping screenshot tick", "err", err)
				continue
			}
			emit(blob)
		}
	}
}
