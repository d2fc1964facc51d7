// Package permission acquires microphone authorization before a session
// starts.
//
// Two-tier strategy: the host context's out-of-band prompt is tried first
// because some embeddings only grant capture permission inside specific
// frame contexts; when that channel fails or times out, a direct
// acquire-then-release device probe guarantees progress. The probe briefly
// lights the capture indicator; that is accepted behavior.
package permission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/yeyulab/screentalk/pkg/device"
)

// Sentinel outcomes of an acquisition attempt. Denied and not-found are
// terminal; a timeout may be retried.
var (
	ErrPermissionDenied = errors.New("permission: denied")
	ErrDeviceNotFound   = errors.New("permission: no capture device")
	ErrTimeout          = errors.New("permission: timed out")
)

// DefaultTimeout bounds the primary out-of-band request.
const DefaultTimeout = 5 * time.Second

// Requester is the host-bridge surface the gate needs.
type Requester interface {
	// PermissionStatus reports whether permission is already granted.
	PermissionStatus(ctx context.Context) (bool, error)
	// RequestMicrophonePermission runs the host's permission prompt.
	RequestMicrophonePermission(ctx context.Context) error
}

// Prober performs the fallback device probe. device.Microphone satisfies
// it.
type Prober interface {
	Probe(ctx context.Context) error
}

// Option configures a Gate.
type Option func(*Gate)

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(g *Gate) { g.log = log }
}

// Gate acquires microphone permission through the host bridge with a
// device-probe fallback.
type Gate struct {
	bridge Requester
	prober Prober
	log    *slog.Logger
}

// New creates a Gate. bridge may be nil when no host context is available;
// the gate then goes straight to the device probe.
func New(bridge Requester, prober Prober, opts ...Option) *Gate {
	g := &Gate{
		bridge: bridge,
		prober: prober,
		log:    slog.Default(),
	}
	for _, o := range opts {
		o(g)
	}
	g.log = g.log.With("component", "permission")
	return g
}

// Acquire obtains microphone permission or reports why it could not.
// Returns nil on success; otherwise one of the sentinel errors, wrapped.
func (g *Gate) Acquire(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	if g.bridge != nil {
		// Fast path: permission may already be granted.
		granted, err := g.bridge.PermissionStatus(ctx)
		if err == nil && granted {
			return nil
		}
		if err != nil {
			g.log.Debug("permission status query failed", "err", err)
		}

		// Primary: the host's out-of-band prompt, raced against timeout.
		reqCtx, cancel := context.WithTimeout(ctx, timeout)
		err = g.bridge.RequestMicrophonePermission(reqCtx)
		cancel()
		if err == nil {
			return nil
		}
		g.log.Warn("primary permission request failed, falling back to device probe", "err", err)
	}

	return g.probe(ctx, timeout)
}

// probe runs the fallback acquire-then-release attempt and maps the
// device errors onto the permission taxonomy.
func (g *Gate) probe(ctx context.Context, timeout time.Duration) error {
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := g.prober.Probe(probeCtx)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, device.ErrPermissionDenied):
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	case errors.Is(err, device.ErrNotFound):
		return fmt.Errorf("%w: %v", ErrDeviceNotFound, err)
	case errors.Is(err, context.DeadlineExceeded), probeCtx.Err() != nil:
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	default:
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}
}
