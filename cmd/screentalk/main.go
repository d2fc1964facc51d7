// Command screentalk runs the voice-and-screen assistant service: it links a
// browser extension host to a Gemini Live backend, streaming microphone audio
// and periodic screenshots upstream and playing the model's spoken replies.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"

	"github.com/yeyulab/screentalk/internal/config"
	"github.com/yeyulab/screentalk/internal/coordinator"
	"github.com/yeyulab/screentalk/internal/health"
	"github.com/yeyulab/screentalk/internal/host"
	"github.com/yeyulab/screentalk/internal/observe"
	"github.com/yeyulab/screentalk/internal/permission"
	"github.com/yeyulab/screentalk/internal/playback"
	"github.com/yeyulab/screentalk/internal/screen"
	"github.com/yeyulab/screentalk/internal/transcript/store"
	"github.com/yeyulab/screentalk/pkg/device"
	malgodevice "github.com/yeyulab/screentalk/pkg/device/malgo"
	"github.com/yeyulab/screentalk/pkg/media"
	"github.com/yeyulab/screentalk/pkg/session/gemini"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "screentalk: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "screentalk: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	// The level lives in a LevelVar so the config watcher can change it at
	// runtime.
	lvl := new(slog.LevelVar)
	lvl.Set(cfg.Server.LogLevel.SlogLevel())
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	slog.Info("screentalk starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Observability ─────────────────────────────────────────────────────────
	shutdownObs, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		obsCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownObs(obsCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		d := config.Compare(old, new)
		if !d.Any() {
			return
		}
		if d.LogLevelChanged {
			lvl.Set(d.NewLogLevel.SlogLevel())
			slog.Info("log level updated", "level", d.NewLogLevel)
		}
		if d.ScreenshotIntervalChanged {
			slog.Info("screenshot interval updated, applies to the next session",
				"interval_ms", d.NewScreenshotIntervalMS)
		}
		if d.VoiceChanged {
			slog.Info("voice updated, applies to the next session", "voice", d.NewVoice)
		}
	})
	if err != nil {
		slog.Warn("config watcher disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	// ── Audio devices ─────────────────────────────────────────────────────────
	platform, err := malgodevice.New()
	if err != nil {
		slog.Error("failed to initialise audio platform", "err", err)
		return 1
	}
	defer func() { _ = platform.Close() }()

	mic := platform.Microphone()
	playRate := cfg.Playback.SampleRate
	if playRate <= 0 {
		playRate = media.PlaybackSampleRate
	}
	player := platform.Player(playRate)
	defer func() { _ = player.Close() }()
	queue := playback.New(player, playback.WithSampleRate(playRate))
	if err := observe.RegisterPlaybackDepth(otel.GetMeterProvider(), queue.Depth); err != nil {
		slog.Warn("playback depth gauge not registered", "err", err)
	}

	// ── Extension host bridge ─────────────────────────────────────────────────
	var bridge *host.Bridge
	if cfg.Host.URL != "" {
		hostOpts := []host.Option{host.WithMetrics(metrics)}
		if cfg.Host.RequestTimeoutMS > 0 {
			hostOpts = append(hostOpts, host.WithRequestTimeout(time.Duration(cfg.Host.RequestTimeoutMS)*time.Millisecond))
		}
		bridge, err = host.Dial(ctx, cfg.Host.URL, hostOpts...)
		if err != nil {
			slog.Error("failed to reach extension host", "url", cfg.Host.URL, "err", err)
			return 1
		}
		defer func() { _ = bridge.Close() }()
	} else {
		slog.Warn("host.url not configured — screenshots and page context are unavailable")
	}

	// ── Backend link ──────────────────────────────────────────────────────────
	linkOpts := []gemini.Option{gemini.WithLogger(logger.With("component", "gemini"))}
	if cfg.Backend.Model != "" {
		linkOpts = append(linkOpts, gemini.WithModel(cfg.Backend.Model))
	}
	if cfg.Backend.BaseURL != "" {
		linkOpts = append(linkOpts, gemini.WithBaseURL(cfg.Backend.BaseURL))
	}
	if cfg.Backend.Voice != "" {
		linkOpts = append(linkOpts, gemini.WithVoice(cfg.Backend.Voice))
	}
	link := gemini.New(cfg.Backend.APIKey, linkOpts...)
	defer func() { _ = link.Close() }()

	// ── Session collaborators ─────────────────────────────────────────────────
	var requester permission.Requester
	if bridge != nil {
		requester = bridge
	}
	gate := permission.New(requester, mic)

	var capturer screen.Capturer = unavailableCapturer{}
	if bridge != nil {
		capturer = bridge
	}
	screens := screen.New(capturer, screen.WithInterval(cfg.Capture.ScreenshotInterval()))

	var archive *store.Store
	if cfg.Transcript.PostgresDSN != "" {
		archive, err = store.Open(ctx, cfg.Transcript.PostgresDSN)
		if err != nil {
			slog.Error("failed to open transcript store", "err", err)
			return 1
		}
		defer archive.Close()
		slog.Info("transcript archive enabled")
	}

	coordOpts := []coordinator.Option{
		coordinator.WithMetrics(metrics),
		coordinator.WithLogger(logger.With("component", "coordinator")),
	}
	if bridge != nil {
		coordOpts = append(coordOpts, coordinator.WithPageSource(bridge, bridge.Notifications()))
	}
	if archive != nil {
		coordOpts = append(coordOpts, coordinator.WithArchiver(archive))
	}
	coord := coordinator.New(
		coordinator.Deps{
			Link:    link,
			Mic:     mic,
			Player:  player,
			Queue:   queue,
			Gate:    gate,
			Screens: screens,
		},
		coordinator.Config{
			Capture: device.CaptureConfig{
				SampleRate:    cfg.Capture.SampleRate,
				BufferSamples: cfg.Capture.BufferSamples,
			},
			PermissionTimeout: cfg.Session.PermissionTimeout(),
			SetupTimeout:      cfg.Session.SetupTimeout(),
		},
		coordOpts...,
	)
	if err := observe.RegisterAudioLevel(otel.GetMeterProvider(), coord.AudioLevel); err != nil {
		slog.Warn("audio level gauge not registered", "err", err)
	}

	// Drain status updates into the log.
	go func() {
		for st := range coord.StatusEvents() {
			slog.Info("session status", "state", st.State, "message", st.Message)
		}
	}()

	// ── HTTP: metrics and health ──────────────────────────────────────────────
	var srv *http.Server
	if cfg.Server.ListenAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", promhttp.Handler())

		var checkers []health.Checker
		if bridge != nil {
			b := bridge
			checkers = append(checkers, health.Checker{
				Name: "host",
				Check: func(ctx context.Context) error {
					_, err := b.PermissionStatus(ctx)
					return err
				},
			})
		}
		if archive != nil {
			checkers = append(checkers, health.Checker{Name: "database", Check: archive.Ping})
		}
		health.New(checkers...).Register(mux)

		srv = &http.Server{
			Addr:    cfg.Server.ListenAddr,
			Handler: observe.Middleware(metrics)(mux),
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("http server error", "err", err)
			}
		}()
	}

	// ── Session ───────────────────────────────────────────────────────────────
	if err := coord.Start(ctx); err != nil {
		slog.Error("session start failed", "err", err)
		return 1
	}

	slog.Info("session ready — press Ctrl+C to shut down")
	<-ctx.Done()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping…")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := coord.Stop(); err != nil {
		slog.Warn("session stop error", "err", err)
	}
	if err := link.Close(); err != nil {
		slog.Warn("link close error", "err", err)
	}
	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("http shutdown error", "err", err)
		}
	}
	slog.Info("goodbye")
	return 0
}

// unavailableCapturer stands in when no extension host is configured.
type unavailableCapturer struct{}

func (unavailableCapturer) CaptureScreenshot(context.Context) (host.Screenshot, error) {
	return host.Screenshot{}, errors.New("no extension host configured")
}
