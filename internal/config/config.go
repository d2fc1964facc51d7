// Package config provides the configuration schema, loader, and file
// watcher for the screentalk assistant.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// SlogLevel maps l onto the slog level, defaulting to info.
func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config is the root configuration structure, typically loaded from a YAML
// file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Backend    BackendConfig    `yaml:"backend"`
	Host       HostConfig       `yaml:"host"`
	Capture    CaptureConfig    `yaml:"capture"`
	Playback   PlaybackConfig   `yaml:"playback"`
	Session    SessionConfig    `yaml:"session"`
	Transcript TranscriptConfig `yaml:"transcript"`
}

// ServerConfig holds the local metrics/health endpoint and logging
// settings.
type ServerConfig struct {
	// ListenAddr is the TCP address for /metrics and /healthz (e.g.,
	// ":9180"). Empty disables the endpoint.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// BackendConfig selects the conversational backend.
type BackendConfig struct {
	// APIKey authenticates against the backend.
	APIKey string `yaml:"api_key"`

	// Model overrides the default model.
	Model string `yaml:"model"`

	// BaseURL overrides the default websocket endpoint. Primarily for
	// tests.
	BaseURL string `yaml:"base_url"`

	// Voice selects the prebuilt voice for audio responses.
	Voice string `yaml:"voice"`
}

// HostConfig points at the privileged host context.
type HostConfig struct {
	// URL is the websocket endpoint of the host bridge.
	URL string `yaml:"url"`

	// RequestTimeoutMS bounds a single bridge request. 0 uses the bridge
	// default.
	RequestTimeoutMS int `yaml:"request_timeout_ms"`
}

// CaptureConfig tunes the microphone and screenshot pipelines.
type CaptureConfig struct {
	// SampleRate is the outbound audio rate in Hz. 0 uses the 16 kHz
	// target.
	SampleRate int `yaml:"sample_rate"`

	// BufferSamples is the capture frame size in samples. 0 uses 4096.
	BufferSamples int `yaml:"buffer_samples"`

	// ScreenshotIntervalMS is the periodic screenshot cadence. 0 uses 3000.
	ScreenshotIntervalMS int `yaml:"screenshot_interval_ms"`
}

// ScreenshotInterval returns the cadence as a duration.
func (c CaptureConfig) ScreenshotInterval() time.Duration {
	if c.ScreenshotIntervalMS <= 0 {
		return 3 * time.Second
	}
	return time.Duration(c.ScreenshotIntervalMS) * time.Millisecond
}

// PlaybackConfig tunes the reply playback path.
type PlaybackConfig struct {
	// SampleRate is the inbound PCM rate in Hz. 0 uses 24000.
	SampleRate int `yaml:"sample_rate"`
}

// SessionConfig tunes session lifecycle timeouts.
type SessionConfig struct {
	// PermissionTimeoutMS bounds microphone permission acquisition. 0 uses
	// 5000.
	PermissionTimeoutMS int `yaml:"permission_timeout_ms"`

	// SetupTimeoutMS bounds waiting for the backend's setup
	// acknowledgement. 0 uses 10000.
	SetupTimeoutMS int `yaml:"setup_timeout_ms"`
}

// PermissionTimeout returns the permission timeout as a duration.
func (c SessionConfig) PermissionTimeout() time.Duration {
	if c.PermissionTimeoutMS <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.PermissionTimeoutMS) * time.Millisecond
}

// SetupTimeout returns the setup timeout as a duration.
func (c SessionConfig) SetupTimeout() time.Duration {
	if c.SetupTimeoutMS <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.SetupTimeoutMS) * time.Millisecond
}

// TranscriptConfig controls optional transcript persistence.
type TranscriptConfig struct {
	// PostgresDSN enables the call-transcript archive when set.
	PostgresDSN string `yaml:"postgres_dsn"`
}
