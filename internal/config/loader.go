package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader] and
// [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Backend.APIKey == "" {
		errs = append(errs, errors.New("backend.api_key is required"))
	}

	if cfg.Host.URL == "" {
		slog.Warn("host.url is empty; permission prompts, screenshots, and page context will be unavailable")
	}
	if cfg.Host.RequestTimeoutMS < 0 {
		errs = append(errs, fmt.Errorf("host.request_timeout_ms %d must not be negative", cfg.Host.RequestTimeoutMS))
	}

	if cfg.Capture.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("capture.sample_rate %d must not be negative", cfg.Capture.SampleRate))
	}
	if cfg.Capture.BufferSamples < 0 {
		errs = append(errs, fmt.Errorf("capture.buffer_samples %d must not be negative", cfg.Capture.BufferSamples))
	}
	if cfg.Capture.ScreenshotIntervalMS < 0 {
		errs = append(errs, fmt.Errorf("capture.screenshot_interval_ms %d must not be negative", cfg.Capture.ScreenshotIntervalMS))
	}
	if cfg.Capture.ScreenshotIntervalMS > 0 && cfg.Capture.ScreenshotIntervalMS < 500 {
		slog.Warn("capture.screenshot_interval_ms is very low; screenshot captures may overlap", "interval_ms", cfg.Capture.ScreenshotIntervalMS)
	}

	if cfg.Playback.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("playback.sample_rate %d must not be negative", cfg.Playback.SampleRate))
	}

	if cfg.Session.PermissionTimeoutMS < 0 {
		errs = append(errs, fmt.Errorf("session.permission_timeout_ms %d must not be negative", cfg.Session.PermissionTimeoutMS))
	}
	if cfg.Session.SetupTimeoutMS < 0 {
		errs = append(errs, fmt.Errorf("session.setup_timeout_ms %d must not be negative", cfg.Session.SetupTimeoutMS))
	}

	return errors.Join(errs...)
}
