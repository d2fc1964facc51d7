package config

// Diff describes what changed between two configs. Only fields that can be
// safely hot-reloaded without restarting a session are tracked; everything
// else needs a process restart.
type Diff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	ScreenshotIntervalChanged bool
	NewScreenshotIntervalMS   int

	VoiceChanged bool
	NewVoice     string
}

// Any reports whether the diff carries at least one change.
func (d Diff) Any() bool {
	return d.LogLevelChanged || d.ScreenshotIntervalChanged || d.VoiceChanged
}

// Compare returns the hot-reloadable differences between old and new.
func Compare(old, new *Config) Diff {
	d := Diff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Capture.ScreenshotIntervalMS != new.Capture.ScreenshotIntervalMS {
		d.ScreenshotIntervalChanged = true
		d.NewScreenshotIntervalMS = new.Capture.ScreenshotIntervalMS
	}
	if old.Backend.Voice != new.Backend.Voice {
		d.VoiceChanged = true
		d.NewVoice = new.Backend.Voice
	}

	return d
}
