package config

import "slices"

// ConfigDiff describes what changed between two configs.
//
// Only the log level and the synthesizer list are applied live; every other
// change is reported through RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// SynthesizersChanged is true if fallback.synthesizers changed.
	SynthesizersChanged bool

	// RestartRequired lists the sections whose changes only take effect
	// after a restart, e.g. "session" or "channel".
	RestartRequired []string
}

// Changed reports whether anything differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.SynthesizersChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if !slices.Equal(old.Fallback.Synthesizers, new.Fallback.Synthesizers) {
		d.SynthesizersChanged = true
	}

	if old.Server.DiagnosticsAddr != new.Server.DiagnosticsAddr {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if old.Session != new.Session {
		d.RestartRequired = append(d.RestartRequired, "session")
	}
	if old.Capture != new.Capture {
		d.RestartRequired = append(d.RestartRequired, "capture")
	}
	if old.Channel != new.Channel {
		d.RestartRequired = append(d.RestartRequired, "channel")
	}
	if old.Playback != new.Playback {
		d.RestartRequired = append(d.RestartRequired, "playback")
	}
	if old.Fallback.Watchdog != new.Fallback.Watchdog || old.Fallback.Language != new.Fallback.Language {
		d.RestartRequired = append(d.RestartRequired, "fallback")
	}
	return d
}
