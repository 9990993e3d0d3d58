// Package config provides the configuration schema, loader, watcher and
// backend registry for the parley client.
package config

import "time"

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

// Config is the root configuration structure for parley.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Session  SessionConfig  `yaml:"session"`
	Capture  CaptureConfig  `yaml:"capture"`
	Channel  ChannelConfig  `yaml:"channel"`
	Playback PlaybackConfig `yaml:"playback"`
	Fallback FallbackConfig `yaml:"fallback"`
}

// ServerConfig holds process-level settings.
type ServerConfig struct {
	// LogLevel is one of debug, info, warn, error. Default info.
	LogLevel LogLevel `yaml:"log_level"`

	// DiagnosticsAddr is the listen address of the /metrics, /healthz and
	// /readyz server, e.g. ":9090". Empty disables the server.
	DiagnosticsAddr string `yaml:"diagnostics_addr"`
}

// SessionConfig identifies the interview to join.
type SessionConfig struct {
	// BaseURL is the interview server, e.g. "https://interview.example.com".
	// http and https are mapped to ws and wss.
	BaseURL string `yaml:"base_url"`

	// SessionID is sent as the session query parameter on both channels.
	SessionID string `yaml:"session_id"`

	// Language is the BCP 47 tag used for recognition and fallback voice
	// selection. Default "en-US".
	Language string `yaml:"language"`
}

// CaptureConfig configures the microphone pipeline.
type CaptureConfig struct {
	// Backend names the registered capture backend. Default "malgo".
	Backend string `yaml:"backend"`

	// NativeRate requests a device rate in Hz. Zero uses the device's own.
	NativeRate int `yaml:"native_rate"`

	// TargetRate is the rate sent to the recognizer. Default 16000.
	TargetRate int `yaml:"target_rate"`

	// FrameMS is the audio duration per sent frame. Default 200.
	FrameMS int `yaml:"frame_ms"`

	// StallTimeout ends capture when the device delivers nothing for this
	// long. Default 3s; negative disables.
	StallTimeout time.Duration `yaml:"stall_timeout"`
}

// FrameDuration returns FrameMS as a duration.
func (c CaptureConfig) FrameDuration() time.Duration {
	return time.Duration(c.FrameMS) * time.Millisecond
}

// ChannelConfig tunes reconnects and heartbeats of both server channels.
type ChannelConfig struct {
	MinBackoff time.Duration `yaml:"min_backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
	Factor     float64       `yaml:"factor"`

	// Heartbeat is the ping interval. Negative disables pings.
	Heartbeat time.Duration `yaml:"heartbeat"`

	// MaxAttempts bounds consecutive failed connects. Zero retries forever.
	MaxAttempts int `yaml:"max_attempts"`
}

// PlaybackConfig configures the speaker.
type PlaybackConfig struct {
	// Backend names the registered playback backend. Default "oto".
	Backend string `yaml:"backend"`

	// SampleRate is the output rate in Hz. Default 24000.
	SampleRate int `yaml:"sample_rate"`

	// RequireGesture holds playback back until the user typed something.
	RequireGesture bool `yaml:"require_gesture"`

	// SilenceFinalize completes a chunked turn after this much silence.
	// Default 600ms; negative disables.
	SilenceFinalize time.Duration `yaml:"silence_finalize"`
}

// FallbackConfig configures local speech for text-only turns.
type FallbackConfig struct {
	// Synthesizers are tried in order. Empty means fallback speech is
	// unsupported.
	Synthesizers []SynthesizerEntry `yaml:"synthesizers"`

	// Watchdog is how long a fallback utterance may take to start before
	// the user is asked for a gesture. Default 3s.
	Watchdog time.Duration `yaml:"watchdog"`

	// Language overrides session.language for voice selection.
	Language string `yaml:"language"`
}

// SynthesizerEntry configures one local speech backend.
type SynthesizerEntry struct {
	// Name selects the registered backend, e.g. "espeak".
	Name string `yaml:"name"`

	// Binary overrides the executable for command line backends.
	Binary string `yaml:"binary"`

	// Rate is the speaking rate in words per minute. Zero keeps the
	// backend default.
	Rate int `yaml:"rate"`
}

// VoiceLanguage is the language used to pick a fallback voice.
func (c *Config) VoiceLanguage() string {
	if c.Fallback.Language != "" {
		return c.Fallback.Language
	}
	return c.Session.Language
}
