package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// ValidBackendNames lists known backend names per backend kind.
// Used by [Validate] to warn about unrecognised names.
var ValidBackendNames = map[string][]string{
	"capture":     {"malgo"},
	"playback":    {"oto"},
	"synthesizer": {"espeak"},
}

// Defaults applied by [ApplyDefaults].
const (
	DefaultLanguage        = "en-US"
	DefaultCaptureBackend  = "malgo"
	DefaultTargetRate      = 16000
	DefaultFrameMS         = 200
	DefaultStallTimeout    = 3 * time.Second
	DefaultMinBackoff      = 250 * time.Millisecond
	DefaultMaxBackoff      = 4 * time.Second
	DefaultFactor          = 1.5
	DefaultHeartbeat       = 5 * time.Second
	DefaultPlaybackBackend = "oto"
	DefaultSampleRate      = 24000
	DefaultSilenceFinalize = 600 * time.Millisecond
	DefaultWatchdog        = 3 * time.Second
)

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. It is a convenience wrapper around
// [LoadFromReader].
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

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. Unknown keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills every unset field with its default. Negative
// durations that mean "disabled" are left alone.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Session.Language == "" {
		cfg.Session.Language = DefaultLanguage
	}

	c := &cfg.Capture
	if c.Backend == "" {
		c.Backend = DefaultCaptureBackend
	}
	if c.TargetRate == 0 {
		c.TargetRate = DefaultTargetRate
	}
	if c.FrameMS == 0 {
		c.FrameMS = DefaultFrameMS
	}
	if c.StallTimeout == 0 {
		c.StallTimeout = DefaultStallTimeout
	}

	ch := &cfg.Channel
	if ch.MinBackoff == 0 {
		ch.MinBackoff = DefaultMinBackoff
	}
	if ch.MaxBackoff == 0 {
		ch.MaxBackoff = DefaultMaxBackoff
	}
	if ch.Factor == 0 {
		ch.Factor = DefaultFactor
	}
	if ch.Heartbeat == 0 {
		ch.Heartbeat = DefaultHeartbeat
	}

	p := &cfg.Playback
	if p.Backend == "" {
		p.Backend = DefaultPlaybackBackend
	}
	if p.SampleRate == 0 {
		p.SampleRate = DefaultSampleRate
	}
	if p.SilenceFinalize == 0 {
		p.SilenceFinalize = DefaultSilenceFinalize
	}

	if cfg.Fallback.Watchdog == 0 {
		cfg.Fallback.Watchdog = DefaultWatchdog
	}
}

// Validate checks that cfg contains a coherent set of values. Zero values
// are accepted since [ApplyDefaults] replaces them. It returns a joined
// error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Session
	if cfg.Session.SessionID == "" {
		errs = append(errs, errors.New("session.session_id is required"))
	}
	if cfg.Session.BaseURL == "" {
		errs = append(errs, errors.New("session.base_url is required"))
	} else if err := validateBaseURL(cfg.Session.BaseURL); err != nil {
		errs = append(errs, err)
	}

	// Capture
	if cfg.Capture.NativeRate < 0 {
		errs = append(errs, fmt.Errorf("capture.native_rate must be >= 0, got %d", cfg.Capture.NativeRate))
	}
	if cfg.Capture.TargetRate < 0 {
		errs = append(errs, fmt.Errorf("capture.target_rate must be >= 0, got %d", cfg.Capture.TargetRate))
	}
	if cfg.Capture.FrameMS < 0 {
		errs = append(errs, fmt.Errorf("capture.frame_ms must be >= 0, got %d", cfg.Capture.FrameMS))
	}

	// Channel
	ch := cfg.Channel
	if ch.MinBackoff < 0 || ch.MaxBackoff < 0 {
		errs = append(errs, errors.New("channel backoff durations must not be negative"))
	}
	if ch.MinBackoff > 0 && ch.MaxBackoff > 0 && ch.MinBackoff > ch.MaxBackoff {
		errs = append(errs, fmt.Errorf("channel.min_backoff %s exceeds channel.max_backoff %s", ch.MinBackoff, ch.MaxBackoff))
	}
	if ch.Factor != 0 && ch.Factor < 1 {
		errs = append(errs, fmt.Errorf("channel.factor must be >= 1, got %g", ch.Factor))
	}
	if ch.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("channel.max_attempts must be >= 0, got %d", ch.MaxAttempts))
	}

	// Playback
	if cfg.Playback.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("playback.sample_rate must be >= 0, got %d", cfg.Playback.SampleRate))
	}

	// Fallback
	if cfg.Fallback.Watchdog < 0 {
		errs = append(errs, fmt.Errorf("fallback.watchdog must be >= 0, got %s", cfg.Fallback.Watchdog))
	}
	seen := make(map[string]bool, len(cfg.Fallback.Synthesizers))
	for i, s := range cfg.Fallback.Synthesizers {
		if s.Name == "" {
			errs = append(errs, fmt.Errorf("fallback.synthesizers[%d].name is required", i))
			continue
		}
		if seen[s.Name] {
			errs = append(errs, fmt.Errorf("fallback.synthesizers[%d]: duplicate name %q", i, s.Name))
		}
		seen[s.Name] = true
		if s.Rate < 0 {
			errs = append(errs, fmt.Errorf("fallback.synthesizers[%d].rate must be >= 0, got %d", i, s.Rate))
		}
		validateBackendName("synthesizer", s.Name)
	}

	validateBackendName("capture", cfg.Capture.Backend)
	validateBackendName("playback", cfg.Playback.Backend)

	return errors.Join(errs...)
}

func validateBaseURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("session.base_url: %w", err)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return fmt.Errorf("session.base_url scheme %q is invalid; valid values: http, https, ws, wss", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("session.base_url %q has no host", raw)
	}
	return nil
}

// validateBackendName logs a warning if name is non-empty and not in the
// known list for kind. Backends can be registered at runtime, so this is
// not an error.
func validateBackendName(kind, name string) {
	if name == "" {
		return
	}
	if !slices.Contains(ValidBackendNames[kind], name) {
		slog.Warn("unknown backend name; it must be registered before use",
			"kind", kind,
			"name", name,
			"known", ValidBackendNames[kind],
		)
	}
}
