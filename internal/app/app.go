// Package app wires the parley subsystems into a running client.
//
// The App struct owns the full lifecycle: New builds the audio backends, the
// fallback synthesizers and the interview session from config, Run connects
// and serves until the context ends or the user quits, and Shutdown tears
// everything down in order.
//
// For testing, inject doubles via functional options (WithDevice, WithSink,
// WithStatusSink, ...). When an option is not provided, New creates the
// real implementation through the backend [config.Registry].
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/gesture"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/session"
	"github.com/MrWong99/parley/pkg/audio"
)

// App owns all subsystem lifetimes.
type App struct {
	cfg     *config.Config
	reg     *config.Registry
	log     *slog.Logger
	level   *slog.LevelVar
	metrics *observe.Metrics

	status   session.StatusSink
	in       io.Reader
	out      io.Writer
	gestures *gesture.Bus
	device   audio.CaptureDevice
	sink     audio.Sink
	synth    *synthSwitch
	sess     *session.Session

	// closers are called in order during Shutdown.
	closers  []func() error
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithRegistry replaces the default backend registry.
func WithRegistry(r *config.Registry) Option { return func(a *App) { a.reg = r } }

// WithDevice injects a microphone instead of creating one from config.
func WithDevice(d audio.CaptureDevice) Option { return func(a *App) { a.device = d } }

// WithSink injects a speaker instead of creating one from config.
func WithSink(s audio.Sink) Option { return func(a *App) { a.sink = s } }

// WithStatusSink replaces the console status printer.
func WithStatusSink(s session.StatusSink) Option { return func(a *App) { a.status = s } }

// WithInput sets the command stream. Without it Run reads no commands.
func WithInput(r io.Reader) Option { return func(a *App) { a.in = r } }

// WithOutput sets where the console prints. Default os.Stdout.
func WithOutput(w io.Writer) Option { return func(a *App) { a.out = w } }

// WithLogger sets the logger. Default slog.Default().
func WithLogger(l *slog.Logger) Option { return func(a *App) { a.log = l } }

// WithLevel lets a config reload change the log level.
func WithLevel(v *slog.LevelVar) Option { return func(a *App) { a.level = v } }

// WithMetrics sets the metrics. Default observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option { return func(a *App) { a.metrics = m } }

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App from cfg. Nothing is connected until Run.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		cfg:      cfg,
		out:      os.Stdout,
		log:      slog.Default(),
		gestures: &gesture.Bus{},
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.reg == nil {
		a.reg = DefaultRegistry(a.log)
	}
	if a.status == nil {
		a.status = NewConsole(a.out)
	}

	// ── 1. Audio backends ────────────────────────────────────────────────
	if err := a.initAudio(); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init audio: %w", err)
	}

	// ── 2. Fallback synthesizers ─────────────────────────────────────────
	a.synth = &synthSwitch{}
	a.synth.Swap(buildSynthesizers(a.reg, cfg.Fallback.Synthesizers, a.log))
	a.closers = append(a.closers, func() error {
		a.synth.Swap(nil)
		return nil
	})

	// ── 3. Session ───────────────────────────────────────────────────────
	sess, err := session.New(session.Config{
		BaseURL:     cfg.Session.BaseURL,
		SessionID:   cfg.Session.SessionID,
		Language:    cfg.VoiceLanguage(),
		Device:      a.device,
		Sink:        a.sink,
		Status:      a.status,
		Synthesizer: a.synth,
		Gestures:    a.gestures,
		Channels: session.ChannelOptions{
			MinBackoff:  cfg.Channel.MinBackoff,
			MaxBackoff:  cfg.Channel.MaxBackoff,
			Factor:      cfg.Channel.Factor,
			MaxAttempts: cfg.Channel.MaxAttempts,
			Heartbeat:   cfg.Channel.Heartbeat,
		},
		TargetRate:      cfg.Capture.TargetRate,
		FrameDuration:   cfg.Capture.FrameDuration(),
		StallTimeout:    cfg.Capture.StallTimeout,
		WatchdogTimeout: cfg.Fallback.Watchdog,
		SilenceTimeout:  cfg.Playback.SilenceFinalize,
		Logger:          a.log,
		Metrics:         a.metrics,
	})
	if err != nil {
		a.closeAll()
		_ = a.sink.Close()
		return nil, fmt.Errorf("app: %w", err)
	}
	a.sess = sess
	// The session closes the sink.
	a.closers = append([]func() error{sess.Close}, a.closers...)
	return a, nil
}

func (a *App) initAudio() error {
	if a.device == nil {
		dev, err := a.reg.CreateCapture(a.cfg.Capture)
		if err != nil {
			return err
		}
		a.device = dev
	}
	if c, ok := a.device.(io.Closer); ok {
		a.closers = append(a.closers, c.Close)
	}
	if a.sink == nil {
		sink, err := a.reg.CreatePlayback(a.cfg.Playback)
		if err != nil {
			return err
		}
		a.sink = sink
	}
	return nil
}

// Session returns the interview session.
func (a *App) Session() *session.Session { return a.sess }

// Gestures returns the bus that every console line is reported to.
func (a *App) Gestures() *gesture.Bus { return a.gestures }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run opens the session, serves diagnostics when configured and processes
// console commands. It blocks until ctx is cancelled, the user quits or a
// subsystem fails. It returns nil after /quit and ctx.Err() after
// cancellation.
func (a *App) Run(ctx context.Context) error {
	parent := ctx
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	if addr := a.cfg.Server.DiagnosticsAddr; addr != "" {
		srv := a.diagnosticsServer(addr)
		g.Go(func() error { return serve(gctx, srv, a.log) })
	}

	g.Go(func() error {
		err := a.sess.Open(gctx)
		if err != nil && gctx.Err() == nil {
			return err
		}
		return nil
	})

	if a.in != nil {
		g.Go(func() error {
			err := a.console(gctx, a.in)
			if errors.Is(err, errQuit) {
				cancel()
				return nil
			}
			return err
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	a.log.Info("parley running",
		"session_id", a.cfg.Session.SessionID,
		"base_url", a.cfg.Session.BaseURL,
		"diagnostics", a.cfg.Server.DiagnosticsAddr,
	)
	if err := g.Wait(); err != nil {
		return err
	}
	return parent.Err()
}

// ─── Config reload ───────────────────────────────────────────────────────────

// ApplyConfig applies a reloaded config. It has the signature of a
// [config.Watcher] callback. The log level and the synthesizer list change
// live; everything else is only logged.
func (a *App) ApplyConfig(old, updated *config.Config) {
	d := config.Diff(old, updated)
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(ParseLevel(d.NewLogLevel))
		a.log.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.SynthesizersChanged {
		a.synth.Swap(buildSynthesizers(a.reg, updated.Fallback.Synthesizers, a.log))
		a.log.Info("fallback synthesizers reloaded", "count", len(updated.Fallback.Synthesizers))
	}
	if len(d.RestartRequired) > 0 {
		a.log.Warn("config change needs a restart to take effect", "sections", d.RestartRequired)
	}
}

// ParseLevel maps a config level onto slog. Unknown levels map to info.
func ParseLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems, session first. If ctx expires before
// all closers finish, the remaining closers are skipped and the context
// error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "closers", len(a.closers))
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}
		a.log.Info("shutdown complete")
	})
	return shutdownErr
}

func (a *App) closeAll() {
	for _, c := range a.closers {
		_ = c()
	}
	a.closers = nil
}
