package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/parley/internal/capture"
	"github.com/MrWong99/parley/internal/channel"
	"github.com/MrWong99/parley/internal/gesture"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/protocol"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/tts"
)

// Channel paths relative to the session base URL.
const (
	SpeechPath     = "/ws/tts"
	RecognizerPath = "/ws/asr"
)

// ChannelOptions tunes both session channels. Zero values select the
// channel package defaults.
type ChannelOptions struct {
	MinBackoff  time.Duration
	MaxBackoff  time.Duration
	Factor      float64
	MaxAttempts int
	Heartbeat   time.Duration
}

// Config configures a [Session].
type Config struct {
	// BaseURL is the server root, e.g. "https://interview.example.com".
	BaseURL string

	// SessionID identifies the interview on the server.
	SessionID string

	// Language is used for the recognizer and the fallback voice.
	Language string

	// Device is the microphone. Required.
	Device audio.CaptureDevice

	// Sink is the speaker. Required. The session closes it.
	Sink audio.Sink

	// Status receives every user-visible change. Required.
	Status StatusSink

	// Synthesizer renders fallback text. May be nil.
	Synthesizer tts.Synthesizer

	// Gestures delivers user interactions. May be nil.
	Gestures *gesture.Bus

	Channels ChannelOptions

	// Capture options; zero values select the capture package defaults.
	TargetRate    int
	FrameDuration time.Duration
	StallTimeout  time.Duration

	WatchdogTimeout time.Duration
	SilenceTimeout  time.Duration

	Logger  *slog.Logger
	Metrics *observe.Metrics
}

// Session is one interview: a speech channel feeding [Speech] and a
// recognizer channel fed by [Listener].
type Session struct {
	speech     *Speech
	listener   *Listener
	speechCh   *channel.Client
	recognizer *channel.Client
	log        *slog.Logger
	metrics    *observe.Metrics

	mu     sync.Mutex
	opened bool
	closed bool
}

// New wires a session without connecting it.
func New(cfg Config) (*Session, error) {
	if cfg.SessionID == "" {
		return nil, errors.New("session: session id is required")
	}
	if cfg.Device == nil {
		return nil, errors.New("session: capture device is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	log := cfg.Logger.With("session_id", cfg.SessionID)

	speechURL, err := channel.Endpoint(cfg.BaseURL, SpeechPath, cfg.SessionID)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	recognizerURL, err := channel.Endpoint(cfg.BaseURL, RecognizerPath, cfg.SessionID)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}

	speech, err := NewSpeech(SpeechConfig{
		Sink:            cfg.Sink,
		Status:          cfg.Status,
		Synthesizer:     cfg.Synthesizer,
		Language:        cfg.Language,
		Gestures:        cfg.Gestures,
		WatchdogTimeout: cfg.WatchdogTimeout,
		SilenceTimeout:  cfg.SilenceTimeout,
		Logger:          log,
		Metrics:         cfg.Metrics,
	})
	if err != nil {
		return nil, err
	}

	var recOpts []capture.Option
	if cfg.TargetRate > 0 {
		recOpts = append(recOpts, capture.WithTargetRate(cfg.TargetRate))
	}
	if cfg.FrameDuration > 0 {
		recOpts = append(recOpts, capture.WithFrameDuration(cfg.FrameDuration))
	}
	if cfg.StallTimeout != 0 {
		recOpts = append(recOpts, capture.WithStallTimeout(cfg.StallTimeout))
	}
	recOpts = append(recOpts, capture.WithLogger(log), capture.WithMetrics(cfg.Metrics))
	rec := capture.NewRecorder(cfg.Device, recOpts...)

	s := &Session{speech: speech, log: log, metrics: cfg.Metrics}

	// The recognizer callbacks only run after Connect, once listener is set.
	var listener *Listener
	recCfg := channelConfig(cfg, recognizerURL, "recognizer", log)
	recCfg.OnControl = func(msg protocol.Message) { listener.HandleControl(msg) }
	recCfg.OnGiveUp = func(err error) { listener.HandleGiveUp(err) }
	s.recognizer = channel.New(recCfg)

	listener, err = NewListener(ListenerConfig{
		Recorder: rec,
		Channel:  s.recognizer,
		Status:   cfg.Status,
		Language: cfg.Language,
		Logger:   log,
	})
	if err != nil {
		speech.Close()
		return nil, err
	}
	s.listener = listener

	speechCfg := channelConfig(cfg, speechURL, "speech", log)
	speechCfg.OnControl = speech.HandleControl
	speechCfg.OnBinary = speech.HandleBinary
	speechCfg.OnOpen = speech.HandleOpen
	speechCfg.OnDrop = speech.HandleDrop
	speechCfg.OnGiveUp = speech.HandleGiveUp
	s.speechCh = channel.New(speechCfg)
	return s, nil
}

func channelConfig(cfg Config, url, name string, log *slog.Logger) channel.Config {
	return channel.Config{
		URL:         url,
		Name:        name,
		MinBackoff:  cfg.Channels.MinBackoff,
		MaxBackoff:  cfg.Channels.MaxBackoff,
		Factor:      cfg.Channels.Factor,
		MaxAttempts: cfg.Channels.MaxAttempts,
		Heartbeat:   cfg.Channels.Heartbeat,
		Logger:      log,
		Metrics:     cfg.Metrics,
	}
}

// Open connects both channels and waits until both are usable. If ctx ends
// first the channels keep reconnecting in the background and ctx.Err() is
// returned.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return channel.ErrClosed
	}
	if s.opened {
		s.mu.Unlock()
		return nil
	}
	s.opened = true
	s.mu.Unlock()

	s.metrics.ActiveSessions.Add(ctx, 1)
	s.log.Info("opening session")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.speechCh.Connect(gctx) })
	g.Go(func() error { return s.recognizer.Connect(gctx) })
	if err := g.Wait(); err != nil {
		return fmt.Errorf("session: open: %w", err)
	}
	s.log.Info("session open")
	return nil
}

// Speech returns the inbound half.
func (s *Session) Speech() *Speech { return s.speech }

// Listener returns the outbound half.
func (s *Session) Listener() *Listener { return s.listener }

// CheckSpeech reports an error unless the speech channel is connected.
func (s *Session) CheckSpeech(context.Context) error {
	if !s.speechCh.Connected() {
		return errors.New("speech channel not connected")
	}
	return nil
}

// CheckRecognizer reports an error unless the recognizer channel is
// connected.
func (s *Session) CheckRecognizer(context.Context) error {
	if !s.recognizer.Connected() {
		return errors.New("recognizer channel not connected")
	}
	return nil
}

// Close stops the microphone, closes both channels and releases the
// speaker. It is safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	opened := s.opened
	s.mu.Unlock()

	s.listener.StopMic()
	errs := errors.Join(s.recognizer.Close(), s.speechCh.Close())
	s.speech.Close()
	if opened {
		s.metrics.ActiveSessions.Add(context.Background(), -1)
	}
	s.log.Info("session closed")
	return errs
}
