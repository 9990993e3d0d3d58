// Package session binds the capture pipeline, the two channels and the
// playback engine into one interview session.
//
// [Speech] owns the inbound path: it interprets the speech channel's control
// protocol, feeds the playback engine and escalates to the local synthesizer
// when the server asks for it. [Listener] owns the outbound path from the
// microphone to the recognizer. [Session] composes both with their channels.
//
// All user-visible state is reported through a mandatory [StatusSink].
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/parley/internal/gesture"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/playback"
	"github.com/MrWong99/parley/internal/protocol"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/tts"
)

// Defaults for [SpeechConfig].
const (
	DefaultMIME            = "audio/mpeg"
	DefaultWatchdogTimeout = 3 * time.Second
	DefaultSilenceTimeout  = 600 * time.Millisecond
)

// ErrNoVoices is reported when the synthesizer offers no voice at all.
var ErrNoVoices = fmt.Errorf("session: no synthesizer voices: %w", tts.ErrUnavailable)

// SpeechConfig configures a [Speech].
type SpeechConfig struct {
	// Sink is the speaker. Required. Speech owns it and closes it.
	Sink audio.Sink

	// Status receives every user-visible change. Required.
	Status StatusSink

	// Synthesizer renders fallback text. Nil means the host has no speech
	// synthesis and fallback turns end in an error status.
	Synthesizer tts.Synthesizer

	// Language selects the synthesizer voice, e.g. "en-US".
	Language string

	// Gestures, if set, lets blocked playback and blocked fallback speech
	// retry on the next user interaction.
	Gestures *gesture.Bus

	// WatchdogTimeout bounds how long fallback speech may take to start
	// before the session asks for a user gesture. Default 3s.
	WatchdogTimeout time.Duration

	// SilenceTimeout finalizes a turn of inline chunks when no chunk arrived
	// for this long. Default 600ms; negative disables it.
	SilenceTimeout time.Duration

	// DefaultMIME is used when a ready message names no MIME type.
	// Default "audio/mpeg".
	DefaultMIME string

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Metrics defaults to observe.DefaultMetrics().
	Metrics *observe.Metrics
}

// turnInfo tracks the telemetry of the armed turn.
type turnInfo struct {
	id       string
	ctx      context.Context
	span     trace.Span
	started  time.Time
	gen      uint64
	audio    bool
	degraded bool
}

// Speech is the inbound half of a session. Its handlers are safe to call from
// any goroutine; they are processed strictly in call order on an internal
// loop that owns all state.
type Speech struct {
	engine  *playback.Engine
	status  StatusSink
	synth   tts.Synthesizer
	lang    string
	bus     *gesture.Bus
	mime    string
	watch   time.Duration
	silence time.Duration
	log     *slog.Logger
	metrics *observe.Metrics

	in   chan input
	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup

	view atomic.Value // SpeechStatus

	// Owned by the loop goroutine.
	state         speechState
	turn          *turnInfo
	speakCancel   context.CancelFunc
	gestureCancel func()
	watchTimer    *time.Timer
	silenceTimer  *time.Timer
}

// NewSpeech creates a [Speech] and its playback engine.
func NewSpeech(cfg SpeechConfig) (*Speech, error) {
	if cfg.Sink == nil {
		return nil, errors.New("session: speech requires a sink")
	}
	if cfg.Status == nil {
		return nil, errors.New("session: speech requires a status sink")
	}
	if cfg.WatchdogTimeout <= 0 {
		cfg.WatchdogTimeout = DefaultWatchdogTimeout
	}
	if cfg.SilenceTimeout == 0 {
		cfg.SilenceTimeout = DefaultSilenceTimeout
	}
	if cfg.DefaultMIME == "" {
		cfg.DefaultMIME = DefaultMIME
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}

	s := &Speech{
		status:  cfg.Status,
		synth:   cfg.Synthesizer,
		lang:    cfg.Language,
		bus:     cfg.Gestures,
		mime:    cfg.DefaultMIME,
		watch:   cfg.WatchdogTimeout,
		silence: cfg.SilenceTimeout,
		log:     cfg.Logger.With("component", "speech"),
		metrics: cfg.Metrics,
		in:      make(chan input, 64),
		done:    make(chan struct{}),
	}
	s.view.Store(StatusConnecting)

	opts := []playback.Option{
		playback.WithLogger(cfg.Logger),
		playback.WithObserver(s.onSnapshot),
	}
	if cfg.Gestures != nil {
		opts = append(opts, playback.WithGestures(cfg.Gestures))
	}
	s.engine = playback.New(cfg.Sink, opts...)

	go s.run()
	return s, nil
}

// HandleControl processes one decoded control message from the speech
// channel. Recognizer messages are ignored.
func (s *Speech) HandleControl(msg protocol.Message) {
	switch msg.Type {
	case protocol.KindReady:
		mime := msg.MIME
		if mime == "" {
			mime = s.mime
		}
		s.post(inReady{mime: mime})
	case protocol.KindChunk:
		s.post(inAudio{data: msg.Data, inline: true})
	case protocol.KindEnd:
		s.post(inEnd{})
	case protocol.KindError:
		s.post(inServerError{message: msg.Message})
	case protocol.KindFallback:
		s.post(inFallback{text: msg.Text, reason: msg.Message})
	default:
		s.log.Debug("ignoring control message", "type", msg.Type)
	}
}

// HandleBinary processes one binary audio frame from the speech channel.
func (s *Speech) HandleBinary(data []byte) {
	s.post(inAudio{data: data})
}

// HandleOpen reports that the speech channel (re)connected.
func (s *Speech) HandleOpen() { s.post(inOpen{}) }

// HandleDrop reports that the speech channel lost its connection. Audio of
// the armed turn that already arrived is still rendered.
func (s *Speech) HandleDrop(err error) {
	s.log.Info("speech channel dropped", "error", err)
	s.post(inDrop{})
}

// HandleGiveUp reports that the speech channel exhausted its reconnect
// budget. The turn ends in an error status.
func (s *Speech) HandleGiveUp(err error) {
	s.post(inServerError{message: fmt.Sprintf("speech channel unavailable: %v", err)})
}

// RetryFallback speaks the current fallback text again. It does nothing when
// no fallback text is pending.
func (s *Speech) RetryFallback() { s.post(inRetry{}) }

// Status returns the current speech status.
func (s *Speech) Status() SpeechStatus { return s.view.Load().(SpeechStatus) }

// Playback returns the playback engine's current snapshot.
func (s *Speech) Playback() playback.Snapshot { return s.engine.Snapshot() }

// Close silences everything and releases the sink. It is safe to call more
// than once.
func (s *Speech) Close() {
	s.once.Do(func() {
		s.post(inClose{})
		<-s.done
		s.engine.Destroy()
		s.wg.Wait()
	})
}

func (s *Speech) post(in input) {
	select {
	case s.in <- in:
	case <-s.done:
	}
}

func (s *Speech) run() {
	defer close(s.done)
	for in := range s.in {
		s.dispatch(in)
		if _, ok := in.(inClose); ok {
			s.shutdown()
			return
		}
	}
}

type inSnapshot struct{ snap playback.Snapshot }

func (inSnapshot) isInput() {}

// onSnapshot runs on the engine's observer goroutine.
func (s *Speech) onSnapshot(snap playback.Snapshot) { s.post(inSnapshot{snap: snap}) }

func (s *Speech) dispatch(in input) {
	if v, ok := in.(inSnapshot); ok {
		s.observe(v.snap)
		return
	}
	next, acts := reduce(s.state, in)
	s.state = next
	for _, a := range acts {
		s.apply(a)
	}
	s.view.Store(next.status)
}

// observe turns engine snapshots into telemetry and, while the turn is
// armed, into a playback failure input.
func (s *Speech) observe(snap playback.Snapshot) {
	t := s.turn
	if t == nil || snap.Generation < t.gen {
		return
	}
	if snap.Degraded && !t.degraded {
		t.degraded = true
		s.metrics.PlaybackDowngrades.Add(t.ctx, 1, metric.WithAttributes(observe.Attr("mime", snap.MIME)))
		t.span.AddEvent("downgraded")
	}
	switch {
	case snap.Mode == playback.ModeError:
		if cur := s.engine.Snapshot(); cur.Mode != playback.ModeError || cur.Generation != snap.Generation {
			return
		}
		s.endTurn("failed")
		next, acts := reduce(s.state, inPlaybackFailed{err: snap.Err})
		s.state = next
		for _, a := range acts {
			s.apply(a)
		}
		s.view.Store(next.status)
	case snap.Completed:
		s.endTurn("completed")
	}
}

func (s *Speech) apply(a action) {
	switch v := a.(type) {
	case acPrepare:
		s.endTurn("superseded")
		if err := s.engine.Prepare(v.mime); err != nil {
			s.log.Error("prepare playback", "mime", v.mime, "error", err)
			return
		}
		id := uuid.NewString()
		ctx, span := observe.StartTurn(context.Background(), id, v.mime)
		s.turn = &turnInfo{
			id:      id,
			ctx:     ctx,
			span:    span,
			started: time.Now(),
			gen:     s.engine.Snapshot().Generation,
		}
		observe.Logger(ctx, s.log).Debug("turn armed", "turn_id", id, "mime", v.mime)

	case acEnqueue:
		if t := s.turn; t != nil && !t.audio {
			t.audio = true
			s.metrics.FirstAudioDuration.Record(t.ctx, time.Since(t.started).Seconds())
		}
		if err := s.engine.Enqueue(v.data); err != nil {
			s.log.Debug("chunk rejected by playback", "error", err)
			s.metrics.RecordDrop(context.Background(), "speech", dropReason(err))
		}

	case acFinalize:
		if err := s.engine.Finalize(); err != nil && !errors.Is(err, playback.ErrNotPrepared) {
			s.log.Debug("finalize playback", "error", err)
		}

	case acCancelPlayback:
		s.engine.Cancel()
		s.endTurn(v.outcome)

	case acStatus:
		lvl := slog.LevelInfo
		if v.status == StatusError {
			lvl = slog.LevelWarn
		}
		s.log.Log(context.Background(), lvl, "speech status changed", "status", v.status, "message", v.message)
		s.status.SpeechStatus(v.status, v.message)

	case acFallback:
		s.status.Fallback(v.state)

	case acSpeak:
		s.cancelSpeak()
		ctx, cancel := context.WithCancel(context.Background())
		s.speakCancel = cancel
		s.wg.Add(1)
		go s.speak(ctx, v.attempt, v.text)

	case acCancelSpeech:
		s.cancelSpeak()
		if s.synth != nil {
			s.synth.Cancel()
		}

	case acWatchdog:
		stopTimer(s.watchTimer)
		attempt := v.attempt
		s.watchTimer = time.AfterFunc(s.watch, func() { s.post(inWatchdog{attempt: attempt}) })

	case acArmGesture:
		s.disarmGesture()
		if s.bus == nil {
			s.log.Warn("fallback speech blocked and no gesture source; use retry")
			return
		}
		attempt := v.attempt
		s.gestureCancel = s.bus.Once(func(kind gesture.Kind) {
			s.log.Info("user gesture, retrying fallback speech", "gesture", kind)
			s.post(inGesture{attempt: attempt})
		})

	case acDisarmGesture:
		s.disarmGesture()

	case acSilence:
		if s.silence < 0 {
			return
		}
		stopTimer(s.silenceTimer)
		turn, seq := v.turn, v.seq
		s.silenceTimer = time.AfterFunc(s.silence, func() { s.post(inSilence{turn: turn, seq: seq}) })

	case acDrop:
		s.log.Warn("dropping audio outside an armed turn", "reason", v.reason)
		s.metrics.RecordDrop(context.Background(), "speech", v.reason)

	case acRecordFallback:
		s.metrics.RecordFallback(context.Background(), v.outcome)
	}
}

// speak resolves a voice and runs one synthesis attempt, reporting its
// progress back to the loop. A cancelled attempt reports nothing.
func (s *Speech) speak(ctx context.Context, attempt uint64, text string) {
	defer s.wg.Done()

	if s.synth == nil {
		s.post(inSpeakFailed{attempt: attempt, err: tts.ErrUnavailable})
		return
	}
	voices, err := s.synth.ListVoices(ctx)
	if err == nil && len(voices) == 0 {
		err = ErrNoVoices
	}
	if err != nil {
		if ctx.Err() == nil {
			s.post(inSpeakFailed{attempt: attempt, err: err})
		}
		return
	}
	voice, _ := tts.SelectVoice(voices, s.lang)

	begin := time.Now()
	u, err := s.synth.Speak(ctx, text, voice)
	if err != nil {
		if ctx.Err() == nil {
			s.post(inSpeakFailed{attempt: attempt, err: err})
		}
		return
	}
	s.log.Debug("fallback speech requested", "voice", voice.ID, "language", voice.Language)

	select {
	case <-u.Started():
		s.metrics.SynthesisStartDuration.Record(ctx, time.Since(begin).Seconds(),
			metric.WithAttributes(observe.Attr("provider", voice.Provider)))
		s.post(inSpeechStarted{attempt: attempt})
	case <-u.Done():
	case <-ctx.Done():
		return
	}
	select {
	case <-u.Done():
		s.post(inSpeechEnded{attempt: attempt, err: u.Err()})
	case <-ctx.Done():
	}
}

func (s *Speech) cancelSpeak() {
	if s.speakCancel != nil {
		s.speakCancel()
		s.speakCancel = nil
	}
}

func (s *Speech) disarmGesture() {
	if s.gestureCancel != nil {
		s.gestureCancel()
		s.gestureCancel = nil
	}
}

func (s *Speech) endTurn(outcome string) {
	t := s.turn
	if t == nil {
		return
	}
	s.turn = nil
	mode := "streaming"
	if t.degraded {
		mode = "buffered"
	}
	s.metrics.TurnDuration.Record(t.ctx, time.Since(t.started).Seconds(),
		metric.WithAttributes(observe.Attr("mode", mode), observe.Attr("outcome", outcome)))
	t.span.SetAttributes(attribute.String("parley.outcome", outcome), attribute.String("parley.mode", mode))
	t.span.End()
}

// shutdown runs on the loop after the close input was reduced.
func (s *Speech) shutdown() {
	s.endTurn("closed")
	s.cancelSpeak()
	if s.synth != nil {
		s.synth.Cancel()
	}
	s.disarmGesture()
	stopTimer(s.watchTimer)
	stopTimer(s.silenceTimer)
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, playback.ErrFinalized):
		return "finalized"
	case errors.Is(err, playback.ErrNotPrepared):
		return "not_prepared"
	case errors.Is(err, playback.ErrFailed):
		return "failed"
	case errors.Is(err, playback.ErrDestroyed):
		return "destroyed"
	default:
		return "rejected"
	}
}
