package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/gesture"
	"github.com/MrWong99/parley/internal/resilience"
	"github.com/MrWong99/parley/internal/session"
	"github.com/MrWong99/parley/pkg/audio"
	audiomock "github.com/MrWong99/parley/pkg/audio/mock"
	"github.com/MrWong99/parley/pkg/provider/tts"
	ttsmock "github.com/MrWong99/parley/pkg/provider/tts/mock"
	"github.com/MrWong99/parley/pkg/types"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(baseURL string) *config.Config {
	cfg := &config.Config{
		Session: config.SessionConfig{BaseURL: baseURL, SessionID: "app-test"},
		Channel: config.ChannelConfig{
			MinBackoff: 10 * time.Millisecond,
			MaxBackoff: 50 * time.Millisecond,
			Heartbeat:  -1,
		},
		Capture: config.CaptureConfig{StallTimeout: -1},
	}
	config.ApplyDefaults(cfg)
	return cfg
}

// recognizerServer accepts the speech channel and holds it open, and
// records every control message on the recognizer channel.
type recognizerServer struct {
	srv *httptest.Server

	mu       sync.Mutex
	received []map[string]any
}

func newRecognizerServer(t *testing.T) *recognizerServer {
	t.Helper()
	rs := &recognizerServer{}
	mux := http.NewServeMux()
	mux.HandleFunc(session.SpeechPath, func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.CloseNow()
		<-conn.CloseRead(r.Context()).Done()
	})
	mux.HandleFunc(session.RecognizerPath, func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.CloseNow()
		for {
			typ, data, err := conn.Read(r.Context())
			if err != nil {
				return
			}
			if typ != websocket.MessageText {
				continue
			}
			var m map[string]any
			if json.Unmarshal(data, &m) != nil || m["type"] == "ping" {
				continue
			}
			rs.mu.Lock()
			rs.received = append(rs.received, m)
			rs.mu.Unlock()
		}
	})
	rs.srv = httptest.NewServer(mux)
	t.Cleanup(rs.srv.Close)
	return rs
}

func (rs *recognizerServer) types() []string {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	var out []string
	for _, m := range rs.received {
		out = append(out, m["type"].(string))
	}
	return out
}

func (rs *recognizerServer) texts() []string {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	var out []string
	for _, m := range rs.received {
		if m["type"] == "text" {
			out = append(out, m["text"].(string))
		}
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// safeBuffer is a bytes.Buffer safe for the console and the test to share.
type safeBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *safeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *safeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestApp(t *testing.T, cfg *config.Config, opts ...Option) (*App, *audiomock.Sink) {
	t.Helper()
	sink := &audiomock.Sink{}
	base := []Option{
		WithDevice(&audiomock.CaptureDevice{Rate: 16000}),
		WithSink(sink),
		WithLogger(discardLogger()),
		WithRegistry(config.NewRegistry()),
		WithOutput(io.Discard),
	}
	a, err := New(cfg, append(base, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	return a, sink
}

// ── New ──────────────────────────────────────────────────────────────────────

func TestNew_BackendNotRegistered(t *testing.T) {
	t.Parallel()
	_, err := New(testConfig("http://127.0.0.1:1"),
		WithRegistry(config.NewRegistry()),
		WithLogger(discardLogger()),
	)
	if !errors.Is(err, config.ErrBackendNotRegistered) {
		t.Fatalf("got %v, want ErrBackendNotRegistered", err)
	}
}

func TestNew_SessionErrorClosesSink(t *testing.T) {
	t.Parallel()
	cfg := testConfig("http://127.0.0.1:1")
	cfg.Session.SessionID = ""
	sink := &audiomock.Sink{}
	_, err := New(cfg,
		WithDevice(&audiomock.CaptureDevice{}),
		WithSink(sink),
		WithRegistry(config.NewRegistry()),
		WithLogger(discardLogger()),
	)
	if err == nil {
		t.Fatal("expected error without session id")
	}
	if sink.CloseCalls() != 1 {
		t.Errorf("sink closed %d times, want 1", sink.CloseCalls())
	}
}

func TestNew_UsesRegistryBackends(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	dev := &audiomock.CaptureDevice{}
	sink := &audiomock.Sink{}
	var gotPlayback config.PlaybackConfig
	reg.RegisterCapture("malgo", func(config.CaptureConfig) (audio.CaptureDevice, error) { return dev, nil })
	reg.RegisterPlayback("oto", func(c config.PlaybackConfig) (audio.Sink, error) {
		gotPlayback = c
		return sink, nil
	})

	cfg := testConfig("http://127.0.0.1:1")
	cfg.Playback.RequireGesture = true
	a, err := New(cfg, WithRegistry(reg), WithLogger(discardLogger()), WithOutput(io.Discard))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !gotPlayback.RequireGesture {
		t.Error("playback factory did not receive the playback config")
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if sink.CloseCalls() != 1 {
		t.Errorf("sink closed %d times, want 1", sink.CloseCalls())
	}
}

// ── Run ──────────────────────────────────────────────────────────────────────

func TestRun_ConsoleCommands(t *testing.T) {
	t.Parallel()
	rs := newRecognizerServer(t)

	in, feed := io.Pipe()
	t.Cleanup(func() { _ = feed.Close() })
	out := &safeBuffer{}
	a, _ := newTestApp(t, testConfig(rs.srv.URL), WithInput(in), WithOutput(out), WithStatusSink(NewConsole(out)))

	done := make(chan error, 1)
	go func() { done <- a.Run(t.Context()) }()

	waitFor(t, "recognizer channel", func() bool { return a.Session().CheckRecognizer(t.Context()) == nil })

	send := func(line string) {
		t.Helper()
		if _, err := io.WriteString(feed, line+"\n"); err != nil {
			t.Fatalf("write %q: %v", line, err)
		}
	}

	send("hello there")
	waitFor(t, "text message", func() bool { return slices.Equal(rs.texts(), []string{"hello there"}) })
	if !gesture.Unlocked() {
		t.Error("a console line must count as a user gesture")
	}

	send(cmdMic)
	waitFor(t, "mic recording", func() bool { return a.Session().Listener().Mic() == session.MicRecording })
	send(cmdStop)
	waitFor(t, "stop message", func() bool { return slices.Contains(rs.types(), "stop") })

	send(cmdStatus)
	waitFor(t, "status line", func() bool { return strings.Contains(out.String(), "speech=") })
	if !strings.Contains(out.String(), "synth=none pending_gestures=0") {
		t.Errorf("status line missing synthesizer and gesture state:\n%s", out.String())
	}

	send(cmdQuit)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run after /quit: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after /quit")
	}

	if got := rs.types(); !slices.Equal(got, []string{"text", "start", "stop"}) {
		t.Errorf("recognizer messages = %v", got)
	}
	if !strings.Contains(out.String(), "[mic] recording") {
		t.Errorf("console output missing mic status:\n%s", out.String())
	}
}

func TestRun_CancelReturnsContextError(t *testing.T) {
	t.Parallel()
	a, _ := newTestApp(t, testConfig("http://127.0.0.1:1"))

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("got %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRun_GiveUpFails(t *testing.T) {
	t.Parallel()
	cfg := testConfig("http://127.0.0.1:1")
	cfg.Channel.MaxAttempts = 2
	a, _ := newTestApp(t, cfg)

	select {
	case err := <-runAsync(t, a):
		if err == nil {
			t.Fatal("expected error once the channels gave up")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not give up")
	}
}

func runAsync(t *testing.T, a *App) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- a.Run(t.Context()) }()
	return done
}

// ── Diagnostics ──────────────────────────────────────────────────────────────

func TestDiagnosticsHandler(t *testing.T) {
	t.Parallel()
	a, _ := newTestApp(t, testConfig("http://127.0.0.1:1"))
	h := a.diagnosticsHandler()

	tests := []struct {
		path string
		want int
	}{
		{"/healthz", http.StatusOK},
		{"/readyz", http.StatusServiceUnavailable},
		{"/metrics", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest("GET", tt.path, nil))
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d; body %s", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

// ── Config reload ────────────────────────────────────────────────────────────

func TestApplyConfig(t *testing.T) {
	t.Parallel()

	first := &ttsmock.Synthesizer{ListVoicesResult: []types.VoiceProfile{{ID: "first"}}}
	second := &ttsmock.Synthesizer{ListVoicesResult: []types.VoiceProfile{{ID: "second"}}}
	reg := config.NewRegistry()
	reg.RegisterSynthesizer("first", func(config.SynthesizerEntry) (tts.Synthesizer, error) { return first, nil })
	reg.RegisterSynthesizer("second", func(config.SynthesizerEntry) (tts.Synthesizer, error) { return second, nil })

	var level slog.LevelVar
	old := testConfig("http://127.0.0.1:1")
	old.Fallback.Synthesizers = []config.SynthesizerEntry{{Name: "first"}}
	a, _ := newTestApp(t, old, WithRegistry(reg), WithLevel(&level))

	voices, err := a.synth.ListVoices(t.Context())
	if err != nil || len(voices) != 1 || voices[0].ID != "first" {
		t.Fatalf("initial voices = %v, %v", voices, err)
	}

	updated := *old
	updated.Server.LogLevel = config.LogDebug
	updated.Fallback.Synthesizers = []config.SynthesizerEntry{{Name: "second"}}
	a.ApplyConfig(old, &updated)

	if level.Level() != slog.LevelDebug {
		t.Errorf("level = %v, want debug", level.Level())
	}
	voices, err = a.synth.ListVoices(t.Context())
	if err != nil || len(voices) != 1 || voices[0].ID != "second" {
		t.Errorf("voices after reload = %v, %v", voices, err)
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := map[config.LogLevel]slog.Level{
		config.LogDebug: slog.LevelDebug,
		config.LogInfo:  slog.LevelInfo,
		config.LogWarn:  slog.LevelWarn,
		config.LogError: slog.LevelError,
		"":              slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

// ── Synthesizers ─────────────────────────────────────────────────────────────

func TestBuildSynthesizers(t *testing.T) {
	t.Parallel()
	log := discardLogger()

	good := &ttsmock.Synthesizer{ListVoicesResult: []types.VoiceProfile{{ID: "v"}}}
	reg := config.NewRegistry()
	reg.RegisterSynthesizer("missing", func(config.SynthesizerEntry) (tts.Synthesizer, error) {
		return nil, tts.ErrUnavailable
	})
	reg.RegisterSynthesizer("good", func(config.SynthesizerEntry) (tts.Synthesizer, error) { return good, nil })

	if s := buildSynthesizers(reg, nil, log); s != nil {
		t.Errorf("no entries: got %v, want nil", s)
	}
	if s := buildSynthesizers(reg, []config.SynthesizerEntry{{Name: "missing"}, {Name: "unknown"}}, log); s != nil {
		t.Errorf("nothing usable: got %v, want nil", s)
	}

	s := buildSynthesizers(reg, []config.SynthesizerEntry{{Name: "missing"}, {Name: "good"}}, log)
	if s == nil {
		t.Fatal("expected a chain")
	}
	voices, err := s.ListVoices(t.Context())
	if err != nil || len(voices) != 1 {
		t.Errorf("ListVoices = %v, %v", voices, err)
	}
}

func TestDefaultRegistry_EspeakMissingBinary(t *testing.T) {
	t.Parallel()
	reg := DefaultRegistry(discardLogger())
	_, err := reg.CreateSynthesizer(config.SynthesizerEntry{Name: "espeak", Binary: "parley-no-such-espeak"})
	if !errors.Is(err, tts.ErrUnavailable) {
		t.Errorf("got %v, want ErrUnavailable", err)
	}
}

func TestSynthSwitch(t *testing.T) {
	t.Parallel()
	var w synthSwitch

	if _, err := w.ListVoices(t.Context()); !errors.Is(err, tts.ErrUnavailable) {
		t.Errorf("empty ListVoices: %v", err)
	}
	if _, err := w.Speak(t.Context(), "hi", types.VoiceProfile{}); !errors.Is(err, tts.ErrUnavailable) {
		t.Errorf("empty Speak: %v", err)
	}
	w.Cancel()

	m := &ttsmock.Synthesizer{}
	w.Swap(m)
	if _, err := w.Speak(t.Context(), "hi", types.VoiceProfile{}); err != nil {
		t.Fatalf("Speak: %v", err)
	}
	w.Swap(nil)
	if m.CancelCalls() != 1 {
		t.Errorf("previous backend cancelled %d times, want 1", m.CancelCalls())
	}
}

func TestSynthSwitch_Describe(t *testing.T) {
	t.Parallel()
	var w synthSwitch
	if got := w.describe(); got != "none" {
		t.Errorf("empty describe = %q, want none", got)
	}

	w.Swap(&ttsmock.Synthesizer{})
	if got := w.describe(); got != "custom" {
		t.Errorf("plain backend describe = %q, want custom", got)
	}

	broken := &ttsmock.Synthesizer{SpeakErr: errors.New("audio device busy")}
	chain := resilience.NewSynthesizers(broken, "espeak-ng", resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour},
	})
	chain.AddFallback("espeak", &ttsmock.Synthesizer{})
	w.Swap(chain)
	if _, err := w.Speak(t.Context(), "hi", types.VoiceProfile{}); err != nil {
		t.Fatalf("Speak: %v", err)
	}
	if got, want := w.describe(), "espeak-ng:open,espeak:closed"; got != want {
		t.Errorf("describe = %q, want %q", got, want)
	}
}

// ── Console ──────────────────────────────────────────────────────────────────

func TestConsole(t *testing.T) {
	t.Parallel()
	at := time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC)

	tests := []struct {
		name string
		call func(c *Console)
		want string
	}{
		{"speech", func(c *Console) { c.SpeechStatus(session.StatusReady, "") }, "[speech] ready\n"},
		{"speech message", func(c *Console) { c.SpeechStatus(session.StatusError, "boom") }, "[speech] error: boom\n"},
		{"fallback off", func(c *Console) { c.Fallback(session.FallbackState{}) }, "[fallback] off\n"},
		{"fallback speaking", func(c *Console) {
			c.Fallback(session.FallbackState{Active: true, Text: "Hello", Reason: "quota"})
		}, "[fallback] speaking locally (quota): Hello\n"},
		{"fallback blocked", func(c *Console) {
			c.Fallback(session.FallbackState{Active: true, Text: "Hello", NeedsUserGesture: true})
		}, "[fallback] speech is blocked; press Enter to play it\n"},
		{"fallback done", func(c *Console) {
			c.Fallback(session.FallbackState{Active: true, Reason: "quota"})
		}, "[fallback] done (quota)\n"},
		{"mic", func(c *Console) { c.MicStatus(session.MicError, "denied") }, "[mic] error: denied\n"},
		{"partial", func(c *Console) { c.Partial("hel") }, "[partial] hel\n"},
		{"partial cleared", func(c *Console) { c.Partial("") }, ""},
		{"user", func(c *Console) {
			c.Transcript(types.TranscriptEntry{Speaker: types.SpeakerUser, Text: "hi", Timestamp: at})
		}, "15:04:05 you: hi\n"},
		{"interviewer", func(c *Console) {
			c.Transcript(types.TranscriptEntry{Speaker: types.SpeakerInterviewer, Text: "welcome", Timestamp: at})
		}, "15:04:05 interviewer: welcome\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var buf bytes.Buffer
			tt.call(NewConsole(&buf))
			if got := buf.String(); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}
