package session

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/MrWong99/parley/internal/capture"
	"github.com/MrWong99/parley/internal/protocol"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/mock"
	"github.com/MrWong99/parley/pkg/types"
)

// fakeChannel is an AudioChannel that records everything sent on it.
type fakeChannel struct {
	mu     sync.Mutex
	starts []protocol.Message
	sent   []protocol.Message
	stops  int
	audio  [][]byte

	SendErr error
}

func (c *fakeChannel) Start(_ context.Context, msg protocol.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.starts = append(c.starts, msg)
	return nil
}

func (c *fakeChannel) Stop(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stops++
	return nil
}

func (c *fakeChannel) Send(_ context.Context, msg protocol.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.SendErr != nil {
		return c.SendErr
	}
	c.sent = append(c.sent, msg)
	return nil
}

func (c *fakeChannel) SendAudio(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.audio = append(c.audio, data)
	return true
}

func (c *fakeChannel) snapshot() (starts, sent []protocol.Message, stops, frames int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Message(nil), c.starts...), append([]protocol.Message(nil), c.sent...), c.stops, len(c.audio)
}

func newTestListener(t *testing.T, dev *mock.CaptureDevice) (*Listener, *fakeChannel, *statusLog) {
	t.Helper()
	ch := &fakeChannel{}
	log := &statusLog{}
	l, err := NewListener(ListenerConfig{
		Recorder: capture.NewRecorder(dev, capture.WithStallTimeout(-1)),
		Channel:  ch,
		Status:   log,
		Language: "en-US",
	})
	if err != nil {
		t.Fatalf("NewListener: %v", err)
	}
	t.Cleanup(l.StopMic)
	return l, ch, log
}

func TestNewListener_Validates(t *testing.T) {
	t.Parallel()

	rec := capture.NewRecorder(&mock.CaptureDevice{})
	tests := []struct {
		name string
		cfg  ListenerConfig
	}{
		{name: "no recorder", cfg: ListenerConfig{Channel: &fakeChannel{}, Status: &statusLog{}}},
		{name: "no channel", cfg: ListenerConfig{Recorder: rec, Status: &statusLog{}}},
		{name: "no status", cfg: ListenerConfig{Recorder: rec, Channel: &fakeChannel{}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := NewListener(tt.cfg); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestListener_StartStreamsToRecognizer(t *testing.T) {
	t.Parallel()

	dev := &mock.CaptureDevice{Rate: 48000}
	l, ch, log := newTestListener(t, dev)

	if err := l.StartMic(t.Context()); err != nil {
		t.Fatalf("StartMic: %v", err)
	}
	if l.Mic() != MicRecording {
		t.Fatalf("Mic() = %v, want recording", l.Mic())
	}
	starts, _, _, _ := ch.snapshot()
	if len(starts) != 1 {
		t.Fatalf("start messages = %d, want 1", len(starts))
	}
	if starts[0].SampleRate != capture.DefaultTargetRate || starts[0].Language != "en-US" {
		t.Errorf("start = %+v", starts[0])
	}

	// One 200ms frame at the native rate.
	dev.Stream().Emit(make([]float32, 48000/5))
	if _, _, _, frames := ch.snapshot(); frames != 1 {
		t.Errorf("audio frames = %d, want 1", frames)
	}

	// A second start while recording is a no-op.
	if err := l.StartMic(t.Context()); err != nil {
		t.Fatalf("second StartMic: %v", err)
	}
	if n := dev.OpenCalls(); n != 1 {
		t.Errorf("device opened %d times", n)
	}

	l.StopMic()
	if _, _, stops, _ := ch.snapshot(); stops != 1 {
		t.Errorf("stop messages = %d, want 1", stops)
	}
	if l.Mic() != MicIdle {
		t.Errorf("Mic() = %v, want idle", l.Mic())
	}

	want := []MicStatus{MicStarting, MicRecording, MicIdle}
	events := log.micEvents()
	if len(events) != len(want) {
		t.Fatalf("mic events = %+v", events)
	}
	for i, ev := range events {
		if ev.status != want[i] {
			t.Errorf("event %d = %v, want %v", i, ev.status, want[i])
		}
	}
}

func TestListener_DeviceErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "permission", err: audio.ErrPermissionDenied, want: "microphone permission denied"},
		{name: "no device", err: audio.ErrNoDevice, want: "no microphone found"},
		{name: "other", err: errors.New("driver crashed"), want: "cannot access microphone"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			l, ch, log := newTestListener(t, &mock.CaptureDevice{OpenErr: tt.err})

			err := l.StartMic(t.Context())
			if !errors.Is(err, tt.err) {
				t.Fatalf("StartMic error = %v, want %v", err, tt.err)
			}
			if l.Mic() != MicError {
				t.Errorf("Mic() = %v, want error", l.Mic())
			}
			events := log.micEvents()
			if last := events[len(events)-1]; last.message != tt.want {
				t.Errorf("message = %q, want %q", last.message, tt.want)
			}
			if starts, _, _, _ := ch.snapshot(); len(starts) != 0 {
				t.Error("recognizer started without a microphone")
			}
		})
	}
}

func TestListener_StopWhileOpening(t *testing.T) {
	t.Parallel()

	dev := &mock.CaptureDevice{Hold: make(chan struct{})}
	l, ch, _ := newTestListener(t, dev)

	errc := make(chan error, 1)
	go func() { errc <- l.StartMic(context.Background()) }()
	waitFor(t, "device open", func() bool { return dev.OpenCalls() == 1 })

	l.StopMic()
	close(dev.Hold)
	if err := <-errc; err != nil {
		t.Fatalf("StartMic = %v, want nil for an abandoned start", err)
	}
	if l.Mic() != MicIdle {
		t.Errorf("Mic() = %v, want idle", l.Mic())
	}
	if starts, _, _, _ := ch.snapshot(); len(starts) != 0 {
		t.Error("recognizer started after stop")
	}
	if st := dev.Stream(); st == nil || st.Closed() != 1 {
		t.Error("late device stream not released")
	}
}

func TestListener_HandleControl(t *testing.T) {
	t.Parallel()

	l, _, log := newTestListener(t, &mock.CaptureDevice{})

	l.HandleControl(protocol.Message{Type: protocol.KindPartial, Text: "hel"})
	l.HandleControl(protocol.Message{Type: protocol.KindFinal, Text: "hello"})

	log.mu.Lock()
	partials := append([]string(nil), log.partials...)
	transcript := append([]types.TranscriptEntry(nil), log.transcript...)
	log.mu.Unlock()

	if len(partials) != 2 || partials[0] != "hel" || partials[1] != "" {
		t.Errorf("partials = %q", partials)
	}
	if len(transcript) != 1 {
		t.Fatalf("transcript = %+v", transcript)
	}
	if e := transcript[0]; e.Text != "hello" || e.Speaker != types.SpeakerUser || !e.Final {
		t.Errorf("entry = %+v", e)
	}
}

func TestListener_RecognizerErrorStopsMic(t *testing.T) {
	t.Parallel()

	l, ch, log := newTestListener(t, &mock.CaptureDevice{})
	if err := l.StartMic(t.Context()); err != nil {
		t.Fatal(err)
	}

	l.HandleControl(protocol.Message{Type: protocol.KindError, Message: "model unavailable"})

	if l.Mic() != MicError {
		t.Fatalf("Mic() = %v, want error", l.Mic())
	}
	if _, _, stops, _ := ch.snapshot(); stops != 1 {
		t.Errorf("stop messages = %d, want 1", stops)
	}
	events := log.micEvents()
	if last := events[len(events)-1]; last != (micEvent{MicError, "model unavailable"}) {
		t.Errorf("last event = %+v", last)
	}

	// The microphone can be restarted after an error.
	if err := l.StartMic(t.Context()); err != nil {
		t.Fatal(err)
	}
	if l.Mic() != MicRecording {
		t.Errorf("Mic() = %v, want recording", l.Mic())
	}
}

func TestListener_StoppedConfirmation(t *testing.T) {
	t.Parallel()

	l, _, _ := newTestListener(t, &mock.CaptureDevice{})
	if err := l.StartMic(t.Context()); err != nil {
		t.Fatal(err)
	}
	l.HandleControl(protocol.Message{Type: protocol.KindStopped})
	if l.Mic() != MicIdle {
		t.Errorf("Mic() = %v, want idle", l.Mic())
	}
}

func TestListener_SendText(t *testing.T) {
	t.Parallel()

	l, ch, _ := newTestListener(t, &mock.CaptureDevice{})

	if err := l.SendText(t.Context(), "   "); err != nil {
		t.Fatal(err)
	}
	if err := l.SendText(t.Context(), "  my answer \n"); err != nil {
		t.Fatal(err)
	}
	_, sent, _, _ := ch.snapshot()
	if len(sent) != 1 || sent[0].Type != protocol.KindText || sent[0].Text != "my answer" {
		t.Fatalf("sent = %+v", sent)
	}

	ch.mu.Lock()
	ch.SendErr = errors.New("closed")
	ch.mu.Unlock()
	if err := l.SendText(t.Context(), "again"); err == nil {
		t.Error("expected send error")
	}
}

func TestListener_GiveUp(t *testing.T) {
	t.Parallel()

	l, _, _ := newTestListener(t, &mock.CaptureDevice{})
	if err := l.StartMic(t.Context()); err != nil {
		t.Fatal(err)
	}
	l.HandleGiveUp(errors.New("budget"))
	if l.Mic() != MicError {
		t.Errorf("Mic() = %v, want error", l.Mic())
	}
}
