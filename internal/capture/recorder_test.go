package capture

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/mock"
)

// recording collects callback activity.
type recording struct {
	mu     sync.Mutex
	events []string
	frames []audio.AudioFrame
	rate   int
	stops  atomic.Int32
}

func (rec *recording) callbacks() Callbacks {
	return Callbacks{
		OnReady: func(rate int) {
			rec.mu.Lock()
			defer rec.mu.Unlock()
			rec.rate = rate
			rec.events = append(rec.events, "ready")
		},
		OnChunk: func(f audio.AudioFrame) {
			rec.mu.Lock()
			defer rec.mu.Unlock()
			rec.frames = append(rec.frames, f)
			rec.events = append(rec.events, "chunk")
		},
		OnStop: func() {
			rec.stops.Add(1)
			rec.mu.Lock()
			defer rec.mu.Unlock()
			rec.events = append(rec.events, "stop")
		},
	}
}

func (rec *recording) snapshot() ([]string, []audio.AudioFrame) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return append([]string(nil), rec.events...), append([]audio.AudioFrame(nil), rec.frames...)
}

func constant(n int, v float32) []float32 {
	s := make([]float32, n)
	for i := range s {
		s[i] = v
	}
	return s
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestRecorder_FramesAtTargetRate(t *testing.T) {
	t.Parallel()

	dev := &mock.CaptureDevice{Rate: 48000}
	r := NewRecorder(dev, WithStallTimeout(0))
	var rec recording
	if err := r.Start(t.Context(), rec.callbacks()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer r.Stop()

	st := dev.Stream()
	st.Emit(constant(4800, 0.5))
	if _, frames := rec.snapshot(); len(frames) != 0 {
		t.Fatalf("frame delivered after 100ms of audio")
	}
	st.Emit(constant(4800, 0.5))
	st.Emit(constant(9600, -1))

	events, frames := rec.snapshot()
	if len(frames) != 2 {
		t.Fatalf("frames = %d, want 2", len(frames))
	}
	if events[0] != "ready" || rec.rate != 16000 {
		t.Errorf("events = %v rate = %d, want ready(16000) first", events, rec.rate)
	}
	for i, f := range frames {
		if f.SampleRate != 16000 || f.Channels != 1 || len(f.Data) != 3200*2 {
			t.Errorf("frame %d: rate=%d ch=%d bytes=%d", i, f.SampleRate, f.Channels, len(f.Data))
		}
		if f.Duration() != DefaultFrameDuration {
			t.Errorf("frame %d duration = %v", i, f.Duration())
		}
	}
	if got := audio.DecodePCM16(frames[0].Data)[0]; got < 0.49 || got > 0.51 {
		t.Errorf("first frame sample = %v, want ~0.5", got)
	}
	if got := audio.DecodePCM16(frames[1].Data)[0]; got != -1 {
		t.Errorf("second frame sample = %v, want -1", got)
	}
	if frames[1].Timestamp != DefaultFrameDuration {
		t.Errorf("second frame timestamp = %v", frames[1].Timestamp)
	}
}

func TestRecorder_PassThroughAtTargetRate(t *testing.T) {
	t.Parallel()

	dev := &mock.CaptureDevice{Rate: 16000}
	r := NewRecorder(dev, WithStallTimeout(0), WithFrameDuration(100*time.Millisecond))
	var rec recording
	if err := r.Start(t.Context(), rec.callbacks()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer r.Stop()

	in := make([]float32, 1600)
	for i := range in {
		in[i] = float32(i%100) / 100
	}
	dev.Stream().Emit(in)

	_, frames := rec.snapshot()
	if len(frames) != 1 {
		t.Fatalf("frames = %d, want 1", len(frames))
	}
	out := audio.DecodePCM16(frames[0].Data)
	for i := range in {
		if d := out[i] - in[i]; d > 1.0/32767 || d < -1.0/32767 {
			t.Fatalf("sample %d = %v, want %v", i, out[i], in[i])
		}
	}
}

func TestRecorder_DeviceError(t *testing.T) {
	t.Parallel()

	dev := &mock.CaptureDevice{OpenErr: audio.ErrPermissionDenied}
	r := NewRecorder(dev)
	var rec recording

	err := r.Start(t.Context(), rec.callbacks())
	var derr *DeviceError
	if !errors.As(err, &derr) || !errors.Is(err, audio.ErrPermissionDenied) {
		t.Fatalf("Start err = %v, want DeviceError(permission denied)", err)
	}
	if r.Active() {
		t.Error("recorder active after failed start")
	}
	if events, _ := rec.snapshot(); len(events) != 0 {
		t.Errorf("callbacks ran: %v", events)
	}
}

func TestRecorder_StopIdempotent(t *testing.T) {
	t.Parallel()

	dev := &mock.CaptureDevice{}
	r := NewRecorder(dev, WithStallTimeout(0))
	var rec recording
	if err := r.Start(t.Context(), rec.callbacks()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := r.Start(t.Context(), rec.callbacks()); !errors.Is(err, ErrCapturing) {
		t.Errorf("second Start = %v, want ErrCapturing", err)
	}

	st := dev.Stream()
	r.Stop()
	r.Stop()
	st.Emit(constant(48000, 0.1))

	if n := rec.stops.Load(); n != 1 {
		t.Errorf("OnStop ran %d times, want 1", n)
	}
	if _, frames := rec.snapshot(); len(frames) != 0 {
		t.Errorf("%d frames delivered after Stop", len(frames))
	}
	if st.Closed() != 1 {
		t.Errorf("stream closed %d times, want 1", st.Closed())
	}
	if r.Active() {
		t.Error("Active after Stop")
	}
}

func TestRecorder_DeviceLossStops(t *testing.T) {
	t.Parallel()

	dev := &mock.CaptureDevice{}
	r := NewRecorder(dev, WithStallTimeout(0))
	var rec recording
	if err := r.Start(t.Context(), rec.callbacks()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	dev.Stream().Lose()
	waitFor(t, "OnStop", func() bool { return rec.stops.Load() == 1 })
	if r.Active() {
		t.Error("Active after device loss")
	}
	r.Stop()
	if n := rec.stops.Load(); n != 1 {
		t.Errorf("OnStop ran %d times, want 1", n)
	}
}

func TestRecorder_StallStops(t *testing.T) {
	t.Parallel()

	dev := &mock.CaptureDevice{}
	r := NewRecorder(dev, WithStallTimeout(30*time.Millisecond))
	var rec recording
	if err := r.Start(t.Context(), rec.callbacks()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "stall stop", func() bool { return rec.stops.Load() == 1 })
	if dev.Stream().Closed() != 1 {
		t.Error("stream not closed after stall")
	}
}

func TestRecorder_StopWhileOpening(t *testing.T) {
	t.Parallel()

	hold := make(chan struct{})
	dev := &mock.CaptureDevice{Hold: hold}
	r := NewRecorder(dev, WithStallTimeout(0))
	var rec recording

	errc := make(chan error, 1)
	go func() { errc <- r.Start(t.Context(), rec.callbacks()) }()
	waitFor(t, "open pending", func() bool { return dev.OpenCalls() == 1 })

	r.Stop()
	close(hold)

	if err := <-errc; !errors.Is(err, ErrStopped) {
		t.Fatalf("Start = %v, want ErrStopped", err)
	}
	events, _ := rec.snapshot()
	if len(events) != 1 || events[0] != "stop" {
		t.Errorf("events = %v, want [stop]", events)
	}
	if dev.Stream().Closed() != 1 {
		t.Error("late-opened stream not released")
	}
	if r.Active() {
		t.Error("Active after cancelled start")
	}
}
