package playback

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/parley/internal/gesture"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/mock"
)

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

func tagged(n int) [][]byte {
	chunks := make([][]byte, n)
	for i := range chunks {
		chunks[i] = []byte(fmt.Sprintf("<%03d>", i))
	}
	return chunks
}

func TestEngine_StreamingPreservesOrder(t *testing.T) {
	t.Parallel()

	sink := &mock.Sink{Streamable: map[string]bool{"audio/mpeg": true}}
	e := New(sink)
	defer e.Destroy()

	if err := e.Prepare("audio/mpeg"); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	chunks := tagged(20)
	for _, c := range chunks {
		if err := e.Enqueue(c); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	if err := e.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	bufs := sink.Buffers()
	if len(bufs) != 1 {
		t.Fatalf("buffers opened = %d, want 1", len(bufs))
	}
	buf := bufs[0]
	waitFor(t, "end of stream", func() bool { return buf.Ended() == 1 })

	if got, want := bytes.Join(buf.Appended(), nil), bytes.Join(chunks, nil); !bytes.Equal(got, want) {
		t.Errorf("rendered %q, want %q", got, want)
	}
	if n := buf.MaxInflight(); n != 1 {
		t.Errorf("max concurrent appends = %d, want 1", n)
	}

	sink.Finish()
	waitFor(t, "completion", func() bool { return e.Snapshot().Completed })
	if e.Snapshot().Mode != ModeStreaming || e.Snapshot().Degraded {
		t.Errorf("snapshot = %+v", e.Snapshot())
	}
}

func TestEngine_AppendFailureRendersEverything(t *testing.T) {
	t.Parallel()

	sink := &mock.Sink{
		Streamable: map[string]bool{"audio/mpeg": true},
		AutoFinish: true,
		NewBuffer: func() *mock.DecodeBuffer {
			b := mock.NewDecodeBuffer()
			b.FailAt = 2
			b.AppendErr = errors.New("malformed boundary")
			return b
		},
	}
	e := New(sink)
	defer e.Destroy()

	if err := e.Prepare("audio/mpeg"); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	chunks := tagged(6)
	for _, c := range chunks[:4] {
		if err := e.Enqueue(c); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	waitFor(t, "downgrade", func() bool { return e.Snapshot().Mode == ModeBuffered })
	for _, c := range chunks[4:] {
		if err := e.Enqueue(c); err != nil {
			t.Fatalf("Enqueue after downgrade: %v", err)
		}
	}
	if err := e.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	waitFor(t, "completion", func() bool { return e.Snapshot().Completed })

	attached := sink.Attached()
	if len(attached) != 1 {
		t.Fatalf("attached %d payloads, want 1", len(attached))
	}
	if want := bytes.Join(chunks, nil); !bytes.Equal(attached[0], want) {
		t.Errorf("buffered payload = %q, want %q", attached[0], want)
	}
	snap := e.Snapshot()
	if !snap.Degraded {
		t.Error("snapshot not marked degraded")
	}
	var rerr *RenderError
	if !errors.As(snap.Err, &rerr) || rerr.Op != "append" {
		t.Errorf("Err = %v, want append RenderError", snap.Err)
	}
	if sink.Buffers()[0].Aborted() != 1 {
		t.Errorf("decode buffer aborted %d times, want 1", sink.Buffers()[0].Aborted())
	}
}

func TestEngine_BufferedScenario(t *testing.T) {
	t.Parallel()

	// No incremental decoding: ready(audio/mpeg), A, B, end.
	sink := &mock.Sink{AutoFinish: true}
	e := New(sink)
	defer e.Destroy()

	if err := e.Prepare("audio/mpeg"); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	_ = e.Enqueue([]byte("frameA"))
	_ = e.Enqueue([]byte("frameB"))
	if err := e.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	waitFor(t, "completion", func() bool { return e.Snapshot().Completed })

	attached := sink.Attached()
	if len(attached) != 1 || string(attached[0]) != "frameAframeB" {
		t.Errorf("attached = %q, want [frameAframeB]", attached)
	}
	if len(sink.Buffers()) != 0 {
		t.Error("no decode buffer should be opened for a non-streamable type")
	}
}

func TestEngine_CancelIdempotent(t *testing.T) {
	t.Parallel()

	sink := &mock.Sink{Streamable: map[string]bool{"audio/mpeg": true}}
	e := New(sink)
	defer e.Destroy()

	_ = e.Prepare("audio/mpeg")
	_ = e.Enqueue([]byte("A"))
	waitFor(t, "playback start", func() bool { return e.Snapshot().Rendering })

	e.Cancel()
	buf := sink.Buffers()[0]
	stops, aborts := sink.StopCalls(), buf.Aborted()
	res := sink.Resources()[0]

	e.Cancel()
	if sink.StopCalls() != stops || buf.Aborted() != aborts {
		t.Errorf("second Cancel had side effects: stops %d->%d aborts %d->%d",
			stops, sink.StopCalls(), aborts, buf.Aborted())
	}
	if res.Released() != 1 {
		t.Errorf("stream resource released %d times, want 1", res.Released())
	}
	if snap := e.Snapshot(); snap.Mode != ModeIdle {
		t.Errorf("mode after cancel = %v", snap.Mode)
	}
	if err := e.Enqueue([]byte("B")); !errors.Is(err, ErrNotPrepared) {
		t.Errorf("Enqueue after cancel: %v, want ErrNotPrepared", err)
	}
}

func TestEngine_ResourcesReleasedOnce(t *testing.T) {
	t.Parallel()

	sink := &mock.Sink{AutoFinish: true}
	e := New(sink)

	for range 3 {
		_ = e.Prepare("audio/wav")
		_ = e.Enqueue([]byte("A"))
		_ = e.Finalize()
		waitFor(t, "completion", func() bool { return e.Snapshot().Completed })
	}
	e.Destroy()
	e.Destroy()

	for i, r := range sink.Resources() {
		if r.Released() != 1 {
			t.Errorf("resource %d released %d times, want 1", i, r.Released())
		}
	}
	if sink.CloseCalls() != 1 {
		t.Errorf("sink closed %d times, want 1", sink.CloseCalls())
	}
	if err := e.Prepare("audio/wav"); !errors.Is(err, ErrDestroyed) {
		t.Errorf("Prepare after Destroy: %v, want ErrDestroyed", err)
	}
	if err := e.Enqueue([]byte("x")); !errors.Is(err, ErrDestroyed) {
		t.Errorf("Enqueue after Destroy: %v, want ErrDestroyed", err)
	}
}

func TestEngine_BlockedPlayRetriesOnGesture(t *testing.T) {
	t.Parallel()

	var bus gesture.Bus
	sink := &mock.Sink{AutoFinish: true, PlayErrs: []error{audio.ErrPlaybackBlocked}}
	e := New(sink, WithGestures(&bus))
	defer e.Destroy()

	_ = e.Prepare("audio/wav")
	_ = e.Enqueue([]byte("A"))
	_ = e.Finalize()
	waitFor(t, "blocked", func() bool { return e.Snapshot().Blocked })
	if bus.Pending() != 1 {
		t.Fatalf("gesture listeners = %d, want 1", bus.Pending())
	}

	bus.Notify(gesture.Pointer)
	waitFor(t, "completion", func() bool { return e.Snapshot().Completed })
	if n := sink.PlayCalls(); n != 2 {
		t.Errorf("Play calls = %d, want 2", n)
	}
}

func TestEngine_CancelDisarmsGesture(t *testing.T) {
	t.Parallel()

	var bus gesture.Bus
	sink := &mock.Sink{PlayErrs: []error{audio.ErrPlaybackBlocked}}
	e := New(sink, WithGestures(&bus))
	defer e.Destroy()

	_ = e.Prepare("audio/wav")
	_ = e.Enqueue([]byte("A"))
	_ = e.Finalize()
	waitFor(t, "blocked", func() bool { return e.Snapshot().Blocked })

	e.Cancel()
	if bus.Pending() != 0 {
		t.Errorf("gesture listener still armed after Cancel")
	}
	bus.Notify(gesture.Keyboard)
	if n := sink.PlayCalls(); n != 1 {
		t.Errorf("Play calls = %d, want 1", n)
	}
}

func TestEngine_RenderFailureEntersError(t *testing.T) {
	t.Parallel()

	sink := &mock.Sink{AttachErr: errors.New("unsupported container")}
	e := New(sink)
	defer e.Destroy()

	_ = e.Prepare("audio/ogg")
	_ = e.Enqueue([]byte("A"))
	_ = e.Finalize()

	waitFor(t, "error", func() bool { return e.Snapshot().Mode == ModeError })
	if err := e.Enqueue([]byte("B")); !errors.Is(err, ErrFailed) {
		t.Errorf("Enqueue in error: %v, want ErrFailed", err)
	}
	if err := e.Prepare("audio/ogg"); err != nil {
		t.Errorf("Prepare after error: %v", err)
	}
}

func TestEngine_Observer(t *testing.T) {
	t.Parallel()

	var (
		mu    sync.Mutex
		modes []Mode
	)
	sink := &mock.Sink{AutoFinish: true}
	e := New(sink, WithObserver(func(s Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		if len(modes) == 0 || modes[len(modes)-1] != s.Mode {
			modes = append(modes, s.Mode)
		}
	}))

	_ = e.Prepare("audio/wav")
	_ = e.Enqueue([]byte("A"))
	_ = e.Finalize()
	waitFor(t, "completion", func() bool { return e.Snapshot().Completed })
	e.Cancel()
	e.Destroy()

	mu.Lock()
	defer mu.Unlock()
	want := []Mode{ModeBuffered, ModeIdle}
	if len(modes) != len(want) || modes[0] != want[0] || modes[1] != want[1] {
		t.Errorf("observed modes = %v, want %v", modes, want)
	}
}
