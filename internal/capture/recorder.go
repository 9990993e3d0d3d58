// Package capture turns microphone samples into fixed-cadence PCM16 frames
// for the recognizer channel.
//
// A [Recorder] opens an [audio.CaptureDevice], decimates its native-rate
// float samples to the target rate by block averaging, encodes them as
// little-endian signed 16-bit mono and delivers one frame per frame duration
// (200ms by default).
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/pkg/audio"
)

// Defaults.
const (
	DefaultTargetRate    = 16000
	DefaultFrameDuration = 200 * time.Millisecond
	DefaultStallTimeout  = 3 * time.Second
)

var (
	// ErrCapturing is returned by Start while a session is active.
	ErrCapturing = errors.New("capture: already capturing")

	// ErrStopped is returned by Start when Stop was called while the device
	// was still opening.
	ErrStopped = errors.New("capture: stopped before device was ready")
)

// DeviceError reports that the microphone could not be acquired. It wraps
// [audio.ErrPermissionDenied], [audio.ErrNoDevice] or the backend's error.
type DeviceError struct {
	Op  string
	Err error
}

func (e *DeviceError) Error() string { return fmt.Sprintf("capture: %s: %v", e.Op, e.Err) }

func (e *DeviceError) Unwrap() error { return e.Err }

// Callbacks receive the output of one capture session. They run on the
// device's callback goroutine and must not call [Recorder.Stop] themselves.
type Callbacks struct {
	// OnReady runs once with the output sample rate, before any OnChunk.
	OnReady func(sampleRate int)

	// OnChunk receives each encoded frame. The recorder does not retain it.
	OnChunk func(audio.AudioFrame)

	// OnStop runs exactly once when the session ends, whether by Stop,
	// device loss or a stall.
	OnStop func()
}

// Option configures a [Recorder].
type Option func(*Recorder)

// WithTargetRate sets the output sample rate. Default 16000.
func WithTargetRate(hz int) Option { return func(r *Recorder) { r.targetRate = hz } }

// WithFrameDuration sets the audio duration per delivered frame. Default 200ms.
func WithFrameDuration(d time.Duration) Option { return func(r *Recorder) { r.frameDur = d } }

// WithStallTimeout sets how long the device may deliver no samples before
// the session is treated as lost. Default 3s; zero or negative disables.
func WithStallTimeout(d time.Duration) Option { return func(r *Recorder) { r.stall = d } }

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option { return func(r *Recorder) { r.log = l } }

// WithMetrics sets the metrics sink. Defaults to observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option { return func(r *Recorder) { r.metrics = m } }

// Recorder owns the microphone for at most one session at a time.
type Recorder struct {
	dev        audio.CaptureDevice
	targetRate int
	frameDur   time.Duration
	stall      time.Duration
	log        *slog.Logger
	metrics    *observe.Metrics

	mu   sync.Mutex // guards sess
	sess *session

	// deliver is held while any callback runs; stopping a session takes it
	// so that no callback is in flight once Stop returns.
	deliver sync.Mutex
}

type session struct {
	cb     Callbacks
	stream audio.CaptureStream
	native int

	// guarded by Recorder.deliver
	ready   bool
	stopped bool
	pending []float32
	ts      time.Duration

	lastSample atomic.Int64
	quit       chan struct{}
	once       sync.Once
}

// NewRecorder returns a recorder for dev.
func NewRecorder(dev audio.CaptureDevice, opts ...Option) *Recorder {
	r := &Recorder{
		dev:        dev,
		targetRate: DefaultTargetRate,
		frameDur:   DefaultFrameDuration,
		stall:      DefaultStallTimeout,
		log:        slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	r.log = r.log.With("component", "capture")
	return r
}

// TargetRate returns the sample rate of delivered frames.
func (r *Recorder) TargetRate() int { return r.targetRate }

// Active reports whether a session is open or opening.
func (r *Recorder) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sess != nil
}

// Start acquires the microphone and begins delivering frames to cb.
// A device failure is returned as a [*DeviceError] and leaves the recorder
// inactive.
func (r *Recorder) Start(ctx context.Context, cb Callbacks) error {
	r.mu.Lock()
	if r.sess != nil {
		r.mu.Unlock()
		return ErrCapturing
	}
	s := &session{cb: cb, quit: make(chan struct{})}
	r.sess = s
	r.mu.Unlock()

	stream, err := r.dev.Open(ctx, func(samples []float32) { r.onSamples(s, samples) })
	if err != nil {
		r.mu.Lock()
		if r.sess == s {
			r.sess = nil
		}
		r.mu.Unlock()
		r.log.Error("capture: open device failed", "err", err)
		return &DeviceError{Op: "open", Err: err}
	}

	r.deliver.Lock()
	if s.stopped {
		r.deliver.Unlock()
		_ = stream.Close()
		r.log.Debug("capture: device opened after stop, released")
		return ErrStopped
	}
	s.stream = stream
	s.native = stream.SampleRate()
	s.lastSample.Store(time.Now().UnixNano())
	if cb.OnReady != nil {
		cb.OnReady(r.targetRate)
	}
	s.ready = true
	r.deliver.Unlock()

	r.log.Info("capture: recording", "native_rate", s.native, "target_rate", r.targetRate)
	go r.watch(s)
	return nil
}

// Stop ends the active session, releases the device and runs OnStop. No
// callback runs after Stop returns. Stop is idempotent.
func (r *Recorder) Stop() {
	r.mu.Lock()
	s := r.sess
	r.mu.Unlock()
	if s != nil {
		r.end(s, "stopped")
	}
}

func (r *Recorder) end(s *session, reason string) {
	s.once.Do(func() {
		r.mu.Lock()
		if r.sess == s {
			r.sess = nil
		}
		r.mu.Unlock()

		r.deliver.Lock()
		s.stopped = true
		stream := s.stream
		r.deliver.Unlock()

		close(s.quit)
		if stream != nil {
			if err := stream.Close(); err != nil {
				r.log.Warn("capture: close device", "err", err)
			}
		}
		r.log.Info("capture: session ended", "reason", reason)
		if s.cb.OnStop != nil {
			s.cb.OnStop()
		}
	})
}

// watch ends the session when the device goes away or stops delivering.
func (r *Recorder) watch(s *session) {
	var tick <-chan time.Time
	if r.stall > 0 {
		t := time.NewTicker(max(r.stall/4, time.Millisecond))
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-s.quit:
			return
		case <-s.stream.Done():
			r.log.Warn("capture: device stream closed")
			r.end(s, "device lost")
			return
		case <-tick:
			idle := time.Since(time.Unix(0, s.lastSample.Load()))
			if idle >= r.stall {
				r.log.Warn("capture: no samples from device", "idle", idle)
				r.end(s, "stalled")
				return
			}
		}
	}
}

func (r *Recorder) onSamples(s *session, samples []float32) {
	r.deliver.Lock()
	defer r.deliver.Unlock()
	if !s.ready || s.stopped || len(samples) == 0 {
		return
	}
	s.lastSample.Store(time.Now().UnixNano())
	s.pending = append(s.pending, samples...)

	block := int(int64(s.native) * int64(r.frameDur) / int64(time.Second))
	if block <= 0 {
		block = len(s.pending)
	}
	for len(s.pending) >= block {
		pcm := audio.EncodePCM16(audio.Decimate(s.pending[:block], s.native, r.targetRate))
		s.pending = append(s.pending[:0], s.pending[block:]...)
		frame := audio.AudioFrame{
			Data:       pcm,
			SampleRate: r.targetRate,
			Channels:   1,
			Timestamp:  s.ts,
		}
		s.ts += r.frameDur
		r.metrics.CaptureFrames.Add(context.Background(), 1)
		if s.cb.OnChunk != nil {
			s.cb.OnChunk(frame)
		}
	}
}
