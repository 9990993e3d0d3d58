// Package mock provides in-memory implementations of the [audio.CaptureDevice],
// [audio.Sink], [audio.DecodeBuffer] and [audio.Resource] interfaces for use
// in unit tests.
//
// All mocks are safe for concurrent use. They record every call so tests can
// assert on call counts and arguments, and expose exported fields to control
// return values.
//
// Typical usage:
//
//	sink := &mock.Sink{Streamable: map[string]bool{"audio/mpeg": true}, AutoFinish: true}
//	eng := playback.New(sink)
//	eng.Prepare("audio/mpeg")
package mock

import (
	"bytes"
	"context"
	"sync"

	"github.com/MrWong99/parley/pkg/audio"
)

// ─── Resource ─────────────────────────────────────────────────────────────────

// Resource is a mock [audio.Resource] that counts releases.
type Resource struct {
	mu       sync.Mutex
	released int

	// Name identifies the resource in test failure messages.
	Name string
}

// Release implements [audio.Resource].
func (r *Resource) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.released++
}

// Released returns how many times Release was called.
func (r *Resource) Released() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.released
}

// ─── DecodeBuffer ─────────────────────────────────────────────────────────────

// DecodeBuffer is a mock [audio.DecodeBuffer].
type DecodeBuffer struct {
	mu sync.Mutex

	// FailAt makes the Append call with this zero-based index return AppendErr.
	// Negative disables. Subsequent appends fail as well, like a broken decoder.
	FailAt int

	// AppendErr is returned once FailAt is reached.
	AppendErr error

	// EndErr is returned by End.
	EndErr error

	// Gate, when non-nil, makes every Append wait for a value before settling.
	Gate chan struct{}

	appended    [][]byte
	calls       int
	inflight    int
	maxInflight int
	ended       int
	aborted     int
	abortCh     chan struct{}
}

// NewDecodeBuffer returns a buffer that accepts every chunk.
func NewDecodeBuffer() *DecodeBuffer {
	return &DecodeBuffer{FailAt: -1, abortCh: make(chan struct{})}
}

// Append implements [audio.DecodeBuffer].
func (b *DecodeBuffer) Append(ctx context.Context, chunk []byte) error {
	b.mu.Lock()
	idx := b.calls
	b.calls++
	b.inflight++
	b.maxInflight = max(b.maxInflight, b.inflight)
	gate := b.Gate
	abortCh := b.abortCh
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		b.inflight--
		b.mu.Unlock()
	}()

	if gate != nil {
		select {
		case <-gate:
		case <-abortCh:
			return audio.ErrBufferClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.aborted > 0 || b.ended > 0 {
		return audio.ErrBufferClosed
	}
	if b.FailAt >= 0 && idx >= b.FailAt {
		return b.AppendErr
	}
	b.appended = append(b.appended, chunk)
	return nil
}

// End implements [audio.DecodeBuffer].
func (b *DecodeBuffer) End(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ended++
	return b.EndErr
}

// Abort implements [audio.DecodeBuffer].
func (b *DecodeBuffer) Abort() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.aborted == 0 && b.abortCh != nil {
		close(b.abortCh)
	}
	b.aborted++
}

// Appended returns the chunks accepted so far, in order.
func (b *DecodeBuffer) Appended() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]byte(nil), b.appended...)
}

// MaxInflight returns the highest number of concurrent Append calls observed.
func (b *DecodeBuffer) MaxInflight() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.maxInflight
}

// Ended returns how many times End was called.
func (b *DecodeBuffer) Ended() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ended
}

// Aborted returns how many times Abort was called.
func (b *DecodeBuffer) Aborted() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.aborted
}

// ─── Sink ─────────────────────────────────────────────────────────────────────

// Sink is a mock [audio.Sink].
// Set the exported fields before use; inspect the accessor methods after.
type Sink struct {
	mu sync.Mutex

	// Streamable lists MIME types for which CanStream reports true.
	Streamable map[string]bool

	// NewBuffer, when set, builds the decode buffer for each OpenStream call.
	// Defaults to [NewDecodeBuffer].
	NewBuffer func() *DecodeBuffer

	// OpenStreamErr is returned by OpenStream.
	OpenStreamErr error

	// AttachErr is returned by Attach.
	AttachErr error

	// PlayErrs is consumed one entry per Play call; nil entries (or an
	// exhausted slice) mean success.
	PlayErrs []error

	// AutoFinish closes the done channel returned by Play immediately.
	AutoFinish bool

	buffers   []*DecodeBuffer
	resources []*Resource
	attached  [][]byte
	mimes     []string
	playCalls int
	stopCalls int
	closed    int
	done      chan struct{}
}

// CanStream implements [audio.Sink].
func (s *Sink) CanStream(mime string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Streamable[mime]
}

// OpenStream implements [audio.Sink].
func (s *Sink) OpenStream(mime string) (audio.DecodeBuffer, audio.Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mimes = append(s.mimes, mime)
	if s.OpenStreamErr != nil {
		return nil, nil, s.OpenStreamErr
	}
	var buf *DecodeBuffer
	if s.NewBuffer != nil {
		buf = s.NewBuffer()
	} else {
		buf = NewDecodeBuffer()
	}
	if buf.abortCh == nil {
		buf.abortCh = make(chan struct{})
	}
	res := &Resource{Name: "stream:" + mime}
	s.buffers = append(s.buffers, buf)
	s.resources = append(s.resources, res)
	return buf, res, nil
}

// Attach implements [audio.Sink].
func (s *Sink) Attach(mime string, payload []byte) (audio.Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mimes = append(s.mimes, mime)
	if s.AttachErr != nil {
		return nil, s.AttachErr
	}
	s.attached = append(s.attached, bytes.Clone(payload))
	res := &Resource{Name: "payload:" + mime}
	s.resources = append(s.resources, res)
	return res, nil
}

// Play implements [audio.Sink].
func (s *Sink) Play(_ context.Context) (<-chan struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.playCalls
	s.playCalls++
	if idx < len(s.PlayErrs) && s.PlayErrs[idx] != nil {
		return nil, s.PlayErrs[idx]
	}
	s.done = make(chan struct{})
	if s.AutoFinish {
		close(s.done)
	}
	return s.done, nil
}

// Finish ends the current rendering as if the audio had played out.
func (s *Sink) Finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finishLocked()
}

func (s *Sink) finishLocked() {
	if s.done == nil {
		return
	}
	select {
	case <-s.done:
	default:
		close(s.done)
	}
}

// Stop implements [audio.Sink].
func (s *Sink) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopCalls++
	s.finishLocked()
}

// Close implements [audio.Sink].
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	s.finishLocked()
	return nil
}

// Buffers returns the decode buffers created by OpenStream, in order.
func (s *Sink) Buffers() []*DecodeBuffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*DecodeBuffer(nil), s.buffers...)
}

// Resources returns every resource handed out, in order.
func (s *Sink) Resources() []*Resource {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Resource(nil), s.resources...)
}

// Attached returns the payloads passed to Attach, in order.
func (s *Sink) Attached() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.attached...)
}

// PlayCalls returns how many times Play was called.
func (s *Sink) PlayCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playCalls
}

// StopCalls returns how many times Stop was called.
func (s *Sink) StopCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopCalls
}

// CloseCalls returns how many times Close was called.
func (s *Sink) CloseCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Interactions returns the total number of OpenStream, Attach and Play calls.
func (s *Sink) Interactions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.mimes) + s.playCalls
}

// ─── CaptureDevice ────────────────────────────────────────────────────────────

// CaptureDevice is a mock [audio.CaptureDevice].
type CaptureDevice struct {
	mu sync.Mutex

	// Rate is the native sample rate reported by opened streams. Default 48000.
	Rate int

	// OpenErr is returned by Open.
	OpenErr error

	// Hold, when non-nil, makes Open wait for a value (simulates a pending
	// permission prompt). Context cancellation does not abort the wait so
	// tests can resolve Open after the caller gave up.
	Hold chan struct{}

	openCalls int
	streams   []*CaptureStream
}

// Open implements [audio.CaptureDevice].
func (d *CaptureDevice) Open(_ context.Context, onSamples func([]float32)) (audio.CaptureStream, error) {
	d.mu.Lock()
	d.openCalls++
	hold := d.Hold
	d.mu.Unlock()

	if hold != nil {
		<-hold
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.OpenErr != nil {
		return nil, d.OpenErr
	}
	rate := d.Rate
	if rate == 0 {
		rate = 48000
	}
	st := &CaptureStream{rate: rate, onSamples: onSamples, done: make(chan struct{})}
	d.streams = append(d.streams, st)
	return st, nil
}

// OpenCalls returns how many times Open was called.
func (d *CaptureDevice) OpenCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.openCalls
}

// Stream returns the most recently opened stream, or nil.
func (d *CaptureDevice) Stream() *CaptureStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.streams) == 0 {
		return nil
	}
	return d.streams[len(d.streams)-1]
}

// CaptureStream is the stream returned by [CaptureDevice.Open].
type CaptureStream struct {
	mu        sync.Mutex
	rate      int
	onSamples func([]float32)
	done      chan struct{}
	lost      bool
	closed    int
}

// SampleRate implements [audio.CaptureStream].
func (s *CaptureStream) SampleRate() int { return s.rate }

// Done implements [audio.CaptureStream].
func (s *CaptureStream) Done() <-chan struct{} { return s.done }

// Close implements [audio.CaptureStream].
func (s *CaptureStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

// Emit delivers samples as if the device callback had fired. Emitting after
// Close still invokes the callback, mimicking an in-flight driver callback.
func (s *CaptureStream) Emit(samples []float32) {
	s.onSamples(samples)
}

// Lose simulates the device disappearing mid-stream.
func (s *CaptureStream) Lose() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.lost {
		s.lost = true
		close(s.done)
	}
}

// Closed returns how many times Close was called.
func (s *CaptureStream) Closed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
