// Package oto implements [audio.Sink] on top of the ebitengine/oto output
// context.
//
// MPEG and raw PCM ("audio/pcm;rate=24000;channels=1") are decoded
// incrementally while chunks arrive. WAV can only be attached as a complete
// payload. Everything is converted to the context's PCM16 format before it
// reaches the player.
package oto

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	otov3 "github.com/ebitengine/oto/v3"

	"github.com/MrWong99/parley/pkg/audio"
)

// Defaults.
const (
	DefaultSampleRate = 24000
	DefaultChannels   = 1
	DefaultBuffer     = 100 * time.Millisecond

	drainPoll = 10 * time.Millisecond
)

var (
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("oto: sink closed")

	// ErrNothingBound is returned by Play when no stream or payload is bound.
	ErrNothingBound = errors.New("oto: nothing bound")
)

// player is the subset of *otov3.Player the sink drives.
type player interface {
	Play()
	Pause()
	IsPlaying() bool
	Close() error
}

// Option configures a [Sink].
type Option func(*Sink)

// WithSampleRate sets the output rate. Default 24000.
func WithSampleRate(hz int) Option { return func(s *Sink) { s.format.SampleRate = hz } }

// WithChannels sets the output channel count (1 or 2). Default 1.
func WithChannels(n int) Option { return func(s *Sink) { s.format.Channels = n } }

// WithBuffer sets the device buffer duration. Default 100ms.
func WithBuffer(d time.Duration) Option { return func(s *Sink) { s.buffer = d } }

// WithGate makes Play fail with [audio.ErrPlaybackBlocked] while allowed
// returns false. Used to hold sound back until the user interacted.
func WithGate(allowed func() bool) Option { return func(s *Sink) { s.gate = allowed } }

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option { return func(s *Sink) { s.log = l } }

// Sink renders audio through oto. It is safe for concurrent use.
type Sink struct {
	format    audio.Format
	buffer    time.Duration
	gate      func() bool
	log       *slog.Logger
	newPlayer func(io.Reader) player

	mu     sync.Mutex
	bound  binding
	cur    *rendering
	closed bool
}

// binding is a stream or payload the sink is bound to.
type binding interface {
	reader() io.Reader
	// interrupt unblocks a player reading from the binding.
	interrupt()
}

// New opens the process-wide oto context. oto allows one context per
// process, so create one Sink and share it.
func New(opts ...Option) (*Sink, error) {
	s := newSink(nil, opts...)
	ctx, ready, err := otov3.NewContext(&otov3.NewContextOptions{
		SampleRate:   s.format.SampleRate,
		ChannelCount: s.format.Channels,
		Format:       otov3.FormatSignedInt16LE,
		BufferSize:   s.buffer,
	})
	if err != nil {
		return nil, fmt.Errorf("oto: open output: %w", err)
	}
	<-ready
	s.newPlayer = func(r io.Reader) player { return ctx.NewPlayer(r) }
	s.log.Info("speaker ready", "format", s.format.String(), "buffer", s.buffer)
	return s, nil
}

func newSink(newPlayer func(io.Reader) player, opts ...Option) *Sink {
	s := &Sink{
		format:    audio.Format{SampleRate: DefaultSampleRate, Channels: DefaultChannels},
		buffer:    DefaultBuffer,
		log:       slog.Default(),
		newPlayer: newPlayer,
	}
	for _, o := range opts {
		o(s)
	}
	if s.format.Channels != 1 && s.format.Channels != 2 {
		s.format.Channels = DefaultChannels
	}
	s.log = s.log.With("component", "speaker")
	return s
}

// CanStream implements [audio.Sink].
func (s *Sink) CanStream(mime string) bool { return parseMIME(mime).streamable() }

// OpenStream implements [audio.Sink]. Decoding starts immediately on a
// background goroutine and feeds the player as data arrives.
func (s *Sink) OpenStream(mime string) (audio.DecodeBuffer, audio.Resource, error) {
	f := parseMIME(mime)
	if !f.streamable() {
		return nil, nil, fmt.Errorf("oto: stream %s: %w", mimeLabel(mime), audio.ErrUnsupportedMIME)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, nil, ErrClosed
	}
	st := newStream(s, f, s.format)
	s.bound = st
	s.log.Debug("stream bound", "mime", mimeLabel(mime))
	return st, st, nil
}

// Attach implements [audio.Sink]. The payload is decoded up front so that a
// broken payload is reported here rather than mid-playback.
func (s *Sink) Attach(mime string, data []byte) (audio.Resource, error) {
	f := parseMIME(mime)
	if f.codec == codecUnknown {
		return nil, fmt.Errorf("oto: attach %s: %w", mimeLabel(mime), audio.ErrUnsupportedMIME)
	}
	pcm, err := decodeAll(f, data, s.format)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	p := &payload{sink: s, pcm: pcm}
	s.bound = p
	s.log.Debug("payload bound", "mime", mimeLabel(mime), "pcm_bytes", len(pcm))
	return p, nil
}

// Play implements [audio.Sink].
func (s *Sink) Play(ctx context.Context) (<-chan struct{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.closed:
		return nil, ErrClosed
	case s.gate != nil && !s.gate():
		return nil, audio.ErrPlaybackBlocked
	case s.bound == nil:
		return nil, ErrNothingBound
	case s.newPlayer == nil:
		return nil, errors.New("oto: no output device")
	}
	s.stopLocked()

	r := &drainReader{r: s.bound.reader(), drained: make(chan struct{})}
	cur := &rendering{
		p:         s.newPlayer(r),
		interrupt: s.bound.interrupt,
		done:      make(chan struct{}),
		quit:      make(chan struct{}),
	}
	cur.p.Play()
	s.cur = cur
	go cur.watch(r.drained)
	return cur.done, nil
}

// Stop implements [audio.Sink].
func (s *Sink) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *Sink) stopLocked() {
	if s.cur == nil {
		return
	}
	s.cur.stop()
	s.cur = nil
}

// Close implements [audio.Sink]. The oto context itself lives until the
// process exits.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.stopLocked()
	if st, ok := s.bound.(*stream); ok {
		st.Abort()
	}
	s.bound = nil
	return nil
}

func (s *Sink) unbind(b binding) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bound == b {
		s.bound = nil
	}
}

// rendering is one Play call.
type rendering struct {
	p         player
	interrupt func()
	done      chan struct{}
	quit      chan struct{}
	once      sync.Once
}

// watch closes done once the source is drained and the player went quiet,
// or when stopped.
func (r *rendering) watch(drained <-chan struct{}) {
	defer r.finish()
	select {
	case <-drained:
	case <-r.quit:
		return
	}
	t := time.NewTicker(drainPoll)
	defer t.Stop()
	for r.p.IsPlaying() {
		select {
		case <-t.C:
		case <-r.quit:
			return
		}
	}
}

// stop unblocks the player's reader before closing the player, which
// otherwise waits for a pending Read.
func (r *rendering) stop() {
	r.interrupt()
	r.p.Pause()
	_ = r.p.Close()
	select {
	case <-r.quit:
	default:
		close(r.quit)
	}
	r.finish()
}

func (r *rendering) finish() { r.once.Do(func() { close(r.done) }) }

// drainReader signals when its source stops producing data.
type drainReader struct {
	r       io.Reader
	drained chan struct{}
	once    sync.Once
}

func (d *drainReader) Read(b []byte) (int, error) {
	n, err := d.r.Read(b)
	if err != nil {
		d.once.Do(func() { close(d.drained) })
	}
	return n, err
}

// payload is a fully decoded attachment.
type payload struct {
	sink *Sink
	pcm  []byte
}

func (p *payload) reader() io.Reader { return bytes.NewReader(p.pcm) }

func (p *payload) interrupt() {}

// Release implements [audio.Resource].
func (p *payload) Release() { p.sink.unbind(p) }

// stream is an incrementally decoded [audio.DecodeBuffer].
type stream struct {
	sink *Sink
	enc  *pipe // encoded input
	pcm  *pipe // decoded output
	done chan struct{}

	mu      sync.Mutex
	err     error
	ended   bool
	aborted bool
}

func newStream(s *Sink, f format, target audio.Format) *stream {
	st := &stream{
		sink: s,
		enc:  newPipe(),
		pcm:  newPipe(),
		done: make(chan struct{}),
	}
	go st.decode(f, target)
	return st
}

func (st *stream) decode(f format, target audio.Format) {
	defer close(st.done)
	err := decodeStream(f, st.enc, st.pcm, target)
	st.mu.Lock()
	aborted := st.aborted
	if err != nil && !aborted {
		st.err = err
	}
	st.mu.Unlock()
	if err != nil && !aborted {
		st.sink.log.Warn("stream decode failed", "error", err)
	}
	st.pcm.CloseWrite()
}

func (st *stream) reader() io.Reader { return st.pcm }

func (st *stream) interrupt() { st.Abort() }

// Append implements [audio.DecodeBuffer]. A chunk is accepted once the
// decoder holds it; a decode failure is reported by the next Append.
func (st *stream) Append(ctx context.Context, chunk []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	switch {
	case st.aborted, st.ended:
		return audio.ErrBufferClosed
	case st.err != nil:
		return st.err
	}
	_, err := st.enc.Write(chunk)
	return err
}

// End implements [audio.DecodeBuffer]. It waits until the decoder consumed
// everything appended.
func (st *stream) End(ctx context.Context) error {
	st.mu.Lock()
	if st.aborted {
		st.mu.Unlock()
		return audio.ErrBufferClosed
	}
	st.ended = true
	st.mu.Unlock()
	st.enc.CloseWrite()

	select {
	case <-st.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.err
}

// Abort implements [audio.DecodeBuffer].
func (st *stream) Abort() {
	st.mu.Lock()
	st.aborted = true
	st.mu.Unlock()
	st.enc.Abort(audio.ErrBufferClosed)
	st.pcm.Abort(audio.ErrBufferClosed)
}

// Release implements [audio.Resource].
func (st *stream) Release() {
	st.Abort()
	st.sink.unbind(st)
}
