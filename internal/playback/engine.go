// Package playback renders a turn of synthesized speech that arrives as a
// sequence of encoded chunks.
//
// An [Engine] prefers streaming: each chunk is appended to a decode buffer
// owned by the render sink while earlier chunks are already audible. When the
// sink cannot stream the negotiated MIME type, or the decode buffer rejects a
// chunk, the engine falls back to buffered playback and renders the whole
// turn once it is complete. No accepted chunk is ever dropped by that switch.
//
// All transitions run on a single goroutine. Results of slow sink operations
// re-enter the loop as events tagged with a generation number, so a result
// that arrives after Cancel or a new Prepare is ignored.
package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/parley/internal/gesture"
	"github.com/MrWong99/parley/pkg/audio"
)

var (
	// ErrDestroyed is returned by every operation after Destroy.
	ErrDestroyed = errors.New("playback: engine destroyed")

	// ErrNotPrepared is returned when chunks arrive before Prepare.
	ErrNotPrepared = errors.New("playback: no prepared session")

	// ErrFinalized is returned when chunks arrive after Finalize.
	ErrFinalized = errors.New("playback: session finalized")

	// ErrFailed is returned while the engine is in [ModeError].
	ErrFailed = errors.New("playback: session failed")
)

// RenderError reports a sink or decode buffer operation that rejected audio.
type RenderError struct {
	// Op is one of "open", "append", "end", "attach" or "play".
	Op  string
	Err error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("playback: %s: %v", e.Op, e.Err)
}

func (e *RenderError) Unwrap() error { return e.Err }

// Mode is the rendering strategy of the current session.
type Mode int

const (
	ModeIdle Mode = iota
	ModeStreaming
	ModeBuffered
	ModeError
)

func (m Mode) String() string {
	switch m {
	case ModeIdle:
		return "idle"
	case ModeStreaming:
		return "streaming"
	case ModeBuffered:
		return "buffered"
	case ModeError:
		return "error"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Snapshot is a point-in-time view of the engine.
type Snapshot struct {
	Mode Mode
	MIME string

	// Generation changes whenever a session starts, is cancelled or
	// changes rendering strategy.
	Generation uint64

	// Pending counts streaming chunks not yet accepted by the decode buffer.
	Pending int

	// Held counts every chunk accepted since Prepare.
	Held int

	// Degraded is set once the session fell back from streaming.
	Degraded bool

	Finalized bool
	Rendering bool

	// Completed is set once everything finalized has been rendered. It stays
	// set until the next Prepare or Cancel.
	Completed bool

	// Blocked is set while a rejected Play waits for a user gesture.
	Blocked bool

	// Err is the last render error, if any. A degraded session keeps the
	// error that caused the downgrade.
	Err error
}

// Option configures an [Engine].
type Option func(*Engine)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithGestures lets the engine retry a Play blocked by
// [audio.ErrPlaybackBlocked] once, on the next gesture observed by bus.
func WithGestures(bus *gesture.Bus) Option {
	return func(e *Engine) { e.bus = bus }
}

// WithObserver registers fn to receive every snapshot change. fn runs on its
// own goroutine, never inside a transition, and sees snapshots in order.
func WithObserver(fn func(Snapshot)) Option {
	return func(e *Engine) { e.observer = fn }
}

type command struct {
	ev    event
	reply chan error
}

// Engine renders one session at a time into an [audio.Sink]. It owns the
// sink exclusively and closes it on Destroy.
type Engine struct {
	sink     audio.Sink
	log      *slog.Logger
	bus      *gesture.Bus
	observer func(Snapshot)

	cmds    chan command
	results chan event
	obsCh   chan Snapshot
	done    chan struct{}
	last    atomic.Pointer[Snapshot]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Loop-owned. Never touched outside run.
	st            state
	buf           audio.DecodeBuffer
	res           audio.Resource
	bufCtx        context.Context
	bufCancel     context.CancelFunc
	gestureCancel func()
}

// New starts an engine rendering into sink.
func New(sink audio.Sink, opts ...Option) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		sink:    sink,
		log:     slog.Default(),
		cmds:    make(chan command),
		results: make(chan event),
		done:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, o := range opts {
		o(e)
	}
	e.st.gestures = e.bus != nil
	snap := e.st.snapshot()
	e.last.Store(&snap)

	if e.observer != nil {
		e.obsCh = make(chan Snapshot)
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			for s := range e.obsCh {
				e.observer(s)
			}
		}()
	}
	go e.run()
	return e
}

// Prepare starts a new session for audio of the given MIME type, cancelling
// the previous one.
func (e *Engine) Prepare(mime string) error {
	return e.send(evPrepare{mime: mime, streamable: e.sink.CanStream(mime)})
}

// Enqueue accepts the next chunk of the current session. The engine takes
// ownership of chunk.
func (e *Engine) Enqueue(chunk []byte) error {
	return e.send(evEnqueue{chunk: chunk})
}

// Finalize marks the end of the current session's audio. Rendering continues
// asynchronously; watch [Snapshot.Completed].
func (e *Engine) Finalize() error {
	return e.send(evFinalize{})
}

// Cancel silences the sink, aborts pending decode work and releases every
// transient resource. It is safe to call in any state and repeatedly.
func (e *Engine) Cancel() {
	_ = e.send(evCancel{})
}

// Destroy cancels the current session and closes the sink. The engine is
// unusable afterwards. Destroy is idempotent.
func (e *Engine) Destroy() {
	if err := e.send(evDestroy{}); err != nil {
		return
	}
	<-e.done
	e.cancel()
	e.wg.Wait()
}

// Snapshot returns the most recent state.
func (e *Engine) Snapshot() Snapshot {
	return *e.last.Load()
}

func (e *Engine) send(ev event) error {
	c := command{ev: ev, reply: make(chan error, 1)}
	select {
	case e.cmds <- c:
	case <-e.done:
		return ErrDestroyed
	}
	return <-c.reply
}

// post delivers an async result to the loop unless the engine is gone.
func (e *Engine) post(ev event) {
	select {
	case e.results <- ev:
	case <-e.done:
	}
}

func (e *Engine) run() {
	defer close(e.done)

	last := e.st.snapshot()
	var queued []Snapshot
	publish := func() {
		snap := e.st.snapshot()
		if snap == last {
			return
		}
		e.logTransition(last, snap)
		last = snap
		e.last.Store(&snap)
		if e.obsCh != nil {
			queued = append(queued, snap)
		}
	}

	for !e.st.destroyed {
		var out chan Snapshot
		var head Snapshot
		if len(queued) > 0 {
			out, head = e.obsCh, queued[0]
		}

		select {
		case c := <-e.cmds:
			err := e.dispatch(c.ev)
			publish()
			c.reply <- err
		case ev := <-e.results:
			_ = e.dispatch(ev)
			publish()
		case out <- head:
			queued = queued[1:]
		}
	}

	if e.obsCh != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			for _, s := range queued {
				e.obsCh <- s
			}
			close(e.obsCh)
		}()
	}
}

// dispatch runs ev and every synchronous follow-up event to completion.
// Only the first event's rejection is reported.
func (e *Engine) dispatch(ev event) error {
	pending := []event{ev}
	var first error
	for i := 0; len(pending) > 0; i++ {
		cur := pending[0]
		pending = pending[1:]

		next, fx, err := step(e.st, cur)
		if i == 0 {
			first = err
		}
		if err != nil {
			continue
		}
		e.st = next
		for _, f := range fx {
			if follow := e.apply(f); follow != nil {
				pending = append(pending, follow)
			}
		}
	}
	return first
}

// apply performs one effect. Sink calls that return promptly run inline and
// report their outcome as a follow-up event; decode buffer work and waiting
// for the render to finish run on goroutines and post their result.
func (e *Engine) apply(f effect) event {
	switch f := f.(type) {
	case fxOpenStream:
		buf, res, err := e.sink.OpenStream(f.mime)
		if err != nil {
			return evStreamFailed{gen: f.gen, err: err}
		}
		ctx, cancel := context.WithCancel(e.ctx)
		e.buf, e.res = buf, res
		e.bufCtx, e.bufCancel = ctx, cancel
		return evStreamOpened{gen: f.gen}

	case fxAppend:
		buf, ctx := e.buf, e.bufCtx
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.post(evAppendDone{gen: f.gen, err: buf.Append(ctx, f.chunk)})
		}()

	case fxEnd:
		buf, ctx := e.buf, e.bufCtx
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.post(evEndDone{gen: f.gen, err: buf.End(ctx)})
		}()

	case fxAbort:
		if e.bufCancel != nil {
			e.bufCancel()
			e.bufCancel = nil
		}
		if e.buf != nil {
			e.buf.Abort()
			e.buf = nil
		}

	case fxAttach:
		res, err := e.sink.Attach(f.mime, f.payload)
		if err != nil {
			return evAttachFailed{gen: f.gen, err: err}
		}
		e.res = res
		return evAttached{gen: f.gen}

	case fxPlay:
		done, err := e.sink.Play(e.ctx)
		if err != nil {
			return evPlayFailed{gen: f.gen, err: err}
		}
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			select {
			case <-done:
				e.post(evRenderEnded{gen: f.gen})
			case <-e.ctx.Done():
			}
		}()
		return evPlayStarted{gen: f.gen}

	case fxStop:
		e.sink.Stop()

	case fxRelease:
		if e.res != nil {
			e.res.Release()
			e.res = nil
		}

	case fxArmGesture:
		if e.bus == nil {
			return nil
		}
		if e.gestureCancel != nil {
			e.gestureCancel()
		}
		e.gestureCancel = e.bus.Once(func(gesture.Kind) {
			go e.post(evGesture{gen: f.gen})
		})

	case fxDisarmGesture:
		if e.gestureCancel != nil {
			e.gestureCancel()
			e.gestureCancel = nil
		}

	case fxCloseSink:
		if err := e.sink.Close(); err != nil {
			e.log.Warn("playback: close sink", "err", err)
		}
	}
	return nil
}

func (e *Engine) logTransition(prev, next Snapshot) {
	if prev.Mode == next.Mode && prev.Blocked == next.Blocked && prev.Degraded == next.Degraded {
		return
	}
	switch {
	case next.Degraded && !prev.Degraded:
		e.log.Warn("playback: streaming rejected, continuing buffered", "mime", next.MIME, "err", next.Err)
	case next.Mode == ModeError:
		e.log.Error("playback: render failed", "mime", next.MIME, "err", next.Err)
	case next.Blocked:
		e.log.Info("playback: waiting for user gesture to start audio", "mime", next.MIME)
	default:
		e.log.Debug("playback: mode changed", "from", prev.Mode, "to", next.Mode, "mime", next.MIME)
	}
}
