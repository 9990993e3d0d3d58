package playback

import (
	"bytes"
	"errors"

	"github.com/MrWong99/parley/pkg/audio"
)

// state is the complete playback state. It is only ever read and replaced by
// step; the loop in engine.go owns the single live copy.
type state struct {
	mode Mode
	mime string
	gen  uint64

	// held is every chunk accepted since Prepare, in order. It survives a
	// downgrade so buffered playback can render the whole turn.
	held [][]byte
	// queue holds streaming chunks not yet handed to the decode buffer.
	queue [][]byte

	opened    bool // decode buffer open
	inflight  bool // one Append outstanding
	finalized bool
	ending    bool // End issued
	ended     bool // End settled

	hasBuffer   bool
	hasResource bool

	playIssued bool
	rendering  bool
	renderDone bool
	retried    bool
	blocked    bool
	completed  bool

	degraded  bool
	err       error
	destroyed bool

	// gestures reports whether a gesture bus is available to retry a
	// blocked Play.
	gestures bool
}

func (s state) snapshot() Snapshot {
	pending := len(s.queue)
	if s.inflight {
		pending++
	}
	return Snapshot{
		Mode:       s.mode,
		MIME:       s.mime,
		Generation: s.gen,
		Pending:    pending,
		Held:       len(s.held),
		Degraded:   s.degraded,
		Finalized:  s.finalized,
		Rendering:  s.rendering,
		Completed:  s.completed,
		Blocked:    s.blocked,
		Err:        s.err,
	}
}

func (s state) clean() bool {
	return s.mode == ModeIdle && !s.hasBuffer && !s.hasResource && !s.rendering && !s.blocked
}

// ─── events ───────────────────────────────────────────────────────────────────

type event interface{ isEvent() }

type (
	evPrepare struct {
		mime       string
		streamable bool
	}
	evEnqueue      struct{ chunk []byte }
	evFinalize     struct{}
	evCancel       struct{}
	evDestroy      struct{}
	evStreamOpened struct{ gen uint64 }
	evStreamFailed struct {
		gen uint64
		err error
	}
	evAppendDone struct {
		gen uint64
		err error
	}
	evEndDone struct {
		gen uint64
		err error
	}
	evAttached     struct{ gen uint64 }
	evAttachFailed struct {
		gen uint64
		err error
	}
	evPlayStarted struct{ gen uint64 }
	evPlayFailed  struct {
		gen uint64
		err error
	}
	evRenderEnded struct{ gen uint64 }
	evGesture     struct{ gen uint64 }
)

func (evPrepare) isEvent()      {}
func (evEnqueue) isEvent()      {}
func (evFinalize) isEvent()     {}
func (evCancel) isEvent()       {}
func (evDestroy) isEvent()      {}
func (evStreamOpened) isEvent() {}
func (evStreamFailed) isEvent() {}
func (evAppendDone) isEvent()   {}
func (evEndDone) isEvent()      {}
func (evAttached) isEvent()     {}
func (evAttachFailed) isEvent() {}
func (evPlayStarted) isEvent()  {}
func (evPlayFailed) isEvent()   {}
func (evRenderEnded) isEvent()  {}
func (evGesture) isEvent()      {}

// ─── effects ──────────────────────────────────────────────────────────────────

type effect interface{ isEffect() }

type (
	fxOpenStream struct {
		gen  uint64
		mime string
	}
	fxAppend struct {
		gen   uint64
		chunk []byte
	}
	fxEnd    struct{ gen uint64 }
	fxAbort  struct{}
	fxAttach struct {
		gen     uint64
		mime    string
		payload []byte
	}
	fxPlay          struct{ gen uint64 }
	fxStop          struct{}
	fxRelease       struct{}
	fxArmGesture    struct{ gen uint64 }
	fxDisarmGesture struct{}
	fxCloseSink     struct{}
)

func (fxOpenStream) isEffect()    {}
func (fxAppend) isEffect()        {}
func (fxEnd) isEffect()           {}
func (fxAbort) isEffect()         {}
func (fxAttach) isEffect()        {}
func (fxPlay) isEffect()          {}
func (fxStop) isEffect()          {}
func (fxRelease) isEffect()       {}
func (fxArmGesture) isEffect()    {}
func (fxDisarmGesture) isEffect() {}
func (fxCloseSink) isEffect()     {}

// ─── transitions ──────────────────────────────────────────────────────────────

// step is the playback transition function. The returned error is non-nil
// only for rejected commands, in which case the state is unchanged and no
// effects are returned.
func step(s state, ev event) (state, []effect, error) {
	if s.destroyed {
		switch ev.(type) {
		case evPrepare, evEnqueue, evFinalize:
			return s, nil, ErrDestroyed
		}
		return s, nil, nil
	}

	switch ev := ev.(type) {
	case evPrepare:
		fx := teardown(s)
		ns := state{mode: ModeBuffered, mime: ev.mime, gen: s.gen + 1, gestures: s.gestures}
		if ev.streamable {
			ns.mode = ModeStreaming
			fx = append(fx, fxOpenStream{gen: ns.gen, mime: ev.mime})
		}
		return ns, fx, nil

	case evEnqueue:
		switch {
		case s.mode == ModeIdle:
			return s, nil, ErrNotPrepared
		case s.mode == ModeError:
			return s, nil, ErrFailed
		case s.finalized:
			return s, nil, ErrFinalized
		case len(ev.chunk) == 0:
			return s, nil, nil
		}
		s.held = append(s.held, ev.chunk)
		if s.mode == ModeStreaming {
			s.queue = append(s.queue, ev.chunk)
			ns, fx := pump(s)
			return ns, fx, nil
		}
		return s, nil, nil

	case evFinalize:
		switch {
		case s.mode == ModeIdle:
			return s, nil, ErrNotPrepared
		case s.mode == ModeError:
			return s, nil, ErrFailed
		case s.finalized:
			return s, nil, nil
		}
		s.finalized = true
		if s.mode == ModeStreaming {
			ns, fx := pump(s)
			return ns, fx, nil
		}
		ns, fx := attachHeld(s)
		return ns, fx, nil

	case evCancel:
		if s.clean() {
			return s, nil, nil
		}
		return state{mode: ModeIdle, gen: s.gen + 1, gestures: s.gestures}, teardown(s), nil

	case evDestroy:
		fx := append(teardown(s), fxCloseSink{})
		return state{mode: ModeIdle, gen: s.gen + 1, destroyed: true}, fx, nil

	case evStreamOpened:
		if ev.gen != s.gen || s.mode != ModeStreaming {
			return s, nil, nil
		}
		s.opened = true
		s.hasBuffer = true
		s.hasResource = true
		ns, fx := pump(s)
		return ns, fx, nil

	case evStreamFailed:
		if ev.gen != s.gen || s.mode != ModeStreaming {
			return s, nil, nil
		}
		ns, fx := downgrade(s, &RenderError{Op: "open", Err: ev.err})
		return ns, fx, nil

	case evAppendDone:
		if ev.gen != s.gen || s.mode != ModeStreaming {
			return s, nil, nil
		}
		s.inflight = false
		if ev.err != nil {
			ns, fx := downgrade(s, &RenderError{Op: "append", Err: ev.err})
			return ns, fx, nil
		}
		var fx []effect
		if !s.playIssued {
			s.playIssued = true
			fx = append(fx, fxPlay{gen: s.gen})
		}
		ns, more := pump(s)
		return ns, append(fx, more...), nil

	case evEndDone:
		if ev.gen != s.gen || s.mode != ModeStreaming {
			return s, nil, nil
		}
		if ev.err != nil {
			ns, fx := downgrade(s, &RenderError{Op: "end", Err: ev.err})
			return ns, fx, nil
		}
		s.ended = true
		s.completed = !s.playIssued || s.renderDone
		return s, nil, nil

	case evAttached:
		if ev.gen != s.gen || s.mode != ModeBuffered {
			return s, nil, nil
		}
		s.hasResource = true
		s.playIssued = true
		return s, []effect{fxPlay{gen: s.gen}}, nil

	case evAttachFailed:
		if ev.gen != s.gen || s.mode != ModeBuffered {
			return s, nil, nil
		}
		ns, fx := fail(s, &RenderError{Op: "attach", Err: ev.err})
		return ns, fx, nil

	case evPlayStarted:
		if ev.gen != s.gen {
			return s, nil, nil
		}
		s.rendering = true
		return s, nil, nil

	case evPlayFailed:
		if ev.gen != s.gen {
			return s, nil, nil
		}
		rerr := &RenderError{Op: "play", Err: ev.err}
		if errors.Is(ev.err, audio.ErrPlaybackBlocked) {
			if s.retried || !s.gestures {
				ns, fx := fail(s, rerr)
				return ns, fx, nil
			}
			s.blocked = true
			s.retried = true
			s.err = rerr
			return s, []effect{fxArmGesture{gen: s.gen}}, nil
		}
		if s.mode == ModeStreaming {
			ns, fx := downgrade(s, rerr)
			return ns, fx, nil
		}
		ns, fx := fail(s, rerr)
		return ns, fx, nil

	case evGesture:
		if ev.gen != s.gen || !s.blocked {
			return s, nil, nil
		}
		s.blocked = false
		return s, []effect{fxPlay{gen: s.gen}}, nil

	case evRenderEnded:
		if ev.gen != s.gen {
			return s, nil, nil
		}
		s.rendering = false
		s.renderDone = true
		if s.mode == ModeBuffered || s.ended {
			s.completed = true
		}
		return s, nil, nil
	}
	return s, nil, nil
}

// pump hands the next queued chunk to the decode buffer once the previous
// append settled, and signals end of stream when the queue is drained after
// Finalize.
func pump(s state) (state, []effect) {
	if !s.opened || s.inflight {
		return s, nil
	}
	if len(s.queue) > 0 {
		chunk := s.queue[0]
		s.queue = s.queue[1:]
		s.inflight = true
		return s, []effect{fxAppend{gen: s.gen, chunk: chunk}}
	}
	if s.finalized && !s.ending {
		s.ending = true
		return s, []effect{fxEnd{gen: s.gen}}
	}
	return s, nil
}

// downgrade abandons streaming and continues the same turn in buffered mode.
// Nothing already accepted is lost: held keeps every chunk.
func downgrade(s state, err error) (state, []effect) {
	fx := teardown(s)
	ns := state{
		mode:      ModeBuffered,
		mime:      s.mime,
		gen:       s.gen + 1,
		held:      s.held,
		finalized: s.finalized,
		degraded:  true,
		err:       err,
		gestures:  s.gestures,
	}
	if ns.finalized {
		var more []effect
		ns, more = attachHeld(ns)
		fx = append(fx, more...)
	}
	return ns, fx
}

func attachHeld(s state) (state, []effect) {
	if len(s.held) == 0 {
		s.completed = true
		return s, nil
	}
	return s, []effect{fxAttach{gen: s.gen, mime: s.mime, payload: bytes.Join(s.held, nil)}}
}

func fail(s state, err error) (state, []effect) {
	return state{mode: ModeError, mime: s.mime, gen: s.gen + 1, degraded: s.degraded, err: err, gestures: s.gestures}, teardown(s)
}

// teardown silences and releases everything the state holds, in that order.
func teardown(s state) []effect {
	var fx []effect
	if s.blocked {
		fx = append(fx, fxDisarmGesture{})
	}
	if s.hasBuffer {
		fx = append(fx, fxAbort{})
	}
	if s.playIssued && !s.renderDone {
		fx = append(fx, fxStop{})
	}
	if s.hasResource {
		fx = append(fx, fxRelease{})
	}
	return fx
}
