package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/parley/pkg/provider/tts"
)

const (
	defaultFallbackReason = "switched to local speech synthesis"
	defaultServerError    = "speech service reported an error"
	msgUnsupported        = "speech synthesis unsupported"
	msgSynthesisFailed    = "speech synthesis failed"
)

// speechState is the orchestrator's view of the inbound speech path. Only
// reduce produces new values; the loop in speech.go owns the live copy.
type speechState struct {
	status  SpeechStatus
	message string

	// armed is set between ready and the end of the turn's streaming path.
	// Audio is only accepted while armed.
	armed bool
	mime  string

	// turn changes whenever the streaming path is re-armed or disarmed; it
	// keys silence timers.
	turn uint64
	// seq counts audio chunks within a turn.
	seq uint64

	fb FallbackState

	// attempt keys every synthesis attempt, its watchdog and its gesture
	// listener.
	attempt   uint64
	speaking  bool
	started   bool
	listening bool

	closed bool
}

// ─── inputs ───────────────────────────────────────────────────────────────────

type input interface{ isInput() }

type (
	inOpen  struct{}
	inDrop  struct{}
	inReady struct{ mime string }
	inAudio struct {
		data   []byte
		inline bool
	}
	inEnd         struct{}
	inServerError struct{ message string }
	inFallback    struct{ text, reason string }
	inSilence     struct{ turn, seq uint64 }
	inSpeakFailed struct {
		attempt uint64
		err     error
	}
	inSpeechStarted struct{ attempt uint64 }
	inSpeechEnded   struct {
		attempt uint64
		err     error
	}
	inWatchdog       struct{ attempt uint64 }
	inGesture        struct{ attempt uint64 }
	inRetry          struct{}
	inPlaybackFailed struct{ err error }
	inClose          struct{}
)

func (inOpen) isInput()           {}
func (inDrop) isInput()           {}
func (inReady) isInput()          {}
func (inAudio) isInput()          {}
func (inEnd) isInput()            {}
func (inServerError) isInput()    {}
func (inFallback) isInput()       {}
func (inSilence) isInput()        {}
func (inSpeakFailed) isInput()    {}
func (inSpeechStarted) isInput()  {}
func (inSpeechEnded) isInput()    {}
func (inWatchdog) isInput()       {}
func (inGesture) isInput()        {}
func (inRetry) isInput()          {}
func (inPlaybackFailed) isInput() {}
func (inClose) isInput()          {}

// ─── actions ──────────────────────────────────────────────────────────────────

type action interface{ isAction() }

type (
	acPrepare        struct{ mime string }
	acEnqueue        struct{ data []byte }
	acFinalize       struct{}
	acCancelPlayback struct{ outcome string }
	acStatus         struct {
		status  SpeechStatus
		message string
	}
	acFallback struct{ state FallbackState }
	acSpeak    struct {
		attempt uint64
		text    string
	}
	acCancelSpeech   struct{}
	acWatchdog       struct{ attempt uint64 }
	acArmGesture     struct{ attempt uint64 }
	acDisarmGesture  struct{}
	acSilence        struct{ turn, seq uint64 }
	acDrop           struct{ reason string }
	acRecordFallback struct{ outcome string }
)

func (acPrepare) isAction()        {}
func (acEnqueue) isAction()        {}
func (acFinalize) isAction()       {}
func (acCancelPlayback) isAction() {}
func (acStatus) isAction()         {}
func (acFallback) isAction()       {}
func (acSpeak) isAction()          {}
func (acCancelSpeech) isAction()   {}
func (acWatchdog) isAction()       {}
func (acArmGesture) isAction()     {}
func (acDisarmGesture) isAction()  {}
func (acSilence) isAction()        {}
func (acDrop) isAction()           {}
func (acRecordFallback) isAction() {}

// reduce is the orchestrator transition function. It never blocks and never
// touches the engine, the synthesizer or the clock; every side effect is
// returned as an action for the loop to execute in order.
func reduce(s speechState, in input) (speechState, []action) {
	if s.closed {
		return s, nil
	}
	var acts []action

	switch v := in.(type) {
	case inOpen:
		if s.status == StatusError {
			s, acts = setStatus(s, acts, StatusConnecting, "")
		}

	case inDrop:
		if s.armed {
			acts = append(acts, acFinalize{})
			s.armed = false
		}
		s.turn++
		if s.status == StatusReady {
			s, acts = setStatus(s, acts, StatusConnecting, "")
		}

	case inReady:
		s, acts = leaveFallback(s, acts, true)
		s.turn++
		s.seq = 0
		s.armed = true
		s.mime = v.mime
		acts = append(acts, acPrepare{mime: v.mime})
		s, acts = setStatus(s, acts, StatusReady, "")

	case inAudio:
		if !s.armed {
			return s, append(acts, acDrop{reason: "not_armed"})
		}
		s.seq++
		acts = append(acts, acEnqueue{data: v.data})
		if v.inline {
			acts = append(acts, acSilence{turn: s.turn, seq: s.seq})
		}

	case inSilence:
		if s.armed && v.turn == s.turn && v.seq == s.seq {
			acts = append(acts, acFinalize{})
		}

	case inEnd:
		if s.armed {
			acts = append(acts, acFinalize{})
		}

	case inServerError:
		msg := v.message
		if msg == "" {
			msg = defaultServerError
		}
		s, acts = disarm(s, acts, "error")
		s, acts = leaveFallback(s, acts, true)
		s, acts = setStatus(s, acts, StatusError, msg)

	case inFallback:
		reason := v.reason
		if reason == "" {
			reason = defaultFallbackReason
		}
		s, acts = disarm(s, acts, "fallback")
		s, acts = leaveFallback(s, acts, false)
		s.fb = FallbackState{Active: true, Text: v.text, Reason: reason}
		acts = append(acts, acFallback{state: s.fb})
		s, acts = setStatus(s, acts, StatusFallback, reason)
		if v.text != "" {
			s, acts = beginAttempt(s, acts)
		}

	case inSpeakFailed:
		if v.attempt != s.attempt || !s.speaking {
			return s, nil
		}
		msg, outcome := msgSynthesisFailed, "failed"
		if errors.Is(v.err, tts.ErrUnavailable) {
			msg, outcome = msgUnsupported, "unsupported"
		}
		s.speaking = false
		s, acts = leaveFallback(s, acts, true)
		acts = append(acts, acRecordFallback{outcome: outcome})
		s, acts = setStatus(s, acts, StatusError, msg)

	case inSpeechStarted:
		if v.attempt != s.attempt || !s.speaking || s.started {
			return s, nil
		}
		s.started = true
		if s.listening {
			s.listening = false
			acts = append(acts, acDisarmGesture{})
		}
		if s.fb.NeedsUserGesture {
			s.fb.NeedsUserGesture = false
			acts = append(acts, acFallback{state: s.fb})
		}
		acts = append(acts, acRecordFallback{outcome: "spoken"})

	case inSpeechEnded:
		if v.attempt != s.attempt || !s.speaking {
			return s, nil
		}
		s.speaking = false
		if s.listening {
			s.listening = false
			acts = append(acts, acDisarmGesture{})
		}
		if v.err != nil && !errors.Is(v.err, context.Canceled) {
			s, acts = leaveFallback(s, acts, true)
			acts = append(acts, acRecordFallback{outcome: "failed"})
			return setStatus(s, acts, StatusError, fmt.Sprintf("%s: %v", msgSynthesisFailed, v.err))
		}
		s.fb.Text = ""
		s.fb.NeedsUserGesture = false
		acts = append(acts, acFallback{state: s.fb})

	case inWatchdog:
		if v.attempt != s.attempt || !s.speaking || s.started || s.status != StatusFallback {
			return s, nil
		}
		s.fb.NeedsUserGesture = true
		acts = append(acts, acFallback{state: s.fb})
		if s.listening {
			acts = append(acts, acDisarmGesture{})
		}
		s.listening = true
		acts = append(acts, acArmGesture{attempt: s.attempt}, acRecordFallback{outcome: "blocked"})

	case inGesture:
		if v.attempt != s.attempt || !s.listening {
			return s, nil
		}
		s.listening = false
		s, acts = retry(s, acts)

	case inRetry:
		if s.listening {
			s.listening = false
			acts = append(acts, acDisarmGesture{})
		}
		s, acts = retry(s, acts)

	case inPlaybackFailed:
		if !s.armed {
			return s, nil
		}
		s, acts = disarm(s, acts, "failed")
		msg := "playback failed"
		if v.err != nil {
			msg = fmt.Sprintf("playback failed: %v", v.err)
		}
		s, acts = setStatus(s, acts, StatusError, msg)

	case inClose:
		s, acts = disarm(s, acts, "closed")
		s, acts = leaveFallback(s, acts, false)
		s.closed = true
	}
	return s, acts
}

func setStatus(s speechState, acts []action, status SpeechStatus, msg string) (speechState, []action) {
	if s.status == status && s.message == msg {
		return s, acts
	}
	s.status = status
	s.message = msg
	return s, append(acts, acStatus{status: status, message: msg})
}

// disarm stops the streaming path of the current turn and silences playback.
func disarm(s speechState, acts []action, outcome string) (speechState, []action) {
	s.armed = false
	s.turn++
	return s, append(acts, acCancelPlayback{outcome: outcome})
}

// leaveFallback silences the synthesized voice and invalidates its attempt.
// With publish set the cleared FallbackState is reported.
func leaveFallback(s speechState, acts []action, publish bool) (speechState, []action) {
	if s.speaking {
		acts = append(acts, acCancelSpeech{})
	}
	if s.listening {
		acts = append(acts, acDisarmGesture{})
	}
	s.attempt++
	s.speaking = false
	s.started = false
	s.listening = false
	if s.fb != (FallbackState{}) {
		s.fb = FallbackState{}
		if publish {
			acts = append(acts, acFallback{state: s.fb})
		}
	}
	return s, acts
}

func beginAttempt(s speechState, acts []action) (speechState, []action) {
	s.attempt++
	s.speaking = true
	s.started = false
	return s, append(acts,
		acSpeak{attempt: s.attempt, text: s.fb.Text},
		acWatchdog{attempt: s.attempt},
	)
}

// retry speaks the current fallback text again. It is a no-op once the text
// has been spoken or the turn left the fallback tier.
func retry(s speechState, acts []action) (speechState, []action) {
	if s.status != StatusFallback || !s.fb.Active || s.fb.Text == "" {
		return s, acts
	}
	if s.speaking {
		acts = append(acts, acCancelSpeech{})
	}
	if s.fb.NeedsUserGesture {
		s.fb.NeedsUserGesture = false
		acts = append(acts, acFallback{state: s.fb})
	}
	return beginAttempt(s, acts)
}
