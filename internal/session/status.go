package session

import "github.com/MrWong99/parley/pkg/types"

// SpeechStatus is the user-visible state of the inbound speech path.
type SpeechStatus int

const (
	// StatusConnecting means no turn is armed: the channel is connecting or
	// waiting for the next ready message.
	StatusConnecting SpeechStatus = iota
	// StatusReady means a turn is armed and audio is being rendered.
	StatusReady
	// StatusFallback means the text of the turn is spoken locally.
	StatusFallback
	// StatusError means the turn failed; only the next ready resumes.
	StatusError
)

func (s SpeechStatus) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusReady:
		return "ready"
	case StatusFallback:
		return "fallback"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// MicStatus is the user-visible state of the microphone.
type MicStatus int

const (
	MicIdle MicStatus = iota
	MicStarting
	MicRecording
	MicError
)

func (s MicStatus) String() string {
	switch s {
	case MicIdle:
		return "idle"
	case MicStarting:
		return "starting"
	case MicRecording:
		return "recording"
	case MicError:
		return "error"
	default:
		return "unknown"
	}
}

// FallbackState describes the synthesized-voice tier of the current turn.
type FallbackState struct {
	// Active is set while the turn is rendered by the local synthesizer.
	Active bool

	// Text is what is being spoken. It is cleared once the utterance
	// finished so that a retry has nothing left to repeat.
	Text string

	// Reason is the explanation sent by the server, or a default.
	Reason string

	// NeedsUserGesture is set when speech did not start in time and the
	// next user interaction will retry it.
	NeedsUserGesture bool
}

// StatusSink receives every user-visible state change. All methods are
// mandatory. Speech calls them from a single goroutine in order; Listener
// calls them from the goroutine that caused the change. Implementations must
// be safe for concurrent use and must not block.
type StatusSink interface {
	// SpeechStatus reports the speech path state with an optional message.
	SpeechStatus(status SpeechStatus, message string)

	// Fallback reports a change of the synthesized-voice state.
	Fallback(state FallbackState)

	// MicStatus reports the microphone state with an optional message.
	MicStatus(status MicStatus, message string)

	// Partial reports the recognizer's current interim hypothesis. An empty
	// string clears it.
	Partial(text string)

	// Transcript appends a final transcript entry.
	Transcript(entry types.TranscriptEntry)
}
