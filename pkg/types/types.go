// Package types defines the small set of value types shared between the
// synthesizer providers, the session orchestrator and the console front end.
//
// Each package owns its domain types; only data crossing package boundaries in
// both directions lives here to avoid circular imports.
package types

import "time"

// VoiceProfile describes one voice offered by a speech synthesizer.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier passed back to Speak.
	ID string

	// Name is the human-readable voice name.
	Name string

	// Language is a BCP 47 style tag such as "en-US" or "de". Providers that
	// only know the primary language report just that subtag.
	Language string

	// Provider identifies which synthesizer this voice belongs to.
	Provider string

	// Default marks the voice the provider uses when none is requested.
	Default bool
}

// Speaker identifies who produced a transcript entry.
type Speaker string

const (
	// SpeakerUser is the local participant, recognised from the microphone or
	// typed as text.
	SpeakerUser Speaker = "user"

	// SpeakerInterviewer is the remote side whose speech is rendered locally.
	SpeakerInterviewer Speaker = "interviewer"
)

// TranscriptEntry is one line of the running conversation transcript.
type TranscriptEntry struct {
	// Speaker tells who said it.
	Speaker Speaker

	// Text is the recognised or typed text.
	Text string

	// Final is false for interim recognizer hypotheses that will be replaced.
	Final bool

	// Timestamp is when the entry was received.
	Timestamp time.Time
}
