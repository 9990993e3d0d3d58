// Package tts defines the Synthesizer interface for local speech synthesis.
//
// A synthesizer is the last rendering tier of a speech turn: when the remote
// side cannot deliver audio it sends the text instead, and the session speaks
// it through whatever voice engine the host offers. Synthesizers render
// directly to the host's audio output; they never share the playback sink.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"
	"errors"
	"strings"

	"github.com/MrWong99/parley/pkg/types"
)

// ErrUnavailable is returned when the host has no usable speech synthesis.
var ErrUnavailable = errors.New("tts: speech synthesis unavailable")

// Synthesizer is the abstraction over a local text-to-speech engine.
type Synthesizer interface {
	// ListVoices returns the voices the engine currently offers. An engine
	// that is not installed returns an error wrapping [ErrUnavailable].
	ListVoices(ctx context.Context) ([]types.VoiceProfile, error)

	// Speak starts speaking text with voice and returns immediately. A zero
	// voice selects the engine's default. Speaking replaces any utterance
	// that is still in progress.
	//
	// Returns a non-nil error only if the utterance cannot be started at all.
	Speak(ctx context.Context, text string, voice types.VoiceProfile) (Utterance, error)

	// Cancel silences the current utterance, if any. It is safe to call at
	// any time.
	Cancel()
}

// Utterance tracks one Speak request.
type Utterance interface {
	// Started is closed once sound is being produced.
	Started() <-chan struct{}

	// Done is closed when the utterance finished, failed or was cancelled.
	Done() <-chan struct{}

	// Err reports why the utterance ended. It is nil after a normal finish
	// and only meaningful after Done is closed.
	Err() error
}

// SelectVoice picks the voice for lang. An exact (case-insensitive) tag match
// wins, then a voice whose primary language subtag matches, then the voice
// marked as default. Failing all of those it returns the zero voice, which
// leaves the choice to the engine's own default. ok is false only when voices
// is empty.
func SelectVoice(voices []types.VoiceProfile, lang string) (voice types.VoiceProfile, ok bool) {
	if len(voices) == 0 {
		return types.VoiceProfile{}, false
	}
	lang = normalizeTag(lang)
	if lang != "" {
		for _, v := range voices {
			if normalizeTag(v.Language) == lang {
				return v, true
			}
		}
		primary := primarySubtag(lang)
		for _, v := range voices {
			if primarySubtag(normalizeTag(v.Language)) == primary {
				return v, true
			}
		}
	}
	for _, v := range voices {
		if v.Default {
			return v, true
		}
	}
	return types.VoiceProfile{}, true
}

func normalizeTag(tag string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(tag), "_", "-"))
}

func primarySubtag(tag string) string {
	if i := strings.IndexByte(tag, '-'); i >= 0 {
		return tag[:i]
	}
	return tag
}
