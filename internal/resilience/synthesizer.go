package resilience

import (
	"context"
	"sync"

	"github.com/MrWong99/parley/pkg/provider/tts"
	"github.com/MrWong99/parley/pkg/types"
)

// Synthesizers implements [tts.Synthesizer] with failover across several
// backends. Each backend has its own circuit breaker; only starting an
// utterance is covered by failover, an utterance that fails mid-way reports
// through its own Err.
//
// Voice IDs are backend specific. A voice from the last ListVoices is only
// handed to the backend that listed it; any other backend speaks with its
// default voice.
type Synthesizers struct {
	group *FallbackGroup[tts.Synthesizer]

	mu      sync.Mutex
	speaker tts.Synthesizer
	lister  tts.Synthesizer
}

var _ tts.Synthesizer = (*Synthesizers)(nil)

// NewSynthesizers creates a [Synthesizers] with primary as the preferred
// backend.
func NewSynthesizers(primary tts.Synthesizer, primaryName string, cfg FallbackConfig) *Synthesizers {
	return &Synthesizers{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional backend.
func (s *Synthesizers) AddFallback(name string, synth tts.Synthesizer) {
	s.group.AddFallback(name, synth)
}

// Names returns the backend names in failover order.
func (s *Synthesizers) Names() []string {
	return s.group.Names()
}

// States reports each backend's breaker state keyed by name.
func (s *Synthesizers) States() map[string]State {
	return s.group.States()
}

// ListVoices returns the voices of the first healthy backend.
func (s *Synthesizers) ListVoices(ctx context.Context) ([]types.VoiceProfile, error) {
	var served tts.Synthesizer
	voices, err := ExecuteWithResult(s.group, func(t tts.Synthesizer) ([]types.VoiceProfile, error) {
		v, err := t.ListVoices(ctx)
		if err == nil {
			served = t
		}
		return v, err
	})
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.lister = served
	s.mu.Unlock()
	return voices, nil
}

// Speak starts the utterance on the first backend that accepts it. The
// previous utterance is cancelled first, whichever backend owns it.
func (s *Synthesizers) Speak(ctx context.Context, text string, voice types.VoiceProfile) (tts.Utterance, error) {
	s.Cancel()
	s.mu.Lock()
	lister := s.lister
	s.mu.Unlock()

	var served tts.Synthesizer
	u, err := ExecuteWithResult(s.group, func(t tts.Synthesizer) (tts.Utterance, error) {
		v := voice
		if lister != nil && t != lister {
			v = types.VoiceProfile{}
		}
		u, err := t.Speak(ctx, text, v)
		if err == nil {
			served = t
		}
		return u, err
	})
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.speaker = served
	s.mu.Unlock()
	return u, nil
}

// Cancel silences the backend that served the last Speak.
func (s *Synthesizers) Cancel() {
	s.mu.Lock()
	sp := s.speaker
	s.speaker = nil
	s.mu.Unlock()
	if sp != nil {
		sp.Cancel()
	}
}
