package app

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/resilience"
	"github.com/MrWong99/parley/pkg/provider/tts"
	"github.com/MrWong99/parley/pkg/types"
)

// buildSynthesizers creates every configured backend and chains them behind
// circuit breakers in configured order. Backends that fail to build are
// skipped. Returns nil when none is usable.
func buildSynthesizers(reg *config.Registry, entries []config.SynthesizerEntry, log *slog.Logger) tts.Synthesizer {
	var chain *resilience.Synthesizers
	for _, e := range entries {
		s, err := reg.CreateSynthesizer(e)
		if err != nil {
			if errors.Is(err, tts.ErrUnavailable) {
				log.Info("fallback synthesizer not installed", "name", e.Name, "err", err)
			} else {
				log.Warn("fallback synthesizer skipped", "name", e.Name, "err", err)
			}
			continue
		}
		if chain == nil {
			chain = resilience.NewSynthesizers(s, e.Name, resilience.FallbackConfig{Logger: log})
			continue
		}
		chain.AddFallback(e.Name, s)
	}
	if chain == nil {
		log.Warn("no fallback synthesizer available; text-only turns will not be spoken")
		return nil
	}
	log.Info("fallback synthesizers ready", "order", chain.Names())
	return chain
}

// synthSwitch is a [tts.Synthesizer] whose backend can be replaced while the
// session runs. Without a backend it reports [tts.ErrUnavailable].
type synthSwitch struct {
	mu  sync.RWMutex
	cur tts.Synthesizer
}

var _ tts.Synthesizer = (*synthSwitch)(nil)

// Swap installs s, which may be nil, and silences the previous backend.
func (w *synthSwitch) Swap(s tts.Synthesizer) {
	w.mu.Lock()
	prev := w.cur
	w.cur = s
	w.mu.Unlock()
	if prev != nil {
		prev.Cancel()
	}
}

// describe lists the installed backends in failover order with their
// breaker state, e.g. "espeak-ng:open,espeak:closed".
func (w *synthSwitch) describe() string {
	s, err := w.get()
	if err != nil {
		return "none"
	}
	chain, ok := s.(*resilience.Synthesizers)
	if !ok {
		return "custom"
	}
	states := chain.States()
	names := chain.Names()
	parts := make([]string, len(names))
	for i, n := range names {
		parts[i] = n + ":" + states[n].String()
	}
	return strings.Join(parts, ",")
}

func (w *synthSwitch) get() (tts.Synthesizer, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.cur == nil {
		return nil, tts.ErrUnavailable
	}
	return w.cur, nil
}

func (w *synthSwitch) ListVoices(ctx context.Context) ([]types.VoiceProfile, error) {
	s, err := w.get()
	if err != nil {
		return nil, err
	}
	return s.ListVoices(ctx)
}

func (w *synthSwitch) Speak(ctx context.Context, text string, voice types.VoiceProfile) (tts.Utterance, error) {
	s, err := w.get()
	if err != nil {
		return nil, err
	}
	return s.Speak(ctx, text, voice)
}

func (w *synthSwitch) Cancel() {
	if s, err := w.get(); err == nil {
		s.Cancel()
	}
}
