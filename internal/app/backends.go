package app

import (
	"log/slog"

	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/gesture"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/malgo"
	"github.com/MrWong99/parley/pkg/audio/oto"
	"github.com/MrWong99/parley/pkg/provider/tts"
	"github.com/MrWong99/parley/pkg/provider/tts/espeak"
)

// DefaultRegistry returns a registry with the built-in backends: "malgo"
// for capture, "oto" for playback and "espeak" for fallback speech.
func DefaultRegistry(log *slog.Logger) *config.Registry {
	reg := config.NewRegistry()

	reg.RegisterCapture("malgo", func(c config.CaptureConfig) (audio.CaptureDevice, error) {
		return malgo.New(
			malgo.WithSampleRate(c.NativeRate),
			malgo.WithLogger(log),
		), nil
	})

	reg.RegisterPlayback("oto", func(c config.PlaybackConfig) (audio.Sink, error) {
		opts := []oto.Option{
			oto.WithSampleRate(c.SampleRate),
			oto.WithLogger(log),
		}
		if c.RequireGesture {
			opts = append(opts, oto.WithGate(gesture.Unlocked))
		}
		sink, err := oto.New(opts...)
		if err != nil {
			return nil, err
		}
		return sink, nil
	})

	reg.RegisterSynthesizer("espeak", func(e config.SynthesizerEntry) (tts.Synthesizer, error) {
		opts := []espeak.Option{
			espeak.WithRate(e.Rate),
			espeak.WithLogger(log),
		}
		if e.Binary != "" {
			opts = append(opts, espeak.WithBinary(e.Binary))
		}
		s, err := espeak.New(opts...)
		if err != nil {
			return nil, err
		}
		return s, nil
	})

	return reg
}
