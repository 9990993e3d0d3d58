package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/tts"
)

// ErrBackendNotRegistered is returned by Create* methods when no factory has
// been registered under the requested backend name.
var ErrBackendNotRegistered = errors.New("config: backend not registered")

// Registry maps backend names to their constructor functions for each
// backend kind. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	capture  map[string]func(CaptureConfig) (audio.CaptureDevice, error)
	playback map[string]func(PlaybackConfig) (audio.Sink, error)
	synth    map[string]func(SynthesizerEntry) (tts.Synthesizer, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		capture:  make(map[string]func(CaptureConfig) (audio.CaptureDevice, error)),
		playback: make(map[string]func(PlaybackConfig) (audio.Sink, error)),
		synth:    make(map[string]func(SynthesizerEntry) (tts.Synthesizer, error)),
	}
}

// RegisterCapture registers a microphone backend factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterCapture(name string, factory func(CaptureConfig) (audio.CaptureDevice, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.capture[name] = factory
}

// RegisterPlayback registers a speaker backend factory under name.
func (r *Registry) RegisterPlayback(name string, factory func(PlaybackConfig) (audio.Sink, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.playback[name] = factory
}

// RegisterSynthesizer registers a local speech backend factory under name.
func (r *Registry) RegisterSynthesizer(name string, factory func(SynthesizerEntry) (tts.Synthesizer, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.synth[name] = factory
}

// CreateCapture instantiates the capture backend named by cfg.Backend.
// Returns [ErrBackendNotRegistered] if no factory has been registered for
// that name.
func (r *Registry) CreateCapture(cfg CaptureConfig) (audio.CaptureDevice, error) {
	r.mu.RLock()
	factory, ok := r.capture[cfg.Backend]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: capture/%q", ErrBackendNotRegistered, cfg.Backend)
	}
	return factory(cfg)
}

// CreatePlayback instantiates the playback backend named by cfg.Backend.
func (r *Registry) CreatePlayback(cfg PlaybackConfig) (audio.Sink, error) {
	r.mu.RLock()
	factory, ok := r.playback[cfg.Backend]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: playback/%q", ErrBackendNotRegistered, cfg.Backend)
	}
	return factory(cfg)
}

// CreateSynthesizer instantiates the synthesizer named by entry.Name.
func (r *Registry) CreateSynthesizer(entry SynthesizerEntry) (tts.Synthesizer, error) {
	r.mu.RLock()
	factory, ok := r.synth[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: synthesizer/%q", ErrBackendNotRegistered, entry.Name)
	}
	return factory(entry)
}
