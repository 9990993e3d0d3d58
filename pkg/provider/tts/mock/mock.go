// Package mock provides a test double for the tts.Synthesizer interface.
//
// Utterances returned by Synthesizer stay pending until the test drives them
// with [Utterance.Start] and [Utterance.Finish], which makes start-up
// timeouts observable without real audio.
//
// Example:
//
//	s := &mock.Synthesizer{
//	    ListVoicesResult: []types.VoiceProfile{{ID: "en", Language: "en-US"}},
//	}
//	u, _ := s.Speak(ctx, "hello", voice)
//	s.Last().Start()
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/parley/pkg/provider/tts"
	"github.com/MrWong99/parley/pkg/types"
)

// SpeakCall records a single invocation of Speak.
type SpeakCall struct {
	// Text is the text passed to Speak.
	Text string
	// Voice is the VoiceProfile passed to Speak.
	Voice types.VoiceProfile
}

// Synthesizer is a mock implementation of tts.Synthesizer.
type Synthesizer struct {
	mu sync.Mutex

	// ListVoicesResult is returned by ListVoices.
	ListVoicesResult []types.VoiceProfile

	// ListVoicesErr, if non-nil, is returned as the error from ListVoices.
	ListVoicesErr error

	// SpeakErr, if non-nil, is returned from Speak instead of an utterance.
	SpeakErr error

	// AutoStart makes every new utterance start immediately.
	AutoStart bool

	speakCalls  []SpeakCall
	cancelCalls int
	utterances  []*Utterance
}

// ListVoices returns ListVoicesResult, ListVoicesErr.
func (s *Synthesizer) ListVoices(_ context.Context) ([]types.VoiceProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ListVoicesResult, s.ListVoicesErr
}

// Speak records the call and returns a new pending [Utterance]. The previous
// utterance, if still running, finishes with [context.Canceled].
func (s *Synthesizer) Speak(_ context.Context, text string, voice types.VoiceProfile) (tts.Utterance, error) {
	s.mu.Lock()
	s.speakCalls = append(s.speakCalls, SpeakCall{Text: text, Voice: voice})
	if s.SpeakErr != nil {
		err := s.SpeakErr
		s.mu.Unlock()
		return nil, err
	}
	var prev *Utterance
	if n := len(s.utterances); n > 0 {
		prev = s.utterances[n-1]
	}
	u := NewUtterance()
	s.utterances = append(s.utterances, u)
	auto := s.AutoStart
	s.mu.Unlock()

	if prev != nil {
		prev.Finish(context.Canceled)
	}
	if auto {
		u.Start()
	}
	return u, nil
}

// Cancel records the call and finishes the latest utterance with
// [context.Canceled].
func (s *Synthesizer) Cancel() {
	s.mu.Lock()
	s.cancelCalls++
	var last *Utterance
	if n := len(s.utterances); n > 0 {
		last = s.utterances[n-1]
	}
	s.mu.Unlock()
	if last != nil {
		last.Finish(context.Canceled)
	}
}

// SpeakCalls returns a copy of every Speak call in order.
func (s *Synthesizer) SpeakCalls() []SpeakCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SpeakCall(nil), s.speakCalls...)
}

// CancelCalls returns how many times Cancel was called.
func (s *Synthesizer) CancelCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelCalls
}

// Last returns the most recent utterance, or nil.
func (s *Synthesizer) Last() *Utterance {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.utterances) == 0 {
		return nil
	}
	return s.utterances[len(s.utterances)-1]
}

// Utterance is a manually driven tts.Utterance.
type Utterance struct {
	startOnce sync.Once
	doneOnce  sync.Once
	started   chan struct{}
	done      chan struct{}
	err       error
}

// NewUtterance returns a pending utterance.
func NewUtterance() *Utterance {
	return &Utterance{started: make(chan struct{}), done: make(chan struct{})}
}

// Start marks the utterance as audible.
func (u *Utterance) Start() { u.startOnce.Do(func() { close(u.started) }) }

// Finish ends the utterance with err. Only the first call has an effect.
func (u *Utterance) Finish(err error) {
	u.doneOnce.Do(func() {
		u.err = err
		close(u.done)
	})
}

// Started implements tts.Utterance.
func (u *Utterance) Started() <-chan struct{} { return u.started }

// Done implements tts.Utterance.
func (u *Utterance) Done() <-chan struct{} { return u.done }

// Err implements tts.Utterance.
func (u *Utterance) Err() error {
	select {
	case <-u.done:
		return u.err
	default:
		return nil
	}
}

var (
	_ tts.Synthesizer = (*Synthesizer)(nil)
	_ tts.Utterance   = (*Utterance)(nil)
)
