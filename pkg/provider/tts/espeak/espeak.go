// Package espeak provides a tts.Synthesizer backed by the eSpeak NG command
// line tool. Speech goes straight to the host's default audio output.
package espeak

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/parley/pkg/provider/tts"
	"github.com/MrWong99/parley/pkg/types"
)

const (
	defaultBinary = "espeak-ng"
	providerName  = "espeak"

	// waitDelay bounds how long Wait blocks on pipes held open by children of
	// a killed process.
	waitDelay = 500 * time.Millisecond
)

// Option is a functional option for configuring the Synthesizer.
type Option func(*Synthesizer)

// WithBinary sets the executable to run. Either a bare name resolved through
// PATH or an absolute path. Default: "espeak-ng".
func WithBinary(name string) Option {
	return func(s *Synthesizer) { s.binary = name }
}

// WithRate sets the speaking rate in words per minute. Zero keeps the engine
// default.
func WithRate(wpm int) Option {
	return func(s *Synthesizer) { s.rate = wpm }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Synthesizer) { s.log = l }
}

// Synthesizer implements tts.Synthesizer by running one espeak process per
// utterance.
type Synthesizer struct {
	binary string
	path   string
	rate   int
	log    *slog.Logger

	mu  sync.Mutex
	cur *utterance
}

var _ tts.Synthesizer = (*Synthesizer)(nil)

// New resolves the espeak binary. It returns an error wrapping
// [tts.ErrUnavailable] if the binary cannot be found.
func New(opts ...Option) (*Synthesizer, error) {
	s := &Synthesizer{binary: defaultBinary}
	for _, o := range opts {
		o(s)
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	s.log = s.log.With("component", "espeak")

	path, err := exec.LookPath(s.binary)
	if err != nil {
		return nil, fmt.Errorf("espeak: %w: %v", tts.ErrUnavailable, err)
	}
	s.path = path
	return s, nil
}

// ListVoices runs "espeak --voices" and parses the table it prints.
func (s *Synthesizer) ListVoices(ctx context.Context) ([]types.VoiceProfile, error) {
	out, err := exec.CommandContext(ctx, s.path, "--voices").Output()
	if err != nil {
		return nil, fmt.Errorf("espeak: list voices: %w", err)
	}
	return parseVoices(out), nil
}

// Speak starts a new espeak process for text, cancelling the previous one.
// The text is fed through stdin so that it is never parsed as flags.
func (s *Synthesizer) Speak(ctx context.Context, text string, voice types.VoiceProfile) (tts.Utterance, error) {
	args := []string{"--stdin"}
	if voice.ID != "" {
		args = append(args, "-v", voice.ID)
	}
	if s.rate > 0 {
		args = append(args, "-s", strconv.Itoa(s.rate))
	}

	uctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(uctx, s.path, args...)
	cmd.Stdin = strings.NewReader(text)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	cmd.WaitDelay = waitDelay

	u := &utterance{
		started: make(chan struct{}),
		done:    make(chan struct{}),
		cancel:  cancel,
	}

	s.mu.Lock()
	prev := s.cur
	s.cur = u
	s.mu.Unlock()
	if prev != nil {
		prev.cancel()
	}

	if err := cmd.Start(); err != nil {
		cancel()
		s.clear(u)
		return nil, fmt.Errorf("espeak: start: %w", err)
	}
	close(u.started)
	s.log.Debug("utterance started", "voice", voice.ID, "text_len", len(text))

	go func() {
		err := cmd.Wait()
		switch {
		case uctx.Err() != nil:
			err = context.Canceled
		case err != nil:
			if msg := strings.TrimSpace(stderr.String()); msg != "" {
				err = fmt.Errorf("espeak: %w: %s", err, msg)
			} else {
				err = fmt.Errorf("espeak: %w", err)
			}
			s.log.Warn("utterance failed", "error", err)
		}
		cancel()
		s.clear(u)
		u.finish(err)
	}()
	return u, nil
}

// Cancel kills the running espeak process, if any.
func (s *Synthesizer) Cancel() {
	s.mu.Lock()
	u := s.cur
	s.cur = nil
	s.mu.Unlock()
	if u != nil {
		u.cancel()
	}
}

func (s *Synthesizer) clear(u *utterance) {
	s.mu.Lock()
	if s.cur == u {
		s.cur = nil
	}
	s.mu.Unlock()
}

type utterance struct {
	started chan struct{}
	done    chan struct{}
	cancel  context.CancelFunc
	err     error
}

func (u *utterance) finish(err error) {
	u.err = err
	close(u.done)
}

func (u *utterance) Started() <-chan struct{} { return u.started }
func (u *utterance) Done() <-chan struct{}    { return u.done }

func (u *utterance) Err() error {
	select {
	case <-u.done:
		return u.err
	default:
		return nil
	}
}

// parseVoices reads the voice table:
//
//	Pty Language       Age/Gender VoiceName          File                 Other Languages
//	 5  af              --/M      Afrikaans          gmw/af
//	 2  en-us           --/M      English_(America)  gmw/en-US            (en-r 5)(en 5)
//
// Rows with fewer than five columns are skipped.
func parseVoices(out []byte) []types.VoiceProfile {
	var voices []types.VoiceProfile
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 5 || fields[0] == "Pty" {
			continue
		}
		lang := fields[1]
		voices = append(voices, types.VoiceProfile{
			ID:       lang,
			Name:     strings.ReplaceAll(fields[3], "_", " "),
			Language: lang,
			Provider: providerName,
			Default:  lang == "en" || lang == "en-gb",
		})
	}
	return voices
}
