package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/parley/internal/capture"
	"github.com/MrWong99/parley/internal/protocol"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/types"
)

// AudioChannel is the outbound recognizer channel as seen by a [Listener].
// [*channel.Client] implements it.
type AudioChannel interface {
	Start(ctx context.Context, msg protocol.Message) error
	Stop(ctx context.Context) error
	Send(ctx context.Context, msg protocol.Message) error
	SendAudio(data []byte) bool
}

// ListenerConfig configures a [Listener].
type ListenerConfig struct {
	// Recorder captures the microphone. Required.
	Recorder *capture.Recorder

	// Channel carries audio to the recognizer. Required.
	Channel AudioChannel

	// Status receives microphone and transcript updates. Required.
	Status StatusSink

	// Language is announced in the start message, e.g. "en-US".
	Language string

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Listener is the outbound half of a session: microphone frames go to the
// recognizer channel and recognizer results go to the status sink.
type Listener struct {
	rec    *capture.Recorder
	ch     AudioChannel
	status StatusSink
	lang   string
	log    *slog.Logger

	mu  sync.Mutex
	mic MicStatus
}

// NewListener creates a [Listener].
func NewListener(cfg ListenerConfig) (*Listener, error) {
	switch {
	case cfg.Recorder == nil:
		return nil, errors.New("session: listener requires a recorder")
	case cfg.Channel == nil:
		return nil, errors.New("session: listener requires a channel")
	case cfg.Status == nil:
		return nil, errors.New("session: listener requires a status sink")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Listener{
		rec:    cfg.Recorder,
		ch:     cfg.Channel,
		status: cfg.Status,
		lang:   cfg.Language,
		log:    cfg.Logger.With("component", "listener"),
	}, nil
}

// Mic returns the current microphone status.
func (l *Listener) Mic() MicStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mic
}

// StartMic acquires the microphone and starts streaming to the recognizer.
// It returns nil without doing anything while the microphone is already
// starting or recording. A device failure sets the microphone status to
// error and is returned.
func (l *Listener) StartMic(ctx context.Context) error {
	l.mu.Lock()
	if l.mic == MicStarting || l.mic == MicRecording {
		l.mu.Unlock()
		return nil
	}
	l.setMicLocked(MicStarting, "")
	l.mu.Unlock()

	err := l.rec.Start(ctx, capture.Callbacks{
		OnReady: func(rate int) {
			if err := l.ch.Start(context.Background(), protocol.Start(rate, l.lang)); err != nil {
				l.log.Warn("announce audio stream", "error", err)
			}
			l.setMic(MicRecording, "")
		},
		OnChunk: func(f audio.AudioFrame) {
			l.ch.SendAudio(f.Data)
		},
		OnStop: func() {
			if err := l.ch.Stop(context.Background()); err != nil {
				l.log.Debug("stop audio stream", "error", err)
			}
			l.mu.Lock()
			if l.mic != MicError {
				l.setMicLocked(MicIdle, "")
			}
			l.mu.Unlock()
		},
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, capture.ErrStopped), errors.Is(err, capture.ErrCapturing):
		l.log.Debug("microphone start abandoned", "error", err)
		return nil
	default:
		l.setMic(MicError, micErrorMessage(err))
		return fmt.Errorf("session: start microphone: %w", err)
	}
}

// StopMic stops capturing. The recognizer is told to stop once the
// microphone is released. Safe to call at any time.
func (l *Listener) StopMic() {
	l.rec.Stop()
	l.mu.Lock()
	if l.mic == MicStarting {
		l.setMicLocked(MicIdle, "")
	}
	l.mu.Unlock()
}

// SendText sends a typed user utterance to the recognizer.
func (l *Listener) SendText(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if err := l.ch.Send(ctx, protocol.Text(text)); err != nil {
		return fmt.Errorf("session: send text: %w", err)
	}
	return nil
}

// HandleControl processes one recognizer message.
func (l *Listener) HandleControl(msg protocol.Message) {
	switch msg.Type {
	case protocol.KindHandshake:
		l.log.Info("recognizer handshake", "payload", string(msg.Payload))
	case protocol.KindPartial:
		l.status.Partial(msg.Text)
	case protocol.KindFinal:
		l.status.Partial("")
		l.status.Transcript(types.TranscriptEntry{
			Speaker:   types.SpeakerUser,
			Text:      msg.Text,
			Final:     true,
			Timestamp: time.Now(),
		})
	case protocol.KindError:
		reason := msg.Message
		if reason == "" {
			reason = "recognition failed"
		}
		l.log.Warn("recognizer reported error", "message", reason)
		l.setMic(MicError, reason)
		l.rec.Stop()
	case protocol.KindStopped:
		l.log.Info("recognizer confirmed stop")
		l.rec.Stop()
		l.mu.Lock()
		if l.mic != MicError {
			l.setMicLocked(MicIdle, "")
		}
		l.mu.Unlock()
	default:
		l.log.Debug("ignoring recognizer message", "type", msg.Type)
	}
}

// HandleGiveUp reports that the recognizer channel exhausted its reconnect
// budget.
func (l *Listener) HandleGiveUp(err error) {
	l.setMic(MicError, fmt.Sprintf("recognizer unavailable: %v", err))
	l.rec.Stop()
}

func (l *Listener) setMic(status MicStatus, msg string) {
	l.mu.Lock()
	l.setMicLocked(status, msg)
	l.mu.Unlock()
}

// setMicLocked must be called with l.mu held.
func (l *Listener) setMicLocked(status MicStatus, msg string) {
	if l.mic == status && msg == "" {
		return
	}
	l.mic = status
	l.status.MicStatus(status, msg)
}

func micErrorMessage(err error) string {
	switch {
	case errors.Is(err, audio.ErrPermissionDenied):
		return "microphone permission denied"
	case errors.Is(err, audio.ErrNoDevice):
		return "no microphone found"
	default:
		return "cannot access microphone"
	}
}
