// Package audio defines the audio types and device abstractions shared by the
// parley client.
//
// The three device-facing abstractions are:
//
//   - [CaptureDevice]: acquires a microphone and delivers native-rate samples.
//   - [Sink]: the speaker. It plays either an incrementally appended stream
//     (through a [DecodeBuffer]) or a whole payload attached at once.
//   - [Resource]: a transient playable handle created by the sink that must be
//     released exactly once.
//
// Backends live in sub-packages (audio/malgo for capture, audio/oto for
// playback) and test doubles in audio/mock.
package audio

import (
	"context"
	"errors"
)

var (
	// ErrPermissionDenied is returned by [CaptureDevice.Open] when the platform
	// refuses microphone access.
	ErrPermissionDenied = errors.New("audio: microphone permission denied")

	// ErrNoDevice is returned by [CaptureDevice.Open] when no capture device exists.
	ErrNoDevice = errors.New("audio: no capture device")

	// ErrPlaybackBlocked is returned by [Sink.Play] when an interaction policy
	// refuses to start sound until the user has interacted with the client.
	ErrPlaybackBlocked = errors.New("audio: playback blocked until user gesture")

	// ErrUnsupportedMIME is returned when a sink cannot decode the given MIME type.
	ErrUnsupportedMIME = errors.New("audio: unsupported mime type")

	// ErrBufferClosed is returned by [DecodeBuffer.Append] after End or Abort.
	ErrBufferClosed = errors.New("audio: decode buffer closed")
)

// CaptureDevice acquires a microphone.
//
// Implementations must be safe for concurrent use.
type CaptureDevice interface {
	// Open acquires the device and starts delivering mono float32 samples in
	// [-1, 1] at the device's native rate to onSamples. onSamples is invoked on
	// an internal goroutine and must not block. The samples slice is only valid
	// for the duration of the call.
	//
	// Open may block while the platform asks for permission; ctx cancels the
	// wait. Errors wrap [ErrPermissionDenied] or [ErrNoDevice] where applicable.
	Open(ctx context.Context, onSamples func(samples []float32)) (CaptureStream, error)
}

// CaptureStream is an open microphone returned by [CaptureDevice.Open].
type CaptureStream interface {
	// SampleRate is the native rate of the delivered samples.
	SampleRate() int

	// Done is closed when the device stops on its own (unplugged, track ended).
	Done() <-chan struct{}

	// Close stops delivery and releases the device. Safe to call more than once.
	Close() error
}

// Resource is a transient playable handle (the in-memory payload or stream the
// sink is bound to). Release must be called exactly once.
type Resource interface {
	Release()
}

// DecodeBuffer accepts appended encoded segments and exposes them to the sink as
// one continuous stream.
type DecodeBuffer interface {
	// Append hands chunk to the decoder. It returns once the chunk has settled;
	// a non-nil error means the decoder rejected the data.
	Append(ctx context.Context, chunk []byte) error

	// End signals end of stream once every appended chunk has settled.
	End(ctx context.Context) error

	// Abort discards pending data and fails any in-flight Append.
	Abort()
}

// Sink is the speaker abstraction. A Sink is bound to at most one payload or
// stream at a time and is exclusively owned by one playback engine.
type Sink interface {
	// CanStream reports whether the sink can decode mime incrementally.
	CanStream(mime string) bool

	// OpenStream binds a new append-capable decode buffer to the sink.
	OpenStream(mime string) (DecodeBuffer, Resource, error)

	// Attach binds a complete encoded payload to the sink.
	Attach(mime string, payload []byte) (Resource, error)

	// Play starts rendering whatever is bound. It returns once sound has started
	// (or failed to). done is closed when rendering finishes or Stop is called.
	Play(ctx context.Context) (done <-chan struct{}, err error)

	// Stop silences the sink. Safe to call when nothing is playing.
	Stop()

	// Close releases the output device. The sink is unusable afterwards.
	Close() error
}
