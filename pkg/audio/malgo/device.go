// Package malgo implements [audio.CaptureDevice] with miniaudio through
// gen2brain/malgo.
package malgo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	ma "github.com/gen2brain/malgo"

	"github.com/MrWong99/parley/pkg/audio"
)

// DefaultPeriod is the device callback period in milliseconds.
const DefaultPeriod = 20

// Option configures a [Device].
type Option func(*Device)

// WithSampleRate requests a capture rate. Zero (the default) uses the
// device's native rate.
func WithSampleRate(hz int) Option { return func(d *Device) { d.rate = hz } }

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option { return func(d *Device) { d.log = l } }

// Device is the default system microphone. The miniaudio context is created
// on the first Open and shared by every stream until Close.
type Device struct {
	rate int
	log  *slog.Logger

	mu   sync.Mutex
	mctx *ma.AllocatedContext
}

// New returns a capture device. No hardware is touched until Open.
func New(opts ...Option) *Device {
	d := &Device{log: slog.Default()}
	for _, o := range opts {
		o(d)
	}
	d.log = d.log.With("component", "microphone")
	return d
}

func (d *Device) context() (*ma.AllocatedContext, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.mctx != nil {
		return d.mctx, nil
	}
	mctx, err := ma.InitContext(nil, ma.ContextConfig{}, func(msg string) {
		d.log.Debug("miniaudio", "message", strings.TrimSpace(msg))
	})
	if err != nil {
		return nil, fmt.Errorf("malgo: init context: %w", classify(err))
	}
	d.mctx = mctx
	return mctx, nil
}

// Open implements [audio.CaptureDevice].
func (d *Device) Open(ctx context.Context, onSamples func([]float32)) (audio.CaptureStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	mctx, err := d.context()
	if err != nil {
		return nil, err
	}
	infos, err := mctx.Devices(ma.Capture)
	if err != nil {
		return nil, fmt.Errorf("malgo: enumerate devices: %w", classify(err))
	}
	if len(infos) == 0 {
		return nil, fmt.Errorf("malgo: %w", audio.ErrNoDevice)
	}

	cfg := ma.DefaultDeviceConfig(ma.Capture)
	cfg.Capture.Format = ma.FormatS16
	cfg.Capture.Channels = 1
	cfg.SampleRate = uint32(d.rate)
	cfg.PeriodSizeInMilliseconds = DefaultPeriod

	st := &stream{done: make(chan struct{})}
	callbacks := ma.DeviceCallbacks{
		Data: func(_, in []byte, _ uint32) {
			if len(in) > 0 {
				onSamples(audio.DecodePCM16(in))
			}
		},
		Stop: st.lost,
	}
	dev, err := ma.InitDevice(mctx.Context, cfg, callbacks)
	if err != nil {
		return nil, fmt.Errorf("malgo: init device: %w", classify(err))
	}
	st.dev = dev
	st.rate = int(dev.SampleRate())
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return nil, fmt.Errorf("malgo: start device: %w", classify(err))
	}
	d.log.Info("microphone open", "sample_rate", st.rate, "devices", len(infos))
	return st, nil
}

// Close releases the miniaudio context. Streams must be closed first.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.mctx == nil {
		return nil
	}
	err := d.mctx.Uninit()
	d.mctx.Free()
	d.mctx = nil
	return err
}

type stream struct {
	dev  *ma.Device
	rate int

	done      chan struct{}
	closeOnce sync.Once
	doneOnce  sync.Once
	closing   bool
	mu        sync.Mutex
}

func (s *stream) SampleRate() int { return s.rate }

func (s *stream) Done() <-chan struct{} { return s.done }

// lost runs when miniaudio stopped the device. A stop caused by Close is
// not a loss.
func (s *stream) lost() {
	s.mu.Lock()
	closing := s.closing
	s.mu.Unlock()
	if !closing {
		s.doneOnce.Do(func() { close(s.done) })
	}
}

func (s *stream) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closing = true
		s.mu.Unlock()
		s.dev.Uninit()
	})
	return nil
}

// classify maps backend failures onto the audio package sentinels. miniaudio
// only exposes result strings.
func classify(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "access denied"), strings.Contains(msg, "permission"):
		return errors.Join(audio.ErrPermissionDenied, err)
	case strings.Contains(msg, "no device"), strings.Contains(msg, "device not found"), strings.Contains(msg, "does not exist"):
		return errors.Join(audio.ErrNoDevice, err)
	default:
		return err
	}
}
