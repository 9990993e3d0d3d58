package oto

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"strconv"
	"strings"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/hajimehoshi/go-mp3"

	"github.com/MrWong99/parley/pkg/audio"
)

// Raw PCM defaults when the MIME type carries no rate or channels parameter.
const (
	defaultPCMRate     = 24000
	defaultPCMChannels = 1
)

type codec int

const (
	codecUnknown codec = iota
	codecMPEG
	codecPCM
	codecWAV
)

// format describes a parsed MIME type.
type format struct {
	codec codec
	// rate and channels are only set for raw PCM.
	rate     int
	channels int
}

func parseMIME(m string) format {
	typ, params, err := mime.ParseMediaType(m)
	if err != nil {
		return format{}
	}
	switch typ {
	case "audio/mpeg", "audio/mp3", "audio/mpeg3":
		return format{codec: codecMPEG}
	case "audio/pcm", "audio/l16", "audio/x-pcm":
		f := format{codec: codecPCM, rate: defaultPCMRate, channels: defaultPCMChannels}
		if v, err := strconv.Atoi(params["rate"]); err == nil && v > 0 {
			f.rate = v
		}
		if v, err := strconv.Atoi(params["channels"]); err == nil && v > 0 && v <= 2 {
			f.channels = v
		}
		return f
	case "audio/wav", "audio/wave", "audio/x-wav", "audio/vnd.wave":
		return format{codec: codecWAV}
	default:
		return format{}
	}
}

// streamable reports whether the codec can be decoded incrementally.
func (f format) streamable() bool { return f.codec == codecMPEG || f.codec == codecPCM }

// decodeStream decodes r until EOF and writes PCM16 in the target format
// to w.
func decodeStream(f format, r io.Reader, w io.Writer, target audio.Format) error {
	conv := &audio.FormatConverter{Target: target}
	switch f.codec {
	case codecMPEG:
		return decodeMP3(r, w, conv)
	case codecPCM:
		return copyPCM(r, w, conv, f.rate, f.channels)
	default:
		return audio.ErrUnsupportedMIME
	}
}

func decodeMP3(r io.Reader, w io.Writer, conv *audio.FormatConverter) error {
	d, err := mp3.NewDecoder(r)
	if err != nil {
		return fmt.Errorf("oto: mpeg: %w", err)
	}
	// go-mp3 always produces 16-bit stereo.
	return pump(d, w, conv, d.SampleRate(), 2)
}

func copyPCM(r io.Reader, w io.Writer, conv *audio.FormatConverter, rate, channels int) error {
	return pump(r, w, conv, rate, channels)
}

// pump reads whole PCM16 frames from r, converts them and writes them to w.
// A partial frame at a read boundary is carried over to the next read.
func pump(r io.Reader, w io.Writer, conv *audio.FormatConverter, rate, channels int) error {
	frameBytes := 2 * channels
	buf := make([]byte, 4096)
	var carry []byte
	for {
		n, err := r.Read(buf)
		if n > 0 {
			data := append(carry, buf[:n]...)
			whole := len(data) - len(data)%frameBytes
			carry = append([]byte(nil), data[whole:]...)
			if whole > 0 {
				out := conv.Convert(audio.AudioFrame{
					Data:       append([]byte(nil), data[:whole]...),
					SampleRate: rate,
					Channels:   channels,
				})
				if _, werr := w.Write(out.Data); werr != nil {
					return werr
				}
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("oto: decode: %w", err)
		}
	}
}

// decodeAll decodes a complete payload into PCM16 in the target format.
func decodeAll(f format, payload []byte, target audio.Format) ([]byte, error) {
	if f.codec == codecWAV {
		return decodeWAV(payload, target)
	}
	var out bytes.Buffer
	if err := decodeStream(f, bytes.NewReader(payload), &out, target); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func decodeWAV(payload []byte, target audio.Format) ([]byte, error) {
	d := wav.NewDecoder(bytes.NewReader(payload))
	if !d.IsValidFile() {
		return nil, errors.New("oto: wav: invalid file")
	}
	buf, err := d.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("oto: wav: %w", err)
	}
	if buf.Format == nil || buf.Format.NumChannels <= 0 || buf.Format.NumChannels > 2 {
		return nil, fmt.Errorf("oto: wav: unsupported channel layout")
	}
	pcm, err := intsToPCM16(buf)
	if err != nil {
		return nil, err
	}
	conv := &audio.FormatConverter{Target: target}
	frame := conv.Convert(audio.AudioFrame{
		Data:       pcm,
		SampleRate: buf.Format.SampleRate,
		Channels:   buf.Format.NumChannels,
	})
	return frame.Data, nil
}

// intsToPCM16 narrows or widens decoded WAV samples to little-endian int16.
func intsToPCM16(buf *goaudio.IntBuffer) ([]byte, error) {
	var shift func(int) int16
	switch buf.SourceBitDepth {
	case 8:
		// 8-bit WAV is unsigned.
		shift = func(v int) int16 { return int16((v - 128) << 8) }
	case 16:
		shift = func(v int) int16 { return int16(v) }
	case 24:
		shift = func(v int) int16 { return int16(v >> 8) }
	case 32:
		shift = func(v int) int16 { return int16(v >> 16) }
	default:
		return nil, fmt.Errorf("oto: wav: unsupported bit depth %d", buf.SourceBitDepth)
	}
	out := make([]byte, 2*len(buf.Data))
	for i, v := range buf.Data {
		s := shift(v)
		out[2*i] = byte(s)
		out[2*i+1] = byte(s >> 8)
	}
	return out, nil
}

// mimeLabel trims parameters for logs and metrics.
func mimeLabel(m string) string {
	if i := strings.IndexByte(m, ';'); i >= 0 {
		return strings.TrimSpace(m[:i])
	}
	return m
}
