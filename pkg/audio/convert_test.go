package audio_test

import (
	"encoding/binary"
	"testing"

	"github.com/MrWong99/parley/pkg/audio"
)

// samplesToBytes converts int16 samples to little-endian bytes.
func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// bytesToSamples converts little-endian bytes to int16 samples.
func bytesToSamples(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}

func equalSamples(t *testing.T, got, want []int16) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestMonoToStereo(t *testing.T) {
	got := bytesToSamples(audio.MonoToStereo(samplesToBytes([]int16{100, 200, 300})))
	equalSamples(t, got, []int16{100, 100, 200, 200, 300, 300})
}

func TestMonoToStereo_OddLengthInput(t *testing.T) {
	pcm := []byte{0x64, 0x00, 0xC8, 0x00, 0xFF}
	stereo := audio.MonoToStereo(pcm)
	if len(stereo) != 8 {
		t.Fatalf("expected 8 bytes for 2 complete mono samples, got %d", len(stereo))
	}
	equalSamples(t, bytesToSamples(stereo), []int16{100, 100, 200, 200})
}

func TestStereoToMono(t *testing.T) {
	got := bytesToSamples(audio.StereoToMono(samplesToBytes([]int16{100, 200, -100, -200, 32767, 32767})))
	equalSamples(t, got, []int16{150, -150, 32767})
}

func TestResample16(t *testing.T) {
	tests := []struct {
		name     string
		in       []int16
		channels int
		src, dst int
		wantLen  int
	}{
		{name: "same rate", in: []int16{1, 2, 3}, channels: 1, src: 48000, dst: 48000, wantLen: 3},
		{name: "mono upsample", in: []int16{1000, 2000}, channels: 1, src: 16000, dst: 48000, wantLen: 6},
		{name: "mono downsample", in: []int16{1, 2, 3, 4, 5, 6}, channels: 1, src: 48000, dst: 16000, wantLen: 2},
		{name: "stereo upsample", in: []int16{100, 200, 300, 400}, channels: 2, src: 16000, dst: 48000, wantLen: 12},
		{name: "zero source rate", in: []int16{1, 2}, channels: 1, src: 0, dst: 48000, wantLen: 2},
		{name: "zero target rate", in: []int16{1, 2}, channels: 1, src: 48000, dst: 0, wantLen: 2},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			out := bytesToSamples(audio.Resample16(samplesToBytes(tc.in), tc.channels, tc.src, tc.dst))
			if len(out) != tc.wantLen {
				t.Fatalf("got %d samples, want %d", len(out), tc.wantLen)
			}
		})
	}
}

func TestResample16_PreservesEndpoints(t *testing.T) {
	out := bytesToSamples(audio.Resample16(samplesToBytes([]int16{1000, 2000}), 1, 16000, 48000))
	if out[0] != 1000 {
		t.Errorf("first sample: got %d, want 1000", out[0])
	}
	if last := out[len(out)-1]; last < 1800 || last > 2200 {
		t.Errorf("last sample: got %d, want close to 2000", last)
	}
}

func TestFormatConverter_NoOp(t *testing.T) {
	conv := audio.FormatConverter{Target: audio.Format{SampleRate: 48000, Channels: 2}}
	frame := audio.AudioFrame{Data: samplesToBytes([]int16{100, 200}), SampleRate: 48000, Channels: 2}
	result := conv.Convert(frame)
	if &result.Data[0] != &frame.Data[0] {
		t.Error("expected same slice for matching format")
	}
}

func TestFormatConverter_MonoToStereo(t *testing.T) {
	conv := audio.FormatConverter{Target: audio.Format{SampleRate: 48000, Channels: 2}}
	result := conv.Convert(audio.AudioFrame{Data: samplesToBytes([]int16{100, 200, 300}), SampleRate: 48000, Channels: 1})
	equalSamples(t, bytesToSamples(result.Data), []int16{100, 100, 200, 200, 300, 300})
	if result.SampleRate != 48000 || result.Channels != 2 {
		t.Errorf("unexpected format: %dHz %dch", result.SampleRate, result.Channels)
	}
}

func TestFormatConverter_FullConversion(t *testing.T) {
	conv := audio.FormatConverter{Target: audio.Format{SampleRate: 48000, Channels: 2}}
	result := conv.Convert(audio.AudioFrame{Data: samplesToBytes([]int16{1000, 2000}), SampleRate: 24000, Channels: 1})
	if result.SampleRate != 48000 || result.Channels != 2 {
		t.Fatalf("unexpected format: %dHz %dch", result.SampleRate, result.Channels)
	}
	if got := len(bytesToSamples(result.Data)); got != 8 {
		t.Errorf("expected 8 stereo samples, got %d", got)
	}
}

func TestFormatConverter_OddByteCount(t *testing.T) {
	conv := audio.FormatConverter{Target: audio.Format{SampleRate: 16000, Channels: 1}}
	result := conv.Convert(audio.AudioFrame{Data: []byte{1, 2, 3}, SampleRate: 16000, Channels: 1})
	if len(result.Data) != 2 {
		t.Errorf("expected trailing byte to be dropped, got %d bytes", len(result.Data))
	}
}

func TestFormatString(t *testing.T) {
	tests := map[audio.Format]string{
		{SampleRate: 48000, Channels: 2}: "48000Hz stereo",
		{SampleRate: 16000, Channels: 1}: "16000Hz mono",
		{SampleRate: 44100, Channels: 6}: "44100Hz 6ch",
	}
	for f, want := range tests {
		if got := f.String(); got != want {
			t.Errorf("Format%+v.String() = %q, want %q", f, got, want)
		}
	}
}
