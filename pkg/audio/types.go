package audio

import "time"

// AudioFrame is one slice of raw or encoded audio moving through the client.
// Frames are delivered and rendered in arrival order. Once a frame is handed to
// a consumer the producer must not modify Data again.
type AudioFrame struct {
	// Data holds the audio bytes. For captured audio this is little-endian
	// int16 PCM; for inbound speech it is whatever the negotiated MIME type says.
	Data []byte

	// SampleRate in Hz (e.g. 16000 for recognizer input). Zero for encoded frames.
	SampleRate int

	// Channels is 1 for mono capture. Zero for encoded frames.
	Channels int

	// Timestamp marks when the frame was produced, relative to stream start.
	Timestamp time.Duration
}

// Duration reports how much audio a PCM16 frame holds. Encoded frames
// (SampleRate or Channels unset) report zero.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	samples := len(f.Data) / (2 * f.Channels)
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}
