package audio

import "encoding/binary"

// EncodePCM16 converts float samples to little-endian signed 16-bit PCM.
// Samples are clamped to [-1, 1]; negative values scale by 32768 and
// non-negative values by 32767 so both extremes are representable.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		s = max(-1, min(1, s))
		var v int16
		if s < 0 {
			v = int16(s * 0x8000)
		} else {
			v = int16(s * 0x7fff)
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

// DecodePCM16 is the inverse of [EncodePCM16]. A trailing odd byte is ignored.
func DecodePCM16(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		v := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		if v < 0 {
			out[i] = float32(v) / 0x8000
		} else {
			out[i] = float32(v) / 0x7fff
		}
	}
	return out
}

// Decimate converts mono samples from srcRate to dstRate by block averaging:
// every output sample is the mean of the input window it covers. It is a cheap
// anti-alias-lite reduction, not a polyphase filter, and is meant for
// downsampling microphone audio for speech recognition. Equal rates return the
// input unchanged.
func Decimate(in []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(in) == 0 {
		return in
	}
	ratio := float64(srcRate) / float64(dstRate)
	n := int(float64(len(in))/ratio + 0.5)
	out := make([]float32, 0, n)
	idx := 0
	for pos := 0; pos < n; pos++ {
		next := int(float64(pos+1)*ratio + 0.5)
		var sum float32
		count := 0
		for i := idx; i < next && i < len(in); i++ {
			sum += in[i]
			count++
		}
		if count == 0 {
			// Upsampling or a truncated tail: repeat the nearest input sample.
			out = append(out, in[min(idx, len(in)-1)])
		} else {
			out = append(out, sum/float32(count))
		}
		idx = next
	}
	return out
}
