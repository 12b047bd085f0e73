package audio

import "time"

// ModelRate is the sample rate every speech model in the catalog expects.
const ModelRate = 16000

// Frame is one hardware callback's worth of interleaved device samples.
// The capture backend produces frames; the controller downmixes them to
// mono and hands the samples to the ring buffer, after which the frame
// memory may be reused by the backend.
type Frame struct {
	Samples    []float32
	Channels   int
	SampleRate int
	Timestamp  time.Time
}

// DownmixInto averages interleaved channels into mono, writing at most
// len(dst) samples. It never allocates; the return value is the number of
// mono samples produced.
func DownmixInto(dst []float32, src []float32, channels int) int {
	if channels <= 1 {
		n := copy(dst, src)
		return n
	}
	frames := len(src) / channels
	if frames > len(dst) {
		frames = len(dst)
	}
	inv := 1.0 / float32(channels)
	for i := 0; i < frames; i++ {
		var sum float32
		base := i * channels
		for c := 0; c < channels; c++ {
			sum += src[base+c]
		}
		dst[i] = sum * inv
	}
	return frames
}
