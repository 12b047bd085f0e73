package audio

import "fmt"

// Resampler converts mono samples from the device rate to ModelRate using
// linear interpolation. It is a streaming converter: the fractional source
// position and the previous edge sample carry across Process calls, so
// feeding a capture in chunks yields the same samples as feeding it whole.
// The carried state belongs to one session; Reset before reuse.
//
// The arithmetic is plain scalar float64, so identical input and source
// rate always produce byte-identical output.
type Resampler struct {
	srcRate int
	ratio   float64

	idx    int     // whole part of the next output's source position
	frac   float64 // fractional part, in [0, 1)
	last   float32
	primed bool
}

func NewResampler(srcRate int) (*Resampler, error) {
	if srcRate <= 0 {
		return nil, fmt.Errorf("invalid source sample rate %d", srcRate)
	}
	return &Resampler{
		srcRate: srcRate,
		ratio:   float64(srcRate) / float64(ModelRate),
	}, nil
}

// Process converts one chunk. Interpolation across the chunk boundary is
// deferred until the neighboring sample arrives; call Flush at end of
// stream to drain the pending tail.
func (r *Resampler) Process(chunk []float32) []float32 {
	if len(chunk) == 0 {
		return nil
	}

	src := chunk
	if r.primed {
		src = make([]float32, 0, len(chunk)+1)
		src = append(src, r.last)
		src = append(src, chunk...)
	}

	out := make([]float32, 0, int(float64(len(chunk))/r.ratio)+2)
	lastIdx := len(src) - 1
	for r.idx < lastIdx || (r.idx == lastIdx && r.frac == 0) {
		a := float64(src[r.idx])
		b := a
		if r.idx < lastIdx {
			b = float64(src[r.idx+1])
		}
		out = append(out, float32(a+(b-a)*r.frac))
		r.advance()
	}

	r.idx -= lastIdx
	r.last = src[lastIdx]
	r.primed = true
	return out
}

// Flush emits any output positions still pending between the final sample
// and the never-arriving next one, clamping to the final sample. It ends
// the stream; the resampler must be Reset before further use.
func (r *Resampler) Flush() []float32 {
	if !r.primed {
		return nil
	}
	var out []float32
	for r.idx == 0 && r.frac > 0 {
		out = append(out, r.last)
		r.advance()
	}
	return out
}

func (r *Resampler) advance() {
	r.frac += r.ratio
	n := int(r.frac)
	r.idx += n
	r.frac -= float64(n)
}

// Reset discards carried history so the resampler can serve a new session.
func (r *Resampler) Reset() {
	r.idx = 0
	r.frac = 0
	r.last = 0
	r.primed = false
}

// SourceRate reports the configured device rate.
func (r *Resampler) SourceRate() int { return r.srcRate }
