package audio

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// OverflowPolicy decides which samples survive once the ring is full.
type OverflowPolicy int

const (
	// KeepFirst stops accepting samples at the cap, so the earliest audio
	// is transcribed.
	KeepFirst OverflowPolicy = iota
	// KeepLatest overwrites the oldest samples, so the most recent window
	// is transcribed.
	KeepLatest
)

func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch s {
	case "keep-first":
		return KeepFirst, nil
	case "keep-latest":
		return KeepLatest, nil
	default:
		return KeepFirst, fmt.Errorf("unknown overflow policy %q", s)
	}
}

// Ring is a fixed-capacity mono sample buffer with one producer (the
// hardware callback) and one consumer (the session worker). The producer
// never blocks and never allocates: contested writes are dropped and
// counted rather than waited on. Reaching capacity latches the hard-limit
// flag exactly once and signals HardLimitC so the session can auto-stop;
// samples are never discarded without that latch.
type Ring struct {
	mu     sync.Mutex
	buf    []float32
	start  int
	length int
	policy OverflowPolicy

	written   atomic.Int64
	dropped   atomic.Int64
	contended atomic.Int64
	hardLimit atomic.Bool
	limitC    chan struct{}
}

func NewRing(capacity int, policy OverflowPolicy) *Ring {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring{
		buf:    make([]float32, capacity),
		policy: policy,
		limitC: make(chan struct{}, 1),
	}
}

// Write appends mono samples from the callback path. It uses a try-lock so
// the audio thread is never parked; a contested write is dropped whole.
func (r *Ring) Write(samples []float32) {
	if len(samples) == 0 {
		return
	}
	r.written.Add(int64(len(samples)))
	if !r.mu.TryLock() {
		r.contended.Add(int64(len(samples)))
		return
	}
	defer r.mu.Unlock()

	capLen := len(r.buf)
	switch r.policy {
	case KeepFirst:
		space := capLen - r.length
		n := len(samples)
		if n > space {
			n = space
		}
		for i := 0; i < n; i++ {
			r.buf[(r.start+r.length+i)%capLen] = samples[i]
		}
		r.length += n
		if over := len(samples) - n; over > 0 {
			r.dropped.Add(int64(over))
		}
	case KeepLatest:
		in := samples
		if len(in) > capLen {
			r.dropped.Add(int64(len(in) - capLen))
			in = in[len(in)-capLen:]
		}
		for _, s := range in {
			if r.length < capLen {
				r.buf[(r.start+r.length)%capLen] = s
				r.length++
				continue
			}
			r.buf[r.start] = s
			r.start = (r.start + 1) % capLen
			r.dropped.Add(1)
		}
	}

	if r.length == capLen {
		r.latchHardLimit()
	}
}

func (r *Ring) latchHardLimit() {
	if r.hardLimit.CompareAndSwap(false, true) {
		select {
		case r.limitC <- struct{}{}:
		default:
		}
	}
}

// Snapshot copies the buffered samples out in oldest-first order.
func (r *Ring) Snapshot() []float32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]float32, r.length)
	capLen := len(r.buf)
	for i := 0; i < r.length; i++ {
		out[i] = r.buf[(r.start+i)%capLen]
	}
	return out
}

func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.length
}

func (r *Ring) Capacity() int { return len(r.buf) }

// HardLimit reports whether the cap was reached at any point.
func (r *Ring) HardLimit() bool { return r.hardLimit.Load() }

// HardLimitC delivers one signal the first time the cap is reached.
func (r *Ring) HardLimitC() <-chan struct{} { return r.limitC }

// TotalWritten is the number of samples offered by the producer, including
// any that were dropped.
func (r *Ring) TotalWritten() int64 { return r.written.Load() }

// Dropped is the number of samples discarded by the overflow policy.
func (r *Ring) Dropped() int64 { return r.dropped.Load() }

// Contended is the number of samples lost to producer/consumer lock
// contention. The consumer only takes the lock after capture has stopped,
// so this stays zero in normal operation.
func (r *Ring) Contended() int64 { return r.contended.Load() }
