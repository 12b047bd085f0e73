package audio

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/scribelabs/scribe-core/internal/protocol"
)

// SyntheticBackend generates deterministic frames without hardware. It
// backs tests and headless deployments where no capture device exists.
// FrameDuration controls how much audio each tick produces, so tests can
// run faster than real time, and DropDelivery simulates device loss.
type SyntheticBackend struct {
	Rate          int
	Channels      int
	TickInterval  time.Duration
	FrameDuration time.Duration

	mu       sync.Mutex
	signal   func(t float64) float32
	failOpen error
	streams  []*syntheticStream
}

func NewSyntheticBackend(rate, channels int) *SyntheticBackend {
	if rate <= 0 {
		rate = 48000
	}
	if channels <= 0 {
		channels = 1
	}
	return &SyntheticBackend{
		Rate:          rate,
		Channels:      channels,
		TickInterval:  10 * time.Millisecond,
		FrameDuration: 10 * time.Millisecond,
		signal: func(t float64) float32 {
			return float32(0.3 * math.Sin(2*math.Pi*220*t))
		},
	}
}

func (b *SyntheticBackend) Name() string { return "synthetic" }

func (b *SyntheticBackend) Close() error { return nil }

// SetSignal replaces the generator. t is seconds since stream start.
func (b *SyntheticBackend) SetSignal(fn func(t float64) float32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.signal = fn
}

// FailNextOpen makes the next Open return err, for device-unavailable tests.
func (b *SyntheticBackend) FailNextOpen(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failOpen = err
}

// DropDelivery halts frame production on all live streams without closing
// them, mimicking a device that disappeared mid-recording.
func (b *SyntheticBackend) DropDelivery() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.streams {
		s.drop()
	}
}

func (b *SyntheticBackend) Open(device string, requestedRate int, push func(Frame)) (Stream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failOpen != nil {
		err := b.failOpen
		b.failOpen = nil
		return nil, fmt.Errorf("open synthetic device: %w", err)
	}

	rate := requestedRate
	if rate <= 0 {
		rate = b.Rate
	}
	s := &syntheticStream{
		backend:  b,
		rate:     rate,
		channels: b.Channels,
		push:     push,
		signal:   b.signal,
		stop:     make(chan struct{}),
		dropped:  make(chan struct{}),
	}
	b.streams = append(b.streams, s)
	return s, nil
}

func (b *SyntheticBackend) InputStatus() protocol.AudioInputStatus {
	return protocol.AudioInputStatus{
		AvailableInputs:   []string{"synthetic"},
		DefaultInput:      "synthetic",
		DefaultSampleRate: float64(b.Rate),
		OK:                true,
	}
}

type syntheticStream struct {
	backend  *SyntheticBackend
	rate     int
	channels int
	push     func(Frame)
	signal   func(t float64) float32

	stop     chan struct{}
	dropped  chan struct{}
	stopOnce sync.Once
	dropOnce sync.Once
}

func (s *syntheticStream) SampleRate() int { return s.rate }

func (s *syntheticStream) Start() error {
	go s.run()
	return nil
}

func (s *syntheticStream) run() {
	frameSamples := int(float64(s.rate) * s.backend.FrameDuration.Seconds())
	if frameSamples < 1 {
		frameSamples = 1
	}
	buf := make([]float32, frameSamples*s.channels)
	ticker := time.NewTicker(s.backend.TickInterval)
	defer ticker.Stop()

	generated := 0
	for {
		select {
		case <-s.stop:
			return
		case <-s.dropped:
			return
		case now := <-ticker.C:
			for i := 0; i < frameSamples; i++ {
				v := s.signal(float64(generated+i) / float64(s.rate))
				for c := 0; c < s.channels; c++ {
					buf[i*s.channels+c] = v
				}
			}
			generated += frameSamples
			s.push(Frame{Samples: buf, Channels: s.channels, SampleRate: s.rate, Timestamp: now})
		}
	}
}

func (s *syntheticStream) drop() {
	s.dropOnce.Do(func() { close(s.dropped) })
}

func (s *syntheticStream) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	return nil
}
