package audio

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/scribelabs/scribe-core/internal/config"
	"github.com/scribelabs/scribe-core/internal/protocol"
)

// ErrDeviceLost reports that the input device stopped delivering frames
// mid-recording (unplugged, claimed by another process, permission pulled).
var ErrDeviceLost = errors.New("audio input device lost")

// Backend is an audio input driver. Frames must not flow until Stream.Start
// is called, so the caller can size buffers from the resolved sample rate.
type Backend interface {
	Name() string
	// Open prepares a capture stream on the named device ("default" picks
	// the system default). requestedRate of 0 lets the backend choose. Every
	// hardware callback invokes push with one frame; push must return fast
	// and must not retain the frame's sample slice.
	Open(device string, requestedRate int, push func(Frame)) (Stream, error)
	// InputStatus enumerates capture devices for status queries.
	InputStatus() protocol.AudioInputStatus
	// Close releases the driver. No streams may be open.
	Close() error
}

type Stream interface {
	SampleRate() int
	Start() error
	Close() error
}

// The watchdog bounds how late a device loss is noticed. Vars so tests
// can tighten them.
var (
	watchdogTick    = 500 * time.Millisecond
	watchdogTimeout = 2 * time.Second
)

// Controller opens and closes capture sessions against one backend.
type Controller struct {
	backend Backend
	cfg     config.AudioConfig
	policy  OverflowPolicy
	logger  *slog.Logger
}

func NewController(cfg config.AudioConfig, backend Backend, logger *slog.Logger) (*Controller, error) {
	policy, err := ParseOverflowPolicy(cfg.OverflowPolicy)
	if err != nil {
		return nil, fmt.Errorf("audio overflow policy: %w", err)
	}
	return &Controller{
		backend: backend,
		cfg:     cfg,
		policy:  policy,
		logger:  logger.With(slog.String("component", "audio.capture")),
	}, nil
}

// InputStatus reports device availability for status queries.
func (c *Controller) InputStatus() protocol.AudioInputStatus {
	return c.backend.InputStatus()
}

// Start opens the device and begins feeding the ring buffer. The returned
// Capture is live until Stop or Abort.
func (c *Controller) Start() (*Capture, error) {
	capture := &Capture{
		policy:    c.policy,
		logger:    c.logger,
		lostC:     make(chan error, 1),
		stopWatch: make(chan struct{}),
		scratch:   make([]float32, 8192),
	}

	stream, err := c.backend.Open(c.cfg.Device, c.cfg.SampleRate, capture.push)
	if err != nil {
		return nil, fmt.Errorf("open input device: %w", err)
	}

	rate := stream.SampleRate()
	if rate <= 0 {
		stream.Close()
		return nil, fmt.Errorf("backend %s reported invalid sample rate %d", c.backend.Name(), rate)
	}

	capture.stream = stream
	capture.rate = rate
	capture.ring = NewRing(rate*c.cfg.CaptureSeconds, c.policy)
	capture.startedAt = time.Now()
	capture.lastFrame.Store(time.Now().UnixNano())

	if err := stream.Start(); err != nil {
		stream.Close()
		return nil, fmt.Errorf("start input stream: %w", err)
	}
	go capture.watchdog()

	c.logger.Info("capture started",
		slog.String("backend", c.backend.Name()),
		slog.Int("sample_rate", rate),
		slog.Int("capacity_seconds", c.cfg.CaptureSeconds))
	return capture, nil
}

// Capture is one live recording: the device stream plus the ring buffer it
// feeds. It belongs to exactly one session.
type Capture struct {
	stream    Stream
	ring      *Ring
	policy    OverflowPolicy
	logger    *slog.Logger
	rate      int
	scratch   []float32
	startedAt time.Time

	lastFrame atomic.Int64
	closed    atomic.Bool
	lostC     chan error
	stopWatch chan struct{}
}

// push runs on the hardware callback path: downmix into the scratch buffer
// and hand samples to the ring. No allocation, no blocking.
func (c *Capture) push(f Frame) {
	if c.closed.Load() {
		return
	}
	c.lastFrame.Store(time.Now().UnixNano())

	src := f.Samples
	step := len(c.scratch)
	if f.Channels > 1 {
		step = len(c.scratch) * f.Channels
	}
	for off := 0; off < len(src); off += step {
		end := off + step
		if end > len(src) {
			end = len(src)
		}
		n := DownmixInto(c.scratch, src[off:end], f.Channels)
		c.ring.Write(c.scratch[:n])
	}
}

func (c *Capture) watchdog() {
	ticker := time.NewTicker(watchdogTick)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopWatch:
			return
		case <-ticker.C:
			last := time.Unix(0, c.lastFrame.Load())
			if time.Since(last) > watchdogTimeout {
				c.reportLost(ErrDeviceLost)
				return
			}
		}
	}
}

func (c *Capture) reportLost(err error) {
	select {
	case c.lostC <- err:
	default:
	}
}

// HardLimitC signals once when the ring reaches its cap.
func (c *Capture) HardLimitC() <-chan struct{} { return c.ring.HardLimitC() }

// LostC signals once if the device stops delivering frames.
func (c *Capture) LostC() <-chan error { return c.lostC }

// SampleRate reports the device rate resolved at open time.
func (c *Capture) SampleRate() int { return c.rate }

// Captured is the finished recording handed to the transcription pipeline.
type Captured struct {
	Samples     []float32
	SampleRate  int
	DurationMS  int64
	SampleCount int64
	HardLimit   bool
	Dropped     int64
}

// Stop closes the device and snapshots the buffered audio. Safe to call
// after a device loss; the stream close error is logged, not returned, so
// the device is always released.
func (c *Capture) Stop() Captured {
	c.shutdown()
	samples := c.ring.Snapshot()
	return Captured{
		Samples:     samples,
		SampleRate:  c.rate,
		DurationMS:  int64(len(samples)) * 1000 / int64(c.rate),
		SampleCount: c.ring.TotalWritten(),
		HardLimit:   c.ring.HardLimit(),
		Dropped:     c.ring.Dropped(),
	}
}

// Abort closes the device and discards the buffer.
func (c *Capture) Abort() {
	c.shutdown()
}

func (c *Capture) shutdown() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	close(c.stopWatch)
	if err := c.stream.Close(); err != nil {
		c.logger.Warn("closing input stream", slog.String("error", err.Error()))
	}
	if contended := c.ring.Contended(); contended > 0 {
		c.logger.Warn("ring buffer contention dropped samples", slog.Int64("samples", contended))
	}
}
