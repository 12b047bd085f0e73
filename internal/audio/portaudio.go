package audio

import (
	"fmt"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/scribelabs/scribe-core/internal/protocol"
)

// PortAudioBackend captures from real input devices through PortAudio.
// Initialize happens once at construction; Close terminates the driver.
type PortAudioBackend struct{}

func NewPortAudioBackend() (*PortAudioBackend, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("initialize portaudio: %w", err)
	}
	return &PortAudioBackend{}, nil
}

func (b *PortAudioBackend) Name() string { return "portaudio" }

func (b *PortAudioBackend) Close() error {
	if err := portaudio.Terminate(); err != nil {
		return fmt.Errorf("terminate portaudio: %w", err)
	}
	return nil
}

func (b *PortAudioBackend) Open(device string, requestedRate int, push func(Frame)) (Stream, error) {
	dev, err := b.findDevice(device)
	if err != nil {
		return nil, err
	}

	rate := requestedRate
	if rate <= 0 {
		rate = int(dev.DefaultSampleRate)
	}

	params := portaudio.LowLatencyParameters(dev, nil)
	params.Input.Channels = 1
	params.SampleRate = float64(rate)
	params.FramesPerBuffer = 1024

	var stream *portaudio.Stream
	callback := func(in []float32) {
		push(Frame{Samples: in, Channels: 1, SampleRate: rate, Timestamp: time.Now()})
	}
	stream, err = portaudio.OpenStream(params, callback)
	if err != nil {
		return nil, fmt.Errorf("open portaudio stream: %w", err)
	}

	return &portAudioStream{stream: stream, rate: rate}, nil
}

func (b *PortAudioBackend) findDevice(name string) (*portaudio.DeviceInfo, error) {
	if name == "" || name == "default" {
		dev, err := portaudio.DefaultInputDevice()
		if err != nil {
			return nil, fmt.Errorf("default input device: %w", err)
		}
		return dev, nil
	}
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("enumerate devices: %w", err)
	}
	for _, dev := range devices {
		if dev.MaxInputChannels > 0 && dev.Name == name {
			return dev, nil
		}
	}
	return nil, fmt.Errorf("input device %q not found", name)
}

func (b *PortAudioBackend) InputStatus() protocol.AudioInputStatus {
	status := protocol.AudioInputStatus{AvailableInputs: []string{}}

	devices, err := portaudio.Devices()
	if err != nil {
		status.Message = fmt.Sprintf("enumerate devices: %v", err)
		return status
	}
	for _, dev := range devices {
		if dev.MaxInputChannels > 0 {
			status.AvailableInputs = append(status.AvailableInputs, dev.Name)
		}
	}

	dev, err := portaudio.DefaultInputDevice()
	if err != nil {
		status.Message = "no default input device"
		return status
	}
	status.DefaultInput = dev.Name
	status.DefaultSampleRate = dev.DefaultSampleRate
	status.OK = len(status.AvailableInputs) > 0
	if !status.OK {
		status.Message = "no capture devices available"
	}
	return status
}

type portAudioStream struct {
	stream *portaudio.Stream
	rate   int
}

func (s *portAudioStream) SampleRate() int { return s.rate }

func (s *portAudioStream) Start() error {
	if err := s.stream.Start(); err != nil {
		return fmt.Errorf("start portaudio stream: %w", err)
	}
	return nil
}

func (s *portAudioStream) Close() error {
	// Stop flushes pending buffers; Close releases the device either way.
	stopErr := s.stream.Stop()
	closeErr := s.stream.Close()
	if stopErr != nil {
		return fmt.Errorf("stop portaudio stream: %w", stopErr)
	}
	if closeErr != nil {
		return fmt.Errorf("close portaudio stream: %w", closeErr)
	}
	return nil
}
