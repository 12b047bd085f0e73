package audio

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// WriteWAV encodes mono float32 samples as 16-bit PCM WAV. Samples outside
// [-1, 1] are clamped.
func WriteWAV(file *os.File, samples []float32, sampleRate int) error {
	buffer := &goaudio.IntBuffer{Format: &goaudio.Format{NumChannels: 1, SampleRate: sampleRate}}
	data := make([]int, len(samples))
	for i, s := range samples {
		v := s
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		data[i] = int(v * 32767)
	}
	buffer.Data = data

	enc := wav.NewEncoder(file, sampleRate, 16, 1, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

// DumpWAV writes a capture into dir with a timestamped name and returns
// the file path. Used for debug dumps when audio.debug_dump_dir is set.
func DumpWAV(dir, prefix string, samples []float32, sampleRate int) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create dump dir: %w", err)
	}
	name := fmt.Sprintf("%s_%s.wav", prefix, time.Now().UTC().Format("20060102T150405.000"))
	path := filepath.Join(dir, name)
	file, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create dump file: %w", err)
	}
	defer file.Close()
	if err := WriteWAV(file, samples, sampleRate); err != nil {
		os.Remove(path)
		return "", err
	}
	return path, nil
}
