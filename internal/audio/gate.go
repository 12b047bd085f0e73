package audio

import "math"

// GateConfig tunes the voice activity gate. Zero values fall back to the
// defaults below.
type GateConfig struct {
	MinSpeechMS  int
	WindowMS     int
	RMSThreshold float64
	PadWindows   int
}

const (
	defaultMinSpeechMS  = 200
	defaultGateWindowMS = 20
	defaultGateRMS      = 0.01
	defaultPadWindows   = 1
)

func (c GateConfig) withDefaults() GateConfig {
	if c.MinSpeechMS <= 0 {
		c.MinSpeechMS = defaultMinSpeechMS
	}
	if c.WindowMS <= 0 {
		c.WindowMS = defaultGateWindowMS
	}
	if c.RMSThreshold <= 0 {
		c.RMSThreshold = defaultGateRMS
	}
	if c.PadWindows < 0 {
		c.PadWindows = defaultPadWindows
	}
	return c
}

// GateDecision is the gate's verdict on one session's audio.
type GateDecision struct {
	Accepted bool
	SpeechMS int
	// Trimmed bounds in samples, valid when Accepted. End is exclusive.
	Start int
	End   int
}

// Gate classifies resampled session audio as worth transcribing or not.
// It slices the capture into fixed windows, marks each active when its RMS
// energy clears the threshold, and estimates total speech as active
// windows times the window length. A capture whose estimated speech falls
// short of MinSpeechMS is rejected; rejection means an empty-text result,
// not an error.
func Gate(samples []float32, cfg GateConfig) GateDecision {
	cfg = cfg.withDefaults()
	win := ModelRate * cfg.WindowMS / 1000
	if win <= 0 {
		win = 1
	}

	firstActive, lastActive := -1, -1
	active := 0
	windows := 0
	for off := 0; off < len(samples); off += win {
		end := off + win
		if end > len(samples) {
			end = len(samples)
		}
		if windowRMS(samples[off:end]) >= cfg.RMSThreshold {
			active++
			if firstActive < 0 {
				firstActive = windows
			}
			lastActive = windows
		}
		windows++
	}

	speechMS := active * cfg.WindowMS
	if speechMS < cfg.MinSpeechMS {
		return GateDecision{Accepted: false, SpeechMS: speechMS}
	}

	start, end := 0, len(samples)
	if firstActive >= 0 {
		start = (firstActive - cfg.PadWindows) * win
		if start < 0 {
			start = 0
		}
		end = (lastActive + 1 + cfg.PadWindows) * win
		if end > len(samples) {
			end = len(samples)
		}
	}
	return GateDecision{Accepted: true, SpeechMS: speechMS, Start: start, End: end}
}

func windowRMS(w []float32) float64 {
	if len(w) == 0 {
		return 0
	}
	var sum float64
	for _, s := range w {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(w)))
}
