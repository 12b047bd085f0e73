package audio

import "math"

// SignalStats summarizes one capture for diagnostics logging.
type SignalStats struct {
	RMS         float64
	Peak        float64
	ActiveRatio float64
}

const activeSampleFloor = 0.01

// Analyze computes level statistics over a capture. A sample counts as
// active when its magnitude clears 1% of full scale.
func Analyze(samples []float32) SignalStats {
	if len(samples) == 0 {
		return SignalStats{}
	}
	var sum, peak float64
	activeCount := 0
	for _, s := range samples {
		v := math.Abs(float64(s))
		sum += v * v
		if v > peak {
			peak = v
		}
		if v > activeSampleFloor {
			activeCount++
		}
	}
	return SignalStats{
		RMS:         math.Sqrt(sum / float64(len(samples))),
		Peak:        peak,
		ActiveRatio: float64(activeCount) / float64(len(samples)),
	}
}

const (
	gainQuietFloor = 0.0005
	gainQuietCeil  = 0.035
	gainTargetRMS  = 0.05
	gainMax        = 12.0
	gainMinApply   = 1.05
)

// Condition prepares a capture for inference in place: samples are clamped
// to [-1, 1] and non-finite values zeroed, then quiet-but-present speech is
// brought up toward a usable level. Gain only applies when the RMS sits
// inside the quiet band, so silence is never amplified into noise and loud
// captures are left alone. The applied gain is returned for logging, 1.0
// meaning untouched.
func Condition(samples []float32) float64 {
	var sum float64
	for i, s := range samples {
		v := float64(s)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			samples[i] = 0
			continue
		}
		if v > 1 {
			samples[i] = 1
			v = 1
		} else if v < -1 {
			samples[i] = -1
			v = -1
		}
		sum += v * v
	}
	if len(samples) == 0 {
		return 1
	}

	rms := math.Sqrt(sum / float64(len(samples)))
	if rms <= gainQuietFloor || rms >= gainQuietCeil {
		return 1
	}
	gain := gainTargetRMS / rms
	if gain < 1 {
		gain = 1
	} else if gain > gainMax {
		gain = gainMax
	}
	if gain <= gainMinApply {
		return 1
	}

	for i, s := range samples {
		v := float64(s) * gain
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		samples[i] = float32(v)
	}
	return gain
}
