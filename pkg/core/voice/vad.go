// Package voice holds the voice activity helpers the live driver uses to find utterance
// boundaries and barge-in onsets.
package voice

import (
	"math"
	"time"
)

// CalculateRMSEnergy computes the root-mean-square energy of PCM audio.
// Input is assumed to be 16-bit signed little-endian PCM.
// Returns a value between 0.0 and 1.0.
func CalculateRMSEnergy(pcm []byte) float64 {
	samples := len(pcm) / 2
	if samples == 0 {
		return 0
	}

	var sum float64
	for i := 0; i < len(pcm)-1; i += 2 {
		sample := int16(pcm[i]) | int16(pcm[i+1])<<8
		normalized := float64(sample) / 32768.0
		sum += normalized * normalized
	}

	return math.Sqrt(sum / float64(samples))
}

// CalculatePeakAmplitude returns the maximum absolute amplitude in the PCM data.
func CalculatePeakAmplitude(pcm []byte) float64 {
	if len(pcm) < 2 {
		return 0
	}

	var maxAbs float64
	for i := 0; i < len(pcm)-1; i += 2 {
		sample := int16(pcm[i]) | int16(pcm[i+1])<<8
		abs := math.Abs(float64(sample))
		if abs > maxAbs {
			maxAbs = abs
		}
	}

	return maxAbs / 32768.0
}

// EnergyConfidence maps RMS energy linearly onto [0,1] between floor and ceil.
func EnergyConfidence(pcm []byte, floor, ceil float64) float64 {
	if ceil <= floor {
		ceil = floor + 1e-6
	}
	e := CalculateRMSEnergy(pcm)
	switch {
	case e <= floor:
		return 0
	case e >= ceil:
		return 1
	default:
		return (e - floor) / (ceil - floor)
	}
}

// Activity is the result of observing one chunk.
type Activity int

const (
	ActivitySilence Activity = iota
	ActivityOnset
	ActivityVoiced
	// ActivityHangover is silence inside an utterance that has not yet reached the
	// trailing-silence threshold.
	ActivityHangover
	ActivityOffset
)

func (a Activity) String() string {
	switch a {
	case ActivitySilence:
		return "silence"
	case ActivityOnset:
		return "onset"
	case ActivityVoiced:
		return "voiced"
	case ActivityHangover:
		return "hangover"
	case ActivityOffset:
		return "offset"
	default:
		return "unknown"
	}
}

// Segmenter turns per-chunk voice confidence into utterance onset and offset events.
// It is not safe for concurrent use.
type Segmenter struct {
	OnsetConfidence float64
	TrailingSilence time.Duration

	speaking   bool
	lastVoiced time.Time
}

func NewSegmenter(onset float64, trailing time.Duration) *Segmenter {
	if onset <= 0 {
		onset = 0.5
	}
	if trailing <= 0 {
		trailing = 700 * time.Millisecond
	}
	return &Segmenter{OnsetConfidence: onset, TrailingSilence: trailing}
}

func (s *Segmenter) Speaking() bool { return s.speaking }

// Observe classifies a chunk with the given voice confidence arriving at now.
func (s *Segmenter) Observe(confidence float64, now time.Time) Activity {
	if confidence >= s.OnsetConfidence {
		s.lastVoiced = now
		if !s.speaking {
			s.speaking = true
			return ActivityOnset
		}
		return ActivityVoiced
	}
	if !s.speaking {
		return ActivitySilence
	}
	if now.Sub(s.lastVoiced) >= s.TrailingSilence {
		s.speaking = false
		return ActivityOffset
	}
	return ActivityHangover
}

// Expired reports an offset when no audio arrived for the trailing-silence window.
func (s *Segmenter) Expired(now time.Time) bool {
	if !s.speaking || now.Sub(s.lastVoiced) < s.TrailingSilence {
		return false
	}
	s.speaking = false
	return true
}

// Deadline is when the current utterance ends if nothing voiced arrives.
func (s *Segmenter) Deadline() (time.Time, bool) {
	if !s.speaking {
		return time.Time{}, false
	}
	return s.lastVoiced.Add(s.TrailingSilence), true
}

func (s *Segmenter) Reset() {
	s.speaking = false
	s.lastVoiced = time.Time{}
}
