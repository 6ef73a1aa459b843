package stt

import (
	"encoding/binary"
	"math"
	"time"

	"github.com/vopenia-io/transcription-agent/internal/transcribe"
)

const (
	// DefaultEnergyThreshold is the RMS level, on a 0..1 scale, treated as speech.
	DefaultEnergyThreshold = 0.004
	// DefaultMinSilence is how long audio keeps flowing after the last loud frame.
	DefaultMinSilence = 1500 * time.Millisecond
)

// EnergyFilter drops silent frames so the provider is not billed for them.
// Frames keep passing for minSilence after the last frame above threshold,
// so trailing syllables and short pauses are not cut.
type EnergyFilter struct {
	threshold  float64
	minSilence time.Duration
	cooldown   time.Duration
}

// NewEnergyFilter creates a filter.
func NewEnergyFilter(threshold float64, minSilence time.Duration) *EnergyFilter {
	return &EnergyFilter{threshold: threshold, minSilence: minSilence}
}

// Push reports whether frame should be sent.
func (f *EnergyFilter) Push(frame transcribe.AudioFrame) bool {
	if frameRMS(frame.Data) >= f.threshold {
		f.cooldown = f.minSilence
		return true
	}
	if f.cooldown > 0 {
		f.cooldown -= frameDuration(frame)
		return true
	}
	return false
}

// frameRMS returns the RMS of PCM16LE samples normalised to [0, 1].
func frameRMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768.0
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}

func frameDuration(frame transcribe.AudioFrame) time.Duration {
	if frame.SampleRate <= 0 {
		return 0
	}
	return time.Duration(frame.SamplesPerChannel) * time.Second / time.Duration(frame.SampleRate)
}
