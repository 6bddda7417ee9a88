// Package vad classifies fixed-size PCM frames as speech or silence.
package vad

import (
	"context"
	"errors"
	"fmt"
	"math"
)

// Default frame geometry: 20 ms at 16 kHz.
const (
	DefaultSampleRate    = 16000
	DefaultFrameDuration = 20 // milliseconds
	DefaultFrameSamples  = DefaultSampleRate * DefaultFrameDuration / 1000
)

// ErrFrameLength is returned when a frame is not the configured sub-frame size.
var ErrFrameLength = errors.New("vad: frame length mismatch")

// Classifier decides whether one frame contains speech.
type Classifier interface {
	Classify(ctx context.Context, frame []int16) (bool, error)
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(ctx context.Context, frame []int16) (bool, error)

// Classify implements Classifier.
func (f ClassifierFunc) Classify(ctx context.Context, frame []int16) (bool, error) {
	return f(ctx, frame)
}

// CheckFrame validates frame against the expected sub-frame length.
func CheckFrame(frame []int16, want int) error {
	if len(frame) != want {
		return fmt.Errorf("%w: got %d samples, want %d", ErrFrameLength, len(frame), want)
	}
	return nil
}

// FrameSamples returns the sub-frame length for a rate and duration in ms.
func FrameSamples(sampleRate, frameMillis int) int {
	return sampleRate * frameMillis / 1000
}

// Energy is a stateless RMS threshold classifier.
type Energy struct {
	// Threshold is the RMS level, normalised to [0, 1], at or above which a frame is speech.
	Threshold    float64
	FrameSamples int
}

// DefaultEnergyThreshold suits close-talk microphones at 16 kHz.
const DefaultEnergyThreshold = 0.015

// NewEnergy returns an RMS classifier for frames of frameSamples.
func NewEnergy(threshold float64, frameSamples int) *Energy {
	if threshold <= 0 {
		threshold = DefaultEnergyThreshold
	}
	if frameSamples <= 0 {
		frameSamples = DefaultFrameSamples
	}
	return &Energy{Threshold: threshold, FrameSamples: frameSamples}
}

// Classify implements Classifier.
func (e *Energy) Classify(_ context.Context, frame []int16) (bool, error) {
	if err := CheckFrame(frame, e.FrameSamples); err != nil {
		return false, err
	}
	return RMS(frame) >= e.Threshold, nil
}

// RMS returns the root-mean-square level of pcm normalised to [0, 1].
func RMS(pcm []int16) float64 {
	if len(pcm) == 0 {
		return 0
	}
	var sum float64
	for _, s := range pcm {
		v := float64(s) / math.MaxInt16
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(pcm)))
}
