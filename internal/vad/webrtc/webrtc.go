// Package webrtc adapts the WebRTC voice activity detector to vad.Classifier.
package webrtc

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	webrtcvad "github.com/maxhawkins/go-webrtcvad"

	"github.com/GriffinCanCode/good-listener/backend/recorder/internal/vad"
)

// Classifier wraps a libfvad instance. The detector is not safe for
// concurrent use, so calls are serialized.
type Classifier struct {
	mu           sync.Mutex
	det          *webrtcvad.VAD
	sampleRate   int
	frameSamples int
	buf          []byte
}

// New creates a classifier for the given rate, frame duration in ms and
// aggressiveness mode (0 least, 3 most aggressive).
func New(sampleRate, frameMillis, mode int) (*Classifier, error) {
	if err := validRateAndFrame(sampleRate, frameMillis); err != nil {
		return nil, err
	}
	if mode < 0 || mode > 3 {
		return nil, fmt.Errorf("webrtc vad: mode %d out of range 0..3", mode)
	}
	det, err := webrtcvad.New()
	if err != nil {
		return nil, fmt.Errorf("webrtc vad: create: %w", err)
	}
	if err := det.SetMode(mode); err != nil {
		return nil, fmt.Errorf("webrtc vad: set mode: %w", err)
	}
	n := vad.FrameSamples(sampleRate, frameMillis)
	return &Classifier{
		det:          det,
		sampleRate:   sampleRate,
		frameSamples: n,
		buf:          make([]byte, n*2),
	}, nil
}

// FrameSamples is the frame length Classify expects.
func (c *Classifier) FrameSamples() int { return c.frameSamples }

// Classify implements vad.Classifier.
func (c *Classifier) Classify(_ context.Context, frame []int16) (bool, error) {
	if err := vad.CheckFrame(frame, c.frameSamples); err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, s := range frame {
		binary.LittleEndian.PutUint16(c.buf[i*2:], uint16(s))
	}
	return c.det.Process(c.sampleRate, c.buf)
}

// validRateAndFrame mirrors libfvad's accepted combinations.
func validRateAndFrame(rate, frameMillis int) error {
	switch rate {
	case 8000, 16000, 32000, 48000:
	default:
		return fmt.Errorf("webrtc vad: unsupported sample rate %d", rate)
	}
	switch frameMillis {
	case 10, 20, 30:
	default:
		return fmt.Errorf("webrtc vad: unsupported frame duration %dms", frameMillis)
	}
	return nil
}
