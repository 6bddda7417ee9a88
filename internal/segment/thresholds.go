package segment

import (
	"fmt"
	"time"
)

// Default chunk policy, expressed as audio durations.
const (
	DefaultPreferred    = 10 * time.Second
	DefaultDesperate    = 20 * time.Second
	DefaultMax          = 25 * time.Second
	DefaultShortSilence = 200 * time.Millisecond
	DefaultLongSilence  = 500 * time.Millisecond
)

// Durations is the human-facing form of the chunk policy.
type Durations struct {
	Preferred    time.Duration `yaml:"preferred"`
	Desperate    time.Duration `yaml:"desperate"`
	Max          time.Duration `yaml:"max"`
	ShortSilence time.Duration `yaml:"short_silence"`
	LongSilence  time.Duration `yaml:"long_silence"`
}

// DefaultDurations returns the 10s/20s/25s, 0.2s/0.5s policy.
func DefaultDurations() Durations {
	return Durations{
		Preferred:    DefaultPreferred,
		Desperate:    DefaultDesperate,
		Max:          DefaultMax,
		ShortSilence: DefaultShortSilence,
		LongSilence:  DefaultLongSilence,
	}
}

// Thresholds is the chunk policy in classifier frames. Immutable once a session starts.
type Thresholds struct {
	PreferredLength int
	DesperateLength int
	MaxLength       int
	ShortSilence    int
	LongSilence     int
	FrameRate       int // classifier frames per second
}

// Frames converts the durations at the given classifier frame rate.
func (d Durations) Frames(frameRate int) Thresholds {
	return Thresholds{
		PreferredLength: toFrames(d.Preferred, frameRate),
		DesperateLength: toFrames(d.Desperate, frameRate),
		MaxLength:       toFrames(d.Max, frameRate),
		ShortSilence:    toFrames(d.ShortSilence, frameRate),
		LongSilence:     toFrames(d.LongSilence, frameRate),
		FrameRate:       frameRate,
	}
}

// DefaultThresholds returns the default policy at frameRate.
func DefaultThresholds(frameRate int) Thresholds {
	return DefaultDurations().Frames(frameRate)
}

func toFrames(d time.Duration, frameRate int) int {
	return int(int64(d) * int64(frameRate) / int64(time.Second))
}

// Validate rejects policies that cannot produce bounded chunks.
func (t Thresholds) Validate() error {
	switch {
	case t.FrameRate <= 0:
		return fmt.Errorf("frame rate must be positive, got %d", t.FrameRate)
	case t.MaxLength <= 0:
		return fmt.Errorf("max length must be positive, got %d frames", t.MaxLength)
	case t.PreferredLength < 0 || t.DesperateLength < 0:
		return fmt.Errorf("preferred (%d) and desperate (%d) lengths cannot be negative", t.PreferredLength, t.DesperateLength)
	case t.PreferredLength > t.DesperateLength:
		return fmt.Errorf("preferred length (%d) exceeds desperate length (%d)", t.PreferredLength, t.DesperateLength)
	case t.DesperateLength > t.MaxLength:
		return fmt.Errorf("desperate length (%d) exceeds max length (%d)", t.DesperateLength, t.MaxLength)
	case t.ShortSilence < 0 || t.LongSilence < 0:
		return fmt.Errorf("silence thresholds cannot be negative")
	case t.ShortSilence > t.LongSilence:
		return fmt.Errorf("short silence (%d) exceeds long silence (%d)", t.ShortSilence, t.LongSilence)
	}
	return nil
}
