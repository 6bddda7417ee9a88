// Package audio turns a session's PCM stream into speech-bounded chunks.
package audio

import (
	"context"
	"log/slog"
	"sync"

	apperrors "github.com/GriffinCanCode/good-listener/backend/recorder/internal/errors"
	"github.com/GriffinCanCode/good-listener/backend/recorder/internal/segment"
	"github.com/GriffinCanCode/good-listener/backend/recorder/internal/vad"
)

// MissingFramePolicy decides what a frame the classifier failed on counts as.
type MissingFramePolicy string

const (
	MissingAsSpeech  MissingFramePolicy = "speech"
	MissingAsSilence MissingFramePolicy = "silence"
)

// Config for the processor. SampleRate is the required pipeline rate, not the
// device rate; chunk timings are derived from it.
type Config struct {
	SampleRate   int
	FrameSamples int
	Thresholds   segment.Thresholds
	OnMissing    MissingFramePolicy
}

// DefaultConfig is 16 kHz audio in 20 ms sub-frames with the default chunk policy.
func DefaultConfig() Config {
	return Config{
		SampleRate:   vad.DefaultSampleRate,
		FrameSamples: vad.DefaultFrameSamples,
		Thresholds:   segment.DefaultThresholds(vad.DefaultSampleRate / vad.DefaultFrameSamples),
		OnMissing:    MissingAsSpeech,
	}
}

// Validate checks that frame geometry and thresholds agree.
func (c Config) Validate() error {
	if c.SampleRate <= 0 || c.FrameSamples <= 0 {
		return apperrors.Newf(apperrors.CodeConfigInvalid, "sample rate %d and frame samples %d must be positive", c.SampleRate, c.FrameSamples)
	}
	if c.SampleRate%c.FrameSamples != 0 || c.Thresholds.FrameRate != c.SampleRate/c.FrameSamples {
		return apperrors.Newf(apperrors.CodeConfigInvalid, "frame rate %d does not match %d Hz in %d-sample frames",
			c.Thresholds.FrameRate, c.SampleRate, c.FrameSamples)
	}
	if err := c.Thresholds.Validate(); err != nil {
		return apperrors.Wrap(err, apperrors.CodeConfigInvalid, "chunk thresholds")
	}
	switch c.OnMissing {
	case MissingAsSpeech, MissingAsSilence:
	default:
		return apperrors.Newf(apperrors.CodeConfigInvalid, "unknown missing frame policy %q", c.OnMissing)
	}
	return nil
}

// Chunk is one contiguous sample range [StartSample, EndSample) of a session.
type Chunk struct {
	SessionID   string
	Index       int
	StartSample int
	EndSample   int
	SampleRate  int
	Reason      segment.Reason
	Samples     []int16
}

// StartSeconds is the chunk start relative to the session start.
func (c Chunk) StartSeconds() float64 {
	return float64(c.StartSample) / float64(c.SampleRate)
}

// EndSeconds is the chunk end relative to the session start.
func (c Chunk) EndSeconds() float64 {
	return float64(c.EndSample) / float64(c.SampleRate)
}

// Hooks observe processing without taking part in it.
type Hooks struct {
	OnCut           func(segment.Cut)
	OnClassifyError func(err error)
}

// Stats is a point-in-time view of the current session.
type Stats struct {
	SessionID  string
	Samples    int
	Frames     int
	LastClip   int
	Chunks     int
	Finalized  bool
	SilenceRun int
}

type session struct {
	id        string
	buf       *buffer
	engine    *segment.Engine
	next      int
	finalized bool
}

// Processor is the single owner of a session's audio state. Every call takes
// the same mutex, so a live batch and the final flush can never interleave.
type Processor struct {
	mu         sync.Mutex
	classifier vad.Classifier
	cfg        Config
	hooks      Hooks
	cur        *session
}

// NewProcessor creates a processor. The config is fixed for its lifetime.
func NewProcessor(classifier vad.Classifier, cfg Config, hooks Hooks) (*Processor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Processor{classifier: classifier, cfg: cfg, hooks: hooks}, nil
}

// Config returns the processor configuration.
func (p *Processor) Config() Config { return p.cfg }

// Begin starts a new session. A session that has not been finalized or reset
// must be closed first.
func (p *Processor) Begin(sessionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cur != nil && !p.cur.finalized {
		return apperrors.Newf(apperrors.CodeSessionActive, "session %s still recording", p.cur.id)
	}
	p.cur = &session{
		id:     sessionID,
		buf:    newBuffer(p.cfg.FrameSamples),
		engine: segment.NewEngine(p.cfg.Thresholds),
	}
	return nil
}

// ProcessFrame appends batch and classifies every complete sub-frame,
// returning the chunks closed by this batch in order.
func (p *Processor) ProcessFrame(ctx context.Context, batch []int16) ([]Chunk, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := p.cur
	if s == nil || s.finalized {
		return nil, apperrors.New(apperrors.CodeNoSession, "no session accepting frames")
	}

	s.buf.append(batch)

	var chunks []Chunk
	for {
		frame, ok := s.buf.nextFrame()
		if !ok {
			break
		}
		cut, ok := s.engine.Observe(p.classify(ctx, s, frame))
		if !ok {
			continue
		}
		if p.hooks.OnCut != nil {
			p.hooks.OnCut(cut)
		}
		start, end := s.buf.cutAt(cut.Frame)
		chunks = append(chunks, p.newChunk(s, start, end, cut.Reason))
	}
	return chunks, nil
}

func (p *Processor) classify(ctx context.Context, s *session, frame []int16) bool {
	speech, err := p.classifier.Classify(ctx, frame)
	if err == nil {
		return speech
	}
	if p.hooks.OnClassifyError != nil {
		p.hooks.OnClassifyError(err)
	}
	slog.Debug("classifier failed, applying policy",
		"session_id", s.id, "frame", s.engine.Frames(), "policy", p.cfg.OnMissing, "error", err)
	return p.cfg.OnMissing == MissingAsSpeech
}

func (p *Processor) newChunk(s *session, start, end int, reason segment.Reason) Chunk {
	c := Chunk{
		SessionID:   s.id,
		Index:       s.next,
		StartSample: start,
		EndSample:   end,
		SampleRate:  p.cfg.SampleRate,
		Reason:      reason,
		Samples:     s.buf.copyRange(start, end),
	}
	s.next++
	return c
}

// Finalize force-clips the unflushed tail and returns it with a copy of the
// whole session stream. The tail is nil when the last boundary is already at
// the end. A second call returns nothing.
func (p *Processor) Finalize() (*Chunk, []int16, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := p.cur
	if s == nil {
		return nil, nil, apperrors.New(apperrors.CodeNoSession, "no session to finalize")
	}
	if s.finalized {
		return nil, nil, nil
	}
	s.finalized = true

	var tail *Chunk
	if start, end := s.buf.cutTail(); end > start {
		c := p.newChunk(s, start, end, segment.ReasonFinal)
		tail = &c
	}
	return tail, s.buf.copyRange(0, s.buf.len()), nil
}

// Reset discards the session, tail included. Frames are rejected until Begin.
func (p *Processor) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cur = nil
}

// Stats reports the current session, or the zero value when idle.
func (p *Processor) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := p.cur
	if s == nil {
		return Stats{}
	}
	return Stats{
		SessionID:  s.id,
		Samples:    s.buf.len(),
		Frames:     s.engine.Frames(),
		LastClip:   s.engine.LastClip(),
		Chunks:     s.next,
		Finalized:  s.finalized,
		SilenceRun: s.engine.SilenceRun(),
	}
}
