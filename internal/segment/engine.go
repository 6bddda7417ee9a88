// Package segment decides where a continuous speech stream is cut into chunks.
//
// The Engine consumes one speech/silence decision per classifier frame and applies
// a three-tier hysteresis policy: cut at a long pause once the chunk passes the
// preferred length, accept a short pause past the desperate length, and cut
// unconditionally at the maximum length. All positions are in frame units.
package segment

// Reason records which tier produced a cut.
type Reason int

const (
	ReasonPreferred Reason = iota // long silence after the preferred length
	ReasonDesperate               // short silence after the desperate length
	ReasonForced                  // maximum length reached
	ReasonFinal                   // session end flush
)

func (r Reason) String() string {
	switch r {
	case ReasonPreferred:
		return "preferred"
	case ReasonDesperate:
		return "desperate"
	case ReasonForced:
		return "forced"
	case ReasonFinal:
		return "final"
	default:
		return "unknown"
	}
}

// Cut is a chunk boundary in classifier frames.
type Cut struct {
	Frame  int
	Reason Reason
}

// Engine is the per-session segmentation state. It is not safe for concurrent use;
// the owning processor serializes access.
type Engine struct {
	th       Thresholds
	history  []bool
	frames   int
	silence  int
	lastClip int
	clips    []int
}

// NewEngine creates an engine for one session.
func NewEngine(th Thresholds) *Engine {
	return &Engine{th: th}
}

// Observe feeds the next frame's classification and reports a cut if one is due.
func (e *Engine) Observe(speech bool) (Cut, bool) {
	if e.frames > 0 {
		if speech {
			e.silence = 0
		} else {
			e.silence++
		}
	}
	e.frames++

	cut, ok := e.decide()
	if ok {
		e.lastClip = cut.Frame
		e.clips = append(e.clips, cut.Frame)
	}
	e.history = append(e.history, speech)
	return cut, ok
}

func (e *Engine) decide() (Cut, bool) {
	since := e.frames - e.lastClip
	switch {
	case since > e.th.PreferredLength && e.silence > e.th.LongSilence:
		return Cut{Frame: e.silenceCut(since), Reason: ReasonPreferred}, true
	case since > e.th.DesperateLength && e.silence > e.th.ShortSilence:
		return Cut{Frame: e.silenceCut(since), Reason: ReasonDesperate}, true
	case since >= e.th.MaxLength:
		return Cut{Frame: e.frames, Reason: ReasonForced}, true
	}
	return Cut{}, false
}

// silenceCut places the boundary halfway back into the current silence run.
// The run is capped at the frames since the last cut so the boundary always
// lands strictly after lastClip.
func (e *Engine) silenceCut(since int) int {
	run := min(e.silence, since)
	return e.frames - run/2
}

// Frames returns the number of frames observed this session.
func (e *Engine) Frames() int { return e.frames }

// LastClip returns the most recent boundary, zero before the first cut.
func (e *Engine) LastClip() int { return e.lastClip }

// SilenceRun returns the current silence accumulator.
func (e *Engine) SilenceRun() int { return e.silence }

// Clips returns a copy of all boundaries emitted so far.
func (e *Engine) Clips() []int {
	out := make([]int, len(e.clips))
	copy(out, e.clips)
	return out
}

// History returns a copy of every classification observed.
func (e *Engine) History() []bool {
	out := make([]bool, len(e.history))
	copy(out, e.history)
	return out
}

// Thresholds returns the policy this engine was built with.
func (e *Engine) Thresholds() Thresholds { return e.th }
