package audio

import "slices"

// buffer is the append-only sample stream of one session. It has no locking
// of its own; the Processor mutex covers it.
type buffer struct {
	samples      []int16
	frameSamples int
	cursor       int // next unclassified sample, always a multiple of frameSamples
	clip         int // sample offset of the last boundary
}

func newBuffer(frameSamples int) *buffer {
	return &buffer{frameSamples: frameSamples}
}

func (b *buffer) append(batch []int16) {
	b.samples = append(b.samples, batch...)
}

// nextFrame returns the next complete sub-frame and advances the cursor.
func (b *buffer) nextFrame() ([]int16, bool) {
	end := b.cursor + b.frameSamples
	if end > len(b.samples) {
		return nil, false
	}
	frame := b.samples[b.cursor:end:end]
	b.cursor = end
	return frame, true
}

// cutAt moves the boundary to frame and returns the range it closes.
func (b *buffer) cutAt(frame int) (start, end int) {
	start, end = b.clip, frame*b.frameSamples
	b.clip = end
	return start, end
}

// cutTail closes everything after the last boundary, partial sub-frame included.
func (b *buffer) cutTail() (start, end int) {
	start, end = b.clip, len(b.samples)
	b.clip = end
	return start, end
}

// copyRange returns an owned copy of [start, end).
func (b *buffer) copyRange(start, end int) []int16 {
	return slices.Clone(b.samples[start:end])
}

func (b *buffer) len() int { return len(b.samples) }
