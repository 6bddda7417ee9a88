package audio

import "math"

// Resampler converts a mono int16 stream between rates by linear
// interpolation. Phase carries across calls so batch boundaries are seamless.
// Not safe for concurrent use.
type Resampler struct {
	from, to int
	// pos is the next output position in input samples, scaled by to,
	// relative to the start of the next input batch. It is >= -to.
	pos     int64
	last    int16
	hasLast bool
}

// NewResampler returns a resampler from rate from to rate to.
func NewResampler(from, to int) *Resampler {
	return &Resampler{from: from, to: to}
}

// Process consumes in and returns the samples it completes.
func (r *Resampler) Process(in []int16) []int16 {
	if len(in) == 0 {
		return nil
	}
	if r.from == r.to || r.from <= 0 || r.to <= 0 {
		return append([]int16(nil), in...)
	}

	to := int64(r.to)
	n := int64(len(in))
	out := make([]int16, 0, int(n*to/int64(r.from))+1)
	for {
		var i, rem int64
		if r.pos < 0 {
			i, rem = -1, r.pos+to
		} else {
			i, rem = r.pos/to, r.pos%to
		}
		if i+1 >= n {
			break
		}
		if i < 0 && !r.hasLast {
			r.pos += int64(r.from)
			continue
		}
		a := r.sample(in, i)
		b := float64(in[i+1])
		v := a + (b-a)*float64(rem)/float64(to)
		out = append(out, int16(math.Round(v)))
		r.pos += int64(r.from)
	}
	r.pos -= n * to
	r.last, r.hasLast = in[n-1], true
	return out
}

func (r *Resampler) sample(in []int16, i int64) float64 {
	if i < 0 {
		return float64(r.last)
	}
	return float64(in[i])
}

// Reset forgets the carried phase.
func (r *Resampler) Reset() {
	r.pos, r.last, r.hasLast = 0, 0, false
}
