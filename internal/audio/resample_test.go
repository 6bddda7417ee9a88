package audio

import (
	"slices"
	"testing"
)

func TestResamplerIdentity(t *testing.T) {
	r := NewResampler(16000, 16000)
	in := []int16{1, 2, 3}
	out := r.Process(in)
	if !slices.Equal(out, in) {
		t.Fatalf("out = %v, want %v", out, in)
	}
	out[0] = 9
	if in[0] != 1 {
		t.Error("identity must copy")
	}
}

func TestResamplerDownsampleCount(t *testing.T) {
	r := NewResampler(48000, 16000)
	total := 0
	for i := 0; i < 10; i++ {
		total += len(r.Process(make([]int16, 4800)))
	}
	if total != 16000 {
		t.Errorf("1s at 48kHz produced %d samples, want 16000", total)
	}
}

func TestResamplerSplitMatchesWhole(t *testing.T) {
	ramp := make([]int16, 999)
	for i := range ramp {
		ramp[i] = int16(i * 10)
	}

	whole := NewResampler(44100, 16000).Process(ramp)

	split := NewResampler(44100, 16000)
	var parts []int16
	for _, n := range []int{1, 7, 100, 333, 558} {
		parts = append(parts, split.Process(ramp[:n])...)
		ramp = ramp[n:]
	}

	if !slices.Equal(whole, parts) {
		t.Errorf("split output differs: %d vs %d samples", len(whole), len(parts))
	}
}

func TestResamplerUpsampleInterpolates(t *testing.T) {
	r := NewResampler(8000, 16000)
	got := append(r.Process([]int16{0, 100, 200}), r.Process([]int16{300})...)
	want := []int16{0, 50, 100, 150, 200, 250}
	if !slices.Equal(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestResamplerReset(t *testing.T) {
	r := NewResampler(32000, 16000)
	r.Process([]int16{1, 2, 3})
	r.Reset()
	if got := r.Process([]int16{10, 20, 30}); !slices.Equal(got, []int16{10}) {
		t.Errorf("after reset got %v, want [10]", got)
	}
}

func TestPCM16RoundTrip(t *testing.T) {
	samples := []int16{0, 1, -1, 32767, -32768}
	b := EncodePCM16(samples)
	if len(b) != 10 {
		t.Fatalf("len = %d, want 10", len(b))
	}
	got, err := DecodePCM16(b)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(got, samples) {
		t.Errorf("got %v, want %v", got, samples)
	}
	if _, err := DecodePCM16([]byte{1, 2, 3}); err == nil {
		t.Error("expected error for odd payload")
	}
}
