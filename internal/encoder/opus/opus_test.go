package opus

import (
	"bytes"
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/GriffinCanCode/good-listener/backend/recorder/internal/encoder"
)

func sine(n, rate int) []int16 {
	out := make([]int16, n)
	for i := range out {
		out[i] = int16(8000 * math.Sin(2*math.Pi*440*float64(i)/float64(rate)))
	}
	return out
}

func TestEncodeProducesOggOpus(t *testing.T) {
	dir := t.TempDir()
	wavPath := filepath.Join(dir, "0.wav")
	// 1.01 s leaves a partial final frame.
	if err := encoder.WriteWAV(wavPath, sine(16160, 16000), 16000); err != nil {
		t.Fatalf("WriteWAV: %v", err)
	}

	out := filepath.Join(dir, "0.ogg")
	if err := New(0).Encode(context.Background(), wavPath, out); err != nil {
		t.Fatalf("Encode: %v", err)
	}

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if !bytes.HasPrefix(data, []byte("OggS")) {
		t.Error("output should start with an Ogg page")
	}
	if !bytes.Contains(data, []byte("OpusHead")) {
		t.Error("output should carry an OpusHead header")
	}
}

func TestEncodeRejectsUnsupportedRate(t *testing.T) {
	dir := t.TempDir()
	wavPath := filepath.Join(dir, "0.wav")
	if err := encoder.WriteWAV(wavPath, sine(4410, 44100), 44100); err != nil {
		t.Fatalf("WriteWAV: %v", err)
	}

	if err := New(0).Encode(context.Background(), wavPath, filepath.Join(dir, "0.ogg")); err == nil {
		t.Error("expected error for 44.1 kHz input")
	}
}

func TestCodecIdentity(t *testing.T) {
	c := New(32000)
	if c.Ext() != "ogg" || c.ContentType() != "audio/ogg" || c.Bitrate != 32000 {
		t.Errorf("unexpected codec %+v ext=%s type=%s", c, c.Ext(), c.ContentType())
	}
	if New(-1).Bitrate != DefaultBitrate {
		t.Error("non-positive bitrate should fall back to the default")
	}
}
