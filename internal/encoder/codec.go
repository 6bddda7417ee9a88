package encoder

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// WAV keeps the intermediate as the artifact.
type WAV struct{}

func (WAV) Name() string        { return "wav" }
func (WAV) Ext() string         { return "wav" }
func (WAV) ContentType() string { return "audio/wav" }

// Encode renames the intermediate into place.
func (WAV) Encode(_ context.Context, wavPath, outPath string) error {
	if wavPath == outPath {
		return nil
	}
	return os.Rename(wavPath, outPath)
}

// FFmpeg shells out to ffmpeg for containers without a Go encoder.
type FFmpeg struct {
	Binary      string // defaults to "ffmpeg" on PATH
	Codec       string // ffmpeg -c:a value
	Format      string // ffmpeg -f value; needed because outputs may carry .partial
	Extension   string
	MIME        string
	BitrateKbps int
	SampleRate  int
}

// AAC returns the m4a profile.
func AAC(bitrateKbps, sampleRate int) *FFmpeg {
	return &FFmpeg{Codec: "aac", Format: "ipod", Extension: "m4a", MIME: "audio/mp4", BitrateKbps: bitrateKbps, SampleRate: sampleRate}
}

func (f *FFmpeg) Name() string        { return "ffmpeg-" + f.Codec }
func (f *FFmpeg) Ext() string         { return f.Extension }
func (f *FFmpeg) ContentType() string { return f.MIME }

// Args builds the ffmpeg command line.
func (f *FFmpeg) Args(wavPath, outPath string) []string {
	args := []string{"-hide_banner", "-loglevel", "error", "-y", "-i", wavPath, "-ac", "1"}
	if f.SampleRate > 0 {
		args = append(args, "-ar", strconv.Itoa(f.SampleRate))
	}
	args = append(args, "-c:a", f.Codec)
	if f.BitrateKbps > 0 {
		args = append(args, "-b:a", fmt.Sprintf("%dk", f.BitrateKbps))
	}
	if f.Format != "" {
		args = append(args, "-f", f.Format)
	}
	return append(args, outPath)
}

// Encode runs ffmpeg, surfacing its stderr on failure.
func (f *FFmpeg) Encode(ctx context.Context, wavPath, outPath string) error {
	bin := f.Binary
	if bin == "" {
		bin = "ffmpeg"
	}
	cmd := exec.CommandContext(ctx, bin, f.Args(wavPath, outPath)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffmpeg: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}
