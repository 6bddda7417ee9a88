// Package opus encodes intermediate WAVs as Ogg Opus, the default chunk format.
package opus

import (
	"context"
	"fmt"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"gopkg.in/hraban/opus.v2"

	"github.com/GriffinCanCode/good-listener/backend/recorder/internal/encoder"
)

const (
	frameDuration = 20 // ms
	// Ogg Opus granule positions always count 48 kHz samples.
	granuleRate     = 48000
	granulePerFrame = granuleRate * frameDuration / 1000
	maxPacketBytes  = 4000
	opusPayloadType = 111

	DefaultBitrate = 24000
)

// Codec is an encoder.Codec producing .ogg files.
type Codec struct {
	Bitrate int
}

// New returns an Opus codec at bitrate bits/s.
func New(bitrate int) *Codec {
	if bitrate <= 0 {
		bitrate = DefaultBitrate
	}
	return &Codec{Bitrate: bitrate}
}

func (c *Codec) Name() string        { return "opus" }
func (c *Codec) Ext() string         { return "ogg" }
func (c *Codec) ContentType() string { return "audio/ogg" }

// Encode reads wavPath and writes 20 ms Opus packets into an Ogg container.
func (c *Codec) Encode(ctx context.Context, wavPath, outPath string) error {
	samples, rate, err := encoder.ReadWAV(wavPath)
	if err != nil {
		return err
	}
	switch rate {
	case 8000, 12000, 16000, 24000, 48000:
	default:
		return fmt.Errorf("opus: unsupported sample rate %d", rate)
	}

	enc, err := opus.NewEncoder(rate, 1, opus.AppVoIP)
	if err != nil {
		return fmt.Errorf("opus: new encoder: %w", err)
	}
	if err := enc.SetBitrate(c.Bitrate); err != nil {
		return fmt.Errorf("opus: set bitrate: %w", err)
	}

	w, err := oggwriter.New(outPath, uint32(rate), 1)
	if err != nil {
		return fmt.Errorf("opus: open ogg: %w", err)
	}

	if err := writePackets(ctx, enc, w, samples, rate*frameDuration/1000); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

func writePackets(ctx context.Context, enc *opus.Encoder, w *oggwriter.OggWriter, samples []int16, frameSize int) error {
	frame := make([]int16, frameSize)
	packet := make([]byte, maxPacketBytes)

	var seq uint16
	var ts uint32
	for off := 0; off < len(samples); off += frameSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		// Zero-pad the last frame; Opus only takes whole frames.
		n := copy(frame, samples[off:])
		clear(frame[n:])

		size, err := enc.Encode(frame, packet)
		if err != nil {
			return fmt.Errorf("opus: encode frame at %d: %w", off, err)
		}
		err = w.WriteRTP(&rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				PayloadType:    opusPayloadType,
				SequenceNumber: seq,
				Timestamp:      ts,
			},
			Payload: packet[:size],
		})
		if err != nil {
			return fmt.Errorf("opus: write page: %w", err)
		}
		seq++
		ts += granulePerFrame
	}
	return nil
}
