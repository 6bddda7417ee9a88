package audio

import (
	"encoding/binary"

	apperrors "github.com/GriffinCanCode/good-listener/backend/recorder/internal/errors"
)

// DecodePCM16 reads little-endian signed 16-bit samples.
func DecodePCM16(b []byte) ([]int16, error) {
	if len(b)%2 != 0 {
		return nil, apperrors.Newf(apperrors.CodeInvalidArgument, "pcm payload of %d bytes is not whole samples", len(b))
	}
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[2*i:]))
	}
	return out, nil
}

// EncodePCM16 is the inverse of DecodePCM16.
func EncodePCM16(samples []int16) []byte {
	out := make([]byte, 2*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(s))
	}
	return out
}
