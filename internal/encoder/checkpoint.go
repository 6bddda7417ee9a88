package encoder

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	apperrors "github.com/GriffinCanCode/good-listener/backend/recorder/internal/errors"
	"github.com/GriffinCanCode/good-listener/backend/recorder/internal/trace"
)

// CheckpointExt holds raw little-endian PCM16 when the intermediate could not be written.
const CheckpointExt = ".pcm"

// CheckpointPath is where the raw samples of chunkKey are kept.
func (e *Encoder) CheckpointPath(sessionID, chunkKey string) string {
	return filepath.Join(e.SessionDir(sessionID), chunkKey+CheckpointExt)
}

// WriteCheckpoint stores samples as raw PCM16.
func WriteCheckpoint(path string, samples []int16) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	if err := binary.Write(w, binary.LittleEndian, samples); err != nil {
		_ = f.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// ReadCheckpoint loads the samples of a checkpoint.
func ReadCheckpoint(path string) ([]int16, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data)%2 != 0 {
		return nil, apperrors.Newf(apperrors.CodeInvalidArgument, "checkpoint %s has odd length %d", path, len(data))
	}
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(data[2*i:]))
	}
	return samples, nil
}

// EncodeCheckpoint re-runs a chunk from its checkpoint and drops the
// checkpoint once the artifact exists.
func (e *Encoder) EncodeCheckpoint(ctx context.Context, path, sessionID, chunkKey string) (Artifact, error) {
	samples, err := ReadCheckpoint(path)
	if err != nil {
		return Artifact{}, apperrors.Wrap(err, apperrors.CodeEncodeFailed, "read checkpoint").WithMetadata("chunk", chunkKey)
	}
	a, err := e.Encode(ctx, samples, sessionID, chunkKey)
	if err != nil {
		return Artifact{}, err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		trace.Logger(ctx).Warn("failed to remove checkpoint", "path", path, "error", err)
	}
	return a, nil
}
