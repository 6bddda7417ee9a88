// Package encoder turns PCM sample ranges into storage-ready audio artifacts
// in a local spool directory.
package encoder

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	apperrors "github.com/GriffinCanCode/good-listener/backend/recorder/internal/errors"
	"github.com/GriffinCanCode/good-listener/backend/recorder/internal/trace"
)

const (
	// FullAudioKey names the whole-session artifact.
	FullAudioKey = "full_audio"
	// PartialSuffix marks a full-session artifact not yet confirmed uploaded.
	PartialSuffix = ".partial"
	// IntermediateExt is the raw container written before compression.
	IntermediateExt = ".wav"
)

// Codec compresses an intermediate WAV into its own container.
type Codec interface {
	Name() string
	Ext() string // without the dot
	ContentType() string
	Encode(ctx context.Context, wavPath, outPath string) error
}

// Artifact is an encoded file on local storage.
type Artifact struct {
	Path        string
	SessionID   string
	ChunkKey    string
	Ext         string
	ContentType string
	Partial     bool
	Size        int64
}

// IsFull reports whether the artifact is the whole-session recording.
func (a Artifact) IsFull() bool { return a.ChunkKey == FullAudioKey }

// Encoder writes artifacts under {dir}/{sessionID}/.
type Encoder struct {
	dir        string
	sampleRate int
	codec      Codec
}

// New creates an encoder spooling to dir.
func New(dir string, sampleRate int, codec Codec) *Encoder {
	return &Encoder{dir: dir, sampleRate: sampleRate, codec: codec}
}

// Dir returns the spool root.
func (e *Encoder) Dir() string { return e.dir }

// Codec returns the configured codec.
func (e *Encoder) Codec() Codec { return e.codec }

// SessionDir returns the spool directory of a session.
func (e *Encoder) SessionDir(sessionID string) string {
	return filepath.Join(e.dir, sessionID)
}

// WAVPath is where the intermediate for chunkKey lives.
func (e *Encoder) WAVPath(sessionID, chunkKey string) string {
	return filepath.Join(e.SessionDir(sessionID), chunkKey+IntermediateExt)
}

// Encode writes samples as an intermediate WAV and compresses it. On failure
// the WAV stays on disk so a later pass can re-encode it; if the WAV itself
// cannot be written the samples go to a raw checkpoint instead.
func (e *Encoder) Encode(ctx context.Context, samples []int16, sessionID, chunkKey string) (Artifact, error) {
	if len(samples) == 0 {
		return Artifact{}, apperrors.Newf(apperrors.CodeInvalidArgument, "no samples for %s/%s", sessionID, chunkKey)
	}
	if err := os.MkdirAll(e.SessionDir(sessionID), 0o755); err != nil {
		return Artifact{}, apperrors.Wrap(err, apperrors.CodeEncodeFailed, "create session spool")
	}

	wavPath := e.WAVPath(sessionID, chunkKey)
	if err := WriteWAV(wavPath, samples, e.sampleRate); err != nil {
		_ = os.Remove(wavPath)
		appErr := apperrors.Wrap(err, apperrors.CodeEncodeFailed, "write intermediate").
			WithMetadata("chunk", chunkKey)
		// The samples must survive for a later pass.
		cp := e.CheckpointPath(sessionID, chunkKey)
		if cpErr := WriteCheckpoint(cp, samples); cpErr != nil {
			_ = os.Remove(cp)
			trace.Logger(ctx).Error("checkpoint write failed, chunk samples lost", "chunk", chunkKey, "error", cpErr)
			return Artifact{}, appErr
		}
		return Artifact{}, appErr.WithMetadata("checkpoint", cp)
	}
	return e.EncodeWAV(ctx, wavPath, sessionID, chunkKey)
}

// EncodeWAV compresses an existing intermediate. Used directly by the sweep
// for WAVs left behind by a failed encode.
func (e *Encoder) EncodeWAV(ctx context.Context, wavPath, sessionID, chunkKey string) (Artifact, error) {
	ctx, span := trace.StartSpan(ctx, "encode")
	span.SetAttr("chunk", chunkKey)
	defer func() {
		span.End()
		trace.Logger(ctx).Debug("encode finished", "span", span)
	}()

	a := Artifact{
		SessionID:   sessionID,
		ChunkKey:    chunkKey,
		Ext:         e.codec.Ext(),
		ContentType: e.codec.ContentType(),
		Path:        filepath.Join(e.SessionDir(sessionID), chunkKey+"."+e.codec.Ext()),
	}
	if a.IsFull() {
		a.Path += PartialSuffix
		a.Partial = true
	}

	if err := e.codec.Encode(ctx, wavPath, a.Path); err != nil {
		if a.Path != wavPath {
			_ = os.Remove(a.Path)
		}
		return Artifact{}, apperrors.Wrapf(err, apperrors.CodeEncodeFailed, "%s encode", e.codec.Name()).
			WithMetadata("chunk", chunkKey).
			WithMetadata("wav", wavPath)
	}

	info, err := os.Stat(a.Path)
	if err != nil {
		return Artifact{}, apperrors.Wrap(err, apperrors.CodeEncodeFailed, "stat artifact")
	}
	a.Size = info.Size()

	if wavPath != a.Path {
		if err := os.Remove(wavPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			trace.Logger(ctx).Warn("failed to remove intermediate", "path", wavPath, "error", err)
		}
	}
	return a, nil
}

// Finalize drops the partial marker once the full artifact is confirmed.
func Finalize(path string) (string, error) {
	if !strings.HasSuffix(path, PartialSuffix) {
		return path, nil
	}
	final := strings.TrimSuffix(path, PartialSuffix)
	if err := os.Rename(path, final); err != nil {
		return "", fmt.Errorf("finalize %s: %w", path, err)
	}
	return final, nil
}

// ParseName splits a spooled file name into chunk key and extension.
func ParseName(name string) (chunkKey, ext string, partial bool) {
	if strings.HasSuffix(name, PartialSuffix) {
		partial = true
		name = strings.TrimSuffix(name, PartialSuffix)
	}
	dot := filepath.Ext(name)
	return strings.TrimSuffix(name, dot), strings.TrimPrefix(dot, "."), partial
}
