package upload

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// ManifestName is the per-session file the sweep uses to rebuild keys.
const ManifestName = "session.json"

// Manifest describes a spooled session.
type Manifest struct {
	SessionID string    `json:"session_id"`
	OwnerID   string    `json:"owner_id"`
	StartedAt time.Time `json:"started_at"`
}

// Key derives the object key of a spooled file of this session.
func (m Manifest) Key(name, ext string) string {
	return Key(m.StartedAt, m.SessionID, name, ext)
}

// WriteManifest stores m in dir, creating dir if needed.
func WriteManifest(dir string, m Manifest) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, ManifestName), data, 0o644)
}

// ReadManifest loads the manifest from dir.
func ReadManifest(dir string) (Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestName))
	if err != nil {
		return Manifest{}, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("parse %s: %w", ManifestName, err)
	}
	if m.SessionID == "" || m.StartedAt.IsZero() {
		return Manifest{}, fmt.Errorf("manifest in %s is incomplete", dir)
	}
	return m, nil
}

// ChunkSpan is the timing of one chunk, kept next to its spooled files until
// the chunk is uploaded so a later sweep can report it.
type ChunkSpan struct {
	Chunk        string  `json:"chunk"`
	StartSeconds float64 `json:"start_time_seconds"`
	EndSeconds   float64 `json:"end_time_seconds"`
}

// SpanPath is the hidden sidecar holding the span of chunkKey.
func SpanPath(dir, chunkKey string) string {
	return filepath.Join(dir, "."+chunkKey+".span.json")
}

// WriteSpan stores span in dir.
func WriteSpan(dir string, span ChunkSpan) error {
	data, err := json.Marshal(span)
	if err != nil {
		return err
	}
	return os.WriteFile(SpanPath(dir, span.Chunk), data, 0o644)
}

// ReadSpan loads the span of chunkKey from dir.
func ReadSpan(dir, chunkKey string) (ChunkSpan, error) {
	data, err := os.ReadFile(SpanPath(dir, chunkKey))
	if err != nil {
		return ChunkSpan{}, err
	}
	var span ChunkSpan
	if err := json.Unmarshal(data, &span); err != nil {
		return ChunkSpan{}, fmt.Errorf("parse span of %s: %w", chunkKey, err)
	}
	return span, nil
}

// RemoveSpan deletes the sidecar of chunkKey; a missing one is not an error.
func RemoveSpan(dir, chunkKey string) error {
	if err := os.Remove(SpanPath(dir, chunkKey)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
