package storage

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	apperrors "github.com/GriffinCanCode/good-listener/backend/recorder/internal/errors"
)

// FileStore keeps objects under a local directory, one file per key.
// Useful for single-host deployments and a mounted network share.
type FileStore struct {
	root string
}

// NewFileStore creates the root if needed.
func NewFileStore(root string) (*FileStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeConfigInvalid, "create store root")
	}
	return &FileStore{root: root}, nil
}

func (s *FileStore) path(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if key == "" || filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", apperrors.Newf(apperrors.CodeInvalidArgument, "invalid object key %q", key)
	}
	return filepath.Join(s.root, clean), nil
}

// Put writes the object atomically via a temp file and rename.
func (s *FileStore) Put(ctx context.Context, obj Object) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dst, err := s.path(obj.Key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return apperrors.Wrap(err, apperrors.CodeUnavailable, "create object dir")
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".put-*")
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeUnavailable, "create temp object")
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, obj.Body); err != nil {
		_ = tmp.Close()
		return apperrors.Wrap(err, apperrors.CodeUnavailable, "write object")
	}
	if err := tmp.Close(); err != nil {
		return apperrors.Wrap(err, apperrors.CodeUnavailable, "close object")
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return apperrors.Wrap(err, apperrors.CodeUnavailable, "commit object")
	}
	return nil
}

// Exists reports whether key has been stored.
func (s *FileStore) Exists(_ context.Context, key string) (bool, error) {
	p, err := s.path(key)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(p)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, apperrors.Wrap(err, apperrors.CodeUnavailable, "stat object")
	}
}
