// Package storage is the remote object store boundary of the upload pipeline.
package storage

import (
	"context"
	"io"
)

// Metadata keys attached to every uploaded object.
const (
	MetaSessionID = "session-id"
	MetaOwnerID   = "owner-id"
	MetaChunk     = "chunk"
)

// Object is one put request.
type Object struct {
	Key         string
	Body        io.Reader
	Size        int64
	ContentType string
	Metadata    map[string]string
}

// Store puts objects and answers existence queries for status polling.
type Store interface {
	Put(ctx context.Context, obj Object) error
	Exists(ctx context.Context, key string) (bool, error)
}
