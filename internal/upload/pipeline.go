// Package upload ships encoded artifacts to object storage with bounded
// retry and tracks which chunks are still outstanding.
package upload

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/GriffinCanCode/good-listener/backend/recorder/internal/encoder"
	apperrors "github.com/GriffinCanCode/good-listener/backend/recorder/internal/errors"
	"github.com/GriffinCanCode/good-listener/backend/recorder/internal/resilience"
	"github.com/GriffinCanCode/good-listener/backend/recorder/internal/storage"
	"github.com/GriffinCanCode/good-listener/backend/recorder/internal/trace"
)

// Meta identifies who an upload belongs to.
type Meta struct {
	SessionID string
	OwnerID   string
}

// Hooks observe uploads, typically for metrics.
type Hooks struct {
	OnAttempt func(err error)
	OnResult  func(err error, attempts int, elapsed time.Duration)
}

// Pipeline uploads artifacts. Safe for concurrent use; each call is independent.
type Pipeline struct {
	store   storage.Store
	retry   resilience.RetryConfig
	breaker *resilience.Breaker
	tracker *Tracker
	hooks   Hooks
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithBreaker fails uploads fast while the store keeps failing.
func WithBreaker(b *resilience.Breaker) Option {
	return func(p *Pipeline) { p.breaker = b }
}

// WithHooks installs observation hooks.
func WithHooks(h Hooks) Option {
	return func(p *Pipeline) { p.hooks = h }
}

// NewPipeline creates a pipeline over store.
func NewPipeline(store storage.Store, retry resilience.RetryConfig, tracker *Tracker, opts ...Option) *Pipeline {
	p := &Pipeline{store: store, retry: retry, tracker: tracker}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Tracker returns the pending/completed tracker.
func (p *Pipeline) Tracker() *Tracker { return p.tracker }

// Store returns the underlying object store.
func (p *Pipeline) Store() storage.Store { return p.store }

// Upload puts the artifact under key. On success the local file is removed,
// except for the full-session artifact which is kept until confirmed. On
// failure the file is always kept for the sweep.
func (p *Pipeline) Upload(ctx context.Context, a encoder.Artifact, key string, meta Meta) (string, error) {
	ctx, span := trace.StartSpan(ctx, "upload")
	span.SetAttr("key", key)
	log := trace.Logger(ctx)
	start := time.Now()

	p.tracker.Update(meta.SessionID, a.ChunkKey, StateUploading, 0, key, nil)

	retry := p.retry
	userHook := retry.OnAttempt
	retry.OnAttempt = func(attempt int, err error) {
		if p.hooks.OnAttempt != nil {
			p.hooks.OnAttempt(err)
		}
		if userHook != nil {
			userHook(attempt, err)
		}
		log.Warn("upload attempt failed", "key", key, "attempt", attempt, "error", err)
	}

	attempts, err := resilience.Retry(ctx, retry, func(int) error {
		return p.put(ctx, a, key, meta)
	})
	if p.hooks.OnResult != nil {
		p.hooks.OnResult(err, attempts, time.Since(start))
	}
	span.SetAttr("attempts", attempts)
	span.End()

	if err != nil {
		p.tracker.Update(meta.SessionID, a.ChunkKey, StateFailed, attempts, key, err)
		log.Error("upload gave up, artifact kept for sweep", "key", key, "path", a.Path, "span", span, "error", err)
		return "", apperrors.Wrapf(err, apperrors.CodeUploadFailed, "upload %s", key).
			WithMetadata("attempts", strconv.Itoa(attempts)).
			WithMetadata("path", a.Path)
	}

	if !a.IsFull() {
		if err := os.Remove(a.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			log.Warn("failed to remove uploaded artifact", "path", a.Path, "error", err)
		}
	}
	p.tracker.Update(meta.SessionID, a.ChunkKey, StateUploaded, attempts, key, nil)
	log.Debug("uploaded", "span", span)
	return key, nil
}

func (p *Pipeline) put(ctx context.Context, a encoder.Artifact, key string, meta Meta) error {
	call := func() error {
		f, err := os.Open(a.Path)
		if err != nil {
			// A vanished artifact cannot be retried into existence.
			return apperrors.Wrap(err, apperrors.CodeInvalidArgument, "open artifact")
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil {
			return apperrors.Wrap(err, apperrors.CodeInvalidArgument, "stat artifact")
		}
		return p.store.Put(ctx, storage.Object{
			Key:         key,
			Body:        f,
			Size:        info.Size(),
			ContentType: a.ContentType,
			Metadata: map[string]string{
				storage.MetaSessionID: meta.SessionID,
				storage.MetaOwnerID:   meta.OwnerID,
				storage.MetaChunk:     a.ChunkKey,
			},
		})
	}
	if p.breaker == nil {
		return call()
	}
	return p.breaker.Execute(call, apperrors.IsRetryable)
}
