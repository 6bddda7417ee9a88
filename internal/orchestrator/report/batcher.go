package report

import (
	"context"
	"sync"
	"time"

	apperrors "github.com/GriffinCanCode/good-listener/backend/recorder/internal/errors"
	"github.com/GriffinCanCode/good-listener/backend/recorder/internal/trace"
)

// Batcher defaults.
const (
	DefaultMaxSize    = 20
	DefaultFlushDelay = 2 * time.Second
	writeTimeout      = 10 * time.Second
)

// Batcher accumulates reports and flushes them when full or after a quiet delay.
type Batcher struct {
	sink       Sink
	maxSize    int
	flushDelay time.Duration
	onError    func(error)

	mu    sync.Mutex
	items []ChunkReport
	timer *time.Timer
	wg    sync.WaitGroup
}

// NewBatcher creates a batcher over sink. onError may be nil.
func NewBatcher(sink Sink, maxSize int, flushDelay time.Duration, onError func(error)) *Batcher {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	if flushDelay <= 0 {
		flushDelay = DefaultFlushDelay
	}
	return &Batcher{
		sink:       sink,
		maxSize:    maxSize,
		flushDelay: flushDelay,
		onError:    onError,
		items:      make([]ChunkReport, 0, maxSize),
	}
}

// Add queues a report.
func (b *Batcher) Add(r ChunkReport) {
	if r.ReportedAt.IsZero() {
		r.ReportedAt = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.items = append(b.items, r)
	if len(b.items) >= b.maxSize {
		b.flushLocked()
		return
	}
	if b.timer == nil {
		b.timer = time.AfterFunc(b.flushDelay, b.timerFlush)
	} else {
		b.timer.Reset(b.flushDelay)
	}
}

func (b *Batcher) timerFlush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flushLocked()
}

func (b *Batcher) flushLocked() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	if len(b.items) == 0 {
		return
	}
	items := b.items
	b.items = make([]ChunkReport, 0, b.maxSize)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		ctx, span := trace.StartSpan(ctx, "report_flush")
		span.SetAttr("count", len(items))

		log := trace.Logger(ctx)
		if err := b.sink.Write(ctx, items); err != nil {
			span.End()
			log.Warn("chunk report flush failed", "span", span, "error", err)
			if b.onError != nil {
				b.onError(apperrors.Wrap(err, apperrors.CodeReportSinkFailed, "flush chunk reports"))
			}
			return
		}
		span.End()
		log.Debug("chunk reports flushed", "span", span)
	}()
}

// Flush forces an immediate flush.
func (b *Batcher) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flushLocked()
}

// Stop flushes what is left and waits for in-flight writes.
func (b *Batcher) Stop() {
	b.Flush()
	b.wg.Wait()
}
