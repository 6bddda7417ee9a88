// Package orchestrator runs recording sessions: capture feeds the processor,
// every emitted chunk is encoded and uploaded on its own goroutine, and stop
// flushes the tail and ships the full-session artifact.
package orchestrator

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	audiocap "github.com/GriffinCanCode/good-listener/backend/recorder/internal/audio"
	"github.com/GriffinCanCode/good-listener/backend/recorder/internal/encoder"
	apperrors "github.com/GriffinCanCode/good-listener/backend/recorder/internal/errors"
	"github.com/GriffinCanCode/good-listener/backend/recorder/internal/metrics"
	"github.com/GriffinCanCode/good-listener/backend/recorder/internal/orchestrator/audio"
	"github.com/GriffinCanCode/good-listener/backend/recorder/internal/orchestrator/report"
	"github.com/GriffinCanCode/good-listener/backend/recorder/internal/syncx"
	"github.com/GriffinCanCode/good-listener/backend/recorder/internal/trace"
	"github.com/GriffinCanCode/good-listener/backend/recorder/internal/upload"
)

// Source produces captured batches. *audiocap.Capturer implements it.
type Source interface {
	Start(ctx context.Context) error
	Output() <-chan audiocap.Batch
	Stop()
}

// Deps are the collaborators a Manager drives.
type Deps struct {
	Processor *audio.Processor
	Encoder   *encoder.Encoder
	Uploads   *upload.Pipeline
	Reports   *report.Batcher
	Source    Source          // optional; nil when audio arrives through Feed only
	Sweeper   *upload.Sweeper // optional
	Metrics   *metrics.Metrics
}

// Options tune a Manager.
type Options struct {
	OwnerID       string
	StopTimeout   time.Duration
	SweepInterval time.Duration
	Now           func() time.Time
}

// Session identifies a recording.
type Session struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	StartedAt time.Time `json:"started_at"`
}

// Summary is returned by StopSession.
type Summary struct {
	Session
	Chunks          int      `json:"chunks"`
	Uploaded        int      `json:"uploaded"`
	Pending         []string `json:"pending,omitempty"`
	FullKey         string   `json:"full_key,omitempty"`
	DurationSeconds float64  `json:"duration_seconds"`
}

// Snapshot is the observable state of the manager.
type Snapshot struct {
	Active    bool                 `json:"active"`
	Session   *Session             `json:"session,omitempty"`
	Samples   int                  `json:"samples"`
	Frames    int                  `json:"frames"`
	Pending   []string             `json:"pending"`
	Completed []string             `json:"completed"`
	Chunks    []upload.ChunkStatus `json:"chunks"`
}

type activeSession struct {
	Session
	token     syncx.Token
	cancelled atomic.Bool
	tasks     sync.WaitGroup
	done      chan struct{} // closed when capture for this session must end
	endOnce   sync.Once
}

// Manager coordinates sessions. Start, stop and cancel are serialized;
// Feed may be called from any goroutine.
type Manager struct {
	deps Deps
	opts Options

	lifecycle sync.Mutex
	// feedMu keeps a batch's chunks and the session they are dispatched
	// under consistent: Feed holds it shared, finalize and reset exclusively.
	feedMu sync.RWMutex
	cur    *syncx.Guard[*activeSession]
	epoch  syncx.Epoch

	// owned holds sessions whose spool is still being written, from start
	// until stop or cancel has fully finished.
	ownedMu sync.Mutex
	owned   map[string]struct{}

	stopCh   chan struct{}
	stopOnce sync.Once
	loops    sync.WaitGroup
}

// New creates a manager.
func New(deps Deps, opts Options) *Manager {
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = DefaultStopTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		deps:   deps,
		opts:   opts,
		cur:    syncx.NewGuard[*activeSession](nil),
		owned:  make(map[string]struct{}),
		stopCh: make(chan struct{}),
	}
}

// Events returns the upload tracker's notifications.
func (m *Manager) Events() <-chan upload.Event {
	return m.deps.Uploads.Tracker().Events()
}

// IsActive reports whether sessionID is the session being recorded.
func (m *Manager) IsActive(sessionID string) bool {
	s := m.cur.Get()
	return s != nil && s.ID == sessionID
}

// Owns reports whether sessionID's spool belongs to a session that is
// recording or still stopping. The sweep must leave it alone.
func (m *Manager) Owns(sessionID string) bool {
	m.ownedMu.Lock()
	defer m.ownedMu.Unlock()
	_, ok := m.owned[sessionID]
	return ok
}

func (m *Manager) own(sessionID string) {
	m.ownedMu.Lock()
	defer m.ownedMu.Unlock()
	m.owned[sessionID] = struct{}{}
}

func (m *Manager) release(sessionID string) {
	m.ownedMu.Lock()
	defer m.ownedMu.Unlock()
	delete(m.owned, sessionID)
}

// releaseAfterTasks releases s once its chunk tasks are done.
func (m *Manager) releaseAfterTasks(s *activeSession, finished bool) {
	if finished {
		m.release(s.ID)
		return
	}
	go func() {
		s.tasks.Wait()
		m.release(s.ID)
	}()
}

// Start runs background loops until Shutdown or ctx ends.
func (m *Manager) Start(ctx context.Context) {
	if m.deps.Sweeper != nil && m.opts.SweepInterval > 0 {
		m.loops.Add(1)
		go m.sweepLoop(ctx)
	}
}

// StartSession begins a new recording owned by ownerID.
func (m *Manager) StartSession(ctx context.Context, ownerID string) (Session, error) {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	if s := m.cur.Get(); s != nil {
		return Session{}, apperrors.Newf(apperrors.CodeSessionActive, "session %s is recording", s.ID)
	}
	if ownerID == "" {
		ownerID = m.opts.OwnerID
	}

	s := &activeSession{
		Session: Session{ID: uuid.NewString(), OwnerID: ownerID, StartedAt: m.opts.Now().UTC()},
		done:    make(chan struct{}),
	}
	ctx = trace.WithSession(ctx, s.ID)
	log := trace.Logger(ctx)

	m.own(s.ID)
	manifest := upload.Manifest{SessionID: s.ID, OwnerID: s.OwnerID, StartedAt: s.StartedAt}
	if err := upload.WriteManifest(m.deps.Encoder.SessionDir(s.ID), manifest); err != nil {
		m.release(s.ID)
		return Session{}, apperrors.Wrap(err, apperrors.CodeInternal, "write session manifest")
	}
	if err := m.deps.Processor.Begin(s.ID); err != nil {
		m.release(s.ID)
		return Session{}, err
	}

	s.token = m.epoch.Advance()
	m.deps.Uploads.Tracker().Reset(s.ID)
	m.cur.Set(s)
	m.setGauges(1, 0)

	if m.deps.Source != nil {
		if err := m.deps.Source.Start(context.WithoutCancel(ctx)); err != nil {
			log.Warn("audio capture start failed, waiting for fed audio", "error", err)
		} else {
			m.loops.Add(1)
			go m.captureLoop(ctx, s)
		}
	}

	log.Info("session started", "owner_id", s.OwnerID)
	return s.Session, nil
}

// Feed processes one batch of samples at the pipeline rate.
func (m *Manager) Feed(ctx context.Context, samples []int16) error {
	m.feedMu.RLock()
	defer m.feedMu.RUnlock()

	s := m.cur.Get()
	if s == nil {
		return apperrors.New(apperrors.CodeNoSession, "no session recording")
	}
	chunks, err := m.deps.Processor.ProcessFrame(ctx, samples)
	if err != nil {
		return err
	}
	for _, c := range chunks {
		m.dispatch(s, c)
	}
	return nil
}

func (m *Manager) dispatch(s *activeSession, c audio.Chunk) {
	name := upload.ChunkName(c.Index)
	m.deps.Uploads.Tracker().Enqueue(s.ID, name)
	m.publishPending(s)
	if m.deps.Metrics != nil {
		m.deps.Metrics.RecordCut(c.Reason.String(), c.EndSeconds()-c.StartSeconds())
	}

	s.tasks.Add(1)
	go func() {
		defer s.tasks.Done()
		m.shipChunk(s, c, name)
	}()
}

// shipChunk encodes and uploads one chunk, then reports it. It runs detached
// from the caller's context so a finished request does not abort the upload.
func (m *Manager) shipChunk(s *activeSession, c audio.Chunk, name string) {
	if s.cancelled.Load() {
		return
	}
	ctx := trace.WithSession(context.Background(), s.ID)
	ctx, span := trace.StartSpan(ctx, "ship_chunk")
	span.SetAttr("chunk", name)
	defer span.End()
	log := trace.Logger(ctx)

	ext := m.deps.Encoder.Codec().Ext()
	r := report.ChunkReport{
		SessionID:    s.ID,
		OwnerID:      s.OwnerID,
		FileName:     name + "." + ext,
		Key:          upload.Key(s.StartedAt, s.ID, name, ext),
		StartSeconds: c.StartSeconds(),
		EndSeconds:   c.EndSeconds(),
	}

	// The timing outlives a failed upload so the sweep can report the chunk.
	dir := m.deps.Encoder.SessionDir(s.ID)
	timing := upload.ChunkSpan{Chunk: name, StartSeconds: r.StartSeconds, EndSeconds: r.EndSeconds}
	if err := upload.WriteSpan(dir, timing); err != nil {
		log.Warn("failed to keep chunk timing", "chunk", name, "error", err)
	}

	a, err := m.encode(ctx, c.Samples, s.ID, name)
	if err != nil {
		log.Error("chunk encode failed, samples kept for the sweep", "chunk", name, "error", err)
		m.deps.Uploads.Tracker().Update(s.ID, name, upload.StateFailed, 0, "", err)
	} else {
		_, err = m.deps.Uploads.Upload(ctx, a, r.Key, upload.Meta{SessionID: s.ID, OwnerID: s.OwnerID})
		r.Uploaded = err == nil
	}
	if r.Uploaded {
		if err := upload.RemoveSpan(dir, name); err != nil {
			log.Warn("failed to remove chunk timing", "chunk", name, "error", err)
		}
	}

	if s.cancelled.Load() {
		log.Debug("discarding result of cancelled session", "chunk", name)
		return
	}
	if m.deps.Reports != nil {
		r.ReportedAt = m.opts.Now().UTC()
		m.deps.Reports.Add(r)
	}
	m.publishPending(s)
}

func (m *Manager) encode(ctx context.Context, samples []int16, sessionID, name string) (encoder.Artifact, error) {
	start := time.Now()
	a, err := m.deps.Encoder.Encode(ctx, samples, sessionID, name)
	if m.deps.Metrics != nil {
		m.deps.Metrics.RecordEncode(m.deps.Encoder.Codec().Name(), time.Since(start), err)
	}
	return a, err
}

// publishPending mirrors the tracker into the gauge, but only for the live session.
func (m *Manager) publishPending(s *activeSession) {
	if m.deps.Metrics == nil || !m.epoch.Valid(s.token) {
		return
	}
	m.deps.Metrics.PendingChunks.Set(float64(len(m.deps.Uploads.Tracker().Pending())))
}

func (m *Manager) setGauges(active, pending float64) {
	if m.deps.Metrics == nil {
		return
	}
	m.deps.Metrics.ActiveSessions.Set(active)
	m.deps.Metrics.PendingChunks.Set(pending)
}

// StopSession force-clips the tail, waits for chunk uploads, then encodes and
// uploads the full-session artifact. Each stage is bounded by the stop timeout
// rather than ctx, so a caller going away does not strand the recording.
func (m *Manager) StopSession(ctx context.Context) (Summary, error) {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	s := m.cur.Get()
	if s == nil {
		return Summary{}, apperrors.New(apperrors.CodeNoSession, "no session recording")
	}
	ctx = trace.WithSession(context.WithoutCancel(ctx), s.ID)
	ctx, span := trace.StartSpan(ctx, "stop_session")
	defer span.End()
	log := trace.Logger(ctx)

	m.endCapture(s)

	m.feedMu.Lock()
	tail, full, err := m.deps.Processor.Finalize()
	if err == nil {
		m.cur.Set(nil)
	}
	m.feedMu.Unlock()
	if err != nil {
		return Summary{}, err
	}
	if tail != nil {
		m.dispatch(s, *tail)
	}

	summary := Summary{
		Session:         s.Session,
		DurationSeconds: float64(len(full)) / float64(m.deps.Processor.Config().SampleRate),
	}
	if tail != nil {
		summary.Chunks = tail.Index + 1
	} else {
		summary.Chunks = m.deps.Processor.Stats().Chunks
	}

	waitCtx, cancelWait := context.WithTimeout(ctx, m.opts.StopTimeout)
	finished := waitTasks(waitCtx, &s.tasks)
	cancelWait()
	if !finished {
		log.Warn("chunk uploads still running, continuing with full audio")
	}
	defer m.releaseAfterTasks(s, finished)

	if len(full) > 0 {
		fullCtx, cancelFull := context.WithTimeout(ctx, m.opts.StopTimeout)
		summary.FullKey = m.shipFull(fullCtx, s, full)
		cancelFull()
	}

	if m.deps.Reports != nil {
		m.deps.Reports.Flush()
	}
	tracker := m.deps.Uploads.Tracker()
	summary.Pending = tracker.Pending()
	for _, c := range tracker.Completed() {
		if c != encoder.FullAudioKey {
			summary.Uploaded++
		}
	}
	m.setGauges(0, float64(len(summary.Pending)))

	span.SetAttr("chunks", summary.Chunks)
	log.Info("session stopped",
		"chunks", summary.Chunks,
		"uploaded", summary.Uploaded,
		"pending", len(summary.Pending),
		"duration_s", summary.DurationSeconds,
		"span", span)
	return summary, nil
}

// shipFull encodes and uploads the whole recording, returning its key when
// the upload succeeded.
func (m *Manager) shipFull(ctx context.Context, s *activeSession, full []int16) string {
	tracker := m.deps.Uploads.Tracker()
	tracker.Enqueue(s.ID, encoder.FullAudioKey)
	a, err := m.encode(ctx, full, s.ID, encoder.FullAudioKey)
	if err != nil {
		trace.Logger(ctx).Error("full audio encode failed, intermediate kept", "error", err)
		tracker.Update(s.ID, encoder.FullAudioKey, upload.StateFailed, 0, "", err)
		return ""
	}
	key := upload.Key(s.StartedAt, s.ID, encoder.FullAudioKey, a.Ext)
	if _, err := m.deps.Uploads.Upload(ctx, a, key, upload.Meta{SessionID: s.ID, OwnerID: s.OwnerID}); err != nil {
		return ""
	}
	return key
}

// CancelSession discards the session: the tail is dropped, results of chunks
// still in flight are ignored and the spool is removed once they finish.
func (m *Manager) CancelSession() error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	s := m.cur.Get()
	if s == nil {
		return apperrors.New(apperrors.CodeNoSession, "no session recording")
	}
	m.endCapture(s)

	log := trace.Logger(trace.WithSession(context.Background(), s.ID))
	dir := m.deps.Encoder.SessionDir(s.ID)

	m.feedMu.Lock()
	s.cancelled.Store(true)
	// Without a manifest no sweep, in this process or another, adopts the spool.
	if err := os.Remove(filepath.Join(dir, upload.ManifestName)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Warn("failed to remove cancelled manifest", "error", err)
	}
	m.deps.Processor.Reset()
	m.epoch.Advance()
	m.deps.Uploads.Tracker().Reset("")
	m.cur.Set(nil)
	m.feedMu.Unlock()
	m.setGauges(0, 0)

	go func() {
		s.tasks.Wait()
		if err := os.RemoveAll(dir); err != nil {
			log.Warn("failed to remove cancelled spool", "error", err)
		}
		m.release(s.ID)
	}()

	log.Info("session cancelled")
	return nil
}

// Snapshot returns the current state.
func (m *Manager) Snapshot() Snapshot {
	tracker := m.deps.Uploads.Tracker()
	snap := Snapshot{
		Pending:   tracker.Pending(),
		Completed: tracker.Completed(),
		Chunks:    tracker.Status(),
	}
	if s := m.cur.Get(); s != nil {
		sess := s.Session
		stats := m.deps.Processor.Stats()
		snap.Active = true
		snap.Session = &sess
		snap.Samples = stats.Samples
		snap.Frames = stats.Frames
	}
	return snap
}

// Shutdown stops an active session gracefully and ends background loops.
func (m *Manager) Shutdown(ctx context.Context) error {
	var err error
	if m.cur.Get() != nil {
		_, err = m.StopSession(ctx)
	}
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.loops.Wait()
	if m.deps.Reports != nil {
		m.deps.Reports.Stop()
	}
	return err
}

func (m *Manager) endCapture(s *activeSession) {
	s.endOnce.Do(func() {
		close(s.done)
		if m.deps.Source != nil {
			m.deps.Source.Stop()
		}
	})
}

func (m *Manager) captureLoop(ctx context.Context, s *activeSession) {
	defer m.loops.Done()
	log := trace.Logger(ctx)
	for {
		select {
		case <-s.done:
			return
		case <-m.stopCh:
			return
		case batch := <-m.deps.Source.Output():
			if err := m.Feed(ctx, batch.Samples); err != nil {
				if apperrors.IsCode(err, apperrors.CodeNoSession) {
					return
				}
				log.Warn("feed failed", "error", err)
			}
		}
	}
}

func (m *Manager) sweepLoop(ctx context.Context) {
	defer m.loops.Done()
	ticker := time.NewTicker(m.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.SweepOnce(ctx)
		}
	}
}

// ReportSwept publishes the report of a chunk the sweep uploaded, replacing
// the one sent when its first upload failed.
func (m *Manager) ReportSwept(c upload.SweptChunk) {
	if m.deps.Reports == nil {
		return
	}
	m.deps.Reports.Add(report.ChunkReport{
		SessionID:    c.Manifest.SessionID,
		OwnerID:      c.Manifest.OwnerID,
		FileName:     c.FileName,
		Key:          c.Key,
		StartSeconds: c.Span.StartSeconds,
		EndSeconds:   c.Span.EndSeconds,
		Uploaded:     true,
		ReportedAt:   m.opts.Now().UTC(),
	})
}

// SweepOnce runs one leftover sweep, skipping the live session.
func (m *Manager) SweepOnce(ctx context.Context) (upload.SweepResult, error) {
	res, err := m.deps.Sweeper.Sweep(ctx)
	if err != nil {
		trace.Logger(ctx).Warn("sweep failed", "error", err)
		return res, err
	}
	if m.deps.Metrics != nil {
		m.deps.Metrics.RecordSweep("reencoded", res.Reencoded)
		m.deps.Metrics.RecordSweep("uploaded", res.Uploaded)
		m.deps.Metrics.RecordSweep("confirmed", res.Confirmed)
		m.deps.Metrics.RecordSweep("failed", res.Failed)
		m.deps.Metrics.RecordSweep("pruned", res.Pruned)
	}
	return res, nil
}

func waitTasks(ctx context.Context, wg *sync.WaitGroup) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
