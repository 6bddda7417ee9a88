package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	audiocap "github.com/GriffinCanCode/good-listener/backend/recorder/internal/audio"
	"github.com/GriffinCanCode/good-listener/backend/recorder/internal/encoder"
	apperrors "github.com/GriffinCanCode/good-listener/backend/recorder/internal/errors"
	"github.com/GriffinCanCode/good-listener/backend/recorder/internal/metrics"
	"github.com/GriffinCanCode/good-listener/backend/recorder/internal/orchestrator/audio"
	"github.com/GriffinCanCode/good-listener/backend/recorder/internal/orchestrator/report"
	"github.com/GriffinCanCode/good-listener/backend/recorder/internal/resilience"
	"github.com/GriffinCanCode/good-listener/backend/recorder/internal/storage"
	"github.com/GriffinCanCode/good-listener/backend/recorder/internal/upload"
	"github.com/GriffinCanCode/good-listener/backend/recorder/internal/vad"
)

var sessionDay = time.Date(2026, 10, 19, 9, 30, 0, 0, time.UTC)

type captureSink struct {
	mu      sync.Mutex
	reports []report.ChunkReport
}

func (s *captureSink) Write(_ context.Context, rs []report.ChunkReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, rs...)
	return nil
}

func (s *captureSink) Close() error { return nil }

func (s *captureSink) All() []report.ChunkReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := slices.Clone(s.reports)
	slices.SortFunc(out, func(a, b report.ChunkReport) int { return int(a.StartSeconds - b.StartSeconds) })
	return out
}

// gateStore blocks every Put until release is closed.
type gateStore struct {
	storage.Store
	release chan struct{}
}

func (g *gateStore) Put(ctx context.Context, obj storage.Object) error {
	<-g.release
	return g.Store.Put(ctx, obj)
}

type failingStore struct{ storage.MemoryStore }

func (*failingStore) Put(context.Context, storage.Object) error {
	return apperrors.New(apperrors.CodeUnavailable, "503")
}

type fakeSource struct {
	out     chan audiocap.Batch
	started int
	stopped int
	mu      sync.Mutex
}

func (f *fakeSource) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started++
	return nil
}

func (f *fakeSource) Output() <-chan audiocap.Batch { return f.out }

func (f *fakeSource) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped++
}

type fixture struct {
	mgr     *Manager
	spool   string
	store   storage.Store
	sink    *captureSink
	tracker *upload.Tracker
	metrics *metrics.Metrics
}

func newFixture(t *testing.T, store storage.Store, source Source) *fixture {
	t.Helper()
	proc, err := audio.NewProcessor(vad.NewEnergy(0, vad.DefaultFrameSamples), audio.DefaultConfig(), audio.Hooks{})
	require.NoError(t, err)

	spool := t.TempDir()
	retry := resilience.DefaultRetryConfig()
	retry.Sleep = func(context.Context, time.Duration) error { return nil }
	tracker := upload.NewTracker(EventBuffer)
	sink := &captureSink{}
	m := metrics.New()

	mgr := New(Deps{
		Processor: proc,
		Encoder:   encoder.New(spool, vad.DefaultSampleRate, encoder.WAV{}),
		Uploads:   upload.NewPipeline(store, retry, tracker),
		Reports:   report.NewBatcher(sink, 100, time.Hour, nil),
		Source:    source,
		Metrics:   m,
	}, Options{
		OwnerID: "owner-1",
		Now:     func() time.Time { return sessionDay },
	})
	t.Cleanup(func() { _ = mgr.Shutdown(context.Background()) })
	return &fixture{mgr: mgr, spool: spool, store: store, sink: sink, tracker: tracker, metrics: m}
}

func speech(seconds float64) []int16 {
	out := make([]int16, int(seconds*vad.DefaultSampleRate))
	for i := range out {
		out[i] = 1000
	}
	return out
}

func feed(t *testing.T, m *Manager, samples []int16) {
	t.Helper()
	for off := 0; off < len(samples); off += 1600 {
		require.NoError(t, m.Feed(context.Background(), samples[off:min(off+1600, len(samples))]))
	}
}

func TestSessionLifecycle(t *testing.T) {
	store := storage.NewMemoryStore()
	f := newFixture(t, store, nil)

	sess, err := f.mgr.StartSession(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "owner-1", sess.OwnerID)
	assert.True(t, f.mgr.IsActive(sess.ID))

	manifest, err := upload.ReadManifest(filepath.Join(f.spool, sess.ID))
	require.NoError(t, err)
	assert.Equal(t, sess.ID, manifest.SessionID)

	feed(t, f.mgr, speech(30))
	snap := f.mgr.Snapshot()
	assert.True(t, snap.Active)
	assert.Equal(t, 30*vad.DefaultSampleRate, snap.Samples)

	summary, err := f.mgr.StopSession(context.Background())
	require.NoError(t, err)

	prefix := "261019/" + sess.ID + "/"
	assert.Equal(t, 2, summary.Chunks)
	assert.Equal(t, 2, summary.Uploaded)
	assert.Empty(t, summary.Pending)
	assert.Equal(t, prefix+"full_audio.wav", summary.FullKey)
	assert.InDelta(t, 30.0, summary.DurationSeconds, 1e-9)
	assert.ElementsMatch(t, []string{prefix + "0.wav", prefix + "1.wav", prefix + "full_audio.wav"}, store.Keys())

	obj, ok := store.Get(prefix + "0.wav")
	require.True(t, ok)
	assert.Equal(t, sess.ID, obj.Metadata[storage.MetaSessionID])
	assert.Equal(t, "owner-1", obj.Metadata[storage.MetaOwnerID])

	// Chunk artifacts are gone; the full artifact waits for confirmation.
	entries, err := os.ReadDir(filepath.Join(f.spool, sess.ID))
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{upload.ManifestName, "full_audio.wav.partial"}, names)

	f.mgr.deps.Reports.Stop()
	reports := f.sink.All()
	require.Len(t, reports, 2)
	assert.Equal(t, "0.wav", reports[0].FileName)
	assert.InDelta(t, 0.0, reports[0].StartSeconds, 1e-9)
	assert.InDelta(t, 25.0, reports[0].EndSeconds, 1e-9)
	assert.True(t, reports[0].Uploaded)
	assert.InDelta(t, 25.0, reports[1].StartSeconds, 1e-9)
	assert.InDelta(t, 30.0, reports[1].EndSeconds, 1e-9)

	assert.False(t, f.mgr.Snapshot().Active)
}

func TestSessionStateErrors(t *testing.T) {
	f := newFixture(t, storage.NewMemoryStore(), nil)
	ctx := context.Background()

	assert.True(t, apperrors.IsCode(f.mgr.Feed(ctx, speech(0.1)), apperrors.CodeNoSession))
	_, err := f.mgr.StopSession(ctx)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeNoSession))
	assert.True(t, apperrors.IsCode(f.mgr.CancelSession(), apperrors.CodeNoSession))

	_, err = f.mgr.StartSession(ctx, "someone")
	require.NoError(t, err)
	_, err = f.mgr.StartSession(ctx, "someone")
	assert.True(t, apperrors.IsCode(err, apperrors.CodeSessionActive))
}

func TestStopWithoutAudio(t *testing.T) {
	store := storage.NewMemoryStore()
	f := newFixture(t, store, nil)

	_, err := f.mgr.StartSession(context.Background(), "")
	require.NoError(t, err)
	summary, err := f.mgr.StopSession(context.Background())
	require.NoError(t, err)

	assert.Zero(t, summary.Chunks)
	assert.Empty(t, summary.FullKey)
	assert.Empty(t, store.Keys())
}

func TestUploadFailureKeepsArtifacts(t *testing.T) {
	f := newFixture(t, &failingStore{}, nil)

	sess, err := f.mgr.StartSession(context.Background(), "")
	require.NoError(t, err)
	feed(t, f.mgr, speech(27))
	summary, err := f.mgr.StopSession(context.Background())
	require.NoError(t, err)

	assert.Zero(t, summary.Uploaded)
	assert.Empty(t, summary.FullKey)
	assert.Equal(t, []string{"0", "1", encoder.FullAudioKey}, summary.Pending)

	dir := filepath.Join(f.spool, sess.ID)
	for _, name := range []string{"0.wav", "1.wav", "full_audio.wav.partial"} {
		assert.FileExists(t, filepath.Join(dir, name))
	}

	f.mgr.deps.Reports.Stop()
	for _, r := range f.sink.All() {
		assert.False(t, r.Uploaded)
	}
}

func TestCancelDiscardsInFlightResults(t *testing.T) {
	gate := &gateStore{Store: storage.NewMemoryStore(), release: make(chan struct{})}
	f := newFixture(t, gate, nil)

	first, err := f.mgr.StartSession(context.Background(), "")
	require.NoError(t, err)
	feed(t, f.mgr, speech(25)) // forced cut, upload blocks in the store
	require.Eventually(t, func() bool {
		return slices.ContainsFunc(f.tracker.Status(), func(c upload.ChunkStatus) bool { return c.State == upload.StateUploading })
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, f.mgr.CancelSession())
	second, err := f.mgr.StartSession(context.Background(), "")
	require.NoError(t, err)

	close(gate.release)

	dir := filepath.Join(f.spool, first.ID)
	require.Eventually(t, func() bool {
		_, err := os.Stat(dir)
		return errors.Is(err, os.ErrNotExist)
	}, 5*time.Second, 5*time.Millisecond)

	assert.Equal(t, second.ID, f.tracker.Session())
	assert.Empty(t, f.tracker.Status(), "stale chunk must not appear in the new session")

	f.mgr.deps.Reports.Flush()
	for _, r := range f.sink.All() {
		assert.NotEqual(t, first.ID, r.SessionID)
	}
}

func TestCaptureSourceFeedsSession(t *testing.T) {
	src := &fakeSource{out: make(chan audiocap.Batch, 400)}
	store := storage.NewMemoryStore()
	f := newFixture(t, store, src)

	_, err := f.mgr.StartSession(context.Background(), "")
	require.NoError(t, err)

	samples := speech(3)
	for off := 0; off < len(samples); off += 1600 {
		src.out <- audiocap.Batch{Samples: samples[off : off+1600]}
	}
	require.Eventually(t, func() bool {
		return len(src.out) == 0 && f.mgr.Snapshot().Samples == len(samples)
	}, 5*time.Second, 5*time.Millisecond)

	summary, err := f.mgr.StopSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Chunks)
	assert.Equal(t, 1, src.started)
	assert.Equal(t, 1, src.stopped)
}

func TestSweepOnceSkipsLiveSession(t *testing.T) {
	store := storage.NewMemoryStore()
	f := newFixture(t, store, nil)
	f.mgr.deps.Sweeper = upload.NewSweeper(f.mgr.deps.Encoder, f.mgr.deps.Uploads, upload.SweepConfig{Skip: f.mgr.Owns})

	sess, err := f.mgr.StartSession(context.Background(), "")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(f.spool, sess.ID, "7.wav"), []byte("x"), 0o644))

	res, err := f.mgr.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Uploaded)
	assert.Empty(t, store.Keys())
}

func (f *fixture) withSweeper() {
	f.mgr.deps.Sweeper = upload.NewSweeper(f.mgr.deps.Encoder, f.mgr.deps.Uploads, upload.SweepConfig{
		Rate:       1000,
		Skip:       f.mgr.Owns,
		OnUploaded: f.mgr.ReportSwept,
	})
}

func TestSweepLeavesStoppingSessionAlone(t *testing.T) {
	mem := storage.NewMemoryStore()
	gate := &gateStore{Store: mem, release: make(chan struct{})}
	f := newFixture(t, gate, nil)
	f.withSweeper()
	f.mgr.opts.StopTimeout = 50 * time.Millisecond

	sess, err := f.mgr.StartSession(context.Background(), "")
	require.NoError(t, err)
	feed(t, f.mgr, speech(26))

	stopped := make(chan Summary, 1)
	go func() {
		summary, err := f.mgr.StopSession(context.Background())
		assert.NoError(t, err)
		stopped <- summary
	}()
	require.Eventually(t, func() bool {
		return slices.ContainsFunc(f.tracker.Status(), func(c upload.ChunkStatus) bool {
			return c.Chunk == encoder.FullAudioKey && c.State == upload.StateUploading
		})
	}, 5*time.Second, 5*time.Millisecond)
	assert.False(t, f.mgr.IsActive(sess.ID))
	assert.True(t, f.mgr.Owns(sess.ID))

	res, err := f.mgr.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, upload.SweepResult{}, res)
	assert.FileExists(t, filepath.Join(f.spool, sess.ID, "full_audio.wav.partial"))

	close(gate.release)
	summary := <-stopped
	assert.NotEmpty(t, summary.FullKey)
	require.Eventually(t, func() bool { return !f.mgr.Owns(sess.ID) }, 5*time.Second, 5*time.Millisecond)

	// Released: the sweep only confirms what stop already uploaded.
	res, err = f.mgr.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Confirmed)
	assert.Zero(t, res.Uploaded)
	assert.Equal(t, 3, mem.Puts())
}

func TestCancelledSpoolIsNeverSwept(t *testing.T) {
	mem := storage.NewMemoryStore()
	gate := &gateStore{Store: mem, release: make(chan struct{})}
	f := newFixture(t, gate, nil)
	f.withSweeper()

	sess, err := f.mgr.StartSession(context.Background(), "")
	require.NoError(t, err)
	feed(t, f.mgr, speech(25))
	require.Eventually(t, func() bool {
		return slices.ContainsFunc(f.tracker.Status(), func(c upload.ChunkStatus) bool { return c.State == upload.StateUploading })
	}, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, f.mgr.CancelSession())

	res, err := f.mgr.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Sessions)

	close(gate.release)
	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(f.spool, sess.ID))
		return errors.Is(err, os.ErrNotExist) && !f.mgr.Owns(sess.ID)
	}, 5*time.Second, 5*time.Millisecond)
}

func TestStopOutlivesCallerContext(t *testing.T) {
	store := storage.NewMemoryStore()
	f := newFixture(t, store, nil)

	sess, err := f.mgr.StartSession(context.Background(), "")
	require.NoError(t, err)
	feed(t, f.mgr, speech(3))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	summary, err := f.mgr.StopSession(ctx)

	require.NoError(t, err)
	assert.Equal(t, "261019/"+sess.ID+"/full_audio.wav", summary.FullKey)
	assert.Equal(t, 1, summary.Uploaded)
	assert.Empty(t, summary.Pending)
}

func TestFailedChunkIsRecoveredAndReported(t *testing.T) {
	store := storage.NewMemoryStore()
	f := newFixture(t, store, nil)
	f.withSweeper()

	sess, err := f.mgr.StartSession(context.Background(), "")
	require.NoError(t, err)
	dir := filepath.Join(f.spool, sess.ID)
	// Occupy the intermediate path so the chunk's WAV cannot be written.
	blocker := filepath.Join(dir, "0.wav")
	require.NoError(t, os.MkdirAll(blocker, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(blocker, "x"), nil, 0o644))

	feed(t, f.mgr, speech(3))
	summary, err := f.mgr.StopSession(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"0"}, summary.Pending)
	assert.FileExists(t, filepath.Join(dir, "0"+encoder.CheckpointExt))
	assert.FileExists(t, upload.SpanPath(dir, "0"))

	f.mgr.deps.Reports.Flush()
	first := f.sink.All()
	require.Len(t, first, 1)
	assert.Equal(t, "0.wav", first[0].FileName)
	assert.Equal(t, "261019/"+sess.ID+"/0.wav", first[0].Key)
	assert.False(t, first[0].Uploaded)

	require.NoError(t, os.RemoveAll(blocker))
	res, err := f.mgr.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Reencoded)
	assert.Contains(t, store.Keys(), "261019/"+sess.ID+"/0.wav")
	assert.NoFileExists(t, upload.SpanPath(dir, "0"))

	f.mgr.deps.Reports.Flush()
	all := f.sink.All()
	require.Len(t, all, 2)
	i := slices.IndexFunc(all, func(r report.ChunkReport) bool { return r.Uploaded })
	require.GreaterOrEqual(t, i, 0)
	last := all[i]
	assert.Equal(t, first[0].FileName, last.FileName)
	assert.InDelta(t, 0.0, last.StartSeconds, 1e-9)
	assert.InDelta(t, 3.0, last.EndSeconds, 1e-9)
}
