package upload

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/GriffinCanCode/good-listener/backend/recorder/internal/encoder"
	"github.com/GriffinCanCode/good-listener/backend/recorder/internal/trace"
)

// Sweep defaults.
const (
	DefaultSweepConcurrency = 4
	DefaultSweepRate        = 5 // uploads per second
)

// SweepConfig tunes a Sweeper.
type SweepConfig struct {
	Concurrency int
	Rate        rate.Limit
	// Prune deletes a session's spool once only its confirmed full artifact remains.
	Prune bool
	// Skip excludes sessions whose spool is still owned by a recorder.
	Skip func(sessionID string) bool
	// OnUploaded is called for every chunk the sweep managed to upload.
	OnUploaded func(SweptChunk)
}

// SweptChunk describes a chunk uploaded by the sweep. Span is zero when the
// chunk's timing sidecar is gone.
type SweptChunk struct {
	Manifest Manifest
	Span     ChunkSpan
	FileName string
	Key      string
}

// SweepResult counts what one pass did.
type SweepResult struct {
	Sessions  int
	Reencoded int
	Uploaded  int
	Confirmed int
	Failed    int
	Pruned    int
}

// Sweeper re-attempts whatever a session left in the spool: intermediates
// whose encode failed, artifacts whose upload gave up, and full-session
// artifacts still waiting for confirmation.
type Sweeper struct {
	enc     *encoder.Encoder
	pipe    *Pipeline
	cfg     SweepConfig
	limiter *rate.Limiter
}

// NewSweeper creates a sweeper over the encoder's spool directory.
func NewSweeper(enc *encoder.Encoder, pipe *Pipeline, cfg SweepConfig) *Sweeper {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultSweepConcurrency
	}
	if cfg.Rate <= 0 {
		cfg.Rate = DefaultSweepRate
	}
	return &Sweeper{enc: enc, pipe: pipe, cfg: cfg, limiter: rate.NewLimiter(cfg.Rate, 1)}
}

type sweepJob struct {
	dir      string
	manifest Manifest
	name     string
}

// Sweep runs one pass. Individual failures are counted, not returned; only
// an unreadable spool or cancellation fails the pass.
func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	entries, err := os.ReadDir(s.enc.Dir())
	if errors.Is(err, fs.ErrNotExist) {
		return res, nil
	}
	if err != nil {
		return res, err
	}

	var jobs []sweepJob
	var dirs []sweepJob
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(s.enc.Dir(), e.Name())
		m, err := ReadManifest(dir)
		if err != nil {
			slog.Warn("sweep skipping session without manifest", "dir", dir, "error", err)
			continue
		}
		if s.cfg.Skip != nil && s.cfg.Skip(m.SessionID) {
			continue
		}
		res.Sessions++
		dirs = append(dirs, sweepJob{dir: dir, manifest: m})

		files, err := os.ReadDir(dir)
		if err != nil {
			return res, err
		}
		for _, f := range files {
			if f.IsDir() || f.Name() == ManifestName || f.Name()[0] == '.' {
				continue
			}
			jobs = append(jobs, sweepJob{dir: dir, manifest: m, name: f.Name()})
		}
	}

	var reencoded, uploaded, confirmed, failed atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for _, job := range jobs {
		g.Go(func() error {
			if err := s.limiter.Wait(gctx); err != nil {
				return err
			}
			outcome := s.sweepFile(gctx, job)
			switch outcome {
			case outcomeReencodedUploaded:
				reencoded.Add(1)
				uploaded.Add(1)
			case outcomeUploaded:
				uploaded.Add(1)
			case outcomeConfirmed:
				confirmed.Add(1)
			case outcomeFailed:
				failed.Add(1)
			}
			return nil
		})
	}
	err = g.Wait()

	res.Reencoded = int(reencoded.Load())
	res.Uploaded = int(uploaded.Load())
	res.Confirmed = int(confirmed.Load())
	res.Failed = int(failed.Load())

	if err == nil && s.cfg.Prune {
		for _, d := range dirs {
			if pruneIfDone(d.dir) {
				res.Pruned++
			}
		}
	}
	return res, err
}

type outcome int

const (
	outcomeNone outcome = iota
	outcomeUploaded
	outcomeReencodedUploaded
	outcomeConfirmed
	outcomeFailed
)

func (s *Sweeper) sweepFile(ctx context.Context, job sweepJob) outcome {
	m := job.manifest
	ctx = trace.WithSession(ctx, m.SessionID)
	log := trace.Logger(ctx).With("file", job.name)
	path := filepath.Join(job.dir, job.name)

	chunkKey, ext, partial := encoder.ParseName(job.name)
	codec := s.enc.Codec()

	switch {
	case partial:
		return s.confirmFull(ctx, job, path, chunkKey, ext)

	case chunkKey == encoder.FullAudioKey && ext == codec.Ext():
		// Already confirmed; only pruning touches it.
		return outcomeNone

	case "."+ext == encoder.CheckpointExt:
		a, err := s.enc.EncodeCheckpoint(ctx, path, m.SessionID, chunkKey)
		if err != nil {
			log.Warn("sweep checkpoint encode failed", "error", err)
			return outcomeFailed
		}
		return s.uploadReencoded(ctx, job, a)

	case ext == "wav" && codec.Ext() != "wav":
		a, err := s.enc.EncodeWAV(ctx, path, m.SessionID, chunkKey)
		if err != nil {
			log.Warn("sweep re-encode failed", "error", err)
			return outcomeFailed
		}
		return s.uploadReencoded(ctx, job, a)

	case ext == codec.Ext():
		a := encoder.Artifact{Path: path, SessionID: m.SessionID, ChunkKey: chunkKey, Ext: ext, ContentType: codec.ContentType()}
		if err := s.uploadChunk(ctx, job, a); err != nil {
			return outcomeFailed
		}
		log.Info("sweep uploaded leftover artifact")
		return outcomeUploaded
	}

	log.Debug("sweep ignoring unknown file")
	return outcomeNone
}

func (s *Sweeper) uploadReencoded(ctx context.Context, job sweepJob, a encoder.Artifact) outcome {
	if a.IsFull() {
		return s.confirmFull(ctx, job, a.Path, a.ChunkKey, a.Ext)
	}
	if err := s.uploadChunk(ctx, job, a); err != nil {
		return outcomeFailed
	}
	return outcomeReencodedUploaded
}

// uploadChunk uploads a chunk artifact and reports it with the timing its
// sidecar kept.
func (s *Sweeper) uploadChunk(ctx context.Context, job sweepJob, a encoder.Artifact) error {
	m := job.manifest
	key := m.Key(a.ChunkKey, a.Ext)
	if _, err := s.pipe.Upload(ctx, a, key, Meta{SessionID: m.SessionID, OwnerID: m.OwnerID}); err != nil {
		return err
	}

	log := trace.Logger(ctx).With("chunk", a.ChunkKey)
	span, err := ReadSpan(job.dir, a.ChunkKey)
	if err != nil {
		log.Warn("chunk timing unavailable, reporting without it", "error", err)
		span = ChunkSpan{Chunk: a.ChunkKey}
	}
	if s.cfg.OnUploaded != nil {
		s.cfg.OnUploaded(SweptChunk{Manifest: m, Span: span, FileName: a.ChunkKey + "." + a.Ext, Key: key})
	}
	if err := RemoveSpan(job.dir, a.ChunkKey); err != nil {
		log.Warn("failed to remove chunk timing", "error", err)
	}
	return nil
}

// confirmFull uploads the full artifact if the store lacks it, then drops the
// partial marker once the store reports the object present.
func (s *Sweeper) confirmFull(ctx context.Context, job sweepJob, path, chunkKey, ext string) outcome {
	m := job.manifest
	key := m.Key(chunkKey, ext)
	log := trace.Logger(ctx).With("key", key)

	ok, err := s.pipe.Store().Exists(ctx, key)
	if err != nil {
		log.Warn("sweep existence check failed", "error", err)
		return outcomeFailed
	}
	result := outcomeConfirmed
	if !ok {
		a := encoder.Artifact{Path: path, SessionID: m.SessionID, ChunkKey: chunkKey, Ext: ext,
			ContentType: s.enc.Codec().ContentType(), Partial: true}
		if _, err := s.pipe.Upload(ctx, a, key, Meta{SessionID: m.SessionID, OwnerID: m.OwnerID}); err != nil {
			return outcomeFailed
		}
		result = outcomeUploaded
	}
	if _, err := encoder.Finalize(path); err != nil {
		log.Warn("sweep finalize failed", "error", err)
		return outcomeFailed
	}
	log.Info("full session artifact confirmed")
	return result
}

// pruneIfDone removes a session spool holding nothing but its manifest and a
// confirmed full artifact.
func pruneIfDone(dir string) bool {
	files, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	for _, f := range files {
		if f.Name() == ManifestName || f.Name()[0] == '.' {
			continue
		}
		key, _, partial := encoder.ParseName(f.Name())
		if partial || key != encoder.FullAudioKey {
			return false
		}
	}
	if err := os.RemoveAll(dir); err != nil {
		slog.Warn("sweep prune failed", "dir", dir, "error", err)
		return false
	}
	return true
}
