// Package app assembles the recorder from configuration.
package app

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"

	audiocap "github.com/GriffinCanCode/good-listener/backend/recorder/internal/audio"
	"github.com/GriffinCanCode/good-listener/backend/recorder/internal/config"
	"github.com/GriffinCanCode/good-listener/backend/recorder/internal/encoder"
	"github.com/GriffinCanCode/good-listener/backend/recorder/internal/encoder/opus"
	apperrors "github.com/GriffinCanCode/good-listener/backend/recorder/internal/errors"
	"github.com/GriffinCanCode/good-listener/backend/recorder/internal/grpcclient"
	"github.com/GriffinCanCode/good-listener/backend/recorder/internal/metrics"
	"github.com/GriffinCanCode/good-listener/backend/recorder/internal/orchestrator"
	"github.com/GriffinCanCode/good-listener/backend/recorder/internal/orchestrator/audio"
	"github.com/GriffinCanCode/good-listener/backend/recorder/internal/orchestrator/report"
	"github.com/GriffinCanCode/good-listener/backend/recorder/internal/resilience"
	"github.com/GriffinCanCode/good-listener/backend/recorder/internal/server"
	"github.com/GriffinCanCode/good-listener/backend/recorder/internal/storage"
	"github.com/GriffinCanCode/good-listener/backend/recorder/internal/trace"
	"github.com/GriffinCanCode/good-listener/backend/recorder/internal/upload"
	"github.com/GriffinCanCode/good-listener/backend/recorder/internal/vad"
	"github.com/GriffinCanCode/good-listener/backend/recorder/internal/vad/webrtc"
)

// HealthInterval is how often the remote classifier is health checked.
const HealthInterval = 10 * time.Second

// Options select the optional parts of the assembly.
type Options struct {
	// Capture opens the audio device when the source is portaudio.
	Capture bool
}

// App is a fully wired recorder.
type App struct {
	Config   *config.Config
	Metrics  *metrics.Metrics
	Encoder  *encoder.Encoder
	Store    storage.Store
	Pipeline *upload.Pipeline
	Sweeper  *upload.Sweeper
	Reports  *report.Batcher
	Manager  *orchestrator.Manager

	remoteVAD *grpcclient.Client
	closers   []func() error
}

// Build wires every component described by cfg.
func Build(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	a := &App{Config: cfg, Metrics: metrics.New()}
	if err := a.build(ctx, opts); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, opts Options) error {
	cfg := a.Config
	log := trace.Logger(ctx)

	classifier, err := a.newClassifier()
	if err != nil {
		return err
	}
	proc, err := audio.NewProcessor(countFrames(classifier, a.Metrics), audio.Config{
		SampleRate:   cfg.Audio.SampleRate,
		FrameSamples: cfg.FrameSamples(),
		Thresholds:   cfg.Thresholds(),
		OnMissing:    audio.MissingFramePolicy(cfg.Audio.MissingFrames),
	}, audio.Hooks{
		OnClassifyError: func(error) { a.Metrics.ClassifyErrors.Inc() },
	})
	if err != nil {
		return err
	}

	codec, err := NewCodec(cfg)
	if err != nil {
		return err
	}
	a.Encoder = encoder.New(cfg.Encoder.SpoolDir, cfg.Audio.SampleRate, codec)

	if a.Store, err = NewStore(ctx, cfg); err != nil {
		return err
	}
	a.Pipeline = a.newPipeline(upload.NewTracker(orchestrator.EventBuffer))

	sink, err := NewSink(cfg)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, sink.Close)
	a.Reports = report.NewBatcher(sink, cfg.Report.BatchSize, cfg.Report.FlushDelay, func(err error) {
		log.Warn("chunk reports dropped", "error", err)
	})
	// Queued reports reach the sink before it closes.
	a.closers = append(a.closers, func() error {
		a.Reports.Stop()
		return nil
	})

	var source orchestrator.Source
	if opts.Capture && cfg.Audio.Source == "portaudio" {
		capturer, err := audiocap.NewCapturer(audiocap.CaptureConfig{
			Device:      cfg.Audio.Device,
			DeviceRate:  cfg.Audio.DeviceRate,
			TargetRate:  cfg.Audio.SampleRate,
			BatchMillis: cfg.Audio.BatchMillis,
		})
		if err != nil {
			// Recording still works through /ws/ingest.
			log.Warn("audio capture unavailable", "error", err)
		} else {
			source = capturer
			a.closers = append(a.closers, capturer.Close)
		}
	}

	var manager *orchestrator.Manager
	a.Sweeper = upload.NewSweeper(a.Encoder, a.Pipeline, upload.SweepConfig{
		Concurrency: cfg.Sweep.Concurrency,
		Rate:        rate.Limit(cfg.Sweep.Rate),
		Prune:       cfg.Sweep.Prune,
		Skip: func(sessionID string) bool {
			return manager != nil && manager.Owns(sessionID)
		},
		OnUploaded: func(c upload.SweptChunk) {
			if manager != nil {
				manager.ReportSwept(c)
			}
		},
	})
	manager = orchestrator.New(orchestrator.Deps{
		Processor: proc,
		Encoder:   a.Encoder,
		Uploads:   a.Pipeline,
		Reports:   a.Reports,
		Source:    source,
		Sweeper:   a.Sweeper,
		Metrics:   a.Metrics,
	}, orchestrator.Options{
		OwnerID:       cfg.Upload.OwnerID,
		SweepInterval: cfg.Sweep.Interval,
	})
	a.Manager = manager

	if a.remoteVAD != nil {
		go a.remoteVAD.WatchHealth(ctx, HealthInterval)
	}
	return nil
}

func (a *App) newClassifier() (vad.Classifier, error) {
	cfg := a.Config
	switch cfg.VAD.Backend {
	case "webrtc":
		return webrtc.New(cfg.Audio.SampleRate, cfg.Audio.FrameMillis, cfg.VAD.WebRTCMode)
	case "remote":
		client, err := grpcclient.New(grpcclient.Config{
			Addr:         cfg.VAD.RemoteAddr,
			FrameSamples: cfg.FrameSamples(),
			CallTimeout:  cfg.VAD.RemoteTimeout,
		})
		if err != nil {
			return nil, err
		}
		a.remoteVAD = client
		a.closers = append(a.closers, client.Close)
		return client, nil
	default:
		return vad.NewEnergy(cfg.VAD.EnergyThreshold, cfg.FrameSamples()), nil
	}
}

func countFrames(c vad.Classifier, m *metrics.Metrics) vad.Classifier {
	return vad.ClassifierFunc(func(ctx context.Context, frame []int16) (bool, error) {
		m.FramesClassified.Inc()
		return c.Classify(ctx, frame)
	})
}

func (a *App) newPipeline(tracker *upload.Tracker) *upload.Pipeline {
	cfg := a.Config.Upload
	breaker := resilience.New(resilience.Config{
		Name:         "object-store",
		Threshold:    cfg.BreakerThreshold,
		ResetTimeout: cfg.BreakerReset,
	}).WithHook(func(name string, from, to resilience.State) {
		trace.Logger(context.Background()).Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
	})

	return upload.NewPipeline(a.Store, RetryConfig(a.Config), tracker,
		upload.WithBreaker(breaker),
		upload.WithHooks(upload.Hooks{
			OnAttempt: a.Metrics.RecordAttempt,
			OnResult: func(err error, _ int, elapsed time.Duration) {
				if err == nil {
					a.Metrics.RecordAttempt(nil)
				}
				a.Metrics.RecordUpload(elapsed, err)
			},
		}))
}

// HealthChecks returns the checks served on /healthz.
func (a *App) HealthChecks() map[string]server.HealthCheck {
	checks := map[string]server.HealthCheck{
		"store": func(ctx context.Context) error {
			_, err := a.Store.Exists(ctx, "healthz")
			return err
		},
	}
	if a.remoteVAD != nil {
		checks["vad"] = a.remoteVAD.Check
	}
	return checks
}

// Close releases every resource Build acquired, last first.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// RetryConfig converts the upload section to a retry policy.
func RetryConfig(cfg *config.Config) resilience.RetryConfig {
	rc := resilience.DefaultRetryConfig()
	rc.MaxAttempts = cfg.Upload.MaxAttempts
	rc.Delay = cfg.Upload.Delay
	rc.MaxDelay = cfg.Upload.MaxDelay
	rc.Backoff = resilience.Backoff(cfg.Upload.Backoff)
	if rc.Backoff == resilience.BackoffExponential {
		rc.JitterFactor = 0.2
	}
	return rc
}

// NewCodec returns the configured codec.
func NewCodec(cfg *config.Config) (encoder.Codec, error) {
	switch cfg.Encoder.Codec {
	case "opus":
		return opus.New(cfg.Encoder.BitrateKbps * 1000), nil
	case "aac":
		c := encoder.AAC(cfg.Encoder.BitrateKbps, cfg.Audio.SampleRate)
		c.Binary = cfg.Encoder.FFmpegPath
		return c, nil
	case "wav":
		return encoder.WAV{}, nil
	default:
		return nil, apperrors.Newf(apperrors.CodeConfigInvalid, "unknown codec %q", cfg.Encoder.Codec)
	}
}

// NewStore returns the configured object store. S3 buckets are created if missing.
func NewStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	switch cfg.Storage.Backend {
	case "s3":
		s, err := storage.NewS3Store(cfg.Storage.S3)
		if err != nil {
			return nil, err
		}
		if err := s.EnsureBucket(ctx, cfg.Storage.S3.Region); err != nil {
			return nil, err
		}
		return s, nil
	case "memory":
		return storage.NewMemoryStore(), nil
	default:
		return storage.NewFileStore(cfg.Storage.Dir)
	}
}

// NewSink returns the configured chunk report sink.
func NewSink(cfg *config.Config) (report.Sink, error) {
	switch cfg.Report.Sink {
	case "redis":
		return report.NewRedisSink(cfg.Report.Redis), nil
	case "postgres":
		sink, err := report.OpenPostgres(cfg.Report.PostgresDSN)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.CodeReportSinkFailed, "open postgres")
		}
		return sink, nil
	default:
		return report.LogSink{}, nil
	}
}
