// Package config loads recorder settings from defaults, an optional YAML
// file and the environment, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	apperrors "github.com/GriffinCanCode/good-listener/backend/recorder/internal/errors"
	"github.com/GriffinCanCode/good-listener/backend/recorder/internal/orchestrator/report"
	"github.com/GriffinCanCode/good-listener/backend/recorder/internal/segment"
	"github.com/GriffinCanCode/good-listener/backend/recorder/internal/storage"
)

// Config is the full recorder configuration.
type Config struct {
	HTTPAddr  string            `yaml:"http_addr"`
	LogLevel  string            `yaml:"log_level"`
	LogFormat string            `yaml:"log_format"` // text | json
	Audio     AudioConfig       `yaml:"audio"`
	Chunking  segment.Durations `yaml:"chunking"`
	VAD       VADConfig         `yaml:"vad"`
	Encoder   EncoderConfig     `yaml:"encoder"`
	Upload    UploadConfig      `yaml:"upload"`
	Storage   StorageConfig     `yaml:"storage"`
	Report    ReportConfig      `yaml:"report"`
	Sweep     SweepConfig       `yaml:"sweep"`
}

// AudioConfig describes the input stream.
type AudioConfig struct {
	Source        string `yaml:"source"` // portaudio | websocket
	Device        string `yaml:"device"` // substring match, empty for default input
	DeviceRate    int    `yaml:"device_rate"`
	SampleRate    int    `yaml:"sample_rate"` // required pipeline rate
	FrameMillis   int    `yaml:"frame_ms"`
	BatchMillis   int    `yaml:"batch_ms"`
	MissingFrames string `yaml:"missing_frames"` // speech | silence
}

// VADConfig selects the frame classifier.
type VADConfig struct {
	Backend         string        `yaml:"backend"` // energy | webrtc | remote
	EnergyThreshold float64       `yaml:"energy_threshold"`
	WebRTCMode      int           `yaml:"webrtc_mode"`
	RemoteAddr      string        `yaml:"remote_addr"`
	RemoteTimeout   time.Duration `yaml:"remote_timeout"`
}

// EncoderConfig selects the codec and spool.
type EncoderConfig struct {
	Codec       string `yaml:"codec"` // opus | aac | wav
	BitrateKbps int    `yaml:"bitrate_kbps"`
	SpoolDir    string `yaml:"spool_dir"`
	FFmpegPath  string `yaml:"ffmpeg_path"`
}

// UploadConfig tunes retry and the store breaker.
type UploadConfig struct {
	OwnerID          string        `yaml:"owner_id"`
	MaxAttempts      int           `yaml:"max_attempts"`
	Delay            time.Duration `yaml:"delay"`
	MaxDelay         time.Duration `yaml:"max_delay"`
	Backoff          string        `yaml:"backoff"` // fixed | exponential
	BreakerThreshold int           `yaml:"breaker_threshold"`
	BreakerReset     time.Duration `yaml:"breaker_reset"`
}

// StorageConfig selects the object store.
type StorageConfig struct {
	Backend string           `yaml:"backend"` // s3 | file | memory
	Dir     string           `yaml:"dir"`
	S3      storage.S3Config `yaml:"s3"`
}

// ReportConfig selects where chunk reports go.
type ReportConfig struct {
	Sink        string             `yaml:"sink"` // log | redis | postgres
	BatchSize   int                `yaml:"batch_size"`
	FlushDelay  time.Duration      `yaml:"flush_delay"`
	Redis       report.RedisConfig `yaml:"redis"`
	PostgresDSN string             `yaml:"postgres_dsn"`
}

// SweepConfig tunes the leftover sweep.
type SweepConfig struct {
	Interval    time.Duration `yaml:"interval"` // 0 disables the in-process sweep
	Concurrency int           `yaml:"concurrency"`
	Rate        float64       `yaml:"rate"`
	Prune       bool          `yaml:"prune"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		HTTPAddr:  ":8000",
		LogLevel:  "info",
		LogFormat: "text",
		Audio: AudioConfig{
			Source:        "portaudio",
			SampleRate:    16000,
			FrameMillis:   20,
			BatchMillis:   100,
			MissingFrames: "speech",
		},
		Chunking: segment.DefaultDurations(),
		VAD: VADConfig{
			Backend:         "energy",
			EnergyThreshold: 0.015,
			WebRTCMode:      2,
			RemoteAddr:      "localhost:50051",
			RemoteTimeout:   200 * time.Millisecond,
		},
		Encoder: EncoderConfig{
			Codec:       "opus",
			BitrateKbps: 24,
			SpoolDir:    "spool",
		},
		Upload: UploadConfig{
			OwnerID:          "local",
			MaxAttempts:      3,
			Delay:            2 * time.Second,
			MaxDelay:         30 * time.Second,
			Backoff:          "fixed",
			BreakerThreshold: 5,
			BreakerReset:     30 * time.Second,
		},
		Storage: StorageConfig{
			Backend: "file",
			Dir:     "uploads",
			S3:      storage.S3Config{Region: "us-east-1", Bucket: "recordings", UseSSL: true},
		},
		Report: ReportConfig{
			Sink:       "log",
			BatchSize:  20,
			FlushDelay: 2 * time.Second,
			Redis:      report.RedisConfig{Addr: "localhost:6379", Prefix: "recorder"},
		},
		Sweep: SweepConfig{
			Interval:    5 * time.Minute,
			Concurrency: 4,
			Rate:        5,
		},
	}
}

// Load reads .env (if present), then CONFIG_FILE (if set), then the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, apperrors.Wrap(err, apperrors.CodeConfigInvalid, "read .env")
	}

	cfg := Default()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	return cfg, cfg.Validate()
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return apperrors.Wrapf(err, apperrors.CodeConfigInvalid, "read config file %s", path)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return apperrors.Wrapf(err, apperrors.CodeConfigInvalid, "parse config file %s", path)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.HTTPAddr = getEnv("HTTP_ADDR", c.HTTPAddr)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnv("LOG_FORMAT", c.LogFormat)

	a := &c.Audio
	a.Source = getEnv("AUDIO_SOURCE", a.Source)
	a.Device = getEnv("CAPTURE_DEVICE", a.Device)
	a.DeviceRate = getEnvInt("CAPTURE_RATE", a.DeviceRate)
	a.SampleRate = getEnvInt("SAMPLE_RATE", a.SampleRate)
	a.FrameMillis = getEnvInt("FRAME_MS", a.FrameMillis)
	a.BatchMillis = getEnvInt("BATCH_MS", a.BatchMillis)
	a.MissingFrames = getEnv("MISSING_FRAMES", a.MissingFrames)

	ch := &c.Chunking
	ch.Preferred = getEnvDuration("CHUNK_PREFERRED", ch.Preferred)
	ch.Desperate = getEnvDuration("CHUNK_DESPERATE", ch.Desperate)
	ch.Max = getEnvDuration("CHUNK_MAX", ch.Max)
	ch.ShortSilence = getEnvDuration("CHUNK_SHORT_SILENCE", ch.ShortSilence)
	ch.LongSilence = getEnvDuration("CHUNK_LONG_SILENCE", ch.LongSilence)

	v := &c.VAD
	v.Backend = getEnv("VAD_BACKEND", v.Backend)
	v.EnergyThreshold = getEnvFloat("VAD_ENERGY_THRESHOLD", v.EnergyThreshold)
	v.WebRTCMode = getEnvInt("VAD_WEBRTC_MODE", v.WebRTCMode)
	v.RemoteAddr = getEnv("VAD_REMOTE_ADDR", v.RemoteAddr)
	v.RemoteTimeout = getEnvDuration("VAD_REMOTE_TIMEOUT", v.RemoteTimeout)

	e := &c.Encoder
	e.Codec = getEnv("CODEC", e.Codec)
	e.BitrateKbps = getEnvInt("CODEC_BITRATE_KBPS", e.BitrateKbps)
	e.SpoolDir = getEnv("SPOOL_DIR", e.SpoolDir)
	e.FFmpegPath = getEnv("FFMPEG_PATH", e.FFmpegPath)

	u := &c.Upload
	u.OwnerID = getEnv("OWNER_ID", u.OwnerID)
	u.MaxAttempts = getEnvInt("UPLOAD_MAX_ATTEMPTS", u.MaxAttempts)
	u.Delay = getEnvDuration("UPLOAD_DELAY", u.Delay)
	u.MaxDelay = getEnvDuration("UPLOAD_MAX_DELAY", u.MaxDelay)
	u.Backoff = getEnv("UPLOAD_BACKOFF", u.Backoff)
	u.BreakerThreshold = getEnvInt("BREAKER_THRESHOLD", u.BreakerThreshold)
	u.BreakerReset = getEnvDuration("BREAKER_RESET", u.BreakerReset)

	s := &c.Storage
	s.Backend = getEnv("STORAGE_BACKEND", s.Backend)
	s.Dir = getEnv("STORAGE_DIR", s.Dir)
	s.S3.Endpoint = getEnv("S3_ENDPOINT", s.S3.Endpoint)
	s.S3.Region = getEnv("S3_REGION", s.S3.Region)
	s.S3.Bucket = getEnv("S3_BUCKET", s.S3.Bucket)
	s.S3.AccessKey = getEnv("S3_ACCESS_KEY", s.S3.AccessKey)
	s.S3.SecretKey = getEnv("S3_SECRET_KEY", s.S3.SecretKey)
	s.S3.UseSSL = getEnvBool("S3_USE_SSL", s.S3.UseSSL)

	r := &c.Report
	r.Sink = getEnv("REPORT_SINK", r.Sink)
	r.BatchSize = getEnvInt("REPORT_BATCH_SIZE", r.BatchSize)
	r.FlushDelay = getEnvDuration("REPORT_FLUSH_DELAY", r.FlushDelay)
	r.Redis.Addr = getEnv("REDIS_URL", r.Redis.Addr)
	r.Redis.Password = getEnv("REDIS_PASSWORD", r.Redis.Password)
	r.PostgresDSN = getEnv("DATABASE_URL", r.PostgresDSN)

	w := &c.Sweep
	w.Interval = getEnvDuration("SWEEP_INTERVAL", w.Interval)
	w.Concurrency = getEnvInt("SWEEP_CONCURRENCY", w.Concurrency)
	w.Rate = getEnvFloat("SWEEP_RATE", w.Rate)
	w.Prune = getEnvBool("SWEEP_PRUNE", w.Prune)
}

// FrameSamples is the classifier sub-frame length.
func (c *Config) FrameSamples() int {
	return c.Audio.SampleRate * c.Audio.FrameMillis / 1000
}

// Thresholds converts the chunk policy to classifier frames.
func (c *Config) Thresholds() segment.Thresholds {
	return c.Chunking.Frames(1000 / c.Audio.FrameMillis)
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	switch c.LogFormat {
	case "text", "json":
	default:
		add("log_format %q must be text or json", c.LogFormat)
	}

	a := c.Audio
	switch a.Source {
	case "portaudio", "websocket":
	default:
		add("audio.source %q must be portaudio or websocket", a.Source)
	}
	if a.SampleRate <= 0 || a.FrameMillis <= 0 || 1000%a.FrameMillis != 0 {
		add("audio.sample_rate %d and frame_ms %d must be positive and frame_ms must divide 1000", a.SampleRate, a.FrameMillis)
	} else if (a.SampleRate*a.FrameMillis)%1000 != 0 {
		add("frame_ms %d does not yield whole samples at %d Hz", a.FrameMillis, a.SampleRate)
	} else if err := c.Thresholds().Validate(); err != nil {
		add("chunking: %v", err)
	}
	if a.BatchMillis <= 0 {
		add("audio.batch_ms must be positive")
	}
	switch a.MissingFrames {
	case "speech", "silence":
	default:
		add("audio.missing_frames %q must be speech or silence", a.MissingFrames)
	}

	switch c.VAD.Backend {
	case "energy", "webrtc":
	case "remote":
		if c.VAD.RemoteAddr == "" {
			add("vad.remote_addr is required for the remote backend")
		}
	default:
		add("vad.backend %q must be energy, webrtc or remote", c.VAD.Backend)
	}

	switch c.Encoder.Codec {
	case "opus", "aac", "wav":
	default:
		add("encoder.codec %q must be opus, aac or wav", c.Encoder.Codec)
	}
	if c.Encoder.SpoolDir == "" {
		add("encoder.spool_dir is required")
	}

	u := c.Upload
	if u.MaxAttempts <= 0 {
		add("upload.max_attempts must be positive")
	}
	if u.Delay < 0 {
		add("upload.delay cannot be negative")
	}
	switch u.Backoff {
	case "fixed", "exponential":
	default:
		add("upload.backoff %q must be fixed or exponential", u.Backoff)
	}

	switch c.Storage.Backend {
	case "file":
		if c.Storage.Dir == "" {
			add("storage.dir is required for the file backend")
		}
	case "s3":
		if c.Storage.S3.Endpoint == "" || c.Storage.S3.Bucket == "" {
			add("storage.s3.endpoint and bucket are required for the s3 backend")
		}
	case "memory":
	default:
		add("storage.backend %q must be s3, file or memory", c.Storage.Backend)
	}

	switch c.Report.Sink {
	case "log", "redis":
	case "postgres":
		if c.Report.PostgresDSN == "" {
			add("report.postgres_dsn is required for the postgres sink")
		}
	default:
		add("report.sink %q must be log, redis or postgres", c.Report.Sink)
	}

	if len(problems) > 0 {
		return apperrors.New(apperrors.CodeConfigInvalid, strings.Join(problems, "; "))
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "true" || v == "1"
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
