package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/GriffinCanCode/good-listener/backend/recorder/internal/errors"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir()) // no .env here
	t.Setenv("CONFIG_FILE", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8000", cfg.HTTPAddr)
	assert.Equal(t, 16000, cfg.Audio.SampleRate)
	assert.Equal(t, 320, cfg.FrameSamples())
	assert.Equal(t, "speech", cfg.Audio.MissingFrames)
	assert.Equal(t, 3, cfg.Upload.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Upload.Delay)
	assert.Equal(t, "opus", cfg.Encoder.Codec)

	th := cfg.Thresholds()
	assert.Equal(t, 50, th.FrameRate)
	assert.Equal(t, 500, th.PreferredLength)
	assert.Equal(t, 1000, th.DesperateLength)
	assert.Equal(t, 1250, th.MaxLength)
	assert.Equal(t, 10, th.ShortSilence)
	assert.Equal(t, 25, th.LongSilence)
}

func TestLoadWithEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("HTTP_ADDR", ":9000")
	t.Setenv("CHUNK_PREFERRED", "5s")
	t.Setenv("UPLOAD_MAX_ATTEMPTS", "7")
	t.Setenv("VAD_ENERGY_THRESHOLD", "0.03")
	t.Setenv("S3_USE_SSL", "false")
	t.Setenv("SWEEP_PRUNE", "1")
	t.Setenv("SAMPLE_RATE", "not-a-number")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.HTTPAddr)
	assert.Equal(t, 5*time.Second, cfg.Chunking.Preferred)
	assert.Equal(t, 7, cfg.Upload.MaxAttempts)
	assert.InDelta(t, 0.03, cfg.VAD.EnergyThreshold, 1e-9)
	assert.False(t, cfg.Storage.S3.UseSSL)
	assert.True(t, cfg.Sweep.Prune)
	assert.Equal(t, 16000, cfg.Audio.SampleRate, "unparseable values keep the default")
}

func TestLoadYAMLThenEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	path := filepath.Join(dir, "recorder.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_format: json
chunking:
  preferred: 8s
  long_silence: 400ms
storage:
  backend: s3
  s3:
    endpoint: minio:9000
    bucket: sessions
report:
  sink: redis
`), 0o644))
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("S3_BUCKET", "override")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, 8*time.Second, cfg.Chunking.Preferred)
	assert.Equal(t, 400*time.Millisecond, cfg.Chunking.LongSilence)
	assert.Equal(t, 20*time.Second, cfg.Chunking.Desperate, "untouched keys keep defaults")
	assert.Equal(t, "minio:9000", cfg.Storage.S3.Endpoint)
	assert.Equal(t, "override", cfg.Storage.S3.Bucket)
	assert.Equal(t, "redis", cfg.Report.Sink)
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("OWNER_ID", "")
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("OWNER_ID=user-42\n"), 0o644))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "user-42", cfg.Upload.OwnerID)
}

func TestLoadBadFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("chunking: [unclosed"), 0o644))
	t.Setenv("CONFIG_FILE", path)

	_, err := Load()
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeConfigInvalid))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults", func(*Config) {}, true},
		{"frame does not divide second", func(c *Config) { c.Audio.FrameMillis = 30 }, false},
		{"preferred beyond max", func(c *Config) { c.Chunking.Preferred = time.Minute }, false},
		{"short beyond long silence", func(c *Config) { c.Chunking.ShortSilence = time.Second }, false},
		{"unknown codec", func(c *Config) { c.Encoder.Codec = "mp3" }, false},
		{"unknown missing policy", func(c *Config) { c.Audio.MissingFrames = "drop" }, false},
		{"zero attempts", func(c *Config) { c.Upload.MaxAttempts = 0 }, false},
		{"s3 without endpoint", func(c *Config) { c.Storage.Backend = "s3" }, false},
		{"postgres without dsn", func(c *Config) { c.Report.Sink = "postgres" }, false},
		{"remote vad", func(c *Config) { c.VAD.Backend = "remote" }, true},
		{"memory store", func(c *Config) { c.Storage.Backend = "memory" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, apperrors.CodeConfigInvalid, apperrors.CodeOf(err))
		})
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	cfg := Default()
	cfg.LogLevel = "warn"
	cfg.LogFormat = "json"

	log := cfg.NewLogger(&buf)
	log.Info("dropped")
	log.Warn("kept", slog.String("k", "v"))

	out := buf.String()
	assert.NotContains(t, out, "dropped")
	assert.Contains(t, out, `"msg":"kept"`)
	assert.Contains(t, out, `"k":"v"`)
}
