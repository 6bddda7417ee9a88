// Package audio captures microphone input as mono int16 batches at the pipeline rate.
package audio

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gordonklaus/portaudio"

	apperrors "github.com/GriffinCanCode/good-listener/backend/recorder/internal/errors"
)

// Batch is one block of captured samples, already at the target rate.
type Batch struct {
	Samples   []int16
	Device    string
	Timestamp int64
}

// CaptureConfig configures a Capturer.
type CaptureConfig struct {
	Device      string // substring of the device name; empty picks the best microphone
	DeviceRate  int    // 0 uses the device default
	TargetRate  int
	BatchMillis int
	Buffer      int // output channel capacity
}

// Capturer reads one input device with backpressure: when the consumer
// falls behind, whole batches are dropped and counted.
type Capturer struct {
	cfg     CaptureConfig
	outCh   chan Batch
	dropped atomic.Uint64

	mu      sync.Mutex
	running bool
	dev     *deviceCapture
}

type deviceCapture struct {
	stream   *portaudio.Stream
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// NewCapturer initializes PortAudio. Call Close when done.
func NewCapturer(cfg CaptureConfig) (*Capturer, error) {
	if cfg.TargetRate <= 0 || cfg.BatchMillis <= 0 {
		return nil, apperrors.Newf(apperrors.CodeConfigInvalid, "capture rate %d and batch %dms must be positive", cfg.TargetRate, cfg.BatchMillis)
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 50
	}
	if err := portaudio.Initialize(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeUnavailable, "initialize portaudio")
	}
	return &Capturer{cfg: cfg, outCh: make(chan Batch, cfg.Buffer)}, nil
}

// Output returns the channel of captured batches.
func (c *Capturer) Output() <-chan Batch { return c.outCh }

// Dropped is the number of batches discarded because the consumer was slow.
func (c *Capturer) Dropped() uint64 { return c.dropped.Load() }

// Start opens the selected device and begins reading.
func (c *Capturer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil
	}

	devices, err := portaudio.Devices()
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeUnavailable, "list audio devices")
	}
	dev := selectDevice(devices, c.cfg.Device)
	if dev == nil {
		if dev, err = portaudio.DefaultInputDevice(); err != nil {
			return apperrors.Wrap(err, apperrors.CodeNotFound, "no input device")
		}
	}

	for len(c.outCh) > 0 {
		<-c.outCh // stale batches from a previous run
	}
	dc, err := c.startDevice(ctx, dev)
	if err != nil {
		return apperrors.Wrapf(err, apperrors.CodeUnavailable, "open device %s", dev.Name)
	}
	c.dev = dc
	c.running = true
	slog.Info("started audio capture", "device", dev.Name, "target_rate", c.cfg.TargetRate)
	return nil
}

// selectDevice prefers an explicit name match, then the best microphone.
// Loopback devices are only chosen by name.
func selectDevice(devices []*portaudio.DeviceInfo, want string) *portaudio.DeviceInfo {
	var best *portaudio.DeviceInfo
	for _, dev := range devices {
		if dev.MaxInputChannels < 1 {
			continue
		}
		if want != "" {
			if containsIgnoreCase(dev.Name, want) {
				return dev
			}
			continue
		}
		if classifyDevice(dev.Name) != "user" {
			continue
		}
		if best == nil || preferDevice(dev.Name, best.Name) {
			best = dev
		}
	}
	return best
}

func classifyDevice(name string) string {
	for _, kw := range []string{"blackhole", "vb-cable", "loopback", "monitor", "soundflower"} {
		if containsIgnoreCase(name, kw) {
			return "system"
		}
	}
	for _, kw := range []string{"microphone", "input", "mic", "built-in", "headset"} {
		if containsIgnoreCase(name, kw) {
			return "user"
		}
	}
	return ""
}

// preferDevice ranks built-in microphones above external ones.
func preferDevice(name, current string) bool {
	for _, p := range []string{"macbook", "built-in"} {
		if containsIgnoreCase(name, p) && !containsIgnoreCase(current, p) {
			return true
		}
	}
	return false
}

func (c *Capturer) startDevice(ctx context.Context, dev *portaudio.DeviceInfo) (*deviceCapture, error) {
	rate := c.cfg.DeviceRate
	if rate <= 0 {
		rate = int(dev.DefaultSampleRate)
	}
	framesPerBuf := rate * c.cfg.BatchMillis / 1000

	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: 1,
			Latency:  dev.DefaultLowInputLatency,
		},
		SampleRate:      float64(rate),
		FramesPerBuffer: framesPerBuf,
	}

	buf := make([]int16, framesPerBuf)
	stream, err := portaudio.OpenStream(params, buf)
	if err != nil {
		return nil, err
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, err
	}

	devCtx, cancel := context.WithCancel(ctx)
	dc := &deviceCapture{stream: stream, cancel: cancel, done: make(chan struct{})}
	rs := NewResampler(rate, c.cfg.TargetRate)
	name := dev.Name

	go func() {
		defer close(dc.done)
		defer dc.stop()
		for devCtx.Err() == nil {
			if err := stream.Read(); err != nil {
				slog.Debug("audio read error", "device", name, "error", err)
				if devCtx.Err() != nil {
					return
				}
				continue // input overflow is recoverable
			}
			c.emit(Batch{Samples: rs.Process(buf), Device: name, Timestamp: time.Now().UnixNano()})
		}
	}()
	return dc, nil
}

func (c *Capturer) emit(b Batch) {
	if len(b.Samples) == 0 {
		return
	}
	select {
	case c.outCh <- b:
	default:
		c.dropped.Add(1)
		slog.Debug("audio buffer full, dropping batch", "device", b.Device)
	}
}

func (d *deviceCapture) stop() {
	d.stopOnce.Do(func() {
		d.cancel()
		_ = d.stream.Stop()
		_ = d.stream.Close()
	})
}

// Stop ends capture. The capturer can be started again.
func (c *Capturer) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dev != nil {
		c.dev.stop()
		<-c.dev.done
		c.dev = nil
	}
	c.running = false
}

// Close stops capture and releases PortAudio.
func (c *Capturer) Close() error {
	c.Stop()
	return portaudio.Terminate()
}

func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
