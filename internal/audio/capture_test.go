package audio

import (
	"testing"

	"github.com/gordonklaus/portaudio"
)

func TestClassifyDevice(t *testing.T) {
	tests := []struct {
		name     string
		device   string
		expected string
	}{
		{"blackhole", "BlackHole 2ch", "system"},
		{"vb-cable", "VB-Cable", "system"},
		{"monitor", "Monitor of Built-in Audio", "system"},
		{"microphone", "Built-in Microphone", "user"},
		{"mic short", "External Mic", "user"},
		{"headset", "USB Headset", "user"},
		{"speakers", "External Speakers", ""},
		{"hdmi", "HDMI Output", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classifyDevice(tt.device); got != tt.expected {
				t.Errorf("classifyDevice(%q) = %q, want %q", tt.device, got, tt.expected)
			}
		})
	}
}

func TestSelectDevice(t *testing.T) {
	devices := []*portaudio.DeviceInfo{
		{Name: "HDMI Output", MaxInputChannels: 0},
		{Name: "BlackHole 2ch", MaxInputChannels: 2},
		{Name: "USB Mic", MaxInputChannels: 1},
		{Name: "MacBook Pro Microphone", MaxInputChannels: 1},
		{Name: "Silent Mic", MaxInputChannels: 0},
	}

	tests := []struct {
		name string
		want string
		got  string
	}{
		{"best microphone", "", "MacBook Pro Microphone"},
		{"explicit name", "usb", "USB Mic"},
		{"loopback only by name", "blackhole", "BlackHole 2ch"},
		{"no input channels", "silent", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := selectDevice(devices, tt.want)
			name := ""
			if dev != nil {
				name = dev.Name
			}
			if name != tt.got {
				t.Errorf("selectDevice(%q) = %q, want %q", tt.want, name, tt.got)
			}
		})
	}
}

func TestContainsIgnoreCase(t *testing.T) {
	tests := []struct {
		s, substr string
		expected  bool
	}{
		{"BlackHole 2ch", "blackhole", true},
		{"blackhole", "BLACKHOLE", true},
		{"External Speakers", "blackhole", false},
		{"", "test", false},
		{"test", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.s+"_"+tt.substr, func(t *testing.T) {
			if got := containsIgnoreCase(tt.s, tt.substr); got != tt.expected {
				t.Errorf("containsIgnoreCase(%q, %q) = %v, want %v", tt.s, tt.substr, got, tt.expected)
			}
		})
	}
}

func TestEmitDropsWhenFull(t *testing.T) {
	c := &Capturer{outCh: make(chan Batch, 2)}

	for i := 0; i < 5; i++ {
		c.emit(Batch{Samples: []int16{1}})
	}
	c.emit(Batch{}) // empty batches are never queued

	if got := len(c.outCh); got != 2 {
		t.Errorf("queued = %d, want 2", got)
	}
	if got := c.Dropped(); got != 3 {
		t.Errorf("Dropped() = %d, want 3", got)
	}
}

func TestNewCapturerRejectsBadConfig(t *testing.T) {
	if _, err := NewCapturer(CaptureConfig{TargetRate: 0, BatchMillis: 100}); err == nil {
		t.Error("expected error for zero target rate")
	}
}
