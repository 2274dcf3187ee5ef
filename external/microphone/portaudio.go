//go:build portaudio

package microphone

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/foxseedlab/koe-relay/internal/capture"
	"github.com/gordonklaus/portaudio"
	"github.com/google/uuid"
)

const deviceCheckInterval = time.Second

// Track captures the default input device. When the default device changes
// the stream is reopened on the new device and the next read reports
// capture.ErrDeviceChanged.
type Track struct {
	id  string
	cfg Config

	mu          sync.Mutex
	stream      *portaudio.Stream
	buf         []float32
	settings    capture.TrackSettings
	live        bool
	lastChecked time.Time
}

func Open(cfg Config) (*Track, error) {
	cfg = cfg.withDefaults()
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("initialize portaudio: %w", err)
	}
	t := &Track{id: uuid.NewString(), cfg: cfg}
	if err := t.openLocked(); err != nil {
		portaudio.Terminate()
		return nil, err
	}
	return t, nil
}

func (t *Track) openLocked() error {
	dev, err := portaudio.DefaultInputDevice()
	if err != nil {
		return fmt.Errorf("default input device: %w", err)
	}
	channels := min(t.cfg.Channels, dev.MaxInputChannels)
	if channels <= 0 {
		return fmt.Errorf("input device %q has no input channels", dev.Name)
	}
	buf := make([]float32, t.cfg.FramesPerBuffer*channels)
	stream, err := portaudio.OpenDefaultStream(channels, 0, float64(t.cfg.SampleRate), t.cfg.FramesPerBuffer, buf)
	if err != nil {
		return fmt.Errorf("open input stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return fmt.Errorf("start input stream: %w", err)
	}
	t.stream = stream
	t.buf = buf
	t.settings = capture.TrackSettings{DeviceID: dev.Name, SampleRate: t.cfg.SampleRate, Channels: channels}
	t.live = true
	t.lastChecked = time.Now()
	slog.Info("microphone opened", "device", dev.Name, "sample_rate", t.cfg.SampleRate, "channels", channels)
	return nil
}

func (t *Track) closeStreamLocked() {
	if t.stream == nil {
		return
	}
	_ = t.stream.Stop()
	_ = t.stream.Close()
	t.stream = nil
}

func (t *Track) ID() string {
	return t.id
}

func (t *Track) Live() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.live
}

func (t *Track) Settings() capture.TrackSettings {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.settings
}

func (t *Track) ReadBlock(ctx context.Context) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.live {
		return nil, capture.ErrTrackNotLive
	}
	if t.stream == nil {
		if err := t.openLocked(); err != nil {
			t.live = false
			return nil, err
		}
	}
	if changed := t.checkDeviceLocked(); changed {
		return nil, capture.ErrDeviceChanged
	}
	if err := t.stream.Read(); err != nil && !errors.Is(err, portaudio.InputOverflowed) {
		return nil, fmt.Errorf("read input stream: %w", err)
	}
	out := make([]float32, len(t.buf))
	copy(out, t.buf)
	return out, nil
}

// checkDeviceLocked reopens the stream when the default input device has
// changed since the last check.
func (t *Track) checkDeviceLocked() bool {
	if time.Since(t.lastChecked) < deviceCheckInterval {
		return false
	}
	t.lastChecked = time.Now()
	dev, err := portaudio.DefaultInputDevice()
	if err != nil || dev.Name == t.settings.DeviceID {
		return false
	}
	slog.Info("default input device changed", "from", t.settings.DeviceID, "to", dev.Name)
	t.closeStreamLocked()
	if err := t.openLocked(); err != nil {
		slog.Error("failed to reopen microphone", "error", err)
		t.live = false
	}
	return true
}

func (t *Track) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.live = false
	t.closeStreamLocked()
	return portaudio.Terminate()
}
