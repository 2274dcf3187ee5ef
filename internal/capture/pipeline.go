package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

var (
	ErrTrackNotLive  = errors.New("audio track is not live")
	ErrDeviceChanged = errors.New("audio device changed")
	ErrAlreadyActive = errors.New("capture pipeline already running")
)

type TrackSettings struct {
	DeviceID   string
	SampleRate int
	Channels   int
}

// Track is a live audio source.
type Track interface {
	ID() string
	Live() bool
	Settings() TrackSettings
	// ReadBlock blocks until the next processing block of interleaved
	// float32 samples in [-1, 1] is available.
	ReadBlock(ctx context.Context) ([]float32, error)
}

// Encoder turns signed 16-bit mono PCM into zero or more wire frames.
type Encoder interface {
	Encoding() string
	Encode(pcm []int16) ([][]byte, error)
}

type Config struct {
	TargetSampleRate int
}

type Handlers struct {
	OnFrame func(frame []byte)
	// OnDeviceChange is called when the track's device or sample parameters
	// change. The pipeline has already stopped when it runs.
	OnDeviceChange func(TrackSettings)
	// OnEnded is called when the track stops producing audio for any other
	// reason.
	OnEnded func(error)
}

type Pipeline struct {
	cfg     Config
	encoder Encoder

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewPipeline(cfg Config, encoder Encoder) *Pipeline {
	if encoder == nil {
		encoder = PCM16Encoder{}
	}
	return &Pipeline{cfg: cfg, encoder: encoder}
}

func (p *Pipeline) Encoding() string {
	return p.encoder.Encoding()
}

func (p *Pipeline) Start(ctx context.Context, track Track, h Handlers) error {
	if track == nil || !track.Live() {
		return ErrTrackNotLive
	}
	settings := track.Settings()
	if settings.SampleRate <= 0 || settings.Channels <= 0 {
		return fmt.Errorf("%w: invalid sample parameters %+v", ErrTrackNotLive, settings)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return ErrAlreadyActive
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	p.cancel = cancel
	p.done = done
	go func() {
		defer close(done)
		p.loop(ctx, track, settings, h)
	}()
	slog.Info("audio capture started", "track_id", track.ID(), "device_id", settings.DeviceID, "sample_rate", settings.SampleRate, "channels", settings.Channels, "encoding", p.encoder.Encoding())
	return nil
}

// Stop cancels capture and waits for the loop to exit. Frames are never
// delivered after Stop returns.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (p *Pipeline) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel != nil
}

func (p *Pipeline) loop(ctx context.Context, track Track, initial TrackSettings, h Handlers) {
	for {
		block, err := track.ReadBlock(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			if errors.Is(err, ErrDeviceChanged) {
				p.release()
				callDeviceChange(h, track.Settings())
				return
			}
			p.release()
			if h.OnEnded != nil {
				h.OnEnded(err)
			}
			return
		}
		current := track.Settings()
		if current != initial {
			p.release()
			callDeviceChange(h, current)
			return
		}

		pcm := ToInt16(Resample(Downmix(block, current.Channels), current.SampleRate, p.cfg.TargetSampleRate))
		frames, err := p.encoder.Encode(pcm)
		if err != nil {
			slog.Warn("failed to encode audio block", "error", err, "samples", len(pcm))
			continue
		}
		for _, f := range frames {
			if ctx.Err() != nil {
				return
			}
			if h.OnFrame != nil {
				h.OnFrame(f)
			}
		}
	}
}

// release marks the pipeline idle when the loop ends on its own.
func (p *Pipeline) release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		p.cancel()
	}
	p.cancel, p.done = nil, nil
}

func callDeviceChange(h Handlers, s TrackSettings) {
	slog.Info("audio device changed", "device_id", s.DeviceID, "sample_rate", s.SampleRate, "channels", s.Channels)
	if h.OnDeviceChange != nil {
		h.OnDeviceChange(s)
	}
}
