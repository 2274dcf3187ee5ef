//go:build opus

package audio

import (
	"fmt"
	"sync"

	"github.com/foxseedlab/koe-relay/internal/capture"
	"github.com/hraban/opus"
)

const (
	frameSizeMs   = 20
	maxPacketSize = 4000
)

// OpusEncoder packs mono PCM into 20ms opus packets, carrying leftover
// samples over to the next block.
type OpusEncoder struct {
	mu              sync.Mutex
	enc             *opus.Encoder
	samplesPerFrame int
	pending         []int16
}

func NewOpusEncoder(sampleRate int) (capture.Encoder, error) {
	enc, err := opus.NewEncoder(sampleRate, 1, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("create opus encoder: %w", err)
	}
	return &OpusEncoder{
		enc:             enc,
		samplesPerFrame: sampleRate * frameSizeMs / 1000,
	}, nil
}

func (e *OpusEncoder) Encoding() string {
	return EncodingOpus
}

func (e *OpusEncoder) Encode(pcm []int16) ([][]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending = append(e.pending, pcm...)
	var packets [][]byte
	for len(e.pending) >= e.samplesPerFrame {
		buf := make([]byte, maxPacketSize)
		n, err := e.enc.Encode(e.pending[:e.samplesPerFrame], buf)
		if err != nil {
			return packets, fmt.Errorf("encode opus frame: %w", err)
		}
		packets = append(packets, buf[:n])
		e.pending = e.pending[e.samplesPerFrame:]
	}
	if len(e.pending) == 0 {
		e.pending = nil
	}
	return packets, nil
}
