package audio

import (
	"fmt"

	"github.com/foxseedlab/koe-relay/internal/capture"
	"github.com/foxseedlab/koe-relay/internal/config"
	"github.com/samber/do/v2"
)

const EncodingOpus = "opus"

// NewEncoder returns the capture encoder for the configured wire encoding.
func NewEncoder(encoding string, sampleRate int) (capture.Encoder, error) {
	switch encoding {
	case "", capture.EncodingLinear16:
		return capture.PCM16Encoder{}, nil
	case EncodingOpus:
		return NewOpusEncoder(sampleRate)
	}
	return nil, fmt.Errorf("unsupported encoding %q", encoding)
}

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (capture.Encoder, error) {
		c := do.MustInvoke[*config.ClientConfig](i)
		return NewEncoder(c.Encoding, c.TargetSampleRateHertz)
	})
}
