//go:build !portaudio

package microphone

import (
	"context"
	"errors"

	"github.com/foxseedlab/koe-relay/internal/capture"
)

var errMicrophoneUnavailable = errors.New("microphone capture requires building with -tags portaudio")

type Track struct{}

func Open(_ Config) (*Track, error) {
	return nil, errMicrophoneUnavailable
}

func (t *Track) ID() string { return "" }

func (t *Track) Live() bool { return false }

func (t *Track) Settings() capture.TrackSettings { return capture.TrackSettings{} }

func (t *Track) ReadBlock(context.Context) ([]float32, error) {
	return nil, capture.ErrTrackNotLive
}

func (t *Track) Close() error { return nil }
