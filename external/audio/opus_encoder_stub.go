//go:build !opus

package audio

import (
	"errors"

	"github.com/foxseedlab/koe-relay/internal/capture"
)

var errOpusUnavailable = errors.New("opus encoding requires building with -tags opus")

func NewOpusEncoder(_ int) (capture.Encoder, error) {
	return nil, errOpusUnavailable
}
