package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/foxseedlab/koe-relay/internal/protocol"
)

const (
	CloseNormal          = 1000
	CloseAbnormal        = 1006
	CloseSessionReplaced = 4001
)

type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("channel closed: code=%d reason=%q", e.Code, e.Reason)
}

// closeCode maps a receive error to a close code. Anything that is not an
// explicit close frame counts as abnormal.
func closeCode(err error) int {
	var ce *CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return CloseAbnormal
}

type DialRequest struct {
	Token    string
	Metadata protocol.Metadata
}

// Channel is one duplex connection to the relay. Send methods may be called
// from different goroutines; implementations serialize writes.
type Channel interface {
	SendJSON(v any) error
	SendAudio(frame []byte) error
	// Receive blocks for the next server frame. It returns a *CloseError once
	// the peer closes the channel.
	Receive() (protocol.ServerMessage, error)
	Close(code int, reason string) error
}

type Dialer interface {
	Dial(ctx context.Context, req DialRequest) (Channel, error)
}
