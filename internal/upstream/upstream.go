package upstream

import (
	"context"
	"errors"
	"time"
)

var ErrMissingCredentials = errors.New("upstream provider credentials are missing")

type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateOpen       State = "open"
	StateClosing    State = "closing"
	StateClosed     State = "closed"
)

// Live reports whether a connection in this state holds (or is acquiring)
// a provider socket.
func (s State) Live() bool {
	return s == StateConnecting || s == StateOpen
}

type ProviderConfig struct {
	Encoding       string
	SampleRate     int
	Channels       int
	Model          string
	Language       string
	InterimResults bool
}

type Transcript struct {
	Text       string
	IsFinal    bool
	ReceivedAt time.Time
	Speaker    *int
	Start      *float64
	Duration   *float64
}

type EventKind int

const (
	EventTranscript EventKind = iota + 1
	EventProviderError
	// EventActivity reports an inbound provider message carrying nothing
	// the session needs beyond proof of life.
	EventActivity
	EventClosed
)

type Event struct {
	Kind       EventKind
	Transcript Transcript
	Message    string
	Err        error
}

type Receiver interface {
	OnEvent(Event)
}

type Conn interface {
	// Configure sends the provider configuration frame. Must be called once,
	// before the first Send.
	Configure(ctx context.Context) error
	Send(audio []byte) error
	KeepAlive() error
	Close() error
}

type Dialer interface {
	// Validate fails with ErrMissingCredentials when the provider cannot be
	// used at all.
	Validate() error
	Dial(ctx context.Context, cfg ProviderConfig, receiver Receiver) (Conn, error)
}
