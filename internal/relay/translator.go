package relay

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"

	"github.com/foxseedlab/koe-relay/internal/protocol"
	"github.com/foxseedlab/koe-relay/internal/session"
	"github.com/google/uuid"
)

const defaultOutboxSize = 64

const (
	CloseNormal          = 1000
	CloseGoingAway       = 1001
	CloseInternalError   = 1011
	CloseSessionReplaced = 4001
)

type Frame struct {
	Binary bool
	Data   []byte
}

// Channel is one physical client connection.
type Channel interface {
	ReadFrame() (Frame, error)
	WriteJSON(v any) error
	// Close must be safe to call more than once and concurrently with
	// ReadFrame.
	Close(code int, reason string) error
}

type Sessions interface {
	Setup(key string, req session.SetupRequest) (session.SetupResult, error)
	SubmitAudio(key string, buf []byte) session.AudioResult
	Control(key string, msg protocol.ClientMessage) (any, error)
	Teardown(key string, attachID uint64)
}

type Params struct {
	Token    string
	Metadata protocol.Metadata
}

type Translator struct {
	sessions   Sessions
	outboxSize int
}

func NewTranslator(sessions Sessions) *Translator {
	return &Translator{sessions: sessions, outboxSize: defaultOutboxSize}
}

// SessionKey derives the session key for a caller token. An empty token gets
// a fresh key, so the channel cannot resume anything.
func SessionKey(token string) string {
	if token == "" {
		return "anon-" + uuid.NewString()
	}
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])[:32]
}

// Serve bridges ch to the session addressed by p.Token until the channel
// fails or ctx is done.
func (t *Translator) Serve(ctx context.Context, ch Channel, p Params) error {
	key := SessionKey(p.Token)
	out := newOutbox(t.outboxSize)
	go out.run(ch)
	defer func() {
		out.closeWith(CloseNormal, "")
		<-out.done
	}()

	res, err := t.sessions.Setup(key, session.SetupRequest{Token: p.Token, Metadata: p.Metadata, Sink: out})
	if err != nil {
		slog.Error("session setup failed", "error", err, "session_key", key)
		out.Push(protocol.NewError(err.Error(), setupErrorCode(err)))
		out.closeWith(CloseInternalError, "session setup failed")
		return err
	}
	defer t.sessions.Teardown(key, res.AttachID)
	log := slog.With("session_key", key, "session_id", res.SessionID, "attach_id", res.AttachID)
	log.Info("client channel attached")

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = ch.Close(CloseGoingAway, "server shutting down")
		case <-stop:
		}
	}()

	for {
		f, err := ch.ReadFrame()
		if err != nil {
			log.Info("client channel closed", "reason", err.Error())
			return nil
		}
		if f.Binary {
			r := t.sessions.SubmitAudio(key, f.Data)
			if !r.Accepted() {
				out.Push(protocol.NewError(r.Reason, r.Code))
			}
			continue
		}
		msg, err := protocol.DecodeClientMessage(f.Data)
		if err != nil {
			log.Warn("malformed client message", "error", err)
			out.Push(protocol.NewError("malformed message", 400))
			continue
		}
		resp, err := t.sessions.Control(key, msg)
		if err != nil {
			log.Warn("control message failed", "error", err, "type", msg.Type)
			out.Push(protocol.NewError(err.Error(), 503))
			continue
		}
		if resp != nil {
			out.Push(resp)
		}
	}
}

func setupErrorCode(err error) int {
	if errors.Is(err, session.ErrProviderCredentials) {
		return 500
	}
	return 503
}
