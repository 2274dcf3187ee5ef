package relay

import (
	"log/slog"
	"sync"
)

// outbox is the session.Sink of one channel. Frames are written by a single
// writer goroutine so the session actor never waits on the network.
type outbox struct {
	frames  chan any
	closing chan struct{}
	done    chan struct{}

	once        sync.Once
	closeCode   int
	closeReason string
}

func newOutbox(size int) *outbox {
	return &outbox{
		frames:  make(chan any, size),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (o *outbox) Push(msg any) bool {
	select {
	case <-o.closing:
		return false
	default:
	}
	select {
	case o.frames <- msg:
		return true
	default:
		return false
	}
}

// Close is called by the session when a newer channel attaches.
func (o *outbox) Close() {
	o.closeWith(CloseSessionReplaced, "session attached to a newer connection")
}

func (o *outbox) closeWith(code int, reason string) {
	o.once.Do(func() {
		o.closeCode = code
		o.closeReason = reason
		close(o.closing)
	})
}

func (o *outbox) run(ch Channel) {
	defer close(o.done)
	for {
		select {
		case msg := <-o.frames:
			if err := ch.WriteJSON(msg); err != nil {
				slog.Debug("client write failed", "error", err)
				o.closeWith(CloseInternalError, "write failed")
				_ = ch.Close(CloseInternalError, "write failed")
				return
			}
		case <-o.closing:
			o.flush(ch)
			_ = ch.Close(o.closeCode, o.closeReason)
			return
		}
	}
}

func (o *outbox) flush(ch Channel) {
	for {
		select {
		case msg := <-o.frames:
			if err := ch.WriteJSON(msg); err != nil {
				return
			}
		default:
			return
		}
	}
}
