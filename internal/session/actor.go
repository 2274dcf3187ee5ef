package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/foxseedlab/koe-relay/internal/protocol"
	"github.com/foxseedlab/koe-relay/internal/ratelimit"
	"github.com/foxseedlab/koe-relay/internal/upstream"
	"github.com/google/uuid"
)

const mailboxSize = 256

const (
	ReasonNotReady            = "not-ready"
	ReasonUpstreamUnavailable = "upstream-unavailable"
)

const (
	stopReasonIdle     = "idle timeout"
	stopReasonTeardown = "client disconnected"
	stopReasonShutdown = "server shutdown"
)

var (
	ErrSessionClosed       = errors.New("session is closed")
	ErrSessionNotFound     = errors.New("session not found")
	ErrProviderCredentials = errors.New("provider credentials are not configured")
)

// Sink receives frames pushed to the client attached to a session. Push must
// not block; it reports false when the frame could not be queued.
type Sink interface {
	Push(msg any) bool
	Close()
}

type SetupRequest struct {
	Token    string
	Metadata protocol.Metadata
	Sink     Sink
}

type SetupResult struct {
	SessionID string
	AttachID  uint64
	State     upstream.State
}

type AudioResult struct {
	Code   int
	Reason string
}

func (r AudioResult) Accepted() bool {
	return r.Code == 200 || r.Code == 202
}

type queuedEvent struct {
	msg any
	at  time.Time
}

// actor owns one session. Every field below mailbox is only touched from the
// run goroutine.
type actor struct {
	key      string
	opts     Options
	dialer   upstream.Dialer
	observe  func(Transition)
	recorder *recorder

	mailbox chan func()
	done    chan struct{}

	id           string
	createdAt    time.Time
	lastActivity time.Time
	chunks       int64
	token        string
	metadata     protocol.Metadata
	ready        bool
	tornDown     bool
	tornDownAt   time.Time
	retired      bool

	sink        Sink
	attachID    uint64
	undelivered []queuedEvent

	limiter *ratelimit.Limiter
	pending [][]byte

	state         upstream.State
	conn          upstream.Conn
	gen           uint64
	retriesLeft   int
	failed        bool
	reopen        bool
	notifyClose   bool
	lastMessageAt time.Time
	heartbeat     *time.Timer
	dialCancel    context.CancelFunc
	segmentIndex  int
}

func newActor(key string, opts Options, dialer upstream.Dialer, st *store, observe func(Transition)) *actor {
	now := opts.Now()
	a := &actor{
		key:          key,
		opts:         opts,
		dialer:       dialer,
		observe:      observe,
		mailbox:      make(chan func(), mailboxSize),
		done:         make(chan struct{}),
		id:           uuid.NewString(),
		createdAt:    now,
		lastActivity: now,
		limiter:      ratelimit.New(opts.Limits),
		state:        upstream.StateIdle,
	}
	a.recorder = newRecorder(st, a.id, key)
	go a.run()
	return a
}

func (a *actor) run() {
	defer close(a.done)
	for fn := range a.mailbox {
		fn()
		if a.retired {
			return
		}
	}
}

// post queues fn on the mailbox from a helper goroutine. It reports false if
// the actor has already exited.
func (a *actor) post(fn func()) bool {
	select {
	case a.mailbox <- fn:
		return true
	case <-a.done:
		return false
	}
}

// call runs fn on the actor goroutine and waits for its result.
func call[T any](a *actor, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	op := func() {
		if a.retired {
			ch <- result{err: ErrSessionClosed}
			return
		}
		v, err := fn()
		ch <- result{v: v, err: err}
	}
	var zero T
	select {
	case a.mailbox <- op:
	case <-a.done:
		return zero, ErrSessionClosed
	}
	select {
	case r := <-ch:
		return r.v, r.err
	case <-a.done:
		select {
		case r := <-ch:
			return r.v, r.err
		default:
			return zero, ErrSessionClosed
		}
	}
}

func (a *actor) setup(req SetupRequest) (SetupResult, error) {
	if err := a.dialer.Validate(); err != nil {
		return SetupResult{}, fmt.Errorf("%w: %w", ErrProviderCredentials, err)
	}
	now := a.opts.Now()
	a.lastActivity = now
	if req.Token != "" {
		a.token = req.Token
	}
	a.metadata = req.Metadata.Merge(a.metadata).Merge(a.opts.Defaults)

	if a.sink != nil && a.sink != req.Sink {
		slog.Info("replacing attached client channel", "session_key", a.key, "session_id", a.id)
		a.sink.Close()
	}
	a.attachID++
	a.sink = req.Sink
	a.ready = true
	a.tornDown = false
	a.failed = false
	a.recorder.begin(a.metadata, a.createdAt)
	a.flushUndelivered(now)

	switch a.state {
	case upstream.StateIdle:
		a.retriesLeft = 1
		a.connect()
	case upstream.StateClosing:
		a.reopen = true
	case upstream.StateOpen:
		a.push(protocol.NewStatus(protocol.StatusConnected))
	}
	slog.Info("session setup", "session_key", a.key, "session_id", a.id, "attach_id", a.attachID, "upstream_state", a.state)
	return SetupResult{SessionID: a.id, AttachID: a.attachID, State: a.state}, nil
}

func (a *actor) submitAudio(buf []byte) AudioResult {
	if !a.ready {
		return AudioResult{Code: 503, Reason: ReasonNotReady}
	}
	now := a.opts.Now()
	v := a.limiter.Allow(now, len(buf))
	if !v.Allowed {
		slog.Debug("audio rejected", "session_key", a.key, "reason", v.Reason, "bytes", len(buf))
		return AudioResult{Code: v.Code, Reason: string(v.Reason)}
	}
	a.lastActivity = now
	a.chunks++
	if a.failed {
		return AudioResult{Code: 503, Reason: ReasonUpstreamUnavailable}
	}
	if len(buf) == 0 {
		return AudioResult{Code: 200}
	}

	if a.state == upstream.StateOpen {
		if err := a.conn.Send(buf); err != nil {
			return a.handleForwardFailure(err, [][]byte{buf})
		}
		return AudioResult{Code: 200}
	}

	a.enqueue(buf)
	if a.state == upstream.StateIdle {
		a.retriesLeft = 1
		a.connect()
	}
	return AudioResult{Code: 202}
}

// handleForwardFailure puts unsent buffers back at the head of the queue and
// reopens the upstream once.
func (a *actor) handleForwardFailure(err error, unsent [][]byte) AudioResult {
	a.pending = append(unsent, a.pending...)
	if a.retriesLeft > 0 {
		a.retriesLeft--
		slog.Warn("upstream send failed; reopening", "session_key", a.key, "session_id", a.id, "error", err, "pending", len(a.pending))
		a.closeUpstream("send failed", true, false)
		return AudioResult{Code: 202}
	}
	slog.Error("upstream send failed; giving up", "session_key", a.key, "session_id", a.id, "error", err)
	a.failed = true
	a.closeUpstream("send failed", false, false)
	a.push(protocol.NewError("upstream connection lost", 503))
	return AudioResult{Code: 503, Reason: ReasonUpstreamUnavailable}
}

func (a *actor) enqueue(buf []byte) {
	if len(a.pending) >= a.opts.MaxPendingMessages {
		slog.Warn("pending audio queue full; dropping oldest buffer", "session_key", a.key, "session_id", a.id, "pending", len(a.pending))
		a.pending[0] = nil
		a.pending = a.pending[1:]
	}
	a.pending = append(a.pending, buf)
}

func (a *actor) control(msg protocol.ClientMessage) (any, error) {
	now := a.opts.Now()
	a.lastActivity = now
	switch msg.Type {
	case protocol.TypePing:
		return protocol.Pong{Type: protocol.TypePong, Timestamp: msg.Timestamp}, nil
	case protocol.TypeStart:
		if !a.ready {
			return protocol.NewError("session is not set up", 503), nil
		}
		a.failed = false
		a.retriesLeft = 1
		switch a.state {
		case upstream.StateOpen:
			return protocol.NewStatus(protocol.StatusConnected), nil
		case upstream.StateIdle:
			a.connect()
		case upstream.StateClosing:
			a.reopen = true
		}
		return nil, nil
	case protocol.TypeStop:
		a.pending = nil
		a.closeUpstream("stop requested", false, false)
		return protocol.NewStatus(protocol.StatusDisconnected), nil
	default:
		return protocol.NewError(fmt.Sprintf("unknown message type %q", msg.Type), 400), nil
	}
}

func (a *actor) teardown(attachID uint64) bool {
	if attachID != a.attachID {
		slog.Debug("ignoring teardown from stale attachment", "session_key", a.key, "attach_id", attachID, "current_attach_id", a.attachID)
		return false
	}
	a.sink = nil
	a.ready = false
	a.tornDown = true
	a.tornDownAt = a.opts.Now()
	a.pending = nil
	a.limiter.Reset()
	a.reopen = false
	a.closeUpstream("teardown", false, false)
	slog.Info("session torn down", "session_key", a.key, "session_id", a.id, "chunks", a.chunks)
	return true
}

// sweep reports whether the session can be evicted.
func (a *actor) sweep(now time.Time) bool {
	a.dropStaleEvents(now)
	idle := now.Sub(a.lastActivity) >= a.opts.IdleTimeout
	if idle && a.state.Live() {
		slog.Info("session idle; closing upstream", "session_key", a.key, "session_id", a.id)
		a.closeUpstream(stopReasonIdle, false, true)
	}
	switch {
	case a.tornDown && now.Sub(a.tornDownAt) >= a.opts.TeardownGrace:
		a.retire(stopReasonTeardown)
		return true
	case idle && a.sink == nil:
		a.retire(stopReasonIdle)
		return true
	}
	return false
}

func (a *actor) shutdown() {
	if a.sink != nil {
		a.push(protocol.NewStatus(protocol.StatusDisconnected))
		a.sink.Close()
		a.sink = nil
	}
	a.retire(stopReasonShutdown)
}

func (a *actor) retire(reason string) {
	a.reopen = false
	a.closeUpstream(reason, false, false)
	a.retired = true
	a.recorder.finish(a.opts.Now(), reason)
	slog.Info("session evicted", "session_key", a.key, "session_id", a.id, "reason", reason, "chunks", a.chunks)
}

func (a *actor) providerConfig() upstream.ProviderConfig {
	return upstream.ProviderConfig{
		Encoding:       a.metadata.Encoding,
		SampleRate:     a.metadata.SampleRate,
		Channels:       a.metadata.Channels,
		Model:          a.metadata.Model,
		Language:       a.metadata.Language,
		InterimResults: true,
	}
}

func (a *actor) transition(to upstream.State) {
	from := a.state
	a.state = to
	slog.Debug("upstream state changed", "session_key", a.key, "from", from, "to", to)
	if a.observe != nil {
		a.observe(Transition{Key: a.key, SessionID: a.id, From: from, To: to, At: a.opts.Now()})
	}
}

func (a *actor) connect() {
	a.transition(upstream.StateConnecting)
	a.gen++
	gen := a.gen
	cfg := a.providerConfig()
	ctx, cancel := context.WithTimeout(context.Background(), a.opts.ConnectTimeout)
	a.dialCancel = cancel
	receiver := &connReceiver{actor: a, gen: gen}

	go func() {
		defer cancel()
		conn, err := a.dialer.Dial(ctx, cfg, receiver)
		if err == nil {
			if err = conn.Configure(ctx); err != nil {
				_ = conn.Close()
				conn = nil
			}
		}
		posted := a.post(func() { a.handleDialResult(gen, conn, err) })
		if !posted && conn != nil {
			_ = conn.Close()
		}
	}()
}

func (a *actor) handleDialResult(gen uint64, conn upstream.Conn, err error) {
	if gen != a.gen {
		if conn != nil {
			go closeQuietly(conn)
		}
		return
	}
	a.dialCancel = nil

	if a.state == upstream.StateClosing {
		if conn != nil {
			go a.closeAndReport(conn, gen)
			return
		}
		a.finishClose()
		return
	}

	if err != nil {
		slog.Warn("upstream connect failed", "session_key", a.key, "session_id", a.id, "error", err, "retries_left", a.retriesLeft)
		a.transition(upstream.StateClosed)
		a.transition(upstream.StateIdle)
		a.gen++
		if a.retriesLeft > 0 {
			a.retriesLeft--
			a.connect()
			return
		}
		a.failed = true
		a.push(protocol.NewError(fmt.Sprintf("upstream connection failed: %v", err), 503))
		return
	}

	a.conn = conn
	a.transition(upstream.StateOpen)
	a.lastMessageAt = a.opts.Now()
	a.scheduleHeartbeat(gen)
	slog.Info("upstream connected", "session_key", a.key, "session_id", a.id, "pending", len(a.pending))
	if !a.drainPending() {
		return
	}
	a.retriesLeft = 1
	a.push(protocol.NewStatus(protocol.StatusConnected))
}

// drainPending sends queued buffers in order. It reports false when a send
// failed and the upstream is being closed.
func (a *actor) drainPending() bool {
	for len(a.pending) > 0 {
		buf := a.pending[0]
		if err := a.conn.Send(buf); err != nil {
			rest := a.pending
			a.pending = nil
			a.handleForwardFailure(err, rest)
			return false
		}
		a.pending[0] = nil
		a.pending = a.pending[1:]
	}
	a.pending = nil
	return true
}

// closeUpstream moves the upstream towards closed. reopen starts a fresh
// connection once the old one has finished closing. notify pushes a
// disconnected status to the client when closing completes.
func (a *actor) closeUpstream(reason string, reopen, notify bool) {
	switch a.state {
	case upstream.StateIdle, upstream.StateClosed:
		if reopen && !a.retired {
			a.connect()
		}
	case upstream.StateClosing:
		a.reopen = a.reopen || reopen
		a.notifyClose = a.notifyClose || notify
	case upstream.StateConnecting:
		slog.Info("closing upstream while connecting", "session_key", a.key, "reason", reason)
		a.transition(upstream.StateClosing)
		a.reopen = reopen
		a.notifyClose = notify
		if a.dialCancel != nil {
			a.dialCancel()
		}
	case upstream.StateOpen:
		slog.Info("closing upstream", "session_key", a.key, "session_id", a.id, "reason", reason)
		a.transition(upstream.StateClosing)
		a.reopen = reopen
		a.notifyClose = notify
		a.stopHeartbeat()
		conn := a.conn
		a.conn = nil
		go a.closeAndReport(conn, a.gen)
	}
}

func (a *actor) closeAndReport(conn upstream.Conn, gen uint64) {
	if err := conn.Close(); err != nil {
		slog.Debug("upstream close returned error", "session_key", a.key, "error", err)
	}
	a.post(func() { a.handleClosed(gen) })
}

func (a *actor) handleClosed(gen uint64) {
	if gen != a.gen || a.state != upstream.StateClosing {
		return
	}
	a.finishClose()
}

func (a *actor) finishClose() {
	a.transition(upstream.StateClosed)
	a.transition(upstream.StateIdle)
	a.gen++
	reopen := a.reopen
	notify := a.notifyClose
	a.reopen = false
	a.notifyClose = false
	if notify {
		a.push(protocol.NewStatus(protocol.StatusDisconnected))
	}
	if reopen && !a.tornDown && !a.retired {
		a.connect()
	}
}

func (a *actor) scheduleHeartbeat(gen uint64) {
	a.heartbeat = time.AfterFunc(a.opts.KeepAliveInterval, func() {
		a.post(func() { a.heartbeatTick(gen) })
	})
}

func (a *actor) stopHeartbeat() {
	if a.heartbeat != nil {
		a.heartbeat.Stop()
		a.heartbeat = nil
	}
}

func (a *actor) heartbeatTick(gen uint64) {
	if gen != a.gen || a.state != upstream.StateOpen {
		return
	}
	if a.opts.Now().Sub(a.lastMessageAt) >= a.opts.InactivityTimeout {
		slog.Info("upstream inactive; closing", "session_key", a.key, "session_id", a.id, "last_message_at", a.lastMessageAt)
		a.closeUpstream("inactivity timeout", false, true)
		return
	}
	if err := a.conn.KeepAlive(); err != nil {
		slog.Warn("upstream keepalive failed", "session_key", a.key, "session_id", a.id, "error", err)
		a.closeUpstream("keepalive failed", false, true)
		return
	}
	a.scheduleHeartbeat(gen)
}

// handleEvent also accepts events while closing so results flushed by the
// provider during close still reach the client.
func (a *actor) handleEvent(gen uint64, ev upstream.Event) {
	if gen != a.gen {
		return
	}
	now := a.opts.Now()
	a.lastMessageAt = now

	switch ev.Kind {
	case upstream.EventTranscript:
		tr := ev.Transcript
		if strings.TrimSpace(tr.Text) == "" {
			return
		}
		receivedAt := tr.ReceivedAt
		if receivedAt.IsZero() {
			receivedAt = now
		}
		a.deliver(protocol.Transcription{
			Type:      protocol.TypeTranscription,
			Text:      tr.Text,
			IsFinal:   tr.IsFinal,
			Timestamp: receivedAt.UnixMilli(),
			Speaker:   tr.Speaker,
			Start:     tr.Start,
			Duration:  tr.Duration,
		}, now)
		if tr.IsFinal {
			a.recorder.segment(a.segmentIndex, tr.Text, tr.Speaker, receivedAt)
			a.segmentIndex++
		}
	case upstream.EventProviderError:
		slog.Warn("upstream provider error", "session_key", a.key, "session_id", a.id, "message", ev.Message, "error", ev.Err)
		a.push(protocol.NewError(ev.Message, 502))
	case upstream.EventActivity:
	case upstream.EventClosed:
		if a.state == upstream.StateOpen {
			slog.Info("upstream closed by provider", "session_key", a.key, "session_id", a.id, "error", ev.Err)
			a.closeUpstream("provider closed", false, true)
		}
	}
}

// push sends a best-effort frame; it is dropped when no client is attached.
func (a *actor) push(msg any) {
	if a.sink == nil {
		return
	}
	if !a.sink.Push(msg) {
		slog.Warn("client outbox full; dropping frame", "session_key", a.key, "session_id", a.id)
	}
}

// deliver sends a transcript frame, keeping it for later delivery when no
// client can take it. Parked frames go out first so order is preserved.
func (a *actor) deliver(msg any, now time.Time) {
	if a.sink != nil {
		if len(a.undelivered) > 0 {
			a.flushUndelivered(now)
		}
		if len(a.undelivered) == 0 && a.sink.Push(msg) {
			return
		}
	}
	a.undelivered = append(a.undelivered, queuedEvent{msg: msg, at: now})
}

func (a *actor) flushUndelivered(now time.Time) {
	a.dropStaleEvents(now)
	queued := a.undelivered
	a.undelivered = nil
	for i, ev := range queued {
		if !a.sink.Push(ev.msg) {
			a.undelivered = append(a.undelivered, queued[i:]...)
			return
		}
	}
}

func (a *actor) dropStaleEvents(now time.Time) {
	kept := a.undelivered[:0]
	for _, ev := range a.undelivered {
		if now.Sub(ev.at) < a.opts.EventMaxAge {
			kept = append(kept, ev)
		}
	}
	if dropped := len(a.undelivered) - len(kept); dropped > 0 {
		slog.Info("dropped undelivered transcript events", "session_key", a.key, "count", dropped)
	}
	for i := len(kept); i < len(a.undelivered); i++ {
		a.undelivered[i] = queuedEvent{}
	}
	a.undelivered = kept
}

func (a *actor) snapshot() Snapshot {
	return Snapshot{
		Key:          a.key,
		SessionID:    a.id,
		CreatedAt:    a.createdAt,
		LastActivity: a.lastActivity,
		Chunks:       a.chunks,
		State:        a.state,
		Pending:      len(a.pending),
		Undelivered:  len(a.undelivered),
		Attached:     a.sink != nil,
		AttachID:     a.attachID,
		Failed:       a.failed,
		TornDown:     a.tornDown,
		Metadata:     a.metadata,
		WindowStart:  a.limiter.WindowStart(),
		EmptyInARow:  a.limiter.ConsecutiveEmpty(),
	}
}

type connReceiver struct {
	actor *actor
	gen   uint64
}

func (r *connReceiver) OnEvent(ev upstream.Event) {
	r.actor.post(func() { r.actor.handleEvent(r.gen, ev) })
}

func closeQuietly(conn upstream.Conn) {
	_ = conn.Close()
}
