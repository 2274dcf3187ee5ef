package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/foxseedlab/koe-relay/internal/config"
	"github.com/foxseedlab/koe-relay/internal/protocol"
	"github.com/foxseedlab/koe-relay/internal/ratelimit"
	"github.com/foxseedlab/koe-relay/internal/repository"
	"github.com/foxseedlab/koe-relay/internal/upstream"
	"github.com/foxseedlab/koe-relay/internal/webhook"
)

type Options struct {
	Limits             ratelimit.Config
	MaxPendingMessages int

	ConnectTimeout    time.Duration
	InactivityTimeout time.Duration
	KeepAliveInterval time.Duration
	IdleTimeout       time.Duration
	EventMaxAge       time.Duration
	// TeardownGrace is how long a torn-down session survives sweeps so a
	// reconnecting client can resume it.
	TeardownGrace time.Duration

	Defaults protocol.Metadata
	Now      func() time.Time
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Limits: ratelimit.Config{
			Window:              cfg.RateLimitWindow,
			MaxMessages:         cfg.RateLimitMaxMessages,
			MaxBufferBytes:      cfg.MaxBufferBytes,
			MaxConsecutiveEmpty: cfg.MaxConsecutiveEmpty,
		},
		MaxPendingMessages: cfg.MaxPendingMessages,
		ConnectTimeout:     cfg.UpstreamConnectTimeout,
		InactivityTimeout:  cfg.UpstreamInactivityTimeout,
		KeepAliveInterval:  cfg.UpstreamKeepAliveInterval,
		IdleTimeout:        cfg.SessionIdleTimeout,
		EventMaxAge:        cfg.TranscriptEventMaxAge,
		TeardownGrace:      cfg.SweepInterval,
		Defaults: protocol.Metadata{
			Language:   cfg.DefaultLanguage,
			Model:      cfg.DefaultModel,
			Encoding:   cfg.DefaultEncoding,
			SampleRate: cfg.DefaultSampleRateHertz,
			Channels:   cfg.DefaultChannels,
		},
		Now: time.Now,
	}
}

// Transition records one upstream state change of a session.
type Transition struct {
	Key       string
	SessionID string
	From      upstream.State
	To        upstream.State
	At        time.Time
}

type Snapshot struct {
	Key          string
	SessionID    string
	CreatedAt    time.Time
	LastActivity time.Time
	Chunks       int64
	State        upstream.State
	Pending      int
	Undelivered  int
	Attached     bool
	AttachID     uint64
	Failed       bool
	TornDown     bool
	Metadata     protocol.Metadata
	WindowStart  time.Time
	EmptyInARow  int
}

// Manager routes operations to one actor per session key.
type Manager struct {
	opts   Options
	dialer upstream.Dialer
	store  *store

	mu     sync.Mutex
	actors map[string]*actor

	observersMu sync.RWMutex
	observers   []func(Transition)
}

func NewManager(opts Options, dialer upstream.Dialer, repo repository.Repository, wh webhook.Sender, timezone string, loc *time.Location) *Manager {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	var s *store
	if repo != nil && wh != nil {
		s = &store{repo: repo, webhook: wh, timezone: timezone, loc: safeLocation(loc)}
	}
	return &Manager{
		opts:   opts,
		dialer: dialer,
		store:  s,
		actors: make(map[string]*actor),
	}
}

// Observe registers fn to be called on every upstream state change. fn runs
// on the session's actor goroutine and must not block.
func (m *Manager) Observe(fn func(Transition)) {
	m.observersMu.Lock()
	defer m.observersMu.Unlock()
	m.observers = append(m.observers, fn)
}

func (m *Manager) notify(t Transition) {
	m.observersMu.RLock()
	defer m.observersMu.RUnlock()
	for _, fn := range m.observers {
		fn(t)
	}
}

func (m *Manager) lookup(key string, create bool) *actor {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.actors[key]
	if ok || !create {
		return a
	}
	a = newActor(key, m.opts, m.dialer, m.store, m.notify)
	m.actors[key] = a
	slog.Info("session created", "session_key", key, "session_id", a.id, "sessions", len(m.actors))
	return a
}

func (m *Manager) remove(key string, a *actor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.actors[key] == a {
		delete(m.actors, key)
	}
}

// route runs op against the actor for key, retrying once on a fresh actor if
// the one found was evicted in the meantime.
func route[T any](m *Manager, key string, create bool, op func(*actor) (T, error)) (T, error) {
	var zero T
	for attempt := 0; attempt < 2; attempt++ {
		a := m.lookup(key, create)
		if a == nil {
			return zero, ErrSessionNotFound
		}
		v, err := call(a, func() (T, error) { return op(a) })
		if errors.Is(err, ErrSessionClosed) {
			m.remove(key, a)
			continue
		}
		return v, err
	}
	return zero, ErrSessionClosed
}

func (m *Manager) Setup(key string, req SetupRequest) (SetupResult, error) {
	return route(m, key, true, func(a *actor) (SetupResult, error) {
		return a.setup(req)
	})
}

func (m *Manager) SubmitAudio(key string, buf []byte) AudioResult {
	res, err := route(m, key, false, func(a *actor) (AudioResult, error) {
		return a.submitAudio(buf), nil
	})
	if err != nil {
		return AudioResult{Code: 503, Reason: ReasonNotReady}
	}
	return res
}

// Control handles a structured client message. A nil response means there is
// nothing to send back yet.
func (m *Manager) Control(key string, msg protocol.ClientMessage) (any, error) {
	return route(m, key, false, func(a *actor) (any, error) {
		return a.control(msg)
	})
}

// Teardown detaches the client identified by attachID. It does not wait for
// the actor.
func (m *Manager) Teardown(key string, attachID uint64) {
	a := m.lookup(key, false)
	if a == nil {
		return
	}
	fn := func() {
		if !a.retired {
			a.teardown(attachID)
		}
	}
	select {
	case a.mailbox <- fn:
	default:
		go a.post(fn)
	}
}

func (m *Manager) Snapshot(key string) (Snapshot, error) {
	return route(m, key, false, func(a *actor) (Snapshot, error) {
		return a.snapshot(), nil
	})
}

// Sweep ages out undelivered events, closes idle upstreams and evicts
// sessions that are torn down or idle with no client attached.
func (m *Manager) Sweep(now time.Time) int {
	evicted := 0
	for key, a := range m.snapshotActors() {
		gone, err := call(a, func() (bool, error) { return a.sweep(now), nil })
		if err != nil || gone {
			m.remove(key, a)
			evicted++
		}
	}
	if evicted > 0 {
		slog.Info("sweep evicted sessions", "evicted", evicted, "sessions", m.Count())
	}
	return evicted
}

func (m *Manager) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(m.opts.Now())
		}
	}
}

// StopAll closes every session and waits for pending persistence until ctx
// is done.
func (m *Manager) StopAll(ctx context.Context) error {
	for key, a := range m.snapshotActors() {
		_, _ = call(a, func() (struct{}, error) {
			a.shutdown()
			return struct{}{}, nil
		})
		m.remove(key, a)
	}
	if m.store == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		m.store.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.actors)
}

func (m *Manager) snapshotActors() map[string]*actor {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]*actor, len(m.actors))
	for k, a := range m.actors {
		out[k] = a
	}
	return out
}
