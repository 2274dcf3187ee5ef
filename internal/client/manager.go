package client

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/foxseedlab/koe-relay/internal/capture"
	"github.com/foxseedlab/koe-relay/internal/protocol"
	"github.com/foxseedlab/koe-relay/internal/reconnect"
	"github.com/google/uuid"
)

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

var ErrClosed = errors.New("client manager closed")

const (
	defaultKeepAliveInterval = 30 * time.Second
	defaultConnectTimeout    = 30 * time.Second
	defaultReconnectBase     = time.Second
	defaultReconnectMax      = 30 * time.Second
	defaultReconnectAttempts = 5
)

// Pipeline is the capture side the manager drives.
type Pipeline interface {
	Start(ctx context.Context, track capture.Track, h capture.Handlers) error
	Stop()
}

type Options struct {
	// Token is generated once when empty and reused for every reconnect.
	Token    string
	Metadata protocol.Metadata

	KeepAliveInterval time.Duration
	ConnectTimeout    time.Duration
	Reconnect         reconnect.Config
	Pipeline          Pipeline

	OnTranscript  func(protocol.ServerMessage)
	OnStateChange func(State)
	OnError       func(message string)

	Now func() time.Time
}

// Manager keeps one duplex channel to the relay alive and streams captured
// audio over it. All state below the loop marker is owned by the loop
// goroutine.
type Manager struct {
	dialer Dialer
	opts   Options
	token  string

	ctx    context.Context
	cancel context.CancelFunc
	events chan func()
	done   chan struct{}
	once   sync.Once

	mu       sync.Mutex
	state    State
	audioCh  Channel
	audioGen uint64
	dropped  atomic.Uint64

	// loop
	policy         *reconnect.Policy
	wantConnected  bool
	ch             Channel
	chGen          uint64
	confirmed      bool
	dialGen        uint64
	dialCancel     context.CancelFunc
	reconnectGen   uint64
	reconnectTimer *time.Timer
	keepAlive      *time.Timer
	track          capture.Track
	capGen         uint64
	capturing      bool
}

func NewManager(dialer Dialer, opts Options) *Manager {
	if opts.Token == "" {
		opts.Token = uuid.NewString()
	}
	if opts.KeepAliveInterval <= 0 {
		opts.KeepAliveInterval = defaultKeepAliveInterval
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Reconnect.BaseDelay <= 0 {
		opts.Reconnect.BaseDelay = defaultReconnectBase
	}
	if opts.Reconnect.MaxDelay < opts.Reconnect.BaseDelay {
		opts.Reconnect.MaxDelay = max(defaultReconnectMax, opts.Reconnect.BaseDelay)
	}
	if opts.Reconnect.MaxAttempts <= 0 {
		opts.Reconnect.MaxAttempts = defaultReconnectAttempts
	}
	if opts.Pipeline == nil {
		opts.Pipeline = capture.NewPipeline(capture.Config{TargetSampleRate: opts.Metadata.SampleRate}, nil)
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		dialer: dialer,
		opts:   opts,
		token:  opts.Token,
		ctx:    ctx,
		cancel: cancel,
		events: make(chan func(), 64),
		done:   make(chan struct{}),
		state:  StateDisconnected,
		policy: reconnect.New(opts.Reconnect),
	}
	go m.loop()
	return m
}

func (m *Manager) Token() string {
	return m.token
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// DroppedFrames counts captured frames discarded because no channel was open.
func (m *Manager) DroppedFrames() uint64 {
	return m.dropped.Load()
}

// Start opens the channel if none exists and streams track once connected.
// A nil track connects without capturing. Connection progress is reported
// through OnStateChange and OnError.
func (m *Manager) Start(ctx context.Context, track capture.Track) error {
	if track != nil && !track.Live() {
		return capture.ErrTrackNotLive
	}
	return m.call(ctx, func() {
		if track != nil {
			m.track = track
		}
		m.wantConnected = true
		switch m.currentState() {
		case StateConnected:
			if m.track != nil {
				m.restartCapture()
			}
		case StateDisconnected:
			m.policy.Reset()
			m.setState(StateConnecting)
			m.dial()
		}
	})
}

// Stop sends stop, closes the channel normally and cancels any pending
// reconnect and capture. The manager can be started again.
func (m *Manager) Stop() error {
	return m.call(context.Background(), m.shutdown)
}

// Close stops the manager and ends its loop.
func (m *Manager) Close() error {
	err := m.Stop()
	m.once.Do(func() {
		m.cancel()
		<-m.done
	})
	if errors.Is(err, ErrClosed) {
		return nil
	}
	return err
}

func (m *Manager) loop() {
	defer close(m.done)
	for {
		select {
		case fn := <-m.events:
			fn()
		case <-m.ctx.Done():
			return
		}
	}
}

func (m *Manager) post(fn func()) bool {
	select {
	case m.events <- fn:
		return true
	case <-m.ctx.Done():
		return false
	}
}

func (m *Manager) call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !m.post(func() { fn(); close(finished) }) {
		return ErrClosed
	}
	select {
	case <-finished:
		return nil
	case <-m.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) currentState() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	prev := m.state
	m.state = s
	m.mu.Unlock()
	if prev == s {
		return
	}
	slog.Info("relay connection state changed", "from", prev, "to", s)
	if m.opts.OnStateChange != nil {
		m.opts.OnStateChange(s)
	}
}

func (m *Manager) reportError(message string) {
	slog.Warn("relay client error", "message", message)
	if m.opts.OnError != nil {
		m.opts.OnError(message)
	}
}

func (m *Manager) dial() {
	m.dialGen++
	gen := m.dialGen
	ctx, cancel := context.WithTimeout(m.ctx, m.opts.ConnectTimeout)
	m.dialCancel = cancel
	req := DialRequest{Token: m.token, Metadata: m.opts.Metadata}
	go func() {
		ch, err := m.dialer.Dial(ctx, req)
		cancel()
		if !m.post(func() { m.dialed(gen, ch, err) }) && ch != nil {
			_ = ch.Close(CloseNormal, "")
		}
	}()
}

func (m *Manager) dialed(gen uint64, ch Channel, err error) {
	if gen != m.dialGen || !m.wantConnected {
		if ch != nil {
			_ = ch.Close(CloseNormal, "")
		}
		return
	}
	m.dialCancel = nil
	if err != nil {
		slog.Warn("failed to open relay channel", "error", err, "attempt", m.policy.Attempts())
		m.scheduleReconnect()
		return
	}

	m.chGen++
	m.ch = ch
	m.confirmed = false
	m.setState(StateConnected)
	go m.receive(m.chGen, ch)

	if err := ch.SendJSON(protocol.ClientMessage{Type: protocol.TypeStart}); err != nil {
		slog.Warn("failed to send start", "error", err)
	}
	m.scheduleKeepAlive(m.chGen)
	m.mu.Lock()
	m.audioCh = ch
	m.mu.Unlock()
	if m.track != nil {
		m.restartCapture()
	}
}

func (m *Manager) receive(gen uint64, ch Channel) {
	for {
		msg, err := ch.Receive()
		if err != nil {
			m.post(func() { m.channelClosed(gen, err) })
			return
		}
		if !m.post(func() { m.handleMessage(gen, msg) }) {
			return
		}
	}
}

func (m *Manager) handleMessage(gen uint64, msg protocol.ServerMessage) {
	if gen != m.chGen {
		return
	}
	// The first accepted frame confirms the session and restores the
	// reconnect budget.
	if !m.confirmed && msg.Type != protocol.TypeError {
		m.confirmed = true
		m.policy.Succeeded(m.opts.Now())
	}
	switch msg.Type {
	case protocol.TypeTranscription:
		if m.opts.OnTranscript != nil {
			m.opts.OnTranscript(msg)
		}
	case protocol.TypeError:
		m.reportError(msg.Message)
	case protocol.TypeStatus:
		slog.Info("relay upstream status", "status", msg.Status)
	case protocol.TypePong:
		slog.Debug("received pong")
	default:
		slog.Debug("ignoring unknown server frame", "type", msg.Type)
	}
}

func (m *Manager) channelClosed(gen uint64, err error) {
	if gen != m.chGen || m.ch == nil {
		return
	}
	code := closeCode(err)
	slog.Info("relay channel closed", "code", code, "error", err)
	m.detach()
	if !m.wantConnected || code == CloseNormal {
		m.wantConnected = false
		m.setState(StateDisconnected)
		return
	}
	if code == CloseSessionReplaced {
		m.wantConnected = false
		m.policy.Reset()
		m.setState(StateDisconnected)
		m.reportError("session taken over by another connection")
		return
	}
	m.scheduleReconnect()
}

// detach drops the current channel and everything bound to it.
func (m *Manager) detach() {
	m.chGen++
	m.ch = nil
	if m.keepAlive != nil {
		m.keepAlive.Stop()
		m.keepAlive = nil
	}
	m.stopCapture()
	m.mu.Lock()
	m.audioCh = nil
	m.mu.Unlock()
}

func (m *Manager) scheduleReconnect() {
	delay, ok := m.policy.Next(m.opts.Now())
	if !ok {
		if m.policy.InProgress() {
			return
		}
		m.wantConnected = false
		m.setState(StateDisconnected)
		m.reportError("connection lost: reconnect attempts exhausted")
		return
	}
	m.setState(StateReconnecting)
	m.reconnectGen++
	gen := m.reconnectGen
	slog.Info("scheduling relay reconnect", "attempt", m.policy.Attempts(), "delay", delay)
	m.reconnectTimer = time.AfterFunc(delay, func() {
		m.post(func() {
			if gen != m.reconnectGen || !m.wantConnected {
				return
			}
			m.reconnectTimer = nil
			m.policy.Fired()
			m.dial()
		})
	})
}

func (m *Manager) scheduleKeepAlive(gen uint64) {
	m.keepAlive = time.AfterFunc(m.opts.KeepAliveInterval, func() {
		m.post(func() {
			if gen != m.chGen || m.ch == nil {
				return
			}
			ts := m.opts.Now().UnixMilli()
			if err := m.ch.SendJSON(protocol.ClientMessage{Type: protocol.TypePing, Timestamp: &ts}); err != nil {
				slog.Warn("failed to send keepalive", "error", err)
				return
			}
			m.scheduleKeepAlive(gen)
		})
	})
}

func (m *Manager) restartCapture() {
	m.stopCapture()
	m.capGen++
	gen := m.capGen
	err := m.opts.Pipeline.Start(m.ctx, m.track, capture.Handlers{
		OnFrame: m.frameSender(),
		OnDeviceChange: func(s capture.TrackSettings) {
			go m.post(func() {
				if gen != m.capGen || m.ch == nil {
					return
				}
				slog.Info("rebuilding capture pipeline", "device_id", s.DeviceID, "sample_rate", s.SampleRate)
				m.capturing = false
				m.restartCapture()
			})
		},
		OnEnded: func(err error) {
			go m.post(func() {
				if gen != m.capGen {
					return
				}
				m.capturing = false
				m.reportError("audio capture ended: " + err.Error())
			})
		},
	})
	if err != nil {
		m.reportError("failed to start audio capture: " + err.Error())
		return
	}
	m.capturing = true
}

func (m *Manager) stopCapture() {
	m.capGen++
	if !m.capturing {
		return
	}
	m.capturing = false
	m.opts.Pipeline.Stop()
}

// frameSender runs on the capture goroutine. Frames produced while no
// channel is open are dropped.
func (m *Manager) frameSender() func([]byte) {
	return func(frame []byte) {
		m.mu.Lock()
		ch := m.audioCh
		m.mu.Unlock()
		if ch == nil {
			m.dropped.Add(1)
			return
		}
		if err := ch.SendAudio(frame); err != nil {
			slog.Debug("failed to send audio frame", "error", err)
		}
	}
}

func (m *Manager) shutdown() {
	m.wantConnected = false
	m.reconnectGen++
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	m.dialGen++
	if m.dialCancel != nil {
		m.dialCancel()
		m.dialCancel = nil
	}
	ch := m.ch
	m.detach()
	if ch != nil {
		if err := ch.SendJSON(protocol.ClientMessage{Type: protocol.TypeStop}); err != nil {
			slog.Debug("failed to send stop", "error", err)
		}
		_ = ch.Close(CloseNormal, "client stopped")
	}
	m.policy.Reset()
	m.setState(StateDisconnected)
}
