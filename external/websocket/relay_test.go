package websocket

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/foxseedlab/koe-relay/internal/capture"
	"github.com/foxseedlab/koe-relay/internal/client"
	"github.com/foxseedlab/koe-relay/internal/protocol"
	"github.com/foxseedlab/koe-relay/internal/ratelimit"
	"github.com/foxseedlab/koe-relay/internal/reconnect"
	"github.com/foxseedlab/koe-relay/internal/relay"
	"github.com/foxseedlab/koe-relay/internal/session"
	"github.com/foxseedlab/koe-relay/internal/upstream"
)

type fakeProvider struct {
	mu      sync.Mutex
	dials   []upstream.ProviderConfig
	frames  int
	closed  int
	replyAt int
}

func (p *fakeProvider) Validate() error { return nil }

func (p *fakeProvider) Dial(_ context.Context, cfg upstream.ProviderConfig, r upstream.Receiver) (upstream.Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dials = append(p.dials, cfg)
	return &fakeProviderConn{provider: p, receiver: r}, nil
}

func (p *fakeProvider) dialCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.dials)
}

type fakeProviderConn struct {
	provider *fakeProvider
	receiver upstream.Receiver
}

func (c *fakeProviderConn) Configure(context.Context) error { return nil }

func (c *fakeProviderConn) Send(_ []byte) error {
	p := c.provider
	p.mu.Lock()
	p.frames++
	reply := p.frames == p.replyAt
	p.mu.Unlock()
	if reply {
		go c.receiver.OnEvent(upstream.Event{
			Kind:       upstream.EventTranscript,
			Transcript: upstream.Transcript{Text: "hello relay", IsFinal: true, ReceivedAt: time.Now()},
		})
	}
	return nil
}

func (c *fakeProviderConn) KeepAlive() error { return nil }

func (c *fakeProviderConn) Close() error {
	c.provider.mu.Lock()
	defer c.provider.mu.Unlock()
	c.provider.closed++
	return nil
}

type blockTrack struct {
	blocks chan []float32
}

func (t *blockTrack) ID() string { return "test-mic" }
func (t *blockTrack) Live() bool { return true }
func (t *blockTrack) Settings() capture.TrackSettings {
	return capture.TrackSettings{DeviceID: "test-mic", SampleRate: 16000, Channels: 1}
}
func (t *blockTrack) ReadBlock(ctx context.Context) ([]float32, error) {
	select {
	case b := <-t.blocks:
		return b, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type transcripts struct {
	mu   sync.Mutex
	msgs []protocol.ServerMessage
}

func (t *transcripts) add(m protocol.ServerMessage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.msgs = append(t.msgs, m)
}

func (t *transcripts) list() []protocol.ServerMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]protocol.ServerMessage(nil), t.msgs...)
}

func sessionOptions() session.Options {
	return session.Options{
		Limits: ratelimit.Config{
			Window:              time.Second,
			MaxMessages:         60,
			MaxBufferBytes:      1 << 20,
			MaxConsecutiveEmpty: 10,
		},
		MaxPendingMessages: 600,
		ConnectTimeout:     time.Second,
		InactivityTimeout:  time.Minute,
		KeepAliveInterval:  time.Minute,
		IdleTimeout:        5 * time.Minute,
		EventMaxAge:        time.Minute,
		TeardownGrace:      time.Minute,
		Defaults:           protocol.Metadata{Language: "ja", Encoding: "linear16", SampleRate: 16000, Channels: 1},
	}
}

func startRelay(t *testing.T, provider *fakeProvider) (*session.Manager, string) {
	t.Helper()
	sessions := session.NewManager(sessionOptions(), provider, nil, nil, "UTC", time.UTC)
	ctx, cancel := context.WithCancel(context.Background())
	handler := NewHandler(ctx, relay.NewTranslator(sessions), HandlerConfig{MaxBufferBytes: 1 << 20})
	server := httptest.NewServer(handler)
	t.Cleanup(func() {
		cancel()
		server.Close()
		stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
		defer stopCancel()
		_ = sessions.StopAll(stopCtx)
	})
	return sessions, "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestRelay_EndToEndTranscriptAndStop(t *testing.T) {
	provider := &fakeProvider{replyAt: 5}
	sessions, url := startRelay(t, provider)

	got := &transcripts{}
	track := &blockTrack{blocks: make(chan []float32, 8)}
	m := client.NewManager(NewDialer(url), client.Options{
		Token:        "e2e-token",
		Metadata:     protocol.Metadata{Language: "en", Encoding: capture.EncodingLinear16, SampleRate: 16000, Channels: 1},
		OnTranscript: got.add,
		Pipeline:     capture.NewPipeline(capture.Config{TargetSampleRate: 16000}, nil),
	})
	defer m.Close()

	if err := m.Start(context.Background(), track); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitUntil(t, 2*time.Second, func() bool { return m.State() == client.StateConnected }, "client did not connect")

	key := relay.SessionKey("e2e-token")
	waitUntil(t, 2*time.Second, func() bool {
		snap, err := sessions.Snapshot(key)
		return err == nil && snap.State == upstream.StateOpen
	}, "upstream did not open")

	for i := 0; i < 5; i++ {
		track.blocks <- make([]float32, 160)
	}
	waitUntil(t, 2*time.Second, func() bool { return len(got.list()) == 1 }, "expected one transcription")
	msg := got.list()[0]
	if msg.Type != protocol.TypeTranscription || msg.Text != "hello relay" || !msg.IsFinal {
		t.Fatalf("unexpected transcription %+v", msg)
	}

	if err := m.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	waitUntil(t, 2*time.Second, func() bool {
		snap, err := sessions.Snapshot(key)
		return err == nil && snap.State == upstream.StateIdle && !snap.Attached
	}, "upstream did not return to idle")
	if sessions.Count() != 1 {
		t.Fatalf("expected session to remain, got %d sessions", sessions.Count())
	}
	if len(got.list()) != 1 {
		t.Fatalf("expected exactly one transcription, got %d", len(got.list()))
	}
	provider.mu.Lock()
	defer provider.mu.Unlock()
	if provider.frames != 5 {
		t.Fatalf("expected 5 frames at the provider, got %d", provider.frames)
	}
	if provider.dials[0].Language != "en" {
		t.Fatalf("expected client language to reach the provider, got %+v", provider.dials[0])
	}
}

// trackingDialer remembers the channels it opened so a test can cut the
// transport underneath the client.
type trackingDialer struct {
	*Dialer
	mu       sync.Mutex
	channels []*clientChannel
}

func (d *trackingDialer) Dial(ctx context.Context, req client.DialRequest) (client.Channel, error) {
	ch, err := d.Dialer.Dial(ctx, req)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.channels = append(d.channels, ch.(*clientChannel))
	return ch, nil
}

func (d *trackingDialer) cut(i int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	_ = d.channels[i].conn.UnderlyingConn().Close()
}

type stateLog struct {
	mu     sync.Mutex
	states []client.State
	errors []string
}

func (l *stateLog) onState(s client.State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states = append(l.states, s)
}

func (l *stateLog) onError(msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errors = append(l.errors, msg)
}

func (l *stateLog) saw(s client.State) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, got := range l.states {
		if got == s {
			return true
		}
	}
	return false
}

func (l *stateLog) errorCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.errors)
}

func resumeOptions(log *stateLog) client.Options {
	return client.Options{
		Token:    "resume-token",
		Metadata: protocol.Metadata{Language: "de", Model: "general"},
		Reconnect: reconnect.Config{
			BaseDelay:   5 * time.Millisecond,
			MaxDelay:    20 * time.Millisecond,
			MaxAttempts: 5,
		},
		OnStateChange: log.onState,
		OnError:       log.onError,
	}
}

func TestRelay_AbnormalCloseReconnectsToSameSession(t *testing.T) {
	provider := &fakeProvider{}
	sessions, url := startRelay(t, provider)

	log := &stateLog{}
	dialer := &trackingDialer{Dialer: NewDialer(url)}
	m := client.NewManager(dialer, resumeOptions(log))
	defer m.Close()

	if err := m.Start(context.Background(), nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitUntil(t, 2*time.Second, func() bool { return m.State() == client.StateConnected }, "client did not connect")

	key := relay.SessionKey("resume-token")
	before, err := sessions.Snapshot(key)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	dialer.cut(0)

	waitUntil(t, 2*time.Second, func() bool { return log.saw(client.StateReconnecting) }, "client did not enter reconnecting")
	waitUntil(t, 2*time.Second, func() bool {
		if m.State() != client.StateConnected {
			return false
		}
		snap, err := sessions.Snapshot(key)
		return err == nil && snap.Attached && snap.AttachID != before.AttachID
	}, "client did not reconnect")

	after, err := sessions.Snapshot(key)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if after.SessionID != before.SessionID {
		t.Fatalf("expected the same session, got %s then %s", before.SessionID, after.SessionID)
	}
	if after.Metadata.Language != "de" || after.Metadata.Model != "general" {
		t.Fatalf("expected provider configuration to survive, got %+v", after.Metadata)
	}
}

func TestRelay_ReplacedSessionDoesNotReconnect(t *testing.T) {
	provider := &fakeProvider{}
	sessions, url := startRelay(t, provider)

	log := &stateLog{}
	dialer := &trackingDialer{Dialer: NewDialer(url)}
	m := client.NewManager(dialer, resumeOptions(log))
	defer m.Close()

	if err := m.Start(context.Background(), nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitUntil(t, 2*time.Second, func() bool { return m.State() == client.StateConnected }, "client did not connect")

	key := relay.SessionKey("resume-token")
	if _, err := sessions.Setup(key, session.SetupRequest{Token: "resume-token", Sink: discardSink{}}); err != nil {
		t.Fatalf("competing setup: %v", err)
	}

	waitUntil(t, 2*time.Second, func() bool {
		return m.State() == client.StateDisconnected && log.errorCount() == 1
	}, "client did not stop after being replaced")
	time.Sleep(50 * time.Millisecond)
	dialer.mu.Lock()
	defer dialer.mu.Unlock()
	if len(dialer.channels) != 1 {
		t.Fatalf("expected no redial after replacement, got %d dials", len(dialer.channels))
	}
	if log.saw(client.StateReconnecting) {
		t.Fatal("expected no reconnecting state after replacement")
	}
}

type discardSink struct{}

func (discardSink) Push(any) bool { return true }
func (discardSink) Close()        {}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool, message string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(message)
}
