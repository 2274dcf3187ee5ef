package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/foxseedlab/koe-relay/internal/capture"
	"github.com/foxseedlab/koe-relay/internal/protocol"
	"github.com/foxseedlab/koe-relay/internal/reconnect"
)

type mockChannel struct {
	inbound chan protocol.ServerMessage
	closeCh chan *CloseError

	mu        sync.Mutex
	sent      []protocol.ClientMessage
	audio     [][]byte
	closed    bool
	closeCode int
}

func newMockChannel() *mockChannel {
	return &mockChannel{inbound: make(chan protocol.ServerMessage, 16), closeCh: make(chan *CloseError, 1)}
}

func (c *mockChannel) SendJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("closed")
	}
	if msg, ok := v.(protocol.ClientMessage); ok {
		c.sent = append(c.sent, msg)
	}
	return nil
}

func (c *mockChannel) SendAudio(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("closed")
	}
	c.audio = append(c.audio, frame)
	return nil
}

func (c *mockChannel) Receive() (protocol.ServerMessage, error) {
	select {
	case msg := <-c.inbound:
		return msg, nil
	case ce := <-c.closeCh:
		return protocol.ServerMessage{}, ce
	}
}

func (c *mockChannel) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.closeCode = code
	select {
	case c.closeCh <- &CloseError{Code: code, Reason: reason}:
	default:
	}
	return nil
}

// drop simulates the peer closing the channel.
func (c *mockChannel) drop(code int) {
	c.closeCh <- &CloseError{Code: code}
}

func (c *mockChannel) sentTypes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	types := make([]string, 0, len(c.sent))
	for _, m := range c.sent {
		types = append(types, m.Type)
	}
	return types
}

func (c *mockChannel) audioCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.audio)
}

func (c *mockChannel) closedWith() (bool, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed, c.closeCode
}

type mockDialer struct {
	mu       sync.Mutex
	requests []DialRequest
	channels []*mockChannel
	failures int
	// dropWith makes every new channel close immediately with this code.
	dropWith int
}

func (d *mockDialer) Dial(_ context.Context, req DialRequest) (Channel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requests = append(d.requests, req)
	if d.failures > 0 {
		d.failures--
		return nil, errors.New("dial failed")
	}
	ch := newMockChannel()
	if d.dropWith != 0 {
		ch.closeCh <- &CloseError{Code: d.dropWith}
	}
	d.channels = append(d.channels, ch)
	return ch, nil
}

func (d *mockDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.requests)
}

func (d *mockDialer) channel(i int) *mockChannel {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.channels) {
		return nil
	}
	return d.channels[i]
}

type mockPipeline struct {
	mu       sync.Mutex
	starts   int
	stops    int
	handlers capture.Handlers
}

func (p *mockPipeline) Start(_ context.Context, _ capture.Track, h capture.Handlers) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.starts++
	p.handlers = h
	return nil
}

func (p *mockPipeline) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stops++
}

func (p *mockPipeline) current() capture.Handlers {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handlers
}

func (p *mockPipeline) startCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.starts
}

type liveTrack struct{}

func (liveTrack) ID() string { return "mic" }
func (liveTrack) Live() bool { return true }
func (liveTrack) Settings() capture.TrackSettings {
	return capture.TrackSettings{DeviceID: "mic", SampleRate: 16000, Channels: 1}
}
func (liveTrack) ReadBlock(ctx context.Context) ([]float32, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type recorder struct {
	mu          sync.Mutex
	states      []State
	errors      []string
	transcripts []protocol.ServerMessage
}

func (r *recorder) options(o Options) Options {
	o.OnStateChange = func(s State) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.states = append(r.states, s)
	}
	o.OnError = func(msg string) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.errors = append(r.errors, msg)
	}
	o.OnTranscript = func(msg protocol.ServerMessage) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.transcripts = append(r.transcripts, msg)
	}
	return o
}

func (r *recorder) errorCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.errors)
}

func (r *recorder) sawState(s State) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, got := range r.states {
		if got == s {
			return true
		}
	}
	return false
}

func fastReconnect(attempts int) reconnect.Config {
	return reconnect.Config{
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
		MaxAttempts: attempts,
		Rand:        func() float64 { return 0 },
	}
}

func newTestManager(t *testing.T, d *mockDialer, p *mockPipeline, r *recorder, o Options) *Manager {
	t.Helper()
	if o.Reconnect.MaxAttempts == 0 {
		o.Reconnect = fastReconnect(3)
	}
	o.Pipeline = p
	m := NewManager(d, r.options(o))
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestStart_ConnectsAndSendsStart(t *testing.T) {
	d, p, r := &mockDialer{}, &mockPipeline{}, &recorder{}
	m := newTestManager(t, d, p, r, Options{Token: "tok", Metadata: protocol.Metadata{Language: "ja"}})

	if err := m.Start(context.Background(), liveTrack{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitUntil(t, time.Second, func() bool { return m.State() == StateConnected }, "manager did not connect")
	waitUntil(t, time.Second, func() bool { return p.startCount() == 1 }, "capture was not started")

	ch := d.channel(0)
	if got := ch.sentTypes(); len(got) == 0 || got[0] != protocol.TypeStart {
		t.Fatalf("expected start frame first, got %v", got)
	}
	if d.requests[0].Token != "tok" || d.requests[0].Metadata.Language != "ja" {
		t.Fatalf("unexpected dial request %+v", d.requests[0])
	}
	if !r.sawState(StateConnecting) {
		t.Fatal("expected connecting state before connected")
	}
}

func TestStart_RejectsTrackThatIsNotLive(t *testing.T) {
	d, p, r := &mockDialer{}, &mockPipeline{}, &recorder{}
	m := newTestManager(t, d, p, r, Options{})
	err := m.Start(context.Background(), deadTrack{})
	if !errors.Is(err, capture.ErrTrackNotLive) {
		t.Fatalf("expected ErrTrackNotLive, got %v", err)
	}
	if d.dialCount() != 0 {
		t.Fatal("expected no dial for a dead track")
	}
}

type deadTrack struct{ liveTrack }

func (deadTrack) Live() bool { return false }

func TestToken_GeneratedOnceAndReusedForReconnect(t *testing.T) {
	d, p, r := &mockDialer{}, &mockPipeline{}, &recorder{}
	m := newTestManager(t, d, p, r, Options{})
	if m.Token() == "" {
		t.Fatal("expected generated token")
	}
	if err := m.Start(context.Background(), nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitUntil(t, time.Second, func() bool { return m.State() == StateConnected }, "manager did not connect")

	d.channel(0).drop(CloseAbnormal)
	waitUntil(t, time.Second, func() bool { return d.dialCount() == 2 && m.State() == StateConnected }, "manager did not reconnect")
	if !r.sawState(StateReconnecting) {
		t.Fatal("expected reconnecting state")
	}
	if d.requests[0].Token != m.Token() || d.requests[1].Token != m.Token() {
		t.Fatalf("expected the same token on every dial, got %q and %q", d.requests[0].Token, d.requests[1].Token)
	}
}

func TestNormalClose_DoesNotReconnect(t *testing.T) {
	d, p, r := &mockDialer{}, &mockPipeline{}, &recorder{}
	m := newTestManager(t, d, p, r, Options{})
	if err := m.Start(context.Background(), nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitUntil(t, time.Second, func() bool { return m.State() == StateConnected }, "manager did not connect")

	d.channel(0).drop(CloseNormal)
	waitUntil(t, time.Second, func() bool { return m.State() == StateDisconnected }, "manager did not disconnect")
	time.Sleep(30 * time.Millisecond)
	if d.dialCount() != 1 {
		t.Fatalf("expected no redial after normal close, got %d dials", d.dialCount())
	}
}

func TestReconnect_GivesUpAfterMaxAttempts(t *testing.T) {
	d, p, r := &mockDialer{failures: 100}, &mockPipeline{}, &recorder{}
	m := newTestManager(t, d, p, r, Options{Reconnect: fastReconnect(2)})
	if err := m.Start(context.Background(), nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitUntil(t, time.Second, func() bool { return r.errorCount() == 1 }, "exhaustion was not reported")
	if m.State() != StateDisconnected {
		t.Fatalf("expected terminal disconnected state, got %s", m.State())
	}
	if d.dialCount() != 3 {
		t.Fatalf("expected initial dial plus 2 retries, got %d", d.dialCount())
	}
}

func TestReconnect_UnacceptedChannelsExhaustAttempts(t *testing.T) {
	d, p, r := &mockDialer{dropWith: 1011}, &mockPipeline{}, &recorder{}
	m := newTestManager(t, d, p, r, Options{Reconnect: fastReconnect(2)})
	if err := m.Start(context.Background(), nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitUntil(t, time.Second, func() bool { return r.errorCount() == 1 }, "exhaustion was not reported")
	if m.State() != StateDisconnected {
		t.Fatalf("expected terminal disconnected state, got %s", m.State())
	}
	time.Sleep(30 * time.Millisecond)
	if d.dialCount() != 3 {
		t.Fatalf("expected initial dial plus 2 retries, got %d", d.dialCount())
	}
}

func TestReconnect_AcceptedSessionRestoresAttempts(t *testing.T) {
	d, p, r := &mockDialer{}, &mockPipeline{}, &recorder{}
	m := newTestManager(t, d, p, r, Options{Reconnect: fastReconnect(1)})
	if err := m.Start(context.Background(), nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	for i := 0; i < 3; i++ {
		waitUntil(t, time.Second, func() bool { return d.dialCount() == i+1 && m.State() == StateConnected }, "manager did not connect")
		d.channel(i).inbound <- protocol.ServerMessage{Type: protocol.TypeTranscription, Text: "ok"}
		waitUntil(t, time.Second, func() bool {
			r.mu.Lock()
			defer r.mu.Unlock()
			return len(r.transcripts) == i+1
		}, "transcript was not delivered")
		d.channel(i).drop(CloseAbnormal)
	}
	waitUntil(t, time.Second, func() bool { return d.dialCount() == 4 && m.State() == StateConnected }, "manager did not reconnect")
	if r.errorCount() != 0 {
		t.Fatalf("expected no exhaustion, got errors %v", r.errors)
	}
}

func TestSessionReplaced_DoesNotReconnect(t *testing.T) {
	d, p, r := &mockDialer{}, &mockPipeline{}, &recorder{}
	m := newTestManager(t, d, p, r, Options{})
	if err := m.Start(context.Background(), nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitUntil(t, time.Second, func() bool { return m.State() == StateConnected }, "manager did not connect")

	d.channel(0).drop(CloseSessionReplaced)
	waitUntil(t, time.Second, func() bool { return m.State() == StateDisconnected && r.errorCount() == 1 }, "replacement was not reported")
	time.Sleep(30 * time.Millisecond)
	if d.dialCount() != 1 {
		t.Fatalf("expected no redial after replacement, got %d dials", d.dialCount())
	}
}

func TestReconnect_SucceedsAfterTransientDialFailure(t *testing.T) {
	d, p, r := &mockDialer{failures: 1}, &mockPipeline{}, &recorder{}
	m := newTestManager(t, d, p, r, Options{})
	if err := m.Start(context.Background(), nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitUntil(t, time.Second, func() bool { return m.State() == StateConnected }, "manager did not connect")
	if r.errorCount() != 0 {
		t.Fatalf("expected no error callback, got %d", r.errorCount())
	}
}

func TestStop_SendsStopAndClosesNormally(t *testing.T) {
	d, p, r := &mockDialer{}, &mockPipeline{}, &recorder{}
	m := newTestManager(t, d, p, r, Options{})
	if err := m.Start(context.Background(), liveTrack{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitUntil(t, time.Second, func() bool { return m.State() == StateConnected }, "manager did not connect")
	waitUntil(t, time.Second, func() bool { return p.startCount() == 1 }, "capture was not started")
	onFrame := p.current().OnFrame

	if err := m.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	ch := d.channel(0)
	types := ch.sentTypes()
	if types[len(types)-1] != protocol.TypeStop {
		t.Fatalf("expected stop as last control frame, got %v", types)
	}
	if closed, code := ch.closedWith(); !closed || code != CloseNormal {
		t.Fatalf("expected normal close, got closed=%v code=%d", closed, code)
	}
	if m.State() != StateDisconnected {
		t.Fatalf("expected disconnected, got %s", m.State())
	}

	onFrame([]byte{1, 2})
	if ch.audioCount() != 0 {
		t.Fatal("expected no audio after stop")
	}
	if m.DroppedFrames() != 1 {
		t.Fatalf("expected dropped frame, got %d", m.DroppedFrames())
	}
	time.Sleep(30 * time.Millisecond)
	if d.dialCount() != 1 {
		t.Fatalf("expected no reconnect after stop, got %d dials", d.dialCount())
	}
}

func TestFrames_ForwardedOnlyWhileConnected(t *testing.T) {
	d, p, r := &mockDialer{}, &mockPipeline{}, &recorder{}
	m := newTestManager(t, d, p, r, Options{})
	if err := m.Start(context.Background(), liveTrack{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitUntil(t, time.Second, func() bool { return p.startCount() == 1 }, "capture was not started")
	onFrame := p.current().OnFrame
	for i := 0; i < 5; i++ {
		onFrame([]byte{byte(i)})
	}
	if got := d.channel(0).audioCount(); got != 5 {
		t.Fatalf("expected 5 frames forwarded, got %d", got)
	}
}

func TestDeviceChange_RebuildsCaptureWithoutRedial(t *testing.T) {
	d, p, r := &mockDialer{}, &mockPipeline{}, &recorder{}
	m := newTestManager(t, d, p, r, Options{})
	if err := m.Start(context.Background(), liveTrack{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitUntil(t, time.Second, func() bool { return p.startCount() == 1 }, "capture was not started")

	p.current().OnDeviceChange(capture.TrackSettings{DeviceID: "headset", SampleRate: 48000, Channels: 2})
	waitUntil(t, time.Second, func() bool { return p.startCount() == 2 }, "capture was not rebuilt")
	if d.dialCount() != 1 {
		t.Fatalf("expected channel to stay up, got %d dials", d.dialCount())
	}
	if m.State() != StateConnected {
		t.Fatalf("expected connected, got %s", m.State())
	}
}

func TestKeepAlive_SendsPing(t *testing.T) {
	d, p, r := &mockDialer{}, &mockPipeline{}, &recorder{}
	m := newTestManager(t, d, p, r, Options{KeepAliveInterval: 10 * time.Millisecond})
	if err := m.Start(context.Background(), nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitUntil(t, time.Second, func() bool {
		ch := d.channel(0)
		if ch == nil {
			return false
		}
		pings := 0
		for _, typ := range ch.sentTypes() {
			if typ == protocol.TypePing {
				pings++
			}
		}
		return pings >= 2
	}, "expected repeated pings")
}

func TestInboundFrames_ReachCallbacks(t *testing.T) {
	d, p, r := &mockDialer{}, &mockPipeline{}, &recorder{}
	m := newTestManager(t, d, p, r, Options{})
	if err := m.Start(context.Background(), nil); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitUntil(t, time.Second, func() bool { return m.State() == StateConnected }, "manager did not connect")

	ch := d.channel(0)
	ch.inbound <- protocol.ServerMessage{Type: protocol.TypeTranscription, Text: "hello", IsFinal: true}
	ch.inbound <- protocol.ServerMessage{Type: protocol.TypeError, Message: "rate-limited", Code: 429}

	waitUntil(t, time.Second, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return len(r.transcripts) == 1 && len(r.errors) == 1
	}, "callbacks were not invoked")
	if r.transcripts[0].Text != "hello" || !r.transcripts[0].IsFinal {
		t.Fatalf("unexpected transcript %+v", r.transcripts[0])
	}
	if m.State() != StateConnected {
		t.Fatal("expected error frame to leave channel connected")
	}
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool, message string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(message)
}
