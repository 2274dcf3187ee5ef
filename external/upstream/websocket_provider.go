package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/foxseedlab/koe-relay/internal/upstream"
	"github.com/gorilla/websocket"
)

const (
	defaultAuthScheme = "Token"
	writeTimeout      = 10 * time.Second
	closeGracePeriod  = 2 * time.Second
)

var errConnClosed = errors.New("upstream connection closed")

type WebSocketConfig struct {
	URL        string
	APIKey     string
	AuthScheme string
}

// WebSocketDialer connects to a streaming speech provider that takes binary
// audio frames and answers with JSON results.
type WebSocketDialer struct {
	cfg    WebSocketConfig
	dialer *websocket.Dialer
}

func NewWebSocketDialer(cfg WebSocketConfig) *WebSocketDialer {
	if strings.TrimSpace(cfg.AuthScheme) == "" {
		cfg.AuthScheme = defaultAuthScheme
	}
	return &WebSocketDialer{
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

func (d *WebSocketDialer) Validate() error {
	if strings.TrimSpace(d.cfg.APIKey) == "" {
		return fmt.Errorf("%w: api key is empty", upstream.ErrMissingCredentials)
	}
	if strings.TrimSpace(d.cfg.URL) == "" {
		return fmt.Errorf("%w: provider url is empty", upstream.ErrMissingCredentials)
	}
	return nil
}

func (d *WebSocketDialer) Dial(ctx context.Context, cfg upstream.ProviderConfig, receiver upstream.Receiver) (upstream.Conn, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	u, err := providerURL(d.cfg.URL, cfg)
	if err != nil {
		return nil, err
	}
	headers := http.Header{}
	headers.Set("Authorization", d.cfg.AuthScheme+" "+d.cfg.APIKey)

	conn, resp, err := d.dialer.DialContext(ctx, u, headers)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			if len(body) > 0 {
				return nil, fmt.Errorf("websocket connect (status %d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
			}
			return nil, fmt.Errorf("websocket connect: status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket connect: %w", err)
	}
	slog.Debug("upstream websocket connected", "url", redactURL(u))
	return &wsConn{conn: conn, cfg: cfg, receiver: receiver, done: make(chan struct{})}, nil
}

func providerURL(raw string, cfg upstream.ProviderConfig) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse provider url: %w", err)
	}
	q := u.Query()
	setIfNotEmpty(q, "encoding", cfg.Encoding)
	if cfg.SampleRate > 0 {
		q.Set("sample_rate", strconv.Itoa(cfg.SampleRate))
	}
	if cfg.Channels > 0 {
		q.Set("channels", strconv.Itoa(cfg.Channels))
	}
	setIfNotEmpty(q, "model", cfg.Model)
	setIfNotEmpty(q, "language", cfg.Language)
	q.Set("interim_results", strconv.FormatBool(cfg.InterimResults))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func setIfNotEmpty(q url.Values, key, value string) {
	if value != "" {
		q.Set(key, value)
	}
}

func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	u.RawQuery = ""
	return u.String()
}

type wsConn struct {
	conn     *websocket.Conn
	cfg      upstream.ProviderConfig
	receiver upstream.Receiver

	writeMu   sync.Mutex
	closed    bool
	startOnce sync.Once
	closeOnce sync.Once
	done      chan struct{}
}

type configurationFrame struct {
	Type           string `json:"type"`
	Encoding       string `json:"encoding,omitempty"`
	SampleRate     int    `json:"sample_rate,omitempty"`
	Channels       int    `json:"channels,omitempty"`
	Model          string `json:"model,omitempty"`
	Language       string `json:"language,omitempty"`
	InterimResults bool   `json:"interim_results"`
}

type controlFrame struct {
	Type string `json:"type"`
}

func (c *wsConn) Configure(ctx context.Context) error {
	frame := configurationFrame{
		Type:           "Configure",
		Encoding:       c.cfg.Encoding,
		SampleRate:     c.cfg.SampleRate,
		Channels:       c.cfg.Channels,
		Model:          c.cfg.Model,
		Language:       c.cfg.Language,
		InterimResults: c.cfg.InterimResults,
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(writeTimeout)
	}
	if err := c.write(websocket.TextMessage, mustJSON(frame), deadline); err != nil {
		return fmt.Errorf("send configuration: %w", err)
	}
	c.startOnce.Do(func() { go c.readLoop() })
	return nil
}

func (c *wsConn) Send(audio []byte) error {
	return c.write(websocket.BinaryMessage, audio, time.Now().Add(writeTimeout))
}

func (c *wsConn) KeepAlive() error {
	return c.write(websocket.TextMessage, mustJSON(controlFrame{Type: "KeepAlive"}), time.Now().Add(writeTimeout))
}

// Close asks the provider to flush with CloseStream, then closes the socket
// once the provider hangs up or the grace period ends.
func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		_ = c.write(websocket.TextMessage, mustJSON(controlFrame{Type: "CloseStream"}), time.Now().Add(writeTimeout))
		c.writeMu.Lock()
		c.closed = true
		_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()

		// Without a read loop nothing observes the provider hanging up.
		c.startOnce.Do(func() { close(c.done) })
		select {
		case <-c.done:
		case <-time.After(closeGracePeriod):
		}
		err = c.conn.Close()
	})
	return err
}

func (c *wsConn) write(messageType int, data []byte, deadline time.Time) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return errConnClosed
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.conn.WriteMessage(messageType, data)
}

func (c *wsConn) readLoop() {
	defer close(c.done)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("upstream read loop ended", "error", err)
			}
			c.receiver.OnEvent(upstream.Event{Kind: upstream.EventClosed, Err: err})
			return
		}
		c.receiver.OnEvent(decodeResult(data, time.Now()))
	}
}

type resultFrame struct {
	Type       string          `json:"type"`
	Transcript *string         `json:"transcript"`
	Text       *string         `json:"text"`
	IsFinal    bool            `json:"is_final"`
	Start      *float64        `json:"start"`
	Duration   *float64        `json:"duration"`
	Speaker    *int            `json:"speaker"`
	Channel    *resultChannel  `json:"channel"`
	Error      json.RawMessage `json:"error"`
	Message    string          `json:"message"`
}

type resultChannel struct {
	Alternatives []struct {
		Transcript string `json:"transcript"`
		Words      []struct {
			Speaker *int `json:"speaker"`
		} `json:"words"`
	} `json:"alternatives"`
}

// decodeResult accepts the common shapes of streaming STT results. Frames
// carrying no transcript and no error, malformed ones included, count as
// activity.
func decodeResult(data []byte, now time.Time) upstream.Event {
	var f resultFrame
	if err := json.Unmarshal(data, &f); err != nil {
		slog.Warn("ignoring malformed provider frame", "error", err, "bytes", len(data))
		return upstream.Event{Kind: upstream.EventActivity}
	}
	if msg, ok := providerError(f); ok {
		return upstream.Event{Kind: upstream.EventProviderError, Message: msg}
	}

	tr := upstream.Transcript{IsFinal: f.IsFinal, ReceivedAt: now, Start: f.Start, Duration: f.Duration, Speaker: f.Speaker}
	switch {
	case f.Channel != nil && len(f.Channel.Alternatives) > 0:
		alt := f.Channel.Alternatives[0]
		tr.Text = alt.Transcript
		if tr.Speaker == nil && len(alt.Words) > 0 {
			tr.Speaker = alt.Words[0].Speaker
		}
	case f.Transcript != nil:
		tr.Text = *f.Transcript
	case f.Text != nil:
		tr.Text = *f.Text
	default:
		return upstream.Event{Kind: upstream.EventActivity}
	}
	return upstream.Event{Kind: upstream.EventTranscript, Transcript: tr}
}

func providerError(f resultFrame) (string, bool) {
	if len(f.Error) > 0 && string(f.Error) != "null" {
		var s string
		if err := json.Unmarshal(f.Error, &s); err == nil {
			return s, true
		}
		var obj struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(f.Error, &obj); err == nil && obj.Message != "" {
			return obj.Message, true
		}
		return string(f.Error), true
	}
	if strings.EqualFold(f.Type, "error") {
		if f.Message == "" {
			return "provider error", true
		}
		return f.Message, true
	}
	return "", false
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("marshal %T: %v", v, err))
	}
	return b
}
