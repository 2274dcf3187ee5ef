package websocket

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/foxseedlab/koe-relay/internal/protocol"
	"github.com/foxseedlab/koe-relay/internal/relay"
	"github.com/gorilla/websocket"
)

const (
	writeTimeout        = 10 * time.Second
	defaultPingInterval = 30 * time.Second
)

type HandlerConfig struct {
	// MaxBufferBytes bounds a single audio frame. Larger frames still reach
	// the session so it can reject them with a reason; the socket limit
	// only guards against abuse.
	MaxBufferBytes int
	PingInterval   time.Duration
}

// Handler upgrades HTTP requests to client channels and serves them with the
// translator until the channel closes or ctx is done.
type Handler struct {
	ctx          context.Context
	translator   *relay.Translator
	upgrader     websocket.Upgrader
	readLimit    int64
	pingInterval time.Duration
}

func NewHandler(ctx context.Context, translator *relay.Translator, cfg HandlerConfig) *Handler {
	pingInterval := cfg.PingInterval
	if pingInterval <= 0 {
		pingInterval = defaultPingInterval
	}
	return &Handler{
		ctx:        ctx,
		translator: translator,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		readLimit:    int64(cfg.MaxBufferBytes) * 4,
		pingInterval: pingInterval,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	params := relay.Params{
		Token:    requestToken(r),
		Metadata: protocol.MetadataFromQuery(r.URL.Query()),
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err, "remote_addr", r.RemoteAddr)
		return
	}
	if h.readLimit > 0 {
		conn.SetReadLimit(h.readLimit)
	}
	ch := newServerChannel(conn, h.pingInterval)
	defer ch.Close(relay.CloseNormal, "")
	go ch.pingLoop()

	if err := h.translator.Serve(h.ctx, ch, params); err != nil {
		slog.Warn("client channel ended with error", "error", err, "remote_addr", r.RemoteAddr)
	}
}

func requestToken(r *http.Request) string {
	if token := r.URL.Query().Get(protocol.QueryToken); token != "" {
		return token
	}
	auth := r.Header.Get("Authorization")
	if after, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return strings.TrimSpace(after)
	}
	return ""
}

type serverChannel struct {
	conn         *websocket.Conn
	pingInterval time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

func newServerChannel(conn *websocket.Conn, pingInterval time.Duration) *serverChannel {
	c := &serverChannel{conn: conn, pingInterval: pingInterval, closed: make(chan struct{})}
	pongWait := 2 * pingInterval
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	return c
}

func (c *serverChannel) ReadFrame() (relay.Frame, error) {
	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			return relay.Frame{}, err
		}
		// Any client frame proves the peer is alive.
		_ = c.conn.SetReadDeadline(time.Now().Add(2 * c.pingInterval))
		switch mt {
		case websocket.BinaryMessage:
			return relay.Frame{Binary: true, Data: data}, nil
		case websocket.TextMessage:
			return relay.Frame{Data: data}, nil
		}
	}
}

func (c *serverChannel) WriteJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteJSON(v)
}

func (c *serverChannel) Close(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeTimeout))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

func (c *serverChannel) pingLoop() {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(writeTimeout)); err != nil {
				slog.Debug("client ping failed", "error", err)
				return
			}
		}
	}
}
