package websocket

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/foxseedlab/koe-relay/internal/client"
	"github.com/foxseedlab/koe-relay/internal/protocol"
	"github.com/gorilla/websocket"
)

// Dialer opens client channels to a relay endpoint.
type Dialer struct {
	relayURL string
	dialer   *websocket.Dialer
}

func NewDialer(relayURL string) *Dialer {
	return &Dialer{
		relayURL: relayURL,
		dialer:   &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

func (d *Dialer) Dial(ctx context.Context, req client.DialRequest) (client.Channel, error) {
	u, err := url.Parse(d.relayURL)
	if err != nil {
		return nil, fmt.Errorf("parse relay url: %w", err)
	}
	q := u.Query()
	q.Set(protocol.QueryToken, req.Token)
	req.Metadata.Encode(q)
	u.RawQuery = q.Encode()

	conn, resp, err := d.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return nil, fmt.Errorf("relay connect (status %d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
		}
		return nil, fmt.Errorf("relay connect: %w", err)
	}
	return &clientChannel{conn: conn}, nil
}

type clientChannel struct {
	conn *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (c *clientChannel) SendJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteJSON(v)
}

func (c *clientChannel) SendAudio(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.BinaryMessage, frame)
}

func (c *clientChannel) Receive() (protocol.ServerMessage, error) {
	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				return protocol.ServerMessage{}, &client.CloseError{Code: ce.Code, Reason: ce.Text}
			}
			return protocol.ServerMessage{}, &client.CloseError{Code: client.CloseAbnormal, Reason: err.Error()}
		}
		if mt != websocket.TextMessage {
			continue
		}
		msg, err := protocol.DecodeServerMessage(data)
		if err != nil {
			continue
		}
		return msg, nil
	}
}

func (c *clientChannel) Close(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeTimeout))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}
