package stream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebsocketDialer connects to a streaming endpoint over a websocket. The
// token, when set, is passed as the "authorization" query parameter.
type WebsocketDialer struct {
	Token  string
	Header http.Header
	Dialer *websocket.Dialer
}

// NewWebsocketDialer creates a dialer with the default handshake timeout.
func NewWebsocketDialer(token string) *WebsocketDialer {
	return &WebsocketDialer{
		Token: token,
		Dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 30 * time.Second,
		},
	}
}

// Dial implements Dialer.
func (d *WebsocketDialer) Dial(ctx context.Context, endpoint string) (Conn, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	if d.Token != "" {
		q := u.Query()
		q.Set("authorization", d.Token)
		u.RawQuery = q.Encode()
	}

	wd := d.Dialer
	if wd == nil {
		wd = websocket.DefaultDialer
	}

	ws, resp, err := wd.DialContext(ctx, u.String(), d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket handshake with %s://%s%s: %s: %w", u.Scheme, u.Host, u.Path, resp.Status, err)
		}
		return nil, fmt.Errorf("websocket dial %s://%s%s: %w", u.Scheme, u.Host, u.Path, err)
	}

	return &wsConn{ws: ws}, nil
}

type wsConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	once    sync.Once
	err     error
}

func (c *wsConn) Send(ctx context.Context, frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.ws.SetWriteDeadline(deadline)
		defer c.ws.SetWriteDeadline(time.Time{})
	}
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

func (c *wsConn) Receive(ctx context.Context) ([]byte, error) {
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, io.EOF
			}
			return nil, err
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		return data, nil
	}
}

func (c *wsConn) Close() error {
	c.once.Do(func() {
		_ = c.ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		c.err = c.ws.Close()
	})
	return c.err
}
