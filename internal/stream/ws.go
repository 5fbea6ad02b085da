package stream

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WSDialer opens WebSocket connections to an OpenAI-style realtime
// transcription endpoint.
type WSDialer struct {
	// URL is the ws:// or wss:// endpoint.
	URL string
	// Model is appended as a query parameter when set.
	Model string
	// APIKey is sent as a bearer token when set.
	APIKey string
}

// Dial connects and wraps the socket as a Conn.
func (d *WSDialer) Dial(ctx context.Context) (Conn, error) {
	u, err := url.Parse(d.URL)
	if err != nil {
		return nil, fmt.Errorf("parse realtime endpoint: %w", err)
	}
	if d.Model != "" {
		q := u.Query()
		q.Set("model", d.Model)
		u.RawQuery = q.Encode()
	}

	header := http.Header{}
	if d.APIKey != "" {
		header.Set("Authorization", "Bearer "+d.APIKey)
	}
	header.Set("OpenAI-Beta", "realtime=v1")

	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", u.Host, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", u.Host, err)
	}
	return &wsConn{ws: ws}, nil
}

// wsConn adapts a gorilla websocket to the Conn interface. Gorilla permits
// one concurrent reader and one concurrent writer; the session uses it
// exactly that way, so only writes are serialized here.
type wsConn struct {
	ws        *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func (c *wsConn) WriteEvent(ctx context.Context, evt Event) error {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.ws.SetWriteDeadline(deadline)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(evt)
}

// ReadEvent blocks until a message arrives, the context is cancelled, or
// the connection closes. Cancellation closes the socket so the pending
// read unblocks; the connection is unusable afterwards, which matches the
// session's one-shot lifecycle.
func (c *wsConn) ReadEvent(ctx context.Context) (Event, error) {
	stop := context.AfterFunc(ctx, func() {
		_ = c.Close()
	})
	defer stop()

	var evt Event
	if err := c.ws.ReadJSON(&evt); err != nil {
		if ctx.Err() != nil {
			return Event{}, ctx.Err()
		}
		return Event{}, err
	}
	return evt, nil
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}
