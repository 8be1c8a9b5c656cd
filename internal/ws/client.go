package ws

import (
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
)

// writeWait bounds how long a slow consumer can stall the hub loop.
const writeWait = 10 * time.Second

// Client wraps a websocket connection as a hub Subscriber.
type Client struct {
	conn      *websocket.Conn
	log       *slog.Logger
	closeOnce sync.Once
}

// NewClient constructs a client wrapper.
func NewClient(conn *websocket.Conn, logger *slog.Logger) *Client {
	return &Client{conn: conn, log: logger}
}

// Send writes one event frame. On failure the connection is torn down; the
// hub drops the subscriber when Send errors.
func (c *Client) Send(payload []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		c.log.Warn("websocket send failed", "error", err)
		c.Close()
		return err
	}
	return nil
}

// Close terminates the connection. Safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = c.conn.Close()
	})
}
