package server

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 5 * time.Second
	clientSendSize = 64
)

// upgrader accepts same-origin, localhost and private network origins.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			slog.Warn("rejected WebSocket connection", "origin", origin, "error", err)
			return false
		}
		if u.Host == r.Host {
			return true
		}
		host := u.Hostname()
		if host == "localhost" || host == "127.0.0.1" || host == "::1" ||
			strings.HasPrefix(host, "192.168.") || strings.HasPrefix(host, "10.") {
			return true
		}
		slog.Warn("rejected WebSocket connection", "origin", origin)
		return false
	},
}

// UpgradeConnection upgrades an HTTP connection to WebSocket.
func UpgradeConnection(w http.ResponseWriter, r *http.Request) (*websocket.Conn, error) {
	return upgrader.Upgrade(w, r, nil)
}

// client is one WebSocket connection. All writes go through its writer
// goroutine; a client that falls behind is disconnected.
type client struct {
	conn *websocket.Conn
	send chan any
	done chan struct{}
	once sync.Once
}

func newClient(conn *websocket.Conn) *client {
	c := &client{
		conn: conn,
		send: make(chan any, clientSendSize),
		done: make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

// Send queues msg without blocking.
func (c *client) Send(msg any) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		slog.Warn("WebSocket client too slow, disconnecting", "remote", c.conn.RemoteAddr())
		c.close()
		return false
	}
}

func (c *client) writeLoop() {
	for {
		select {
		case msg := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.close()
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				slog.Debug("WebSocket write failed", "error", err)
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		if err := c.conn.Close(); err != nil {
			slog.Debug("WebSocket close failed", "error", err)
		}
	})
}
