package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 64 << 10
	sendBuffer     = 16
)

// Handler receives decoded events in arrival order, from a single goroutine.
type Handler func(Event)

// Dialer opens client connections against the backend socket server.
type Dialer struct {
	BaseURL          string
	Header           http.Header
	HandshakeTimeout time.Duration
	Logger           *zap.Logger
}

// Dial connects to BaseURL+path and starts the read and write pumps. Only
// frames named in events reach handle. A drop that was not caused by Close is
// delivered as Disconnected.
func (d *Dialer) Dial(ctx context.Context, path string, events map[string]Kind, handle Handler) (*Conn, error) {
	timeout := d.HandshakeTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: timeout,
	}

	url := strings.TrimRight(d.BaseURL, "/") + path
	raw, resp, err := dialer.DialContext(ctx, url, d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("ws: dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("ws: dial %s: %w", url, err)
	}

	log := d.Logger
	if log == nil {
		log = zap.L()
	}
	c := &Conn{
		conn:   raw,
		send:   make(chan Frame, sendBuffer),
		done:   make(chan struct{}),
		events: events,
		handle: handle,
		log:    log.With(zap.String("url", url)),
	}
	go c.writePump()
	go c.readPump()
	return c, nil
}

// Conn is one client socket.
type Conn struct {
	conn   *websocket.Conn
	send   chan Frame
	done   chan struct{}
	events map[string]Kind
	handle Handler
	log    *zap.Logger

	once    sync.Once
	closing atomic.Bool
}

// Emit queues an outbound event.
func (c *Conn) Emit(event string, data any) error {
	f, err := NewFrame(event, data)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case <-c.done:
		return ErrClosed
	case c.send <- f:
		return nil
	}
}

// Close tears the connection down without reporting Disconnected.
func (c *Conn) Close() error {
	c.closing.Store(true)
	c.shutdown()
	return nil
}

// Done is closed once both directions have stopped accepting work.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) shutdown() {
	c.once.Do(func() { close(c.done) })
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case f := <-c.send:
			payload, err := json.Marshal(f)
			if err != nil {
				c.log.Warn("ws: failed to marshal frame", zap.String("event", f.Event), zap.Error(err))
				continue
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.log.Debug("ws: write failed", zap.Error(err))
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.log.Debug("ws: ping failed", zap.Error(err))
				return
			}

		case <-c.done:
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			return
		}
	}
}

func (c *Conn) readPump() {
	defer c.shutdown()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if !c.closing.Load() {
				c.log.Info("ws: connection lost", zap.Error(err))
				c.handle(Disconnected{Err: err})
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		evt, err := Decode(msg, c.events)
		if err != nil {
			if errors.Is(err, ErrUnsubscribed) {
				c.log.Debug("ws: dropped frame", zap.Error(err))
			} else {
				c.log.Warn("ws: bad frame", zap.Error(err))
			}
			continue
		}
		if c.closing.Load() {
			return
		}
		c.handle(evt)
	}
}
