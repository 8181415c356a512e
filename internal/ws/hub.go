package ws

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Peer is one server-side socket connection.
type Peer struct {
	hub  *Hub
	conn *websocket.Conn
	log  *zap.Logger

	// WritePump drains send onto conn.
	send chan Frame
	done chan struct{}
	once sync.Once
}

// Hub keeps the live peers of a socket server and fans frames out to them.
type Hub struct {
	peers map[*Peer]bool

	register   chan *Peer
	unregister chan *Peer
	broadcast  chan Frame
	stop       chan struct{}
	stopOnce   sync.Once

	mu sync.RWMutex
}

func NewHub() *Hub {
	return &Hub{
		peers:      make(map[*Peer]bool),
		register:   make(chan *Peer),
		unregister: make(chan *Peer),
		broadcast:  make(chan Frame, 256),
		stop:       make(chan struct{}),
	}
}

// Run must be started in its own goroutine; it returns after Stop and closes
// every peer still registered.
func (h *Hub) Run() {
	for {
		select {
		case p := <-h.register:
			h.mu.Lock()
			h.peers[p] = true
			h.mu.Unlock()

		case p := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.peers[p]; ok {
				delete(h.peers, p)
				p.close()
			}
			h.mu.Unlock()

		case f := <-h.broadcast:
			h.mu.Lock()
			for p := range h.peers {
				if !p.Send(f) {
					// slow peer, drop it
					delete(h.peers, p)
					p.close()
				}
			}
			h.mu.Unlock()

		case <-h.stop:
			h.mu.Lock()
			// frames broadcast before Stop still go out
		drain:
			for {
				select {
				case f := <-h.broadcast:
					for p := range h.peers {
						p.Send(f)
					}
				default:
					break drain
				}
			}
			for p := range h.peers {
				delete(h.peers, p)
				p.close()
			}
			h.mu.Unlock()
			return
		}
	}
}

func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
}

func (h *Hub) Register(p *Peer) {
	select {
	case h.register <- p:
	case <-h.stop:
		p.close()
	}
}

func (h *Hub) Unregister(p *Peer) {
	select {
	case h.unregister <- p:
	case <-h.stop:
	}
}

// Broadcast queues f for every registered peer.
func (h *Hub) Broadcast(f Frame) {
	if f.Timestamp.IsZero() {
		f.Timestamp = time.Now().UTC()
	}
	select {
	case h.broadcast <- f:
	case <-h.stop:
	}
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers)
}

// NewPeer wraps an upgraded connection. It does not start the pumps.
func NewPeer(hub *Hub, conn *websocket.Conn, log *zap.Logger) *Peer {
	if log == nil {
		log = zap.L()
	}
	return &Peer{
		hub:  hub,
		conn: conn,
		log:  log,
		send: make(chan Frame, 256),
		done: make(chan struct{}),
	}
}

// Send queues f without blocking. It reports false when the peer is gone or
// its buffer is full.
func (p *Peer) Send(f Frame) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.send <- f:
		return true
	default:
		return false
	}
}

// Emit builds a frame and sends it.
func (p *Peer) Emit(event string, data any) bool {
	f, err := NewFrame(event, data)
	if err != nil {
		p.log.Warn("ws: failed to build frame", zap.Error(err))
		return false
	}
	return p.Send(f)
}

func (p *Peer) close() {
	p.once.Do(func() { close(p.done) })
}

// WritePump sends queued frames and keeps the connection alive with pings.
func (p *Peer) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		p.hub.Unregister(p)
		_ = p.conn.Close()
	}()

	for {
		select {
		case f := <-p.send:
			payload, err := json.Marshal(f)
			if err != nil {
				p.log.Warn("ws: failed to marshal frame", zap.Error(err))
				continue
			}
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				p.log.Debug("ws: failed to write message", zap.Error(err))
				return
			}

		case <-ticker.C:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-p.done:
			// flush what is already queued before the close frame
		flush:
			for {
				select {
				case f := <-p.send:
					payload, err := json.Marshal(f)
					if err == nil {
						_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
						_ = p.conn.WriteMessage(websocket.TextMessage, payload)
					}
				default:
					break flush
				}
			}
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = p.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			return
		}
	}
}

// ReadPump blocks until the connection drops, passing every well-formed frame
// to onFrame.
func (p *Peer) ReadPump(onFrame func(*Peer, Frame)) {
	defer func() {
		p.hub.Unregister(p)
		p.close()
	}()

	p.conn.SetReadLimit(maxMessageSize)
	_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				p.log.Debug("ws: read error", zap.Error(err))
			}
			return
		}
		_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))

		var f Frame
		if err := json.Unmarshal(msg, &f); err != nil {
			p.log.Warn("ws: bad frame", zap.Error(err))
			continue
		}
		onFrame(p, f)
	}
}
