package devserver

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"gowa-session/internal/ws"
)

const (
	socketPath    = "/socket"
	addDevicePath = "/socket/add-device"
)

// GET /socket, GET /socket/add-device
func (s *Server) socketHandler(c echo.Context) error {
	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.log.Warn("devserver: websocket upgrade failed", zap.Error(err))
		return nil
	}

	peer := ws.NewPeer(s.hub, conn, s.log.With(zap.String("path", c.Path())))
	s.hub.Register(peer)
	go peer.WritePump()
	peer.ReadPump(s.onFrame)

	s.detach(peer)
	return nil
}

func (s *Server) onFrame(p *ws.Peer, f ws.Frame) {
	if f.Event != ws.EventInitialize {
		s.log.Debug("devserver: ignored client event", zap.String("event", f.Event))
		return
	}
	var in ws.InitializePayload
	if len(f.Data) > 0 && string(f.Data) != "null" {
		if err := json.Unmarshal(f.Data, &in); err != nil {
			s.log.Warn("devserver: bad initialize payload", zap.Error(err))
			return
		}
	}
	s.initialize(p, strings.TrimSpace(in.ClientID))
}

// initialize attaches p to the session named by id. Paired sessions resume
// directly; anything else gets a QR and waits for pairing.
func (s *Server) initialize(p *ws.Peer, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if ok && sess.invalid {
		p.Emit(ws.EventClosed, ws.Closed{Reason: "session invalidated"})
		return
	}
	if !ok {
		id = uuid.NewString()
		sess = &session{id: id, account: id}
		s.sessions[id] = sess
	}
	if sess.peer != nil && sess.peer != p {
		s.log.Debug("devserver: session moved to a new socket", zap.String("client_id", id))
	}
	sess.peer = p

	if sess.paired {
		s.emitLocked(sess, ws.EventInitialized, ws.InitializePayload{ClientID: id})
		s.emitLocked(sess, ws.EventReady, nil)
		return
	}

	s.emitLocked(sess, ws.EventQRGenerated, ws.QRGenerated{QR: pairingCode(id)})
	s.emitLocked(sess, ws.EventInitialized, ws.InitializePayload{ClientID: id})
	s.schedulePairLocked(id)
}

// detach forgets p on every session that still points at it.
func (s *Server) detach(p *ws.Peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		if sess.peer == p {
			sess.peer = nil
		}
	}
}

func pairingCode(id string) string {
	return fmt.Sprintf("2@%s,%s", strings.ReplaceAll(uuid.NewString(), "-", ""), id)
}
