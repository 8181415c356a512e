// Package devserver is an in-memory backend speaking the session REST and
// socket contract. It pairs sessions without a phone: a pairing completes
// after a delay or when Pair is called.
package devserver

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"gowa-session/internal/api"
	mw "gowa-session/internal/middleware"
	"gowa-session/internal/ws"
)

type Config struct {
	// MaxProfiles bounds the paired profiles of one account; 0 means no limit.
	MaxProfiles int
	// PairDelay completes a pairing automatically; 0 waits for Pair.
	PairDelay    time.Duration
	RateLimit    int
	RateBurst    int
	AllowOrigins []string
	Logger       *zap.Logger
}

type session struct {
	id      string
	account string
	paired  bool
	invalid bool
	peer    *ws.Peer

	phone    string
	name     string
	userType string
	business map[string]any
}

// Server is the development backend.
type Server struct {
	cfg  Config
	log  *zap.Logger
	echo *echo.Echo
	hub  *ws.Hub

	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*session
	accounts map[string][]string // account id -> paired member ids, account first
	timers   map[string]*time.Timer
	seq      int
	closed   bool
}

func New(cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = zap.L()
	}
	s := &Server{
		cfg:      cfg,
		log:      log,
		hub:      ws.NewHub(),
		sessions: make(map[string]*session),
		accounts: make(map[string][]string),
		timers:   make(map[string]*time.Timer),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	go s.hub.Run()
	s.echo = s.routes()
	return s
}

func (s *Server) routes() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(mw.RequestLogger(s.log))

	origins := s.cfg.AllowOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: origins,
		AllowMethods: []string{echo.GET, echo.POST, echo.DELETE, echo.OPTIONS},
		AllowHeaders: []string{
			echo.HeaderOrigin,
			echo.HeaderContentType,
			echo.HeaderAccept,
			mw.HeaderClientID,
		},
	}))

	if s.cfg.RateLimit > 0 {
		burst := s.cfg.RateBurst
		if burst <= 0 {
			burst = s.cfg.RateLimit
		}
		e.Use(middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
			Store: middleware.NewRateLimiterMemoryStoreWithConfig(
				middleware.RateLimiterMemoryStoreConfig{
					Rate:      rate.Limit(s.cfg.RateLimit),
					Burst:     burst,
					ExpiresIn: 3 * time.Minute,
				},
			),
			DenyHandler: func(c echo.Context, _ string, _ error) error {
				return ErrorResponse(c, http.StatusTooManyRequests, "Too many requests", "RATE_LIMITED", "")
			},
		}))
	}

	e.HTTPErrorHandler = s.errorHandler

	e.GET("/", func(c echo.Context) error {
		return SuccessResponse(c, http.StatusOK, "WhatsApp dev backend is running", map[string]interface{}{
			"sessions": s.SessionCount(),
		})
	})
	e.GET(socketPath, s.socketHandler)
	e.GET(addDevicePath, s.socketHandler)

	g := e.Group("/api/whatsapp", mw.RequireClientID())
	g.GET("/validate", s.validate)
	g.POST("/logout", s.logout)
	g.GET("/profiles", s.listProfiles)
	g.POST("/profiles/allocate", s.allocateProfile)
	g.DELETE("/profiles/:clientId", s.removeProfile)
	return e
}

func (s *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	code := http.StatusInternalServerError
	message := "Internal Server Error"
	if he, ok := err.(*echo.HTTPError); ok {
		code = he.Code
		message = fmt.Sprintf("%v", he.Message)
	}

	errCode := "INTERNAL_ERROR"
	switch code {
	case http.StatusNotFound:
		message, errCode = "Endpoint not found", "NOT_FOUND"
	case http.StatusMethodNotAllowed:
		message, errCode = "Method not allowed for this endpoint", "METHOD_NOT_ALLOWED"
	case http.StatusBadRequest:
		errCode = api.CodeBadRequest
	}
	_ = ErrorResponse(c, code, message, errCode, "")
}

// Handler exposes the router, for httptest servers.
func (s *Server) Handler() http.Handler { return s.echo }

func (s *Server) Start(addr string) error {
	s.log.Info("devserver: listening", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown stops pending pairings, closes every socket and the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()

	if f, err := ws.NewFrame(ws.EventClosed, ws.Closed{Reason: "server shutdown"}); err == nil {
		s.hub.Broadcast(f)
	}
	s.hub.Stop()
	return s.echo.Shutdown(ctx)
}

// Close is Shutdown for servers that were never started with Start.
func (s *Server) Close() {
	_ = s.Shutdown(context.Background())
}

// SessionCount reports the known client ids, paired or not.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Paired reports whether id is a paired session.
func (s *Server) Paired(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	return ok && sess.paired
}

// Pair completes the pairing of id as if its QR had been scanned.
func (s *Server) Pair(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
	sess, ok := s.sessions[id]
	if !ok || sess.paired || sess.invalid {
		return false
	}

	s.seq++
	sess.paired = true
	sess.phone = fmt.Sprintf("62811%07d", s.seq)
	sess.name = fmt.Sprintf("Profile %d", s.seq)
	sess.userType = "personal"
	members := s.accounts[sess.account]
	if len(members) == 0 {
		sess.userType = "business"
		sess.business = map[string]any{"category": "Retail", "description": "Dev account"}
	}
	s.accounts[sess.account] = append(members, id)

	s.log.Info("devserver: paired", zap.String("client_id", id), zap.String("account", sess.account))
	s.emitLocked(sess, ws.EventAuthenticated, nil)
	s.emitLocked(sess, ws.EventReady, nil)
	return true
}

// Invalidate makes every later REST call for id fail with
// SESSION_INVALIDATED.
func (s *Server) Invalidate(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		sess.invalid = true
	}
}

func (s *Server) emitLocked(sess *session, event string, data any) {
	if sess.peer == nil {
		return
	}
	if !sess.peer.Emit(event, data) {
		s.log.Debug("devserver: peer not reachable", zap.String("client_id", sess.id), zap.String("event", event))
	}
}

func (s *Server) schedulePairLocked(id string) {
	if s.cfg.PairDelay <= 0 || s.closed {
		return
	}
	if t, ok := s.timers[id]; ok {
		t.Stop()
	}
	s.timers[id] = time.AfterFunc(s.cfg.PairDelay, func() { s.Pair(id) })
}

// dropLocked forgets a session, telling its socket.
func (s *Server) dropLocked(id, reason string) {
	sess, ok := s.sessions[id]
	if !ok {
		return
	}
	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
	s.emitLocked(sess, ws.EventClosed, ws.Closed{Reason: reason})
	delete(s.sessions, id)

	members := s.accounts[sess.account]
	for i, m := range members {
		if m == id {
			s.accounts[sess.account] = append(members[:i:i], members[i+1:]...)
			break
		}
	}
	if len(s.accounts[sess.account]) == 0 {
		delete(s.accounts, sess.account)
	}
}
