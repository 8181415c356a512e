// Package session keeps the pairing state of a WhatsApp session in sync with
// the backend socket.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"gowa-session/internal/api"
	"gowa-session/internal/store"
	"gowa-session/internal/ws"

	"go.uber.org/zap"
)

// MsgProfileLimit is what LastError reports when the backend refuses a new
// profile.
const MsgProfileLimit = "Cannot add more profiles"

var ErrClosed = errors.New("session: synchronizer closed")

// Backend is the part of the REST API a Synchronizer calls.
type Backend interface {
	ValidateSession(ctx context.Context, clientID string) (bool, error)
	Logout(ctx context.Context, clientID string) error
	AllocateClientID(ctx context.Context, clientID string) (string, error)
}

var _ Backend = (*api.Client)(nil)

// Socket is an open connection to the backend socket server.
type Socket interface {
	Emit(event string, data any) error
	Close() error
}

// DialFunc opens a socket on path and delivers decoded events to handle.
type DialFunc func(ctx context.Context, path string, events map[string]ws.Kind, handle ws.Handler) (Socket, error)

// WSDialer adapts a ws.Dialer to a DialFunc.
func WSDialer(d *ws.Dialer) DialFunc {
	return func(ctx context.Context, path string, events map[string]ws.Kind, handle ws.Handler) (Socket, error) {
		conn, err := d.Dial(ctx, path, events, handle)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

type Options struct {
	Scope   Scope
	Backend Backend
	Dial    DialFunc
	Store   store.Store
	Logger  *zap.Logger
}

// Synchronizer owns the State of one scope. All methods are safe for
// concurrent use; operations never wait for socket events.
type Synchronizer struct {
	scope   Scope
	backend Backend
	dial    DialFunc
	store   store.Store
	log     *zap.Logger
	hub     *Hub

	dialMu sync.Mutex

	mu         sync.Mutex
	state      State
	gen        uint64 // bumped by every operation that supersedes in-flight calls
	conn       uint64 // id of the current socket; events from older sockets are dropped
	sock       Socket
	allocating bool
	lastErr    string
	closed     bool
}

func New(opts Options) *Synchronizer {
	log := opts.Logger
	if log == nil {
		log = zap.L()
	}
	st := opts.Store
	if st == nil {
		st = store.NewMemory()
	}
	s := &Synchronizer{
		scope:   opts.Scope,
		backend: opts.Backend,
		dial:    opts.Dial,
		store:   st,
		log:     log.With(zap.String("scope", opts.Scope.Name)),
		hub:     NewHub(),
	}
	go s.hub.Run()
	return s
}

func (s *Synchronizer) Scope() Scope { return s.scope }

func (s *Synchronizer) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ClientID returns the persisted id of this scope.
func (s *Synchronizer) ClientID() string {
	id, err := s.store.Get(s.scope.StoreKey)
	if err != nil {
		s.log.Warn("session: read client id failed", zap.Error(err))
		return ""
	}
	return id
}

// LastError is the user-facing message of the last failed AddDevice, or "".
func (s *Synchronizer) LastError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Subscribe delivers every state published after the call.
func (s *Synchronizer) Subscribe() *Subscription {
	_, sub := s.Watch()
	return sub
}

// Watch returns the current state together with a subscription that starts
// right after it, so no transition falls between the two.
func (s *Synchronizer) Watch() (State, *Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.hub.Subscribe()
}

// WaitFor blocks until pred accepts the current state or ctx ends.
func (s *Synchronizer) WaitFor(ctx context.Context, pred func(State) bool) (State, error) {
	st, sub := s.Watch()
	defer sub.Close()

	if pred(st) {
		return st, nil
	}
	for {
		select {
		case st, ok := <-sub.C:
			if !ok {
				return s.Snapshot(), ErrClosed
			}
			if pred(st) {
				return st, nil
			}
		case <-ctx.Done():
			return s.Snapshot(), ctx.Err()
		}
	}
}

// CheckAuthStatus validates the persisted id. IsAuthenticating is set while
// the call is in flight. A ready session is resumed with StartAuth; anything
// else, failures included, leaves the scope unauthenticated.
func (s *Synchronizer) CheckAuthStatus(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.gen++
	gen := s.gen
	s.state.IsAuthenticating = true
	s.publishLocked()
	s.mu.Unlock()

	id := s.ClientID()
	ready, err := s.backend.ValidateSession(ctx, id)
	if err != nil {
		s.log.Warn("session: validate failed", zap.String("client_id", id), zap.Error(err))
		ready = false
	}

	if ready {
		if !s.current(gen) {
			s.log.Debug("session: stale validate result dropped")
			return
		}
		if err := s.StartAuth(ctx); err != nil {
			s.log.Warn("session: resume failed", zap.Error(err))
		}
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		s.log.Debug("session: stale validate result dropped")
		return
	}
	s.state = State{}
	s.publishLocked()
}

// StartAuth resets the pairing fields and sends initialize with the persisted
// id, connecting first if needed. Calling it mid-pairing restarts the
// pairing. Only transport failures are returned.
func (s *Synchronizer) StartAuth(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.gen++
	s.lastErr = ""
	s.state = State{Phase: Authenticating, IsAuthenticating: true}
	s.publishLocked()
	s.mu.Unlock()

	return s.initialize(ctx, s.ClientID())
}

// AddDevice allocates a fresh client id and starts pairing it. It reports
// false without side effects while a pairing is already running, and false
// with LastError set when the backend refuses the new profile.
func (s *Synchronizer) AddDevice(ctx context.Context) (bool, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false, ErrClosed
	}
	if s.state.IsAuthenticating || s.allocating {
		s.mu.Unlock()
		s.log.Debug("session: add device ignored, pairing in progress")
		return false, nil
	}
	s.allocating = true
	s.gen++
	gen := s.gen
	s.lastErr = ""
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.allocating = false
		s.mu.Unlock()
	}()

	account, err := s.store.Get(AccountKey)
	if err != nil {
		return false, fmt.Errorf("session: read account id: %w", err)
	}

	id, err := s.backend.AllocateClientID(ctx, account)
	if err != nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		if errors.Is(err, api.ErrProfileLimit) {
			s.log.Info("session: profile limit reached", zap.String("client_id", account))
			s.lastErr = MsgProfileLimit
			s.state = State{}
			s.clearIDLocked()
			s.publishLocked()
			return false, nil
		}
		s.lastErr = err.Error()
		return false, fmt.Errorf("session: allocate client id: %w", err)
	}

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		s.log.Debug("session: stale allocation dropped", zap.String("client_id", id))
		return false, nil
	}
	if err := s.store.Set(s.scope.StoreKey, id); err != nil {
		s.log.Warn("session: persist client id failed", zap.Error(err))
	}
	s.state = State{Phase: Authenticating, IsAuthenticating: true}
	s.publishLocked()
	s.mu.Unlock()

	s.log.Info("session: pairing new profile", zap.String("client_id", id))
	if err := s.initialize(ctx, id); err != nil {
		return false, err
	}
	return true, nil
}

// Logout ends the session on the backend. The local state is reset and the
// persisted id cleared whatever the endpoint returns; its error is passed
// back for reporting only.
func (s *Synchronizer) Logout(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.gen++
	gen := s.gen
	s.state = State{Phase: Authenticating, IsAuthenticating: true}
	s.publishLocked()
	s.mu.Unlock()

	id := s.ClientID()
	err := s.backend.Logout(ctx, id)
	if err != nil {
		s.log.Warn("session: logout call failed", zap.String("client_id", id), zap.Error(err))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		s.log.Debug("session: stale logout result dropped")
		return err
	}
	s.state = State{}
	s.clearIDLocked()
	s.publishLocked()
	return err
}

// HandleEvent applies one inbound event.
func (s *Synchronizer) HandleEvent(evt ws.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyLocked(evt)
}

// Close drops the socket and stops the subscriber hub. Later operations
// return ErrClosed.
func (s *Synchronizer) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.gen++
	s.conn++
	sock := s.sock
	s.sock = nil
	s.mu.Unlock()

	if sock != nil {
		_ = sock.Close()
	}
	s.hub.Stop()
	return nil
}

func (s *Synchronizer) current(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return gen == s.gen
}

func (s *Synchronizer) initialize(ctx context.Context, clientID string) error {
	sock, err := s.connect(ctx)
	if err != nil {
		s.collapse(err)
		return err
	}
	if err := sock.Emit(ws.EventInitialize, ws.InitializePayload{ClientID: clientID}); err != nil {
		s.collapse(err)
		return fmt.Errorf("session: emit initialize: %w", err)
	}
	s.log.Debug("session: initialize sent", zap.String("client_id", clientID))
	return nil
}

// connect returns the open socket, dialing one when there is none.
func (s *Synchronizer) connect(ctx context.Context) (Socket, error) {
	s.dialMu.Lock()
	defer s.dialMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if s.sock != nil {
		sock := s.sock
		s.mu.Unlock()
		return sock, nil
	}
	s.conn++
	id := s.conn
	s.mu.Unlock()

	sock, err := s.dial(ctx, s.scope.Path, s.scope.Events, func(evt ws.Event) {
		s.handleFrom(id, evt)
	})
	if err != nil {
		return nil, fmt.Errorf("session: connect %s: %w", s.scope.Path, err)
	}

	s.mu.Lock()
	if s.closed || id != s.conn {
		s.mu.Unlock()
		_ = sock.Close()
		return nil, ErrClosed
	}
	s.sock = sock
	s.mu.Unlock()
	s.log.Info("session: socket connected", zap.String("path", s.scope.Path))
	return sock, nil
}

// collapse resets the state after a transport failure. The persisted id is
// kept; nothing was said about the session itself.
func (s *Synchronizer) collapse(err error) {
	s.log.Warn("session: transport failure", zap.Error(err))
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.gen++
	s.conn++
	if s.sock != nil {
		_ = s.sock.Close()
		s.sock = nil
	}
	s.state = State{}
	s.publishLocked()
}

func (s *Synchronizer) handleFrom(conn uint64, evt ws.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conn != s.conn || s.closed {
		s.log.Debug("session: event from old socket dropped", zap.Stringer("event", evt.Kind()))
		return
	}
	s.applyLocked(evt)
}

func (s *Synchronizer) applyLocked(evt ws.Event) {
	phase := s.state.Phase
	ignore := func() {
		s.log.Debug("session: event ignored",
			zap.Stringer("event", evt.Kind()),
			zap.Stringer("phase", phase))
	}

	switch e := evt.(type) {
	case ws.QRGenerated:
		if !phase.in(Authenticating, QRGenerated, Initialized) {
			ignore()
			return
		}
		s.state.setQR(e.QR)
		s.state.IsAuthenticated = false
		if e.QR != "" && phase != Initialized {
			s.state.Phase = QRGenerated
		}

	case ws.Initialized:
		if !phase.in(Authenticating, QRGenerated) {
			ignore()
			return
		}
		s.state.IsSocketInitialized = true
		s.state.Phase = Initialized
		if e.ClientID == "" {
			s.clearIDLocked()
		} else if err := s.store.Set(s.scope.StoreKey, e.ClientID); err != nil {
			s.log.Warn("session: persist client id failed", zap.Error(err))
		}
		s.log.Info("session: socket initialized", zap.String("client_id", e.ClientID))

	case ws.Authenticated:
		if !phase.in(Authenticating, QRGenerated, Initialized) {
			ignore()
			return
		}
		s.authenticateLocked(Authenticated)

	case ws.Ready:
		// nothing is pairing in Uninitialized; a late ready from a pairing
		// that was reset must not bring it back
		if phase == Uninitialized {
			ignore()
			return
		}
		s.authenticateLocked(Ready)
		s.state.IsSocketInitialized = true
		s.log.Info("session: ready")

	case ws.Closed:
		s.log.Info("session: closed by backend", zap.String("reason", e.Reason))
		s.resetLocked()

	case ws.Disconnected:
		s.log.Info("session: disconnected", zap.Error(e.Err))
		if s.sock != nil {
			_ = s.sock.Close()
			s.sock = nil
		}
		s.conn++
		s.resetLocked()

	default:
		s.log.Warn("session: unknown event type", zap.Stringer("event", evt.Kind()))
		return
	}
	s.publishLocked()
}

func (s *Synchronizer) authenticateLocked(phase Phase) {
	s.state.Phase = phase
	s.state.IsAuthenticated = true
	s.state.IsAuthenticating = false
	s.state.setQR("")
}

// resetLocked returns to defaults, clears the persisted id and fences any
// validate or logout still in flight.
func (s *Synchronizer) resetLocked() {
	s.gen++
	s.state = State{}
	s.clearIDLocked()
}

func (s *Synchronizer) clearIDLocked() {
	if err := s.store.Delete(s.scope.StoreKey); err != nil {
		s.log.Warn("session: clear client id failed", zap.Error(err))
	}
}

func (s *Synchronizer) publishLocked() {
	s.hub.Publish(s.state)
}
