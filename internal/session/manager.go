package session

import (
	"context"
	"sync"
	"time"

	"gowa-session/internal/api"
	"gowa-session/internal/profile"
	"gowa-session/internal/store"

	"go.uber.org/zap"
)

const refreshTimeout = 15 * time.Second

// Deps are the collaborators shared by every synchronizer of a process.
type Deps struct {
	Backend  Backend
	Profiles profile.Source
	Dial     DialFunc
	Store    store.Store
	Logger   *zap.Logger
}

// Manager is the process-wide owner of the primary session and the profile
// directory. Create it once, call Init, and Close it on shutdown.
type Manager struct {
	deps    Deps
	log     *zap.Logger
	primary *Synchronizer
	dir     *profile.Directory

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	addDevices map[*Synchronizer]struct{}
	started    bool
	closed     bool
}

func NewManager(deps Deps) *Manager {
	if deps.Logger == nil {
		deps.Logger = zap.L()
	}
	if deps.Store == nil {
		deps.Store = store.NewMemory()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		deps:       deps,
		log:        deps.Logger,
		ctx:        ctx,
		cancel:     cancel,
		addDevices: make(map[*Synchronizer]struct{}),
	}
	m.primary = m.newSynchronizer(PrimaryScope)
	m.dir = profile.NewDirectory(deps.Profiles, m.primary.ClientID, deps.Store)
	return m
}

func (m *Manager) Session() *Synchronizer      { return m.primary }
func (m *Manager) Profiles() *profile.Directory { return m.dir }

// Init starts watching the primary session and checks the persisted id with
// the backend. Profiles are refreshed every time the session becomes ready
// and dropped when it falls back to uninitialized.
func (m *Manager) Init(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.mu.Unlock()

	m.watch(m.primary, true)
	m.primary.CheckAuthStatus(ctx)
	return nil
}

// NewAddDevice returns a synchronizer for one add-device dialog. Close it
// when the dialog goes away; the manager closes any left open.
func (m *Manager) NewAddDevice() *Synchronizer {
	s := m.newSynchronizer(AddDeviceScope)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = s.Close()
		return s
	}
	m.addDevices[s] = struct{}{}
	m.mu.Unlock()

	m.watch(s, false)
	return s
}

// RefreshProfiles reloads the profile directory from the backend.
func (m *Manager) RefreshProfiles(ctx context.Context) error {
	if err := m.dir.Refresh(ctx); err != nil {
		m.HandleAPIError(ctx, err)
		return err
	}
	return nil
}

// RemoveProfile deletes a profile on the backend and from the directory.
func (m *Manager) RemoveProfile(ctx context.Context, clientID string) error {
	if err := m.dir.Remove(ctx, clientID); err != nil {
		m.HandleAPIError(ctx, err)
		return err
	}
	return nil
}

// HandleAPIError forces a logout when err says the backend invalidated the
// session. It reports whether that happened, in which case the caller should
// go back to the unauthenticated entry view.
func (m *Manager) HandleAPIError(ctx context.Context, err error) bool {
	if !api.IsSessionInvalidated(err) {
		return false
	}
	m.log.Info("session: invalidated by backend, logging out")
	_ = m.primary.Logout(ctx)
	m.dir.Reset()
	return true
}

// Close tears down every synchronizer. A second call is a no-op.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	devices := make([]*Synchronizer, 0, len(m.addDevices))
	for s := range m.addDevices {
		devices = append(devices, s)
	}
	m.addDevices = nil
	m.mu.Unlock()

	m.cancel()
	for _, s := range devices {
		_ = s.Close()
	}
	_ = m.primary.Close()
	m.wg.Wait()
	return nil
}

func (m *Manager) newSynchronizer(scope Scope) *Synchronizer {
	return New(Options{
		Scope:   scope,
		Backend: m.deps.Backend,
		Dial:    m.deps.Dial,
		Store:   m.deps.Store,
		Logger:  m.log,
	})
}

// watch follows s until it is closed. Reaching Ready refreshes the
// directory; for the primary scope, dropping to Uninitialized clears it.
func (m *Manager) watch(s *Synchronizer, primary bool) {
	st, sub := s.Watch()
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer sub.Close()

		prev := st.Phase
		for st := range sub.C {
			switch {
			case st.Phase == Ready && prev != Ready:
				ctx, cancel := context.WithTimeout(m.ctx, refreshTimeout)
				if err := m.RefreshProfiles(ctx); err != nil {
					m.log.Warn("session: profile refresh failed",
						zap.String("scope", s.Scope().Name), zap.Error(err))
				}
				cancel()
			case primary && st.Phase == Uninitialized && prev != Uninitialized:
				m.dir.Reset()
			}
			prev = st.Phase
		}

		if !primary {
			m.mu.Lock()
			delete(m.addDevices, s)
			m.mu.Unlock()
		}
	}()
}
