package session

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"gowa-session/internal/api"
	"gowa-session/internal/store"
	"gowa-session/internal/ws"

	"go.uber.org/zap/zaptest"
)

type emitted struct {
	event    string
	clientID string
}

type fakeSocket struct {
	mu     sync.Mutex
	path   string
	handle ws.Handler
	emits  []emitted
	closed bool
}

func (f *fakeSocket) Emit(event string, data any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ws.ErrClosed
	}
	e := emitted{event: event}
	if p, ok := data.(ws.InitializePayload); ok {
		e.clientID = p.ClientID
	}
	f.emits = append(f.emits, e)
	return nil
}

func (f *fakeSocket) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeSocket) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeSocket) sent() []emitted {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]emitted(nil), f.emits...)
}

type fakeDialer struct {
	mu      sync.Mutex
	err     error
	sockets []*fakeSocket
}

func (d *fakeDialer) dial(_ context.Context, path string, _ map[string]ws.Kind, handle ws.Handler) (Socket, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	s := &fakeSocket{path: path, handle: handle}
	d.sockets = append(d.sockets, s)
	return s, nil
}

func (d *fakeDialer) last(t *testing.T) *fakeSocket {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.sockets) == 0 {
		t.Fatalf("no socket dialed")
	}
	return d.sockets[len(d.sockets)-1]
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sockets)
}

type fakeBackend struct {
	mu sync.Mutex

	ready       bool
	validateErr error
	validateGo  chan struct{} // when set, validate waits for it

	logoutErr error
	logoutGo  chan struct{}
	logouts   []string

	allocID    string
	allocErr   error
	allocCalls []string
}

func (b *fakeBackend) ValidateSession(ctx context.Context, clientID string) (bool, error) {
	b.mu.Lock()
	gate := b.validateGo
	b.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ready, b.validateErr
}

func (b *fakeBackend) Logout(ctx context.Context, clientID string) error {
	b.mu.Lock()
	gate := b.logoutGo
	b.logouts = append(b.logouts, clientID)
	b.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return b.logoutErr
}

func (b *fakeBackend) AllocateClientID(_ context.Context, clientID string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.allocCalls = append(b.allocCalls, clientID)
	return b.allocID, b.allocErr
}

func newTestSync(t *testing.T, scope Scope, b *fakeBackend) (*Synchronizer, *fakeDialer, store.Store) {
	t.Helper()
	d := &fakeDialer{}
	st := store.NewMemory()
	s := New(Options{
		Scope:   scope,
		Backend: b,
		Dial:    d.dial,
		Store:   st,
		Logger:  zaptest.NewLogger(t),
	})
	t.Cleanup(func() { _ = s.Close() })
	return s, d, st
}

func TestFreshPairing(t *testing.T) {
	s, d, st := newTestSync(t, PrimaryScope, &fakeBackend{})
	ctx := context.Background()

	s.CheckAuthStatus(ctx)
	if got := s.Snapshot(); got.IsAuthenticated || got.IsAuthenticating {
		t.Fatalf("after CheckAuthStatus = %+v", got)
	}
	if d.count() != 0 {
		t.Fatalf("CheckAuthStatus dialed a socket for a not-ready session")
	}

	if err := s.StartAuth(ctx); err != nil {
		t.Fatalf("StartAuth() failed: %v", err)
	}
	if got := s.Snapshot(); !got.IsAuthenticating || got.Phase != Authenticating {
		t.Fatalf("after StartAuth = %+v", got)
	}
	sock := d.last(t)
	if sock.path != "/socket" {
		t.Fatalf("dialed %q, want /socket", sock.path)
	}
	if sent := sock.sent(); len(sent) != 1 || sent[0] != (emitted{ws.EventInitialize, ""}) {
		t.Fatalf("emitted %+v", sent)
	}

	sock.handle(ws.QRGenerated{QR: "ABC123"})
	got := s.Snapshot()
	if got.QRCode != "ABC123" || !got.QRGenerated || !got.IsAuthenticating || got.Phase != QRGenerated {
		t.Fatalf("after qr-generated = %+v", got)
	}

	sock.handle(ws.Initialized{ClientID: "client-42"})
	if id, _ := st.Get(AccountKey); id != "client-42" {
		t.Fatalf("persisted id = %q, want client-42", id)
	}
	if got := s.Snapshot(); got.Phase != Initialized || !got.IsSocketInitialized {
		t.Fatalf("after initialized = %+v", got)
	}

	sock.handle(ws.Ready{})
	want := State{Phase: Ready, IsAuthenticated: true, IsSocketInitialized: true}
	if got := s.Snapshot(); got != want {
		t.Fatalf("after ready = %+v, want %+v", got, want)
	}
}

func TestReloadWithValidSession(t *testing.T) {
	b := &fakeBackend{ready: true}
	s, d, st := newTestSync(t, PrimaryScope, b)
	_ = st.Set(AccountKey, "client-42")

	sub := s.Subscribe()
	defer sub.Close()

	s.CheckAuthStatus(context.Background())
	sock := d.last(t)
	if sent := sock.sent(); len(sent) != 1 || sent[0].clientID != "client-42" {
		t.Fatalf("emitted %+v, want initialize(client-42)", sent)
	}

	sock.handle(ws.Initialized{ClientID: "client-42"})
	sock.handle(ws.Ready{})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		select {
		case st := <-sub.C:
			if st.QRGenerated {
				t.Fatalf("QR generated during resume: %+v", st)
			}
			if st.Phase == Ready {
				return
			}
		case <-ctx.Done():
			t.Fatalf("never reached ready, state %+v", s.Snapshot())
		}
	}
}

func TestAddDeviceQuotaExceeded(t *testing.T) {
	b := &fakeBackend{allocErr: &api.Error{Status: 403, Code: api.CodeProfileLimit}}
	s, d, st := newTestSync(t, AddDeviceScope, b)
	_ = st.Set(AccountKey, "client-42")
	_ = st.Set(AddDeviceScope.StoreKey, "leftover")

	ok, err := s.AddDevice(context.Background())
	if ok || err != nil {
		t.Fatalf("AddDevice() = %v, %v, want false, nil", ok, err)
	}
	if s.LastError() != MsgProfileLimit {
		t.Fatalf("LastError() = %q", s.LastError())
	}
	if got := s.Snapshot(); got != (State{}) {
		t.Fatalf("state = %+v, want defaults", got)
	}
	if d.count() != 0 {
		t.Fatalf("a socket was opened after refusal")
	}
	if id, _ := st.Get(AddDeviceScope.StoreKey); id != "" {
		t.Fatalf("add-device id = %q, want cleared", id)
	}
	if id, _ := st.Get(AccountKey); id != "client-42" {
		t.Fatalf("account id = %q, want untouched", id)
	}
	if len(b.allocCalls) != 1 || b.allocCalls[0] != "client-42" {
		t.Fatalf("allocate calls = %v", b.allocCalls)
	}
}

func TestAddDeviceSuccess(t *testing.T) {
	b := &fakeBackend{allocID: "client-77"}
	s, d, st := newTestSync(t, AddDeviceScope, b)
	_ = st.Set(AccountKey, "client-42")

	ok, err := s.AddDevice(context.Background())
	if !ok || err != nil {
		t.Fatalf("AddDevice() = %v, %v", ok, err)
	}
	sock := d.last(t)
	if sock.path != AddDeviceScope.Path {
		t.Fatalf("dialed %q", sock.path)
	}
	if sent := sock.sent(); len(sent) != 1 || sent[0].clientID != "client-77" {
		t.Fatalf("emitted %+v", sent)
	}
	if id, _ := st.Get(AddDeviceScope.StoreKey); id != "client-77" {
		t.Fatalf("add-device id = %q", id)
	}

	sock.handle(ws.QRGenerated{QR: "2@pair"})
	sock.handle(ws.Ready{})
	if got := s.Snapshot(); got.Phase != Ready || got.QRGenerated {
		t.Fatalf("after ready = %+v", got)
	}
}

func TestAddDeviceOtherFailure(t *testing.T) {
	boom := errors.New("boom")
	s, d, _ := newTestSync(t, AddDeviceScope, &fakeBackend{allocErr: boom})

	ok, err := s.AddDevice(context.Background())
	if ok || !errors.Is(err, boom) {
		t.Fatalf("AddDevice() = %v, %v, want false, boom", ok, err)
	}
	if d.count() != 0 {
		t.Fatalf("socket opened after failed allocation")
	}
}

func TestStartAuthRestartsWhileAuthenticating(t *testing.T) {
	b := &fakeBackend{allocID: "client-77"}
	s, d, _ := newTestSync(t, PrimaryScope, b)
	ctx := context.Background()

	_ = s.StartAuth(ctx)
	sock := d.last(t)
	sock.handle(ws.QRGenerated{QR: "first"})
	sock.handle(ws.Initialized{ClientID: "client-42"})

	if err := s.StartAuth(ctx); err != nil {
		t.Fatalf("second StartAuth() failed: %v", err)
	}
	want := State{Phase: Authenticating, IsAuthenticating: true}
	if got := s.Snapshot(); got != want {
		t.Fatalf("after restart = %+v, want %+v", got, want)
	}
	sent := sock.sent()
	if len(sent) != 2 || sent[1] != (emitted{ws.EventInitialize, "client-42"}) {
		t.Fatalf("emitted %+v", sent)
	}
	if d.count() != 1 {
		t.Fatalf("restart dialed %d sockets, want the existing one reused", d.count())
	}

	ok, err := s.AddDevice(ctx)
	if ok || err != nil {
		t.Fatalf("AddDevice() while authenticating = %v, %v", ok, err)
	}
	if len(b.allocCalls) != 0 {
		t.Fatalf("AddDevice() while authenticating called the backend")
	}
}

func TestCloseAndDisconnectReset(t *testing.T) {
	for _, evt := range []ws.Event{ws.Closed{Reason: "logout"}, ws.Disconnected{Err: errors.New("eof")}} {
		t.Run(evt.Kind().String(), func(t *testing.T) {
			s, d, st := newTestSync(t, PrimaryScope, &fakeBackend{})
			_ = st.Set(AccountKey, "client-42")
			_ = s.StartAuth(context.Background())
			sock := d.last(t)
			sock.handle(ws.Ready{})

			sock.handle(evt)

			if got := s.Snapshot(); got != (State{}) {
				t.Fatalf("state = %+v, want defaults", got)
			}
			if id, _ := st.Get(AccountKey); id != "" {
				t.Fatalf("persisted id = %q, want cleared", id)
			}
		})
	}
}

func TestDisconnectDropsSocket(t *testing.T) {
	s, d, _ := newTestSync(t, PrimaryScope, &fakeBackend{})
	ctx := context.Background()

	_ = s.StartAuth(ctx)
	old := d.last(t)
	old.handle(ws.Disconnected{Err: errors.New("eof")})

	_ = s.StartAuth(ctx)
	if d.count() != 2 {
		t.Fatalf("dialed %d sockets, want a fresh one after disconnect", d.count())
	}

	// late frame on the dead socket
	old.handle(ws.Ready{})
	if got := s.Snapshot(); got.Phase != Authenticating {
		t.Fatalf("old socket changed state: %+v", got)
	}
	d.last(t).handle(ws.Ready{})
	if got := s.Snapshot(); got.Phase != Ready {
		t.Fatalf("new socket ignored: %+v", got)
	}
}

func TestEventsIgnoredOutsideTheirPhases(t *testing.T) {
	s, d, st := newTestSync(t, PrimaryScope, &fakeBackend{})

	// nothing in flight
	s.HandleEvent(ws.QRGenerated{QR: "x"})
	s.HandleEvent(ws.Ready{})
	s.HandleEvent(ws.Initialized{ClientID: "ghost"})
	if got := s.Snapshot(); got != (State{}) {
		t.Fatalf("uninitialized state changed: %+v", got)
	}
	if id, _ := st.Get(AccountKey); id != "" {
		t.Fatalf("ignored initialized persisted %q", id)
	}

	_ = s.StartAuth(context.Background())
	sock := d.last(t)
	sock.handle(ws.Ready{})
	sock.handle(ws.QRGenerated{QR: "late"})
	sock.handle(ws.Initialized{ClientID: "late"})
	if got := s.Snapshot(); got.Phase != Ready || got.QRCode != "" {
		t.Fatalf("ready state changed by late events: %+v", got)
	}
}

func TestQRAfterInitializedKeepsPhase(t *testing.T) {
	s, d, _ := newTestSync(t, PrimaryScope, &fakeBackend{})
	_ = s.StartAuth(context.Background())
	sock := d.last(t)

	sock.handle(ws.Initialized{ClientID: "client-42"})
	sock.handle(ws.QRGenerated{QR: "refreshed"})

	got := s.Snapshot()
	if got.Phase != Initialized || got.QRCode != "refreshed" || !got.QRGenerated {
		t.Fatalf("state = %+v", got)
	}
}

func TestInitializedWithEmptyIDClears(t *testing.T) {
	s, d, st := newTestSync(t, PrimaryScope, &fakeBackend{})
	_ = st.Set(AccountKey, "stale")
	_ = s.StartAuth(context.Background())

	d.last(t).handle(ws.Initialized{})
	if id, _ := st.Get(AccountKey); id != "" {
		t.Fatalf("persisted id = %q, want cleared", id)
	}
}

func TestRandomEventSequencesKeepInvariants(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	events := []ws.Event{
		ws.QRGenerated{QR: "qr-a"},
		ws.QRGenerated{QR: "qr-b"},
		ws.QRGenerated{QR: ""},
		ws.Initialized{ClientID: "client-42"},
		ws.Initialized{},
		ws.Authenticated{},
		ws.Ready{},
		ws.Closed{},
		ws.Disconnected{Err: errors.New("eof")},
	}

	for run := 0; run < 200; run++ {
		s, _, st := newTestSync(t, PrimaryScope, &fakeBackend{})
		for step := 0; step < 30; step++ {
			if rng.Intn(6) == 0 {
				_ = s.StartAuth(context.Background())
				continue
			}
			before := s.Snapshot()
			evt := events[rng.Intn(len(events))]
			s.HandleEvent(evt)
			got := s.Snapshot()

			if !got.Valid() {
				t.Fatalf("run %d step %d: %v left invalid state %+v", run, step, evt.Kind(), got)
			}
			switch evt.(type) {
			case ws.Ready:
				if before.Phase != Uninitialized && (!got.IsAuthenticated || got.QRCode != "" || got.Phase != Ready) {
					t.Fatalf("run %d step %d: after ready %+v", run, step, got)
				}
			case ws.Authenticated:
				if before.Phase.in(Authenticating, QRGenerated, Initialized) && (!got.IsAuthenticated || got.QRGenerated) {
					t.Fatalf("run %d step %d: after authenticated %+v", run, step, got)
				}
			case ws.Closed, ws.Disconnected:
				id, _ := st.Get(AccountKey)
				if got != (State{}) || id != "" {
					t.Fatalf("run %d step %d: after close %+v id %q", run, step, got, id)
				}
			}
		}
		_ = s.Close()
	}
}

func TestStaleValidateIsDropped(t *testing.T) {
	gate := make(chan struct{})
	b := &fakeBackend{validateGo: gate}
	s, _, _ := newTestSync(t, PrimaryScope, b)

	done := make(chan struct{})
	go func() {
		s.CheckAuthStatus(context.Background())
		close(done)
	}()

	// give CheckAuthStatus time to capture its generation
	time.Sleep(20 * time.Millisecond)
	if err := s.StartAuth(context.Background()); err != nil {
		t.Fatalf("StartAuth() failed: %v", err)
	}
	close(gate)
	<-done

	if got := s.Snapshot(); !got.IsAuthenticating || got.Phase != Authenticating {
		t.Fatalf("stale validate overwrote state: %+v", got)
	}
}

func TestStaleLogoutIsDropped(t *testing.T) {
	gate := make(chan struct{})
	b := &fakeBackend{logoutGo: gate}
	s, d, st := newTestSync(t, PrimaryScope, b)
	_ = st.Set(AccountKey, "client-42")

	done := make(chan struct{})
	go func() {
		_ = s.Logout(context.Background())
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)

	_ = s.StartAuth(context.Background())
	d.last(t).handle(ws.Initialized{ClientID: "client-99"})
	close(gate)
	<-done

	if id, _ := st.Get(AccountKey); id != "client-99" {
		t.Fatalf("stale logout cleared id, got %q", id)
	}
	if got := s.Snapshot(); got.Phase != Initialized {
		t.Fatalf("stale logout reset state: %+v", got)
	}
}

func TestLogoutResetsWhateverTheEndpointSays(t *testing.T) {
	boom := errors.New("boom")
	b := &fakeBackend{logoutErr: boom}
	s, d, st := newTestSync(t, PrimaryScope, b)
	_ = st.Set(AccountKey, "client-42")
	_ = s.StartAuth(context.Background())
	d.last(t).handle(ws.Ready{})

	if err := s.Logout(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("Logout() err = %v, want boom", err)
	}
	if got := s.Snapshot(); got != (State{}) {
		t.Fatalf("state = %+v, want defaults", got)
	}
	if id, _ := st.Get(AccountKey); id != "" {
		t.Fatalf("persisted id = %q, want cleared", id)
	}
	if len(b.logouts) != 1 || b.logouts[0] != "client-42" {
		t.Fatalf("logout calls = %v", b.logouts)
	}
}

func TestCheckAuthStatusSwallowsErrors(t *testing.T) {
	s, d, _ := newTestSync(t, PrimaryScope, &fakeBackend{ready: true, validateErr: errors.New("timeout")})
	s.CheckAuthStatus(context.Background())
	if got := s.Snapshot(); got != (State{}) {
		t.Fatalf("state = %+v, want defaults", got)
	}
	if d.count() != 0 {
		t.Fatalf("failed validate still dialed")
	}
}

func TestDialFailureCollapses(t *testing.T) {
	s, d, st := newTestSync(t, PrimaryScope, &fakeBackend{})
	d.err = errors.New("connection refused")
	_ = st.Set(AccountKey, "client-42")

	if err := s.StartAuth(context.Background()); err == nil {
		t.Fatalf("StartAuth() with failing dialer succeeded")
	}
	if got := s.Snapshot(); got != (State{}) {
		t.Fatalf("state = %+v, want defaults", got)
	}
	if id, _ := st.Get(AccountKey); id != "client-42" {
		t.Fatalf("persisted id = %q, want kept", id)
	}
}

func TestWaitFor(t *testing.T) {
	s, d, _ := newTestSync(t, PrimaryScope, &fakeBackend{})
	_ = s.StartAuth(context.Background())
	sock := d.last(t)

	go func() {
		time.Sleep(10 * time.Millisecond)
		sock.handle(ws.QRGenerated{QR: "code"})
		sock.handle(ws.Ready{})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	st, err := s.WaitFor(ctx, func(st State) bool { return st.Phase == Ready })
	if err != nil || !st.IsAuthenticated {
		t.Fatalf("WaitFor() = %+v, %v", st, err)
	}

	short, cancelShort := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancelShort()
	if _, err := s.WaitFor(short, func(st State) bool { return st.Phase == Uninitialized }); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("WaitFor() err = %v, want deadline", err)
	}
}

func TestClosedSynchronizer(t *testing.T) {
	s, d, _ := newTestSync(t, PrimaryScope, &fakeBackend{})
	_ = s.StartAuth(context.Background())
	sock := d.last(t)

	_ = s.Close()
	_ = s.Close()

	if !sock.isClosed() {
		t.Fatalf("socket left open")
	}
	if err := s.StartAuth(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("StartAuth() after Close err = %v", err)
	}
	if _, err := s.WaitFor(context.Background(), func(State) bool { return false }); !errors.Is(err, ErrClosed) {
		t.Fatalf("WaitFor() after Close err = %v", err)
	}
}

func TestHubLatestWins(t *testing.T) {
	h := NewHub()
	go h.Run()
	defer h.Stop()

	sub := h.Subscribe()
	for i := 0; i < 100; i++ {
		h.Publish(State{QRCode: string(rune('a' + i%26)), QRGenerated: true})
	}
	h.Publish(State{Phase: Ready, IsAuthenticated: true})

	deadline := time.After(2 * time.Second)
	for {
		select {
		case st := <-sub.C:
			if st.Phase == Ready {
				sub.Close()
				return
			}
		case <-deadline:
			t.Fatalf("latest state never delivered")
		}
	}
}

func TestWaitForIgnoresSupersededStates(t *testing.T) {
	for i := 0; i < 100; i++ {
		s, d, _ := newTestSync(t, PrimaryScope, &fakeBackend{})
		_ = s.StartAuth(context.Background())
		sock := d.last(t)
		sock.handle(ws.Ready{})
		sock.handle(ws.Closed{Reason: "logout"})

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		st, err := s.WaitFor(ctx, func(st State) bool { return st.Phase == Ready })
		cancel()
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("run %d: WaitFor() = %+v, %v; current state %+v", i, st, err, s.Snapshot())
		}
		_ = s.Close()
	}
}

func TestWatchStartsAfterSnapshot(t *testing.T) {
	s, d, _ := newTestSync(t, PrimaryScope, &fakeBackend{})
	_ = s.StartAuth(context.Background())
	sock := d.last(t)
	sock.handle(ws.QRGenerated{QR: "first"})

	st, sub := s.Watch()
	defer sub.Close()
	if st.QRCode != "first" {
		t.Fatalf("Watch() state = %+v", st)
	}
	sock.handle(ws.Ready{})

	select {
	case got := <-sub.C:
		if got.Phase != Ready {
			t.Fatalf("first state after Watch() = %+v, want ready", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no state after Watch()")
	}
}

func TestHubSubscribeSkipsEarlierStates(t *testing.T) {
	h := NewHub()
	go h.Run()
	defer h.Stop()

	for i := 0; i < 50; i++ {
		h.Publish(State{Phase: Ready, IsAuthenticated: true})
	}
	sub := h.Subscribe()
	defer sub.Close()
	h.Publish(State{Phase: Authenticating, IsAuthenticating: true})

	select {
	case st := <-sub.C:
		if st.Phase != Authenticating {
			t.Fatalf("first state = %+v, want the one published after Subscribe", st)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no state delivered")
	}
}

func TestCheckAuthStatusMarksValidation(t *testing.T) {
	gate := make(chan struct{})
	s, _, _ := newTestSync(t, PrimaryScope, &fakeBackend{validateGo: gate})

	done := make(chan struct{})
	go func() {
		s.CheckAuthStatus(context.Background())
		close(done)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	st, err := s.WaitFor(ctx, func(st State) bool { return st.IsAuthenticating })
	if err != nil || st.Phase != Uninitialized {
		t.Fatalf("during validate = %+v, %v", st, err)
	}

	close(gate)
	<-done
	if got := s.Snapshot(); got != (State{}) {
		t.Fatalf("after validate = %+v, want defaults", got)
	}
}

func TestLateReadyAfterResetIsIgnored(t *testing.T) {
	s, d, st := newTestSync(t, PrimaryScope, &fakeBackend{})
	_ = st.Set(AccountKey, "client-42")
	_ = s.StartAuth(context.Background())
	sock := d.last(t)

	sock.handle(ws.Closed{Reason: "logout"})
	sock.handle(ws.Authenticated{})
	sock.handle(ws.Ready{})

	if got := s.Snapshot(); got != (State{}) {
		t.Fatalf("state after late events = %+v, want defaults", got)
	}
	if id, _ := st.Get(AccountKey); id != "" {
		t.Fatalf("persisted id = %q, want cleared", id)
	}
}
