package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"gowa-session/config"
	"gowa-session/internal/api"
	"gowa-session/internal/profile"
	"gowa-session/internal/session"
	"gowa-session/internal/store"
	"gowa-session/internal/ws"

	"github.com/mdp/qrterminal/v3"
	"go.uber.org/zap"
)

const (
	pairTimeout = 3 * time.Minute
	resumeWait  = 15 * time.Second
)

var (
	errUsage       = errors.New("bad arguments")
	errNotLoggedIn = errors.New("not logged in, run: wasession login")
	errInvalidated = errors.New("the backend invalidated this session, run: wasession login")
	errClosed      = errors.New("the backend closed the session")
)

type app struct {
	log   *zap.Logger
	out   io.Writer
	store store.Store
	mgr   *session.Manager
}

func newApp(cfg *config.Config, log *zap.Logger, out io.Writer) (*app, error) {
	st, err := store.OpenBolt(cfg.StorePath)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", cfg.StorePath, err)
	}

	client := api.NewClient(cfg.APIBaseURL, cfg.HTTPTimeout)
	dialer := &ws.Dialer{
		BaseURL:          cfg.SocketURL,
		HandshakeTimeout: cfg.HTTPTimeout,
		Logger:           log,
	}
	mgr := session.NewManager(session.Deps{
		Backend:  client,
		Profiles: client,
		Dial:     session.WSDialer(dialer),
		Store:    st,
		Logger:   log,
	})
	return &app{log: log, out: out, store: st, mgr: mgr}, nil
}

func (a *app) Close() {
	_ = a.mgr.Close()
	if err := a.store.Close(); err != nil {
		a.log.Warn("close store", zap.Error(err))
	}
}

func (a *app) run(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "login":
		return a.login(ctx)
	case "status":
		return a.status(ctx)
	case "logout":
		return a.logout(ctx)
	case "add-device":
		return a.addDevice(ctx)
	case "profiles":
		if err := a.refresh(ctx); err != nil {
			return err
		}
		a.printProfiles()
		return nil
	case "use":
		if len(args) != 1 {
			return errUsage
		}
		return a.use(ctx, args[0])
	case "remove":
		if len(args) != 1 {
			return errUsage
		}
		return a.remove(ctx, args[0])
	}
	return errUsage
}

func (a *app) login(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, pairTimeout)
	defer cancel()

	s := a.mgr.Session()
	sub := s.Subscribe()
	defer sub.Close()

	if err := a.mgr.Init(ctx); err != nil {
		return err
	}
	if st := s.Snapshot(); !st.IsAuthenticating && st.Phase != session.Ready {
		if err := s.StartAuth(ctx); err != nil {
			return fmt.Errorf("start pairing: %w", err)
		}
	}
	if _, err := a.follow(ctx, sub); err != nil {
		return err
	}

	fmt.Fprintf(a.out, "WhatsApp session is ready (client id %s)\n", s.ClientID())
	if err := a.refresh(ctx); err != nil {
		return err
	}
	a.printProfiles()
	return nil
}

func (a *app) status(ctx context.Context) error {
	s := a.mgr.Session()
	if err := a.mgr.Init(ctx); err != nil {
		return err
	}

	st := s.Snapshot()
	if st.IsAuthenticating {
		wctx, cancel := context.WithTimeout(ctx, resumeWait)
		st, _ = s.WaitFor(wctx, func(st session.State) bool { return !st.IsAuthenticating })
		cancel()
	}

	fmt.Fprintf(a.out, "state:     %s\n", st.Phase)
	fmt.Fprintf(a.out, "client id: %s\n", orNone(s.ClientID()))
	if st.Phase != session.Ready {
		return nil
	}
	if err := a.refresh(ctx); err != nil {
		return err
	}
	a.printProfiles()
	return nil
}

func (a *app) logout(ctx context.Context) error {
	if err := a.mgr.Session().Logout(ctx); err != nil {
		fmt.Fprintf(a.out, "backend logout failed (%v), local session cleared\n", err)
		return nil
	}
	fmt.Fprintln(a.out, "logged out")
	return nil
}

func (a *app) addDevice(ctx context.Context) error {
	if a.mgr.Session().ClientID() == "" {
		return errNotLoggedIn
	}
	ctx, cancel := context.WithTimeout(ctx, pairTimeout)
	defer cancel()

	dialog := a.mgr.NewAddDevice()
	defer dialog.Close()
	sub := dialog.Subscribe()
	defer sub.Close()

	ok, err := dialog.AddDevice(ctx)
	if err != nil {
		if api.IsSessionInvalidated(err) {
			a.mgr.HandleAPIError(ctx, err)
			return errInvalidated
		}
		return err
	}
	if !ok {
		if msg := dialog.LastError(); msg != "" {
			return errors.New(msg)
		}
		return errors.New("a pairing is already running")
	}

	if _, err := a.follow(ctx, sub); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "profile %s paired\n", dialog.ClientID())
	if err := a.refresh(ctx); err != nil {
		return err
	}
	a.printProfiles()
	return nil
}

func (a *app) use(ctx context.Context, clientID string) error {
	if err := a.refresh(ctx); err != nil {
		return err
	}
	if err := a.mgr.Profiles().SetCurrentProfile(clientID); err != nil {
		if errors.Is(err, profile.ErrUnknownProfile) {
			return fmt.Errorf("no profile %s", clientID)
		}
		return err
	}
	fmt.Fprintf(a.out, "active profile: %s\n", clientID)
	return nil
}

func (a *app) remove(ctx context.Context, clientID string) error {
	if err := a.refresh(ctx); err != nil {
		return err
	}
	if err := a.mgr.RemoveProfile(ctx, clientID); err != nil {
		if api.IsSessionInvalidated(err) {
			return errInvalidated
		}
		return fmt.Errorf("remove profile: %w", err)
	}
	fmt.Fprintf(a.out, "removed %s, active profile: %s\n", clientID, orNone(a.mgr.Profiles().CurrentProfile()))
	return nil
}

// follow prints every new QR until the session is ready. A fall back to
// uninitialized after pairing started means the backend closed it.
func (a *app) follow(ctx context.Context, sub *session.Subscription) (session.State, error) {
	var (
		lastQR  string
		started bool
	)
	for {
		select {
		case st, ok := <-sub.C:
			if !ok {
				return st, session.ErrClosed
			}
			if st.Phase != session.Uninitialized {
				started = true
			}
			if st.QRCode != "" && st.QRCode != lastQR {
				lastQR = st.QRCode
				a.printQR(st.QRCode)
			}
			switch {
			case st.Phase == session.Ready:
				return st, nil
			case started && st.Phase == session.Uninitialized:
				return st, errClosed
			}
		case <-ctx.Done():
			return session.State{}, fmt.Errorf("waiting for pairing: %w", ctx.Err())
		}
	}
}

func (a *app) refresh(ctx context.Context) error {
	if a.mgr.Session().ClientID() == "" {
		return errNotLoggedIn
	}
	if err := a.mgr.RefreshProfiles(ctx); err != nil {
		if api.IsSessionInvalidated(err) {
			return errInvalidated
		}
		return fmt.Errorf("list profiles: %w", err)
	}
	return nil
}

func (a *app) printQR(code string) {
	fmt.Fprintln(a.out, "Scan this QR code with WhatsApp > Linked devices:")
	qrterminal.GenerateWithConfig(code, qrterminal.Config{
		Level:     qrterminal.L,
		Writer:    a.out,
		BlackChar: qrterminal.WHITE,
		WhiteChar: qrterminal.BLACK,
		QuietZone: 1,
	})
}

func (a *app) printProfiles() {
	dir := a.mgr.Profiles()
	profiles := dir.Profiles()
	current := dir.CurrentProfile()

	w := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "\tCLIENT ID\tPHONE\tNAME\tTYPE")
	for _, p := range profiles {
		mark := ""
		if p.ClientID == current {
			mark = "*"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", mark, p.ClientID, p.Phone, p.Name, p.UserType)
	}
	_ = w.Flush()

	if max := dir.MaxProfiles(); max > 0 {
		fmt.Fprintf(a.out, "%d of %d profiles\n", len(profiles), max)
	} else {
		fmt.Fprintf(a.out, "%d profiles\n", len(profiles))
	}
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
