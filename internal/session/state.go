package session

// Phase is the pairing state of one session scope.
type Phase int

const (
	Uninitialized Phase = iota
	Authenticating
	QRGenerated
	Initialized
	Authenticated
	Ready
)

func (p Phase) String() string {
	switch p {
	case Uninitialized:
		return "uninitialized"
	case Authenticating:
		return "authenticating"
	case QRGenerated:
		return "qr_generated"
	case Initialized:
		return "initialized"
	case Authenticated:
		return "authenticated"
	case Ready:
		return "ready"
	}
	return "unknown"
}

// State is the observable session state. The persisted client id is kept in
// the store, not here.
type State struct {
	Phase               Phase  `json:"phase"`
	IsAuthenticated     bool   `json:"is_authenticated"`
	IsAuthenticating    bool   `json:"is_authenticating"`
	QRCode              string `json:"qr_code"`
	QRGenerated         bool   `json:"qr_generated"`
	IsSocketInitialized bool   `json:"is_socket_initialized"`
}

// Valid reports whether s satisfies the state invariants: QRGenerated mirrors
// a non-empty QRCode, and an authenticated session carries no QR.
func (s State) Valid() bool {
	if s.QRGenerated != (s.QRCode != "") {
		return false
	}
	if s.IsAuthenticated && (s.QRGenerated || s.QRCode != "") {
		return false
	}
	return true
}

func (s *State) setQR(code string) {
	s.QRCode = code
	s.QRGenerated = code != ""
}

// in reports whether the phase is one of phases.
func (p Phase) in(phases ...Phase) bool {
	for _, q := range phases {
		if p == q {
			return true
		}
	}
	return false
}
