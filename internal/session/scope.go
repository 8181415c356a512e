package session

import "gowa-session/internal/ws"

// Scope selects the socket path, the persisted id key and the events one
// Synchronizer listens to.
type Scope struct {
	Name     string
	Path     string
	StoreKey string
	Events   map[string]ws.Kind
}

// AccountKey is the store key of the primary client id. It identifies the
// account when allocating extra profiles.
const AccountKey = "client_id"

var PrimaryScope = Scope{
	Name:     "primary",
	Path:     "/socket",
	StoreKey: AccountKey,
	Events: map[string]ws.Kind{
		ws.EventInitialized:   ws.KindInitialized,
		ws.EventQRGenerated:   ws.KindQRGenerated,
		ws.EventAuthenticated: ws.KindAuthenticated,
		ws.EventReady:         ws.KindReady,
		ws.EventClosed:        ws.KindClosed,
	},
}

// AddDeviceScope pairs an extra profile. The dialog closes on ready, so it
// does not listen for whatsapp-authenticated.
var AddDeviceScope = Scope{
	Name:     "add-device",
	Path:     "/socket/add-device",
	StoreKey: "add_device_client_id",
	Events: map[string]ws.Kind{
		ws.EventInitialized: ws.KindInitialized,
		ws.EventQRGenerated: ws.KindQRGenerated,
		ws.EventReady:       ws.KindReady,
		ws.EventClosed:      ws.KindClosed,
	},
}
