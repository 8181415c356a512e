package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Wire event names.
const (
	EventInitialize    = "initialize"
	EventInitialized   = "initialized"
	EventQRGenerated   = "qr-generated"
	EventAuthenticated = "whatsapp-authenticated"
	EventReady         = "whatsapp-ready"
	EventClosed        = "whatsapp-closed"
)

// Kind tags an inbound event.
type Kind int

const (
	KindInitialized Kind = iota + 1
	KindQRGenerated
	KindAuthenticated
	KindReady
	KindClosed
	KindDisconnected
)

func (k Kind) String() string {
	switch k {
	case KindInitialized:
		return EventInitialized
	case KindQRGenerated:
		return EventQRGenerated
	case KindAuthenticated:
		return EventAuthenticated
	case KindReady:
		return EventReady
	case KindClosed:
		return EventClosed
	case KindDisconnected:
		return "disconnect"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Event is one decoded inbound event. The concrete types below are the only
// implementations.
type Event interface {
	Kind() Kind
}

// Initialized acknowledges the socket identity; ClientID is the id the
// backend settled on, which may differ from the one offered.
type Initialized struct {
	ClientID string `json:"client_id"`
}

type QRGenerated struct {
	QR string `json:"qr"`
}

type Authenticated struct{}

type Ready struct{}

type Closed struct {
	Reason string `json:"reason,omitempty"`
}

// Disconnected is produced locally when the socket drops.
type Disconnected struct {
	Err error
}

func (Initialized) Kind() Kind   { return KindInitialized }
func (QRGenerated) Kind() Kind   { return KindQRGenerated }
func (Authenticated) Kind() Kind { return KindAuthenticated }
func (Ready) Kind() Kind         { return KindReady }
func (Closed) Kind() Kind        { return KindClosed }
func (Disconnected) Kind() Kind  { return KindDisconnected }

// InitializePayload is the body of the outbound initialize event.
type InitializePayload struct {
	ClientID string `json:"client_id"`
}

// Frame is the JSON text message exchanged on the socket.
type Frame struct {
	Event     string          `json:"event"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewFrame encodes data into a frame stamped with the current UTC time.
func NewFrame(event string, data any) (Frame, error) {
	f := Frame{Event: event, Timestamp: time.Now().UTC()}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Frame{}, fmt.Errorf("ws: encode %s: %w", event, err)
		}
		f.Data = raw
	}
	return f, nil
}

var (
	ErrUnsubscribed = errors.New("ws: event not subscribed")
	ErrClosed       = errors.New("ws: connection closed")
)

// Decode parses a text message and turns it into a typed event, provided its
// name is one of events.
func Decode(raw []byte, events map[string]Kind) (Event, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("ws: decode frame: %w", err)
	}
	kind, ok := events[f.Event]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsubscribed, f.Event)
	}

	var (
		evt Event
		err error
	)
	switch kind {
	case KindInitialized:
		var e Initialized
		err = decodeData(f.Data, &e)
		evt = e
	case KindQRGenerated:
		var e QRGenerated
		err = decodeData(f.Data, &e)
		evt = e
	case KindAuthenticated:
		evt = Authenticated{}
	case KindReady:
		evt = Ready{}
	case KindClosed:
		var e Closed
		err = decodeData(f.Data, &e)
		evt = e
	default:
		return nil, fmt.Errorf("%w: %q maps to %v", ErrUnsubscribed, f.Event, kind)
	}
	if err != nil {
		return nil, fmt.Errorf("ws: decode %s data: %w", f.Event, err)
	}
	return evt, nil
}

func decodeData(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, v)
}
