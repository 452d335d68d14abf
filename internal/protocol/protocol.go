// Package protocol is the boundary to the per-account messaging protocol.
//
// The protocol itself is opaque: a Client connects with an AuthState and
// yields a Conn that streams events (qr, open, close, message) and accepts
// sends. Implementations: wsbridge (sidecar over websocket) and prototest.
package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrClosed = errors.New("protocol: connection closed")
	// ErrNotOpen is returned by Send before the open event.
	ErrNotOpen = errors.New("protocol: connection not open")
)

type EventKind int

const (
	EventQR EventKind = iota + 1
	EventOpen
	EventClose
	EventMessage
)

func (k EventKind) String() string {
	switch k {
	case EventQR:
		return "qr"
	case EventOpen:
		return "open"
	case EventClose:
		return "close"
	case EventMessage:
		return "message"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is one item of a connection's event stream. Close is always the
// last event; the channel is closed right after it.
type Event struct {
	Kind EventKind

	// QR is set for EventQR.
	QR string

	// Code and Reason are set for EventClose.
	Code   int
	Reason string

	// Message is set for EventMessage.
	Message *Inbound
}

type Inbound struct {
	ID   string    `json:"id"`
	From string    `json:"from"`
	Body string    `json:"body,omitempty"`
	At   time.Time `json:"at"`
}

// Payload is an outbound message. Media is either a local file path or a
// remote URL, never both.
type Payload struct {
	Text      string `json:"text,omitempty"`
	MediaPath string `json:"media_path,omitempty"`
	MediaURL  string `json:"media_url,omitempty"`
	MediaType string `json:"media_type,omitempty"`
}

// KeyUpdates maps key type -> key id -> value. A nil value deletes the key.
type KeyUpdates map[string]map[string]json.RawMessage

// AuthState is the credential view handed to the protocol for one account.
type AuthState interface {
	Identity(ctx context.Context) (map[string]json.RawMessage, error)
	GetKeys(ctx context.Context, keyType string, ids []string) (map[string]json.RawMessage, error)
	SetKeys(ctx context.Context, updates KeyUpdates) error
	// SaveCreds merges patch onto the identity (top-level field assign).
	SaveCreds(ctx context.Context, patch map[string]json.RawMessage) error
}

type Conn interface {
	Events() <-chan Event
	// Send returns the protocol message id.
	Send(ctx context.Context, to string, p Payload) (string, error)
	SendPresence(ctx context.Context) error
	// Logout revokes the device credentials on the protocol side.
	Logout(ctx context.Context) error
	// End closes the transport without logging out. A close event follows.
	End(err error)
}

type Client interface {
	Connect(ctx context.Context, accountID string, auth AuthState) (Conn, error)
}
