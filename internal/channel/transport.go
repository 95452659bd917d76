package channel

import "context"

type EventKind string

const (
	EventQR      EventKind = "qr"
	EventOpen    EventKind = "open"
	EventClose   EventKind = "close"
	EventMessage EventKind = "message"
	EventCreds   EventKind = "creds"
)

// SessionEvent is one notification from a live session.
type SessionEvent struct {
	Kind EventKind

	QR        string // EventQR: raw QR payload
	Identity  string // EventOpen
	Reason    string // EventClose
	LoggedOut bool   // EventClose: the account was unlinked
	From      string // EventMessage
	Text      string // EventMessage
	Creds     []byte // EventCreds
}

// Transport opens sessions to the messaging network.
type Transport interface {
	Dial(ctx context.Context, creds []byte) (Session, error)
}

// Session is one connection attempt. Events is closed when the session ends.
type Session interface {
	Events() <-chan SessionEvent
	RequestPairingCode(ctx context.Context, phone, label string) (string, error)
	Send(ctx context.Context, to, text string) error
	Logout(ctx context.Context) error
	Close() error
}

// CredentialStore persists the linked-device credentials between sessions.
type CredentialStore interface {
	Load() ([]byte, error)
	Save(creds []byte) error
	Wipe() error
}
