// Package transport defines the normalized event model and the connection
// contract between the session manager and the external chat network. The
// heterogeneous payloads of the underlying network are mapped onto a closed
// set of event types at this boundary; nothing downstream inspects raw
// network shapes.
package transport

import "context"

// PairingEventKind enumerates pairing handshake outcomes.
type PairingEventKind string

const (
	PairingCode    PairingEventKind = "code"
	PairingSuccess PairingEventKind = "success"
	PairingTimeout PairingEventKind = "timeout"
	PairingError   PairingEventKind = "error"
)

// PairingEvent is one step of the pairing handshake.
type PairingEvent struct {
	Kind PairingEventKind
	Code string // set when Kind == PairingCode
	Err  error  // set when Kind == PairingError
}

// Dialer creates one connection per tenant.
type Dialer interface {
	Dial(ctx context.Context, tenantID string) (Conn, error)
}

// Conn is a single tenant's connection to the chat network. All methods are
// safe for use from the owning session goroutine only, except SendText and
// the snapshot accessors which may be called from request handlers.
type Conn interface {
	// Authenticated reports whether stored credentials exist for this tenant.
	Authenticated() bool

	// Pair starts the pairing handshake. Codes and the final outcome arrive
	// on the returned channel, which closes when the handshake ends or ctx
	// is cancelled. Must be called before Connect on an unauthenticated
	// connection.
	Pair(ctx context.Context) (<-chan PairingEvent, error)

	// Connect establishes the transport. On an authenticated connection it
	// reuses the stored credential; no new pairing is needed.
	Connect() error

	// Disconnect tears the transport down without discarding credentials.
	Disconnect()

	// Logout invalidates the credential on the network side.
	Logout(ctx context.Context) error

	// Events yields normalized envelopes: live traffic tagged SourcePush,
	// catch-up results tagged SourcePoll.
	Events() <-chan Envelope

	// CatchUp asks the network for recent state missed while disconnected.
	// Results arrive through Events tagged SourcePoll.
	CatchUp(ctx context.Context) error

	// SendText sends a text message and returns the network message id.
	SendText(ctx context.Context, address, body string) (string, error)

	// AccountID returns the authenticated account identifier, or "".
	AccountID() string

	// DisplayName returns the account display name, or "".
	DisplayName() string

	// Close releases all resources held by the connection.
	Close() error
}
