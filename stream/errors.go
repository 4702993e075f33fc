package stream

import (
	"errors"
	"fmt"

	"algomirror/models"
)

var (
	// ErrHandshakeTimeout is returned when the transport handshake succeeds
	// but no heartbeat arrives within the handshake timeout.
	ErrHandshakeTimeout = errors.New("handshake timeout waiting for first heartbeat")

	// ErrNoBackups is returned by Promote when the backup list is exhausted.
	ErrNoBackups = errors.New("no backup accounts available")

	// ErrNotActive is returned when an operation requires an active connection.
	ErrNotActive = errors.New("connection not active")

	// ErrStaleConnection is reported by the heartbeat monitor when no frame
	// has arrived within the heartbeat timeout.
	ErrStaleConnection = errors.New("no heartbeat received, connection stale")

	// ErrClosed is returned when operating on a closed connection.
	ErrClosed = errors.New("connection closed")
)

// ConnectError wraps a transport setup failure for one account.
type ConnectError struct {
	Account string
	Err     error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Account, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// SubscriptionError wraps a subscribe/unsubscribe rejection by the transport.
type SubscriptionError struct {
	Mode models.Mode
	Err  error
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("subscription %s: %v", e.Mode, e.Err)
}

func (e *SubscriptionError) Unwrap() error { return e.Err }
