// Package transport provides addressable messaging between server
// components and client sessions, with optional awaited acknowledgment.
package transport

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNoDestination means nothing is registered at the address, which for
	// a client address usually means the session id is stale.
	ErrNoDestination = errors.New("transport: no handler for address")
	// ErrTimeout means the recipient did not acknowledge in time.
	ErrTimeout = errors.New("transport: reply timed out")
)

// FailureKind classifies a delivery error.
type FailureKind int

const (
	FailureNone FailureKind = iota
	FailureNoDestination
	FailureTimeout
	FailureOther
)

func (k FailureKind) String() string {
	switch k {
	case FailureNone:
		return "NONE"
	case FailureNoDestination:
		return "NO_HANDLERS"
	case FailureTimeout:
		return "TIMEOUT"
	default:
		return "OTHER"
	}
}

// Classify maps err onto a FailureKind.
func Classify(err error) FailureKind {
	switch {
	case err == nil:
		return FailureNone
	case errors.Is(err, ErrNoDestination):
		return FailureNoDestination
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return FailureTimeout
	default:
		return FailureOther
	}
}

// IsStaleRouting reports whether err suggests the address has moved.
func IsStaleRouting(err error) bool {
	k := Classify(err)
	return k == FailureNoDestination || k == FailureTimeout
}

// Transport sends bodies to addresses.
type Transport interface {
	// Send delivers body without waiting for the recipient.
	Send(ctx context.Context, address string, body []byte) error
	// Request delivers body and waits for the recipient's reply.
	Request(ctx context.Context, address string, body []byte) ([]byte, error)
}

// RecipientError is returned by Request when the handler failed the message.
type RecipientError struct {
	Address string
	Reason  string
}

func (e *RecipientError) Error() string {
	return fmt.Sprintf("transport: recipient at %s failed: %s", e.Address, e.Reason)
}

// ClientEventsAddress is where a session receives event batches.
func ClientEventsAddress(sessionID string) string {
	return "client." + sessionID + ".events"
}

// ClientDataAddress is where a session receives its data snapshot.
func ClientDataAddress(sessionID string) string {
	return "client." + sessionID + ".data"
}

// Server-side addresses.
const (
	AddressAction       = "action"
	AddressLoginConfirm = "login.confirm"
	AddressEvents       = "server.events"
	AddressLoginEvents  = "server.events.login"
)
