// Package signer wraps an external wallet capability that holds key material
// and signs on a human's approval.
//
// A Wallet is the raw boundary. A Session is the explicitly passed connection
// state for one wallet, so concurrent settlements never share an ambient
// connection.
package signer

import (
	"context"
	"errors"

	"github.com/mmynk/splitpay/internal/models"
)

var (
	ErrUnavailable  = errors.New("signer unavailable")
	ErrUserRejected = errors.New("user rejected the request")
	ErrTimeout      = errors.New("signer timed out")
	ErrNotConnected = errors.New("signer not connected")
)

// Wallet is the external signing capability.
type Wallet interface {
	// Connect asks the human to connect and returns their account reference.
	Connect(ctx context.Context) (string, error)

	// SignTransaction asks the human to approve and sign payload. The call is
	// not guaranteed to resolve on its own; ctx bounds it.
	SignTransaction(ctx context.Context, payload *models.UnsignedTransfer) (*models.SignedTransfer, error)

	// Disconnect drops the connection.
	Disconnect(ctx context.Context) error
}

// EventType distinguishes wallet events.
type EventType string

const (
	EventConnected    EventType = "connected"
	EventDisconnected EventType = "disconnected"
)

// Event is an asynchronous wallet notification. Seq orders events from one
// wallet; delivery may still be duplicated or reordered.
type Event struct {
	Type    EventType
	Account string
	Seq     uint64
}
