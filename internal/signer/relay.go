package signer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mmynk/splitpay/internal/models"
)

var (
	ErrRequestNotFound = errors.New("signing request not found")
	ErrInvalidEvent    = errors.New("invalid wallet event")
)

// eventBuffer bounds wallet events waiting for the session to apply them.
const eventBuffer = 16

// SigningRequest is a payload waiting for a human to approve it in their
// wallet.
type SigningRequest struct {
	ID        string
	Transfer  *models.UnsignedTransfer
	CreatedAt time.Time

	result chan signingResult
}

type signingResult struct {
	signed *models.SignedTransfer
	err    error
}

// Relay is a Wallet driven by a remote client. SignTransaction parks the
// payload as a SigningRequest; the client fetches it, signs it with the
// wallet it holds, and answers with Resolve or Reject. Account changes the
// client sees in its wallet are forwarded with Publish and delivered on
// Events.
type Relay struct {
	account string

	// Timeout bounds a single signing request. Zero waits until ctx ends.
	Timeout time.Duration

	mu        sync.Mutex
	connected bool
	closed    bool
	pending   map[string]*SigningRequest
	events    chan Event
}

// NewRelay creates a relay for the account the client announced.
func NewRelay(account string) *Relay {
	return &Relay{
		account: account,
		pending: make(map[string]*SigningRequest),
		events:  make(chan Event, eventBuffer),
	}
}

// Events delivers published wallet events. It is closed by Disconnect.
func (r *Relay) Events() <-chan Event {
	return r.events
}

// Publish queues a wallet event from the client. It does not block: when
// the session falls behind the event is refused.
func (r *Relay) Publish(ev Event) error {
	switch {
	case ev.Seq == 0:
		return fmt.Errorf("%w: sequence number required", ErrInvalidEvent)
	case ev.Type == EventConnected && ev.Account == "":
		return fmt.Errorf("%w: connected event without account", ErrInvalidEvent)
	case ev.Type != EventConnected && ev.Type != EventDisconnected:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, ev.Type)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrNotConnected
	}
	select {
	case r.events <- ev:
		return nil
	default:
		return fmt.Errorf("%w: event backlog full", ErrUnavailable)
	}
}

// Connect implements Wallet.
func (r *Relay) Connect(ctx context.Context) (string, error) {
	if r.account == "" {
		return "", ErrUnavailable
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return "", fmt.Errorf("%w: relay was disconnected", ErrUnavailable)
	}
	r.connected = true
	return r.account, nil
}

// Disconnect implements Wallet. Outstanding requests are rejected and the
// relay cannot be connected again.
func (r *Relay) Disconnect(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.connected = false
	for id, req := range r.pending {
		req.result <- signingResult{err: fmt.Errorf("%w: wallet disconnected", ErrUserRejected)}
		delete(r.pending, id)
	}
	if !r.closed {
		r.closed = true
		close(r.events)
	}
	return nil
}

// SignTransaction implements Wallet.
func (r *Relay) SignTransaction(ctx context.Context, payload *models.UnsignedTransfer) (*models.SignedTransfer, error) {
	r.mu.Lock()
	if !r.connected {
		r.mu.Unlock()
		return nil, ErrNotConnected
	}
	req := &SigningRequest{
		ID:        uuid.New().String(),
		Transfer:  payload,
		CreatedAt: time.Now(),
		result:    make(chan signingResult, 1),
	}
	r.pending[req.ID] = req
	r.mu.Unlock()

	defer r.remove(req.ID)

	var timeout <-chan time.Time
	if r.Timeout > 0 {
		timer := time.NewTimer(r.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case res := <-req.result:
		return res.signed, res.err
	case <-timeout:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Pending lists requests waiting for the client, oldest first.
func (r *Relay) Pending() []*SigningRequest {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*SigningRequest, 0, len(r.pending))
	for _, req := range r.pending {
		out = append(out, req)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Resolve answers request id with the signed payload.
func (r *Relay) Resolve(id, signedPayload string) error {
	if signedPayload == "" {
		return errors.New("signed payload is empty")
	}
	return r.answer(id, signingResult{signed: &models.SignedTransfer{Payload: signedPayload}})
}

// Reject answers request id with a user rejection.
func (r *Relay) Reject(id string) error {
	return r.answer(id, signingResult{err: ErrUserRejected})
}

func (r *Relay) answer(id string, res signingResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	req, ok := r.pending[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRequestNotFound, id)
	}
	delete(r.pending, id)
	req.result <- res
	return nil
}

func (r *Relay) remove(id string) {
	r.mu.Lock()
	delete(r.pending, id)
	r.mu.Unlock()
}
