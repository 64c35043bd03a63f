package signer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gagliardetto/solana-go"

	"github.com/mmynk/splitpay/internal/models"
)

// Session holds the connection state of one wallet.
type Session struct {
	ID string

	wallet Wallet
	logger *slog.Logger

	mu      sync.RWMutex
	account string
	// open is set by Connect and cleared by Disconnect. Wallet events are
	// only applied while it is set.
	open bool
	// lastSeq is the highest wallet event sequence applied. It is the
	// wallet's numbering and is never advanced locally.
	lastSeq uint64
}

// NewSession creates a disconnected session over wallet.
func NewSession(id string, wallet Wallet, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		ID:     id,
		wallet: wallet,
		logger: logger.With("component", "signer", "session_id", id),
	}
}

// Connect connects the wallet and records the returned account.
func (s *Session) Connect(ctx context.Context) (string, error) {
	if s.wallet == nil {
		return "", ErrUnavailable
	}

	account, err := s.wallet.Connect(ctx)
	if err != nil {
		return "", err
	}
	if _, err := solana.PublicKeyFromBase58(account); err != nil {
		return "", fmt.Errorf("%w: wallet returned invalid account %q: %v", ErrUnavailable, account, err)
	}

	s.mu.Lock()
	s.account = account
	s.open = true
	s.mu.Unlock()

	s.logger.Info("Wallet connected", "account", account)
	return account, nil
}

// CurrentAccount returns the connected account, or "" when disconnected.
func (s *Session) CurrentAccount() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.account
}

// Sign asks the wallet to sign payload. The payload must be from the
// connected account.
func (s *Session) Sign(ctx context.Context, payload *models.UnsignedTransfer) (*models.SignedTransfer, error) {
	account := s.CurrentAccount()
	if account == "" {
		return nil, ErrNotConnected
	}
	if payload.From != account {
		return nil, fmt.Errorf("payload sender %s is not the connected account %s", payload.From, account)
	}

	signed, err := s.wallet.SignTransaction(ctx, payload)
	if err != nil {
		return nil, err
	}
	if signed == nil || signed.Payload == "" {
		return nil, fmt.Errorf("%w: wallet returned an empty signed payload", ErrUnavailable)
	}
	return signed, nil
}

// Disconnect disconnects the wallet and clears the account.
func (s *Session) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	s.account = ""
	s.open = false
	s.mu.Unlock()

	if s.wallet == nil {
		return nil
	}
	if err := s.wallet.Disconnect(ctx); err != nil {
		return fmt.Errorf("failed to disconnect wallet: %w", err)
	}
	s.logger.Info("Wallet disconnected")
	return nil
}

// Apply folds an asynchronous wallet event into the session. Events that
// arrive while the session is disconnected, or with a sequence number at or
// below the last one applied, are dropped. It reports whether the event
// changed the session.
func (s *Session) Apply(ev Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.open {
		s.logger.Debug("Dropping wallet event for closed session", "type", ev.Type, "seq", ev.Seq)
		return false
	}
	if ev.Seq <= s.lastSeq {
		s.logger.Debug("Dropping stale wallet event", "type", ev.Type, "seq", ev.Seq, "last_seq", s.lastSeq)
		return false
	}
	s.lastSeq = ev.Seq

	switch ev.Type {
	case EventConnected:
		if ev.Account == s.account {
			return false
		}
		s.account = ev.Account
		s.logger.Info("Wallet account changed", "account", ev.Account, "seq", ev.Seq)
	case EventDisconnected:
		if s.account == "" {
			return false
		}
		s.account = ""
		s.logger.Info("Wallet reported disconnect", "seq", ev.Seq)
	default:
		return false
	}
	return true
}

// Watch applies events from ch until it closes or ctx ends.
func (s *Session) Watch(ctx context.Context, ch <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			s.Apply(ev)
		}
	}
}
