package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"connectrpc.com/connect"
	"github.com/google/uuid"

	"github.com/mmynk/splitpay/internal/api"
	"github.com/mmynk/splitpay/internal/ledger"
	"github.com/mmynk/splitpay/internal/middleware"
	"github.com/mmynk/splitpay/internal/models"
	"github.com/mmynk/splitpay/internal/money"
	"github.com/mmynk/splitpay/internal/settlement"
	"github.com/mmynk/splitpay/internal/signer"
	"github.com/mmynk/splitpay/internal/storage"
)

// Faucet requests test funds from a test network.
type Faucet interface {
	RequestTestFunds(ctx context.Context, account string, lamports uint64) (string, error)
	Confirm(ctx context.Context, signature string, timeout time.Duration) (ledger.Status, error)
}

// SettlementConfig tunes the settlement service.
type SettlementConfig struct {
	// SigningTimeout bounds each relayed signing request. Zero waits until
	// the attempt is cancelled.
	SigningTimeout time.Duration

	// FaucetConfirmTimeout bounds the wait for test funds to land.
	FaucetConfirmTimeout time.Duration
}

// session is one connected wallet relayed through RPC.
type session struct {
	relay   *signer.Relay
	session *signer.Session
}

// SettlementService implements the Connect SettlementService
type SettlementService struct {
	orchestrator *settlement.Orchestrator
	journal      storage.AttemptJournal
	queue        storage.ReconciliationQueue
	faucet       Faucet
	cfg          SettlementConfig

	mu       sync.Mutex
	sessions map[string]*session
	payers   map[models.DebtKey]payer
}

// payer names the session signing a debt record's running attempt.
type payer struct {
	session string
	counter int64
}

var _ api.SettlementServiceHandler = (*SettlementService)(nil)

// NewSettlementService creates a SettlementService. faucet may be nil, which
// disables RequestTestFunds.
func NewSettlementService(o *settlement.Orchestrator, journal storage.AttemptJournal, queue storage.ReconciliationQueue, faucet Faucet, cfg SettlementConfig) *SettlementService {
	if cfg.FaucetConfirmTimeout <= 0 {
		cfg.FaucetConfirmTimeout = 30 * time.Second
	}
	return &SettlementService{
		orchestrator: o,
		journal:      journal,
		queue:        queue,
		faucet:       faucet,
		cfg:          cfg,
		sessions:     make(map[string]*session),
		payers:       make(map[models.DebtKey]payer),
	}
}

func (s *SettlementService) lookup(id string) (*session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, connect.NewError(connect.CodeNotFound, fmt.Errorf("wallet session %q not found", id))
	}
	return sess, nil
}

// ConnectWallet opens a relayed wallet session for the account the client
// holds keys for.
func (s *SettlementService) ConnectWallet(ctx context.Context, req *connect.Request[api.ConnectWalletRequest]) (*connect.Response[api.ConnectWalletResponse], error) {
	account := req.Msg.Account
	if account == "" {
		account = middleware.GetWallet(ctx)
	}

	relay := signer.NewRelay(account)
	relay.Timeout = s.cfg.SigningTimeout
	id := uuid.New().String()
	sess := signer.NewSession(id, relay, slog.Default())

	connected, err := sess.Connect(ctx)
	if err != nil {
		slog.Error("ConnectWallet failed", "account", account, "error", err)
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}

	s.mu.Lock()
	s.sessions[id] = &session{relay: relay, session: sess}
	s.mu.Unlock()

	// Runs until DisconnectWallet closes the relay's event stream.
	go sess.Watch(context.WithoutCancel(ctx), relay.Events())

	return connect.NewResponse(&api.ConnectWalletResponse{SessionID: id, Account: connected}), nil
}

// DisconnectWallet closes a session. Signing requests still pending are
// rejected.
func (s *SettlementService) DisconnectWallet(ctx context.Context, req *connect.Request[api.DisconnectWalletRequest]) (*connect.Response[api.DisconnectWalletResponse], error) {
	sess, err := s.lookup(req.Msg.SessionID)
	if err != nil {
		return nil, err
	}
	if err := sess.session.Disconnect(ctx); err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}

	s.mu.Lock()
	delete(s.sessions, req.Msg.SessionID)
	s.mu.Unlock()

	return connect.NewResponse(&api.DisconnectWalletResponse{}), nil
}

// ReportWalletEvent forwards an account change or disconnect reported by the
// client's wallet to its session. Duplicate and out-of-order events are
// dropped by the session.
func (s *SettlementService) ReportWalletEvent(ctx context.Context, req *connect.Request[api.ReportWalletEventRequest]) (*connect.Response[api.ReportWalletEventResponse], error) {
	sess, err := s.lookup(req.Msg.SessionID)
	if err != nil {
		return nil, err
	}
	ev := signer.Event{
		Type:    signer.EventType(req.Msg.Type),
		Account: req.Msg.Account,
		Seq:     req.Msg.Seq,
	}
	if err := sess.relay.Publish(ev); err != nil {
		return nil, connectError(err)
	}
	return connect.NewResponse(&api.ReportWalletEventResponse{}), nil
}

// StartPayment begins settling the caller's debt to a creditor. It returns
// once the attempt is journaled; progress is read with GetAttempt.
func (s *SettlementService) StartPayment(ctx context.Context, req *connect.Request[api.StartPaymentRequest]) (*connect.Response[api.StartPaymentResponse], error) {
	debtor, err := callerOr(ctx, req.Msg.Debtor, "debtor")
	if err != nil {
		return nil, err
	}
	sess, err := s.lookup(req.Msg.SessionID)
	if err != nil {
		return nil, err
	}
	amount, err := money.ParsePositive(req.Msg.Amount)
	if err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}

	key := models.DebtKey{Creditor: req.Msg.Creditor, Debtor: debtor}
	payment := settlement.PaymentRequest{
		Key:         key,
		Amount:      amount,
		Recipient:   req.Msg.Recipient,
		Description: req.Msg.Description,
	}

	// The attempt outlives this request.
	attempt, done, err := s.orchestrator.Start(context.WithoutCancel(ctx), sess.session, payment)
	if err != nil {
		return nil, connectError(err)
	}

	current := payer{session: req.Msg.SessionID, counter: attempt.Counter}
	s.mu.Lock()
	s.payers[key] = current
	s.mu.Unlock()

	go func() {
		for out := range done {
			attrs := []any{"debt_key", key.String()}
			if out.Result != nil {
				attrs = append(attrs, "attempt", out.Result.Attempt.Counter, "state", out.Result.Attempt.State)
			}
			if out.Err != nil {
				slog.Warn("Payment ended without settling", append(attrs, "error", out.Err)...)
			} else {
				slog.Info("Payment finished", attrs...)
			}
		}
		s.mu.Lock()
		if s.payers[key] == current {
			delete(s.payers, key)
		}
		s.mu.Unlock()
	}()

	return connect.NewResponse(&api.StartPaymentResponse{Attempt: toAPIAttempt(&attempt)}), nil
}

// GetAttempt returns the running attempt for a debt record, or the latest
// journaled one.
func (s *SettlementService) GetAttempt(ctx context.Context, req *connect.Request[api.GetAttemptRequest]) (*connect.Response[api.GetAttemptResponse], error) {
	debtor, err := callerOr(ctx, req.Msg.Debtor, "debtor")
	if err != nil {
		return nil, err
	}
	key := models.DebtKey{Creditor: req.Msg.Creditor, Debtor: debtor}

	if snap, ok := s.orchestrator.Snapshot(key); ok {
		resp := &api.GetAttemptResponse{
			Attempt:      toAPIAttempt(&snap.Attempt),
			Running:      true,
			StillWaiting: snap.StillWaiting,
		}
		if snap.Attempt.State == models.StateAwaitingSignature {
			resp.Signing = s.pendingSignature(key)
		}
		return connect.NewResponse(resp), nil
	}

	a, err := s.journal.LatestAttempt(ctx, key)
	if err != nil {
		return nil, connectError(err)
	}
	return connect.NewResponse(&api.GetAttemptResponse{Attempt: toAPIAttempt(a)}), nil
}

func (s *SettlementService) pendingSignature(key models.DebtKey) *api.SigningRequest {
	s.mu.Lock()
	sess := s.sessions[s.payers[key].session]
	s.mu.Unlock()
	if sess == nil {
		return nil
	}
	pending := sess.relay.Pending()
	if len(pending) == 0 {
		return nil
	}
	req := pending[0]
	return &api.SigningRequest{
		ID:        req.ID,
		Payload:   req.Transfer.Payload,
		From:      req.Transfer.From,
		To:        req.Transfer.To,
		Native:    req.Transfer.Native,
		CreatedAt: req.CreatedAt.Unix(),
	}
}

// CancelAttempt abandons a payment that has not been broadcast.
func (s *SettlementService) CancelAttempt(ctx context.Context, req *connect.Request[api.CancelAttemptRequest]) (*connect.Response[api.CancelAttemptResponse], error) {
	debtor, err := callerOr(ctx, req.Msg.Debtor, "debtor")
	if err != nil {
		return nil, err
	}
	if err := s.orchestrator.Cancel(models.DebtKey{Creditor: req.Msg.Creditor, Debtor: debtor}); err != nil {
		return nil, connectError(err)
	}
	return connect.NewResponse(&api.CancelAttemptResponse{}), nil
}

// SubmitSignature answers a pending signing request with the signed payload.
func (s *SettlementService) SubmitSignature(ctx context.Context, req *connect.Request[api.SubmitSignatureRequest]) (*connect.Response[api.SubmitSignatureResponse], error) {
	sess, err := s.lookup(req.Msg.SessionID)
	if err != nil {
		return nil, err
	}
	if req.Msg.SignedPayload == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("signed_payload is required"))
	}
	if err := sess.relay.Resolve(req.Msg.RequestID, req.Msg.SignedPayload); err != nil {
		return nil, connectError(err)
	}
	return connect.NewResponse(&api.SubmitSignatureResponse{}), nil
}

// RejectSignature answers a pending signing request with a rejection.
func (s *SettlementService) RejectSignature(ctx context.Context, req *connect.Request[api.RejectSignatureRequest]) (*connect.Response[api.RejectSignatureResponse], error) {
	sess, err := s.lookup(req.Msg.SessionID)
	if err != nil {
		return nil, err
	}
	if err := sess.relay.Reject(req.Msg.RequestID); err != nil {
		return nil, connectError(err)
	}
	return connect.NewResponse(&api.RejectSignatureResponse{}), nil
}

// ListReconciliations lists queued reconciliations, newest first.
func (s *SettlementService) ListReconciliations(ctx context.Context, req *connect.Request[api.ListReconciliationsRequest]) (*connect.Response[api.ListReconciliationsResponse], error) {
	status := models.ReconciliationStatus(req.Msg.Status)
	switch status {
	case "", models.ReconciliationPending, models.ReconciliationDone, models.ReconciliationAbandoned:
	default:
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("unknown status %q", req.Msg.Status))
	}

	entries, err := s.queue.ListReconciliations(ctx, status)
	if err != nil {
		slog.Error("ListReconciliations failed", "error", err)
		return nil, connect.NewError(connect.CodeInternal, err)
	}

	out := make([]*api.Reconciliation, len(entries))
	for i, e := range entries {
		out[i] = &api.Reconciliation{
			ID:            e.ID,
			Signature:     e.Signature,
			Kind:          string(e.Kind),
			Status:        string(e.Status),
			Creditor:      e.Key.Creditor,
			Debtor:        e.Key.Debtor,
			Counter:       e.Counter,
			Amount:        money.Format(e.Amount),
			Tries:         e.Tries,
			LastError:     e.LastError,
			NextAttemptAt: e.NextAttemptAt,
			CreatedAt:     e.CreatedAt,
		}
	}
	return connect.NewResponse(&api.ListReconciliationsResponse{Reconciliations: out}), nil
}

// RequestTestFunds asks the test network faucet for lamports and waits for
// them to confirm.
func (s *SettlementService) RequestTestFunds(ctx context.Context, req *connect.Request[api.RequestTestFundsRequest]) (*connect.Response[api.RequestTestFundsResponse], error) {
	if s.faucet == nil {
		return nil, connect.NewError(connect.CodeUnimplemented, errors.New("test funds are not available on this network"))
	}
	account := req.Msg.Account
	if account == "" {
		account = middleware.GetWallet(ctx)
	}
	if account == "" || req.Msg.Lamports == 0 {
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("account and lamports are required"))
	}

	sig, err := s.faucet.RequestTestFunds(ctx, account, req.Msg.Lamports)
	if err != nil {
		slog.Error("RequestTestFunds failed", "account", account, "error", err)
		return nil, connectError(err)
	}
	status, err := s.faucet.Confirm(ctx, sig, s.cfg.FaucetConfirmTimeout)
	if err != nil && !errors.Is(err, ledger.ErrConfirmationTimeout) {
		slog.Warn("Test funds confirmation failed", "signature", sig, "error", err)
	}
	return connect.NewResponse(&api.RequestTestFundsResponse{Signature: sig, Status: string(status)}), nil
}

func toAPIAttempt(a *models.Attempt) *api.Attempt {
	return &api.Attempt{
		Creditor:  a.Key.Creditor,
		Debtor:    a.Key.Debtor,
		Counter:   a.Counter,
		State:     string(a.State),
		Amount:    money.Format(a.Amount),
		Native:    a.Native,
		From:      a.From,
		To:        a.To,
		Signature: a.Signature,
		ErrorKind: a.ErrorKind,
		Error:     a.Error,
		Retryable: settlement.Kind(a.ErrorKind).Retryable(),
		UpdatedAt: a.UpdatedAt,
	}
}

// connectError maps domain errors onto Connect codes.
func connectError(err error) error {
	var cerr *connect.Error
	if errors.As(err, &cerr) {
		return cerr
	}

	switch {
	case errors.Is(err, settlement.ErrNoActiveAttempt), errors.Is(err, signer.ErrRequestNotFound),
		errors.Is(err, storage.ErrAttemptNotFound), errors.Is(err, storage.ErrDebtNotFound):
		return connect.NewError(connect.CodeNotFound, err)
	case errors.Is(err, settlement.ErrNotCancellable):
		return connect.NewError(connect.CodeFailedPrecondition, err)
	case errors.Is(err, signer.ErrInvalidEvent):
		return connect.NewError(connect.CodeInvalidArgument, err)
	}

	switch settlement.Classify(err) {
	case settlement.KindInvalidAmount, settlement.KindInvalidRequest, settlement.KindAmountExceedsRemaining:
		return connect.NewError(connect.CodeInvalidArgument, err)
	case settlement.KindDebtNotFound:
		return connect.NewError(connect.CodeNotFound, err)
	case settlement.KindAttemptInFlight:
		return connect.NewError(connect.CodeAlreadyExists, err)
	case settlement.KindSignerUnavailable, settlement.KindNetworkUnavailable:
		return connect.NewError(connect.CodeUnavailable, err)
	case settlement.KindRejectedByLedger, settlement.KindInsufficientFunds:
		return connect.NewError(connect.CodeFailedPrecondition, err)
	}
	return connect.NewError(connect.CodeInternal, err)
}
