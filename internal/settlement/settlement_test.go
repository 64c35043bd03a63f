package settlement_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmynk/splitpay/internal/ledger"
	"github.com/mmynk/splitpay/internal/ledger/ledgertest"
	"github.com/mmynk/splitpay/internal/models"
	"github.com/mmynk/splitpay/internal/pricing"
	"github.com/mmynk/splitpay/internal/settlement"
	"github.com/mmynk/splitpay/internal/signer"
	"github.com/mmynk/splitpay/internal/storage"
	"github.com/mmynk/splitpay/internal/storage/memory"
	"github.com/mmynk/splitpay/internal/transfer"
)

var key = models.DebtKey{Creditor: "alice@example.com", Debtor: "bob@example.com"}

// testWallet signs by prefixing the payload. sign, when set, replaces the
// default behaviour.
type testWallet struct {
	account string
	sign    func(ctx context.Context, tx *models.UnsignedTransfer) (*models.SignedTransfer, error)

	mu    sync.Mutex
	calls int
}

func (w *testWallet) CurrentAccount() string { return w.account }

func (w *testWallet) Sign(ctx context.Context, tx *models.UnsignedTransfer) (*models.SignedTransfer, error) {
	w.mu.Lock()
	w.calls++
	w.mu.Unlock()
	if w.sign != nil {
		return w.sign(ctx, tx)
	}
	return &models.SignedTransfer{Payload: "signed:" + tx.Payload}, nil
}

func (w *testWallet) Calls() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.calls
}

// blockingSign waits for ctx or release.
func blockingSign(release <-chan struct{}) func(context.Context, *models.UnsignedTransfer) (*models.SignedTransfer, error) {
	return func(ctx context.Context, tx *models.UnsignedTransfer) (*models.SignedTransfer, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-release:
			return &models.SignedTransfer{Payload: "signed:" + tx.Payload}, nil
		}
	}
}

// failingDebts fails every payment write.
type failingDebts struct {
	*memory.Store
}

func (f failingDebts) RecordPayment(context.Context, models.Payment) (*models.DebtRecord, error) {
	return nil, errors.New("debt store offline")
}

// flakyLedger fails the first fails submissions with a network error.
type flakyLedger struct {
	*ledger.Client

	mu     sync.Mutex
	fails  int
	submit int
}

func (f *flakyLedger) SubmitSigned(ctx context.Context, signed *models.SignedTransfer) (string, error) {
	f.mu.Lock()
	f.submit++
	fail := f.submit <= f.fails
	f.mu.Unlock()
	if fail {
		return "", ledger.ErrNetworkUnavailable
	}
	return f.Client.SubmitSigned(ctx, signed)
}

type env struct {
	srv     *ledgertest.Server
	client  *ledger.Client
	store   *memory.Store
	wallet  *testWallet
	to      string
	builder *transfer.Builder
}

func newEnv(t *testing.T) *env {
	t.Helper()
	srv := ledgertest.NewServer()
	t.Cleanup(srv.Close)

	client, err := ledger.New(srv.URL, ledger.WithPollInterval(5*time.Millisecond))
	require.NoError(t, err)

	rates, err := pricing.NewFixedRate("0.01")
	require.NoError(t, err)

	e := &env{
		srv:     srv,
		client:  client,
		store:   memory.New(),
		wallet:  &testWallet{account: ledgertest.RandomAccount()},
		to:      ledgertest.RandomAccount(),
		builder: transfer.NewBuilder(client, rates, 5000, nil),
	}
	srv.SetBalance(e.wallet.account, 10_000_000_000)

	ctx := context.Background()
	require.NoError(t, e.store.AddCharges(ctx, []models.Charge{{Key: key, Amount: decimal.NewFromInt(100)}}))
	_, err = e.store.RecordPayment(ctx, models.Payment{Key: key, Amount: decimal.NewFromInt(40), Reference: "seed"})
	require.NoError(t, err)
	return e
}

func testConfig() settlement.Config {
	return settlement.Config{
		ConfirmTimeout:    200 * time.Millisecond,
		StillWaitingAfter: time.Second,
		BroadcastAttempts: 3,
		BroadcastBackoff:  time.Millisecond,
		MaxRebuilds:       1,
	}
}

func (e *env) orchestrator(debts storage.DebtStore, l settlement.Ledger, cfg settlement.Config) *settlement.Orchestrator {
	if debts == nil {
		debts = e.store
	}
	if l == nil {
		l = e.client
	}
	return settlement.New(settlement.Deps{
		Builder: e.builder,
		Ledger:  l,
		Debts:   debts,
		Journal: e.store,
		Queue:   e.store,
	}, cfg)
}

func (e *env) reconciler() *settlement.Reconciler {
	return settlement.NewReconciler(settlement.ReconcilerDeps{
		Queue:   e.store,
		Journal: e.store,
		Debts:   e.store,
		Ledger:  e.client,
	}, settlement.ReconcilerConfig{})
}

func (e *env) request(amount string) settlement.PaymentRequest {
	return settlement.PaymentRequest{
		Key:         key,
		Amount:      decimal.RequireFromString(amount),
		Recipient:   e.to,
		Description: "Dinner",
	}
}

func (e *env) paid(t *testing.T) string {
	t.Helper()
	rec, err := e.store.GetDebt(context.Background(), key)
	require.NoError(t, err)
	return rec.PaidToDate.StringFixed(2)
}

func kindOf(t *testing.T, err error) settlement.Kind {
	t.Helper()
	var serr *settlement.Error
	require.ErrorAs(t, err, &serr)
	return serr.Kind
}

func waitState(t *testing.T, o *settlement.Orchestrator, state models.AttemptState) {
	t.Helper()
	require.Eventually(t, func() bool {
		snap, ok := o.Snapshot(key)
		return ok && snap.Attempt.State == state
	}, 2*time.Second, 2*time.Millisecond)
}

func TestPay_Settles(t *testing.T) {
	e := newEnv(t)
	o := e.orchestrator(nil, nil, testConfig())

	res, err := o.Pay(context.Background(), e.wallet, e.request("60"))
	require.NoError(t, err)
	assert.Equal(t, models.StateSettled, res.Attempt.State)
	assert.Equal(t, int64(1), res.Attempt.Counter)
	assert.Equal(t, uint64(600_000_000), res.Attempt.Native)
	assert.NotEmpty(t, res.Attempt.Signature)
	assert.Equal(t, "100.00", res.Record.PaidToDate.StringFixed(2))
	assert.Equal(t, "100.00", e.paid(t))
	assert.Equal(t, 1, e.srv.CallCount("send"))

	stored, err := e.store.GetAttempt(context.Background(), key, 1)
	require.NoError(t, err)
	assert.Equal(t, models.StateSettled, stored.State)
	assert.Equal(t, res.Attempt.Signature, stored.Signature)

	// Nothing is owed any more.
	_, err = o.Pay(context.Background(), e.wallet, e.request("1"))
	assert.Equal(t, settlement.KindAmountExceedsRemaining, kindOf(t, err))
}

func TestPay_ClampsWithinTolerance(t *testing.T) {
	e := newEnv(t)
	o := e.orchestrator(nil, nil, testConfig())

	res, err := o.Pay(context.Background(), e.wallet, e.request("60.01"))
	require.NoError(t, err)
	assert.Equal(t, "60.00", res.Attempt.Amount.StringFixed(2))
	assert.Equal(t, "100.00", e.paid(t))
}

func TestPay_RejectedBeforeAnyCall(t *testing.T) {
	tests := []struct {
		name string
		req  func(e *env) settlement.PaymentRequest
		want settlement.Kind
	}{
		{
			name: "over remaining",
			req:  func(e *env) settlement.PaymentRequest { return e.request("60.02") },
			want: settlement.KindAmountExceedsRemaining,
		},
		{
			name: "zero",
			req:  func(e *env) settlement.PaymentRequest { return e.request("0") },
			want: settlement.KindInvalidAmount,
		},
		{
			name: "negative",
			req:  func(e *env) settlement.PaymentRequest { return e.request("-5") },
			want: settlement.KindInvalidAmount,
		},
		{
			name: "missing recipient",
			req: func(e *env) settlement.PaymentRequest {
				r := e.request("10")
				r.Recipient = ""
				return r
			},
			want: settlement.KindInvalidRequest,
		},
		{
			name: "unknown debt",
			req: func(e *env) settlement.PaymentRequest {
				r := e.request("10")
				r.Key = models.DebtKey{Creditor: "alice@example.com", Debtor: "carol@example.com"}
				return r
			},
			want: settlement.KindDebtNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			o := e.orchestrator(nil, nil, testConfig())

			res, err := o.Pay(context.Background(), e.wallet, tt.req(e))
			assert.Nil(t, res)
			assert.Equal(t, tt.want, kindOf(t, err))

			for _, route := range []string{"balance", "latest", "build", "send"} {
				assert.Zero(t, e.srv.CallCount(route), route)
			}
			assert.Zero(t, e.wallet.Calls())
			_, err = e.store.LatestAttempt(context.Background(), key)
			assert.ErrorIs(t, err, storage.ErrAttemptNotFound)
			assert.Equal(t, "40.00", e.paid(t))
		})
	}
}

func TestPay_WalletDisconnected(t *testing.T) {
	e := newEnv(t)
	o := e.orchestrator(nil, nil, testConfig())
	e.wallet.account = ""

	_, err := o.Pay(context.Background(), e.wallet, e.request("10"))
	assert.Equal(t, settlement.KindSignerUnavailable, kindOf(t, err))
	assert.Zero(t, e.srv.CallCount("build"))
}

func TestPay_UserRejected(t *testing.T) {
	e := newEnv(t)
	o := e.orchestrator(nil, nil, testConfig())
	e.wallet.sign = func(context.Context, *models.UnsignedTransfer) (*models.SignedTransfer, error) {
		return nil, signer.ErrUserRejected
	}

	res, err := o.Pay(context.Background(), e.wallet, e.request("60"))
	assert.Equal(t, settlement.KindUserRejected, kindOf(t, err))
	assert.True(t, settlement.KindUserRejected.Retryable())
	assert.Equal(t, models.StateFailed, res.Attempt.State)
	assert.Empty(t, res.Attempt.Signature)
	assert.Zero(t, e.srv.CallCount("send"))
	assert.Equal(t, "40.00", e.paid(t))

	// A rejected attempt does not block the next one.
	e.wallet.sign = nil
	res, err = o.Pay(context.Background(), e.wallet, e.request("60"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Attempt.Counter)
}

func TestPay_InsufficientFunds(t *testing.T) {
	e := newEnv(t)
	o := e.orchestrator(nil, nil, testConfig())
	e.srv.SetBalance(e.wallet.account, 600_000_000)

	res, err := o.Pay(context.Background(), e.wallet, e.request("60"))
	assert.Equal(t, settlement.KindInsufficientFunds, kindOf(t, err))
	assert.Equal(t, models.StateFailed, res.Attempt.State)
	assert.Zero(t, e.wallet.Calls())
	assert.Zero(t, e.srv.CallCount("send"))
}

func TestPay_DebtStoreWriteFails(t *testing.T) {
	e := newEnv(t)
	o := e.orchestrator(failingDebts{e.store}, nil, testConfig())

	res, err := o.Pay(context.Background(), e.wallet, e.request("60"))
	require.NoError(t, err)
	assert.Equal(t, models.StatePartiallySettled, res.Attempt.State)
	assert.Equal(t, string(settlement.KindDebtStoreWriteFailure), res.Attempt.ErrorKind)
	assert.NotEmpty(t, res.Attempt.Signature)
	assert.Nil(t, res.Record)
	assert.Equal(t, "40.00", e.paid(t))

	queued, err := e.store.ListReconciliations(context.Background(), models.ReconciliationPending)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, models.ReconcileDebtWrite, queued[0].Kind)
	assert.Equal(t, res.Attempt.Signature, queued[0].Signature)

	// Draining against the healthy store completes the write exactly once.
	stats, err := e.reconciler().Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, settlement.DrainStats{Done: 1}, stats)
	assert.Equal(t, "100.00", e.paid(t))

	stored, err := e.store.GetAttempt(context.Background(), key, res.Attempt.Counter)
	require.NoError(t, err)
	assert.Equal(t, models.StateSettled, stored.State)

	stats, err = e.reconciler().Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, settlement.DrainStats{}, stats)
	assert.Equal(t, 1, e.srv.CallCount("send"))
}

func TestPay_PendingDebtWriteHoldsRecord(t *testing.T) {
	e := newEnv(t)
	first, err := e.orchestrator(failingDebts{e.store}, nil, testConfig()).Pay(context.Background(), e.wallet, e.request("60"))
	require.NoError(t, err)
	require.Equal(t, models.StatePartiallySettled, first.Attempt.State)

	// The transfer landed but the debt store still shows 40 paid. Paying the
	// same record again must not send a second transfer.
	o := e.orchestrator(nil, nil, testConfig())
	_, err = o.Pay(context.Background(), e.wallet, e.request("60"))
	assert.Equal(t, settlement.KindAttemptInFlight, kindOf(t, err))
	assert.Equal(t, 1, e.srv.CallCount("send"))
	assert.Equal(t, 1, e.wallet.Calls())
	assert.Equal(t, "40.00", e.paid(t))

	stats, err := e.reconciler().Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, settlement.DrainStats{Done: 1}, stats)
	assert.Equal(t, "100.00", e.paid(t))

	// Once the write lands the record is free and already fully paid.
	_, err = o.Pay(context.Background(), e.wallet, e.request("60"))
	assert.Equal(t, settlement.KindAmountExceedsRemaining, kindOf(t, err))
	assert.Equal(t, 1, e.srv.CallCount("send"))
}

func TestPay_RebuildsOnExpiredBlockRef(t *testing.T) {
	e := newEnv(t)
	o := e.orchestrator(nil, nil, testConfig())

	var once sync.Once
	e.wallet.sign = func(_ context.Context, tx *models.UnsignedTransfer) (*models.SignedTransfer, error) {
		// The block reference goes stale while the first signature is pending.
		once.Do(func() { e.srv.RotateBlockhash() })
		return &models.SignedTransfer{Payload: "signed:" + tx.Payload}, nil
	}

	res, err := o.Pay(context.Background(), e.wallet, e.request("60"))
	require.NoError(t, err)
	assert.Equal(t, models.StateSettled, res.Attempt.State)
	assert.Equal(t, 1, res.Rebuilds)
	assert.Equal(t, int64(2), res.Attempt.Counter)
	assert.Equal(t, 2, e.wallet.Calls())
	assert.Equal(t, 2, e.srv.CallCount("build"))
	assert.Equal(t, "100.00", e.paid(t))

	first, err := e.store.GetAttempt(context.Background(), key, 1)
	require.NoError(t, err)
	assert.Equal(t, models.StateFailed, first.State)
	assert.Equal(t, string(settlement.KindRejectedByLedger), first.ErrorKind)
	assert.Empty(t, first.Signature)
}

func TestPay_RebuildLimit(t *testing.T) {
	e := newEnv(t)
	o := e.orchestrator(nil, nil, testConfig())
	e.wallet.sign = func(_ context.Context, tx *models.UnsignedTransfer) (*models.SignedTransfer, error) {
		e.srv.RotateBlockhash()
		return &models.SignedTransfer{Payload: "signed:" + tx.Payload}, nil
	}

	res, err := o.Pay(context.Background(), e.wallet, e.request("60"))
	assert.Equal(t, settlement.KindRejectedByLedger, kindOf(t, err))
	assert.ErrorIs(t, err, ledger.ErrBlockRefExpired)
	assert.Equal(t, 1, res.Rebuilds)
	assert.Equal(t, 2, e.wallet.Calls())
	assert.Equal(t, "40.00", e.paid(t))
}

func TestPay_RejectedByLedger(t *testing.T) {
	e := newEnv(t)
	o := e.orchestrator(nil, nil, testConfig())
	e.srv.OnSend(func(string) (string, string) {
		return "", "Transaction simulation failed: Attempt to debit an account but found no record of a prior credit."
	})

	res, err := o.Pay(context.Background(), e.wallet, e.request("60"))
	assert.Equal(t, settlement.KindRejectedByLedger, kindOf(t, err))
	assert.Equal(t, models.StateFailed, res.Attempt.State)
	assert.Zero(t, res.Rebuilds)
	assert.Equal(t, 1, e.srv.CallCount("send"))
	assert.Equal(t, "40.00", e.paid(t))
}

func TestPay_BroadcastRetriesNetworkErrors(t *testing.T) {
	t.Run("recovers", func(t *testing.T) {
		e := newEnv(t)
		flaky := &flakyLedger{Client: e.client, fails: 2}
		o := e.orchestrator(nil, flaky, testConfig())

		res, err := o.Pay(context.Background(), e.wallet, e.request("60"))
		require.NoError(t, err)
		assert.Equal(t, models.StateSettled, res.Attempt.State)
		assert.Equal(t, 3, flaky.submit)
		assert.Equal(t, 1, e.srv.CallCount("send"))
		assert.Equal(t, 1, e.wallet.Calls())
	})

	t.Run("gives up", func(t *testing.T) {
		e := newEnv(t)
		flaky := &flakyLedger{Client: e.client, fails: 10}
		o := e.orchestrator(nil, flaky, testConfig())

		res, err := o.Pay(context.Background(), e.wallet, e.request("60"))
		assert.Equal(t, settlement.KindNetworkUnavailable, kindOf(t, err))
		assert.Equal(t, models.StateFailed, res.Attempt.State)
		assert.Equal(t, 3, flaky.submit)
		assert.Equal(t, "40.00", e.paid(t))
	})

	t.Run("checks the ledger when the payload names its signature", func(t *testing.T) {
		e := newEnv(t)
		payer := solana.NewWallet()
		e.wallet.account = payer.PublicKey().String()
		e.srv.SetBalance(e.wallet.account, 10_000_000_000)
		e.wallet.sign = func(_ context.Context, tx *models.UnsignedTransfer) (*models.SignedTransfer, error) {
			return signTransfer(t, payer, tx), nil
		}
		flaky := &flakyLedger{Client: e.client, fails: 10}
		o := e.orchestrator(nil, flaky, testConfig())

		res, err := o.Pay(context.Background(), e.wallet, e.request("60"))
		var serr *settlement.Error
		require.ErrorAs(t, err, &serr)
		assert.Equal(t, settlement.KindNetworkUnavailable, serr.Kind)
		assert.Equal(t, models.StateUnknown, serr.State)
		require.NotEmpty(t, serr.Signature)
		assert.Equal(t, serr.Signature, res.Attempt.Signature)
		assert.Equal(t, 3, flaky.submit)

		queued, err := e.store.ListReconciliations(context.Background(), models.ReconciliationPending)
		require.NoError(t, err)
		require.Len(t, queued, 1)
		assert.Equal(t, models.ReconcileConfirmCheck, queued[0].Kind)
		assert.Equal(t, serr.Signature, queued[0].Signature)

		// The last submission did land.
		e.srv.SetStatus(serr.Signature, "confirmed")
		stats, err := e.reconciler().Drain(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Done)
		assert.Equal(t, "100.00", e.paid(t))
	})
}

// signTransfer returns a real signed ledger transaction for tx.
func signTransfer(t *testing.T, key *solana.Wallet, tx *models.UnsignedTransfer) *models.SignedTransfer {
	t.Helper()
	to, err := solana.PublicKeyFromBase58(tx.To)
	require.NoError(t, err)
	hash, err := solana.HashFromBase58(tx.BlockRef)
	require.NoError(t, err)

	stx, err := solana.NewTransaction(
		[]solana.Instruction{system.NewTransferInstruction(tx.Native, key.PublicKey(), to).Build()},
		hash,
		solana.TransactionPayer(key.PublicKey()),
	)
	require.NoError(t, err)
	_, err = stx.Sign(func(pk solana.PublicKey) *solana.PrivateKey {
		if pk.Equals(key.PublicKey()) {
			return &key.PrivateKey
		}
		return nil
	})
	require.NoError(t, err)
	payload, err := stx.ToBase64()
	require.NoError(t, err)
	return &models.SignedTransfer{Payload: payload}
}

func TestPay_ConfirmationFailed(t *testing.T) {
	e := newEnv(t)
	o := e.orchestrator(nil, nil, testConfig())
	e.srv.OnSend(func(string) (string, string) {
		sig := ledgertest.RandomSignature()
		e.srv.SetStatus(sig, "failed")
		return sig, ""
	})

	res, err := o.Pay(context.Background(), e.wallet, e.request("60"))
	assert.Equal(t, settlement.KindRejectedByLedger, kindOf(t, err))
	assert.Equal(t, models.StateFailed, res.Attempt.State)
	assert.NotEmpty(t, res.Attempt.Signature)
	assert.Equal(t, "40.00", e.paid(t))
}

func TestPay_UnknownThenReconciled(t *testing.T) {
	e := newEnv(t)
	o := e.orchestrator(nil, nil, testConfig())

	var sig string
	e.srv.OnSend(func(string) (string, string) {
		sig = ledgertest.RandomSignature()
		e.srv.SetStatus(sig, "pending")
		return sig, ""
	})

	res, err := o.Pay(context.Background(), e.wallet, e.request("60"))
	var serr *settlement.Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, models.StateUnknown, serr.State)
	assert.Equal(t, settlement.KindConfirmationTimeout, serr.Kind)
	assert.Equal(t, sig, serr.Signature)
	assert.Equal(t, models.StateUnknown, res.Attempt.State)
	assert.Equal(t, "40.00", e.paid(t))

	// Unknown blocks a new attempt on the same record.
	_, err = o.Pay(context.Background(), e.wallet, e.request("60"))
	assert.Equal(t, settlement.KindAttemptInFlight, kindOf(t, err))

	r := e.reconciler()
	stats, err := r.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Retried)

	// Make the retry due and let the transfer land.
	queued, err := e.store.ListReconciliations(context.Background(), models.ReconciliationPending)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, 1, queued[0].Tries)
	require.NoError(t, e.store.MarkRetry(context.Background(), queued[0].ID, "", 0))
	e.srv.SetStatus(sig, "confirmed")

	stats, err = r.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Done)
	assert.Equal(t, "100.00", e.paid(t))

	stored, err := e.store.GetAttempt(context.Background(), key, 1)
	require.NoError(t, err)
	assert.Equal(t, models.StateSettled, stored.State)
	assert.Equal(t, 1, e.srv.CallCount("send"))
}

func TestPay_UnknownThenFailed(t *testing.T) {
	e := newEnv(t)
	o := e.orchestrator(nil, nil, testConfig())

	var sig string
	e.srv.OnSend(func(string) (string, string) {
		sig = ledgertest.RandomSignature()
		e.srv.SetStatus(sig, "pending")
		return sig, ""
	})
	_, err := o.Pay(context.Background(), e.wallet, e.request("60"))
	require.Error(t, err)

	e.srv.SetStatus(sig, "failed")
	stats, err := e.reconciler().Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Done)
	assert.Equal(t, "40.00", e.paid(t))

	stored, err := e.store.GetAttempt(context.Background(), key, 1)
	require.NoError(t, err)
	assert.Equal(t, models.StateFailed, stored.State)
	assert.Equal(t, string(settlement.KindRejectedByLedger), stored.ErrorKind)

	// The record is free again.
	e.srv.OnSend(func(string) (string, string) { return ledgertest.RandomSignature(), "" })
	res, err := o.Pay(context.Background(), e.wallet, e.request("60"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Attempt.Counter)
}

func TestPay_StatusUnreachable(t *testing.T) {
	e := newEnv(t)
	o := e.orchestrator(nil, nil, testConfig())
	e.srv.SetDown("status", true)

	res, err := o.Pay(context.Background(), e.wallet, e.request("60"))
	var serr *settlement.Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, models.StateUnknown, serr.State)
	assert.Equal(t, settlement.KindNetworkUnavailable, serr.Kind)
	assert.NotEmpty(t, res.Attempt.Signature)

	n, err := e.store.CountPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestPay_SignerTimeout(t *testing.T) {
	e := newEnv(t)
	cfg := testConfig()
	cfg.SignatureTimeout = 30 * time.Millisecond
	o := e.orchestrator(nil, nil, cfg)
	e.wallet.sign = blockingSign(nil)

	res, err := o.Pay(context.Background(), e.wallet, e.request("60"))
	assert.Equal(t, settlement.KindSignerTimeout, kindOf(t, err))
	assert.ErrorIs(t, err, signer.ErrTimeout)
	assert.Equal(t, models.StateFailed, res.Attempt.State)
	assert.Zero(t, e.srv.CallCount("send"))
}

func TestPay_StillWaiting(t *testing.T) {
	e := newEnv(t)
	cfg := testConfig()
	cfg.StillWaitingAfter = 10 * time.Millisecond
	o := e.orchestrator(nil, nil, cfg)

	release := make(chan struct{})
	e.wallet.sign = blockingSign(release)

	done := make(chan error, 1)
	go func() {
		_, err := o.Pay(context.Background(), e.wallet, e.request("60"))
		done <- err
	}()

	require.Eventually(t, func() bool {
		snap, ok := o.Snapshot(key)
		return ok && snap.StillWaiting && snap.Attempt.State == models.StateAwaitingSignature
	}, 2*time.Second, 2*time.Millisecond)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, "100.00", e.paid(t))

	_, ok := o.Snapshot(key)
	assert.False(t, ok)
}

func TestCancel(t *testing.T) {
	t.Run("awaiting signature", func(t *testing.T) {
		e := newEnv(t)
		o := e.orchestrator(nil, nil, testConfig())
		e.wallet.sign = blockingSign(nil)

		done := make(chan error, 1)
		go func() {
			_, err := o.Pay(context.Background(), e.wallet, e.request("60"))
			done <- err
		}()

		waitState(t, o, models.StateAwaitingSignature)

		// A second payment on the same record is refused while one runs.
		_, err := o.Pay(context.Background(), e.wallet, e.request("10"))
		assert.Equal(t, settlement.KindAttemptInFlight, kindOf(t, err))

		require.NoError(t, o.Cancel(key))
		err = <-done
		assert.Equal(t, settlement.KindCancelled, kindOf(t, err))
		assert.Zero(t, e.srv.CallCount("send"))

		stored, err := e.store.GetAttempt(context.Background(), key, 1)
		require.NoError(t, err)
		assert.Equal(t, models.StateFailed, stored.State)
		assert.Equal(t, string(settlement.KindCancelled), stored.ErrorKind)
	})

	t.Run("signature arrives after cancel", func(t *testing.T) {
		e := newEnv(t)
		o := e.orchestrator(nil, nil, testConfig())

		cancelled := make(chan struct{})
		e.wallet.sign = func(_ context.Context, tx *models.UnsignedTransfer) (*models.SignedTransfer, error) {
			// The wallet ignores cancellation and signs anyway.
			<-cancelled
			return &models.SignedTransfer{Payload: "signed:" + tx.Payload}, nil
		}

		done := make(chan error, 1)
		go func() {
			_, err := o.Pay(context.Background(), e.wallet, e.request("60"))
			done <- err
		}()

		waitState(t, o, models.StateAwaitingSignature)
		require.NoError(t, o.Cancel(key))
		close(cancelled)

		assert.Equal(t, settlement.KindCancelled, kindOf(t, <-done))
		assert.Zero(t, e.srv.CallCount("send"))
	})

	t.Run("after broadcast", func(t *testing.T) {
		e := newEnv(t)
		cfg := testConfig()
		cfg.ConfirmTimeout = 300 * time.Millisecond
		o := e.orchestrator(nil, nil, cfg)
		e.srv.OnSend(func(string) (string, string) {
			sig := ledgertest.RandomSignature()
			e.srv.SetStatus(sig, "pending")
			return sig, ""
		})

		done := make(chan error, 1)
		go func() {
			_, err := o.Pay(context.Background(), e.wallet, e.request("60"))
			done <- err
		}()

		waitState(t, o, models.StateConfirming)
		assert.ErrorIs(t, o.Cancel(key), settlement.ErrNotCancellable)

		err := <-done
		var serr *settlement.Error
		require.ErrorAs(t, err, &serr)
		assert.Equal(t, models.StateUnknown, serr.State)
	})

	t.Run("nothing running", func(t *testing.T) {
		e := newEnv(t)
		o := e.orchestrator(nil, nil, testConfig())
		assert.ErrorIs(t, o.Cancel(key), settlement.ErrNoActiveAttempt)
	})
}

func TestPay_CallerContextDoesNotAbortBroadcast(t *testing.T) {
	e := newEnv(t)
	o := e.orchestrator(nil, nil, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	e.srv.OnSend(func(string) (string, string) {
		// The caller goes away while the transfer is on the wire.
		cancel()
		return ledgertest.RandomSignature(), ""
	})

	res, err := o.Pay(ctx, e.wallet, e.request("60"))
	require.NoError(t, err)
	assert.Equal(t, models.StateSettled, res.Attempt.State)
	assert.Equal(t, "100.00", e.paid(t))
}

func TestRecover(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	o := e.orchestrator(nil, nil, testConfig())

	seed := func(k models.DebtKey, state models.AttemptState, sig string) {
		t.Helper()
		require.NoError(t, e.store.AddCharges(ctx, []models.Charge{{Key: k, Amount: decimal.NewFromInt(10)}}))
		a := &models.Attempt{Key: k, Amount: decimal.NewFromInt(10), From: e.wallet.account, To: e.to}
		require.NoError(t, e.store.Begin(ctx, a))
		a.State = state
		a.Signature = sig
		require.NoError(t, e.store.Update(ctx, a, models.StateBuilding))
	}

	building := models.DebtKey{Creditor: "alice@example.com", Debtor: "dan@example.com"}
	confirming := models.DebtKey{Creditor: "alice@example.com", Debtor: "erin@example.com"}
	reconciling := models.DebtKey{Creditor: "alice@example.com", Debtor: "frank@example.com"}

	confirmSig, reconcileSig := ledgertest.RandomSignature(), ledgertest.RandomSignature()
	e.srv.SetStatus(confirmSig, "confirmed")
	e.srv.SetStatus(reconcileSig, "confirmed")

	seed(building, models.StateAwaitingSignature, "")
	seed(confirming, models.StateConfirming, confirmSig)
	seed(reconciling, models.StateReconciling, reconcileSig)

	n, err := o.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	states := map[models.DebtKey]models.AttemptState{
		building:    models.StateFailed,
		confirming:  models.StateUnknown,
		reconciling: models.StatePartiallySettled,
	}
	for k, want := range states {
		a, err := e.store.GetAttempt(ctx, k, 1)
		require.NoError(t, err)
		assert.Equal(t, want, a.State, k.String())
	}

	open, err := e.store.ListOpenAttempts(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)

	stats, err := e.reconciler().Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Done)

	for _, k := range []models.DebtKey{confirming, reconciling} {
		a, err := e.store.GetAttempt(ctx, k, 1)
		require.NoError(t, err)
		assert.Equal(t, models.StateSettled, a.State, k.String())

		rec, err := e.store.GetDebt(ctx, k)
		require.NoError(t, err)
		assert.Equal(t, "10.00", rec.PaidToDate.StringFixed(2), k.String())
	}
	assert.Zero(t, e.srv.CallCount("send"))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want settlement.Kind
	}{
		{nil, settlement.KindNone},
		{signer.ErrUserRejected, settlement.KindUserRejected},
		{signer.ErrNotConnected, settlement.KindSignerUnavailable},
		{transfer.ErrInsufficientFunds, settlement.KindInsufficientFunds},
		{ledger.ErrNetworkUnavailable, settlement.KindNetworkUnavailable},
		{ledger.ErrConfirmationTimeout, settlement.KindConfirmationTimeout},
		{settlement.ErrDebtStoreWrite, settlement.KindDebtStoreWriteFailure},
		{storage.ErrAttemptInFlight, settlement.KindAttemptInFlight},
		{context.DeadlineExceeded, settlement.KindNetworkUnavailable},
		{errors.New("boom"), settlement.KindInternal},
	}
	for _, tt := range tests {
		name := "nil"
		if tt.err != nil {
			name = strings.ReplaceAll(tt.err.Error(), " ", "_")
		}
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tt.want, settlement.Classify(tt.err))
		})
	}
}
