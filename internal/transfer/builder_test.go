package transfer

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmynk/splitpay/internal/ledger"
	"github.com/mmynk/splitpay/internal/models"
	"github.com/mmynk/splitpay/internal/money"
	"github.com/mmynk/splitpay/internal/pricing"
)

type fakeLedger struct {
	balance    uint64
	balanceErr error
	refErr     error
	calls      []string
}

func (f *fakeLedger) GetBalance(_ context.Context, _ string) (uint64, error) {
	f.calls = append(f.calls, "balance")
	return f.balance, f.balanceErr
}

func (f *fakeLedger) GetRecentBlockReference(_ context.Context) (ledger.BlockRef, error) {
	f.calls = append(f.calls, "ref")
	return ledger.BlockRef{Hash: "ref-1", ExpiryHeight: 42}, f.refErr
}

func (f *fakeLedger) BuildTransfer(_ context.Context, from, to string, native uint64, ref ledger.BlockRef) (*models.UnsignedTransfer, error) {
	f.calls = append(f.calls, "build")
	return &models.UnsignedTransfer{
		From: from, To: to, Native: native,
		Payload: "payload", BlockRef: ref.Hash, ExpiryHeight: ref.ExpiryHeight,
	}, nil
}

func newTestBuilder(t *testing.T, l Ledger, feeReserve uint64) *Builder {
	t.Helper()
	rates, err := pricing.NewFixedRate("0.01")
	require.NoError(t, err)
	return NewBuilder(l, rates, feeReserve, nil)
}

func TestBuild(t *testing.T) {
	l := &fakeLedger{balance: 1_000_000_000}
	b := newTestBuilder(t, l, 5000)

	tx, err := b.Build(context.Background(), "alice", "bob", decimal.RequireFromString("60"))
	require.NoError(t, err)

	// 60 * 0.01 SOL = 0.6 SOL
	assert.Equal(t, uint64(600_000_000), tx.Native)
	assert.Equal(t, "ref-1", tx.BlockRef)
	assert.Equal(t, uint64(42), tx.ExpiryHeight)
	assert.True(t, tx.Amount.Equal(decimal.RequireFromString("60")))
	assert.Equal(t, []string{"balance", "ref", "build"}, l.calls, "block reference is fetched after the balance check")
}

func TestBuild_SelfTransferAllowed(t *testing.T) {
	l := &fakeLedger{balance: 1_000_000_000}
	b := newTestBuilder(t, l, 0)

	tx, err := b.Build(context.Background(), "alice", "alice", decimal.RequireFromString("1"))
	require.NoError(t, err)
	assert.Equal(t, tx.From, tx.To)
}

func TestBuild_Errors(t *testing.T) {
	tests := []struct {
		name      string
		ledger    *fakeLedger
		amount    string
		wantErr   error
		wantCalls []string
	}{
		{
			name:    "zero amount",
			ledger:  &fakeLedger{balance: 1_000_000_000},
			amount:  "0",
			wantErr: money.ErrNonPositive,
		},
		{
			name:      "insufficient funds",
			ledger:    &fakeLedger{balance: 599_999_999},
			amount:    "60",
			wantErr:   ErrInsufficientFunds,
			wantCalls: []string{"balance"},
		},
		{
			name:      "fee reserve not covered",
			ledger:    &fakeLedger{balance: 600_000_000},
			amount:    "60",
			wantErr:   ErrInsufficientFunds,
			wantCalls: []string{"balance"},
		},
		{
			name:      "balance unavailable",
			ledger:    &fakeLedger{balanceErr: ledger.ErrNetworkUnavailable},
			amount:    "1",
			wantErr:   ledger.ErrNetworkUnavailable,
			wantCalls: []string{"balance"},
		},
		{
			name:      "block reference unavailable",
			ledger:    &fakeLedger{balance: 1_000_000_000, refErr: ledger.ErrNetworkUnavailable},
			amount:    "1",
			wantErr:   ledger.ErrNetworkUnavailable,
			wantCalls: []string{"balance", "ref"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newTestBuilder(t, tt.ledger, 5000)
			_, err := b.Build(context.Background(), "alice", "bob", decimal.RequireFromString(tt.amount))
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Build() error = %v, want %v", err, tt.wantErr)
			}
			assert.Equal(t, tt.wantCalls, tt.ledger.calls)
		})
	}
}

func TestBuild_BalanceReadEachTime(t *testing.T) {
	l := &fakeLedger{balance: 1_000_000_000}
	b := newTestBuilder(t, l, 0)

	_, err := b.Build(context.Background(), "alice", "bob", decimal.RequireFromString("1"))
	require.NoError(t, err)

	l.balance = 0
	_, err = b.Build(context.Background(), "alice", "bob", decimal.RequireFromString("1"))
	assert.ErrorIs(t, err, ErrInsufficientFunds)
}
