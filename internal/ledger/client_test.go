package ledger_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmynk/splitpay/internal/ledger"
	"github.com/mmynk/splitpay/internal/ledger/ledgertest"
	"github.com/mmynk/splitpay/internal/models"
)

func newClient(t *testing.T, url string) *ledger.Client {
	t.Helper()
	c, err := ledger.New(url, ledger.WithPollInterval(10*time.Millisecond))
	require.NoError(t, err)
	return c
}

func TestNew_InvalidURL(t *testing.T) {
	for _, raw := range []string{"", "localhost:3001", "://"} {
		_, err := ledger.New(raw)
		assert.Error(t, err, raw)
	}
}

func TestGetBalance(t *testing.T) {
	srv := ledgertest.NewServer()
	defer srv.Close()
	c := newClient(t, srv.URL)

	account := ledgertest.RandomAccount()
	srv.SetBalance(account, 2_500_000_000)

	got, err := c.GetBalance(context.Background(), account)
	require.NoError(t, err)
	assert.Equal(t, uint64(2_500_000_000), got)

	_, err = c.GetBalance(context.Background(), "not-an-account")
	assert.Error(t, err)
	assert.Equal(t, 1, srv.CallCount("balance"))
}

func TestGetRecentBlockReference(t *testing.T) {
	srv := ledgertest.NewServer()
	defer srv.Close()
	c := newClient(t, srv.URL)

	ref, err := c.GetRecentBlockReference(context.Background())
	require.NoError(t, err)
	assert.Equal(t, srv.Blockhash(), ref.Hash)
	assert.Equal(t, uint64(1000), ref.ExpiryHeight)
}

func TestBuildTransfer(t *testing.T) {
	srv := ledgertest.NewServer()
	defer srv.Close()
	c := newClient(t, srv.URL)

	from, to := ledgertest.RandomAccount(), ledgertest.RandomAccount()
	ref := ledger.BlockRef{Hash: srv.Blockhash(), ExpiryHeight: 1000}

	tx, err := c.BuildTransfer(context.Background(), from, to, 1_000_000, ref)
	require.NoError(t, err)
	assert.Equal(t, from, tx.From)
	assert.Equal(t, to, tx.To)
	assert.Equal(t, uint64(1_000_000), tx.Native)
	assert.Equal(t, ref.Hash, tx.BlockRef)
	assert.Equal(t, ledgertest.Payload(from, to, ref.Hash), tx.Payload)

	_, err = c.BuildTransfer(context.Background(), from, "bogus", 1, ref)
	assert.Error(t, err)
	assert.Equal(t, 1, srv.CallCount("build"))
}

func TestSubmitSigned(t *testing.T) {
	tests := []struct {
		name    string
		errMsg  string
		wantErr error
		expired bool
	}{
		{name: "accepted"},
		{name: "rejected", errMsg: "Transaction simulation failed: insufficient funds for fee", wantErr: ledger.ErrRejected},
		{name: "expired", errMsg: "Blockhash not found", wantErr: ledger.ErrRejected, expired: true},
		{name: "block height exceeded", errMsg: "block height exceeded", wantErr: ledger.ErrRejected, expired: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := ledgertest.NewServer()
			defer srv.Close()
			c := newClient(t, srv.URL)

			want := ledgertest.RandomSignature()
			srv.OnSend(func(string) (string, string) {
				if tt.errMsg != "" {
					return "", tt.errMsg
				}
				return want, ""
			})

			sig, err := c.SubmitSigned(context.Background(), &models.SignedTransfer{Payload: "c2lnbmVk"})
			if tt.wantErr == nil {
				require.NoError(t, err)
				assert.Equal(t, want, sig)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, tt.expired, errors.Is(err, ledger.ErrBlockRefExpired))
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestSubmitSigned_EmptyPayload(t *testing.T) {
	srv := ledgertest.NewServer()
	defer srv.Close()
	c := newClient(t, srv.URL)

	_, err := c.SubmitSigned(context.Background(), &models.SignedTransfer{})
	assert.ErrorIs(t, err, ledger.ErrRejected)
	assert.Equal(t, 0, srv.CallCount("send"))
}

func TestSubmitSigned_ServiceDown(t *testing.T) {
	srv := ledgertest.NewServer()
	defer srv.Close()
	c := newClient(t, srv.URL)
	srv.SetDown("send", true)

	_, err := c.SubmitSigned(context.Background(), &models.SignedTransfer{Payload: "x"})
	assert.ErrorIs(t, err, ledger.ErrNetworkUnavailable)
	assert.NotErrorIs(t, err, ledger.ErrRejected)
}

func TestSignatureOf(t *testing.T) {
	payer := solana.NewWallet()
	tx, err := solana.NewTransaction(
		[]solana.Instruction{system.NewTransferInstruction(1000, payer.PublicKey(), solana.NewWallet().PublicKey()).Build()},
		solana.MustHashFromBase58(ledgertest.RandomHash()),
		solana.TransactionPayer(payer.PublicKey()),
	)
	require.NoError(t, err)

	unsigned, err := tx.ToBase64()
	require.NoError(t, err)
	_, ok := ledger.SignatureOf(unsigned)
	assert.False(t, ok, "unsigned transaction")

	sigs, err := tx.Sign(func(pk solana.PublicKey) *solana.PrivateKey {
		if pk.Equals(payer.PublicKey()) {
			return &payer.PrivateKey
		}
		return nil
	})
	require.NoError(t, err)
	signed, err := tx.ToBase64()
	require.NoError(t, err)

	got, ok := ledger.SignatureOf(signed)
	require.True(t, ok)
	assert.Equal(t, sigs[0].String(), got)

	_, ok = ledger.SignatureOf("signed:not-a-transaction")
	assert.False(t, ok)
}

func TestStatus(t *testing.T) {
	tests := []struct {
		set  string
		want ledger.Status
	}{
		{set: "confirmed", want: ledger.StatusConfirmed},
		{set: "finalized", want: ledger.StatusConfirmed},
		{set: "failed", want: ledger.StatusFailed},
		{set: "processed", want: ledger.StatusPending},
		{set: "", want: ledger.StatusPending},
	}

	srv := ledgertest.NewServer()
	defer srv.Close()
	c := newClient(t, srv.URL)

	for _, tt := range tests {
		sig := ledgertest.RandomSignature()
		if tt.set != "" {
			srv.SetStatus(sig, tt.set)
		}
		got, err := c.Status(context.Background(), sig)
		require.NoError(t, err, tt.set)
		assert.Equal(t, tt.want, got, tt.set)
	}
}

func TestConfirm(t *testing.T) {
	t.Run("confirmed after pending", func(t *testing.T) {
		srv := ledgertest.NewServer()
		defer srv.Close()
		c := newClient(t, srv.URL)

		sig := ledgertest.RandomSignature()
		srv.SetStatus(sig, "pending")
		go func() {
			time.Sleep(50 * time.Millisecond)
			srv.SetStatus(sig, "confirmed")
		}()

		status, err := c.Confirm(context.Background(), sig, 2*time.Second)
		require.NoError(t, err)
		assert.Equal(t, ledger.StatusConfirmed, status)
	})

	t.Run("failed", func(t *testing.T) {
		srv := ledgertest.NewServer()
		defer srv.Close()
		c := newClient(t, srv.URL)

		sig := ledgertest.RandomSignature()
		srv.SetStatus(sig, "failed")

		status, err := c.Confirm(context.Background(), sig, time.Second)
		require.NoError(t, err)
		assert.Equal(t, ledger.StatusFailed, status)
	})

	t.Run("timeout while pending", func(t *testing.T) {
		srv := ledgertest.NewServer()
		defer srv.Close()
		c := newClient(t, srv.URL)

		sig := ledgertest.RandomSignature()
		srv.SetStatus(sig, "pending")

		start := time.Now()
		status, err := c.Confirm(context.Background(), sig, 150*time.Millisecond)
		assert.ErrorIs(t, err, ledger.ErrConfirmationTimeout)
		assert.Equal(t, ledger.StatusPending, status)
		assert.Less(t, time.Since(start), time.Second)
	})

	t.Run("unknown when status is unreachable", func(t *testing.T) {
		srv := ledgertest.NewServer()
		defer srv.Close()
		c := newClient(t, srv.URL)
		srv.SetDown("status", true)

		status, err := c.Confirm(context.Background(), ledgertest.RandomSignature(), 100*time.Millisecond)
		assert.ErrorIs(t, err, ledger.ErrNetworkUnavailable)
		assert.Equal(t, ledger.StatusUnknown, status)
		assert.Greater(t, srv.CallCount("status"), 1)
	})
}

func TestRequestTestFunds(t *testing.T) {
	srv := ledgertest.NewServer()
	defer srv.Close()
	c := newClient(t, srv.URL)

	account := ledgertest.RandomAccount()
	sig, err := c.RequestTestFunds(context.Background(), account, 1_000_000_000)
	require.NoError(t, err)
	assert.Equal(t, "confirmed", srv.Status(sig))

	balance, err := c.GetBalance(context.Background(), account)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_000_000_000), balance)
}

func TestHealth(t *testing.T) {
	srv := ledgertest.NewServer()
	defer srv.Close()
	c := newClient(t, srv.URL)

	h, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "healthy", h.Status)
	assert.Equal(t, "devnet", h.Network)
	assert.Equal(t, 3001, h.Port)
}

func TestEnvelope(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr error
	}{
		{name: "missing success", status: http.StatusOK, body: `{"lamports": 5}`, wantErr: ledger.ErrInvalidResponse},
		{name: "not json", status: http.StatusOK, body: `<html>`, wantErr: ledger.ErrInvalidResponse},
		{name: "refused", status: http.StatusBadRequest, body: `{"success": false, "error": "bad account"}`, wantErr: ledger.ErrRequestFailed},
		{name: "server error", status: http.StatusBadGateway, body: `oops`, wantErr: ledger.ErrNetworkUnavailable},
		{name: "rate limited", status: http.StatusTooManyRequests, body: `{}`, wantErr: ledger.ErrNetworkUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()
			c := newClient(t, srv.URL)

			_, err := c.GetBalance(context.Background(), ledgertest.RandomAccount())
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := newClient(t, url)
	_, err := c.GetRecentBlockReference(context.Background())
	assert.ErrorIs(t, err, ledger.ErrNetworkUnavailable)
}
