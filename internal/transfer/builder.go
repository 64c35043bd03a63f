// Package transfer assembles unsigned ledger transfers from currency amounts.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/mmynk/splitpay/internal/ledger"
	"github.com/mmynk/splitpay/internal/models"
	"github.com/mmynk/splitpay/internal/money"
	"github.com/mmynk/splitpay/internal/pricing"
)

// ErrInsufficientFunds means the sender cannot cover the transfer and fee.
var ErrInsufficientFunds = errors.New("insufficient funds")

// Ledger is the part of the ledger client the builder needs.
type Ledger interface {
	GetBalance(ctx context.Context, account string) (uint64, error)
	GetRecentBlockReference(ctx context.Context) (ledger.BlockRef, error)
	BuildTransfer(ctx context.Context, from, to string, native uint64, ref ledger.BlockRef) (*models.UnsignedTransfer, error)
}

// Builder turns (from, to, amount) into an unsigned transfer.
type Builder struct {
	ledger     Ledger
	rates      pricing.RateProvider
	feeReserve uint64
	logger     *slog.Logger
}

// NewBuilder creates a Builder. feeReserve lamports are kept aside on top of
// the transfer amount when checking the balance.
func NewBuilder(l Ledger, rates pricing.RateProvider, feeReserve uint64, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{
		ledger:     l,
		rates:      rates,
		feeReserve: feeReserve,
		logger:     logger.With("component", "transfer"),
	}
}

// Build converts amount to lamports, checks a freshly read balance and
// assembles the payload against a block reference fetched last.
// Self-transfers are not rejected.
func (b *Builder) Build(ctx context.Context, from, to string, amount decimal.Decimal) (*models.UnsignedTransfer, error) {
	if !amount.IsPositive() {
		return nil, money.ErrNonPositive
	}

	rate, err := b.rates.Rate(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get conversion rate: %w", err)
	}
	native, err := money.ToNative(amount, rate)
	if err != nil {
		return nil, fmt.Errorf("failed to convert %s: %w", money.Format(amount), err)
	}

	balance, err := b.ledger.GetBalance(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}
	if native > balance || b.feeReserve > balance-native {
		return nil, fmt.Errorf("%w: need %d lamports plus %d fee reserve, have %d",
			ErrInsufficientFunds, native, b.feeReserve, balance)
	}

	ref, err := b.ledger.GetRecentBlockReference(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get block reference: %w", err)
	}

	tx, err := b.ledger.BuildTransfer(ctx, from, to, native, ref)
	if err != nil {
		return nil, fmt.Errorf("failed to build transfer: %w", err)
	}
	tx.Amount = amount
	tx.Rate = rate

	b.logger.Debug("Built transfer",
		"from", from,
		"to", to,
		"amount", money.Format(amount),
		"native", native,
		"block_ref", tx.BlockRef,
	)
	return tx, nil
}
