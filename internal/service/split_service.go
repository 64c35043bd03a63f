package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"connectrpc.com/connect"
	"github.com/shopspring/decimal"

	"github.com/mmynk/splitpay/internal/api"
	"github.com/mmynk/splitpay/internal/calculator"
	"github.com/mmynk/splitpay/internal/middleware"
	"github.com/mmynk/splitpay/internal/models"
	"github.com/mmynk/splitpay/internal/money"
	"github.com/mmynk/splitpay/internal/storage"
)

// SplitService implements the Connect SplitService
type SplitService struct {
	debts storage.DebtStore
}

var _ api.SplitServiceHandler = (*SplitService)(nil)

// NewSplitService creates a new SplitService over the debt store.
func NewSplitService(debts storage.DebtStore) *SplitService {
	return &SplitService{debts: debts}
}

// callerOr returns the authenticated caller, falling back to the value in the
// request when auth is disabled. A request naming someone else is refused.
func callerOr(ctx context.Context, requested, field string) (string, error) {
	caller := middleware.GetEmail(ctx)
	switch {
	case caller == "" && requested == "":
		return "", connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("%s is required", field))
	case caller == "":
		return requested, nil
	case requested != "" && requested != caller:
		return "", connect.NewError(connect.CodePermissionDenied, fmt.Errorf("%s must be the authenticated caller", field))
	}
	return caller, nil
}

// ConfirmSplit allocates the selected items among participants and adds a
// charge owed to the payer for each of them.
func (s *SplitService) ConfirmSplit(ctx context.Context, req *connect.Request[api.ConfirmSplitRequest]) (*connect.Response[api.ConfirmSplitResponse], error) {
	payer, err := callerOr(ctx, req.Msg.Payer, "payer")
	if err != nil {
		return nil, err
	}

	items := make([]calculator.SelectedItem, len(req.Msg.Items))
	for i, item := range req.Msg.Items {
		amount, err := money.Parse(item.Amount)
		if err != nil {
			return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("item %d (%s): %w", i+1, item.Description, err))
		}
		slog.Debug("Processing item",
			"index", i+1,
			"description", item.Description,
			"amount", money.Format(amount),
		)
		items[i] = calculator.SelectedItem{Description: item.Description, Amount: amount}
	}

	alloc, err := calculator.Allocate(calculator.SplitRequest{
		Items:         items,
		Mode:          calculator.SplitMode(req.Msg.Mode),
		CustomAmount:  req.Msg.CustomAmount,
		Payer:         payer,
		Participants:  req.Msg.Participants,
		PayerIncluded: req.Msg.PayerIncluded,
	})
	if err != nil {
		slog.Error("Allocate failed", "error", err)
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}

	charges := make([]models.Charge, 0, len(alloc.Shares))
	results := make([]*api.ChargeResult, 0, len(alloc.Shares))
	charged := make([]*api.ChargeResult, 0, len(alloc.Shares))
	added := make(map[string]bool, len(alloc.Shares))
	for _, p := range req.Msg.Participants {
		share, ok := alloc.Shares[p]
		if !ok || added[p] {
			continue
		}
		added[p] = true
		r := &api.ChargeResult{Participant: p, Amount: money.Format(share), Status: "skipped"}
		results = append(results, r)
		// Nothing is owed on a zero share.
		if !share.IsPositive() {
			continue
		}
		charges = append(charges, models.Charge{
			Key:         models.DebtKey{Creditor: payer, Debtor: p},
			Amount:      share,
			Description: req.Msg.Description,
		})
		charged = append(charged, r)
	}

	if len(charges) > 0 {
		if err := s.debts.AddCharges(ctx, charges); err != nil {
			slog.Error("AddCharges failed", "payer", payer, "error", err)
			return nil, connectError(err)
		}
		for _, r := range charged {
			r.Status = "success"
		}
	}

	slog.Info("Split confirmed",
		"payer", payer,
		"mode", req.Msg.Mode,
		"split_amount", money.Format(alloc.SplitAmount),
		"share", money.Format(alloc.SharePerParticipant),
		"participants", alloc.TotalParticipants,
	)

	return connect.NewResponse(&api.ConfirmSplitResponse{
		ItemsTotal:          money.Format(alloc.ItemsTotal),
		SplitAmount:         money.Format(alloc.SplitAmount),
		TotalParticipants:   alloc.TotalParticipants,
		SharePerParticipant: money.Format(alloc.SharePerParticipant),
		PayerShare:          money.Format(alloc.PayerShare),
		Results:             results,
	}), nil
}

// GetDebt returns what the debtor owes the creditor.
func (s *SplitService) GetDebt(ctx context.Context, req *connect.Request[api.GetDebtRequest]) (*connect.Response[api.GetDebtResponse], error) {
	debtor, err := callerOr(ctx, req.Msg.Debtor, "debtor")
	if err != nil {
		return nil, err
	}
	if req.Msg.Creditor == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("creditor is required"))
	}

	rec, err := s.debts.GetDebt(ctx, models.DebtKey{Creditor: req.Msg.Creditor, Debtor: debtor})
	if err != nil {
		return nil, connectError(err)
	}
	return connect.NewResponse(debtResponse(rec)), nil
}

func debtResponse(rec *models.DebtRecord) *api.GetDebtResponse {
	return &api.GetDebtResponse{
		Creditor:   rec.Key.Creditor,
		Debtor:     rec.Key.Debtor,
		TotalOwed:  money.Format(rec.TotalOwed),
		PaidToDate: money.Format(rec.PaidToDate),
		Remaining:  money.Format(decimal.Max(rec.Remaining(), decimal.Zero)),
		UpdatedAt:  rec.UpdatedAt,
	}
}
