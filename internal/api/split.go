package api

import (
	"context"
	"net/http"

	"connectrpc.com/connect"
)

const (
	SplitServiceName = "splitpay.v1.SplitService"

	SplitServiceConfirmSplitProcedure = "/splitpay.v1.SplitService/ConfirmSplit"
	SplitServiceGetDebtProcedure      = "/splitpay.v1.SplitService/GetDebt"
)

// SplitServiceHandler is implemented by the split service.
type SplitServiceHandler interface {
	ConfirmSplit(context.Context, *connect.Request[ConfirmSplitRequest]) (*connect.Response[ConfirmSplitResponse], error)
	GetDebt(context.Context, *connect.Request[GetDebtRequest]) (*connect.Response[GetDebtResponse], error)
}

// NewSplitServiceHandler builds an HTTP handler for svc. It returns the path
// to mount it on.
func NewSplitServiceHandler(svc SplitServiceHandler, opts ...connect.HandlerOption) (string, http.Handler) {
	opts = append([]connect.HandlerOption{WithJSON()}, opts...)

	mux := http.NewServeMux()
	mux.Handle(SplitServiceConfirmSplitProcedure,
		connect.NewUnaryHandler(SplitServiceConfirmSplitProcedure, svc.ConfirmSplit, opts...))
	mux.Handle(SplitServiceGetDebtProcedure,
		connect.NewUnaryHandler(SplitServiceGetDebtProcedure, svc.GetDebt, opts...))
	return "/" + SplitServiceName + "/", mux
}

// SplitServiceClient calls the split service.
type SplitServiceClient struct {
	confirmSplit *connect.Client[ConfirmSplitRequest, ConfirmSplitResponse]
	getDebt      *connect.Client[GetDebtRequest, GetDebtResponse]
}

// NewSplitServiceClient creates a client for the service at baseURL.
func NewSplitServiceClient(httpClient connect.HTTPClient, baseURL string, opts ...connect.ClientOption) *SplitServiceClient {
	opts = append([]connect.ClientOption{WithJSON()}, opts...)
	return &SplitServiceClient{
		confirmSplit: connect.NewClient[ConfirmSplitRequest, ConfirmSplitResponse](httpClient, baseURL+SplitServiceConfirmSplitProcedure, opts...),
		getDebt:      connect.NewClient[GetDebtRequest, GetDebtResponse](httpClient, baseURL+SplitServiceGetDebtProcedure, opts...),
	}
}

func (c *SplitServiceClient) ConfirmSplit(ctx context.Context, req *connect.Request[ConfirmSplitRequest]) (*connect.Response[ConfirmSplitResponse], error) {
	return c.confirmSplit.CallUnary(ctx, req)
}

func (c *SplitServiceClient) GetDebt(ctx context.Context, req *connect.Request[GetDebtRequest]) (*connect.Response[GetDebtResponse], error) {
	return c.getDebt.CallUnary(ctx, req)
}
