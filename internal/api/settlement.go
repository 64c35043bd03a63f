// Package api defines the Connect procedures of the settlement engine and
// the JSON messages they exchange.
package api

import (
	"context"
	"net/http"

	"connectrpc.com/connect"
)

const (
	SettlementServiceName = "splitpay.v1.SettlementService"

	SettlementServiceConnectWalletProcedure       = "/splitpay.v1.SettlementService/ConnectWallet"
	SettlementServiceDisconnectWalletProcedure    = "/splitpay.v1.SettlementService/DisconnectWallet"
	SettlementServiceReportWalletEventProcedure   = "/splitpay.v1.SettlementService/ReportWalletEvent"
	SettlementServiceStartPaymentProcedure        = "/splitpay.v1.SettlementService/StartPayment"
	SettlementServiceGetAttemptProcedure          = "/splitpay.v1.SettlementService/GetAttempt"
	SettlementServiceCancelAttemptProcedure       = "/splitpay.v1.SettlementService/CancelAttempt"
	SettlementServiceSubmitSignatureProcedure     = "/splitpay.v1.SettlementService/SubmitSignature"
	SettlementServiceRejectSignatureProcedure     = "/splitpay.v1.SettlementService/RejectSignature"
	SettlementServiceListReconciliationsProcedure = "/splitpay.v1.SettlementService/ListReconciliations"
	SettlementServiceRequestTestFundsProcedure    = "/splitpay.v1.SettlementService/RequestTestFunds"
)

// SettlementServiceHandler is implemented by the settlement service.
type SettlementServiceHandler interface {
	ConnectWallet(context.Context, *connect.Request[ConnectWalletRequest]) (*connect.Response[ConnectWalletResponse], error)
	DisconnectWallet(context.Context, *connect.Request[DisconnectWalletRequest]) (*connect.Response[DisconnectWalletResponse], error)
	ReportWalletEvent(context.Context, *connect.Request[ReportWalletEventRequest]) (*connect.Response[ReportWalletEventResponse], error)
	StartPayment(context.Context, *connect.Request[StartPaymentRequest]) (*connect.Response[StartPaymentResponse], error)
	GetAttempt(context.Context, *connect.Request[GetAttemptRequest]) (*connect.Response[GetAttemptResponse], error)
	CancelAttempt(context.Context, *connect.Request[CancelAttemptRequest]) (*connect.Response[CancelAttemptResponse], error)
	SubmitSignature(context.Context, *connect.Request[SubmitSignatureRequest]) (*connect.Response[SubmitSignatureResponse], error)
	RejectSignature(context.Context, *connect.Request[RejectSignatureRequest]) (*connect.Response[RejectSignatureResponse], error)
	ListReconciliations(context.Context, *connect.Request[ListReconciliationsRequest]) (*connect.Response[ListReconciliationsResponse], error)
	RequestTestFunds(context.Context, *connect.Request[RequestTestFundsRequest]) (*connect.Response[RequestTestFundsResponse], error)
}

// NewSettlementServiceHandler builds an HTTP handler for svc. It returns the
// path to mount it on.
func NewSettlementServiceHandler(svc SettlementServiceHandler, opts ...connect.HandlerOption) (string, http.Handler) {
	opts = append([]connect.HandlerOption{WithJSON()}, opts...)

	mux := http.NewServeMux()
	mux.Handle(SettlementServiceConnectWalletProcedure,
		connect.NewUnaryHandler(SettlementServiceConnectWalletProcedure, svc.ConnectWallet, opts...))
	mux.Handle(SettlementServiceDisconnectWalletProcedure,
		connect.NewUnaryHandler(SettlementServiceDisconnectWalletProcedure, svc.DisconnectWallet, opts...))
	mux.Handle(SettlementServiceReportWalletEventProcedure,
		connect.NewUnaryHandler(SettlementServiceReportWalletEventProcedure, svc.ReportWalletEvent, opts...))
	mux.Handle(SettlementServiceStartPaymentProcedure,
		connect.NewUnaryHandler(SettlementServiceStartPaymentProcedure, svc.StartPayment, opts...))
	mux.Handle(SettlementServiceGetAttemptProcedure,
		connect.NewUnaryHandler(SettlementServiceGetAttemptProcedure, svc.GetAttempt, opts...))
	mux.Handle(SettlementServiceCancelAttemptProcedure,
		connect.NewUnaryHandler(SettlementServiceCancelAttemptProcedure, svc.CancelAttempt, opts...))
	mux.Handle(SettlementServiceSubmitSignatureProcedure,
		connect.NewUnaryHandler(SettlementServiceSubmitSignatureProcedure, svc.SubmitSignature, opts...))
	mux.Handle(SettlementServiceRejectSignatureProcedure,
		connect.NewUnaryHandler(SettlementServiceRejectSignatureProcedure, svc.RejectSignature, opts...))
	mux.Handle(SettlementServiceListReconciliationsProcedure,
		connect.NewUnaryHandler(SettlementServiceListReconciliationsProcedure, svc.ListReconciliations, opts...))
	mux.Handle(SettlementServiceRequestTestFundsProcedure,
		connect.NewUnaryHandler(SettlementServiceRequestTestFundsProcedure, svc.RequestTestFunds, opts...))
	return "/" + SettlementServiceName + "/", mux
}

// SettlementServiceClient calls the settlement service.
type SettlementServiceClient struct {
	connectWallet       *connect.Client[ConnectWalletRequest, ConnectWalletResponse]
	disconnectWallet    *connect.Client[DisconnectWalletRequest, DisconnectWalletResponse]
	reportWalletEvent   *connect.Client[ReportWalletEventRequest, ReportWalletEventResponse]
	startPayment        *connect.Client[StartPaymentRequest, StartPaymentResponse]
	getAttempt          *connect.Client[GetAttemptRequest, GetAttemptResponse]
	cancelAttempt       *connect.Client[CancelAttemptRequest, CancelAttemptResponse]
	submitSignature     *connect.Client[SubmitSignatureRequest, SubmitSignatureResponse]
	rejectSignature     *connect.Client[RejectSignatureRequest, RejectSignatureResponse]
	listReconciliations *connect.Client[ListReconciliationsRequest, ListReconciliationsResponse]
	requestTestFunds    *connect.Client[RequestTestFundsRequest, RequestTestFundsResponse]
}

// NewSettlementServiceClient creates a client for the service at baseURL.
func NewSettlementServiceClient(httpClient connect.HTTPClient, baseURL string, opts ...connect.ClientOption) *SettlementServiceClient {
	opts = append([]connect.ClientOption{WithJSON()}, opts...)
	return &SettlementServiceClient{
		connectWallet:       connect.NewClient[ConnectWalletRequest, ConnectWalletResponse](httpClient, baseURL+SettlementServiceConnectWalletProcedure, opts...),
		disconnectWallet:    connect.NewClient[DisconnectWalletRequest, DisconnectWalletResponse](httpClient, baseURL+SettlementServiceDisconnectWalletProcedure, opts...),
		reportWalletEvent:   connect.NewClient[ReportWalletEventRequest, ReportWalletEventResponse](httpClient, baseURL+SettlementServiceReportWalletEventProcedure, opts...),
		startPayment:        connect.NewClient[StartPaymentRequest, StartPaymentResponse](httpClient, baseURL+SettlementServiceStartPaymentProcedure, opts...),
		getAttempt:          connect.NewClient[GetAttemptRequest, GetAttemptResponse](httpClient, baseURL+SettlementServiceGetAttemptProcedure, opts...),
		cancelAttempt:       connect.NewClient[CancelAttemptRequest, CancelAttemptResponse](httpClient, baseURL+SettlementServiceCancelAttemptProcedure, opts...),
		submitSignature:     connect.NewClient[SubmitSignatureRequest, SubmitSignatureResponse](httpClient, baseURL+SettlementServiceSubmitSignatureProcedure, opts...),
		rejectSignature:     connect.NewClient[RejectSignatureRequest, RejectSignatureResponse](httpClient, baseURL+SettlementServiceRejectSignatureProcedure, opts...),
		listReconciliations: connect.NewClient[ListReconciliationsRequest, ListReconciliationsResponse](httpClient, baseURL+SettlementServiceListReconciliationsProcedure, opts...),
		requestTestFunds:    connect.NewClient[RequestTestFundsRequest, RequestTestFundsResponse](httpClient, baseURL+SettlementServiceRequestTestFundsProcedure, opts...),
	}
}

func (c *SettlementServiceClient) ConnectWallet(ctx context.Context, req *connect.Request[ConnectWalletRequest]) (*connect.Response[ConnectWalletResponse], error) {
	return c.connectWallet.CallUnary(ctx, req)
}

func (c *SettlementServiceClient) DisconnectWallet(ctx context.Context, req *connect.Request[DisconnectWalletRequest]) (*connect.Response[DisconnectWalletResponse], error) {
	return c.disconnectWallet.CallUnary(ctx, req)
}

func (c *SettlementServiceClient) ReportWalletEvent(ctx context.Context, req *connect.Request[ReportWalletEventRequest]) (*connect.Response[ReportWalletEventResponse], error) {
	return c.reportWalletEvent.CallUnary(ctx, req)
}

func (c *SettlementServiceClient) StartPayment(ctx context.Context, req *connect.Request[StartPaymentRequest]) (*connect.Response[StartPaymentResponse], error) {
	return c.startPayment.CallUnary(ctx, req)
}

func (c *SettlementServiceClient) GetAttempt(ctx context.Context, req *connect.Request[GetAttemptRequest]) (*connect.Response[GetAttemptResponse], error) {
	return c.getAttempt.CallUnary(ctx, req)
}

func (c *SettlementServiceClient) CancelAttempt(ctx context.Context, req *connect.Request[CancelAttemptRequest]) (*connect.Response[CancelAttemptResponse], error) {
	return c.cancelAttempt.CallUnary(ctx, req)
}

func (c *SettlementServiceClient) SubmitSignature(ctx context.Context, req *connect.Request[SubmitSignatureRequest]) (*connect.Response[SubmitSignatureResponse], error) {
	return c.submitSignature.CallUnary(ctx, req)
}

func (c *SettlementServiceClient) RejectSignature(ctx context.Context, req *connect.Request[RejectSignatureRequest]) (*connect.Response[RejectSignatureResponse], error) {
	return c.rejectSignature.CallUnary(ctx, req)
}

func (c *SettlementServiceClient) ListReconciliations(ctx context.Context, req *connect.Request[ListReconciliationsRequest]) (*connect.Response[ListReconciliationsResponse], error) {
	return c.listReconciliations.CallUnary(ctx, req)
}

func (c *SettlementServiceClient) RequestTestFunds(ctx context.Context, req *connect.Request[RequestTestFundsRequest]) (*connect.Response[RequestTestFundsResponse], error) {
	return c.requestTestFunds.CallUnary(ctx, req)
}
