package service

import (
	"context"
	"net/http"

	"connectrpc.com/connect"

	"github.com/mmynk/tontine/internal/auth"
	"github.com/mmynk/tontine/internal/middleware"
)

const (
	TontineServiceName  = "tontine.v1.TontineService"
	LedgerServiceName   = "tontine.v1.LedgerService"
	RotationServiceName = "tontine.v1.RotationService"
)

// APIPrefix matches every RPC path.
const APIPrefix = "/tontine.v1."

// Procedure returns the HTTP path of an RPC.
func Procedure(service, method string) string {
	return "/" + service + "/" + method
}

// route builds a unary Connect handler around a service method. The caller
// must be authenticated; the request is validated before fn runs.
func route[Req, Res any](service, method string, fn func(context.Context, string, *Req) (*Res, error), opts []connect.HandlerOption) (string, http.Handler) {
	procedure := Procedure(service, method)
	return procedure, connect.NewUnaryHandler(procedure, func(ctx context.Context, req *connect.Request[Req]) (*connect.Response[Res], error) {
		userID := middleware.GetUserID(ctx)
		if userID == "" {
			return nil, connect.NewError(connect.CodeUnauthenticated, auth.ErrMissingToken)
		}
		if err := validateRequest(req.Msg); err != nil {
			return nil, err
		}
		res, err := fn(ctx, userID, req.Msg)
		if err != nil {
			return nil, toConnectError(procedure, err)
		}
		return connect.NewResponse(res), nil
	}, opts...)
}

// Register mounts every RPC of the three services on mux.
func Register(mux *http.ServeMux, tontines *TontineService, ledger *LedgerService, rotation *RotationService, opts ...connect.HandlerOption) {
	opts = append([]connect.HandlerOption{connect.WithCodec(JSONCodec{})}, opts...)

	mux.Handle(route(TontineServiceName, "CreateTontine", tontines.CreateTontine, opts))
	mux.Handle(route(TontineServiceName, "GetTontine", tontines.GetTontine, opts))
	mux.Handle(route(TontineServiceName, "AddCaisse", tontines.AddCaisse, opts))
	mux.Handle(route(TontineServiceName, "ListCaisses", tontines.ListCaisses, opts))
	mux.Handle(route(TontineServiceName, "RegenerateInviteCode", tontines.RegenerateInviteCode, opts))
	mux.Handle(route(TontineServiceName, "RequestJoin", tontines.RequestJoin, opts))
	mux.Handle(route(TontineServiceName, "Approve", tontines.Approve, opts))
	mux.Handle(route(TontineServiceName, "Reject", tontines.Reject, opts))
	mux.Handle(route(TontineServiceName, "Leave", tontines.Leave, opts))
	mux.Handle(route(TontineServiceName, "ChangeRole", tontines.ChangeRole, opts))
	mux.Handle(route(TontineServiceName, "RemoveMember", tontines.RemoveMember, opts))
	mux.Handle(route(TontineServiceName, "ListMembers", tontines.ListMembers, opts))
	mux.Handle(route(TontineServiceName, "ListRoleEvents", tontines.ListRoleEvents, opts))

	mux.Handle(route(LedgerServiceName, "GetWallet", ledger.GetWallet, opts))
	mux.Handle(route(LedgerServiceName, "TopUpWallet", ledger.TopUpWallet, opts))
	mux.Handle(route(LedgerServiceName, "Contribute", ledger.Contribute, opts))
	mux.Handle(route(LedgerServiceName, "SettlePayment", ledger.SettlePayment, opts))
	mux.Handle(route(LedgerServiceName, "PayPenalty", ledger.PayPenalty, opts))
	mux.Handle(route(LedgerServiceName, "ListContributions", ledger.ListContributions, opts))
	mux.Handle(route(LedgerServiceName, "ListPenalties", ledger.ListPenalties, opts))
	mux.Handle(route(LedgerServiceName, "ListTransactions", ledger.ListTransactions, opts))

	mux.Handle(route(RotationServiceName, "StartTontine", rotation.StartTontine, opts))
	mux.Handle(route(RotationServiceName, "CancelTontine", rotation.CancelTontine, opts))
	mux.Handle(route(RotationServiceName, "EvaluateCycle", rotation.EvaluateCycle, opts))
	mux.Handle(route(RotationServiceName, "GetCycle", rotation.GetCycle, opts))
	mux.Handle(route(RotationServiceName, "RequestDraw", rotation.RequestDraw, opts))
	mux.Handle(route(RotationServiceName, "ConfirmParticipation", rotation.ConfirmParticipation, opts))
	mux.Handle(route(RotationServiceName, "RunDraw", rotation.RunDraw, opts))
	mux.Handle(route(RotationServiceName, "ResetDraw", rotation.ResetDraw, opts))
	mux.Handle(route(RotationServiceName, "GetDraw", rotation.GetDraw, opts))
}
