package service

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"connectrpc.com/connect"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmynk/tontine/internal/auth"
	"github.com/mmynk/tontine/internal/contribution"
	"github.com/mmynk/tontine/internal/cycle"
	"github.com/mmynk/tontine/internal/draw"
	"github.com/mmynk/tontine/internal/membership"
	"github.com/mmynk/tontine/internal/middleware"
	"github.com/mmynk/tontine/internal/storage/sqlite"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type testServer struct {
	url    string
	client *http.Client
	tokens *auth.JWTManager
}

// setupTestServer serves the three services over a temp database. The draw
// puts members in order.
func setupTestServer(t *testing.T, order ...string) *testServer {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "test-*.db")
	require.NoError(t, err)
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpFile.Name()) })

	store, err := sqlite.New(tmpFile.Name())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	var drawOpts []draw.Option
	if len(order) > 0 {
		drawOpts = append(drawOpts, draw.WithShuffler(func(ids []string) error {
			copy(ids, order)
			return nil
		}))
	}
	draws := draw.New(store, nil, nil, drawOpts...)
	scheduler := cycle.New(store, draws, nil, nil)
	tokens := auth.NewJWTManager(testSecret, "tontine", time.Hour)

	mux := http.NewServeMux()
	Register(mux,
		NewTontineService(membership.New(store, nil)),
		NewLedgerService(contribution.New(store, nil, nil)),
		NewRotationService(scheduler, draws),
		connect.WithInterceptors(middleware.RequireAuth(tokens)),
	)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	return &testServer{url: server.URL, client: server.Client(), tokens: tokens}
}

// call invokes one RPC as userID. An empty userID sends no token.
func call[Req, Res any](t *testing.T, s *testServer, userID, service, method string, req *Req) (*Res, error) {
	t.Helper()
	token := ""
	if userID != "" {
		var err error
		token, err = s.tokens.Generate(userID)
		require.NoError(t, err)
	}
	return invoke[Req, Res](t, s, token, service, method, req)
}

// callAsProvider invokes one RPC as the payment rails.
func callAsProvider[Req, Res any](t *testing.T, s *testServer, service, method string, req *Req) (*Res, error) {
	t.Helper()
	token, err := s.tokens.GenerateWithRole("momo-gateway", auth.RolePaymentProvider)
	require.NoError(t, err)
	return invoke[Req, Res](t, s, token, service, method, req)
}

func invoke[Req, Res any](t *testing.T, s *testServer, token, service, method string, req *Req) (*Res, error) {
	t.Helper()
	client := connect.NewClient[Req, Res](s.client, s.url+Procedure(service, method), connect.WithCodec(JSONCodec{}))
	r := connect.NewRequest(req)
	if token != "" {
		r.Header().Set("Authorization", "Bearer "+token)
	}
	res, err := client.CallUnary(context.Background(), r)
	if err != nil {
		return nil, err
	}
	return res.Msg, nil
}

// assertCode checks the Connect code and the domain code of err.
func assertCode(t *testing.T, err error, code connect.Code, domainCode string) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, code, connect.CodeOf(err))
	var cerr *connect.Error
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, domainCode, cerr.Meta().Get(ErrorCodeHeader))
}

func createTontine(t *testing.T, s *testServer, creator string) *Tontine {
	t.Helper()
	res, err := call[CreateTontineRequest, TontineResponse](t, s, creator, TontineServiceName, "CreateTontine", &CreateTontineRequest{
		Name:               "Njangi",
		ContributionAmount: 500,
		Frequency:          "weekly",
		MinMembers:         2,
		MaxMembers:         3,
		LatePenaltyPercent: "10",
		AbsenceFine:        100,
		GraceDays:          2,
	})
	require.NoError(t, err)
	return res.Tontine
}

func join(t *testing.T, s *testServer, tontine *Tontine, userID string) {
	t.Helper()
	_, err := call[RequestJoinRequest, MemberResponse](t, s, userID, TontineServiceName, "RequestJoin", &RequestJoinRequest{InviteCode: tontine.InviteCode})
	require.NoError(t, err)
	res, err := call[MemberRequest, MemberResponse](t, s, tontine.CreatorID, TontineServiceName, "Approve", &MemberRequest{TontineID: tontine.ID, UserID: userID})
	require.NoError(t, err)
	assert.Equal(t, "active", res.Member.Status)
}

func TestRequiresToken(t *testing.T) {
	s := setupTestServer(t)

	_, err := call[Empty, WalletResponse](t, s, "", LedgerServiceName, "GetWallet", &Empty{})
	assert.Equal(t, connect.CodeUnauthenticated, connect.CodeOf(err))
}

func TestCreateTontine(t *testing.T) {
	s := setupTestServer(t)

	tontine := createTontine(t, s, "alice")
	assert.NotEmpty(t, tontine.ID)
	assert.Equal(t, "alice", tontine.CreatorID)
	assert.Equal(t, "pending", tontine.Status)
	assert.Equal(t, "10", tontine.LatePenaltyPercent)
	assert.Len(t, tontine.InviteCode, 8)

	caisses, err := call[TontineRequest, ListCaissesResponse](t, s, "alice", TontineServiceName, "ListCaisses", &TontineRequest{TontineID: tontine.ID})
	require.NoError(t, err)
	types := make([]string, len(caisses.Caisses))
	for i, c := range caisses.Caisses {
		types[i] = c.Type
	}
	assert.ElementsMatch(t, []string{"main", "penalty"}, types)
}

func TestRotationOverRPC(t *testing.T) {
	s := setupTestServer(t, "bob", "alice")

	tontine := createTontine(t, s, "alice")
	join(t, s, tontine, "bob")

	started, err := call[TontineRequest, TontineResponse](t, s, "alice", RotationServiceName, "StartTontine", &TontineRequest{TontineID: tontine.ID})
	require.NoError(t, err)
	assert.Equal(t, "active", started.Tontine.Status)
	assert.Equal(t, 1, started.Tontine.CurrentCycle)

	d, err := call[TontineRequest, DrawResponse](t, s, "alice", RotationServiceName, "RequestDraw", &TontineRequest{TontineID: tontine.ID})
	require.NoError(t, err)
	assert.Equal(t, 1, d.Draw.CycleNumber)

	confirmed, err := call[DrawRequest, ConfirmParticipationResponse](t, s, "bob", RotationServiceName, "ConfirmParticipation", &DrawRequest{DrawID: d.Draw.ID})
	require.NoError(t, err)
	assert.False(t, confirmed.QuorumReached)
	assert.Equal(t, 2, confirmed.Threshold)

	confirmed, err = call[DrawRequest, ConfirmParticipationResponse](t, s, "alice", RotationServiceName, "ConfirmParticipation", &DrawRequest{DrawID: d.Draw.ID})
	require.NoError(t, err)
	assert.True(t, confirmed.QuorumReached)
	assert.Equal(t, "completed", confirmed.Draw.Status)
	assert.Equal(t, []string{"bob", "alice"}, confirmed.Draw.Order)

	got, err := call[DrawRequest, DrawResponse](t, s, "bob", RotationServiceName, "GetDraw", &DrawRequest{DrawID: d.Draw.ID})
	require.NoError(t, err)
	assert.True(t, got.Verified)
	assert.Equal(t, confirmed.Draw.Seal, got.Draw.Seal)

	var main *Caisse
	caisses, err := call[TontineRequest, ListCaissesResponse](t, s, "bob", TontineServiceName, "ListCaisses", &TontineRequest{TontineID: tontine.ID})
	require.NoError(t, err)
	for _, c := range caisses.Caisses {
		if c.Type == "main" {
			main = c
		}
	}
	require.NotNil(t, main)

	for _, userID := range []string{"alice", "bob"} {
		_, err := callAsProvider[TopUpWalletRequest, WalletResponse](t, s, LedgerServiceName, "TopUpWallet", &TopUpWalletRequest{UserID: userID, Amount: 500, Reference: "momo-" + userID})
		require.NoError(t, err)
		res, err := call[ContributeRequest, ContributionResponse](t, s, userID, LedgerServiceName, "Contribute", &ContributeRequest{
			TontineID: tontine.ID,
			CaisseID:  main.ID,
			Method:    "wallet",
		})
		require.NoError(t, err)
		assert.Equal(t, "completed", res.Contribution.Status)
		assert.Equal(t, int64(500), res.Contribution.Amount)
	}

	eval, err := call[TontineRequest, EvaluateCycleResponse](t, s, "bob", RotationServiceName, "EvaluateCycle", &TontineRequest{TontineID: tontine.ID})
	require.NoError(t, err)
	require.NotNil(t, eval.Payout)
	assert.Equal(t, "bob", eval.Payout.BeneficiaryID)
	assert.Equal(t, int64(1000), eval.Payout.Amount)
	assert.True(t, eval.Advanced)
	assert.Equal(t, "active", eval.TontineStatus)

	wallet, err := call[Empty, WalletResponse](t, s, "bob", LedgerServiceName, "GetWallet", &Empty{})
	require.NoError(t, err)
	assert.Equal(t, int64(1000), wallet.Wallet.Balance)

	current, err := call[GetCycleRequest, CycleResponse](t, s, "alice", RotationServiceName, "GetCycle", &GetCycleRequest{TontineID: tontine.ID})
	require.NoError(t, err)
	assert.Equal(t, 2, current.Cycle.Number)

	paid, err := call[GetCycleRequest, CycleResponse](t, s, "alice", RotationServiceName, "GetCycle", &GetCycleRequest{TontineID: tontine.ID, Number: 1})
	require.NoError(t, err)
	assert.Equal(t, "bob", paid.Cycle.BeneficiaryID)
	assert.Equal(t, int64(1000), paid.Cycle.PayoutAmount)

	lines, err := call[ListTransactionsRequest, ListTransactionsResponse](t, s, "alice", LedgerServiceName, "ListTransactions", &ListTransactionsRequest{AccountType: "caisse", AccountID: main.ID})
	require.NoError(t, err)
	require.Len(t, lines.Transactions, 3)
	assert.Equal(t, "debit", lines.Transactions[2].Direction)
	assert.Equal(t, int64(0), lines.Transactions[2].BalanceAfter)

	contributions, err := call[ListByCycleRequest, ListContributionsResponse](t, s, "alice", LedgerServiceName, "ListContributions", &ListByCycleRequest{TontineID: tontine.ID, Cycle: 1})
	require.NoError(t, err)
	assert.Len(t, contributions.Contributions, 2)
}

func TestTopUpWalletIsIdempotentOverRPC(t *testing.T) {
	s := setupTestServer(t)

	req := &TopUpWalletRequest{UserID: "alice", Amount: 700, Reference: "momo-1"}
	first, err := callAsProvider[TopUpWalletRequest, WalletResponse](t, s, LedgerServiceName, "TopUpWallet", req)
	require.NoError(t, err)
	assert.False(t, first.Duplicate)
	assert.Equal(t, int64(700), first.Wallet.Balance)

	again, err := callAsProvider[TopUpWalletRequest, WalletResponse](t, s, LedgerServiceName, "TopUpWallet", req)
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, int64(700), again.Wallet.Balance)

	_, err = call[ListTransactionsRequest, ListTransactionsResponse](t, s, "bob", LedgerServiceName, "ListTransactions", &ListTransactionsRequest{AccountType: "wallet", AccountID: "alice"})
	assertCode(t, err, connect.CodePermissionDenied, "FORBIDDEN")

	own, err := call[ListTransactionsRequest, ListTransactionsResponse](t, s, "alice", LedgerServiceName, "ListTransactions", &ListTransactionsRequest{AccountType: "wallet"})
	require.NoError(t, err)
	assert.Len(t, own.Transactions, 1)
}

func TestPaymentCallbacksNeedProvider(t *testing.T) {
	s := setupTestServer(t, "bob", "alice")
	tontine := createTontine(t, s, "alice")
	join(t, s, tontine, "bob")

	_, err := call[TontineRequest, TontineResponse](t, s, "alice", RotationServiceName, "StartTontine", &TontineRequest{TontineID: tontine.ID})
	require.NoError(t, err)

	caisses, err := call[TontineRequest, ListCaissesResponse](t, s, "bob", TontineServiceName, "ListCaisses", &TontineRequest{TontineID: tontine.ID})
	require.NoError(t, err)
	var mainID string
	for _, c := range caisses.Caisses {
		if c.Type == "main" {
			mainID = c.ID
		}
	}
	require.NotEmpty(t, mainID)

	pending, err := call[ContributeRequest, ContributionResponse](t, s, "bob", LedgerServiceName, "Contribute", &ContributeRequest{
		TontineID: tontine.ID,
		CaisseID:  mainID,
		Method:    "mobile_money",
	})
	require.NoError(t, err)
	require.Equal(t, "pending", pending.Contribution.Status)
	ref := pending.Contribution.TransactionRef
	require.NotEmpty(t, ref)

	settle := &SettlePaymentRequest{TransactionRef: ref, Amount: 500, Status: "completed"}
	_, err = call[SettlePaymentRequest, ContributionResponse](t, s, "bob", LedgerServiceName, "SettlePayment", settle)
	assertCode(t, err, connect.CodePermissionDenied, "FORBIDDEN")

	listed, err := call[ListByCycleRequest, ListContributionsResponse](t, s, "bob", LedgerServiceName, "ListContributions", &ListByCycleRequest{TontineID: tontine.ID, Cycle: 1})
	require.NoError(t, err)
	require.Len(t, listed.Contributions, 1)
	assert.Equal(t, "pending", listed.Contributions[0].Status)

	_, err = call[TopUpWalletRequest, WalletResponse](t, s, "bob", LedgerServiceName, "TopUpWallet", &TopUpWalletRequest{UserID: "bob", Amount: 1_000_000, Reference: "self"})
	assertCode(t, err, connect.CodePermissionDenied, "FORBIDDEN")

	wallet, err := call[Empty, WalletResponse](t, s, "bob", LedgerServiceName, "GetWallet", &Empty{})
	require.NoError(t, err)
	assert.Equal(t, int64(0), wallet.Wallet.Balance)

	settled, err := callAsProvider[SettlePaymentRequest, ContributionResponse](t, s, LedgerServiceName, "SettlePayment", settle)
	require.NoError(t, err)
	assert.Equal(t, "completed", settled.Contribution.Status)
}

func TestErrorCodes(t *testing.T) {
	s := setupTestServer(t)
	tontine := createTontine(t, s, "alice")
	join(t, s, tontine, "bob")

	t.Run("validation", func(t *testing.T) {
		_, err := call[CreateTontineRequest, TontineResponse](t, s, "alice", TontineServiceName, "CreateTontine", &CreateTontineRequest{
			Name:               "Njangi",
			ContributionAmount: 500,
			Frequency:          "hourly",
			MinMembers:         2,
			MaxMembers:         3,
		})
		assertCode(t, err, connect.CodeInvalidArgument, "VALIDATION_ERROR")
	})

	t.Run("not a member", func(t *testing.T) {
		_, err := call[TontineRequest, TontineResponse](t, s, "mallory", TontineServiceName, "GetTontine", &TontineRequest{TontineID: tontine.ID})
		assertCode(t, err, connect.CodePermissionDenied, "NOT_A_MEMBER")
	})

	t.Run("forbidden role", func(t *testing.T) {
		_, err := call[ChangeRoleRequest, MemberResponse](t, s, "bob", TontineServiceName, "ChangeRole", &ChangeRoleRequest{TontineID: tontine.ID, UserID: "alice", Role: "treasurer"})
		assertCode(t, err, connect.CodePermissionDenied, "FORBIDDEN")
	})

	t.Run("not found", func(t *testing.T) {
		_, err := call[DrawRequest, DrawResponse](t, s, "alice", RotationServiceName, "GetDraw", &DrawRequest{DrawID: "missing"})
		assertCode(t, err, connect.CodeNotFound, "NOT_FOUND")
	})

	t.Run("insufficient funds", func(t *testing.T) {
		_, err := call[TontineRequest, TontineResponse](t, s, "alice", RotationServiceName, "StartTontine", &TontineRequest{TontineID: tontine.ID})
		require.NoError(t, err)
		caisses, err := call[TontineRequest, ListCaissesResponse](t, s, "bob", TontineServiceName, "ListCaisses", &TontineRequest{TontineID: tontine.ID})
		require.NoError(t, err)
		var mainID string
		for _, c := range caisses.Caisses {
			if c.Type == "main" {
				mainID = c.ID
			}
		}
		_, err = call[ContributeRequest, ContributionResponse](t, s, "bob", LedgerServiceName, "Contribute", &ContributeRequest{
			TontineID: tontine.ID,
			CaisseID:  mainID,
			Method:    "wallet",
		})
		assertCode(t, err, connect.CodeFailedPrecondition, "INSUFFICIENT_FUNDS")
	})
}
