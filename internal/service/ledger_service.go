package service

import (
	"context"
	"log/slog"

	"github.com/mmynk/tontine/internal/apperr"
	"github.com/mmynk/tontine/internal/auth"
	"github.com/mmynk/tontine/internal/contribution"
	"github.com/mmynk/tontine/internal/middleware"
	"github.com/mmynk/tontine/internal/models"
)

// LedgerService implements tontine.v1.LedgerService: wallets, contributions,
// penalties and the audit trail.
type LedgerService struct {
	processor *contribution.Processor
}

// NewLedgerService creates a LedgerService over the contribution processor.
func NewLedgerService(processor *contribution.Processor) *LedgerService {
	return &LedgerService{processor: processor}
}

// GetWallet returns the caller's wallet.
func (s *LedgerService) GetWallet(ctx context.Context, userID string, _ *Empty) (*WalletResponse, error) {
	w, err := s.processor.GetWallet(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &WalletResponse{Wallet: &Wallet{UserID: w.UserID, Balance: w.Balance}}, nil
}

// requireProvider rejects callers that are not the payment rails.
func requireProvider(ctx context.Context) error {
	if middleware.GetRole(ctx) != auth.RolePaymentProvider {
		return apperr.ErrForbidden.WithMessage("only the payment provider can confirm payments")
	}
	return nil
}

// TopUpWallet credits a member's wallet from a funding the payment rails confirmed.
func (s *LedgerService) TopUpWallet(ctx context.Context, userID string, req *TopUpWalletRequest) (*WalletResponse, error) {
	if err := requireProvider(ctx); err != nil {
		slog.Warn("TopUpWallet rejected", "caller", userID, "user_id", req.UserID)
		return nil, err
	}
	w, dup, err := s.processor.TopUpWallet(ctx, req.UserID, req.Amount, req.Reference)
	if err != nil {
		return nil, err
	}
	return &WalletResponse{Wallet: &Wallet{UserID: w.UserID, Balance: w.Balance}, Duplicate: dup}, nil
}

// Contribute pays into a caisse for the current cycle.
func (s *LedgerService) Contribute(ctx context.Context, userID string, req *ContributeRequest) (*ContributionResponse, error) {
	slog.Info("Contribute request received",
		"tontine_id", req.TontineID,
		"caisse_id", req.CaisseID,
		"user_id", userID,
		"method", req.Method,
	)
	res, err := s.processor.Contribute(ctx, contribution.ContributeInput{
		TontineID: req.TontineID,
		CaisseID:  req.CaisseID,
		UserID:    userID,
		Amount:    req.Amount,
		Method:    models.PaymentMethod(req.Method),
		Partial:   req.Partial,
	})
	if err != nil {
		return nil, err
	}
	return toContributionResponse(res), nil
}

// SettlePayment is the payment rails callback for external contributions.
func (s *LedgerService) SettlePayment(ctx context.Context, userID string, req *SettlePaymentRequest) (*ContributionResponse, error) {
	slog.Info("SettlePayment request received",
		"transaction_ref", req.TransactionRef,
		"status", req.Status,
		"caller", userID,
	)
	if err := requireProvider(ctx); err != nil {
		return nil, err
	}
	res, err := s.processor.SettlePayment(ctx, req.TransactionRef, req.Amount, models.ContributionStatus(req.Status))
	if err != nil {
		return nil, err
	}
	return toContributionResponse(res), nil
}

// PayPenalty pays one of the caller's penalties from their wallet.
func (s *LedgerService) PayPenalty(ctx context.Context, userID string, req *PayPenaltyRequest) (*PenaltyResponse, error) {
	p, dup, err := s.processor.PayPenalty(ctx, req.PenaltyID, userID)
	if err != nil {
		return nil, err
	}
	return &PenaltyResponse{Penalty: toPenalty(p), Duplicate: dup}, nil
}

// ListContributions lists a tontine's contributions.
func (s *LedgerService) ListContributions(ctx context.Context, userID string, req *ListByCycleRequest) (*ListContributionsResponse, error) {
	rows, err := s.processor.ListContributions(ctx, req.TontineID, userID, req.Cycle)
	if err != nil {
		return nil, err
	}
	out := make([]*Contribution, len(rows))
	for i, c := range rows {
		out[i] = toContribution(c)
	}
	return &ListContributionsResponse{Contributions: out}, nil
}

// ListPenalties lists a tontine's penalties.
func (s *LedgerService) ListPenalties(ctx context.Context, userID string, req *ListByCycleRequest) (*ListPenaltiesResponse, error) {
	rows, err := s.processor.ListPenalties(ctx, req.TontineID, userID, req.Cycle)
	if err != nil {
		return nil, err
	}
	out := make([]*Penalty, len(rows))
	for i, p := range rows {
		out[i] = toPenalty(p)
	}
	return &ListPenaltiesResponse{Penalties: out}, nil
}

// ListTransactions exports the ledger lines of a caisse or of the caller's wallet.
func (s *LedgerService) ListTransactions(ctx context.Context, userID string, req *ListTransactionsRequest) (*ListTransactionsResponse, error) {
	accountID := req.AccountID
	if accountID == "" {
		accountID = userID
	}
	rows, err := s.processor.ListTransactions(ctx, userID, models.AccountType(req.AccountType), accountID)
	if err != nil {
		return nil, err
	}
	out := make([]*Transaction, len(rows))
	for i, tx := range rows {
		out[i] = &Transaction{
			ID:           tx.ID,
			AccountType:  string(tx.AccountType),
			AccountID:    tx.AccountID,
			Direction:    string(tx.Direction),
			Amount:       tx.Amount,
			BalanceAfter: tx.BalanceAfter,
			Kind:         string(tx.Kind),
			Reference:    tx.Reference,
			TontineID:    tx.TontineID,
			CreatedAt:    tx.CreatedAt,
		}
	}
	return &ListTransactionsResponse{Transactions: out}, nil
}

func toContributionResponse(res *contribution.Result) *ContributionResponse {
	return &ContributionResponse{
		Contribution: toContribution(res.Contribution),
		Duplicate:    res.Duplicate,
		Penalty:      toPenalty(res.Penalty),
	}
}
