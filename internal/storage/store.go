// Package storage provides abstractions for persistent data storage.
package storage

import (
	"context"
	"time"

	"github.com/mmynk/tontine/internal/models"
)

// Reader is the read side of the store. Every method is safe to call both on
// the Store and inside a transaction.
type Reader interface {
	GetTontine(ctx context.Context, tontineID string) (*models.Tontine, error)
	GetTontineByInviteCode(ctx context.Context, code string) (*models.Tontine, error)
	ListTontinesByStatus(ctx context.Context, status models.TontineStatus) ([]*models.Tontine, error)

	GetCaisse(ctx context.Context, caisseID string) (*models.Caisse, error)
	GetCaisseByType(ctx context.Context, tontineID string, caisseType models.CaisseType) (*models.Caisse, error)
	ListCaisses(ctx context.Context, tontineID string) ([]*models.Caisse, error)

	// GetMember returns apperr.ErrNotFound if the user never joined.
	GetMember(ctx context.Context, tontineID, userID string) (*models.Member, error)
	ListMembers(ctx context.Context, tontineID string) ([]*models.Member, error)
	ListMembersByStatus(ctx context.Context, tontineID string, status models.MemberStatus) ([]*models.Member, error)
	ListRoleEvents(ctx context.Context, tontineID string) ([]*models.RoleEvent, error)

	GetWallet(ctx context.Context, userID string) (*models.Wallet, error)

	GetContribution(ctx context.Context, contributionID string) (*models.Contribution, error)
	GetContributionByRef(ctx context.Context, ref string) (*models.Contribution, error)
	// FindActiveContribution returns the pending or completed contribution for the
	// idempotency key (user, caisse, cycle), or nil if there is none.
	FindActiveContribution(ctx context.Context, userID, caisseID string, cycle int) (*models.Contribution, error)
	ListContributions(ctx context.Context, tontineID string, cycle int) ([]*models.Contribution, error)
	CountPendingContributions(ctx context.Context, tontineID, userID string) (int, error)

	GetPenalty(ctx context.Context, penaltyID string) (*models.Penalty, error)
	ListPenalties(ctx context.Context, tontineID string, cycle int) ([]*models.Penalty, error)
	CountPendingPenalties(ctx context.Context, tontineID, userID string) (int, error)

	GetDraw(ctx context.Context, drawID string) (*models.Draw, error)
	// GetDrawForCycle returns nil if no draw was requested for the cycle.
	GetDrawForCycle(ctx context.Context, tontineID string, cycle int) (*models.Draw, error)

	GetCycle(ctx context.Context, tontineID string, number int) (*models.Cycle, error)

	ListTransactions(ctx context.Context, accountType models.AccountType, accountID string) ([]*models.LedgerTransaction, error)
}

// Ledger holds the atomic account primitives. Each call checks the
// non-negativity of the resulting balance, appends an immutable ledger
// transaction and returns the new balance.
type Ledger interface {
	CreditCaisse(ctx context.Context, caisseID string, amount int64, entry models.LedgerEntry) (int64, error)
	// DebitCaisse returns apperr.ErrInsufficientFunds if the balance would go negative.
	DebitCaisse(ctx context.Context, caisseID string, amount int64, entry models.LedgerEntry) (int64, error)
	CreditWallet(ctx context.Context, userID string, amount int64, entry models.LedgerEntry) (int64, error)
	// DebitWallet returns apperr.ErrInsufficientFunds if the balance would go negative.
	DebitWallet(ctx context.Context, userID string, amount int64, entry models.LedgerEntry) (int64, error)
	// HasReference reports whether a ledger line with the reference was written for the account.
	HasReference(ctx context.Context, accountType models.AccountType, accountID, ref string) (bool, error)
}

// Writer is the write side of the store, only reachable inside a transaction.
type Writer interface {
	Ledger

	CreateTontine(ctx context.Context, tontine *models.Tontine) error
	// UpdateTontineStatus moves the tontine from one status to another.
	// Returns apperr.ErrInvalidState if the tontine is not in from.
	UpdateTontineStatus(ctx context.Context, tontineID string, from, to models.TontineStatus) error
	StartTontine(ctx context.Context, tontineID string, startedAt time.Time) error
	SetCurrentCycle(ctx context.Context, tontineID string, cycle int) error
	SetInviteCode(ctx context.Context, tontineID, code string) error

	CreateCaisse(ctx context.Context, caisse *models.Caisse) error

	CreateMember(ctx context.Context, member *models.Member) error
	UpdateMemberStatus(ctx context.Context, tontineID, userID string, from, to models.MemberStatus) error
	UpdateMemberRole(ctx context.Context, event *models.RoleEvent) error
	AddMemberContributed(ctx context.Context, tontineID, userID string, amount int64) error
	RecordMemberPayout(ctx context.Context, tontineID, userID string, amount int64, cycle int) error
	ResetReceivedFlags(ctx context.Context, tontineID string) error
	SetDrawPositions(ctx context.Context, tontineID string, order []string) error
	// SetDrawPosition places one member at position without touching the others.
	SetDrawPosition(ctx context.Context, tontineID, userID string, position int) error

	CreateContribution(ctx context.Context, c *models.Contribution) error
	// UpdateContributionStatus moves a pending contribution to completed or failed.
	UpdateContributionStatus(ctx context.Context, contributionID string, to models.ContributionStatus, paidAt time.Time) error

	// CreatePenalty inserts the penalty unless the same violation is already recorded.
	// Returns false when the penalty already existed.
	CreatePenalty(ctx context.Context, p *models.Penalty) (bool, error)
	MarkPenaltyPaid(ctx context.Context, penaltyID string, paidAt time.Time) error

	CreateDraw(ctx context.Context, d *models.Draw) error
	UpdateDrawStatus(ctx context.Context, drawID string, from, to models.DrawStatus) error
	// AddConfirmation stores a confirmation. Returns false if the user already confirmed.
	AddConfirmation(ctx context.Context, drawID, userID string) (bool, error)
	ClearDrawResult(ctx context.Context, drawID string) error
	CompleteDraw(ctx context.Context, drawID string, order []string, seal string, completedAt time.Time) error

	CreateCycle(ctx context.Context, c *models.Cycle) error
	UpdateCycleState(ctx context.Context, tontineID string, number int, from, to models.CycleState) error
	RecordCyclePayout(ctx context.Context, tontineID string, number int, beneficiaryID string, amount int64, paidAt time.Time) error
}

// Tx is a unit of work. All changes made through it commit or roll back together.
type Tx interface {
	Reader
	Writer
}

// Store defines the interface for tontine storage operations.
// This abstraction allows swapping storage backends (SQLite, PostgreSQL, etc.)
// without changing the domain packages.
type Store interface {
	Reader

	// WithTx runs fn in a serializable transaction. If fn returns an error the
	// transaction is rolled back and the error is returned unchanged.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	// Close releases any resources held by the store.
	Close() error
}
