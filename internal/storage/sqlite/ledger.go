package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mmynk/tontine/internal/apperr"
	"github.com/mmynk/tontine/internal/models"
)

var tracer = otel.Tracer("github.com/mmynk/tontine/internal/storage/sqlite")

// account describes where a balance lives.
type account struct {
	kind  models.AccountType
	table string
	key   string
	id    string
}

func caisseAccount(id string) account {
	return account{kind: models.AccountCaisse, table: "caisses", key: "id", id: id}
}

func walletAccount(userID string) account {
	return account{kind: models.AccountWallet, table: "wallets", key: "user_id", id: userID}
}

// CreditCaisse adds amount to a caisse balance.
func (q *queries) CreditCaisse(ctx context.Context, caisseID string, amount int64, entry models.LedgerEntry) (int64, error) {
	return q.apply(ctx, caisseAccount(caisseID), models.Credit, amount, entry)
}

// DebitCaisse removes amount from a caisse balance.
func (q *queries) DebitCaisse(ctx context.Context, caisseID string, amount int64, entry models.LedgerEntry) (int64, error) {
	return q.apply(ctx, caisseAccount(caisseID), models.Debit, amount, entry)
}

// CreditWallet adds amount to a user's wallet, opening it on first credit.
func (q *queries) CreditWallet(ctx context.Context, userID string, amount int64, entry models.LedgerEntry) (int64, error) {
	return q.apply(ctx, walletAccount(userID), models.Credit, amount, entry)
}

// DebitWallet removes amount from a user's wallet.
func (q *queries) DebitWallet(ctx context.Context, userID string, amount int64, entry models.LedgerEntry) (int64, error) {
	return q.apply(ctx, walletAccount(userID), models.Debit, amount, entry)
}

// apply performs one balance change and writes its audit line.
// The non-negativity check lives in the UPDATE predicate, so the check and
// the mutation are a single statement on the single writer connection.
func (q *queries) apply(ctx context.Context, acct account, dir models.Direction, amount int64, entry models.LedgerEntry) (balance int64, err error) {
	ctx, span := tracer.Start(ctx, "ledger."+string(dir),
		trace.WithAttributes(
			attribute.String("ledger.account_type", string(acct.kind)),
			attribute.String("ledger.account_id", acct.id),
			attribute.Int64("ledger.amount", amount),
			attribute.String("ledger.kind", string(entry.Kind)),
		),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if amount <= 0 {
		return 0, apperr.Validation("amount must be positive, got %d", amount)
	}
	if entry.Reference == "" {
		return 0, apperr.Validation("ledger entry requires a reference")
	}

	now := time.Now().UnixMilli()
	switch {
	case dir == models.Credit && acct.kind == models.AccountWallet:
		err = q.db.QueryRowContext(ctx,
			`INSERT INTO wallets (user_id, balance, updated_at) VALUES (?, ?, ?)
			 ON CONFLICT(user_id) DO UPDATE SET balance = balance + excluded.balance, updated_at = excluded.updated_at
			 RETURNING balance`,
			acct.id, amount, now,
		).Scan(&balance)
	case dir == models.Credit:
		err = q.db.QueryRowContext(ctx,
			fmt.Sprintf("UPDATE %s SET balance = balance + ? WHERE %s = ? RETURNING balance", acct.table, acct.key),
			amount, acct.id,
		).Scan(&balance)
	default:
		err = q.db.QueryRowContext(ctx,
			fmt.Sprintf("UPDATE %s SET balance = balance - ? WHERE %s = ? AND balance >= ? RETURNING balance", acct.table, acct.key),
			amount, acct.id, amount,
		).Scan(&balance)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return 0, q.explainMiss(ctx, acct, dir, amount)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to %s %s %s: %w", dir, acct.kind, acct.id, err)
	}

	if err := q.appendTransaction(ctx, acct, dir, amount, balance, entry); err != nil {
		return 0, err
	}
	return balance, nil
}

// explainMiss works out why a conditional update touched no row.
func (q *queries) explainMiss(ctx context.Context, acct account, dir models.Direction, amount int64) error {
	var current int64
	err := q.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT balance FROM %s WHERE %s = ?", acct.table, acct.key),
		acct.id,
	).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		if acct.kind == models.AccountWallet && dir == models.Debit {
			// A wallet that was never credited has a balance of zero.
			return apperr.ErrInsufficientFunds.WithMessage("insufficient balance: have 0, need %d", amount)
		}
		return apperr.NotFound(string(acct.kind), acct.id)
	}
	if err != nil {
		return fmt.Errorf("failed to read %s balance: %w", acct.kind, err)
	}
	return apperr.ErrInsufficientFunds.WithMessage("insufficient balance: have %d, need %d", current, amount)
}

func (q *queries) appendTransaction(ctx context.Context, acct account, dir models.Direction, amount, balanceAfter int64, entry models.LedgerEntry) error {
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO ledger_transactions
		 (id, account_type, account_id, direction, amount, balance_after, kind, reference, tontine_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ulid.Make().String(), acct.kind, acct.id, dir, amount, balanceAfter,
		entry.Kind, entry.Reference, nullString(entry.TontineID), time.Now().UnixMilli(),
	)
	if isUniqueViolation(err) {
		return apperr.Invariant("%s %s already has a %s for reference %s", acct.kind, acct.id, dir, entry.Reference)
	}
	if err != nil {
		return fmt.Errorf("failed to append ledger transaction: %w", err)
	}
	return nil
}

// HasReference reports whether a ledger line with the reference exists for the account.
func (q *queries) HasReference(ctx context.Context, accountType models.AccountType, accountID, ref string) (bool, error) {
	var one int
	err := q.db.QueryRowContext(ctx,
		"SELECT 1 FROM ledger_transactions WHERE account_type = ? AND account_id = ? AND reference = ? LIMIT 1",
		accountType, accountID, ref,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check ledger reference: %w", err)
	}
	return true, nil
}

// GetWallet returns the user's wallet. A user who was never credited has an empty wallet.
func (q *queries) GetWallet(ctx context.Context, userID string) (*models.Wallet, error) {
	w := &models.Wallet{UserID: userID}
	var updated sql.NullInt64
	err := q.db.QueryRowContext(ctx,
		"SELECT balance, updated_at FROM wallets WHERE user_id = ?", userID,
	).Scan(&w.Balance, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return w, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get wallet: %w", err)
	}
	w.UpdatedAt = fromMillis(updated)
	return w, nil
}

// ListTransactions returns the audit trail of one account, oldest first.
func (q *queries) ListTransactions(ctx context.Context, accountType models.AccountType, accountID string) ([]*models.LedgerTransaction, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT id, account_type, account_id, direction, amount, balance_after, kind, reference, tontine_id, created_at
		 FROM ledger_transactions WHERE account_type = ? AND account_id = ? ORDER BY id`,
		accountType, accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	var txs []*models.LedgerTransaction
	for rows.Next() {
		t := &models.LedgerTransaction{}
		var tontineID sql.NullString
		var created sql.NullInt64
		if err := rows.Scan(&t.ID, &t.AccountType, &t.AccountID, &t.Direction, &t.Amount,
			&t.BalanceAfter, &t.Kind, &t.Reference, &tontineID, &created); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		t.TontineID = tontineID.String
		t.CreatedAt = fromMillis(created)
		txs = append(txs, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate transactions: %w", err)
	}
	return txs, nil
}
