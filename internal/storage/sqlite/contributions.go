package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mmynk/tontine/internal/apperr"
	"github.com/mmynk/tontine/internal/models"
)

const contributionColumns = `id, tontine_id, caisse_id, user_id, amount, cycle_number, method, status, partial,
	due_at, paid_at, transaction_ref, created_at`

// CreateContribution persists a new contribution.
// A second pending or completed row for the same (user, caisse, cycle) is
// rejected by the idempotency index.
func (q *queries) CreateContribution(ctx context.Context, c *models.Contribution) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}

	_, err := q.db.ExecContext(ctx,
		`INSERT INTO contributions (`+contributionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.TontineID, c.CaisseID, c.UserID, c.Amount, c.CycleNumber, c.Method, c.Status,
		boolInt(c.Partial), toMillis(c.DueAt), toMillis(c.PaidAt), c.TransactionRef, c.CreatedAt.UnixMilli(),
	)
	if isUniqueViolation(err) {
		return apperr.ErrDuplicateContribution.WithError(err)
	}
	if err != nil {
		return fmt.Errorf("failed to insert contribution: %w", err)
	}
	return nil
}

func scanContribution(row interface{ Scan(...any) error }) (*models.Contribution, error) {
	c := &models.Contribution{}
	var partial int
	var due, paid, created sql.NullInt64
	if err := row.Scan(&c.ID, &c.TontineID, &c.CaisseID, &c.UserID, &c.Amount, &c.CycleNumber, &c.Method,
		&c.Status, &partial, &due, &paid, &c.TransactionRef, &created); err != nil {
		return nil, err
	}
	c.Partial = partial == 1
	c.DueAt = fromMillis(due)
	c.PaidAt = fromMillis(paid)
	c.CreatedAt = fromMillis(created)
	return c, nil
}

// GetContribution retrieves a contribution by ID.
func (q *queries) GetContribution(ctx context.Context, contributionID string) (*models.Contribution, error) {
	c, err := scanContribution(q.db.QueryRowContext(ctx,
		"SELECT "+contributionColumns+" FROM contributions WHERE id = ?", contributionID))
	if err != nil {
		return nil, notFound(err, "contribution", contributionID)
	}
	return c, nil
}

// GetContributionByRef retrieves a contribution by its payment reference.
func (q *queries) GetContributionByRef(ctx context.Context, ref string) (*models.Contribution, error) {
	c, err := scanContribution(q.db.QueryRowContext(ctx,
		"SELECT "+contributionColumns+" FROM contributions WHERE transaction_ref = ?", ref))
	if err != nil {
		return nil, notFound(err, "contribution", ref)
	}
	return c, nil
}

// FindActiveContribution returns the pending or completed contribution for the key, or nil.
func (q *queries) FindActiveContribution(ctx context.Context, userID, caisseID string, cycle int) (*models.Contribution, error) {
	c, err := scanContribution(q.db.QueryRowContext(ctx,
		"SELECT "+contributionColumns+` FROM contributions
		 WHERE user_id = ? AND caisse_id = ? AND cycle_number = ? AND status IN ('pending', 'completed')`,
		userID, caisseID, cycle))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find contribution: %w", err)
	}
	return c, nil
}

// ListContributions retrieves the contributions of a tontine for one cycle,
// or for every cycle when cycle is 0.
func (q *queries) ListContributions(ctx context.Context, tontineID string, cycle int) ([]*models.Contribution, error) {
	query := "SELECT " + contributionColumns + " FROM contributions WHERE tontine_id = ?"
	args := []any{tontineID}
	if cycle > 0 {
		query += " AND cycle_number = ?"
		args = append(args, cycle)
	}
	query += " ORDER BY created_at, id"

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list contributions: %w", err)
	}
	defer rows.Close()

	var contributions []*models.Contribution
	for rows.Next() {
		c, err := scanContribution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan contribution: %w", err)
		}
		contributions = append(contributions, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate contributions: %w", err)
	}
	return contributions, nil
}

// CountPendingContributions counts a member's contributions awaiting settlement.
func (q *queries) CountPendingContributions(ctx context.Context, tontineID, userID string) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM contributions WHERE tontine_id = ? AND user_id = ? AND status = ?",
		tontineID, userID, models.ContributionPending,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending contributions: %w", err)
	}
	return n, nil
}

// UpdateContributionStatus settles a pending contribution. Completed and
// failed rows are final and never touched again.
func (q *queries) UpdateContributionStatus(ctx context.Context, contributionID string, to models.ContributionStatus, paidAt time.Time) error {
	res, err := q.db.ExecContext(ctx,
		"UPDATE contributions SET status = ?, paid_at = ? WHERE id = ? AND status = ?",
		to, toMillis(paidAt), contributionID, models.ContributionPending)
	if err != nil {
		return fmt.Errorf("failed to update contribution status: %w", err)
	}
	return checkAffected(res, apperr.ErrInvalidState.WithMessage("contribution %s is not pending", contributionID))
}

const penaltyColumns = `id, tontine_id, user_id, caisse_id, contribution_id, cycle_number, type, amount, reason,
	status, created_at, paid_at`

// CreatePenalty inserts a penalty unless the violation is already recorded.
func (q *queries) CreatePenalty(ctx context.Context, p *models.Penalty) (bool, error) {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	if p.Status == "" {
		p.Status = models.PenaltyPending
	}

	res, err := q.db.ExecContext(ctx,
		`INSERT INTO penalties (`+penaltyColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(tontine_id, user_id, cycle_number, caisse_id, type) DO NOTHING`,
		p.ID, p.TontineID, p.UserID, p.CaisseID, nullString(p.ContributionID), p.CycleNumber, p.Type,
		p.Amount, p.Reason, p.Status, p.CreatedAt.UnixMilli(), toMillis(p.PaidAt),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert penalty: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n == 1, nil
}

func scanPenalty(row interface{ Scan(...any) error }) (*models.Penalty, error) {
	p := &models.Penalty{}
	var contributionID sql.NullString
	var created, paid sql.NullInt64
	if err := row.Scan(&p.ID, &p.TontineID, &p.UserID, &p.CaisseID, &contributionID, &p.CycleNumber,
		&p.Type, &p.Amount, &p.Reason, &p.Status, &created, &paid); err != nil {
		return nil, err
	}
	p.ContributionID = contributionID.String
	p.CreatedAt = fromMillis(created)
	p.PaidAt = fromMillis(paid)
	return p, nil
}

// GetPenalty retrieves a penalty by ID.
func (q *queries) GetPenalty(ctx context.Context, penaltyID string) (*models.Penalty, error) {
	p, err := scanPenalty(q.db.QueryRowContext(ctx,
		"SELECT "+penaltyColumns+" FROM penalties WHERE id = ?", penaltyID))
	if err != nil {
		return nil, notFound(err, "penalty", penaltyID)
	}
	return p, nil
}

// ListPenalties retrieves the penalties of a tontine for one cycle, or all when cycle is 0.
func (q *queries) ListPenalties(ctx context.Context, tontineID string, cycle int) ([]*models.Penalty, error) {
	query := "SELECT " + penaltyColumns + " FROM penalties WHERE tontine_id = ?"
	args := []any{tontineID}
	if cycle > 0 {
		query += " AND cycle_number = ?"
		args = append(args, cycle)
	}
	query += " ORDER BY created_at, id"

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list penalties: %w", err)
	}
	defer rows.Close()

	var penalties []*models.Penalty
	for rows.Next() {
		p, err := scanPenalty(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan penalty: %w", err)
		}
		penalties = append(penalties, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate penalties: %w", err)
	}
	return penalties, nil
}

// CountPendingPenalties counts a member's unpaid penalties.
func (q *queries) CountPendingPenalties(ctx context.Context, tontineID, userID string) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM penalties WHERE tontine_id = ? AND user_id = ? AND status = ? AND amount > 0",
		tontineID, userID, models.PenaltyPending,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending penalties: %w", err)
	}
	return n, nil
}

// MarkPenaltyPaid moves a pending penalty to paid.
func (q *queries) MarkPenaltyPaid(ctx context.Context, penaltyID string, paidAt time.Time) error {
	res, err := q.db.ExecContext(ctx,
		"UPDATE penalties SET status = ?, paid_at = ? WHERE id = ? AND status = ?",
		models.PenaltyPaid, paidAt.UnixMilli(), penaltyID, models.PenaltyPending)
	if err != nil {
		return fmt.Errorf("failed to mark penalty paid: %w", err)
	}
	return checkAffected(res, apperr.ErrInvalidState.WithMessage("penalty %s is not pending", penaltyID))
}
