package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mmynk/tontine/internal/apperr"
	"github.com/mmynk/tontine/internal/models"
)

const drawColumns = "id, tontine_id, cycle_number, status, draw_order, seal, started_at, completed_at, created_at"

// CreateDraw persists a new draw. Only one draw exists per tontine and cycle.
func (q *queries) CreateDraw(ctx context.Context, d *models.Draw) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	if d.Status == "" {
		d.Status = models.DrawPending
	}

	_, err := q.db.ExecContext(ctx,
		`INSERT INTO draws (id, tontine_id, cycle_number, status, created_at) VALUES (?, ?, ?, ?, ?)`,
		d.ID, d.TontineID, d.CycleNumber, d.Status, d.CreatedAt.UnixMilli())
	if isUniqueViolation(err) {
		return apperr.ErrDuplicateDraw.WithError(err)
	}
	if err != nil {
		return fmt.Errorf("failed to insert draw: %w", err)
	}
	return nil
}

func scanDraw(row interface{ Scan(...any) error }) (*models.Draw, error) {
	d := &models.Draw{}
	var order, seal sql.NullString
	var started, completed, created sql.NullInt64
	if err := row.Scan(&d.ID, &d.TontineID, &d.CycleNumber, &d.Status, &order, &seal,
		&started, &completed, &created); err != nil {
		return nil, err
	}
	if order.Valid && order.String != "" {
		if err := json.Unmarshal([]byte(order.String), &d.Order); err != nil {
			return nil, fmt.Errorf("failed to decode draw order: %w", err)
		}
	}
	d.Seal = seal.String
	d.StartedAt = fromMillis(started)
	d.CompletedAt = fromMillis(completed)
	d.CreatedAt = fromMillis(created)
	return d, nil
}

// loadConfirmations fills in the confirmation set, oldest first.
func (q *queries) loadConfirmations(ctx context.Context, d *models.Draw) error {
	rows, err := q.db.QueryContext(ctx,
		"SELECT user_id FROM draw_confirmations WHERE draw_id = ? ORDER BY confirmed_at, user_id", d.ID)
	if err != nil {
		return fmt.Errorf("failed to list confirmations: %w", err)
	}
	defer rows.Close()

	d.Confirmations = nil
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return fmt.Errorf("failed to scan confirmation: %w", err)
		}
		d.Confirmations = append(d.Confirmations, userID)
	}
	return rows.Err()
}

// GetDraw retrieves a draw with its confirmations.
func (q *queries) GetDraw(ctx context.Context, drawID string) (*models.Draw, error) {
	d, err := scanDraw(q.db.QueryRowContext(ctx,
		"SELECT "+drawColumns+" FROM draws WHERE id = ?", drawID))
	if err != nil {
		return nil, notFound(err, "draw", drawID)
	}
	if err := q.loadConfirmations(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

// GetDrawForCycle returns the draw requested for a cycle, or nil.
func (q *queries) GetDrawForCycle(ctx context.Context, tontineID string, cycle int) (*models.Draw, error) {
	d, err := scanDraw(q.db.QueryRowContext(ctx,
		"SELECT "+drawColumns+" FROM draws WHERE tontine_id = ? AND cycle_number = ?", tontineID, cycle))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get draw: %w", err)
	}
	if err := q.loadConfirmations(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

// UpdateDrawStatus moves a draw between statuses. Entering drawing stamps StartedAt.
func (q *queries) UpdateDrawStatus(ctx context.Context, drawID string, from, to models.DrawStatus) error {
	query := "UPDATE draws SET status = ? WHERE id = ? AND status = ?"
	args := []any{to, drawID, from}
	if to == models.DrawDrawing {
		query = "UPDATE draws SET status = ?, started_at = ? WHERE id = ? AND status = ?"
		args = []any{to, time.Now().UnixMilli(), drawID, from}
	}

	res, err := q.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update draw status: %w", err)
	}
	return checkAffected(res, apperr.ErrInvalidState.WithMessage("draw %s is not %s", drawID, from))
}

// AddConfirmation records a participation confirmation. Repeats are ignored.
func (q *queries) AddConfirmation(ctx context.Context, drawID, userID string) (bool, error) {
	res, err := q.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO draw_confirmations (draw_id, user_id, confirmed_at) VALUES (?, ?, ?)",
		drawID, userID, time.Now().UnixMilli())
	if err != nil {
		return false, fmt.Errorf("failed to insert confirmation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n == 1, nil
}

// ClearDrawResult discards any partially written result.
func (q *queries) ClearDrawResult(ctx context.Context, drawID string) error {
	res, err := q.db.ExecContext(ctx,
		"UPDATE draws SET draw_order = NULL, seal = NULL, started_at = NULL, completed_at = NULL WHERE id = ?", drawID)
	if err != nil {
		return fmt.Errorf("failed to clear draw result: %w", err)
	}
	return checkAffected(res, apperr.NotFound("draw", drawID))
}

// CompleteDraw stores the order and seal and moves the draw from drawing to completed.
func (q *queries) CompleteDraw(ctx context.Context, drawID string, order []string, seal string, completedAt time.Time) error {
	encoded, err := json.Marshal(order)
	if err != nil {
		return fmt.Errorf("failed to encode draw order: %w", err)
	}

	res, err := q.db.ExecContext(ctx,
		`UPDATE draws SET status = ?, draw_order = ?, seal = ?, completed_at = ?
		 WHERE id = ? AND status = ?`,
		models.DrawCompleted, string(encoded), seal, completedAt.UnixMilli(), drawID, models.DrawDrawing)
	if err != nil {
		return fmt.Errorf("failed to complete draw: %w", err)
	}
	return checkAffected(res, apperr.ErrInvalidState.WithMessage("draw %s is not drawing", drawID))
}

const cycleColumns = "tontine_id, number, state, due_at, beneficiary_id, payout_amount, paid_at"

// CreateCycle persists a cycle row.
func (q *queries) CreateCycle(ctx context.Context, c *models.Cycle) error {
	if c.State == "" {
		c.State = models.CycleAwaitingContributions
	}
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO cycles (`+cycleColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.TontineID, c.Number, c.State, toMillis(c.DueAt), nullString(c.BeneficiaryID), c.PayoutAmount, toMillis(c.PaidAt))
	if isUniqueViolation(err) {
		return apperr.ErrInvalidState.WithMessage("cycle %d already exists", c.Number)
	}
	if err != nil {
		return fmt.Errorf("failed to insert cycle: %w", err)
	}
	return nil
}

// GetCycle retrieves one cycle of a tontine.
func (q *queries) GetCycle(ctx context.Context, tontineID string, number int) (*models.Cycle, error) {
	c := &models.Cycle{}
	var due, paid sql.NullInt64
	var beneficiary sql.NullString
	err := q.db.QueryRowContext(ctx,
		"SELECT "+cycleColumns+" FROM cycles WHERE tontine_id = ? AND number = ?", tontineID, number,
	).Scan(&c.TontineID, &c.Number, &c.State, &due, &beneficiary, &c.PayoutAmount, &paid)
	if err != nil {
		return nil, notFound(err, "cycle", fmt.Sprintf("%s/%d", tontineID, number))
	}
	c.DueAt = fromMillis(due)
	c.BeneficiaryID = beneficiary.String
	c.PaidAt = fromMillis(paid)
	return c, nil
}

// UpdateCycleState moves a cycle between scheduler states.
func (q *queries) UpdateCycleState(ctx context.Context, tontineID string, number int, from, to models.CycleState) error {
	res, err := q.db.ExecContext(ctx,
		"UPDATE cycles SET state = ? WHERE tontine_id = ? AND number = ? AND state = ?",
		to, tontineID, number, from)
	if err != nil {
		return fmt.Errorf("failed to update cycle state: %w", err)
	}
	return checkAffected(res, apperr.ErrInvalidState.WithMessage("cycle %d is not %s", number, from))
}

// RecordCyclePayout stamps the payout on the cycle row. It only succeeds once.
func (q *queries) RecordCyclePayout(ctx context.Context, tontineID string, number int, beneficiaryID string, amount int64, paidAt time.Time) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE cycles SET beneficiary_id = ?, payout_amount = ?, paid_at = ?
		 WHERE tontine_id = ? AND number = ? AND paid_at IS NULL`,
		beneficiaryID, amount, paidAt.UnixMilli(), tontineID, number)
	if err != nil {
		return fmt.Errorf("failed to record cycle payout: %w", err)
	}
	return checkAffected(res, apperr.Invariant("cycle %d of tontine %s was already paid", number, tontineID))
}
