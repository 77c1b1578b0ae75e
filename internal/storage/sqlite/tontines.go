package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mmynk/tontine/internal/apperr"
	"github.com/mmynk/tontine/internal/models"
)

const tontineColumns = `id, name, creator_id, contribution_amount, frequency, min_members, max_members,
	late_penalty_percent, absence_fine, grace_days, total_cycles, no_repeat, current_cycle, status,
	invite_code, started_at, created_at`

// CreateTontine persists a new tontine.
func (q *queries) CreateTontine(ctx context.Context, t *models.Tontine) error {
	// Generate IDs if not set
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if t.Status == "" {
		t.Status = models.TontinePending
	}

	_, err := q.db.ExecContext(ctx,
		`INSERT INTO tontines (`+tontineColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Name, t.CreatorID, t.ContributionAmount, t.Frequency, t.MinMembers, t.MaxMembers,
		t.LatePenaltyPercent, t.AbsenceFine, t.GraceDays, t.TotalCycles, boolInt(t.NoRepeatUntilFullRotation),
		t.CurrentCycle, t.Status, t.InviteCode, toMillis(t.StartedAt), t.CreatedAt.UnixMilli(),
	)
	if isUniqueViolation(err) {
		return apperr.Validation("invite code already in use")
	}
	if err != nil {
		return fmt.Errorf("failed to insert tontine: %w", err)
	}
	return nil
}

func scanTontine(row interface{ Scan(...any) error }) (*models.Tontine, error) {
	t := &models.Tontine{}
	var noRepeat int
	var started, created sql.NullInt64
	err := row.Scan(&t.ID, &t.Name, &t.CreatorID, &t.ContributionAmount, &t.Frequency, &t.MinMembers,
		&t.MaxMembers, &t.LatePenaltyPercent, &t.AbsenceFine, &t.GraceDays, &t.TotalCycles, &noRepeat,
		&t.CurrentCycle, &t.Status, &t.InviteCode, &started, &created)
	if err != nil {
		return nil, err
	}
	t.NoRepeatUntilFullRotation = noRepeat == 1
	t.StartedAt = fromMillis(started)
	t.CreatedAt = fromMillis(created)
	return t, nil
}

// GetTontine retrieves a tontine by ID.
func (q *queries) GetTontine(ctx context.Context, tontineID string) (*models.Tontine, error) {
	t, err := scanTontine(q.db.QueryRowContext(ctx,
		"SELECT "+tontineColumns+" FROM tontines WHERE id = ?", tontineID))
	if err != nil {
		return nil, notFound(err, "tontine", tontineID)
	}
	return t, nil
}

// GetTontineByInviteCode retrieves a tontine by its current invite code.
func (q *queries) GetTontineByInviteCode(ctx context.Context, code string) (*models.Tontine, error) {
	t, err := scanTontine(q.db.QueryRowContext(ctx,
		"SELECT "+tontineColumns+" FROM tontines WHERE invite_code = ?", code))
	if err != nil {
		return nil, notFound(err, "invite code", code)
	}
	return t, nil
}

// ListTontinesByStatus retrieves every tontine in a status, oldest first.
func (q *queries) ListTontinesByStatus(ctx context.Context, status models.TontineStatus) ([]*models.Tontine, error) {
	rows, err := q.db.QueryContext(ctx,
		"SELECT "+tontineColumns+" FROM tontines WHERE status = ? ORDER BY created_at", status)
	if err != nil {
		return nil, fmt.Errorf("failed to list tontines: %w", err)
	}
	defer rows.Close()

	var tontines []*models.Tontine
	for rows.Next() {
		t, err := scanTontine(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan tontine: %w", err)
		}
		tontines = append(tontines, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate tontines: %w", err)
	}
	return tontines, nil
}

// UpdateTontineStatus moves a tontine between statuses.
func (q *queries) UpdateTontineStatus(ctx context.Context, tontineID string, from, to models.TontineStatus) error {
	res, err := q.db.ExecContext(ctx,
		"UPDATE tontines SET status = ? WHERE id = ? AND status = ?", to, tontineID, from)
	if err != nil {
		return fmt.Errorf("failed to update tontine status: %w", err)
	}
	return checkAffected(res, apperr.ErrInvalidState.WithMessage("tontine %s is not %s", tontineID, from))
}

// StartTontine activates a pending tontine at cycle 1.
func (q *queries) StartTontine(ctx context.Context, tontineID string, startedAt time.Time) error {
	res, err := q.db.ExecContext(ctx,
		"UPDATE tontines SET status = ?, current_cycle = 1, started_at = ? WHERE id = ? AND status = ?",
		models.TontineActive, startedAt.UnixMilli(), tontineID, models.TontinePending)
	if err != nil {
		return fmt.Errorf("failed to start tontine: %w", err)
	}
	return checkAffected(res, apperr.ErrInvalidState.WithMessage("tontine %s is not pending", tontineID))
}

// SetCurrentCycle records the cycle in progress.
func (q *queries) SetCurrentCycle(ctx context.Context, tontineID string, cycle int) error {
	res, err := q.db.ExecContext(ctx,
		"UPDATE tontines SET current_cycle = ? WHERE id = ?", cycle, tontineID)
	if err != nil {
		return fmt.Errorf("failed to set current cycle: %w", err)
	}
	return checkAffected(res, apperr.NotFound("tontine", tontineID))
}

// SetInviteCode replaces the invite code.
func (q *queries) SetInviteCode(ctx context.Context, tontineID, code string) error {
	res, err := q.db.ExecContext(ctx,
		"UPDATE tontines SET invite_code = ? WHERE id = ?", code, tontineID)
	if isUniqueViolation(err) {
		return apperr.Validation("invite code already in use")
	}
	if err != nil {
		return fmt.Errorf("failed to set invite code: %w", err)
	}
	return checkAffected(res, apperr.NotFound("tontine", tontineID))
}

const caisseColumns = "id, tontine_id, name, type, required, allow_custom_amount, contribution_amount, balance, created_at"

// CreateCaisse persists a new caisse with a zero balance.
// Balances are never written here; only the ledger primitives move money.
func (q *queries) CreateCaisse(ctx context.Context, c *models.Caisse) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	c.Balance = 0

	_, err := q.db.ExecContext(ctx,
		`INSERT INTO caisses (`+caisseColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		c.ID, c.TontineID, c.Name, c.Type, boolInt(c.Required), boolInt(c.AllowCustomAmount),
		c.ContributionAmount, c.CreatedAt.UnixMilli(),
	)
	if isUniqueViolation(err) {
		return apperr.Validation("tontine already has a %s caisse", c.Type)
	}
	if err != nil {
		return fmt.Errorf("failed to insert caisse: %w", err)
	}
	return nil
}

func scanCaisse(row interface{ Scan(...any) error }) (*models.Caisse, error) {
	c := &models.Caisse{}
	var required, custom int
	var created sql.NullInt64
	if err := row.Scan(&c.ID, &c.TontineID, &c.Name, &c.Type, &required, &custom,
		&c.ContributionAmount, &c.Balance, &created); err != nil {
		return nil, err
	}
	c.Required = required == 1
	c.AllowCustomAmount = custom == 1
	c.CreatedAt = fromMillis(created)
	return c, nil
}

// GetCaisse retrieves a caisse by ID.
func (q *queries) GetCaisse(ctx context.Context, caisseID string) (*models.Caisse, error) {
	c, err := scanCaisse(q.db.QueryRowContext(ctx,
		"SELECT "+caisseColumns+" FROM caisses WHERE id = ?", caisseID))
	if err != nil {
		return nil, notFound(err, "caisse", caisseID)
	}
	return c, nil
}

// GetCaisseByType retrieves the first caisse of a type in a tontine.
func (q *queries) GetCaisseByType(ctx context.Context, tontineID string, caisseType models.CaisseType) (*models.Caisse, error) {
	c, err := scanCaisse(q.db.QueryRowContext(ctx,
		"SELECT "+caisseColumns+" FROM caisses WHERE tontine_id = ? AND type = ? ORDER BY created_at LIMIT 1",
		tontineID, caisseType))
	if err != nil {
		return nil, notFound(err, string(caisseType)+" caisse", tontineID)
	}
	return c, nil
}

// ListCaisses retrieves all caisses of a tontine.
func (q *queries) ListCaisses(ctx context.Context, tontineID string) ([]*models.Caisse, error) {
	rows, err := q.db.QueryContext(ctx,
		"SELECT "+caisseColumns+" FROM caisses WHERE tontine_id = ? ORDER BY created_at, id", tontineID)
	if err != nil {
		return nil, fmt.Errorf("failed to list caisses: %w", err)
	}
	defer rows.Close()

	var caisses []*models.Caisse
	for rows.Next() {
		c, err := scanCaisse(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan caisse: %w", err)
		}
		caisses = append(caisses, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate caisses: %w", err)
	}
	return caisses, nil
}
