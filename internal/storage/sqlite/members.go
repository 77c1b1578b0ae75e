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

const memberColumns = `tontine_id, user_id, role, status, draw_position, total_contributed, total_received,
	has_received, last_received_cycle, joined_at`

// CreateMember inserts a membership row, or re-opens a row for a user who
// left or was removed. Rows are never deleted.
func (q *queries) CreateMember(ctx context.Context, m *models.Member) error {
	if m.JoinedAt.IsZero() {
		m.JoinedAt = time.Now().UTC()
	}

	res, err := q.db.ExecContext(ctx,
		`INSERT INTO members (tontine_id, user_id, role, status, joined_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(tontine_id, user_id) DO UPDATE SET
		     role = excluded.role, status = excluded.status, joined_at = excluded.joined_at, draw_position = NULL
		 WHERE members.status IN ('left', 'removed')`,
		m.TontineID, m.UserID, m.Role, m.Status, m.JoinedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert member: %w", err)
	}
	return checkAffected(res, apperr.ErrInvalidState.WithMessage("user %s is already a member", m.UserID))
}

func scanMember(row interface{ Scan(...any) error }) (*models.Member, error) {
	m := &models.Member{}
	var position sql.NullInt64
	var hasReceived int
	var joined sql.NullInt64
	if err := row.Scan(&m.TontineID, &m.UserID, &m.Role, &m.Status, &position, &m.TotalContributed,
		&m.TotalReceived, &hasReceived, &m.LastReceivedCycle, &joined); err != nil {
		return nil, err
	}
	if position.Valid {
		p := int(position.Int64)
		m.DrawPosition = &p
	}
	m.HasReceived = hasReceived == 1
	m.JoinedAt = fromMillis(joined)
	return m, nil
}

// GetMember retrieves one membership.
func (q *queries) GetMember(ctx context.Context, tontineID, userID string) (*models.Member, error) {
	m, err := scanMember(q.db.QueryRowContext(ctx,
		"SELECT "+memberColumns+" FROM members WHERE tontine_id = ? AND user_id = ?", tontineID, userID))
	if err != nil {
		return nil, notFound(err, "member", userID)
	}
	return m, nil
}

// ListMembers retrieves every membership of a tontine in join order.
func (q *queries) ListMembers(ctx context.Context, tontineID string) ([]*models.Member, error) {
	return q.listMembers(ctx,
		"SELECT "+memberColumns+" FROM members WHERE tontine_id = ? ORDER BY joined_at, user_id", tontineID)
}

// ListMembersByStatus retrieves the memberships of a tontine in one status.
func (q *queries) ListMembersByStatus(ctx context.Context, tontineID string, status models.MemberStatus) ([]*models.Member, error) {
	return q.listMembers(ctx,
		"SELECT "+memberColumns+" FROM members WHERE tontine_id = ? AND status = ? ORDER BY joined_at, user_id",
		tontineID, status)
}

func (q *queries) listMembers(ctx context.Context, query string, args ...any) ([]*models.Member, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}
	defer rows.Close()

	var members []*models.Member
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan member: %w", err)
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate members: %w", err)
	}
	return members, nil
}

// UpdateMemberStatus moves a membership between statuses.
func (q *queries) UpdateMemberStatus(ctx context.Context, tontineID, userID string, from, to models.MemberStatus) error {
	res, err := q.db.ExecContext(ctx,
		"UPDATE members SET status = ? WHERE tontine_id = ? AND user_id = ? AND status = ?",
		to, tontineID, userID, from)
	if err != nil {
		return fmt.Errorf("failed to update member status: %w", err)
	}
	return checkAffected(res, apperr.ErrInvalidState.WithMessage("member %s is not %s", userID, from))
}

// UpdateMemberRole applies a role change and appends its audit event.
func (q *queries) UpdateMemberRole(ctx context.Context, ev *models.RoleEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	res, err := q.db.ExecContext(ctx,
		"UPDATE members SET role = ? WHERE tontine_id = ? AND user_id = ? AND role = ?",
		ev.ToRole, ev.TontineID, ev.UserID, ev.FromRole)
	if err != nil {
		return fmt.Errorf("failed to update member role: %w", err)
	}
	if err := checkAffected(res, apperr.ErrInvalidState.WithMessage("member %s no longer holds role %s", ev.UserID, ev.FromRole)); err != nil {
		return err
	}

	_, err = q.db.ExecContext(ctx,
		`INSERT INTO role_events (id, tontine_id, user_id, from_role, to_role, changed_by, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.TontineID, ev.UserID, ev.FromRole, ev.ToRole, ev.ChangedBy, ev.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to insert role event: %w", err)
	}
	return nil
}

// ListRoleEvents returns the role audit trail of a tontine, oldest first.
func (q *queries) ListRoleEvents(ctx context.Context, tontineID string) ([]*models.RoleEvent, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT id, tontine_id, user_id, from_role, to_role, changed_by, created_at
		 FROM role_events WHERE tontine_id = ? ORDER BY created_at, rowid`, tontineID)
	if err != nil {
		return nil, fmt.Errorf("failed to list role events: %w", err)
	}
	defer rows.Close()

	var events []*models.RoleEvent
	for rows.Next() {
		ev := &models.RoleEvent{}
		var created sql.NullInt64
		if err := rows.Scan(&ev.ID, &ev.TontineID, &ev.UserID, &ev.FromRole, &ev.ToRole, &ev.ChangedBy, &created); err != nil {
			return nil, fmt.Errorf("failed to scan role event: %w", err)
		}
		ev.CreatedAt = fromMillis(created)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate role events: %w", err)
	}
	return events, nil
}

// AddMemberContributed bumps the cumulative contributed counter.
func (q *queries) AddMemberContributed(ctx context.Context, tontineID, userID string, amount int64) error {
	res, err := q.db.ExecContext(ctx,
		"UPDATE members SET total_contributed = total_contributed + ? WHERE tontine_id = ? AND user_id = ?",
		amount, tontineID, userID)
	if err != nil {
		return fmt.Errorf("failed to update member contributions: %w", err)
	}
	return checkAffected(res, apperr.NotFound("member", userID))
}

// RecordMemberPayout marks the member paid for the cycle.
func (q *queries) RecordMemberPayout(ctx context.Context, tontineID, userID string, amount int64, cycle int) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE members SET total_received = total_received + ?, has_received = 1, last_received_cycle = ?
		 WHERE tontine_id = ? AND user_id = ?`,
		amount, cycle, tontineID, userID)
	if err != nil {
		return fmt.Errorf("failed to record member payout: %w", err)
	}
	return checkAffected(res, apperr.NotFound("member", userID))
}

// ResetReceivedFlags clears the per-cycle received flag of every member.
func (q *queries) ResetReceivedFlags(ctx context.Context, tontineID string) error {
	_, err := q.db.ExecContext(ctx,
		"UPDATE members SET has_received = 0 WHERE tontine_id = ?", tontineID)
	if err != nil {
		return fmt.Errorf("failed to reset received flags: %w", err)
	}
	return nil
}

// SetDrawPositions assigns 1-indexed positions from a draw order and clears
// the position of everyone not in it.
func (q *queries) SetDrawPositions(ctx context.Context, tontineID string, order []string) error {
	if _, err := q.db.ExecContext(ctx,
		"UPDATE members SET draw_position = NULL WHERE tontine_id = ?", tontineID); err != nil {
		return fmt.Errorf("failed to clear draw positions: %w", err)
	}
	for i, userID := range order {
		res, err := q.db.ExecContext(ctx,
			"UPDATE members SET draw_position = ? WHERE tontine_id = ? AND user_id = ?",
			i+1, tontineID, userID)
		if err != nil {
			return fmt.Errorf("failed to set draw position: %w", err)
		}
		if err := checkAffected(res, apperr.Invariant("draw order names unknown member %s", userID)); err != nil {
			return err
		}
	}
	return nil
}

// SetDrawPosition places one member in the payout order.
func (q *queries) SetDrawPosition(ctx context.Context, tontineID, userID string, position int) error {
	res, err := q.db.ExecContext(ctx,
		"UPDATE members SET draw_position = ? WHERE tontine_id = ? AND user_id = ?",
		position, tontineID, userID)
	if err != nil {
		return fmt.Errorf("failed to set draw position: %w", err)
	}
	return checkAffected(res, apperr.NotFound("member", userID))
}
