// Package membership manages tontines, their caisses and who belongs to them.
package membership

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mmynk/tontine/internal/apperr"
	"github.com/mmynk/tontine/internal/models"
	"github.com/mmynk/tontine/internal/notify"
	"github.com/mmynk/tontine/internal/storage"
)

// Registry is the membership registry.
type Registry struct {
	store    storage.Store
	notifier notify.Notifier
	now      func() time.Time
}

// New creates a Registry.
func New(store storage.Store, notifier notify.Notifier) *Registry {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Registry{store: store, notifier: notifier, now: func() time.Time { return time.Now().UTC() }}
}

// RequireRole returns the actor's active membership, checking that it holds
// one of roles. With no roles any active member passes.
func RequireRole(ctx context.Context, r storage.Reader, tontineID, userID string, roles ...models.Role) (*models.Member, error) {
	m, err := r.GetMember(ctx, tontineID, userID)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, apperr.ErrNotAMember
	}
	if err != nil {
		return nil, err
	}
	if m.Status != models.MemberActive {
		return nil, apperr.ErrNotAMember
	}
	if len(roles) > 0 && !slices.Contains(roles, m.Role) {
		return nil, apperr.ErrForbidden.WithMessage("role %s cannot perform this action", m.Role)
	}
	return m, nil
}

// CreateTontineInput describes a new tontine.
type CreateTontineInput struct {
	Name               string
	CreatorID          string
	ContributionAmount int64
	Frequency          models.Frequency
	MinMembers         int
	MaxMembers         int
	LatePenaltyPercent decimal.Decimal
	AbsenceFine        int64
	GraceDays          int
	// TotalCycles of 0 keeps the tontine running until cancelled.
	TotalCycles int
	// AllowRepeat lets a member be paid twice before everyone was paid once.
	AllowRepeat bool
}

func (in CreateTontineInput) validate() error {
	switch {
	case strings.TrimSpace(in.Name) == "":
		return apperr.Validation("name is required")
	case in.CreatorID == "":
		return apperr.Validation("creator is required")
	case in.ContributionAmount <= 0:
		return apperr.Validation("contribution amount must be positive")
	case !in.Frequency.Valid():
		return apperr.Validation("unknown frequency %q", in.Frequency)
	case in.MinMembers < 2:
		return apperr.Validation("a tontine needs at least 2 members")
	case in.MaxMembers < in.MinMembers:
		return apperr.Validation("max members must be at least min members")
	case in.LatePenaltyPercent.IsNegative() || in.LatePenaltyPercent.GreaterThan(decimal.NewFromInt(100)):
		return apperr.Validation("late penalty percent must be between 0 and 100")
	case in.AbsenceFine < 0:
		return apperr.Validation("absence fine cannot be negative")
	case in.GraceDays < 0:
		return apperr.Validation("grace days cannot be negative")
	case in.TotalCycles < 0:
		return apperr.Validation("total cycles cannot be negative")
	}
	return nil
}

// CreateTontine creates a tontine with its main and penalty caisses. The
// creator becomes its active admin.
func (r *Registry) CreateTontine(ctx context.Context, in CreateTontineInput) (*models.Tontine, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	now := r.now()
	t := &models.Tontine{
		Name:                      strings.TrimSpace(in.Name),
		CreatorID:                 in.CreatorID,
		ContributionAmount:        in.ContributionAmount,
		Frequency:                 in.Frequency,
		MinMembers:                in.MinMembers,
		MaxMembers:                in.MaxMembers,
		LatePenaltyPercent:        in.LatePenaltyPercent,
		AbsenceFine:               in.AbsenceFine,
		GraceDays:                 in.GraceDays,
		TotalCycles:               in.TotalCycles,
		NoRepeatUntilFullRotation: !in.AllowRepeat,
		Status:                    models.TontinePending,
		InviteCode:                newInviteCode(),
		CreatedAt:                 now,
	}

	err := r.store.WithTx(ctx, func(tx storage.Tx) error {
		if err := tx.CreateTontine(ctx, t); err != nil {
			return err
		}
		if err := tx.CreateCaisse(ctx, &models.Caisse{
			TontineID:          t.ID,
			Name:               "Main",
			Type:               models.CaisseMain,
			Required:           true,
			ContributionAmount: t.ContributionAmount,
			CreatedAt:          now,
		}); err != nil {
			return err
		}
		if err := tx.CreateCaisse(ctx, &models.Caisse{
			TontineID: t.ID,
			Name:      "Penalties",
			Type:      models.CaissePenalty,
			CreatedAt: now,
		}); err != nil {
			return err
		}
		return tx.CreateMember(ctx, &models.Member{
			TontineID: t.ID,
			UserID:    in.CreatorID,
			Role:      models.RoleAdmin,
			Status:    models.MemberActive,
			JoinedAt:  now,
		})
	})
	if err != nil {
		return nil, err
	}

	slog.Info("Tontine created", "tontine_id", t.ID, "creator_id", t.CreatorID, "frequency", t.Frequency)
	return t, nil
}

// GetTontine retrieves a tontine visible to an active member.
func (r *Registry) GetTontine(ctx context.Context, tontineID, actorID string) (*models.Tontine, error) {
	if _, err := RequireRole(ctx, r.store, tontineID, actorID); err != nil {
		return nil, err
	}
	return r.store.GetTontine(ctx, tontineID)
}

// AddCaisseInput describes an additional caisse.
type AddCaisseInput struct {
	Name               string
	Type               models.CaisseType
	Required           bool
	AllowCustomAmount  bool
	ContributionAmount int64
}

// AddCaisse adds a savings, solidarity or custom caisse.
func (r *Registry) AddCaisse(ctx context.Context, tontineID, actorID string, in AddCaisseInput) (*models.Caisse, error) {
	switch {
	case strings.TrimSpace(in.Name) == "":
		return nil, apperr.Validation("caisse name is required")
	case in.Type == models.CaisseMain || in.Type == models.CaissePenalty || !in.Type.Valid():
		return nil, apperr.Validation("caisse type must be savings, solidarity or custom")
	case in.ContributionAmount <= 0:
		return nil, apperr.Validation("contribution amount must be positive")
	}

	c := &models.Caisse{
		TontineID:          tontineID,
		Name:               strings.TrimSpace(in.Name),
		Type:               in.Type,
		Required:           in.Required,
		AllowCustomAmount:  in.AllowCustomAmount,
		ContributionAmount: in.ContributionAmount,
		CreatedAt:          r.now(),
	}
	err := r.store.WithTx(ctx, func(tx storage.Tx) error {
		if _, err := RequireRole(ctx, tx, tontineID, actorID, models.RoleAdmin, models.RolePresident, models.RoleTreasurer); err != nil {
			return err
		}
		if err := requireOpen(ctx, tx, tontineID); err != nil {
			return err
		}
		return tx.CreateCaisse(ctx, c)
	})
	if err != nil {
		return nil, err
	}

	slog.Info("Caisse added", "tontine_id", tontineID, "caisse_id", c.ID, "type", c.Type)
	return c, nil
}

// ListCaisses lists the caisses of a tontine for an active member.
func (r *Registry) ListCaisses(ctx context.Context, tontineID, actorID string) ([]*models.Caisse, error) {
	if _, err := RequireRole(ctx, r.store, tontineID, actorID); err != nil {
		return nil, err
	}
	return r.store.ListCaisses(ctx, tontineID)
}

// RegenerateInviteCode replaces the invite code, invalidating the old one.
func (r *Registry) RegenerateInviteCode(ctx context.Context, tontineID, actorID string) (string, error) {
	code := newInviteCode()
	err := r.store.WithTx(ctx, func(tx storage.Tx) error {
		if _, err := RequireRole(ctx, tx, tontineID, actorID, models.RoleAdmin, models.RolePresident, models.RoleSecretary); err != nil {
			return err
		}
		if err := requireOpen(ctx, tx, tontineID); err != nil {
			return err
		}
		return tx.SetInviteCode(ctx, tontineID, code)
	})
	if err != nil {
		return "", err
	}
	return code, nil
}

// RequestJoin files a pending membership through an invite code.
// A user who left or was removed may ask again; the old row is reused.
func (r *Registry) RequestJoin(ctx context.Context, inviteCode, userID string) (*models.Member, error) {
	if userID == "" {
		return nil, apperr.Validation("user is required")
	}

	var m *models.Member
	var admins []string
	err := r.store.WithTx(ctx, func(tx storage.Tx) error {
		t, err := tx.GetTontineByInviteCode(ctx, strings.ToUpper(strings.TrimSpace(inviteCode)))
		if err != nil {
			return err
		}
		if t.Status != models.TontinePending && t.Status != models.TontineActive {
			return apperr.ErrInvalidState.WithMessage("tontine is %s", t.Status)
		}

		m = &models.Member{
			TontineID: t.ID,
			UserID:    userID,
			Role:      models.RoleMember,
			Status:    models.MemberPending,
			JoinedAt:  r.now(),
		}
		if err := tx.CreateMember(ctx, m); err != nil {
			return err
		}
		admins, err = officers(ctx, tx, t.ID)
		return err
	})
	if err != nil {
		return nil, err
	}

	slog.Info("Join requested", "tontine_id", m.TontineID, "user_id", userID)
	r.notifier.Notify(ctx, notify.NewEvent(notify.EventJoinRequested, m.TontineID,
		map[string]string{"user_id": userID}, admins...))
	return m, nil
}

// Approve activates a pending member.
// Members approved after the payout order was drawn join at its end.
func (r *Registry) Approve(ctx context.Context, tontineID, actorID, userID string) (*models.Member, error) {
	var m *models.Member
	err := r.store.WithTx(ctx, func(tx storage.Tx) error {
		if _, err := RequireRole(ctx, tx, tontineID, actorID, models.RoleAdmin, models.RolePresident, models.RoleSecretary); err != nil {
			return err
		}
		t, err := tx.GetTontine(ctx, tontineID)
		if err != nil {
			return err
		}
		if t.Status != models.TontinePending && t.Status != models.TontineActive {
			return apperr.ErrInvalidState.WithMessage("tontine is %s", t.Status)
		}

		active, err := tx.ListMembersByStatus(ctx, tontineID, models.MemberActive)
		if err != nil {
			return err
		}
		if len(active) >= t.MaxMembers {
			return apperr.ErrInvalidState.WithMessage("tontine is full (%d members)", t.MaxMembers)
		}

		if err := tx.UpdateMemberStatus(ctx, tontineID, userID, models.MemberPending, models.MemberActive); err != nil {
			return err
		}

		last := 0
		for _, a := range active {
			if a.DrawPosition != nil && *a.DrawPosition > last {
				last = *a.DrawPosition
			}
		}
		if last > 0 {
			if err := tx.SetDrawPosition(ctx, tontineID, userID, last+1); err != nil {
				return err
			}
		}

		m, err = tx.GetMember(ctx, tontineID, userID)
		return err
	})
	if err != nil {
		return nil, err
	}

	slog.Info("Member approved", "tontine_id", tontineID, "user_id", userID, "approved_by", actorID)
	r.notifier.Notify(ctx, notify.NewEvent(notify.EventMemberApproved, tontineID, nil, userID))
	return m, nil
}

// Reject declines a pending membership request.
func (r *Registry) Reject(ctx context.Context, tontineID, actorID, userID string) error {
	err := r.store.WithTx(ctx, func(tx storage.Tx) error {
		if _, err := RequireRole(ctx, tx, tontineID, actorID, models.RoleAdmin, models.RolePresident, models.RoleSecretary); err != nil {
			return err
		}
		return tx.UpdateMemberStatus(ctx, tontineID, userID, models.MemberPending, models.MemberRemoved)
	})
	if err != nil {
		return err
	}
	slog.Info("Member rejected", "tontine_id", tontineID, "user_id", userID, "rejected_by", actorID)
	return nil
}

// Leave ends the caller's membership. Admins and presidents must hand their
// role over first, and nobody leaves with unsettled money.
func (r *Registry) Leave(ctx context.Context, tontineID, userID string) error {
	err := r.store.WithTx(ctx, func(tx storage.Tx) error {
		m, err := tx.GetMember(ctx, tontineID, userID)
		if errors.Is(err, apperr.ErrNotFound) {
			return apperr.ErrNotAMember
		}
		if err != nil {
			return err
		}
		if m.Status != models.MemberActive && m.Status != models.MemberPending {
			return apperr.ErrNotAMember
		}
		if err := requireClear(ctx, tx, m); err != nil {
			return err
		}
		return tx.UpdateMemberStatus(ctx, tontineID, userID, m.Status, models.MemberLeft)
	})
	if err != nil {
		return err
	}
	slog.Info("Member left", "tontine_id", tontineID, "user_id", userID)
	return nil
}

// ChangeRole assigns role to a member. Handing over admin or president
// demotes the actor to member in the same transaction.
func (r *Registry) ChangeRole(ctx context.Context, tontineID, actorID, userID string, role models.Role) (*models.Member, error) {
	if !role.Valid() {
		return nil, apperr.Validation("unknown role %q", role)
	}
	if actorID == userID {
		return nil, apperr.Validation("cannot change your own role")
	}

	var target *models.Member
	var events []*models.RoleEvent
	err := r.store.WithTx(ctx, func(tx storage.Tx) error {
		actor, err := RequireRole(ctx, tx, tontineID, actorID, models.RoleAdmin, models.RolePresident)
		if err != nil {
			return err
		}
		target, err = tx.GetMember(ctx, tontineID, userID)
		if errors.Is(err, apperr.ErrNotFound) {
			return apperr.ErrNotAMember
		}
		if err != nil {
			return err
		}
		if target.Status != models.MemberActive {
			return apperr.ErrNotAMember.WithMessage("user %s is not an active member", userID)
		}
		if target.Role == role {
			return nil
		}
		if actor.Role != models.RoleAdmin && (role == models.RoleAdmin || target.Role == models.RoleAdmin) {
			return apperr.ErrForbidden.WithMessage("only the admin can grant or revoke the admin role")
		}

		now := r.now()
		ev := &models.RoleEvent{
			TontineID: tontineID, UserID: userID, FromRole: target.Role, ToRole: role, ChangedBy: actorID, CreatedAt: now,
		}
		if err := tx.UpdateMemberRole(ctx, ev); err != nil {
			return err
		}
		events = append(events, ev)

		if role.Irrevocable() && actor.Role == role {
			demote := &models.RoleEvent{
				TontineID: tontineID, UserID: actorID, FromRole: actor.Role, ToRole: models.RoleMember, ChangedBy: actorID, CreatedAt: now,
			}
			if err := tx.UpdateMemberRole(ctx, demote); err != nil {
				return err
			}
			events = append(events, demote)
		}

		target.Role = role
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, ev := range events {
		slog.Info("Role changed", "tontine_id", tontineID, "user_id", ev.UserID, "from", ev.FromRole, "to", ev.ToRole, "changed_by", actorID)
		r.notifier.Notify(ctx, notify.NewEvent(notify.EventRoleChanged, tontineID,
			map[string]string{"from": string(ev.FromRole), "to": string(ev.ToRole)}, ev.UserID))
	}
	return target, nil
}

// Remove expels a member. Only the admin may do this, under the same
// conditions as Leave.
func (r *Registry) Remove(ctx context.Context, tontineID, actorID, userID string) error {
	if actorID == userID {
		return apperr.Validation("use leave to exit a tontine")
	}
	err := r.store.WithTx(ctx, func(tx storage.Tx) error {
		if _, err := RequireRole(ctx, tx, tontineID, actorID, models.RoleAdmin); err != nil {
			return err
		}
		m, err := tx.GetMember(ctx, tontineID, userID)
		if err != nil {
			return err
		}
		if m.Status != models.MemberActive && m.Status != models.MemberPending {
			return apperr.ErrInvalidState.WithMessage("member %s is already %s", userID, m.Status)
		}
		if err := requireClear(ctx, tx, m); err != nil {
			return err
		}
		return tx.UpdateMemberStatus(ctx, tontineID, userID, m.Status, models.MemberRemoved)
	})
	if err != nil {
		return err
	}
	slog.Info("Member removed", "tontine_id", tontineID, "user_id", userID, "removed_by", actorID)
	return nil
}

// ListMembers lists every membership, whatever its status, for an active member.
func (r *Registry) ListMembers(ctx context.Context, tontineID, actorID string) ([]*models.Member, error) {
	if _, err := RequireRole(ctx, r.store, tontineID, actorID); err != nil {
		return nil, err
	}
	return r.store.ListMembers(ctx, tontineID)
}

// ListRoleEvents returns the role audit trail.
func (r *Registry) ListRoleEvents(ctx context.Context, tontineID, actorID string) ([]*models.RoleEvent, error) {
	if _, err := RequireRole(ctx, r.store, tontineID, actorID); err != nil {
		return nil, err
	}
	return r.store.ListRoleEvents(ctx, tontineID)
}

// requireClear checks that m can exit: no irrevocable role and no unsettled money.
func requireClear(ctx context.Context, tx storage.Tx, m *models.Member) error {
	if m.Role.Irrevocable() {
		return apperr.ErrRoleTransferRequired.WithMessage("transfer the %s role of %s first", m.Role, m.UserID)
	}
	contributions, err := tx.CountPendingContributions(ctx, m.TontineID, m.UserID)
	if err != nil {
		return err
	}
	penalties, err := tx.CountPendingPenalties(ctx, m.TontineID, m.UserID)
	if err != nil {
		return err
	}
	if contributions > 0 || penalties > 0 {
		return apperr.ErrOutstandingObligations.WithMessage(
			"%d pending contributions and %d unpaid penalties must be settled first", contributions, penalties)
	}
	return nil
}

func requireOpen(ctx context.Context, r storage.Reader, tontineID string) error {
	t, err := r.GetTontine(ctx, tontineID)
	if err != nil {
		return err
	}
	if t.Status == models.TontineCompleted || t.Status == models.TontineCancelled {
		return apperr.ErrInvalidState.WithMessage("tontine is %s", t.Status)
	}
	return nil
}

// officers lists the active members who can act on join requests.
func officers(ctx context.Context, r storage.Reader, tontineID string) ([]string, error) {
	active, err := r.ListMembersByStatus(ctx, tontineID, models.MemberActive)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, m := range active {
		switch m.Role {
		case models.RoleAdmin, models.RolePresident, models.RoleSecretary:
			ids = append(ids, m.UserID)
		}
	}
	return ids, nil
}

// newInviteCode returns an 8 character code from a random UUID.
func newInviteCode() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.New().String(), "-", "")[:8])
}
