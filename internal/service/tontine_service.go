package service

import (
	"context"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/mmynk/tontine/internal/apperr"
	"github.com/mmynk/tontine/internal/membership"
	"github.com/mmynk/tontine/internal/models"
)

// TontineService implements tontine.v1.TontineService: tontine setup,
// caisses and membership.
type TontineService struct {
	registry *membership.Registry
}

// NewTontineService creates a TontineService over the membership registry.
func NewTontineService(registry *membership.Registry) *TontineService {
	return &TontineService{registry: registry}
}

// CreateTontine creates a tontine owned by the caller.
func (s *TontineService) CreateTontine(ctx context.Context, userID string, req *CreateTontineRequest) (*TontineResponse, error) {
	slog.Info("CreateTontine request received",
		"name", req.Name,
		"creator_id", userID,
		"frequency", req.Frequency,
	)

	percent := decimal.Zero
	if req.LatePenaltyPercent != "" {
		var err error
		percent, err = decimal.NewFromString(req.LatePenaltyPercent)
		if err != nil {
			return nil, apperr.Validation("late_penalty_percent is not a number")
		}
	}

	t, err := s.registry.CreateTontine(ctx, membership.CreateTontineInput{
		Name:               req.Name,
		CreatorID:          userID,
		ContributionAmount: req.ContributionAmount,
		Frequency:          models.Frequency(req.Frequency),
		MinMembers:         req.MinMembers,
		MaxMembers:         req.MaxMembers,
		LatePenaltyPercent: percent,
		AbsenceFine:        req.AbsenceFine,
		GraceDays:          req.GraceDays,
		TotalCycles:        req.TotalCycles,
		AllowRepeat:        req.AllowRepeat,
	})
	if err != nil {
		return nil, err
	}
	return &TontineResponse{Tontine: toTontine(t)}, nil
}

// GetTontine returns a tontine to one of its members.
func (s *TontineService) GetTontine(ctx context.Context, userID string, req *TontineRequest) (*TontineResponse, error) {
	t, err := s.registry.GetTontine(ctx, req.TontineID, userID)
	if err != nil {
		return nil, err
	}
	return &TontineResponse{Tontine: toTontine(t)}, nil
}

// AddCaisse adds a savings, solidarity or custom caisse.
func (s *TontineService) AddCaisse(ctx context.Context, userID string, req *AddCaisseRequest) (*CaisseResponse, error) {
	c, err := s.registry.AddCaisse(ctx, req.TontineID, userID, membership.AddCaisseInput{
		Name:               req.Name,
		Type:               models.CaisseType(req.Type),
		Required:           req.Required,
		AllowCustomAmount:  req.AllowCustomAmount,
		ContributionAmount: req.ContributionAmount,
	})
	if err != nil {
		return nil, err
	}
	return &CaisseResponse{Caisse: toCaisse(c)}, nil
}

// ListCaisses lists a tontine's caisses with their balances.
func (s *TontineService) ListCaisses(ctx context.Context, userID string, req *TontineRequest) (*ListCaissesResponse, error) {
	caisses, err := s.registry.ListCaisses(ctx, req.TontineID, userID)
	if err != nil {
		return nil, err
	}
	out := make([]*Caisse, len(caisses))
	for i, c := range caisses {
		out[i] = toCaisse(c)
	}
	return &ListCaissesResponse{Caisses: out}, nil
}

// RegenerateInviteCode replaces the invite code.
func (s *TontineService) RegenerateInviteCode(ctx context.Context, userID string, req *TontineRequest) (*InviteCodeResponse, error) {
	code, err := s.registry.RegenerateInviteCode(ctx, req.TontineID, userID)
	if err != nil {
		return nil, err
	}
	return &InviteCodeResponse{InviteCode: code}, nil
}

// RequestJoin asks to join the tontine behind an invite code.
func (s *TontineService) RequestJoin(ctx context.Context, userID string, req *RequestJoinRequest) (*MemberResponse, error) {
	m, err := s.registry.RequestJoin(ctx, req.InviteCode, userID)
	if err != nil {
		return nil, err
	}
	return &MemberResponse{Member: toMember(m)}, nil
}

// Approve admits a pending member.
func (s *TontineService) Approve(ctx context.Context, userID string, req *MemberRequest) (*MemberResponse, error) {
	m, err := s.registry.Approve(ctx, req.TontineID, userID, req.UserID)
	if err != nil {
		return nil, err
	}
	return &MemberResponse{Member: toMember(m)}, nil
}

// Reject turns a pending member away.
func (s *TontineService) Reject(ctx context.Context, userID string, req *MemberRequest) (*Empty, error) {
	if err := s.registry.Reject(ctx, req.TontineID, userID, req.UserID); err != nil {
		return nil, err
	}
	return &Empty{}, nil
}

// Leave removes the caller from the tontine.
func (s *TontineService) Leave(ctx context.Context, userID string, req *TontineRequest) (*Empty, error) {
	if err := s.registry.Leave(ctx, req.TontineID, userID); err != nil {
		return nil, err
	}
	return &Empty{}, nil
}

// ChangeRole assigns a governance role.
func (s *TontineService) ChangeRole(ctx context.Context, userID string, req *ChangeRoleRequest) (*MemberResponse, error) {
	m, err := s.registry.ChangeRole(ctx, req.TontineID, userID, req.UserID, models.Role(req.Role))
	if err != nil {
		return nil, err
	}
	return &MemberResponse{Member: toMember(m)}, nil
}

// RemoveMember expels a member.
func (s *TontineService) RemoveMember(ctx context.Context, userID string, req *MemberRequest) (*Empty, error) {
	if err := s.registry.Remove(ctx, req.TontineID, userID, req.UserID); err != nil {
		return nil, err
	}
	return &Empty{}, nil
}

// ListMembers lists every membership, including pending and former members.
func (s *TontineService) ListMembers(ctx context.Context, userID string, req *TontineRequest) (*ListMembersResponse, error) {
	members, err := s.registry.ListMembers(ctx, req.TontineID, userID)
	if err != nil {
		return nil, err
	}
	out := make([]*Member, len(members))
	for i, m := range members {
		out[i] = toMember(m)
	}
	return &ListMembersResponse{Members: out}, nil
}

// ListRoleEvents returns the role change history.
func (s *TontineService) ListRoleEvents(ctx context.Context, userID string, req *TontineRequest) (*ListRoleEventsResponse, error) {
	events, err := s.registry.ListRoleEvents(ctx, req.TontineID, userID)
	if err != nil {
		return nil, err
	}
	out := make([]*RoleEvent, len(events))
	for i, ev := range events {
		out[i] = &RoleEvent{
			UserID:    ev.UserID,
			FromRole:  string(ev.FromRole),
			ToRole:    string(ev.ToRole),
			ChangedBy: ev.ChangedBy,
			CreatedAt: ev.CreatedAt,
		}
	}
	return &ListRoleEventsResponse{Events: out}, nil
}
