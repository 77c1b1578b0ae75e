package service

import (
	"time"

	"github.com/mmynk/tontine/internal/cycle"
	"github.com/mmynk/tontine/internal/draw"
	"github.com/mmynk/tontine/internal/models"
)

// Wire types. Money is in whole Nkap, percentages are decimal strings.

type Tontine struct {
	ID                        string    `json:"id"`
	Name                      string    `json:"name"`
	CreatorID                 string    `json:"creator_id"`
	ContributionAmount        int64     `json:"contribution_amount"`
	Frequency                 string    `json:"frequency"`
	MinMembers                int       `json:"min_members"`
	MaxMembers                int       `json:"max_members"`
	LatePenaltyPercent        string    `json:"late_penalty_percent"`
	AbsenceFine               int64     `json:"absence_fine"`
	GraceDays                 int       `json:"grace_days"`
	TotalCycles               int       `json:"total_cycles"`
	NoRepeatUntilFullRotation bool      `json:"no_repeat_until_full_rotation"`
	CurrentCycle              int       `json:"current_cycle"`
	Status                    string    `json:"status"`
	InviteCode                string    `json:"invite_code,omitempty"`
	StartedAt                 time.Time `json:"started_at,omitzero"`
	CreatedAt                 time.Time `json:"created_at"`
}

type Caisse struct {
	ID                 string `json:"id"`
	TontineID          string `json:"tontine_id"`
	Name               string `json:"name"`
	Type               string `json:"type"`
	Required           bool   `json:"required"`
	AllowCustomAmount  bool   `json:"allow_custom_amount"`
	ContributionAmount int64  `json:"contribution_amount"`
	Balance            int64  `json:"balance"`
}

type Member struct {
	TontineID         string    `json:"tontine_id"`
	UserID            string    `json:"user_id"`
	Role              string    `json:"role"`
	Status            string    `json:"status"`
	DrawPosition      int       `json:"draw_position,omitempty"`
	TotalContributed  int64     `json:"total_contributed"`
	TotalReceived     int64     `json:"total_received"`
	HasReceived       bool      `json:"has_received"`
	LastReceivedCycle int       `json:"last_received_cycle,omitempty"`
	JoinedAt          time.Time `json:"joined_at"`
}

type RoleEvent struct {
	UserID    string    `json:"user_id"`
	FromRole  string    `json:"from_role"`
	ToRole    string    `json:"to_role"`
	ChangedBy string    `json:"changed_by"`
	CreatedAt time.Time `json:"created_at"`
}

type Wallet struct {
	UserID  string `json:"user_id"`
	Balance int64  `json:"balance"`
}

type Contribution struct {
	ID             string    `json:"id"`
	TontineID      string    `json:"tontine_id"`
	CaisseID       string    `json:"caisse_id"`
	UserID         string    `json:"user_id"`
	Amount         int64     `json:"amount"`
	CycleNumber    int       `json:"cycle_number"`
	Method         string    `json:"method"`
	Status         string    `json:"status"`
	Partial        bool      `json:"partial,omitempty"`
	TransactionRef string    `json:"transaction_ref"`
	DueAt          time.Time `json:"due_at,omitzero"`
	PaidAt         time.Time `json:"paid_at,omitzero"`
	CreatedAt      time.Time `json:"created_at"`
}

type Penalty struct {
	ID             string    `json:"id"`
	TontineID      string    `json:"tontine_id"`
	UserID         string    `json:"user_id"`
	CaisseID       string    `json:"caisse_id"`
	ContributionID string    `json:"contribution_id,omitempty"`
	CycleNumber    int       `json:"cycle_number"`
	Type           string    `json:"type"`
	Amount         int64     `json:"amount"`
	Reason         string    `json:"reason"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
	PaidAt         time.Time `json:"paid_at,omitzero"`
}

type Transaction struct {
	ID           string    `json:"id"`
	AccountType  string    `json:"account_type"`
	AccountID    string    `json:"account_id"`
	Direction    string    `json:"direction"`
	Amount       int64     `json:"amount"`
	BalanceAfter int64     `json:"balance_after"`
	Kind         string    `json:"kind"`
	Reference    string    `json:"reference"`
	TontineID    string    `json:"tontine_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

type Draw struct {
	ID            string    `json:"id"`
	TontineID     string    `json:"tontine_id"`
	CycleNumber   int       `json:"cycle_number"`
	Status        string    `json:"status"`
	Order         []string  `json:"order,omitempty"`
	Confirmations []string  `json:"confirmations,omitempty"`
	Seal          string    `json:"seal,omitempty"`
	StartedAt     time.Time `json:"started_at,omitzero"`
	CompletedAt   time.Time `json:"completed_at,omitzero"`
	CreatedAt     time.Time `json:"created_at"`
}

type Cycle struct {
	TontineID     string    `json:"tontine_id"`
	Number        int       `json:"number"`
	State         string    `json:"state"`
	DueAt         time.Time `json:"due_at"`
	BeneficiaryID string    `json:"beneficiary_id,omitempty"`
	PayoutAmount  int64     `json:"payout_amount,omitempty"`
	PaidAt        time.Time `json:"paid_at,omitzero"`
}

type Payout struct {
	Cycle         int    `json:"cycle"`
	BeneficiaryID string `json:"beneficiary_id"`
	Amount        int64  `json:"amount"`
}

// Requests and responses.

type Empty struct{}

type TontineRequest struct {
	TontineID string `json:"tontine_id" validate:"required"`
}

type MemberRequest struct {
	TontineID string `json:"tontine_id" validate:"required"`
	UserID    string `json:"user_id" validate:"required"`
}

type DrawRequest struct {
	DrawID string `json:"draw_id" validate:"required"`
}

type CreateTontineRequest struct {
	Name               string `json:"name" validate:"required,max=100"`
	ContributionAmount int64  `json:"contribution_amount" validate:"gt=0"`
	Frequency          string `json:"frequency" validate:"required,oneof=daily weekly biweekly monthly yearly"`
	MinMembers         int    `json:"min_members" validate:"gte=2"`
	MaxMembers         int    `json:"max_members" validate:"gtefield=MinMembers"`
	LatePenaltyPercent string `json:"late_penalty_percent" validate:"omitempty,numeric"`
	AbsenceFine        int64  `json:"absence_fine" validate:"gte=0"`
	GraceDays          int    `json:"grace_days" validate:"gte=0"`
	TotalCycles        int    `json:"total_cycles" validate:"gte=0"`
	AllowRepeat        bool   `json:"allow_repeat"`
}

type TontineResponse struct {
	Tontine *Tontine `json:"tontine"`
}

type AddCaisseRequest struct {
	TontineID          string `json:"tontine_id" validate:"required"`
	Name               string `json:"name" validate:"required,max=100"`
	Type               string `json:"type" validate:"required,oneof=savings solidarity custom"`
	Required           bool   `json:"required"`
	AllowCustomAmount  bool   `json:"allow_custom_amount"`
	ContributionAmount int64  `json:"contribution_amount" validate:"gt=0"`
}

type CaisseResponse struct {
	Caisse *Caisse `json:"caisse"`
}

type ListCaissesResponse struct {
	Caisses []*Caisse `json:"caisses"`
}

type InviteCodeResponse struct {
	InviteCode string `json:"invite_code"`
}

type RequestJoinRequest struct {
	InviteCode string `json:"invite_code" validate:"required,len=8"`
}

type MemberResponse struct {
	Member *Member `json:"member"`
}

type ChangeRoleRequest struct {
	TontineID string `json:"tontine_id" validate:"required"`
	UserID    string `json:"user_id" validate:"required"`
	Role      string `json:"role" validate:"required,oneof=admin president secretary treasurer member"`
}

type ListMembersResponse struct {
	Members []*Member `json:"members"`
}

type ListRoleEventsResponse struct {
	Events []*RoleEvent `json:"events"`
}

type WalletResponse struct {
	Wallet    *Wallet `json:"wallet"`
	Duplicate bool    `json:"duplicate,omitempty"`
}

type TopUpWalletRequest struct {
	UserID    string `json:"user_id" validate:"required"`
	Amount    int64  `json:"amount" validate:"gt=0"`
	Reference string `json:"reference" validate:"required,max=128"`
}

type ContributeRequest struct {
	TontineID string `json:"tontine_id" validate:"required"`
	CaisseID  string `json:"caisse_id" validate:"required"`
	// Amount of 0 pays the caisse's contribution amount.
	Amount  int64  `json:"amount" validate:"gte=0"`
	Method  string `json:"method" validate:"required,oneof=wallet mobile_money card crypto"`
	Partial bool   `json:"partial"`
}

type SettlePaymentRequest struct {
	TransactionRef string `json:"transaction_ref" validate:"required"`
	Amount         int64  `json:"amount" validate:"gt=0"`
	Status         string `json:"status" validate:"required,oneof=completed failed"`
}

type ContributionResponse struct {
	Contribution *Contribution `json:"contribution"`
	Duplicate    bool          `json:"duplicate,omitempty"`
	Penalty      *Penalty      `json:"penalty,omitempty"`
}

type PayPenaltyRequest struct {
	PenaltyID string `json:"penalty_id" validate:"required"`
}

type PenaltyResponse struct {
	Penalty   *Penalty `json:"penalty"`
	Duplicate bool     `json:"duplicate,omitempty"`
}

type ListByCycleRequest struct {
	TontineID string `json:"tontine_id" validate:"required"`
	// Cycle of 0 lists every cycle.
	Cycle int `json:"cycle" validate:"gte=0"`
}

type ListContributionsResponse struct {
	Contributions []*Contribution `json:"contributions"`
}

type ListPenaltiesResponse struct {
	Penalties []*Penalty `json:"penalties"`
}

type ListTransactionsRequest struct {
	AccountType string `json:"account_type" validate:"required,oneof=caisse wallet"`
	// AccountID defaults to the caller's wallet.
	AccountID string `json:"account_id" validate:"required_if=AccountType caisse"`
}

type ListTransactionsResponse struct {
	Transactions []*Transaction `json:"transactions"`
}

type GetCycleRequest struct {
	TontineID string `json:"tontine_id" validate:"required"`
	// Number of 0 returns the current cycle.
	Number int `json:"number" validate:"gte=0"`
}

type CycleResponse struct {
	Cycle *Cycle `json:"cycle"`
}

type EvaluateCycleResponse struct {
	TontineStatus     string  `json:"tontine_status"`
	Cycle             *Cycle  `json:"cycle,omitempty"`
	Blocked           string  `json:"blocked,omitempty"`
	DrawID            string  `json:"draw_id,omitempty"`
	PenaltiesAssessed int     `json:"penalties_assessed,omitempty"`
	Payout            *Payout `json:"payout,omitempty"`
	Advanced          bool    `json:"advanced,omitempty"`
}

type DrawResponse struct {
	Draw *Draw `json:"draw"`
	// Verified reports whether the stored seal matches the stored result.
	Verified bool `json:"verified,omitempty"`
}

type ConfirmParticipationResponse struct {
	Draw          *Draw `json:"draw"`
	Confirmations int   `json:"confirmations"`
	Threshold     int   `json:"threshold"`
	QuorumReached bool  `json:"quorum_reached"`
}

func toTontine(t *models.Tontine) *Tontine {
	return &Tontine{
		ID:                        t.ID,
		Name:                      t.Name,
		CreatorID:                 t.CreatorID,
		ContributionAmount:        t.ContributionAmount,
		Frequency:                 string(t.Frequency),
		MinMembers:                t.MinMembers,
		MaxMembers:                t.MaxMembers,
		LatePenaltyPercent:        t.LatePenaltyPercent.String(),
		AbsenceFine:               t.AbsenceFine,
		GraceDays:                 t.GraceDays,
		TotalCycles:               t.TotalCycles,
		NoRepeatUntilFullRotation: t.NoRepeatUntilFullRotation,
		CurrentCycle:              t.CurrentCycle,
		Status:                    string(t.Status),
		InviteCode:                t.InviteCode,
		StartedAt:                 t.StartedAt,
		CreatedAt:                 t.CreatedAt,
	}
}

func toCaisse(c *models.Caisse) *Caisse {
	return &Caisse{
		ID:                 c.ID,
		TontineID:          c.TontineID,
		Name:               c.Name,
		Type:               string(c.Type),
		Required:           c.Required,
		AllowCustomAmount:  c.AllowCustomAmount,
		ContributionAmount: c.ContributionAmount,
		Balance:            c.Balance,
	}
}

func toMember(m *models.Member) *Member {
	out := &Member{
		TontineID:         m.TontineID,
		UserID:            m.UserID,
		Role:              string(m.Role),
		Status:            string(m.Status),
		TotalContributed:  m.TotalContributed,
		TotalReceived:     m.TotalReceived,
		HasReceived:       m.HasReceived,
		LastReceivedCycle: m.LastReceivedCycle,
		JoinedAt:          m.JoinedAt,
	}
	if m.DrawPosition != nil {
		out.DrawPosition = *m.DrawPosition
	}
	return out
}

func toContribution(c *models.Contribution) *Contribution {
	return &Contribution{
		ID:             c.ID,
		TontineID:      c.TontineID,
		CaisseID:       c.CaisseID,
		UserID:         c.UserID,
		Amount:         c.Amount,
		CycleNumber:    c.CycleNumber,
		Method:         string(c.Method),
		Status:         string(c.Status),
		Partial:        c.Partial,
		TransactionRef: c.TransactionRef,
		DueAt:          c.DueAt,
		PaidAt:         c.PaidAt,
		CreatedAt:      c.CreatedAt,
	}
}

func toPenalty(p *models.Penalty) *Penalty {
	if p == nil {
		return nil
	}
	return &Penalty{
		ID:             p.ID,
		TontineID:      p.TontineID,
		UserID:         p.UserID,
		CaisseID:       p.CaisseID,
		ContributionID: p.ContributionID,
		CycleNumber:    p.CycleNumber,
		Type:           string(p.Type),
		Amount:         p.Amount,
		Reason:         p.Reason,
		Status:         string(p.Status),
		CreatedAt:      p.CreatedAt,
		PaidAt:         p.PaidAt,
	}
}

func toDraw(d *models.Draw) *Draw {
	return &Draw{
		ID:            d.ID,
		TontineID:     d.TontineID,
		CycleNumber:   d.CycleNumber,
		Status:        string(d.Status),
		Order:         d.Order,
		Confirmations: d.Confirmations,
		Seal:          d.Seal,
		StartedAt:     d.StartedAt,
		CompletedAt:   d.CompletedAt,
		CreatedAt:     d.CreatedAt,
	}
}

func toCycle(c *models.Cycle) *Cycle {
	if c == nil {
		return nil
	}
	return &Cycle{
		TontineID:     c.TontineID,
		Number:        c.Number,
		State:         string(c.State),
		DueAt:         c.DueAt,
		BeneficiaryID: c.BeneficiaryID,
		PayoutAmount:  c.PayoutAmount,
		PaidAt:        c.PaidAt,
	}
}

func toEvaluateResponse(st *cycle.Status) *EvaluateCycleResponse {
	out := &EvaluateCycleResponse{
		TontineStatus:     string(st.TontineStatus),
		Cycle:             toCycle(st.Cycle),
		Blocked:           st.Blocked,
		DrawID:            st.DrawID,
		PenaltiesAssessed: st.PenaltiesAssessed,
		Advanced:          st.Advanced,
	}
	if p := st.Payout; p != nil {
		out.Payout = &Payout{Cycle: p.Cycle, BeneficiaryID: p.BeneficiaryID, Amount: p.Amount}
	}
	return out
}

func toConfirmResponse(res *draw.ConfirmResult) *ConfirmParticipationResponse {
	return &ConfirmParticipationResponse{
		Draw:          toDraw(res.Draw),
		Confirmations: res.Confirmations,
		Threshold:     res.Threshold,
		QuorumReached: res.QuorumReached,
	}
}
