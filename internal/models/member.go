package models

import "time"

// Role is a member's governance role inside a tontine.
type Role string

const (
	RoleAdmin     Role = "admin"
	RolePresident Role = "president"
	RoleSecretary Role = "secretary"
	RoleTreasurer Role = "treasurer"
	RoleMember    Role = "member"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RolePresident, RoleSecretary, RoleTreasurer, RoleMember:
		return true
	}
	return false
}

// Irrevocable reports whether the role must be handed over before its holder can leave.
func (r Role) Irrevocable() bool {
	return r == RoleAdmin || r == RolePresident
}

// MemberStatus is the soft lifecycle status of a membership.
type MemberStatus string

const (
	MemberPending MemberStatus = "pending"
	MemberActive  MemberStatus = "active"
	MemberLeft    MemberStatus = "left"
	MemberRemoved MemberStatus = "removed"
)

// Member is a user's participation record in one tontine.
// Members are never deleted so that ledger history stays attributable.
type Member struct {
	TontineID string
	UserID    string
	Role      Role
	Status    MemberStatus

	// DrawPosition is the 1-indexed payout position from the latest completed draw.
	// Nil until a draw covering this member completes.
	DrawPosition *int

	// TotalContributed is the cumulative completed contributions, in Nkap.
	TotalContributed int64

	// TotalReceived is the cumulative payouts received, in Nkap.
	TotalReceived int64

	// HasReceived is set when the member is paid in the current cycle.
	HasReceived bool

	// LastReceivedCycle is the last cycle this member was paid in (0 if never).
	LastReceivedCycle int

	JoinedAt time.Time
}

// RoleEvent is an append-only record of a role change.
type RoleEvent struct {
	ID        string
	TontineID string
	UserID    string
	FromRole  Role
	ToRole    Role
	ChangedBy string
	CreatedAt time.Time
}
