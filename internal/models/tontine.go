package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Frequency is how often a tontine collects contributions.
type Frequency string

const (
	FrequencyDaily    Frequency = "daily"
	FrequencyWeekly   Frequency = "weekly"
	FrequencyBiweekly Frequency = "biweekly"
	FrequencyMonthly  Frequency = "monthly"
	FrequencyYearly   Frequency = "yearly"
)

// Valid reports whether f is one of the known frequencies.
func (f Frequency) Valid() bool {
	switch f {
	case FrequencyDaily, FrequencyWeekly, FrequencyBiweekly, FrequencyMonthly, FrequencyYearly:
		return true
	}
	return false
}

// TontineStatus is the lifecycle status of a tontine.
type TontineStatus string

const (
	TontinePending   TontineStatus = "pending"
	TontineActive    TontineStatus = "active"
	TontineCompleted TontineStatus = "completed"
	TontineCancelled TontineStatus = "cancelled"
)

// Tontine represents a rotating savings group.
// Members contribute every cycle and one member receives the main caisse.
type Tontine struct {
	// ID is the unique identifier for the tontine (UUID format).
	ID string

	// Name is the display name of the group.
	Name string

	// CreatorID is the user who created the tontine. Ownership never moves;
	// governance changes are role changes on Member.
	CreatorID string

	// ContributionAmount is the default per-cycle amount for the main caisse, in Nkap.
	ContributionAmount int64

	// Frequency is the contribution period.
	Frequency Frequency

	// MinMembers is the number of active members required to start.
	MinMembers int

	// MaxMembers caps the number of active members (0 means unlimited).
	MaxMembers int

	// LatePenaltyPercent is applied to the contribution amount of a late payment.
	LatePenaltyPercent decimal.Decimal

	// AbsenceFine is the fixed fine for a contribution still missing at the grace deadline.
	AbsenceFine int64

	// GraceDays is how long after the due date a cycle waits for stragglers.
	GraceDays int

	// TotalCycles is the fixed length of the tontine (0 means open-ended).
	TotalCycles int

	// NoRepeatUntilFullRotation prevents a member from receiving twice in one rotation pass.
	NoRepeatUntilFullRotation bool

	// CurrentCycle is the 1-indexed cycle in progress (0 before start).
	CurrentCycle int

	// Status is the lifecycle status.
	Status TontineStatus

	// InviteCode lets users request to join. Unique and regenerable.
	InviteCode string

	// StartedAt is when the first cycle opened (zero before start).
	StartedAt time.Time

	// CreatedAt is when the tontine was created.
	CreatedAt time.Time
}
