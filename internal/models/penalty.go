package models

import "time"

// PenaltyType is the violation a penalty was assessed for.
type PenaltyType string

const (
	PenaltyLatePayment PenaltyType = "late_payment"
	PenaltyAbsence     PenaltyType = "absence"
)

// PenaltyStatus tracks whether a penalty has been paid.
type PenaltyStatus string

const (
	PenaltyPending PenaltyStatus = "pending"
	PenaltyPaid    PenaltyStatus = "paid"
)

// Penalty is a computed fine. It is never hand-entered and never edited
// after creation, except for the pending to paid transition.
type Penalty struct {
	ID        string
	TontineID string
	UserID    string
	CaisseID  string

	// ContributionID references the late contribution. Empty for absences.
	ContributionID string

	CycleNumber int
	Type        PenaltyType
	Amount      int64
	Reason      string
	Status      PenaltyStatus
	CreatedAt   time.Time
	PaidAt      time.Time
}
