package models

import "time"

// CycleState is the scheduler state of one cycle.
type CycleState string

const (
	CycleAwaitingContributions CycleState = "awaiting_contributions"
	CycleReadyForPayout        CycleState = "ready_for_payout"
	CycleSettling              CycleState = "settling"
	CycleAdvancing             CycleState = "advancing"
	CycleClosed                CycleState = "closed"
)

// Cycle is one contribution-and-payout period of a tontine.
type Cycle struct {
	TontineID string
	Number    int
	State     CycleState
	DueAt     time.Time

	// BeneficiaryID is set once the payout is recorded.
	BeneficiaryID string
	PayoutAmount  int64

	// PaidAt doubles as the payout idempotency marker for (tontine, cycle).
	PaidAt time.Time
}

// Paid reports whether the cycle's payout has been recorded.
func (c *Cycle) Paid() bool {
	return !c.PaidAt.IsZero()
}
