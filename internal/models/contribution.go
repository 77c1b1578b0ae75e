package models

import "time"

// PaymentMethod is how a contribution is funded.
type PaymentMethod string

const (
	// MethodWallet debits the member's Nkap wallet immediately.
	MethodWallet PaymentMethod = "wallet"
	// External methods settle through the payment rails callback.
	MethodMobileMoney PaymentMethod = "mobile_money"
	MethodCard        PaymentMethod = "card"
	MethodCrypto      PaymentMethod = "crypto"
)

// Valid reports whether m is one of the known payment methods.
func (m PaymentMethod) Valid() bool {
	switch m {
	case MethodWallet, MethodMobileMoney, MethodCard, MethodCrypto:
		return true
	}
	return false
}

// External reports whether the method settles asynchronously.
func (m PaymentMethod) External() bool {
	return m != MethodWallet
}

// ContributionStatus is the settlement status of a contribution.
type ContributionStatus string

const (
	ContributionPending   ContributionStatus = "pending"
	ContributionCompleted ContributionStatus = "completed"
	ContributionFailed    ContributionStatus = "failed"
)

// Contribution is one payment by one member into one caisse for one cycle.
// Once completed it is never edited; corrections are new reversal records.
type Contribution struct {
	ID          string
	TontineID   string
	CaisseID    string
	UserID      string
	Amount      int64
	CycleNumber int
	Method      PaymentMethod
	Status      ContributionStatus

	// Partial marks a custom amount accepted by a caisse that allows it.
	Partial bool

	// DueAt is the cycle's due date at the time of contribution.
	DueAt time.Time

	// PaidAt is when the money actually landed (zero while pending).
	PaidAt time.Time

	// TransactionRef is the unique reference shared with the payment rails.
	TransactionRef string

	CreatedAt time.Time
}
