package models

import "time"

// CaisseType classifies a caisse.
type CaisseType string

const (
	CaisseMain       CaisseType = "main"
	CaisseSavings    CaisseType = "savings"
	CaisseSolidarity CaisseType = "solidarity"
	CaisseCustom     CaisseType = "custom"
	// CaissePenalty collects paid penalties. Created with every tontine.
	CaissePenalty CaisseType = "penalty"
)

// Valid reports whether t is one of the known caisse types.
func (t CaisseType) Valid() bool {
	switch t {
	case CaisseMain, CaisseSavings, CaisseSolidarity, CaisseCustom, CaissePenalty:
		return true
	}
	return false
}

// Caisse is a named sub-account of a tontine.
//
// Balance is only ever changed by the ledger store's credit and debit
// primitives. It equals the sum of completed credits minus completed debits.
type Caisse struct {
	ID        string
	TontineID string
	Name      string
	Type      CaisseType

	// Required caisses must be funded by every active member before payout.
	Required bool

	// AllowCustomAmount lets members contribute a partial or custom amount.
	AllowCustomAmount bool

	// ContributionAmount is the expected per-cycle amount, in Nkap.
	ContributionAmount int64

	// Balance is the authoritative stored balance, never negative.
	Balance int64

	CreatedAt time.Time
}
