package calculator

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// LatePenalty computes the fine for a late payment.
// Based on: penalty = ceil(amount × percent / 100), in whole Nkap.
func LatePenalty(amount int64, percent decimal.Decimal) (int64, error) {
	if amount < 0 {
		return 0, fmt.Errorf("amount cannot be negative")
	}
	if percent.IsNegative() {
		return 0, fmt.Errorf("penalty percent cannot be negative")
	}
	fine := decimal.NewFromInt(amount).Mul(percent).Div(hundred).Ceil()
	return fine.IntPart(), nil
}

// IsLate reports whether a payment landed after its due date.
func IsLate(dueAt, paidAt time.Time) bool {
	return !dueAt.IsZero() && paidAt.After(dueAt)
}

// GraceDeadline is the moment a cycle stops waiting for stragglers.
func GraceDeadline(dueAt time.Time, graceDays int) time.Time {
	if graceDays < 0 {
		graceDays = 0
	}
	return dueAt.AddDate(0, 0, graceDays)
}

// Obligation identifies one member's required contribution to one caisse.
type Obligation struct {
	UserID   string
	CaisseID string
}

// AssessAbsences lists the obligations still unpaid for a cycle.
//
// paid holds the obligations that already have a completed contribution;
// fined holds the obligations that already carry an absence penalty.
// The result is ordered by member, then caisse, following the input order.
func AssessAbsences(activeMembers, requiredCaisses []string, paid, fined map[Obligation]bool) []Obligation {
	var missing []Obligation
	for _, userID := range activeMembers {
		for _, caisseID := range requiredCaisses {
			o := Obligation{UserID: userID, CaisseID: caisseID}
			if paid[o] || fined[o] {
				continue
			}
			missing = append(missing, o)
		}
	}
	return missing
}
