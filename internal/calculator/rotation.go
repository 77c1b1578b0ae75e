package calculator

import (
	"fmt"
	"sort"
)

// QuorumThreshold is the number of confirmations a draw needs: ceil(2/3 × active).
// The fraction is fixed so that no tontine can lower the bar on draw legitimacy.
func QuorumThreshold(activeMembers int) int {
	if activeMembers <= 0 {
		return 0
	}
	return (2*activeMembers + 2) / 3
}

// BeneficiaryPosition is the 1-indexed draw position paid in a cycle, wrapping
// around the member count: ((cycle-1) mod count) + 1.
func BeneficiaryPosition(cycle, memberCount int) (int, error) {
	if cycle < 1 {
		return 0, fmt.Errorf("cycle must be at least 1, got %d", cycle)
	}
	if memberCount < 1 {
		return 0, fmt.Errorf("must have at least one member")
	}
	return (cycle-1)%memberCount + 1, nil
}

// RotationStart is the first cycle of the rotation pass containing cycle.
func RotationStart(cycle, memberCount int) int {
	if memberCount < 1 || cycle < 1 {
		return 1
	}
	return ((cycle-1)/memberCount)*memberCount + 1
}

// Candidate is a member eligible for payout ordering.
type Candidate struct {
	UserID            string
	DrawPosition      int
	LastReceivedCycle int
}

// PickBeneficiary selects who is paid in a cycle.
//
// Algorithm:
// - Rank candidates by draw position
// - Start at rank ((cycle-1) mod count)
// - With noRepeat, skip anyone already paid in the current rotation pass
// - If the pass shrank so that everyone left was paid, fall back to the rank
func PickBeneficiary(candidates []Candidate, cycle int, noRepeat bool) (string, error) {
	if len(candidates) == 0 {
		return "", fmt.Errorf("must have at least one candidate")
	}
	ranked := make([]Candidate, len(candidates))
	copy(ranked, candidates)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].DrawPosition < ranked[j].DrawPosition
	})

	pos, err := BeneficiaryPosition(cycle, len(ranked))
	if err != nil {
		return "", err
	}
	if !noRepeat {
		return ranked[pos-1].UserID, nil
	}

	passStart := RotationStart(cycle, len(ranked))
	for i := 0; i < len(ranked); i++ {
		c := ranked[(pos-1+i)%len(ranked)]
		if c.LastReceivedCycle < passStart {
			return c.UserID, nil
		}
	}
	return ranked[pos-1].UserID, nil
}
