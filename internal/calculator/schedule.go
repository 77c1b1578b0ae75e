package calculator

import (
	"fmt"
	"time"

	"github.com/mmynk/tontine/internal/models"
)

// DueDate returns the due date of a cycle.
// Cycle N covers [start + (N-1) periods, start + N periods) and is due at its end.
func DueDate(startedAt time.Time, freq models.Frequency, cycle int) (time.Time, error) {
	if cycle < 1 {
		return time.Time{}, fmt.Errorf("cycle must be at least 1, got %d", cycle)
	}
	switch freq {
	case models.FrequencyDaily:
		return startedAt.AddDate(0, 0, cycle), nil
	case models.FrequencyWeekly:
		return startedAt.AddDate(0, 0, 7*cycle), nil
	case models.FrequencyBiweekly:
		return startedAt.AddDate(0, 0, 14*cycle), nil
	case models.FrequencyMonthly:
		return startedAt.AddDate(0, cycle, 0), nil
	case models.FrequencyYearly:
		return startedAt.AddDate(cycle, 0, 0), nil
	default:
		return time.Time{}, fmt.Errorf("unknown frequency: %q", freq)
	}
}
