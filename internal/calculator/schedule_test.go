package calculator

import (
	"testing"
	"time"

	"github.com/mmynk/tontine/internal/models"
)

func TestDueDate(t *testing.T) {
	start := time.Date(2026, 1, 31, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		freq    models.Frequency
		cycle   int
		want    time.Time
		wantErr bool
	}{
		{models.FrequencyDaily, 1, time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC), false},
		{models.FrequencyWeekly, 2, time.Date(2026, 2, 14, 12, 0, 0, 0, time.UTC), false},
		{models.FrequencyBiweekly, 1, time.Date(2026, 2, 14, 12, 0, 0, 0, time.UTC), false},
		// AddDate normalizes Feb 31 to Mar 3.
		{models.FrequencyMonthly, 1, time.Date(2026, 3, 3, 12, 0, 0, 0, time.UTC), false},
		{models.FrequencyYearly, 1, time.Date(2027, 1, 31, 12, 0, 0, 0, time.UTC), false},
		{models.FrequencyWeekly, 0, time.Time{}, true},
		{models.Frequency("hourly"), 1, time.Time{}, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.freq), func(t *testing.T) {
			got, err := DueDate(start, tt.freq, tt.cycle)
			if (err != nil) != tt.wantErr {
				t.Fatalf("DueDate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !got.Equal(tt.want) {
				t.Errorf("DueDate(%s, %d) = %v, want %v", tt.freq, tt.cycle, got, tt.want)
			}
		})
	}
}
