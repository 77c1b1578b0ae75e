package models

import "time"

// DrawStatus is the state of a draw.
type DrawStatus string

const (
	DrawPending    DrawStatus = "pending"
	DrawConfirming DrawStatus = "confirming"
	DrawDrawing    DrawStatus = "drawing"
	DrawCompleted  DrawStatus = "completed"
)

// Draw is one execution of the beneficiary ordering procedure.
// It is terminal once completed; a later cycle gets a new Draw.
type Draw struct {
	ID          string
	TontineID   string
	CycleNumber int
	Status      DrawStatus

	// Order is the drawn payout order of user IDs. Position i+1 is Order[i].
	Order []string

	// Confirmations is the set of user IDs that confirmed participation.
	Confirmations []string

	// Seal is the hex BLAKE2b-256 digest binding the order to the draw.
	Seal string

	StartedAt   time.Time
	CompletedAt time.Time
	CreatedAt   time.Time
}
