// Package notify emits domain events to members. Delivery is best effort and
// never blocks or fails the ledger operation that produced the event.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// EventType names a domain event.
type EventType string

const (
	EventContributionReceived EventType = "contribution.received"
	EventPenaltyAssessed      EventType = "penalty.assessed"
	EventDrawRequested        EventType = "draw.requested"
	EventQuorumReached        EventType = "draw.quorum_reached"
	EventDrawCompleted        EventType = "draw.completed"
	EventPayoutSent           EventType = "payout.sent"
	EventCycleAdvanced        EventType = "cycle.advanced"
	EventTontineCompleted     EventType = "tontine.completed"
	EventJoinRequested        EventType = "member.join_requested"
	EventMemberApproved       EventType = "member.approved"
	EventRoleChanged          EventType = "member.role_changed"
)

// Event is the payload handed to the delivery channel.
type Event struct {
	Type       EventType         `json:"type"`
	TontineID  string            `json:"tontine_id"`
	UserIDs    []string          `json:"user_ids,omitempty"`
	Data       map[string]string `json:"data,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// NewEvent stamps an event with the current time.
func NewEvent(t EventType, tontineID string, data map[string]string, userIDs ...string) Event {
	return Event{Type: t, TontineID: tontineID, UserIDs: userIDs, Data: data, OccurredAt: time.Now().UTC()}
}

// Notifier accepts events without blocking the caller.
type Notifier interface {
	Notify(ctx context.Context, ev Event)
}

// Sender delivers one event synchronously.
type Sender interface {
	Send(ctx context.Context, ev Event) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Notify(context.Context, Event) {}

// Log writes events to the structured logger. Used when no webhook is configured.
type Log struct{}

func (Log) Send(_ context.Context, ev Event) error {
	slog.Info("Notification", "event", ev.Type, "tontine_id", ev.TontineID, "users", ev.UserIDs, "data", ev.Data)
	return nil
}

// Recorder keeps events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Notify(_ context.Context, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Count returns how many events of type t were recorded.
func (r *Recorder) Count(t EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}
