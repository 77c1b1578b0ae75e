package notify

import (
	"context"
	"log/slog"
	"sync"

	"github.com/mmynk/tontine/internal/metrics"
)

// Async queues events for a background worker that hands them to a Sender.
// When the queue is full new events are dropped.
type Async struct {
	sender  Sender
	metrics *metrics.Metrics

	mu     sync.RWMutex
	closed bool
	queue  chan Event
	done   chan struct{}
}

var _ Notifier = (*Async)(nil)

// NewAsync starts the worker. Call Close to drain the queue and stop it.
func NewAsync(sender Sender, size int, m *metrics.Metrics) *Async {
	a := &Async{
		sender:  sender,
		metrics: m,
		queue:   make(chan Event, size),
		done:    make(chan struct{}),
	}
	go a.run()
	return a
}

// Notify enqueues ev. It never blocks.
func (a *Async) Notify(_ context.Context, ev Event) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}
	select {
	case a.queue <- ev:
	default:
		slog.Warn("Notification queue full, dropping event", "event", ev.Type, "tontine_id", ev.TontineID)
		a.metrics.Notification(string(ev.Type), "dropped")
	}
}

func (a *Async) run() {
	defer close(a.done)
	for ev := range a.queue {
		if err := a.sender.Send(context.Background(), ev); err != nil {
			slog.Warn("Notification delivery failed", "event", ev.Type, "tontine_id", ev.TontineID, "error", err)
			a.metrics.Notification(string(ev.Type), "failed")
			continue
		}
		a.metrics.Notification(string(ev.Type), "delivered")
	}
}

// Close stops accepting events and waits for queued ones to be sent.
func (a *Async) Close() {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()
	<-a.done
}
