// Package cycle moves an active tontine from one cycle to the next.
//
// Each cycle walks awaiting_contributions -> ready_for_payout -> settling ->
// advancing, then closes and opens the next one. Evaluate performs as many
// steps as the current state of the ledger allows and reports what blocks
// the rest. Tick evaluates every active tontine and is meant to run on a
// cron schedule.
package cycle

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mmynk/tontine/internal/apperr"
	"github.com/mmynk/tontine/internal/calculator"
	"github.com/mmynk/tontine/internal/draw"
	"github.com/mmynk/tontine/internal/lock"
	"github.com/mmynk/tontine/internal/membership"
	"github.com/mmynk/tontine/internal/metrics"
	"github.com/mmynk/tontine/internal/models"
	"github.com/mmynk/tontine/internal/notify"
	"github.com/mmynk/tontine/internal/storage"
)

// Reasons reported in Status.Blocked.
const (
	BlockedContributions = "awaiting_contributions"
	BlockedDraw          = "awaiting_draw"
)

// maxSteps bounds the state transitions of one evaluation. A full cycle is four.
const maxSteps = 4

// Scheduler drives the cycle state machine.
type Scheduler struct {
	store       storage.Store
	draws       *draw.Engine
	notifier    notify.Notifier
	metrics     *metrics.Metrics
	locker      lock.Locker
	concurrency int
	now         func() time.Time
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLocker serializes evaluations of the same tontine across instances.
func WithLocker(l lock.Locker) Option {
	return func(s *Scheduler) { s.locker = l }
}

// WithConcurrency bounds how many tontines Tick evaluates at once.
func WithConcurrency(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New creates a Scheduler. Draws are requested through draws.
func New(store storage.Store, draws *draw.Engine, notifier notify.Notifier, m *metrics.Metrics, opts ...Option) *Scheduler {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	s := &Scheduler{
		store:       store,
		draws:       draws,
		notifier:    notifier,
		metrics:     m,
		locker:      lock.NewLocal(),
		concurrency: 8,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Payout describes the payout made by an evaluation.
type Payout struct {
	Cycle         int
	BeneficiaryID string
	Amount        int64
}

// Status is the outcome of one evaluation.
type Status struct {
	TontineID     string
	TontineStatus models.TontineStatus
	// Cycle is the tontine's current cycle after the evaluation.
	Cycle *models.Cycle
	// Blocked names what the cycle waits for. Empty when nothing blocks it.
	Blocked string
	// DrawID is set when Blocked is BlockedDraw.
	DrawID            string
	PenaltiesAssessed int
	Payout            *Payout
	Advanced          bool
}

// Start activates a pending tontine and opens its first cycle.
func (s *Scheduler) Start(ctx context.Context, tontineID, actorID string) (*models.Tontine, error) {
	var t *models.Tontine
	var members []string
	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		if _, err := membership.RequireRole(ctx, tx, tontineID, actorID, models.RoleAdmin, models.RolePresident); err != nil {
			return err
		}
		var err error
		t, err = tx.GetTontine(ctx, tontineID)
		if err != nil {
			return err
		}
		if t.Status != models.TontinePending {
			return apperr.ErrInvalidState.WithMessage("tontine is %s", t.Status)
		}
		active, err := tx.ListMembersByStatus(ctx, tontineID, models.MemberActive)
		if err != nil {
			return err
		}
		if len(active) < t.MinMembers {
			return apperr.ErrInvalidState.WithMessage("need %d active members to start, have %d", t.MinMembers, len(active))
		}

		startedAt := s.now()
		dueAt, err := calculator.DueDate(startedAt, t.Frequency, 1)
		if err != nil {
			return apperr.Invariant("tontine %s: %v", t.ID, err)
		}
		if err := tx.StartTontine(ctx, tontineID, startedAt); err != nil {
			return err
		}
		if err := tx.CreateCycle(ctx, &models.Cycle{
			TontineID: tontineID,
			Number:    1,
			State:     models.CycleAwaitingContributions,
			DueAt:     dueAt,
		}); err != nil {
			return err
		}
		t.Status = models.TontineActive
		t.CurrentCycle = 1
		t.StartedAt = startedAt
		for _, m := range active {
			members = append(members, m.UserID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.Info("Tontine started", "tontine_id", t.ID, "members", len(members), "frequency", t.Frequency)
	if _, err := s.draws.Request(ctx, t.ID, 1); err != nil {
		slog.Warn("Failed to request first draw", "tontine_id", t.ID, "error", err)
	}
	return t, nil
}

// Cancel stops a pending or active tontine. Balances stay where they are.
// It holds the same lock as Evaluate so a cycle is never paid mid-cancel.
func (s *Scheduler) Cancel(ctx context.Context, tontineID, actorID string) (*models.Tontine, error) {
	var t *models.Tontine
	err := s.locker.WithLock(ctx, "tontine:"+tontineID, func(ctx context.Context) error {
		var err error
		t, err = s.cancel(ctx, tontineID, actorID)
		return err
	})
	if err != nil {
		return nil, err
	}
	slog.Info("Tontine cancelled", "tontine_id", tontineID, "actor_id", actorID)
	return t, nil
}

func (s *Scheduler) cancel(ctx context.Context, tontineID, actorID string) (*models.Tontine, error) {
	var t *models.Tontine
	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		if _, err := membership.RequireRole(ctx, tx, tontineID, actorID, models.RoleAdmin); err != nil {
			return err
		}
		var err error
		t, err = tx.GetTontine(ctx, tontineID)
		if err != nil {
			return err
		}
		if t.Status != models.TontinePending && t.Status != models.TontineActive {
			return apperr.ErrInvalidState.WithMessage("tontine is %s", t.Status)
		}
		if err := tx.UpdateTontineStatus(ctx, tontineID, t.Status, models.TontineCancelled); err != nil {
			return err
		}
		t.Status = models.TontineCancelled
		return nil
	})
	return t, err
}

// requireActive re-reads the tontine status inside a money-moving transaction.
func requireActive(ctx context.Context, tx storage.Tx, tontineID string) error {
	t, err := tx.GetTontine(ctx, tontineID)
	if err != nil {
		return err
	}
	if t.Status != models.TontineActive {
		return apperr.ErrInvalidState.WithMessage("tontine is %s", t.Status)
	}
	return nil
}

// GetCycle returns one cycle of a tontine to a member. Number 0 means the current cycle.
func (s *Scheduler) GetCycle(ctx context.Context, tontineID, actorID string, number int) (*models.Cycle, error) {
	if _, err := membership.RequireRole(ctx, s.store, tontineID, actorID); err != nil {
		return nil, err
	}
	if number == 0 {
		t, err := s.store.GetTontine(ctx, tontineID)
		if err != nil {
			return nil, err
		}
		if t.CurrentCycle == 0 {
			return nil, apperr.ErrInvalidState.WithMessage("tontine has not started")
		}
		number = t.CurrentCycle
	}
	return s.store.GetCycle(ctx, tontineID, number)
}

// EvaluateAs runs Evaluate on behalf of a member of the tontine.
func (s *Scheduler) EvaluateAs(ctx context.Context, tontineID, actorID string) (*Status, error) {
	if _, err := membership.RequireRole(ctx, s.store, tontineID, actorID); err != nil {
		return nil, err
	}
	return s.Evaluate(ctx, tontineID, s.now())
}

// Evaluate advances the tontine's current cycle as far as it can at now.
//
// At most one cycle is paid out per evaluation. A failed payout leaves the
// cycle in settling; the next evaluation retries it without paying twice.
func (s *Scheduler) Evaluate(ctx context.Context, tontineID string, now time.Time) (*Status, error) {
	var st *Status
	err := s.locker.WithLock(ctx, "tontine:"+tontineID, func(ctx context.Context) error {
		var err error
		st, err = s.evaluate(ctx, tontineID, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

func (s *Scheduler) evaluate(ctx context.Context, tontineID string, now time.Time) (*Status, error) {
	st := &Status{TontineID: tontineID}
	for step := 0; step < maxSteps; step++ {
		t, err := s.store.GetTontine(ctx, tontineID)
		if err != nil {
			return nil, err
		}
		st.TontineStatus = t.Status
		if t.Status != models.TontineActive {
			return st, nil
		}
		c, err := s.store.GetCycle(ctx, tontineID, t.CurrentCycle)
		if err != nil {
			return nil, err
		}
		st.Cycle = c
		if st.Advanced {
			return st, nil
		}

		switch c.State {
		case models.CycleAwaitingContributions:
			err = s.collect(ctx, t, c, now, st)
		case models.CycleReadyForPayout:
			err = s.prepare(ctx, t, c, st)
		case models.CycleSettling:
			err = s.settle(ctx, t, c, now, st)
		case models.CycleAdvancing:
			err = s.advance(ctx, t, c, st)
		default:
			err = apperr.Invariant("tontine %s: current cycle %d is %s", t.ID, c.Number, c.State)
		}
		if err != nil {
			slog.Error("Cycle evaluation failed", "tontine_id", t.ID, "cycle", c.Number, "state", c.State, "error", err)
			return nil, err
		}
		if st.Blocked != "" {
			return st, nil
		}
	}
	return st, nil
}

// collect moves the cycle to ready_for_payout once every obligation is paid,
// or once the grace deadline passed and the absences were fined.
func (s *Scheduler) collect(ctx context.Context, t *models.Tontine, c *models.Cycle, now time.Time, st *Status) error {
	var assessed []*models.Penalty
	ready := false
	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		members, err := activeMemberIDs(ctx, tx, t.ID)
		if err != nil {
			return err
		}
		caisses, err := tx.ListCaisses(ctx, t.ID)
		if err != nil {
			return err
		}
		var required []string
		for _, cs := range caisses {
			if cs.Required {
				required = append(required, cs.ID)
			}
		}

		contributions, err := tx.ListContributions(ctx, t.ID, c.Number)
		if err != nil {
			return err
		}
		paid := map[calculator.Obligation]bool{}
		for _, co := range contributions {
			if co.Status == models.ContributionCompleted {
				paid[calculator.Obligation{UserID: co.UserID, CaisseID: co.CaisseID}] = true
			}
		}

		if len(calculator.AssessAbsences(members, required, paid, nil)) > 0 {
			if now.Before(calculator.GraceDeadline(c.DueAt, t.GraceDays)) {
				return nil
			}
			if t.AbsenceFine > 0 {
				penalties, err := tx.ListPenalties(ctx, t.ID, c.Number)
				if err != nil {
					return err
				}
				fined := map[calculator.Obligation]bool{}
				for _, p := range penalties {
					if p.Type == models.PenaltyAbsence {
						fined[calculator.Obligation{UserID: p.UserID, CaisseID: p.CaisseID}] = true
					}
				}
				for _, o := range calculator.AssessAbsences(members, required, paid, fined) {
					p := &models.Penalty{
						TontineID:   t.ID,
						UserID:      o.UserID,
						CaisseID:    o.CaisseID,
						CycleNumber: c.Number,
						Type:        models.PenaltyAbsence,
						Amount:      t.AbsenceFine,
						Reason:      fmt.Sprintf("no contribution for cycle %d by the grace deadline", c.Number),
						Status:      models.PenaltyPending,
						CreatedAt:   now,
					}
					created, err := tx.CreatePenalty(ctx, p)
					if err != nil {
						return err
					}
					if created {
						assessed = append(assessed, p)
					}
				}
			}
		}

		ready = true
		return tx.UpdateCycleState(ctx, t.ID, c.Number, models.CycleAwaitingContributions, models.CycleReadyForPayout)
	})
	if err != nil {
		return err
	}

	for _, p := range assessed {
		s.metrics.Penalty(string(p.Type))
		s.notifier.Notify(ctx, notify.NewEvent(notify.EventPenaltyAssessed, t.ID,
			map[string]string{"penalty_id": p.ID, "type": string(p.Type), "amount": strconv.FormatInt(p.Amount, 10)},
			p.UserID))
	}
	st.PenaltiesAssessed += len(assessed)
	if !ready {
		st.Blocked = BlockedContributions
		return nil
	}
	slog.Info("Cycle ready for payout", "tontine_id", t.ID, "cycle", c.Number, "absences", len(assessed))
	return nil
}

// prepare makes sure every active member holds a draw position before the
// cycle moves to settling.
func (s *Scheduler) prepare(ctx context.Context, t *models.Tontine, c *models.Cycle, st *Status) error {
	needDraw := false
	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		members, err := tx.ListMembersByStatus(ctx, t.ID, models.MemberActive)
		if err != nil {
			return err
		}
		last := 0
		var unplaced []string
		for _, m := range members {
			if m.DrawPosition == nil {
				unplaced = append(unplaced, m.UserID)
			} else if *m.DrawPosition > last {
				last = *m.DrawPosition
			}
		}
		if last == 0 {
			needDraw = true
			return nil
		}
		// Members who joined after the draw queue up behind it.
		for _, userID := range unplaced {
			last++
			if err := tx.SetDrawPosition(ctx, t.ID, userID, last); err != nil {
				return err
			}
		}
		return tx.UpdateCycleState(ctx, t.ID, c.Number, models.CycleReadyForPayout, models.CycleSettling)
	})
	if err != nil {
		return err
	}

	if needDraw {
		d, err := s.draws.Request(ctx, t.ID, c.Number)
		if err != nil {
			return err
		}
		st.Blocked = BlockedDraw
		st.DrawID = d.ID
	}
	return nil
}

// settle pays the main caisse out to the cycle's beneficiary. The cycle
// row's PaidAt is checked first so that a retry never debits twice.
func (s *Scheduler) settle(ctx context.Context, t *models.Tontine, c *models.Cycle, now time.Time, st *Status) error {
	var payout *Payout
	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		if err := requireActive(ctx, tx, t.ID); err != nil {
			return err
		}
		cur, err := tx.GetCycle(ctx, t.ID, c.Number)
		if err != nil {
			return err
		}
		if cur.Paid() {
			return tx.UpdateCycleState(ctx, t.ID, c.Number, models.CycleSettling, models.CycleAdvancing)
		}

		members, err := tx.ListMembersByStatus(ctx, t.ID, models.MemberActive)
		if err != nil {
			return err
		}
		var candidates []calculator.Candidate
		for _, m := range members {
			if m.DrawPosition == nil {
				return apperr.Invariant("member %s has no draw position in settling cycle %d", m.UserID, c.Number)
			}
			candidates = append(candidates, calculator.Candidate{
				UserID:            m.UserID,
				DrawPosition:      *m.DrawPosition,
				LastReceivedCycle: m.LastReceivedCycle,
			})
		}
		beneficiary, err := calculator.PickBeneficiary(candidates, c.Number, t.NoRepeatUntilFullRotation)
		if err != nil {
			return apperr.Invariant("tontine %s: %v", t.ID, err)
		}

		main, err := tx.GetCaisseByType(ctx, t.ID, models.CaisseMain)
		if err != nil {
			return err
		}
		amount := main.Balance
		if amount > 0 {
			entry := models.LedgerEntry{
				Kind:      models.KindPayout,
				Reference: fmt.Sprintf("payout:%s:%d", t.ID, c.Number),
				TontineID: t.ID,
			}
			if _, err := tx.DebitCaisse(ctx, main.ID, amount, entry); err != nil {
				return err
			}
			if _, err := tx.CreditWallet(ctx, beneficiary, amount, entry); err != nil {
				return err
			}
		}
		if err := tx.RecordMemberPayout(ctx, t.ID, beneficiary, amount, c.Number); err != nil {
			return err
		}
		if err := tx.RecordCyclePayout(ctx, t.ID, c.Number, beneficiary, amount, now); err != nil {
			return err
		}
		payout = &Payout{Cycle: c.Number, BeneficiaryID: beneficiary, Amount: amount}
		return tx.UpdateCycleState(ctx, t.ID, c.Number, models.CycleSettling, models.CycleAdvancing)
	})
	if err != nil {
		return err
	}
	if payout == nil {
		return nil
	}

	st.Payout = payout
	s.metrics.Payout(payout.Amount)
	slog.Info("Payout sent",
		"tontine_id", t.ID,
		"cycle", payout.Cycle,
		"beneficiary_id", payout.BeneficiaryID,
		"amount", payout.Amount,
	)
	s.notifier.Notify(ctx, notify.NewEvent(notify.EventPayoutSent, t.ID,
		map[string]string{"cycle": strconv.Itoa(payout.Cycle), "amount": strconv.FormatInt(payout.Amount, 10)},
		payout.BeneficiaryID))
	return nil
}

// advance closes the paid cycle and opens the next one, or completes the
// tontine after its last cycle.
func (s *Scheduler) advance(ctx context.Context, t *models.Tontine, c *models.Cycle, st *Status) error {
	next := c.Number + 1
	completed := t.TotalCycles > 0 && next > t.TotalCycles
	var members []string
	err := s.store.WithTx(ctx, func(tx storage.Tx) error {
		if err := requireActive(ctx, tx, t.ID); err != nil {
			return err
		}
		if err := tx.UpdateCycleState(ctx, t.ID, c.Number, models.CycleAdvancing, models.CycleClosed); err != nil {
			return err
		}
		if err := tx.ResetReceivedFlags(ctx, t.ID); err != nil {
			return err
		}
		var err error
		members, err = activeMemberIDs(ctx, tx, t.ID)
		if err != nil {
			return err
		}
		if completed {
			return tx.UpdateTontineStatus(ctx, t.ID, models.TontineActive, models.TontineCompleted)
		}

		dueAt, err := calculator.DueDate(t.StartedAt, t.Frequency, next)
		if err != nil {
			return apperr.Invariant("tontine %s: %v", t.ID, err)
		}
		if err := tx.SetCurrentCycle(ctx, t.ID, next); err != nil {
			return err
		}
		return tx.CreateCycle(ctx, &models.Cycle{
			TontineID: t.ID,
			Number:    next,
			State:     models.CycleAwaitingContributions,
			DueAt:     dueAt,
		})
	})
	if err != nil {
		return err
	}

	st.Advanced = true
	s.metrics.CycleAdvanced()
	if completed {
		slog.Info("Tontine completed", "tontine_id", t.ID, "cycles", c.Number)
		s.notifier.Notify(ctx, notify.NewEvent(notify.EventTontineCompleted, t.ID,
			map[string]string{"cycles": strconv.Itoa(c.Number)}, members...))
		return nil
	}
	slog.Info("Cycle advanced", "tontine_id", t.ID, "cycle", next)
	s.notifier.Notify(ctx, notify.NewEvent(notify.EventCycleAdvanced, t.ID,
		map[string]string{"cycle": strconv.Itoa(next)}, members...))
	return nil
}

// TickReport summarizes one Tick.
type TickReport struct {
	Evaluated int
	Paid      int
	Blocked   int
	Failed    int
}

// Tick evaluates every active tontine at now, a bounded number at a time.
// A failing tontine is logged and counted; it does not stop the others.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) (*TickReport, error) {
	start := time.Now()
	defer func() { s.metrics.ObserveTick(time.Since(start)) }()

	tontines, err := s.store.ListTontinesByStatus(ctx, models.TontineActive)
	if err != nil {
		return nil, fmt.Errorf("failed to list active tontines: %w", err)
	}

	var mu sync.Mutex
	report := &TickReport{}
	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for _, t := range tontines {
		g.Go(func() error {
			st, err := s.Evaluate(ctx, t.ID, now)

			mu.Lock()
			defer mu.Unlock()
			report.Evaluated++
			switch {
			case err != nil:
				report.Failed++
				slog.Warn("Tick skipped tontine", "tontine_id", t.ID, "error", err)
			case st.Payout != nil:
				report.Paid++
			case st.Blocked != "":
				report.Blocked++
			}
			return nil
		})
	}
	_ = g.Wait()

	slog.Info("Tick finished",
		"evaluated", report.Evaluated,
		"paid", report.Paid,
		"blocked", report.Blocked,
		"failed", report.Failed,
		"took", time.Since(start),
	)
	return report, ctx.Err()
}

func activeMemberIDs(ctx context.Context, r storage.Reader, tontineID string) ([]string, error) {
	members, err := r.ListMembersByStatus(ctx, tontineID, models.MemberActive)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(members))
	for _, m := range members {
		ids = append(ids, m.UserID)
	}
	return ids, nil
}
