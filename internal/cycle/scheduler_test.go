package cycle

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmynk/tontine/internal/apperr"
	"github.com/mmynk/tontine/internal/contribution"
	"github.com/mmynk/tontine/internal/draw"
	"github.com/mmynk/tontine/internal/lock"
	"github.com/mmynk/tontine/internal/membership"
	"github.com/mmynk/tontine/internal/models"
	"github.com/mmynk/tontine/internal/notify"
	"github.com/mmynk/tontine/internal/storage"
	"github.com/mmynk/tontine/internal/storage/sqlite"
)

type fixture struct {
	store     *sqlite.SQLiteStore
	registry  *membership.Registry
	draws     *draw.Engine
	processor *contribution.Processor
	scheduler *Scheduler
	notes     *notify.Recorder
	topups    int
}

// newFixture wires the engines over a temp database. A non-empty order fixes
// the draw result.
func newFixture(t *testing.T, order []string, opts ...Option) *fixture {
	t.Helper()
	tmpFile, err := os.CreateTemp("", "test-*.db")
	require.NoError(t, err)
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpFile.Name()) })

	store, err := sqlite.New(tmpFile.Name())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	var drawOpts []draw.Option
	if len(order) > 0 {
		drawOpts = append(drawOpts, draw.WithShuffler(func(ids []string) error {
			if len(ids) != len(order) {
				return fmt.Errorf("expected %d members, got %d", len(order), len(ids))
			}
			copy(ids, order)
			return nil
		}))
	}

	notes := &notify.Recorder{}
	draws := draw.New(store, notes, nil, drawOpts...)
	return &fixture{
		store:     store,
		registry:  membership.New(store, notes),
		draws:     draws,
		processor: contribution.New(store, notes, nil),
		scheduler: New(store, draws, notes, nil, opts...),
		notes:     notes,
	}
}

func input(maxMembers int) membership.CreateTontineInput {
	return membership.CreateTontineInput{
		Name:               "Njangi du quartier",
		CreatorID:          "alice",
		ContributionAmount: 500,
		Frequency:          models.FrequencyWeekly,
		MinMembers:         2,
		MaxMembers:         maxMembers,
		LatePenaltyPercent: decimal.NewFromInt(10),
		AbsenceFine:        100,
		GraceDays:          2,
	}
}

// createTontine creates a tontine and approves every user in members.
func (f *fixture) createTontine(t *testing.T, in membership.CreateTontineInput, members ...string) *models.Tontine {
	t.Helper()
	ctx := context.Background()
	tontine, err := f.registry.CreateTontine(ctx, in)
	require.NoError(t, err)
	for _, userID := range members {
		_, err := f.registry.RequestJoin(ctx, tontine.InviteCode, userID)
		require.NoError(t, err)
		_, err = f.registry.Approve(ctx, tontine.ID, in.CreatorID, userID)
		require.NoError(t, err)
	}
	return tontine
}

// confirmAll confirms the current cycle's draw until it runs.
func (f *fixture) confirmAll(t *testing.T, tontineID string) *models.Draw {
	t.Helper()
	ctx := context.Background()
	tontine, err := f.store.GetTontine(ctx, tontineID)
	require.NoError(t, err)
	d, err := f.draws.Request(ctx, tontineID, tontine.CurrentCycle)
	require.NoError(t, err)

	members, err := f.store.ListMembersByStatus(ctx, tontineID, models.MemberActive)
	require.NoError(t, err)
	for _, m := range members {
		res, err := f.draws.ConfirmParticipation(ctx, d.ID, m.UserID)
		require.NoError(t, err)
		if res.QuorumReached {
			return res.Draw
		}
	}
	t.Fatalf("draw %s never reached quorum", d.ID)
	return nil
}

// pay funds each user's wallet and pays the main caisse for the current cycle.
func (f *fixture) pay(t *testing.T, tontineID string, users ...string) {
	t.Helper()
	ctx := context.Background()
	main, err := f.store.GetCaisseByType(ctx, tontineID, models.CaisseMain)
	require.NoError(t, err)
	for _, userID := range users {
		f.topups++
		_, _, err := f.processor.TopUpWallet(ctx, userID, main.ContributionAmount, fmt.Sprintf("fund-%d", f.topups))
		require.NoError(t, err)
		_, err = f.processor.Contribute(ctx, contribution.ContributeInput{
			TontineID: tontineID,
			CaisseID:  main.ID,
			UserID:    userID,
			Method:    models.MethodWallet,
		})
		require.NoError(t, err)
	}
}

func (f *fixture) balance(t *testing.T, tontineID string) int64 {
	t.Helper()
	main, err := f.store.GetCaisseByType(context.Background(), tontineID, models.CaisseMain)
	require.NoError(t, err)
	return main.Balance
}

func (f *fixture) wallet(t *testing.T, userID string) int64 {
	t.Helper()
	w, err := f.store.GetWallet(context.Background(), userID)
	require.NoError(t, err)
	return w.Balance
}

func TestStart(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	in := input(5)
	in.MinMembers = 3
	tontine := f.createTontine(t, in, "bob")

	_, err := f.scheduler.Start(ctx, tontine.ID, "bob")
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	_, err = f.scheduler.Start(ctx, tontine.ID, "alice")
	assert.ErrorIs(t, err, apperr.ErrInvalidState)

	_, err = f.registry.RequestJoin(ctx, tontine.InviteCode, "carol")
	require.NoError(t, err)
	_, err = f.registry.Approve(ctx, tontine.ID, "alice", "carol")
	require.NoError(t, err)

	started, err := f.scheduler.Start(ctx, tontine.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, models.TontineActive, started.Status)
	assert.Equal(t, 1, started.CurrentCycle)

	c, err := f.scheduler.GetCycle(ctx, tontine.ID, "bob", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, c.Number)
	assert.Equal(t, models.CycleAwaitingContributions, c.State)
	assert.WithinDuration(t, started.StartedAt.AddDate(0, 0, 7), c.DueAt, time.Second)

	d, err := f.store.GetDrawForCycle(ctx, tontine.ID, 1)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, 1, f.notes.Count(notify.EventDrawRequested))

	_, err = f.scheduler.Start(ctx, tontine.ID, "alice")
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
}

func TestFullCyclePaysBeneficiary(t *testing.T) {
	order := []string{"bob", "alice", "dave", "carol", "erin"}
	f := newFixture(t, order)
	ctx := context.Background()
	tontine := f.createTontine(t, input(5), "bob", "carol", "dave", "erin")

	_, err := f.scheduler.Start(ctx, tontine.ID, "alice")
	require.NoError(t, err)
	d := f.confirmAll(t, tontine.ID)
	assert.Equal(t, order, d.Order)

	f.pay(t, tontine.ID, "alice", "bob", "carol", "dave", "erin")
	assert.Equal(t, int64(2500), f.balance(t, tontine.ID))

	st, err := f.scheduler.Evaluate(ctx, tontine.ID, time.Now())
	require.NoError(t, err)
	require.NotNil(t, st.Payout)
	assert.Equal(t, "bob", st.Payout.BeneficiaryID)
	assert.Equal(t, int64(2500), st.Payout.Amount)
	assert.True(t, st.Advanced)
	assert.Equal(t, 2, st.Cycle.Number)
	assert.Equal(t, models.CycleAwaitingContributions, st.Cycle.State)

	assert.Equal(t, int64(0), f.balance(t, tontine.ID))
	assert.Equal(t, int64(2500), f.wallet(t, "bob"))

	closed, err := f.store.GetCycle(ctx, tontine.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, models.CycleClosed, closed.State)
	assert.Equal(t, "bob", closed.BeneficiaryID)
	assert.Equal(t, int64(2500), closed.PayoutAmount)
	assert.True(t, closed.Paid())

	bob, err := f.store.GetMember(ctx, tontine.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, int64(2500), bob.TotalReceived)
	assert.Equal(t, 1, bob.LastReceivedCycle)
	assert.False(t, bob.HasReceived)

	t.Run("next cycle waits for contributions", func(t *testing.T) {
		st, err := f.scheduler.Evaluate(ctx, tontine.ID, time.Now())
		require.NoError(t, err)
		assert.Equal(t, BlockedContributions, st.Blocked)
		assert.Nil(t, st.Payout)
		assert.Equal(t, int64(2500), f.wallet(t, "bob"))
	})

	assert.Equal(t, 1, f.notes.Count(notify.EventPayoutSent))
	assert.Equal(t, 1, f.notes.Count(notify.EventCycleAdvanced))

	t.Run("second cycle pays the next position", func(t *testing.T) {
		f.pay(t, tontine.ID, "alice", "bob", "carol", "dave", "erin")
		st, err := f.scheduler.Evaluate(ctx, tontine.ID, time.Now())
		require.NoError(t, err)
		require.NotNil(t, st.Payout)
		assert.Equal(t, "alice", st.Payout.BeneficiaryID)
		assert.Equal(t, 3, st.Cycle.Number)
	})
}

func TestPayoutWaitsForDraw(t *testing.T) {
	f := newFixture(t, []string{"carol", "bob", "alice"})
	ctx := context.Background()
	tontine := f.createTontine(t, input(3), "bob", "carol")

	_, err := f.scheduler.Start(ctx, tontine.ID, "alice")
	require.NoError(t, err)
	f.pay(t, tontine.ID, "alice", "bob", "carol")

	st, err := f.scheduler.Evaluate(ctx, tontine.ID, time.Now())
	require.NoError(t, err)
	assert.Equal(t, BlockedDraw, st.Blocked)
	assert.NotEmpty(t, st.DrawID)
	assert.Equal(t, models.CycleReadyForPayout, st.Cycle.State)
	assert.Nil(t, st.Payout)
	assert.Equal(t, int64(1500), f.balance(t, tontine.ID))

	d := f.confirmAll(t, tontine.ID)
	assert.Equal(t, st.DrawID, d.ID)

	st, err = f.scheduler.Evaluate(ctx, tontine.ID, time.Now())
	require.NoError(t, err)
	require.NotNil(t, st.Payout)
	assert.Equal(t, "carol", st.Payout.BeneficiaryID)
	assert.Equal(t, int64(1500), f.wallet(t, "carol"))
}

func TestGraceDeadlineAssessesAbsences(t *testing.T) {
	f := newFixture(t, []string{"bob", "alice", "dave", "carol", "erin"})
	ctx := context.Background()
	tontine := f.createTontine(t, input(5), "bob", "carol", "dave", "erin")

	_, err := f.scheduler.Start(ctx, tontine.ID, "alice")
	require.NoError(t, err)
	f.confirmAll(t, tontine.ID)
	f.pay(t, tontine.ID, "alice", "bob", "carol")

	st, err := f.scheduler.Evaluate(ctx, tontine.ID, time.Now())
	require.NoError(t, err)
	assert.Equal(t, BlockedContributions, st.Blocked)
	assert.Zero(t, st.PenaltiesAssessed)

	cycle1, err := f.store.GetCycle(ctx, tontine.ID, 1)
	require.NoError(t, err)

	t.Run("still within grace", func(t *testing.T) {
		st, err := f.scheduler.Evaluate(ctx, tontine.ID, cycle1.DueAt.Add(24*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, BlockedContributions, st.Blocked)
	})

	st, err = f.scheduler.Evaluate(ctx, tontine.ID, cycle1.DueAt.AddDate(0, 0, 3))
	require.NoError(t, err)
	assert.Equal(t, 2, st.PenaltiesAssessed)
	require.NotNil(t, st.Payout)
	assert.Equal(t, "bob", st.Payout.BeneficiaryID)
	assert.Equal(t, int64(1500), st.Payout.Amount)

	penalties, err := f.store.ListPenalties(ctx, tontine.ID, 1)
	require.NoError(t, err)
	require.Len(t, penalties, 2)
	fined := []string{}
	for _, p := range penalties {
		assert.Equal(t, models.PenaltyAbsence, p.Type)
		assert.Equal(t, int64(100), p.Amount)
		assert.Equal(t, models.PenaltyPending, p.Status)
		fined = append(fined, p.UserID)
	}
	assert.ElementsMatch(t, []string{"dave", "erin"}, fined)
	assert.Equal(t, 2, f.notes.Count(notify.EventPenaltyAssessed))

	t.Run("fined member must pay before leaving", func(t *testing.T) {
		err := f.registry.Leave(ctx, tontine.ID, "dave")
		assert.ErrorIs(t, err, apperr.ErrOutstandingObligations)
	})
}

func TestSettledCycleIsNotPaidTwice(t *testing.T) {
	f := newFixture(t, []string{"bob", "alice"})
	ctx := context.Background()
	tontine := f.createTontine(t, input(2), "bob")

	_, err := f.scheduler.Start(ctx, tontine.ID, "alice")
	require.NoError(t, err)
	f.confirmAll(t, tontine.ID)
	f.pay(t, tontine.ID, "alice", "bob")

	// A payout already stamped on a cycle still in settling.
	require.NoError(t, f.store.WithTx(ctx, func(tx storage.Tx) error {
		if err := tx.UpdateCycleState(ctx, tontine.ID, 1, models.CycleAwaitingContributions, models.CycleReadyForPayout); err != nil {
			return err
		}
		if err := tx.UpdateCycleState(ctx, tontine.ID, 1, models.CycleReadyForPayout, models.CycleSettling); err != nil {
			return err
		}
		return tx.RecordCyclePayout(ctx, tontine.ID, 1, "bob", 1000, time.Now())
	}))

	st, err := f.scheduler.Evaluate(ctx, tontine.ID, time.Now())
	require.NoError(t, err)
	assert.Nil(t, st.Payout)
	assert.True(t, st.Advanced)
	assert.Equal(t, 2, st.Cycle.Number)

	assert.Equal(t, int64(1000), f.balance(t, tontine.ID))
	assert.Equal(t, int64(0), f.wallet(t, "bob"))
}

func TestTontineCompletesAfterLastCycle(t *testing.T) {
	f := newFixture(t, []string{"alice", "bob"})
	ctx := context.Background()
	in := input(2)
	in.TotalCycles = 2
	tontine := f.createTontine(t, in, "bob")

	_, err := f.scheduler.Start(ctx, tontine.ID, "alice")
	require.NoError(t, err)
	f.confirmAll(t, tontine.ID)

	var paid []string
	for cycle := 1; cycle <= 2; cycle++ {
		f.pay(t, tontine.ID, "alice", "bob")
		st, err := f.scheduler.Evaluate(ctx, tontine.ID, time.Now())
		require.NoError(t, err)
		require.NotNil(t, st.Payout)
		assert.Equal(t, int64(1000), st.Payout.Amount)
		paid = append(paid, st.Payout.BeneficiaryID)
	}
	assert.Equal(t, []string{"alice", "bob"}, paid)

	got, err := f.store.GetTontine(ctx, tontine.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TontineCompleted, got.Status)
	assert.Equal(t, 1, f.notes.Count(notify.EventTontineCompleted))

	st, err := f.scheduler.Evaluate(ctx, tontine.ID, time.Now())
	require.NoError(t, err)
	assert.Equal(t, models.TontineCompleted, st.TontineStatus)
	assert.Nil(t, st.Payout)

	main, err := f.store.GetCaisseByType(ctx, tontine.ID, models.CaisseMain)
	require.NoError(t, err)
	_, err = f.processor.Contribute(ctx, contribution.ContributeInput{
		TontineID: tontine.ID,
		CaisseID:  main.ID,
		UserID:    "alice",
		Method:    models.MethodWallet,
	})
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
}

func TestCancel(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	tontine := f.createTontine(t, input(3), "bob")

	_, err := f.scheduler.Cancel(ctx, tontine.ID, "bob")
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	cancelled, err := f.scheduler.Cancel(ctx, tontine.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, models.TontineCancelled, cancelled.Status)

	st, err := f.scheduler.Evaluate(ctx, tontine.ID, time.Now())
	require.NoError(t, err)
	assert.Equal(t, models.TontineCancelled, st.TontineStatus)

	_, err = f.scheduler.Cancel(ctx, tontine.ID, "alice")
	assert.ErrorIs(t, err, apperr.ErrInvalidState)

	_, err = f.scheduler.Start(ctx, tontine.ID, "alice")
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
}

func TestCancelledTontineIsNotPaidFromStaleSnapshot(t *testing.T) {
	f := newFixture(t, []string{"bob", "alice"})
	ctx := context.Background()
	tontine := f.createTontine(t, input(2), "bob")

	_, err := f.scheduler.Start(ctx, tontine.ID, "alice")
	require.NoError(t, err)
	f.confirmAll(t, tontine.ID)
	f.pay(t, tontine.ID, "alice", "bob")

	require.NoError(t, f.store.WithTx(ctx, func(tx storage.Tx) error {
		if err := tx.UpdateCycleState(ctx, tontine.ID, 1, models.CycleAwaitingContributions, models.CycleReadyForPayout); err != nil {
			return err
		}
		return tx.UpdateCycleState(ctx, tontine.ID, 1, models.CycleReadyForPayout, models.CycleSettling)
	}))

	// Snapshot taken by an evaluation before the cancel commits.
	stale, err := f.store.GetTontine(ctx, tontine.ID)
	require.NoError(t, err)
	c, err := f.store.GetCycle(ctx, tontine.ID, 1)
	require.NoError(t, err)

	_, err = f.scheduler.Cancel(ctx, tontine.ID, "alice")
	require.NoError(t, err)

	err = f.scheduler.settle(ctx, stale, c, time.Now(), &Status{})
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
	assert.Equal(t, int64(1000), f.balance(t, tontine.ID))
	assert.Equal(t, int64(0), f.wallet(t, "bob"))

	err = f.scheduler.advance(ctx, stale, c, &Status{})
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
	after, err := f.store.GetTontine(ctx, tontine.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TontineCancelled, after.Status)
	assert.Equal(t, 1, after.CurrentCycle)
}

func TestTickEvaluatesActiveTontines(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	f := newFixture(t, []string{"bob", "alice"},
		WithLocker(lock.NewRedis(client, lock.DefaultOptions())),
		WithConcurrency(2),
	)
	ctx := context.Background()

	ready := f.createTontine(t, input(2), "bob")
	waiting := f.createTontine(t, input(2), "bob")
	f.createTontine(t, input(2), "bob") // never started

	for _, tn := range []*models.Tontine{ready, waiting} {
		_, err := f.scheduler.Start(ctx, tn.ID, "alice")
		require.NoError(t, err)
		f.confirmAll(t, tn.ID)
	}
	f.pay(t, ready.ID, "alice", "bob")

	report, err := f.scheduler.Tick(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Evaluated)
	assert.Equal(t, 1, report.Paid)
	assert.Equal(t, 1, report.Blocked)
	assert.Zero(t, report.Failed)

	assert.Equal(t, int64(1000), f.wallet(t, "bob"))
	assert.Empty(t, mr.Keys())
}
