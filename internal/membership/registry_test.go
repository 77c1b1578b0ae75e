package membership

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmynk/tontine/internal/apperr"
	"github.com/mmynk/tontine/internal/models"
	"github.com/mmynk/tontine/internal/notify"
	"github.com/mmynk/tontine/internal/storage"
	"github.com/mmynk/tontine/internal/storage/sqlite"
)

func setupRegistry(t *testing.T) (*Registry, *sqlite.SQLiteStore, *notify.Recorder) {
	t.Helper()
	tmpFile, err := os.CreateTemp("", "test-*.db")
	require.NoError(t, err)
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpFile.Name()) })

	store, err := sqlite.New(tmpFile.Name())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	rec := &notify.Recorder{}
	return New(store, rec), store, rec
}

func validInput() CreateTontineInput {
	return CreateTontineInput{
		Name:               "Njangi des amis",
		CreatorID:          "alice",
		ContributionAmount: 500,
		Frequency:          models.FrequencyMonthly,
		MinMembers:         2,
		MaxMembers:         3,
		LatePenaltyPercent: decimal.NewFromInt(10),
		AbsenceFine:        100,
		GraceDays:          3,
	}
}

// join brings userID in through the invite code and approves them.
func join(t *testing.T, r *Registry, tontine *models.Tontine, userID string) {
	t.Helper()
	ctx := context.Background()
	_, err := r.RequestJoin(ctx, tontine.InviteCode, userID)
	require.NoError(t, err)
	_, err = r.Approve(ctx, tontine.ID, tontine.CreatorID, userID)
	require.NoError(t, err)
}

func TestCreateTontine(t *testing.T) {
	r, store, _ := setupRegistry(t)
	ctx := context.Background()

	tontine, err := r.CreateTontine(ctx, validInput())
	require.NoError(t, err)
	assert.Equal(t, models.TontinePending, tontine.Status)
	assert.Len(t, tontine.InviteCode, 8)
	assert.True(t, tontine.NoRepeatUntilFullRotation)

	caisses, err := store.ListCaisses(ctx, tontine.ID)
	require.NoError(t, err)
	require.Len(t, caisses, 2)
	assert.Equal(t, models.CaisseMain, caisses[0].Type)
	assert.True(t, caisses[0].Required)
	assert.Equal(t, int64(500), caisses[0].ContributionAmount)
	assert.Equal(t, models.CaissePenalty, caisses[1].Type)

	creator, err := store.GetMember(ctx, tontine.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, models.RoleAdmin, creator.Role)
	assert.Equal(t, models.MemberActive, creator.Status)
}

func TestCreateTontineValidation(t *testing.T) {
	r, _, _ := setupRegistry(t)

	tests := []struct {
		name   string
		mutate func(*CreateTontineInput)
	}{
		{"empty name", func(in *CreateTontineInput) { in.Name = " " }},
		{"zero amount", func(in *CreateTontineInput) { in.ContributionAmount = 0 }},
		{"bad frequency", func(in *CreateTontineInput) { in.Frequency = "hourly" }},
		{"one member", func(in *CreateTontineInput) { in.MinMembers = 1 }},
		{"max below min", func(in *CreateTontineInput) { in.MaxMembers = 1 }},
		{"percent over 100", func(in *CreateTontineInput) { in.LatePenaltyPercent = decimal.NewFromInt(101) }},
		{"negative fine", func(in *CreateTontineInput) { in.AbsenceFine = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := validInput()
			tt.mutate(&in)
			_, err := r.CreateTontine(context.Background(), in)
			assert.ErrorIs(t, err, apperr.ErrValidation)
		})
	}
}

func TestJoinFlow(t *testing.T) {
	r, store, rec := setupRegistry(t)
	ctx := context.Background()
	tontine, err := r.CreateTontine(ctx, validInput())
	require.NoError(t, err)

	m, err := r.RequestJoin(ctx, tontine.InviteCode, "bob")
	require.NoError(t, err)
	assert.Equal(t, models.MemberPending, m.Status)
	assert.Equal(t, 1, rec.Count(notify.EventJoinRequested))

	_, err = r.RequestJoin(ctx, tontine.InviteCode, "bob")
	assert.ErrorIs(t, err, apperr.ErrInvalidState)

	t.Run("only officers approve", func(t *testing.T) {
		_, err := r.Approve(ctx, tontine.ID, "bob", "bob")
		assert.ErrorIs(t, err, apperr.ErrNotAMember)
	})

	_, err = r.Approve(ctx, tontine.ID, "alice", "bob")
	require.NoError(t, err)

	_, err = r.RequestJoin(ctx, tontine.InviteCode, "carol")
	require.NoError(t, err)
	require.NoError(t, r.Reject(ctx, tontine.ID, "alice", "carol"))

	carol, err := store.GetMember(ctx, tontine.ID, "carol")
	require.NoError(t, err)
	assert.Equal(t, models.MemberRemoved, carol.Status)

	t.Run("rejected user can ask again", func(t *testing.T) {
		m, err := r.RequestJoin(ctx, tontine.InviteCode, "carol")
		require.NoError(t, err)
		assert.Equal(t, models.MemberPending, m.Status)
	})

	t.Run("tontine full", func(t *testing.T) {
		join(t, r, tontine, "dave") // third active member reaches MaxMembers
		_, err := r.Approve(ctx, tontine.ID, "alice", "carol")
		assert.ErrorIs(t, err, apperr.ErrInvalidState)
	})
}

func TestRegenerateInviteCode(t *testing.T) {
	r, _, _ := setupRegistry(t)
	ctx := context.Background()
	tontine, err := r.CreateTontine(ctx, validInput())
	require.NoError(t, err)

	code, err := r.RegenerateInviteCode(ctx, tontine.ID, "alice")
	require.NoError(t, err)
	assert.NotEqual(t, tontine.InviteCode, code)

	_, err = r.RequestJoin(ctx, tontine.InviteCode, "bob")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = r.RequestJoin(ctx, code, "bob")
	assert.NoError(t, err)
}

func TestLeave(t *testing.T) {
	r, store, _ := setupRegistry(t)
	ctx := context.Background()
	tontine, err := r.CreateTontine(ctx, validInput())
	require.NoError(t, err)
	join(t, r, tontine, "bob")

	t.Run("admin must transfer first", func(t *testing.T) {
		err := r.Leave(ctx, tontine.ID, "alice")
		assert.ErrorIs(t, err, apperr.ErrRoleTransferRequired)
	})

	main, err := store.GetCaisseByType(ctx, tontine.ID, models.CaisseMain)
	require.NoError(t, err)
	pending := &models.Contribution{
		TontineID:      tontine.ID,
		CaisseID:       main.ID,
		UserID:         "bob",
		Amount:         500,
		CycleNumber:    1,
		Method:         models.MethodMobileMoney,
		Status:         models.ContributionPending,
		TransactionRef: "ref-bob-1",
	}
	require.NoError(t, store.WithTx(ctx, func(tx storage.Tx) error { return tx.CreateContribution(ctx, pending) }))

	err = r.Leave(ctx, tontine.ID, "bob")
	assert.ErrorIs(t, err, apperr.ErrOutstandingObligations)

	require.NoError(t, store.WithTx(ctx, func(tx storage.Tx) error {
		return tx.UpdateContributionStatus(ctx, pending.ID, models.ContributionCompleted, time.Now())
	}))

	require.NoError(t, r.Leave(ctx, tontine.ID, "bob"))
	bob, err := store.GetMember(ctx, tontine.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, models.MemberLeft, bob.Status)

	assert.ErrorIs(t, r.Leave(ctx, tontine.ID, "bob"), apperr.ErrNotAMember)
}

func TestChangeRole(t *testing.T) {
	r, store, _ := setupRegistry(t)
	ctx := context.Background()
	in := validInput()
	in.MaxMembers = 5
	tontine, err := r.CreateTontine(ctx, in)
	require.NoError(t, err)
	join(t, r, tontine, "bob")
	join(t, r, tontine, "carol")

	t.Run("members cannot change roles", func(t *testing.T) {
		_, err := r.ChangeRole(ctx, tontine.ID, "bob", "carol", models.RoleSecretary)
		assert.ErrorIs(t, err, apperr.ErrForbidden)
	})

	t.Run("cannot change own role", func(t *testing.T) {
		_, err := r.ChangeRole(ctx, tontine.ID, "alice", "alice", models.RoleMember)
		assert.ErrorIs(t, err, apperr.ErrValidation)
	})

	m, err := r.ChangeRole(ctx, tontine.ID, "alice", "carol", models.RoleTreasurer)
	require.NoError(t, err)
	assert.Equal(t, models.RoleTreasurer, m.Role)

	// Transferring admin demotes alice.
	_, err = r.ChangeRole(ctx, tontine.ID, "alice", "bob", models.RoleAdmin)
	require.NoError(t, err)

	alice, err := store.GetMember(ctx, tontine.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, models.RoleMember, alice.Role)
	bob, err := store.GetMember(ctx, tontine.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, models.RoleAdmin, bob.Role)

	events, err := r.ListRoleEvents(ctx, tontine.ID, "bob")
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "bob", events[1].UserID)
	assert.Equal(t, models.RoleAdmin, events[1].ToRole)
	assert.Equal(t, "alice", events[2].UserID)
	assert.Equal(t, models.RoleMember, events[2].ToRole)

	// Now alice can leave.
	assert.NoError(t, r.Leave(ctx, tontine.ID, "alice"))
}

func TestRemove(t *testing.T) {
	r, store, _ := setupRegistry(t)
	ctx := context.Background()
	tontine, err := r.CreateTontine(ctx, validInput())
	require.NoError(t, err)
	join(t, r, tontine, "bob")
	join(t, r, tontine, "carol")

	assert.ErrorIs(t, r.Remove(ctx, tontine.ID, "bob", "carol"), apperr.ErrForbidden)
	require.NoError(t, r.Remove(ctx, tontine.ID, "alice", "carol"))

	carol, err := store.GetMember(ctx, tontine.ID, "carol")
	require.NoError(t, err)
	assert.Equal(t, models.MemberRemoved, carol.Status)

	_, err = r.ListMembers(ctx, tontine.ID, "carol")
	assert.ErrorIs(t, err, apperr.ErrNotAMember)
}

func TestRemoveNeedsClearMember(t *testing.T) {
	r, store, _ := setupRegistry(t)
	ctx := context.Background()
	in := validInput()
	in.MaxMembers = 5
	tontine, err := r.CreateTontine(ctx, in)
	require.NoError(t, err)
	join(t, r, tontine, "bob")
	join(t, r, tontine, "carol")

	_, err = r.ChangeRole(ctx, tontine.ID, "alice", "bob", models.RolePresident)
	require.NoError(t, err)
	assert.ErrorIs(t, r.Remove(ctx, tontine.ID, "alice", "bob"), apperr.ErrRoleTransferRequired)

	main, err := store.GetCaisseByType(ctx, tontine.ID, models.CaisseMain)
	require.NoError(t, err)
	pending := &models.Contribution{
		TontineID:      tontine.ID,
		CaisseID:       main.ID,
		UserID:         "carol",
		Amount:         500,
		CycleNumber:    1,
		Method:         models.MethodMobileMoney,
		Status:         models.ContributionPending,
		TransactionRef: "ref-carol-1",
	}
	require.NoError(t, store.WithTx(ctx, func(tx storage.Tx) error { return tx.CreateContribution(ctx, pending) }))

	assert.ErrorIs(t, r.Remove(ctx, tontine.ID, "alice", "carol"), apperr.ErrOutstandingObligations)
	carol, err := store.GetMember(ctx, tontine.ID, "carol")
	require.NoError(t, err)
	assert.Equal(t, models.MemberActive, carol.Status)

	require.NoError(t, store.WithTx(ctx, func(tx storage.Tx) error {
		return tx.UpdateContributionStatus(ctx, pending.ID, models.ContributionCompleted, time.Now())
	}))
	require.NoError(t, r.Remove(ctx, tontine.ID, "alice", "carol"))
}

func TestLateJoinerAppendedToDrawOrder(t *testing.T) {
	r, store, _ := setupRegistry(t)
	ctx := context.Background()
	tontine, err := r.CreateTontine(ctx, validInput())
	require.NoError(t, err)
	join(t, r, tontine, "bob")

	require.NoError(t, store.WithTx(ctx, func(tx storage.Tx) error {
		return tx.SetDrawPositions(ctx, tontine.ID, []string{"bob", "alice"})
	}))

	m := func() *models.Member {
		join(t, r, tontine, "carol")
		m, err := store.GetMember(ctx, tontine.ID, "carol")
		require.NoError(t, err)
		return m
	}()
	require.NotNil(t, m.DrawPosition)
	assert.Equal(t, 3, *m.DrawPosition)
}
