// Package draw runs the quorum-gated random draw that fixes the payout order
// of a tontine.
//
// A draw moves pending -> confirming -> drawing -> completed. It is run once
// at least two thirds of the active members confirmed participation. A draw
// left in drawing by a crash is never re-rolled on its own; an admin resets it.
package draw

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/mmynk/tontine/internal/apperr"
	"github.com/mmynk/tontine/internal/calculator"
	"github.com/mmynk/tontine/internal/lock"
	"github.com/mmynk/tontine/internal/membership"
	"github.com/mmynk/tontine/internal/metrics"
	"github.com/mmynk/tontine/internal/models"
	"github.com/mmynk/tontine/internal/notify"
	"github.com/mmynk/tontine/internal/storage"
)

// Shuffler permutes ids in place.
type Shuffler func(ids []string) error

// Engine is the draw engine.
type Engine struct {
	store    storage.Store
	notifier notify.Notifier
	metrics  *metrics.Metrics
	locker   lock.Locker
	shuffle  Shuffler
	now      func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithShuffler replaces the crypto/rand shuffle. Tests use it to fix the order.
func WithShuffler(s Shuffler) Option {
	return func(e *Engine) { e.shuffle = s }
}

// WithLocker serializes runs of the same draw across instances.
func WithLocker(l lock.Locker) Option {
	return func(e *Engine) { e.locker = l }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an Engine.
func New(store storage.Store, notifier notify.Notifier, m *metrics.Metrics, opts ...Option) *Engine {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	e := &Engine{
		store:    store,
		notifier: notifier,
		metrics:  m,
		locker:   lock.NewLocal(),
		shuffle:  CryptoShuffle,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Request opens the draw for a cycle, or returns the one already open.
// A cycle of 0 means the tontine's current cycle.
func (e *Engine) Request(ctx context.Context, tontineID string, cycle int) (*models.Draw, error) {
	var d *models.Draw
	var created bool
	var members []string
	err := e.store.WithTx(ctx, func(tx storage.Tx) error {
		t, err := tx.GetTontine(ctx, tontineID)
		if err != nil {
			return err
		}
		if t.Status != models.TontineActive {
			return apperr.ErrInvalidState.WithMessage("tontine is %s", t.Status)
		}
		if cycle == 0 {
			cycle = t.CurrentCycle
		}

		d, err = tx.GetDrawForCycle(ctx, tontineID, cycle)
		if err != nil || d != nil {
			return err
		}

		d = &models.Draw{TontineID: tontineID, CycleNumber: cycle, Status: models.DrawPending, CreatedAt: e.now()}
		if err := tx.CreateDraw(ctx, d); err != nil {
			return err
		}
		created = true
		members, err = activeIDs(ctx, tx, tontineID)
		return err
	})
	if err != nil {
		return nil, err
	}

	if created {
		slog.Info("Draw requested", "tontine_id", tontineID, "draw_id", d.ID, "cycle", cycle)
		e.notifier.Notify(ctx, notify.NewEvent(notify.EventDrawRequested, tontineID,
			map[string]string{"draw_id": d.ID, "cycle": strconv.Itoa(cycle)}, members...))
	}
	return d, nil
}

// RequestAs opens the current cycle's draw on behalf of an officer.
func (e *Engine) RequestAs(ctx context.Context, tontineID, actorID string) (*models.Draw, error) {
	if _, err := membership.RequireRole(ctx, e.store, tontineID, actorID, models.RoleAdmin, models.RolePresident); err != nil {
		return nil, err
	}
	return e.Request(ctx, tontineID, 0)
}

// ConfirmResult reports the quorum state after a confirmation.
type ConfirmResult struct {
	Draw          *models.Draw
	Confirmations int
	Threshold     int
	QuorumReached bool
}

// ConfirmParticipation records that userID takes part in the draw.
// Confirmations are a set: repeating one changes nothing. Reaching quorum
// runs the draw immediately.
func (e *Engine) ConfirmParticipation(ctx context.Context, drawID, userID string) (*ConfirmResult, error) {
	res := &ConfirmResult{}
	var added bool
	err := e.store.WithTx(ctx, func(tx storage.Tx) error {
		d, err := tx.GetDraw(ctx, drawID)
		if err != nil {
			return err
		}
		if _, err := membership.RequireRole(ctx, tx, d.TontineID, userID); err != nil {
			return err
		}
		if d.Status != models.DrawPending && d.Status != models.DrawConfirming {
			return apperr.ErrInvalidState.WithMessage("draw is %s", d.Status)
		}

		added, err = tx.AddConfirmation(ctx, drawID, userID)
		if err != nil {
			return err
		}
		if d.Status == models.DrawPending {
			if err := tx.UpdateDrawStatus(ctx, drawID, models.DrawPending, models.DrawConfirming); err != nil {
				return err
			}
		}

		res.Draw, err = tx.GetDraw(ctx, drawID)
		if err != nil {
			return err
		}
		res.Confirmations, res.Threshold, err = quorum(ctx, tx, res.Draw)
		return err
	})
	if err != nil {
		return nil, err
	}
	res.QuorumReached = res.Confirmations >= res.Threshold

	slog.Info("Participation confirmed",
		"draw_id", drawID,
		"user_id", userID,
		"confirmations", res.Confirmations,
		"threshold", res.Threshold,
	)

	if res.QuorumReached && res.Draw.Status == models.DrawConfirming {
		if added {
			e.notifier.Notify(ctx, notify.NewEvent(notify.EventQuorumReached, res.Draw.TontineID,
				map[string]string{"draw_id": drawID}))
		}
		d, err := e.Run(ctx, drawID)
		if err != nil {
			return nil, err
		}
		res.Draw = d
	}
	return res, nil
}

// Run performs the draw once quorum is reached. Running a completed draw
// returns it unchanged.
func (e *Engine) Run(ctx context.Context, drawID string) (*models.Draw, error) {
	var d *models.Draw
	err := e.locker.WithLock(ctx, "draw:"+drawID, func(ctx context.Context) error {
		var err error
		d, err = e.run(ctx, drawID)
		return err
	})
	return d, err
}

func (e *Engine) run(ctx context.Context, drawID string) (*models.Draw, error) {
	var done *models.Draw
	err := e.store.WithTx(ctx, func(tx storage.Tx) error {
		d, err := tx.GetDraw(ctx, drawID)
		if err != nil {
			return err
		}
		switch d.Status {
		case models.DrawCompleted:
			done = d
			return nil
		case models.DrawDrawing:
			return apperr.Invariant("draw %s was interrupted while drawing, an admin must reset it", drawID)
		}

		confirmations, threshold, err := quorum(ctx, tx, d)
		if err != nil {
			return err
		}
		if confirmations < threshold || d.Status == models.DrawPending {
			return apperr.ErrQuorumNotMet.WithMessage("%d of %d required confirmations", confirmations, threshold)
		}
		return tx.UpdateDrawStatus(ctx, drawID, models.DrawConfirming, models.DrawDrawing)
	})
	if err != nil || done != nil {
		return done, err
	}

	var d *models.Draw
	err = e.store.WithTx(ctx, func(tx storage.Tx) error {
		var err error
		d, err = tx.GetDraw(ctx, drawID)
		if err != nil {
			return err
		}
		order, err := activeIDs(ctx, tx, d.TontineID)
		if err != nil {
			return err
		}
		if err := e.shuffle(order); err != nil {
			return fmt.Errorf("failed to shuffle members: %w", err)
		}

		d.Order = order
		d.Seal = Seal(d)
		d.Status = models.DrawCompleted
		d.CompletedAt = e.now()
		if err := tx.CompleteDraw(ctx, drawID, d.Order, d.Seal, d.CompletedAt); err != nil {
			return err
		}
		return tx.SetDrawPositions(ctx, d.TontineID, d.Order)
	})
	if err != nil {
		slog.Error("Draw failed, reset required", "draw_id", drawID, "error", err)
		return nil, err
	}

	e.metrics.DrawCompleted()
	slog.Info("Draw completed", "tontine_id", d.TontineID, "draw_id", drawID, "members", len(d.Order), "seal", d.Seal)
	e.notifier.Notify(ctx, notify.NewEvent(notify.EventDrawCompleted, d.TontineID,
		map[string]string{"draw_id": drawID, "seal": d.Seal}, d.Order...))
	return d, nil
}

// RunAs runs the draw on behalf of an officer.
func (e *Engine) RunAs(ctx context.Context, drawID, actorID string) (*models.Draw, error) {
	d, err := e.store.GetDraw(ctx, drawID)
	if err != nil {
		return nil, err
	}
	if _, err := membership.RequireRole(ctx, e.store, d.TontineID, actorID, models.RoleAdmin, models.RolePresident); err != nil {
		return nil, err
	}
	return e.Run(ctx, drawID)
}

// Reset returns an interrupted draw to confirming so it can run again.
func (e *Engine) Reset(ctx context.Context, drawID, actorID string) (*models.Draw, error) {
	var d *models.Draw
	err := e.store.WithTx(ctx, func(tx storage.Tx) error {
		var err error
		d, err = tx.GetDraw(ctx, drawID)
		if err != nil {
			return err
		}
		if _, err := membership.RequireRole(ctx, tx, d.TontineID, actorID, models.RoleAdmin, models.RolePresident); err != nil {
			return err
		}
		if err := tx.UpdateDrawStatus(ctx, drawID, models.DrawDrawing, models.DrawConfirming); err != nil {
			return err
		}
		if err := tx.ClearDrawResult(ctx, drawID); err != nil {
			return err
		}
		d, err = tx.GetDraw(ctx, drawID)
		return err
	})
	if err != nil {
		return nil, err
	}
	slog.Warn("Draw reset", "draw_id", drawID, "reset_by", actorID)
	return d, nil
}

// Get returns a draw to an active member of its tontine.
func (e *Engine) Get(ctx context.Context, drawID, actorID string) (*models.Draw, error) {
	d, err := e.store.GetDraw(ctx, drawID)
	if err != nil {
		return nil, err
	}
	if _, err := membership.RequireRole(ctx, e.store, d.TontineID, actorID); err != nil {
		return nil, err
	}
	return d, nil
}

// quorum counts the confirmations of currently active members against the threshold.
func quorum(ctx context.Context, r storage.Reader, d *models.Draw) (confirmations, threshold int, err error) {
	active, err := activeIDs(ctx, r, d.TontineID)
	if err != nil {
		return 0, 0, err
	}
	isActive := make(map[string]bool, len(active))
	for _, id := range active {
		isActive[id] = true
	}
	for _, id := range d.Confirmations {
		if isActive[id] {
			confirmations++
		}
	}
	return confirmations, calculator.QuorumThreshold(len(active)), nil
}

func activeIDs(ctx context.Context, r storage.Reader, tontineID string) ([]string, error) {
	active, err := r.ListMembersByStatus(ctx, tontineID, models.MemberActive)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(active))
	for i, m := range active {
		ids[i] = m.UserID
	}
	return ids, nil
}

// CryptoShuffle is a Fisher-Yates shuffle driven by crypto/rand, so every
// permutation is equally likely and unpredictable.
func CryptoShuffle(ids []string) error {
	for i := len(ids) - 1; i > 0; i-- {
		j, err := rand.Int(rand.Reader, big.NewInt(int64(i+1)))
		if err != nil {
			return fmt.Errorf("failed to read randomness: %w", err)
		}
		k := int(j.Int64())
		ids[i], ids[k] = ids[k], ids[i]
	}
	return nil
}

// Seal is the hex BLAKE2b-256 digest binding the order to the draw, its
// tontine and its cycle.
func Seal(d *models.Draw) string {
	h, _ := blake2b.New256(nil)
	write := func(s string) {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}
	write(d.ID)
	write(d.TontineID)
	write(strconv.Itoa(d.CycleNumber))
	for _, id := range d.Order {
		write(id)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Verify reports whether the stored seal matches the stored order.
func Verify(d *models.Draw) bool {
	return d.Status == models.DrawCompleted && d.Seal != "" && Seal(d) == d.Seal
}
