// Package contribution accepts member payments into caisses, settles
// asynchronous payments, and collects penalties and wallet top-ups.
package contribution

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/mmynk/tontine/internal/apperr"
	"github.com/mmynk/tontine/internal/calculator"
	"github.com/mmynk/tontine/internal/membership"
	"github.com/mmynk/tontine/internal/metrics"
	"github.com/mmynk/tontine/internal/models"
	"github.com/mmynk/tontine/internal/notify"
	"github.com/mmynk/tontine/internal/storage"
)

// Processor is the contribution processor.
type Processor struct {
	store    storage.Store
	notifier notify.Notifier
	metrics  *metrics.Metrics
	now      func() time.Time
}

// Option configures a Processor.
type Option func(*Processor)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

// New creates a Processor.
func New(store storage.Store, notifier notify.Notifier, m *metrics.Metrics, opts ...Option) *Processor {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	p := &Processor{
		store:    store,
		notifier: notifier,
		metrics:  m,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ContributeInput is one payment attempt.
type ContributeInput struct {
	TontineID string
	CaisseID  string
	UserID    string
	// Amount of 0 means the caisse's contribution amount.
	Amount  int64
	Method  models.PaymentMethod
	Partial bool
}

// Result is the outcome of a contribution or settlement.
type Result struct {
	Contribution *models.Contribution
	// Duplicate is set when the call replayed an earlier one and changed nothing.
	Duplicate bool
	// Penalty is the late penalty assessed by this call, if any.
	Penalty *models.Penalty
}

// Contribute records a member's payment for the current cycle.
//
// Wallet payments move the money immediately. External methods record a
// pending contribution that SettlePayment completes once the rails confirm.
// At most one pending or completed contribution exists per member, caisse
// and cycle; replaying the same payment returns it with Duplicate set.
func (p *Processor) Contribute(ctx context.Context, in ContributeInput) (*Result, error) {
	if !in.Method.Valid() {
		return nil, apperr.Validation("unknown payment method %q", in.Method)
	}
	if in.Amount < 0 {
		return nil, apperr.Validation("amount cannot be negative")
	}

	res := &Result{}
	err := p.store.WithTx(ctx, func(tx storage.Tx) error {
		t, err := tx.GetTontine(ctx, in.TontineID)
		if err != nil {
			return err
		}
		if t.Status != models.TontineActive {
			return apperr.ErrInvalidState.WithMessage("tontine is %s", t.Status)
		}
		if _, err := membership.RequireRole(ctx, tx, t.ID, in.UserID); err != nil {
			return err
		}

		caisse, err := tx.GetCaisse(ctx, in.CaisseID)
		if err != nil {
			return err
		}
		if caisse.TontineID != t.ID {
			return apperr.NotFound("caisse", in.CaisseID)
		}
		if caisse.Type == models.CaissePenalty {
			return apperr.Validation("penalties are paid with PayPenalty")
		}

		amount := in.Amount
		if amount == 0 {
			amount = caisse.ContributionAmount
		}
		switch {
		case in.Partial && !caisse.AllowCustomAmount:
			return apperr.Validation("caisse %s does not accept custom amounts", caisse.Name)
		case !in.Partial && amount != caisse.ContributionAmount:
			return apperr.Validation("amount must be %d", caisse.ContributionAmount)
		}

		existing, err := tx.FindActiveContribution(ctx, in.UserID, caisse.ID, t.CurrentCycle)
		if err != nil {
			return err
		}
		if existing != nil {
			if existing.Amount != amount {
				return apperr.ErrDuplicateContribution.WithMessage(
					"already contributed %d to this caisse for cycle %d", existing.Amount, existing.CycleNumber)
			}
			res.Contribution = existing
			res.Duplicate = true
			return nil
		}

		cycle, err := tx.GetCycle(ctx, t.ID, t.CurrentCycle)
		if err != nil {
			return err
		}

		c := &models.Contribution{
			TontineID:      t.ID,
			CaisseID:       caisse.ID,
			UserID:         in.UserID,
			Amount:         amount,
			CycleNumber:    t.CurrentCycle,
			Method:         in.Method,
			Status:         models.ContributionPending,
			Partial:        in.Partial,
			DueAt:          cycle.DueAt,
			TransactionRef: ulid.Make().String(),
			CreatedAt:      p.now(),
		}
		res.Contribution = c

		if in.Method.External() {
			return tx.CreateContribution(ctx, c)
		}

		c.Status = models.ContributionCompleted
		c.PaidAt = c.CreatedAt
		if err := tx.CreateContribution(ctx, c); err != nil {
			return err
		}
		entry := models.LedgerEntry{Kind: models.KindContribution, Reference: c.TransactionRef, TontineID: t.ID}
		if _, err := tx.DebitWallet(ctx, in.UserID, amount, entry); err != nil {
			return err
		}
		res.Penalty, err = p.complete(ctx, tx, t, c)
		return err
	})
	if err != nil {
		return nil, err
	}

	c := res.Contribution
	if res.Duplicate {
		slog.Info("Duplicate contribution ignored", "contribution_id", c.ID, "user_id", c.UserID, "cycle", c.CycleNumber)
		return res, nil
	}

	p.metrics.Contribution(string(c.Method), string(c.Status), c.Amount)
	slog.Info("Contribution recorded",
		"contribution_id", c.ID,
		"tontine_id", c.TontineID,
		"caisse_id", c.CaisseID,
		"user_id", c.UserID,
		"amount", c.Amount,
		"status", c.Status,
	)
	p.afterCompletion(ctx, res)
	return res, nil
}

// SettlePayment applies the payment rails' verdict on a pending contribution.
// Replaying the verdict already applied is a no-op.
func (p *Processor) SettlePayment(ctx context.Context, ref string, amount int64, status models.ContributionStatus) (*Result, error) {
	if status != models.ContributionCompleted && status != models.ContributionFailed {
		return nil, apperr.Validation("settlement status must be completed or failed")
	}

	res := &Result{}
	err := p.store.WithTx(ctx, func(tx storage.Tx) error {
		c, err := tx.GetContributionByRef(ctx, ref)
		if err != nil {
			return err
		}
		res.Contribution = c
		if c.Status == status {
			res.Duplicate = true
			return nil
		}
		if c.Status != models.ContributionPending {
			return apperr.ErrInvalidState.WithMessage("contribution is already %s", c.Status)
		}
		if amount != c.Amount {
			return apperr.Validation("settled amount %d does not match contribution amount %d", amount, c.Amount)
		}

		if status == models.ContributionFailed {
			c.Status = models.ContributionFailed
			return tx.UpdateContributionStatus(ctx, c.ID, models.ContributionFailed, time.Time{})
		}

		t, err := tx.GetTontine(ctx, c.TontineID)
		if err != nil {
			return err
		}
		c.Status = models.ContributionCompleted
		c.PaidAt = p.now()
		if err := tx.UpdateContributionStatus(ctx, c.ID, c.Status, c.PaidAt); err != nil {
			return err
		}
		res.Penalty, err = p.complete(ctx, tx, t, c)
		return err
	})
	if err != nil {
		return nil, err
	}

	c := res.Contribution
	if res.Duplicate {
		slog.Info("Settlement replay ignored", "transaction_ref", ref, "status", status)
		return res, nil
	}

	p.metrics.Contribution(string(c.Method), string(c.Status), c.Amount)
	slog.Info("Payment settled", "transaction_ref", ref, "contribution_id", c.ID, "status", c.Status)
	if c.Status == models.ContributionCompleted {
		p.afterCompletion(ctx, res)
	}
	return res, nil
}

// complete credits the caisse for a completed contribution and assesses a
// late penalty when the money landed after the due date.
func (p *Processor) complete(ctx context.Context, tx storage.Tx, t *models.Tontine, c *models.Contribution) (*models.Penalty, error) {
	entry := models.LedgerEntry{Kind: models.KindContribution, Reference: c.TransactionRef, TontineID: t.ID}
	if _, err := tx.CreditCaisse(ctx, c.CaisseID, c.Amount, entry); err != nil {
		return nil, err
	}
	if err := tx.AddMemberContributed(ctx, t.ID, c.UserID, c.Amount); err != nil {
		return nil, err
	}

	if !calculator.IsLate(c.DueAt, c.PaidAt) {
		return nil, nil
	}

	existing, err := tx.ListPenalties(ctx, t.ID, c.CycleNumber)
	if err != nil {
		return nil, err
	}
	for _, pen := range existing {
		if pen.UserID == c.UserID && pen.CaisseID == c.CaisseID && pen.Type == models.PenaltyAbsence {
			return nil, nil
		}
	}

	amount, err := calculator.LatePenalty(c.Amount, t.LatePenaltyPercent)
	if err != nil {
		return nil, fmt.Errorf("failed to compute late penalty: %w", err)
	}
	if amount == 0 {
		return nil, nil
	}

	pen := &models.Penalty{
		TontineID:      t.ID,
		UserID:         c.UserID,
		CaisseID:       c.CaisseID,
		ContributionID: c.ID,
		CycleNumber:    c.CycleNumber,
		Type:           models.PenaltyLatePayment,
		Amount:         amount,
		Reason:         fmt.Sprintf("paid %s after the due date", c.PaidAt.Sub(c.DueAt).Round(time.Minute)),
		Status:         models.PenaltyPending,
		CreatedAt:      p.now(),
	}
	created, err := tx.CreatePenalty(ctx, pen)
	if err != nil || !created {
		return nil, err
	}
	return pen, nil
}

func (p *Processor) afterCompletion(ctx context.Context, res *Result) {
	c := res.Contribution
	if c.Status == models.ContributionCompleted {
		p.notifier.Notify(ctx, notify.NewEvent(notify.EventContributionReceived, c.TontineID,
			map[string]string{
				"contribution_id": c.ID,
				"amount":          strconv.FormatInt(c.Amount, 10),
				"cycle":           strconv.Itoa(c.CycleNumber),
			}, c.UserID))
	}
	if pen := res.Penalty; pen != nil {
		p.metrics.Penalty(string(pen.Type))
		slog.Info("Late penalty assessed", "penalty_id", pen.ID, "user_id", pen.UserID, "amount", pen.Amount)
		p.notifier.Notify(ctx, notify.NewEvent(notify.EventPenaltyAssessed, pen.TontineID,
			map[string]string{"penalty_id": pen.ID, "type": string(pen.Type), "amount": strconv.FormatInt(pen.Amount, 10)},
			pen.UserID))
	}
}

// PayPenalty settles a penalty from the member's wallet into the tontine's
// penalty caisse. Paying an already paid penalty changes nothing.
func (p *Processor) PayPenalty(ctx context.Context, penaltyID, userID string) (*models.Penalty, bool, error) {
	var pen *models.Penalty
	duplicate := false
	err := p.store.WithTx(ctx, func(tx storage.Tx) error {
		var err error
		pen, err = tx.GetPenalty(ctx, penaltyID)
		if err != nil {
			return err
		}
		if pen.UserID != userID {
			return apperr.ErrForbidden.WithMessage("penalty belongs to another member")
		}
		if pen.Status == models.PenaltyPaid {
			duplicate = true
			return nil
		}

		if pen.Amount > 0 {
			caisse, err := tx.GetCaisseByType(ctx, pen.TontineID, models.CaissePenalty)
			if err != nil {
				return err
			}
			entry := models.LedgerEntry{Kind: models.KindPenalty, Reference: "penalty:" + pen.ID, TontineID: pen.TontineID}
			if _, err := tx.DebitWallet(ctx, userID, pen.Amount, entry); err != nil {
				return err
			}
			if _, err := tx.CreditCaisse(ctx, caisse.ID, pen.Amount, entry); err != nil {
				return err
			}
		}

		pen.Status = models.PenaltyPaid
		pen.PaidAt = p.now()
		return tx.MarkPenaltyPaid(ctx, pen.ID, pen.PaidAt)
	})
	if err != nil {
		return nil, false, err
	}
	if !duplicate {
		slog.Info("Penalty paid", "penalty_id", pen.ID, "user_id", userID, "amount", pen.Amount)
	}
	return pen, duplicate, nil
}

// TopUpWallet credits a wallet from an external funding confirmation.
// The reference makes the credit idempotent.
func (p *Processor) TopUpWallet(ctx context.Context, userID string, amount int64, reference string) (*models.Wallet, bool, error) {
	switch {
	case userID == "":
		return nil, false, apperr.Validation("user is required")
	case amount <= 0:
		return nil, false, apperr.Validation("amount must be positive")
	case reference == "":
		return nil, false, apperr.Validation("reference is required")
	}

	ref := "topup:" + reference
	var w *models.Wallet
	duplicate := false
	err := p.store.WithTx(ctx, func(tx storage.Tx) error {
		seen, err := tx.HasReference(ctx, models.AccountWallet, userID, ref)
		if err != nil {
			return err
		}
		if seen {
			duplicate = true
		} else if _, err := tx.CreditWallet(ctx, userID, amount, models.LedgerEntry{Kind: models.KindTopUp, Reference: ref}); err != nil {
			return err
		}
		w, err = tx.GetWallet(ctx, userID)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	if !duplicate {
		slog.Info("Wallet topped up", "user_id", userID, "amount", amount, "balance", w.Balance)
	}
	return w, duplicate, nil
}

// GetWallet returns a user's wallet.
func (p *Processor) GetWallet(ctx context.Context, userID string) (*models.Wallet, error) {
	return p.store.GetWallet(ctx, userID)
}

// ListContributions lists a tontine's contributions for one cycle, or all when cycle is 0.
func (p *Processor) ListContributions(ctx context.Context, tontineID, actorID string, cycle int) ([]*models.Contribution, error) {
	if _, err := membership.RequireRole(ctx, p.store, tontineID, actorID); err != nil {
		return nil, err
	}
	return p.store.ListContributions(ctx, tontineID, cycle)
}

// ListPenalties lists a tontine's penalties for one cycle, or all when cycle is 0.
func (p *Processor) ListPenalties(ctx context.Context, tontineID, actorID string, cycle int) ([]*models.Penalty, error) {
	if _, err := membership.RequireRole(ctx, p.store, tontineID, actorID); err != nil {
		return nil, err
	}
	return p.store.ListPenalties(ctx, tontineID, cycle)
}

// ListTransactions returns the ledger lines of a caisse, to members of its
// tontine, or of the caller's own wallet.
func (p *Processor) ListTransactions(ctx context.Context, actorID string, accountType models.AccountType, accountID string) ([]*models.LedgerTransaction, error) {
	switch accountType {
	case models.AccountWallet:
		if accountID != actorID {
			return nil, apperr.ErrForbidden.WithMessage("wallets are private")
		}
	case models.AccountCaisse:
		c, err := p.store.GetCaisse(ctx, accountID)
		if err != nil {
			return nil, err
		}
		if _, err := membership.RequireRole(ctx, p.store, c.TontineID, actorID); err != nil {
			return nil, err
		}
	default:
		return nil, apperr.Validation("unknown account type %q", accountType)
	}
	return p.store.ListTransactions(ctx, accountType, accountID)
}
