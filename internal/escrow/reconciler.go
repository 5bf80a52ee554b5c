package escrow

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/pasarchain/escrowd/internal/chain"
	"github.com/pasarchain/escrowd/internal/dispute"
	"github.com/pasarchain/escrowd/internal/metrics"
	"github.com/pasarchain/escrowd/internal/transaction"
)

// DefaultGracePeriod is how long past an intent's expiry reconciliation
// keeps scanning before parking it for manual review.
const DefaultGracePeriod = time.Hour

// Reconciler squares overdue intents with the chain. A prepared action
// whose callback never arrived either happened on chain (replay the commit)
// or did not (park for review once the grace period passes).
type Reconciler struct {
	service *Service
	grace   time.Duration
	logger  *slog.Logger
}

func NewReconciler(service *Service, grace time.Duration, logger *slog.Logger) *Reconciler {
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{service: service, grace: grace, logger: logger}
}

// Run repairs dispute pairs a crash left half-written, then processes one
// batch of overdue intents.
func (r *Reconciler) Run(ctx context.Context) {
	r.service.disputes.HealOrphans(ctx)

	intents, err := r.service.store.ListOverdue(ctx, time.Now(), 50)
	if err != nil {
		r.logger.Warn("overdue intent listing failed", "error", err)
		return
	}

	for _, in := range intents {
		outcome := r.reconcile(ctx, in)
		metrics.ReconcileRunsTotal.WithLabelValues(outcome).Inc()
	}
}

func (r *Reconciler) reconcile(ctx context.Context, in *Intent) string {
	txHash := in.TxHash
	if txHash == "" {
		found, err := r.service.adapter.FindAction(ctx, in.Action, in.EscrowID, in.FromBlock, 0)
		switch {
		case err == nil:
			txHash = found
		case errors.Is(err, chain.ErrEventNotFound):
			return r.handleMissing(ctx, in)
		default:
			r.logger.Warn("reconciliation scan failed",
				"intentId", in.ID, "transactionId", in.TransactionID, "error", err)
			return "error"
		}
	}

	// Someone may have reported this hash through the normal callback while
	// the intent sat overdue.
	if processed, err := r.service.store.WasProcessed(ctx, txHash); err == nil && processed {
		now := time.Now()
		in.Status = IntentConfirmed
		in.TxHash = txHash
		in.ConfirmedAt = &now
		if err := r.service.store.UpdateIntent(ctx, in); err != nil {
			r.logger.Warn("intent not marked confirmed", "intentId", in.ID, "error", err)
		}
		return "already_processed"
	}

	if err := r.replay(ctx, in, txHash); err != nil {
		r.logger.Error("reconciliation replay failed",
			"intentId", in.ID, "transactionId", in.TransactionID, "txHash", txHash, "error", err)
		return "replay_failed"
	}

	r.logger.Info("orphaned escrow action reconciled",
		"intentId", in.ID, "transactionId", in.TransactionID, "action", in.Action, "txHash", txHash)
	return "replayed"
}

// replay runs the commit half of the callback path for an action found on
// chain without a callback.
func (r *Reconciler) replay(ctx context.Context, in *Intent, txHash string) error {
	s := r.service
	switch in.Action {
	case chain.ActionConfirm:
		_, err := s.commitConfirm(ctx, in.TransactionID, txHash)
		return err

	case chain.ActionDispute:
		tx, err := s.txns.Get(ctx, in.TransactionID)
		if err != nil {
			return err
		}
		initiator := tx.SellerID
		if strings.EqualFold(in.ExpectedSigner, tx.BuyerAddr) {
			initiator = tx.BuyerID
		}
		if _, err := s.disputes.Open(ctx, in.TransactionID, initiator, "dispute opened on chain", ""); err != nil {
			if !errors.Is(err, dispute.ErrAlreadyOpen) {
				return err
			}
		}
		s.finishCallback(ctx, in.TransactionID, txHash, chain.ActionDispute)
		return nil

	case chain.ActionResolve:
		tx, err := s.txns.Get(ctx, in.TransactionID)
		if err != nil {
			return err
		}
		target := transaction.StatusCompletedViaDispute
		payload := transaction.Payload{}
		if tx.Status == transaction.StatusResolvedBuyer {
			target = transaction.StatusRefunded
			payload = transaction.Payload{RefundedBy: "reconciliation", RefundNote: "dispute resolved for buyer"}
		}
		unlock := s.txns.Lock(in.TransactionID)
		_, err = s.txns.ForceTransition(ctx, in.TransactionID, target, payload)
		unlock()
		if err != nil {
			return err
		}
		if err := s.disputes.AttachResolutionTx(ctx, in.TransactionID, txHash); err != nil {
			r.logger.Warn("resolution hash not attached", "transactionId", in.TransactionID, "error", err)
		}
		s.finishCallback(ctx, in.TransactionID, txHash, chain.ActionResolve)
		return nil
	}
	return chain.ErrUnknownAction
}

// handleMissing decides what to do with an overdue intent the chain shows
// no trace of: keep waiting inside the grace period, park it after.
func (r *Reconciler) handleMissing(ctx context.Context, in *Intent) string {
	if time.Now().Before(in.ExpiresAt.Add(r.grace)) {
		return "waiting"
	}

	in.Status = IntentNeedsReview
	if err := r.service.store.UpdateIntent(ctx, in); err != nil {
		r.logger.Warn("intent not parked for review", "intentId", in.ID, "error", err)
		return "error"
	}
	if err := r.service.txns.FlagNeedsReview(ctx, in.TransactionID); err != nil {
		r.logger.Warn("needs-review flag not set", "transactionId", in.TransactionID, "error", err)
	}

	r.logger.Warn("escrow action never appeared on chain, parked for review",
		"intentId", in.ID, "transactionId", in.TransactionID, "action", in.Action,
		"expiredAt", in.ExpiresAt)
	return "needs_review"
}
