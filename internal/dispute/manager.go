package dispute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pasarchain/escrowd/internal/idgen"
	"github.com/pasarchain/escrowd/internal/metrics"
	"github.com/pasarchain/escrowd/internal/transaction"
)

// TransactionOrchestrator is the slice of the transaction service the
// dispute manager drives. Lock returns an unlock func; ForceTransition must
// only be called while that lock is held.
type TransactionOrchestrator interface {
	Lock(txID string) func()
	Get(ctx context.Context, id string) (*transaction.Transaction, error)
	ForceTransition(ctx context.Context, txID string, target transaction.Status, p transaction.Payload) (*transaction.Transaction, error)
	FlagNeedsReview(ctx context.Context, txID string) error
}

// Manager implements dispute business logic on top of the transaction
// orchestrator.
type Manager struct {
	store  Store
	txns   TransactionOrchestrator
	logger *slog.Logger
}

func NewManager(store Store, txns TransactionOrchestrator, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: store, txns: txns, logger: logger}
}

// Open files a dispute against a transaction and forces the transaction
// into DISPUTED. Both writes happen under the transaction's lock; if the
// transition fails the dispute row is compensated away. The two rows live
// in different stores, so a crash between the writes can still leave an
// OPEN dispute on a non-DISPUTED transaction; HealOrphans repairs that on
// the next reconciliation sweep.
func (m *Manager) Open(ctx context.Context, txID, initiatorID, description, evidence string) (*Dispute, error) {
	if description == "" {
		return nil, ErrEmptyDescription
	}

	unlock := m.txns.Lock(txID)
	defer unlock()

	tx, err := m.txns.Get(ctx, txID)
	if err != nil {
		return nil, err
	}

	if initiatorID != tx.BuyerID && initiatorID != tx.SellerID {
		return nil, ErrNotParty
	}
	if tx.Status != transaction.StatusDelivered && tx.Status != transaction.StatusBuyerConfirmed {
		return nil, fmt.Errorf("%w: status %s", ErrNotDisputable, tx.Status)
	}
	if _, err := m.store.GetOpenByTransaction(ctx, txID); err == nil {
		return nil, ErrAlreadyOpen
	} else if !errors.Is(err, ErrDisputeNotFound) {
		return nil, err
	}

	now := time.Now()
	d := &Dispute{
		ID:            idgen.WithPrefix("dsp_"),
		TransactionID: txID,
		InitiatorID:   initiatorID,
		Description:   description,
		Status:        StatusOpen,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if initiatorID == tx.BuyerID {
		d.BuyerEvidence = evidence
	} else {
		d.SellerEvidence = evidence
	}

	if err := m.store.Create(ctx, d); err != nil {
		return nil, fmt.Errorf("create dispute: %w", err)
	}

	if _, err := m.txns.ForceTransition(ctx, txID, transaction.StatusDisputed, transaction.Payload{}); err != nil {
		if delErr := m.store.Delete(ctx, d.ID); delErr != nil {
			m.logger.Error("CRITICAL: dispute row orphaned after failed transition",
				"disputeId", d.ID, "transactionId", txID, "error", delErr)
		}
		return nil, err
	}

	metrics.DisputesOpenedTotal.Inc()
	m.logger.Info("dispute opened",
		"disputeId", d.ID, "transactionId", txID, "initiator", initiatorID)
	return d, nil
}

// HealOrphans finishes dispute opens that a crash cut in half: any OPEN
// dispute whose transaction is still disputable is re-driven into DISPUTED.
// An OPEN dispute whose transaction moved somewhere undisputable cannot be
// repaired automatically and flags the transaction for admin review.
func (m *Manager) HealOrphans(ctx context.Context) {
	open, err := m.store.ListOpen(ctx, 200)
	if err != nil {
		m.logger.Warn("open dispute listing failed", "error", err)
		return
	}

	for _, d := range open {
		m.healOrphan(ctx, d)
	}
}

func (m *Manager) healOrphan(ctx context.Context, d *Dispute) {
	unlock := m.txns.Lock(d.TransactionID)

	tx, err := m.txns.Get(ctx, d.TransactionID)
	if err != nil {
		unlock()
		m.logger.Warn("dispute heal: transaction lookup failed",
			"disputeId", d.ID, "transactionId", d.TransactionID, "error", err)
		return
	}

	switch tx.Status {
	case transaction.StatusDisputed:
		// Consistent pair, nothing to do.
		unlock()

	case transaction.StatusDelivered, transaction.StatusBuyerConfirmed:
		_, err := m.txns.ForceTransition(ctx, d.TransactionID, transaction.StatusDisputed, transaction.Payload{})
		unlock()
		if err != nil {
			m.logger.Error("dispute heal: forced transition failed",
				"disputeId", d.ID, "transactionId", d.TransactionID, "error", err)
			return
		}
		m.logger.Warn("orphaned dispute healed",
			"disputeId", d.ID, "transactionId", d.TransactionID, "from", tx.Status)

	default:
		// FlagNeedsReview acquires the per-transaction lock itself.
		unlock()
		if !tx.NeedsReview {
			m.logger.Error("open dispute on undisputable transaction, flagging for review",
				"disputeId", d.ID, "transactionId", d.TransactionID, "status", tx.Status)
		}
		if err := m.txns.FlagNeedsReview(ctx, d.TransactionID); err != nil {
			m.logger.Warn("needs-review flag not set", "transactionId", d.TransactionID, "error", err)
		}
	}
}

// Resolve records an admin ruling on an OPEN dispute and drives the
// transaction to the matching RESOLVED_* state. The payout itself happens
// later, on-chain, and is reported back through the escrow callback.
func (m *Manager) Resolve(ctx context.Context, disputeID, adminID string, winner Winner, note, resolutionTxHash string) (*Dispute, error) {
	if !winner.Valid() {
		return nil, ErrUnknownWinner
	}

	d, err := m.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if d.Resolved() {
		return nil, ErrAlreadyResolved
	}

	unlock := m.txns.Lock(d.TransactionID)
	defer unlock()

	// Re-read under the lock: a racing Resolve may have settled it.
	if d, err = m.store.Get(ctx, disputeID); err != nil {
		return nil, err
	}
	if d.Resolved() {
		return nil, ErrAlreadyResolved
	}

	target := transaction.StatusResolvedBuyer
	d.Status = StatusResolvedBuyer
	if winner == WinnerSeller {
		target = transaction.StatusResolvedSeller
		d.Status = StatusResolvedSeller
	}

	if _, err := m.txns.ForceTransition(ctx, d.TransactionID, target, transaction.Payload{}); err != nil {
		return nil, err
	}

	now := time.Now()
	d.ResolvedBy = adminID
	d.ResolvedAt = &now
	d.ResolutionNote = note
	d.ResolutionTxHash = resolutionTxHash
	d.UpdatedAt = now
	if err := m.store.Update(ctx, d); err != nil {
		// The transaction already moved; the dispute record is behind.
		m.logger.Error("CRITICAL: transaction resolved but dispute update failed",
			"disputeId", d.ID, "transactionId", d.TransactionID, "winner", winner, "error", err)
		return nil, fmt.Errorf("record resolution: %w", err)
	}

	metrics.DisputesResolvedTotal.WithLabelValues(string(winner)).Inc()
	m.logger.Info("dispute resolved",
		"disputeId", d.ID, "transactionId", d.TransactionID, "winner", winner, "admin", adminID)
	return d, nil
}

// SubmitEvidence attaches evidence to the caller's side of an OPEN dispute.
// Later submissions replace earlier ones for the same side.
func (m *Manager) SubmitEvidence(ctx context.Context, disputeID, callerID, content string) (*Dispute, error) {
	if content == "" {
		return nil, errors.New("evidence content is required")
	}

	d, err := m.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if d.Resolved() {
		return nil, ErrAlreadyResolved
	}

	tx, err := m.txns.Get(ctx, d.TransactionID)
	if err != nil {
		return nil, err
	}

	switch callerID {
	case tx.BuyerID:
		d.BuyerEvidence = content
	case tx.SellerID:
		d.SellerEvidence = content
	default:
		return nil, ErrNotParty
	}

	d.UpdatedAt = time.Now()
	if err := m.store.Update(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

// AttachResolutionTx records the on-chain resolution transaction hash after
// the escrow callback verifies it. Idempotent for a matching hash.
func (m *Manager) AttachResolutionTx(ctx context.Context, txID, resolutionTxHash string) error {
	disputes, err := m.store.ListByTransaction(ctx, txID)
	if err != nil {
		return err
	}
	for _, d := range disputes {
		if !d.Resolved() {
			continue
		}
		if d.ResolutionTxHash == resolutionTxHash {
			return nil
		}
		if d.ResolutionTxHash == "" {
			d.ResolutionTxHash = resolutionTxHash
			d.UpdatedAt = time.Now()
			return m.store.Update(ctx, d)
		}
	}
	return ErrDisputeNotFound
}

// Get returns a dispute by ID.
func (m *Manager) Get(ctx context.Context, id string) (*Dispute, error) {
	return m.store.Get(ctx, id)
}

// GetOpenByTransaction returns the OPEN dispute for a transaction.
func (m *Manager) GetOpenByTransaction(ctx context.Context, txID string) (*Dispute, error) {
	return m.store.GetOpenByTransaction(ctx, txID)
}

// ListByTransaction returns every dispute ever filed against a transaction.
func (m *Manager) ListByTransaction(ctx context.Context, txID string) ([]*Dispute, error) {
	return m.store.ListByTransaction(ctx, txID)
}

// ListOpen returns open disputes, oldest first.
func (m *Manager) ListOpen(ctx context.Context, limit int) ([]*Dispute, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return m.store.ListOpen(ctx, limit)
}
