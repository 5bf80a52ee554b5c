// Package escrow implements the two-phase escrow protocol: the backend
// prepares unsigned contract calls, the client signs and submits them, and
// a callback reports the transaction hash back for verification. The status
// record only advances after the chain confirms the action.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pasarchain/escrowd/internal/chain"
	"github.com/pasarchain/escrowd/internal/dispute"
	"github.com/pasarchain/escrowd/internal/idgen"
	"github.com/pasarchain/escrowd/internal/metrics"
	"github.com/pasarchain/escrowd/internal/retry"
	"github.com/pasarchain/escrowd/internal/traces"
	"github.com/pasarchain/escrowd/internal/transaction"
)

var (
	ErrNotEligible = errors.New("transaction is not eligible for this escrow action")
	ErrWrongSigner = errors.New("caller wallet does not match the recorded party")
	ErrNoEscrow    = errors.New("transaction has no on-chain escrow")
)

// ReconciliationRequiredError reports that funds moved on chain but the
// local commit failed. The transaction hash is preserved so reconciliation
// (or an operator) can replay the commit.
type ReconciliationRequiredError struct {
	TxHash string
	Err    error
}

func (e *ReconciliationRequiredError) Error() string {
	return fmt.Sprintf("on-chain action %s succeeded but local commit failed: %v", e.TxHash, e.Err)
}

func (e *ReconciliationRequiredError) Unwrap() error { return e.Err }

// ChainAdapter is the escrow contract surface the service consumes.
type ChainAdapter interface {
	Prepare(ctx context.Context, action chain.Action, escrowID int64, buyerWins bool) (*chain.PreparedCall, error)
	VerifyAction(ctx context.Context, action chain.Action, escrowID int64, txHash string) error
	FindAction(ctx context.Context, action chain.Action, escrowID int64, fromBlock, toBlock uint64) (string, error)
	GetEscrow(ctx context.Context, escrowID int64) (*chain.EscrowState, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// DisputeManager is the slice of the dispute manager the callback path
// drives.
type DisputeManager interface {
	Open(ctx context.Context, txID, initiatorID, description, evidence string) (*dispute.Dispute, error)
	AttachResolutionTx(ctx context.Context, txID, resolutionTxHash string) error
	HealOrphans(ctx context.Context)
}

// Transactions is the orchestrator surface used by the protocol.
type Transactions interface {
	Get(ctx context.Context, id string) (*transaction.Transaction, error)
	GetByEscrowID(ctx context.Context, escrowID int64) (*transaction.Transaction, error)
	Lock(txID string) func()
	ForceTransition(ctx context.Context, txID string, target transaction.Status, p transaction.Payload) (*transaction.Transaction, error)
	FlagNeedsReview(ctx context.Context, txID string) error
}

const (
	verifyAttempts  = 3
	verifyBaseDelay = 2 * time.Second

	// DefaultIntentTTL is how long a prepared action may stay unreported
	// before reconciliation treats it as overdue.
	DefaultIntentTTL = 15 * time.Minute
)

// Service brokers the escrow protocol between clients and the contract.
type Service struct {
	store     Store
	txns      Transactions
	disputes  DisputeManager
	adapter   ChainAdapter
	arbiter   string
	intentTTL time.Duration
	logger    *slog.Logger
}

// Config for the escrow protocol service.
type Config struct {
	// ArbiterAddress is the admin wallet expected to sign resolveDispute.
	ArbiterAddress string
	IntentTTL      time.Duration
}

func NewService(store Store, txns Transactions, disputes DisputeManager, adapter ChainAdapter, cfg Config, logger *slog.Logger) *Service {
	if cfg.IntentTTL <= 0 {
		cfg.IntentTTL = DefaultIntentTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     store,
		txns:      txns,
		disputes:  disputes,
		adapter:   adapter,
		arbiter:   cfg.ArbiterAddress,
		intentTTL: cfg.IntentTTL,
		logger:    logger,
	}
}

// PrepareResult hands the client everything needed to sign and submit the
// action, plus the intent ID the backend will reconcile against.
type PrepareResult struct {
	IntentID       string              `json:"intentId"`
	ExpectedSigner string              `json:"expectedSigner"`
	Call           *chain.PreparedCall `json:"call"`
}

// Prepare checks eligibility for an escrow action and returns unsigned call
// data. No state transition happens here; an intent is recorded so the
// action can be reconciled if the callback never arrives.
func (s *Service) Prepare(ctx context.Context, txID string, action chain.Action, callerID string, buyerWins bool) (*PrepareResult, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Prepare",
		traces.TransactionID(txID), traces.Action(string(action)))
	defer span.End()

	tx, err := s.txns.Get(ctx, txID)
	if err != nil {
		return nil, err
	}

	signer, err := s.eligibility(tx, action, callerID)
	if err != nil {
		return nil, err
	}
	if tx.EscrowID == nil {
		return nil, ErrNoEscrow
	}

	call, err := s.adapter.Prepare(ctx, action, *tx.EscrowID, buyerWins)
	if err != nil {
		return nil, err
	}

	// Best effort: a zero fromBlock just widens the reconciliation scan.
	fromBlock, err := s.adapter.BlockNumber(ctx)
	if err != nil {
		s.logger.Warn("block number unavailable at prepare", "error", err)
		fromBlock = 0
	}

	now := time.Now()
	intent := &Intent{
		ID:             idgen.WithPrefix("int_"),
		Action:         action,
		TransactionID:  txID,
		EscrowID:       *tx.EscrowID,
		ExpectedSigner: signer,
		Status:         IntentPending,
		FromBlock:      fromBlock,
		CreatedAt:      now,
		ExpiresAt:      now.Add(s.intentTTL),
	}
	if err := s.store.CreateIntent(ctx, intent); err != nil {
		return nil, fmt.Errorf("record intent: %w", err)
	}

	return &PrepareResult{
		IntentID:       intent.ID,
		ExpectedSigner: signer,
		Call:           call,
	}, nil
}

// Eligibility returns the transaction if the caller may perform the action
// right now. Used by the pre-check endpoints; performs no chain calls.
func (s *Service) Eligibility(ctx context.Context, txID string, action chain.Action, callerID string) (*transaction.Transaction, error) {
	tx, err := s.txns.Get(ctx, txID)
	if err != nil {
		return nil, err
	}
	if _, err := s.eligibility(tx, action, callerID); err != nil {
		return nil, err
	}
	return tx, nil
}

// eligibility enforces the role and status gate per action and returns the
// wallet expected to sign the on-chain call.
func (s *Service) eligibility(tx *transaction.Transaction, action chain.Action, callerID string) (string, error) {
	switch action {
	case chain.ActionConfirm:
		if callerID != tx.BuyerID {
			return "", transaction.ErrNotParticipant
		}
		if tx.Status != transaction.StatusDelivered {
			return "", fmt.Errorf("%w: confirm requires DELIVERED, status is %s", ErrNotEligible, tx.Status)
		}
		return tx.BuyerAddr, nil

	case chain.ActionDispute:
		if callerID != tx.BuyerID && callerID != tx.SellerID {
			return "", transaction.ErrNotParticipant
		}
		if tx.Status != transaction.StatusDelivered && tx.Status != transaction.StatusBuyerConfirmed {
			return "", fmt.Errorf("%w: dispute requires DELIVERED or BUYER_CONFIRMED, status is %s", ErrNotEligible, tx.Status)
		}
		if callerID == tx.BuyerID {
			return tx.BuyerAddr, nil
		}
		return tx.SellerAddr, nil

	case chain.ActionResolve:
		if tx.Status != transaction.StatusResolvedBuyer && tx.Status != transaction.StatusResolvedSeller {
			return "", fmt.Errorf("%w: resolve payout requires a RESOLVED_* status, status is %s", ErrNotEligible, tx.Status)
		}
		return s.arbiter, nil
	}
	return "", chain.ErrUnknownAction
}

// ConfirmCallback processes the buyer's report that confirmReceived landed
// on chain. On success the transaction advances DELIVERED → BUYER_CONFIRMED
// → COMPLETED in one committed sequence.
func (s *Service) ConfirmCallback(ctx context.Context, txID, callerID, callerAddr, txHash string) (*transaction.Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ConfirmCallback",
		traces.TransactionID(txID), traces.TxHash(txHash))
	defer span.End()

	tx, err := s.txns.Get(ctx, txID)
	if err != nil {
		return nil, err
	}

	// Authorization precedes everything, including idempotency.
	if callerID != tx.BuyerID {
		return nil, transaction.ErrNotParticipant
	}
	if !strings.EqualFold(callerAddr, tx.BuyerAddr) {
		return nil, ErrWrongSigner
	}

	if done, err := s.alreadyProcessed(ctx, tx, txHash, chain.ActionConfirm); done != nil || err != nil {
		return done, err
	}

	if tx.EscrowID == nil {
		return nil, ErrNoEscrow
	}
	if err := s.verifyWithRetry(ctx, chain.ActionConfirm, *tx.EscrowID, txHash); err != nil {
		metrics.CallbacksTotal.WithLabelValues(string(chain.ActionConfirm), "verify_failed").Inc()
		return nil, err
	}

	return s.commitConfirm(ctx, txID, txHash)
}

// commitConfirm advances the record after the chain verified the buyer's
// confirmation. Shared with reconciliation replay. The locked section must
// not call back into anything that re-acquires the transaction lock.
func (s *Service) commitConfirm(ctx context.Context, txID, txHash string) (*transaction.Transaction, error) {
	tx, commitErr := func() (*transaction.Transaction, error) {
		unlock := s.txns.Lock(txID)
		defer unlock()

		tx, err := s.txns.Get(ctx, txID)
		if err != nil {
			return nil, err
		}

		// A partially committed earlier attempt may have stopped after the
		// first hop; resume rather than fail.
		if tx.Status == transaction.StatusDelivered {
			tx, err = s.txns.ForceTransition(ctx, txID, transaction.StatusBuyerConfirmed,
				transaction.Payload{BuyerReceiptProof: txHash})
			if err != nil {
				return nil, err
			}
		}
		if tx.Status == transaction.StatusBuyerConfirmed {
			tx, err = s.txns.ForceTransition(ctx, txID, transaction.StatusCompleted, transaction.Payload{})
			if err != nil {
				return nil, err
			}
		}
		if tx.Status != transaction.StatusCompleted {
			return nil, &transaction.InvalidTransitionError{From: tx.Status, To: transaction.StatusCompleted}
		}
		return tx, nil
	}()
	if commitErr != nil {
		return nil, s.reconciliationRequired(ctx, txID, txHash, chain.ActionConfirm, commitErr)
	}

	s.finishCallback(ctx, txID, txHash, chain.ActionConfirm)
	return tx, nil
}

// DisputeCallback processes a party's report that createDispute landed on
// chain, opening the dispute record and forcing DISPUTED.
func (s *Service) DisputeCallback(ctx context.Context, txID, callerID, callerAddr, txHash, description string) (*transaction.Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.DisputeCallback",
		traces.TransactionID(txID), traces.TxHash(txHash))
	defer span.End()

	tx, err := s.txns.Get(ctx, txID)
	if err != nil {
		return nil, err
	}

	if callerID != tx.BuyerID && callerID != tx.SellerID {
		return nil, transaction.ErrNotParticipant
	}
	recorded := tx.SellerAddr
	if callerID == tx.BuyerID {
		recorded = tx.BuyerAddr
	}
	if !strings.EqualFold(callerAddr, recorded) {
		return nil, ErrWrongSigner
	}

	if done, err := s.alreadyProcessed(ctx, tx, txHash, chain.ActionDispute); done != nil || err != nil {
		return done, err
	}

	if tx.EscrowID == nil {
		return nil, ErrNoEscrow
	}
	if err := s.verifyWithRetry(ctx, chain.ActionDispute, *tx.EscrowID, txHash); err != nil {
		metrics.CallbacksTotal.WithLabelValues(string(chain.ActionDispute), "verify_failed").Inc()
		return nil, err
	}

	if description == "" {
		description = "dispute opened on chain"
	}
	if _, err := s.disputes.Open(ctx, txID, callerID, description, ""); err != nil {
		// A dispute already on file for this transaction is the same
		// outcome the chain reports; everything else means the chain holds
		// a dispute the record does not, which must not vanish silently.
		if !errors.Is(err, dispute.ErrAlreadyOpen) {
			return nil, s.reconciliationRequired(ctx, txID, txHash, chain.ActionDispute, err)
		}
	}

	s.finishCallback(ctx, txID, txHash, chain.ActionDispute)
	return s.txns.Get(ctx, txID)
}

// ResolveDisputeCallback processes the admin's report that resolveDispute
// landed on chain, refining RESOLVED_BUYER → REFUNDED or RESOLVED_SELLER →
// COMPLETED_VIA_DISPUTE.
func (s *Service) ResolveDisputeCallback(ctx context.Context, txID, adminID, txHash string) (*transaction.Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ResolveDisputeCallback",
		traces.TransactionID(txID), traces.TxHash(txHash))
	defer span.End()

	tx, err := s.txns.Get(ctx, txID)
	if err != nil {
		return nil, err
	}

	if done, err := s.alreadyProcessed(ctx, tx, txHash, chain.ActionResolve); done != nil || err != nil {
		return done, err
	}

	if tx.Status != transaction.StatusResolvedBuyer && tx.Status != transaction.StatusResolvedSeller {
		return nil, fmt.Errorf("%w: payout requires a RESOLVED_* status, status is %s", ErrNotEligible, tx.Status)
	}
	if tx.EscrowID == nil {
		return nil, ErrNoEscrow
	}
	if err := s.verifyWithRetry(ctx, chain.ActionResolve, *tx.EscrowID, txHash); err != nil {
		metrics.CallbacksTotal.WithLabelValues(string(chain.ActionResolve), "verify_failed").Inc()
		return nil, err
	}

	target := transaction.StatusCompletedViaDispute
	payload := transaction.Payload{}
	if tx.Status == transaction.StatusResolvedBuyer {
		target = transaction.StatusRefunded
		payload = transaction.Payload{RefundedBy: adminID, RefundNote: "dispute resolved for buyer"}
	}

	unlock := s.txns.Lock(txID)
	tx, err = s.txns.ForceTransition(ctx, txID, target, payload)
	unlock()
	if err != nil {
		return nil, s.reconciliationRequired(ctx, txID, txHash, chain.ActionResolve, err)
	}

	if err := s.disputes.AttachResolutionTx(ctx, txID, txHash); err != nil {
		s.logger.Warn("resolution hash not attached to dispute record",
			"transactionId", txID, "txHash", txHash, "error", err)
	}

	s.finishCallback(ctx, txID, txHash, chain.ActionResolve)
	return tx, nil
}

// EscrowStatus combines the on-chain escrow state with the local record.
type EscrowStatus struct {
	Chain       *chain.EscrowState       `json:"chain"`
	Transaction *transaction.Transaction `json:"transaction,omitempty"`
}

// GetStatus reads the escrow from the contract and joins the linked
// transaction when one exists.
func (s *Service) GetStatus(ctx context.Context, escrowID int64) (*EscrowStatus, error) {
	state, err := s.adapter.GetEscrow(ctx, escrowID)
	if err != nil {
		return nil, err
	}

	out := &EscrowStatus{Chain: state}
	tx, err := s.txns.GetByEscrowID(ctx, escrowID)
	if err == nil {
		out.Transaction = tx
	} else if !errors.Is(err, transaction.ErrTransactionNotFound) {
		return nil, err
	}
	return out, nil
}

// alreadyProcessed returns the current record when txHash was committed
// before, making replays a no-op.
func (s *Service) alreadyProcessed(ctx context.Context, tx *transaction.Transaction, txHash string, action chain.Action) (*transaction.Transaction, error) {
	processed, err := s.store.WasProcessed(ctx, txHash)
	if err != nil {
		return nil, err
	}
	if !processed {
		return nil, nil
	}
	metrics.CallbacksTotal.WithLabelValues(string(action), "replay").Inc()
	s.logger.Info("callback replay ignored", "transactionId", tx.ID, "txHash", txHash)
	return tx, nil
}

// verifyWithRetry polls the chain for the reported action. A missing
// receipt is retried (the transaction may still be mining); a revert or a
// mismatched event fails immediately.
func (s *Service) verifyWithRetry(ctx context.Context, action chain.Action, escrowID int64, txHash string) error {
	return retry.Do(ctx, verifyAttempts, verifyBaseDelay, func() error {
		err := s.adapter.VerifyAction(ctx, action, escrowID, txHash)
		if errors.Is(err, chain.ErrTxReverted) || errors.Is(err, chain.ErrEventMismatch) {
			return retry.Permanent(err)
		}
		return err
	})
}

// reconciliationRequired handles the hard failure mode: the chain holds the
// action but the local commit failed. The intent is parked for review and
// the error carries the hash forward.
func (s *Service) reconciliationRequired(ctx context.Context, txID, txHash string, action chain.Action, cause error) error {
	metrics.CallbacksTotal.WithLabelValues(string(action), "commit_failed").Inc()
	s.logger.Error("CRITICAL: chain action verified but local commit failed",
		"transactionId", txID, "txHash", txHash, "action", action, "error", cause)

	if intent, err := s.store.FindPending(ctx, txID, action); err == nil {
		intent.Status = IntentNeedsReview
		intent.TxHash = txHash
		if err := s.store.UpdateIntent(ctx, intent); err != nil {
			s.logger.Error("intent not parked for review", "intentId", intent.ID, "error", err)
		}
	}
	if err := s.txns.FlagNeedsReview(ctx, txID); err != nil {
		s.logger.Error("needs-review flag not set", "transactionId", txID, "error", err)
	}

	return &ReconciliationRequiredError{TxHash: txHash, Err: cause}
}

// finishCallback settles bookkeeping after a committed callback: the
// processed ledger entry and the intent record.
func (s *Service) finishCallback(ctx context.Context, txID, txHash string, action chain.Action) {
	if err := s.store.MarkProcessed(ctx, txHash, txID, action); err != nil {
		s.logger.Error("processed ledger write failed", "txHash", txHash, "error", err)
	}

	if intent, err := s.store.FindPending(ctx, txID, action); err == nil {
		now := time.Now()
		intent.Status = IntentConfirmed
		intent.TxHash = txHash
		intent.ConfirmedAt = &now
		if err := s.store.UpdateIntent(ctx, intent); err != nil {
			s.logger.Warn("intent not marked confirmed", "intentId", intent.ID, "error", err)
		}
	}

	metrics.CallbacksTotal.WithLabelValues(string(action), "success").Inc()
}
