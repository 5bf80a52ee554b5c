package transaction

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pasarchain/escrowd/internal/idgen"
	"github.com/pasarchain/escrowd/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

// Store persists transaction records. Update must compare the record's
// Version against the stored row and fail with ErrConcurrentModification
// when they differ, incrementing Version on success.
type Store interface {
	Create(ctx context.Context, tx *Transaction) error
	Get(ctx context.Context, id string) (*Transaction, error)
	GetByEscrowID(ctx context.Context, escrowID int64) (*Transaction, error)
	Update(ctx context.Context, tx *Transaction) error
	ListByParty(ctx context.Context, userID string, limit int) ([]*Transaction, error)
	ListNeedsReview(ctx context.Context, limit int) ([]*Transaction, error)
}

// Product is the slice of a storefront listing the orchestrator needs.
type Product struct {
	ID         string
	SellerID   string
	SellerAddr string
	Title      string
}

// ProductDirectory resolves product listings. The storefront itself is an
// external collaborator; only this read surface is consumed.
type ProductDirectory interface {
	GetProduct(ctx context.Context, id string) (*Product, error)
}

// BuyerDirectory resolves a buyer's wallet address from their user identity.
type BuyerDirectory interface {
	WalletAddress(ctx context.Context, userID string) (string, error)
}

// PaymentVerifier checks a reported escrow funding against the chain. The
// record never treats a payment as settled on the buyer's word alone.
type PaymentVerifier interface {
	VerifyFunding(ctx context.Context, escrowID int64, buyerAddr string) error
}

// EventPublisher receives a notification after every committed transition.
// Implementations must not block; delivery is fire-and-forget.
type EventPublisher interface {
	PublishTransition(transactionID string, status Status, at time.Time)
}

// Service is the transaction orchestrator: it owns the record, enforces the
// transition graph and the required-field gate, and serializes transitions
// per transaction id.
type Service struct {
	store     Store
	products  ProductDirectory
	buyers    BuyerDirectory
	publisher EventPublisher
	verifier  PaymentVerifier
	locks     sync.Map // per-transaction ID locks
}

// NewService creates a new transaction orchestrator.
func NewService(store Store, products ProductDirectory, buyers BuyerDirectory) *Service {
	return &Service{
		store:    store,
		products: products,
		buyers:   buyers,
	}
}

// WithPublisher attaches a transition event publisher.
func (s *Service) WithPublisher(p EventPublisher) *Service {
	s.publisher = p
	return s
}

// WithPaymentVerifier attaches the chain-side funding check. The server
// always wires the escrow contract adapter here; without a verifier
// RecordPayment accepts the report as-is, which only unit tests want.
func (s *Service) WithPaymentVerifier(v PaymentVerifier) *Service {
	s.verifier = v
	return s
}

func (s *Service) txLock(id string) *sync.Mutex {
	v, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Lock acquires the per-transaction mutex and returns an unlock function.
// The dispute manager uses this to make its two-record writes atomic with
// respect to concurrent transitions on the same transaction.
func (s *Service) Lock(id string) func() {
	mu := s.txLock(id)
	mu.Lock()
	return mu.Unlock
}

// Create opens a new transaction in AWAITING_PAYMENT for the given product.
func (s *Service) Create(ctx context.Context, productID, buyerID string) (*Transaction, error) {
	product, err := s.products.GetProduct(ctx, productID)
	if err != nil {
		return nil, err
	}
	if product.SellerID == buyerID {
		return nil, ErrSelfPurchase
	}

	buyerAddr, err := s.buyers.WalletAddress(ctx, buyerID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	tx := &Transaction{
		ID:         idgen.WithPrefix("txn_"),
		ProductID:  product.ID,
		BuyerID:    buyerID,
		SellerID:   product.SellerID,
		BuyerAddr:  buyerAddr,
		SellerAddr: product.SellerAddr,
		Status:     StatusAwaitingPayment,
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := s.store.Create(ctx, tx); err != nil {
		return nil, err
	}
	return tx, nil
}

// RequestTransition moves the transaction to target if (current, target) is
// a declared edge and the payload carries every required field. The whole
// read-validate-write sequence runs under the per-transaction lock; the
// store's version check catches racing writers from other processes.
func (s *Service) RequestTransition(ctx context.Context, txID string, target Status, p Payload) (*Transaction, error) {
	unlock := s.Lock(txID)
	defer unlock()
	return s.transitionLocked(ctx, txID, target, p)
}

// transitionLocked is RequestTransition minus the lock acquisition; callers
// must hold the per-transaction lock.
func (s *Service) transitionLocked(ctx context.Context, txID string, target Status, p Payload) (*Transaction, error) {
	timer := prometheus.NewTimer(metrics.TransitionDuration)
	defer timer.ObserveDuration()

	tx, err := s.store.Get(ctx, txID)
	if err != nil {
		return nil, err
	}

	if !CanTransition(tx.Status, target) {
		metrics.TransitionRejectionsTotal.WithLabelValues("invalid_transition").Inc()
		return nil, &InvalidTransitionError{From: tx.Status, To: target}
	}

	// Orchestrator-side defaulting, applied before validation so the
	// validator stays pure: timestamps the caller omitted are stamped now.
	now := time.Now()
	switch target {
	case StatusPaidOnChain:
		if p.PaidAt == nil {
			p.PaidAt = &now
		}
	case StatusCompleted, StatusCompletedViaDispute:
		if p.CompletedAt == nil {
			p.CompletedAt = &now
		}
	case StatusRefunded:
		if p.RefundedAt == nil {
			p.RefundedAt = &now
		}
	}

	if missing := MissingFields(target, p); len(missing) > 0 {
		metrics.TransitionRejectionsTotal.WithLabelValues("missing_fields").Inc()
		return nil, &MissingFieldsError{Target: target, Fields: missing}
	}

	s.apply(tx, target, p, now)

	if err := s.store.Update(ctx, tx); err != nil {
		if errors.Is(err, ErrConcurrentModification) {
			metrics.TransitionRejectionsTotal.WithLabelValues("concurrent_modification").Inc()
		}
		return nil, err
	}

	metrics.TransitionsTotal.WithLabelValues(string(target)).Inc()
	if s.publisher != nil {
		s.publisher.PublishTransition(tx.ID, tx.Status, tx.UpdatedAt)
	}
	return tx, nil
}

// apply copies payload data onto the record. Timestamps are set exactly
// once: a transition never overwrites one stamped by an earlier transition.
func (s *Service) apply(tx *Transaction, target Status, p Payload, now time.Time) {
	if p.EscrowID != nil {
		tx.EscrowID = p.EscrowID
	}
	if p.ContractAddress != "" {
		tx.ContractAddress = p.ContractAddress
	}
	if p.SmartContractTxHash != "" {
		tx.SmartContractTxHash = p.SmartContractTxHash
	}
	if p.SellerDeliveryProof != "" {
		tx.SellerDeliveryProof = p.SellerDeliveryProof
	}
	if p.BuyerReceiptProof != "" {
		tx.BuyerReceiptProof = p.BuyerReceiptProof
	}
	if p.RefundedBy != "" {
		tx.RefundedBy = p.RefundedBy
	}
	if p.RefundNote != "" {
		tx.RefundNote = p.RefundNote
	}
	if p.FailNote != "" {
		tx.FailNote = p.FailNote
	}

	switch target {
	case StatusPaidOnChain:
		if tx.PaidAt == nil {
			tx.PaidAt = p.PaidAt
		}
	case StatusCompleted, StatusCompletedViaDispute:
		if tx.CompletedAt == nil {
			tx.CompletedAt = p.CompletedAt
		}
	case StatusRefunded:
		if tx.RefundedAt == nil {
			tx.RefundedAt = p.RefundedAt
		}
	}

	tx.Status = target
	tx.UpdatedAt = now
}

// RecordPayment commits the buyer's escrow funding: AWAITING_PAYMENT into
// PAID_ON_CHAIN carrying the escrow linkage, then straight on to
// AWAITING_DELIVERY. The reported funding is verified against contract
// state before anything is written: a fabricated escrow ID or hash never
// settles the record. Both hops run under one lock acquisition so no
// observer sees a paid transaction that cannot accept delivery.
func (s *Service) RecordPayment(ctx context.Context, txID string, p Payload) (*Transaction, error) {
	unlock := s.Lock(txID)
	defer unlock()

	tx, err := s.store.Get(ctx, txID)
	if err != nil {
		return nil, err
	}
	if !CanTransition(tx.Status, StatusPaidOnChain) {
		metrics.TransitionRejectionsTotal.WithLabelValues("invalid_transition").Inc()
		return nil, &InvalidTransitionError{From: tx.Status, To: StatusPaidOnChain}
	}

	if s.verifier != nil {
		if p.EscrowID == nil {
			metrics.TransitionRejectionsTotal.WithLabelValues("missing_fields").Inc()
			return nil, &MissingFieldsError{Target: StatusPaidOnChain, Fields: []string{FieldEscrowID}}
		}
		if err := s.verifier.VerifyFunding(ctx, *p.EscrowID, tx.BuyerAddr); err != nil {
			metrics.TransitionRejectionsTotal.WithLabelValues("payment_unverified").Inc()
			return nil, &PaymentNotVerifiedError{EscrowID: *p.EscrowID, Err: err}
		}
	}

	if _, err := s.transitionLocked(ctx, txID, StatusPaidOnChain, p); err != nil {
		return nil, err
	}
	return s.transitionLocked(ctx, txID, StatusAwaitingDelivery, Payload{})
}

// ForceTransition runs a transition on behalf of the dispute manager while
// the caller already holds the per-transaction lock via Lock.
func (s *Service) ForceTransition(ctx context.Context, txID string, target Status, p Payload) (*Transaction, error) {
	return s.transitionLocked(ctx, txID, target, p)
}

// Get returns a transaction by ID.
func (s *Service) Get(ctx context.Context, id string) (*Transaction, error) {
	return s.store.Get(ctx, id)
}

// GetByEscrowID returns the transaction linked to an on-chain escrow.
func (s *Service) GetByEscrowID(ctx context.Context, escrowID int64) (*Transaction, error) {
	return s.store.GetByEscrowID(ctx, escrowID)
}

// ListByParty returns transactions where userID is buyer or seller.
func (s *Service) ListByParty(ctx context.Context, userID string, limit int) ([]*Transaction, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.ListByParty(ctx, userID, limit)
}

// ListNeedsReview returns transactions flagged by reconciliation.
func (s *Service) ListNeedsReview(ctx context.Context, limit int) ([]*Transaction, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.ListNeedsReview(ctx, limit)
}

// FlagNeedsReview marks a transaction for manual admin review without
// touching its status. Used by reconciliation when the chain and the record
// cannot be squared automatically.
func (s *Service) FlagNeedsReview(ctx context.Context, txID string) error {
	unlock := s.Lock(txID)
	defer unlock()

	tx, err := s.store.Get(ctx, txID)
	if err != nil {
		return err
	}
	if tx.NeedsReview {
		return nil
	}
	tx.NeedsReview = true
	tx.UpdatedAt = time.Now()
	return s.store.Update(ctx, tx)
}
