// Package transaction owns the escrow-backed sale lifecycle.
//
// A transaction is created when a buyer commits to a product and then moves
// through a closed status graph: payment lands on chain, the seller ships,
// the buyer confirms, funds settle. Every mutation goes through a validated
// transition; the record is never deleted, it only reaches a terminal status.
package transaction

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrTransactionNotFound    = errors.New("transaction not found")
	ErrProductNotFound        = errors.New("product not found")
	ErrConcurrentModification = errors.New("transaction modified concurrently, retry")
	ErrNotParticipant         = errors.New("caller is not a party to this transaction")
	ErrSelfPurchase           = errors.New("buyer and seller cannot be the same user")
)

// Status is the lifecycle state of a transaction. The set is closed: any
// status outside this list is a programming error, and any (from, to) pair
// not declared in the transition table is rejected.
type Status string

const (
	StatusAwaitingPayment     Status = "AWAITING_PAYMENT"
	StatusPaidOnChain         Status = "PAID_ON_CHAIN"
	StatusAwaitingDelivery    Status = "AWAITING_DELIVERY"
	StatusDelivered           Status = "DELIVERED"
	StatusBuyerConfirmed      Status = "BUYER_CONFIRMED"
	StatusCompleted           Status = "COMPLETED"
	StatusDisputed            Status = "DISPUTED"
	StatusResolvedBuyer       Status = "RESOLVED_BUYER"
	StatusResolvedSeller      Status = "RESOLVED_SELLER"
	StatusCompletedViaDispute Status = "COMPLETED_VIA_DISPUTE"
	StatusRefunded            Status = "REFUNDED"
	StatusFailed              Status = "FAILED"
)

// Terminal reports whether the status has no outgoing happy-path edges.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusRefunded, StatusFailed, StatusCompletedViaDispute:
		return true
	}
	return false
}

// Valid reports whether s is a member of the closed status set.
func (s Status) Valid() bool {
	switch s {
	case StatusAwaitingPayment, StatusPaidOnChain, StatusAwaitingDelivery,
		StatusDelivered, StatusBuyerConfirmed, StatusCompleted, StatusDisputed,
		StatusResolvedBuyer, StatusResolvedSeller, StatusCompletedViaDispute,
		StatusRefunded, StatusFailed:
		return true
	}
	return false
}

// transitions is the declared edge set. Edges absent from this table are
// invalid no matter what the payload carries.
var transitions = map[Status][]Status{
	StatusAwaitingPayment:  {StatusPaidOnChain},
	StatusPaidOnChain:      {StatusAwaitingDelivery, StatusRefunded},
	StatusAwaitingDelivery: {StatusDelivered, StatusRefunded},
	StatusDelivered:        {StatusBuyerConfirmed, StatusDisputed},
	StatusBuyerConfirmed:   {StatusCompleted, StatusDisputed},
	StatusDisputed:         {StatusResolvedBuyer, StatusResolvedSeller},
	StatusResolvedBuyer:    {StatusRefunded},
	StatusResolvedSeller:   {StatusCompletedViaDispute},
}

// CanTransition reports whether (from, to) is a declared edge.
//
// FAILED is the administrative abort: reachable from any non-terminal status
// except DISPUTED (an open dispute must be resolved, not aborted around).
func CanTransition(from, to Status) bool {
	if to == StatusFailed {
		return !from.Terminal() && from != StatusDisputed
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// InvalidTransitionError reports an undeclared edge attempt.
type InvalidTransitionError struct {
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s", e.From, e.To)
}

// PaymentNotVerifiedError reports a payment claim the chain does not back:
// the referenced escrow is missing, unfunded, or funded by someone else.
type PaymentNotVerifiedError struct {
	EscrowID int64
	Err      error
}

func (e *PaymentNotVerifiedError) Error() string {
	return fmt.Sprintf("payment for escrow %d not verified on chain: %v", e.EscrowID, e.Err)
}

func (e *PaymentNotVerifiedError) Unwrap() error { return e.Err }

// MissingFieldsError reports required payload fields absent for the target status.
type MissingFieldsError struct {
	Target Status
	Fields []string
}

func (e *MissingFieldsError) Error() string {
	return fmt.Sprintf("transition to %s missing required fields: %s",
		e.Target, strings.Join(e.Fields, ", "))
}

// Transaction is one buyer/seller/product trade under escrow.
type Transaction struct {
	ID        string `json:"id"`
	ProductID string `json:"productId"`
	BuyerID   string `json:"buyerId"`
	SellerID  string `json:"sellerId"`

	// On-chain party wallets, recorded at creation from the product listing
	// and the buyer's profile. The escrow protocol verifies callback signers
	// against these, never against client-supplied values.
	BuyerAddr  string `json:"buyerAddr"`
	SellerAddr string `json:"sellerAddr"`

	Status Status `json:"status"`

	// Escrow linkage
	EscrowID            *int64 `json:"escrowId,omitempty"` // on-chain escrow index; zero is a valid index
	ContractAddress     string `json:"contractAddress,omitempty"`
	SmartContractTxHash string `json:"smartContractTxHash,omitempty"`

	// Proofs
	SellerDeliveryProof string `json:"sellerDeliveryProof,omitempty"`
	BuyerReceiptProof   string `json:"buyerReceiptProof,omitempty"`

	// Admin fields, set only on admin-driven refund
	RefundedBy string `json:"refundedBy,omitempty"`
	RefundNote string `json:"refundNote,omitempty"`

	// FailNote is set only on admin abort to FAILED
	FailNote string `json:"failNote,omitempty"`

	// Set exactly once, by the transition that produces the matching status
	PaidAt      *time.Time `json:"paidAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	RefundedAt  *time.Time `json:"refundedAt,omitempty"`

	// NeedsReview is raised by reconciliation when the chain and the record
	// disagree and no safe automatic repair exists.
	NeedsReview bool `json:"needsReview,omitempty"`

	// Version is the optimistic concurrency token; stores reject updates
	// carrying a stale version with ErrConcurrentModification.
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Party reports whether userID is the buyer or seller.
func (t *Transaction) Party(userID string) bool {
	return userID == t.BuyerID || userID == t.SellerID
}
