// Package dispute tracks buyer/seller disagreements over a transaction and
// the admin arbitration that settles them. A dispute is a sub-record of one
// transaction: at most one OPEN dispute may exist per transaction, and
// resolving it moves the transaction into one of the RESOLVED_* states.
package dispute

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDisputeNotFound  = errors.New("dispute not found")
	ErrAlreadyOpen      = errors.New("transaction already has an open dispute")
	ErrAlreadyResolved  = errors.New("dispute already resolved")
	ErrNotDisputable    = errors.New("transaction is not in a disputable state")
	ErrNotParty         = errors.New("caller is not a party to this dispute")
	ErrUnknownWinner    = errors.New("winner must be \"buyer\" or \"seller\"")
	ErrEmptyDescription = errors.New("dispute description is required")
)

// Status is the state of a dispute record.
type Status string

const (
	StatusOpen           Status = "OPEN"
	StatusResolvedBuyer  Status = "RESOLVED_BUYER"
	StatusResolvedSeller Status = "RESOLVED_SELLER"
)

// Winner identifies which side an admin ruling favors.
type Winner string

const (
	WinnerBuyer  Winner = "buyer"
	WinnerSeller Winner = "seller"
)

// Valid reports whether w is one of the two recognized tags.
func (w Winner) Valid() bool {
	return w == WinnerBuyer || w == WinnerSeller
}

// Dispute is a disagreement record tied to exactly one transaction.
type Dispute struct {
	ID            string `json:"id"`
	TransactionID string `json:"transactionId"`
	InitiatorID   string `json:"initiatorId"`
	Description   string `json:"description"`
	Status        Status `json:"status"`

	// Evidence is appendable per side while the dispute is OPEN.
	BuyerEvidence  string `json:"buyerEvidence,omitempty"`
	SellerEvidence string `json:"sellerEvidence,omitempty"`

	// Resolution metadata, set exactly once by Resolve.
	ResolvedBy       string     `json:"resolvedBy,omitempty"`
	ResolvedAt       *time.Time `json:"resolvedAt,omitempty"`
	ResolutionNote   string     `json:"resolutionNote,omitempty"`
	ResolutionTxHash string     `json:"resolutionTxHash,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Resolved reports whether the dispute has been settled.
func (d *Dispute) Resolved() bool {
	return d.Status != StatusOpen
}

// Store persists dispute records.
type Store interface {
	Create(ctx context.Context, d *Dispute) error
	Get(ctx context.Context, id string) (*Dispute, error)
	// GetOpenByTransaction returns the OPEN dispute for a transaction, or
	// ErrDisputeNotFound when there is none.
	GetOpenByTransaction(ctx context.Context, txID string) (*Dispute, error)
	Update(ctx context.Context, d *Dispute) error
	Delete(ctx context.Context, id string) error
	ListByTransaction(ctx context.Context, txID string) ([]*Dispute, error)
	ListOpen(ctx context.Context, limit int) ([]*Dispute, error)
}
