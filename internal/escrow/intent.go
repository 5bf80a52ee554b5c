package escrow

import (
	"context"
	"errors"
	"time"

	"github.com/pasarchain/escrowd/internal/chain"
)

var (
	ErrIntentNotFound = errors.New("escrow intent not found")
)

// IntentStatus tracks the lifecycle of a prepared escrow action.
type IntentStatus string

const (
	IntentPending     IntentStatus = "pending"
	IntentConfirmed   IntentStatus = "confirmed"
	IntentNeedsReview IntentStatus = "needs_review"
)

// Intent records that a party was handed prepared call data for an escrow
// action and is expected to report back with a transaction hash. Intents
// live outside the transaction row so reconciliation can find actions whose
// callback never arrived.
type Intent struct {
	ID             string       `json:"id"`
	Action         chain.Action `json:"action"`
	TransactionID  string       `json:"transactionId"`
	EscrowID       int64        `json:"escrowId"`
	ExpectedSigner string       `json:"expectedSigner"`
	Status         IntentStatus `json:"status"`

	// TxHash is filled once the callback (or reconciliation) locates the
	// on-chain transaction.
	TxHash string `json:"txHash,omitempty"`

	// FromBlock is the chain head at Prepare time, bounding reconciliation
	// log scans.
	FromBlock uint64 `json:"fromBlock"`

	CreatedAt   time.Time  `json:"createdAt"`
	ExpiresAt   time.Time  `json:"expiresAt"`
	ConfirmedAt *time.Time `json:"confirmedAt,omitempty"`
}

// Store persists intents and the processed-callback ledger that makes
// callbacks idempotent.
type Store interface {
	CreateIntent(ctx context.Context, in *Intent) error
	GetIntent(ctx context.Context, id string) (*Intent, error)
	UpdateIntent(ctx context.Context, in *Intent) error
	// ListOverdue returns pending intents whose expiry has passed.
	ListOverdue(ctx context.Context, before time.Time, limit int) ([]*Intent, error)
	// FindPending returns the most recent pending intent for a transaction
	// and action, or ErrIntentNotFound.
	FindPending(ctx context.Context, txID string, action chain.Action) (*Intent, error)

	// WasProcessed reports whether a callback for txHash has already been
	// committed.
	WasProcessed(ctx context.Context, txHash string) (bool, error)
	// MarkProcessed records txHash as committed. Recording the same hash
	// twice is not an error.
	MarkProcessed(ctx context.Context, txHash, transactionID string, action chain.Action) error
}
