package transaction

import (
	"context"
	"database/sql"
	"time"
)

// PostgresStore persists transactions in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed transaction store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, t *Transaction) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO transactions (
			id, product_id, buyer_id, seller_id, buyer_addr, seller_addr,
			status, escrow_id, contract_address, smart_contract_tx_hash,
			seller_delivery_proof, buyer_receipt_proof,
			refunded_by, refund_note, fail_note,
			paid_at, completed_at, refunded_at,
			needs_review, version, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10,
			$11, $12,
			$13, $14, $15,
			$16, $17, $18,
			$19, $20, $21, $22
		)`,
		t.ID, t.ProductID, t.BuyerID, t.SellerID, t.BuyerAddr, t.SellerAddr,
		string(t.Status), txNullInt64(t.EscrowID), txNullString(t.ContractAddress), txNullString(t.SmartContractTxHash),
		txNullString(t.SellerDeliveryProof), txNullString(t.BuyerReceiptProof),
		txNullString(t.RefundedBy), txNullString(t.RefundNote), txNullString(t.FailNote),
		txNullTime(t.PaidAt), txNullTime(t.CompletedAt), txNullTime(t.RefundedAt),
		t.NeedsReview, t.Version, t.CreatedAt, t.UpdatedAt,
	)
	return err
}

const txSelectColumns = `
	id, product_id, buyer_id, seller_id, buyer_addr, seller_addr,
	status, escrow_id, contract_address, smart_contract_tx_hash,
	seller_delivery_proof, buyer_receipt_proof,
	refunded_by, refund_note, fail_note,
	paid_at, completed_at, refunded_at,
	needs_review, version, created_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+txSelectColumns+` FROM transactions WHERE id = $1`, id)

	t, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, ErrTransactionNotFound
	}
	return t, err
}

func (p *PostgresStore) GetByEscrowID(ctx context.Context, escrowID int64) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+txSelectColumns+` FROM transactions WHERE escrow_id = $1`, escrowID)

	t, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, ErrTransactionNotFound
	}
	return t, err
}

// Update writes the record back guarded by the optimistic version check.
// A zero-row update against an existing id means a concurrent writer won.
func (p *PostgresStore) Update(ctx context.Context, t *Transaction) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE transactions SET
			status = $1, escrow_id = $2, contract_address = $3,
			smart_contract_tx_hash = $4, seller_delivery_proof = $5,
			buyer_receipt_proof = $6, refunded_by = $7, refund_note = $8,
			fail_note = $9, paid_at = $10, completed_at = $11, refunded_at = $12,
			needs_review = $13, version = version + 1, updated_at = $14
		WHERE id = $15 AND version = $16`,
		string(t.Status), txNullInt64(t.EscrowID), txNullString(t.ContractAddress),
		txNullString(t.SmartContractTxHash), txNullString(t.SellerDeliveryProof),
		txNullString(t.BuyerReceiptProof), txNullString(t.RefundedBy), txNullString(t.RefundNote),
		txNullString(t.FailNote), txNullTime(t.PaidAt), txNullTime(t.CompletedAt), txNullTime(t.RefundedAt),
		t.NeedsReview, t.UpdatedAt,
		t.ID, t.Version,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		// Distinguish a missing row from a lost version race.
		var exists bool
		if err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM transactions WHERE id = $1)`, t.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrTransactionNotFound
		}
		return ErrConcurrentModification
	}
	t.Version++
	return nil
}

func (p *PostgresStore) ListByParty(ctx context.Context, userID string, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+txSelectColumns+`
		 FROM transactions
		 WHERE buyer_id = $1 OR seller_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanTransactions(rows)
}

func (p *PostgresStore) ListNeedsReview(ctx context.Context, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+txSelectColumns+`
		 FROM transactions
		 WHERE needs_review
		 ORDER BY updated_at ASC
		 LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanTransactions(rows)
}

type txRowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTransaction(row txRowScanner) (*Transaction, error) {
	var t Transaction
	var status string
	var escrowID sql.NullInt64
	var contractAddr, txHash, deliveryProof, receiptProof, refundedBy, refundNote, failNote sql.NullString
	var paidAt, completedAt, refundedAt sql.NullTime

	err := row.Scan(
		&t.ID, &t.ProductID, &t.BuyerID, &t.SellerID, &t.BuyerAddr, &t.SellerAddr,
		&status, &escrowID, &contractAddr, &txHash,
		&deliveryProof, &receiptProof,
		&refundedBy, &refundNote, &failNote,
		&paidAt, &completedAt, &refundedAt,
		&t.NeedsReview, &t.Version, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.Status = Status(status)
	if escrowID.Valid {
		t.EscrowID = &escrowID.Int64
	}
	t.ContractAddress = contractAddr.String
	t.SmartContractTxHash = txHash.String
	t.SellerDeliveryProof = deliveryProof.String
	t.BuyerReceiptProof = receiptProof.String
	t.RefundedBy = refundedBy.String
	t.RefundNote = refundNote.String
	t.FailNote = failNote.String
	t.PaidAt = timePtr(paidAt)
	t.CompletedAt = timePtr(completedAt)
	t.RefundedAt = timePtr(refundedAt)
	return &t, nil
}

func scanTransactions(rows *sql.Rows) ([]*Transaction, error) {
	var result []*Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func txNullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func txNullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func txNullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
