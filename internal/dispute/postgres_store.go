package dispute

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists disputes in PostgreSQL. A partial unique index on
// (transaction_id) WHERE status = 'OPEN' backs the single-open-dispute rule
// at the database level.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, d *Dispute) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO disputes (
			id, transaction_id, initiator_id, description, status,
			buyer_evidence, seller_evidence,
			resolved_by, resolved_at, resolution_note, resolution_tx_hash,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		d.ID, d.TransactionID, d.InitiatorID, d.Description, string(d.Status),
		dspNullString(d.BuyerEvidence), dspNullString(d.SellerEvidence),
		dspNullString(d.ResolvedBy), dspNullTime(d.ResolvedAt),
		dspNullString(d.ResolutionNote), dspNullString(d.ResolutionTxHash),
		d.CreatedAt, d.UpdatedAt,
	)
	if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
		return ErrAlreadyOpen
	}
	return err
}

const dspSelectColumns = `
	id, transaction_id, initiator_id, description, status,
	buyer_evidence, seller_evidence,
	resolved_by, resolved_at, resolution_note, resolution_tx_hash,
	created_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+dspSelectColumns+` FROM disputes WHERE id = $1`, id)
	d, err := scanDispute(row)
	if err == sql.ErrNoRows {
		return nil, ErrDisputeNotFound
	}
	return d, err
}

func (p *PostgresStore) GetOpenByTransaction(ctx context.Context, txID string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+dspSelectColumns+` FROM disputes WHERE transaction_id = $1 AND status = 'OPEN'`, txID)
	d, err := scanDispute(row)
	if err == sql.ErrNoRows {
		return nil, ErrDisputeNotFound
	}
	return d, err
}

func (p *PostgresStore) Update(ctx context.Context, d *Dispute) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE disputes SET
			status = $1, buyer_evidence = $2, seller_evidence = $3,
			resolved_by = $4, resolved_at = $5, resolution_note = $6,
			resolution_tx_hash = $7, updated_at = $8
		WHERE id = $9`,
		string(d.Status), dspNullString(d.BuyerEvidence), dspNullString(d.SellerEvidence),
		dspNullString(d.ResolvedBy), dspNullTime(d.ResolvedAt),
		dspNullString(d.ResolutionNote), dspNullString(d.ResolutionTxHash),
		d.UpdatedAt, d.ID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrDisputeNotFound
	}
	return nil
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM disputes WHERE id = $1`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrDisputeNotFound
	}
	return nil
}

func (p *PostgresStore) ListByTransaction(ctx context.Context, txID string) ([]*Dispute, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+dspSelectColumns+` FROM disputes WHERE transaction_id = $1 ORDER BY created_at ASC`, txID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectDisputes(rows)
}

func (p *PostgresStore) ListOpen(ctx context.Context, limit int) ([]*Dispute, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+dspSelectColumns+` FROM disputes WHERE status = 'OPEN' ORDER BY created_at ASC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectDisputes(rows)
}

func collectDisputes(rows *sql.Rows) ([]*Dispute, error) {
	var out []*Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

type dspRowScanner interface {
	Scan(dest ...any) error
}

func scanDispute(row dspRowScanner) (*Dispute, error) {
	var d Dispute
	var status string
	var buyerEv, sellerEv, resolvedBy, note, resTxHash sql.NullString
	var resolvedAt sql.NullTime

	err := row.Scan(
		&d.ID, &d.TransactionID, &d.InitiatorID, &d.Description, &status,
		&buyerEv, &sellerEv,
		&resolvedBy, &resolvedAt, &note, &resTxHash,
		&d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	d.Status = Status(status)
	d.BuyerEvidence = buyerEv.String
	d.SellerEvidence = sellerEv.String
	d.ResolvedBy = resolvedBy.String
	d.ResolutionNote = note.String
	d.ResolutionTxHash = resTxHash.String
	if resolvedAt.Valid {
		t := resolvedAt.Time
		d.ResolvedAt = &t
	}
	return &d, nil
}

func dspNullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func dspNullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
