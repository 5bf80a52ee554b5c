package escrow

import (
	"context"
	"database/sql"
	"time"

	"github.com/pasarchain/escrowd/internal/chain"
)

// PostgresStore persists intents and the processed-callback ledger in
// PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) CreateIntent(ctx context.Context, in *Intent) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrow_intents (
			id, action, transaction_id, escrow_id, expected_signer, status,
			tx_hash, from_block, created_at, expires_at, confirmed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		in.ID, string(in.Action), in.TransactionID, in.EscrowID, in.ExpectedSigner, string(in.Status),
		escNullString(in.TxHash), int64(in.FromBlock), in.CreatedAt, in.ExpiresAt, escNullTime(in.ConfirmedAt),
	)
	return err
}

const intentSelectColumns = `
	id, action, transaction_id, escrow_id, expected_signer, status,
	tx_hash, from_block, created_at, expires_at, confirmed_at`

func (p *PostgresStore) GetIntent(ctx context.Context, id string) (*Intent, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+intentSelectColumns+` FROM escrow_intents WHERE id = $1`, id)
	in, err := scanIntent(row)
	if err == sql.ErrNoRows {
		return nil, ErrIntentNotFound
	}
	return in, err
}

func (p *PostgresStore) UpdateIntent(ctx context.Context, in *Intent) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE escrow_intents SET
			status = $1, tx_hash = $2, confirmed_at = $3
		WHERE id = $4`,
		string(in.Status), escNullString(in.TxHash), escNullTime(in.ConfirmedAt), in.ID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrIntentNotFound
	}
	return nil
}

func (p *PostgresStore) ListOverdue(ctx context.Context, before time.Time, limit int) ([]*Intent, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+intentSelectColumns+`
		FROM escrow_intents
		WHERE status = 'pending' AND expires_at < $1
		ORDER BY expires_at ASC
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Intent
	for rows.Next() {
		in, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

func (p *PostgresStore) FindPending(ctx context.Context, txID string, action chain.Action) (*Intent, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+intentSelectColumns+`
		FROM escrow_intents
		WHERE transaction_id = $1 AND action = $2 AND status = 'pending'
		ORDER BY created_at DESC
		LIMIT 1`, txID, string(action))
	in, err := scanIntent(row)
	if err == sql.ErrNoRows {
		return nil, ErrIntentNotFound
	}
	return in, err
}

func (p *PostgresStore) WasProcessed(ctx context.Context, txHash string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM processed_callbacks WHERE tx_hash = $1)`, txHash).Scan(&exists)
	return exists, err
}

func (p *PostgresStore) MarkProcessed(ctx context.Context, txHash, transactionID string, action chain.Action) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO processed_callbacks (tx_hash, transaction_id, action, processed_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tx_hash) DO NOTHING`,
		txHash, transactionID, string(action), time.Now())
	return err
}

type escRowScanner interface {
	Scan(dest ...any) error
}

func scanIntent(row escRowScanner) (*Intent, error) {
	var in Intent
	var action, status string
	var txHash sql.NullString
	var fromBlock int64
	var confirmedAt sql.NullTime

	err := row.Scan(
		&in.ID, &action, &in.TransactionID, &in.EscrowID, &in.ExpectedSigner, &status,
		&txHash, &fromBlock, &in.CreatedAt, &in.ExpiresAt, &confirmedAt,
	)
	if err != nil {
		return nil, err
	}

	in.Action = chain.Action(action)
	in.Status = IntentStatus(status)
	in.TxHash = txHash.String
	in.FromBlock = uint64(fromBlock)
	if confirmedAt.Valid {
		t := confirmedAt.Time
		in.ConfirmedAt = &t
	}
	return &in, nil
}

func escNullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func escNullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
