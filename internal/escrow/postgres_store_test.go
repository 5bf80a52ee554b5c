package escrow

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/pasarchain/escrowd/internal/chain"
	"github.com/pasarchain/escrowd/internal/testutil"
)

func seedIntentParent(t *testing.T, db *sql.DB, id string) {
	t.Helper()
	now := time.Now().UTC()
	_, err := db.ExecContext(context.Background(), `
		INSERT INTO transactions (
			id, product_id, buyer_id, seller_id, buyer_addr, seller_addr,
			status, escrow_id, needs_review, version, created_at, updated_at
		) VALUES ($1, 'prod_1', 'buyer_1', 'seller_1',
			'0x1111111111111111111111111111111111111111',
			'0x2222222222222222222222222222222222222222',
			'DELIVERED', 7, FALSE, 1, $2, $2)`, id, now)
	if err != nil {
		t.Fatalf("seed parent transaction: %v", err)
	}
}

func newPGIntent(id, txID string, expiresIn time.Duration) *Intent {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &Intent{
		ID:             id,
		Action:         chain.ActionConfirm,
		TransactionID:  txID,
		EscrowID:       7,
		ExpectedSigner: "0x1111111111111111111111111111111111111111",
		Status:         IntentPending,
		FromBlock:      100,
		CreatedAt:      now,
		ExpiresAt:      now.Add(expiresIn),
	}
}

func TestPostgresStoreIntentLifecycle(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	seedIntentParent(t, db, "txn_pg_i1")

	store := NewPostgresStore(db)
	if err := store.CreateIntent(ctx, newPGIntent("int_pg_1", "txn_pg_i1", time.Hour)); err != nil {
		t.Fatalf("create intent: %v", err)
	}

	got, err := store.FindPending(ctx, "txn_pg_i1", chain.ActionConfirm)
	if err != nil {
		t.Fatalf("find pending: %v", err)
	}
	if got.ID != "int_pg_1" || got.FromBlock != 100 {
		t.Fatalf("pending lookup mismatch: %+v", got)
	}

	now := time.Now().UTC().Truncate(time.Microsecond)
	got.Status = IntentConfirmed
	got.TxHash = "0xccc3"
	got.ConfirmedAt = &now
	if err := store.UpdateIntent(ctx, got); err != nil {
		t.Fatalf("update intent: %v", err)
	}

	// Confirmed intents leave the pending index.
	if _, err := store.FindPending(ctx, "txn_pg_i1", chain.ActionConfirm); !errors.Is(err, ErrIntentNotFound) {
		t.Fatalf("expected ErrIntentNotFound after confirmation, got %v", err)
	}

	reread, err := store.GetIntent(ctx, "int_pg_1")
	if err != nil {
		t.Fatal(err)
	}
	if reread.Status != IntentConfirmed || reread.TxHash != "0xccc3" || reread.ConfirmedAt == nil {
		t.Fatalf("confirmation not persisted: %+v", reread)
	}
}

func TestPostgresStoreListOverdue(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	seedIntentParent(t, db, "txn_pg_i2")

	store := NewPostgresStore(db)
	overdue := newPGIntent("int_pg_late", "txn_pg_i2", -time.Minute)
	fresh := newPGIntent("int_pg_fresh", "txn_pg_i2", time.Hour)
	fresh.Action = chain.ActionDispute
	for _, in := range []*Intent{overdue, fresh} {
		if err := store.CreateIntent(ctx, in); err != nil {
			t.Fatal(err)
		}
	}

	list, err := store.ListOverdue(ctx, time.Now(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].ID != "int_pg_late" {
		t.Fatalf("expected only the expired intent, got %v", list)
	}
}

func TestPostgresStoreProcessedLedger(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	store := NewPostgresStore(db)

	done, err := store.WasProcessed(ctx, "0xddd4")
	if err != nil {
		t.Fatal(err)
	}
	if done {
		t.Fatal("fresh hash must not be marked processed")
	}

	if err := store.MarkProcessed(ctx, "0xddd4", "txn_pg_i3", chain.ActionConfirm); err != nil {
		t.Fatal(err)
	}
	// Marking twice is a no-op, not an error.
	if err := store.MarkProcessed(ctx, "0xddd4", "txn_pg_i3", chain.ActionConfirm); err != nil {
		t.Fatalf("duplicate mark must be ignored: %v", err)
	}

	done, err = store.WasProcessed(ctx, "0xddd4")
	if err != nil {
		t.Fatal(err)
	}
	if !done {
		t.Fatal("hash must be processed after marking")
	}
}
