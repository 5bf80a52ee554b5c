package transaction

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

const (
	testBuyerAddr  = "0x1111111111111111111111111111111111111111"
	testSellerAddr = "0x2222222222222222222222222222222222222222"
)

type stubProducts struct {
	products map[string]*Product
}

func (s *stubProducts) GetProduct(ctx context.Context, id string) (*Product, error) {
	p, ok := s.products[id]
	if !ok {
		return nil, ErrProductNotFound
	}
	return p, nil
}

type stubBuyers struct{}

func (stubBuyers) WalletAddress(ctx context.Context, userID string) (string, error) {
	return testBuyerAddr, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []Status
}

func (r *recordingPublisher) PublishTransition(transactionID string, status Status, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, status)
}

func newTestService() (*Service, *recordingPublisher) {
	products := &stubProducts{products: map[string]*Product{
		"prod_1": {ID: "prod_1", SellerID: "seller_1", SellerAddr: testSellerAddr, Title: "Mechanical keyboard"},
	}}
	pub := &recordingPublisher{}
	svc := NewService(NewMemoryStore(), products, stubBuyers{}).WithPublisher(pub)
	return svc, pub
}

func createTx(t *testing.T, svc *Service) *Transaction {
	t.Helper()
	tx, err := svc.Create(context.Background(), "prod_1", "buyer_1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return tx
}

func TestCreateTransaction(t *testing.T) {
	svc, _ := newTestService()
	tx := createTx(t, svc)

	if tx.Status != StatusAwaitingPayment {
		t.Fatalf("new transaction must start in AWAITING_PAYMENT, got %s", tx.Status)
	}
	if tx.BuyerAddr != testBuyerAddr || tx.SellerAddr != testSellerAddr {
		t.Fatalf("party wallets not recorded: %+v", tx)
	}
	if tx.Version != 1 {
		t.Fatalf("expected version 1, got %d", tx.Version)
	}
}

func TestCreateRejectsSelfPurchase(t *testing.T) {
	svc, _ := newTestService()
	_, err := svc.Create(context.Background(), "prod_1", "seller_1")
	if !errors.Is(err, ErrSelfPurchase) {
		t.Fatalf("expected ErrSelfPurchase, got %v", err)
	}
}

func TestCreateUnknownProduct(t *testing.T) {
	svc, _ := newTestService()
	_, err := svc.Create(context.Background(), "prod_missing", "buyer_1")
	if !errors.Is(err, ErrProductNotFound) {
		t.Fatalf("expected ErrProductNotFound, got %v", err)
	}
}

// Walks the full happy path: paid, shipped, confirmed, completed.
func TestHappyPathToCompleted(t *testing.T) {
	svc, pub := newTestService()
	ctx := context.Background()
	tx := createTx(t, svc)

	escrowID := int64(7)
	tx, err := svc.RequestTransition(ctx, tx.ID, StatusPaidOnChain, Payload{
		EscrowID:            &escrowID,
		ContractAddress:     "0x3333333333333333333333333333333333333333",
		SmartContractTxHash: "0xaaa1",
	})
	if err != nil {
		t.Fatalf("to PAID_ON_CHAIN: %v", err)
	}
	if tx.PaidAt == nil {
		t.Fatal("paidAt must be stamped by the transition")
	}

	if tx, err = svc.RequestTransition(ctx, tx.ID, StatusAwaitingDelivery, Payload{}); err != nil {
		t.Fatalf("to AWAITING_DELIVERY: %v", err)
	}

	if tx, err = svc.RequestTransition(ctx, tx.ID, StatusDelivered, Payload{SellerDeliveryProof: "resi-123"}); err != nil {
		t.Fatalf("to DELIVERED: %v", err)
	}

	if tx, err = svc.RequestTransition(ctx, tx.ID, StatusBuyerConfirmed, Payload{BuyerReceiptProof: "0xreceipt"}); err != nil {
		t.Fatalf("to BUYER_CONFIRMED: %v", err)
	}

	if tx, err = svc.RequestTransition(ctx, tx.ID, StatusCompleted, Payload{}); err != nil {
		t.Fatalf("to COMPLETED: %v", err)
	}

	if tx.Status != StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", tx.Status)
	}
	if tx.CompletedAt == nil {
		t.Fatal("completedAt must be stamped")
	}

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.events) != 5 {
		t.Fatalf("expected 5 transition events, got %d", len(pub.events))
	}
	if pub.events[len(pub.events)-1] != StatusCompleted {
		t.Fatalf("last event should be COMPLETED, got %s", pub.events[len(pub.events)-1])
	}
}

func TestUndeclaredEdgeRejectedAndRecordUnchanged(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	tx := createTx(t, svc)

	_, err := svc.RequestTransition(ctx, tx.ID, StatusDelivered, Payload{SellerDeliveryProof: "x"})
	var invalid *InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
	if invalid.From != StatusAwaitingPayment || invalid.To != StatusDelivered {
		t.Fatalf("error edge mismatch: %+v", invalid)
	}

	stored, err := svc.Get(ctx, tx.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != StatusAwaitingPayment || stored.SellerDeliveryProof != "" {
		t.Fatalf("record must be untouched after rejection: %+v", stored)
	}
}

func TestMissingFieldRejectedWithExactField(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	tx := createTx(t, svc)

	_, err := svc.RequestTransition(ctx, tx.ID, StatusPaidOnChain, Payload{
		ContractAddress: "0x3333333333333333333333333333333333333333",
		// smartContractTxHash deliberately absent; paidAt defaulted by orchestrator
	})
	var missing *MissingFieldsError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingFieldsError, got %v", err)
	}
	if len(missing.Fields) != 1 || missing.Fields[0] != FieldSmartContractTx {
		t.Fatalf("expected exactly [%s], got %v", FieldSmartContractTx, missing.Fields)
	}

	stored, _ := svc.Get(ctx, tx.ID)
	if stored.Status != StatusAwaitingPayment {
		t.Fatalf("status must be unchanged, got %s", stored.Status)
	}
}

func TestRecordPaymentLandsInAwaitingDelivery(t *testing.T) {
	svc, pub := newTestService()
	ctx := context.Background()
	tx := createTx(t, svc)

	escrowID := int64(7)
	tx, err := svc.RecordPayment(ctx, tx.ID, Payload{
		EscrowID:            &escrowID,
		ContractAddress:     "0x3333333333333333333333333333333333333333",
		SmartContractTxHash: "0xaaa1",
	})
	if err != nil {
		t.Fatalf("record payment: %v", err)
	}

	if tx.Status != StatusAwaitingDelivery {
		t.Fatalf("payment must land in AWAITING_DELIVERY, got %s", tx.Status)
	}
	if tx.PaidAt == nil {
		t.Fatal("paidAt must be stamped")
	}
	if tx.EscrowID == nil || *tx.EscrowID != escrowID {
		t.Fatalf("escrow id not recorded: %+v", tx)
	}

	// Both hops published: PAID_ON_CHAIN, then AWAITING_DELIVERY.
	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.events) != 2 || pub.events[0] != StatusPaidOnChain || pub.events[1] != StatusAwaitingDelivery {
		t.Fatalf("expected [PAID_ON_CHAIN AWAITING_DELIVERY], got %v", pub.events)
	}
}

type stubVerifier struct {
	mu      sync.Mutex
	err     error
	escrows []int64
	buyers  []string
}

func (v *stubVerifier) VerifyFunding(ctx context.Context, escrowID int64, buyerAddr string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.escrows = append(v.escrows, escrowID)
	v.buyers = append(v.buyers, buyerAddr)
	return v.err
}

func TestRecordPaymentConsultsChain(t *testing.T) {
	svc, _ := newTestService()
	verifier := &stubVerifier{}
	svc.WithPaymentVerifier(verifier)
	ctx := context.Background()
	tx := createTx(t, svc)

	escrowID := int64(7)
	if _, err := svc.RecordPayment(ctx, tx.ID, Payload{
		EscrowID:            &escrowID,
		ContractAddress:     "0x3333333333333333333333333333333333333333",
		SmartContractTxHash: "0xaaa1",
	}); err != nil {
		t.Fatalf("record payment: %v", err)
	}

	verifier.mu.Lock()
	defer verifier.mu.Unlock()
	if len(verifier.escrows) != 1 || verifier.escrows[0] != escrowID {
		t.Fatalf("funding must be checked against escrow %d, got %v", escrowID, verifier.escrows)
	}
	if verifier.buyers[0] != testBuyerAddr {
		t.Fatalf("funding must be checked against the recorded buyer wallet, got %q", verifier.buyers[0])
	}
}

// A well-formed payment report whose escrow the chain shows unfunded must
// not move the record: the claim alone settles nothing.
func TestRecordPaymentRejectedWhenChainDisagrees(t *testing.T) {
	svc, pub := newTestService()
	verifier := &stubVerifier{err: errors.New("escrow 7 in state 0")}
	svc.WithPaymentVerifier(verifier)
	ctx := context.Background()
	tx := createTx(t, svc)

	escrowID := int64(7)
	_, err := svc.RecordPayment(ctx, tx.ID, Payload{
		EscrowID:            &escrowID,
		ContractAddress:     "0x3333333333333333333333333333333333333333",
		SmartContractTxHash: "0x1111111111111111111111111111111111111111111111111111111111111111",
	})
	var unverified *PaymentNotVerifiedError
	if !errors.As(err, &unverified) {
		t.Fatalf("expected PaymentNotVerifiedError, got %v", err)
	}
	if unverified.EscrowID != escrowID {
		t.Fatalf("error must carry the escrow id, got %d", unverified.EscrowID)
	}

	after, err := svc.Get(ctx, tx.ID)
	if err != nil {
		t.Fatal(err)
	}
	if after.Status != StatusAwaitingPayment {
		t.Fatalf("rejected payment must leave AWAITING_PAYMENT, got %s", after.Status)
	}
	if after.PaidAt != nil || after.SmartContractTxHash != "" {
		t.Fatalf("rejected payment must write nothing: %+v", after)
	}

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.events) != 0 {
		t.Fatalf("no transitions must be published, got %v", pub.events)
	}
}

func TestRecordPaymentRejectedAfterPayment(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	tx := createTx(t, svc)

	escrowID := int64(7)
	payload := Payload{
		EscrowID:            &escrowID,
		ContractAddress:     "0x3333333333333333333333333333333333333333",
		SmartContractTxHash: "0xaaa1",
	}
	if _, err := svc.RecordPayment(ctx, tx.ID, payload); err != nil {
		t.Fatal(err)
	}

	_, err := svc.RecordPayment(ctx, tx.ID, payload)
	var invalid *InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("second payment must fail the edge check, got %v", err)
	}
}

func TestDisputedBlocksBuyerConfirmed(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	tx := createTx(t, svc)

	advanceToDelivered(t, svc, tx.ID)

	if _, err := svc.RequestTransition(ctx, tx.ID, StatusDisputed, Payload{}); err != nil {
		t.Fatalf("to DISPUTED: %v", err)
	}

	_, err := svc.RequestTransition(ctx, tx.ID, StatusBuyerConfirmed, Payload{BuyerReceiptProof: "0xr"})
	var invalid *InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidTransitionError from DISPUTED, got %v", err)
	}
}

func TestTimestampsSetExactlyOnce(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	tx := createTx(t, svc)

	early := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	tx, err := svc.RequestTransition(ctx, tx.ID, StatusPaidOnChain, Payload{
		ContractAddress:     "0x3333333333333333333333333333333333333333",
		SmartContractTxHash: "0xaaa1",
		PaidAt:              &early,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !tx.PaidAt.Equal(early) {
		t.Fatalf("caller-supplied paidAt must win, got %v", tx.PaidAt)
	}
}

func TestConcurrentTransitionsExactlyOneWins(t *testing.T) {
	// Two racing writers against the bare store (bypassing the per-ID lock)
	// must resolve via the version check: one success, one conflict.
	store := NewMemoryStore()
	ctx := context.Background()

	now := time.Now()
	base := &Transaction{
		ID: "txn_race", Status: StatusDelivered, Version: 1,
		BuyerID: "b", SellerID: "s", CreatedAt: now, UpdatedAt: now,
	}
	if err := store.Create(ctx, base); err != nil {
		t.Fatal(err)
	}

	a, _ := store.Get(ctx, "txn_race")
	b, _ := store.Get(ctx, "txn_race")

	a.Status = StatusBuyerConfirmed
	if err := store.Update(ctx, a); err != nil {
		t.Fatalf("first writer must win: %v", err)
	}

	b.Status = StatusDisputed
	if err := store.Update(ctx, b); !errors.Is(err, ErrConcurrentModification) {
		t.Fatalf("second writer must lose with ErrConcurrentModification, got %v", err)
	}

	stored, _ := store.Get(ctx, "txn_race")
	if stored.Status != StatusBuyerConfirmed {
		t.Fatalf("only the first transition may commit, got %s", stored.Status)
	}
}

func TestConcurrentRequestsSerialize(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	tx := createTx(t, svc)
	advanceToDelivered(t, svc, tx.ID)

	// Confirm and dispute race on the same transaction. The per-ID lock
	// serializes them; whichever runs second sees the other's committed
	// status and fails the edge check. Exactly one succeeds.
	var wg sync.WaitGroup
	results := make(chan error, 2)

	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := svc.RequestTransition(ctx, tx.ID, StatusBuyerConfirmed, Payload{BuyerReceiptProof: "0xr"})
		results <- err
	}()
	go func() {
		defer wg.Done()
		_, err := svc.RequestTransition(ctx, tx.ID, StatusDisputed, Payload{})
		results <- err
	}()
	wg.Wait()
	close(results)

	var successes, failures int
	for err := range results {
		if err == nil {
			successes++
		} else {
			failures++
		}
	}
	if successes != 1 || failures != 1 {
		t.Fatalf("expected exactly one winner, got %d successes / %d failures", successes, failures)
	}
}

func TestFlagNeedsReview(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	tx := createTx(t, svc)

	if err := svc.FlagNeedsReview(ctx, tx.ID); err != nil {
		t.Fatal(err)
	}
	// Idempotent.
	if err := svc.FlagNeedsReview(ctx, tx.ID); err != nil {
		t.Fatal(err)
	}

	flagged, err := svc.ListNeedsReview(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(flagged) != 1 || flagged[0].ID != tx.ID {
		t.Fatalf("expected flagged transaction, got %v", flagged)
	}
}

func TestAdminRefundRequiresRefundedBy(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	tx := createTx(t, svc)

	if _, err := svc.RequestTransition(ctx, tx.ID, StatusPaidOnChain, Payload{
		ContractAddress:     "0x3333333333333333333333333333333333333333",
		SmartContractTxHash: "0xaaa1",
	}); err != nil {
		t.Fatal(err)
	}

	_, err := svc.RequestTransition(ctx, tx.ID, StatusRefunded, Payload{})
	var missing *MissingFieldsError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingFieldsError, got %v", err)
	}
	if len(missing.Fields) != 1 || missing.Fields[0] != FieldRefundedBy {
		t.Fatalf("expected [refundedBy], got %v", missing.Fields)
	}

	refunded, err := svc.RequestTransition(ctx, tx.ID, StatusRefunded, Payload{RefundedBy: "admin_1", RefundNote: "seller unreachable"})
	if err != nil {
		t.Fatal(err)
	}
	if refunded.RefundedAt == nil || refunded.RefundedBy != "admin_1" {
		t.Fatalf("refund metadata incomplete: %+v", refunded)
	}
}

// The abort note lands in failNote; refundedBy and refundNote stay scoped
// to admin-driven refunds.
func TestAdminAbortKeepsRefundFieldsClear(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	tx := createTx(t, svc)

	failed, err := svc.RequestTransition(ctx, tx.ID, StatusFailed, Payload{FailNote: "buyer never funded"})
	if err != nil {
		t.Fatal(err)
	}
	if failed.Status != StatusFailed || failed.FailNote != "buyer never funded" {
		t.Fatalf("abort note not recorded: %+v", failed)
	}
	if failed.RefundedBy != "" || failed.RefundNote != "" || failed.RefundedAt != nil {
		t.Fatalf("abort must not touch refund fields: %+v", failed)
	}
}

// advanceToDelivered walks a fresh transaction to DELIVERED.
func advanceToDelivered(t *testing.T, svc *Service, txID string) {
	t.Helper()
	ctx := context.Background()
	steps := []struct {
		target  Status
		payload Payload
	}{
		{StatusPaidOnChain, Payload{ContractAddress: "0x3333333333333333333333333333333333333333", SmartContractTxHash: "0xaaa1"}},
		{StatusAwaitingDelivery, Payload{}},
		{StatusDelivered, Payload{SellerDeliveryProof: "resi-123"}},
	}
	for _, step := range steps {
		if _, err := svc.RequestTransition(ctx, txID, step.target, step.payload); err != nil {
			t.Fatalf("advance to %s: %v", step.target, err)
		}
	}
}
