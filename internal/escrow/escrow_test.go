package escrow

import (
	"context"
	"errors"
	"testing"

	"github.com/pasarchain/escrowd/internal/chain"
	"github.com/pasarchain/escrowd/internal/dispute"
	"github.com/pasarchain/escrowd/internal/transaction"
)

const (
	testBuyerAddr   = "0x1111111111111111111111111111111111111111"
	testSellerAddr  = "0x2222222222222222222222222222222222222222"
	testArbiterAddr = "0x5555555555555555555555555555555555555555"
	testTxHash      = "0xabcd0f5b1ee19a7d62c0e9dd1ffdc78af1ebda39714f01d304bb07b26a0e9ba8"
)

type testProducts struct{}

func (testProducts) GetProduct(ctx context.Context, id string) (*transaction.Product, error) {
	return &transaction.Product{ID: id, SellerID: "seller_1", SellerAddr: testSellerAddr, Title: "Espresso machine"}, nil
}

type testBuyers struct{}

func (testBuyers) WalletAddress(ctx context.Context, userID string) (string, error) {
	return testBuyerAddr, nil
}

// mockAdapter implements ChainAdapter with overridable funcs.
type mockAdapter struct {
	prepareFn      func(ctx context.Context, action chain.Action, escrowID int64, buyerWins bool) (*chain.PreparedCall, error)
	verifyActionFn func(ctx context.Context, action chain.Action, escrowID int64, txHash string) error
	findActionFn   func(ctx context.Context, action chain.Action, escrowID int64, fromBlock, toBlock uint64) (string, error)
	getEscrowFn    func(ctx context.Context, escrowID int64) (*chain.EscrowState, error)
}

func (m *mockAdapter) Prepare(ctx context.Context, action chain.Action, escrowID int64, buyerWins bool) (*chain.PreparedCall, error) {
	if m.prepareFn != nil {
		return m.prepareFn(ctx, action, escrowID, buyerWins)
	}
	return &chain.PreparedCall{To: "0x4444444444444444444444444444444444444444", Data: "0xdeadbeef", GasLimit: 90_000, GasPrice: "1000000000", ChainID: 8453}, nil
}

func (m *mockAdapter) VerifyAction(ctx context.Context, action chain.Action, escrowID int64, txHash string) error {
	if m.verifyActionFn != nil {
		return m.verifyActionFn(ctx, action, escrowID, txHash)
	}
	return nil
}

func (m *mockAdapter) FindAction(ctx context.Context, action chain.Action, escrowID int64, fromBlock, toBlock uint64) (string, error) {
	if m.findActionFn != nil {
		return m.findActionFn(ctx, action, escrowID, fromBlock, toBlock)
	}
	return "", chain.ErrEventNotFound
}

func (m *mockAdapter) GetEscrow(ctx context.Context, escrowID int64) (*chain.EscrowState, error) {
	if m.getEscrowFn != nil {
		return m.getEscrowFn(ctx, escrowID)
	}
	return &chain.EscrowState{EscrowID: escrowID, Buyer: testBuyerAddr, Seller: testSellerAddr, Amount: "5000000", State: 1}, nil
}

func (m *mockAdapter) BlockNumber(ctx context.Context) (uint64, error) {
	return 100, nil
}

type env struct {
	service  *Service
	store    *MemoryStore
	txns     *transaction.Service
	disputes *dispute.Manager
	adapter  *mockAdapter
	txID     string
}

// newEnv builds the protocol stack over memory stores with one transaction
// advanced to the given status.
func newEnv(t *testing.T, until transaction.Status) *env {
	t.Helper()
	ctx := context.Background()

	txns := transaction.NewService(transaction.NewMemoryStore(), testProducts{}, testBuyers{})
	tx, err := txns.Create(ctx, "prod_1", "buyer_1")
	if err != nil {
		t.Fatal(err)
	}

	escrowID := int64(42)
	steps := []struct {
		target  transaction.Status
		payload transaction.Payload
	}{
		{transaction.StatusPaidOnChain, transaction.Payload{
			EscrowID:            &escrowID,
			ContractAddress:     "0x4444444444444444444444444444444444444444",
			SmartContractTxHash: "0xaaa1",
		}},
		{transaction.StatusAwaitingDelivery, transaction.Payload{}},
		{transaction.StatusDelivered, transaction.Payload{SellerDeliveryProof: "resi-7"}},
	}
	for _, step := range steps {
		if _, err := txns.RequestTransition(ctx, tx.ID, step.target, step.payload); err != nil {
			t.Fatalf("advance to %s: %v", step.target, err)
		}
		if step.target == until {
			break
		}
	}

	disputes := dispute.NewManager(dispute.NewMemoryStore(), txns, nil)
	store := NewMemoryStore()
	adapter := &mockAdapter{}
	service := NewService(store, txns, disputes, adapter, Config{ArbiterAddress: testArbiterAddr}, nil)

	return &env{service: service, store: store, txns: txns, disputes: disputes, adapter: adapter, txID: tx.ID}
}

func TestPrepareConfirm(t *testing.T) {
	e := newEnv(t, transaction.StatusDelivered)
	ctx := context.Background()

	result, err := e.service.Prepare(ctx, e.txID, chain.ActionConfirm, "buyer_1", false)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if result.ExpectedSigner != testBuyerAddr {
		t.Fatalf("expected signer must be the recorded buyer, got %s", result.ExpectedSigner)
	}
	if result.Call == nil || result.Call.Data == "" {
		t.Fatal("prepared call data missing")
	}

	intent, err := e.store.GetIntent(ctx, result.IntentID)
	if err != nil {
		t.Fatal(err)
	}
	if intent.Status != IntentPending || intent.EscrowID != 42 || intent.FromBlock != 100 {
		t.Fatalf("intent not recorded correctly: %+v", intent)
	}

	// Prepare must not touch the transaction.
	tx, _ := e.txns.Get(ctx, e.txID)
	if tx.Status != transaction.StatusDelivered {
		t.Fatalf("prepare changed the transaction status to %s", tx.Status)
	}
}

func TestPrepareConfirmRejectsSeller(t *testing.T) {
	e := newEnv(t, transaction.StatusDelivered)
	_, err := e.service.Prepare(context.Background(), e.txID, chain.ActionConfirm, "seller_1", false)
	if !errors.Is(err, transaction.ErrNotParticipant) {
		t.Fatalf("expected ErrNotParticipant, got %v", err)
	}
}

func TestPrepareConfirmWrongStatus(t *testing.T) {
	e := newEnv(t, transaction.StatusAwaitingDelivery)
	_, err := e.service.Prepare(context.Background(), e.txID, chain.ActionConfirm, "buyer_1", false)
	if !errors.Is(err, ErrNotEligible) {
		t.Fatalf("expected ErrNotEligible, got %v", err)
	}
}

func TestPrepareDisputeSellerSigner(t *testing.T) {
	e := newEnv(t, transaction.StatusDelivered)
	result, err := e.service.Prepare(context.Background(), e.txID, chain.ActionDispute, "seller_1", false)
	if err != nil {
		t.Fatal(err)
	}
	if result.ExpectedSigner != testSellerAddr {
		t.Fatalf("seller-initiated dispute must expect the seller wallet, got %s", result.ExpectedSigner)
	}
}

func TestConfirmCallbackHappyPath(t *testing.T) {
	e := newEnv(t, transaction.StatusDelivered)
	ctx := context.Background()

	prep, err := e.service.Prepare(ctx, e.txID, chain.ActionConfirm, "buyer_1", false)
	if err != nil {
		t.Fatal(err)
	}

	tx, err := e.service.ConfirmCallback(ctx, e.txID, "buyer_1", testBuyerAddr, testTxHash)
	if err != nil {
		t.Fatalf("confirm callback: %v", err)
	}
	if tx.Status != transaction.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", tx.Status)
	}
	if tx.BuyerReceiptProof != testTxHash {
		t.Fatalf("receipt proof must record the chain hash, got %q", tx.BuyerReceiptProof)
	}
	if tx.CompletedAt == nil {
		t.Fatal("completedAt must be stamped")
	}

	intent, _ := e.store.GetIntent(ctx, prep.IntentID)
	if intent.Status != IntentConfirmed || intent.TxHash != testTxHash {
		t.Fatalf("intent not settled: %+v", intent)
	}
}

func TestConfirmCallbackWrongSignerBeforeChain(t *testing.T) {
	e := newEnv(t, transaction.StatusDelivered)
	chainTouched := false
	e.adapter.verifyActionFn = func(ctx context.Context, action chain.Action, escrowID int64, txHash string) error {
		chainTouched = true
		return nil
	}

	_, err := e.service.ConfirmCallback(context.Background(), e.txID, "buyer_1", testSellerAddr, testTxHash)
	if !errors.Is(err, ErrWrongSigner) {
		t.Fatalf("expected ErrWrongSigner, got %v", err)
	}
	if chainTouched {
		t.Fatal("authorization must be checked before any chain interaction")
	}

	tx, _ := e.txns.Get(context.Background(), e.txID)
	if tx.Status != transaction.StatusDelivered {
		t.Fatalf("status must be unchanged, got %s", tx.Status)
	}
}

func TestConfirmCallbackSignerCaseInsensitive(t *testing.T) {
	e := newEnv(t, transaction.StatusDelivered)
	upper := "0X1111111111111111111111111111111111111111"
	tx, err := e.service.ConfirmCallback(context.Background(), e.txID, "buyer_1", upper, testTxHash)
	if err != nil {
		t.Fatalf("address comparison must be case-insensitive: %v", err)
	}
	if tx.Status != transaction.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", tx.Status)
	}
}

func TestConfirmCallbackReplayIsNoop(t *testing.T) {
	e := newEnv(t, transaction.StatusDelivered)
	ctx := context.Background()

	if _, err := e.service.ConfirmCallback(ctx, e.txID, "buyer_1", testBuyerAddr, testTxHash); err != nil {
		t.Fatal(err)
	}

	verifies := 0
	e.adapter.verifyActionFn = func(ctx context.Context, action chain.Action, escrowID int64, txHash string) error {
		verifies++
		return nil
	}

	tx, err := e.service.ConfirmCallback(ctx, e.txID, "buyer_1", testBuyerAddr, testTxHash)
	if err != nil {
		t.Fatalf("replay must be a no-op, got %v", err)
	}
	if tx.Status != transaction.StatusCompleted {
		t.Fatalf("replay must return the settled record, got %s", tx.Status)
	}
	if verifies != 0 {
		t.Fatal("replay must not hit the chain again")
	}
}

func TestConfirmCallbackRevertedTx(t *testing.T) {
	e := newEnv(t, transaction.StatusDelivered)
	e.adapter.verifyActionFn = func(ctx context.Context, action chain.Action, escrowID int64, txHash string) error {
		return chain.ErrTxReverted
	}

	_, err := e.service.ConfirmCallback(context.Background(), e.txID, "buyer_1", testBuyerAddr, testTxHash)
	if !errors.Is(err, chain.ErrTxReverted) {
		t.Fatalf("expected ErrTxReverted, got %v", err)
	}

	tx, _ := e.txns.Get(context.Background(), e.txID)
	if tx.Status != transaction.StatusDelivered {
		t.Fatalf("a reverted tx must not advance the record, got %s", tx.Status)
	}
}

// failingTxns wraps the real orchestrator but fails every ForceTransition,
// simulating a store outage between chain success and local commit.
type failingTxns struct {
	*transaction.Service
}

func (f *failingTxns) ForceTransition(ctx context.Context, txID string, target transaction.Status, p transaction.Payload) (*transaction.Transaction, error) {
	return nil, errors.New("store unavailable")
}

func TestConfirmCallbackCommitFailureRequiresReconciliation(t *testing.T) {
	e := newEnv(t, transaction.StatusDelivered)
	ctx := context.Background()

	prep, err := e.service.Prepare(ctx, e.txID, chain.ActionConfirm, "buyer_1", false)
	if err != nil {
		t.Fatal(err)
	}

	e.service.txns = &failingTxns{e.txns}

	_, err = e.service.ConfirmCallback(ctx, e.txID, "buyer_1", testBuyerAddr, testTxHash)
	var reconcile *ReconciliationRequiredError
	if !errors.As(err, &reconcile) {
		t.Fatalf("expected ReconciliationRequiredError, got %v", err)
	}
	if reconcile.TxHash != testTxHash {
		t.Fatalf("error must carry the chain hash, got %q", reconcile.TxHash)
	}

	intent, _ := e.store.GetIntent(ctx, prep.IntentID)
	if intent.Status != IntentNeedsReview || intent.TxHash != testTxHash {
		t.Fatalf("intent must be parked for review: %+v", intent)
	}
}

func TestDisputeCallbackOpensDispute(t *testing.T) {
	e := newEnv(t, transaction.StatusDelivered)
	ctx := context.Background()

	tx, err := e.service.DisputeCallback(ctx, e.txID, "buyer_1", testBuyerAddr, testTxHash, "never delivered")
	if err != nil {
		t.Fatalf("dispute callback: %v", err)
	}
	if tx.Status != transaction.StatusDisputed {
		t.Fatalf("expected DISPUTED, got %s", tx.Status)
	}

	d, err := e.disputes.GetOpenByTransaction(ctx, e.txID)
	if err != nil {
		t.Fatal(err)
	}
	if d.InitiatorID != "buyer_1" || d.Description != "never delivered" {
		t.Fatalf("dispute record wrong: %+v", d)
	}
}

func TestResolveDisputeCallbackBuyerWins(t *testing.T) {
	e := newEnv(t, transaction.StatusDelivered)
	ctx := context.Background()

	d, err := e.disputes.Open(ctx, e.txID, "buyer_1", "broken", "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.disputes.Resolve(ctx, d.ID, "admin_1", dispute.WinnerBuyer, "", ""); err != nil {
		t.Fatal(err)
	}

	tx, err := e.service.ResolveDisputeCallback(ctx, e.txID, "admin_1", testTxHash)
	if err != nil {
		t.Fatalf("resolve callback: %v", err)
	}
	if tx.Status != transaction.StatusRefunded {
		t.Fatalf("buyer win must refine to REFUNDED, got %s", tx.Status)
	}
	if tx.RefundedBy != "admin_1" || tx.RefundedAt == nil {
		t.Fatalf("refund metadata incomplete: %+v", tx)
	}

	settled, _ := e.disputes.Get(ctx, d.ID)
	if settled.ResolutionTxHash != testTxHash {
		t.Fatalf("resolution hash not attached: %+v", settled)
	}
}

func TestResolveDisputeCallbackSellerWins(t *testing.T) {
	e := newEnv(t, transaction.StatusDelivered)
	ctx := context.Background()

	d, _ := e.disputes.Open(ctx, e.txID, "seller_1", "buyer ghosting", "")
	if _, err := e.disputes.Resolve(ctx, d.ID, "admin_1", dispute.WinnerSeller, "", ""); err != nil {
		t.Fatal(err)
	}

	tx, err := e.service.ResolveDisputeCallback(ctx, e.txID, "admin_1", testTxHash)
	if err != nil {
		t.Fatal(err)
	}
	if tx.Status != transaction.StatusCompletedViaDispute {
		t.Fatalf("seller win must refine to COMPLETED_VIA_DISPUTE, got %s", tx.Status)
	}
	if tx.CompletedAt == nil {
		t.Fatal("completedAt must be stamped")
	}
}

func TestResolveDisputeCallbackRequiresResolvedStatus(t *testing.T) {
	e := newEnv(t, transaction.StatusDelivered)
	_, err := e.service.ResolveDisputeCallback(context.Background(), e.txID, "admin_1", testTxHash)
	if !errors.Is(err, ErrNotEligible) {
		t.Fatalf("expected ErrNotEligible before a ruling exists, got %v", err)
	}
}

func TestGetStatusJoinsLocalRecord(t *testing.T) {
	e := newEnv(t, transaction.StatusDelivered)
	status, err := e.service.GetStatus(context.Background(), 42)
	if err != nil {
		t.Fatal(err)
	}
	if status.Chain == nil || status.Chain.EscrowID != 42 {
		t.Fatalf("chain state missing: %+v", status)
	}
	if status.Transaction == nil || status.Transaction.ID != e.txID {
		t.Fatalf("linked transaction missing: %+v", status)
	}
}

func TestGetStatusWithoutLocalRecord(t *testing.T) {
	e := newEnv(t, transaction.StatusDelivered)
	status, err := e.service.GetStatus(context.Background(), 777)
	if err != nil {
		t.Fatal(err)
	}
	if status.Transaction != nil {
		t.Fatalf("unlinked escrow must have no transaction, got %+v", status.Transaction)
	}
}
