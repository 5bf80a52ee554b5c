package transaction

import (
	"testing"
	"time"
)

func TestTerminalStatuses(t *testing.T) {
	terminal := []Status{StatusCompleted, StatusRefunded, StatusFailed, StatusCompletedViaDispute}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}

	// RESOLVED_* still await their payout refinement.
	open := []Status{
		StatusAwaitingPayment, StatusPaidOnChain, StatusAwaitingDelivery,
		StatusDelivered, StatusBuyerConfirmed, StatusDisputed,
		StatusResolvedBuyer, StatusResolvedSeller,
	}
	for _, s := range open {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestCanTransitionDeclaredEdges(t *testing.T) {
	edges := []struct{ from, to Status }{
		{StatusAwaitingPayment, StatusPaidOnChain},
		{StatusPaidOnChain, StatusAwaitingDelivery},
		{StatusPaidOnChain, StatusRefunded},
		{StatusAwaitingDelivery, StatusDelivered},
		{StatusAwaitingDelivery, StatusRefunded},
		{StatusDelivered, StatusBuyerConfirmed},
		{StatusDelivered, StatusDisputed},
		{StatusBuyerConfirmed, StatusCompleted},
		{StatusBuyerConfirmed, StatusDisputed},
		{StatusDisputed, StatusResolvedBuyer},
		{StatusDisputed, StatusResolvedSeller},
		{StatusResolvedBuyer, StatusRefunded},
		{StatusResolvedSeller, StatusCompletedViaDispute},
	}
	for _, e := range edges {
		if !CanTransition(e.from, e.to) {
			t.Errorf("expected edge %s -> %s", e.from, e.to)
		}
	}
}

func TestCanTransitionRejectsUndeclaredEdges(t *testing.T) {
	all := []Status{
		StatusAwaitingPayment, StatusPaidOnChain, StatusAwaitingDelivery,
		StatusDelivered, StatusBuyerConfirmed, StatusCompleted, StatusDisputed,
		StatusResolvedBuyer, StatusResolvedSeller, StatusCompletedViaDispute,
		StatusRefunded, StatusFailed,
	}

	declared := map[[2]Status]bool{}
	for from, tos := range transitions {
		for _, to := range tos {
			declared[[2]Status{from, to}] = true
		}
	}

	for _, from := range all {
		for _, to := range all {
			if to == StatusFailed {
				continue // covered by TestAdminAbort
			}
			got := CanTransition(from, to)
			want := declared[[2]Status{from, to}]
			if got != want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestAdminAbort(t *testing.T) {
	abortable := []Status{
		StatusAwaitingPayment, StatusPaidOnChain, StatusAwaitingDelivery,
		StatusDelivered, StatusBuyerConfirmed, StatusResolvedBuyer, StatusResolvedSeller,
	}
	for _, s := range abortable {
		if !CanTransition(s, StatusFailed) {
			t.Errorf("expected %s -> FAILED to be allowed", s)
		}
	}

	// Terminal statuses and open disputes cannot be aborted.
	blocked := []Status{StatusCompleted, StatusRefunded, StatusFailed, StatusCompletedViaDispute, StatusDisputed}
	for _, s := range blocked {
		if CanTransition(s, StatusFailed) {
			t.Errorf("expected %s -> FAILED to be rejected", s)
		}
	}
}

func TestMissingFieldsPaidOnChain(t *testing.T) {
	now := time.Now()

	missing := MissingFields(StatusPaidOnChain, Payload{})
	if len(missing) != 3 {
		t.Fatalf("expected 3 missing fields, got %v", missing)
	}

	// Exactly the absent field is reported.
	missing = MissingFields(StatusPaidOnChain, Payload{
		ContractAddress: "0xabc",
		PaidAt:          &now,
	})
	if len(missing) != 1 || missing[0] != FieldSmartContractTx {
		t.Fatalf("expected only %s, got %v", FieldSmartContractTx, missing)
	}

	missing = MissingFields(StatusPaidOnChain, Payload{
		ContractAddress:     "0xabc",
		SmartContractTxHash: "0xdef",
		PaidAt:              &now,
	})
	if len(missing) != 0 {
		t.Fatalf("expected complete payload, got %v", missing)
	}
}

func TestMissingFieldsNumericZeroIsPresent(t *testing.T) {
	zero := int64(0)
	p := Payload{EscrowID: &zero}
	if !present(FieldEscrowID, p) {
		t.Fatal("escrow index 0 must count as present")
	}
	if present(FieldEscrowID, Payload{}) {
		t.Fatal("nil escrow id must count as absent")
	}
}

func TestMissingFieldsNoRequirements(t *testing.T) {
	if got := MissingFields(StatusAwaitingDelivery, Payload{}); len(got) != 0 {
		t.Fatalf("AWAITING_DELIVERY requires nothing, got %v", got)
	}
	if got := MissingFields(StatusFailed, Payload{}); len(got) != 0 {
		t.Fatalf("FAILED requires nothing, got %v", got)
	}
}

func TestRequiredFieldsReturnsCopy(t *testing.T) {
	fields := RequiredFields(StatusPaidOnChain)
	if len(fields) != 3 {
		t.Fatalf("expected 3 fields, got %v", fields)
	}
	fields[0] = "mutated"
	if RequiredFields(StatusPaidOnChain)[0] == "mutated" {
		t.Fatal("RequiredFields must not expose internal state")
	}
}
