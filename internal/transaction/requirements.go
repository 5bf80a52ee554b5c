package transaction

import "time"

// Payload is the data bundle accompanying a transition request. Fields left
// at their zero value (empty string, nil pointer) are treated as absent; a
// pointer to a numeric zero is present. The validator never defaults or
// infers a field; stamping paidAt/completedAt/refundedAt when the caller
// omits them is the orchestrator's job, applied before validation.
type Payload struct {
	EscrowID            *int64
	ContractAddress     string
	SmartContractTxHash string
	SellerDeliveryProof string
	BuyerReceiptProof   string
	RefundedBy          string
	RefundNote          string
	FailNote            string
	PaidAt              *time.Time
	CompletedAt         *time.Time
	RefundedAt          *time.Time
}

// Field names as they appear in the API and in validation errors.
const (
	FieldEscrowID            = "escrowId"
	FieldContractAddress     = "contractAddress"
	FieldSmartContractTx     = "smartContractTxHash"
	FieldSellerDeliveryProof = "sellerDeliveryProof"
	FieldBuyerReceiptProof   = "buyerReceiptProof"
	FieldRefundedBy          = "refundedBy"
	FieldPaidAt              = "paidAt"
	FieldCompletedAt         = "completedAt"
	FieldRefundedAt          = "refundedAt"
)

// requiredFields maps each target status to the payload fields that must be
// present before the transition may commit.
var requiredFields = map[Status][]string{
	StatusPaidOnChain:    {FieldContractAddress, FieldSmartContractTx, FieldPaidAt},
	StatusDelivered:      {FieldSellerDeliveryProof},
	StatusBuyerConfirmed: {FieldBuyerReceiptProof},
	StatusCompleted:      {FieldCompletedAt},
	StatusRefunded:       {FieldRefundedBy, FieldRefundedAt},
}

// RequiredFields returns the field names a transition into status must carry.
// Statuses with no entry require nothing beyond a declared edge.
func RequiredFields(status Status) []string {
	fields := requiredFields[status]
	out := make([]string, len(fields))
	copy(out, fields)
	return out
}

// MissingFields returns the subset of required fields for status that are
// absent in p. Pure function: no I/O, no mutation, no defaulting.
func MissingFields(status Status, p Payload) []string {
	var missing []string
	for _, field := range requiredFields[status] {
		if !present(field, p) {
			missing = append(missing, field)
		}
	}
	return missing
}

func present(field string, p Payload) bool {
	switch field {
	case FieldEscrowID:
		return p.EscrowID != nil // zero is a valid on-chain index
	case FieldContractAddress:
		return p.ContractAddress != ""
	case FieldSmartContractTx:
		return p.SmartContractTxHash != ""
	case FieldSellerDeliveryProof:
		return p.SellerDeliveryProof != ""
	case FieldBuyerReceiptProof:
		return p.BuyerReceiptProof != ""
	case FieldRefundedBy:
		return p.RefundedBy != ""
	case FieldPaidAt:
		return p.PaidAt != nil && !p.PaidAt.IsZero()
	case FieldCompletedAt:
		return p.CompletedAt != nil && !p.CompletedAt.IsZero()
	case FieldRefundedAt:
		return p.RefundedAt != nil && !p.RefundedAt.IsZero()
	}
	return false
}
