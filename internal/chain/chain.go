// Package chain adapts the on-chain escrow contract for the rest of the
// backend. The backend never signs or sends transactions: it prepares call
// data for clients to sign, and verifies the results they report back by
// reading receipts and event logs.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

var (
	ErrTxNotFound       = errors.New("transaction not found on chain")
	ErrTxReverted       = errors.New("transaction reverted")
	ErrEventMismatch    = errors.New("transaction did not emit the expected escrow event")
	ErrEventNotFound    = errors.New("no matching escrow event found in scanned range")
	ErrUnknownAction    = errors.New("unknown escrow action")
	ErrEscrowNotFunded  = errors.New("escrow is not funded on chain")
	ErrEscrowWrongBuyer = errors.New("escrow was funded by a different buyer")
)

// Escrow state enum, mirrored from the contract's getEscrow view.
const (
	EscrowStateNone     uint8 = iota // slot never created
	EscrowStateFunded                // buyer funds locked
	EscrowStateReleased              // paid out to seller
	EscrowStateRefunded              // returned to buyer
	EscrowStateDisputed              // frozen pending arbiter ruling
)

// Action is one of the three escrow contract mutations the backend brokers.
type Action string

const (
	ActionConfirm Action = "confirm"
	ActionDispute Action = "dispute"
	ActionResolve Action = "resolve"
)

// Valid reports whether a is a recognized action.
func (a Action) Valid() bool {
	switch a {
	case ActionConfirm, ActionDispute, ActionResolve:
		return true
	}
	return false
}

// Minimal ABI for the escrow contract surface the backend consumes.
const escrowABI = `[
	{"inputs":[{"name":"escrowId","type":"uint256"}],"name":"confirmReceived","outputs":[],"type":"function"},
	{"inputs":[{"name":"escrowId","type":"uint256"}],"name":"createDispute","outputs":[],"type":"function"},
	{"inputs":[{"name":"escrowId","type":"uint256"},{"name":"buyerWins","type":"bool"}],"name":"resolveDispute","outputs":[],"type":"function"},
	{"inputs":[{"name":"escrowId","type":"uint256"}],"name":"getEscrow","outputs":[{"name":"buyer","type":"address"},{"name":"seller","type":"address"},{"name":"amount","type":"uint256"},{"name":"state","type":"uint8"}],"type":"function"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"escrowId","type":"uint256"},{"indexed":true,"name":"caller","type":"address"}],"name":"ReceiptConfirmed","type":"event"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"escrowId","type":"uint256"},{"indexed":true,"name":"initiator","type":"address"}],"name":"DisputeOpened","type":"event"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"escrowId","type":"uint256"},{"indexed":false,"name":"buyerWins","type":"bool"}],"name":"DisputeResolved","type":"event"}
]`

// Event topic hashes, keyed by action.
var (
	receiptConfirmedSig = crypto.Keccak256Hash([]byte("ReceiptConfirmed(uint256,address)"))
	disputeOpenedSig    = crypto.Keccak256Hash([]byte("DisputeOpened(uint256,address)"))
	disputeResolvedSig  = crypto.Keccak256Hash([]byte("DisputeResolved(uint256,bool)"))
)

func (a Action) method() string {
	switch a {
	case ActionConfirm:
		return "confirmReceived"
	case ActionDispute:
		return "createDispute"
	case ActionResolve:
		return "resolveDispute"
	}
	return ""
}

func (a Action) eventSig() common.Hash {
	switch a {
	case ActionConfirm:
		return receiptConfirmedSig
	case ActionDispute:
		return disputeOpenedSig
	case ActionResolve:
		return disputeResolvedSig
	}
	return common.Hash{}
}

// DefaultGasLimit is used when estimation fails (e.g. the caller has not
// funded gas yet).
const DefaultGasLimit = uint64(150000)

// EthClient abstracts the go-ethereum client for testing.
type EthClient interface {
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// CallError wraps a chain interaction failure with its operation name.
type CallError struct {
	Op     string
	TxHash string
	Err    error
}

func (e *CallError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("chain %s (%s): %v", e.Op, e.TxHash, e.Err)
	}
	return fmt.Sprintf("chain %s: %v", e.Op, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

// Config for the escrow contract adapter.
type Config struct {
	RPCURL         string
	ChainID        int64
	EscrowContract string
}

// Adapter reads escrow contract state and validates callback reports.
type Adapter struct {
	client   EthClient
	contract common.Address
	chainID  *big.Int
	abi      abi.ABI
}

// Option customizes the adapter.
type Option func(*Adapter)

// WithClient injects an EthClient, typically a mock in tests.
func WithClient(client EthClient) Option {
	return func(a *Adapter) { a.client = client }
}

// New creates an escrow contract adapter. Dials the RPC endpoint unless a
// client is injected.
func New(cfg Config, opts ...Option) (*Adapter, error) {
	if cfg.EscrowContract == "" {
		return nil, errors.New("escrow contract address required")
	}

	parsedABI, err := abi.JSON(strings.NewReader(escrowABI))
	if err != nil {
		return nil, fmt.Errorf("parse escrow ABI: %w", err)
	}

	a := &Adapter{
		contract: common.HexToAddress(cfg.EscrowContract),
		chainID:  big.NewInt(cfg.ChainID),
		abi:      parsedABI,
	}
	for _, opt := range opts {
		opt(a)
	}

	if a.client == nil {
		if cfg.RPCURL == "" {
			return nil, errors.New("RPC URL required")
		}
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("connect to RPC: %w", err)
		}
		a.client = client
	}
	return a, nil
}

// Contract returns the escrow contract address.
func (a *Adapter) Contract() string {
	return a.contract.Hex()
}

// PreparedCall is everything a client needs to sign and submit an escrow
// contract call themselves.
type PreparedCall struct {
	To       string `json:"to"`
	Data     string `json:"data"`
	Value    string `json:"value"`
	GasLimit uint64 `json:"gasLimit"`
	GasPrice string `json:"gasPrice"`
	ChainID  int64  `json:"chainId"`
}

// Prepare builds unsigned call data for an escrow action. buyerWins is only
// consulted for ActionResolve.
func (a *Adapter) Prepare(ctx context.Context, action Action, escrowID int64, buyerWins bool) (*PreparedCall, error) {
	method := action.method()
	if method == "" {
		return nil, ErrUnknownAction
	}

	var data []byte
	var err error
	if action == ActionResolve {
		data, err = a.abi.Pack(method, big.NewInt(escrowID), buyerWins)
	} else {
		data, err = a.abi.Pack(method, big.NewInt(escrowID))
	}
	if err != nil {
		return nil, &CallError{Op: "pack", Err: err}
	}

	gasPrice, err := a.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, &CallError{Op: "gas_price", Err: err}
	}

	gasLimit, err := a.client.EstimateGas(ctx, ethereum.CallMsg{
		To:   &a.contract,
		Data: data,
	})
	if err != nil {
		gasLimit = DefaultGasLimit
	}

	return &PreparedCall{
		To:       a.contract.Hex(),
		Data:     "0x" + common.Bytes2Hex(data),
		Value:    "0",
		GasLimit: gasLimit,
		GasPrice: gasPrice.String(),
		ChainID:  a.chainID.Int64(),
	}, nil
}

// VerifyAction checks that txHash landed on chain, succeeded, and emitted
// the event matching action for escrowID from our contract. Distinguishes
// a missing receipt (retryable) from a reverted or mismatched transaction
// (permanent).
func (a *Adapter) VerifyAction(ctx context.Context, action Action, escrowID int64, txHash string) error {
	sig := action.eventSig()
	if sig == (common.Hash{}) {
		return ErrUnknownAction
	}

	receipt, err := a.client.TransactionReceipt(ctx, common.HexToHash(txHash))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return ErrTxNotFound
		}
		return &CallError{Op: "receipt", TxHash: txHash, Err: err}
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		return ErrTxReverted
	}

	want := common.BigToHash(big.NewInt(escrowID))
	for _, lg := range receipt.Logs {
		if lg.Address != a.contract {
			continue
		}
		if len(lg.Topics) < 2 || lg.Topics[0] != sig {
			continue
		}
		if lg.Topics[1] == want {
			return nil
		}
	}
	return ErrEventMismatch
}

// FindAction scans the log range [fromBlock, toBlock] for the event
// matching action and escrowID and returns the emitting transaction hash.
// toBlock == 0 means the latest block.
func (a *Adapter) FindAction(ctx context.Context, action Action, escrowID int64, fromBlock, toBlock uint64) (string, error) {
	sig := action.eventSig()
	if sig == (common.Hash{}) {
		return "", ErrUnknownAction
	}

	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		Addresses: []common.Address{a.contract},
		Topics: [][]common.Hash{
			{sig},
			{common.BigToHash(big.NewInt(escrowID))},
		},
	}
	if toBlock > 0 {
		query.ToBlock = new(big.Int).SetUint64(toBlock)
	}

	logs, err := a.client.FilterLogs(ctx, query)
	if err != nil {
		return "", &CallError{Op: "filter_logs", Err: err}
	}
	if len(logs) == 0 {
		return "", ErrEventNotFound
	}
	return logs[0].TxHash.Hex(), nil
}

// EscrowState mirrors the contract's getEscrow view.
type EscrowState struct {
	EscrowID int64  `json:"escrowId"`
	Buyer    string `json:"buyer"`
	Seller   string `json:"seller"`
	Amount   string `json:"amount"`
	State    uint8  `json:"state"`
}

// GetEscrow reads the current on-chain state of an escrow.
func (a *Adapter) GetEscrow(ctx context.Context, escrowID int64) (*EscrowState, error) {
	data, err := a.abi.Pack("getEscrow", big.NewInt(escrowID))
	if err != nil {
		return nil, &CallError{Op: "pack", Err: err}
	}

	result, err := a.client.CallContract(ctx, ethereum.CallMsg{
		To:   &a.contract,
		Data: data,
	}, nil)
	if err != nil {
		return nil, &CallError{Op: "call", Err: err}
	}

	out, err := a.abi.Unpack("getEscrow", result)
	if err != nil || len(out) != 4 {
		return nil, &CallError{Op: "unpack", Err: fmt.Errorf("malformed getEscrow response: %v", err)}
	}

	buyer, _ := out[0].(common.Address)
	seller, _ := out[1].(common.Address)
	amount, _ := out[2].(*big.Int)
	state, _ := out[3].(uint8)
	if amount == nil {
		amount = big.NewInt(0)
	}

	return &EscrowState{
		EscrowID: escrowID,
		Buyer:    buyer.Hex(),
		Seller:   seller.Hex(),
		Amount:   amount.String(),
		State:    state,
	}, nil
}

// VerifyFunding reads the escrow and confirms funds are locked by the
// expected buyer. The three brokered actions are verified by receipt;
// funding is client-initiated with no prepared intent, so the report is
// checked against contract state instead of a receipt the client hands us.
func (a *Adapter) VerifyFunding(ctx context.Context, escrowID int64, buyerAddr string) error {
	st, err := a.GetEscrow(ctx, escrowID)
	if err != nil {
		return err
	}
	if st.State != EscrowStateFunded {
		return fmt.Errorf("%w: escrow %d in state %d", ErrEscrowNotFunded, escrowID, st.State)
	}
	if !strings.EqualFold(st.Buyer, buyerAddr) {
		return fmt.Errorf("%w: escrow %d funded by %s", ErrEscrowWrongBuyer, escrowID, st.Buyer)
	}
	return nil
}

// BlockNumber returns the latest chain head, used by reconciliation to
// bound its log scans.
func (a *Adapter) BlockNumber(ctx context.Context) (uint64, error) {
	return a.client.BlockNumber(ctx)
}
