package chain

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/unicode/norm"
)

// TransactionType identifies the on-chain operation a transaction performs.
type TransactionType string

// Transaction types submitted by the solver.
const (
	TxTransfer       TransactionType = "Transfer"
	TxApprove        TransactionType = "Approve"
	TxHTLCCommit     TransactionType = "HTLCCommit"
	TxHTLCLock       TransactionType = "HTLCLock"
	TxHTLCRedeem     TransactionType = "HTLCRedeem"
	TxHTLCRefund     TransactionType = "HTLCRefund"
	TxHTLCAddLockSig TransactionType = "HTLCAddLockSig"
)

// Valid reports whether t is a known transaction type.
func (t TransactionType) Valid() bool {
	switch t {
	case TxTransfer, TxApprove, TxHTLCCommit, TxHTLCLock, TxHTLCRedeem, TxHTLCRefund, TxHTLCAddLockSig:
		return true
	}
	return false
}

// CommitEvent is a user commitment observed on the source chain.
type CommitEvent struct {
	CommitID           string          `json:"commit_id"`
	SourceNetwork      string          `json:"source_network"`
	SourceAsset        string          `json:"source_asset"`
	SourceAmount       decimal.Decimal `json:"source_amount"`
	SourceSender       string          `json:"source_sender"`
	SourceReceiver     string          `json:"source_receiver"`
	DestinationNetwork string          `json:"destination_network"`
	DestinationAsset   string          `json:"destination_asset"`
	DestinationAddress string          `json:"destination_address"`
	Timelock           int64           `json:"timelock"`
	TransactionHash    string          `json:"transaction_hash"`
	BlockNumber        uint64          `json:"block_number"`
}

// TimelockTime converts the unix timelock into a time.Time.
func (e CommitEvent) TimelockTime() time.Time {
	return time.Unix(e.Timelock, 0).UTC()
}

// LockEvent is a hashlock being attached to an existing commit on the source chain.
type LockEvent struct {
	CommitID        string `json:"commit_id"`
	Network         string `json:"network"`
	Hashlock        string `json:"hashlock"`
	Timelock        int64  `json:"timelock"`
	TransactionHash string `json:"transaction_hash"`
	BlockNumber     uint64 `json:"block_number"`
}

// TimelockTime converts the unix timelock into a time.Time.
func (e LockEvent) TimelockTime() time.Time {
	return time.Unix(e.Timelock, 0).UTC()
}

// Events groups the HTLC events found in a block range.
type Events struct {
	Commits []CommitEvent
	Locks   []LockEvent
}

// AddLockSignature authorises the solver to attach the hashlock to the user's commit.
type AddLockSignature struct {
	CommitID  string `json:"commit_id"`
	Network   string `json:"network"`
	Signer    string `json:"signer"`
	Hashlock  string `json:"hashlock"`
	Timelock  int64  `json:"timelock"`
	Signature string `json:"signature"`
}

// TimelockTime converts the unix timelock into a time.Time.
func (s AddLockSignature) TimelockTime() time.Time {
	return time.Unix(s.Timelock, 0).UTC()
}

// TxArgs carries the HTLC call arguments. Unused fields are ignored by the adapter.
type TxArgs struct {
	CommitID       string          `json:"commit_id,omitempty"`
	Asset          string          `json:"asset"`
	Amount         decimal.Decimal `json:"amount"`
	Receiver       string          `json:"receiver,omitempty"`
	Hashlock       string          `json:"hashlock,omitempty"`
	Secret         string          `json:"secret,omitempty"`
	Timelock       int64           `json:"timelock,omitempty"`
	RewardTimelock int64           `json:"reward_timelock,omitempty"`
	Reward         decimal.Decimal `json:"reward"`
	Signature      string          `json:"signature,omitempty"`
}

// Fee is an adapter-specific fee quote. Amount is denominated in Asset.
type Fee struct {
	Asset    string            `json:"asset"`
	Amount   decimal.Decimal   `json:"amount"`
	GasLimit uint64            `json:"gas_limit"`
	Model    string            `json:"model"`
	Params   map[string]string `json:"params,omitempty"`
}

// PreparedTransaction is an unsigned transaction produced by BuildTransaction.
type PreparedTransaction struct {
	Network  string          `json:"network"`
	Type     TransactionType `json:"type"`
	From     string          `json:"from"`
	To       string          `json:"to"`
	Value    decimal.Decimal `json:"value"`
	CallData []byte          `json:"call_data"`
	Asset    string          `json:"asset"`
	Amount   decimal.Decimal `json:"amount"`
}

// SignedTransaction is a raw transaction ready to publish with its locally computed hash.
type SignedTransaction struct {
	Network string `json:"network"`
	Hash    string `json:"hash"`
	Nonce   uint64 `json:"nonce"`
	Raw     []byte `json:"raw"`
}

// TxState describes the on-chain state of a published transaction.
type TxState string

// Known transaction states.
const (
	TxStatePending   TxState = "pending"
	TxStateConfirmed TxState = "confirmed"
	TxStateFailed    TxState = "failed"
	TxStateNotFound  TxState = "not_found"
)

// TxStatus is the confirmation view of a transaction.
type TxStatus struct {
	Hash          string          `json:"hash"`
	State         TxState         `json:"state"`
	Confirmations uint64          `json:"confirmations"`
	BlockNumber   uint64          `json:"block_number"`
	FeeAsset      string          `json:"fee_asset"`
	FeeAmount     decimal.Decimal `json:"fee_amount"`
	Timestamp     time.Time       `json:"timestamp"`
}

// Adapter is the per-chain-family boundary the core depends on. Implementations must
// classify failures into *Error values; the core never inspects raw error text.
type Adapter interface {
	Network() string
	GetBalance(ctx context.Context, address, asset string) (decimal.Decimal, error)
	EstimateFee(ctx context.Context, tx PreparedTransaction) (Fee, error)
	BuildTransaction(ctx context.Context, txType TransactionType, from string, args TxArgs) (PreparedTransaction, error)
	ComposeSignedTransaction(ctx context.Context, tx PreparedTransaction, fee Fee, nonce uint64) (SignedTransaction, error)
	PublishRawTransaction(ctx context.Context, tx SignedTransaction) (string, error)
	GetTransactionStatus(ctx context.Context, hash string) (TxStatus, error)
	GetEvents(ctx context.Context, fromBlock, toBlock uint64) (Events, error)
	GetLastConfirmedBlockNumber(ctx context.Context) (uint64, error)
	ValidateAddLockSignature(ctx context.Context, req AddLockSignature) (bool, error)
	GetNextNonce(ctx context.Context, address string) (uint64, error)
}

// NormalizeNetwork canonicalises a network name for map lookups and persistence. Names are
// NFKC-folded so that visually identical names from configuration and events compare equal.
func NormalizeNetwork(name string) string {
	return norm.NFKC.String(strings.ToLower(strings.TrimSpace(name)))
}
