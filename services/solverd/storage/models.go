package storage

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// SwapTxStatus tracks a SwapTransaction through confirmation.
type SwapTxStatus string

// Swap transaction statuses.
const (
	SwapTxInitiated SwapTxStatus = "Initiated"
	SwapTxCompleted SwapTxStatus = "Completed"
	SwapTxFailed    SwapTxStatus = "Failed"
)

// Network is the persisted metadata for a configured chain.
type Network struct {
	Name           string `gorm:"primaryKey;size:64"`
	Type           string `gorm:"size:16"`
	ChainID        int64
	NativeToken    string `gorm:"size:32"`
	SolverAddress  string `gorm:"size:128"`
	SignerAgentURL string `gorm:"size:255"`
	Scan           bool
	Active         bool `gorm:"index"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Token is an asset configured on a network.
type Token struct {
	ID        uint   `gorm:"primaryKey"`
	Network   string `gorm:"size:64;uniqueIndex:idx_tokens_network_symbol"`
	Symbol    string `gorm:"size:32;uniqueIndex:idx_tokens_network_symbol"`
	Contract  string `gorm:"size:128"`
	Decimals  int32
	PriceUSD  decimal.Decimal `gorm:"type:numeric"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Route is a supported swap direction with its source amount limits.
type Route struct {
	ID                 uint            `gorm:"primaryKey"`
	SourceNetwork      string          `gorm:"size:64;uniqueIndex:idx_routes_pair"`
	SourceToken        string          `gorm:"size:32;uniqueIndex:idx_routes_pair"`
	DestinationNetwork string          `gorm:"size:64;uniqueIndex:idx_routes_pair"`
	DestinationToken   string          `gorm:"size:32;uniqueIndex:idx_routes_pair"`
	MinAmount          decimal.Decimal `gorm:"type:numeric"`
	MaxAmount          decimal.Decimal `gorm:"type:numeric"`
	Rate               decimal.Decimal `gorm:"type:numeric"`
	ServiceFeeBps      int64
	Active             bool `gorm:"index"`
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Swap is one cross-chain swap keyed by the source commit id. Hashlock is written once at
// creation and never updated.
type Swap struct {
	CommitID           string          `gorm:"primaryKey;size:128"`
	SourceNetwork      string          `gorm:"size:64;index"`
	SourceToken        string          `gorm:"size:32"`
	SourceAddress      string          `gorm:"size:128"`
	SourceAmount       decimal.Decimal `gorm:"type:numeric"`
	DestinationNetwork string          `gorm:"size:64;index"`
	DestinationToken   string          `gorm:"size:32"`
	DestinationAddress string          `gorm:"size:128"`
	ReceiveAmount      decimal.Decimal `gorm:"type:numeric"`
	FeeAmount          decimal.Decimal `gorm:"type:numeric"`
	Hashlock           string          `gorm:"size:66;uniqueIndex"`
	CreatedAt          time.Time
}

// SwapTransaction is an on-chain transaction belonging to a swap. (TransactionHash, Network)
// is globally unique.
type SwapTransaction struct {
	ID              string       `gorm:"primaryKey;size:36"`
	CommitID        string       `gorm:"size:128;index"`
	Type            string       `gorm:"size:32;index"`
	Network         string       `gorm:"size:64;uniqueIndex:idx_swap_tx_hash_network"`
	TransactionHash string       `gorm:"size:128;uniqueIndex:idx_swap_tx_hash_network"`
	Status          SwapTxStatus `gorm:"size:16;index"`
	Confirmations   uint64
	FeeAsset        string          `gorm:"size:32"`
	FeeAmount       decimal.Decimal `gorm:"type:numeric"`
	Timestamp       time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// BlockScanCursor is the last fully processed block of a network.
type BlockScanCursor struct {
	Network   string `gorm:"primaryKey;size:64"`
	Block     uint64
	UpdatedAt time.Time
}

// NonceReservation caches the last nonce issued for a (network, address) pair.
type NonceReservation struct {
	Network   string `gorm:"primaryKey;size:64"`
	Address   string `gorm:"primaryKey;size:128"`
	Nonce     uint64
	ExpiresAt time.Time `gorm:"index"`
	UpdatedAt time.Time
}

// Lease is a short-lived named lock held by an owner token until it expires.
type Lease struct {
	Name      string `gorm:"primaryKey;size:255"`
	Owner     string `gorm:"size:36"`
	ExpiresAt time.Time
}

// Workflow is the persisted state of one swap coordinator.
type Workflow struct {
	CommitID   string `gorm:"primaryKey;size:128"`
	State      string `gorm:"size:32;index"`
	Commit     string `gorm:"type:text"`
	LockSignal string `gorm:"type:text"`
	AddLockSig string `gorm:"type:text"`
	// AddLockRejected holds the reason an add-lock signature was refused.
	AddLockRejected string `gorm:"size:512"`
	CancelRequested bool
	FailureReason   string `gorm:"size:512"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// WorkflowStep journals the output of a completed side-effecting step.
type WorkflowStep struct {
	ID        uint   `gorm:"primaryKey"`
	CommitID  string `gorm:"size:128;uniqueIndex:idx_workflow_steps_commit_step"`
	Step      string `gorm:"size:64;uniqueIndex:idx_workflow_steps_commit_step"`
	Output    string `gorm:"type:text"`
	CreatedAt time.Time
}

// FeeExpense is the rolling average fee paid for a transaction type, expressed in PaidToken.
type FeeExpense struct {
	PaidToken string          `gorm:"primaryKey;size:32"`
	FeeToken  string          `gorm:"primaryKey;size:32"`
	TxType    string          `gorm:"primaryKey;size:32"`
	Average   decimal.Decimal `gorm:"type:numeric"`
	Samples   int64
	UpdatedAt time.Time
}

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Network{},
		&Token{},
		&Route{},
		&Swap{},
		&SwapTransaction{},
		&BlockScanCursor{},
		&NonceReservation{},
		&Lease{},
		&Workflow{},
		&WorkflowStep{},
		&FeeExpense{},
	)
}
