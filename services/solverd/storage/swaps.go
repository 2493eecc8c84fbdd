package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CreateSwap inserts the swap unless a row for the commit id already exists, in which case the
// stored row is returned. A differing hashlock on the existing row is reported as
// ErrHashlockImmutable.
func (s *Store) CreateSwap(ctx context.Context, swap *Swap) (*Swap, error) {
	if swap == nil || strings.TrimSpace(swap.CommitID) == "" {
		return nil, fmt.Errorf("storage: swap commit id required")
	}
	if swap.CreatedAt.IsZero() {
		swap.CreatedAt = s.clock()
	}
	db := s.db.WithContext(ctx)
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(swap).Error; err != nil {
		return nil, fmt.Errorf("create swap: %w", err)
	}
	stored, err := s.GetSwap(ctx, swap.CommitID)
	if err != nil {
		return nil, err
	}
	if swap.Hashlock != "" && !strings.EqualFold(stored.Hashlock, swap.Hashlock) {
		return stored, ErrHashlockImmutable
	}
	return stored, nil
}

// GetSwap loads a swap by commit id.
func (s *Store) GetSwap(ctx context.Context, commitID string) (*Swap, error) {
	var swap Swap
	if err := s.db.WithContext(ctx).First(&swap, "commit_id = ?", commitID).Error; err != nil {
		return nil, notFound(err)
	}
	return &swap, nil
}

// CountSwaps returns the number of swaps persisted for a commit id.
func (s *Store) CountSwaps(ctx context.Context, commitID string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&Swap{}).Where("commit_id = ?", commitID).Count(&n).Error
	return n, err
}

// UpsertSwapTransaction records a transaction keyed by (hash, network). Republishing the same
// transaction updates the existing row.
func (s *Store) UpsertSwapTransaction(ctx context.Context, tx *SwapTransaction) error {
	if tx == nil || tx.TransactionHash == "" || tx.Network == "" {
		return fmt.Errorf("storage: transaction hash and network required")
	}
	tx.Network = normalise(tx.Network)
	tx.TransactionHash = strings.ToLower(tx.TransactionHash)
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	if tx.Timestamp.IsZero() {
		tx.Timestamp = s.clock()
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "network"}, {Name: "transaction_hash"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "confirmations", "fee_asset", "fee_amount", "timestamp", "updated_at"}),
	}).Create(tx).Error
	if err != nil {
		return fmt.Errorf("upsert swap transaction: %w", err)
	}
	return nil
}

// GetSwapTransaction loads a transaction by network and hash.
func (s *Store) GetSwapTransaction(ctx context.Context, network, hash string) (*SwapTransaction, error) {
	var tx SwapTransaction
	err := s.db.WithContext(ctx).
		First(&tx, "network = ? AND transaction_hash = ?", normalise(network), strings.ToLower(hash)).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &tx, nil
}

// ListSwapTransactions returns the transactions recorded for a swap in creation order.
func (s *Store) ListSwapTransactions(ctx context.Context, commitID string) ([]SwapTransaction, error) {
	var out []SwapTransaction
	err := s.db.WithContext(ctx).Where("commit_id = ?", commitID).Order("created_at, id").Find(&out).Error
	return out, err
}

// UpdateFeeExpense applies fn to the current average for the key inside a transaction and
// stores the result. The first sample sees a zero average and zero sample count.
func (s *Store) UpdateFeeExpense(ctx context.Context, paidToken, feeToken, txType string, fn func(avg decimal.Decimal, samples int64) decimal.Decimal) (*FeeExpense, error) {
	key := FeeExpense{
		PaidToken: strings.ToUpper(paidToken),
		FeeToken:  strings.ToUpper(feeToken),
		TxType:    txType,
	}
	var out FeeExpense
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current FeeExpense
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&current, "paid_token = ? AND fee_token = ? AND tx_type = ?", key.PaidToken, key.FeeToken, key.TxType).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			current = key
		case err != nil:
			return err
		}
		current.Average = fn(current.Average, current.Samples)
		current.Samples++
		current.UpdatedAt = s.clock()
		if err := tx.Save(&current).Error; err != nil {
			return err
		}
		out = current
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("update fee expense: %w", err)
	}
	return &out, nil
}

// GetFeeExpense loads the rolling average for a key.
func (s *Store) GetFeeExpense(ctx context.Context, paidToken, feeToken, txType string) (*FeeExpense, error) {
	var fe FeeExpense
	err := s.db.WithContext(ctx).
		First(&fe, "paid_token = ? AND fee_token = ? AND tx_type = ?", strings.ToUpper(paidToken), strings.ToUpper(feeToken), txType).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &fe, nil
}

// ListFeeExpenses returns all averages recorded for a paid token and transaction type.
func (s *Store) ListFeeExpenses(ctx context.Context, paidToken, txType string) ([]FeeExpense, error) {
	var out []FeeExpense
	err := s.db.WithContext(ctx).
		Where("paid_token = ? AND tx_type = ?", strings.ToUpper(paidToken), txType).
		Order("fee_token").Find(&out).Error
	return out, err
}
