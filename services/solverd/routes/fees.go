package routes

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"htlcsolver/services/solverd/chain"
	"htlcsolver/services/solverd/storage"
)

// ErrPriceUnavailable is returned when a fee cannot be converted because a token has no
// positive USD price.
var ErrPriceUnavailable = errors.New("routes: token price unavailable")

// ExpenseStore persists rolling fee averages.
type ExpenseStore interface {
	GetToken(ctx context.Context, network, symbol string) (*storage.Token, error)
	UpdateFeeExpense(ctx context.Context, paidToken, feeToken, txType string, fn func(avg decimal.Decimal, samples int64) decimal.Decimal) (*storage.FeeExpense, error)
}

// FeeTracker maintains an exponential moving average of fees paid per
// (paid token, fee token, transaction type), expressed in the paid token.
type FeeTracker struct {
	store  ExpenseStore
	weight decimal.Decimal
}

// FeeTrackerOption customises the tracker.
type FeeTrackerOption func(*FeeTracker)

// WithSmoothing sets the weight of the newest sample, in (0, 1].
func WithSmoothing(weight float64) FeeTrackerOption {
	return func(t *FeeTracker) {
		if weight > 0 && weight <= 1 {
			t.weight = decimal.NewFromFloat(weight)
		}
	}
}

// NewFeeTracker constructs a tracker with a default smoothing weight of 0.2.
func NewFeeTracker(store ExpenseStore, opts ...FeeTrackerOption) *FeeTracker {
	t := &FeeTracker{store: store, weight: decimal.RequireFromString("0.2")}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Record folds a fee paid in feeToken on network into the average for paidToken.
func (t *FeeTracker) Record(ctx context.Context, network, paidToken, feeToken string, txType chain.TransactionType, amount decimal.Decimal) error {
	paidToken = strings.ToUpper(strings.TrimSpace(paidToken))
	feeToken = strings.ToUpper(strings.TrimSpace(feeToken))
	if paidToken == "" || feeToken == "" || amount.IsNegative() {
		return fmt.Errorf("routes: invalid fee sample")
	}
	converted := amount
	if paidToken != feeToken {
		var err error
		converted, err = t.convert(ctx, network, feeToken, paidToken, amount)
		if err != nil {
			return err
		}
	}
	_, err := t.store.UpdateFeeExpense(ctx, paidToken, feeToken, string(txType), func(avg decimal.Decimal, samples int64) decimal.Decimal {
		if samples == 0 {
			return converted
		}
		return avg.Add(converted.Sub(avg).Mul(t.weight))
	})
	return err
}

func (t *FeeTracker) convert(ctx context.Context, network, from, to string, amount decimal.Decimal) (decimal.Decimal, error) {
	src, err := t.store.GetToken(ctx, network, from)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s/%s: %v", ErrPriceUnavailable, network, from, err)
	}
	dst, err := t.store.GetToken(ctx, network, to)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s/%s: %v", ErrPriceUnavailable, network, to, err)
	}
	if !src.PriceUSD.IsPositive() || !dst.PriceUSD.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s->%s", ErrPriceUnavailable, from, to)
	}
	return amount.Mul(src.PriceUSD).Div(dst.PriceUSD).Round(dst.Decimals), nil
}
