package evm

import (
	"context"
	"errors"
	"strings"

	"htlcsolver/services/solverd/chain"
)

// errorPatterns maps node and revert messages onto the closed set of chain error kinds.
// Matching raw text happens only here, at the adapter boundary.
var errorPatterns = []struct {
	kind     chain.ErrorKind
	patterns []string
}{
	// the chain clock lags the local one, a refund retried later succeeds
	{chain.KindTransient, []string{"notpassedtimelock", "timelock not passed"}},
	{chain.KindInsufficientFunds, []string{"insufficient funds", "insufficient balance", "transfer amount exceeds balance"}},
	{chain.KindAlreadyKnown, []string{"already known", "known transaction", "already imported"}},
	{chain.KindUnderpriced, []string{"replacement transaction underpriced", "transaction underpriced", "fee too low"}},
	{chain.KindNonceTooLow, []string{"nonce too low", "nonce has already been used"}},
	{chain.KindInvalidTimelock, []string{"invalidtimelock", "invalid timelock", "notfuturetimelock"}},
	{chain.KindHashlockAlreadySet, []string{"hashlockalreadyset", "hashlock already set"}},
	{chain.KindHTLCAlreadyExists, []string{"htlcalreadyexists", "contractalreadyexist", "swap already exists"}},
	{chain.KindAlreadyClaimed, []string{"alreadyclaimed", "already claimed", "alreadyredeemed", "alreadyrefunded"}},
	{chain.KindInvalidRequest, []string{"invalid signature", "invalidsignature", "hashlocknotmatch", "fundsnotsent", "noallowance"}},
}

// classify wraps err into a *chain.Error for the given operation.
func classify(network, op string, err error) error {
	if err == nil {
		return nil
	}
	var existing *chain.Error
	if errors.As(err, &existing) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return chain.NewError(chain.KindTransient, network, op, err)
	}
	msg := strings.ToLower(err.Error())
	msg = strings.ReplaceAll(msg, "_", "")
	for _, entry := range errorPatterns {
		for _, p := range entry.patterns {
			if strings.Contains(msg, p) {
				return chain.NewError(entry.kind, network, op, err)
			}
		}
	}
	if strings.Contains(msg, "execution reverted") || strings.Contains(msg, "revert") {
		return chain.NewError(chain.KindReverted, network, op, err)
	}
	return chain.NewError(chain.KindTransient, network, op, err)
}
