package evm

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	gethtypes "github.com/ethereum/go-ethereum/core/types"
)

// Fee models selectable per network.
const (
	FeeModelLegacy  = "legacy"
	FeeModelEIP1559 = "eip1559"
)

// Fee param keys carried in chain.Fee.Params. Values are decimal wei strings.
const (
	paramGasPrice  = "gas_price"
	paramFeeCap    = "max_fee_per_gas"
	paramTipCap    = "max_priority_fee_per_gas"
	defaultTipWei  = 1_500_000_000
	gasBufferRatio = 120
)

// FeeStrategy prices gas for a network and turns a priced fee back into a transaction.
type FeeStrategy interface {
	Model() string
	// Price returns the fee params and the worst-case price per gas in wei.
	Price(ctx context.Context, c Client) (map[string]string, *big.Int, error)
	// NewTx assembles an unsigned transaction from previously priced params.
	NewTx(chainID *big.Int, nonce uint64, gasLimit uint64, params map[string]string, to txTarget) (*gethtypes.Transaction, error)
}

// NewFeeStrategy selects the strategy for a configured fee model.
func NewFeeStrategy(model string) (FeeStrategy, error) {
	switch strings.ToLower(strings.TrimSpace(model)) {
	case FeeModelLegacy:
		return legacyFees{}, nil
	case FeeModelEIP1559, "":
		return eip1559Fees{}, nil
	default:
		return nil, fmt.Errorf("evm: unsupported fee model %q", model)
	}
}

type legacyFees struct{}

func (legacyFees) Model() string { return FeeModelLegacy }

func (legacyFees) Price(ctx context.Context, c Client) (map[string]string, *big.Int, error) {
	price, err := c.SuggestGasPrice(ctx)
	if err != nil {
		return nil, nil, err
	}
	return map[string]string{paramGasPrice: price.String()}, price, nil
}

func (legacyFees) NewTx(chainID *big.Int, nonce uint64, gasLimit uint64, params map[string]string, to txTarget) (*gethtypes.Transaction, error) {
	price, err := bigParam(params, paramGasPrice)
	if err != nil {
		return nil, err
	}
	return gethtypes.NewTx(&gethtypes.LegacyTx{
		Nonce:    nonce,
		GasPrice: price,
		Gas:      gasLimit,
		To:       &to.address,
		Value:    to.value,
		Data:     to.data,
	}), nil
}

type eip1559Fees struct{}

func (eip1559Fees) Model() string { return FeeModelEIP1559 }

// Price uses fee cap = 2 × base fee + tip.
func (eip1559Fees) Price(ctx context.Context, c Client) (map[string]string, *big.Int, error) {
	head, err := c.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	if head == nil || head.BaseFee == nil {
		return nil, nil, fmt.Errorf("evm: latest header has no base fee")
	}
	tip, err := c.SuggestGasTipCap(ctx)
	if err != nil || tip == nil || tip.Sign() <= 0 {
		tip = big.NewInt(defaultTipWei)
	}
	feeCap := new(big.Int).Mul(head.BaseFee, big.NewInt(2))
	feeCap.Add(feeCap, tip)
	return map[string]string{paramFeeCap: feeCap.String(), paramTipCap: tip.String()}, feeCap, nil
}

func (eip1559Fees) NewTx(chainID *big.Int, nonce uint64, gasLimit uint64, params map[string]string, to txTarget) (*gethtypes.Transaction, error) {
	feeCap, err := bigParam(params, paramFeeCap)
	if err != nil {
		return nil, err
	}
	tip, err := bigParam(params, paramTipCap)
	if err != nil {
		return nil, err
	}
	return gethtypes.NewTx(&gethtypes.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gasLimit,
		To:        &to.address,
		Value:     to.value,
		Data:      to.data,
	}), nil
}

func bigParam(params map[string]string, key string) (*big.Int, error) {
	raw, ok := params[key]
	if !ok {
		return nil, fmt.Errorf("evm: fee param %s missing", key)
	}
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("evm: fee param %s invalid: %q", key, raw)
	}
	return v, nil
}

func bufferedGas(estimate uint64) uint64 {
	return estimate * gasBufferRatio / 100
}
