package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/time/rate"

	"htlcsolver/services/solverd/chain"
	"htlcsolver/services/solverd/chain/evm"
	"htlcsolver/services/solverd/config"
	"htlcsolver/services/solverd/storage"
)

// catalogFromConfig converts the configured networks, tokens and routes into catalog rows. The
// native token of every network is always present.
func catalogFromConfig(cfg config.Config) storage.Catalog {
	var catalog storage.Catalog
	for _, n := range cfg.Networks {
		native := strings.ToUpper(strings.TrimSpace(n.NativeToken))
		catalog.Networks = append(catalog.Networks, storage.Network{
			Name:           n.Name,
			Type:           n.Type,
			ChainID:        n.ChainID,
			NativeToken:    native,
			SolverAddress:  n.SolverAddress,
			SignerAgentURL: n.SignerAgentURL,
			Scan:           n.Scan,
		})
		hasNative := false
		for _, t := range n.Tokens {
			symbol := strings.ToUpper(strings.TrimSpace(t.Symbol))
			if symbol == native {
				hasNative = true
			}
			catalog.Tokens = append(catalog.Tokens, storage.Token{
				Network:  n.Name,
				Symbol:   symbol,
				Contract: strings.TrimSpace(t.Contract),
				Decimals: t.Decimals,
				PriceUSD: t.PriceUSD,
			})
		}
		if !hasNative {
			catalog.Tokens = append(catalog.Tokens, storage.Token{Network: n.Name, Symbol: native, Decimals: 18})
		}
	}
	for _, r := range cfg.Routes {
		catalog.Routes = append(catalog.Routes, storage.Route{
			SourceNetwork:      r.SourceNetwork,
			SourceToken:        r.SourceToken,
			DestinationNetwork: r.DestinationNetwork,
			DestinationToken:   r.DestinationToken,
			MinAmount:          r.MinAmount,
			MaxAmount:          r.MaxAmount,
			Rate:               r.Rate,
			ServiceFeeBps:      r.ServiceFeeBps,
			Active:             r.IsActive(),
		})
	}
	return catalog
}

// buildRegistry dials every configured network and returns the adapter registry.
func buildRegistry(ctx context.Context, cfg config.Config, logger *slog.Logger) (*chain.Registry, error) {
	registry := chain.NewRegistry()
	for _, n := range cfg.Networks {
		if n.Type != "evm" {
			return nil, fmt.Errorf("network %s: unsupported type %q", n.Name, n.Type)
		}
		client, err := evm.Dial(ctx, n.RPC)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", n.Name, err)
		}
		rawKey, err := n.SignerKey()
		if err != nil {
			return nil, err
		}
		key, err := gethcrypto.HexToECDSA(strings.TrimPrefix(rawKey, "0x"))
		if err != nil {
			return nil, fmt.Errorf("network %s: parse signer key: %w", n.Name, err)
		}
		tokens := make([]evm.Token, 0, len(n.Tokens))
		for _, t := range n.Tokens {
			tokens = append(tokens, evm.Token{Symbol: t.Symbol, Contract: t.Contract, Decimals: t.Decimals})
		}
		adapter, err := evm.New(evm.Config{
			Network:        n.Name,
			ChainID:        n.ChainID,
			HTLCContract:   n.HTLCContract,
			Confirmations:  n.Confirmations,
			FeeModel:       n.FeeModel,
			GasLimit:       n.GasLimit,
			NativeToken:    n.NativeToken,
			Tokens:         tokens,
			RateLimit:      n.RateLimit,
			RequestTimeout: n.RequestTimeout.Duration,
		}, client,
			evm.WithSigner(key),
			evm.WithLimiter(rate.NewLimiter(rate.Limit(n.RateLimit), int(n.RateLimit)+1)),
		)
		if err != nil {
			return nil, err
		}
		if !strings.EqualFold(n.SolverAddress, adapter.SignerAddress()) {
			logger.Warn("solver address differs from signer key", "network", n.Name, "solver", n.SolverAddress, "signer", adapter.SignerAddress())
		}
		registry.Register(adapter)
		logger.Info("network adapter ready", "network", n.Name, "chain_id", n.ChainID, "scan", n.Scan)
	}
	return registry, nil
}
