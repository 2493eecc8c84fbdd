package main

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"htlcsolver/services/solverd/config"
	"htlcsolver/services/solverd/scanner"
	"htlcsolver/services/solverd/storage"
)

func TestCatalogFromConfigAddsNativeToken(t *testing.T) {
	inactive := false
	cfg := config.Config{
		Networks: []config.Network{
			{Name: "sepolia", Type: "evm", NativeToken: "eth", SolverAddress: "0xsrc", Scan: true,
				Tokens: []config.Token{{Symbol: "usdc", Contract: "0xa0", Decimals: 6, PriceUSD: decimal.NewFromInt(1)}}},
			{Name: "base", Type: "evm", NativeToken: "ETH",
				Tokens: []config.Token{{Symbol: "ETH", Decimals: 18, PriceUSD: decimal.NewFromInt(3000)}}},
		},
		Routes: []config.Route{
			{SourceNetwork: "sepolia", SourceToken: "USDC", DestinationNetwork: "base", DestinationToken: "ETH", ServiceFeeBps: 25},
			{SourceNetwork: "base", SourceToken: "ETH", DestinationNetwork: "sepolia", DestinationToken: "USDC", Active: &inactive},
		},
	}

	catalog := catalogFromConfig(cfg)
	require.Len(t, catalog.Networks, 2)
	require.Equal(t, "ETH", catalog.Networks[0].NativeToken)
	require.True(t, catalog.Networks[0].Scan)

	symbols := map[string]bool{}
	for _, tok := range catalog.Tokens {
		symbols[tok.Network+"/"+tok.Symbol] = true
	}
	require.Equal(t, map[string]bool{"sepolia/USDC": true, "sepolia/ETH": true, "base/ETH": true}, symbols)

	require.Len(t, catalog.Routes, 2)
	require.True(t, catalog.Routes[0].Active)
	require.False(t, catalog.Routes[1].Active)
	require.EqualValues(t, 25, catalog.Routes[0].ServiceFeeBps)
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestSyncScannersLogsStoreErrors(t *testing.T) {
	store, err := storage.Open("sqlite", fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	require.NoError(t, err)
	require.NoError(t, store.Close())

	out := &syncBuffer{}
	logger := slog.New(slog.NewJSONHandler(out, nil))
	scanners := scanner.NewManager(func(string) (*scanner.Scanner, error) {
		return nil, fmt.Errorf("unexpected scanner start")
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		syncScanners(ctx, store, scanners, time.Millisecond, logger)
	}()
	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), `"msg":"sync scanners"`)
	}, 5*time.Second, 2*time.Millisecond)
	cancel()
	<-done
	require.Contains(t, out.String(), `"level":"ERROR"`)
}
