package nonce

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"htlcsolver/services/solverd/chain"
	"htlcsolver/services/solverd/storage"
)

type pendingAdapter struct {
	chain.Adapter
	mu      sync.Mutex
	pending uint64
}

func (p *pendingAdapter) Network() string { return "sepolia" }

func (p *pendingAdapter) GetNextNonce(context.Context, string) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending, nil
}

func (p *pendingAdapter) set(n uint64) {
	p.mu.Lock()
	p.pending = n
	p.mu.Unlock()
}

type memoryStore struct {
	mu    sync.Mutex
	value map[string]uint64
	saves []uint64
}

func (m *memoryStore) GetNonceReservation(_ context.Context, network, address string) (uint64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.value[network+"/"+address]
	return v, ok, nil
}

func (m *memoryStore) SaveNonceReservation(_ context.Context, network, address string, nonce uint64, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.value == nil {
		m.value = make(map[string]uint64)
	}
	m.value[network+"/"+address] = nonce
	m.saves = append(m.saves, nonce)
	return nil
}

var errHeld = errors.New("held")

type memoryLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func (l *memoryLocker) TryAcquireLease(_ context.Context, key string, _ time.Duration) (func(context.Context) error, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held == nil {
		l.held = make(map[string]bool)
	}
	if l.held[key] {
		return nil, errHeld
	}
	l.held[key] = true
	return func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, key)
		return nil
	}, nil
}

type refusingLocker struct{}

func (refusingLocker) TryAcquireLease(context.Context, string, time.Duration) (func(context.Context) error, error) {
	return nil, errHeld
}

func TestConcurrentReservationsAreDistinctAndIncreasing(t *testing.T) {
	adapter := &pendingAdapter{pending: 5}
	store := &memoryStore{}
	svc := New(store, &memoryLocker{}, chain.NewRegistry(adapter), WithLease(time.Second, 5*time.Second, time.Millisecond))

	const callers = 20
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results []uint64
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := svc.Reserve(context.Background(), "sepolia", "0xAbC")
			if err != nil {
				t.Errorf("reserve: %v", err)
				return
			}
			mu.Lock()
			results = append(results, n)
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, results, callers)
	sort.Slice(results, func(i, j int) bool { return results[i] < results[j] })
	for i, n := range results {
		require.EqualValues(t, 5+i, n)
	}
	for i := 1; i < len(store.saves); i++ {
		require.Greater(t, store.saves[i], store.saves[i-1], "issuance order must be strictly increasing")
	}
}

func TestReserveAdoptsChainNonceWhenAhead(t *testing.T) {
	adapter := &pendingAdapter{pending: 3}
	store := &memoryStore{}
	svc := New(store, &memoryLocker{}, chain.NewRegistry(adapter))
	ctx := context.Background()

	first, err := svc.Reserve(ctx, "sepolia", "0xabc")
	require.NoError(t, err)
	require.EqualValues(t, 3, first)
	second, err := svc.Reserve(ctx, "sepolia", "0xabc")
	require.NoError(t, err)
	require.EqualValues(t, 4, second)

	adapter.set(10)
	third, err := svc.Reserve(ctx, "sepolia", "0xabc")
	require.NoError(t, err)
	require.EqualValues(t, 10, third)
}

func TestReserveReturnsLockUnavailable(t *testing.T) {
	svc := New(&memoryStore{}, refusingLocker{}, chain.NewRegistry(&pendingAdapter{}),
		WithLease(time.Second, 20*time.Millisecond, time.Millisecond))
	_, err := svc.Reserve(context.Background(), "sepolia", "0xabc")
	require.ErrorIs(t, err, ErrLockUnavailable)
}

func TestReserveUnknownNetwork(t *testing.T) {
	svc := New(&memoryStore{}, &memoryLocker{}, chain.NewRegistry())
	_, err := svc.Reserve(context.Background(), "mainnet", "0xabc")
	require.ErrorIs(t, err, chain.ErrUnknownNetwork)
}

func TestReserveWithPersistentStore(t *testing.T) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	store, err := storage.Open("sqlite", dsn)
	require.NoError(t, err)
	require.NoError(t, store.Migrate())
	t.Cleanup(func() { _ = store.Close() })

	adapter := &pendingAdapter{pending: 0}
	svc := New(store, store, chain.NewRegistry(adapter), WithTTL(time.Hour))
	ctx := context.Background()
	for want := uint64(0); want < 3; want++ {
		got, err := svc.Reserve(ctx, "sepolia", "0xabc")
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	cached, ok, err := store.GetNonceReservation(ctx, "sepolia", "0xabc")
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 2, cached)
}
