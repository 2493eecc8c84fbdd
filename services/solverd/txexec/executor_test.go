package txexec

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"htlcsolver/services/solverd/chain"
	"htlcsolver/services/solverd/nonce"
	"htlcsolver/services/solverd/storage"
)

const network = "sepolia"

type fakeAdapter struct {
	chain.Adapter

	mu         sync.Mutex
	publishErr []error
	published  []uint64
	known      map[string]bool
	statuses   map[string]chain.TxState
	estimates  int
	// drop silently loses this many accepted publishes
	drop int
}

func (f *fakeAdapter) Network() string { return network }

func (f *fakeAdapter) BuildTransaction(_ context.Context, txType chain.TransactionType, from string, args chain.TxArgs) (chain.PreparedTransaction, error) {
	if args.Asset == "BAD" {
		return chain.PreparedTransaction{}, chain.NewError(chain.KindInvalidRequest, network, "build", errors.New("unknown asset"))
	}
	return chain.PreparedTransaction{Network: network, Type: txType, From: from, Asset: args.Asset, Amount: args.Amount}, nil
}

func (f *fakeAdapter) EstimateFee(context.Context, chain.PreparedTransaction) (chain.Fee, error) {
	f.mu.Lock()
	f.estimates++
	f.mu.Unlock()
	return chain.Fee{Asset: "ETH", Amount: decimal.RequireFromString("0.001"), GasLimit: 21000}, nil
}

func (f *fakeAdapter) ComposeSignedTransaction(_ context.Context, _ chain.PreparedTransaction, _ chain.Fee, n uint64) (chain.SignedTransaction, error) {
	return chain.SignedTransaction{Network: network, Hash: hashFor(n), Nonce: n}, nil
}

func (f *fakeAdapter) PublishRawTransaction(_ context.Context, tx chain.SignedTransaction) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, tx.Nonce)
	if len(f.publishErr) > 0 {
		err := f.publishErr[0]
		if len(f.publishErr) > 1 {
			f.publishErr = f.publishErr[1:]
		}
		if err != nil {
			return "", err
		}
	}
	if f.drop > 0 {
		f.drop--
		return tx.Hash, nil
	}
	if f.known == nil {
		f.known = make(map[string]bool)
	}
	f.known[tx.Hash] = true
	return tx.Hash, nil
}

func (f *fakeAdapter) GetTransactionStatus(_ context.Context, hash string) (chain.TxStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if state, ok := f.statuses[hash]; ok {
		return chain.TxStatus{Hash: hash, State: state, FeeAsset: "ETH", FeeAmount: decimal.RequireFromString("0.0008")}, nil
	}
	if !f.known[hash] {
		return chain.TxStatus{Hash: hash, State: chain.TxStateNotFound}, nil
	}
	return chain.TxStatus{Hash: hash, State: chain.TxStateConfirmed, Confirmations: 1, FeeAsset: "ETH", FeeAmount: decimal.RequireFromString("0.0008")}, nil
}

// GetNextNonce reports how many transactions landed.
func (f *fakeAdapter) GetNextNonce(context.Context, string) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return uint64(len(f.known)), nil
}

func (f *fakeAdapter) publishCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

func hashFor(n uint64) string { return fmt.Sprintf("0x%064x", n+1) }

type counterNonces struct {
	mu       sync.Mutex
	next     uint64
	failures int
}

func (c *counterNonces) Reserve(context.Context, string, string) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failures > 0 {
		c.failures--
		return 0, fmt.Errorf("%w: busy", nonce.ErrLockUnavailable)
	}
	n := c.next
	c.next++
	return n, nil
}

type recordedFee struct {
	paid, fee string
	txType    chain.TransactionType
	amount    decimal.Decimal
}

type fakeFees struct {
	mu      sync.Mutex
	records []recordedFee
}

func (f *fakeFees) Record(_ context.Context, _ string, paid, fee string, txType chain.TransactionType, amount decimal.Decimal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, recordedFee{paid: paid, fee: fee, txType: txType, amount: amount})
	return nil
}

func openStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.Open("sqlite", fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := store.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newExecutor(adapter *fakeAdapter, nonces Nonces, opts ...Option) *Executor {
	base := []Option{
		WithBackoff(time.Millisecond, 5*time.Millisecond),
		WithConfirmation(time.Millisecond, 20*time.Millisecond),
		WithMaxAttempts(3),
	}
	return New(chain.NewRegistry(adapter), nonces, append(base, opts...)...)
}

func lockRequest() Request {
	return Request{
		CommitID: "0xcommit",
		Network:  "Sepolia",
		Type:     chain.TxHTLCLock,
		From:     "0xsolver",
		Args:     chain.TxArgs{CommitID: "0xcommit", Asset: "USDC", Amount: decimal.NewFromInt(10)},
	}
}

func TestExecuteConfirmsAndRecords(t *testing.T) {
	store := openStore(t)
	fees := &fakeFees{}
	adapter := &fakeAdapter{}
	exec := newExecutor(adapter, &counterNonces{next: 7}, WithRecorder(store), WithFeeTracker(fees))

	res, err := exec.Execute(context.Background(), lockRequest())
	require.NoError(t, err)
	require.Equal(t, hashFor(7), res.Hash)
	require.EqualValues(t, 7, res.Nonce)
	require.Equal(t, 1, res.Attempts)
	require.Equal(t, chain.TxStateConfirmed, res.Status.State)

	row, err := store.GetSwapTransaction(context.Background(), network, res.Hash)
	require.NoError(t, err)
	require.Equal(t, storage.SwapTxCompleted, row.Status)
	require.Equal(t, "0xcommit", row.CommitID)
	require.True(t, row.FeeAmount.Equal(decimal.RequireFromString("0.0008")))

	require.Len(t, fees.records, 1)
	require.Equal(t, "USDC", fees.records[0].paid)
	require.Equal(t, "ETH", fees.records[0].fee)
	require.Equal(t, chain.TxHTLCLock, fees.records[0].txType)
}

func TestExecuteSkipsEstimateWhenFeeGiven(t *testing.T) {
	adapter := &fakeAdapter{}
	req := lockRequest()
	req.Fee = &chain.Fee{Asset: "ETH", Amount: decimal.RequireFromString("0.002")}
	res, err := newExecutor(adapter, &counterNonces{}).Execute(context.Background(), req)
	require.NoError(t, err)
	require.Zero(t, adapter.estimates)
	require.True(t, res.Fee.Amount.Equal(decimal.RequireFromString("0.002")))
}

func TestCollisionIsSuccessWithLocalHash(t *testing.T) {
	for _, kind := range []chain.ErrorKind{chain.KindAlreadyKnown, chain.KindUnderpriced} {
		t.Run(kind.String(), func(t *testing.T) {
			adapter := &fakeAdapter{
				publishErr: []error{chain.NewError(kind, network, "publish", errors.New("dup"))},
				// the node already holds the transaction
				known: map[string]bool{hashFor(0): true},
			}
			res, err := newExecutor(adapter, &counterNonces{}).Execute(context.Background(), lockRequest())
			require.NoError(t, err)
			require.Equal(t, hashFor(0), res.Hash)
			require.Equal(t, 1, adapter.publishCount())
		})
	}
}

func TestNonceTooLowKnownHashIsSuccess(t *testing.T) {
	adapter := &fakeAdapter{
		publishErr: []error{chain.NewError(chain.KindNonceTooLow, network, "publish", errors.New("nonce too low"))},
		known:      map[string]bool{hashFor(0): true},
	}
	res, err := newExecutor(adapter, &counterNonces{}).Execute(context.Background(), lockRequest())
	require.NoError(t, err)
	require.Equal(t, hashFor(0), res.Hash)
	require.Equal(t, 1, adapter.publishCount())
}

func TestNonceTooLowUnknownHashReprepares(t *testing.T) {
	adapter := &fakeAdapter{
		publishErr: []error{chain.NewError(chain.KindNonceTooLow, network, "publish", errors.New("nonce too low")), nil},
	}
	res, err := newExecutor(adapter, &counterNonces{}).Execute(context.Background(), lockRequest())
	require.NoError(t, err)
	require.Equal(t, []uint64{0, 1}, adapter.published)
	require.EqualValues(t, 1, res.Nonce)
	require.Equal(t, hashFor(1), res.Hash)
}

func TestTerminalErrorsAreNotRetried(t *testing.T) {
	kinds := []chain.ErrorKind{
		chain.KindInvalidTimelock,
		chain.KindHashlockAlreadySet,
		chain.KindHTLCAlreadyExists,
		chain.KindAlreadyClaimed,
		chain.KindReverted,
	}
	for _, kind := range kinds {
		t.Run(kind.String(), func(t *testing.T) {
			adapter := &fakeAdapter{publishErr: []error{chain.NewError(kind, network, "publish", nil)}}
			_, err := newExecutor(adapter, &counterNonces{}).Execute(context.Background(), lockRequest())
			require.ErrorIs(t, err, ErrNonRetryable)
			require.Equal(t, kind, chain.KindOf(err))
			require.Equal(t, 1, adapter.publishCount())
		})
	}
}

func TestInvalidRequestFromBuildIsTerminal(t *testing.T) {
	req := lockRequest()
	req.Args.Asset = "BAD"
	adapter := &fakeAdapter{}
	_, err := newExecutor(adapter, &counterNonces{}).Execute(context.Background(), req)
	require.ErrorIs(t, err, ErrNonRetryable)
	require.Zero(t, adapter.publishCount())
}

func TestTransientErrorsExhaustAttempts(t *testing.T) {
	adapter := &fakeAdapter{publishErr: []error{errors.New("connection reset")}}
	_, err := newExecutor(adapter, &counterNonces{}).Execute(context.Background(), lockRequest())
	require.ErrorIs(t, err, ErrAttemptsExhausted)
	require.NotErrorIs(t, err, ErrNonRetryable)
	require.Equal(t, 3, adapter.publishCount())
}

func TestLockContentionDoesNotConsumeAttempts(t *testing.T) {
	adapter := &fakeAdapter{}
	nonces := &counterNonces{failures: 4}
	res, err := newExecutor(adapter, nonces, WithMaxAttempts(1)).Execute(context.Background(), lockRequest())
	require.NoError(t, err)
	require.Equal(t, 1, res.Attempts)
}

func TestInsufficientFundsRetriesUntilDeadline(t *testing.T) {
	adapter := &fakeAdapter{publishErr: []error{chain.NewError(chain.KindInsufficientFunds, network, "publish", nil)}}
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	_, err := newExecutor(adapter, &counterNonces{}, WithMaxAttempts(1)).Execute(ctx, lockRequest())
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Greater(t, adapter.publishCount(), 1)
}

func TestFailedOnChainIsTerminalAndRecorded(t *testing.T) {
	store := openStore(t)
	adapter := &fakeAdapter{statuses: map[string]chain.TxState{hashFor(0): chain.TxStateFailed}}
	_, err := newExecutor(adapter, &counterNonces{}, WithRecorder(store)).Execute(context.Background(), lockRequest())
	require.ErrorIs(t, err, ErrNonRetryable)
	require.Equal(t, chain.KindReverted, chain.KindOf(err))

	row, err := store.GetSwapTransaction(context.Background(), network, hashFor(0))
	require.NoError(t, err)
	require.Equal(t, storage.SwapTxFailed, row.Status)
}

func TestDroppedTransactionIsResignedOnSameNonce(t *testing.T) {
	adapter := &fakeAdapter{drop: 1}
	nonces := &counterNonces{}
	res, err := newExecutor(adapter, nonces).Execute(context.Background(), lockRequest())
	require.NoError(t, err)
	require.Equal(t, hashFor(0), res.Hash)
	require.Equal(t, 2, res.Attempts)
	require.Equal(t, []uint64{0, 0}, adapter.published)
	require.Equal(t, 2, adapter.estimates)
	require.EqualValues(t, 1, nonces.next)
}

func TestTransientPublishErrorKeepsReservedNonce(t *testing.T) {
	store := openStore(t)
	adapter := &fakeAdapter{publishErr: []error{errors.New("connection reset"), nil}}
	registry := chain.NewRegistry(adapter)
	nonces := nonce.New(store, store, registry)
	exec := New(registry, nonces,
		WithBackoff(time.Millisecond, 5*time.Millisecond),
		WithConfirmation(time.Millisecond, 20*time.Millisecond),
		WithMaxAttempts(3),
	)

	res, err := exec.Execute(context.Background(), lockRequest())
	require.NoError(t, err)
	require.EqualValues(t, 0, res.Nonce)
	require.Equal(t, []uint64{0, 0}, adapter.published)
	require.Equal(t, 1, adapter.estimates)

	pending, err := adapter.GetNextNonce(context.Background(), "0xsolver")
	require.NoError(t, err)
	require.EqualValues(t, 1, pending)

	next, err := exec.Execute(context.Background(), lockRequest())
	require.NoError(t, err)
	require.EqualValues(t, 1, next.Nonce)
}

func TestRejectsMalformedRequest(t *testing.T) {
	_, err := newExecutor(&fakeAdapter{}, &counterNonces{}).Execute(context.Background(), Request{Network: network, Type: "Bogus", From: "0x1"})
	require.ErrorIs(t, err, ErrNonRetryable)

	_, err = newExecutor(&fakeAdapter{}, &counterNonces{}).Execute(context.Background(), Request{Network: "mainnet", Type: chain.TxTransfer, From: "0x1"})
	require.ErrorIs(t, err, ErrNonRetryable)
}
