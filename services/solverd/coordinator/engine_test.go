package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"htlcsolver/services/solverd/chain"
	"htlcsolver/services/solverd/htlc"
	"htlcsolver/services/solverd/routes"
	"htlcsolver/services/solverd/storage"
	"htlcsolver/services/solverd/txexec"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeExecutor struct {
	mu    sync.Mutex
	calls []txexec.Request
	// errs is keyed by "type@network"
	errs map[string]error
	// hold parks executions of a type until the channel is closed
	hold map[chain.TransactionType]chan struct{}
}

func (f *fakeExecutor) Execute(ctx context.Context, req txexec.Request) (*txexec.Result, error) {
	f.mu.Lock()
	gate := f.hold[req.Type]
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if err := f.errs[string(req.Type)+"@"+req.Network]; err != nil {
		return nil, err
	}
	return &txexec.Result{Network: req.Network, Hash: fmt.Sprintf("0x%04x", len(f.calls)), Attempts: 1}, nil
}

func (f *fakeExecutor) fail(txType chain.TransactionType, network string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.errs == nil {
		f.errs = make(map[string]error)
	}
	f.errs[string(txType)+"@"+network] = err
}

func (f *fakeExecutor) requests(txType chain.TransactionType) []txexec.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []txexec.Request
	for _, c := range f.calls {
		if c.Type == txType {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeExecutor) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type sigAdapter struct {
	chain.Adapter
	mu    sync.Mutex
	valid bool
}

func (a *sigAdapter) ValidateAddLockSignature(context.Context, chain.AddLockSignature) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.valid, nil
}

type adapterRegistry struct{ adapter *sigAdapter }

func (r adapterRegistry) Get(string) (chain.Adapter, error) { return r.adapter, nil }

// gatedRoutes holds limit queries until the gate is closed.
type gatedRoutes struct {
	Routes
	gate chan struct{}
}

func (g gatedRoutes) GetLimit(ctx context.Context, key routes.RouteKey) (routes.Limit, error) {
	select {
	case <-g.gate:
	case <-ctx.Done():
		return routes.Limit{}, ctx.Err()
	}
	return g.Routes.GetLimit(ctx, key)
}

type harness struct {
	t       *testing.T
	store   *storage.Store
	clock   *testClock
	exec    *fakeExecutor
	adapter *sigAdapter
	routes  Routes
	engine  *Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := &testClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	store, err := storage.Open("sqlite", filepath.Join(t.TempDir(), "solver.db"), storage.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := store.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	d := decimal.RequireFromString
	err = store.SeedCatalog(context.Background(), storage.Catalog{
		Networks: []storage.Network{
			{Name: "sepolia", Type: "evm", NativeToken: "ETH", SolverAddress: "0xsrc"},
			{Name: "base", Type: "evm", NativeToken: "ETH", SolverAddress: "0xdst"},
		},
		Tokens: []storage.Token{
			{Network: "sepolia", Symbol: "ETH", Decimals: 18, PriceUSD: d("3000")},
			{Network: "sepolia", Symbol: "USDC", Decimals: 6, PriceUSD: d("1")},
			{Network: "base", Symbol: "ETH", Decimals: 18, PriceUSD: d("3000")},
			{Network: "base", Symbol: "USDC", Decimals: 6, PriceUSD: d("1")},
		},
		Routes: []storage.Route{
			{SourceNetwork: "sepolia", SourceToken: "USDC", DestinationNetwork: "base", DestinationToken: "USDC",
				MinAmount: d("10"), MaxAmount: d("1000"), Rate: d("1"), ServiceFeeBps: 30, Active: true},
			{SourceNetwork: "sepolia", SourceToken: "ETH", DestinationNetwork: "base", DestinationToken: "ETH",
				MinAmount: d("0"), MaxAmount: d("10"), Rate: d("1"), ServiceFeeBps: 10000, Active: true},
		},
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	h := &harness{
		t:       t,
		store:   store,
		clock:   clock,
		exec:    &fakeExecutor{},
		adapter: &sigAdapter{valid: true},
		routes:  routes.New(store),
	}
	h.engine = h.newEngine()
	return h
}

func (h *harness) newEngine() *Engine {
	e := New(h.store, adapterRegistry{h.adapter}, h.exec, h.routes,
		WithClock(h.clock.Now),
		WithPollInterval(2*time.Millisecond),
		WithRetryInterval(time.Millisecond),
		WithStepPolicy(time.Second, 20*time.Millisecond),
		WithTxTimeout(time.Second),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	h.t.Cleanup(e.Shutdown)
	return e
}

func (h *harness) commit(id string) chain.CommitEvent {
	return chain.CommitEvent{
		CommitID:           id,
		SourceNetwork:      "sepolia",
		SourceAsset:        "USDC",
		SourceAmount:       decimal.NewFromInt(100),
		SourceSender:       "0xuser",
		DestinationNetwork: "base",
		DestinationAsset:   "USDC",
		DestinationAddress: "0xrecipient",
		Timelock:           h.clock.Now().Add(30 * time.Minute).Unix(),
		TransactionHash:    "0xc0",
	}
}

func (h *harness) waitState(id string, want State) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		wf, err := h.store.GetWorkflow(context.Background(), id)
		return err == nil && State(wf.State) == want
	}, 5*time.Second, 2*time.Millisecond, "workflow %s never reached %s", id, want)
}

func (h *harness) finish(id string) *storage.Workflow {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := h.engine.Wait(ctx, id); err != nil {
		h.t.Fatalf("wait %s: %v", id, err)
	}
	wf, err := h.engine.Status(ctx, id)
	require.NoError(h.t, err)
	return wf
}

func (h *harness) hashlock(id string) string {
	h.t.Helper()
	swap, err := h.store.GetSwap(context.Background(), id)
	require.NoError(h.t, err)
	return swap.Hashlock
}

func (h *harness) lock(id string) chain.LockEvent {
	return chain.LockEvent{
		CommitID:        id,
		Network:         "sepolia",
		Hashlock:        h.hashlock(id),
		Timelock:        h.clock.Now().Add(25 * time.Minute).Unix(),
		TransactionHash: "0x10c",
	}
}

func TestSwapCompletesAfterSourceLock(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	start := h.clock.Now()

	require.NoError(t, h.engine.Start(ctx, h.commit("c1")))
	h.waitState("c1", StateAwaitingSourceLock)

	hashlock := h.hashlock("c1")
	locks := h.exec.requests(chain.TxHTLCLock)
	require.Len(t, locks, 1)
	lock := locks[0]
	require.Equal(t, "base", lock.Network)
	require.Equal(t, "0xdst", lock.From)
	require.Equal(t, "0xsrc", lock.Args.Receiver)
	require.Equal(t, "99.7", lock.Args.Amount.String())
	require.Equal(t, hashlock, lock.Args.Hashlock)
	require.Equal(t, start.Add(90*time.Minute).Unix(), lock.Args.Timelock)
	require.Equal(t, start.Add(30*time.Minute).Unix(), lock.Args.RewardTimelock)

	require.NoError(t, h.engine.LockCommitted(ctx, h.lock("c1")))
	wf := h.finish("c1")
	require.Equal(t, string(StateCompleted), wf.State)

	redeems := h.exec.requests(chain.TxHTLCRedeem)
	require.Len(t, redeems, 2)
	networks := map[string]bool{}
	for _, r := range redeems {
		networks[r.Network] = true
		secret, err := htlc.ParseSecret(r.Args.Secret)
		require.NoError(t, err)
		require.Equal(t, hashlock, secret.Hashlock().Hex())
	}
	require.Equal(t, map[string]bool{"base": true, "sepolia": true}, networks)
	require.Empty(t, h.exec.requests(chain.TxHTLCRefund))
}

func TestStartIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ev := h.commit("c1")

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := h.engine.Start(ctx, ev); err != nil {
				t.Errorf("start: %v", err)
			}
		}()
	}
	wg.Wait()
	h.waitState("c1", StateAwaitingSourceLock)
	require.NoError(t, h.engine.LockCommitted(ctx, h.lock("c1")))
	require.Equal(t, string(StateCompleted), h.finish("c1").State)

	// replays of the commit event after completion change nothing
	require.NoError(t, h.engine.Start(ctx, ev))
	n, err := h.store.CountSwaps(ctx, "c1")
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
	require.Len(t, h.exec.requests(chain.TxHTLCLock), 1)
	require.Len(t, h.exec.requests(chain.TxHTLCRedeem), 2)
}

func TestLockCommittedSignals(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.ErrorIs(t, h.engine.LockCommitted(ctx, chain.LockEvent{CommitID: "missing"}), ErrUnknownSwap)

	release := make(chan struct{})
	h.exec.hold = map[chain.TransactionType]chan struct{}{chain.TxHTLCRedeem: release}
	require.NoError(t, h.engine.Start(ctx, h.commit("c1")))
	h.waitState("c1", StateAwaitingSourceLock)

	wrong := h.lock("c1")
	wrong.Network = "base"
	require.ErrorIs(t, h.engine.LockCommitted(ctx, wrong), ErrLockNetworkMismatch)

	require.NoError(t, h.engine.LockCommitted(ctx, h.lock("c1")))
	h.waitState("c1", StateRedeemingBoth)
	second := h.lock("c1")
	second.TransactionHash = "0x20c"
	require.NoError(t, h.engine.LockCommitted(ctx, second))
	close(release)
	require.Equal(t, string(StateCompleted), h.finish("c1").State)
	require.ErrorIs(t, h.engine.LockCommitted(ctx, h.lock("c1")), ErrSwapFinished)
	require.Len(t, h.exec.requests(chain.TxHTLCRedeem), 2)
}

func TestAdmissionFailures(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(h *harness, ev *chain.CommitEvent)
		reason string
	}{
		{
			name:   "timelock too far ahead",
			mutate: func(h *harness, ev *chain.CommitEvent) { ev.Timelock = h.clock.Now().Add(50 * time.Minute).Unix() },
			reason: "timelock longer than max acceptable",
		},
		{
			name:   "timelock too close",
			mutate: func(h *harness, ev *chain.CommitEvent) { ev.Timelock = h.clock.Now().Add(10 * time.Minute).Unix() },
			reason: "remaining timelock shorter than min acceptable",
		},
		{
			name:   "fee exceeds amount",
			mutate: func(_ *harness, ev *chain.CommitEvent) { ev.SourceAsset, ev.DestinationAsset, ev.SourceAmount = "ETH", "ETH", decimal.NewFromInt(1) },
			reason: "output amount less than fee",
		},
		{
			name:   "above limit",
			mutate: func(_ *harness, ev *chain.CommitEvent) { ev.SourceAmount = decimal.NewFromInt(5000) },
			reason: "amount above route limit",
		},
		{
			name:   "below limit",
			mutate: func(_ *harness, ev *chain.CommitEvent) { ev.SourceAmount = decimal.NewFromInt(1) },
			reason: "amount below route limit",
		},
		{
			name:   "route not found",
			mutate: func(_ *harness, ev *chain.CommitEvent) { ev.SourceNetwork, ev.DestinationNetwork = "base", "sepolia" },
			reason: "route not found",
		},
		{
			name:   "asset not configured",
			mutate: func(_ *harness, ev *chain.CommitEvent) { ev.DestinationAsset = "DAI" },
			reason: "asset not configured",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			ev := h.commit("c1")
			tc.mutate(h, &ev)
			require.NoError(t, h.engine.Start(context.Background(), ev))
			wf := h.finish("c1")
			require.Equal(t, string(StateFailed), wf.State)
			require.Contains(t, wf.FailureReason, tc.reason)
			require.Zero(t, h.exec.total(), "no transaction may be sent")
		})
	}
}

func TestRefundOnlyAfterLPTimelock(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.engine.Start(ctx, h.commit("c1")))
	h.waitState("c1", StateAwaitingSourceLock)

	h.clock.Advance(60 * time.Minute)
	time.Sleep(20 * time.Millisecond)
	wf, err := h.engine.Status(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, string(StateAwaitingSourceLock), wf.State)

	h.clock.Advance(31 * time.Minute)
	wf = h.finish("c1")
	require.Equal(t, string(StateRefunded), wf.State)
	require.Len(t, h.exec.requests(chain.TxHTLCRefund), 1)
	require.Empty(t, h.exec.requests(chain.TxHTLCRedeem))
}

func TestLateSourceLockRefunds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.engine.Start(ctx, h.commit("c1")))
	h.waitState("c1", StateAwaitingSourceLock)

	late := h.lock("c1")
	late.Timelock = h.clock.Now().Add(5 * time.Minute).Unix()
	require.NoError(t, h.engine.LockCommitted(ctx, late))
	h.waitState("c1", StateRefunding)

	time.Sleep(20 * time.Millisecond)
	require.Empty(t, h.exec.requests(chain.TxHTLCRefund), "refund before LP timelock")

	h.clock.Advance(91 * time.Minute)
	require.Equal(t, string(StateRefunded), h.finish("c1").State)
	require.Len(t, h.exec.requests(chain.TxHTLCRefund), 1)
	require.Empty(t, h.exec.requests(chain.TxHTLCRedeem))
}

func TestAddLockSignature(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.engine.Start(ctx, h.commit("c1")))
	h.waitState("c1", StateAwaitingSourceLock)

	sig := chain.AddLockSignature{
		CommitID:  "c1",
		Network:   "sepolia",
		Hashlock:  h.hashlock("c1"),
		Timelock:  h.clock.Now().Add(40 * time.Minute).Unix(),
		Signature: "0xsig",
	}
	wrongHash := sig
	wrongHash.Hashlock = "0x" + fmt.Sprintf("%064x", 7)
	ok, err := h.engine.SetAddLockSignature(ctx, wrongHash)
	require.NoError(t, err)
	require.False(t, ok)

	wrongNetwork := sig
	wrongNetwork.Network = "base"
	ok, err = h.engine.SetAddLockSignature(ctx, wrongNetwork)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = h.engine.SetAddLockSignature(ctx, sig)
	require.NoError(t, err)
	require.True(t, ok)
	_, err = h.engine.SetAddLockSignature(ctx, sig)
	require.ErrorIs(t, err, ErrSignatureAlreadyAccepted)

	require.Eventually(t, func() bool { return len(h.exec.requests(chain.TxHTLCAddLockSig)) == 1 }, 5*time.Second, 2*time.Millisecond)
	req := h.exec.requests(chain.TxHTLCAddLockSig)[0]
	require.Equal(t, "sepolia", req.Network)
	require.Equal(t, "0xsig", req.Args.Signature)
	require.Equal(t, sig.Timelock, req.Args.Timelock)

	require.NoError(t, h.engine.LockCommitted(ctx, h.lock("c1")))
	require.Equal(t, string(StateCompleted), h.finish("c1").State)
	require.Len(t, h.exec.requests(chain.TxHTLCAddLockSig), 1)
}

func TestShortAddLockTimelockRefunds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.engine.Start(ctx, h.commit("c1")))
	h.waitState("c1", StateAwaitingSourceLock)

	ok, err := h.engine.SetAddLockSignature(ctx, chain.AddLockSignature{
		CommitID:  "c1",
		Network:   "sepolia",
		Hashlock:  h.hashlock("c1"),
		Timelock:  h.clock.Now().Add(10 * time.Minute).Unix(),
		Signature: "0xsig",
	})
	require.NoError(t, err)
	require.False(t, ok, "10 minutes remaining is too short")
	h.waitState("c1", StateRefunding)

	// a source lock seen afterwards does not revive the swap
	require.NoError(t, h.engine.LockCommitted(ctx, h.lock("c1")))
	h.clock.Advance(91 * time.Minute)
	wf := h.finish("c1")
	require.Equal(t, string(StateRefunded), wf.State)
	require.Contains(t, wf.FailureReason, "invalid add-lock signature")
	require.Empty(t, h.exec.requests(chain.TxHTLCAddLockSig))
	require.Empty(t, h.exec.requests(chain.TxHTLCRedeem))
	require.Len(t, h.exec.requests(chain.TxHTLCRefund), 1)
}

func TestUnverifiedAddLockSignatureRefunds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.engine.Start(ctx, h.commit("c1")))
	h.waitState("c1", StateAwaitingSourceLock)

	h.adapter.mu.Lock()
	h.adapter.valid = false
	h.adapter.mu.Unlock()
	sig := chain.AddLockSignature{
		CommitID:  "c1",
		Hashlock:  h.hashlock("c1"),
		Timelock:  h.clock.Now().Add(40 * time.Minute).Unix(),
		Signature: "0xforged",
	}
	ok, err := h.engine.SetAddLockSignature(ctx, sig)
	require.NoError(t, err)
	require.False(t, ok)
	h.waitState("c1", StateRefunding)

	// later signatures are refused once one was rejected
	h.adapter.mu.Lock()
	h.adapter.valid = true
	h.adapter.mu.Unlock()
	ok, err = h.engine.SetAddLockSignature(ctx, sig)
	require.NoError(t, err)
	require.False(t, ok)

	h.clock.Advance(91 * time.Minute)
	wf := h.finish("c1")
	require.Equal(t, string(StateRefunded), wf.State)
	require.Contains(t, wf.FailureReason, ErrInvalidAddLockSignature.Error())
	require.Empty(t, h.exec.requests(chain.TxHTLCAddLockSig))
}

func TestCancelAfterDestinationLockRefunds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.engine.Start(ctx, h.commit("c1")))
	h.waitState("c1", StateAwaitingSourceLock)

	require.NoError(t, h.engine.Cancel(ctx, "c1"))
	h.waitState("c1", StateRefunding)
	time.Sleep(20 * time.Millisecond)
	require.Empty(t, h.exec.requests(chain.TxHTLCRefund))

	h.clock.Advance(91 * time.Minute)
	wf := h.finish("c1")
	require.Equal(t, string(StateRefunded), wf.State)
	require.Contains(t, wf.FailureReason, "cancelled")
	require.Len(t, h.exec.requests(chain.TxHTLCRefund), 1)

	require.ErrorIs(t, h.engine.Cancel(ctx, "missing"), ErrUnknownSwap)
}

func TestCancelBeforeDestinationLockFails(t *testing.T) {
	h := newHarness(t)
	gate := make(chan struct{})
	h.routes = gatedRoutes{Routes: h.routes, gate: gate}
	h.engine = h.newEngine()
	ctx := context.Background()

	require.NoError(t, h.engine.Start(ctx, h.commit("c1")))
	require.NoError(t, h.engine.Cancel(ctx, "c1"))
	close(gate)

	wf := h.finish("c1")
	require.Equal(t, string(StateFailed), wf.State)
	require.Contains(t, wf.FailureReason, ErrCancelled.Error())
	require.Zero(t, h.exec.total())
}

func TestRejectedDestinationLockFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	reverted := fmt.Errorf("%w: %w", txexec.ErrNonRetryable, chain.NewError(chain.KindReverted, "base", "confirm", errors.New("reverted")))
	h.exec.fail(chain.TxHTLCLock, "base", reverted)

	require.NoError(t, h.engine.Start(ctx, h.commit("c1")))
	wf := h.finish("c1")
	require.Equal(t, string(StateFailed), wf.State)
	require.Contains(t, wf.FailureReason, "destination lock failed")
	require.Empty(t, h.exec.requests(chain.TxHTLCRefund))
}

func TestDestinationLockOutOfRetriesRefunds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.exec.fail(chain.TxHTLCLock, "base", errors.New("connection reset"))

	require.NoError(t, h.engine.Start(ctx, h.commit("c1")))
	h.waitState("c1", StateRefunding)
	h.clock.Advance(91 * time.Minute)

	wf := h.finish("c1")
	require.Equal(t, string(StateRefunded), wf.State)
	require.Contains(t, wf.FailureReason, "destination lock failed")
	require.Len(t, h.exec.requests(chain.TxHTLCRefund), 1)
}

func TestAlreadyAppliedTransactionsCountAsSuccess(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.exec.fail(chain.TxHTLCLock, "base", chain.NewError(chain.KindHTLCAlreadyExists, "base", "publish", nil))
	h.exec.fail(chain.TxHTLCRedeem, "base", chain.NewError(chain.KindAlreadyClaimed, "base", "publish", nil))

	require.NoError(t, h.engine.Start(ctx, h.commit("c1")))
	h.waitState("c1", StateAwaitingSourceLock)
	require.NoError(t, h.engine.LockCommitted(ctx, h.lock("c1")))
	require.Equal(t, string(StateCompleted), h.finish("c1").State)
}

func TestSourceRedeemFailureIsTerminal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.exec.fail(chain.TxHTLCRedeem, "sepolia", chain.NewError(chain.KindReverted, "sepolia", "confirm", nil))

	require.NoError(t, h.engine.Start(ctx, h.commit("c1")))
	h.waitState("c1", StateAwaitingSourceLock)
	require.NoError(t, h.engine.LockCommitted(ctx, h.lock("c1")))

	wf := h.finish("c1")
	require.Equal(t, string(StateFailed), wf.State)
	require.Contains(t, wf.FailureReason, "source redeem failed")
	require.Empty(t, h.exec.requests(chain.TxHTLCRefund))
}

func TestResumeAfterShutdown(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.engine.Start(ctx, h.commit("c1")))
	h.waitState("c1", StateAwaitingSourceLock)

	h.engine.Shutdown()
	wf, err := h.store.GetWorkflow(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, string(StateAwaitingSourceLock), wf.State)

	h.engine = h.newEngine()
	n, err := h.engine.Resume(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	n, err = h.engine.Resume(ctx)
	require.NoError(t, err)
	require.Zero(t, n, "already running")

	require.NoError(t, h.engine.LockCommitted(ctx, h.lock("c1")))
	require.Equal(t, string(StateCompleted), h.finish("c1").State)
	require.Len(t, h.exec.requests(chain.TxHTLCLock), 1, "lock must not be repeated on resume")
}
