// Package coordinator runs one durable HTLC state machine per swap. Workflow state, signals
// and the outputs of every side-effecting step are persisted, so a restarted process resumes a
// swap where it stopped instead of repeating transactions.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"htlcsolver/observability"
	"htlcsolver/observability/logging"
	"htlcsolver/services/solverd/chain"
	"htlcsolver/services/solverd/htlc"
	"htlcsolver/services/solverd/routes"
	"htlcsolver/services/solverd/storage"
	"htlcsolver/services/solverd/txexec"
)

// Store is the persistence the coordinator needs.
type Store interface {
	CreateWorkflow(ctx context.Context, wf *storage.Workflow) (bool, error)
	GetWorkflow(ctx context.Context, commitID string) (*storage.Workflow, error)
	UpdateWorkflowState(ctx context.Context, commitID, state, reason string) error
	SetLockSignal(ctx context.Context, commitID, payload string) (bool, error)
	SetAddLockSig(ctx context.Context, commitID, payload string) (bool, error)
	RejectAddLockSig(ctx context.Context, commitID, reason string) (bool, error)
	RequestCancel(ctx context.Context, commitID string) error
	ListWorkflowsExcept(ctx context.Context, states ...string) ([]storage.Workflow, error)
	GetStep(ctx context.Context, commitID, step string) (string, bool, error)
	SaveStep(ctx context.Context, commitID, step, output string) (string, error)
	CreateSwap(ctx context.Context, swap *storage.Swap) (*storage.Swap, error)
	GetNetwork(ctx context.Context, name string) (*storage.Network, error)
	GetToken(ctx context.Context, network, symbol string) (*storage.Token, error)
}

// Chains resolves adapters by network.
type Chains interface {
	Get(network string) (chain.Adapter, error)
}

// Executor submits transactions and waits for their confirmation.
type Executor interface {
	Execute(ctx context.Context, req txexec.Request) (*txexec.Result, error)
}

// Routes supplies limits and quotes.
type Routes interface {
	GetLimit(ctx context.Context, key routes.RouteKey) (routes.Limit, error)
	GetQuote(ctx context.Context, req routes.QuoteRequest) (routes.Quote, error)
}

type instance struct {
	wake chan struct{}
	done chan struct{}
}

func (i *instance) nudge() {
	select {
	case i.wake <- struct{}{}:
	default:
	}
}

// Engine hosts the coordinators of this process.
type Engine struct {
	store  Store
	chains Chains
	exec   Executor
	routes Routes

	now           func() time.Time
	stepTimeout   time.Duration
	stepRetry     time.Duration
	txTimeout     time.Duration
	pollInterval  time.Duration
	retryInterval time.Duration
	logger        *slog.Logger
	metrics       *observability.SwapMetrics

	root context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	mu      sync.Mutex
	running map[string]*instance
}

// Option customises the Engine.
type Option func(*Engine)

// WithClock sets the wall clock.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithStepPolicy configures the per-attempt timeout and the total retry budget of
// non-transaction steps.
func WithStepPolicy(timeout, maxElapsed time.Duration) Option {
	return func(e *Engine) {
		if timeout > 0 {
			e.stepTimeout = timeout
		}
		if maxElapsed > 0 {
			e.stepRetry = maxElapsed
		}
	}
}

// WithTxTimeout bounds a single transaction execution.
func WithTxTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.txTimeout = d
		}
	}
}

// WithPollInterval sets how often waiting workflows re-read their signals and how long a
// failed flow waits before resuming.
func WithPollInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.pollInterval = d
		}
	}
}

// WithRetryInterval sets the initial step retry backoff.
func WithRetryInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.retryInterval = d
		}
	}
}

// WithLogger overrides the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// New constructs an Engine.
func New(store Store, chains Chains, exec Executor, rts Routes, opts ...Option) *Engine {
	root, stop := context.WithCancel(context.Background())
	e := &Engine{
		store:         store,
		chains:        chains,
		exec:          exec,
		routes:        rts,
		now:           time.Now,
		stepTimeout:   2 * time.Minute,
		stepRetry:     5 * time.Minute,
		txTimeout:     20 * time.Minute,
		pollInterval:  5 * time.Second,
		retryInterval: time.Second,
		logger:        slog.Default(),
		metrics:       observability.Swaps(),
		root:          root,
		stop:          stop,
		running:       make(map[string]*instance),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = logging.Component(e.logger, "coordinator")
	return e
}

// Start creates the workflow for a commit and runs it. Repeated calls for the same commit id
// are no-ops.
func (e *Engine) Start(ctx context.Context, ev chain.CommitEvent) error {
	id := strings.TrimSpace(ev.CommitID)
	if id == "" {
		return fmt.Errorf("coordinator: commit id required")
	}
	ev.CommitID = id
	ev.SourceNetwork = chain.NormalizeNetwork(ev.SourceNetwork)
	ev.DestinationNetwork = chain.NormalizeNetwork(ev.DestinationNetwork)
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode commit: %w", err)
	}
	created, err := e.store.CreateWorkflow(ctx, &storage.Workflow{
		CommitID:  id,
		State:     string(StateCreated),
		Commit:    string(payload),
		CreatedAt: e.now().UTC(),
	})
	if err != nil {
		return err
	}
	if created {
		e.logger.Info("swap workflow created", "commit_id", id, "source", ev.SourceNetwork, "destination", ev.DestinationNetwork)
	}
	wf, err := e.store.GetWorkflow(ctx, id)
	if err != nil {
		return err
	}
	if State(wf.State).Terminal() {
		return nil
	}
	e.launch(id)
	return nil
}

// StartSwap lets the engine serve as the scanner's dispatcher.
func (e *Engine) StartSwap(ctx context.Context, ev chain.CommitEvent) error {
	return e.Start(ctx, ev)
}

// LockCommitted records the source-chain lock of a swap. Only the first accepted lock counts.
func (e *Engine) LockCommitted(ctx context.Context, ev chain.LockEvent) error {
	wf, commit, err := e.load(ctx, ev.CommitID)
	if err != nil {
		return err
	}
	if State(wf.State).Terminal() {
		return ErrSwapFinished
	}
	if ev.Network != "" && chain.NormalizeNetwork(ev.Network) != commit.SourceNetwork {
		return fmt.Errorf("%w: %s", ErrLockNetworkMismatch, ev.Network)
	}
	ev.Network = commit.SourceNetwork
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode lock: %w", err)
	}
	accepted, err := e.store.SetLockSignal(ctx, wf.CommitID, string(payload))
	if err != nil {
		return err
	}
	if accepted {
		e.logger.Info("source lock received", "commit_id", wf.CommitID, "tx", ev.TransactionHash)
		e.nudge(wf.CommitID)
	}
	return nil
}

// DeliverLock lets the engine serve as the scanner's dispatcher.
func (e *Engine) DeliverLock(ctx context.Context, ev chain.LockEvent) error {
	return e.LockCommitted(ctx, ev)
}

// SetAddLockSignature validates a user's authorisation to attach the hashlock on the source
// chain and hands it to the workflow. It returns false for requests that do not address this
// swap. A signature that does not verify, or whose timelock leaves too little time, also
// returns false and sends the swap to refund unless the source lock was already observed.
func (e *Engine) SetAddLockSignature(ctx context.Context, sig chain.AddLockSignature) (bool, error) {
	wf, commit, err := e.load(ctx, sig.CommitID)
	if err != nil {
		return false, err
	}
	if State(wf.State).Terminal() {
		return false, ErrSwapFinished
	}
	if wf.AddLockSig != "" {
		return false, ErrSignatureAlreadyAccepted
	}
	if wf.AddLockRejected != "" {
		return false, nil
	}
	raw, ok, err := e.store.GetStep(ctx, wf.CommitID, stepDeadlines)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, ErrNotAwaitingSignature
	}
	var dl deadlines
	if err := json.Unmarshal([]byte(raw), &dl); err != nil {
		return false, fmt.Errorf("decode deadlines: %w", err)
	}

	sig.CommitID = wf.CommitID
	if sig.Network != "" && chain.NormalizeNetwork(sig.Network) != commit.SourceNetwork {
		return false, nil
	}
	sig.Network = commit.SourceNetwork
	if sig.Signer == "" {
		sig.Signer = commit.SourceSender
	} else if !strings.EqualFold(sig.Signer, commit.SourceSender) {
		return false, nil
	}
	rawHashlock, _, err := e.store.GetStep(ctx, wf.CommitID, "swap")
	if err != nil {
		return false, err
	}
	var hashlock string
	if err := json.Unmarshal([]byte(rawHashlock), &hashlock); err != nil {
		return false, fmt.Errorf("decode hashlock: %w", err)
	}
	if !htlc.SameHashlock(sig.Hashlock, hashlock) {
		return false, nil
	}
	if err := validateAddLock(e.now(), sig, dl.Timelock); err != nil {
		return false, e.rejectAddLock(ctx, wf, err)
	}
	adapter, err := e.chains.Get(commit.SourceNetwork)
	if err != nil {
		return false, err
	}
	valid, err := adapter.ValidateAddLockSignature(ctx, sig)
	if err != nil {
		return false, err
	}
	if !valid {
		return false, e.rejectAddLock(ctx, wf, ErrInvalidAddLockSignature)
	}
	payload, err := json.Marshal(sig)
	if err != nil {
		return false, fmt.Errorf("encode signature: %w", err)
	}
	accepted, err := e.store.SetAddLockSig(ctx, wf.CommitID, string(payload))
	if err != nil {
		return false, err
	}
	if !accepted {
		return false, ErrSignatureAlreadyAccepted
	}
	e.logger.Info("add-lock signature accepted", "commit_id", wf.CommitID, logging.MaskField("signature", sig.Signature))
	e.nudge(wf.CommitID)
	return true, nil
}

func (e *Engine) rejectAddLock(ctx context.Context, wf *storage.Workflow, reason error) error {
	if wf.LockSignal != "" {
		e.logger.Info("add-lock signature ignored, source lock already observed", "commit_id", wf.CommitID, "reason", reason.Error())
		return nil
	}
	rejected, err := e.store.RejectAddLockSig(ctx, wf.CommitID, reason.Error())
	if err != nil {
		return err
	}
	if rejected {
		e.logger.Warn("add-lock signature rejected", "commit_id", wf.CommitID, "reason", reason.Error())
		e.nudge(wf.CommitID)
	}
	return nil
}

// Cancel requests cancellation. Swaps that already locked destination funds refund them
// before finishing.
func (e *Engine) Cancel(ctx context.Context, commitID string) error {
	if err := e.store.RequestCancel(ctx, commitID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrUnknownSwap
		}
		return err
	}
	e.nudge(commitID)
	return nil
}

// Resume restarts every unfinished workflow not already running and returns how many were
// started.
func (e *Engine) Resume(ctx context.Context) (int, error) {
	pending, err := e.store.ListWorkflowsExcept(ctx, terminalStates...)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, wf := range pending {
		if e.launch(wf.CommitID) {
			n++
		}
	}
	if n > 0 {
		e.logger.Info("resumed swap workflows", "count", n)
	}
	return n, nil
}

// Wait blocks until the workflow's coordinator in this process exits and returns the stored
// state.
func (e *Engine) Wait(ctx context.Context, commitID string) (State, error) {
	e.mu.Lock()
	inst := e.running[commitID]
	e.mu.Unlock()
	if inst != nil {
		select {
		case <-inst.done:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	wf, err := e.Status(ctx, commitID)
	if err != nil {
		return "", err
	}
	return State(wf.State), nil
}

// Status returns the stored workflow.
func (e *Engine) Status(ctx context.Context, commitID string) (*storage.Workflow, error) {
	wf, err := e.store.GetWorkflow(ctx, commitID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrUnknownSwap
	}
	return wf, err
}

// Shutdown stops every coordinator of this process without changing workflow state; Resume
// picks them up again.
func (e *Engine) Shutdown() {
	e.stop()
	e.wg.Wait()
}

func (e *Engine) load(ctx context.Context, commitID string) (*storage.Workflow, chain.CommitEvent, error) {
	var commit chain.CommitEvent
	wf, err := e.store.GetWorkflow(ctx, strings.TrimSpace(commitID))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, commit, ErrUnknownSwap
	}
	if err != nil {
		return nil, commit, err
	}
	if err := json.Unmarshal([]byte(wf.Commit), &commit); err != nil {
		return nil, commit, fmt.Errorf("decode commit: %w", err)
	}
	return wf, commit, nil
}

func (e *Engine) launch(commitID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.running[commitID]; ok || e.root.Err() != nil {
		return false
	}
	inst := &instance{wake: make(chan struct{}, 1), done: make(chan struct{})}
	e.running[commitID] = inst
	e.wg.Add(1)
	e.metrics.AddActive(1)
	go e.supervise(commitID, inst)
	return true
}

func (e *Engine) nudge(commitID string) {
	e.mu.Lock()
	inst := e.running[commitID]
	e.mu.Unlock()
	if inst != nil {
		inst.nudge()
	}
}

// supervise drives a workflow until it is terminal or the engine stops. Infrastructure errors
// replay the flow from its journal after a pause.
func (e *Engine) supervise(commitID string, inst *instance) {
	defer func() {
		e.mu.Lock()
		delete(e.running, commitID)
		e.mu.Unlock()
		e.metrics.AddActive(-1)
		close(inst.done)
		e.wg.Done()
	}()
	ctx := e.root
	logger := e.logger.With("commit_id", commitID)
	for {
		err := e.drive(ctx, commitID, inst, logger)
		if err == nil || ctx.Err() != nil {
			return
		}
		logger.Warn("swap workflow interrupted, resuming", "error", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(e.pollInterval):
		}
	}
}

func (e *Engine) drive(ctx context.Context, commitID string, inst *instance, logger *slog.Logger) error {
	wf, commit, err := e.load(ctx, commitID)
	if err != nil {
		return err
	}
	if State(wf.State).Terminal() {
		return nil
	}
	r := &run{engine: e, id: commitID, commit: commit, inst: inst, logger: logger, state: State(wf.State), created: wf.CreatedAt}
	return r.execute(ctx)
}

func validateAddLock(now time.Time, sig chain.AddLockSignature, lpTimelock time.Time) error {
	if err := htlc.ValidateRemaining(now, sig.TimelockTime()); err != nil {
		return err
	}
	return htlc.ValidateAddLockTimelock(now, sig.TimelockTime(), lpTimelock)
}
