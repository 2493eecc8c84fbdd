// Package txexec drives a single on-chain transaction from build to confirmation, classifying
// chain failures into retry decisions.
package txexec

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"htlcsolver/observability"
	"htlcsolver/observability/logging"
	telemetry "htlcsolver/observability/otel"
	"htlcsolver/services/solverd/chain"
	"htlcsolver/services/solverd/nonce"
	"htlcsolver/services/solverd/storage"
)

var (
	// ErrNonRetryable marks failures that can never succeed on retry. The parent swap must
	// stop retrying the step.
	ErrNonRetryable = errors.New("txexec: non-retryable")
	// ErrAttemptsExhausted is returned once transient failures used every attempt.
	ErrAttemptsExhausted = errors.New("txexec: attempts exhausted")
	// ErrDropped means a published transaction was never seen on chain within the
	// confirmation timeout.
	ErrDropped = errors.New("txexec: transaction dropped")
)

// Chains resolves adapters by network.
type Chains interface {
	Get(network string) (chain.Adapter, error)
}

// Nonces issues transaction nonces.
type Nonces interface {
	Reserve(ctx context.Context, network, address string) (uint64, error)
}

// Recorder persists SwapTransaction rows.
type Recorder interface {
	UpsertSwapTransaction(ctx context.Context, tx *storage.SwapTransaction) error
}

// FeeTracker folds a paid fee into the rolling expense averages.
type FeeTracker interface {
	Record(ctx context.Context, network, paidToken, feeToken string, txType chain.TransactionType, amount decimal.Decimal) error
}

// Request describes one transaction to execute.
type Request struct {
	CommitID string
	Network  string
	Type     chain.TransactionType
	From     string
	Args     chain.TxArgs
	// Fee skips estimation when set.
	Fee      *chain.Fee
}

func (r Request) validate() error {
	if strings.TrimSpace(r.Network) == "" {
		return fmt.Errorf("network required")
	}
	if !r.Type.Valid() {
		return fmt.Errorf("unknown transaction type %q", r.Type)
	}
	if strings.TrimSpace(r.From) == "" {
		return fmt.Errorf("sender required")
	}
	return nil
}

// Result is a confirmed transaction.
type Result struct {
	Network  string
	Hash     string
	Nonce    uint64
	Fee      chain.Fee
	Status   chain.TxStatus
	Attempts int
}

// Executor runs the build, estimate, reserve, sign, publish and confirm pipeline.
type Executor struct {
	chains         Chains
	nonces         Nonces
	recorder       Recorder
	fees           FeeTracker
	maxAttempts    int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	pollInterval   time.Duration
	confirmTimeout time.Duration
	now            func() time.Time
	logger         *slog.Logger
	metrics        *observability.TxExecMetrics
	tracer         trace.Tracer
}

// Option customises the Executor.
type Option func(*Executor)

// WithRecorder persists every published transaction.
func WithRecorder(r Recorder) Option {
	return func(e *Executor) { e.recorder = r }
}

// WithFeeTracker feeds confirmed fees into the expense tracker.
func WithFeeTracker(t FeeTracker) Option {
	return func(e *Executor) { e.fees = t }
}

// WithMaxAttempts bounds transient retries.
func WithMaxAttempts(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.maxAttempts = n
		}
	}
}

// WithBackoff configures the exponential retry interval.
func WithBackoff(initial, max time.Duration) Option {
	return func(e *Executor) {
		if initial > 0 {
			e.initialBackoff = initial
		}
		if max > 0 {
			e.maxBackoff = max
		}
	}
}

// WithConfirmation configures receipt polling.
func WithConfirmation(poll, timeout time.Duration) Option {
	return func(e *Executor) {
		if poll > 0 {
			e.pollInterval = poll
		}
		if timeout > 0 {
			e.confirmTimeout = timeout
		}
	}
}

// WithClock sets the function used to measure confirmation latency.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) {
		if now != nil {
			e.now = now
		}
	}
}

// WithLogger overrides the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// New constructs an Executor.
func New(chains Chains, nonces Nonces, opts ...Option) *Executor {
	e := &Executor{
		chains:         chains,
		nonces:         nonces,
		maxAttempts:    5,
		initialBackoff: time.Second,
		maxBackoff:     30 * time.Second,
		pollInterval:   3 * time.Second,
		confirmTimeout: 10 * time.Minute,
		now:            time.Now,
		logger:         slog.Default(),
		metrics:        observability.TxExec(),
		tracer:         telemetry.Tracer("solverd/txexec"),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = logging.Component(e.logger, "txexec")
	return e
}

// Execute submits the transaction and blocks until it is confirmed, fails terminally, or ctx
// ends.
func (e *Executor) Execute(ctx context.Context, req Request) (*Result, error) {
	if err := req.validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNonRetryable, err)
	}
	network := chain.NormalizeNetwork(req.Network)
	txType := string(req.Type)
	ctx, span := e.tracer.Start(ctx, "txexec.execute", trace.WithAttributes(
		attribute.String("network", network),
		attribute.String("tx.type", txType),
		attribute.String("commit.id", req.CommitID),
	))
	defer span.End()

	adapter, err := e.chains.Get(network)
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrNonRetryable, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = e.initialBackoff
	policy.MaxInterval = e.maxBackoff
	policy.MaxElapsedTime = 0

	var (
		result   *Result
		attempts int
		pending  pendingTx
	)
	op := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		res, err := e.attempt(ctx, adapter, network, req, &pending)
		if err == nil {
			attempts++
			res.Attempts = attempts
			result = res
			return nil
		}
		pending.settle(err)
		return e.dispose(ctx, network, txType, &attempts, err)
	}
	notify := func(err error, wait time.Duration) {
		e.logger.Debug("retrying transaction", "network", network, "type", txType, "commit_id", req.CommitID, "wait", wait, "error", err)
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(policy, ctx), notify); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ErrNonRetryable) {
			err = fmt.Errorf("txexec: %s %s: %w", network, txType, ctxErr)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("tx.hash", result.Hash), attribute.Int("tx.attempts", result.Attempts))
	span.SetStatus(codes.Ok, "confirmed")
	return result, nil
}

// dispose maps a failed attempt to a retry decision. Lock contention and insufficient funds
// do not consume attempts.
func (e *Executor) dispose(ctx context.Context, network, txType string, attempts *int, err error) error {
	switch {
	case errors.Is(err, ErrNonRetryable):
		e.metrics.RecordAttempt(network, txType, "terminal")
		return backoff.Permanent(err)
	case ctx.Err() != nil:
		return backoff.Permanent(ctx.Err())
	case errors.Is(err, nonce.ErrLockUnavailable):
		e.metrics.RecordAttempt(network, txType, "lock_contention")
		return err
	}
	kind := chain.KindOf(err)
	switch {
	case kind.Terminal():
		e.metrics.RecordAttempt(network, txType, "terminal")
		return backoff.Permanent(fmt.Errorf("%w: %w", ErrNonRetryable, err))
	case kind == chain.KindInsufficientFunds:
		e.metrics.RecordAttempt(network, txType, "insufficient_funds")
		e.metrics.RecordAlert(network, kind.String())
		e.logger.Error("insufficient funds for transaction", "network", network, "type", txType, "alert", true, "error", err)
		return err
	}
	*attempts++
	e.metrics.RecordAttempt(network, txType, "transient")
	if *attempts >= e.maxAttempts {
		return backoff.Permanent(fmt.Errorf("%w: %s %s after %d attempts: %w", ErrAttemptsExhausted, network, txType, *attempts, err))
	}
	e.logger.Warn("transaction attempt failed", "network", network, "type", txType, "attempt", *attempts, "error", err)
	return err
}

// pendingTx is the part of a transaction that survives between attempts. A reserved nonce stays
// with the transaction until the chain reports it consumed by something else, so a retry never
// leaves a gap in the sender's nonce sequence.
type pendingTx struct {
	nonce    uint64
	reserved bool
	fee      chain.Fee
	signed   *chain.SignedTransaction
}

// settle discards whatever err invalidated.
func (p *pendingTx) settle(err error) {
	switch {
	case errors.Is(err, ErrDropped):
		// re-signed on the same nonce with a fresh fee
		p.signed = nil
	case chain.KindOf(err) == chain.KindNonceTooLow:
		*p = pendingTx{}
	}
}

func (e *Executor) attempt(ctx context.Context, adapter chain.Adapter, network string, req Request, p *pendingTx) (*Result, error) {
	if p.signed == nil {
		prepared, err := adapter.BuildTransaction(ctx, req.Type, req.From, req.Args)
		if err != nil {
			return nil, err
		}
		var fee chain.Fee
		if req.Fee != nil {
			fee = *req.Fee
		} else if fee, err = adapter.EstimateFee(ctx, prepared); err != nil {
			return nil, err
		}
		if !p.reserved {
			n, err := e.nonces.Reserve(ctx, network, req.From)
			if err != nil {
				return nil, err
			}
			p.nonce, p.reserved = n, true
		}
		signed, err := adapter.ComposeSignedTransaction(ctx, prepared, fee, p.nonce)
		if err != nil {
			return nil, err
		}
		p.fee, p.signed = fee, &signed
	}
	signed, fee := *p.signed, p.fee
	if err := e.publish(ctx, adapter, network, req, signed); err != nil {
		return nil, err
	}
	hash := signed.Hash
	e.record(ctx, &storage.SwapTransaction{
		CommitID:        req.CommitID,
		Type:            string(req.Type),
		Network:         network,
		TransactionHash: hash,
		Status:          storage.SwapTxInitiated,
		FeeAsset:        fee.Asset,
		FeeAmount:       fee.Amount,
	})

	published := e.now()
	status, err := e.awaitConfirmation(ctx, adapter, hash)
	if err != nil {
		return nil, err
	}
	row := &storage.SwapTransaction{
		CommitID:        req.CommitID,
		Type:            string(req.Type),
		Network:         network,
		TransactionHash: hash,
		Confirmations:   status.Confirmations,
		FeeAsset:        status.FeeAsset,
		FeeAmount:       status.FeeAmount,
		Timestamp:       status.Timestamp,
	}
	if row.FeeAsset == "" {
		row.FeeAsset, row.FeeAmount = fee.Asset, fee.Amount
	}
	if status.State == chain.TxStateFailed {
		row.Status = storage.SwapTxFailed
		e.record(ctx, row)
		e.metrics.RecordAttempt(network, string(req.Type), "failed")
		return nil, fmt.Errorf("%w: %w", ErrNonRetryable, chain.NewError(chain.KindReverted, network, "confirm", fmt.Errorf("transaction %s failed on chain", hash)))
	}
	row.Status = storage.SwapTxCompleted
	e.record(ctx, row)
	e.metrics.RecordAttempt(network, string(req.Type), "confirmed")
	e.metrics.ObserveConfirmation(network, string(req.Type), e.now().Sub(published))
	e.trackFee(ctx, network, req, row)
	e.logger.Info("transaction confirmed", "network", network, "type", req.Type, "commit_id", req.CommitID, "hash", hash, "nonce", signed.Nonce)
	return &Result{Network: network, Hash: hash, Nonce: signed.Nonce, Fee: fee, Status: status}, nil
}

// publish submits signed. Collisions and a nonce already consumed by this very transaction
// count as success; the locally computed hash is authoritative.
func (e *Executor) publish(ctx context.Context, adapter chain.Adapter, network string, req Request, signed chain.SignedTransaction) error {
	remote, err := adapter.PublishRawTransaction(ctx, signed)
	if err == nil {
		if remote != "" && !strings.EqualFold(remote, signed.Hash) {
			e.logger.Warn("node returned a different hash", "network", network, "local", signed.Hash, "remote", remote)
		}
		e.metrics.RecordAttempt(network, string(req.Type), "published")
		return nil
	}
	kind := chain.KindOf(err)
	switch {
	case kind.Collision():
		e.metrics.RecordAttempt(network, string(req.Type), "collision")
		e.logger.Info("transaction already accepted", "network", network, "hash", signed.Hash, "kind", kind.String())
		return nil
	case kind == chain.KindNonceTooLow:
		status, statusErr := adapter.GetTransactionStatus(ctx, signed.Hash)
		if statusErr == nil && status.State != chain.TxStateNotFound {
			e.metrics.RecordAttempt(network, string(req.Type), "collision")
			return nil
		}
		e.metrics.RecordAttempt(network, string(req.Type), "nonce_too_low")
		return err
	}
	return err
}

func (e *Executor) awaitConfirmation(ctx context.Context, adapter chain.Adapter, hash string) (chain.TxStatus, error) {
	start := e.now()
	for {
		status, err := adapter.GetTransactionStatus(ctx, hash)
		switch {
		case err != nil:
			if chain.KindOf(err).Terminal() {
				return status, err
			}
			e.logger.Debug("transaction status unavailable", "network", adapter.Network(), "hash", hash, "error", err)
		case status.State == chain.TxStateConfirmed, status.State == chain.TxStateFailed:
			return status, nil
		case status.State == chain.TxStateNotFound && e.now().Sub(start) >= e.confirmTimeout:
			return status, fmt.Errorf("%w: %s", ErrDropped, hash)
		}
		if err := sleep(ctx, e.pollInterval); err != nil {
			return status, err
		}
	}
}

func (e *Executor) record(ctx context.Context, row *storage.SwapTransaction) {
	if e.recorder == nil {
		return
	}
	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(100*time.Millisecond), 2)
	err := backoff.Retry(func() error {
		clone := *row
		return e.recorder.UpsertSwapTransaction(ctx, &clone)
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		e.logger.Error("record swap transaction", "network", row.Network, "hash", row.TransactionHash, "status", row.Status, "error", err)
	}
}

func (e *Executor) trackFee(ctx context.Context, network string, req Request, row *storage.SwapTransaction) {
	if e.fees == nil || row.FeeAsset == "" || req.Args.Asset == "" {
		return
	}
	if err := e.fees.Record(ctx, network, req.Args.Asset, row.FeeAsset, req.Type, row.FeeAmount); err != nil {
		e.logger.Warn("track fee expense", "network", network, "type", req.Type, "error", err)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
