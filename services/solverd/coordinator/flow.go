package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"htlcsolver/services/solverd/chain"
	"htlcsolver/services/solverd/htlc"
	"htlcsolver/services/solverd/routes"
	"htlcsolver/services/solverd/storage"
	"htlcsolver/services/solverd/txexec"
)

const stepDeadlines = "lp-deadlines"

var stateRank = map[State]int{
	StateCreated:            0,
	StateValidatingLimits:   1,
	StateQuoting:            2,
	StateLockingDestination: 3,
	StateAwaitingSourceLock: 4,
	StateRedeemingBoth:      5,
	StateRefunding:          6,
	StateCompleted:          7,
	StateRefunded:           7,
	StateFailed:             7,
}

type deadlines struct {
	Timelock time.Time `json:"timelock"`
	Reward   time.Time `json:"reward"`
}

type txOutcome struct {
	Hash    string `json:"hash,omitempty"`
	Skipped string `json:"skipped,omitempty"`
}

// plan is everything the lock, redeem and refund phases need. It is rebuilt from the journal
// on every replay.
type plan struct {
	quote     routes.Quote
	secret    htlc.Secret
	hashlock  string
	deadlines deadlines
}

// run is one pass of a workflow's flow. A pass that returns an error is replayed from the
// journal by the engine.
type run struct {
	engine  *Engine
	id      string
	commit  chain.CommitEvent
	inst    *instance
	logger  *slog.Logger
	state   State
	created time.Time
}

func (r *run) execute(ctx context.Context) error {
	p, err := r.prepare(ctx)
	if err != nil {
		if sf, ok := asStepFailure(err); ok {
			return r.finish(ctx, StateFailed, sf.Error())
		}
		return err
	}
	switch r.state {
	case StateRefunding:
		return r.refund(ctx, p, "")
	case StateRedeemingBoth:
		return r.redeem(ctx, p)
	}

	if err := r.advance(ctx, StateLockingDestination, ""); err != nil {
		return err
	}
	if _, err := r.transact(ctx, "lock-destination", txexec.Request{
		Network: r.commit.DestinationNetwork,
		Type:    chain.TxHTLCLock,
		From:    p.quote.DestinationSolverAddress,
		Args: chain.TxArgs{
			Asset:          r.commit.DestinationAsset,
			Amount:         p.quote.ReceiveAmount,
			Receiver:       p.quote.SourceSolverAddress,
			Hashlock:       p.hashlock,
			Timelock:       p.deadlines.Timelock.Unix(),
			RewardTimelock: p.deadlines.Reward.Unix(),
			Reward:         decimal.Zero,
		},
	}, r.engine.stepRetry, chain.KindHTLCAlreadyExists); err != nil {
		if sf, ok := asStepFailure(err); ok {
			if isPermanent(sf.err) {
				// rejected by the chain, nothing was locked
				return r.finish(ctx, StateFailed, "destination lock failed: "+sf.Error())
			}
			return r.refund(ctx, p, "destination lock failed: "+sf.Error())
		}
		return err
	}

	if err := r.advance(ctx, StateAwaitingSourceLock, ""); err != nil {
		return err
	}
	return r.await(ctx, p)
}

// prepare runs admission, limits, quoting and hashlock generation. Failures surface as
// *stepFailure and fail the swap; no funds are at stake yet.
func (r *run) prepare(ctx context.Context) (*plan, error) {
	e := r.engine
	policy := stepPolicy{timeout: e.stepTimeout, maxElapsed: e.stepRetry}

	admitted, err := clock(ctx, r, "admission")
	if err != nil {
		return nil, err
	}
	if err := htlc.ValidateCommitTimelock(admitted, r.commit.TimelockTime()); err != nil {
		return nil, &stepFailure{step: "admission", err: err}
	}
	if !r.commit.SourceAmount.IsPositive() {
		return nil, &stepFailure{step: "admission", err: fmt.Errorf("invalid source amount %s", r.commit.SourceAmount)}
	}

	if _, err := journal(ctx, r, "assets", policy, r.checkAssets); err != nil {
		return nil, err
	}

	if err := r.advance(ctx, StateValidatingLimits, ""); err != nil {
		return nil, err
	}
	key := routes.RouteKey{
		SourceNetwork:      r.commit.SourceNetwork,
		SourceToken:        r.commit.SourceAsset,
		DestinationNetwork: r.commit.DestinationNetwork,
		DestinationToken:   r.commit.DestinationAsset,
	}
	if _, err := journal(ctx, r, "limit", policy, func(ctx context.Context) (routes.Limit, error) {
		limit, err := e.routes.GetLimit(ctx, key)
		if err != nil {
			if isCatalogMiss(err) {
				return limit, permanent(err)
			}
			return limit, err
		}
		amount := r.commit.SourceAmount
		if limit.MaxAmount.IsPositive() && amount.GreaterThan(limit.MaxAmount) {
			return limit, permanent(fmt.Errorf("%w: %s > %s", ErrAmountAboveLimit, amount, limit.MaxAmount))
		}
		if amount.LessThan(limit.MinAmount) {
			return limit, permanent(fmt.Errorf("%w: %s < %s", ErrAmountBelowLimit, amount, limit.MinAmount))
		}
		return limit, nil
	}); err != nil {
		return nil, err
	}

	if err := r.advance(ctx, StateQuoting, ""); err != nil {
		return nil, err
	}
	quote, err := journal(ctx, r, "quote", policy, func(ctx context.Context) (routes.Quote, error) {
		q, err := e.routes.GetQuote(ctx, routes.QuoteRequest{RouteKey: key, Amount: r.commit.SourceAmount})
		if err != nil {
			if isCatalogMiss(err) || errors.Is(err, routes.ErrInvalidAmount) {
				return q, permanent(err)
			}
			return q, err
		}
		if !q.ReceiveAmount.IsPositive() {
			return q, permanent(ErrOutputLessThanFee)
		}
		return q, nil
	})
	if err != nil {
		return nil, err
	}

	rawSecret, err := journal(ctx, r, "secret", stepPolicy{}, func(context.Context) (string, error) {
		s, _, err := htlc.NewSecret()
		if err != nil {
			return "", err
		}
		return s.Hex(), nil
	})
	if err != nil {
		return nil, err
	}
	secret, err := htlc.ParseSecret(rawSecret)
	if err != nil {
		return nil, err
	}
	hashlock := secret.Hashlock().Hex()

	if _, err := journal(ctx, r, "swap", policy, func(ctx context.Context) (string, error) {
		stored, err := e.store.CreateSwap(ctx, &storage.Swap{
			CommitID:           r.id,
			SourceNetwork:      r.commit.SourceNetwork,
			SourceToken:        r.commit.SourceAsset,
			SourceAddress:      r.commit.SourceSender,
			SourceAmount:       r.commit.SourceAmount,
			DestinationNetwork: r.commit.DestinationNetwork,
			DestinationToken:   r.commit.DestinationAsset,
			DestinationAddress: r.commit.DestinationAddress,
			ReceiveAmount:      quote.ReceiveAmount,
			FeeAmount:          quote.TotalFee,
			Hashlock:           hashlock,
		})
		if errors.Is(err, storage.ErrHashlockImmutable) {
			return "", permanent(err)
		}
		if err != nil {
			return "", err
		}
		return stored.Hashlock, nil
	}); err != nil {
		return nil, err
	}
	r.logger.Info("swap prepared", "hashlock", hashlock, "receive", quote.ReceiveAmount.String(), "fee", quote.TotalFee.String())

	if stateRank[r.state] < stateRank[StateLockingDestination] {
		wf, err := e.store.GetWorkflow(ctx, r.id)
		if err != nil {
			return nil, err
		}
		if wf.CancelRequested {
			return nil, &stepFailure{step: "cancel", err: ErrCancelled}
		}
	}

	dl, err := journal(ctx, r, stepDeadlines, stepPolicy{}, func(context.Context) (deadlines, error) {
		timelock, reward := htlc.LPDeadlines(e.now().UTC())
		return deadlines{Timelock: timelock, Reward: reward}, nil
	})
	if err != nil {
		return nil, err
	}
	return &plan{quote: quote, secret: secret, hashlock: hashlock, deadlines: dl}, nil
}

func (r *run) checkAssets(ctx context.Context) (bool, error) {
	for _, side := range []struct{ network, asset string }{
		{r.commit.SourceNetwork, r.commit.SourceAsset},
		{r.commit.DestinationNetwork, r.commit.DestinationAsset},
	} {
		network, err := r.engine.store.GetNetwork(ctx, side.network)
		if errors.Is(err, storage.ErrNotFound) || (err == nil && !network.Active) {
			return false, permanent(fmt.Errorf("%w: network %q", ErrAssetNotConfigured, side.network))
		}
		if err != nil {
			return false, err
		}
		if _, err := r.engine.store.GetToken(ctx, side.network, side.asset); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return false, permanent(fmt.Errorf("%w: token %s on %s", ErrAssetNotConfigured, side.asset, side.network))
			}
			return false, err
		}
	}
	return true, nil
}

// await waits for the source-side lock until the LP timelock. An accepted add-lock signature
// is submitted on the user's behalf meanwhile.
func (r *run) await(ctx context.Context, p *plan) error {
	e := r.engine
	for {
		wf, err := e.store.GetWorkflow(ctx, r.id)
		if err != nil {
			return err
		}
		if wf.CancelRequested {
			return r.refund(ctx, p, "cancelled")
		}
		if wf.AddLockRejected != "" {
			return r.refund(ctx, p, "invalid add-lock signature: "+wf.AddLockRejected)
		}

		if wf.LockSignal != "" {
			var lock chain.LockEvent
			if err := json.Unmarshal([]byte(wf.LockSignal), &lock); err != nil {
				return r.refund(ctx, p, "malformed lock signal")
			}
			now, err := clock(ctx, r, "lock-check")
			if err != nil {
				return err
			}
			if !htlc.SameHashlock(lock.Hashlock, p.hashlock) {
				return r.refund(ctx, p, "source lock hashlock mismatch")
			}
			if err := htlc.ValidateRemaining(now, lock.TimelockTime()); err != nil {
				return r.refund(ctx, p, "source lock: "+err.Error())
			}
			return r.redeem(ctx, p)
		}

		if wf.AddLockSig != "" {
			if err := r.submitAddLock(ctx, p, wf.AddLockSig); err != nil {
				if sf, ok := asStepFailure(err); ok {
					return r.refund(ctx, p, sf.Error())
				}
				return err
			}
		}

		remaining := p.deadlines.Timelock.Sub(e.now())
		if remaining <= 0 {
			return r.refund(ctx, p, "source lock not observed before LP timelock")
		}
		if err := r.pause(ctx, remaining); err != nil {
			return err
		}
	}
}

func (r *run) submitAddLock(ctx context.Context, p *plan, payload string) error {
	var sig chain.AddLockSignature
	if err := json.Unmarshal([]byte(payload), &sig); err != nil {
		return &stepFailure{step: "addlock-check", err: err}
	}
	now, err := clock(ctx, r, "addlock-check")
	if err != nil {
		return err
	}
	if !htlc.SameHashlock(sig.Hashlock, p.hashlock) {
		return &stepFailure{step: "addlock-check", err: htlc.ErrInvalidHashlock}
	}
	if err := validateAddLock(now, sig, p.deadlines.Timelock); err != nil {
		return &stepFailure{step: "addlock-check", err: err}
	}
	_, err = r.transact(ctx, "add-lock-sig", txexec.Request{
		Network: r.commit.SourceNetwork,
		Type:    chain.TxHTLCAddLockSig,
		From:    p.quote.SourceSolverAddress,
		Args: chain.TxArgs{
			Asset:     r.commit.SourceAsset,
			Amount:    r.commit.SourceAmount,
			Hashlock:  p.hashlock,
			Timelock:  sig.Timelock,
			Signature: sig.Signature,
		},
	}, r.engine.stepRetry, chain.KindHashlockAlreadySet)
	return err
}

// redeem reveals the secret on both chains at once.
func (r *run) redeem(ctx context.Context, p *plan) error {
	if err := r.advance(ctx, StateRedeemingBoth, ""); err != nil {
		return err
	}
	var dstErr, srcErr error
	var g errgroup.Group
	g.Go(func() error {
		_, dstErr = r.transact(ctx, "redeem-destination", txexec.Request{
			Network: r.commit.DestinationNetwork,
			Type:    chain.TxHTLCRedeem,
			From:    p.quote.DestinationSolverAddress,
			Args:    chain.TxArgs{Asset: r.commit.DestinationAsset, Amount: p.quote.ReceiveAmount, Hashlock: p.hashlock, Secret: p.secret.Hex()},
		}, 0, chain.KindAlreadyClaimed)
		return nil
	})
	g.Go(func() error {
		_, srcErr = r.transact(ctx, "redeem-source", txexec.Request{
			Network: r.commit.SourceNetwork,
			Type:    chain.TxHTLCRedeem,
			From:    p.quote.SourceSolverAddress,
			Args:    chain.TxArgs{Asset: r.commit.SourceAsset, Amount: r.commit.SourceAmount, Hashlock: p.hashlock, Secret: p.secret.Hex()},
		}, 0, chain.KindAlreadyClaimed)
		return nil
	})
	_ = g.Wait()

	dstFailure, dstFinal := asStepFailure(dstErr)
	srcFailure, srcFinal := asStepFailure(srcErr)
	if (dstErr != nil && !dstFinal) || (srcErr != nil && !srcFinal) {
		return errors.Join(dstErr, srcErr)
	}
	switch {
	case dstFinal:
		return r.refund(ctx, p, "destination redeem failed: "+dstFailure.Error())
	case srcFinal:
		r.logger.Error("source redeem failed after destination redeem", "alert", true, "error", srcFailure)
		return r.finish(ctx, StateFailed, "source redeem failed: "+srcFailure.Error())
	}
	return r.finish(ctx, StateCompleted, "")
}

// refund returns the destination lock to the solver once the LP timelock elapsed. It never
// submits early.
func (r *run) refund(ctx context.Context, p *plan, reason string) error {
	if err := r.advance(ctx, StateRefunding, reason); err != nil {
		return err
	}
	if reason != "" {
		r.logger.Warn("swap refunding", "reason", reason, "refund_at", p.deadlines.Timelock)
	}
	for {
		remaining := p.deadlines.Timelock.Sub(r.engine.now())
		if remaining <= 0 {
			break
		}
		if err := r.pause(ctx, remaining); err != nil {
			return err
		}
	}
	out, err := r.transact(ctx, "refund-destination", txexec.Request{
		Network: r.commit.DestinationNetwork,
		Type:    chain.TxHTLCRefund,
		From:    p.quote.DestinationSolverAddress,
		Args:    chain.TxArgs{Asset: r.commit.DestinationAsset, Amount: p.quote.ReceiveAmount, Hashlock: p.hashlock},
	}, 0, chain.KindAlreadyClaimed)
	if err != nil {
		if sf, ok := asStepFailure(err); ok {
			r.logger.Error("destination refund failed", "alert", true, "error", sf)
			return r.finish(ctx, StateFailed, "refund failed: "+sf.Error())
		}
		return err
	}
	if out.Skipped != "" {
		r.logger.Info("destination lock already settled", "kind", out.Skipped)
	}
	return r.finish(ctx, StateRefunded, "")
}

// transact runs a transaction as a journaled step. A tolerated error kind means an earlier
// attempt already produced the effect.
func (r *run) transact(ctx context.Context, name string, req txexec.Request, maxElapsed time.Duration, tolerated chain.ErrorKind) (txOutcome, error) {
	req.CommitID = r.id
	req.Args.CommitID = r.id
	policy := stepPolicy{timeout: r.engine.txTimeout, maxElapsed: maxElapsed}
	return journal(ctx, r, name, policy, func(ctx context.Context) (txOutcome, error) {
		res, err := r.engine.exec.Execute(ctx, req)
		if err != nil {
			if chain.KindOf(err) == tolerated {
				r.logger.Info("transaction already applied", "step", name, "kind", tolerated.String())
				return txOutcome{Skipped: tolerated.String()}, nil
			}
			return txOutcome{}, err
		}
		r.logger.Info("transaction confirmed", "step", name, "network", res.Network, "tx", res.Hash)
		return txOutcome{Hash: res.Hash}, nil
	})
}

// pause waits for a signal, the poll interval or limit, whichever comes first.
func (r *run) pause(ctx context.Context, limit time.Duration) error {
	d := r.engine.pollInterval
	if limit < d {
		d = limit
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-r.inst.wake:
	case <-timer.C:
	}
	return nil
}

// advance persists a forward transition. Replays never move a workflow backwards.
func (r *run) advance(ctx context.Context, to State, reason string) error {
	if stateRank[to] <= stateRank[r.state] {
		return nil
	}
	if err := r.engine.store.UpdateWorkflowState(ctx, r.id, string(to), reason); err != nil {
		return err
	}
	r.logger.Info("swap state changed", "from", string(r.state), "to", string(to))
	r.state = to
	return nil
}

func (r *run) finish(ctx context.Context, to State, reason string) error {
	if err := r.engine.store.UpdateWorkflowState(ctx, r.id, string(to), reason); err != nil {
		return err
	}
	r.state = to
	elapsed := r.engine.now().Sub(r.created)
	r.engine.metrics.RecordOutcome(r.commit.SourceNetwork, r.commit.DestinationNetwork, string(to), elapsed)
	if reason != "" {
		r.logger.Warn("swap finished", "state", string(to), "reason", reason)
	} else {
		r.logger.Info("swap finished", "state", string(to), "elapsed", elapsed)
	}
	return nil
}

func isCatalogMiss(err error) bool {
	return errors.Is(err, routes.ErrRouteNotFound) || errors.Is(err, routes.ErrNetworkNotFound) || errors.Is(err, routes.ErrTokenNotFound)
}
