package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"htlcsolver/services/solverd/chain"
	"htlcsolver/services/solverd/txexec"
)

// stepPolicy bounds one journaled step. A zero maxElapsed retries until ctx ends.
type stepPolicy struct {
	timeout    time.Duration
	maxElapsed time.Duration
}

// stepFailure is a step that failed for good, either non-retryably or after its retry budget.
// Anything else surfacing from a step is infrastructure trouble and restarts the flow.
type stepFailure struct {
	step string
	err  error
}

func (f *stepFailure) Error() string { return fmt.Sprintf("%s: %v", f.step, f.err) }

func (f *stepFailure) Unwrap() error { return f.err }

func asStepFailure(err error) (*stepFailure, bool) {
	var sf *stepFailure
	if errors.As(err, &sf) {
		return sf, true
	}
	return nil, false
}

// nonRetryable marks err as final while keeping its message.
type nonRetryable struct{ err error }

func (n *nonRetryable) Error() string { return n.err.Error() }

func (n *nonRetryable) Unwrap() []error { return []error{ErrNonRetryable, n.err} }

func permanent(err error) error {
	return &nonRetryable{err: err}
}

func isPermanent(err error) bool {
	return errors.Is(err, ErrNonRetryable) || errors.Is(err, txexec.ErrNonRetryable) || chain.KindOf(err).Terminal()
}

// journal runs fn at most once to completion per (swap, name). A journaled output is decoded
// and returned without calling fn, which makes replays after a restart deterministic.
func journal[T any](ctx context.Context, r *run, name string, p stepPolicy, fn func(context.Context) (T, error)) (T, error) {
	var out T
	raw, ok, err := r.engine.store.GetStep(ctx, r.id, name)
	if err != nil {
		return out, err
	}
	if ok {
		if err := json.Unmarshal([]byte(raw), &out); err != nil {
			return out, fmt.Errorf("decode step %s: %w", name, err)
		}
		return out, nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.engine.retryInterval
	policy.MaxElapsedTime = p.maxElapsed
	op := func() error {
		stepCtx := ctx
		if p.timeout > 0 {
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, p.timeout)
			defer cancel()
		}
		result, err := fn(stepCtx)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			if isPermanent(err) {
				return backoff.Permanent(err)
			}
			r.logger.Warn("step attempt failed", "step", name, "error", err)
			return err
		}
		out = result
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(policy, ctx)); err != nil {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		return out, &stepFailure{step: name, err: err}
	}

	encoded, err := json.Marshal(out)
	if err != nil {
		return out, fmt.Errorf("encode step %s: %w", name, err)
	}
	stored, err := r.engine.store.SaveStep(ctx, r.id, name, string(encoded))
	if err != nil {
		return out, err
	}
	if stored != string(encoded) {
		var first T
		if err := json.Unmarshal([]byte(stored), &first); err != nil {
			return out, fmt.Errorf("decode step %s: %w", name, err)
		}
		return first, nil
	}
	return out, nil
}

// clock journals a wall-clock read so that decisions based on it replay identically.
func clock(ctx context.Context, r *run, name string) (time.Time, error) {
	return journal(ctx, r, "clock:"+name, stepPolicy{}, func(context.Context) (time.Time, error) {
		return r.engine.now().UTC(), nil
	})
}
