// Package nonce issues unique per-(network, address) transaction nonces by reconciling the
// chain's pending nonce with a cached high-water mark under a short-lived distributed lease.
package nonce

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"htlcsolver/observability"
	"htlcsolver/observability/logging"
	"htlcsolver/services/solverd/chain"
)

// ErrLockUnavailable is returned when the reservation lease could not be acquired within the
// configured wait. Callers should retry indefinitely.
var ErrLockUnavailable = errors.New("nonce: lock unavailable")

// Store persists the last-issued nonce per (network, address).
type Store interface {
	GetNonceReservation(ctx context.Context, network, address string) (uint64, bool, error)
	SaveNonceReservation(ctx context.Context, network, address string, nonce uint64, ttl time.Duration) error
}

// Locker provides named leases. A nil error means the lease is held until release or expiry.
type Locker interface {
	TryAcquireLease(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error)
}

// Chains resolves the adapter reporting pending nonces for a network.
type Chains interface {
	Get(network string) (chain.Adapter, error)
}

// Service reserves nonces.
type Service struct {
	store   Store
	locker  Locker
	chains  Chains
	ttl     time.Duration
	lease   time.Duration
	wait    time.Duration
	retry   time.Duration
	logger  *slog.Logger
	metrics *observability.NonceMetrics
}

// Option customises the Service.
type Option func(*Service)

// WithTTL sets how long a cached reservation stays valid.
func WithTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithLease configures the lease duration, the maximum wait to acquire it and the initial retry
// interval between attempts.
func WithLease(lease, wait, retry time.Duration) Option {
	return func(s *Service) {
		if lease > 0 {
			s.lease = lease
		}
		if wait > 0 {
			s.wait = wait
		}
		if retry > 0 {
			s.retry = retry
		}
	}
}

// WithLogger overrides the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New constructs a Service.
func New(store Store, locker Locker, chains Chains, opts ...Option) *Service {
	s := &Service{
		store:   store,
		locker:  locker,
		chains:  chains,
		ttl:     72 * time.Hour,
		lease:   30 * time.Second,
		wait:    10 * time.Second,
		retry:   100 * time.Millisecond,
		logger:  slog.Default(),
		metrics: observability.Nonce(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.Component(s.logger, "nonce")
	return s
}

// Reserve issues the next nonce for address on network. Concurrent callers for the same pair
// receive distinct, strictly increasing values.
func (s *Service) Reserve(ctx context.Context, network, address string) (uint64, error) {
	network = chain.NormalizeNetwork(network)
	address = strings.ToLower(strings.TrimSpace(address))
	if network == "" || address == "" {
		return 0, fmt.Errorf("nonce: network and address required")
	}
	adapter, err := s.chains.Get(network)
	if err != nil {
		return 0, err
	}

	release, err := s.acquire(ctx, lockKey(network, address))
	if err != nil {
		return 0, err
	}
	defer func() {
		// the lease expires on its own if release fails
		relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := release(relCtx); err != nil {
			s.logger.Warn("release nonce lease", "network", network, "error", err)
		}
	}()

	pending, err := adapter.GetNextNonce(ctx, address)
	if err != nil {
		return 0, fmt.Errorf("pending nonce: %w", err)
	}
	cached, ok, err := s.store.GetNonceReservation(ctx, network, address)
	if err != nil {
		return 0, err
	}
	next, source := pending, "chain"
	if ok && pending <= cached {
		next, source = cached+1, "cache"
	}
	if err := s.store.SaveNonceReservation(ctx, network, address, next, s.ttl); err != nil {
		return 0, err
	}
	s.metrics.RecordIssued(network, source)
	s.logger.Debug("nonce reserved", "network", network, "nonce", next, "pending", pending, "source", source)
	return next, nil
}

func (s *Service) acquire(ctx context.Context, key string) (func(context.Context) error, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.retry
	policy.MaxInterval = s.lease / 4
	policy.MaxElapsedTime = s.wait
	network := strings.SplitN(key, ":", 3)[1]

	var release func(context.Context) error
	err := backoff.Retry(func() error {
		r, err := s.locker.TryAcquireLease(ctx, key, s.lease)
		if err != nil {
			s.metrics.RecordContention(network)
			return err
		}
		release = r
		return nil
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrLockUnavailable, key, err)
	}
	return release, nil
}

func lockKey(network, address string) string {
	return "nonce:" + network + ":" + address
}
