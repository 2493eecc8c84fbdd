// Package scanner follows a network's HTLC contract block by block and hands observed commits
// and locks to the swap coordinator.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/sync/errgroup"

	"htlcsolver/observability"
	"htlcsolver/observability/logging"
	"htlcsolver/services/solverd/chain"
)

// Dispatcher receives the events a scanner observes. StartSwap must be idempotent by commit
// id.
type Dispatcher interface {
	StartSwap(ctx context.Context, event chain.CommitEvent) error
	DeliverLock(ctx context.Context, event chain.LockEvent) error
}

// Cursors persists the last fully processed block per network.
type Cursors interface {
	GetCursor(ctx context.Context, network string) (uint64, bool, error)
	SaveCursor(ctx context.Context, network string, block uint64) error
}

// Config tunes a scanner.
type Config struct {
	BatchSize     uint64
	Overlap       uint64
	Concurrency   int
	WaitInterval  time.Duration
	MaxIterations int
	DedupCapacity int
	RestartDelay  time.Duration
}

func (c *Config) applyDefaults() {
	if c.BatchSize == 0 {
		c.BatchSize = 100
	}
	if c.Overlap == 0 {
		c.Overlap = 15
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.WaitInterval <= 0 {
		c.WaitInterval = 5 * time.Second
	}
	if c.MaxIterations <= 0 {
		c.MaxIterations = 1000
	}
	if c.DedupCapacity <= 0 {
		c.DedupCapacity = 10_000
	}
	if c.RestartDelay <= 0 {
		c.RestartDelay = 10 * time.Second
	}
}

// BlockRange is an inclusive span of blocks.
type BlockRange struct {
	From uint64
	To   uint64
}

// Scanner scans one network.
type Scanner struct {
	network    string
	adapter    chain.Adapter
	cursors    Cursors
	dispatcher Dispatcher
	cfg        Config
	logger     *slog.Logger
	metrics    *observability.ScannerMetrics
}

// Option customises a Scanner.
type Option func(*Scanner)

// WithLogger overrides the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scanner) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New constructs a scanner for the adapter's network.
func New(adapter chain.Adapter, cursors Cursors, dispatcher Dispatcher, cfg Config, opts ...Option) (*Scanner, error) {
	if adapter == nil {
		return nil, fmt.Errorf("scanner: adapter required")
	}
	if cursors == nil || dispatcher == nil {
		return nil, fmt.Errorf("scanner: cursor store and dispatcher required")
	}
	cfg.applyDefaults()
	s := &Scanner{
		network:    chain.NormalizeNetwork(adapter.Network()),
		adapter:    adapter,
		cursors:    cursors,
		dispatcher: dispatcher,
		cfg:        cfg,
		logger:     slog.Default(),
		metrics:    observability.Scanner(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.Component(s.logger, "scanner").With("network", s.network)
	return s, nil
}

// Network returns the scanned network.
func (s *Scanner) Network() string { return s.network }

// Run scans until ctx ends. Each generation starts from the persisted cursor with an empty
// dedup set and ends after MaxIterations or on the first failure.
func (s *Scanner) Run(ctx context.Context) error {
	s.logger.Info("scanner started")
	for {
		err := s.generation(ctx)
		if ctx.Err() != nil {
			s.logger.Info("scanner stopped")
			return ctx.Err()
		}
		if err == nil {
			s.metrics.RecordRestart(s.network, "max_iterations")
			continue
		}
		s.metrics.RecordRestart(s.network, "failure")
		s.logger.Warn("scanner generation failed, restarting", "error", err, "delay", s.cfg.RestartDelay)
		if err := sleep(ctx, s.cfg.RestartDelay); err != nil {
			return err
		}
	}
}

func (s *Scanner) generation(ctx context.Context) error {
	seen, err := lru.New(s.cfg.DedupCapacity)
	if err != nil {
		return err
	}
	for i := 0; i < s.cfg.MaxIterations; i++ {
		if err := s.iterate(ctx, seen); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scanner) iterate(ctx context.Context, seen *lru.Cache) error {
	latest, err := s.adapter.GetLastConfirmedBlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("latest block: %w", err)
	}
	cursor, ok, err := s.cursors.GetCursor(ctx, s.network)
	if err != nil {
		return fmt.Errorf("load cursor: %w", err)
	}
	if !ok {
		cursor = saturatingSub(latest, s.cfg.BatchSize)
		if err := s.cursors.SaveCursor(ctx, s.network, cursor); err != nil {
			return fmt.Errorf("init cursor: %w", err)
		}
		s.logger.Info("cursor initialised", "block", cursor)
	}
	s.metrics.SetProgress(s.network, cursor, latest)
	if cursor >= latest {
		return sleep(ctx, s.cfg.WaitInterval)
	}

	ranges := Ranges(cursor, latest, s.cfg.BatchSize, s.cfg.Overlap)
	for start := 0; start < len(ranges); start += s.cfg.Concurrency {
		end := start + s.cfg.Concurrency
		if end > len(ranges) {
			end = len(ranges)
		}
		group := ranges[start:end]
		g, gctx := errgroup.WithContext(ctx)
		for _, r := range group {
			r := r
			g.Go(func() error { return s.processRange(gctx, r, seen) })
		}
		if err := g.Wait(); err != nil {
			return err
		}
		// every range of the group finished; only now may the cursor move
		boundary := group[len(group)-1].To
		if boundary <= cursor {
			continue
		}
		if err := s.cursors.SaveCursor(ctx, s.network, boundary); err != nil {
			return fmt.Errorf("save cursor: %w", err)
		}
		cursor = boundary
		s.metrics.SetProgress(s.network, cursor, latest)
	}
	return nil
}

func (s *Scanner) processRange(ctx context.Context, r BlockRange, seen *lru.Cache) error {
	started := time.Now()
	events, err := s.adapter.GetEvents(ctx, r.From, r.To)
	if err != nil {
		return fmt.Errorf("events %d-%d: %w", r.From, r.To, err)
	}
	for _, commit := range events.Commits {
		key := dedupKey("commit", commit.TransactionHash, commit.CommitID)
		if dup, _ := seen.ContainsOrAdd(key, struct{}{}); dup {
			s.metrics.RecordEvent(s.network, "commit", "duplicate")
			continue
		}
		if err := s.dispatcher.StartSwap(ctx, commit); err != nil {
			seen.Remove(key)
			s.metrics.RecordEvent(s.network, "commit", "failed")
			return fmt.Errorf("start swap %s: %w", commit.CommitID, err)
		}
		s.metrics.RecordEvent(s.network, "commit", "dispatched")
	}
	for _, lock := range events.Locks {
		key := dedupKey("lock", lock.TransactionHash, lock.CommitID)
		if dup, _ := seen.ContainsOrAdd(key, struct{}{}); dup {
			s.metrics.RecordEvent(s.network, "lock", "duplicate")
			continue
		}
		if err := s.dispatcher.DeliverLock(ctx, lock); err != nil {
			if errors.Is(err, context.Canceled) && ctx.Err() != nil {
				return err
			}
			s.metrics.RecordEvent(s.network, "lock", "undelivered")
			s.logger.Debug("lock not delivered", "commit_id", lock.CommitID, "error", err)
			continue
		}
		s.metrics.RecordEvent(s.network, "lock", "dispatched")
	}
	s.metrics.ObserveRange(s.network, time.Since(started))
	return nil
}

// Ranges splits (cursor − overlap, latest] into inclusive batches of size batch. The first
// range starts overlap blocks behind the cursor.
func Ranges(cursor, latest, batch, overlap uint64) []BlockRange {
	if batch == 0 || cursor >= latest {
		return nil
	}
	from := saturatingSub(cursor, overlap)
	var out []BlockRange
	for from <= latest {
		to := from + batch - 1
		if to > latest {
			to = latest
		}
		out = append(out, BlockRange{From: from, To: to})
		from = to + 1
	}
	return out
}

func dedupKey(kind, txHash, commitID string) string {
	return kind + ":" + txHash + ":" + commitID
}

func saturatingSub(a, b uint64) uint64 {
	if b > a {
		return 0
	}
	return a - b
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
