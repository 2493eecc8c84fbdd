package scanner

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"htlcsolver/observability/logging"
	"htlcsolver/services/solverd/chain"
)

// Factory builds the scanner for a network.
type Factory func(network string) (*Scanner, error)

type running struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager owns one scanner goroutine per active network.
type Manager struct {
	factory Factory
	logger  *slog.Logger
	root    context.Context
	stop    context.CancelFunc

	mu      sync.Mutex
	running map[string]running
}

// NewManager constructs a manager. Scanners live until Stop or until Sync drops their
// network.
func NewManager(factory Factory, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	root, stop := context.WithCancel(context.Background())
	return &Manager{
		factory: factory,
		logger:  logging.Component(logger, "scanner"),
		root:    root,
		stop:    stop,
		running: make(map[string]running),
	}
}

// Sync starts scanners for networks not yet running and stops those no longer listed.
// Networks whose scanner cannot be built are skipped and reported in the returned error.
func (m *Manager) Sync(ctx context.Context, networks []string) error {
	wanted := make(map[string]struct{}, len(networks))
	for _, n := range networks {
		wanted[chain.NormalizeNetwork(n)] = struct{}{}
	}

	m.mu.Lock()
	var stopped []running
	for name, r := range m.running {
		if _, ok := wanted[name]; !ok {
			r.cancel()
			stopped = append(stopped, r)
			delete(m.running, name)
			m.logger.Info("scanner removed", "network", name)
		}
	}
	var firstErr error
	for name := range wanted {
		if _, ok := m.running[name]; ok || m.root.Err() != nil {
			continue
		}
		s, err := m.factory(name)
		if err != nil {
			m.logger.Error("build scanner", "network", name, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		runCtx, cancel := context.WithCancel(m.root)
		r := running{cancel: cancel, done: make(chan struct{})}
		m.running[name] = r
		go func() {
			defer close(r.done)
			_ = s.Run(runCtx)
		}()
		m.logger.Info("scanner added", "network", name)
	}
	m.mu.Unlock()

	for _, r := range stopped {
		select {
		case <-r.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return firstErr
}

// Running lists the networks currently scanned.
func (m *Manager) Running() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.running))
	for name := range m.running {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Stop cancels every scanner and waits for them to exit.
func (m *Manager) Stop() {
	m.stop()
	m.mu.Lock()
	all := make([]running, 0, len(m.running))
	for name, r := range m.running {
		all = append(all, r)
		delete(m.running, name)
	}
	m.mu.Unlock()
	for _, r := range all {
		<-r.done
	}
}
