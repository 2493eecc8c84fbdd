package scanner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"htlcsolver/services/solverd/chain"
)

type fakeChain struct {
	chain.Adapter

	name   string
	mu     sync.Mutex
	latest []uint64
	events chain.Events
	// failAt makes the first range containing the block fail once
	failAt uint64
	failed bool
}

func (f *fakeChain) Network() string { return f.name }

func (f *fakeChain) GetLastConfirmedBlockNumber(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	head := f.latest[0]
	if len(f.latest) > 1 {
		f.latest = f.latest[1:]
	}
	return head, nil
}

func (f *fakeChain) GetEvents(_ context.Context, from, to uint64) (chain.Events, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAt != 0 && !f.failed && from <= f.failAt && f.failAt <= to {
		f.failed = true
		return chain.Events{}, errors.New("rpc timeout")
	}
	var out chain.Events
	for _, c := range f.events.Commits {
		if c.BlockNumber >= from && c.BlockNumber <= to {
			out.Commits = append(out.Commits, c)
		}
	}
	for _, l := range f.events.Locks {
		if l.BlockNumber >= from && l.BlockNumber <= to {
			out.Locks = append(out.Locks, l)
		}
	}
	return out, nil
}

type memCursors struct {
	mu      sync.Mutex
	value   map[string]uint64
	history []uint64
	target  uint64
	reached chan struct{}
}

func newCursors(target uint64) *memCursors {
	return &memCursors{value: make(map[string]uint64), target: target, reached: make(chan struct{})}
}

func (c *memCursors) GetCursor(_ context.Context, network string) (uint64, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.value[network]
	return v, ok, nil
}

func (c *memCursors) SaveCursor(_ context.Context, network string, block uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value[network] = block
	c.history = append(c.history, block)
	if block == c.target {
		select {
		case <-c.reached:
		default:
			close(c.reached)
		}
	}
	return nil
}

func (c *memCursors) saved() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uint64(nil), c.history...)
}

type recordingDispatcher struct {
	mu      sync.Mutex
	commits []string
	locks   []string
	lockErr error
}

func (d *recordingDispatcher) StartSwap(_ context.Context, ev chain.CommitEvent) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.commits = append(d.commits, ev.CommitID)
	return nil
}

func (d *recordingDispatcher) DeliverLock(_ context.Context, ev chain.LockEvent) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.locks = append(d.locks, ev.CommitID)
	return d.lockErr
}

func (d *recordingDispatcher) snapshot() ([]string, []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.commits...), append([]string(nil), d.locks...)
}

func fastConfig(concurrency int) Config {
	return Config{
		BatchSize:     10,
		Overlap:       15,
		Concurrency:   concurrency,
		WaitInterval:  time.Millisecond,
		MaxIterations: 1000,
		DedupCapacity: 128,
		RestartDelay:  time.Millisecond,
	}
}

func runUntil(t *testing.T, s *Scanner, reached <-chan struct{}) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	select {
	case <-reached:
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatalf("scanner did not reach target cursor")
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("unexpected run error: %v", err)
	}
}

func TestRanges(t *testing.T) {
	got := Ranges(100, 130, 10, 15)
	require.Equal(t, []BlockRange{{85, 94}, {95, 104}, {105, 114}, {115, 124}, {125, 130}}, got)
	require.Equal(t, []BlockRange{{0, 9}, {10, 12}}, Ranges(5, 12, 10, 15))
	require.Nil(t, Ranges(130, 130, 10, 15))
}

func TestCursorResumesAtGroupBoundaryAfterFailure(t *testing.T) {
	adapter := &fakeChain{name: "sepolia", latest: []uint64{200}, failAt: 150}
	cursors := newCursors(200)
	cursors.value["sepolia"] = 100
	s, err := New(adapter, cursors, &recordingDispatcher{}, fastConfig(4))
	require.NoError(t, err)

	runUntil(t, s, cursors.reached)

	// the group holding block 150 failed, so 164 was never persisted; the next generation
	// restarted from 124
	require.Equal(t, []uint64{124, 148, 188, 200}, cursors.saved())
}

func TestSamePassDedup(t *testing.T) {
	adapter := &fakeChain{
		name:   "sepolia",
		latest: []uint64{130, 140},
		events: chain.Events{
			Commits: []chain.CommitEvent{
				{CommitID: "c1", TransactionHash: "0x01", BlockNumber: 90},
				{CommitID: "c2", TransactionHash: "0x02", BlockNumber: 120},
			},
			Locks: []chain.LockEvent{{CommitID: "c2", TransactionHash: "0x03", BlockNumber: 122}},
		},
	}
	cursors := newCursors(140)
	cursors.value["sepolia"] = 100
	dispatcher := &recordingDispatcher{lockErr: errors.New("coordinator finished")}
	s, err := New(adapter, cursors, dispatcher, fastConfig(1))
	require.NoError(t, err)

	runUntil(t, s, cursors.reached)

	commits, locks := dispatcher.snapshot()
	require.Equal(t, []string{"c1", "c2"}, commits)
	require.Equal(t, []string{"c2"}, locks)
	// the failed lock delivery did not stop the scan and the overlap never moved the cursor back
	require.Equal(t, []uint64{104, 114, 124, 130, 134, 140}, cursors.saved())
}

func TestNewGenerationAfterMaxIterations(t *testing.T) {
	adapter := &fakeChain{
		name:   "sepolia",
		latest: []uint64{130, 140},
		events: chain.Events{
			Commits: []chain.CommitEvent{{CommitID: "c1", TransactionHash: "0x01", BlockNumber: 120}},
		},
	}
	cursors := newCursors(140)
	cursors.value["sepolia"] = 100
	dispatcher := &recordingDispatcher{}
	cfg := fastConfig(1)
	cfg.MaxIterations = 1
	s, err := New(adapter, cursors, dispatcher, cfg)
	require.NoError(t, err)

	runUntil(t, s, cursors.reached)

	// the second generation resumed from the persisted 130 rather than re-initialising
	require.Equal(t, []uint64{104, 114, 124, 130, 134, 140}, cursors.saved())
	// its fresh dedup set handed the overlapping commit to the coordinator again
	commits, _ := dispatcher.snapshot()
	require.Equal(t, []string{"c1", "c1"}, commits)
}

func TestCursorInitialisedBehindHead(t *testing.T) {
	adapter := &fakeChain{name: "sepolia", latest: []uint64{1000}}
	cursors := newCursors(1000)
	cfg := fastConfig(4)
	cfg.BatchSize = 100
	s, err := New(adapter, cursors, &recordingDispatcher{}, cfg)
	require.NoError(t, err)

	runUntil(t, s, cursors.reached)
	saved := cursors.saved()
	require.EqualValues(t, 900, saved[0])
	require.EqualValues(t, 1000, saved[len(saved)-1])
}

func TestManagerSync(t *testing.T) {
	factory := func(network string) (*Scanner, error) {
		if network == "broken" {
			return nil, errors.New("no adapter")
		}
		return New(&fakeChain{name: network, latest: []uint64{10}}, newCursors(0), &recordingDispatcher{}, fastConfig(1))
	}
	m := NewManager(factory, nil)
	ctx := context.Background()

	require.NoError(t, m.Sync(ctx, []string{"Sepolia", "base"}))
	require.Equal(t, []string{"base", "sepolia"}, m.Running())

	require.NoError(t, m.Sync(ctx, []string{"base"}))
	require.Equal(t, []string{"base"}, m.Running())

	require.Error(t, m.Sync(ctx, []string{"base", "broken"}))
	require.Equal(t, []string{"base"}, m.Running())

	m.Stop()
	require.Empty(t, m.Running())
}
