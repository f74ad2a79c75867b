package service

import (
	"context"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/layer-3/compact/core"
	"github.com/layer-3/compact/internal/logging"
	"github.com/layer-3/compact/internal/metrics"
	"github.com/layer-3/compact/ports"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Poll sources
const (
	SourceAllocator = "allocator"
	SourceIndexer   = "indexer"
)

// Reconcile merges the allocator feed with indexer lock records into one
// balance per lock, in feed order. Entries that render the same as in prev
// are reused as-is; when nothing changed prev itself is returned with false.
func Reconcile(prev []core.Balance, feed []core.AllocatorBalance, locks map[core.LockKey]core.ResourceLock) ([]core.Balance, bool) {
	byKey := make(map[core.LockKey]core.Balance, len(prev))
	for _, b := range prev {
		byKey[b.Key] = b
	}

	changed := len(prev) != len(feed)
	next := make([]core.Balance, 0, len(feed))
	for i, f := range feed {
		b := merge(f, locks)
		if p, ok := byKey[b.Key]; ok && p.SameRendering(b) {
			b = p
		} else {
			changed = true
		}
		if i >= len(prev) || prev[i].Key != b.Key {
			changed = true
		}
		next = append(next, b)
	}

	if !changed {
		return prev, false
	}
	return next, true
}

// merge takes balance numbers from the allocator and lock state from the indexer
func merge(f core.AllocatorBalance, locks map[core.LockKey]core.ResourceLock) core.Balance {
	b := core.Balance{
		Key:                        f.Key,
		AllocatableBalance:         f.AllocatableBalance,
		AllocatedBalance:           f.AllocatedBalance,
		BalanceAvailableToAllocate: core.AvailableToAllocate(f.AllocatableBalance, f.AllocatedBalance),
		WithdrawalStatus:           f.WithdrawalStatus,
	}
	lock, ok := locks[f.Key]
	if !ok {
		return b
	}
	b.WithdrawalStatus = lock.WithdrawalStatus
	b.WithdrawableAt = lock.WithdrawableAt
	b.Lock = &lock

	d := lock.Token.Decimals
	b.Formatted = &core.FormattedAmounts{
		Allocatable:         core.FormatUnits(b.AllocatableBalance, d),
		Allocated:           core.FormatUnits(b.AllocatedBalance, d),
		AvailableToAllocate: core.FormatUnits(b.BalanceAvailableToAllocate, d),
		Total:               core.FormatUnits(lock.Balance, d),
	}
	return b
}

// Snapshot is the reconciled view at one point in time
type Snapshot struct {
	Balances []core.Balance
	// Version increases every time Balances changes
	Version      uint64
	AllocatorErr error
	IndexerErr   error
}

// Err returns the first source error, if any
func (s Snapshot) Err() error {
	if s.AllocatorErr != nil {
		return s.AllocatorErr
	}
	return s.IndexerErr
}

// sourceState tracks one polled source. seq numbers each started request and
// applied is the seq of the newest response accepted so far.
type sourceState struct {
	seq     uint64
	applied uint64
	err     error
}

func (s *sourceState) begin() uint64 {
	s.seq++
	return s.seq
}

// accept reports whether the response to request seq is still the newest
func (s *sourceState) accept(seq uint64) bool {
	if seq <= s.applied {
		return false
	}
	s.applied = seq
	return true
}

// Reconciler keeps the canonical balance view fed by the allocator and the indexer.
type Reconciler struct {
	feed     ports.BalanceFeed
	indexer  ports.LockIndexer
	sessions Sessions
	logger   *zap.Logger
	metrics  *metrics.Metrics

	mu        sync.Mutex
	gen       uint64
	allocator sourceState
	index     sourceState
	entries   []core.AllocatorBalance
	locks     map[core.LockKey]core.ResourceLock
	haveLocks bool
	balances  []core.Balance
	version   uint64
	observers []func([]core.Balance)
}

func NewReconciler(feed ports.BalanceFeed, indexer ports.LockIndexer, sessions Sessions, logger *zap.Logger, m *metrics.Metrics) *Reconciler {
	return &Reconciler{
		feed:     feed,
		indexer:  indexer,
		sessions: sessions,
		logger:   logging.OrNop(logger),
		metrics:  m,
		locks:    map[core.LockKey]core.ResourceLock{},
	}
}

// OnChange registers fn to receive every new balance list. fn must not call back into the Reconciler.
func (r *Reconciler) OnChange(fn func([]core.Balance)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, fn)
}

// Poll refreshes both sources concurrently and returns the resulting snapshot
func (r *Reconciler) Poll(ctx context.Context) (Snapshot, error) {
	var g errgroup.Group
	g.Go(func() error { return r.PollAllocator(ctx) })
	g.Go(func() error { return r.PollIndexer(ctx) })
	err := g.Wait()
	return r.Snapshot(), err
}

// PollAllocator fetches the authenticated balance feed. Without a session it
// clears the feed and returns nil. A failed fetch keeps the last good balances.
func (r *Reconciler) PollAllocator(ctx context.Context) error {
	r.mu.Lock()
	gen, seq := r.gen, r.allocator.begin()
	sid := r.sessions.SessionID()
	if sid == "" {
		r.allocator.accept(seq)
		r.allocator.err = nil
		r.entries = nil
		fire := r.recompute()
		r.mu.Unlock()
		fire()
		return nil
	}
	r.mu.Unlock()

	entries, err := r.feed.Balances(ctx, sid)

	r.mu.Lock()
	// a session change while in flight means the answer belongs to another account
	if gen != r.gen || r.sessions.SessionID() != sid || !r.allocator.accept(seq) {
		r.mu.Unlock()
		r.metrics.Poll(SourceAllocator, metrics.ResultStale)
		return nil
	}
	if err != nil {
		r.allocator.err = err
		r.mu.Unlock()
		r.metrics.Poll(SourceAllocator, metrics.ResultError)
		r.logger.Warn("balance poll failed", zap.Error(err))
		if core.IsAuthorization(err) {
			r.sessions.Invalidate(ctx, ReasonUnauthorized)
		}
		return err
	}
	r.allocator.err = nil
	r.entries = entries
	before := r.version
	fire := r.recompute()
	changed := r.version != before
	r.mu.Unlock()

	fire()
	r.metrics.Poll(SourceAllocator, result(changed))
	return nil
}

// PollIndexer refreshes lock metadata for the current address
func (r *Reconciler) PollIndexer(ctx context.Context) error {
	r.mu.Lock()
	address := r.sessions.Address()
	if address == (common.Address{}) {
		r.mu.Unlock()
		return nil
	}
	gen, seq := r.gen, r.index.begin()
	r.mu.Unlock()

	locks, changed, err := r.indexer.ResourceLocks(ctx, address)

	r.mu.Lock()
	if gen != r.gen || r.sessions.Address() != address || !r.index.accept(seq) {
		r.mu.Unlock()
		r.metrics.Poll(SourceIndexer, metrics.ResultStale)
		return nil
	}
	if err != nil {
		r.index.err = err
		r.mu.Unlock()
		r.metrics.Poll(SourceIndexer, metrics.ResultError)
		r.logger.Warn("indexer poll failed", zap.Error(err))
		return err
	}
	r.index.err = nil
	if !changed && r.haveLocks {
		r.mu.Unlock()
		r.metrics.Poll(SourceIndexer, metrics.ResultUnchanged)
		return nil
	}
	r.locks = make(map[core.LockKey]core.ResourceLock, len(locks))
	for _, l := range locks {
		r.locks[l.Key] = l
	}
	r.haveLocks = true
	before := r.version
	fire := r.recompute()
	changed = r.version != before
	r.mu.Unlock()

	fire()
	r.metrics.Poll(SourceIndexer, result(changed))
	return nil
}

// recompute must be called with mu held. The returned func notifies observers and
// must be called after mu is released.
func (r *Reconciler) recompute() func() {
	next, changed := Reconcile(r.balances, r.entries, r.locks)
	if !changed {
		return func() {}
	}
	r.balances = next
	r.version++
	observers := append([]func([]core.Balance){}, r.observers...)
	return func() {
		for _, fn := range observers {
			fn(next)
		}
	}
}

// Reset drops all state. Responses to requests started before Reset are discarded.
func (r *Reconciler) Reset() {
	r.mu.Lock()
	r.gen++
	r.allocator = sourceState{}
	r.index = sourceState{}
	r.entries = nil
	r.locks = map[core.LockKey]core.ResourceLock{}
	r.haveLocks = false
	fire := r.recompute()
	r.mu.Unlock()
	fire()
}

func (r *Reconciler) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Snapshot{
		Balances:     r.balances,
		Version:      r.version,
		AllocatorErr: r.allocator.err,
		IndexerErr:   r.index.err,
	}
}

// Lookup returns the reconciled balance of one lock
func (r *Reconciler) Lookup(key core.LockKey) (core.Balance, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.balances {
		if b.Key == key {
			return b, true
		}
	}
	return core.Balance{}, false
}

// Locks returns every lock the indexer reports, including locks the allocator feed omits
func (r *Reconciler) Locks() []core.ResourceLock {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]core.ResourceLock, 0, len(r.locks))
	for _, l := range r.locks {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key.ChainID != out[j].Key.ChainID {
			return out[i].Key.ChainID < out[j].Key.ChainID
		}
		return out[i].Key.LockID < out[j].Key.LockID
	})
	return out
}

func result(changed bool) string {
	if changed {
		return metrics.ResultChanged
	}
	return metrics.ResultUnchanged
}
