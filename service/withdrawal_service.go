package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/layer-3/compact/core"
	"github.com/layer-3/compact/internal/logging"
	"go.uber.org/zap"
)

// WithdrawalTracker derives the forced-withdrawal state of every lock from the
// reconciled balances. Lock state only moves on Observe; Tick refreshes the
// countdown and canExecute against the clock.
type WithdrawalTracker struct {
	exec   *Executor
	logger *zap.Logger
	now    func() time.Time

	mu       sync.Mutex
	balances map[core.LockKey]core.Balance
	// executed holds locks with a confirmed forced withdrawal the feed still reports as active
	executed map[core.LockKey]bool
	views    map[core.LockKey]core.WithdrawalView
}

func NewWithdrawalTracker(exec *Executor, logger *zap.Logger) *WithdrawalTracker {
	return &WithdrawalTracker{
		exec:     exec,
		logger:   logging.OrNop(logger),
		now:      time.Now,
		balances: map[core.LockKey]core.Balance{},
		executed: map[core.LockKey]bool{},
		views:    map[core.LockKey]core.WithdrawalView{},
	}
}

// Observe takes a fresh reconciled balance list
func (t *WithdrawalTracker) Observe(balances []core.Balance) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.balances = make(map[core.LockKey]core.Balance, len(balances))
	for _, b := range balances {
		t.balances[b.Key] = b
		if b.WithdrawalStatus == 0 {
			delete(t.executed, b.Key)
		}
	}
	for key := range t.executed {
		if _, ok := t.balances[key]; !ok {
			delete(t.executed, key)
		}
	}
	t.refresh()
}

// Tick recomputes every view at the current time
func (t *WithdrawalTracker) Tick() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.refresh()
}

func (t *WithdrawalTracker) refresh() {
	now := t.now()
	views := make(map[core.LockKey]core.WithdrawalView, len(t.balances))
	for key, b := range t.balances {
		v := core.NewWithdrawalView(key, b.WithdrawalStatus, b.WithdrawableAt, now)
		if t.executed[key] {
			v = v.AsExecuted()
		}
		views[key] = v
	}
	t.views = views
}

func (t *WithdrawalTracker) View(key core.LockKey) (core.WithdrawalView, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.views[key]
	return v, ok
}

// Views returns every view ordered by chain and lock id
func (t *WithdrawalTracker) Views() []core.WithdrawalView {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]core.WithdrawalView, 0, len(t.views))
	for _, v := range t.views {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key.ChainID != out[j].Key.ChainID {
			return out[i].Key.ChainID < out[j].Key.ChainID
		}
		return out[i].Key.LockID < out[j].Key.LockID
	})
	return out
}

func (t *WithdrawalTracker) balance(key core.LockKey) (core.Balance, core.WithdrawalView, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.balances[key]
	if !ok {
		return core.Balance{}, core.WithdrawalView{}, core.ErrUnknownLock
	}
	return b, t.views[key], nil
}

// Initiate enables forced withdrawal on an inactive lock
func (t *WithdrawalTracker) Initiate(ctx context.Context, key core.LockKey) (*Action, error) {
	_, v, err := t.balance(key)
	if err != nil {
		return nil, err
	}
	if v.State != core.WithdrawalInactive {
		return nil, core.ErrWithdrawalActive
	}
	return t.exec.Submit(ctx, core.ContractCall{
		ChainID: key.ChainID,
		Method:  core.MethodEnableForcedWithdrawal,
		LockID:  key.LockID,
	})
}

// Reactivate disables forced withdrawal; accepted at any non-zero status
func (t *WithdrawalTracker) Reactivate(ctx context.Context, key core.LockKey) (*Action, error) {
	b, _, err := t.balance(key)
	if err != nil {
		return nil, err
	}
	if b.WithdrawalStatus == 0 {
		return nil, core.ErrWithdrawalInactive
	}
	return t.exec.Submit(ctx, core.ContractCall{
		ChainID: key.ChainID,
		Method:  core.MethodDisableForcedWithdrawal,
		LockID:  key.LockID,
	})
}

// Execute withdraws amount to recipient once the timelock has elapsed.
// The lock shows as executed after confirmation until a poll reports status 0.
func (t *WithdrawalTracker) Execute(ctx context.Context, key core.LockKey, recipient common.Address, amount string) (*Action, error) {
	b, _, err := t.balance(key)
	if err != nil {
		return nil, err
	}
	if !core.CanExecute(b.WithdrawalStatus, b.WithdrawableAt, t.now()) {
		return nil, core.ErrWithdrawalNotReady
	}
	if recipient == (common.Address{}) {
		return nil, &core.ValidationError{Field: "recipient", Reason: "required"}
	}

	var decimals uint8
	if b.Lock != nil {
		decimals = b.Lock.Token.Decimals
	}
	value, err := core.ParseUnits(amount, decimals)
	if err != nil {
		return nil, &core.ValidationError{Field: "amount", Reason: err.Error()}
	}
	if value.GreaterThan(b.TotalBalance()) {
		return nil, &core.ValidationError{Field: "amount", Reason: "exceeds lock balance"}
	}

	a, err := t.exec.Submit(ctx, core.ContractCall{
		ChainID:   key.ChainID,
		Method:    core.MethodForcedWithdrawal,
		LockID:    key.LockID,
		Recipient: recipient,
		Amount:    value,
	})
	if err != nil {
		return nil, err
	}

	go func() {
		<-a.Done()
		if a.Err() != nil {
			return
		}
		t.mu.Lock()
		defer t.mu.Unlock()
		if b, ok := t.balances[key]; ok && b.WithdrawalStatus != 0 {
			t.executed[key] = true
			t.refresh()
		}
		t.logger.Info("forced withdrawal confirmed", zap.Stringer("lock", key), zap.Stringer("tx", a.Tx))
	}()
	return a, nil
}
