package service

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/layer-3/compact/core"
	"github.com/layer-3/compact/ports"
	"github.com/shopspring/decimal"
)

var (
	sponsor       = common.HexToAddress("0x2c7536E3605D9C16a7a3D7b1898e529396a65c23")
	allocatorAddr = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	recipient     = common.HexToAddress("0x00000000000000000000000000000000000000bb")
	lockKey       = core.LockKey{ChainID: 1, LockID: "16"}
)

func amount(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func feedEntry(key core.LockKey, allocatable, allocated string, status int) core.AllocatorBalance {
	return core.NewAllocatorBalance(key, amount(allocatable), amount(allocated), status)
}

func resourceLock(key core.LockKey, balance string, status int, withdrawableAt int64) core.ResourceLock {
	return core.ResourceLock{
		Key:              key,
		Token:            core.Token{Name: "Ether", Symbol: "ETH", Decimals: 18},
		Allocator:        allocatorAddr,
		ResetPeriod:      10 * time.Minute,
		IsMultichain:     true,
		Balance:          amount(balance),
		WithdrawalStatus: status,
		WithdrawableAt:   withdrawableAt,
	}
}

// fakeSessions is a fixed session source
type fakeSessions struct {
	mu            sync.Mutex
	address       common.Address
	sid           string
	invalidations []string
}

var _ Sessions = (*fakeSessions)(nil)

func newFakeSessions() *fakeSessions {
	return &fakeSessions{address: sponsor, sid: "sid-1"}
}

func (f *fakeSessions) Address() common.Address {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.address
}

func (f *fakeSessions) SessionID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sid
}

func (f *fakeSessions) Invalidate(_ context.Context, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sid = ""
	f.invalidations = append(f.invalidations, reason)
}

func (f *fakeSessions) invalidated() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.invalidations...)
}

// fakeFeed answers Balances from a queue of gated responses, or from a fixed answer
type fakeFeed struct {
	mu      sync.Mutex
	entries []core.AllocatorBalance
	err     error
	gates   []chan struct{}
	calls   int
}

var _ ports.BalanceFeed = (*fakeFeed)(nil)

func (f *fakeFeed) set(err error, entries ...core.AllocatorBalance) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries, f.err = entries, err
}

// hold makes the next call block until the returned func is called
func (f *fakeFeed) hold() func() {
	gate := make(chan struct{})
	f.mu.Lock()
	f.gates = append(f.gates, gate)
	f.mu.Unlock()
	return func() { close(gate) }
}

func (f *fakeFeed) Balances(ctx context.Context, _ string) ([]core.AllocatorBalance, error) {
	f.mu.Lock()
	f.calls++
	var gate chan struct{}
	if len(f.gates) > 0 {
		gate, f.gates = f.gates[0], f.gates[1:]
	}
	entries, err := f.entries, f.err
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return entries, err
}

// fakeIndexer returns fixed locks
type fakeIndexer struct {
	mu      sync.Mutex
	locks   []core.ResourceLock
	changed bool
	err     error
	calls   int
}

var _ ports.LockIndexer = (*fakeIndexer)(nil)

func (f *fakeIndexer) set(changed bool, err error, locks ...core.ResourceLock) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.locks, f.changed, f.err = locks, changed, err
}

func (f *fakeIndexer) ResourceLocks(context.Context, common.Address) ([]core.ResourceLock, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, false, f.err
	}
	return f.locks, f.changed, nil
}

// fakeWallet submits instantly and confirms when receipts are released
type fakeWallet struct {
	mu          sync.Mutex
	chainID     uint64
	switchErr   error
	submitErr   error
	receiptErr  error
	reverted    bool
	noReceipt   bool
	submitted   []core.ContractCall
	switches    []uint64
	holdReceipt chan struct{}
}

var (
	_ ports.TransactionSubmitter = (*fakeWallet)(nil)
	_ ports.ChainSwitcher        = (*fakeWallet)(nil)
)

func newFakeWallet() *fakeWallet {
	return &fakeWallet{chainID: 1}
}

func (w *fakeWallet) ChainID(context.Context) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.chainID, nil
}

func (w *fakeWallet) SwitchChain(_ context.Context, chainID uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.switches = append(w.switches, chainID)
	if w.switchErr != nil {
		return w.switchErr
	}
	w.chainID = chainID
	return nil
}

func (w *fakeWallet) Submit(_ context.Context, call core.ContractCall) (common.Hash, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.submitted = append(w.submitted, call)
	if w.submitErr != nil {
		return common.Hash{}, w.submitErr
	}
	return crypto.Keccak256Hash([]byte(call.Method), big.NewInt(int64(len(w.submitted))).Bytes()), nil
}

func (w *fakeWallet) WaitForReceipt(ctx context.Context, _ uint64, tx common.Hash) (*types.Receipt, error) {
	w.mu.Lock()
	hold, err, reverted, none := w.holdReceipt, w.receiptErr, w.reverted, w.noReceipt
	w.mu.Unlock()
	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil || none {
		return nil, err
	}
	status := types.ReceiptStatusSuccessful
	if reverted {
		status = types.ReceiptStatusFailed
	}
	return &types.Receipt{Status: status, TxHash: tx}, nil
}

func (w *fakeWallet) submissions() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.submitted)
}

// recordingNotifier keeps every notification
type recordingNotifier struct {
	mu  sync.Mutex
	all []core.Notification
}

var _ ports.Notifier = (*recordingNotifier)(nil)

func (r *recordingNotifier) Notify(_ context.Context, n core.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.all = append(r.all, n)
	return nil
}

func (r *recordingNotifier) stages() []core.Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]core.Stage, 0, len(r.all))
	for _, n := range r.all {
		out = append(out, n.Stage)
	}
	return out
}

// fakeCompactSigner signs with a counter nonce unless told to repeat one
type fakeCompactSigner struct {
	mu         sync.Mutex
	requests   []ports.CompactRequest
	err        error
	nonce      int64
	fixedNonce string
}

var _ ports.CompactSigner = (*fakeCompactSigner)(nil)

func (f *fakeCompactSigner) RequestCompact(_ context.Context, _ string, req ports.CompactRequest) (ports.CompactResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return ports.CompactResponse{}, f.err
	}
	f.nonce++
	nonce := big.NewInt(f.nonce).String()
	if f.fixedNonce != "" {
		nonce = f.fixedNonce
	}
	return ports.CompactResponse{
		Hash:      crypto.Keccak256Hash([]byte(nonce)),
		Signature: make([]byte, 65),
		Nonce:     nonce,
	}, nil
}

func (f *fakeCompactSigner) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

// fakeNonces reports a fixed set of consumed nonces
type fakeNonces struct {
	mu       sync.Mutex
	consumed map[string]bool
	err      error
}

var _ ports.NonceChecker = (*fakeNonces)(nil)

func (f *fakeNonces) consume(n *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.consumed == nil {
		f.consumed = map[string]bool{}
	}
	f.consumed[n.String()] = true
}

func (f *fakeNonces) IsNonceConsumed(_ context.Context, _ uint64, _ common.Address, nonce *big.Int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	return f.consumed[nonce.String()], nil
}

// balanceTable is a fixed BalanceLookup
type balanceTable map[core.LockKey]core.Balance

func (t balanceTable) Lookup(key core.LockKey) (core.Balance, bool) {
	b, ok := t[key]
	return b, ok
}
