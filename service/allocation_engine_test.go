package service

import (
	"context"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/layer-3/compact/adapters/allocator"
	"github.com/layer-3/compact/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type engineFixture struct {
	engine   *AllocationEngine
	signer   *fakeCompactSigner
	sessions *fakeSessions
	balances balanceTable
	wallet   *fakeWallet
	notes    *recordingNotifier
	nonces   *fakeNonces
	now      time.Time
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	exec, w, n := newTestExecutor()
	f := &engineFixture{
		signer:   &fakeCompactSigner{},
		sessions: newFakeSessions(),
		balances: balanceTable{},
		wallet:   w,
		notes:    n,
		nonces:   &fakeNonces{},
		now:      time.Unix(1700000000, 0),
	}
	// 2 ETH allocatable, 0.5 ETH already allocated
	f.setBalance("2000000000000000000", "500000000000000000")
	f.engine = NewAllocationEngine(f.signer, f.sessions, f.balances, exec, f.nonces, nil, nil)
	f.engine.now = func() time.Time { return f.now }
	return f
}

func (f *engineFixture) setBalance(allocatable, allocated string) {
	feed := []core.AllocatorBalance{feedEntry(lockKey, allocatable, allocated, 0)}
	next, _ := Reconcile(nil, feed, lockMap(resourceLock(lockKey, allocatable, 0, 0)))
	f.balances[lockKey] = next[0]
}

func (f *engineFixture) request(amount string) AllocationRequest {
	return AllocationRequest{
		Kind:      core.ActionTransfer,
		Key:       lockKey,
		Amount:    amount,
		Recipient: recipient.Hex(),
		Expires:   f.now.Add(5 * time.Minute),
	}
}

func TestAllocationHappyPath(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	a := f.engine.NewAllocation()
	assert.Equal(t, AllocationIdle, a.State())

	cert, err := a.Request(ctx, f.request("1.5"))
	require.NoError(t, err)
	assert.Equal(t, AllocationHeld, a.State())
	assert.True(t, a.Frozen())
	assert.Same(t, cert, a.Certificate())
	assert.Equal(t, "1500000000000000000", cert.Amount().String())
	assert.Equal(t, recipient, cert.Recipient())
	assert.Equal(t, sponsor, cert.Sponsor())
	assert.Equal(t, allocatorAddr, cert.Allocator())

	require.Len(t, f.signer.requests, 1)
	req := f.signer.requests[0]
	assert.Equal(t, sponsor, req.Sponsor)
	assert.Equal(t, f.now.Add(5*time.Minute).Unix(), req.Expires)
	assert.Equal(t, lockKey.LockID, req.LockID)

	tx, err := a.Submit(ctx)
	require.NoError(t, err)
	assert.Equal(t, tx, a.TxHash())
	assert.Nil(t, a.Certificate())

	require.NoError(t, a.Await(ctx))
	assert.Equal(t, AllocationIdle, a.State())
	assert.False(t, a.Frozen())
	assert.Equal(t, []core.Stage{core.StageInitiated, core.StageSubmitted, core.StageConfirmed}, f.notes.stages())

	submitted := f.wallet.submitted[0]
	assert.Equal(t, core.MethodAllocatedTransfer, submitted.Method)
	assert.Same(t, cert, submitted.Certificate)
}

func TestAllocationWithdrawalMethod(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	a := f.engine.NewAllocation()

	req := f.request("1")
	req.Kind = core.ActionWithdrawal
	_, err := a.Request(ctx, req)
	require.NoError(t, err)
	_, err = a.Submit(ctx)
	require.NoError(t, err)
	assert.Equal(t, core.MethodAllocatedWithdrawal, f.wallet.submitted[0].Method)
}

func TestAllocationValidationNeverCallsAllocator(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(f *engineFixture, r *AllocationRequest)
		field  string
	}{
		{"exceeds available", func(_ *engineFixture, r *AllocationRequest) { r.Amount = "1.6" }, "amount"},
		{"zero", func(_ *engineFixture, r *AllocationRequest) { r.Amount = "0" }, "amount"},
		{"negative", func(_ *engineFixture, r *AllocationRequest) { r.Amount = "-1" }, "amount"},
		{"not a number", func(_ *engineFixture, r *AllocationRequest) { r.Amount = "lots" }, "amount"},
		{"too precise", func(_ *engineFixture, r *AllocationRequest) { r.Amount = "0.0000000000000000001" }, "amount"},
		{"bad recipient", func(_ *engineFixture, r *AllocationRequest) { r.Recipient = "0x1234" }, "recipient"},
		{"zero recipient", func(_ *engineFixture, r *AllocationRequest) { r.Recipient = "0x0000000000000000000000000000000000000000" }, "recipient"},
		{"expired", func(f *engineFixture, r *AllocationRequest) { r.Expires = f.now }, "expires"},
		{"beyond reset period", func(f *engineFixture, r *AllocationRequest) { r.Expires = f.now.Add(11 * time.Minute) }, "expires"},
		{"unknown lock", func(_ *engineFixture, r *AllocationRequest) { r.Key = core.LockKey{ChainID: 1, LockID: "99"} }, "lockId"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newEngineFixture(t)
			a := f.engine.NewAllocation()
			req := f.request("1")
			tc.mutate(f, &req)

			_, err := a.Request(context.Background(), req)
			var ve *core.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tc.field, ve.Field)
			assert.Equal(t, AllocationIdle, a.State())
			assert.Equal(t, 0, f.signer.calls())
		})
	}
}

func TestAllocationExpiryCappedAtTwoHours(t *testing.T) {
	f := newEngineFixture(t)
	lock := *f.balances[lockKey].Lock
	lock.ResetPeriod = 24 * time.Hour
	b := f.balances[lockKey]
	b.Lock = &lock
	f.balances[lockKey] = b

	a := f.engine.NewAllocation()
	req := f.request("1")
	req.Expires = f.now.Add(2*time.Hour + time.Second)
	_, err := a.Request(context.Background(), req)
	assert.True(t, core.IsValidation(err))

	req.Expires = f.now.Add(2 * time.Hour)
	_, err = a.Request(context.Background(), req)
	assert.NoError(t, err)
}

func TestAllocationUnenrichedLockRejected(t *testing.T) {
	f := newEngineFixture(t)
	b := f.balances[lockKey]
	b.Lock = nil
	f.balances[lockKey] = b

	_, err := f.engine.NewAllocation().Request(context.Background(), f.request("1"))
	assert.True(t, core.IsValidation(err))
	assert.Equal(t, 0, f.signer.calls())
}

func TestAllocationRequiresSession(t *testing.T) {
	f := newEngineFixture(t)
	f.sessions.sid = ""
	_, err := f.engine.NewAllocation().Request(context.Background(), f.request("1"))
	assert.ErrorIs(t, err, core.ErrNoSession)
	assert.Equal(t, 0, f.signer.calls())
}

func TestAllocationRequestUnauthorized(t *testing.T) {
	f := newEngineFixture(t)
	f.signer.err = &allocator.APIError{Status: 401}
	a := f.engine.NewAllocation()

	_, err := a.Request(context.Background(), f.request("1"))
	assert.ErrorIs(t, err, core.ErrUnauthorized)
	assert.Equal(t, AllocationFailed, a.State())
	assert.Equal(t, []string{ReasonUnauthorized}, f.sessions.invalidated())

	require.NoError(t, a.Reset())
	assert.Equal(t, AllocationIdle, a.State())
}

func TestAllocationUserDeclinesSubmission(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	f.wallet.submitErr = fmt.Errorf("wallet: %w", core.ErrUserRejected)
	a := f.engine.NewAllocation()

	_, err := a.Request(ctx, f.request("1"))
	require.NoError(t, err)
	_, err = a.Submit(ctx)
	assert.ErrorIs(t, err, core.ErrUserRejected)

	assert.Equal(t, AllocationIdle, a.State())
	assert.NoError(t, a.Err())
	assert.Nil(t, a.Certificate())
	assert.False(t, a.Frozen())
	assert.NotContains(t, f.notes.stages(), core.StageFailed)
}

func TestAllocationReplacesOutstandingCertificate(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	a := f.engine.NewAllocation()

	first, err := a.Request(ctx, f.request("1"))
	require.NoError(t, err)
	second, err := a.Request(ctx, f.request("1.2"))
	require.NoError(t, err)

	assert.NotSame(t, first, second)
	assert.Same(t, second, a.Certificate())
	assert.Equal(t, "1200000000000000000", a.Certificate().Amount().String())
}

func TestAllocationNonceNeverReused(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	f.signer.fixedNonce = "7"

	a := f.engine.NewAllocation()
	_, err := a.Request(ctx, f.request("1"))
	require.NoError(t, err)
	_, err = a.Submit(ctx)
	require.NoError(t, err)
	require.NoError(t, a.Await(ctx))

	// the allocator hands out the consumed nonce again
	_, err = a.Request(ctx, f.request("1"))
	assert.ErrorIs(t, err, core.ErrNonceConsumed)
	assert.Equal(t, AllocationFailed, a.State())
	_, err = a.Submit(ctx)
	assert.ErrorIs(t, err, core.ErrNoCertificate)
	assert.Equal(t, 1, f.wallet.submissions())
}

func TestAllocationNonceConsumedOnChain(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	a := f.engine.NewAllocation()

	cert, err := a.Request(ctx, f.request("1"))
	require.NoError(t, err)
	consumed, err := a.CheckNonce(ctx)
	require.NoError(t, err)
	assert.False(t, consumed)

	f.nonces.consume(cert.Nonce())
	consumed, err = a.CheckNonce(ctx)
	require.NoError(t, err)
	assert.True(t, consumed)
	assert.Equal(t, AllocationFailed, a.State())
	assert.ErrorIs(t, a.Err(), core.ErrNonceConsumed)
	assert.Nil(t, a.Certificate())

	_, err = a.Submit(ctx)
	assert.ErrorIs(t, err, core.ErrNoCertificate)
	assert.Equal(t, 0, f.wallet.submissions())
}

func TestAllocationSubmitRechecksNonce(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	a := f.engine.NewAllocation()

	cert, err := a.Request(ctx, f.request("1"))
	require.NoError(t, err)
	f.nonces.consume(cert.Nonce())

	_, err = a.Submit(ctx)
	assert.ErrorIs(t, err, core.ErrNonceConsumed)
	assert.Equal(t, AllocationFailed, a.State())
	assert.Equal(t, 0, f.wallet.submissions())
}

func TestAllocationTransientNonceCheckKeepsCertificate(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	a := f.engine.NewAllocation()

	_, err := a.Request(ctx, f.request("1"))
	require.NoError(t, err)
	f.nonces.err = fmt.Errorf("rpc timeout")

	_, err = a.Submit(ctx)
	assert.Error(t, err)
	assert.Equal(t, AllocationHeld, a.State())
	assert.NotNil(t, a.Certificate())
}

func TestAllocationSubmitRechecksBalance(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	a := f.engine.NewAllocation()

	_, err := a.Request(ctx, f.request("1.5"))
	require.NoError(t, err)

	// a withdrawal elsewhere shrank the lock
	f.setBalance("1000000000000000000", "0")
	_, err = a.Submit(ctx)
	assert.ErrorIs(t, err, core.ErrAllocationExceedsBalance)
	assert.True(t, core.IsProtocol(err))
	assert.Equal(t, AllocationFailed, a.State())
	assert.Equal(t, 0, f.wallet.submissions())
}

func TestAllocationExpiredBeforeSubmit(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	a := f.engine.NewAllocation()

	_, err := a.Request(ctx, f.request("1"))
	require.NoError(t, err)
	f.now = f.now.Add(10 * time.Minute)

	_, err = a.Submit(ctx)
	assert.True(t, core.IsValidation(err))
	assert.Equal(t, AllocationFailed, a.State())
	assert.Equal(t, 0, f.wallet.submissions())
}

func TestAllocationBusyWhileSubmitted(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	f.wallet.holdReceipt = make(chan struct{})
	a := f.engine.NewAllocation()

	_, err := a.Request(ctx, f.request("1"))
	require.NoError(t, err)
	_, err = a.Submit(ctx)
	require.NoError(t, err)
	assert.Equal(t, AllocationSubmitted, a.State())

	_, err = a.Request(ctx, f.request("1"))
	assert.ErrorIs(t, err, core.ErrActionBusy)
	// the pending confirmation keeps its tracking
	assert.ErrorIs(t, a.Reset(), core.ErrActionBusy)
	assert.Equal(t, AllocationSubmitted, a.State())

	close(f.wallet.holdReceipt)
	require.NoError(t, a.Await(ctx))
	assert.Equal(t, AllocationIdle, a.State())
}

func TestAllocationConfirmationFailure(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	f.wallet.reverted = true
	a := f.engine.NewAllocation()

	_, err := a.Request(ctx, f.request("1"))
	require.NoError(t, err)
	_, err = a.Submit(ctx)
	require.NoError(t, err)

	assert.ErrorIs(t, a.Await(ctx), core.ErrTransactionReverted)
	assert.Equal(t, AllocationFailed, a.State())
}

func TestAllocationHexNonce(t *testing.T) {
	f := newEngineFixture(t)
	f.signer.fixedNonce = "0xff"
	cert, err := f.engine.NewAllocation().Request(context.Background(), f.request("1"))
	require.NoError(t, err)
	assert.Equal(t, 0, cert.Nonce().Cmp(big.NewInt(255)))
}
