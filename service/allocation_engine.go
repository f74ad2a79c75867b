package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/google/uuid"
	"github.com/layer-3/compact/core"
	"github.com/layer-3/compact/internal/logging"
	"github.com/layer-3/compact/internal/metrics"
	"github.com/layer-3/compact/ports"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// DefaultMaxExpiry caps how far in the future an allocation may expire
const DefaultMaxExpiry = 2 * time.Hour

// AllocationState is the step an allocated transfer or withdrawal is at
type AllocationState int

const (
	AllocationIdle AllocationState = iota
	AllocationRequesting
	AllocationHeld
	AllocationSubmitting
	AllocationSubmitted
	AllocationConfirmed
	AllocationFailed
)

func (s AllocationState) String() string {
	switch s {
	case AllocationIdle:
		return "idle"
	case AllocationRequesting:
		return "requesting_allocation"
	case AllocationHeld:
		return "has_allocation"
	case AllocationSubmitting:
		return "submitting"
	case AllocationSubmitted:
		return "submitted"
	case AllocationConfirmed:
		return "confirmed"
	case AllocationFailed:
		return "failed"
	default:
		return fmt.Sprintf("AllocationState(%d)", int(s))
	}
}

// BalanceLookup resolves the reconciled balance of a lock
type BalanceLookup interface {
	Lookup(key core.LockKey) (core.Balance, bool)
}

// AllocationRequest is the form input of an allocated action
type AllocationRequest struct {
	Kind core.ActionKind
	Key  core.LockKey
	// Amount is in token units, e.g. "1.5"
	Amount    string
	Recipient string
	Expires   time.Time
}

// AllocationEngine requests allocation certificates and submits them on-chain.
// It keeps a ledger of nonces that were already used for a submission attempt.
type AllocationEngine struct {
	signer    ports.CompactSigner
	sessions  Sessions
	balances  BalanceLookup
	exec      *Executor
	nonces    ports.NonceChecker
	logger    *zap.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
	maxExpiry time.Duration

	mu   sync.Mutex
	used map[string]bool
}

// NewAllocationEngine creates an engine. nonces may be nil when no chain reader is available.
func NewAllocationEngine(
	signer ports.CompactSigner,
	sessions Sessions,
	balances BalanceLookup,
	exec *Executor,
	nonces ports.NonceChecker,
	logger *zap.Logger,
	m *metrics.Metrics,
) *AllocationEngine {
	return &AllocationEngine{
		signer:    signer,
		sessions:  sessions,
		balances:  balances,
		exec:      exec,
		nonces:    nonces,
		logger:    logging.OrNop(logger),
		metrics:   m,
		now:       time.Now,
		maxExpiry: DefaultMaxExpiry,
		used:      map[string]bool{},
	}
}

// SetMaxExpiry caps how far in the future an allocation may expire. Non-positive values are ignored.
func (e *AllocationEngine) SetMaxExpiry(d time.Duration) {
	if d > 0 {
		e.maxExpiry = d
	}
}

// NewAllocation starts a fresh action in the idle state
func (e *AllocationEngine) NewAllocation() *Allocation {
	return &Allocation{id: uuid.NewString(), engine: e, state: AllocationIdle}
}

func (e *AllocationEngine) markUsed(c *core.AllocationCertificate) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.used[c.NonceKey()] = true
}

func (e *AllocationEngine) isUsed(c *core.AllocationCertificate) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.used[c.NonceKey()]
}

// consumed checks the local ledger, then the chain
func (e *AllocationEngine) consumed(ctx context.Context, c *core.AllocationCertificate) (bool, error) {
	if e.isUsed(c) {
		return true, nil
	}
	if e.nonces == nil {
		return false, nil
	}
	ok, err := e.nonces.IsNonceConsumed(ctx, c.ChainID(), c.Allocator(), c.Nonce())
	if err != nil {
		return false, fmt.Errorf("failed to check nonce: %w", err)
	}
	if ok {
		e.markUsed(c)
	}
	return ok, nil
}

type validRequest struct {
	kind      core.ActionKind
	key       core.LockKey
	amount    decimal.Decimal
	recipient common.Address
	expires   time.Time
	allocator common.Address
}

// validate applies every local form rule. It never touches the network.
func (e *AllocationEngine) validate(req AllocationRequest) (validRequest, error) {
	b, ok := e.balances.Lookup(req.Key)
	if !ok || !b.Enriched() {
		return validRequest{}, &core.ValidationError{Field: "lockId", Reason: core.ErrUnknownLock.Error()}
	}

	amount, err := core.ParseUnits(req.Amount, b.Lock.Token.Decimals)
	if err != nil {
		return validRequest{}, &core.ValidationError{Field: "amount", Reason: "must be a number with at most " + fmt.Sprint(b.Lock.Token.Decimals) + " decimals"}
	}
	switch {
	case !amount.IsPositive():
		return validRequest{}, &core.ValidationError{Field: "amount", Reason: "must be greater than zero"}
	case amount.GreaterThan(b.BalanceAvailableToAllocate):
		return validRequest{}, &core.ValidationError{Field: "amount", Reason: "exceeds balance available to allocate"}
	case amount.GreaterThan(b.TotalBalance()):
		return validRequest{}, &core.ValidationError{Field: "amount", Reason: "exceeds lock balance"}
	}

	raw := strings.TrimSpace(req.Recipient)
	if !common.IsHexAddress(raw) {
		return validRequest{}, &core.ValidationError{Field: "recipient", Reason: "must be a valid address"}
	}
	recipient := common.HexToAddress(raw)
	if recipient == (common.Address{}) {
		return validRequest{}, &core.ValidationError{Field: "recipient", Reason: "must not be the zero address"}
	}

	now := e.now()
	limit := e.maxExpiry
	if b.Lock.ResetPeriod < limit {
		limit = b.Lock.ResetPeriod
	}
	switch {
	case !req.Expires.After(now):
		return validRequest{}, &core.ValidationError{Field: "expires", Reason: "must be in the future"}
	case req.Expires.After(now.Add(limit)):
		return validRequest{}, &core.ValidationError{Field: "expires", Reason: "must be within " + core.FormatResetPeriod(limit)}
	}

	return validRequest{
		kind:      req.Kind,
		key:       req.Key,
		amount:    amount,
		recipient: recipient,
		expires:   req.Expires,
		allocator: b.Lock.Allocator,
	}, nil
}

// Allocation is one allocated transfer or withdrawal. It holds at most one
// certificate; a new request replaces the previous one.
type Allocation struct {
	id     string
	engine *AllocationEngine

	mu     sync.Mutex
	state  AllocationState
	frozen *validRequest
	cert   *core.AllocationCertificate
	tx     common.Hash
	err    error
	// epoch changes on Reset and on every new request so late results are dropped
	epoch   uint64
	settled chan struct{}
}

func (a *Allocation) ID() string { return a.id }

func (a *Allocation) State() AllocationState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Certificate returns the outstanding certificate, or nil
func (a *Allocation) Certificate() *core.AllocationCertificate {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cert
}

// Frozen reports whether the form is bound to a certificate or a submission
func (a *Allocation) Frozen() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.frozen != nil
}

// Err is the surfaced failure of the last step, if any
func (a *Allocation) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}

// TxHash is the pending or confirmed transaction, zero before submission
func (a *Allocation) TxHash() common.Hash {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.tx
}

func (a *Allocation) setState(s AllocationState) {
	a.state = s
	a.engine.metrics.Stage(s.String())
}

// fail moves to the failed state and discards the certificate. Must hold mu.
func (a *Allocation) fail(err error) error {
	a.cert = nil
	a.frozen = nil
	a.err = err
	a.setState(AllocationFailed)
	return err
}

// Request validates req locally and asks the allocator for a certificate.
// Validation failures leave the action untouched and return a *core.ValidationError.
func (a *Allocation) Request(ctx context.Context, req AllocationRequest) (*core.AllocationCertificate, error) {
	e := a.engine

	a.mu.Lock()
	switch a.state {
	case AllocationRequesting, AllocationSubmitting, AllocationSubmitted:
		a.mu.Unlock()
		return nil, core.ErrActionBusy
	}
	a.mu.Unlock()

	v, err := e.validate(req)
	if err != nil {
		return nil, err
	}
	sid := e.sessions.SessionID()
	if sid == "" {
		return nil, core.ErrNoSession
	}
	sponsor := e.sessions.Address()

	a.mu.Lock()
	if a.state == AllocationRequesting || a.state == AllocationSubmitting || a.state == AllocationSubmitted {
		a.mu.Unlock()
		return nil, core.ErrActionBusy
	}
	a.epoch++
	epoch := a.epoch
	a.cert = nil
	a.frozen = nil
	a.err = nil
	a.tx = common.Hash{}
	a.setState(AllocationRequesting)
	a.mu.Unlock()

	resp, err := e.signer.RequestCompact(ctx, sid, ports.CompactRequest{
		ChainID: v.key.ChainID,
		Arbiter: sponsor,
		Sponsor: sponsor,
		Expires: v.expires.Unix(),
		LockID:  v.key.LockID,
		Amount:  v.amount,
	})

	var cert *core.AllocationCertificate
	if err == nil {
		cert, err = certificate(v, sponsor, resp)
	}
	if err == nil && e.isUsed(cert) {
		err = core.ErrNonceConsumed
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.epoch != epoch {
		return nil, core.ErrActionBusy
	}
	if err != nil {
		if core.IsAuthorization(err) {
			e.sessions.Invalidate(ctx, ReasonUnauthorized)
		}
		e.logger.Warn("allocation request failed", zap.String("action", a.id), zap.Error(err))
		return nil, a.fail(err)
	}

	a.cert = cert
	a.frozen = &v
	a.setState(AllocationHeld)
	e.logger.Debug("allocation received",
		zap.String("action", a.id),
		zap.Stringer("lock", v.key),
		zap.Stringer("nonce", cert.Nonce()),
	)
	return cert, nil
}

func certificate(v validRequest, sponsor common.Address, resp ports.CompactResponse) (*core.AllocationCertificate, error) {
	nonce, ok := math.ParseBig256(resp.Nonce)
	if !ok {
		return nil, fmt.Errorf("nonce %q: %w", resp.Nonce, core.ErrMalformedResponse)
	}
	return core.NewAllocationCertificate(core.CertificateParams{
		Kind:      v.kind,
		ChainID:   v.key.ChainID,
		Hash:      resp.Hash,
		Signature: resp.Signature,
		Nonce:     nonce,
		Expires:   v.expires.Unix(),
		LockID:    v.key.LockID,
		Amount:    v.amount,
		Sponsor:   sponsor,
		Allocator: v.allocator,
		Recipient: v.recipient,
	})
}

// CheckNonce asks whether the outstanding certificate's nonce was consumed
// elsewhere. A consumed nonce kills the certificate.
func (a *Allocation) CheckNonce(ctx context.Context) (bool, error) {
	a.mu.Lock()
	cert, epoch := a.cert, a.epoch
	a.mu.Unlock()
	if cert == nil {
		return false, core.ErrNoCertificate
	}

	consumed, err := a.engine.consumed(ctx, cert)
	if err != nil || !consumed {
		return consumed, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.epoch == epoch && a.cert == cert {
		a.fail(core.ErrNonceConsumed)
	}
	return true, nil
}

// Submit sends the outstanding certificate through the wallet. It returns once
// the transaction is broadcast; confirmation is tracked in the background.
//
// A declined wallet prompt returns the action to idle, discards the certificate
// and returns an error wrapping core.ErrUserRejected that callers should not surface.
func (a *Allocation) Submit(ctx context.Context) (common.Hash, error) {
	e := a.engine

	a.mu.Lock()
	switch {
	case a.state == AllocationSubmitting || a.state == AllocationSubmitted:
		a.mu.Unlock()
		return common.Hash{}, core.ErrActionBusy
	case a.state != AllocationHeld || a.cert == nil:
		a.mu.Unlock()
		return common.Hash{}, core.ErrNoCertificate
	}
	cert, v, epoch := a.cert, *a.frozen, a.epoch
	a.setState(AllocationSubmitting)
	a.mu.Unlock()

	err := a.preflight(ctx, cert)
	if err != nil && !core.IsProtocol(err) && !core.IsValidation(err) {
		// transient, the certificate is still good
		a.mu.Lock()
		if a.epoch == epoch {
			a.setState(AllocationHeld)
		}
		a.mu.Unlock()
		return common.Hash{}, err
	}

	var act *Action
	if err == nil {
		// one submission attempt per certificate, whatever its outcome
		e.markUsed(cert)
		method := core.MethodAllocatedTransfer
		if v.kind == core.ActionWithdrawal {
			method = core.MethodAllocatedWithdrawal
		}
		act, err = e.exec.Submit(ctx, core.ContractCall{
			ChainID:     v.key.ChainID,
			Method:      method,
			LockID:      v.key.LockID,
			Recipient:   v.recipient,
			Amount:      v.amount,
			Certificate: cert,
		})
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.cert = nil
	if a.epoch != epoch {
		return common.Hash{}, core.ErrActionBusy
	}
	if errors.Is(err, core.ErrUserRejected) {
		a.setState(AllocationFailed)
		a.frozen = nil
		a.err = nil
		a.setState(AllocationIdle)
		return common.Hash{}, err
	}
	if err != nil {
		return common.Hash{}, a.fail(err)
	}

	a.tx = act.Tx
	a.setState(AllocationSubmitted)
	a.settled = make(chan struct{})
	go a.watch(act, epoch, a.settled)
	return act.Tx, nil
}

// preflight re-checks the certificate against the latest known state
func (a *Allocation) preflight(ctx context.Context, cert *core.AllocationCertificate) error {
	e := a.engine
	if cert.Expires() <= e.now().Unix() {
		return &core.ValidationError{Field: "expires", Reason: "allocation has expired"}
	}
	consumed, err := e.consumed(ctx, cert)
	if err != nil {
		return err
	}
	if consumed {
		return core.ErrNonceConsumed
	}
	b, ok := e.balances.Lookup(cert.Key())
	if !ok || cert.Amount().GreaterThan(b.AllocatableBalance) {
		return core.ErrAllocationExceedsBalance
	}
	return nil
}

func (a *Allocation) watch(act *Action, epoch uint64, settled chan struct{}) {
	defer close(settled)
	<-act.Done()

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.epoch != epoch {
		return
	}
	if err := act.Err(); err != nil {
		a.fail(err)
		return
	}
	a.setState(AllocationConfirmed)
	a.engine.logger.Info("allocation confirmed", zap.String("action", a.id), zap.Stringer("tx", act.Tx))
	a.frozen = nil
	a.setState(AllocationIdle)
}

// Await blocks until a submitted transaction settles
func (a *Allocation) Await(ctx context.Context) error {
	a.mu.Lock()
	settled := a.settled
	a.mu.Unlock()
	if settled == nil {
		return nil
	}
	select {
	case <-settled:
		return a.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reset returns a settled action to idle and discards any certificate.
// An action whose transaction is still being submitted or confirmed is busy.
func (a *Allocation) Reset() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == AllocationSubmitting || a.state == AllocationSubmitted {
		return core.ErrActionBusy
	}
	a.epoch++
	a.cert = nil
	a.frozen = nil
	a.err = nil
	a.tx = common.Hash{}
	a.setState(AllocationIdle)
	return nil
}
