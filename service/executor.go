package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"github.com/layer-3/compact/core"
	"github.com/layer-3/compact/internal/logging"
	"github.com/layer-3/compact/internal/metrics"
	"github.com/layer-3/compact/ports"
	"go.uber.org/zap"
)

// Action is one submitted contract call awaiting confirmation
type Action struct {
	ID   string
	Call core.ContractCall
	Tx   common.Hash

	done chan struct{}
	err  error
}

// Done is closed once the transaction is confirmed or failed
func (a *Action) Done() <-chan struct{} {
	return a.done
}

// Err is the confirmation outcome. Only meaningful after Done is closed.
func (a *Action) Err() error {
	select {
	case <-a.done:
		return a.err
	default:
		return nil
	}
}

// Await blocks until the action settles or ctx ends
func (a *Action) Await(ctx context.Context) error {
	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Executor submits contract calls through the wallet and reports
// initiated, submitted and confirmed stages to the notifier.
type Executor struct {
	wallet   ports.TransactionSubmitter
	network  *NetworkGuard
	notifier ports.Notifier
	logger   *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	wg sync.WaitGroup
}

func NewExecutor(wallet ports.TransactionSubmitter, network *NetworkGuard, notifier ports.Notifier, logger *zap.Logger, m *metrics.Metrics) *Executor {
	return &Executor{
		wallet:   wallet,
		network:  network,
		notifier: notifier,
		logger:   logging.OrNop(logger),
		metrics:  m,
		now:      time.Now,
	}
}

// Submit validates and broadcasts call, returning as soon as the wallet hands
// back a transaction hash. Confirmation is awaited in the background.
// A declined prompt returns an error wrapping core.ErrUserRejected and emits no failure.
func (e *Executor) Submit(ctx context.Context, call core.ContractCall) (*Action, error) {
	if err := call.Validate(); err != nil {
		return nil, err
	}

	a := &Action{ID: uuid.NewString(), Call: call, done: make(chan struct{})}
	e.notify(ctx, a, core.StageInitiated, "")

	if e.network != nil {
		if err := e.network.EnsureChain(ctx, call.ChainID); err != nil {
			return nil, e.fail(ctx, a, err)
		}
	}

	tx, err := e.wallet.Submit(ctx, call)
	if err != nil {
		return nil, e.fail(ctx, a, err)
	}
	a.Tx = tx
	e.notify(ctx, a, core.StageSubmitted, "")
	e.logger.Info("transaction submitted",
		zap.String("action", a.ID),
		zap.String("method", string(call.Method)),
		zap.Uint64("chain", call.ChainID),
		zap.Stringer("tx", tx),
	)

	e.wg.Add(1)
	go e.await(context.WithoutCancel(ctx), a)
	return a, nil
}

// Wait blocks until every background confirmation has settled
func (e *Executor) Wait() {
	e.wg.Wait()
}

func (e *Executor) await(ctx context.Context, a *Action) {
	defer e.wg.Done()
	defer close(a.done)

	receipt, err := e.wallet.WaitForReceipt(ctx, a.Call.ChainID, a.Tx)
	switch {
	case err != nil:
	case receipt == nil:
		err = errors.New("wallet returned no receipt")
	case receipt.Status != types.ReceiptStatusSuccessful:
		err = core.ErrTransactionReverted
	}
	if err != nil {
		a.err = fmt.Errorf("%s %s: %w", a.Call.Method, a.Tx, err)
		e.logger.Warn("transaction failed", zap.String("action", a.ID), zap.Stringer("tx", a.Tx), zap.Error(err))
		e.notify(ctx, a, core.StageFailed, err.Error())
		return
	}
	e.notify(ctx, a, core.StageConfirmed, "")
}

func (e *Executor) fail(ctx context.Context, a *Action, err error) error {
	if errors.Is(err, core.ErrUserRejected) {
		e.logger.Debug("user declined", zap.String("action", a.ID), zap.String("method", string(a.Call.Method)))
		return err
	}
	e.notify(ctx, a, core.StageFailed, err.Error())
	return err
}

func (e *Executor) notify(ctx context.Context, a *Action, stage core.Stage, message string) {
	e.metrics.Stage(string(stage))
	if e.notifier == nil {
		return
	}
	n := core.Notification{
		ID:       uuid.NewString(),
		ActionID: a.ID,
		Method:   a.Call.Method,
		Stage:    stage,
		ChainID:  a.Call.ChainID,
		TxHash:   a.Tx,
		Message:  message,
		Time:     e.now(),
	}
	if err := e.notifier.Notify(ctx, n); err != nil {
		e.logger.Warn("failed to send notification", zap.String("action", a.ID), zap.Error(err))
	}
}
