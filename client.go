// Package compact is the client core of a resource-lock protocol: allocator
// sessions, reconciled balances, allocated transfers and forced withdrawals.
package compact

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/layer-3/compact/adapters/allocator"
	"github.com/layer-3/compact/adapters/events"
	"github.com/layer-3/compact/adapters/indexer"
	"github.com/layer-3/compact/adapters/store"
	"github.com/layer-3/compact/core"
	"github.com/layer-3/compact/internal/background"
	"github.com/layer-3/compact/internal/config"
	"github.com/layer-3/compact/internal/logging"
	"github.com/layer-3/compact/internal/metrics"
	"github.com/layer-3/compact/ports"
	"github.com/layer-3/compact/service"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Transactor submits contract calls on the wallet's active chain
type Transactor interface {
	ports.TransactionSubmitter
	ports.ChainSwitcher
}

// Options configures New. Only Config and Signer are required.
type Options struct {
	Config config.Config
	Signer ports.MessageSigner

	// Wallet submits transactions. Without it on-chain operations fail with ErrNoTransactor.
	Wallet Transactor
	// Allocator and Indexer default to HTTP clients built from Config
	Allocator ports.AllocatorAPI
	Indexer   ports.LockIndexer
	// Store defaults to an in-memory store
	Store    ports.SessionStore
	Notifier ports.Notifier
	Nonces   ports.NonceChecker

	HTTP     *http.Client
	Logger   *zap.Logger
	Registry prometheus.Registerer
}

// Core implements Client
type Core struct {
	cfg    config.Config
	logger *zap.Logger

	allocator ports.AllocatorAPI
	sessions  *service.SessionService
	balances  *service.Reconciler
	tracker   *service.WithdrawalTracker
	exec      *service.Executor
	engine    *service.AllocationEngine

	mu     sync.Mutex
	signer ports.MessageSigner
	bg     *background.T
}

var _ Client = (*Core)(nil)

// New wires the client from opts without contacting any service
func New(opts Options) (*Core, error) {
	if opts.Signer == nil {
		return nil, fmt.Errorf("signer is required")
	}
	cfg := opts.Config
	logger := logging.OrNop(opts.Logger)
	m := metrics.New(opts.Registry)

	httpClient := opts.HTTP
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.HTTPTimeout}
	}

	api := opts.Allocator
	if api == nil {
		c, err := allocator.NewClient(cfg.AllocatorURL, httpClient, logger)
		if err != nil {
			return nil, err
		}
		api = c
	}
	idx := opts.Indexer
	if idx == nil {
		c, err := indexer.NewClient(cfg.IndexerURL, httpClient, cfg.Polling.IndexerCacheTTL, logger)
		if err != nil {
			return nil, err
		}
		idx = c
	}
	st := opts.Store
	if st == nil {
		st = store.NewMemoryStore()
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = events.NewLogNotifier(logger)
	}
	wallet := opts.Wallet
	if wallet == nil {
		wallet = noTransactor{}
	}

	sessions := service.NewSessionService(api, st, cfg.ChainID, logger, m)
	balances := service.NewReconciler(api, idx, sessions, logger, m)
	exec := service.NewExecutor(wallet, service.NewNetworkGuard(wallet, logger), notifier, logger, m)
	tracker := service.NewWithdrawalTracker(exec, logger)
	engine := service.NewAllocationEngine(api, sessions, balances, exec, opts.Nonces, logger, m)
	engine.SetMaxExpiry(cfg.Polling.MaxAllocationTTL)
	balances.OnChange(tracker.Observe)

	return &Core{
		cfg:       cfg,
		logger:    logger,
		allocator: api,
		sessions:  sessions,
		balances:  balances,
		tracker:   tracker,
		exec:      exec,
		engine:    engine,
		signer:    opts.Signer,
	}, nil
}

// Start restores the persisted session of the signer and starts the polling loops.
// A failed session check is logged; the client keeps polling and retries.
func (c *Core) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bg != nil {
		return nil
	}

	if _, err := c.sessions.SetAddress(ctx, c.signer.Address()); err != nil {
		c.logger.Warn("failed to restore session", zap.Error(err))
	}

	var processes []background.Process
	add := func(interval time.Duration, fn func(ctx context.Context)) {
		if interval > 0 {
			processes = append(processes, background.Every(interval, fn))
		}
	}
	add(c.cfg.Polling.Balances, func(ctx context.Context) {
		if err := c.balances.PollAllocator(ctx); err != nil {
			c.logger.Debug("allocator poll failed", zap.Error(err))
		}
	})
	add(c.cfg.Polling.Indexer, func(ctx context.Context) {
		if err := c.balances.PollIndexer(ctx); err != nil {
			c.logger.Debug("indexer poll failed", zap.Error(err))
		}
	})
	add(c.cfg.Polling.SessionRevalidate, c.revalidate)
	add(c.cfg.Polling.WithdrawalTick, func(context.Context) { c.tracker.Tick() })

	c.bg = background.Start(processes...)
	return nil
}

func (c *Core) revalidate(ctx context.Context) {
	switch c.sessions.Status() {
	case core.SessionAuthenticated, core.SessionUnknown:
	default:
		return
	}
	if _, err := c.sessions.Validate(ctx); err != nil {
		c.logger.Debug("session revalidation failed", zap.Error(err))
	}
}

// Stop ends the polling loops and waits for pending confirmations
func (c *Core) Stop() {
	c.mu.Lock()
	bg := c.bg
	c.bg = nil
	c.mu.Unlock()
	if bg != nil {
		bg.Stop()
	}
	c.exec.Wait()
}

func (c *Core) Health(ctx context.Context) (ports.Health, error) {
	return c.allocator.Health(ctx)
}

func (c *Core) currentSigner() ports.MessageSigner {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.signer
}

func (c *Core) SignIn(ctx context.Context) (core.Session, error) {
	return c.sessions.SignIn(ctx, c.currentSigner())
}

func (c *Core) SignOut(ctx context.Context) error {
	return c.sessions.SignOut(ctx)
}

func (c *Core) SessionStatus() core.SessionStatus {
	return c.sessions.Status()
}

// SwitchAccount drops every balance of the previous account before restoring the session of the new one
func (c *Core) SwitchAccount(ctx context.Context, signer ports.MessageSigner) (core.SessionStatus, error) {
	c.mu.Lock()
	c.signer = signer
	c.mu.Unlock()
	c.balances.Reset()
	return c.sessions.SetAddress(ctx, signer.Address())
}

func (c *Core) Refresh(ctx context.Context) (service.Snapshot, error) {
	return c.balances.Poll(ctx)
}

func (c *Core) Balances() service.Snapshot {
	return c.balances.Snapshot()
}

func (c *Core) Withdrawals() []core.WithdrawalView {
	return c.tracker.Views()
}

func (c *Core) NewAllocation() *service.Allocation {
	return c.engine.NewAllocation()
}

func (c *Core) Deposit(ctx context.Context, req DepositRequest) (*service.Action, error) {
	amount, err := core.ParseUnits(req.Amount, req.Decimals)
	if err != nil {
		return nil, err
	}
	return c.exec.Submit(ctx, core.ContractCall{
		ChainID:     req.ChainID,
		Method:      core.MethodDeposit,
		Token:       req.Token,
		Allocator:   req.Allocator,
		Amount:      amount,
		ResetPeriod: req.ResetPeriod.Duration,
		Multichain:  req.Multichain,
	})
}

func (c *Core) Approve(ctx context.Context, chainID uint64, token, spender common.Address, amount decimal.Decimal) (*service.Action, error) {
	return c.exec.Submit(ctx, core.ContractCall{
		ChainID: chainID,
		Method:  core.MethodApprove,
		Token:   token,
		Spender: spender,
		Amount:  amount,
	})
}

func (c *Core) InitiateWithdrawal(ctx context.Context, key core.LockKey) (*service.Action, error) {
	return c.tracker.Initiate(ctx, key)
}

func (c *Core) ReactivateLock(ctx context.Context, key core.LockKey) (*service.Action, error) {
	return c.tracker.Reactivate(ctx, key)
}

func (c *Core) ExecuteWithdrawal(ctx context.Context, key core.LockKey, recipient common.Address, amount string) (*service.Action, error) {
	return c.tracker.Execute(ctx, key, recipient, amount)
}

// noTransactor stands in for a read-only wallet
type noTransactor struct{}

func (noTransactor) Submit(context.Context, core.ContractCall) (common.Hash, error) {
	return common.Hash{}, ErrNoTransactor
}

func (noTransactor) WaitForReceipt(context.Context, uint64, common.Hash) (*types.Receipt, error) {
	return nil, ErrNoTransactor
}

func (noTransactor) ChainID(context.Context) (uint64, error) {
	return 0, ErrNoTransactor
}

func (noTransactor) SwitchChain(context.Context, uint64) error {
	return ErrNoTransactor
}
