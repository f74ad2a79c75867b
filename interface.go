package compact

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/layer-3/compact/core"
	"github.com/layer-3/compact/ports"
	"github.com/layer-3/compact/service"
	"github.com/shopspring/decimal"
)

// Client is the surface the view layer calls
type Client interface {
	// Health returns the allocator status
	Health(ctx context.Context) (ports.Health, error)

	// SignIn authenticates the connected wallet with the allocator
	SignIn(ctx context.Context) (core.Session, error)

	// SignOut revokes the current session
	SignOut(ctx context.Context) error

	// SessionStatus reports the session lifecycle state
	SessionStatus() core.SessionStatus

	// SwitchAccount moves the client to another connected wallet account
	SwitchAccount(ctx context.Context, signer ports.MessageSigner) (core.SessionStatus, error)

	// Refresh polls both balance sources once
	Refresh(ctx context.Context) (service.Snapshot, error)

	// Balances returns the latest reconciled balances
	Balances() service.Snapshot

	// Withdrawals returns the forced-withdrawal view of every lock
	Withdrawals() []core.WithdrawalView

	// NewAllocation starts an allocated transfer or withdrawal
	NewAllocation() *service.Allocation

	// Deposit locks tokens with an allocator
	Deposit(ctx context.Context, req DepositRequest) (*service.Action, error)

	// Approve grants the lock contract an ERC-20 allowance
	Approve(ctx context.Context, chainID uint64, token, spender common.Address, amount decimal.Decimal) (*service.Action, error)

	// InitiateWithdrawal starts the forced-withdrawal timelock of a lock
	InitiateWithdrawal(ctx context.Context, key core.LockKey) (*service.Action, error)

	// ReactivateLock cancels a pending or ready forced withdrawal
	ReactivateLock(ctx context.Context, key core.LockKey) (*service.Action, error)

	// ExecuteWithdrawal withdraws from a lock whose timelock elapsed
	ExecuteWithdrawal(ctx context.Context, key core.LockKey, recipient common.Address, amount string) (*service.Action, error)
}

// DepositRequest describes a deposit into a new or existing lock
type DepositRequest struct {
	ChainID   uint64
	Token     common.Address
	Allocator common.Address
	// Amount is in token units
	Amount      string
	Decimals    uint8
	ResetPeriod core.ResetPeriod
	Multichain  bool
}
