package ports

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/layer-3/compact/core"
)

// MessageSigner signs human-readable messages (personal_sign).
// A declined prompt returns an error wrapping core.ErrUserRejected.
type MessageSigner interface {
	Address() common.Address
	SignMessage(ctx context.Context, message string) (string, error)
}

// TransactionSubmitter submits contract calls and waits for their receipts.
// Submit returns as soon as the transaction is broadcast.
type TransactionSubmitter interface {
	Submit(ctx context.Context, call core.ContractCall) (common.Hash, error)
	WaitForReceipt(ctx context.Context, chainID uint64, tx common.Hash) (*types.Receipt, error)
}

// ChainSwitcher reads and changes the wallet's active chain
type ChainSwitcher interface {
	ChainID(ctx context.Context) (uint64, error)
	SwitchChain(ctx context.Context, chainID uint64) error
}

// Wallet is the full wallet-signing boundary
type Wallet interface {
	MessageSigner
	TransactionSubmitter
	ChainSwitcher
}

// NonceChecker reads on-chain consumption of allocator nonces
type NonceChecker interface {
	IsNonceConsumed(ctx context.Context, chainID uint64, allocator common.Address, nonce *big.Int) (bool, error)
}
