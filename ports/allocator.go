package ports

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/layer-3/compact/core"
	"github.com/shopspring/decimal"
)

// ChainSupport is one supported chain reported by the allocator health endpoint
type ChainSupport struct {
	ChainID               uint64
	AllocatorID           string
	FinalizationThreshold time.Duration
}

// Health is the allocator's public status
type Health struct {
	Status           string
	AllocatorAddress common.Address
	SigningAddress   common.Address
	Timestamp        time.Time
	SupportedChains  []ChainSupport
}

// CompactRequest asks the allocator to sign an allocation
type CompactRequest struct {
	ChainID uint64
	Arbiter common.Address
	Sponsor common.Address
	Expires int64
	LockID  string
	Amount  decimal.Decimal
}

// CompactResponse is the allocator's signed answer to a CompactRequest
type CompactResponse struct {
	Hash      common.Hash
	Signature []byte
	Nonce     string
}

// SessionAPI is the allocator's session surface
type SessionAPI interface {
	Challenge(ctx context.Context, chainID uint64, address common.Address) (core.Challenge, error)
	CreateSession(ctx context.Context, signature string, payload core.Challenge) (core.Session, error)
	GetSession(ctx context.Context, sessionID string) (core.Session, error)
	DeleteSession(ctx context.Context, sessionID string) error
}

// BalanceFeed is the allocator's authenticated balance snapshot
type BalanceFeed interface {
	Balances(ctx context.Context, sessionID string) ([]core.AllocatorBalance, error)
}

// CompactSigner requests allocation certificates
type CompactSigner interface {
	RequestCompact(ctx context.Context, sessionID string, req CompactRequest) (CompactResponse, error)
}

// AllocatorAPI is the full REST surface of the allocator.
// Authenticated calls fail with an error wrapping core.ErrUnauthorized on 401/403.
type AllocatorAPI interface {
	SessionAPI
	BalanceFeed
	CompactSigner
	Health(ctx context.Context) (Health, error)
}
