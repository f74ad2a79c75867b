package core

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// ActionKind is the allocated action a certificate authorizes
type ActionKind int

const (
	ActionTransfer ActionKind = iota
	ActionWithdrawal
)

func (k ActionKind) String() string {
	switch k {
	case ActionTransfer:
		return "transfer"
	case ActionWithdrawal:
		return "withdrawal"
	default:
		return fmt.Sprintf("ActionKind(%d)", int(k))
	}
}

// CertificateParams carries the values an allocation certificate is bound to
type CertificateParams struct {
	Kind      ActionKind
	ChainID   uint64
	Hash      common.Hash
	Signature []byte
	Nonce     *big.Int
	Expires   int64
	LockID    string
	Amount    decimal.Decimal
	Sponsor   common.Address
	Allocator common.Address
	Recipient common.Address
}

// AllocationCertificate is a signed, single-use allocation. It is immutable once
// constructed; accessors return copies.
type AllocationCertificate struct {
	p CertificateParams
}

// NewAllocationCertificate validates p and freezes it into a certificate
func NewAllocationCertificate(p CertificateParams) (*AllocationCertificate, error) {
	if p.Hash == (common.Hash{}) {
		return nil, fmt.Errorf("certificate hash is empty: %w", ErrMalformedResponse)
	}
	if len(p.Signature) != 64 && len(p.Signature) != 65 {
		return nil, fmt.Errorf("certificate signature has %d bytes: %w", len(p.Signature), ErrMalformedResponse)
	}
	if p.Nonce == nil || p.Nonce.Sign() < 0 {
		return nil, fmt.Errorf("certificate nonce missing: %w", ErrMalformedResponse)
	}
	if !p.Amount.IsPositive() {
		return nil, fmt.Errorf("certificate amount must be positive: %w", ErrMalformedResponse)
	}
	p.Signature = append([]byte(nil), p.Signature...)
	p.Nonce = new(big.Int).Set(p.Nonce)
	return &AllocationCertificate{p: p}, nil
}

func (c *AllocationCertificate) Kind() ActionKind          { return c.p.Kind }
func (c *AllocationCertificate) ChainID() uint64           { return c.p.ChainID }
func (c *AllocationCertificate) Hash() common.Hash         { return c.p.Hash }
func (c *AllocationCertificate) Expires() int64            { return c.p.Expires }
func (c *AllocationCertificate) LockID() string            { return c.p.LockID }
func (c *AllocationCertificate) Amount() decimal.Decimal   { return c.p.Amount }
func (c *AllocationCertificate) Sponsor() common.Address   { return c.p.Sponsor }
func (c *AllocationCertificate) Allocator() common.Address { return c.p.Allocator }
func (c *AllocationCertificate) Recipient() common.Address { return c.p.Recipient }

// Signature returns a copy of the allocator signature
func (c *AllocationCertificate) Signature() []byte {
	return append([]byte(nil), c.p.Signature...)
}

// Nonce returns a copy of the allocator-assigned nonce
func (c *AllocationCertificate) Nonce() *big.Int {
	return new(big.Int).Set(c.p.Nonce)
}

// Key returns the lock the certificate draws from
func (c *AllocationCertificate) Key() LockKey {
	return LockKey{ChainID: c.p.ChainID, LockID: c.p.LockID}
}

// NonceKey identifies the certificate's nonce for consumption tracking
func (c *AllocationCertificate) NonceKey() string {
	return fmt.Sprintf("%d:%s:%s", c.p.ChainID, c.p.Allocator.Hex(), c.p.Nonce.String())
}
