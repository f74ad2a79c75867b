package core

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// LockKey identifies a resource lock on one chain
type LockKey struct {
	ChainID uint64
	LockID  string // canonical decimal form
}

func (k LockKey) String() string {
	return strconv.FormatUint(k.ChainID, 10) + ":" + k.LockID
}

// NewLockKey parses a chain id and lock id as they appear on the wire
func NewLockKey(chainID, lockID string) (LockKey, error) {
	cid, err := ParseChainID(chainID)
	if err != nil {
		return LockKey{}, err
	}
	lid, err := ParseLockID(lockID)
	if err != nil {
		return LockKey{}, err
	}
	return LockKey{ChainID: cid, LockID: lid}, nil
}

// ParseChainID parses a positive decimal chain id
func ParseChainID(s string) (uint64, error) {
	id, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("chain id %q: %w", s, ErrMalformedResponse)
	}
	return id, nil
}

// ParseLockID normalizes a decimal or 0x-prefixed uint256 into decimal form
func ParseLockID(s string) (string, error) {
	s = strings.TrimSpace(s)
	n := new(big.Int)
	var ok bool
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		_, ok = n.SetString(s[2:], 16)
	} else {
		_, ok = n.SetString(s, 10)
	}
	if !ok || n.Sign() < 0 || n.BitLen() > 256 {
		return "", fmt.Errorf("lock id %q: %w", s, ErrMalformedResponse)
	}
	return n.String(), nil
}

// Token describes the asset held in a lock. The zero address is the native token.
type Token struct {
	Address  common.Address
	Name     string
	Symbol   string
	Decimals uint8
}

// IsNative reports whether the token is the chain's native asset
func (t Token) IsNative() bool {
	return t.Address == (common.Address{})
}

// ResourceLock is the indexer's per-lock record for one account
type ResourceLock struct {
	Key          LockKey
	Token        Token
	Allocator    common.Address
	ResetPeriod  time.Duration
	IsMultichain bool

	// Balance is the account's total balance held in the lock
	Balance          decimal.Decimal
	WithdrawalStatus int
	WithdrawableAt   int64
}

// ResetPeriod is one of the fixed reset periods a lock can be created with
type ResetPeriod struct {
	Index    uint8
	Duration time.Duration
	Label    string
}

// ResetPeriods lists the reset periods in on-chain enum order
var ResetPeriods = []ResetPeriod{
	{0, time.Second, "1s"},
	{1, 15 * time.Second, "15s"},
	{2, time.Minute, "1m"},
	{3, 10 * time.Minute, "10m"},
	{4, time.Hour + 5*time.Minute, "1h 5m"},
	{5, 24 * time.Hour, "1d"},
	{6, 7*24*time.Hour + time.Hour, "7d 1h"},
	{7, 30 * 24 * time.Hour, "30d"},
}

// ResetPeriodByIndex returns the reset period for an on-chain enum value
func ResetPeriodByIndex(i uint8) (ResetPeriod, bool) {
	if int(i) >= len(ResetPeriods) {
		return ResetPeriod{}, false
	}
	return ResetPeriods[i], true
}

// FormatResetPeriod renders a duration using the reset period labels when it matches one
func FormatResetPeriod(d time.Duration) string {
	for _, p := range ResetPeriods {
		if p.Duration == d {
			return p.Label
		}
	}
	return FormatRemaining(d)
}

// ParseAmount parses a non-negative integer amount in base units
func ParseAmount(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, fmt.Errorf("amount %q: %w", s, ErrMalformedResponse)
	}
	if d.IsNegative() || !d.IsInteger() {
		return decimal.Zero, fmt.Errorf("amount %q is not a non-negative integer: %w", s, ErrMalformedResponse)
	}
	return d, nil
}

// ParseUnits converts a human-readable amount into base units
func ParseUnits(s string, decimals uint8) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, err
	}
	base := d.Shift(int32(decimals))
	if !base.IsInteger() {
		return decimal.Zero, fmt.Errorf("more than %d decimal places", decimals)
	}
	return base, nil
}

// FormatUnits renders a base-unit amount with the token's decimals
func FormatUnits(amount decimal.Decimal, decimals uint8) string {
	return amount.Shift(-int32(decimals)).String()
}
