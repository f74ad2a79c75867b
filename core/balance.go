package core

import (
	"github.com/shopspring/decimal"
)

// AllocatorBalance is one entry of the allocator's authenticated balance feed.
// The allocator is authoritative for the balance numbers.
type AllocatorBalance struct {
	Key                        LockKey
	AllocatableBalance         decimal.Decimal
	AllocatedBalance           decimal.Decimal
	BalanceAvailableToAllocate decimal.Decimal
	WithdrawalStatus           int
}

// NewAllocatorBalance builds a feed entry and derives the amount available to allocate.
func NewAllocatorBalance(key LockKey, allocatable, allocated decimal.Decimal, withdrawalStatus int) AllocatorBalance {
	return AllocatorBalance{
		Key:                        key,
		AllocatableBalance:         allocatable,
		AllocatedBalance:           allocated,
		BalanceAvailableToAllocate: AvailableToAllocate(allocatable, allocated),
		WithdrawalStatus:           withdrawalStatus,
	}
}

// AvailableToAllocate returns allocatable - allocated clamped to [0, allocatable]
func AvailableToAllocate(allocatable, allocated decimal.Decimal) decimal.Decimal {
	if allocatable.IsNegative() {
		return decimal.Zero
	}
	available := allocatable.Sub(allocated)
	if available.IsNegative() {
		return decimal.Zero
	}
	if available.GreaterThan(allocatable) {
		return allocatable
	}
	return available
}

// FormattedAmounts holds display strings derived from base-unit amounts
type FormattedAmounts struct {
	Allocatable         string
	Allocated           string
	AvailableToAllocate string
	Total               string
}

// Balance is the reconciled per-lock view published to consumers
type Balance struct {
	Key                        LockKey
	AllocatableBalance         decimal.Decimal
	AllocatedBalance           decimal.Decimal
	BalanceAvailableToAllocate decimal.Decimal
	WithdrawalStatus           int
	WithdrawableAt             int64

	// Lock is nil when the indexer has no matching record yet
	Lock      *ResourceLock
	Formatted *FormattedAmounts
}

// Enriched reports whether indexer metadata was attached
func (b Balance) Enriched() bool {
	return b.Lock != nil
}

// TotalBalance is the indexer balance when known, otherwise the allocatable balance
func (b Balance) TotalBalance() decimal.Decimal {
	if b.Lock != nil {
		return b.Lock.Balance
	}
	return b.AllocatableBalance
}

// SameRendering compares the fields that affect how a balance is displayed.
func (b Balance) SameRendering(o Balance) bool {
	return b.Key == o.Key &&
		b.AllocatableBalance.Equal(o.AllocatableBalance) &&
		b.AllocatedBalance.Equal(o.AllocatedBalance) &&
		b.BalanceAvailableToAllocate.Equal(o.BalanceAvailableToAllocate) &&
		b.WithdrawalStatus == o.WithdrawalStatus &&
		b.WithdrawableAt == o.WithdrawableAt &&
		sameLock(b.Lock, o.Lock)
}

// sameLock compares indexer metadata. Formatted amounts derive from it and need no separate check.
func sameLock(a, b *ResourceLock) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Key == b.Key &&
		a.Token == b.Token &&
		a.Allocator == b.Allocator &&
		a.ResetPeriod == b.ResetPeriod &&
		a.IsMultichain == b.IsMultichain &&
		a.Balance.Equal(b.Balance) &&
		a.WithdrawalStatus == b.WithdrawalStatus &&
		a.WithdrawableAt == b.WithdrawableAt
}
