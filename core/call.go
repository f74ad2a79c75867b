package core

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Method is a contract entry point the wallet can submit
type Method string

const (
	MethodDeposit                 Method = "deposit"
	MethodApprove                 Method = "approve"
	MethodEnableForcedWithdrawal  Method = "enableForcedWithdrawal"
	MethodDisableForcedWithdrawal Method = "disableForcedWithdrawal"
	MethodForcedWithdrawal        Method = "forcedWithdrawal"
	MethodAllocatedTransfer       Method = "allocatedTransfer"
	MethodAllocatedWithdrawal     Method = "allocatedWithdrawal"
)

// RequiresCertificate reports whether the method needs an allocator signature
func (m Method) RequiresCertificate() bool {
	return m == MethodAllocatedTransfer || m == MethodAllocatedWithdrawal
}

// ContractCall is a request to the wallet to submit one contract call
type ContractCall struct {
	ChainID uint64
	Method  Method
	LockID  string

	Token     common.Address
	Spender   common.Address
	Recipient common.Address
	Amount    decimal.Decimal

	// deposit parameters
	Allocator   common.Address
	ResetPeriod time.Duration
	Multichain  bool

	Certificate *AllocationCertificate
}

// Validate checks that the call carries what its method needs
func (c ContractCall) Validate() error {
	if c.ChainID == 0 {
		return &ValidationError{Field: "chainId", Reason: "required"}
	}
	switch c.Method {
	case MethodDeposit:
		if !c.Amount.IsPositive() {
			return &ValidationError{Field: "amount", Reason: "must be greater than zero"}
		}
		if c.Allocator == (common.Address{}) {
			return &ValidationError{Field: "allocator", Reason: "required"}
		}
	case MethodApprove:
		if c.Spender == (common.Address{}) {
			return &ValidationError{Field: "spender", Reason: "required"}
		}
		if c.Amount.IsNegative() {
			return &ValidationError{Field: "amount", Reason: "must not be negative"}
		}
	case MethodEnableForcedWithdrawal, MethodDisableForcedWithdrawal:
		if c.LockID == "" {
			return &ValidationError{Field: "lockId", Reason: "required"}
		}
	case MethodForcedWithdrawal:
		if c.LockID == "" {
			return &ValidationError{Field: "lockId", Reason: "required"}
		}
		if c.Recipient == (common.Address{}) {
			return &ValidationError{Field: "recipient", Reason: "required"}
		}
		if !c.Amount.IsPositive() {
			return &ValidationError{Field: "amount", Reason: "must be greater than zero"}
		}
	case MethodAllocatedTransfer, MethodAllocatedWithdrawal:
		if c.Certificate == nil {
			return ErrNoCertificate
		}
	default:
		return fmt.Errorf("unknown method %q", c.Method)
	}
	return nil
}
