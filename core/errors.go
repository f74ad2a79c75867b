package core

import (
	"errors"
	"fmt"
)

var (
	// ErrUnauthorized is returned when the allocator rejects the session (401/403)
	ErrUnauthorized      = errors.New("session rejected by allocator")
	ErrNoSession         = errors.New("no authenticated session")
	ErrSessionExpired    = errors.New("session has expired")
	ErrAddressMismatch   = errors.New("session address does not match wallet address")
	ErrMalformedResponse = errors.New("malformed response")
	ErrNotFound          = errors.New("not found")

	// ErrUserRejected is returned by a wallet when the user declines a signing prompt
	ErrUserRejected = errors.New("user rejected the request")

	ErrNonceConsumed            = errors.New("allocation nonce already consumed")
	ErrAllocationExceedsBalance = errors.New("allocation amount exceeds available balance")
	ErrNoCertificate            = errors.New("no allocation certificate")
	ErrActionBusy               = errors.New("action already in progress")
	ErrUnknownLock              = errors.New("unknown resource lock")
	ErrChainSwitchFailed        = errors.New("wallet did not switch to the required chain")
	ErrTransactionReverted      = errors.New("transaction reverted")

	ErrWithdrawalActive   = errors.New("forced withdrawal already enabled")
	ErrWithdrawalInactive = errors.New("forced withdrawal not enabled")
	ErrWithdrawalNotReady = errors.New("forced withdrawal timelock has not elapsed")
)

// ValidationError is a local, field-scoped form error. It never reaches the network.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err carries a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsAuthorization reports whether err should force session teardown.
func IsAuthorization(err error) bool {
	return errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrSessionExpired) || errors.Is(err, ErrAddressMismatch)
}

// IsProtocol reports whether err makes the current certificate unusable.
func IsProtocol(err error) bool {
	return errors.Is(err, ErrNonceConsumed) || errors.Is(err, ErrAllocationExceedsBalance)
}
