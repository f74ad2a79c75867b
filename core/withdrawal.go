package core

import (
	"fmt"
	"time"
)

// WithdrawalState is the forced-withdrawal lifecycle state of one lock
type WithdrawalState int

const (
	WithdrawalInactive WithdrawalState = iota
	WithdrawalPending
	WithdrawalReady
	// WithdrawalExecuted is held locally after a confirmed forced withdrawal
	// until a poll reports status 0
	WithdrawalExecuted
)

func (s WithdrawalState) String() string {
	switch s {
	case WithdrawalInactive:
		return "inactive"
	case WithdrawalPending:
		return "pending"
	case WithdrawalReady:
		return "ready"
	case WithdrawalExecuted:
		return "executed"
	default:
		return fmt.Sprintf("WithdrawalState(%d)", int(s))
	}
}

// WithdrawalStateAt derives the timelock state from polled fields.
func WithdrawalStateAt(status int, withdrawableAt int64, now time.Time) WithdrawalState {
	switch {
	case status == 0:
		return WithdrawalInactive
	case withdrawableAt > now.Unix():
		return WithdrawalPending
	default:
		return WithdrawalReady
	}
}

// CanExecute reports status != 0 && withdrawableAt <= now. Monotonic in now.
func CanExecute(status int, withdrawableAt int64, now time.Time) bool {
	return status != 0 && withdrawableAt <= now.Unix()
}

// TimeRemaining is the whole-second delay until withdrawableAt, never negative
func TimeRemaining(withdrawableAt int64, now time.Time) time.Duration {
	left := withdrawableAt - now.Unix()
	if left <= 0 {
		return 0
	}
	return time.Duration(left) * time.Second
}

// FormatRemaining renders a duration as "1d 2h 3m 4s", dropping leading zero units
func FormatRemaining(d time.Duration) string {
	total := int64(d / time.Second)
	if total < 0 {
		total = 0
	}
	days := total / 86400
	hours := total % 86400 / 3600
	minutes := total % 3600 / 60
	seconds := total % 60

	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
	case hours > 0:
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	case minutes > 0:
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	default:
		return fmt.Sprintf("%ds", seconds)
	}
}

// WithdrawalView is the display projection of a lock's timelock at a point in time
type WithdrawalView struct {
	Key            LockKey
	State          WithdrawalState
	CanExecute     bool
	WithdrawableAt int64
	Remaining      time.Duration
	Label          string
}

// NewWithdrawalView computes the view for (status, withdrawableAt) at now
func NewWithdrawalView(key LockKey, status int, withdrawableAt int64, now time.Time) WithdrawalView {
	v := WithdrawalView{
		Key:            key,
		State:          WithdrawalStateAt(status, withdrawableAt, now),
		CanExecute:     CanExecute(status, withdrawableAt, now),
		WithdrawableAt: withdrawableAt,
	}
	if v.State == WithdrawalPending {
		v.Remaining = TimeRemaining(withdrawableAt, now)
	}
	v.Label = v.label()
	return v
}

// AsExecuted marks the view as consumed by a forced withdrawal the chain has not reported back yet
func (v WithdrawalView) AsExecuted() WithdrawalView {
	v.State = WithdrawalExecuted
	v.CanExecute = false
	v.Remaining = 0
	v.Label = v.label()
	return v
}

// RemainingText is the countdown text, empty unless pending
func (v WithdrawalView) RemainingText() string {
	if v.State != WithdrawalPending {
		return ""
	}
	return FormatRemaining(v.Remaining)
}

func (v WithdrawalView) label() string {
	switch v.State {
	case WithdrawalPending:
		return "Forced Withdrawal Pending (" + FormatRemaining(v.Remaining) + ")"
	case WithdrawalReady:
		return "Forced Withdrawal Ready"
	case WithdrawalExecuted:
		return "Forced Withdrawal Executed"
	default:
		return "Forced Withdrawal Inactive"
	}
}
