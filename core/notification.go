package core

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Stage is an externally observable step of an on-chain action
type Stage string

const (
	StageInitiated Stage = "initiated"
	StageSubmitted Stage = "submitted"
	StageConfirmed Stage = "confirmed"
	StageFailed    Stage = "failed"
)

// Notification reports a stage transition of one action
type Notification struct {
	ID       string      `json:"id"`
	ActionID string      `json:"action_id"`
	Method   Method      `json:"method"`
	Stage    Stage       `json:"stage"`
	ChainID  uint64      `json:"chain_id"`
	TxHash   common.Hash `json:"tx_hash,omitempty"`
	Message  string      `json:"message,omitempty"`
	Time     time.Time   `json:"time"`
}
