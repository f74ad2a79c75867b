package allocator

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/layer-3/compact/core"
	"github.com/layer-3/compact/ports"
)

// flexUint accepts a JSON number or a decimal string
type flexUint struct {
	v   uint64
	set bool
}

func (f *flexUint) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "null" || s == "" {
		return nil
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return err
	}
	f.v, f.set = v, true
	return nil
}

func (f flexUint) MarshalJSON() ([]byte, error) {
	return []byte(strconv.FormatUint(f.v, 10)), nil
}

type healthChainDTO struct {
	ChainID                      *string   `json:"chainId"`
	AllocatorID                  string    `json:"allocatorId"`
	FinalizationThresholdSeconds *flexUint `json:"finalizationThresholdSeconds"`
}

type healthDTO struct {
	Status           *string          `json:"status"`
	AllocatorAddress *string          `json:"allocatorAddress"`
	SigningAddress   *string          `json:"signingAddress"`
	Timestamp        string           `json:"timestamp"`
	SupportedChains  []healthChainDTO `json:"supportedChains"`
}

func (d healthDTO) toHealth() (ports.Health, error) {
	if d.Status == nil || d.AllocatorAddress == nil || d.SigningAddress == nil {
		return ports.Health{}, fmt.Errorf("health: missing fields: %w", core.ErrMalformedResponse)
	}
	alloc, err := parseAddress(*d.AllocatorAddress)
	if err != nil {
		return ports.Health{}, err
	}
	signer, err := parseAddress(*d.SigningAddress)
	if err != nil {
		return ports.Health{}, err
	}
	h := ports.Health{Status: *d.Status, AllocatorAddress: alloc, SigningAddress: signer}
	if d.Timestamp != "" {
		if ts, err := time.Parse(time.RFC3339, d.Timestamp); err == nil {
			h.Timestamp = ts
		}
	}
	for _, c := range d.SupportedChains {
		if c.ChainID == nil || c.FinalizationThresholdSeconds == nil || !c.FinalizationThresholdSeconds.set {
			return ports.Health{}, fmt.Errorf("health: chain entry missing fields: %w", core.ErrMalformedResponse)
		}
		id, err := core.ParseChainID(*c.ChainID)
		if err != nil {
			return ports.Health{}, err
		}
		h.SupportedChains = append(h.SupportedChains, ports.ChainSupport{
			ChainID:               id,
			AllocatorID:           c.AllocatorID,
			FinalizationThreshold: time.Duration(c.FinalizationThresholdSeconds.v) * time.Second,
		})
	}
	return h, nil
}

// challengeDTO is echoed back verbatim as the payload of POST /session
type challengeDTO struct {
	Domain         string   `json:"domain"`
	Address        string   `json:"address"`
	URI            string   `json:"uri"`
	Statement      string   `json:"statement"`
	Version        string   `json:"version"`
	ChainID        flexUint `json:"chainId"`
	Nonce          string   `json:"nonce"`
	IssuedAt       string   `json:"issuedAt"`
	ExpirationTime string   `json:"expirationTime"`
}

func (d challengeDTO) toChallenge() (core.Challenge, error) {
	if d.Domain == "" || d.Address == "" || d.Nonce == "" || !d.ChainID.set || d.IssuedAt == "" || d.ExpirationTime == "" {
		return core.Challenge{}, fmt.Errorf("challenge: missing fields: %w", core.ErrMalformedResponse)
	}
	return core.Challenge{
		Domain:         d.Domain,
		Address:        d.Address,
		URI:            d.URI,
		Statement:      d.Statement,
		Version:        d.Version,
		ChainID:        d.ChainID.v,
		Nonce:          d.Nonce,
		IssuedAt:       d.IssuedAt,
		ExpirationTime: d.ExpirationTime,
	}, nil
}

func challengeFromCore(c core.Challenge) challengeDTO {
	return challengeDTO{
		Domain:         c.Domain,
		Address:        c.Address,
		URI:            c.URI,
		Statement:      c.Statement,
		Version:        c.Version,
		ChainID:        flexUint{v: c.ChainID, set: true},
		Nonce:          c.Nonce,
		IssuedAt:       c.IssuedAt,
		ExpirationTime: c.ExpirationTime,
	}
}

type challengeEnvelope struct {
	Session *challengeDTO `json:"session"`
}

type createSessionRequest struct {
	Signature string       `json:"signature"`
	Payload   challengeDTO `json:"payload"`
}

type sessionDTO struct {
	ID        *string         `json:"id"`
	Address   *string         `json:"address"`
	ExpiresAt json.RawMessage `json:"expiresAt"`
}

type sessionEnvelope struct {
	Session *sessionDTO `json:"session"`
}

func (d *sessionDTO) toSession() (core.Session, error) {
	if d == nil || d.ID == nil || *d.ID == "" || d.Address == nil || len(d.ExpiresAt) == 0 {
		return core.Session{}, fmt.Errorf("session: missing fields: %w", core.ErrMalformedResponse)
	}
	addr, err := parseAddress(*d.Address)
	if err != nil {
		return core.Session{}, err
	}
	exp, err := parseTime(d.ExpiresAt)
	if err != nil {
		return core.Session{}, err
	}
	return core.Session{ID: *d.ID, Address: addr, ExpiresAt: exp}, nil
}

type compactDTO struct {
	Arbiter           string  `json:"arbiter"`
	Sponsor           string  `json:"sponsor"`
	Nonce             *string `json:"nonce"`
	Expires           string  `json:"expires"`
	ID                string  `json:"id"`
	Amount            string  `json:"amount"`
	WitnessTypeString *string `json:"witnessTypeString"`
	WitnessHash       *string `json:"witnessHash"`
}

type compactRequestDTO struct {
	ChainID string     `json:"chainId"`
	Compact compactDTO `json:"compact"`
}

type compactResponseDTO struct {
	Hash      *string         `json:"hash"`
	Signature *string         `json:"signature"`
	Nonce     json.RawMessage `json:"nonce"`
}

func (d compactResponseDTO) toResponse() (ports.CompactResponse, error) {
	if d.Hash == nil || d.Signature == nil || len(d.Nonce) == 0 {
		return ports.CompactResponse{}, fmt.Errorf("compact: missing fields: %w", core.ErrMalformedResponse)
	}
	hash, err := hexutil.Decode(*d.Hash)
	if err != nil || len(hash) != common.HashLength {
		return ports.CompactResponse{}, fmt.Errorf("compact: bad hash %q: %w", *d.Hash, core.ErrMalformedResponse)
	}
	sig, err := hexutil.Decode(*d.Signature)
	if err != nil {
		return ports.CompactResponse{}, fmt.Errorf("compact: bad signature: %w", core.ErrMalformedResponse)
	}
	nonce := strings.Trim(string(d.Nonce), `"`)
	if nonce == "" || nonce == "null" {
		return ports.CompactResponse{}, fmt.Errorf("compact: empty nonce: %w", core.ErrMalformedResponse)
	}
	return ports.CompactResponse{Hash: common.BytesToHash(hash), Signature: sig, Nonce: nonce}, nil
}

type balanceDTO struct {
	ChainID                    *string   `json:"chainId"`
	LockID                     *string   `json:"lockId"`
	AllocatableBalance         *string   `json:"allocatableBalance"`
	AllocatedBalance           *string   `json:"allocatedBalance"`
	BalanceAvailableToAllocate *string   `json:"balanceAvailableToAllocate"`
	WithdrawalStatus           *flexUint `json:"withdrawalStatus"`
}

type balancesEnvelope struct {
	Balances *[]balanceDTO `json:"balances"`
}

func (d balanceDTO) toBalance() (core.AllocatorBalance, error) {
	if d.ChainID == nil || d.LockID == nil || d.AllocatableBalance == nil || d.AllocatedBalance == nil {
		return core.AllocatorBalance{}, fmt.Errorf("balance: missing fields: %w", core.ErrMalformedResponse)
	}
	key, err := core.NewLockKey(*d.ChainID, *d.LockID)
	if err != nil {
		return core.AllocatorBalance{}, err
	}
	allocatable, err := core.ParseAmount(*d.AllocatableBalance)
	if err != nil {
		return core.AllocatorBalance{}, err
	}
	allocated, err := core.ParseAmount(*d.AllocatedBalance)
	if err != nil {
		return core.AllocatorBalance{}, err
	}
	status := 0
	if d.WithdrawalStatus != nil && d.WithdrawalStatus.set {
		status = int(d.WithdrawalStatus.v)
	}
	return core.NewAllocatorBalance(key, allocatable, allocated, status), nil
}

type errorDTO struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func parseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("address %q: %w", s, core.ErrMalformedResponse)
	}
	return common.HexToAddress(s), nil
}

// parseTime accepts an RFC 3339 string or unix seconds
func parseTime(raw json.RawMessage) (time.Time, error) {
	s := strings.Trim(string(raw), `"`)
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(secs, 0), nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("time %q: %w", s, core.ErrMalformedResponse)
	}
	return t, nil
}
