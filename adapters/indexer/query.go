package indexer

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/layer-3/compact/core"
	"github.com/shopspring/decimal"
)

const resourceLocksQuery = `query GetResourceLocks($address: String!) {
  account(address: $address) {
    resourceLocks(orderBy: "balance", orderDirection: "DESC") {
      items {
        chainId
        balance
        withdrawalStatus
        withdrawableAt
        resourceLock {
          lockId
          resetPeriod
          isMultichain
          allocator { account }
          token { tokenAddress name symbol decimals }
        }
      }
    }
  }
}`

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

type graphQLError struct {
	Message string `json:"message"`
}

type graphQLResponse struct {
	Data   *accountData   `json:"data"`
	Errors []graphQLError `json:"errors"`
}

type accountData struct {
	Account *accountDTO `json:"account"`
}

type accountDTO struct {
	ResourceLocks *struct {
		Items []lockItemDTO `json:"items"`
	} `json:"resourceLocks"`
}

// scalar accepts JSON strings and numbers as text
type scalar string

func (s *scalar) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	var str string
	if err := json.Unmarshal(b, &str); err == nil {
		*s = scalar(str)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*s = scalar(n.String())
	return nil
}

type tokenDTO struct {
	TokenAddress *string `json:"tokenAddress"`
	Name         string  `json:"name"`
	Symbol       string  `json:"symbol"`
	Decimals     *scalar `json:"decimals"`
}

type allocatorDTO struct {
	Account *string `json:"account"`
}

type lockDTO struct {
	LockID       *scalar       `json:"lockId"`
	ResetPeriod  *scalar       `json:"resetPeriod"`
	IsMultichain *bool         `json:"isMultichain"`
	Allocator    *allocatorDTO `json:"allocator"`
	Token        *tokenDTO     `json:"token"`
}

type lockItemDTO struct {
	ChainID          *scalar  `json:"chainId"`
	Balance          *scalar  `json:"balance"`
	WithdrawalStatus *scalar  `json:"withdrawalStatus"`
	WithdrawableAt   *scalar  `json:"withdrawableAt"`
	ResourceLock     *lockDTO `json:"resourceLock"`
}

func malformed(field string) error {
	return fmt.Errorf("indexer: %s: %w", field, core.ErrMalformedResponse)
}

func (d lockItemDTO) toResourceLock() (core.ResourceLock, error) {
	if d.ChainID == nil || d.Balance == nil || d.ResourceLock == nil {
		return core.ResourceLock{}, malformed("item missing chainId, balance or resourceLock")
	}
	l := d.ResourceLock
	if l.LockID == nil || l.ResetPeriod == nil || l.IsMultichain == nil || l.Token == nil || l.Token.TokenAddress == nil || l.Token.Decimals == nil {
		return core.ResourceLock{}, malformed("resourceLock missing fields")
	}

	key, err := core.NewLockKey(string(*d.ChainID), string(*l.LockID))
	if err != nil {
		return core.ResourceLock{}, err
	}
	balance, err := core.ParseAmount(string(*d.Balance))
	if err != nil {
		return core.ResourceLock{}, err
	}
	reset, err := strconv.ParseUint(string(*l.ResetPeriod), 10, 32)
	if err != nil {
		return core.ResourceLock{}, malformed("resetPeriod")
	}
	decimals, err := strconv.ParseUint(string(*l.Token.Decimals), 10, 8)
	if err != nil {
		return core.ResourceLock{}, malformed("token.decimals")
	}
	if !common.IsHexAddress(*l.Token.TokenAddress) {
		return core.ResourceLock{}, malformed("token.tokenAddress")
	}

	rl := core.ResourceLock{
		Key: key,
		Token: core.Token{
			Address:  common.HexToAddress(*l.Token.TokenAddress),
			Name:     l.Token.Name,
			Symbol:   l.Token.Symbol,
			Decimals: uint8(decimals),
		},
		ResetPeriod:  time.Duration(reset) * time.Second,
		IsMultichain: *l.IsMultichain,
		Balance:      balance,
	}
	if l.Allocator != nil && l.Allocator.Account != nil {
		if !common.IsHexAddress(*l.Allocator.Account) {
			return core.ResourceLock{}, malformed("allocator.account")
		}
		rl.Allocator = common.HexToAddress(*l.Allocator.Account)
	}
	if d.WithdrawalStatus != nil {
		status, err := strconv.Atoi(string(*d.WithdrawalStatus))
		if err != nil || status < 0 {
			return core.ResourceLock{}, malformed("withdrawalStatus")
		}
		rl.WithdrawalStatus = status
	}
	if d.WithdrawableAt != nil && *d.WithdrawableAt != "" {
		at, err := decimal.NewFromString(strings.TrimSpace(string(*d.WithdrawableAt)))
		if err != nil || !at.IsInteger() || at.IsNegative() {
			return core.ResourceLock{}, malformed("withdrawableAt")
		}
		rl.WithdrawableAt = at.IntPart()
	}
	return rl, nil
}
