package compact

import (
	"errors"
)

// ErrNoTransactor is returned by on-chain operations when the client was built without a wallet
var ErrNoTransactor = errors.New("no transaction-capable wallet configured")
