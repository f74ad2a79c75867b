package ports

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/layer-3/compact/core"
)

// LockIndexer returns the indexer's resource locks for an account.
// changed is false when the indexer reported the result as unchanged.
type LockIndexer interface {
	ResourceLocks(ctx context.Context, account common.Address) (locks []core.ResourceLock, changed bool, err error)
}
