package ports

import (
	"context"

	"github.com/layer-3/compact/core"
)

// Notifier surfaces stage transitions of on-chain actions
type Notifier interface {
	Notify(ctx context.Context, n core.Notification) error
}
