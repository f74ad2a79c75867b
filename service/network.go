package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/layer-3/compact/core"
	"github.com/layer-3/compact/internal/logging"
	"github.com/layer-3/compact/ports"
	"go.uber.org/zap"
)

// NetworkGuard makes sure the wallet is on the right chain before a submission
type NetworkGuard struct {
	switcher ports.ChainSwitcher
	logger   *zap.Logger
}

func NewNetworkGuard(switcher ports.ChainSwitcher, logger *zap.Logger) *NetworkGuard {
	return &NetworkGuard{switcher: switcher, logger: logging.OrNop(logger)}
}

// EnsureChain switches the wallet to chainID when it is elsewhere. A declined
// switch prompt wraps core.ErrUserRejected; anything else wraps core.ErrChainSwitchFailed.
func (g *NetworkGuard) EnsureChain(ctx context.Context, chainID uint64) error {
	current, err := g.switcher.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("failed to read wallet chain: %w", err)
	}
	if current == chainID {
		return nil
	}

	g.logger.Info("switching wallet chain", zap.Uint64("from", current), zap.Uint64("to", chainID))
	if err := g.switcher.SwitchChain(ctx, chainID); err != nil {
		if errors.Is(err, core.ErrUserRejected) {
			return err
		}
		return fmt.Errorf("%w: %v", core.ErrChainSwitchFailed, err)
	}

	current, err = g.switcher.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("failed to read wallet chain: %w", err)
	}
	if current != chainID {
		return fmt.Errorf("%w: wallet reports chain %d, want %d", core.ErrChainSwitchFailed, current, chainID)
	}
	return nil
}
