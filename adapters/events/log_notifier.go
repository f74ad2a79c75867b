package events

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/layer-3/compact/core"
	"github.com/layer-3/compact/ports"
	"go.uber.org/zap"
)

// LogNotifier writes notifications to a zap logger
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a notifier that logs every stage transition
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

var _ ports.Notifier = (*LogNotifier)(nil)

func (l *LogNotifier) Notify(_ context.Context, n core.Notification) error {
	fields := []zap.Field{
		zap.String("action", n.ActionID),
		zap.String("method", string(n.Method)),
		zap.String("stage", string(n.Stage)),
		zap.Uint64("chain", n.ChainID),
	}
	if n.TxHash != (common.Hash{}) {
		fields = append(fields, zap.Stringer("tx", n.TxHash))
	}
	if n.Message != "" {
		fields = append(fields, zap.String("message", n.Message))
	}
	if n.Stage == core.StageFailed {
		l.logger.Warn("action failed", fields...)
		return nil
	}
	l.logger.Info("action "+string(n.Stage), fields...)
	return nil
}

// Fanout delivers each notification to every notifier
type Fanout []ports.Notifier

func (f Fanout) Notify(ctx context.Context, n core.Notification) error {
	var errs []error
	for _, nt := range f {
		if err := nt.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
