package notify

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/qiuyier/ledger-sync/internal/metrics"
)

// Sink 命名的推送通道
type Sink struct {
	Name     string
	Notifier Notifier
}

// Fanout 依次投递到所有通道；尽力而为，失败只记录日志和指标
type Fanout struct {
	sinks   []Sink
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func NewFanout(logger *zap.Logger, mt *metrics.Metrics, sinks ...Sink) *Fanout {
	active := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s.Notifier != nil {
			active = append(active, s)
		}
	}

	return &Fanout{
		sinks:   active,
		logger:  logger.Named("notify"),
		metrics: mt,
	}
}

// Notify 始终返回 nil
func (f *Fanout) Notify(ctx context.Context, groupKey, event string, payload any) error {
	for _, s := range f.sinks {
		err := s.Notifier.Notify(ctx, groupKey, event, payload)

		switch {
		case err == nil:
			f.metrics.RecordNotification(s.Name, "sent")
			f.logger.Debug("notification sent",
				zap.String("sink", s.Name),
				zap.String("event", event),
				zap.String("group_key", groupKey),
			)
		case errors.Is(err, ErrRecipientOffline):
			f.metrics.RecordNotification(s.Name, "offline")
			f.logger.Debug("notification skipped, recipient offline",
				zap.String("sink", s.Name),
				zap.String("event", event),
				zap.String("group_key", groupKey),
			)
		default:
			f.metrics.RecordNotification(s.Name, "failed")
			f.logger.Warn("notification failed",
				zap.String("sink", s.Name),
				zap.String("event", event),
				zap.String("group_key", groupKey),
				zap.Error(err),
			)
		}
	}

	return nil
}
